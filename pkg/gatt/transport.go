package gatt

import (
	"context"

	"github.com/go-ble/ble"
)

// CentralTransport is the radio collaborator of a Central. Every method is
// asynchronous: it returns immediately and reports its outcome, if any, through
// the handlers passed to Start.
type CentralTransport interface {
	// Start binds the handlers and begins reporting adapter state.
	Start(ctx context.Context, central CentralEventHandler, peers PeerEventHandler) error
	// Close releases the adapter. No handler is called after Close returns.
	Close() error

	Scan(services []ble.UUID, allowDuplicates bool)
	StopScan()

	Connect(peer PeerID)
	CancelConnection(peer PeerID)

	DiscoverServices(peer PeerID, filter []ble.UUID)
	DiscoverCharacteristics(peer PeerID, service Attribute, filter []ble.UUID)
	DiscoverDescriptors(peer PeerID, characteristic Attribute)

	ReadCharacteristic(peer PeerID, characteristic Attribute)
	WriteCharacteristic(peer PeerID, characteristic Attribute, value []byte, writeType WriteType)
	SetNotify(peer PeerID, characteristic Attribute, enabled bool)

	ReadDescriptor(peer PeerID, characteristic, descriptor Attribute)
	WriteDescriptor(peer PeerID, characteristic, descriptor Attribute, value []byte)

	ReadRSSI(peer PeerID)
}

// CentralEventHandler receives adapter and connection level events.
type CentralEventHandler interface {
	DidUpdateState(state ManagerState)
	DidDiscoverPeer(peer PeerID, adv Advertisement, rssi int)
	DidConnectPeer(peer PeerID)
	DidFailToConnectPeer(peer PeerID, err error)
	DidDisconnectPeer(peer PeerID, err error)
}

// PeerEventHandler receives per-connection GATT completions. Notification
// payloads arrive as DidUpdateCharacteristicValue, exactly like read results.
type PeerEventHandler interface {
	DidDiscoverServices(peer PeerID, services []Service, err error)
	DidDiscoverCharacteristics(peer PeerID, service Attribute, characteristics []CharacteristicSnapshot, err error)
	DidDiscoverDescriptors(peer PeerID, characteristic Attribute, descriptors []DescriptorSnapshot, err error)
	DidUpdateCharacteristicValue(peer PeerID, characteristic Attribute, value []byte, err error)
	DidWriteCharacteristicValue(peer PeerID, characteristic Attribute, err error)
	DidUpdateNotificationState(peer PeerID, characteristic Attribute, enabled bool, err error)
	DidUpdateDescriptorValue(peer PeerID, characteristic, descriptor Attribute, value []byte, err error)
	DidWriteDescriptorValue(peer PeerID, characteristic, descriptor Attribute, err error)
	DidReadRSSI(peer PeerID, rssi int, err error)
}

// PeripheralTransport is the radio collaborator of a Server.
type PeripheralTransport interface {
	Start(ctx context.Context, handler ServerEventHandler) error
	Close() error

	// PublishService registers a service tree. Every call produces exactly one
	// DidPublishService, in call order, even across adapter state changes.
	PublishService(service *LocalService)
	// RemoveAllServices withdraws every published service.
	RemoveAllServices()

	StartAdvertising(name string, services []ble.UUID)
	StopAdvertising()

	// Respond answers a pending read or write request. value is ignored for writes.
	Respond(request RequestID, result ble.ATTError, value []byte)

	// UpdateValue pushes value to the given subscribed centrals. It reports false
	// when the transport could not queue the update for every central.
	UpdateValue(characteristic ble.UUID, value []byte, centrals []CentralID) bool
}

// ServerEventHandler receives server-role events.
type ServerEventHandler interface {
	DidUpdateState(state ManagerState)
	DidPublishService(service ble.UUID, err error)
	DidStartAdvertising(err error)
	DidReceiveRead(request ReadRequest)
	// DidReceiveWrite delivers a batch of writes that must be acknowledged once.
	DidReceiveWrite(requests []WriteRequest)
	DidSubscribe(central CentralID, characteristic ble.UUID)
	DidUnsubscribe(central CentralID, characteristic ble.UUID)
}
