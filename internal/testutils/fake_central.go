package testutils

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/pkg/gatt"
)

// Transport operations recorded by the fakes.
const (
	OpScan                    = "scan"
	OpStopScan                = "stop-scan"
	OpConnect                 = "connect"
	OpCancelConnection        = "cancel-connection"
	OpDiscoverServices        = "discover-services"
	OpDiscoverCharacteristics = "discover-characteristics"
	OpDiscoverDescriptors     = "discover-descriptors"
	OpReadCharacteristic      = "read-characteristic"
	OpWriteCharacteristic     = "write-characteristic"
	OpSetNotify               = "set-notify"
	OpReadDescriptor          = "read-descriptor"
	OpWriteDescriptor         = "write-descriptor"
	OpReadRSSI                = "read-rssi"
)

// Call is one recorded transport invocation.
type Call struct {
	Op         string
	Peer       gatt.PeerID
	Attr       gatt.Attribute
	Descriptor gatt.Attribute
	UUIDs      []ble.UUID
	Data       []byte
	WriteType  gatt.WriteType
	Flag       bool
}

// FakeCentralTransport records every CentralTransport call and lets tests inject
// events through the handlers bound by Start.
type FakeCentralTransport struct {
	// StartErr is returned by Start when set.
	StartErr error
	// InitialState, when not StateUnknown, is reported right after Start.
	InitialState gatt.ManagerState

	mu      sync.Mutex
	calls   []Call
	central gatt.CentralEventHandler
	peers   gatt.PeerEventHandler
	closed  bool
}

var _ gatt.CentralTransport = (*FakeCentralTransport)(nil)

func NewFakeCentralTransport() *FakeCentralTransport {
	return &FakeCentralTransport{}
}

func (f *FakeCentralTransport) Start(_ context.Context, central gatt.CentralEventHandler, peers gatt.PeerEventHandler) error {
	if f.StartErr != nil {
		return f.StartErr
	}
	f.mu.Lock()
	f.central = central
	f.peers = peers
	f.mu.Unlock()

	if f.InitialState != gatt.StateUnknown {
		central.DidUpdateState(f.InitialState)
	}
	return nil
}

func (f *FakeCentralTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeCentralTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Central returns the bound central handler.
func (f *FakeCentralTransport) Central() gatt.CentralEventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.central
}

// Peers returns the bound per-connection handler.
func (f *FakeCentralTransport) Peers() gatt.PeerEventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers
}

// Calls returns a copy of every recorded call.
func (f *FakeCentralTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsOf returns the recorded calls for one operation.
func (f *FakeCentralTransport) CallsOf(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (f *FakeCentralTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *FakeCentralTransport) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *FakeCentralTransport) Scan(services []ble.UUID, allowDuplicates bool) {
	f.record(Call{Op: OpScan, UUIDs: services, Flag: allowDuplicates})
}

func (f *FakeCentralTransport) StopScan() {
	f.record(Call{Op: OpStopScan})
}

func (f *FakeCentralTransport) Connect(peer gatt.PeerID) {
	f.record(Call{Op: OpConnect, Peer: peer})
}

func (f *FakeCentralTransport) CancelConnection(peer gatt.PeerID) {
	f.record(Call{Op: OpCancelConnection, Peer: peer})
}

func (f *FakeCentralTransport) DiscoverServices(peer gatt.PeerID, filter []ble.UUID) {
	f.record(Call{Op: OpDiscoverServices, Peer: peer, UUIDs: filter})
}

func (f *FakeCentralTransport) DiscoverCharacteristics(peer gatt.PeerID, service gatt.Attribute, filter []ble.UUID) {
	f.record(Call{Op: OpDiscoverCharacteristics, Peer: peer, Attr: service, UUIDs: filter})
}

func (f *FakeCentralTransport) DiscoverDescriptors(peer gatt.PeerID, characteristic gatt.Attribute) {
	f.record(Call{Op: OpDiscoverDescriptors, Peer: peer, Attr: characteristic})
}

func (f *FakeCentralTransport) ReadCharacteristic(peer gatt.PeerID, characteristic gatt.Attribute) {
	f.record(Call{Op: OpReadCharacteristic, Peer: peer, Attr: characteristic})
}

func (f *FakeCentralTransport) WriteCharacteristic(peer gatt.PeerID, characteristic gatt.Attribute, value []byte, writeType gatt.WriteType) {
	f.record(Call{Op: OpWriteCharacteristic, Peer: peer, Attr: characteristic, Data: value, WriteType: writeType})
}

func (f *FakeCentralTransport) SetNotify(peer gatt.PeerID, characteristic gatt.Attribute, enabled bool) {
	f.record(Call{Op: OpSetNotify, Peer: peer, Attr: characteristic, Flag: enabled})
}

func (f *FakeCentralTransport) ReadDescriptor(peer gatt.PeerID, characteristic, descriptor gatt.Attribute) {
	f.record(Call{Op: OpReadDescriptor, Peer: peer, Attr: characteristic, Descriptor: descriptor})
}

func (f *FakeCentralTransport) WriteDescriptor(peer gatt.PeerID, characteristic, descriptor gatt.Attribute, value []byte) {
	f.record(Call{Op: OpWriteDescriptor, Peer: peer, Attr: characteristic, Descriptor: descriptor, Data: value})
}

func (f *FakeCentralTransport) ReadRSSI(peer gatt.PeerID) {
	f.record(Call{Op: OpReadRSSI, Peer: peer})
}
