// Package goble implements the gatt transports on top of github.com/go-ble/ble.
//
// The go-ble API is synchronous: every GATT call blocks until the remote answers.
// The transports here turn those calls into the asynchronous completion events
// expected by gatt.Central and gatt.Server. Calls for one peer run in order on a
// per-connection worker so completions arrive in request order.
package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Advertisement is the subset of ble.Advertisement the central transport reads.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// AdvHandler receives advertisements during a scan.
type AdvHandler func(Advertisement)

// Client is the subset of ble.Client used by a connection.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Device is the subset of ble.Device used by both transports.
type Device interface {
	Scan(ctx context.Context, allowDup bool, h AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (Client, error)
	AddService(svc *ble.Service) error
	RemoveAllServices() error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	Stop() error
}

// DeviceFactory creates the platform device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func() (Device, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, err
	}
	return WrapDevice(dev), nil
}

// WrapDevice adapts a go-ble device to Device.
func WrapDevice(dev ble.Device) Device {
	return &bleDevice{Device: dev}
}

// bleDevice narrows the advertisement and client types of a ble.Device.
type bleDevice struct {
	ble.Device
}

func (d *bleDevice) Scan(ctx context.Context, allowDup bool, h AdvHandler) error {
	return d.Device.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		h(adv)
	})
}

func (d *bleDevice) Dial(ctx context.Context, a ble.Addr) (Client, error) {
	client, err := d.Device.Dial(ctx, a)
	if err != nil {
		return nil, err
	}
	return client, nil
}
