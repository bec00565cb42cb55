package gatt

import (
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/arena"
)

// Characteristic is a remote characteristic discovered under a Service.
// The owning Peripheral is referenced by handle only; holding a Characteristic
// does not keep its Peripheral in the graph.
type Characteristic struct {
	central   *Central
	handle    arena.Handle
	parent    arena.Handle
	peer      PeerID
	service   Service
	attr      Attribute
	props     ble.Property
	value     atomic.Pointer[[]byte]
	notifying atomic.Bool
	children  handleList
	delegate  atomic.Pointer[CharacteristicDelegate]
	released  atomic.Bool
}

func newCharacteristic(c *Central, peer PeerID, svc Service, snap CharacteristicSnapshot) *Characteristic {
	return &Characteristic{
		central: c,
		peer:    peer,
		service: svc,
		attr:    snap.Attribute,
		props:   snap.Properties,
	}
}

// UUID returns the characteristic UUID.
func (c *Characteristic) UUID() ble.UUID {
	return c.attr.UUID
}

// Service returns the service c was discovered under.
func (c *Characteristic) Service() Service {
	return c.service
}

// Properties returns the capability flags.
func (c *Characteristic) Properties() ble.Property {
	return c.props
}

// Has reports whether every flag in p is set.
func (c *Characteristic) Has(p ble.Property) bool {
	return c.props&p == p
}

// Value returns a copy of the last value read or notified.
func (c *Characteristic) Value() []byte {
	if v := c.value.Load(); v != nil {
		return cloneBytes(*v)
	}
	return nil
}

// IsNotifying reports whether notifications were confirmed enabled.
func (c *Characteristic) IsNotifying() bool {
	return c.notifying.Load()
}

// Peripheral resolves the owning peripheral. It reports false once the
// peripheral was released.
func (c *Characteristic) Peripheral() (*Peripheral, bool) {
	return c.central.graph.peripheral(c.parent)
}

// SetDelegate installs d; nil removes the current delegate.
func (c *Characteristic) SetDelegate(d *CharacteristicDelegate) {
	c.delegate.Store(d)
}

// Read requests the current value. The result arrives through
// CharacteristicDelegate.OnRead.
func (c *Characteristic) Read() {
	if !c.central.ready(c, "read characteristic", nil) {
		return
	}
	c.central.transport.ReadCharacteristic(c.peer, c.attr)
}

// Write sends data. Acknowledged writes report through CharacteristicDelegate.OnWrite;
// WriteWithoutResponse produces no completion at all.
func (c *Characteristic) Write(data []byte, writeType WriteType) {
	if !c.central.ready(c, "write characteristic", logrus.Fields{"write_type": writeType.String()}) {
		return
	}
	c.central.transport.WriteCharacteristic(c.peer, c.attr, cloneBytes(data), writeType)
}

// SetNotify enables or disables value notifications. Notified values are
// delivered like read completions.
func (c *Characteristic) SetNotify(enabled bool) {
	if !c.central.ready(c, "set notify", logrus.Fields{"enabled": enabled}) {
		return
	}
	c.central.transport.SetNotify(c.peer, c.attr, enabled)
}

// DiscoverDescriptors asks the transport for the descriptors of c. Results arrive
// through CharacteristicDelegate.OnFindDescriptor.
func (c *Characteristic) DiscoverDescriptors() {
	if !c.central.ready(c, "discover descriptors", nil) {
		return
	}
	c.central.transport.DiscoverDescriptors(c.peer, c.attr)
}

// Descriptors returns the live descriptors discovered on c, in discovery order.
func (c *Characteristic) Descriptors() []*Descriptor {
	handles := c.children.load()
	out := make([]*Descriptor, 0, len(handles))
	for _, h := range handles {
		if d, ok := c.central.graph.descriptor(h); ok {
			out = append(out, d)
		}
	}
	return out
}

// Descriptor returns the first live descriptor with the given UUID.
func (c *Characteristic) Descriptor(uuid ble.UUID) (*Descriptor, bool) {
	if c.Released() {
		return nil, false
	}
	for _, d := range c.Descriptors() {
		if sameUUID(d.attr.UUID, uuid) {
			return d, true
		}
	}
	return nil, false
}

// Released reports whether c, or its peripheral, was released.
func (c *Characteristic) Released() bool {
	return c.released.Load() || !c.central.graph.characteristics.Contains(c.handle)
}

// Release evicts c and its descriptors from the graph.
func (c *Characteristic) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	central := c.central
	central.post("release characteristic", func() {
		central.graph.removeCharacteristic(c)
	})
}

// descriptor resolves a transport attribute to a live child, preferring an exact
// attribute ID match over the first UUID match.
func (c *Characteristic) descriptor(attr Attribute) (*Descriptor, bool) {
	var byUUID *Descriptor
	for _, d := range c.Descriptors() {
		if attr.ID != 0 && d.attr.ID == attr.ID {
			return d, true
		}
		if byUUID == nil && sameUUID(d.attr.UUID, attr.UUID) {
			byUUID = d
		}
	}
	return byUUID, byUUID != nil
}

func (c *Characteristic) logFields() logrus.Fields {
	return logrus.Fields{
		"peer":           string(c.peer),
		"service":        c.service.UUID.String(),
		"characteristic": c.attr.UUID.String(),
	}
}
