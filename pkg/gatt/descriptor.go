package gatt

import (
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/arena"
)

// Descriptor is a remote descriptor discovered under a Characteristic.
type Descriptor struct {
	central  *Central
	handle   arena.Handle
	parent   arena.Handle
	peer     PeerID
	owner    Attribute
	attr     Attribute
	value    atomic.Pointer[[]byte]
	delegate atomic.Pointer[DescriptorDelegate]
	released atomic.Bool
}

func newDescriptor(c *Central, owner *Characteristic, snap DescriptorSnapshot) *Descriptor {
	return &Descriptor{
		central: c,
		peer:    owner.peer,
		owner:   owner.attr,
		attr:    snap.Attribute,
	}
}

// UUID returns the descriptor UUID.
func (d *Descriptor) UUID() ble.UUID {
	return d.attr.UUID
}

// Value returns a copy of the last value read.
func (d *Descriptor) Value() []byte {
	if v := d.value.Load(); v != nil {
		return cloneBytes(*v)
	}
	return nil
}

// Characteristic resolves the owning characteristic, reporting false once it was released.
func (d *Descriptor) Characteristic() (*Characteristic, bool) {
	return d.central.graph.characteristic(d.parent)
}

// SetDelegate installs dl; nil removes the current delegate.
func (d *Descriptor) SetDelegate(dl *DescriptorDelegate) {
	d.delegate.Store(dl)
}

// Read requests the descriptor value; the result arrives through DescriptorDelegate.OnRead.
func (d *Descriptor) Read() {
	if !d.central.ready(d, "read descriptor", nil) {
		return
	}
	d.central.transport.ReadDescriptor(d.peer, d.owner, d.attr)
}

// Write sends data; the outcome arrives through DescriptorDelegate.OnWrite.
func (d *Descriptor) Write(data []byte) {
	if !d.central.ready(d, "write descriptor", nil) {
		return
	}
	d.central.transport.WriteDescriptor(d.peer, d.owner, d.attr, cloneBytes(data))
}

// Released reports whether d, or one of its ancestors, was released.
func (d *Descriptor) Released() bool {
	return d.released.Load() || !d.central.graph.descriptors.Contains(d.handle)
}

// Release evicts d from the graph.
func (d *Descriptor) Release() {
	if !d.released.CompareAndSwap(false, true) {
		return
	}
	c := d.central
	c.post("release descriptor", func() {
		c.graph.removeDescriptor(d)
	})
}

func (d *Descriptor) logFields() logrus.Fields {
	return logrus.Fields{
		"peer":           string(d.peer),
		"characteristic": d.owner.UUID.String(),
		"descriptor":     d.attr.UUID.String(),
	}
}
