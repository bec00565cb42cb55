package gatt

import (
	"sync/atomic"

	"github.com/srg/blesession/internal/arena"
)

// handleList is an ordered, copy-on-write list of arena handles. Writers must be
// serialised by the session executor; readers may load from any goroutine.
type handleList struct {
	p atomic.Pointer[[]arena.Handle]
}

func (l *handleList) load() []arena.Handle {
	if s := l.p.Load(); s != nil {
		return *s
	}
	return nil
}

func (l *handleList) add(h arena.Handle) {
	old := l.load()
	next := make([]arena.Handle, len(old), len(old)+1)
	copy(next, old)
	next = append(next, h)
	l.p.Store(&next)
}

func (l *handleList) remove(h arena.Handle) {
	old := l.load()
	next := make([]arena.Handle, 0, len(old))
	for _, v := range old {
		if v != h {
			next = append(next, v)
		}
	}
	l.p.Store(&next)
}

// Graph is the cache of everything a Central has discovered: peripherals, their
// characteristics and their descriptors. Each wrapper is owned by an arena and
// reachable only through its parent's ordered child list; back-references are
// arena handles that resolve to "not found" once the parent is released.
//
// Read methods are safe from any goroutine. Mutation happens only on the owning
// session's executor.
type Graph struct {
	peripherals     *arena.Arena[*Peripheral]
	characteristics *arena.Arena[*Characteristic]
	descriptors     *arena.Arena[*Descriptor]
	roots           handleList
}

func newGraph() *Graph {
	return &Graph{
		peripherals:     arena.New[*Peripheral](),
		characteristics: arena.New[*Characteristic](),
		descriptors:     arena.New[*Descriptor](),
	}
}

// Peripherals returns the live peripherals in discovery order.
func (g *Graph) Peripherals() []*Peripheral {
	handles := g.roots.load()
	out := make([]*Peripheral, 0, len(handles))
	for _, h := range handles {
		if p, ok := g.peripheral(h); ok {
			out = append(out, p)
		}
	}
	return out
}

// Peripheral returns the first live peripheral with the given peer ID.
func (g *Graph) Peripheral(peer PeerID) (*Peripheral, bool) {
	for _, h := range g.roots.load() {
		if p, ok := g.peripheral(h); ok && p.id == peer {
			return p, true
		}
	}
	return nil, false
}

// Len returns the number of live peripherals.
func (g *Graph) Len() int {
	return len(g.Peripherals())
}

// Counts returns the number of live arena entries per kind.
func (g *Graph) Counts() (peripherals, characteristics, descriptors int) {
	return g.peripherals.Len(), g.characteristics.Len(), g.descriptors.Len()
}

func (g *Graph) peripheral(h arena.Handle) (*Peripheral, bool) {
	p, ok := g.peripherals.Get(h)
	if !ok || p.released.Load() {
		return nil, false
	}
	return p, true
}

func (g *Graph) characteristic(h arena.Handle) (*Characteristic, bool) {
	c, ok := g.characteristics.Get(h)
	if !ok || c.released.Load() {
		return nil, false
	}
	return c, true
}

func (g *Graph) descriptor(h arena.Handle) (*Descriptor, bool) {
	d, ok := g.descriptors.Get(h)
	if !ok || d.released.Load() {
		return nil, false
	}
	return d, true
}

// insertPeripheral stores p and appends it to the root list.
func (g *Graph) insertPeripheral(p *Peripheral) {
	p.handle = g.peripherals.Insert(p)
	g.roots.add(p.handle)
}

// insertCharacteristic stores c and appends it to the child list of p.
func (g *Graph) insertCharacteristic(p *Peripheral, c *Characteristic) {
	c.parent = p.handle
	c.handle = g.characteristics.Insert(c)
	p.children.add(c.handle)
}

// insertDescriptor stores d and appends it to the child list of c.
func (g *Graph) insertDescriptor(c *Characteristic, d *Descriptor) {
	d.parent = c.handle
	d.handle = g.descriptors.Insert(d)
	c.children.add(d.handle)
}

// removePeripheral evicts p with its whole subtree.
func (g *Graph) removePeripheral(p *Peripheral) {
	for _, h := range p.children.load() {
		if c, ok := g.characteristics.Get(h); ok {
			g.removeCharacteristic(c)
		}
	}
	g.peripherals.Remove(p.handle)
	g.roots.remove(p.handle)
}

// removeCharacteristic evicts c with its descriptors and unlinks it from its parent.
func (g *Graph) removeCharacteristic(c *Characteristic) {
	for _, h := range c.children.load() {
		if d, ok := g.descriptors.Get(h); ok {
			g.removeDescriptor(d)
		}
	}
	g.characteristics.Remove(c.handle)
	if p, ok := g.peripherals.Get(c.parent); ok {
		p.children.remove(c.handle)
	}
}

// removeDescriptor evicts d and unlinks it from its parent.
func (g *Graph) removeDescriptor(d *Descriptor) {
	g.descriptors.Remove(d.handle)
	if c, ok := g.characteristics.Get(d.parent); ok {
		c.children.remove(d.handle)
	}
}
