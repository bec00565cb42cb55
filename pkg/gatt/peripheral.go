package gatt

import (
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/arena"
	"github.com/srg/blesession/internal/journal"
)

// Peripheral is a remote device in the client role. It is created on the first
// successful service discovery for its peer and lives in the Graph until released.
type Peripheral struct {
	central  *Central
	handle   arena.Handle
	id       PeerID
	name     atomic.Pointer[string]
	services atomic.Pointer[[]Service]
	children handleList
	rssi     atomic.Int64
	delegate atomic.Pointer[PeripheralDelegate]
	released atomic.Bool
}

func newPeripheral(c *Central, id PeerID, name string, services []Service) *Peripheral {
	p := &Peripheral{central: c, id: id}
	p.name.Store(&name)
	svcs := append([]Service(nil), services...)
	p.services.Store(&svcs)
	return p
}

// ID returns the transport peer identifier.
func (p *Peripheral) ID() PeerID {
	return p.id
}

// Name returns the advertised local name, if any.
func (p *Peripheral) Name() string {
	if n := p.name.Load(); n != nil {
		return *n
	}
	return ""
}

// Services returns the discovered services in discovery order.
func (p *Peripheral) Services() []Service {
	if s := p.services.Load(); s != nil {
		return append([]Service(nil), (*s)...)
	}
	return nil
}

// FindService returns the first service with the given UUID.
func (p *Peripheral) FindService(uuid ble.UUID) (Service, bool) {
	for _, s := range p.Services() {
		if sameUUID(s.UUID, uuid) {
			return s, true
		}
	}
	return Service{}, false
}

// RSSI returns the last RSSI read through ReadRSSI.
func (p *Peripheral) RSSI() int {
	return int(p.rssi.Load())
}

// SetDelegate installs d; nil removes the current delegate.
func (p *Peripheral) SetDelegate(d *PeripheralDelegate) {
	p.delegate.Store(d)
}

// Characteristics returns the live characteristics discovered on p, in discovery order.
func (p *Peripheral) Characteristics() []*Characteristic {
	handles := p.children.load()
	out := make([]*Characteristic, 0, len(handles))
	for _, h := range handles {
		if c, ok := p.central.graph.characteristic(h); ok {
			out = append(out, c)
		}
	}
	return out
}

// Characteristic returns the first live characteristic with the given UUID.
func (p *Peripheral) Characteristic(uuid ble.UUID) (*Characteristic, bool) {
	if p.Released() {
		return nil, false
	}
	for _, c := range p.Characteristics() {
		if sameUUID(c.attr.UUID, uuid) {
			return c, true
		}
	}
	return nil, false
}

// DiscoverCharacteristics asks the transport for the characteristics of svc.
// Results arrive through PeripheralDelegate.OnFindCharacteristic.
func (p *Peripheral) DiscoverCharacteristics(svc Service, filter ...ble.UUID) {
	if !p.central.ready(p, "discover characteristics", logrus.Fields{"service": svc.UUID.String()}) {
		return
	}
	p.central.transport.DiscoverCharacteristics(p.id, svc.Attribute, filter)
}

// ReadRSSI requests the signal strength. The result arrives through
// PeripheralDelegate.OnReadRSSI.
func (p *Peripheral) ReadRSSI() {
	if !p.central.ready(p, "read RSSI", nil) {
		return
	}
	p.central.transport.ReadRSSI(p.id)
}

// Released reports whether p was released and evicted from the graph.
func (p *Peripheral) Released() bool {
	return p.released.Load() || !p.central.graph.peripherals.Contains(p.handle)
}

// Release evicts p and everything discovered under it from the graph. Lookups
// made after Release returns no longer see p, and late completions are dropped.
func (p *Peripheral) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	c := p.central
	c.post("release peripheral", func() {
		c.graph.removePeripheral(p)
		c.journal.Log(journal.EventReleased, string(p.id))
	})
}

// mergeServices appends services not yet known by UUID. Executor only.
func (p *Peripheral) mergeServices(services []Service) {
	merged := p.Services()
	for _, s := range services {
		if !p.hasService(merged, s.UUID) {
			merged = append(merged, s)
		}
	}
	p.services.Store(&merged)
}

func (p *Peripheral) hasService(list []Service, uuid ble.UUID) bool {
	for _, s := range list {
		if sameUUID(s.UUID, uuid) {
			return true
		}
	}
	return false
}

// service resolves a transport attribute to a known service, preferring an exact
// attribute ID match over a UUID match.
func (p *Peripheral) service(attr Attribute) (Service, bool) {
	var byUUID *Service
	for _, s := range p.Services() {
		if attr.ID != 0 && s.ID == attr.ID {
			return s, true
		}
		if byUUID == nil && sameUUID(s.UUID, attr.UUID) {
			s := s
			byUUID = &s
		}
	}
	if byUUID != nil {
		return *byUUID, true
	}
	return Service{}, false
}

// characteristic resolves a transport attribute to a live child, preferring an
// exact attribute ID match over the first UUID match.
func (p *Peripheral) characteristic(attr Attribute) (*Characteristic, bool) {
	var byUUID *Characteristic
	for _, c := range p.Characteristics() {
		if attr.ID != 0 && c.attr.ID == attr.ID {
			return c, true
		}
		if byUUID == nil && sameUUID(c.attr.UUID, attr.UUID) {
			byUUID = c
		}
	}
	return byUUID, byUUID != nil
}

// child returns the characteristic discovered under svc with the given UUID.
func (p *Peripheral) child(svc Service, uuid ble.UUID) (*Characteristic, bool) {
	for _, c := range p.Characteristics() {
		if sameUUID(c.service.UUID, svc.UUID) && sameUUID(c.attr.UUID, uuid) {
			return c, true
		}
	}
	return nil, false
}

func (p *Peripheral) logFields() logrus.Fields {
	return logrus.Fields{"peer": string(p.id)}
}
