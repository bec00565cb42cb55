package gatt

import (
	"encoding/hex"

	"github.com/srg/blesession/internal/bledb"
)

// PeripheralView is a point-in-time, JSON-friendly view of a Peripheral and
// everything discovered under it.
type PeripheralView struct {
	ID              string               `json:"id"`
	Name            string               `json:"name,omitempty"`
	RSSI            int                  `json:"rssi,omitempty"`
	Services        []ServiceView        `json:"services"`
	Characteristics []CharacteristicView `json:"characteristics"`
}

// ServiceView is the JSON view of a Service.
type ServiceView struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Primary bool   `json:"primary"`
}

// CharacteristicView is the JSON view of a Characteristic.
type CharacteristicView struct {
	UUID        string           `json:"uuid"`
	Name        string           `json:"name,omitempty"`
	Service     string           `json:"service"`
	Properties  []string         `json:"properties"`
	Value       string           `json:"value,omitempty"`
	Notifying   bool             `json:"notifying,omitempty"`
	Descriptors []DescriptorView `json:"descriptors"`
}

// DescriptorView is the JSON view of a Descriptor.
type DescriptorView struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// Snapshot captures every live peripheral in discovery order.
func (g *Graph) Snapshot() []PeripheralView {
	peripherals := g.Peripherals()
	out := make([]PeripheralView, 0, len(peripherals))
	for _, p := range peripherals {
		out = append(out, p.Snapshot())
	}
	return out
}

// Snapshot captures p and its discovered children.
func (p *Peripheral) Snapshot() PeripheralView {
	snap := PeripheralView{
		ID:   string(p.id),
		Name: p.Name(),
		RSSI: p.RSSI(),
	}
	for _, s := range p.Services() {
		id := uuidKey(s.UUID)
		snap.Services = append(snap.Services, ServiceView{
			UUID:    id,
			Name:    bledb.LookupService(id),
			Primary: s.Primary,
		})
	}
	for _, c := range p.Characteristics() {
		snap.Characteristics = append(snap.Characteristics, c.view())
	}
	return snap
}

func (c *Characteristic) view() CharacteristicView {
	id := uuidKey(c.attr.UUID)
	v := CharacteristicView{
		UUID:       id,
		Name:       bledb.LookupCharacteristic(id),
		Service:    uuidKey(c.service.UUID),
		Properties: PropertyNames(c.props),
		Value:      hex.EncodeToString(c.Value()),
		Notifying:  c.IsNotifying(),
	}
	for _, d := range c.Descriptors() {
		did := uuidKey(d.attr.UUID)
		v.Descriptors = append(v.Descriptors, DescriptorView{
			UUID:  did,
			Name:  bledb.LookupDescriptor(did),
			Value: hex.EncodeToString(d.Value()),
		})
	}
	return v
}
