package testutils

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/pkg/gatt"
)

// DescriptorConfig is a local descriptor definition.
type DescriptorConfig struct {
	UUID  string `json:"uuid"`
	Value []byte `json:"value,omitempty"`
}

// CharacteristicConfig is a local characteristic definition.
type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value       []byte             `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`
}

// ServiceConfig is a local service definition.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Secondary       bool                   `json:"secondary,omitempty"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ServiceTreeConfig is the complete tree served by a test server.
type ServiceTreeConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ServiceTreeBuilder builds gatt.LocalService trees for server tests.
type ServiceTreeBuilder struct {
	tree ServiceTreeConfig
}

func NewServiceTreeBuilder() *ServiceTreeBuilder {
	return &ServiceTreeBuilder{tree: ServiceTreeConfig{Services: []ServiceConfig{}}}
}

// WithService adds a primary service.
func (b *ServiceTreeBuilder) WithService(uuid string) *ServiceTreeBuilder {
	b.tree.Services = append(b.tree.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *ServiceTreeBuilder) WithCharacteristic(uuid, properties string, value []byte) *ServiceTreeBuilder {
	if len(b.tree.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := &b.tree.Services[len(b.tree.Services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic.
func (b *ServiceTreeBuilder) WithDescriptor(uuid string, value []byte) *ServiceTreeBuilder {
	if len(b.tree.Services) == 0 {
		panic("WithDescriptor: no service added yet, call WithService first")
	}
	svc := &b.tree.Services[len(b.tree.Services)-1]
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	ch := &svc.Characteristics[len(svc.Characteristics)-1]
	ch.Descriptors = append(ch.Descriptors, DescriptorConfig{UUID: uuid, Value: value})
	return b
}

// FromJSON replaces the tree with the JSON definition. Values follow encoding/json,
// so byte values are number arrays or base64 strings.
func (b *ServiceTreeBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ServiceTreeBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var tree ServiceTreeConfig
	if err := json.Unmarshal([]byte(jsonStr), &tree); err != nil {
		panic(fmt.Sprintf("ServiceTreeBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.tree = tree
	return b
}

// Config returns the accumulated definition.
func (b *ServiceTreeBuilder) Config() ServiceTreeConfig {
	return b.tree
}

// Build creates a fresh, unfrozen tree on every call.
func (b *ServiceTreeBuilder) Build() []*gatt.LocalService {
	services := make([]*gatt.LocalService, 0, len(b.tree.Services))
	for _, sc := range b.tree.Services {
		svc := gatt.NewLocalService(ble.MustParse(sc.UUID), !sc.Secondary)
		for _, cc := range sc.Characteristics {
			props, err := gatt.ParseProperties(cc.Properties)
			if err != nil {
				panic(fmt.Sprintf("ServiceTreeBuilder.Build: characteristic %s: %v", cc.UUID, err))
			}
			ch := gatt.NewLocalCharacteristic(ble.MustParse(cc.UUID), props, cc.Value)
			for _, dc := range cc.Descriptors {
				if err := ch.AddDescriptor(gatt.NewLocalDescriptor(ble.MustParse(dc.UUID), dc.Value)); err != nil {
					panic(err)
				}
			}
			if err := svc.AddCharacteristic(ch); err != nil {
				panic(fmt.Sprintf("ServiceTreeBuilder.Build: %v", err))
			}
		}
		services = append(services, svc)
	}
	return services
}

// MustHex decodes a hex string, panicking on malformed input.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
