package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/testutils/mocks"
	"github.com/srg/blesession/pkg/gatt"
)

// AdvertisementBuilder builds advertisements for scan tests, either as the
// session-level gatt.Advertisement or as a mocked radio advertisement.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	txPower     *int
	connectable bool
}

// NewAdvertisementBuilder creates a builder that starts connectable.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{connectable: true}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs in short ("180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = &power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string  `json:"name"`
		Address          *string  `json:"address"`
		RSSI             *int     `json:"rssi"`
		Services         []string `json:"services"`
		ManufacturerData []byte   `json:"manufacturerData"`
		TxPower          *int     `json:"txPower"`
		Connectable      *bool    `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal advertisement: %v", err))
	}

	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if data.Services != nil {
		b.WithServices(data.Services...)
	}
	if data.ManufacturerData != nil {
		b.WithManufacturerData(data.ManufacturerData)
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	return b
}

// Peer returns the configured address as a peer identifier.
func (b *AdvertisementBuilder) Peer() gatt.PeerID {
	return gatt.PeerID(b.address)
}

// RSSI returns the configured signal strength.
func (b *AdvertisementBuilder) RSSI() int {
	return b.rssi
}

// Build returns the session-level advertisement.
func (b *AdvertisementBuilder) Build() gatt.Advertisement {
	adv := gatt.Advertisement{
		LocalName:        b.name,
		Services:         b.uuids(),
		ManufacturerData: b.manufData,
		Connectable:      b.connectable,
	}
	if b.txPower != nil {
		adv.TxPower = *b.txPower
	}
	return adv
}

// BuildMock returns a mocked radio advertisement. Every accessor is stubbed; a
// missing TX power reads as 127, the "not available" value.
func (b *AdvertisementBuilder) BuildMock() *mocks.MockAdvertisement {
	adv := &mocks.MockAdvertisement{}
	addr := &mocks.MockAddr{}
	addr.On("String").Return(b.address).Maybe()

	txPower := 127
	if b.txPower != nil {
		txPower = *b.txPower
	}

	adv.On("Addr").Return(addr).Maybe()
	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()
	adv.On("ManufacturerData").Return(b.manufData).Maybe()
	adv.On("Services").Return(b.uuids()).Maybe()
	adv.On("Connectable").Return(b.connectable).Maybe()
	adv.On("TxPowerLevel").Return(txPower).Maybe()
	return adv
}

func (b *AdvertisementBuilder) uuids() []ble.UUID {
	var out []ble.UUID
	for _, s := range b.services {
		out = append(out, ble.MustParse(s))
	}
	return out
}
