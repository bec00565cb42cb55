package mocks

import (
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockAdvertisement is a testify mock of goble.Advertisement.
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	ret := m.Called()
	return ret.String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	ret := m.Called()
	if v, ok := ret.Get(0).([]byte); ok {
		return v
	}
	return nil
}

func (m *MockAdvertisement) Services() []ble.UUID {
	ret := m.Called()
	if v, ok := ret.Get(0).([]ble.UUID); ok {
		return v
	}
	return nil
}

func (m *MockAdvertisement) TxPowerLevel() int {
	ret := m.Called()
	return ret.Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	ret := m.Called()
	return ret.Bool(0)
}

func (m *MockAdvertisement) RSSI() int {
	ret := m.Called()
	return ret.Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	ret := m.Called()
	if v, ok := ret.Get(0).(ble.Addr); ok {
		return v
	}
	return nil
}

// MockAddr is a testify mock of ble.Addr.
type MockAddr struct {
	mock.Mock
}

func (m *MockAddr) String() string {
	ret := m.Called()
	return ret.String(0)
}
