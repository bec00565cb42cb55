package mocks

import (
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of goble.Client.
type MockClient struct {
	mock.Mock
}

// NewMockClient creates a MockClient that asserts its expectations on cleanup.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	ret := m.Called(filter)
	var out []*ble.Service
	if v, ok := ret.Get(0).([]*ble.Service); ok {
		out = v
	}
	return out, ret.Error(1)
}

func (m *MockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	ret := m.Called(filter, s)
	var out []*ble.Characteristic
	if v, ok := ret.Get(0).([]*ble.Characteristic); ok {
		out = v
	}
	return out, ret.Error(1)
}

func (m *MockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	ret := m.Called(filter, c)
	var out []*ble.Descriptor
	if v, ok := ret.Get(0).([]*ble.Descriptor); ok {
		out = v
	}
	return out, ret.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	ret := m.Called(c)
	var out []byte
	if v, ok := ret.Get(0).([]byte); ok {
		out = v
	}
	return out, ret.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	ret := m.Called(c, value, noRsp)
	return ret.Error(0)
}

func (m *MockClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	ret := m.Called(d)
	var out []byte
	if v, ok := ret.Get(0).([]byte); ok {
		out = v
	}
	return out, ret.Error(1)
}

func (m *MockClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	ret := m.Called(d, v)
	return ret.Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	ret := m.Called(c, ind, h)
	return ret.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	ret := m.Called(c, ind)
	return ret.Error(0)
}

func (m *MockClient) ReadRSSI() int {
	ret := m.Called()
	return ret.Int(0)
}

func (m *MockClient) CancelConnection() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	ret := m.Called()
	if v, ok := ret.Get(0).(chan struct{}); ok {
		return v
	}
	if v, ok := ret.Get(0).(<-chan struct{}); ok {
		return v
	}
	return nil
}
