package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/pkg/transport/goble"
	"github.com/stretchr/testify/mock"
)

// MockDevice is a testify mock of goble.Device.
type MockDevice struct {
	mock.Mock
}

// NewMockDevice creates a MockDevice that asserts its expectations on cleanup.
func NewMockDevice(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockDevice {
	m := &MockDevice{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h goble.AdvHandler) error {
	ret := m.Called(ctx, allowDup, h)
	return ret.Error(0)
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (goble.Client, error) {
	ret := m.Called(ctx, a)
	var out goble.Client
	if v, ok := ret.Get(0).(goble.Client); ok {
		out = v
	}
	return out, ret.Error(1)
}

func (m *MockDevice) AddService(svc *ble.Service) error {
	ret := m.Called(svc)
	return ret.Error(0)
}

func (m *MockDevice) RemoveAllServices() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *MockDevice) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	ret := m.Called(ctx, name, uuids)
	return ret.Error(0)
}

func (m *MockDevice) Stop() error {
	ret := m.Called()
	return ret.Error(0)
}
