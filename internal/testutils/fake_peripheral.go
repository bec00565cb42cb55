package testutils

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/pkg/gatt"
)

// Response is one recorded Respond call.
type Response struct {
	ID     gatt.RequestID
	Result ble.ATTError
	Value  []byte
}

// Update is one recorded UpdateValue call.
type Update struct {
	Characteristic ble.UUID
	Value          []byte
	Centrals       []gatt.CentralID
}

// Advertise is one recorded StartAdvertising call.
type Advertise struct {
	Name     string
	Services []ble.UUID
}

// FakePeripheralTransport records every PeripheralTransport call. With
// AutoComplete set, publish and advertise requests complete immediately
// through the bound handler.
type FakePeripheralTransport struct {
	StartErr     error
	InitialState gatt.ManagerState
	AutoComplete bool
	// PublishErrors fails the publication of the keyed service UUID (String form).
	PublishErrors map[string]error
	// UpdateFails makes UpdateValue report failure.
	UpdateFails bool

	mu          sync.Mutex
	handler     gatt.ServerEventHandler
	published   []*gatt.LocalService
	advertised  []Advertise
	responses   []Response
	updates     []Update
	stopAdverts int
	removals    int
	closed      bool
}

var _ gatt.PeripheralTransport = (*FakePeripheralTransport)(nil)

func NewFakePeripheralTransport() *FakePeripheralTransport {
	return &FakePeripheralTransport{AutoComplete: true, PublishErrors: map[string]error{}}
}

func (f *FakePeripheralTransport) Start(_ context.Context, handler gatt.ServerEventHandler) error {
	if f.StartErr != nil {
		return f.StartErr
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()

	if f.InitialState != gatt.StateUnknown {
		handler.DidUpdateState(f.InitialState)
	}
	return nil
}

func (f *FakePeripheralTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Handler returns the bound server handler.
func (f *FakePeripheralTransport) Handler() gatt.ServerEventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *FakePeripheralTransport) PublishService(service *gatt.LocalService) {
	f.mu.Lock()
	f.published = append(f.published, service)
	err := f.PublishErrors[service.UUID().String()]
	auto, h := f.AutoComplete, f.handler
	f.mu.Unlock()

	if auto && h != nil {
		h.DidPublishService(service.UUID(), err)
	}
}

func (f *FakePeripheralTransport) RemoveAllServices() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals++
}

func (f *FakePeripheralTransport) StartAdvertising(name string, services []ble.UUID) {
	f.mu.Lock()
	f.advertised = append(f.advertised, Advertise{Name: name, Services: services})
	auto, h := f.AutoComplete, f.handler
	f.mu.Unlock()

	if auto && h != nil {
		h.DidStartAdvertising(nil)
	}
}

func (f *FakePeripheralTransport) StopAdvertising() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAdverts++
}

func (f *FakePeripheralTransport) Respond(request gatt.RequestID, result ble.ATTError, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, Response{ID: request, Result: result, Value: value})
}

func (f *FakePeripheralTransport) UpdateValue(characteristic ble.UUID, value []byte, centrals []gatt.CentralID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, Update{Characteristic: characteristic, Value: value, Centrals: centrals})
	return !f.UpdateFails
}

func (f *FakePeripheralTransport) Published() []*gatt.LocalService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gatt.LocalService(nil), f.published...)
}

func (f *FakePeripheralTransport) Advertised() []Advertise {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Advertise(nil), f.advertised...)
}

func (f *FakePeripheralTransport) Responses() []Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Response(nil), f.responses...)
}

func (f *FakePeripheralTransport) Updates() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Update(nil), f.updates...)
}

func (f *FakePeripheralTransport) StopAdvertisingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopAdverts
}

func (f *FakePeripheralTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Removals returns how many times RemoveAllServices was called.
func (f *FakePeripheralTransport) Removals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removals
}
