package goble_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/testutils"
	"github.com/srg/blesession/pkg/gatt"
)

// centralRecorder implements the central and peer handlers, logging every
// callback as "kind:details" and keeping the last error per kind.
type centralRecorder struct {
	testutils.EventLog

	mu       sync.Mutex
	errs     map[string]error
	services []gatt.Service
	chars    []gatt.CharacteristicSnapshot
	descs    []gatt.DescriptorSnapshot
}

func newCentralRecorder() *centralRecorder {
	return &centralRecorder{errs: make(map[string]error)}
}

func (r *centralRecorder) add(kind string, err error, format string, args ...any) {
	suffix := ""
	if err != nil {
		suffix = ":error"
	}
	r.mu.Lock()
	r.errs[kind] = err
	r.mu.Unlock()
	r.Add("%s:%s%s", kind, fmt.Sprintf(format, args...), suffix)
}

func (r *centralRecorder) Err(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[kind]
}

func (r *centralRecorder) Has(event string) bool {
	return r.Count(event) > 0
}

func (r *centralRecorder) Services() []gatt.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gatt.Service(nil), r.services...)
}

func (r *centralRecorder) Characteristics() []gatt.CharacteristicSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gatt.CharacteristicSnapshot(nil), r.chars...)
}

func (r *centralRecorder) Descriptors() []gatt.DescriptorSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gatt.DescriptorSnapshot(nil), r.descs...)
}

func (r *centralRecorder) DidUpdateState(state gatt.ManagerState) {
	r.Add("state:%s", state)
}

func (r *centralRecorder) DidDiscoverPeer(peer gatt.PeerID, adv gatt.Advertisement, rssi int) {
	r.Add("discover:%s:%s:%d", peer, adv.LocalName, rssi)
}

func (r *centralRecorder) DidConnectPeer(peer gatt.PeerID) {
	r.Add("connect:%s", peer)
}

func (r *centralRecorder) DidFailToConnectPeer(peer gatt.PeerID, err error) {
	r.add("connect_failed", err, "%s", peer)
}

func (r *centralRecorder) DidDisconnectPeer(peer gatt.PeerID, err error) {
	r.add("disconnect", err, "%s", peer)
}

func (r *centralRecorder) DidDiscoverServices(_ gatt.PeerID, services []gatt.Service, err error) {
	r.mu.Lock()
	r.services = append(r.services, services...)
	r.mu.Unlock()
	r.add("services", err, "%d", len(services))
}

func (r *centralRecorder) DidDiscoverCharacteristics(_ gatt.PeerID, service gatt.Attribute, chars []gatt.CharacteristicSnapshot, err error) {
	r.mu.Lock()
	r.chars = append(r.chars, chars...)
	r.mu.Unlock()
	r.add("characteristics", err, "%s:%d", service.UUID, len(chars))
}

func (r *centralRecorder) DidDiscoverDescriptors(_ gatt.PeerID, char gatt.Attribute, descs []gatt.DescriptorSnapshot, err error) {
	r.mu.Lock()
	r.descs = append(r.descs, descs...)
	r.mu.Unlock()
	r.add("descriptors", err, "%s:%d", char.UUID, len(descs))
}

func (r *centralRecorder) DidUpdateCharacteristicValue(_ gatt.PeerID, char gatt.Attribute, value []byte, err error) {
	r.add("read", err, "%s:%s", char.UUID, hex.EncodeToString(value))
}

func (r *centralRecorder) DidWriteCharacteristicValue(_ gatt.PeerID, char gatt.Attribute, err error) {
	r.add("write", err, "%s", char.UUID)
}

func (r *centralRecorder) DidUpdateNotificationState(_ gatt.PeerID, char gatt.Attribute, enabled bool, err error) {
	r.add("notify", err, "%s:%t", char.UUID, enabled)
}

func (r *centralRecorder) DidUpdateDescriptorValue(_ gatt.PeerID, _, desc gatt.Attribute, value []byte, err error) {
	r.add("read_descriptor", err, "%s:%s", desc.UUID, hex.EncodeToString(value))
}

func (r *centralRecorder) DidWriteDescriptorValue(_ gatt.PeerID, _, desc gatt.Attribute, err error) {
	r.add("write_descriptor", err, "%s", desc.UUID)
}

func (r *centralRecorder) DidReadRSSI(_ gatt.PeerID, rssi int, err error) {
	r.add("rssi", err, "%d", rssi)
}

// serverRecorder implements gatt.ServerEventHandler. OnRead and OnWrite run
// synchronously inside the transport callback.
type serverRecorder struct {
	testutils.EventLog

	mu      sync.Mutex
	errs    map[string]error
	OnRead  func(req gatt.ReadRequest)
	OnWrite func(batch []gatt.WriteRequest)
}

func newServerRecorder() *serverRecorder {
	return &serverRecorder{errs: make(map[string]error)}
}

func (r *serverRecorder) Err(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[kind]
}

func (r *serverRecorder) Has(event string) bool {
	return r.Count(event) > 0
}

func (r *serverRecorder) setErr(kind string, err error) string {
	r.mu.Lock()
	r.errs[kind] = err
	r.mu.Unlock()
	if err != nil {
		return ":error"
	}
	return ""
}

func (r *serverRecorder) DidUpdateState(state gatt.ManagerState) {
	r.Add("state:%s", state)
}

func (r *serverRecorder) DidPublishService(service ble.UUID, err error) {
	r.Add("published:%s%s", service, r.setErr("published", err))
}

func (r *serverRecorder) DidStartAdvertising(err error) {
	r.Add("advertising%s", r.setErr("advertising", err))
}

func (r *serverRecorder) DidReceiveRead(req gatt.ReadRequest) {
	r.Add("read:%s:%s:%d", req.Characteristic, req.Central, req.Offset)
	r.mu.Lock()
	fn := r.OnRead
	r.mu.Unlock()
	if fn != nil {
		fn(req)
	}
}

func (r *serverRecorder) DidReceiveWrite(batch []gatt.WriteRequest) {
	for _, w := range batch {
		r.Add("write:%s:%s", w.Characteristic, hex.EncodeToString(w.Value))
	}
	r.mu.Lock()
	fn := r.OnWrite
	r.mu.Unlock()
	if fn != nil {
		fn(batch)
	}
}

func (r *serverRecorder) DidSubscribe(central gatt.CentralID, char ble.UUID) {
	r.Add("subscribe:%s:%s", central, char)
}

func (r *serverRecorder) DidUnsubscribe(central gatt.CentralID, char ble.UUID) {
	r.Add("unsubscribe:%s:%s", central, char)
}

// fakeRequest is a go-ble server request without a connection.
type fakeRequest struct {
	data   []byte
	offset int
}

func (r fakeRequest) Conn() ble.Conn { return nil }
func (r fakeRequest) Data() []byte   { return r.data }
func (r fakeRequest) Offset() int    { return r.offset }

// fakeResponse captures what a go-ble handler answers.
type fakeResponse struct {
	status ble.ATTError
	data   []byte
}

func (w *fakeResponse) Write(b []byte) (int, error) {
	w.data = append(w.data, b...)
	return len(b), nil
}
func (w *fakeResponse) Status() ble.ATTError          { return w.status }
func (w *fakeResponse) SetStatus(status ble.ATTError) { w.status = status }
func (w *fakeResponse) Len() int                      { return len(w.data) }
func (w *fakeResponse) Cap() int                      { return 512 }

// fakeNotifier collects notifications until its context is cancelled.
type fakeNotifier struct {
	ctx     context.Context
	written chan []byte
}

func newFakeNotifier(ctx context.Context) *fakeNotifier {
	return &fakeNotifier{ctx: ctx, written: make(chan []byte, 8)}
}

func (n *fakeNotifier) Context() context.Context { return n.ctx }
func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.written <- append([]byte(nil), b...)
	return len(b), nil
}
func (n *fakeNotifier) Close() error { return nil }
func (n *fakeNotifier) Cap() int     { return 20 }
