package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/bledb"
	"github.com/srg/blesession/internal/eventloop"
	"github.com/srg/blesession/pkg/gatt"
)

// connection is one live link to a remote peripheral. GATT calls run on its
// worker, one at a time, in request order.
//
// Discovered go-ble attributes are registered under IDs taken from the peer's
// attrIDs table, so they stay unique across reconnects.
type connection struct {
	peer   gatt.PeerID
	client Client
	worker *eventloop.Loop
	ids    *attrIDs

	cancelled   atomic.Bool
	mu          sync.Mutex
	services    map[uint64]*ble.Service
	chars       map[uint64]*ble.Characteristic
	descriptors map[uint64]*ble.Descriptor

	done     chan struct{}
	stopOnce sync.Once
}

// attrIDs assigns attribute IDs for one peer. It outlives its connections: an
// attribute rediscovered with the same parent, UUID and handle keeps its ID and
// a new attribute never reuses an ID handed out on an earlier link.
type attrIDs struct {
	mu   sync.Mutex
	last uint64
	ids  map[string]uint64
}

func newAttrIDs() *attrIDs {
	return &attrIDs{ids: make(map[string]uint64)}
}

func (a *attrIDs) idFor(key string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.ids[key]; ok {
		return id
	}
	a.last++
	a.ids[key] = a.last
	return a.last
}

func newConnection(ctx context.Context, peer gatt.PeerID, client Client, ids *attrIDs, queueSize int, logger *logrus.Logger) (*connection, error) {
	conn := &connection{
		peer:        peer,
		client:      client,
		worker:      eventloop.New("goble-peer-"+string(peer), queueSize, logger),
		ids:         ids,
		services:    make(map[uint64]*ble.Service),
		chars:       make(map[uint64]*ble.Characteristic),
		descriptors: make(map[uint64]*ble.Descriptor),
		done:        make(chan struct{}),
	}
	if err := conn.worker.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start connection worker: %w", err)
	}
	return conn, nil
}

// post queues fn on the worker and reports false once the connection is stopped.
func (conn *connection) post(fn func()) bool {
	return conn.worker.Post(fn)
}

// stop ends the worker. It must not be called from a worker closure.
func (conn *connection) stop() {
	conn.stopOnce.Do(func() {
		close(conn.done)
		conn.worker.Stop()
	})
}

func (conn *connection) addService(s *ble.Service) gatt.Attribute {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	id := conn.ids.idFor(fmt.Sprintf("s/%s/%d", bledb.NormalizeUUID(s.UUID.String()), s.Handle))
	conn.services[id] = s
	return gatt.Attribute{ID: id, UUID: s.UUID}
}

func (conn *connection) addCharacteristic(service uint64, c *ble.Characteristic) gatt.Attribute {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	id := conn.ids.idFor(fmt.Sprintf("c/%d/%s/%d", service, bledb.NormalizeUUID(c.UUID.String()), c.ValueHandle))
	conn.chars[id] = c
	return gatt.Attribute{ID: id, UUID: c.UUID}
}

func (conn *connection) addDescriptor(characteristic uint64, d *ble.Descriptor) gatt.Attribute {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	id := conn.ids.idFor(fmt.Sprintf("d/%d/%s/%d", characteristic, bledb.NormalizeUUID(d.UUID.String()), d.Handle))
	conn.descriptors[id] = d
	return gatt.Attribute{ID: id, UUID: d.UUID}
}

func (conn *connection) service(attr gatt.Attribute) (*ble.Service, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if s, ok := lookup(conn.services, attr, func(s *ble.Service) ble.UUID { return s.UUID }); ok {
		return s, nil
	}
	return nil, &gatt.NotFoundError{Resource: "service", UUIDs: []string{attr.UUID.String()}}
}

func (conn *connection) characteristic(attr gatt.Attribute) (*ble.Characteristic, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if c, ok := lookup(conn.chars, attr, func(c *ble.Characteristic) ble.UUID { return c.UUID }); ok {
		return c, nil
	}
	return nil, &gatt.NotFoundError{Resource: "characteristic", UUIDs: []string{attr.UUID.String()}}
}

func (conn *connection) descriptor(characteristic, attr gatt.Attribute) (*ble.Descriptor, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if d, ok := lookup(conn.descriptors, attr, func(d *ble.Descriptor) ble.UUID { return d.UUID }); ok {
		return d, nil
	}
	return nil, &gatt.NotFoundError{
		Resource: "descriptor",
		UUIDs:    []string{characteristic.UUID.String(), attr.UUID.String()},
	}
}

// lookup resolves attr by ID, or by UUID when the ID is unset. With several
// UUID matches the lowest ID wins.
func lookup[T any](m map[uint64]T, attr gatt.Attribute, uuidOf func(T) ble.UUID) (T, bool) {
	if attr.ID != 0 {
		v, ok := m[attr.ID]
		return v, ok
	}
	want := bledb.NormalizeUUID(attr.UUID.String())
	var (
		best   T
		bestID uint64
		found  bool
	)
	for id, v := range m {
		if bledb.NormalizeUUID(uuidOf(v).String()) != want {
			continue
		}
		if !found || id < bestID {
			best, bestID, found = v, id, true
		}
	}
	return best, found
}
