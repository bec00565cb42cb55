package gatt

import (
	"fmt"
	"sync/atomic"

	"github.com/go-ble/ble"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// LocalDescriptor is a static descriptor of a LocalCharacteristic.
type LocalDescriptor struct {
	uuid  ble.UUID
	value []byte
}

// NewLocalDescriptor creates a descriptor with a fixed value.
func NewLocalDescriptor(uuid ble.UUID, value []byte) *LocalDescriptor {
	return &LocalDescriptor{uuid: uuid, value: cloneBytes(value)}
}

func (d *LocalDescriptor) UUID() ble.UUID { return d.uuid }
func (d *LocalDescriptor) Value() []byte  { return cloneBytes(d.value) }

// LocalCharacteristic is a characteristic served by a Server. Its shape is fixed
// once the server starts; its value and subscriber set change at runtime.
type LocalCharacteristic struct {
	uuid        ble.UUID
	props       ble.Property
	value       atomic.Pointer[[]byte]
	descriptors []*LocalDescriptor
	frozen      atomic.Bool

	// executor-only
	subscribers *orderedmap.OrderedMap[CentralID, struct{}]
	// published copy of subscribers for readers on other goroutines
	subscriberView atomic.Pointer[[]CentralID]
}

// NewLocalCharacteristic creates a characteristic with an initial value.
func NewLocalCharacteristic(uuid ble.UUID, props ble.Property, value []byte) *LocalCharacteristic {
	c := &LocalCharacteristic{
		uuid:        uuid,
		props:       props,
		subscribers: orderedmap.New[CentralID, struct{}](),
	}
	c.setValue(value)
	return c
}

// AddDescriptor attaches d. It fails once the tree is frozen.
func (c *LocalCharacteristic) AddDescriptor(d *LocalDescriptor) error {
	if c.frozen.Load() {
		return fmt.Errorf("add descriptor %s: %w", d.uuid, ErrTreeFrozen)
	}
	c.descriptors = append(c.descriptors, d)
	return nil
}

func (c *LocalCharacteristic) UUID() ble.UUID           { return c.uuid }
func (c *LocalCharacteristic) Properties() ble.Property { return c.props }

// Descriptors returns the attached descriptors in insertion order.
func (c *LocalCharacteristic) Descriptors() []*LocalDescriptor {
	return append([]*LocalDescriptor(nil), c.descriptors...)
}

// Value returns a copy of the cached value.
func (c *LocalCharacteristic) Value() []byte {
	if v := c.value.Load(); v != nil {
		return cloneBytes(*v)
	}
	return nil
}

// Subscribers returns the centrals currently subscribed, in subscription order.
func (c *LocalCharacteristic) Subscribers() []CentralID {
	if v := c.subscriberView.Load(); v != nil {
		return append([]CentralID(nil), (*v)...)
	}
	return nil
}

func (c *LocalCharacteristic) setValue(v []byte) {
	v = cloneBytes(v)
	c.value.Store(&v)
}

// subscribe adds central; it reports false when already subscribed. Executor only.
func (c *LocalCharacteristic) subscribe(central CentralID) bool {
	if _, present := c.subscribers.Get(central); present {
		return false
	}
	c.subscribers.Set(central, struct{}{})
	c.publishSubscribers()
	return true
}

// unsubscribe removes central; it reports false when it was absent. Executor only.
func (c *LocalCharacteristic) unsubscribe(central CentralID) bool {
	if _, present := c.subscribers.Delete(central); !present {
		return false
	}
	c.publishSubscribers()
	return true
}

func (c *LocalCharacteristic) clearSubscribers() {
	c.subscribers = orderedmap.New[CentralID, struct{}]()
	c.publishSubscribers()
}

func (c *LocalCharacteristic) publishSubscribers() {
	ids := make([]CentralID, 0, c.subscribers.Len())
	for pair := c.subscribers.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	c.subscriberView.Store(&ids)
}

func (c *LocalCharacteristic) freeze() {
	c.frozen.Store(true)
}

// LocalService is a service served by a Server.
type LocalService struct {
	uuid            ble.UUID
	primary         bool
	characteristics *orderedmap.OrderedMap[string, *LocalCharacteristic]
	frozen          atomic.Bool
}

// NewLocalService creates an empty service.
func NewLocalService(uuid ble.UUID, primary bool) *LocalService {
	return &LocalService{
		uuid:            uuid,
		primary:         primary,
		characteristics: orderedmap.New[string, *LocalCharacteristic](),
	}
}

// AddCharacteristic appends c. UUIDs must be unique within the service, and the
// tree must not be frozen.
func (s *LocalService) AddCharacteristic(c *LocalCharacteristic) error {
	if s.frozen.Load() {
		return fmt.Errorf("add characteristic %s: %w", c.uuid, ErrTreeFrozen)
	}
	key := uuidKey(c.uuid)
	if _, exists := s.characteristics.Get(key); exists {
		return fmt.Errorf("characteristic %s already defined in service %s", c.uuid, s.uuid)
	}
	s.characteristics.Set(key, c)
	return nil
}

func (s *LocalService) UUID() ble.UUID { return s.uuid }
func (s *LocalService) Primary() bool  { return s.primary }

// Characteristics returns the characteristics in insertion order.
func (s *LocalService) Characteristics() []*LocalCharacteristic {
	out := make([]*LocalCharacteristic, 0, s.characteristics.Len())
	for pair := s.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristic returns the characteristic with the given UUID.
func (s *LocalService) Characteristic(uuid ble.UUID) (*LocalCharacteristic, bool) {
	return s.characteristics.Get(uuidKey(uuid))
}

func (s *LocalService) freeze() {
	s.frozen.Store(true)
	for _, c := range s.Characteristics() {
		c.freeze()
	}
}
