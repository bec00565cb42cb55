package gatt

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/journal"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const defaultDeviceName = "blesession"

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDeviceName sets the advertised local name. Defaults to the host name.
func WithDeviceName(name string) ServerOption {
	return func(s *Server) {
		if name != "" {
			s.name = name
		}
	}
}

// WithServerExecutor runs all events on e instead of a private event loop.
func WithServerExecutor(e Executor) ServerOption {
	return func(s *Server) {
		s.exec = e
	}
}

// WithServerQueueSize sets the initial capacity of the private event loop.
func WithServerQueueSize(n int) ServerOption {
	return func(s *Server) {
		s.queueSize = n
	}
}

// WithServerLogger sets the logger; nil keeps logrus.New().
func WithServerLogger(l *logrus.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServerJournal records lifecycle events into j.
func WithServerJournal(j *journal.Journal) ServerOption {
	return func(s *Server) {
		s.journal = j
	}
}

// WithServerDelegate installs the delegate at construction.
func WithServerDelegate(d *ServerDelegate) ServerOption {
	return func(s *Server) {
		s.delegate.Store(d)
	}
}

// Server is the peripheral-role session: it publishes a static service tree when
// the adapter powers on, advertises it, and answers requests from remote centrals.
// It implements ServerEventHandler.
type Server struct {
	transport PeripheralTransport
	services  *orderedmap.OrderedMap[string, *LocalService]
	name      string
	exec      Executor
	owned     ownedExecutor
	queueSize int
	logger    *logrus.Logger
	journal   *journal.Journal
	delegate  atomic.Pointer[ServerDelegate]

	state       atomic.Int32
	advertising atomic.Bool
	started     atomic.Bool
	closed      atomic.Bool

	// executor-only
	pendingPublish map[string]struct{} // services awaiting completion this power cycle
	stalePublish   map[string]int      // completions still owed by earlier cycles
	published      []ble.UUID
	publishedOnce  bool
}

var _ ServerEventHandler = (*Server)(nil)

// NewServer creates a server for the given tree. The tree is frozen: services,
// characteristics and descriptors can no longer be added to it.
func NewServer(t PeripheralTransport, services []*LocalService, opts ...ServerOption) (*Server, error) {
	s := &Server{
		transport:      t,
		services:       orderedmap.New[string, *LocalService](),
		name:           hostName(),
		logger:         logrus.New(),
		pendingPublish: make(map[string]struct{}),
		stalePublish:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, svc := range services {
		key := uuidKey(svc.uuid)
		if _, exists := s.services.Get(key); exists {
			return nil, fmt.Errorf("service %s defined more than once", svc.uuid)
		}
		s.services.Set(key, svc)
	}
	for _, svc := range services {
		svc.freeze()
	}

	if s.exec == nil {
		s.owned = newDefaultExecutor("gatt-server", s.queueSize, s.logger)
		s.exec = s.owned
	}
	return s, nil
}

// Start starts the private event loop (when used) and binds the transport.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.owned != nil {
		if err := s.owned.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server event loop: %w", err)
		}
	}
	if err := s.transport.Start(ctx, s); err != nil {
		if s.owned != nil {
			s.owned.Stop()
		}
		return fmt.Errorf("failed to start peripheral transport: %w", NormalizeError(err))
	}

	s.logger.WithFields(logrus.Fields{
		"name":     s.name,
		"services": s.services.Len(),
	}).Debug("GATT server started")
	return nil
}

// Close stops advertising, closes the transport and stops the private event loop.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !s.started.Load() {
		return nil
	}
	if s.advertising.Swap(false) {
		s.transport.StopAdvertising()
	}
	err := s.transport.Close()
	if s.owned != nil {
		s.owned.Stop()
	}
	if err != nil {
		return fmt.Errorf("failed to close peripheral transport: %w", err)
	}
	return nil
}

// Sync blocks until every event queued before the call was processed. It
// returns ErrNotStarted when the executor is not running or stops first. It
// must not be called from a delegate callback.
func (s *Server) Sync() error {
	if !syncExecutor(s.exec) {
		return ErrNotStarted
	}
	return nil
}

// Name returns the advertised local name.
func (s *Server) Name() string {
	return s.name
}

// State returns the last adapter state reported by the transport.
func (s *Server) State() ManagerState {
	return ManagerState(s.state.Load())
}

// IsAdvertising reports whether the transport confirmed advertising.
func (s *Server) IsAdvertising() bool {
	return s.advertising.Load()
}

// Journal returns the lifecycle journal, or nil when journaling is off.
func (s *Server) Journal() *journal.Journal {
	return s.journal
}

// SetDelegate installs d; nil removes the current delegate.
func (s *Server) SetDelegate(d *ServerDelegate) {
	s.delegate.Store(d)
}

// Services returns the service tree in definition order.
func (s *Server) Services() []*LocalService {
	out := make([]*LocalService, 0, s.services.Len())
	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristic finds a characteristic by UUID across every service; the first
// match in definition order wins.
func (s *Server) Characteristic(uuid ble.UUID) (*LocalCharacteristic, bool) {
	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		if c, ok := pair.Value.Characteristic(uuid); ok {
			return c, true
		}
	}
	return nil, false
}

// UpdateValue stores value in the characteristic's cache, then notifies the
// centrals subscribed to it at the time the update is processed.
func (s *Server) UpdateValue(uuid ble.UUID, value []byte) error {
	c, ok := s.Characteristic(uuid)
	if !ok {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid.String()}}
	}
	c.setValue(value)

	value = cloneBytes(value)
	s.post("update value", func() {
		subscribers := c.Subscribers()
		log := s.logger.WithFields(logrus.Fields{
			"characteristic": c.uuid.String(),
			"subscribers":    len(subscribers),
		})
		if len(subscribers) == 0 {
			log.Debug("Value updated, no subscribers to notify")
			return
		}
		if !s.transport.UpdateValue(c.uuid, value, subscribers) {
			log.Warn("Transport could not deliver the value update to every subscriber")
			return
		}
		log.Debug("Value update sent to subscribers")
	})
	return nil
}

// StopAdvertising stops advertising; published services stay registered.
func (s *Server) StopAdvertising() {
	s.post("stop advertising", func() {
		if s.advertising.Swap(false) {
			s.transport.StopAdvertising()
			s.logger.Info("Advertising stopped")
		}
	})
}

func (s *Server) publishAll() {
	if s.publishedOnce {
		s.transport.RemoveAllServices()
	}
	s.abandonPublish()
	s.publishedOnce = true
	if s.services.Len() == 0 {
		s.logger.Warn("No services defined, advertising name only")
		s.transport.StartAdvertising(s.name, nil)
		return
	}
	for _, svc := range s.Services() {
		s.pendingPublish[uuidKey(svc.uuid)] = struct{}{}
	}
	for _, svc := range s.Services() {
		s.logger.WithField("service", svc.uuid.String()).Debug("Publishing service")
		s.transport.PublishService(svc)
	}
}

// abandonPublish ends the current publish round. Completions it still owes are
// counted per service and dropped when they arrive; the transport reports one
// completion per PublishService call, in call order.
func (s *Server) abandonPublish() {
	for key := range s.pendingPublish {
		s.stalePublish[key]++
		delete(s.pendingPublish, key)
	}
	s.published = nil
}

func (s *Server) post(what string, fn func()) {
	if !s.exec.Post(fn) {
		s.logger.WithField("event", what).Debug("Dropped, executor not accepting work")
	}
}

func hostName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return defaultDeviceName
}
