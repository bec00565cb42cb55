package gatt

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/journal"
)

type linkState int

const (
	linkConnecting linkState = iota + 1
	linkConnected
)

// CentralOption configures a Central.
type CentralOption func(*Central)

// WithTargets restricts scanning and service discovery to the given service UUIDs.
// No targets means any service.
func WithTargets(uuids ...ble.UUID) CentralOption {
	return func(c *Central) {
		c.targets = append([]ble.UUID(nil), uuids...)
	}
}

// WithConnectOnDiscover controls whether every discovered peer that passes the
// scan filter is connected automatically. Enabled by default.
func WithConnectOnDiscover(enabled bool) CentralOption {
	return func(c *Central) {
		c.connectOnDiscover = enabled
	}
}

// WithAutoScan controls whether scanning starts on every transition into poweredOn.
// Enabled by default.
func WithAutoScan(enabled bool) CentralOption {
	return func(c *Central) {
		c.autoScan = enabled
	}
}

// WithAllowDuplicates asks the transport to report every advertisement.
func WithAllowDuplicates(allow bool) CentralOption {
	return func(c *Central) {
		c.allowDuplicates = allow
	}
}

// WithScanFilter installs a peer filter applied before surfacing or connecting.
func WithScanFilter(f ScanFilter) CentralOption {
	return func(c *Central) {
		c.filter = f
	}
}

// WithCentralExecutor runs all events on e instead of a private event loop.
// The session never starts or stops an application-supplied executor.
func WithCentralExecutor(e Executor) CentralOption {
	return func(c *Central) {
		c.exec = e
	}
}

// WithCentralQueueSize sets the initial capacity of the private event loop.
func WithCentralQueueSize(n int) CentralOption {
	return func(c *Central) {
		c.queueSize = n
	}
}

// WithCentralLogger sets the logger; nil keeps logrus.New().
func WithCentralLogger(l *logrus.Logger) CentralOption {
	return func(c *Central) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCentralJournal records lifecycle events into j.
func WithCentralJournal(j *journal.Journal) CentralOption {
	return func(c *Central) {
		c.journal = j
	}
}

// WithCentralDelegate installs the session delegate at construction.
func WithCentralDelegate(d *CentralDelegate) CentralOption {
	return func(c *Central) {
		c.delegate.Store(d)
	}
}

// Central is the client-role session. It implements CentralEventHandler and
// PeerEventHandler; a transport reports into it, and it maintains the Graph.
type Central struct {
	transport CentralTransport
	graph     *Graph
	exec      Executor
	owned     ownedExecutor
	queueSize int
	logger    *logrus.Logger
	journal   *journal.Journal
	delegate  atomic.Pointer[CentralDelegate]

	targets           []ble.UUID
	connectOnDiscover bool
	autoScan          bool
	allowDuplicates   bool
	filter            ScanFilter

	state    atomic.Int32
	scanning atomic.Bool
	started  atomic.Bool
	closed   atomic.Bool

	// executor-only
	links   map[PeerID]linkState
	adverts map[PeerID]Advertisement
}

var (
	_ CentralEventHandler = (*Central)(nil)
	_ PeerEventHandler    = (*Central)(nil)
)

// NewCentral creates a client-role session over t.
func NewCentral(t CentralTransport, opts ...CentralOption) *Central {
	c := &Central{
		transport:         t,
		graph:             newGraph(),
		logger:            logrus.New(),
		connectOnDiscover: true,
		autoScan:          true,
		links:             make(map[PeerID]linkState),
		adverts:           make(map[PeerID]Advertisement),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.owned = newDefaultExecutor("gatt-central", c.queueSize, c.logger)
		c.exec = c.owned
	}
	return c
}

// Start starts the private event loop (when used) and binds the transport.
func (c *Central) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if c.owned != nil {
		if err := c.owned.Start(ctx); err != nil {
			return fmt.Errorf("failed to start central event loop: %w", err)
		}
	}
	if err := c.transport.Start(ctx, c, c); err != nil {
		if c.owned != nil {
			c.owned.Stop()
		}
		return fmt.Errorf("failed to start central transport: %w", NormalizeError(err))
	}

	c.logger.WithFields(logrus.Fields{
		"targets":             uuidStrings(c.targets),
		"connect_on_discover": c.connectOnDiscover,
	}).Debug("Central session started")
	return nil
}

// Close stops scanning, closes the transport, then stops the private event loop.
// Events already queued are discarded.
func (c *Central) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !c.started.Load() {
		return nil
	}
	if c.scanning.Swap(false) {
		c.transport.StopScan()
	}
	err := c.transport.Close()
	if c.owned != nil {
		c.owned.Stop()
	}
	if err != nil {
		return fmt.Errorf("failed to close central transport: %w", err)
	}
	return nil
}

// Sync blocks until every event queued before the call was processed. It
// returns ErrNotStarted when the executor is not running or stops first. It
// must not be called from a delegate callback.
func (c *Central) Sync() error {
	if !syncExecutor(c.exec) {
		return ErrNotStarted
	}
	return nil
}

// State returns the last adapter state reported by the transport.
func (c *Central) State() ManagerState {
	return ManagerState(c.state.Load())
}

// IsScanning reports whether a scan is active.
func (c *Central) IsScanning() bool {
	return c.scanning.Load()
}

// Graph returns the discovery cache.
func (c *Central) Graph() *Graph {
	return c.graph
}

// Peripheral is shorthand for Graph().Peripheral.
func (c *Central) Peripheral(peer PeerID) (*Peripheral, bool) {
	return c.graph.Peripheral(peer)
}

// Journal returns the lifecycle journal, or nil when journaling is off.
func (c *Central) Journal() *journal.Journal {
	return c.journal
}

// SetDelegate installs d; nil removes the current delegate.
func (c *Central) SetDelegate(d *CentralDelegate) {
	c.delegate.Store(d)
}

// StartScan begins scanning for the configured targets once powered on.
func (c *Central) StartScan() {
	c.post("start scan", c.startScan)
}

// StopScan stops an active scan. In-flight connects and discoveries are not cancelled.
func (c *Central) StopScan() {
	c.post("stop scan", func() {
		if !c.scanning.Swap(false) {
			return
		}
		c.transport.StopScan()
		c.journal.Log(journal.EventScanStopped, "")
		c.logger.Info("Scan stopped")
	})
}

// Connect requests a connection to peer. On success services are discovered
// and the peer appears in the graph.
func (c *Central) Connect(peer PeerID) {
	c.post("connect", func() { c.connect(peer) })
}

// ConnectPeripheral reconnects a known peripheral.
func (c *Central) ConnectPeripheral(p *Peripheral) {
	c.Connect(p.id)
}

// CancelConnection asks the transport to drop the link to p.
func (c *Central) CancelConnection(p *Peripheral) {
	c.post("cancel connection", func() {
		c.transport.CancelConnection(p.id)
	})
}

func (c *Central) startScan() {
	if c.State() != StatePoweredOn {
		c.logger.WithField("state", c.State().String()).Debug("Scan deferred until powered on")
		return
	}
	if c.scanning.Swap(true) {
		return
	}
	c.transport.Scan(c.targets, c.allowDuplicates)
	c.journal.Log(journal.EventScanStarted, "", "targets", fmt.Sprint(uuidStrings(c.targets)))
	c.logger.WithField("targets", uuidStrings(c.targets)).Info("Scan started")
}

func (c *Central) connect(peer PeerID) {
	if c.State() != StatePoweredOn {
		c.logger.WithField("peer", string(peer)).Debug("Connect dropped, adapter not powered on")
		return
	}
	if state, ok := c.links[peer]; ok {
		c.journal.Log(journal.EventConnectSkipped, string(peer), "already_connected", fmt.Sprint(state == linkConnected))
		c.logger.WithField("peer", string(peer)).Debug("Connect skipped, link already pending or up")
		return
	}
	c.links[peer] = linkConnecting
	c.journal.Log(journal.EventConnectRequested, string(peer))
	c.transport.Connect(peer)
}

// post runs fn on the session executor.
func (c *Central) post(what string, fn func()) {
	if !c.exec.Post(fn) {
		c.logger.WithField("event", what).Debug("Dropped, executor not accepting work")
	}
}

type graphTarget interface {
	Released() bool
	logFields() logrus.Fields
}

// ready reports whether an operation on target may be forwarded to the transport.
func (c *Central) ready(target graphTarget, op string, extra logrus.Fields) bool {
	if target.Released() {
		c.logger.WithFields(target.logFields()).WithFields(extra).Debugf("Dropped %s on released object", op)
		return false
	}
	if c.State() != StatePoweredOn {
		c.logger.WithFields(target.logFields()).WithFields(extra).WithField("state", c.State().String()).
			Debugf("Dropped %s, adapter not powered on", op)
		return false
	}
	return true
}

func uuidStrings(uuids []ble.UUID) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = u.String()
	}
	return out
}
