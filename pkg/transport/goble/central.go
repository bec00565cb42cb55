package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/bledb"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/gatt"
)

// Central implements gatt.CentralTransport over a go-ble Device.
type Central struct {
	opts   options
	logger *logrus.Logger

	mu       sync.Mutex
	dev      Device
	ctx      context.Context
	cancel   context.CancelFunc
	stopScan context.CancelFunc
	scans    groutine.Group

	central gatt.CentralEventHandler
	peers   gatt.PeerEventHandler

	// emitMu orders handler calls against Close: no handler runs after Close returns.
	emitMu sync.RWMutex
	closed atomic.Bool

	addrs *hashmap.Map[gatt.PeerID, ble.Addr]
	conns *hashmap.Map[gatt.PeerID, *connection]
	ids   *hashmap.Map[gatt.PeerID, *attrIDs]
}

var _ gatt.CentralTransport = (*Central)(nil)

// NewCentral creates a central transport. The device is created on Start.
func NewCentral(opts ...Option) *Central {
	o := newOptions(opts)
	return &Central{
		opts:   o,
		logger: o.logger,
		addrs:  hashmap.New[gatt.PeerID, ble.Addr](),
		conns:  hashmap.New[gatt.PeerID, *connection](),
		ids:    hashmap.New[gatt.PeerID, *attrIDs](),
	}
}

// Start implements gatt.CentralTransport. The device is opened synchronously and
// its state is reported before Start returns.
func (c *Central) Start(ctx context.Context, central gatt.CentralEventHandler, peers gatt.PeerEventHandler) error {
	if central == nil || peers == nil {
		return fmt.Errorf("central transport requires both event handlers")
	}

	if c.closed.Load() {
		return gatt.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		return gatt.ErrAlreadyStarted
	}
	c.central, c.peers = central, peers

	dev, err := c.opts.factory()
	if err != nil {
		err = gatt.NormalizeError(err)
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		central.DidUpdateState(stateForError(err))
		return fmt.Errorf("failed to create BLE device: %w", err)
	}

	c.dev = dev
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Debug("BLE central device opened")
	central.DidUpdateState(gatt.StatePoweredOn)
	return nil
}

// Close implements gatt.CentralTransport.
func (c *Central) Close() error {
	c.emitMu.Lock()
	c.closed.Store(true)
	c.emitMu.Unlock()

	c.mu.Lock()
	dev, cancel := c.dev, c.cancel
	c.dev, c.stopScan = nil, nil
	c.mu.Unlock()
	if dev == nil {
		return nil
	}
	cancel()

	var conns []*connection
	c.conns.Range(func(_ gatt.PeerID, conn *connection) bool {
		conns = append(conns, conn)
		return true
	})
	for _, conn := range conns {
		conn.cancelled.Store(true)
		if err := conn.client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{"peer": string(conn.peer), "error": err}).Debug("Cancel connection on close failed")
		}
		conn.stop()
		c.conns.Del(conn.peer)
	}
	if !c.scans.WaitTimeout(closeTimeout) {
		c.logger.Warn("Scan did not stop before close")
	}

	if err := dev.Stop(); err != nil {
		return fmt.Errorf("failed to stop BLE device: %w", err)
	}
	c.logger.Debug("BLE central device closed")
	return nil
}

// Scan implements gatt.CentralTransport. A running scan is replaced.
func (c *Central) Scan(services []ble.UUID, allowDuplicates bool) {
	targets := make(map[string]struct{}, len(services))
	for _, u := range services {
		targets[bledb.NormalizeUUID(u.String())] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		c.logger.Debug("Scan ignored, transport not started")
		return
	}
	if c.stopScan != nil {
		c.stopScan()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopScan = cancel
	dev := c.dev

	// started under mu so Close never waits on a group that is still growing
	c.scans.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, allowDuplicates, func(adv Advertisement) {
			c.handleAdvertisement(adv, targets)
		})
		if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		err = gatt.NormalizeError(err)
		c.logger.WithField("error", err).Warn("Scan stopped with error")
		if errors.Is(err, gatt.ErrBluetoothOff) {
			c.emit(func() { c.central.DidUpdateState(gatt.StatePoweredOff) })
		}
	})
}

// StopScan implements gatt.CentralTransport.
func (c *Central) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopScan != nil {
		c.stopScan()
		c.stopScan = nil
	}
}

func (c *Central) handleAdvertisement(adv Advertisement, targets map[string]struct{}) {
	addr := adv.Addr()
	if addr == nil {
		return
	}
	services := adv.Services()
	if len(targets) > 0 && !advertisesAny(services, targets) {
		return
	}

	peer := gatt.PeerID(addr.String())
	c.addrs.Set(peer, addr)

	meta := gatt.Advertisement{
		LocalName:        adv.LocalName(),
		Services:         append([]ble.UUID(nil), services...),
		ManufacturerData: cloneBytes(adv.ManufacturerData()),
		TxPower:          adv.TxPowerLevel(),
		Connectable:      adv.Connectable(),
	}
	rssi := adv.RSSI()
	c.emit(func() { c.central.DidDiscoverPeer(peer, meta, rssi) })
}

func advertisesAny(services []ble.UUID, targets map[string]struct{}) bool {
	for _, u := range services {
		if _, ok := targets[bledb.NormalizeUUID(u.String())]; ok {
			return true
		}
	}
	return false
}

// Connect implements gatt.CentralTransport. Peers never seen in a scan are
// dialed by parsing their ID as an address.
func (c *Central) Connect(peer gatt.PeerID) {
	dev, ctx := c.device()
	if dev == nil {
		c.logger.WithField("peer", string(peer)).Debug("Connect ignored, transport not started")
		return
	}
	if _, ok := c.conns.Get(peer); ok {
		c.async(ctx, "goble-connect-"+string(peer), func() {
			c.central.DidFailToConnectPeer(peer, gatt.ErrAlreadyConnected)
		})
		return
	}
	addr, ok := c.addrs.Get(peer)
	if !ok {
		addr = ble.NewAddr(string(peer))
	}

	groutine.Go(ctx, groutine.PeerName("goble-connect", string(peer)), func(ctx context.Context) {
		c.logger.WithFields(logrus.Fields{
			"peer":    string(peer),
			"timeout": c.opts.connectTimeout,
		}).Info("Connecting to BLE device...")

		dialCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
		defer cancel()
		client, err := dev.Dial(dialCtx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = gatt.NormalizeError(err)
			c.logger.WithFields(logrus.Fields{"peer": string(peer), "error": err}).Error("Failed to dial BLE device")
			c.emit(func() {
				c.central.DidFailToConnectPeer(peer, fmt.Errorf("failed to connect to device with address %q: %w", peer, err))
			})
			return
		}

		ids, _ := c.ids.GetOrInsert(peer, newAttrIDs())
		conn, err := newConnection(ctx, peer, client, ids, c.opts.queueSize, c.logger)
		if err == nil && !c.conns.Insert(peer, conn) {
			conn.stop()
			err = gatt.ErrAlreadyConnected
		}
		if err != nil {
			if cancelErr := client.CancelConnection(); cancelErr != nil {
				c.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after setup failure")
			}
			c.emit(func() { c.central.DidFailToConnectPeer(peer, err) })
			return
		}

		c.logger.WithField("peer", string(peer)).Debug("BLE device connected")
		c.emit(func() { c.central.DidConnectPeer(peer) })
		groutine.Go(ctx, groutine.PeerName("goble-monitor", string(peer)), func(ctx context.Context) {
			c.monitor(ctx, conn)
		})
	})
}

// monitor reports the end of a link, whether requested or not.
func (c *Central) monitor(ctx context.Context, conn *connection) {
	select {
	case <-conn.client.Disconnected():
	case <-conn.done:
		return
	case <-ctx.Done():
		return
	}

	c.conns.Del(conn.peer)
	conn.stop()

	var err error
	if !conn.cancelled.Load() {
		err = fmt.Errorf("%w: link to %s lost", gatt.ErrNotConnected, conn.peer)
	}
	c.logger.WithFields(logrus.Fields{
		"peer":      string(conn.peer),
		"requested": err == nil,
	}).Info("BLE device disconnected")
	c.emit(func() { c.central.DidDisconnectPeer(conn.peer, err) })
}

// CancelConnection implements gatt.CentralTransport. The disconnect is reported
// by the link monitor once the link is down.
func (c *Central) CancelConnection(peer gatt.PeerID) {
	conn, ok := c.conns.Get(peer)
	if !ok {
		return
	}
	conn.cancelled.Store(true)
	_, ctx := c.device()
	if ctx == nil {
		return
	}
	groutine.Go(ctx, groutine.PeerName("goble-cancel", string(peer)), func(context.Context) {
		if err := conn.client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{"peer": string(peer), "error": err}).Warn("Failed to cancel connection")
		}
	})
}

// DiscoverServices implements gatt.CentralTransport.
func (c *Central) DiscoverServices(peer gatt.PeerID, filter []ble.UUID) {
	filter = append([]ble.UUID(nil), filter...)
	c.withConnection(peer, "discover services", func(err error) {
		c.peers.DidDiscoverServices(peer, nil, err)
	}, func(conn *connection) {
		svcs, err := conn.client.DiscoverServices(filter)
		if err != nil {
			err = gatt.NormalizeError(err)
			c.emit(func() { c.peers.DidDiscoverServices(peer, nil, err) })
			return
		}
		out := make([]gatt.Service, 0, len(svcs))
		for _, s := range svcs {
			// go-ble only discovers primary services
			out = append(out, gatt.Service{Attribute: conn.addService(s), Primary: true})
		}
		c.logger.WithFields(logrus.Fields{"peer": string(peer), "services": len(out)}).Debug("Services discovered")
		c.emit(func() { c.peers.DidDiscoverServices(peer, out, nil) })
	})
}

// DiscoverCharacteristics implements gatt.CentralTransport.
func (c *Central) DiscoverCharacteristics(peer gatt.PeerID, service gatt.Attribute, filter []ble.UUID) {
	filter = append([]ble.UUID(nil), filter...)
	c.withConnection(peer, "discover characteristics", func(err error) {
		c.peers.DidDiscoverCharacteristics(peer, service, nil, err)
	}, func(conn *connection) {
		s, err := conn.service(service)
		if err == nil {
			var chars []*ble.Characteristic
			if chars, err = conn.client.DiscoverCharacteristics(filter, s); err == nil {
				out := make([]gatt.CharacteristicSnapshot, 0, len(chars))
				for _, ch := range chars {
					out = append(out, gatt.CharacteristicSnapshot{
						Attribute:  conn.addCharacteristic(service.ID, ch),
						Properties: ch.Property,
					})
				}
				c.emit(func() { c.peers.DidDiscoverCharacteristics(peer, service, out, nil) })
				return
			}
		}
		err = gatt.NormalizeError(err)
		c.emit(func() { c.peers.DidDiscoverCharacteristics(peer, service, nil, err) })
	})
}

// DiscoverDescriptors implements gatt.CentralTransport.
func (c *Central) DiscoverDescriptors(peer gatt.PeerID, characteristic gatt.Attribute) {
	c.withConnection(peer, "discover descriptors", func(err error) {
		c.peers.DidDiscoverDescriptors(peer, characteristic, nil, err)
	}, func(conn *connection) {
		ch, err := conn.characteristic(characteristic)
		if err == nil {
			var descs []*ble.Descriptor
			if descs, err = conn.client.DiscoverDescriptors(nil, ch); err == nil {
				out := make([]gatt.DescriptorSnapshot, 0, len(descs))
				for _, d := range descs {
					out = append(out, gatt.DescriptorSnapshot{Attribute: conn.addDescriptor(characteristic.ID, d)})
				}
				c.emit(func() { c.peers.DidDiscoverDescriptors(peer, characteristic, out, nil) })
				return
			}
		}
		err = gatt.NormalizeError(err)
		c.emit(func() { c.peers.DidDiscoverDescriptors(peer, characteristic, nil, err) })
	})
}

// ReadCharacteristic implements gatt.CentralTransport.
func (c *Central) ReadCharacteristic(peer gatt.PeerID, characteristic gatt.Attribute) {
	c.withConnection(peer, "read characteristic", func(err error) {
		c.peers.DidUpdateCharacteristicValue(peer, characteristic, nil, err)
	}, func(conn *connection) {
		var value []byte
		ch, err := conn.characteristic(characteristic)
		if err == nil {
			value, err = conn.client.ReadCharacteristic(ch)
		}
		err = gatt.NormalizeError(err)
		c.emit(func() { c.peers.DidUpdateCharacteristicValue(peer, characteristic, value, err) })
	})
}

// WriteCharacteristic implements gatt.CentralTransport. Writes without
// response never produce a completion.
func (c *Central) WriteCharacteristic(peer gatt.PeerID, characteristic gatt.Attribute, value []byte, writeType gatt.WriteType) {
	value = cloneBytes(value)
	noRsp := writeType == gatt.WriteWithoutResponse
	c.withConnection(peer, "write characteristic", func(err error) {
		if !noRsp {
			c.peers.DidWriteCharacteristicValue(peer, characteristic, err)
		}
	}, func(conn *connection) {
		ch, err := conn.characteristic(characteristic)
		if err == nil {
			err = conn.client.WriteCharacteristic(ch, value, noRsp)
		}
		if noRsp {
			if err != nil {
				c.logger.WithFields(logrus.Fields{"peer": string(peer), "error": err}).Debug("Write without response failed")
			}
			return
		}
		err = gatt.NormalizeError(err)
		c.emit(func() { c.peers.DidWriteCharacteristicValue(peer, characteristic, err) })
	})
}

// SetNotify implements gatt.CentralTransport. Indications are used when the
// characteristic supports them and not notifications.
func (c *Central) SetNotify(peer gatt.PeerID, characteristic gatt.Attribute, enabled bool) {
	c.withConnection(peer, "set notify", func(err error) {
		c.peers.DidUpdateNotificationState(peer, characteristic, enabled, err)
	}, func(conn *connection) {
		ch, err := conn.characteristic(characteristic)
		if err == nil {
			ind := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0
			if enabled {
				err = conn.client.Subscribe(ch, ind, func(data []byte) {
					value := cloneBytes(data)
					c.emit(func() { c.peers.DidUpdateCharacteristicValue(peer, characteristic, value, nil) })
				})
			} else {
				err = conn.client.Unsubscribe(ch, ind)
			}
		}
		err = gatt.NormalizeError(err)
		c.emit(func() { c.peers.DidUpdateNotificationState(peer, characteristic, enabled, err) })
	})
}

// ReadDescriptor implements gatt.CentralTransport.
func (c *Central) ReadDescriptor(peer gatt.PeerID, characteristic, descriptor gatt.Attribute) {
	c.withConnection(peer, "read descriptor", func(err error) {
		c.peers.DidUpdateDescriptorValue(peer, characteristic, descriptor, nil, err)
	}, func(conn *connection) {
		var value []byte
		d, err := conn.descriptor(characteristic, descriptor)
		if err == nil {
			value, err = conn.client.ReadDescriptor(d)
		}
		err = gatt.NormalizeError(err)
		c.emit(func() { c.peers.DidUpdateDescriptorValue(peer, characteristic, descriptor, value, err) })
	})
}

// WriteDescriptor implements gatt.CentralTransport.
func (c *Central) WriteDescriptor(peer gatt.PeerID, characteristic, descriptor gatt.Attribute, value []byte) {
	value = cloneBytes(value)
	c.withConnection(peer, "write descriptor", func(err error) {
		c.peers.DidWriteDescriptorValue(peer, characteristic, descriptor, err)
	}, func(conn *connection) {
		d, err := conn.descriptor(characteristic, descriptor)
		if err == nil {
			err = conn.client.WriteDescriptor(d, value)
		}
		err = gatt.NormalizeError(err)
		c.emit(func() { c.peers.DidWriteDescriptorValue(peer, characteristic, descriptor, err) })
	})
}

// ReadRSSI implements gatt.CentralTransport.
func (c *Central) ReadRSSI(peer gatt.PeerID) {
	c.withConnection(peer, "read rssi", func(err error) {
		c.peers.DidReadRSSI(peer, 0, err)
	}, func(conn *connection) {
		rssi := conn.client.ReadRSSI()
		c.emit(func() { c.peers.DidReadRSSI(peer, rssi, nil) })
	})
}

// withConnection runs op on the peer's worker, or reports ErrNotConnected
// through fail when there is no link.
func (c *Central) withConnection(peer gatt.PeerID, name string, fail func(error), op func(conn *connection)) {
	_, ctx := c.device()
	if ctx == nil {
		c.logger.WithFields(logrus.Fields{"peer": string(peer), "op": name}).Debug("Operation ignored, transport not started")
		return
	}
	if conn, ok := c.conns.Get(peer); ok && conn.post(func() { op(conn) }) {
		return
	}
	err := fmt.Errorf("%s on %s: %w", name, peer, gatt.ErrNotConnected)
	c.async(ctx, "goble-fail-"+string(peer), func() { fail(err) })
}

// async calls fn from a fresh goroutine so a handler is never re-entered from
// inside a transport call.
func (c *Central) async(ctx context.Context, name string, fn func()) {
	groutine.Go(ctx, name, func(context.Context) { c.emit(fn) })
}

func (c *Central) emit(fn func()) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed.Load() {
		return
	}
	fn()
}

func (c *Central) device() (Device, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil, nil
	}
	return c.dev, c.ctx
}

// stateForError maps a device creation failure to the adapter state reported
// to the session.
func stateForError(err error) gatt.ManagerState {
	switch {
	case errors.Is(err, gatt.ErrBluetoothOff):
		return gatt.StatePoweredOff
	case errors.Is(err, gatt.ErrUnsupported):
		return gatt.StateUnsupported
	default:
		return gatt.StateUnknown
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
