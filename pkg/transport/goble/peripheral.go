package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/bledb"
	"github.com/srg/blesession/internal/eventloop"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/gatt"
)

const (
	// advertiseStartWindow is how long StartAdvertising waits for an early
	// failure before reporting success. go-ble advertises until its context ends.
	advertiseStartWindow = 250 * time.Millisecond

	// subscriptionBuffer is the number of value updates queued per subscriber.
	subscriptionBuffer = 16
)

var cccdUUID = ble.ClientCharacteristicConfigUUID

type response struct {
	result ble.ATTError
	value  []byte
}

// subscription is one central listening to one characteristic. Its updates are
// written by the go-ble notify handler goroutine that owns the notifier.
type subscription struct {
	central gatt.CentralID
	char    ble.UUID
	updates chan []byte
}

// Peripheral implements gatt.PeripheralTransport over a go-ble Device.
// Device calls run in order on one worker.
type Peripheral struct {
	opts   options
	logger *logrus.Logger

	mu       sync.Mutex
	dev      Device
	ctx      context.Context
	cancel   context.CancelFunc
	worker   *eventloop.Loop
	stopAdv  context.CancelFunc
	adverts  groutine.Group
	handler  gatt.ServerEventHandler
	emitMu   sync.RWMutex
	closed   atomic.Bool
	requests *hashmap.Map[gatt.RequestID, chan response]
	subs     *hashmap.Map[string, *subscription]
}

var _ gatt.PeripheralTransport = (*Peripheral)(nil)

// NewPeripheral creates a peripheral transport. The device is created on Start.
func NewPeripheral(opts ...Option) *Peripheral {
	o := newOptions(opts)
	return &Peripheral{
		opts:     o,
		logger:   o.logger,
		requests: hashmap.New[gatt.RequestID, chan response](),
		subs:     hashmap.New[string, *subscription](),
	}
}

// Start implements gatt.PeripheralTransport.
func (p *Peripheral) Start(ctx context.Context, handler gatt.ServerEventHandler) error {
	if handler == nil {
		return fmt.Errorf("peripheral transport requires an event handler")
	}
	if p.closed.Load() {
		return gatt.ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev != nil {
		return gatt.ErrAlreadyStarted
	}
	p.handler = handler

	dev, err := p.opts.factory()
	if err != nil {
		err = gatt.NormalizeError(err)
		p.logger.WithField("error", err).Error("Failed to create BLE device")
		handler.DidUpdateState(stateForError(err))
		return fmt.Errorf("failed to create BLE device: %w", err)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.worker = eventloop.New("goble-peripheral", p.opts.queueSize, p.logger)
	if err := p.worker.Start(p.ctx); err != nil {
		p.cancel()
		_ = dev.Stop()
		return fmt.Errorf("failed to start peripheral worker: %w", err)
	}
	p.dev = dev
	p.logger.Debug("BLE peripheral device opened")
	handler.DidUpdateState(gatt.StatePoweredOn)
	return nil
}

// Close implements gatt.PeripheralTransport. Pending requests are abandoned and
// every subscription ends.
func (p *Peripheral) Close() error {
	p.emitMu.Lock()
	p.closed.Store(true)
	p.emitMu.Unlock()

	p.mu.Lock()
	dev, cancel, worker := p.dev, p.cancel, p.worker
	p.dev, p.stopAdv = nil, nil
	p.mu.Unlock()
	if dev == nil {
		return nil
	}
	cancel()
	worker.Stop()
	if !p.adverts.WaitTimeout(closeTimeout) {
		p.logger.Warn("Advertising did not stop before close")
	}

	if err := dev.Stop(); err != nil {
		return fmt.Errorf("failed to stop BLE device: %w", err)
	}
	p.logger.Debug("BLE peripheral device closed")
	return nil
}

// PublishService implements gatt.PeripheralTransport.
func (p *Peripheral) PublishService(service *gatt.LocalService) {
	svc := p.buildService(service)
	p.run("publish service", func(dev Device) {
		err := dev.AddService(svc)
		if err != nil {
			err = gatt.NormalizeError(err)
			p.logger.WithFields(logrus.Fields{"service": svc.UUID.String(), "error": err}).Warn("Failed to add service")
		}
		p.emit(func() { p.handler.DidPublishService(service.UUID(), err) })
	})
}

// RemoveAllServices implements gatt.PeripheralTransport.
func (p *Peripheral) RemoveAllServices() {
	p.run("remove services", func(dev Device) {
		if err := dev.RemoveAllServices(); err != nil {
			p.logger.WithField("error", err).Warn("Failed to remove services")
		}
	})
}

// StartAdvertising implements gatt.PeripheralTransport. A running advertisement
// is replaced.
func (p *Peripheral) StartAdvertising(name string, services []ble.UUID) {
	services = append([]ble.UUID(nil), services...)
	p.run("start advertising", func(dev Device) {
		p.mu.Lock()
		if p.stopAdv != nil {
			p.stopAdv()
		}
		ctx, cancel := context.WithCancel(p.ctx)
		p.stopAdv = cancel
		p.mu.Unlock()

		result := make(chan error, 1)
		p.adverts.Go(ctx, "goble-advertise", func(ctx context.Context) {
			err := dev.AdvertiseNameAndServices(ctx, name, services...)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				err = nil
			}
			result <- err
		})

		p.adverts.Go(ctx, "goble-advertise-report", func(ctx context.Context) {
			var err error
			select {
			case err = <-result:
				if err == nil && ctx.Err() != nil {
					// stopped before it could be reported
					return
				}
				if err == nil {
					err = fmt.Errorf("advertising ended immediately")
				}
				err = gatt.NormalizeError(err)
				p.logger.WithField("error", err).Warn("Failed to start advertising")
			case <-time.After(advertiseStartWindow):
				p.logger.WithFields(logrus.Fields{
					"name":     name,
					"services": len(services),
				}).Debug("Advertising")
			case <-ctx.Done():
				return
			}
			p.emit(func() { p.handler.DidStartAdvertising(err) })
		})
	})
}

// StopAdvertising implements gatt.PeripheralTransport.
func (p *Peripheral) StopAdvertising() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopAdv != nil {
		p.stopAdv()
		p.stopAdv = nil
	}
}

// Respond implements gatt.PeripheralTransport. Responses to requests that
// already timed out are dropped.
func (p *Peripheral) Respond(request gatt.RequestID, result ble.ATTError, value []byte) {
	ch, ok := p.requests.Get(request)
	if !ok {
		p.logger.WithField("request", string(request)).Debug("Response for unknown request dropped")
		return
	}
	select {
	case ch <- response{result: result, value: cloneBytes(value)}:
	default:
	}
}

// UpdateValue implements gatt.PeripheralTransport. It reports false when a
// central has no live subscription or its update queue is full.
func (p *Peripheral) UpdateValue(characteristic ble.UUID, value []byte, centrals []gatt.CentralID) bool {
	ok := true
	for _, central := range centrals {
		sub, found := p.subs.Get(subscriptionKey(central, characteristic))
		if !found {
			ok = false
			continue
		}
		select {
		case sub.updates <- cloneBytes(value):
		default:
			p.logger.WithFields(logrus.Fields{
				"central":        string(central),
				"characteristic": characteristic.String(),
			}).Warn("Notification queue full, update dropped")
			ok = false
		}
	}
	return ok
}

// buildService converts a frozen local tree into a go-ble service whose
// handlers forward to the session.
func (p *Peripheral) buildService(ls *gatt.LocalService) *ble.Service {
	svc := ble.NewService(ls.UUID())
	for _, lc := range ls.Characteristics() {
		char := lc.UUID()
		props := lc.Properties()
		c := ble.NewCharacteristic(char)

		if props&ble.CharRead != 0 {
			c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				p.serveRead(char, req, rsp)
			}))
		}
		if props&(ble.CharWrite|ble.CharWriteNR) != 0 {
			c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				p.serveWrite(char, req, rsp)
			}))
		}
		notify := ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			p.serveNotify(char, req, n)
		})
		if props&ble.CharNotify != 0 {
			c.HandleNotify(notify)
		}
		if props&ble.CharIndicate != 0 {
			c.HandleIndicate(notify)
		}
		c.Property = props

		for _, ld := range lc.Descriptors() {
			if bledb.NormalizeUUID(ld.UUID().String()) == bledb.NormalizeUUID(cccdUUID.String()) {
				// the stack manages the client configuration descriptor itself
				continue
			}
			d := ble.NewDescriptor(ld.UUID())
			d.SetValue(ld.Value())
			c.AddDescriptor(d)
		}
		svc.AddCharacteristic(c)
	}
	return svc
}

func (p *Peripheral) serveRead(char ble.UUID, req ble.Request, rsp ble.ResponseWriter) {
	id, ch := p.newRequest()
	defer p.requests.Del(id)

	p.emit(func() {
		p.handler.DidReceiveRead(gatt.ReadRequest{
			ID:             id,
			Central:        centralOf(req),
			Characteristic: char,
			Offset:         req.Offset(),
		})
	})

	res, ok := p.await(id, ch)
	if !ok {
		rsp.SetStatus(ble.ErrUnlikely)
		return
	}
	rsp.SetStatus(res.result)
	if res.result == ble.ErrSuccess && len(res.value) > 0 {
		if _, err := rsp.Write(res.value); err != nil {
			p.logger.WithFields(logrus.Fields{"request": string(id), "error": err}).Debug("Read response truncated")
		}
	}
}

// serveWrite forwards a single go-ble write as a batch of one.
func (p *Peripheral) serveWrite(char ble.UUID, req ble.Request, rsp ble.ResponseWriter) {
	id, ch := p.newRequest()
	defer p.requests.Del(id)

	batch := []gatt.WriteRequest{{
		ID:             id,
		Central:        centralOf(req),
		Characteristic: char,
		Offset:         req.Offset(),
		Value:          cloneBytes(req.Data()),
	}}
	p.emit(func() { p.handler.DidReceiveWrite(batch) })

	res, ok := p.await(id, ch)
	if !ok {
		rsp.SetStatus(ble.ErrUnlikely)
		return
	}
	rsp.SetStatus(res.result)
}

// serveNotify owns n for the lifetime of the subscription, the way go-ble
// expects: it returns once the central unsubscribes or disconnects.
func (p *Peripheral) serveNotify(char ble.UUID, req ble.Request, n ble.Notifier) {
	sub := &subscription{
		central: centralOf(req),
		char:    char,
		updates: make(chan []byte, subscriptionBuffer),
	}
	key := subscriptionKey(sub.central, char)
	p.subs.Set(key, sub)
	p.emit(func() { p.handler.DidSubscribe(sub.central, char) })

	log := p.logger.WithFields(logrus.Fields{
		"central":        string(sub.central),
		"characteristic": char.String(),
	})
	log.Debug("Notification subscribed")

	defer func() {
		if cur, ok := p.subs.Get(key); ok && cur == sub {
			p.subs.Del(key)
		}
		log.Debug("Notification unsubscribed")
		p.emit(func() { p.handler.DidUnsubscribe(sub.central, char) })
	}()

	for {
		select {
		case <-n.Context().Done():
			return
		case value := <-sub.updates:
			if _, err := n.Write(value); err != nil {
				// central went away before unsubscribing
				log.WithField("error", err).Debug("Failed to notify")
				return
			}
		}
	}
}

func (p *Peripheral) newRequest() (gatt.RequestID, chan response) {
	id := gatt.RequestID(uuid.NewString())
	ch := make(chan response, 1)
	p.requests.Set(id, ch)
	return id, ch
}

func (p *Peripheral) await(id gatt.RequestID, ch chan response) (response, bool) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		return response{}, false
	}

	timer := time.NewTimer(p.opts.responseTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, true
	case <-timer.C:
		p.logger.WithField("request", string(id)).Warn("Request timed out waiting for a response")
		return response{}, false
	case <-ctx.Done():
		return response{}, false
	}
}

// run queues fn on the device worker, dropping it when not started.
func (p *Peripheral) run(name string, fn func(dev Device)) {
	p.mu.Lock()
	dev, worker := p.dev, p.worker
	p.mu.Unlock()
	if dev == nil || !worker.Post(func() { fn(dev) }) {
		p.logger.WithField("op", name).Debug("Operation ignored, transport not started")
	}
}

func (p *Peripheral) emit(fn func()) {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.closed.Load() {
		return
	}
	fn()
}

func centralOf(req ble.Request) gatt.CentralID {
	if conn := req.Conn(); conn != nil && conn.RemoteAddr() != nil {
		return gatt.CentralID(conn.RemoteAddr().String())
	}
	return "unknown"
}

func subscriptionKey(central gatt.CentralID, char ble.UUID) string {
	return string(central) + "|" + bledb.NormalizeUUID(char.String())
}
