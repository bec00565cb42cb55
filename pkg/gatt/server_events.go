package gatt

import (
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/journal"
)

// DidUpdateState implements ServerEventHandler.
func (s *Server) DidUpdateState(state ManagerState) {
	s.post("state update", func() {
		prev := ManagerState(s.state.Swap(int32(state)))
		if prev == state {
			return
		}
		s.journal.Log(journal.EventStateChanged, "", "from", prev.String(), "to", state.String())
		s.logger.WithFields(logrus.Fields{"from": prev.String(), "to": state.String()}).Info("Server adapter state changed")

		if prev == StatePoweredOn {
			s.advertising.Store(false)
			s.abandonPublish()
			for _, svc := range s.Services() {
				for _, c := range svc.Characteristics() {
					c.clearSubscribers()
				}
			}
		}

		if d := s.delegate.Load(); d != nil && d.OnStateChange != nil {
			d.OnStateChange(s, state)
		}

		if state == StatePoweredOn {
			s.publishAll()
		}
	})
}

// DidPublishService implements ServerEventHandler. Advertising starts after the
// last publish completion, with the services that published successfully.
func (s *Server) DidPublishService(service ble.UUID, err error) {
	s.post("service published", func() {
		log := s.logger.WithField("service", service.String())
		key := uuidKey(service)
		if n := s.stalePublish[key]; n > 0 {
			if n == 1 {
				delete(s.stalePublish, key)
			} else {
				s.stalePublish[key] = n - 1
			}
			log.Debug("Ignoring publish completion from an earlier power cycle")
			return
		}
		if _, ok := s.pendingPublish[key]; !ok {
			log.Debug("Ignoring unexpected publish completion")
			return
		}
		delete(s.pendingPublish, key)

		if err != nil {
			s.journal.Log(journal.EventPublishFailed, "", "service", service.String(), "error", err.Error())
			log.WithField("error", err).Error("Failed to publish service, it will not be advertised")
		} else {
			s.published = append(s.published, service)
			s.journal.Log(journal.EventServicePublished, "", "service", service.String())
			log.Info("Service published")
		}

		if len(s.pendingPublish) > 0 {
			return
		}
		if len(s.published) == 0 {
			s.logger.Error("No service was published, advertising skipped")
			return
		}
		s.transport.StartAdvertising(s.name, append([]ble.UUID(nil), s.published...))
	})
}

// DidStartAdvertising implements ServerEventHandler.
func (s *Server) DidStartAdvertising(err error) {
	s.post("advertising started", func() {
		if err != nil {
			s.advertising.Store(false)
			s.logger.WithField("error", err).Error("Failed to start advertising")
		} else {
			s.advertising.Store(true)
			s.journal.Log(journal.EventAdvertising, "", "name", s.name)
			s.logger.WithFields(logrus.Fields{
				"name":     s.name,
				"services": uuidStrings(s.published),
			}).Info("Advertising")
		}
		if d := s.delegate.Load(); d != nil && d.OnAdvertisingStarted != nil {
			d.OnAdvertisingStarted(s, err)
		}
	})
}

// DidReceiveRead implements ServerEventHandler.
func (s *Server) DidReceiveRead(req ReadRequest) {
	s.post("read request", func() {
		log := s.logger.WithFields(logrus.Fields{
			"request":        string(req.ID),
			"central":        string(req.Central),
			"characteristic": req.Characteristic.String(),
		})
		c, ok := s.Characteristic(req.Characteristic)
		if !ok {
			log.Debug("Read request for unknown characteristic")
			s.transport.Respond(req.ID, ble.ErrAttrNotFound, nil)
			return
		}

		value := c.Value()
		if req.Offset > len(value) {
			log.WithField("offset", req.Offset).Debug("Read request offset past the end of the value")
			s.transport.Respond(req.ID, ble.ErrInvalidOffset, nil)
			return
		}
		s.transport.Respond(req.ID, ble.ErrSuccess, value[req.Offset:])
		log.Debug("Read request answered")

		if d := s.delegate.Load(); d != nil && d.OnRead != nil {
			d.OnRead(s, c, req.Central)
		}
	})
}

// DidReceiveWrite implements ServerEventHandler. Every write in the batch is
// applied, then the first request is acknowledged once for the whole batch.
func (s *Server) DidReceiveWrite(requests []WriteRequest) {
	if len(requests) == 0 {
		return
	}
	batch := make([]WriteRequest, len(requests))
	for i, r := range requests {
		r.Value = cloneBytes(r.Value)
		batch[i] = r
	}

	s.post("write requests", func() {
		var written []*LocalCharacteristic
		seen := make(map[*LocalCharacteristic]struct{}, len(batch))

		for _, req := range batch {
			c, ok := s.Characteristic(req.Characteristic)
			if !ok {
				s.logger.WithFields(logrus.Fields{
					"request":        string(req.ID),
					"characteristic": req.Characteristic.String(),
				}).Debug("Write request for unknown characteristic")
				continue
			}
			c.setValue(req.Value)
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				written = append(written, c)
			}
		}

		s.transport.Respond(batch[0].ID, ble.ErrSuccess, nil)
		s.logger.WithFields(logrus.Fields{
			"requests": len(batch),
			"written":  len(written),
		}).Debug("Write batch applied")

		if len(written) == 0 {
			return
		}
		if d := s.delegate.Load(); d != nil && d.OnWrite != nil {
			d.OnWrite(s, written)
		}
	})
}

// DidSubscribe implements ServerEventHandler. Subscribing twice is a no-op.
func (s *Server) DidSubscribe(central CentralID, characteristic ble.UUID) {
	s.post("subscribe", func() {
		log := s.logger.WithFields(logrus.Fields{
			"central":        string(central),
			"characteristic": characteristic.String(),
		})
		c, ok := s.Characteristic(characteristic)
		if !ok {
			log.Debug("Subscribe for unknown characteristic")
			return
		}
		if !c.subscribe(central) {
			log.Debug("Central already subscribed")
			return
		}
		s.journal.Log(journal.EventSubscribed, string(central), "characteristic", characteristic.String())
		log.Info("Central subscribed")

		if d := s.delegate.Load(); d != nil && d.OnSubscribe != nil {
			d.OnSubscribe(s, c, central)
		}
	})
}

// DidUnsubscribe implements ServerEventHandler. Unsubscribing an absent central is a no-op.
func (s *Server) DidUnsubscribe(central CentralID, characteristic ble.UUID) {
	s.post("unsubscribe", func() {
		log := s.logger.WithFields(logrus.Fields{
			"central":        string(central),
			"characteristic": characteristic.String(),
		})
		c, ok := s.Characteristic(characteristic)
		if !ok {
			log.Debug("Unsubscribe for unknown characteristic")
			return
		}
		if !c.unsubscribe(central) {
			log.Debug("Central was not subscribed")
			return
		}
		s.journal.Log(journal.EventUnsubscribed, string(central), "characteristic", characteristic.String())
		log.Info("Central unsubscribed")

		if d := s.delegate.Load(); d != nil && d.OnUnsubscribe != nil {
			d.OnUnsubscribe(s, c, central)
		}
	})
}
