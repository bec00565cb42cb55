package gatt

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/journal"
)

// The methods below are the transport-facing half of Central. Each one only
// queues a closure; the closures run serially on the session executor and are
// the only code that mutates the graph.

// DidUpdateState implements CentralEventHandler.
func (c *Central) DidUpdateState(state ManagerState) {
	c.post("state update", func() {
		prev := ManagerState(c.state.Swap(int32(state)))
		if prev == state {
			return
		}
		c.journal.Log(journal.EventStateChanged, "", "from", prev.String(), "to", state.String())
		c.logger.WithFields(logrus.Fields{"from": prev.String(), "to": state.String()}).Info("Central adapter state changed")

		if prev == StatePoweredOn {
			// the transport owns cancellation; only our bookkeeping is reset
			c.scanning.Store(false)
			c.links = make(map[PeerID]linkState)
		}

		if d := c.delegate.Load(); d != nil && d.OnStateChange != nil {
			d.OnStateChange(c, state)
		}

		if state == StatePoweredOn && c.autoScan {
			c.startScan()
		}
	})
}

// DidDiscoverPeer implements CentralEventHandler.
func (c *Central) DidDiscoverPeer(peer PeerID, adv Advertisement, rssi int) {
	c.post("peer discovered", func() {
		if !c.filter.Match(peer, adv, rssi) {
			c.logger.WithField("peer", string(peer)).Debug("Advertisement filtered out")
			return
		}
		c.adverts[peer] = adv
		c.journal.Log(journal.EventPeerDiscovered, string(peer), "name", adv.LocalName, "rssi", fmt.Sprint(rssi))
		c.logger.WithFields(logrus.Fields{
			"peer": string(peer),
			"name": adv.LocalName,
			"rssi": rssi,
		}).Debug("Peer discovered")

		if d := c.delegate.Load(); d != nil && d.OnDiscover != nil {
			d.OnDiscover(c, peer, adv, rssi)
		}
		if c.connectOnDiscover {
			c.connect(peer)
		}
	})
}

// DidConnectPeer implements CentralEventHandler.
func (c *Central) DidConnectPeer(peer PeerID) {
	c.post("connected", func() {
		c.linkUp(peer)
	})
}

// linkUp records peer as connected and starts service discovery. Executor only.
func (c *Central) linkUp(peer PeerID) {
	c.links[peer] = linkConnected
	c.journal.Log(journal.EventConnected, string(peer))
	c.logger.WithField("peer", string(peer)).Info("Connected")

	if d := c.delegate.Load(); d != nil && d.OnConnect != nil {
		d.OnConnect(c, peer)
	}
	c.transport.DiscoverServices(peer, c.targets)
}

// DidFailToConnectPeer implements CentralEventHandler. ErrAlreadyConnected means
// the transport kept a link the session no longer tracks, for example across a
// power cycle; the link is adopted instead of reported as a failure.
func (c *Central) DidFailToConnectPeer(peer PeerID, err error) {
	c.post("connect failed", func() {
		if errors.Is(err, ErrAlreadyConnected) {
			if c.links[peer] == linkConnected {
				c.logger.WithField("peer", string(peer)).Debug("Duplicate connect ignored, link already up")
				return
			}
			c.logger.WithField("peer", string(peer)).Debug("Transport still holds the link, adopting it")
			c.linkUp(peer)
			return
		}
		delete(c.links, peer)
		c.journal.Log(journal.EventConnectFailed, string(peer), "error", errString(err))
		c.logger.WithFields(logrus.Fields{"peer": string(peer), "error": err}).Warn("Failed to connect")

		if d := c.delegate.Load(); d != nil && d.OnConnectFailure != nil {
			d.OnConnectFailure(c, peer, err)
		}
	})
}

// DidDisconnectPeer implements CentralEventHandler. The peripheral stays in the
// graph so the application can reconnect it.
func (c *Central) DidDisconnectPeer(peer PeerID, err error) {
	c.post("disconnected", func() {
		delete(c.links, peer)
		c.journal.Log(journal.EventDisconnected, string(peer), "error", errString(err))
		c.logger.WithFields(logrus.Fields{"peer": string(peer), "error": err}).Info("Disconnected")

		if p, ok := c.graph.Peripheral(peer); ok {
			for _, ch := range p.Characteristics() {
				ch.notifying.Store(false)
			}
		}
		if d := c.delegate.Load(); d != nil && d.OnDisconnect != nil {
			d.OnDisconnect(c, peer, err)
		}
	})
}

// DidDiscoverServices implements PeerEventHandler.
func (c *Central) DidDiscoverServices(peer PeerID, services []Service, err error) {
	c.post("services discovered", func() {
		log := c.logger.WithField("peer", string(peer))
		if err != nil {
			log.WithField("error", err).Warn("Service discovery failed")
			return
		}

		if p, ok := c.graph.Peripheral(peer); ok {
			p.mergeServices(services)
			log.WithField("services", len(services)).Debug("Services rediscovered")
			return
		}

		p := newPeripheral(c, peer, c.adverts[peer].LocalName, services)
		c.graph.insertPeripheral(p)
		c.journal.Log(journal.EventServicesDiscovered, string(peer), "services", fmt.Sprint(len(services)))
		log.WithField("services", len(services)).Info("Peripheral found")

		if d := c.delegate.Load(); d != nil && d.OnFindPeripheral != nil {
			d.OnFindPeripheral(c, p)
		}
	})
}

// DidDiscoverCharacteristics implements PeerEventHandler.
func (c *Central) DidDiscoverCharacteristics(peer PeerID, service Attribute, characteristics []CharacteristicSnapshot, err error) {
	c.post("characteristics discovered", func() {
		p, ok := c.graph.Peripheral(peer)
		if !ok {
			c.dropped("characteristics discovered", logrus.Fields{"peer": string(peer), "service": service.UUID.String()})
			return
		}
		svc, ok := p.service(service)
		if !ok {
			c.dropped("characteristics discovered", logrus.Fields{"peer": string(peer), "service": service.UUID.String()})
			return
		}
		if err != nil {
			c.logger.WithFields(p.logFields()).WithFields(logrus.Fields{
				"service": svc.UUID.String(),
				"error":   err,
			}).Warn("Characteristic discovery failed")
			return
		}

		var found []*Characteristic
		for _, snap := range characteristics {
			if _, exists := p.child(svc, snap.UUID); exists {
				continue
			}
			ch := newCharacteristic(c, peer, svc, snap)
			c.graph.insertCharacteristic(p, ch)
			found = append(found, ch)
		}

		c.logger.WithFields(p.logFields()).WithFields(logrus.Fields{
			"service": svc.UUID.String(),
			"new":     len(found),
			"total":   len(characteristics),
		}).Debug("Characteristics discovered")

		for _, ch := range found {
			if d := p.delegate.Load(); d != nil && d.OnFindCharacteristic != nil {
				d.OnFindCharacteristic(p, ch)
			}
		}
	})
}

// DidDiscoverDescriptors implements PeerEventHandler.
func (c *Central) DidDiscoverDescriptors(peer PeerID, characteristic Attribute, descriptors []DescriptorSnapshot, err error) {
	c.post("descriptors discovered", func() {
		ch, ok := c.lookupCharacteristic(peer, characteristic)
		if !ok {
			c.dropped("descriptors discovered", logrus.Fields{"peer": string(peer), "characteristic": characteristic.UUID.String()})
			return
		}
		if err != nil {
			c.logger.WithFields(ch.logFields()).WithField("error", err).Warn("Descriptor discovery failed")
			return
		}

		var found []*Descriptor
		for _, snap := range descriptors {
			if _, exists := ch.Descriptor(snap.UUID); exists {
				continue
			}
			d := newDescriptor(c, ch, snap)
			c.graph.insertDescriptor(ch, d)
			found = append(found, d)
		}

		for _, d := range found {
			if dl := ch.delegate.Load(); dl != nil && dl.OnFindDescriptor != nil {
				dl.OnFindDescriptor(ch, d)
			}
		}
	})
}

// DidUpdateCharacteristicValue implements PeerEventHandler. Read results and
// notifications both land here.
func (c *Central) DidUpdateCharacteristicValue(peer PeerID, characteristic Attribute, value []byte, err error) {
	value = cloneBytes(value)
	c.post("characteristic value", func() {
		ch, ok := c.lookupCharacteristic(peer, characteristic)
		if !ok {
			c.dropped("characteristic value", logrus.Fields{"peer": string(peer), "characteristic": characteristic.UUID.String()})
			return
		}
		if err != nil {
			c.logger.WithFields(ch.logFields()).WithField("error", err).Warn("Characteristic read failed")
			return
		}

		ch.value.Store(&value)
		if d := ch.delegate.Load(); d != nil && d.OnRead != nil {
			d.OnRead(ch)
		}
	})
}

// DidWriteCharacteristicValue implements PeerEventHandler. A transport error is
// reported as OnWrite(ok=false).
func (c *Central) DidWriteCharacteristicValue(peer PeerID, characteristic Attribute, err error) {
	c.post("characteristic write", func() {
		ch, ok := c.lookupCharacteristic(peer, characteristic)
		if !ok {
			c.dropped("characteristic write", logrus.Fields{"peer": string(peer), "characteristic": characteristic.UUID.String()})
			return
		}
		if err != nil {
			c.logger.WithFields(ch.logFields()).WithField("error", err).Warn("Characteristic write failed")
		}
		if d := ch.delegate.Load(); d != nil && d.OnWrite != nil {
			d.OnWrite(ch, err == nil)
		}
	})
}

// DidUpdateNotificationState implements PeerEventHandler.
func (c *Central) DidUpdateNotificationState(peer PeerID, characteristic Attribute, enabled bool, err error) {
	c.post("notification state", func() {
		ch, ok := c.lookupCharacteristic(peer, characteristic)
		if !ok {
			c.dropped("notification state", logrus.Fields{"peer": string(peer), "characteristic": characteristic.UUID.String()})
			return
		}
		if err != nil {
			c.logger.WithFields(ch.logFields()).WithFields(logrus.Fields{
				"enabled": enabled,
				"error":   err,
			}).Warn("Failed to change notification state")
			return
		}

		ch.notifying.Store(enabled)
		if d := ch.delegate.Load(); d != nil && d.OnNotifyStateChange != nil {
			d.OnNotifyStateChange(ch, enabled)
		}
	})
}

// DidUpdateDescriptorValue implements PeerEventHandler.
func (c *Central) DidUpdateDescriptorValue(peer PeerID, characteristic, descriptor Attribute, value []byte, err error) {
	value = cloneBytes(value)
	c.post("descriptor value", func() {
		d, ok := c.lookupDescriptor(peer, characteristic, descriptor)
		if !ok {
			c.dropped("descriptor value", logrus.Fields{"peer": string(peer), "descriptor": descriptor.UUID.String()})
			return
		}
		if err != nil {
			c.logger.WithFields(d.logFields()).WithField("error", err).Warn("Descriptor read failed")
			return
		}

		d.value.Store(&value)
		if dl := d.delegate.Load(); dl != nil && dl.OnRead != nil {
			dl.OnRead(d)
		}
	})
}

// DidWriteDescriptorValue implements PeerEventHandler.
func (c *Central) DidWriteDescriptorValue(peer PeerID, characteristic, descriptor Attribute, err error) {
	c.post("descriptor write", func() {
		d, ok := c.lookupDescriptor(peer, characteristic, descriptor)
		if !ok {
			c.dropped("descriptor write", logrus.Fields{"peer": string(peer), "descriptor": descriptor.UUID.String()})
			return
		}
		if err != nil {
			c.logger.WithFields(d.logFields()).WithField("error", err).Warn("Descriptor write failed")
		}
		if dl := d.delegate.Load(); dl != nil && dl.OnWrite != nil {
			dl.OnWrite(d, err == nil)
		}
	})
}

// DidReadRSSI implements PeerEventHandler.
func (c *Central) DidReadRSSI(peer PeerID, rssi int, err error) {
	c.post("rssi", func() {
		p, ok := c.graph.Peripheral(peer)
		if !ok {
			c.dropped("rssi", logrus.Fields{"peer": string(peer)})
			return
		}
		if err != nil {
			c.logger.WithFields(p.logFields()).WithField("error", err).Warn("RSSI read failed")
			return
		}

		p.rssi.Store(int64(rssi))
		if d := p.delegate.Load(); d != nil && d.OnReadRSSI != nil {
			d.OnReadRSSI(p, rssi)
		}
	})
}

func (c *Central) lookupCharacteristic(peer PeerID, attr Attribute) (*Characteristic, bool) {
	p, ok := c.graph.Peripheral(peer)
	if !ok {
		return nil, false
	}
	return p.characteristic(attr)
}

func (c *Central) lookupDescriptor(peer PeerID, characteristic, descriptor Attribute) (*Descriptor, bool) {
	ch, ok := c.lookupCharacteristic(peer, characteristic)
	if !ok {
		return nil, false
	}
	return ch.descriptor(descriptor)
}

// dropped logs a routing miss: the event refers to nothing in the graph.
func (c *Central) dropped(event string, fields logrus.Fields) {
	c.logger.WithFields(fields).Debugf("Dropped %s, no matching object", event)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
