package gatt

// Delegates are structs of optional callbacks. A nil delegate or a nil field is a
// silent no-op. Every callback runs on the owning session's executor.

// CentralDelegate receives session-wide client-role events.
type CentralDelegate struct {
	OnStateChange    func(c *Central, state ManagerState)
	OnDiscover       func(c *Central, peer PeerID, adv Advertisement, rssi int)
	OnConnect        func(c *Central, peer PeerID)
	OnConnectFailure func(c *Central, peer PeerID, err error)
	OnDisconnect     func(c *Central, peer PeerID, err error)
	// OnFindPeripheral fires once per Peripheral, after it was inserted into the graph.
	OnFindPeripheral func(c *Central, p *Peripheral)
}

// PeripheralDelegate receives events scoped to one Peripheral.
type PeripheralDelegate struct {
	OnFindCharacteristic func(p *Peripheral, c *Characteristic)
	OnReadRSSI           func(p *Peripheral, rssi int)
}

// CharacteristicDelegate receives events scoped to one Characteristic.
type CharacteristicDelegate struct {
	OnFindDescriptor func(c *Characteristic, d *Descriptor)
	// OnRead fires for read completions and for notification payloads.
	OnRead              func(c *Characteristic)
	OnWrite             func(c *Characteristic, ok bool)
	OnNotifyStateChange func(c *Characteristic, enabled bool)
}

// DescriptorDelegate receives events scoped to one Descriptor.
type DescriptorDelegate struct {
	OnRead  func(d *Descriptor)
	OnWrite func(d *Descriptor, ok bool)
}

// ServerDelegate receives server-role events.
type ServerDelegate struct {
	OnStateChange        func(s *Server, state ManagerState)
	OnAdvertisingStarted func(s *Server, err error)
	OnRead               func(s *Server, c *LocalCharacteristic, central CentralID)
	// OnWrite fires once per write batch with the distinct characteristics that changed.
	OnWrite       func(s *Server, written []*LocalCharacteristic)
	OnSubscribe   func(s *Server, c *LocalCharacteristic, central CentralID)
	OnUnsubscribe func(s *Server, c *LocalCharacteristic, central CentralID)
}
