package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/journal"
	"github.com/srg/blesession/pkg/gatt"
	"github.com/stretchr/testify/suite"
)

// CentralSessionSuite runs a gatt.Central over a FakeCentralTransport.
// Every test method and every suite.Run subtest gets a fresh, started session;
// the adapter starts in the unknown state until PowerOn is called.
//
// Basic usage:
//
//	type ScanSuite struct {
//	    testutils.CentralSessionSuite
//	}
//
//	func (s *ScanSuite) TestFind() {
//	    s.PowerOn()
//	    p := s.FindPeripheral("P", testutils.Svc(1, "180D"))
//	    s.Assert().Equal(1, s.Events.Count("found:P"), "MUST report the peripheral once")
//	}
//
// Sessions with non-default options are created with NewSession(opts...).
type CentralSessionSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Transport *FakeCentralTransport
	Central   *gatt.Central
	Journal   *journal.Journal
	// Events records every CentralDelegate callback as "kind:peer".
	Events *EventLog
}

func (s *CentralSessionSuite) SetupTest() {
	s.NewSession()
}

func (s *CentralSessionSuite) SetupSubTest() {
	s.NewSession()
}

func (s *CentralSessionSuite) TearDownSubTest() {
	s.closeSession()
}

func (s *CentralSessionSuite) TearDownTest() {
	s.closeSession()
}

// NewSession replaces the current session with a started one built from opts.
func (s *CentralSessionSuite) NewSession(opts ...gatt.CentralOption) *gatt.Central {
	s.closeSession()

	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Transport = NewFakeCentralTransport()
	s.Journal = journal.MustNew(128)
	s.Events = &EventLog{}

	base := []gatt.CentralOption{
		gatt.WithCentralLogger(s.Logger),
		gatt.WithCentralJournal(s.Journal),
		gatt.WithCentralDelegate(s.RecordingDelegate()),
	}
	s.Central = gatt.NewCentral(s.Transport, append(base, opts...)...)
	s.Require().NoError(s.Central.Start(context.Background()), "session MUST start")
	return s.Central
}

// RecordingDelegate returns a delegate that records into Events.
func (s *CentralSessionSuite) RecordingDelegate() *gatt.CentralDelegate {
	events := s.Events
	return &gatt.CentralDelegate{
		OnStateChange: func(_ *gatt.Central, state gatt.ManagerState) {
			events.Add("state:%s", state)
		},
		OnDiscover: func(_ *gatt.Central, peer gatt.PeerID, _ gatt.Advertisement, _ int) {
			events.Add("discover:%s", peer)
		},
		OnConnect: func(_ *gatt.Central, peer gatt.PeerID) {
			events.Add("connect:%s", peer)
		},
		OnConnectFailure: func(_ *gatt.Central, peer gatt.PeerID, _ error) {
			events.Add("connect-failed:%s", peer)
		},
		OnDisconnect: func(_ *gatt.Central, peer gatt.PeerID, _ error) {
			events.Add("disconnect:%s", peer)
		},
		OnFindPeripheral: func(_ *gatt.Central, p *gatt.Peripheral) {
			events.Add("found:%s", p.ID())
		},
	}
}

func (s *CentralSessionSuite) closeSession() {
	if s.Central != nil {
		s.Assert().NoError(s.Central.Close(), "session MUST close cleanly")
		s.Central = nil
	}
}

// Sync waits until every event queued so far was handled.
func (s *CentralSessionSuite) Sync() {
	s.Require().NoError(s.Central.Sync(), "session MUST be running")
}

func (s *CentralSessionSuite) SetState(state gatt.ManagerState) {
	s.Transport.Central().DidUpdateState(state)
	s.Sync()
}

func (s *CentralSessionSuite) PowerOn() {
	s.SetState(gatt.StatePoweredOn)
}

// Advertise reports a scan result for the advertisement's address.
func (s *CentralSessionSuite) Advertise(adv *AdvertisementBuilder) {
	s.Transport.Central().DidDiscoverPeer(adv.Peer(), adv.Build(), adv.RSSI())
	s.Sync()
}

// FindPeripheral completes a connection to peer and reports its services.
func (s *CentralSessionSuite) FindPeripheral(peer gatt.PeerID, services ...gatt.Service) *gatt.Peripheral {
	s.Transport.Central().DidConnectPeer(peer)
	s.Transport.Peers().DidDiscoverServices(peer, services, nil)
	s.Sync()

	p, ok := s.Central.Peripheral(peer)
	s.Require().True(ok, "peripheral %s MUST be in the graph", peer)
	return p
}

// DiscoverCharacteristics reports characteristics under svc and returns the live
// characteristics of the peer.
func (s *CentralSessionSuite) DiscoverCharacteristics(peer gatt.PeerID, svc gatt.Service, chars ...gatt.CharacteristicSnapshot) []*gatt.Characteristic {
	s.Transport.Peers().DidDiscoverCharacteristics(peer, svc.Attribute, chars, nil)
	s.Sync()

	p, ok := s.Central.Peripheral(peer)
	s.Require().True(ok, "peripheral %s MUST be in the graph", peer)
	return p.Characteristics()
}

// DiscoverDescriptors reports descriptors under the characteristic attribute.
func (s *CentralSessionSuite) DiscoverDescriptors(peer gatt.PeerID, char gatt.Attribute, descs ...gatt.DescriptorSnapshot) {
	s.Transport.Peers().DidDiscoverDescriptors(peer, char, descs, nil)
	s.Sync()
}

// ServerSessionSuite runs a gatt.Server over a FakePeripheralTransport.
// Like CentralSessionSuite, each test and subtest gets a fresh, started session
// serving DefaultServiceTree unless NewSession is called with another tree.
type ServerSessionSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Transport *FakePeripheralTransport
	Server    *gatt.Server
	Journal   *journal.Journal
	// Events records every ServerDelegate callback.
	Events *EventLog

	requests atomic.Int64
}

// DefaultServiceTree serves Heart Rate (180D) and Battery (180F).
func DefaultServiceTree() *ServiceTreeBuilder {
	return NewServiceTreeBuilder().FromJSON(`
	{
		"services": [
			{
				"uuid": "180D",
				"characteristics": [
					{ "uuid": "2A37", "properties": "read,notify", "value": [0, 72] },
					{ "uuid": "2A39", "properties": "write,write-without-response", "value": [0] }
				]
			},
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
				]
			}
		]
	}`)
}

func (s *ServerSessionSuite) SetupTest() {
	s.NewSession(DefaultServiceTree())
}

func (s *ServerSessionSuite) SetupSubTest() {
	s.NewSession(DefaultServiceTree())
}

func (s *ServerSessionSuite) TearDownSubTest() {
	s.closeSession()
}

func (s *ServerSessionSuite) TearDownTest() {
	s.closeSession()
}

// NewSession replaces the current server with a started one serving tree.
func (s *ServerSessionSuite) NewSession(tree *ServiceTreeBuilder, opts ...gatt.ServerOption) *gatt.Server {
	s.closeSession()

	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Transport = NewFakePeripheralTransport()
	s.requests.Store(0)
	s.Journal = journal.MustNew(128)
	s.Events = &EventLog{}

	base := []gatt.ServerOption{
		gatt.WithDeviceName("test-peripheral"),
		gatt.WithServerLogger(s.Logger),
		gatt.WithServerJournal(s.Journal),
		gatt.WithServerDelegate(s.RecordingDelegate()),
	}
	server, err := gatt.NewServer(s.Transport, tree.Build(), append(base, opts...)...)
	s.Require().NoError(err, "server MUST accept the tree")
	s.Server = server
	s.Require().NoError(s.Server.Start(context.Background()), "server MUST start")
	return s.Server
}

// RecordingDelegate returns a delegate that records into Events.
func (s *ServerSessionSuite) RecordingDelegate() *gatt.ServerDelegate {
	events := s.Events
	return &gatt.ServerDelegate{
		OnStateChange: func(_ *gatt.Server, state gatt.ManagerState) {
			events.Add("state:%s", state)
		},
		OnAdvertisingStarted: func(_ *gatt.Server, err error) {
			events.Add("advertising:%v", err)
		},
		OnRead: func(_ *gatt.Server, c *gatt.LocalCharacteristic, central gatt.CentralID) {
			events.Add("read:%s:%s", c.UUID(), central)
		},
		OnWrite: func(_ *gatt.Server, written []*gatt.LocalCharacteristic) {
			names := make([]string, len(written))
			for i, c := range written {
				names[i] = c.UUID().String()
			}
			events.Add("write:%s", strings.Join(names, ","))
		},
		OnSubscribe: func(_ *gatt.Server, c *gatt.LocalCharacteristic, central gatt.CentralID) {
			events.Add("subscribe:%s:%s", c.UUID(), central)
		},
		OnUnsubscribe: func(_ *gatt.Server, c *gatt.LocalCharacteristic, central gatt.CentralID) {
			events.Add("unsubscribe:%s:%s", c.UUID(), central)
		},
	}
}

func (s *ServerSessionSuite) closeSession() {
	if s.Server != nil {
		s.Assert().NoError(s.Server.Close(), "server MUST close cleanly")
		s.Server = nil
	}
}

// Sync waits until every event queued so far was handled. The fake transport
// completes publish and advertise requests from inside the loop, so a power-on
// settles after three rounds.
func (s *ServerSessionSuite) Sync() {
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.Server.Sync(), "server MUST be running")
	}
}

func (s *ServerSessionSuite) SetState(state gatt.ManagerState) {
	s.Transport.Handler().DidUpdateState(state)
	s.Sync()
}

func (s *ServerSessionSuite) PowerOn() {
	s.SetState(gatt.StatePoweredOn)
}

// NextRequestID returns a unique request identifier.
func (s *ServerSessionSuite) NextRequestID() gatt.RequestID {
	return gatt.RequestID(fmt.Sprintf("req-%d", s.requests.Add(1)))
}

// Read issues a remote read and returns the response the server sent for it.
func (s *ServerSessionSuite) Read(central gatt.CentralID, uuid string, offset int) Response {
	id := s.NextRequestID()
	s.Transport.Handler().DidReceiveRead(gatt.ReadRequest{
		ID:             id,
		Central:        central,
		Characteristic: ble.MustParse(uuid),
		Offset:         offset,
	})
	s.Sync()
	return s.responseFor(id)
}

// WriteBatch issues one batch of remote writes, uuid/value pairs in order, and
// returns every response the server sent while handling it.
func (s *ServerSessionSuite) WriteBatch(central gatt.CentralID, writes ...WriteOp) []Response {
	before := len(s.Transport.Responses())
	batch := make([]gatt.WriteRequest, len(writes))
	for i, w := range writes {
		batch[i] = gatt.WriteRequest{
			ID:             s.NextRequestID(),
			Central:        central,
			Characteristic: ble.MustParse(w.UUID),
			Value:          w.Value,
		}
	}
	s.Transport.Handler().DidReceiveWrite(batch)
	s.Sync()
	return s.Transport.Responses()[before:]
}

// WriteOp is one write of a WriteBatch.
type WriteOp struct {
	UUID  string
	Value []byte
}

func (s *ServerSessionSuite) Subscribe(central gatt.CentralID, uuid string) {
	s.Transport.Handler().DidSubscribe(central, ble.MustParse(uuid))
	s.Sync()
}

func (s *ServerSessionSuite) Unsubscribe(central gatt.CentralID, uuid string) {
	s.Transport.Handler().DidUnsubscribe(central, ble.MustParse(uuid))
	s.Sync()
}

func (s *ServerSessionSuite) responseFor(id gatt.RequestID) Response {
	for _, r := range s.Transport.Responses() {
		if r.ID == id {
			return r
		}
	}
	s.Require().Failf("missing response", "request %s MUST be answered", id)
	return Response{}
}
