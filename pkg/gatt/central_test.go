package gatt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/journal"
	"github.com/srg/blesession/internal/testutils"
	"github.com/srg/blesession/pkg/gatt"
	"github.com/stretchr/testify/suite"
)

type CentralTestSuite struct {
	testutils.CentralSessionSuite
}

func TestCentralTestSuite(t *testing.T) {
	suite.Run(t, new(CentralTestSuite))
}

func (suite *CentralTestSuite) heartRateAdvert(peer string) *testutils.AdvertisementBuilder {
	return testutils.NewAdvertisementBuilder().
		WithAddress(peer).
		WithName("HRM-" + peer).
		WithRSSI(-48).
		WithServices("180D")
}

func (suite *CentralTestSuite) TestScanConnectDiscover() {
	// GOAL: Verify the full client flow from power-on to a peripheral in the graph
	//
	// TEST SCENARIO: power on → scan for 180D → advertisement → connect → services discovered → peripheral found once

	suite.NewSession(gatt.WithTargets(ble.UUID16(0x180D)))
	suite.PowerOn()

	scans := suite.Transport.CallsOf(testutils.OpScan)
	suite.Require().Len(scans, 1, "MUST start scanning once powered on")
	suite.Assert().Equal("180d", scans[0].UUIDs[0].String(), "scan MUST be restricted to the target service")
	suite.Assert().True(suite.Central.IsScanning(), "session MUST report scanning")

	suite.Advertise(suite.heartRateAdvert("P"))
	connects := suite.Transport.CallsOf(testutils.OpConnect)
	suite.Require().Len(connects, 1, "MUST connect the discovered peer")
	suite.Assert().Equal(gatt.PeerID("P"), connects[0].Peer)

	p := suite.FindPeripheral("P", testutils.Svc(1, "180D"))

	discovers := suite.Transport.CallsOf(testutils.OpDiscoverServices)
	suite.Require().Len(discovers, 1, "MUST discover services after connecting")
	suite.Assert().Equal("180d", discovers[0].UUIDs[0].String(), "service discovery MUST use the targets")

	suite.Assert().Equal(1, suite.Events.Count("found:P"), "peripheral MUST be reported exactly once")
	suite.Assert().Equal(1, suite.Central.Graph().Len(), "graph MUST hold one peripheral")
	suite.Assert().Equal("HRM-P", p.Name(), "name MUST come from the advertisement")
	suite.Require().Len(p.Services(), 1)
	suite.Assert().Equal("180d", p.Services()[0].UUID.String(), "services MUST match the discovery result")
	suite.Assert().Equal([]string{"state:poweredOn", "discover:P", "connect:P", "found:P"}, suite.Events.Events(),
		"delegate callbacks MUST follow the connection lifecycle")
}

func (suite *CentralTestSuite) TestConnectOnDiscoverDisabled() {
	// GOAL: Verify discovered peers are only surfaced when auto-connect is off
	//
	// TEST SCENARIO: auto-connect off → advertisement → OnDiscover fires → no connect issued

	suite.NewSession(gatt.WithConnectOnDiscover(false))
	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))

	suite.Assert().Equal(1, suite.Events.Count("discover:P"), "MUST surface the advertisement")
	suite.Assert().Empty(suite.Transport.CallsOf(testutils.OpConnect), "MUST NOT connect automatically")

	suite.Central.Connect("P")
	suite.Sync()
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpConnect), 1, "explicit Connect MUST reach the transport")
}

func (suite *CentralTestSuite) TestDuplicateDiscoveryConnectsOnce() {
	// GOAL: Verify a peer with a pending or live link is not connected again
	//
	// TEST SCENARIO: same advertisement three times, before and after connecting → single connect request

	suite.PowerOn()
	adv := suite.heartRateAdvert("P")
	suite.Advertise(adv)
	suite.Advertise(adv)
	suite.FindPeripheral("P", testutils.Svc(1, "180D"))
	suite.Advertise(adv)

	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpConnect), 1, "MUST request one connection per link")
	suite.Assert().Equal(3, suite.Events.Count("discover:P"), "every advertisement MUST still be surfaced")
	suite.Assert().Equal(1, suite.Events.Count("found:P"), "peripheral MUST be reported once")

	skipped := 0
	for _, e := range suite.Journal.Drain() {
		if e.Event == journal.EventConnectSkipped {
			skipped++
		}
	}
	suite.Assert().Equal(2, skipped, "skipped connects MUST be journaled")
}

func (suite *CentralTestSuite) TestOperationsBeforePowerOn() {
	// GOAL: Verify scan and connect wait for the adapter to power on
	//
	// TEST SCENARIO: scan and connect while unknown → nothing reaches the transport → power on → one scan

	suite.NewSession(gatt.WithAutoScan(false))

	suite.Central.StartScan()
	suite.Central.Connect("P")
	suite.Advertise(suite.heartRateAdvert("P"))
	suite.Assert().Empty(suite.Transport.Calls(), "MUST NOT touch the transport before power on")

	suite.PowerOn()
	suite.Assert().Empty(suite.Transport.CallsOf(testutils.OpScan), "MUST NOT scan on power on when auto-scan is off")

	suite.Central.StartScan()
	suite.Central.StartScan()
	suite.Sync()
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpScan), 1, "repeated StartScan MUST scan once")

	suite.Central.StopScan()
	suite.Sync()
	suite.Assert().False(suite.Central.IsScanning(), "MUST stop scanning")
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpStopScan), 1)
}

func (suite *CentralTestSuite) TestPowerCycle() {
	// GOAL: Verify a power cycle resets scanning and pending links
	//
	// TEST SCENARIO: power on → advertisement (connect pending) → power off → power on → scan again → connect again

	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))

	suite.SetState(gatt.StatePoweredOff)
	suite.Assert().False(suite.Central.IsScanning(), "MUST NOT report scanning while powered off")
	suite.Assert().Equal(gatt.StatePoweredOff, suite.Central.State())

	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))

	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpScan), 2, "MUST rescan after power returns")
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpConnect), 2, "pending links MUST be forgotten on power loss")
	suite.Assert().Equal(1, suite.Events.Count("state:poweredOff"))
}

func (suite *CentralTestSuite) TestRepeatedStateIsIgnored() {
	// GOAL: Verify an unchanged state report has no effect
	//
	// TEST SCENARIO: poweredOn reported twice → one callback → one scan

	suite.PowerOn()
	suite.PowerOn()

	suite.Assert().Equal(1, suite.Events.Count("state:poweredOn"), "MUST report the state change once")
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpScan), 1, "MUST scan once")
}

func (suite *CentralTestSuite) TestPeripheralIsSingleInstance() {
	// GOAL: Verify rediscovering services merges into the existing peripheral
	//
	// TEST SCENARIO: services discovered twice → one wrapper → services merged → found reported once

	suite.PowerOn()
	p := suite.FindPeripheral("P", testutils.Svc(1, "180D"))

	suite.Transport.Peers().DidDiscoverServices("P", []gatt.Service{testutils.Svc(1, "180D"), testutils.Svc(2, "180F")}, nil)
	suite.Sync()

	again, ok := suite.Central.Peripheral("P")
	suite.Require().True(ok)
	suite.Assert().Same(p, again, "MUST keep a single wrapper per peer")
	suite.Assert().Equal(1, suite.Events.Count("found:P"), "MUST NOT report the peripheral twice")
	suite.Require().Len(p.Services(), 2, "new services MUST be merged")
	suite.Assert().Equal("180f", p.Services()[1].UUID.String())

	svc, ok := p.FindService(ble.MustParse("0000180f-0000-1000-8000-00805f9b34fb"))
	suite.Assert().True(ok, "128-bit form of a SIG UUID MUST match its 16-bit form")
	suite.Assert().Equal(uint64(2), svc.ID)
}

func (suite *CentralTestSuite) TestServiceDiscoveryFailure() {
	// GOAL: Verify a failed service discovery leaves the graph untouched
	//
	// TEST SCENARIO: connect → discovery error → no peripheral, no found callback

	suite.PowerOn()
	suite.Transport.Central().DidConnectPeer("P")
	suite.Transport.Peers().DidDiscoverServices("P", nil, errors.New("att timeout"))
	suite.Sync()

	_, ok := suite.Central.Peripheral("P")
	suite.Assert().False(ok, "MUST NOT create a peripheral on failure")
	suite.Assert().Zero(suite.Events.Count("found:P"))
}

func (suite *CentralTestSuite) TestCharacteristicDiscovery() {
	// GOAL: Verify characteristics are inserted before their discovery callbacks run
	//
	// TEST SCENARIO: discover two characteristics → callbacks in order → each sees both in the graph → rediscovery is silent

	suite.PowerOn()
	hr := testutils.Svc(1, "180D")
	p := suite.FindPeripheral("P", hr)

	p.DiscoverCharacteristics(hr)
	calls := suite.Transport.CallsOf(testutils.OpDiscoverCharacteristics)
	suite.Require().Len(calls, 1, "MUST ask the transport for characteristics")
	suite.Assert().Equal(uint64(1), calls[0].Attr.ID, "MUST address the service by attribute")

	var found []string
	var visible []int
	p.SetDelegate(&gatt.PeripheralDelegate{
		OnFindCharacteristic: func(p *gatt.Peripheral, c *gatt.Characteristic) {
			found = append(found, c.UUID().String())
			visible = append(visible, len(p.Characteristics()))
			owner, ok := c.Peripheral()
			suite.Assert().True(ok && owner == p, "owner MUST resolve inside the callback")
		},
	})

	chars := []gatt.CharacteristicSnapshot{
		testutils.Char(10, "2A37", "read,notify"),
		testutils.Char(11, "2A38", "read"),
	}
	suite.DiscoverCharacteristics("P", hr, chars...)

	suite.Assert().Equal([]string{"2a37", "2a38"}, found, "callbacks MUST follow discovery order")
	suite.Assert().Equal([]int{2, 2}, visible, "every new characteristic MUST be in the graph before callbacks run")

	all := suite.DiscoverCharacteristics("P", hr, chars...)
	suite.Assert().Len(all, 2, "rediscovery MUST NOT duplicate characteristics")
	suite.Assert().Len(found, 2, "rediscovery MUST NOT fire callbacks again")

	c, ok := p.Characteristic(ble.UUID16(0x2A37))
	suite.Require().True(ok)
	suite.Assert().True(c.Has(ble.CharRead|ble.CharNotify), "properties MUST be kept")
	suite.Assert().Equal("180d", c.Service().UUID.String())
}

func (suite *CentralTestSuite) TestCharacteristicDiscoveryRouting() {
	// GOAL: Verify discovery results for unknown services or peers are dropped
	//
	// TEST SCENARIO: characteristics for an unknown service, an unknown peer and a failed discovery → graph unchanged

	suite.PowerOn()
	suite.FindPeripheral("P", testutils.Svc(1, "180D"))

	suite.Transport.Peers().DidDiscoverCharacteristics("P", testutils.Svc(9, "180F").Attribute,
		[]gatt.CharacteristicSnapshot{testutils.Char(10, "2A19", "read")}, nil)
	suite.Transport.Peers().DidDiscoverCharacteristics("Q", testutils.Svc(1, "180D").Attribute,
		[]gatt.CharacteristicSnapshot{testutils.Char(10, "2A37", "read")}, nil)
	suite.Transport.Peers().DidDiscoverCharacteristics("P", testutils.Svc(1, "180D").Attribute,
		[]gatt.CharacteristicSnapshot{testutils.Char(10, "2A37", "read")}, errors.New("insufficient authentication"))
	suite.Sync()

	_, chars, _ := suite.Central.Graph().Counts()
	suite.Assert().Zero(chars, "MUST NOT insert characteristics from dropped events")

	// a 128-bit service UUID without an attribute ID still routes to the 16-bit service
	long := gatt.Attribute{UUID: ble.MustParse("0000180d-0000-1000-8000-00805f9b34fb")}
	suite.Transport.Peers().DidDiscoverCharacteristics("P", long,
		[]gatt.CharacteristicSnapshot{testutils.Char(10, "2A37", "read")}, nil)
	suite.Sync()

	_, chars, _ = suite.Central.Graph().Counts()
	suite.Assert().Equal(1, chars, "MUST route by UUID when no attribute ID matches")
}

func (suite *CentralTestSuite) TestRoutingPrefersAttributeID() {
	// GOAL: Verify events pick the exact attribute before falling back to the first UUID match
	//
	// TEST SCENARIO: same characteristic UUID in two services → value by ID → second updated; value by UUID only → first updated

	suite.PowerOn()
	a, b := testutils.Svc(1, "180D"), testutils.Svc(2, "FFF0")
	p := suite.FindPeripheral("P", a, b)
	suite.DiscoverCharacteristics("P", a, testutils.Char(10, "2A37", "read"))
	suite.DiscoverCharacteristics("P", b, testutils.Char(20, "2A37", "read"))

	chars := p.Characteristics()
	suite.Require().Len(chars, 2)

	suite.Transport.Peers().DidUpdateCharacteristicValue("P", gatt.Attribute{ID: 20, UUID: ble.UUID16(0x2A37)}, []byte{2}, nil)
	suite.Transport.Peers().DidUpdateCharacteristicValue("P", gatt.Attribute{UUID: ble.UUID16(0x2A37)}, []byte{1}, nil)
	suite.Sync()

	suite.Assert().Equal([]byte{1}, chars[0].Value(), "UUID-only event MUST reach the first match")
	suite.Assert().Equal([]byte{2}, chars[1].Value(), "event with an attribute ID MUST reach the exact characteristic")
}

func (suite *CentralTestSuite) TestReadAndNotify() {
	// GOAL: Verify read completions and notifications update the value and call OnRead
	//
	// TEST SCENARIO: read → value event → OnRead; failed read → no callback; enable notify → notification → OnRead

	suite.PowerOn()
	hr := testutils.Svc(1, "180D")
	p := suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "read,notify"))
	c, ok := p.Characteristic(ble.UUID16(0x2A37))
	suite.Require().True(ok)

	events := &testutils.EventLog{}
	c.SetDelegate(&gatt.CharacteristicDelegate{
		OnRead: func(c *gatt.Characteristic) {
			events.Add("read:%x", c.Value())
		},
		OnNotifyStateChange: func(_ *gatt.Characteristic, enabled bool) {
			events.Add("notify:%t", enabled)
		},
	})

	c.Read()
	reads := suite.Transport.CallsOf(testutils.OpReadCharacteristic)
	suite.Require().Len(reads, 1, "Read MUST reach the transport")
	suite.Assert().Equal(uint64(10), reads[0].Attr.ID)

	suite.Transport.Peers().DidUpdateCharacteristicValue("P", reads[0].Attr, []byte{0x00, 0x48}, nil)
	suite.Transport.Peers().DidUpdateCharacteristicValue("P", reads[0].Attr, nil, errors.New("read not permitted"))
	suite.Sync()
	suite.Assert().Equal([]byte{0x00, 0x48}, c.Value(), "failed read MUST NOT overwrite the value")

	c.SetNotify(true)
	notify := suite.Transport.CallsOf(testutils.OpSetNotify)
	suite.Require().Len(notify, 1)
	suite.Assert().True(notify[0].Flag, "MUST request notifications")
	suite.Assert().False(c.IsNotifying(), "MUST NOT report notifying before confirmation")

	suite.Transport.Peers().DidUpdateNotificationState("P", reads[0].Attr, true, nil)
	suite.Transport.Peers().DidUpdateCharacteristicValue("P", reads[0].Attr, []byte{0x00, 0x50}, nil)
	suite.Sync()

	suite.Assert().True(c.IsNotifying(), "MUST report notifying once confirmed")
	suite.Assert().Equal([]string{"read:0048", "notify:true", "read:0050"}, events.Events(),
		"reads and notifications MUST both arrive through OnRead")
}

func (suite *CentralTestSuite) TestNotifyFailureKeepsState() {
	// GOAL: Verify a failed notification change is not reported as a state change
	//
	// TEST SCENARIO: enable notify → error → not notifying, no callback

	suite.PowerOn()
	hr := testutils.Svc(1, "180D")
	p := suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "notify"))
	c, _ := p.Characteristic(ble.UUID16(0x2A37))

	called := false
	c.SetDelegate(&gatt.CharacteristicDelegate{
		OnNotifyStateChange: func(*gatt.Characteristic, bool) { called = true },
	})
	suite.Transport.Peers().DidUpdateNotificationState("P", gatt.Attribute{ID: 10, UUID: ble.UUID16(0x2A37)}, true, errors.New("cccd write failed"))
	suite.Sync()

	suite.Assert().False(c.IsNotifying())
	suite.Assert().False(called, "MUST NOT call OnNotifyStateChange on failure")
}

func (suite *CentralTestSuite) TestWrite() {
	// GOAL: Verify acknowledged writes complete through OnWrite and unacknowledged ones do not
	//
	// TEST SCENARIO: write with response → ok; failing write → not ok; write without response → recorded only

	suite.PowerOn()
	hr := testutils.Svc(1, "180D")
	p := suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(12, "2A39", "write,write-without-response"))
	c, _ := p.Characteristic(ble.UUID16(0x2A39))

	var results []bool
	c.SetDelegate(&gatt.CharacteristicDelegate{
		OnWrite: func(_ *gatt.Characteristic, ok bool) { results = append(results, ok) },
	})

	data := []byte{0x01}
	c.Write(data, gatt.WriteWithResponse)
	data[0] = 0xFF
	c.Write([]byte{0x02}, gatt.WriteWithoutResponse)

	writes := suite.Transport.CallsOf(testutils.OpWriteCharacteristic)
	suite.Require().Len(writes, 2)
	suite.Assert().Equal([]byte{0x01}, writes[0].Data, "MUST send a copy of the caller's data")
	suite.Assert().Equal(gatt.WriteWithResponse, writes[0].WriteType)
	suite.Assert().Equal(gatt.WriteWithoutResponse, writes[1].WriteType)

	suite.Transport.Peers().DidWriteCharacteristicValue("P", writes[0].Attr, nil)
	suite.Transport.Peers().DidWriteCharacteristicValue("P", writes[0].Attr, errors.New("write not permitted"))
	suite.Sync()

	suite.Assert().Equal([]bool{true, false}, results, "OnWrite MUST report success and failure")
}

func (suite *CentralTestSuite) TestDescriptors() {
	// GOAL: Verify descriptor discovery, read and write round trips
	//
	// TEST SCENARIO: discover 2902 → OnFindDescriptor → read → value → write → OnWrite

	suite.PowerOn()
	hr := testutils.Svc(1, "180D")
	p := suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "notify"))
	c, _ := p.Characteristic(ble.UUID16(0x2A37))

	var found []*gatt.Descriptor
	c.SetDelegate(&gatt.CharacteristicDelegate{
		OnFindDescriptor: func(_ *gatt.Characteristic, d *gatt.Descriptor) { found = append(found, d) },
	})

	c.DiscoverDescriptors()
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpDiscoverDescriptors), 1)

	charAttr := gatt.Attribute{ID: 10, UUID: ble.UUID16(0x2A37)}
	suite.DiscoverDescriptors("P", charAttr, testutils.Desc(100, "2902"))
	suite.DiscoverDescriptors("P", charAttr, testutils.Desc(100, "2902"))
	suite.Require().Len(found, 1, "descriptor MUST be reported once")
	suite.Require().Len(c.Descriptors(), 1)

	d := found[0]
	owner, ok := d.Characteristic()
	suite.Assert().True(ok && owner == c, "descriptor MUST resolve its characteristic")

	events := &testutils.EventLog{}
	d.SetDelegate(&gatt.DescriptorDelegate{
		OnRead:  func(d *gatt.Descriptor) { events.Add("read:%x", d.Value()) },
		OnWrite: func(_ *gatt.Descriptor, ok bool) { events.Add("write:%t", ok) },
	})

	d.Read()
	reads := suite.Transport.CallsOf(testutils.OpReadDescriptor)
	suite.Require().Len(reads, 1)
	suite.Assert().Equal(uint64(10), reads[0].Attr.ID, "MUST address the owning characteristic")
	suite.Assert().Equal(uint64(100), reads[0].Descriptor.ID, "MUST address the descriptor")

	d.Write([]byte{0x01, 0x00})
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpWriteDescriptor), 1)

	suite.Transport.Peers().DidUpdateDescriptorValue("P", charAttr, reads[0].Descriptor, []byte{0x01, 0x00}, nil)
	suite.Transport.Peers().DidWriteDescriptorValue("P", charAttr, reads[0].Descriptor, nil)
	suite.Sync()

	suite.Assert().Equal([]string{"read:0100", "write:true"}, events.Events())
}

func (suite *CentralTestSuite) TestReadRSSI() {
	// GOAL: Verify RSSI reads reach the peripheral delegate
	//
	// TEST SCENARIO: ReadRSSI → transport call → rssi event → OnReadRSSI and cached value

	suite.PowerOn()
	p := suite.FindPeripheral("P", testutils.Svc(1, "180D"))

	var got []int
	p.SetDelegate(&gatt.PeripheralDelegate{
		OnReadRSSI: func(_ *gatt.Peripheral, rssi int) { got = append(got, rssi) },
	})

	p.ReadRSSI()
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpReadRSSI), 1)

	suite.Transport.Peers().DidReadRSSI("P", -42, nil)
	suite.Transport.Peers().DidReadRSSI("P", 0, errors.New("not connected"))
	suite.Sync()

	suite.Assert().Equal([]int{-42}, got, "only successful reads MUST be reported")
	suite.Assert().Equal(-42, p.RSSI())
}

func (suite *CentralTestSuite) TestReleasePeripheral() {
	// GOAL: Verify releasing a peripheral evicts its subtree and drops late events
	//
	// TEST SCENARIO: peripheral with characteristic and descriptor → release → lookups miss → late value dropped → rediscovery creates a new wrapper

	suite.PowerOn()
	hr := testutils.Svc(1, "180D")
	p := suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "read,notify"))
	c, _ := p.Characteristic(ble.UUID16(0x2A37))
	suite.DiscoverDescriptors("P", gatt.Attribute{ID: 10, UUID: ble.UUID16(0x2A37)}, testutils.Desc(100, "2902"))
	d := c.Descriptors()[0]

	reads := 0
	c.SetDelegate(&gatt.CharacteristicDelegate{OnRead: func(*gatt.Characteristic) { reads++ }})

	p.Release()
	suite.Assert().True(p.Released(), "MUST be released immediately")
	_, ok := suite.Central.Peripheral("P")
	suite.Assert().False(ok, "lookups MUST miss right after Release")
	_, ok = c.Peripheral()
	suite.Assert().False(ok, "children MUST NOT resolve a released owner")

	suite.Transport.Peers().DidUpdateCharacteristicValue("P", gatt.Attribute{ID: 10, UUID: ble.UUID16(0x2A37)}, []byte{1}, nil)
	suite.Sync()

	suite.Assert().Zero(reads, "late events MUST be dropped")
	suite.Assert().True(c.Released(), "characteristic MUST be evicted with its peripheral")
	suite.Assert().True(d.Released(), "descriptor MUST be evicted with its peripheral")
	np, nc, nd := suite.Central.Graph().Counts()
	suite.Assert().Equal([3]int{0, 0, 0}, [3]int{np, nc, nd}, "graph MUST be empty")

	c.Read()
	suite.Assert().Empty(suite.Transport.CallsOf(testutils.OpReadCharacteristic), "operations on released objects MUST be dropped")

	again := suite.FindPeripheral("P", hr)
	suite.Assert().NotSame(p, again, "rediscovery MUST create a fresh wrapper")
	suite.Assert().Equal(2, suite.Events.Count("found:P"))
	p.Release()
	suite.Sync()
	_, ok = suite.Central.Peripheral("P")
	suite.Assert().True(ok, "releasing a stale wrapper twice MUST NOT affect the new one")
}

func (suite *CentralTestSuite) TestReleaseCharacteristic() {
	// GOAL: Verify releasing a characteristic leaves its siblings in place
	//
	// TEST SCENARIO: two characteristics → release one → parent lists only the other → rediscovery restores it

	suite.PowerOn()
	hr := testutils.Svc(1, "180D")
	p := suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "notify"), testutils.Char(11, "2A38", "read"))
	c, _ := p.Characteristic(ble.UUID16(0x2A37))

	c.Release()
	suite.Sync()

	chars := p.Characteristics()
	suite.Require().Len(chars, 1)
	suite.Assert().Equal("2a38", chars[0].UUID().String())
	_, ok := p.Characteristic(ble.UUID16(0x2A37))
	suite.Assert().False(ok)

	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "notify"), testutils.Char(11, "2A38", "read"))
	suite.Assert().Len(p.Characteristics(), 2, "released characteristic MUST be rediscoverable")
}

func (suite *CentralTestSuite) TestDisconnectAndReconnect() {
	// GOAL: Verify a disconnect keeps the peripheral and clears notification state
	//
	// TEST SCENARIO: notifying characteristic → disconnect → OnDisconnect, not notifying → reconnect issues a connect

	suite.PowerOn()
	hr := testutils.Svc(1, "180D")
	p := suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "notify"))
	c, _ := p.Characteristic(ble.UUID16(0x2A37))
	suite.Transport.Peers().DidUpdateNotificationState("P", gatt.Attribute{ID: 10, UUID: ble.UUID16(0x2A37)}, true, nil)
	suite.Sync()
	suite.Require().True(c.IsNotifying())

	suite.Transport.Central().DidDisconnectPeer("P", errors.New("link lost"))
	suite.Sync()

	suite.Assert().Equal(1, suite.Events.Count("disconnect:P"))
	suite.Assert().False(c.IsNotifying(), "notification state MUST be cleared on disconnect")
	_, ok := suite.Central.Peripheral("P")
	suite.Assert().True(ok, "peripheral MUST stay in the graph")

	suite.Central.ConnectPeripheral(p)
	suite.Sync()
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpConnect), 1, "reconnect MUST reach the transport")

	suite.Central.CancelConnection(p)
	suite.Sync()
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpCancelConnection), 1)
}

func (suite *CentralTestSuite) TestPowerCycleAdoptsTransportLink() {
	// GOAL: Verify a link the transport kept across a power cycle is adopted, not reported as a failure
	//
	// TEST SCENARIO: connected → power off → power on → advertisement → ErrAlreadyConnected → OnConnect and rediscovery → no further connects

	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))
	suite.FindPeripheral("P", testutils.Svc(1, "180D"))

	suite.SetState(gatt.StatePoweredOff)
	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))
	suite.Require().Len(suite.Transport.CallsOf(testutils.OpConnect), 2, "MUST connect again once the link is forgotten")

	suite.Transport.Central().DidFailToConnectPeer("P", gatt.ErrAlreadyConnected)
	suite.Sync()

	suite.Assert().Zero(suite.Events.Count("connect-failed:P"), "a link still held by the transport MUST NOT be a failure")
	suite.Assert().Equal(2, suite.Events.Count("connect:P"), "the adopted link MUST be reported as connected")
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpDiscoverServices), 2, "the adopted link MUST be rediscovered")

	suite.Advertise(suite.heartRateAdvert("P"))
	suite.Transport.Central().DidFailToConnectPeer("P", gatt.ErrAlreadyConnected)
	suite.Sync()
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpConnect), 2, "MUST NOT connect a link that is up")
	suite.Assert().Equal(2, suite.Events.Count("connect:P"), "duplicates MUST be ignored once the link is up")
}

func (suite *CentralTestSuite) TestConnectFailure() {
	// GOAL: Verify a failed connection is reported and can be retried
	//
	// TEST SCENARIO: advertisement → connect → failure → OnConnectFailure → next advertisement connects again

	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))
	suite.Transport.Central().DidFailToConnectPeer("P", errors.New("timeout"))
	suite.Sync()
	suite.Advertise(suite.heartRateAdvert("P"))

	suite.Assert().Equal(1, suite.Events.Count("connect-failed:P"))
	suite.Assert().Len(suite.Transport.CallsOf(testutils.OpConnect), 2, "MUST retry after a failure")
	_, ok := suite.Central.Peripheral("P")
	suite.Assert().False(ok)
}

func (suite *CentralTestSuite) TestScanFilter() {
	// GOAL: Verify filtered advertisements are neither surfaced nor connected
	//
	// TEST SCENARIO: name prefix + block list → only matching peers reach the delegate

	suite.NewSession(gatt.WithScanFilter(gatt.ScanFilter{
		NamePrefix: "HRM",
		BlockList:  []gatt.PeerID{"B"},
		MinRSSI:    -80,
	}))
	suite.PowerOn()

	suite.Advertise(suite.heartRateAdvert("A"))
	suite.Advertise(suite.heartRateAdvert("B"))
	suite.Advertise(testutils.NewAdvertisementBuilder().WithAddress("C").WithName("Thermo").WithRSSI(-40))
	suite.Advertise(suite.heartRateAdvert("D").WithRSSI(-90))

	suite.Assert().Equal([]string{"state:poweredOn", "discover:A"}, suite.Events.Events(),
		"only peer A MUST pass the filter")
	connects := suite.Transport.CallsOf(testutils.OpConnect)
	suite.Require().Len(connects, 1)
	suite.Assert().Equal(gatt.PeerID("A"), connects[0].Peer)
}

func (suite *CentralTestSuite) TestInlineExecutor() {
	// GOAL: Verify an application executor replaces the private event loop
	//
	// TEST SCENARIO: executor running closures inline → events handled before the transport call returns

	posted := 0
	inline := gatt.ExecutorFunc(func(fn func()) bool {
		posted++
		fn()
		return true
	})
	suite.NewSession(gatt.WithCentralExecutor(inline))

	suite.Transport.Central().DidUpdateState(gatt.StatePoweredOn)
	suite.Assert().True(suite.Central.IsScanning(), "event MUST run synchronously")

	suite.Transport.Central().DidDiscoverPeer("P", gatt.Advertisement{LocalName: "HRM"}, -50)
	suite.Transport.Central().DidConnectPeer("P")
	suite.Transport.Peers().DidDiscoverServices("P", []gatt.Service{testutils.Svc(1, "180D")}, nil)

	_, ok := suite.Central.Peripheral("P")
	suite.Assert().True(ok, "peripheral MUST be visible without waiting")
	suite.Assert().Equal(4, posted, "every event MUST go through the executor")
}

func (suite *CentralTestSuite) TestJournal() {
	// GOAL: Verify lifecycle events are journaled in order
	//
	// TEST SCENARIO: full connect flow → journal holds state, scan, discovery, connect, services entries

	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))
	p := suite.FindPeripheral("P", testutils.Svc(1, "180D"))
	p.Release()
	suite.Sync()

	var events []string
	for _, e := range suite.Journal.Drain() {
		events = append(events, e.Event)
	}
	suite.Assert().Equal([]string{
		journal.EventStateChanged,
		journal.EventScanStarted,
		journal.EventPeerDiscovered,
		journal.EventConnectRequested,
		journal.EventConnected,
		journal.EventServicesDiscovered,
		journal.EventReleased,
	}, events)
}

func (suite *CentralTestSuite) TestSnapshot() {
	// GOAL: Verify the graph snapshot reflects discovered objects with known names
	//
	// TEST SCENARIO: peripheral with value and descriptor → snapshot JSON matches

	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))
	hr := testutils.Svc(1, "180D")
	suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "read,notify"))
	attr := gatt.Attribute{ID: 10, UUID: ble.UUID16(0x2A37)}
	suite.DiscoverDescriptors("P", attr, testutils.Desc(100, "2902"))
	suite.Transport.Peers().DidUpdateCharacteristicValue("P", attr, []byte{0x00, 0x48}, nil)
	suite.Sync()

	testutils.NewJSONAsserter(suite.T()).AssertGraph(suite.Central.Graph(), `[
		{
			"id": "P",
			"name": "HRM-P",
			"services": [{"uuid": "180d", "name": "Heart Rate", "primary": true}],
			"characteristics": [
				{
					"uuid": "2a37",
					"name": "Heart Rate Measurement",
					"service": "180d",
					"properties": ["read", "notify"],
					"value": "0048",
					"descriptors": [{"uuid": "2902", "name": "Client Characteristic Configuration"}]
				}
			]
		}
	]`)
}

func (suite *CentralTestSuite) TestNilDelegates() {
	// GOAL: Verify events are handled when no delegate is installed
	//
	// TEST SCENARIO: delegate removed → full flow → graph populated without callbacks

	suite.Central.SetDelegate(nil)
	suite.PowerOn()
	suite.Advertise(suite.heartRateAdvert("P"))
	hr := testutils.Svc(1, "180D")
	suite.FindPeripheral("P", hr)
	suite.DiscoverCharacteristics("P", hr, testutils.Char(10, "2A37", "read"))
	suite.Transport.Peers().DidUpdateCharacteristicValue("P", gatt.Attribute{ID: 10, UUID: ble.UUID16(0x2A37)}, []byte{1}, nil)
	suite.Sync()

	suite.Assert().Empty(suite.Events.Events(), "MUST NOT call a removed delegate")
	_, nc, _ := suite.Central.Graph().Counts()
	suite.Assert().Equal(1, nc)
}

func (suite *CentralTestSuite) TestLifecycle() {
	// GOAL: Verify Start and Close guard their preconditions
	//
	// TEST SCENARIO: second Start fails → Close stops the scan and the transport → Start after Close fails → Sync after Close fails

	suite.PowerOn()
	suite.Assert().ErrorIs(suite.Central.Start(context.Background()), gatt.ErrAlreadyStarted)

	central, transport := suite.Central, suite.Transport
	suite.Require().NoError(central.Close())
	suite.Central = nil

	suite.Assert().True(transport.Closed(), "Close MUST close the transport")
	suite.Assert().Len(transport.CallsOf(testutils.OpStopScan), 1, "Close MUST stop an active scan")
	suite.Assert().NoError(central.Close(), "second Close MUST be a no-op")
	suite.Assert().ErrorIs(central.Start(context.Background()), gatt.ErrClosed)
	suite.Assert().ErrorIs(central.Sync(), gatt.ErrNotStarted)

	failing := testutils.NewFakeCentralTransport()
	failing.StartErr = errors.New("bluetooth is turned off")
	c := gatt.NewCentral(failing, gatt.WithCentralLogger(suite.Logger))
	err := c.Start(context.Background())
	suite.Require().Error(err)
	suite.Assert().ErrorIs(err, gatt.ErrBluetoothOff, "transport errors MUST be normalized")
	suite.Assert().NoError(c.Close())
}
