package main

import (
	"bytes"
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/testutils"
	"github.com/srg/blesession/pkg/config"
	"github.com/srg/blesession/pkg/gatt"
	"github.com/stretchr/testify/suite"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond

	heartRateConfig = "../../pkg/config/testdata/heart_rate.yaml"
)

// CommandTestSuite runs blesession commands over fake transports. A command runs
// in the background via Start until the test calls Finish, which cancels the
// command context the way Ctrl+C would.
type CommandTestSuite struct {
	suite.Suite

	Central    *testutils.FakeCentralTransport
	Peripheral *testutils.FakePeripheralTransport

	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	cancel  context.CancelFunc
	done    chan error
	noColor bool

	restoreCentral    func(*config.Config, *logrus.Logger) gatt.CentralTransport
	restorePeripheral func(*config.Config, *logrus.Logger) gatt.PeripheralTransport
}

func (s *CommandTestSuite) SetupTest() {
	s.Central = testutils.NewFakeCentralTransport()
	s.Central.InitialState = gatt.StatePoweredOn
	s.Peripheral = testutils.NewFakePeripheralTransport()
	s.Peripheral.InitialState = gatt.StatePoweredOn

	s.restoreCentral = newCentralTransport
	s.restorePeripheral = newPeripheralTransport
	newCentralTransport = func(*config.Config, *logrus.Logger) gatt.CentralTransport { return s.Central }
	newPeripheralTransport = func(*config.Config, *logrus.Logger) gatt.PeripheralTransport { return s.Peripheral }
	s.noColor = color.NoColor
}

func (s *CommandTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	newCentralTransport = s.restoreCentral
	newPeripheralTransport = s.restorePeripheral
	color.NoColor = s.noColor
}

// ExecuteCommand runs a command to completion and returns its stdout.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	cmd := newRootCmd()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append(args, "--no-color"))
	err := cmd.Execute()
	return stdout.String(), err
}

// Start runs a command in the background until Finish.
func (s *CommandTestSuite) Start(args ...string) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := newRootCmd()
	s.stdout, s.stderr = new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(s.stdout)
	cmd.SetErr(s.stderr)
	cmd.SetArgs(append(args, "--no-color"))

	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- cmd.ExecuteContext(ctx) }()
}

// Finish ends the running command and returns its stdout.
func (s *CommandTestSuite) Finish() (string, error) {
	s.Require().NotNil(s.cancel, "a command MUST be running")
	s.cancel()
	s.cancel = nil

	select {
	case err := <-s.done:
		return s.stdout.String(), err
	case <-time.After(waitTimeout):
		s.FailNow("command MUST exit once cancelled")
		return "", nil
	}
}

// AwaitCall waits until the fake central recorded op and returns the last such call.
func (s *CommandTestSuite) AwaitCall(op string) testutils.Call {
	s.Require().Eventually(func() bool { return len(s.Central.CallsOf(op)) > 0 }, waitTimeout, waitTick,
		"transport MUST receive %s", op)
	calls := s.Central.CallsOf(op)
	return calls[len(calls)-1]
}

// ConnectPeer walks the fake central through discovery, connection and service
// discovery for adv.
func (s *CommandTestSuite) ConnectPeer(adv *testutils.AdvertisementBuilder, services ...gatt.Service) {
	s.AwaitCall(testutils.OpScan)
	s.Central.Central().DidDiscoverPeer(adv.Peer(), adv.Build(), adv.RSSI())

	s.AwaitCall(testutils.OpConnect)
	s.Central.Central().DidConnectPeer(adv.Peer())

	s.AwaitCall(testutils.OpDiscoverServices)
	s.Central.Peers().DidDiscoverServices(adv.Peer(), services, nil)
}
