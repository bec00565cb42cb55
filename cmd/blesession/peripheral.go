package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/pkg/config"
	"github.com/srg/blesession/pkg/gatt"
	"github.com/srg/blesession/pkg/transport/goble"
)

// newPeripheralTransport is swapped by tests.
var newPeripheralTransport = func(cfg *config.Config, logger *logrus.Logger) gatt.PeripheralTransport {
	return goble.NewPeripheral(cfg.PeripheralTransportOptions(logger)...)
}

type peripheralFlags struct {
	name     string
	duration time.Duration
	journal  string
}

func newPeripheralCmd() *cobra.Command {
	flags := &peripheralFlags{}
	cmd := &cobra.Command{
		Use:   "peripheral",
		Short: "Serve the configured GATT profile and advertise it",
		Long: `Run a GATT server: publish every service listed under peripheral.services in
the configuration file, advertise the device name with the published service
UUIDs and print reads, writes and subscriptions as centrals use the profile.

Runs until Ctrl+C unless --duration is given.`,
		Example: `  blesession peripheral --config heart_rate.yaml
  blesession peripheral -c heart_rate.yaml --name hrm-bench -d 1m --journal server.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPeripheral(cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.name, "name", "n", "", "Advertised device name; overrides peripheral.device_name")
	cmd.Flags().DurationVarP(&flags.duration, "duration", "d", 0, "Serve for this long (0 for indefinite)")
	cmd.Flags().StringVar(&flags.journal, "journal", "", "Write the session journal as JSON lines to this file ('-' for stdout)")
	return cmd
}

func runPeripheral(cmd *cobra.Command, flags *peripheralFlags) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if flags.name != "" {
		cfg.Peripheral.DeviceName = flags.name
	}

	services, err := cfg.ServerServices()
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return ErrNothingToServe
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	opts, err := cfg.ServerOptions(logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	events := newEventPrinter(out, true)
	opts = append(opts, gatt.WithServerDelegate(serverDelegate(events)))

	server, err := gatt.NewServer(newPeripheralTransport(cfg, logger), services, opts...)
	if err != nil {
		return err
	}

	sessionCtx, cancelSession := context.WithCancel(context.WithoutCancel(cmd.Context()))
	defer cancelSession()
	if err := server.Start(sessionCtx); err != nil {
		return err
	}

	waitForEnd(cmd.Context(), flags.duration)

	if err := server.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close server session")
	}
	return writeJournal(out, flags.journal, server.Journal())
}

func serverDelegate(events *eventPrinter) *gatt.ServerDelegate {
	return &gatt.ServerDelegate{
		OnStateChange: func(_ *gatt.Server, state gatt.ManagerState) {
			events.Printf(events.info, "adapter %s", state)
		},
		OnAdvertisingStarted: func(s *gatt.Server, err error) {
			if err != nil {
				events.Printf(events.failure, "advertising failed: %s", FormatUserError(err))
				return
			}
			events.Printf(events.found, "advertising as %q", s.Name())
		},
		OnRead: func(_ *gatt.Server, c *gatt.LocalCharacteristic, central gatt.CentralID) {
			events.Printf(events.value, "%s read %s = %x", central, c.UUID(), c.Value())
		},
		OnWrite: func(_ *gatt.Server, written []*gatt.LocalCharacteristic) {
			parts := make([]string, 0, len(written))
			for _, c := range written {
				parts = append(parts, fmt.Sprintf("%s = %x", c.UUID(), c.Value()))
			}
			events.Printf(events.value, "write %s", strings.Join(parts, ", "))
		},
		OnSubscribe: func(_ *gatt.Server, c *gatt.LocalCharacteristic, central gatt.CentralID) {
			events.Printf(events.info, "%s subscribed to %s", central, c.UUID())
		},
		OnUnsubscribe: func(_ *gatt.Server, c *gatt.LocalCharacteristic, central gatt.CentralID) {
			events.Printf(events.info, "%s unsubscribed from %s", central, c.UUID())
		},
	}
}
