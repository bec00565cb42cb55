package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/journal"
	"github.com/srg/blesession/pkg/config"
	"github.com/srg/blesession/pkg/gatt"
	"github.com/srg/blesession/pkg/transport/goble"
)

// newCentralTransport is swapped by tests.
var newCentralTransport = func(cfg *config.Config, logger *logrus.Logger) gatt.CentralTransport {
	return goble.NewCentral(cfg.CentralTransportOptions(logger)...)
}

type centralFlags struct {
	services  []string
	duration  time.Duration
	format    string
	noConnect bool
	explore   bool
	journal   string
}

func newCentralCmd() *cobra.Command {
	flags := &centralFlags{}
	cmd := &cobra.Command{
		Use:   "central",
		Short: "Scan, connect and print the discovered GATT graph",
		Long: `Run a central session: scan for peripherals advertising the target services,
connect to them, discover their GATT tree and print the cached graph when the
session ends.

The session ends after --duration or on Ctrl+C, whichever comes first.`,
		Example: `  blesession central -s 180D -d 15s
  blesession central --config hrm.yaml --explore -f json
  blesession central --no-connect --journal session.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCentral(cmd, flags)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.services, "services", "s", nil, "Target service UUIDs; overrides central.targets")
	cmd.Flags().DurationVarP(&flags.duration, "duration", "d", 0, "Session duration (default central.scan_timeout, 0 in the file means until Ctrl+C)")
	cmd.Flags().StringVarP(&flags.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&flags.noConnect, "no-connect", false, "Only scan; do not connect to discovered peripherals")
	cmd.Flags().BoolVar(&flags.explore, "explore", false, "Discover characteristics and descriptors and read readable values")
	cmd.Flags().StringVar(&flags.journal, "journal", "", "Write the session journal as JSON lines to this file ('-' for stdout)")
	return cmd
}

func runCentral(cmd *cobra.Command, flags *centralFlags) error {
	if flags.format != "table" && flags.format != "json" {
		return fmt.Errorf("invalid format: %s (must be table or json)", flags.format)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(flags.services) > 0 {
		cfg.Central.Targets = flags.services
	}
	if flags.noConnect {
		cfg.Central.ConnectOnDiscover = false
	}
	duration := cfg.Central.ScanTimeout
	if cmd.Flags().Changed("duration") {
		duration = flags.duration
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	opts, err := cfg.CentralOptions(logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	events := newEventPrinter(out, flags.format == "table")
	opts = append(opts, gatt.WithCentralDelegate(centralDelegate(events, flags.explore)))

	sessionCtx, cancelSession := context.WithCancel(context.WithoutCancel(cmd.Context()))
	defer cancelSession()

	central := gatt.NewCentral(newCentralTransport(cfg, logger), opts...)
	if err := central.Start(sessionCtx); err != nil {
		return err
	}

	waitForEnd(cmd.Context(), duration)

	if err := central.Sync(); err != nil && !errors.Is(err, gatt.ErrNotStarted) {
		logger.WithError(err).Warn("Failed to flush pending events")
	}
	snapshot := central.Graph().Snapshot()
	if err := central.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close central session")
	}

	if err := writeJournal(out, flags.journal, central.Journal()); err != nil {
		return err
	}
	if flags.format == "json" {
		return displayGraphJSON(out, snapshot)
	}
	return displayGraphTable(out, snapshot)
}

// centralDelegate prints session progress and, when explore is set, walks every
// found peripheral down to its descriptors.
func centralDelegate(events *eventPrinter, explore bool) *gatt.CentralDelegate {
	charDelegate := &gatt.CharacteristicDelegate{
		OnFindDescriptor: func(c *gatt.Characteristic, d *gatt.Descriptor) {
			d.Read()
		},
		OnRead: func(c *gatt.Characteristic) {
			events.Printf(events.value, "  = %s %x", c.UUID(), c.Value())
		},
	}
	peripheralDelegate := &gatt.PeripheralDelegate{
		OnFindCharacteristic: func(p *gatt.Peripheral, c *gatt.Characteristic) {
			c.SetDelegate(charDelegate)
			c.DiscoverDescriptors()
			if c.Has(ble.CharRead) {
				c.Read()
			}
		},
	}

	return &gatt.CentralDelegate{
		OnStateChange: func(_ *gatt.Central, state gatt.ManagerState) {
			events.Printf(events.info, "adapter %s", state)
		},
		OnDiscover: func(_ *gatt.Central, peer gatt.PeerID, adv gatt.Advertisement, rssi int) {
			events.Printf(events.found, "+ %s %q %d dBm", peer, adv.LocalName, rssi)
		},
		OnConnect: func(_ *gatt.Central, peer gatt.PeerID) {
			events.Printf(events.info, "connected %s", peer)
		},
		OnConnectFailure: func(_ *gatt.Central, peer gatt.PeerID, err error) {
			events.Printf(events.failure, "connect %s failed: %s", peer, FormatUserError(err))
		},
		OnDisconnect: func(_ *gatt.Central, peer gatt.PeerID, err error) {
			if err != nil {
				events.Printf(events.failure, "disconnected %s: %s", peer, FormatUserError(err))
				return
			}
			events.Printf(events.info, "disconnected %s", peer)
		},
		OnFindPeripheral: func(_ *gatt.Central, p *gatt.Peripheral) {
			events.Printf(events.found, "found %s with %d services", p.ID(), len(p.Services()))
			if !explore {
				return
			}
			p.SetDelegate(peripheralDelegate)
			for _, svc := range p.Services() {
				p.DiscoverCharacteristics(svc)
			}
		},
	}
}

// waitForEnd blocks until the duration elapses, ctx is done or the user
// interrupts. A zero duration waits for the interrupt only.
func waitForEnd(ctx context.Context, duration time.Duration) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	<-ctx.Done()
}

// eventPrinter writes colored progress lines. Delegates run on the session
// executor, so writes are already serialized.
type eventPrinter struct {
	w       io.Writer
	enabled bool

	info    *color.Color
	found   *color.Color
	value   *color.Color
	failure *color.Color
}

func newEventPrinter(w io.Writer, enabled bool) *eventPrinter {
	return &eventPrinter{
		w:       w,
		enabled: enabled,
		info:    color.New(color.FgWhite),
		found:   color.New(color.FgGreen),
		value:   color.New(color.FgCyan),
		failure: color.New(color.FgRed),
	}
}

func (p *eventPrinter) Printf(c *color.Color, format string, args ...any) {
	if !p.enabled {
		return
	}
	_, _ = c.Fprintf(p.w, format+"\n", args...)
}

func displayGraphJSON(w io.Writer, snapshot []gatt.PeripheralView) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(snapshot)
}

func displayGraphTable(w io.Writer, snapshot []gatt.PeripheralView) error {
	if len(snapshot) == 0 {
		fmt.Fprintln(w, "No peripherals discovered")
		return nil
	}

	header := color.New(color.Bold)
	for _, p := range snapshot {
		_, _ = header.Fprintf(w, "\n%s  %s  %d dBm\n", p.ID, displayName(p.Name), p.RSSI)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "UUID\tNAME\tPROPERTIES\tVALUE")
		fmt.Fprintln(tw, strings.Repeat("-", 72))
		for _, s := range p.Services {
			kind := "primary"
			if !s.Primary {
				kind = "secondary"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t\n", s.UUID, s.Name, kind)
			for _, c := range p.Characteristics {
				if c.Service != s.UUID {
					continue
				}
				notifying := ""
				if c.Notifying {
					notifying = " *"
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s%s\t%s\n", c.UUID, c.Name, strings.Join(c.Properties, ","), notifying, c.Value)
				for _, d := range c.Descriptors {
					fmt.Fprintf(tw, "    %s\t%s\t\t%s\n", d.UUID, d.Name, d.Value)
				}
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	if len(name) > 20 {
		return name[:17] + "..."
	}
	return name
}

// writeJournal drains j into path; "-" selects out and an empty path skips it.
func writeJournal(out io.Writer, path string, j *journal.Journal) error {
	if path == "" || j == nil {
		return nil
	}
	if path == "-" {
		return j.WriteJSONL(out)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create journal file: %w", err)
	}
	if err := j.WriteJSONL(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
