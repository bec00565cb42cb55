package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/bledb"
	"github.com/srg/blesession/internal/journal"
	"github.com/srg/blesession/pkg/gatt"
	"github.com/srg/blesession/pkg/transport/goble"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// hexPrefix marks a characteristic or descriptor value given as hex bytes.
const hexPrefix = "hex:"

// Config holds application configuration
type Config struct {
	LogLevel   string           `yaml:"log_level" default:"info"`
	Central    CentralConfig    `yaml:"central"`
	Peripheral PeripheralConfig `yaml:"peripheral"`
}

// CentralConfig configures the central session and its transport.
type CentralConfig struct {
	Targets           []string      `yaml:"targets"`
	ConnectOnDiscover bool          `yaml:"connect_on_discover" default:"true"`
	AllowDuplicates   bool          `yaml:"allow_duplicates"`
	ScanTimeout       time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	QueueSize         int           `yaml:"queue_size" default:"256"`
	JournalSize       uint32        `yaml:"journal_size" default:"1024"`
	AllowList         []string      `yaml:"allow"`
	BlockList         []string      `yaml:"block"`
	NamePrefix        string        `yaml:"name_prefix"`
	MinRSSI           int           `yaml:"min_rssi"`
}

// PeripheralConfig configures the GATT server and its static service tree.
type PeripheralConfig struct {
	DeviceName     string        `yaml:"device_name"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"5s"`
	QueueSize      int           `yaml:"queue_size" default:"256"`
	JournalSize    uint32        `yaml:"journal_size" default:"1024"`

	// Services are keyed by UUID and published in file order.
	Services *orderedmap.OrderedMap[string, ServiceConfig] `yaml:"services"`
}

type ServiceConfig struct {
	Secondary       bool                                                 `yaml:"secondary"`
	Characteristics *orderedmap.OrderedMap[string, CharacteristicConfig] `yaml:"characteristics"`
}

type CharacteristicConfig struct {
	// Properties is a list such as "read,write,notify".
	Properties  string                                 `yaml:"properties"`
	Value       string                                 `yaml:"value"`
	Descriptors *orderedmap.OrderedMap[string, string] `yaml:"descriptors"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	defaults.SetDefaults(&cfg.Central)
	defaults.SetDefaults(&cfg.Peripheral)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays YAML data onto cfg; keys absent from data keep their value.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	if _, err := cfg.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		logger.WithField("error", err).Warn("Falling back to info level")
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// CentralOptions converts the central section into session options.
func (c *Config) CentralOptions(logger *logrus.Logger) ([]gatt.CentralOption, error) {
	cc := c.Central
	targets, err := bledb.ParseUUIDs(cc.Targets)
	if err != nil {
		return nil, fmt.Errorf("invalid central target: %w", err)
	}

	opts := []gatt.CentralOption{
		gatt.WithTargets(targets...),
		gatt.WithConnectOnDiscover(cc.ConnectOnDiscover),
		gatt.WithAllowDuplicates(cc.AllowDuplicates),
		gatt.WithCentralQueueSize(cc.QueueSize),
		gatt.WithScanFilter(gatt.ScanFilter{
			AllowList:  peerIDs(cc.AllowList),
			BlockList:  peerIDs(cc.BlockList),
			NamePrefix: cc.NamePrefix,
			MinRSSI:    cc.MinRSSI,
		}),
	}
	if logger != nil {
		opts = append(opts, gatt.WithCentralLogger(logger))
	}
	if cc.JournalSize > 0 {
		j, err := journal.New(cc.JournalSize)
		if err != nil {
			return nil, fmt.Errorf("invalid central journal: %w", err)
		}
		opts = append(opts, gatt.WithCentralJournal(j))
	}
	return opts, nil
}

// CentralTransportOptions configures the go-ble central transport.
func (c *Config) CentralTransportOptions(logger *logrus.Logger) []goble.Option {
	return []goble.Option{
		goble.WithLogger(logger),
		goble.WithConnectTimeout(c.Central.ConnectTimeout),
	}
}

// ServerOptions converts the peripheral section into session options.
func (c *Config) ServerOptions(logger *logrus.Logger) ([]gatt.ServerOption, error) {
	pc := c.Peripheral
	opts := []gatt.ServerOption{
		gatt.WithDeviceName(pc.DeviceName),
		gatt.WithServerQueueSize(pc.QueueSize),
	}
	if logger != nil {
		opts = append(opts, gatt.WithServerLogger(logger))
	}
	if pc.JournalSize > 0 {
		j, err := journal.New(pc.JournalSize)
		if err != nil {
			return nil, fmt.Errorf("invalid peripheral journal: %w", err)
		}
		opts = append(opts, gatt.WithServerJournal(j))
	}
	return opts, nil
}

// PeripheralTransportOptions configures the go-ble peripheral transport.
func (c *Config) PeripheralTransportOptions(logger *logrus.Logger) []goble.Option {
	return []goble.Option{
		goble.WithLogger(logger),
		goble.WithResponseTimeout(c.Peripheral.RequestTimeout),
	}
}

// ServerServices builds the static service tree. Every call returns a fresh,
// unfrozen tree.
func (c *Config) ServerServices() ([]*gatt.LocalService, error) {
	services := c.Peripheral.Services
	if services == nil {
		return nil, nil
	}

	out := make([]*gatt.LocalService, 0, services.Len())
	for sp := services.Oldest(); sp != nil; sp = sp.Next() {
		svcUUID, err := bledb.ParseUUID(sp.Key)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", sp.Key, err)
		}
		svc := gatt.NewLocalService(svcUUID, !sp.Value.Secondary)

		if chars := sp.Value.Characteristics; chars != nil {
			for cp := chars.Oldest(); cp != nil; cp = cp.Next() {
				char, err := buildCharacteristic(cp.Key, cp.Value)
				if err != nil {
					return nil, fmt.Errorf("service %q: %w", sp.Key, err)
				}
				if err := svc.AddCharacteristic(char); err != nil {
					return nil, fmt.Errorf("service %q: %w", sp.Key, err)
				}
			}
		}
		out = append(out, svc)
	}
	return out, nil
}

func buildCharacteristic(uuid string, cc CharacteristicConfig) (*gatt.LocalCharacteristic, error) {
	charUUID, err := bledb.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("characteristic %q: %w", uuid, err)
	}
	props, err := gatt.ParseProperties(cc.Properties)
	if err != nil {
		return nil, fmt.Errorf("characteristic %q: %w", uuid, err)
	}
	value, err := ParseValue(cc.Value)
	if err != nil {
		return nil, fmt.Errorf("characteristic %q: %w", uuid, err)
	}
	char := gatt.NewLocalCharacteristic(charUUID, props, value)

	if cc.Descriptors == nil {
		return char, nil
	}
	for dp := cc.Descriptors.Oldest(); dp != nil; dp = dp.Next() {
		descUUID, err := bledb.ParseUUID(dp.Key)
		if err != nil {
			return nil, fmt.Errorf("descriptor %q: %w", dp.Key, err)
		}
		descValue, err := ParseValue(dp.Value)
		if err != nil {
			return nil, fmt.Errorf("descriptor %q: %w", dp.Key, err)
		}
		if err := char.AddDescriptor(gatt.NewLocalDescriptor(descUUID, descValue)); err != nil {
			return nil, fmt.Errorf("characteristic %q: %w", uuid, err)
		}
	}
	return char, nil
}

// ParseValue decodes a configured value: "hex:0a0b" is hex, anything else is
// taken as text. An empty string is no value.
func ParseValue(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, hexPrefix) {
		raw := strings.ReplaceAll(strings.TrimPrefix(s, hexPrefix), " ", "")
		b, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid hex value %q: %w", s, err)
		}
		return b, nil
	}
	return []byte(s), nil
}

func peerIDs(in []string) []gatt.PeerID {
	if len(in) == 0 {
		return nil
	}
	out := make([]gatt.PeerID, 0, len(in))
	for _, s := range in {
		out = append(out, gatt.PeerID(strings.ToLower(s)))
	}
	return out
}
