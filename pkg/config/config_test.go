package config

import (
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Central.ConnectOnDiscover)
	assert.False(t, cfg.Central.AllowDuplicates)
	assert.Equal(t, 10*time.Second, cfg.Central.ScanTimeout)
	assert.Equal(t, 10*time.Second, cfg.Central.ConnectTimeout)
	assert.Equal(t, 256, cfg.Central.QueueSize)
	assert.Equal(t, uint32(1024), cfg.Central.JournalSize)
	assert.Equal(t, 5*time.Second, cfg.Peripheral.RequestTimeout)
	assert.Nil(t, cfg.Peripheral.Services)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			expected: logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			expected: logrus.WarnLevel,
		},
		{
			name:     "creates logger with error level",
			logLevel: "ERROR",
			expected: logrus.ErrorLevel,
		},
		{
			name:     "falls back to info on unknown level",
			logLevel: "chatty",
			expected: logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/heart_rate.yaml")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"180D"}, cfg.Central.Targets)
	assert.False(t, cfg.Central.ConnectOnDiscover, "YAML MUST override a true default")
	assert.Equal(t, 3*time.Second, cfg.Central.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Central.ScanTimeout, "absent keys MUST keep their default")
	assert.Equal(t, "HRM-", cfg.Central.NamePrefix)
	assert.Equal(t, "hrm-sim", cfg.Peripheral.DeviceName)
	assert.Equal(t, 2*time.Second, cfg.Peripheral.RequestTimeout)

	require.NotNil(t, cfg.Peripheral.Services)
	var order []string
	for p := cfg.Peripheral.Services.Oldest(); p != nil; p = p.Next() {
		order = append(order, p.Key)
	}
	assert.Equal(t, []string{"180D", "180F", "1801"}, order, "services MUST keep file order")
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load("testdata/missing.yaml")
		assert.ErrorContains(t, err, "failed to read config")
	})

	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("invalid log level", func(t *testing.T) {
		err := Parse([]byte("log_level: chatty\n"), DefaultConfig())
		assert.ErrorContains(t, err, `invalid log level "chatty"`)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		err := Parse([]byte("central: [\n"), DefaultConfig())
		assert.Error(t, err)
	})
}

func TestServerServices(t *testing.T) {
	cfg, err := Load("testdata/heart_rate.yaml")
	require.NoError(t, err)

	services, err := cfg.ServerServices()
	require.NoError(t, err)
	require.Len(t, services, 3)

	hr := services[0]
	assert.Equal(t, "180d", hr.UUID().String())
	assert.True(t, hr.Primary())
	chars := hr.Characteristics()
	require.Len(t, chars, 2)
	assert.Equal(t, "2a37", chars[0].UUID().String())
	assert.Equal(t, ble.CharRead|ble.CharNotify, chars[0].Properties())
	assert.Equal(t, []byte{0x00, 0x48}, chars[0].Value())
	require.Len(t, chars[0].Descriptors(), 1)
	assert.Equal(t, []byte("Heart Rate Measurement"), chars[0].Descriptors()[0].Value())

	assert.Equal(t, ble.CharRead|ble.CharNotify, services[1].Characteristics()[0].Properties(), "pipe separated properties MUST parse")
	assert.False(t, services[2].Primary(), "secondary flag MUST be honored")
	assert.Empty(t, services[2].Characteristics())

	again, err := cfg.ServerServices()
	require.NoError(t, err)
	assert.NotSame(t, hr, again[0], "every call MUST build a fresh tree")
}

func TestServerServicesErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  string
	}{
		{
			name: "bad service uuid",
			yaml: "peripheral:\n  services:\n    \"xyz\": {}\n",
			err:  `service "xyz"`,
		},
		{
			name: "bad property",
			yaml: "peripheral:\n  services:\n    \"180F\":\n      characteristics:\n        \"2A19\": {properties: \"read,shout\"}\n",
			err:  `unknown characteristic property "shout"`,
		},
		{
			name: "bad hex value",
			yaml: "peripheral:\n  services:\n    \"180F\":\n      characteristics:\n        \"2A19\": {properties: read, value: \"hex:zz\"}\n",
			err:  "invalid hex value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, Parse([]byte(tt.yaml), cfg))

			_, err := cfg.ServerServices()
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in       string
		expected []byte
	}{
		{in: "", expected: nil},
		{in: "hello", expected: []byte("hello")},
		{in: "hex:0a0B", expected: []byte{0x0a, 0x0b}},
		{in: "hex:01 02 03", expected: []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		got, err := ParseValue(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.expected, got, tt.in)
	}

	_, err := ParseValue("hex:123")
	assert.Error(t, err, "odd length hex MUST fail")
}

func TestCentralOptions(t *testing.T) {
	cfg, err := Load("testdata/heart_rate.yaml")
	require.NoError(t, err)

	opts, err := cfg.CentralOptions(logrus.New())
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	cfg.Central.Targets = []string{"not-a-uuid"}
	_, err = cfg.CentralOptions(nil)
	assert.ErrorContains(t, err, "invalid central target")

	cfg.Central.Targets = nil
	cfg.Central.JournalSize = 1 << 30
	_, err = cfg.CentralOptions(nil)
	assert.ErrorContains(t, err, "invalid central journal")
}

func TestServerOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts, err := cfg.ServerOptions(nil)
	require.NoError(t, err)
	assert.Len(t, opts, 3, "name, queue size and journal")

	assert.Len(t, cfg.CentralTransportOptions(nil), 2)
	assert.Len(t, cfg.PeripheralTransportOptions(nil), 2)
}
