package goble

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultConnectTimeout bounds a single Dial.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultResponseTimeout bounds how long a server read or write handler waits
	// for the session to respond before answering with an ATT error.
	DefaultResponseTimeout = 5 * time.Second

	// DefaultWorkerQueueSize is the initial queue capacity of each connection worker.
	DefaultWorkerQueueSize = 32

	// closeTimeout bounds how long Close waits for scan and advertise goroutines.
	closeTimeout = 2 * time.Second
)

type options struct {
	logger          *logrus.Logger
	factory         func() (Device, error)
	connectTimeout  time.Duration
	responseTimeout time.Duration
	queueSize       int
}

// Option configures a Central or Peripheral transport.
type Option func(*options)

// WithLogger sets the transport logger.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDeviceFactory overrides DeviceFactory for one transport.
func WithDeviceFactory(f func() (Device, error)) Option {
	return func(o *options) {
		if f != nil {
			o.factory = f
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.responseTimeout = d
		}
	}
}

func WithWorkerQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

func newOptions(opts []Option) options {
	o := options{
		connectTimeout:  DefaultConnectTimeout,
		responseTimeout: DefaultResponseTimeout,
		queueSize:       DefaultWorkerQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
	}
	if o.factory == nil {
		// resolved lazily so tests can swap the package-level factory
		o.factory = func() (Device, error) { return DeviceFactory() }
	}
	return o
}
