package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/pkg/gatt"
)

type TestHelper struct {
	T      testing.TB
	Logger *logrus.Logger
}

// testWriter routes log output through t.Log so it only shows up for failed or verbose runs.
type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewTestHelper creates a test helper whose logger writes into the test log.
func NewTestHelper(t testing.TB) *TestHelper {
	logger := logrus.New()
	logger.SetOutput(testWriter{t: t})
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Svc builds a primary remote service snapshot.
func Svc(id uint64, uuid string) gatt.Service {
	return gatt.Service{Attribute: gatt.Attribute{ID: id, UUID: ble.MustParse(uuid)}, Primary: true}
}

// Char builds a remote characteristic snapshot; props uses the ParseProperties syntax.
func Char(id uint64, uuid, props string) gatt.CharacteristicSnapshot {
	p, err := gatt.ParseProperties(props)
	if err != nil {
		panic(fmt.Sprintf("Char: %v", err))
	}
	return gatt.CharacteristicSnapshot{Attribute: gatt.Attribute{ID: id, UUID: ble.MustParse(uuid)}, Properties: p}
}

// Desc builds a remote descriptor snapshot.
func Desc(id uint64, uuid string) gatt.DescriptorSnapshot {
	return gatt.DescriptorSnapshot{Attribute: gatt.Attribute{ID: id, UUID: ble.MustParse(uuid)}}
}

// EventLog is an ordered, goroutine-safe record of delegate callbacks.
type EventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *EventLog) Add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *EventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// Count returns how many recorded events equal event.
func (l *EventLog) Count(event string) int {
	n := 0
	for _, e := range l.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// LoadFixture reads a file addressed relative to the module root.
func LoadFixture(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	// Navigate up to find the project root (look for go.mod file)
	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}

	return string(data), nil
}
