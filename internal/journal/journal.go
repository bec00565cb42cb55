// Package journal keeps a bounded, overwrite-oldest record of session lifecycle
// events (scan, connect, discovery, publish, subscribe) for post-mortem debugging.
package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Event names recorded by the sessions.
const (
	EventStateChanged       = "state_changed"
	EventScanStarted        = "scan_started"
	EventScanStopped        = "scan_stopped"
	EventPeerDiscovered     = "peer_discovered"
	EventConnectRequested   = "connect_requested"
	EventConnectSkipped     = "connect_skipped"
	EventConnected          = "connected"
	EventConnectFailed      = "connect_failed"
	EventDisconnected       = "disconnected"
	EventServicesDiscovered = "services_discovered"
	EventReleased           = "released"
	EventServicePublished   = "service_published"
	EventPublishFailed      = "publish_failed"
	EventAdvertising        = "advertising"
	EventSubscribed         = "subscribed"
	EventUnsubscribed       = "unsubscribed"
)

// MaxSize caps the ring capacity to guard against misconfiguration.
const MaxSize uint32 = 64 * 1024

// Entry is one journal record.
type Entry struct {
	Timestamp int64             `json:"timestamp"` // nanoseconds since epoch
	Event     string            `json:"event"`
	Peer      string            `json:"peer,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Journal is a fixed-size ring of entries. When full, the oldest entry is
// overwritten. A nil *Journal discards everything, so callers never need to
// check whether journaling is enabled. All methods are thread-safe.
type Journal struct {
	ring        mpmc.RichOverlappedRingBuffer[Entry]
	size        uint32
	recorded    int64
	overwritten int64
}

// New creates a journal holding up to size entries.
func New(size uint32) (*Journal, error) {
	if size == 0 {
		return nil, fmt.Errorf("journal size must be > 0")
	}
	if size > MaxSize {
		return nil, fmt.Errorf("journal size %d exceeds maximum %d", size, MaxSize)
	}
	return &Journal{
		ring: mpmc.NewOverlappedRingBuffer[Entry](size),
		size: size,
	}, nil
}

// MustNew is New for sizes known to be valid.
func MustNew(size uint32) *Journal {
	j, err := New(size)
	if err != nil {
		panic(err)
	}
	return j
}

// Record appends an entry, stamping it with the current time when unset.
func (j *Journal) Record(e Entry) {
	if j == nil {
		return
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}
	overwrites, err := j.ring.EnqueueM(e)
	if err != nil {
		return
	}
	atomic.AddInt64(&j.recorded, 1)
	atomic.AddInt64(&j.overwritten, int64(overwrites))
}

// Log is shorthand for Record with an event name, peer and optional key/value details.
func (j *Journal) Log(event, peer string, kv ...string) {
	if j == nil {
		return
	}
	e := Entry{Event: event, Peer: peer}
	if len(kv) > 1 {
		e.Details = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Details[kv[i]] = kv[i+1]
		}
	}
	j.Record(e)
}

// Drain removes and returns every buffered entry, oldest first.
func (j *Journal) Drain() []Entry {
	if j == nil {
		return nil
	}
	var out []Entry
	for !j.ring.IsEmpty() {
		e, err := j.ring.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// WriteJSONL drains the journal into w, one JSON object per line.
func (j *Journal) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, e := range j.Drain() {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode journal entry: %w", err)
		}
	}
	return nil
}

// Recorded returns how many entries were ever recorded.
func (j *Journal) Recorded() int64 {
	if j == nil {
		return 0
	}
	return atomic.LoadInt64(&j.recorded)
}

// Overwritten returns how many entries were lost to ring overflow.
func (j *Journal) Overwritten() int64 {
	if j == nil {
		return 0
	}
	return atomic.LoadInt64(&j.overwritten)
}

// Size returns the configured capacity.
func (j *Journal) Size() uint32 {
	if j == nil {
		return 0
	}
	return j.size
}
