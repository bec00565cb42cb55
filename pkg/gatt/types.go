package gatt

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/bledb"
)

// PeerID identifies a remote peripheral as reported by the transport.
type PeerID string

// CentralID identifies a remote central connected to a Server.
type CentralID string

// RequestID identifies a pending server request awaiting Respond.
type RequestID string

// ManagerState is the adapter power state reported by a transport.
type ManagerState int

const (
	StateUnknown ManagerState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s ManagerState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return fmt.Sprintf("ManagerState(%d)", int(s))
	}
}

// WriteType selects acknowledged or unacknowledged characteristic writes.
type WriteType int

const (
	// WriteWithResponse is acknowledged by the remote and produces a write completion.
	WriteWithResponse WriteType = iota
	// WriteWithoutResponse is fire-and-forget and never produces a completion.
	WriteWithoutResponse
)

func (w WriteType) String() string {
	if w == WriteWithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// Attribute is the transport-assigned identity of a remote service,
// characteristic or descriptor. ID is unique per peer for the lifetime of the
// transport, across reconnects, and opaque to the session.
type Attribute struct {
	ID   uint64
	UUID ble.UUID
}

func (a Attribute) String() string {
	return fmt.Sprintf("%s#%d", a.UUID, a.ID)
}

// Service is a discovered remote service. It is immutable once captured.
type Service struct {
	Attribute
	Primary bool
}

// CharacteristicSnapshot describes a discovered remote characteristic.
type CharacteristicSnapshot struct {
	Attribute
	Properties ble.Property
}

// DescriptorSnapshot describes a discovered remote descriptor.
type DescriptorSnapshot struct {
	Attribute
}

// Advertisement carries the scan metadata of a discovered peer.
type Advertisement struct {
	LocalName        string
	Services         []ble.UUID
	ManufacturerData []byte
	TxPower          int
	Connectable      bool
}

// ReadRequest is a remote read of a local characteristic.
type ReadRequest struct {
	ID             RequestID
	Central        CentralID
	Characteristic ble.UUID
	Offset         int
}

// WriteRequest is a remote write to a local characteristic.
type WriteRequest struct {
	ID             RequestID
	Central        CentralID
	Characteristic ble.UUID
	Offset         int
	Value          []byte
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// uuidKey is the canonical string form of u; 16-bit UUIDs and their 128-bit
// Bluetooth base expansions share a key.
func uuidKey(u ble.UUID) string {
	return bledb.NormalizeUUID(u.String())
}

func sameUUID(a, b ble.UUID) bool {
	return uuidKey(a) == uuidKey(b)
}
