package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesession/pkg/gatt"
)

// Command-level errors
var (
	// ErrNothingToServe indicates the peripheral command found no services in the configuration.
	ErrNothingToServe = errors.New("no services configured")
)

// FormatUserError turns session errors into a message with a hint. Unknown
// errors are returned as is.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, gatt.ErrBluetoothOff):
		return fmt.Sprintf("%v (is Bluetooth turned on?)", err)
	case errors.Is(err, gatt.ErrUnsupported):
		return fmt.Sprintf("%v (this platform has no supported BLE stack)", err)
	case errors.Is(err, gatt.ErrTimeout):
		return fmt.Sprintf("%v (try a longer --duration or connect_timeout)", err)
	case errors.Is(err, ErrNothingToServe):
		return fmt.Sprintf("%v (add peripheral.services to the file given with --config)", err)
	default:
		return err.Error()
	}
}
