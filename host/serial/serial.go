package serial

import (
	"errors"
	"io"
)

// ErrPortNotFound means the serial endpoint does not exist (yet).
// Expected while the board is in BOOTSEL or re-enumerating.
var ErrPortNotFound = errors.New("serial port not found")

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (using github.com/tarm/serial)
// - Simulated boards (for testing)
type Port interface {
	io.ReadWriteCloser

	// Flush discards unread input and untransmitted output
	Flush() error
}

// OpenFunc opens a port; detect and dispatch take one so tests can inject a board
type OpenFunc func(cfg *Config) (Port, error)

// Raspberry Pi USB IDs
const (
	RaspberryPiVID = "2E8A"
	// MicroPythonPID is the CDC product ID of MicroPython builds
	MicroPythonPID = "0005"
	// PicoSDKPID is the CDC product ID of pico-sdk and TinyGo stdio
	PicoSDKPID = "000A"
)

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate (USB CDC ignores this)
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int

	// VendorID and ProductID (hex) locate the board when Device has been
	// reassigned after a reboot. Empty disables the fallback.
	VendorID  string
	ProductID string
}

// DefaultConfig returns a default configuration for a Pico
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100, // 100ms read timeout bounds every Read
		VendorID:    RaspberryPiVID,
	}
}

// WithDevice returns a copy of cfg pointing at another device
func (c *Config) WithDevice(device string) *Config {
	out := *c
	out.Device = device
	return &out
}
