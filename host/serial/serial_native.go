//go:build !wasm

package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port *serial.Port
	cfg  *Config
}

// Open resolves the device path and opens a native serial port
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	device, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	serialConfig := &serial.Config{
		Name:        device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}

	return &NativePort{
		port: port,
		cfg:  cfg.WithDevice(device),
	}, nil
}

// Device returns the resolved device path
func (p *NativePort) Device() string {
	return p.cfg.Device
}

// Read reads data from the serial port.
// A read timeout surfaces as (0, io.EOF) from tarm/serial.
func (p *NativePort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush discards buffered input and output (tcflush TCIOFLUSH)
func (p *NativePort) Flush() error {
	return p.port.Flush()
}
