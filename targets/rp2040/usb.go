//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"

	"picoswitch/firmware"
)

// InitUSB initializes USB serial communication
// TinyGo automatically sets up USB CDC-ACM on RP2040
func InitUSB() {
	// On RP2040, machine.Serial is USB CDC, not UART
	err := machine.Serial.Configure(machine.UARTConfig{})
	if err != nil {
		return
	}
}

// usbBoard adapts USB CDC and the ROM bootloader to firmware.Board.
// Input arrives through a FIFO filled by usbReaderLoop.
type usbBoard struct {
	input *firmware.FifoBuffer
}

func (b *usbBoard) Buffered() int {
	return b.input.Buffered()
}

func (b *usbBoard) ReadByte() (byte, error) {
	return b.input.ReadByte()
}

// Write writes all of p, giving up on the first error (host likely disconnected)
func (b *usbBoard) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := machine.Serial.Write(p[written:])
		if err != nil {
			return written, err
		}
		if n == 0 {
			break
		}
		written += n
	}
	return written, nil
}

// Flush hands the CDC transmit buffer to the USB controller so the reboot
// notice leaves before the grace delay. Older TinyGo releases return an error
// from Flush; both shapes are accepted.
func (b *usbBoard) Flush() error {
	var s any = machine.Serial
	switch f := s.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}

func (b *usbBoard) Sleep(d time.Duration) {
	time.Sleep(d)
}

// EnterBootloader resets into the ROM USB mass-storage bootloader (BOOTSEL).
// Does not return.
func (b *usbBoard) EnterBootloader() {
	machine.EnterBootloader()
}

// usbReaderLoop runs in a goroutine to continuously move USB bytes into the FIFO
func usbReaderLoop(fifo *firmware.FifoBuffer) {
	// Recover from panics to prevent a firmware crash
	defer func() {
		if r := recover(); r != nil {
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop(fifo)
		}
	}()

	for {
		if machine.Serial.Buffered() > 0 {
			data, err := machine.Serial.ReadByte()
			if err == nil {
				fifo.Write([]byte{data})
				continue
			}
		}
		// Yield to avoid a busy loop
		time.Sleep(1 * time.Millisecond)
	}
}
