package dispatch

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"picoswitch/firmware"
	"picoswitch/host/device"
	"picoswitch/host/serial"
)

// DefaultRuntimeTrigger interrupts any running script and asks MicroPython to
// enter the ROM bootloader.
const DefaultRuntimeTrigger = "\x03\x03import machine; machine.bootloader()\r\n"

// Signals maps each identity to the bytes that make it reboot into BOOTSEL
type Signals map[device.Identity][]byte

// DefaultSignals pairs the runtime REPL command with the native key sequence
func DefaultSignals(native firmware.Protocol) Signals {
	return Signals{
		device.RuntimeImage: []byte(DefaultRuntimeTrigger),
		device.NativeImage:  native.Signal(),
	}
}

// Result describes what was sent
type Result struct {
	Identity device.Identity
	Sent     []byte
	// Skipped is set when the identity has no trigger
	Skipped bool
}

// Dispatcher writes trigger signals. The firmware never acknowledges them.
type Dispatcher struct {
	cfg     *serial.Config
	signals Signals
	open    serial.OpenFunc
	log     logr.Logger
}

// New creates a dispatcher. A nil open uses serial.Open.
func New(cfg *serial.Config, signals Signals, open serial.OpenFunc, log logr.Logger) *Dispatcher {
	if open == nil {
		open = serial.Open
	}
	return &Dispatcher{cfg: cfg, signals: signals, open: open, log: log.WithName("dispatch")}
}

// Signal returns the payload configured for id, if any
func (d *Dispatcher) Signal(id device.Identity) ([]byte, bool) {
	sig, ok := d.signals[id]
	return sig, ok && len(sig) > 0
}

// Dispatch sends the trigger for id. Unknown and BootloaderMode have no
// trigger and are skipped without opening the port.
func (d *Dispatcher) Dispatch(ctx context.Context, id device.Identity) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	sig, ok := d.Signal(id)
	if !ok || !id.IsImage() {
		d.log.V(1).Info("no trigger for identity, skipping", "identity", id)
		return Result{Identity: id, Skipped: true}, nil
	}

	port, err := d.open(d.cfg)
	if err != nil {
		return Result{Identity: id}, fmt.Errorf("failed to open serial port for trigger: %w", err)
	}

	n, err := port.Write(sig)
	if err == nil && n < len(sig) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(sig))
	}
	if err != nil {
		_ = port.Close()
		return Result{Identity: id, Sent: sig[:n]}, fmt.Errorf("failed to send %s trigger: %w", id, err)
	}

	// Flush would discard untransmitted output, so only close. The board may
	// already be dropping off the bus; nothing after a full write is fatal.
	if err := port.Close(); err != nil {
		d.log.V(1).Info("closing port after trigger failed", "error", err.Error())
	}

	d.log.Info("trigger sent", "identity", id, "bytes", len(sig))
	return Result{Identity: id, Sent: sig}, nil
}
