package sim

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"picoswitch/firmware"
	"picoswitch/host/detect"
	"picoswitch/host/device"
	"picoswitch/host/dispatch"
	"picoswitch/host/serial"
	"picoswitch/host/storage"
)

func newBoard(t *testing.T, start device.Identity) *Board {
	t.Helper()
	b, err := New(start, DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func detectOpts() detect.Options {
	opts := detect.DefaultOptions()
	opts.Timeout = 200 * time.Millisecond
	return opts
}

func TestProbeIdentifiesBothImages(t *testing.T) {
	for _, id := range []device.Identity{device.RuntimeImage, device.NativeImage} {
		t.Run(id.String(), func(t *testing.T) {
			b := newBoard(t, id)
			// Let the native banner scroll past before the host opens the port
			time.Sleep(5 * time.Millisecond)

			res, err := detect.New(serial.DefaultConfig("/dev/ttyACM0"), detectOpts(), b.Open, logr.Discard()).
				Detect(context.Background())
			if err != nil {
				t.Fatalf("Detect failed: %v", err)
			}
			if res.Identity != id {
				t.Errorf("Expected %s, got %s (line %q, %s)", id, res.Identity, res.Line, res.Cause)
			}
			if b.Identity() != id || b.Triggers() != 0 {
				t.Errorf("Probe must not switch the board, now %s after %d triggers", b.Identity(), b.Triggers())
			}
		})
	}
}

// For every image identity, sending its trigger and then polling for mass
// storage yields a handle within the timeout.
func TestTriggerThenLocate(t *testing.T) {
	for _, proto := range []firmware.Protocol{firmware.NativeProtocol, firmware.SingleKeyProtocol} {
		for _, id := range []device.Identity{device.RuntimeImage, device.NativeImage} {
			t.Run(id.String()+"/"+string(proto.Keys), func(t *testing.T) {
				opts := DefaultOptions(t.TempDir())
				opts.Protocol = proto
				b, err := New(id, opts)
				if err != nil {
					t.Fatalf("New failed: %v", err)
				}
				defer b.Close()

				d := dispatch.New(serial.DefaultConfig("/dev/ttyACM0"), dispatch.DefaultSignals(proto), b.Open, logr.Discard())
				if _, err := d.Dispatch(context.Background(), id); err != nil {
					t.Fatalf("Dispatch failed: %v", err)
				}

				loc := storage.NewLocator(storage.Options{Interval: time.Millisecond, Timeout: time.Second}, b, nil, logr.Discard())
				h, err := loc.Wait(context.Background())
				if err != nil {
					t.Fatalf("Wait failed: %v", err)
				}
				if h.Label != storage.DefaultLabel || h.Mounted {
					t.Errorf("Expected auto-mounted RPI-RP2, got %+v", h)
				}
				if b.Identity() != device.BootloaderMode || b.Triggers() != 1 {
					t.Errorf("Expected one trigger into bootloader, got %s/%d", b.Identity(), b.Triggers())
				}
			})
		}
	}
}

func TestWrongSignalIsNoOp(t *testing.T) {
	b := newBoard(t, device.NativeImage)
	port, err := b.Open(serial.DefaultConfig("/dev/ttyACM0"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer port.Close()

	if _, err := port.Write([]byte(dispatch.DefaultRuntimeTrigger)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if b.Identity() != device.NativeImage {
		t.Errorf("Runtime trigger must not reboot the native image, got %s", b.Identity())
	}
}

func TestBootloaderFlashesImage(t *testing.T) {
	b := newBoard(t, device.BootloaderMode)
	devs, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	vol := devs[len(devs)-1].MountPoint
	if _, err := WriteImage(vol, "micropython.uf2", device.RuntimeImage); err != nil {
		t.Fatalf("WriteImage failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.WaitForPort(ctx); err != nil {
		t.Fatalf("Board never rebooted: %v", err)
	}
	if b.Identity() != device.RuntimeImage {
		t.Errorf("Expected runtime image, got %s", b.Identity())
	}
	if got := b.Flashed(); len(got) != 1 || got[0] != "micropython.uf2" {
		t.Errorf("Expected micropython.uf2 flashed, got %v", got)
	}
}

func TestBootloaderIgnoresIncompleteImage(t *testing.T) {
	b := newBoard(t, device.BootloaderMode)
	devs, _ := b.List(context.Background())
	vol := devs[len(devs)-1].MountPoint

	img, err := WriteImage(t.TempDir(), "native.uf2", device.NativeImage)
	if err != nil {
		t.Fatal(err)
	}
	partial := strings.TrimSuffix(mustRead(t, img.Path), ImageEnd)
	writeFile(t, vol+"/native.uf2", partial)

	time.Sleep(30 * time.Millisecond)
	if b.Identity() != device.BootloaderMode {
		t.Errorf("Partial image must not boot, got %s", b.Identity())
	}
}

func TestOpenFailsInBootloader(t *testing.T) {
	b := newBoard(t, device.BootloaderMode)
	if _, err := b.Open(serial.DefaultConfig("/dev/ttyACM0")); err == nil {
		t.Error("Expected no serial port in bootloader mode")
	}
	if err := b.InstallHelpers(context.Background(), "/dev/ttyACM0"); err == nil {
		t.Error("Expected helper install to fail without MicroPython")
	}
}

func TestEvalPrint(t *testing.T) {
	if got := evalPrint(`print('FW:' + 'PY')`); got != "FW:PY" {
		t.Errorf("Expected FW:PY, got %q", got)
	}
	if got := evalPrint(`print("a", 'b')`); got != "ab" {
		t.Errorf("Expected ab, got %q", got)
	}
}
