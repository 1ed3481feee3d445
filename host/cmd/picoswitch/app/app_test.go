package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"picoswitch/host/device"
	"picoswitch/host/internal/sim"
	"picoswitch/host/serial"
)

type fixture struct {
	board   *sim.Board
	env     *environment
	runtime string
	native  string
	dir     string
}

func newFixture(t *testing.T, start device.Identity) *fixture {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	board, err := sim.New(start, sim.DefaultOptions(filepath.Join(dir, "volumes")))
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	t.Cleanup(board.Close)

	py, err := sim.WriteImage(dir, "micropython.uf2", device.RuntimeImage)
	if err != nil {
		t.Fatal(err)
	}
	cpp, err := sim.WriteImage(dir, "native.uf2", device.NativeImage)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		board: board,
		env: &environment{
			open:      board.Open,
			listPorts: picoPorts("/dev/ttyACM0"),
			lister:    board,
			ports:     board,
			helpers:   board,
		},
		runtime: py.Path,
		native:  cpp.Path,
		dir:     dir,
	}
}

func picoPorts(names ...string) func() ([]serial.PortInfo, error) {
	return func() ([]serial.PortInfo, error) {
		ports := []serial.PortInfo{{Name: "/dev/ttyS0"}}
		for _, n := range names {
			ports = append(ports, serial.PortInfo{Name: n, IsUSB: true, VID: "2E8A", PID: "0005", Product: "Board in FS mode"})
		}
		return ports, nil
	}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	base := []string{
		"--runtime-image", f.runtime,
		"--native-image", f.native,
		"--mount-base", filepath.Join(f.dir, "mnt"),
		"--detect-timeout=300ms",
		"--poll-interval=1ms",
		"--bootsel-timeout=2s",
		"--serial-wait=1s",
		"--verify-delay=0s",
		"--log.level=error",
	}
	return execute(t, f.env, append(args, base...)...)
}

func execute(t *testing.T, env *environment, args ...string) (string, error) {
	t.Helper()
	cmd := newCommand(context.Background(), env)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDetectCommand(t *testing.T) {
	f := newFixture(t, device.NativeImage)

	out, err := f.run(t, "detect")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if strings.TrimSpace(out) != "cpp" {
		t.Errorf("Expected cpp, got %q", out)
	}
}

func TestDetectCommandBootloader(t *testing.T) {
	f := newFixture(t, device.BootloaderMode)

	out, err := f.run(t, "detect")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if strings.TrimSpace(out) != "bootsel" {
		t.Errorf("Expected bootsel, got %q", out)
	}
}

func TestDetectCommandUnknownFails(t *testing.T) {
	f := newFixture(t, device.RuntimeImage)
	f.env.open = func(cfg *serial.Config) (serial.Port, error) {
		return nil, fmt.Errorf("%w: %s", serial.ErrPortNotFound, cfg.Device)
	}

	out, err := f.run(t, "detect")
	if err == nil {
		t.Fatal("Expected detect to fail for an unidentified board")
	}
	if !errors.Is(err, serial.ErrPortNotFound) {
		t.Errorf("Expected the port error to be wrapped, got %v", err)
	}
	if strings.TrimSpace(out) != "unknown" {
		t.Errorf("Expected unknown, got %q", out)
	}
}

func TestDetectAllCommand(t *testing.T) {
	f := newFixture(t, device.RuntimeImage)
	other, err := sim.New(device.NativeImage, sim.DefaultOptions(filepath.Join(f.dir, "volumes2")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(other.Close)

	boards := map[string]*sim.Board{"/dev/ttyACM0": f.board, "/dev/ttyACM1": other}
	f.env.listPorts = picoPorts("/dev/ttyACM0", "/dev/ttyACM1")
	f.env.open = func(cfg *serial.Config) (serial.Port, error) {
		b, ok := boards[cfg.Device]
		if !ok {
			return nil, fmt.Errorf("%w: %s", serial.ErrPortNotFound, cfg.Device)
		}
		return b.Open(cfg)
	}

	out, err := f.run(t, "detect", "--all")
	if err != nil {
		t.Fatalf("detect --all failed: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header and two rows, got:\n%s", out)
	}
	if !strings.Contains(lines[1], "/dev/ttyACM0") || !strings.Contains(lines[1], "py") {
		t.Errorf("Unexpected first row %q", lines[1])
	}
	if !strings.Contains(lines[2], "/dev/ttyACM1") || !strings.Contains(lines[2], "cpp") {
		t.Errorf("Unexpected second row %q", lines[2])
	}
	if strings.Contains(out, "ttyS0") {
		t.Errorf("Non-Pico ports must be skipped:\n%s", out)
	}
}

func TestListCommand(t *testing.T) {
	f := newFixture(t, device.RuntimeImage)

	out, err := f.run(t, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, want := range []string{"PORT", "/dev/ttyS0", "/dev/ttyACM0", "2E8A"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in:\n%s", want, out)
		}
	}
}

func TestSwitchToNativeCommand(t *testing.T) {
	f := newFixture(t, device.RuntimeImage)
	metrics := filepath.Join(f.dir, "picoswitch.prom")

	out, err := f.run(t, "to-cpp", "--metrics-textfile", metrics)
	if err != nil {
		t.Fatalf("to-cpp failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "switched py -> cpp") {
		t.Errorf("Unexpected output %q", out)
	}
	if f.board.Identity() != device.NativeImage {
		t.Errorf("Expected native image, got %s", f.board.Identity())
	}

	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("Expected metrics textfile: %v", err)
	}
	if !strings.Contains(string(data), `picoswitch_switch_total{outcome="success",target="cpp"} 1`) {
		t.Errorf("Unexpected metrics:\n%s", data)
	}
}

func TestSwitchToRuntimeWithHelpers(t *testing.T) {
	f := newFixture(t, device.NativeImage)

	out, err := f.run(t, "to-py", "--install-helpers")
	if err != nil {
		t.Fatalf("to-py failed: %v\n%s", err, out)
	}
	if !f.board.HelpersInstalled() {
		t.Error("Expected helper scripts installed")
	}
	for _, want := range []string{"switched cpp -> py", "helper scripts installed", "detect: py"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in:\n%s", want, out)
		}
	}
}

func TestSwitchToRuntimeInstallsHelpersByDefault(t *testing.T) {
	f := newFixture(t, device.NativeImage)

	out, err := f.run(t, "to-py")
	if err != nil {
		t.Fatalf("to-py failed: %v\n%s", err, out)
	}
	if !f.board.HelpersInstalled() || !strings.Contains(out, "helper scripts installed") {
		t.Errorf("Expected a plain to-py to install the helper scripts, got:\n%s", out)
	}
}

func TestSwitchToRuntimeWithoutHelpers(t *testing.T) {
	f := newFixture(t, device.NativeImage)

	out, err := f.run(t, "to-py", "--install-helpers=false")
	if err != nil {
		t.Fatalf("to-py failed: %v\n%s", err, out)
	}
	if f.board.HelpersInstalled() {
		t.Error("Expected --install-helpers=false to skip the helper scripts")
	}
	if f.board.Identity() != device.RuntimeImage {
		t.Errorf("Expected runtime image, got %s", f.board.Identity())
	}
}

func TestSwitchAlreadyOnTarget(t *testing.T) {
	f := newFixture(t, device.NativeImage)

	out, err := f.run(t, "to-cpp")
	if err != nil {
		t.Fatalf("to-cpp failed: %v", err)
	}
	if !strings.Contains(out, "already running") {
		t.Errorf("Expected skip message, got %q", out)
	}
	if f.board.Triggers() != 0 {
		t.Errorf("Expected no trigger, got %d", f.board.Triggers())
	}
}

func TestFlashCommand(t *testing.T) {
	f := newFixture(t, device.BootloaderMode)

	out, err := f.run(t, "flash", f.native)
	if err != nil {
		t.Fatalf("flash failed: %v", err)
	}
	if !strings.Contains(out, "wrote 8.0 KiB to RPI-RP2") {
		t.Errorf("Unexpected output %q", out)
	}

	// The board reboots into the image after its boot delay
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.board.WaitForPort(ctx); err != nil {
		t.Fatalf("Board did not boot the flashed image: %v", err)
	}
	if f.board.Identity() != device.NativeImage {
		t.Errorf("Expected native image after flashing, got %s", f.board.Identity())
	}
	if len(f.board.Flashed()) != 1 {
		t.Errorf("Expected one flashed image, got %v", f.board.Flashed())
	}
}

func TestInstallHelpersCommand(t *testing.T) {
	f := newFixture(t, device.RuntimeImage)

	out, err := f.run(t, "install-py-files")
	if err != nil {
		t.Fatalf("install-py-files failed: %v", err)
	}
	if !f.board.HelpersInstalled() || !strings.Contains(out, "/dev/ttyACM0") {
		t.Errorf("Expected helpers installed on the port, got %q", out)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	f := newFixture(t, device.RuntimeImage)

	_, err := f.run(t, "detect", "--mode=arduino", "--native-keys=")
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("Expected invalid configuration, got %v", err)
	}
	if !errors.Is(err, device.ErrMisuse) {
		t.Errorf("Expected ErrMisuse in the aggregate, got %v", err)
	}
}
