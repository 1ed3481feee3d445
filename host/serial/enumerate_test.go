package serial

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"
)

func fakePorts(t *testing.T, ports []*enumerator.PortDetails, existing ...string) {
	t.Helper()
	origList, origStat := listDetailedPorts, statPath
	t.Cleanup(func() {
		listDetailedPorts, statPath = origList, origStat
	})

	listDetailedPorts = func() ([]*enumerator.PortDetails, error) {
		return ports, nil
	}
	statPath = func(name string) (os.FileInfo, error) {
		for _, e := range existing {
			if e == name {
				return nil, nil
			}
		}
		return nil, fs.ErrNotExist
	}
}

func TestResolvePrefersConfiguredDevice(t *testing.T) {
	fakePorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "2e8a", PID: "0005"},
	}, "/dev/ttyACM0")

	dev, err := Resolve(DefaultConfig("/dev/ttyACM0"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if dev != "/dev/ttyACM0" {
		t.Errorf("Expected configured device, got %s", dev)
	}
}

func TestResolveFallsBackToUSBID(t *testing.T) {
	fakePorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"},
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "2e8a", PID: "000a"},
	})

	dev, err := Resolve(DefaultConfig("/dev/ttyACM0"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if dev != "/dev/ttyACM1" {
		t.Errorf("Expected re-enumerated /dev/ttyACM1, got %s", dev)
	}

	cfg := DefaultConfig("/dev/ttyACM0")
	cfg.ProductID = MicroPythonPID
	if _, err := Resolve(cfg); !errors.Is(err, ErrPortNotFound) {
		t.Errorf("Expected ErrPortNotFound when PID does not match, got %v", err)
	}

	cfg.VendorID = ""
	if _, err := Resolve(cfg); !errors.Is(err, ErrPortNotFound) {
		t.Errorf("Expected ErrPortNotFound without USB fallback, got %v", err)
	}
}

func TestListPortsSortedAndNormalized(t *testing.T) {
	fakePorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "2e8a", PID: "0005", SerialNumber: "E660"},
	})

	ports, err := ListPorts()
	if err != nil {
		t.Fatalf("ListPorts failed: %v", err)
	}
	if len(ports) != 2 || ports[0].Name != "/dev/ttyACM0" {
		t.Fatalf("Expected sorted ports, got %+v", ports)
	}
	if ports[0].VID != "2E8A" {
		t.Errorf("Expected upper-case VID, got %s", ports[0].VID)
	}
	if ports[1].Matches("", "") {
		t.Error("Non-USB port must never match")
	}
}

func TestWaitForPort(t *testing.T) {
	var calls atomic.Int32
	origList, origStat := listDetailedPorts, statPath
	t.Cleanup(func() { listDetailedPorts, statPath = origList, origStat })

	listDetailedPorts = func() ([]*enumerator.PortDetails, error) { return nil, nil }
	statPath = func(name string) (os.FileInfo, error) {
		if calls.Add(1) < 3 {
			return nil, fs.ErrNotExist
		}
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	dev, err := WaitForPort(ctx, DefaultConfig("/dev/ttyACM0"), time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForPort failed: %v", err)
	}
	if dev != "/dev/ttyACM0" || calls.Load() != 3 {
		t.Errorf("Expected port after 3 polls, got %s after %d", dev, calls.Load())
	}
}

func TestWaitForPortTimeout(t *testing.T) {
	fakePorts(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := WaitForPort(ctx, DefaultConfig("/dev/ttyACM0"), 5*time.Millisecond)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("WaitForPort overran its deadline: %v", time.Since(start))
	}
}
