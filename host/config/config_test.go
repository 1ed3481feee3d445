package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"picoswitch/host/device"
)

func load(t *testing.T, file string, args ...string) *Config {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Default().AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg, err := Load(fs, file)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := load(t, "")

	if cfg.Port != "/dev/ttyACM0" || cfg.MountBase != "/mnt/pico" {
		t.Errorf("Expected default port and mount, got %s %s", cfg.Port, cfg.MountBase)
	}
	if cfg.DetectTimeout != 1500*time.Millisecond || cfg.BootselTimeout != 10*time.Second || cfg.SerialWait != 12*time.Second {
		t.Errorf("Unexpected default timeouts: %s %s %s", cfg.DetectTimeout, cfg.BootselTimeout, cfg.SerialWait)
	}
	if !cfg.InstallHelpers {
		t.Error("Expected helper installation on by default")
	}
	if cfg.SwitchTimeout != 0 {
		t.Errorf("Expected no overall switch timeout by default, got %s", cfg.SwitchTimeout)
	}
	if cfg.Log == nil || cfg.Log.Level != "warn" {
		t.Errorf("Expected default log options, got %+v", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate, got %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "picoswitch.yaml")
	yaml := `port: /dev/ttyACM5
mode: py
detect-timeout: 3s
bootsel-timeout: 4s
native-keys: b
log:
  level: info
`
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PICOSWITCH_BOOTSEL_TIMEOUT", "20s")
	t.Setenv("PICOSWITCH_LOG_FORMAT", "json")

	cfg := load(t, file, "--mode=cpp", "--mount-base=/media/pico")

	if cfg.Port != "/dev/ttyACM5" {
		t.Errorf("Expected port from file, got %s", cfg.Port)
	}
	if cfg.DetectTimeout != 3*time.Second {
		t.Errorf("Expected detect-timeout from file, got %s", cfg.DetectTimeout)
	}
	if cfg.BootselTimeout != 20*time.Second {
		t.Errorf("Expected env to override file, got %s", cfg.BootselTimeout)
	}
	if cfg.Mode != "cpp" || cfg.MountBase != "/media/pico" {
		t.Errorf("Expected flags to win, got mode=%s mount=%s", cfg.Mode, cfg.MountBase)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Expected nested log options, got %+v", cfg.Log)
	}
	if string(cfg.NativeProtocol().Signal()) != "b" {
		t.Errorf("Expected single-key protocol, got %q", cfg.NativeProtocol().Signal())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Default().AddFlags(fs)
	if _, err := Load(fs, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for a missing explicit config file")
	}
}

func TestValidateAggregates(t *testing.T) {
	cfg := Default()
	cfg.Mode = "arduino"
	cfg.NativeKeys = "rrr"
	cfg.BootselTimeout = 0
	cfg.Label = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation errors")
	}
	for _, want := range []string{"mode", "native-keys", "bootsel-timeout", "label"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
	if !errors.Is(err, device.ErrMisuse) {
		t.Errorf("Expected the bad mode to wrap ErrMisuse, got %v", err)
	}
}

func TestValidateRejectsProbeThatTriggers(t *testing.T) {
	cfg := Default()
	cfg.Probe = "\x03run\r\n"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "probe") {
		t.Errorf("Expected probe containing %q to be rejected, got %v", "ru", err)
	}
}

func TestModeIdentity(t *testing.T) {
	tests := []struct {
		mode string
		want device.Identity
	}{
		{"auto", device.Unknown},
		{"", device.Unknown},
		{"py", device.RuntimeImage},
		{"cpp", device.NativeImage},
		{"bootsel", device.BootloaderMode},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Mode = tt.mode
		got, err := cfg.ModeIdentity()
		if err != nil || got != tt.want {
			t.Errorf("Mode %q: expected %s, got %s (%v)", tt.mode, tt.want, got, err)
		}
	}

	cfg := Default()
	cfg.Mode = "unknown"
	if _, err := cfg.ModeIdentity(); err == nil {
		t.Error("Expected 'unknown' to be rejected as a mode override")
	}
}

func TestSerialConfig(t *testing.T) {
	cfg := Default()
	cfg.Port = "/dev/ttyACM3"
	cfg.USBProductID = "0005"
	sc := cfg.SerialConfig()
	if sc.Device != "/dev/ttyACM3" || sc.ProductID != "0005" || sc.VendorID != "2E8A" {
		t.Errorf("Unexpected serial config %+v", sc)
	}
}

func TestSwitchOptions(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := load(t, "", "--switch-timeout=45s", "--mode=py", "--force-flash", "--native-image=/tmp/native.uf2")

	opts, err := cfg.SwitchOptions()
	if err != nil {
		t.Fatalf("SwitchOptions failed: %v", err)
	}
	if opts.Timeout != 45*time.Second {
		t.Errorf("Expected switch-timeout to reach the orchestrator, got %s", opts.Timeout)
	}
	if opts.Mode != device.RuntimeImage || !opts.Force || opts.NativeImage != "/tmp/native.uf2" {
		t.Errorf("Unexpected switch options %+v", opts)
	}
	if !opts.InstallHelpers || opts.SerialWait != 12*time.Second {
		t.Errorf("Expected defaults carried over, got %+v", opts)
	}

	cfg.SwitchTimeout = -time.Second
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "switch-timeout") {
		t.Errorf("Expected negative switch-timeout rejected, got %v", err)
	}
}
