package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"picoswitch/firmware"
	"picoswitch/host/detect"
	"picoswitch/host/device"
	"picoswitch/host/dispatch"
	"picoswitch/host/serial"
	"picoswitch/host/storage"
	"picoswitch/host/switcher"
	"picoswitch/pkg/log"
)

// EnvPrefix prefixes environment overrides, e.g. PICOSWITCH_PORT
const EnvPrefix = "PICOSWITCH"

// Config is the full tool configuration
type Config struct {
	Port         string `mapstructure:"port"`
	Baud         int    `mapstructure:"baud"`
	USBVendorID  string `mapstructure:"usb-vid"`
	USBProductID string `mapstructure:"usb-pid"`

	// Mode overrides detection: auto, py, cpp or bootsel
	Mode string `mapstructure:"mode"`

	MountBase      string        `mapstructure:"mount-base"`
	Label          string        `mapstructure:"label"`
	DetectTimeout  time.Duration `mapstructure:"detect-timeout"`
	BootselTimeout time.Duration `mapstructure:"bootsel-timeout"`
	PollInterval   time.Duration `mapstructure:"poll-interval"`
	SerialWait     time.Duration `mapstructure:"serial-wait"`

	// SwitchTimeout bounds a whole switch session (0 = no overall deadline)
	SwitchTimeout time.Duration `mapstructure:"switch-timeout"`

	Verify      bool          `mapstructure:"verify"`
	VerifyDelay time.Duration `mapstructure:"verify-delay"`
	ForceFlash  bool          `mapstructure:"force-flash"`

	RuntimeImage string `mapstructure:"runtime-image"`
	NativeImage  string `mapstructure:"native-image"`

	// NativeKeys is the trigger sequence of the native image (1 or 2 keys)
	NativeKeys     string `mapstructure:"native-keys"`
	RuntimeTrigger string `mapstructure:"runtime-trigger"`
	Probe          string `mapstructure:"probe"`

	InstallHelpers  bool   `mapstructure:"install-helpers"`
	Mpremote        string `mapstructure:"mpremote"`
	MetricsTextfile string `mapstructure:"metrics-textfile"`

	Log *log.Options `mapstructure:"log"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Port:           "/dev/ttyACM0",
		Baud:           115200,
		USBVendorID:    serial.RaspberryPiVID,
		Mode:           "auto",
		MountBase:      storage.DefaultMountBase,
		Label:          storage.DefaultLabel,
		DetectTimeout:  detect.DefaultTimeout,
		BootselTimeout: storage.DefaultTimeout,
		PollInterval:   storage.DefaultInterval,
		SerialWait:     12 * time.Second,
		Verify:         true,
		VerifyDelay:    500 * time.Millisecond,
		RuntimeImage:   "uf2s/Pico-MicroPython-20250415-v1.25.0.uf2",
		NativeImage:    "uf2s/bootloader_trigger.uf2",
		NativeKeys:     string(firmware.NativeProtocol.Keys),
		RuntimeTrigger: dispatch.DefaultRuntimeTrigger,
		Probe:          detect.DefaultProbe,
		InstallHelpers: true,
		Mpremote:       "mpremote",
		Log:            log.NewOptions(),
	}
}

// AddFlags binds the switch options to fs
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Port, "port", c.Port, "Serial port of the board.")
	fs.IntVar(&c.Baud, "baud", c.Baud, "Serial baud rate (ignored by USB CDC).")
	fs.StringVar(&c.USBVendorID, "usb-vid", c.USBVendorID, "USB vendor ID used to find the port after re-enumeration (empty disables).")
	fs.StringVar(&c.USBProductID, "usb-pid", c.USBProductID, "USB product ID to match (empty matches any).")
	fs.StringVar(&c.Mode, "mode", c.Mode, "Current firmware override: auto, py, cpp or bootsel.")
	fs.StringVar(&c.MountBase, "mount-base", c.MountBase, "Mount point used when RPI-RP2 is not auto-mounted.")
	fs.StringVar(&c.Label, "label", c.Label, "Volume label of the bootloader.")
	fs.DurationVar(&c.DetectTimeout, "detect-timeout", c.DetectTimeout, "How long to wait for a serial banner.")
	fs.DurationVar(&c.BootselTimeout, "bootsel-timeout", c.BootselTimeout, "How long to wait for the RPI-RP2 volume.")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Block-device poll interval.")
	fs.DurationVar(&c.SerialWait, "serial-wait", c.SerialWait, "How long to wait for the serial port after flashing.")
	fs.DurationVar(&c.SwitchTimeout, "switch-timeout", c.SwitchTimeout, "Upper bound for a whole switch (0 disables).")
	fs.BoolVar(&c.Verify, "verify", c.Verify, "Re-detect the firmware after switching.")
	fs.DurationVar(&c.VerifyDelay, "verify-delay", c.VerifyDelay, "Grace delay before re-detecting.")
	fs.BoolVar(&c.ForceFlash, "force-flash", c.ForceFlash, "Flash even when the board already runs the target.")
	fs.StringVar(&c.RuntimeImage, "runtime-image", c.RuntimeImage, "MicroPython UF2 path.")
	fs.StringVar(&c.NativeImage, "native-image", c.NativeImage, "Native trigger firmware UF2 path.")
	fs.StringVar(&c.NativeKeys, "native-keys", c.NativeKeys, "Trigger keys of the native image (one key, or arm then confirm).")
	fs.StringVar(&c.RuntimeTrigger, "runtime-trigger", c.RuntimeTrigger, "REPL command that reboots MicroPython into the bootloader.")
	fs.StringVar(&c.Probe, "probe", c.Probe, "Bytes sent after opening the port to provoke a banner (empty disables).")
	fs.StringVar(&c.Mpremote, "mpremote", c.Mpremote, "mpremote executable.")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", c.MetricsTextfile, "Write switch metrics to this node_exporter textfile.")
	c.Log.AddFlags(fs)
}

// Load layers the config file, PICOSWITCH_* env vars and the flags in fs over
// the defaults already bound to fs. An empty path searches ./picoswitch.yaml
// and $XDG_CONFIG_HOME/picoswitch/; a missing search-path file is not an error.
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("picoswitch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "picoswitch"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.ModeIdentity(); err != nil {
		errs = append(errs, err)
	}
	proto := c.NativeProtocol()
	if err := proto.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("native-keys: %w", err))
	}
	if c.RuntimeTrigger == "" {
		errs = append(errs, errors.New("runtime-trigger must not be empty"))
	}
	if len(proto.Keys) > 0 && strings.Contains(c.Probe, string(proto.Signal())) {
		errs = append(errs, fmt.Errorf("probe %q contains the native trigger %q", c.Probe, proto.Signal()))
	}
	if c.Port == "" && c.USBVendorID == "" {
		errs = append(errs, errors.New("either port or usb-vid is required"))
	}
	if c.Label == "" {
		errs = append(errs, errors.New("label must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"detect-timeout":  c.DetectTimeout,
		"bootsel-timeout": c.BootselTimeout,
		"poll-interval":   c.PollInterval,
		"serial-wait":     c.SerialWait,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.SwitchTimeout < 0 {
		errs = append(errs, fmt.Errorf("switch-timeout must not be negative, got %s", c.SwitchTimeout))
	}
	if c.VerifyDelay < 0 {
		errs = append(errs, fmt.Errorf("verify-delay must not be negative, got %s", c.VerifyDelay))
	}
	if c.Log != nil {
		errs = append(errs, c.Log.Validate()...)
	}

	return errors.Join(errs...)
}

// ModeIdentity parses Mode; "auto" yields Unknown (detect)
func (c *Config) ModeIdentity() (device.Identity, error) {
	if c.Mode == "" || strings.EqualFold(c.Mode, "auto") {
		return device.Unknown, nil
	}
	id, err := device.ParseIdentity(c.Mode)
	if err != nil {
		return device.Unknown, fmt.Errorf("mode: %w", err)
	}
	if id == device.Unknown {
		return device.Unknown, fmt.Errorf("%w: mode must be auto, py, cpp or bootsel", device.ErrMisuse)
	}
	return id, nil
}

// NativeProtocol returns the trigger protocol of the native image
func (c *Config) NativeProtocol() firmware.Protocol {
	return firmware.Protocol{Banner: firmware.NativeBanner, Keys: []byte(c.NativeKeys)}
}

// SwitchOptions returns the orchestrator settings
func (c *Config) SwitchOptions() (switcher.Options, error) {
	mode, err := c.ModeIdentity()
	if err != nil {
		return switcher.Options{}, err
	}
	return switcher.Options{
		Mode:           mode,
		Force:          c.ForceFlash,
		RuntimeImage:   c.RuntimeImage,
		NativeImage:    c.NativeImage,
		InstallHelpers: c.InstallHelpers,
		Verify:         c.Verify,
		VerifyDelay:    c.VerifyDelay,
		SerialWait:     c.SerialWait,
		Timeout:        c.SwitchTimeout,
	}, nil
}

// SerialConfig returns the port settings
func (c *Config) SerialConfig() *serial.Config {
	cfg := serial.DefaultConfig(c.Port)
	cfg.Baud = c.Baud
	cfg.VendorID = c.USBVendorID
	cfg.ProductID = c.USBProductID
	return cfg
}

// DetectOptions returns the banner detector settings
func (c *Config) DetectOptions() detect.Options {
	return detect.Options{
		Tags:    device.DefaultTags,
		Probe:   c.Probe,
		Timeout: c.DetectTimeout,
	}
}

// Signals returns the trigger payload per identity
func (c *Config) Signals() dispatch.Signals {
	return dispatch.Signals{
		device.RuntimeImage: []byte(c.RuntimeTrigger),
		device.NativeImage:  c.NativeProtocol().Signal(),
	}
}

// LocatorOptions returns the mass-storage locator settings
func (c *Config) LocatorOptions() storage.Options {
	return storage.Options{
		Label:     c.Label,
		MountBase: c.MountBase,
		Interval:  c.PollInterval,
		Timeout:   c.BootselTimeout,
		WatchDir:  storage.DefaultWatchDir,
	}
}
