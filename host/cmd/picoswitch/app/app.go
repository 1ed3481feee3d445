package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"picoswitch/host/config"
	"picoswitch/host/device"
	"picoswitch/pkg/log"
)

const (
	commandName = "picoswitch"
	commandDesc = `picoswitch moves a Raspberry Pi Pico between MicroPython and a native
firmware image. It detects what the board runs from its serial banner, sends
the reboot trigger, waits for the RPI-RP2 volume and copies the UF2 image.`
)

// app carries the loaded configuration and the collaborators every
// subcommand is built from
type app struct {
	ctx     context.Context
	flags   *config.Config
	cfgFile string
	cfg     *config.Config
	env     *environment
}

// NewPicoswitchCommand creates the root command
func NewPicoswitchCommand(ctx context.Context) *cobra.Command {
	return newCommand(ctx, defaultEnvironment())
}

func newCommand(ctx context.Context, env *environment) *cobra.Command {
	a := &app{ctx: ctx, flags: config.Default(), env: env}

	cmd := &cobra.Command{
		Use:           commandName,
		Short:         "Switch a Pico between MicroPython and native firmware",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&a.cfgFile, "config", "", "Config file (default ./picoswitch.yaml or $XDG_CONFIG_HOME/picoswitch/picoswitch.yaml).")
	a.flags.AddFlags(fs)

	cmd.AddCommand(
		a.newDetectCommand(),
		a.newListCommand(),
		a.newFlashCommand(),
		a.newSwitchCommand("to-py", "Switch the board to MicroPython", device.RuntimeImage),
		a.newSwitchCommand("to-cpp", "Switch the board to the native firmware", device.NativeImage),
		a.newInstallHelpersCommand(),
	)
	return cmd
}

// load layers the config file and environment under the parsed flags,
// validates the result and initializes logging
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags(), a.cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	a.cfg = cfg
	log.Debug("configuration loaded", "port", cfg.Port, "mode", cfg.Mode, "label", cfg.Label)
	return nil
}
