package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"picoswitch/host/detect"
	"picoswitch/host/device"
	"picoswitch/host/serial"
	"picoswitch/host/switcher"
)

func (a *app) newDetectCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Print the firmware the board is running",
		Long: `Print py, cpp or bootsel for the configured board. Exits with status 1
when the firmware cannot be identified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all {
				return a.detectAll(cmd.OutOrStdout())
			}
			return a.detect(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Detect every Raspberry Pi serial port concurrently.")
	return cmd
}

func (a *app) detect(out io.Writer) error {
	o, err := a.orchestrator()
	if err != nil {
		return err
	}
	res, err := o.Detect(a.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Identity)
	if res.Identity == device.Unknown {
		return unidentified(res)
	}
	return nil
}

func unidentified(res detect.Result) error {
	if res.Err != nil {
		return fmt.Errorf("firmware not identified (%s): %w", res.Cause, res.Err)
	}
	if res.Line != "" {
		return fmt.Errorf("firmware not identified (%s): last line %q", res.Cause, res.Line)
	}
	return fmt.Errorf("firmware not identified (%s)", res.Cause)
}

func (a *app) detectAll(out io.Writer) error {
	ports, err := a.env.listPorts()
	if err != nil {
		return err
	}
	base := a.cfg.SerialConfig()
	var cfgs []*serial.Config
	for _, p := range ports {
		if p.Matches(a.cfg.USBVendorID, a.cfg.USBProductID) {
			cfgs = append(cfgs, base.WithDevice(p.Name))
		}
	}
	if len(cfgs) == 0 {
		return fmt.Errorf("%w: no USB serial port with vendor %s", serial.ErrPortNotFound, a.cfg.USBVendorID)
	}

	results, err := detect.DetectMany(a.ctx, cfgs, a.cfg.DetectOptions(), a.env.open, a.logger())
	if err != nil {
		return err
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("PORT", "FIRMWARE", "CAUSE", "LAST LINE")
	unknown := 0
	for _, r := range results {
		if r.Result.Identity == device.Unknown {
			unknown++
		}
		table.AddRow(r.Device, r.Result.Identity, r.Result.Cause, r.Result.Line)
	}
	fmt.Fprintln(out, table)

	if unknown > 0 {
		return fmt.Errorf("%d of %d ports not identified", unknown, len(results))
	}
	return nil
}

func (a *app) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := a.env.listPorts()
			if err != nil {
				return err
			}
			table := uitable.New()
			table.AddRow("PORT", "VID", "PID", "SERIAL", "PRODUCT", "PICO")
			for _, p := range ports {
				pico := ""
				if p.Matches(a.cfg.USBVendorID, a.cfg.USBProductID) {
					pico = "*"
				}
				table.AddRow(p.Name, p.VID, p.PID, p.SerialNumber, p.Product, pico)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func (a *app) newFlashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flash <image.uf2>",
		Short: "Copy a UF2 image to a board in BOOTSEL mode",
		Long: `Wait for the RPI-RP2 volume and copy the image to it. The board must
already be in BOOTSEL mode or be about to enter it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			n, err := o.Flash(a.ctx, device.Image{Path: args[0], Role: device.Unknown})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s\n", humanize.IBytes(uint64(n)), a.cfg.Label)
			return nil
		},
	}
}

func (a *app) newSwitchCommand(use, short string, target device.Identity) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.switchTo(cmd.OutOrStdout(), target)
		},
	}
	if target == device.RuntimeImage {
		cmd.Flags().BoolVar(&a.flags.InstallHelpers, "install-helpers", true, "Copy boot.py and bootloader_trigger.py after switching (--install-helpers=false to skip).")
	}
	return cmd
}

func (a *app) switchTo(out io.Writer, target device.Identity) error {
	o, err := a.orchestrator()
	if err != nil {
		return err
	}
	report, err := o.Switch(a.ctx, target)
	a.writeMetrics(o)
	if err != nil {
		return err
	}
	printReport(out, report)

	if target == device.RuntimeImage {
		res, err := o.Detect(a.ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "detect: %s\n", res.Identity)
	}
	return nil
}

func printReport(out io.Writer, r *switcher.Report) {
	if r.Outcome == switcher.OutcomeSkipped {
		fmt.Fprintf(out, "already running %s\n", r.Target.Description())
	} else {
		fmt.Fprintf(out, "switched %s -> %s in %s", r.Start, r.Target, r.Elapsed.Round(10*time.Millisecond))
		if r.Written > 0 {
			fmt.Fprintf(out, " (wrote %s)", humanize.IBytes(uint64(r.Written)))
		}
		fmt.Fprintln(out)
	}
	if r.Helpers {
		fmt.Fprintln(out, "helper scripts installed")
	}
}

func (a *app) newInstallHelpersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install-py-files",
		Short: "Copy boot.py and bootloader_trigger.py to a MicroPython board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(a.ctx, a.cfg.SerialWait)
			defer cancel()
			port, err := a.portWaiter().WaitForPort(ctx)
			if err != nil {
				return err
			}

			helpers := a.helperInstaller()
			if a.env.helpers == nil && !a.mpremote().Probe(a.ctx, port) {
				return fmt.Errorf("%w: no MicroPython REPL answers on %s", device.ErrMisuse, port)
			}
			if err := helpers.InstallHelpers(a.ctx, port); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed helper scripts on %s\n", port)
			return nil
		},
	}
}
