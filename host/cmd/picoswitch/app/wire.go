package app

import (
	"github.com/go-logr/logr"

	"picoswitch/host/config"
	"picoswitch/host/detect"
	"picoswitch/host/dispatch"
	"picoswitch/host/mpremote"
	"picoswitch/host/serial"
	"picoswitch/host/storage"
	"picoswitch/host/switcher"
	"picoswitch/pkg/log"
)

// environment is the OS-facing side of the tool. Tests replace it with a
// simulated board.
type environment struct {
	open      serial.OpenFunc
	listPorts func() ([]serial.PortInfo, error)
	lister    storage.Lister
	mounter   storage.Mounter
	// ports and helpers are built from the config when nil
	ports   switcher.PortWaiter
	helpers switcher.HelperInstaller
	// watch enables the fsnotify wake-up on /dev/disk/by-label
	watch bool
}

func defaultEnvironment() *environment {
	return &environment{
		open:      serial.Open,
		listPorts: serial.ListPorts,
		lister:    storage.LsblkLister{},
		mounter:   storage.ExecMounter{},
		watch:     true,
	}
}

func (a *app) logger() logr.Logger {
	return log.Logr()
}

func (a *app) mpremote() *mpremote.Client {
	return mpremote.New(a.cfg.Mpremote, nil, a.logger())
}

func (a *app) helperInstaller() switcher.HelperInstaller {
	if a.env.helpers != nil {
		return a.env.helpers
	}
	return a.mpremote()
}

func (a *app) portWaiter() switcher.PortWaiter {
	if a.env.ports != nil {
		return a.env.ports
	}
	return switcher.SerialPortWaiter{Config: a.cfg.SerialConfig(), Interval: a.cfg.PollInterval}
}

func (a *app) detector(cfg *config.Config) *detect.Detector {
	return detect.New(cfg.SerialConfig(), cfg.DetectOptions(), a.env.open, a.logger())
}

func (a *app) locator(cfg *config.Config) *storage.Locator {
	opts := cfg.LocatorOptions()
	if !a.env.watch {
		opts.WatchDir = ""
	}
	return storage.NewLocator(opts, a.env.lister, a.env.mounter, a.logger())
}

// orchestrator wires every collaborator from the loaded config
func (a *app) orchestrator() (*switcher.Orchestrator, error) {
	cfg := a.cfg
	opts, err := cfg.SwitchOptions()
	if err != nil {
		return nil, err
	}

	deps := switcher.Deps{
		Detector:   a.detector(cfg),
		Dispatcher: dispatch.New(cfg.SerialConfig(), cfg.Signals(), a.env.open, a.logger()),
		Locator:    a.locator(cfg),
		Installer:  storage.NewInstaller(a.logger()),
		Helpers:    a.helperInstaller(),
		Ports:      a.portWaiter(),
	}
	return switcher.New(deps, opts, a.logger()), nil
}

// writeMetrics flushes the orchestrator's registry when a textfile is configured
func (a *app) writeMetrics(o *switcher.Orchestrator) {
	if a.cfg.MetricsTextfile == "" {
		return
	}
	if err := o.Metrics().WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		log.Warn("failed to write metrics textfile", "path", a.cfg.MetricsTextfile, "error", err)
	}
}
