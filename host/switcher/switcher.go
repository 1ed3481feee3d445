package switcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"picoswitch/host/detect"
	"picoswitch/host/device"
	"picoswitch/host/dispatch"
	"picoswitch/host/serial"
	"picoswitch/host/storage"
)

// Detector reads the current identity over serial
type Detector interface {
	Detect(ctx context.Context) (detect.Result, error)
}

// Dispatcher sends the reboot trigger for an identity
type Dispatcher interface {
	Dispatch(ctx context.Context, id device.Identity) (dispatch.Result, error)
}

// Locator finds the bootloader volume
type Locator interface {
	Present(ctx context.Context) (bool, error)
	Wait(ctx context.Context) (*storage.Handle, error)
	Release(ctx context.Context, h *storage.Handle) error
}

// Installer writes an image to the bootloader volume
type Installer interface {
	Install(ctx context.Context, h *storage.Handle, img device.Image) (int64, error)
}

// HelperInstaller copies helper scripts onto the runtime image
type HelperInstaller interface {
	InstallHelpers(ctx context.Context, port string) error
}

// PortWaiter blocks until the serial port is back after a reboot
type PortWaiter interface {
	WaitForPort(ctx context.Context) (string, error)
}

// SerialPortWaiter polls USB enumeration for the configured port
type SerialPortWaiter struct {
	Config   *serial.Config
	Interval time.Duration
}

// WaitForPort implements PortWaiter
func (w SerialPortWaiter) WaitForPort(ctx context.Context) (string, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return serial.WaitForPort(ctx, w.Config, interval)
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Detector   Detector
	Dispatcher Dispatcher
	Locator    Locator
	Installer  Installer
	// Helpers may be nil when helper installation is never requested
	Helpers HelperInstaller
	Ports   PortWaiter
}

// Options control a switch
type Options struct {
	// Mode overrides detection when set to an image or BootloaderMode
	Mode device.Identity

	// Force flashes even when the board already runs the target
	Force bool

	// RuntimeImage and NativeImage are the UF2 paths per target
	RuntimeImage string
	NativeImage  string

	// InstallHelpers copies the helper scripts after switching to the runtime
	InstallHelpers bool

	// Verify re-detects after the switch
	Verify      bool
	VerifyDelay time.Duration

	// SerialWait bounds each wait for the serial port to return
	SerialWait time.Duration

	// Timeout bounds the whole session (0 = none)
	Timeout time.Duration
}

// Report summarizes a finished session
type Report struct {
	Start   device.Identity
	Target  device.Identity
	Final   device.Identity
	Outcome Outcome
	Written int64
	Elapsed time.Duration
	// Deadline is the session deadline (zero when Timeout is unset)
	Deadline time.Time
	// Helpers is set when helper scripts were installed
	Helpers bool
}

// Orchestrator sequences detect, trigger, locate, install and verify
type Orchestrator struct {
	deps    Deps
	opts    Options
	metrics *Metrics
	log     logr.Logger
}

// New creates an orchestrator
func New(deps Deps, opts Options, log logr.Logger) *Orchestrator {
	if opts.SerialWait <= 0 {
		opts.SerialWait = 12 * time.Second
	}
	return &Orchestrator{deps: deps, opts: opts, metrics: NewMetrics(), log: log.WithName("switcher")}
}

// Metrics returns the orchestrator's metrics
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Image returns the configured image for target
func (o *Orchestrator) Image(target device.Identity) device.Image {
	switch target {
	case device.RuntimeImage:
		return device.Image{Path: o.opts.RuntimeImage, Role: target}
	case device.NativeImage:
		return device.Image{Path: o.opts.NativeImage, Role: target}
	}
	return device.Image{Role: target}
}

// Detect returns the current identity. A visible bootloader volume wins over
// the serial banner.
func (o *Orchestrator) Detect(ctx context.Context) (detect.Result, error) {
	if o.deps.Locator != nil {
		present, err := o.deps.Locator.Present(ctx)
		if err != nil {
			o.log.V(1).Info("mass storage check failed", "error", err.Error())
		} else if present {
			return detect.Result{Identity: device.BootloaderMode, Cause: detect.CauseMassStorage}, nil
		}
	}
	return o.deps.Detector.Detect(ctx)
}

// Switch moves the board to target. Every failure comes back as a
// *device.StepError naming the step; nothing is retried.
func (o *Orchestrator) Switch(ctx context.Context, target device.Identity) (*Report, error) {
	start := time.Now()

	img := o.Image(target)
	if !target.IsImage() {
		o.metrics.recordSwitch(target.String(), OutcomeFailed)
		return nil, fmt.Errorf("%w: switch target must be py or cpp, got %s", device.ErrMisuse, target)
	}
	if err := img.Validate(); err != nil {
		o.metrics.recordSwitch(target.String(), OutcomeFailed)
		return nil, err
	}

	var deadline time.Time
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
		deadline, _ = ctx.Deadline()
	}

	s := newSession(target, deadline, o.metrics)
	report := &Report{Target: target, Deadline: deadline}
	err := o.run(ctx, s, img, report)

	report.Outcome = s.Outcome
	report.Elapsed = time.Since(start)
	o.metrics.recordSwitch(target.String(), s.Outcome)

	log := o.log.WithValues("from", report.Start, "target", target, "outcome", s.Outcome, "elapsed", report.Elapsed)
	if err != nil {
		log.Error(err, "switch failed")
		return report, err
	}
	log.Info("switch finished")
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session, img device.Image, report *Report) error {
	target := s.Target

	if err := s.advance(ctx, EventDetect); err != nil {
		return s.fail(ctx, err)
	}
	current, err := o.current(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.Start, s.Last = current, current
	report.Start = current

	if current == target && !o.opts.Force {
		o.log.Info("already running target firmware", "identity", target)
		if err := o.helpers(ctx, s, report); err != nil {
			return err
		}
		report.Final = current
		return s.succeed(ctx, OutcomeSkipped)
	}

	if current.IsImage() {
		if err := s.advance(ctx, EventTrigger); err != nil {
			return s.fail(ctx, err)
		}
		if _, err := o.deps.Dispatcher.Dispatch(ctx, current); err != nil {
			return s.fail(ctx, err)
		}
	} else if current == device.Unknown {
		o.log.Info("firmware not recognized; waiting for the bootloader (hold BOOTSEL and replug if it does not appear)")
	}

	if err := s.advance(ctx, EventLocate); err != nil {
		return s.fail(ctx, err)
	}
	h, err := o.deps.Locator.Wait(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.Last = device.BootloaderMode

	if err := s.advance(ctx, EventInstall); err != nil {
		return s.fail(ctx, err)
	}
	written, err := o.deps.Installer.Install(ctx, h, img)
	report.Written = written
	if rerr := o.deps.Locator.Release(context.WithoutCancel(ctx), h); rerr != nil {
		o.log.V(1).Info("releasing volume failed", "error", rerr.Error())
	}
	if err != nil {
		return s.fail(ctx, err)
	}
	report.Final = target

	if err := o.helpers(ctx, s, report); err != nil {
		return err
	}

	if o.opts.Verify {
		if err := o.verify(ctx, s, report); err != nil {
			return err
		}
	}
	return s.succeed(ctx, OutcomeSuccess)
}

// current honours the mode override, otherwise detects
func (o *Orchestrator) current(ctx context.Context) (device.Identity, error) {
	if o.opts.Mode != device.Unknown {
		o.log.V(1).Info("using mode override", "identity", o.opts.Mode)
		return o.opts.Mode, nil
	}
	res, err := o.Detect(ctx)
	if err != nil {
		return device.Unknown, err
	}
	o.log.Info("detected firmware", "identity", res.Identity, "cause", res.Cause.String(), "line", res.Line)
	return res.Identity, nil
}

// helpers installs the runtime helper scripts. It only runs when the target
// is the runtime image and the image is known to be in place.
func (o *Orchestrator) helpers(ctx context.Context, s *Session, report *Report) error {
	if s.Target != device.RuntimeImage || !o.opts.InstallHelpers {
		return nil
	}
	if o.deps.Helpers == nil {
		return s.fail(ctx, fmt.Errorf("%w: helper installation requested but no installer configured", device.ErrMisuse))
	}
	if err := s.advance(ctx, EventHelpers); err != nil {
		return s.fail(ctx, err)
	}

	port, err := o.waitPort(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.Last = device.RuntimeImage
	if err := o.deps.Helpers.InstallHelpers(ctx, port); err != nil {
		return s.fail(ctx, err)
	}
	report.Helpers = true
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, s *Session, report *Report) error {
	if err := s.advance(ctx, EventVerify); err != nil {
		return s.fail(ctx, err)
	}

	if o.opts.VerifyDelay > 0 {
		select {
		case <-ctx.Done():
			return s.fail(ctx, ctx.Err())
		case <-time.After(o.opts.VerifyDelay):
		}
	}
	if _, err := o.waitPort(ctx); err != nil {
		return s.fail(ctx, err)
	}

	res, err := o.Detect(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.Last = res.Identity
	report.Final = res.Identity
	if res.Identity != s.Target {
		return s.fail(ctx, &device.MismatchError{Want: s.Target, Got: res.Identity})
	}
	return nil
}

func (o *Orchestrator) waitPort(ctx context.Context) (string, error) {
	wctx, cancel := context.WithTimeout(ctx, o.opts.SerialWait)
	defer cancel()
	port, err := o.deps.Ports.WaitForPort(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("serial port did not return within %s: %w", o.opts.SerialWait, err)
		}
		return "", err
	}
	return port, nil
}

// Flash waits for the bootloader volume and writes img. No detection or
// trigger is involved; the board must already be in, or about to enter,
// BOOTSEL.
func (o *Orchestrator) Flash(ctx context.Context, img device.Image) (int64, error) {
	if err := img.Validate(); err != nil {
		return 0, err
	}
	h, err := o.deps.Locator.Wait(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := o.deps.Locator.Release(context.WithoutCancel(ctx), h); err != nil {
			o.log.V(1).Info("releasing volume failed", "error", err.Error())
		}
	}()
	return o.deps.Installer.Install(ctx, h, img)
}
