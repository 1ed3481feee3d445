package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"picoswitch/host/device"
)

// Defaults for the bootloader volume
const (
	DefaultLabel     = "RPI-RP2"
	DefaultMountBase = "/mnt/pico"
	DefaultInterval  = 250 * time.Millisecond
	DefaultTimeout   = 10 * time.Second
	DefaultWatchDir  = "/dev/disk/by-label"
)

// Handle is a located (and mounted) bootloader volume
type Handle struct {
	DevicePath string
	MountPoint string
	Label      string
	// Mounted is set when the locator mounted the volume itself
	Mounted bool
}

// Mounter mounts and releases block devices
type Mounter interface {
	Mount(ctx context.Context, device, dir string) error
	Unmount(ctx context.Context, dir string) error
}

// ExecMounter shells out to mount(8) and umount(8)
type ExecMounter struct{}

// Mount mounts device at dir
func (ExecMounter) Mount(ctx context.Context, device, dir string) error {
	return run(ctx, "mount", device, dir)
}

// Unmount lazily detaches dir; the volume vanishes on its own once the
// bootloader reboots
func (ExecMounter) Unmount(ctx context.Context, dir string) error {
	return run(ctx, "umount", "-l", dir)
}

func run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Options tune a Locator
type Options struct {
	Label     string
	MountBase string
	Interval  time.Duration
	Timeout   time.Duration
	// WatchDir wakes the poll early on changes; empty disables watching
	WatchDir string
}

// DefaultOptions returns the locator defaults
func DefaultOptions() Options {
	return Options{
		Label:     DefaultLabel,
		MountBase: DefaultMountBase,
		Interval:  DefaultInterval,
		Timeout:   DefaultTimeout,
		WatchDir:  DefaultWatchDir,
	}
}

// Locator finds the bootloader mass-storage volume
type Locator struct {
	opts    Options
	lister  Lister
	mounter Mounter
	log     logr.Logger
}

// NewLocator creates a locator. Nil lister/mounter use lsblk and mount(8).
func NewLocator(opts Options, lister Lister, mounter Mounter, log logr.Logger) *Locator {
	def := DefaultOptions()
	if opts.Label == "" {
		opts.Label = def.Label
	}
	if opts.MountBase == "" {
		opts.MountBase = def.MountBase
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if lister == nil {
		lister = LsblkLister{}
	}
	if mounter == nil {
		mounter = ExecMounter{}
	}
	return &Locator{opts: opts, lister: lister, mounter: mounter, log: log.WithName("locator")}
}

// Label returns the volume label being searched for
func (l *Locator) Label() string {
	return l.opts.Label
}

func (l *Locator) lookup(ctx context.Context) (*BlockDevice, error) {
	devs, err := l.lister.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devs {
		if devs[i].Label == l.opts.Label {
			return &devs[i], nil
		}
	}
	return nil, nil
}

// Present reports whether the volume is visible right now. It never mounts.
func (l *Locator) Present(ctx context.Context) (bool, error) {
	dev, err := l.lookup(ctx)
	if err != nil {
		return false, err
	}
	return dev != nil, nil
}

// Find polls once. It returns (nil, nil) when the volume is not visible and
// mounts it at MountBase when it is visible but unmounted.
func (l *Locator) Find(ctx context.Context) (*Handle, error) {
	dev, err := l.lookup(ctx)
	if err != nil || dev == nil {
		return nil, err
	}

	h := &Handle{DevicePath: dev.Path(), MountPoint: dev.MountPoint, Label: dev.Label}
	if h.MountPoint != "" {
		return h, nil
	}

	if err := os.MkdirAll(l.opts.MountBase, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount point %s: %w", l.opts.MountBase, err)
	}
	if err := l.mounter.Mount(ctx, h.DevicePath, l.opts.MountBase); err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", h.DevicePath, err)
	}
	l.log.Info("mounted bootloader volume", "device", h.DevicePath, "mountpoint", l.opts.MountBase)

	h.MountPoint = l.opts.MountBase
	h.Mounted = true
	return h, nil
}

// Wait polls until the volume is found or the timeout passes. The device path
// is looked up afresh on every poll. Errors during the wait are retried; the
// last one is reported with the timeout.
func (l *Locator) Wait(ctx context.Context) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	wake := l.watch(ctx)
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		h, err := l.Find(ctx)
		if err == nil && h != nil {
			return h, nil
		}
		if err != nil && ctx.Err() == nil {
			lastErr = err
			l.log.V(1).Info("poll failed, retrying", "attempt", attempt, "error", err.Error())
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			if lastErr != nil {
				return nil, fmt.Errorf("%w: no %s volume within %s (last error: %v)",
					device.ErrDeviceNotFound, l.opts.Label, l.opts.Timeout, lastErr)
			}
			return nil, fmt.Errorf("%w: no %s volume within %s",
				device.ErrDeviceNotFound, l.opts.Label, l.opts.Timeout)
		case <-ticker.C:
		case <-wake:
			l.log.V(1).Info("device change observed, polling early")
		}
	}
}

// Release unmounts a volume the locator mounted itself
func (l *Locator) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.Mounted {
		return nil
	}
	return l.mounter.Unmount(ctx, h.MountPoint)
}

// watch returns a channel that receives on filesystem changes in WatchDir.
// It returns nil (block forever) when watching is unavailable.
func (l *Locator) watch(ctx context.Context) <-chan struct{} {
	if l.opts.WatchDir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.log.V(1).Info("fsnotify unavailable, polling only", "error", err.Error())
		return nil
	}
	if err := watcher.Add(l.opts.WatchDir); err != nil {
		// by-label does not exist until the first labelled disk appears
		l.log.V(1).Info("cannot watch, polling only", "dir", l.opts.WatchDir, "error", err.Error())
		watcher.Close()
		return nil
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.V(1).Info("watch error", "error", err.Error())
			}
		}
	}()
	return wake
}
