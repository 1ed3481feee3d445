package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"picoswitch/host/device"
	"picoswitch/host/serial"
)

// DefaultProbe makes MicroPython print its tag without echoing it verbatim, and
// makes the native image answer with tagged diagnostics.
const DefaultProbe = "\x03print('FW:' + 'PY')\r\n"

// DefaultTimeout is the banner read deadline
const DefaultTimeout = 1500 * time.Millisecond

const (
	// maxWindow bounds how much recent output is kept for matching
	maxWindow = 4096
	// idleWait throttles ports that return immediately with no data
	idleWait = 5 * time.Millisecond
)

// Cause explains how a detection result was reached
type Cause int

const (
	// CauseBanner means a recognized tag was read
	CauseBanner Cause = iota
	// CauseUnrecognized means output arrived but carried no known tag
	CauseUnrecognized
	// CauseNoResponse means nothing was read before the deadline
	CauseNoResponse
	// CauseNoPort means the serial endpoint could not be opened
	CauseNoPort
	// CauseMassStorage means the bootloader volume was visible
	CauseMassStorage
	// CauseReadError means the port failed mid-read
	CauseReadError
)

func (c Cause) String() string {
	switch c {
	case CauseBanner:
		return "banner"
	case CauseUnrecognized:
		return "unrecognized output"
	case CauseNoResponse:
		return "no response"
	case CauseNoPort:
		return "no serial port"
	case CauseMassStorage:
		return "mass storage present"
	case CauseReadError:
		return "read error"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Result is the outcome of one detection. An Unknown identity is a normal
// result, not an error; Err carries the underlying reason when there is one.
type Result struct {
	Identity device.Identity
	// Line is the line that carried the tag, or the last non-empty line seen
	Line  string
	Cause Cause
	Err   error
}

// Options tune a Detector
type Options struct {
	// Tags are the banner tokens to recognize (default device.DefaultTags)
	Tags []device.Tag

	// Probe is written after the port is opened; empty sends nothing
	Probe string

	// Timeout bounds the whole read phase
	Timeout time.Duration
}

// DefaultOptions returns the options used by the CLI
func DefaultOptions() Options {
	return Options{
		Tags:    device.DefaultTags,
		Probe:   DefaultProbe,
		Timeout: DefaultTimeout,
	}
}

// Detector reads a banner from a serial endpoint
type Detector struct {
	cfg  *serial.Config
	opts Options
	open serial.OpenFunc
	log  logr.Logger
}

// New creates a detector. A nil open uses serial.Open.
func New(cfg *serial.Config, opts Options, open serial.OpenFunc, log logr.Logger) *Detector {
	if open == nil {
		open = serial.Open
	}
	if len(opts.Tags) == 0 {
		opts.Tags = device.DefaultTags
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Detector{cfg: cfg, opts: opts, open: open, log: log.WithName("detect")}
}

// Detect opens the port, sends the probe and reads until a tag is seen or the
// deadline passes. The returned error is non-nil only when ctx ends.
func (d *Detector) Detect(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	port, err := d.open(d.cfg)
	if err != nil {
		d.log.V(1).Info("serial port unavailable", "port", d.cfg.Device, "error", err.Error())
		return Result{Identity: device.Unknown, Cause: CauseNoPort, Err: err}, nil
	}
	defer func() {
		if err := port.Close(); err != nil {
			d.log.V(1).Info("closing port failed", "error", err.Error())
		}
	}()

	// Stale output from before this session must not be mistaken for a banner
	if err := port.Flush(); err != nil {
		d.log.V(1).Info("flushing port failed", "error", err.Error())
	}

	if d.opts.Probe != "" {
		if _, err := port.Write([]byte(d.opts.Probe)); err != nil {
			d.log.V(1).Info("writing probe failed", "error", err.Error())
		}
	}

	return d.read(ctx, port)
}

func (d *Detector) read(ctx context.Context, port serial.Port) (Result, error) {
	deadline := time.Now().Add(d.opts.Timeout)
	var window []byte
	buf := make([]byte, 256)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		n, err := port.Read(buf)
		if n > 0 {
			window = append(window, buf[:n]...)
			if len(window) > maxWindow {
				window = window[len(window)-maxWindow:]
			}
			if id, line := classify(window, d.opts.Tags); id != device.Unknown {
				d.log.V(1).Info("banner recognized", "identity", id, "line", line)
				return Result{Identity: id, Line: line, Cause: CauseBanner}, nil
			}
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return Result{
				Identity: device.Unknown,
				Line:     lastLine(window),
				Cause:    CauseReadError,
				Err:      fmt.Errorf("reading %s: %w", d.cfg.Device, err),
			}, nil
		}

		if n == 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(idleWait):
			}
		}
	}

	if len(strings.TrimSpace(string(window))) == 0 {
		return Result{
			Identity: device.Unknown,
			Cause:    CauseNoResponse,
			Err:      fmt.Errorf("%w after %s", device.ErrDetectionTimeout, d.opts.Timeout),
		}, nil
	}

	line := lastLine(window)
	d.log.V(1).Info("output without a known tag", "line", line)
	return Result{Identity: device.Unknown, Line: line, Cause: CauseUnrecognized}, nil
}

// classify returns the identity of the first line carrying a tag. The trailing
// partial line counts too, since a banner may arrive without its newline.
func classify(window []byte, tags []device.Tag) (device.Identity, string) {
	for _, line := range splitLines(string(window)) {
		if id := device.ClassifyBanner(line, tags); id != device.Unknown {
			return id, line
		}
	}
	return device.Unknown, ""
}

func lastLine(window []byte) string {
	lines := splitLines(string(window))
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] != "" {
			return lines[i]
		}
	}
	return ""
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}
