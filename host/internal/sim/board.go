// Package sim simulates a Pico that can run either firmware image or sit in
// the mass-storage bootloader. It drives host code in tests without hardware:
// the native image runs the real firmware.Machine, the runtime image is a
// minimal REPL, and the bootloader is a directory that flashes *.uf2 files.
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"picoswitch/firmware"
	"picoswitch/host/device"
	"picoswitch/host/serial"
	"picoswitch/host/storage"
)

// ImageEnd terminates a complete simulated image
const ImageEnd = "END"

var errBadImage = errors.New("image carries no banner tag")

// Options configure a simulated board
type Options struct {
	// Protocol of the native image
	Protocol firmware.Protocol

	// Timing of the native state machine
	Timing firmware.Timing

	// BootDelay is how long a reboot takes
	BootDelay time.Duration

	// ReadTimeout bounds each port Read, like a real serial read timeout
	ReadTimeout time.Duration

	// VolumeRoot holds the bootloader volume directories
	VolumeRoot string
}

// DefaultOptions returns fast timings suitable for tests
func DefaultOptions(volumeRoot string) Options {
	return Options{
		Protocol:    firmware.NativeProtocol,
		Timing:      firmware.Timing{IdlePoll: time.Millisecond, RebootGrace: 2 * time.Millisecond},
		BootDelay:   10 * time.Millisecond,
		ReadTimeout: 5 * time.Millisecond,
		VolumeRoot:  volumeRoot,
	}
}

// Board is a simulated Pico
type Board struct {
	opts Options

	mu       sync.Mutex
	identity device.Identity
	gen      int
	console  *console
	volume   string
	history  []device.Identity
	flashed  []string
	helpers  bool
	triggers int
	opens    int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New powers up a board running start
func New(start device.Identity, opts Options) (*Board, error) {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Millisecond
	}
	if err := opts.Protocol.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.VolumeRoot, 0o755); err != nil {
		return nil, err
	}

	b := &Board{opts: opts, stop: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	if start == device.BootloaderMode {
		if err := b.enterBootloaderLocked(); err != nil {
			return nil, err
		}
		return b, nil
	}
	b.bootLocked(start)
	return b, nil
}

// Close stops all board goroutines
func (b *Board) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

// Identity returns what the board is running now
func (b *Board) Identity() device.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// History lists every identity the board has been in, in order
func (b *Board) History() []device.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]device.Identity(nil), b.history...)
}

// Flashed lists the image file names the bootloader accepted
func (b *Board) Flashed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.flashed...)
}

// Triggers counts software-initiated bootloader entries
func (b *Board) Triggers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.triggers
}

// Opens counts serial port opens
func (b *Board) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// HelpersInstalled reports whether InstallHelpers ran on the runtime image
func (b *Board) HelpersInstalled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.helpers
}

// Open implements serial.OpenFunc. The port only exists while an image runs.
func (b *Board) Open(cfg *serial.Config) (serial.Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.console == nil {
		return nil, fmt.Errorf("%w: %s", serial.ErrPortNotFound, cfg.Device)
	}
	b.opens++
	return &port{c: b.console, readTimeout: b.opts.ReadTimeout}, nil
}

// WaitForPort blocks until the serial port exists
func (b *Board) WaitForPort(ctx context.Context) (string, error) {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		b.mu.Lock()
		up := b.console != nil
		b.mu.Unlock()
		if up {
			return "/dev/ttyACM0", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// List implements storage.Lister. The bootloader volume gets a new device
// name on every boot, like a real re-enumeration.
func (b *Board) List(ctx context.Context) ([]storage.BlockDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devs := []storage.BlockDevice{{Name: "nvme0n1p2", Label: "root", MountPoint: "/"}}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity == device.BootloaderMode {
		devs = append(devs, storage.BlockDevice{
			Name:       fmt.Sprintf("sd%c1", 'a'+byte(b.gen%26)),
			Label:      storage.DefaultLabel,
			MountPoint: b.volume,
		})
	}
	return devs, nil
}

// InstallHelpers records a helper-script install on the runtime image
func (b *Board) InstallHelpers(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity != device.RuntimeImage {
		return fmt.Errorf("no MicroPython device found (board is %s)", b.identity)
	}
	b.helpers = true
	return nil
}

// EnterBootloader is the BOOTSEL button: it works from any state
func (b *Board) EnterBootloader() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity == device.BootloaderMode {
		return nil
	}
	return b.enterBootloaderLocked()
}

func (b *Board) trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity == device.BootloaderMode {
		return
	}
	b.triggers++
	_ = b.enterBootloaderLocked()
}

func (b *Board) enterBootloaderLocked() error {
	if b.console != nil {
		b.console.disconnect()
		b.console = nil
	}
	b.gen++
	b.identity = device.BootloaderMode
	b.history = append(b.history, device.BootloaderMode)
	b.volume = filepath.Join(b.opts.VolumeRoot, fmt.Sprintf("RPI-RP2-%d", b.gen))
	if err := os.MkdirAll(b.volume, 0o755); err != nil {
		return err
	}

	b.wg.Add(1)
	go b.bootloaderLoop(b.gen, b.volume)
	return nil
}

func (b *Board) bootLocked(id device.Identity) {
	b.gen++
	b.identity = id
	b.volume = ""
	b.history = append(b.history, id)

	c := newConsole()
	b.console = c
	switch id {
	case device.NativeImage:
		b.wg.Add(1)
		go b.runNative(c)
	case device.RuntimeImage:
		c.repl = &repl{}
		c.reboot = b.trigger
		c.emit([]byte(firmware.RuntimeBanner + "\r\n"))
		c.emit([]byte("MicroPython v1.22.0 on 2024-01-01; Raspberry Pi Pico with RP2040\r\n>>> "))
	}
}

// bootloaderLoop watches the volume for a complete image and boots it
func (b *Board) bootloaderLoop(gen int, dir string) {
	defer b.wg.Done()
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
		}

		name, id, ok := scanVolume(dir)
		if !ok {
			continue
		}

		select {
		case <-b.stop:
			return
		case <-time.After(b.opts.BootDelay):
		}

		b.mu.Lock()
		if b.gen == gen {
			_ = os.RemoveAll(dir)
			b.flashed = append(b.flashed, name)
			b.bootLocked(id)
		}
		b.mu.Unlock()
		return
	}
}

// scanVolume looks for a complete, recognizable image. Incomplete files are
// left alone; unrecognizable ones are discarded like the ROM does.
func scanVolume(dir string) (string, device.Identity, bool) {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.uf2"))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil || !bytes.HasSuffix(data, []byte(ImageEnd)) {
			continue
		}
		id := device.ClassifyBanner(string(data), device.DefaultTags)
		if id == device.Unknown {
			_ = os.Remove(path)
			continue
		}
		return filepath.Base(path), id, true
	}
	return "", device.Unknown, false
}

// WriteImage creates a simulated firmware file for id in dir
func WriteImage(dir, name string, id device.Identity) (device.Image, error) {
	var tag string
	switch id {
	case device.RuntimeImage:
		tag = firmware.RuntimeBanner
	case device.NativeImage:
		tag = firmware.NativeBanner
	default:
		return device.Image{}, fmt.Errorf("%w: %s", errBadImage, id)
	}

	var buf bytes.Buffer
	buf.WriteString("UF2\n" + tag + "\n")
	buf.Write(bytes.Repeat([]byte{0xff}, 8192))
	buf.WriteString(ImageEnd)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return device.Image{}, err
	}
	return device.Image{Path: path, Role: id}, nil
}

// nativeBoard adapts a console to firmware.Board
type nativeBoard struct {
	b *Board
	c *console
}

func (n *nativeBoard) Buffered() int               { return n.c.in.Buffered() }
func (n *nativeBoard) ReadByte() (byte, error)     { return n.c.in.ReadByte() }
func (n *nativeBoard) Write(p []byte) (int, error) { n.c.emit(p); return len(p), nil }
func (n *nativeBoard) Sleep(d time.Duration)       { time.Sleep(d) }
func (n *nativeBoard) EnterBootloader()            { n.b.trigger() }

func (b *Board) runNative(c *console) {
	defer b.wg.Done()
	m := firmware.NewMachine(b.opts.Protocol, &nativeBoard{b: b, c: c}, b.opts.Timing)

	m.Boot()
	for m.State() != firmware.StateRebooting {
		select {
		case <-b.stop:
			return
		default:
		}
		if c.disconnected() {
			return
		}
		if !m.Poll() {
			time.Sleep(b.opts.Timing.IdlePoll)
		}
	}
	m.Reboot()
}

// repl is just enough MicroPython to answer a probe and honour the
// bootloader commands
type repl struct {
	line []byte
}

// feed processes input and returns the output and whether to reboot
func (r *repl) feed(p []byte) ([]byte, bool) {
	var out bytes.Buffer
	for _, c := range p {
		switch c {
		case 0x03:
			r.line = r.line[:0]
			out.WriteString("\r\nKeyboardInterrupt\r\n>>> ")
		case '\r', '\n':
			line := strings.TrimSpace(string(r.line))
			r.line = r.line[:0]
			out.WriteString("\r\n")
			if line == "" {
				out.WriteString(">>> ")
				continue
			}
			if strings.Contains(line, "machine.bootloader()") || strings.Contains(line, "import bootloader_trigger") {
				return out.Bytes(), true
			}
			if strings.HasPrefix(line, "print(") {
				out.WriteString(evalPrint(line) + "\r\n")
			}
			out.WriteString(">>> ")
		default:
			r.line = append(r.line, c)
			out.WriteByte(c)
		}
	}
	return out.Bytes(), false
}

// evalPrint concatenates the string literals of a print call
func evalPrint(line string) string {
	var sb strings.Builder
	for i := 0; i < len(line); i++ {
		q := line[i]
		if q != '\'' && q != '"' {
			continue
		}
		end := strings.IndexByte(line[i+1:], q)
		if end < 0 {
			break
		}
		sb.WriteString(line[i+1 : i+1+end])
		i += end + 1
	}
	return sb.String()
}
