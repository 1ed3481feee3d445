package mpremote

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
)

//go:embed helpers/*.py
var helpers embed.FS

// HelperFiles lists the embedded helper scripts in install order
func HelperFiles() []string {
	entries, _ := fs.ReadDir(helpers, "helpers")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// Runner executes mpremote with args and returns its combined output
type Runner func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Client drives mpremote against one board
type Client struct {
	// Bin is the mpremote executable (default "mpremote")
	Bin string

	run Runner
	log logr.Logger
}

// New creates a client. A nil run executes the real binary.
func New(bin string, run Runner, log logr.Logger) *Client {
	if bin == "" {
		bin = "mpremote"
	}
	if run == nil {
		run = execRunner
	}
	return &Client{Bin: bin, run: run, log: log.WithName("mpremote")}
}

func (c *Client) exec(ctx context.Context, args ...string) error {
	out, err := c.run(ctx, c.Bin, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("mpremote %s: %w: %s", strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("mpremote %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// InstallHelpers copies boot.py and bootloader_trigger.py to the board's
// filesystem root
func (c *Client) InstallHelpers(ctx context.Context, port string) error {
	dir, err := os.MkdirTemp("", "picoswitch-helpers-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	c.log.Info("installing MicroPython helper files", "port", port)
	for _, name := range HelperFiles() {
		data, err := helpers.ReadFile("helpers/" + name)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		if err := c.exec(ctx, "connect", port, "fs", "cp", path, ":"); err != nil {
			return fmt.Errorf("failed to install %s: %w", name, err)
		}
		c.log.V(1).Info("helper installed", "file", name)
	}
	return nil
}

// Probe reports whether MicroPython answers a trivial exec on port
func (c *Client) Probe(ctx context.Context, port string) bool {
	if err := c.exec(ctx, "connect", port, "exec", "print('FW:PY')"); err != nil {
		c.log.V(1).Info("mpremote probe failed", "error", err.Error())
		return false
	}
	return true
}
