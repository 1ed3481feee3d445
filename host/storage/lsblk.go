package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// BlockDevice is one row of the OS block-device listing
type BlockDevice struct {
	Name       string
	Label      string
	MountPoint string
}

// Path returns the device node
func (b BlockDevice) Path() string {
	if strings.HasPrefix(b.Name, "/") {
		return b.Name
	}
	return "/dev/" + b.Name
}

// Lister enumerates block devices
type Lister interface {
	List(ctx context.Context) ([]BlockDevice, error)
}

// LsblkLister runs lsblk in key="value" pair mode
type LsblkLister struct {
	// Path of the lsblk binary (default "lsblk")
	Path string
}

// List runs lsblk and parses its output
func (l LsblkLister) List(ctx context.Context) ([]BlockDevice, error) {
	bin := l.Path
	if bin == "" {
		bin = "lsblk"
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-P", "-n", "-o", "NAME,LABEL,MOUNTPOINT")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("lsblk failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseLsblk(out)
}

// ParseLsblk parses `lsblk -P` output, one KEY="value" row per line.
// lsblk hex-escapes unsafe characters (\x20 for space); those are decoded.
func ParseLsblk(out []byte) ([]BlockDevice, error) {
	var devs []BlockDevice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		// Keep lsblk's backslashes for unescape; shlex would eat them
		tokens, err := shlex.Split(strings.ReplaceAll(line, `\`, `\\`))
		if err != nil {
			return nil, fmt.Errorf("lsblk line %d: %w", lineNo, err)
		}

		var dev BlockDevice
		for _, tok := range tokens {
			key, val, ok := strings.Cut(tok, "=")
			if !ok {
				return nil, fmt.Errorf("lsblk line %d: malformed field %q", lineNo, tok)
			}
			val = unescape(val)
			switch key {
			case "NAME":
				dev.Name = val
			case "LABEL":
				dev.Label = val
			case "MOUNTPOINT", "MOUNTPOINTS":
				dev.MountPoint = val
			}
		}
		if dev.Name == "" {
			return nil, fmt.Errorf("lsblk line %d: missing NAME", lineNo)
		}
		devs = append(devs, dev)
	}
	return devs, sc.Err()
}

// unescape decodes \xNN sequences
func unescape(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
