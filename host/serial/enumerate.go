package serial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes an enumerated serial port
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Matches reports whether the port carries the given USB IDs (empty matches any)
func (p PortInfo) Matches(vid, pid string) bool {
	if !p.IsUSB {
		return false
	}
	if vid != "" && !strings.EqualFold(p.VID, vid) {
		return false
	}
	if pid != "" && !strings.EqualFold(p.PID, pid) {
		return false
	}
	return true
}

// Swapped in tests
var (
	listDetailedPorts = enumerator.GetDetailedPortsList
	statPath          = os.Stat
)

// ListPorts enumerates serial ports sorted by name
func ListPorts() ([]PortInfo, error) {
	details, err := listDetailedPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          strings.ToUpper(d.VID),
			PID:          strings.ToUpper(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

// FindPorts returns the USB serial ports matching vid/pid
func FindPorts(vid, pid string) ([]PortInfo, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}
	var out []PortInfo
	for _, p := range ports {
		if p.Matches(vid, pid) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Resolve returns the device path to open. The configured path wins when it
// exists; otherwise the first port with the configured USB IDs is used, since
// a rebooted board may come back under a different ttyACM number.
func Resolve(cfg *Config) (string, error) {
	if cfg.Device != "" {
		if _, err := statPath(cfg.Device); err == nil {
			return cfg.Device, nil
		}
	}

	if cfg.VendorID != "" {
		ports, err := FindPorts(cfg.VendorID, cfg.ProductID)
		if err != nil {
			return "", err
		}
		if len(ports) > 0 {
			return ports[0].Name, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrPortNotFound, cfg.Device)
}

// WaitForPort polls Resolve at a fixed interval until the port exists or ctx ends
func WaitForPort(ctx context.Context, cfg *Config, interval time.Duration) (string, error) {
	var device string
	op := func() error {
		d, err := Resolve(cfg)
		if err != nil {
			if !errors.Is(err, ErrPortNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		device = d
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("timed out waiting for serial port %s: %w", cfg.Device, err)
		}
		return "", err
	}
	return device, nil
}
