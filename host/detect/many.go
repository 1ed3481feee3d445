package detect

import (
	"context"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"picoswitch/host/serial"
)

// PortResult pairs a detection result with the port it came from
type PortResult struct {
	Device string
	Result Result
}

// DetectMany runs one detector per port concurrently. Results keep the order
// of cfgs. Only ctx cancellation fails the whole call.
func DetectMany(ctx context.Context, cfgs []*serial.Config, opts Options, open serial.OpenFunc, log logr.Logger) ([]PortResult, error) {
	results := make([]PortResult, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)

	for i, cfg := range cfgs {
		g.Go(func() error {
			res, err := New(cfg, opts, open, log.WithValues("port", cfg.Device)).Detect(gctx)
			if err != nil {
				return err
			}
			results[i] = PortResult{Device: cfg.Device, Result: res}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
