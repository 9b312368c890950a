package capture

import (
	"context"
	"fmt"

	"mirror-bridge/config"
	"mirror-bridge/devicectl"
	"mirror-bridge/logging"
	"mirror-bridge/optimize"
	"mirror-bridge/protocol"

	"go.uber.org/zap"
)

// Disposition is a strategy's outcome, modeled as an ordered-closure
// result rather than exceptions: every strategy returns Ok,
// ConstructionFailed, or TransientErr instead of panicking or raising.
type Disposition int

const (
	// Ok means the strategy got a capture pool running to completion;
	// the ladder stops here regardless of how the pool ultimately ended
	// (peer gone cleanly, or a worker's terminal device error) — the
	// accompanying error distinguishes the two for the caller.
	Ok Disposition = iota
	// ConstructionFailed means setup (opening a session, resolving a
	// CLI) never got far enough to try a single capture; the ladder
	// advances silently.
	ConstructionFailed
	// TransientErr means setup partly succeeded but the first capture
	// attempt failed in a way that still permits falling through.
	TransientErr
)

// Strategy is one rung of the Device Strategy Ladder.
type Strategy func(ctx context.Context) (Disposition, error)

// RunLadder tries each strategy in order, stopping at the first Ok. The
// error alongside a non-Ok disposition is logged and swallowed so the
// ladder can keep falling through; the error alongside Ok is returned
// to the caller unchanged, since it may be ErrTerminated — a worker's
// terminal device error, which must exit the process non-zero rather
// than read as ladder success.
func RunLadder(ctx context.Context, strategies []Strategy) error {
	for i, s := range strategies {
		disposition, err := s(ctx)
		if disposition == Ok {
			return err
		}
		if err != nil {
			logging.Info("strategy %d: %v", i+1, err)
		}
	}
	return fmt.Errorf("capture: device strategy ladder exhausted")
}

// Ladder builds the three capture-pool-backed strategies, in order, for
// udid. The fourth rung, the external CLI fallback, is deliberately not
// part of this list: unlike the first three it never runs a capture pool
// and always ends the process with TUNNEL_REQUIRED plus a non-zero exit
// (see ExternalCLIFallback), so it is invoked directly by the caller
// once the ladder is exhausted rather than folded into the
// Ok/ConstructionFailed/TransientErr protocol.
func Ladder(cfg *config.Config, udid string, w *protocol.Writer, logger *zap.Logger) []Strategy {
	return []Strategy{
		DirectStrategy(cfg, udid, w, logger),
		TunneledStrategy(cfg, udid, w, logger),
		AutoMountStrategy(cfg, udid, w, logger),
	}
}

// runPool drives a fresh single-worker pool against capture until it
// ends, opportunistically adding up to two more workers over additional
// sessions opened by moreSessions. It always reports Ok once a pool
// actually ran: the accompanying error is the pool's own Run result —
// nil for a clean peer-gone shutdown, ErrTerminated for a worker's
// terminal device error, or any other write failure — so the caller can
// tell those apart instead of the ladder papering over them.
func runPool(ctx context.Context, cfg *config.Config, primary Func, moreSessions func() []Func, w *protocol.Writer, logger *zap.Logger) (Disposition, error) {
	pool := NewPool(cfg.Capture.FrameChannelCapacity, cfg.Optimizer, logger)
	pool.AddWorker(ctx, "worker-1", primary, cfg.Capture.TransientRetryDelay)

	if moreSessions != nil {
		extra := moreSessions()
		for i, fn := range extra {
			if i >= cfg.Capture.MaxWorkers-1 {
				break
			}
			pool.AddWorker(ctx, fmt.Sprintf("worker-%d", i+2), fn, cfg.Capture.TransientRetryDelay)
		}
	}

	err := pool.Run(w)
	return Ok, err
}

// DirectStrategy opens a lockdown session over USB-mux and runs the
// worker pool against it.
func DirectStrategy(cfg *config.Config, udid string, w *protocol.Writer, logger *zap.Logger) Strategy {
	return func(ctx context.Context) (Disposition, error) {
		client, err := devicectl.OpenLockdown(udid, logger)
		if err != nil {
			return ConstructionFailed, err
		}
		logger.Info("ScreenshotService connected", zap.String("udid", udid))
		logging.Info("ScreenshotService connected")

		return runPool(ctx, cfg, client.Screenshot, func() []Func {
			var extra []Func
			for i := 0; i < 2; i++ {
				c, err := devicectl.OpenLockdown(udid, logger)
				if err != nil {
					logging.Info("parallel capture worker-%d unavailable: %v", i+2, err)
					break
				}
				if _, err := c.Screenshot(ctx); err != nil {
					logging.Info("parallel capture worker-%d unavailable: %v", i+2, err)
					break
				}
				extra = append(extra, c.Screenshot)
			}
			return extra
		}, w, logger)
	}
}

// TunneledStrategy only applies to iOS ≥ cfg.Capture.MinTunneledIOSVersion.
// It queries tunneld for a descriptor, logs it, and runs the pool against
// a freshly opened lockdown client for udid. The descriptor's host/port
// is not passed on: the screenshot CLI call is the same one Direct uses.
// A screenshot client and a DVT instrumentation screenshot path both
// collapse to that one devicectl CLI call here, since the underlying CLI
// boundary exposes only one screenshot mechanism (see SPEC_FULL.md).
func TunneledStrategy(cfg *config.Config, udid string, w *protocol.Writer, logger *zap.Logger) Strategy {
	return func(ctx context.Context) (Disposition, error) {
		client, err := devicectl.OpenLockdown(udid, logger)
		if err != nil {
			return ConstructionFailed, err
		}
		defer client.Close()

		if v := client.ProductVersionMajor(ctx); v < cfg.Capture.MinTunneledIOSVersion {
			return ConstructionFailed, fmt.Errorf("device iOS version %d below tunneled floor", v)
		}

		desc, err := devicectl.LookupTunnel(ctx, cfg.Tunnel.Addr, udid, cfg.Tunnel.Timeout, logger)
		if err != nil {
			return ConstructionFailed, err
		}
		logger.Info("connecting via tunneld", zap.String("host", desc.Host), zap.Int("port", desc.Port))
		logging.Info("connecting via tunneld %s:%d", desc.Host, desc.Port)

		tunneled, err := devicectl.OpenLockdown(udid, logger)
		if err != nil {
			return ConstructionFailed, err
		}
		logging.Info("ScreenshotService via tunnel connected")

		return runPool(ctx, cfg, tunneled.Screenshot, nil, w, logger)
	}
}

// AutoMountStrategy invokes the auto-mount CLI verb, then retries Direct.
func AutoMountStrategy(cfg *config.Config, udid string, w *protocol.Writer, logger *zap.Logger) Strategy {
	return func(ctx context.Context) (Disposition, error) {
		client, err := devicectl.OpenLockdown(udid, logger)
		if err != nil {
			return ConstructionFailed, err
		}
		if v := client.ProductVersionMajor(ctx); v < cfg.Capture.MinTunneledIOSVersion {
			return ConstructionFailed, fmt.Errorf("device iOS version %d below auto-mount floor", v)
		}
		client.Close()

		logging.Info("attempting developer-image auto-mount")
		if err := devicectl.AutoMount(ctx, udid, cfg.Capture.AutoMountTimeout, logger); err != nil {
			return TransientErr, err
		}
		logging.Info("auto-mount complete")

		return DirectStrategy(cfg, udid, w, logger)(ctx)
	}
}

// ExternalCLIFallback is the ladder's last rung: a single
// idevicescreenshot invocation, optionally emitting one optimized frame
// if it succeeds, but always ending with the canonical TUNNEL_REQUIRED
// sentinel and a non-zero result — unlike the other three rungs this
// never starts a capture pool, and exits the process unconditionally
// after exactly one attempt.
func ExternalCLIFallback(ctx context.Context, cfg *config.Config, udid string, w *protocol.Writer, logger *zap.Logger) error {
	logging.Info("falling back to idevicescreenshot")

	res, err := devicectl.IdeviceScreenshot(ctx, udid, cfg.Capture.IdeviceScreenshotTimeout, logger)
	if err != nil {
		logging.Info("idevicescreenshot failed: %v", err)
	} else if opt, optErr := optimize.Frame(res.PNG, cfg.Optimizer); optErr == nil {
		_ = w.Write(protocol.EncodedFrame{Width: opt.OrigWidth, Height: opt.OrigHeight, Payload: opt.Payload})
	}

	logging.TunnelRequired()
	return fmt.Errorf("capture: external CLI fallback requires a developer tunnel")
}
