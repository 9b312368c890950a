package main

import (
	"context"
	"testing"

	"mirror-bridge/capture"
	"mirror-bridge/config"
	"mirror-bridge/protocol"

	"go.uber.org/zap"
)

func TestRunPrintsVersionAndExitsZero(t *testing.T) {
	if code := run([]string{"--version"}); code != 0 {
		t.Errorf("run(--version) = %d, want 0", code)
	}
}

func TestRunRequiresUdidWithoutAirplay(t *testing.T) {
	if code := run(nil); code != 1 {
		t.Errorf("run(nil) = %d, want 1 (usage banner, no udid given)", code)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	if code := run([]string{"--not-a-real-flag"}); code != 1 {
		t.Errorf("run(--not-a-real-flag) = %d, want 1", code)
	}
}

// TestRunExitsNonZeroWhenCapturePoolTerminates pins down the runPool →
// RunLadder → run() chain: a strategy that reports Ok after its pool
// died from a worker's terminal device error must still exit the
// process non-zero, not read as ordinary ladder success.
func TestRunExitsNonZeroWhenCapturePoolTerminates(t *testing.T) {
	original := buildStrategies
	defer func() { buildStrategies = original }()

	buildStrategies = func(cfg *config.Config, udid string, w *protocol.Writer, logger *zap.Logger) []capture.Strategy {
		return []capture.Strategy{
			func(ctx context.Context) (capture.Disposition, error) {
				return capture.Ok, capture.ErrTerminated
			},
		}
	}

	if code := run([]string{"fake-udid"}); code != 1 {
		t.Errorf("run(fake-udid) = %d, want 1 (pool terminated via end-sentinel)", code)
	}
}
