package capture

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mirror-bridge/config"
	"mirror-bridge/protocol"

	"go.uber.org/zap/zaptest"
)

func TestRunLadderStopsAtFirstOk(t *testing.T) {
	var calls []string

	strategies := []Strategy{
		func(ctx context.Context) (Disposition, error) {
			calls = append(calls, "one")
			return ConstructionFailed, errors.New("no binary")
		},
		func(ctx context.Context) (Disposition, error) {
			calls = append(calls, "two")
			return Ok, nil
		},
		func(ctx context.Context) (Disposition, error) {
			calls = append(calls, "three")
			return Ok, nil
		},
	}

	if err := RunLadder(context.Background(), strategies); err != nil {
		t.Fatalf("RunLadder: %v", err)
	}
	if len(calls) != 2 || calls[0] != "one" || calls[1] != "two" {
		t.Errorf("calls = %v, want [one two]", calls)
	}
}

func TestRunLadderExhaustsAllStrategies(t *testing.T) {
	strategies := []Strategy{
		func(ctx context.Context) (Disposition, error) { return ConstructionFailed, errors.New("x") },
		func(ctx context.Context) (Disposition, error) { return TransientErr, errors.New("y") },
	}

	if err := RunLadder(context.Background(), strategies); err == nil {
		t.Error("expected an error when every strategy fails")
	}
}

// TestRunLadderPropagatesPoolTermination drives a real runPool-backed
// strategy whose only worker dies with a terminal device error, and
// asserts RunLadder surfaces ErrTerminated instead of reading the
// strategy's Ok disposition as unconditional success.
func TestRunLadderPropagatesPoolTermination(t *testing.T) {
	var n int32
	flaky := func(ctx context.Context) ([]byte, error) {
		if atomic.AddInt32(&n, 1) > 2 {
			return nil, &TerminalError{Err: errors.New("device unplugged")}
		}
		return fakePNG(4, 4), nil
	}

	cfg := config.Default()
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	logger := zaptest.NewLogger(t)

	strategies := []Strategy{
		func(ctx context.Context) (Disposition, error) {
			return runPool(ctx, cfg, flaky, nil, w, logger)
		},
	}

	err := RunLadder(context.Background(), strategies)
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("RunLadder error = %v, want ErrTerminated", err)
	}
}
