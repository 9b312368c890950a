// Package capture implements the capture worker pool and the device
// capture strategy ladder.
//
// The pool's shape — N producer goroutines pushing onto a bounded
// channel, one coalescing consumer draining it — forwards frames
// downstream through a fixed-capacity channel with "drop the stale one,
// keep the newest" semantics under a slow consumer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mirror-bridge/config"
	"mirror-bridge/logging"
	"mirror-bridge/optimize"
	"mirror-bridge/protocol"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Func captures a single raw frame from a device session.
type Func func(ctx context.Context) ([]byte, error)

// TerminalError marks a capture failure as connection/IO fatal — the
// producer that raises it posts the end-sentinel and exits. Any other
// error is treated as transient: logged, slept on, retried.
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return fmt.Sprintf("terminal capture error: %v", e.Err) }
func (e *TerminalError) Unwrap() error { return e.Err }

type message struct {
	frame protocol.EncodedFrame
	end   bool
}

// Pool fans a fixed-capacity channel out to 1..K producers and in to one
// coalescing consumer.
type Pool struct {
	ch        chan message
	sessionID string
	delivered *atomic.Int64
	logger    *zap.Logger
	optimizer config.OptimizerConfig
}

// NewPool returns a Pool with the given channel capacity, optimizing
// every captured frame per optimizer. Each pool gets a fresh correlation
// id so every producer/consumer log line for one capture session can be
// grepped together; logger is scoped with that id up front the way the
// teacher's camera.Camera carries a logger.With(zap.String("camera",
// id)) sub-logger. A nil logger is replaced with a no-op one.
func NewPool(capacity int, optimizer config.OptimizerConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Pool{
		ch:        make(chan message, capacity),
		sessionID: id,
		delivered: atomic.NewInt64(0),
		logger:    logger.With(zap.String("session", id)),
		optimizer: optimizer,
	}
}

// FramesDelivered returns how many frames this pool has written to its
// consumer's Writer so far.
func (p *Pool) FramesDelivered() int64 {
	return p.delivered.Load()
}

// AddWorker starts a producer goroutine labeled label, calling capture
// repeatedly until ctx is canceled or a terminal error occurs.
// retryDelay is the backoff after a transient error (spec: 1 second).
func (p *Pool) AddWorker(ctx context.Context, label string, capture Func, retryDelay time.Duration) {
	go p.produce(ctx, label, capture, retryDelay)
}

func (p *Pool) produce(ctx context.Context, label string, capture Func, retryDelay time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := capture(ctx)
		if err != nil {
			var term *TerminalError
			if errors.As(err, &term) {
				p.logger.Error("device disconnected", zap.String("worker", label), zap.Error(term.Err))
				logging.MirrorError("device disconnected (session=%s, %s): %v", p.sessionID, label, term.Err)
				select {
				case p.ch <- message{end: true}:
				case <-ctx.Done():
				}
				return
			}
			p.logger.Warn("transient capture error", zap.String("worker", label), zap.Error(err))
			logging.Info("(session=%s, %s) %v", p.sessionID, label, err)
			sleep(ctx, retryDelay)
			continue
		}

		opt, err := optimize.Frame(raw, p.optimizer)
		if err != nil {
			p.logger.Warn("optimize failed", zap.String("worker", label), zap.Error(err))
			logging.Info("(session=%s, %s) optimize failed: %v", p.sessionID, label, err)
			sleep(ctx, retryDelay)
			continue
		}

		frame := protocol.EncodedFrame{
			Width:   opt.OrigWidth,
			Height:  opt.OrigHeight,
			Payload: opt.Payload,
		}
		select {
		case p.ch <- message{frame: frame}:
		case <-ctx.Done():
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ErrTerminated is returned by Run when a producer posted the
// end-sentinel: the caller should exit non-zero.
var ErrTerminated = errors.New("capture: end-sentinel received")

// Run drains the pool's channel until an end-sentinel arrives or w's
// peer goes away, coalescing any backlog to the most recent frame before
// every write. It never reorders: within one drain cycle the surviving
// frame is always the latest one taken off the channel. A sentinel seen
// mid-drain still ends the session, but only after the frame it was
// drained alongside has been written — the consumer never discards a
// good frame just because the end-sentinel happened to queue up behind
// it in the same burst.
func (p *Pool) Run(w *protocol.Writer) error {
	for {
		msg := <-p.ch
		if msg.end {
			p.logger.Warn("capture session ended by end-sentinel", zap.Int64("frames_delivered", p.delivered.Load()))
			return ErrTerminated
		}

		latest := msg
		terminated := false
	drain:
		for {
			select {
			case next := <-p.ch:
				if next.end {
					terminated = true
					break drain
				}
				latest = next
			default:
				break drain
			}
		}

		if err := w.Write(latest.frame); err != nil {
			if errors.Is(err, protocol.ErrPeerGone) {
				return nil
			}
			return err
		}
		p.delivered.Inc()

		if terminated {
			p.logger.Warn("capture session ended by end-sentinel", zap.Int64("frames_delivered", p.delivered.Load()))
			return ErrTerminated
		}
	}
}
