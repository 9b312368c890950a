// Package supervisor owns the single Encoder Child process the AirPlay
// pipeline ever runs: one mutable slot, killed and reaped on every exit
// path.
//
// The shape here — signal.Notify(syscall.SIGTERM) translated into a
// graceful Stop, and SIGINT/kill-then-Wait with a bounded grace period —
// generalizes a one-GStreamer-subprocess supervisor to the one AirPlay
// encoder subprocess this module runs, with SIGTERM as the terminating
// signal instead of SIGINT.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Supervisor tracks at most one live child process at a time.
type Supervisor struct {
	mu        sync.Mutex
	child     *exec.Cmd
	done      chan error
	killGrace time.Duration
	logger    *zap.Logger
}

// New returns a Supervisor that waits up to killGrace for a killed child
// to be reaped before giving up on it. A nil logger is replaced with a
// no-op one.
func New(killGrace time.Duration, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{killGrace: killGrace, logger: logger}
}

// Track records cmd as the single live child and starts the one goroutine
// that will ever call cmd.Wait — exec.Cmd forbids calling Wait more than
// once, so Track, not the caller, owns reaping. Callers must Kill any
// previously tracked child first; Track does not do it implicitly, since
// the previous child's exit status may still be worth reading.
func (s *Supervisor) Track(cmd *exec.Cmd) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.child = cmd
	s.done = done
}

// Done returns a channel that receives the tracked child's Wait result
// exactly once it exits, or nil if no child is tracked. Callers use this
// instead of calling cmd.Wait() themselves.
func (s *Supervisor) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Child returns the currently tracked child, or nil if the slot is
// empty. At most one Encoder Child is ever observable via this field at
// any moment, because Track/Kill only ever run on the AirPlay pipeline's
// single driving goroutine.
func (s *Supervisor) Child() *exec.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

// Kill best-effort terminates the tracked child, waits up to killGrace
// for it to be reaped, then clears the slot regardless of outcome.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.child
	done := s.done
	s.child = nil
	s.done = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	var errs error
	if err := cmd.Process.Kill(); err != nil {
		s.logger.Warn("kill encoder child failed", zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("kill encoder child: %w", err))
	}

	select {
	case err := <-done:
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	case <-time.After(s.killGrace):
		s.logger.Warn("encoder child not reaped in time", zap.Duration("grace", s.killGrace))
		errs = multierr.Append(errs, fmt.Errorf("encoder child not reaped within %s", s.killGrace))
	}
	if errs != nil {
		s.logger.Warn("encoder child teardown had errors", zap.Error(errs))
	}
	return errs
}

// WatchSignals installs a POSIX SIGTERM handler that kills the tracked
// child and exits 0, translating the signal into the same clean-exit
// path normal termination takes. On Windows this is a no-op: the
// platform's own teardown invokes the registered hook already.
func (s *Supervisor) WatchSignals() {
	if runtime.GOOS == "windows" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		<-ch
		s.logger.Info("received SIGTERM, tearing down encoder child")
		_ = s.Kill()
		os.Exit(0)
	}()
}
