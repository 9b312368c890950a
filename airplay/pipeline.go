package airplay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"mirror-bridge/config"
	"mirror-bridge/devicectl"
	"mirror-bridge/jpegstream"
	"mirror-bridge/logging"
	"mirror-bridge/protocol"
	"mirror-bridge/supervisor"

	"go.uber.org/zap"
)

const encoderName = "uxplay"

// Run drives the AirPlay encoder pipeline: up to cfg.MaxAttempts tries
// of kill-stale → open-transport → launch-child → early-death-probe →
// listener-readiness-probe → (Windows) accept → ready-marker →
// drive-reframer → terminate. It returns nil once a
// session has emitted at least one frame; a non-nil error means every
// attempt was exhausted without emitting anything, or a fatal
// environment condition was detected (no retries in that case).
func Run(ctx context.Context, cfg config.AirPlayConfig, sup *supervisor.Supervisor, w *protocol.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	binary := devicectl.ResolveBinary(encoderName, "uxplay-windows", "uxplay.exe")

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		logger.Info("starting AirPlay server", zap.String("encoder", encoderName), zap.Int("attempt", attempt), zap.Int("max_attempts", cfg.MaxAttempts))
		logging.Info("starting AirPlay server via uxplay (attempt %d/%d)...", attempt, cfg.MaxAttempts)

		killStale(encoderName)

		frameCount, fatal, err := runAttempt(ctx, binary, cfg, sup, w, logger)
		if fatal != nil {
			logger.Error("AirPlay pipeline hit a fatal environment condition", zap.Error(fatal))
			logging.MirrorError("%s", fatal)
			return fatal
		}
		if frameCount > 0 {
			return nil
		}
		if err != nil {
			logger.Warn("attempt produced no frames", zap.Int("attempt", attempt), zap.Error(err))
			logging.Info("attempt %d produced no frames: %v", attempt, err)
		}

		if attempt < cfg.MaxAttempts {
			logging.Info("no frame received, restarting uxplay in %s...", cfg.RetryDelay)
			time.Sleep(cfg.RetryDelay)
			continue
		}
	}

	return fmt.Errorf("AirPlay ended without sending video after %d attempts; check the device is on the same network", cfg.MaxAttempts)
}

// runAttempt runs one full attempt of the state machine. fatal is
// non-nil only for an environment condition that must not be retried;
// err carries a retryable failure reason.
func runAttempt(ctx context.Context, binary string, cfg config.AirPlayConfig, sup *supervisor.Supervisor, w *protocol.Writer, logger *zap.Logger) (frameCount int, fatal, err error) {
	transport, err := openTransport()
	if err != nil {
		return 0, nil, fmt.Errorf("open transport: %w", err)
	}
	defer transport.Close()

	args := []string{
		"-nh", "-n", "Mirror", "-p", strconv.Itoa(cfg.Port),
		"-vc", "videoconvert ! jpegenc quality=" + strconv.Itoa(cfg.EncoderJPEGQuality),
		"-vs", transport.VideoSinkArg(),
		"-as", "0",
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.ExtraFiles = transport.ExtraFiles()
	cmd.Stdout = nil

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return 0, nil, fmt.Errorf("attach encoder stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			return 0, fmt.Errorf("uxplay not found. Install it (e.g. `sudo apt install uxplay` on Linux, or https://github.com/leapbtw/uxplay-windows on Windows)"), nil
		}
		return 0, nil, fmt.Errorf("launch encoder: %w", err)
	}
	sup.Track(cmd)

	if err := transport.AfterChildStart(); err != nil {
		logging.Info("post-launch transport cleanup: %v", err)
	}

	mon := newStderrMonitor()
	go mon.watch(stderrPipe)

	// Early-death probe: give the child a moment to crash on launch
	// before treating it as running.
	select {
	case werr := <-sup.Done():
		_ = sup.Kill()
		lines := mon.lines()
		logger.Warn("encoder exited prematurely", zap.Error(werr), zap.Strings("stderr", lines))
		if fatalEnvironmentError(lines) {
			return 0, fmt.Errorf("Bonjour/DNS-SD service is not running. On Linux: sudo systemctl start avahi-daemon. On Windows: install Bonjour Print Services."), nil
		}
		return 0, nil, fmt.Errorf("encoder exited prematurely: %v (%s)", werr, strings.Join(lines, "; "))
	case <-time.After(cfg.EarlyDeathProbe):
	}

	if !waitListening(cfg.Port, cfg.ListenerReadyTimeout, cfg.ListenerPollInterval) {
		_ = sup.Kill()
		return 0, nil, fmt.Errorf("uxplay did not open port %d in time", cfg.Port)
	}

	if err := transport.Accept(ctx, cfg.AcceptTimeout); err != nil {
		_ = sup.Kill()
		return 0, nil, fmt.Errorf("encoder did not connect its video sink: %w", err)
	}

	logger.Info("AirPlay transport ready, draining encoder output")
	logging.AirPlayReady()

	frameCount, readErr := driveReframer(transport, cfg, w)

	_ = sup.Kill()

	if readErr != nil {
		logger.Warn("reframer read failed", zap.Int("frames", frameCount), zap.Error(readErr))
		return frameCount, nil, readErr
	}
	if frameCount == 0 {
		if lines := mon.lines(); len(lines) > 0 {
			logger.Warn("uxplay reported errors", zap.Strings("stderr", lines))
			logging.Info("uxplay reported errors: %s", strings.Join(lines, "; "))
		}
	}
	return frameCount, nil, nil
}

func waitListening(port int, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(interval)
	}
	return false
}

func driveReframer(transport Transport, cfg config.AirPlayConfig, w *protocol.Writer) (int, error) {
	reframer := jpegstream.NewReframer()
	var dims jpegstream.DimensionCache
	buf := make([]byte, 128*1024)
	frameCount := 0

	for {
		timeout := cfg.SubsequentReadTimeout
		if frameCount == 0 {
			timeout = cfg.FirstReadTimeout
		}
		_ = transport.SetReadDeadline(time.Now().Add(timeout))

		n, rerr := transport.Reader().Read(buf)
		if n > 0 {
			for _, frame := range reframer.Feed(buf[:n]) {
				width, height := dims.Dimensions(frame)
				werr := w.Write(protocol.EncodedFrame{Width: uint32(width), Height: uint32(height), Payload: frame})
				if werr != nil {
					if errors.Is(werr, protocol.ErrPeerGone) {
						return frameCount, nil
					}
					return frameCount, werr
				}
				frameCount++
			}
		}
		if rerr != nil {
			if isTimeoutErr(rerr) && frameCount == 0 {
				logging.Info("timed out after %s waiting for AirPlay connection", timeout)
			}
			return frameCount, nil
		}
	}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func fatalEnvironmentError(lines []string) bool {
	for _, l := range lines {
		if strings.Contains(l, "DNS-SD") || strings.Contains(l, "DNSService") {
			return true
		}
	}
	return false
}

// stderrMonitor mirrors the encoder child's stderr to our own log and
// remembers lines that look like errors, for early-death classification
// and the "uxplay reported errors" summary when zero frames arrive.
type stderrMonitor struct {
	mu         sync.Mutex
	errorLines []string
}

func newStderrMonitor() *stderrMonitor {
	return &stderrMonitor{}
}

func (m *stderrMonitor) watch(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logging.Info("uxplay: %s", line)
		if strings.Contains(line, "ERROR") || strings.Contains(line, "error") {
			m.mu.Lock()
			m.errorLines = append(m.errorLines, line)
			m.mu.Unlock()
		}
	}
}

func (m *stderrMonitor) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.errorLines))
	copy(out, m.errorLines)
	return out
}
