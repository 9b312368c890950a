// Package devicectl is the boundary between this module and the
// out-of-scope device-control collaborator (a `pymobiledevice3`-style
// toolchain). No Go binding for that library exists, so every operation
// here shells out to the real CLI tools for the auto-mount and
// external-fallback paths, generalized to cover screenshot capture and
// version/tunnel lookups too, in the same subprocess-invocation style
// used elsewhere in this module to drive a GStreamer pipeline
// (exec.CommandContext, captured stdout/stderr, context-bounded Wait).
package devicectl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrConstructionFailed indicates a strategy-level setup step (resolving
// a binary, opening a lockdown session) could not even start. The Device
// Strategy Ladder suppresses this and advances to the next rung rather
// than treating it as a fatal error.
var ErrConstructionFailed = fmt.Errorf("devicectl: construction failed")

// pmd3Override, set via SetBinary, takes priority over the usual PATH
// lookup for every pymobiledevice3 invocation (lockdown, screenshot,
// auto-mount). Empty means "resolve normally."
var pmd3Override string

// SetBinary overrides the pymobiledevice3 CLI path this package shells
// out to, for environments where it isn't on PATH (the `--device-control-cli`
// flag). An empty path restores the normal PATH-based resolution.
func SetBinary(path string) {
	pmd3Override = path
}

func resolvePMD3() string {
	if pmd3Override != "" {
		return pmd3Override
	}
	return ResolveBinary("pymobiledevice3", "", "")
}

// ResolveBinary locates a named executable via PATH first, then (on
// Windows only) a short search list under ProgramFiles, ProgramFiles(x86)
// and LOCALAPPDATA, each tried with and without a "Programs" subdirectory.
// installDir is the vendor-style directory name under those roots (e.g.
// "uxplay-windows"); exe is the file to look for inside it. If nothing is
// found, name is returned unchanged so the caller's exec.Command fails
// with a clear "not found" error instead of devicectl silently invoking a
// non-existent path.
func ResolveBinary(name, installDir, exe string) string {
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	if runtime.GOOS != "windows" {
		return name
	}

	for _, envVar := range []string{"ProgramFiles", "ProgramFiles(x86)", "LOCALAPPDATA"} {
		base := os.Getenv(envVar)
		if base == "" {
			continue
		}
		for _, candidate := range []string{
			filepath.Join(base, installDir, exe),
			filepath.Join(base, "Programs", installDir, exe),
		} {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return name
}

// LockdownClient represents a constructed device-control session capable
// of taking screenshots. Construction (OpenLockdown) only verifies the
// CLI toolchain is present; per-call failures are reported by Screenshot
// and are the caller's responsibility to classify as transient/terminal.
type LockdownClient struct {
	pmd3   string
	udid   string
	logger *zap.Logger
}

// OpenLockdown resolves the pymobiledevice3 CLI and binds it to udid.
// It returns ErrConstructionFailed if no such CLI can be found at all.
// A nil logger is replaced with a no-op one.
func OpenLockdown(udid string, logger *zap.Logger) (*LockdownClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := resolvePMD3()
	if _, err := exec.LookPath(path); err != nil {
		logger.Warn("pymobiledevice3 CLI not found", zap.String("udid", udid), zap.Error(err))
		return nil, fmt.Errorf("%w: pymobiledevice3 CLI not found: %v", ErrConstructionFailed, err)
	}
	return &LockdownClient{pmd3: path, udid: udid, logger: logger}, nil
}

// ProductVersionMajor returns the device's major iOS version by shelling
// `pymobiledevice3 lockdown info` and parsing the ProductVersion field.
// It reports 0 on any failure; callers treat 0 as "unknown, assume old".
func (c *LockdownClient) ProductVersionMajor(ctx context.Context) int {
	cmd := exec.CommandContext(ctx, c.pmd3, "lockdown", "info", "--udid", c.udid)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}

	var info map[string]any
	if err := json.Unmarshal(out, &info); err != nil {
		return 0
	}
	raw, _ := info["ProductVersion"].(string)
	major := strings.SplitN(raw, ".", 2)[0]
	v, err := strconv.Atoi(major)
	if err != nil {
		return 0
	}
	return v
}

// Screenshot captures one frame by shelling `pymobiledevice3 developer
// dvt screenshot take` to a temp file and reading it back. It returns raw
// PNG bytes, exactly as the device-side screenshot service would.
func (c *LockdownClient) Screenshot(ctx context.Context) ([]byte, error) {
	tmp, err := os.CreateTemp("", "mirror-screenshot-*.png")
	if err != nil {
		return nil, fmt.Errorf("create screenshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, c.pmd3, "developer", "dvt", "screenshot", "take", "--udid", c.udid, tmpPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		c.logger.Warn("screenshot capture failed", zap.String("udid", c.udid), zap.Error(err))
		return nil, fmt.Errorf("screenshot capture: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	return os.ReadFile(tmpPath)
}

// Close is a no-op: the client holds no persistent handle, only a
// resolved binary path.
func (c *LockdownClient) Close() error { return nil }

// AutoMount invokes `pymobiledevice3 mounter auto-mount --udid <udid>`,
// the developer-disk-image mount step the Auto-mount strategy retries
// Direct capture after.
func AutoMount(ctx context.Context, udid string, timeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := resolvePMD3()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "mounter", "auto-mount", "--udid", udid)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		logger.Warn("auto-mount failed", zap.String("udid", udid), zap.Error(err))
		return fmt.Errorf("auto-mount: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	logger.Info("auto-mount complete", zap.String("udid", udid))
	return nil
}

// TunnelDescriptor is one entry from tunneld's device directory: a
// host/port pair a RemoteServiceDiscovery dial can be attempted against.
type TunnelDescriptor struct {
	Host string
	Port int
}

// LookupTunnel queries tunneld's HTTP directory at addr and returns a
// descriptor for udid following an exact match-then-fallback chain:
// exact UDID match, substring match, dashless-normalized match, and
// finally any descriptor belonging to any device. The cross-device
// final fallback is preserved deliberately — see DESIGN.md's Open
// Questions section.
func LookupTunnel(ctx context.Context, addr, udid string, timeout time.Duration, logger *zap.Logger) (*TunnelDescriptor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("build tunneld request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("tunneld query failed", zap.String("addr", addr), zap.Error(err))
		return nil, fmt.Errorf("query tunneld: %w", err)
	}
	defer resp.Body.Close()

	var directory map[string][]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&directory); err != nil {
		return nil, fmt.Errorf("decode tunneld directory: %w", err)
	}

	dashless := strings.ReplaceAll(udid, "-", "")

	for tunnelUDID, tunnels := range directory {
		if tunnelUDID == udid && len(tunnels) > 0 {
			return descriptorFrom(tunnels[0]), nil
		}
	}
	for tunnelUDID, tunnels := range directory {
		if strings.Contains(tunnelUDID, udid) && len(tunnels) > 0 {
			return descriptorFrom(tunnels[0]), nil
		}
	}
	for tunnelUDID, tunnels := range directory {
		if strings.ReplaceAll(tunnelUDID, "-", "") == dashless && len(tunnels) > 0 {
			return descriptorFrom(tunnels[0]), nil
		}
	}
	for tunnelUDID, tunnels := range directory {
		if len(tunnels) > 0 {
			logger.Warn("no tunnel matched udid, using another device's tunnel", zap.String("udid", udid), zap.String("tunnel_udid", tunnelUDID))
			return descriptorFrom(tunnels[0]), nil
		}
	}

	logger.Warn("no tunnel available", zap.String("udid", udid))
	return nil, fmt.Errorf("devicectl: no tunnel available for %s", udid)
}

func descriptorFrom(tunnel map[string]any) *TunnelDescriptor {
	host, _ := tunnel["tunnel-address"].(string)
	if host == "" {
		host, _ = tunnel["address"].(string)
	}
	port := 0
	if p, ok := tunnel["tunnel-port"].(float64); ok {
		port = int(p)
	} else if p, ok := tunnel["port"].(float64); ok {
		port = int(p)
	}
	return &TunnelDescriptor{Host: host, Port: port}
}

// IdeviceScreenshotResult is the outcome of the external CLI fallback.
type IdeviceScreenshotResult struct {
	// PNG is the captured image, present only when the command succeeded.
	PNG []byte
	// TunnelRequired is true when stderr indicated a missing developer
	// disk image / screenshotr service — the caller must emit the
	// TUNNEL_REQUIRED sentinel in that case.
	TunnelRequired bool
}

// IdeviceScreenshot shells the standalone `idevicescreenshot` tool as the
// last-resort capture path.
func IdeviceScreenshot(ctx context.Context, udid string, timeout time.Duration, logger *zap.Logger) (IdeviceScreenshotResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tmp, err := os.CreateTemp("", "mirror-idevicescreenshot-*.png")
	if err != nil {
		return IdeviceScreenshotResult{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "idevicescreenshot", "-u", udid, tmpPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	stderrText := stderr.String()
	if runErr != nil {
		tunnelRequired := strings.Contains(stderrText, "Developer") || strings.Contains(stderrText, "screenshotr")
		logger.Warn("idevicescreenshot failed", zap.String("udid", udid), zap.Bool("tunnel_required", tunnelRequired), zap.Error(runErr))
		return IdeviceScreenshotResult{TunnelRequired: tunnelRequired}, fmt.Errorf("idevicescreenshot: %w (%s)", runErr, strings.TrimSpace(stderrText))
	}

	png, err := os.ReadFile(tmpPath)
	if err != nil {
		return IdeviceScreenshotResult{}, fmt.Errorf("read idevicescreenshot output: %w", err)
	}
	return IdeviceScreenshotResult{PNG: png}, nil
}
