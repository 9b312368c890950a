// Package logging builds the bridge's structured logger and the small
// fixed-prefix protocol lines the parent process pattern-matches on.
//
// These are two different channels on purpose: zap carries rich
// diagnostic detail to a log file and stderr, but never to stdout —
// stdout here is the frame wire protocol — while the helpers below write
// the handful of exact strings the parent contract requires (`INFO:`,
// `MIRROR_ERROR:`, `MIRROR_AIRPLAY_READY`) straight to stderr with no
// structured-log formatting around them.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const filePrefix = "mirror-bridge-"

// New builds a zap logger writing to stderr and a rotating log file under
// dir, keeping at most maxFiles of the latter. The returned func must be
// called before process exit to flush the logger.
func New(level string, dir string, maxFiles int) (*zap.Logger, func(), error) {
	zapLevel := parseLevel(level)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}

	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(dir, fmt.Sprintf("%s%s.log", filePrefix, ts))

	rotate(dir, maxFiles)

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		// Deliberately NOT "stdout": stdout carries the framed output
		// protocol and must never receive a log byte.
		OutputPaths:      []string{"stderr", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	// Build has created this run's log file, so it counts toward maxFiles.
	rotate(dir, maxFiles)

	return logger, func() { _ = logger.Sync() }, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// rotate removes all but the newest maxFiles rotated log files in dir.
func rotate(dir string, maxFiles int) {
	files, _ := filepath.Glob(filepath.Join(dir, filePrefix+"*.log"))
	if len(files) <= maxFiles {
		return
	}
	sort.Strings(files) // lexicographic order matches the timestamp suffix
	for _, f := range files[:len(files)-maxFiles] {
		_ = os.Remove(f)
	}
}

// Info writes a parent-facing diagnostic line with the reserved "INFO:"
// prefix for informational text.
func Info(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "INFO: "+format+"\n", args...)
}

// MirrorError writes a parent-facing fatal/terminal line with the
// "MIRROR_ERROR:" prefix.
func MirrorError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "MIRROR_ERROR: "+format+"\n", args...)
}

// AirPlayReady emits the exact handshake token the parent watches for to
// prompt the user to begin AirPlay mirroring.
func AirPlayReady() {
	fmt.Fprintln(os.Stderr, "MIRROR_AIRPLAY_READY")
}

// TunnelRequired emits the exact sentinel telling the parent to launch a
// developer tunnel.
func TunnelRequired() {
	fmt.Fprintln(os.Stderr, "MIRROR_ERROR: TUNNEL_REQUIRED")
}
