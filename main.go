// Command mirror is a single-purpose streaming bridge: it captures
// successive screen images from a connected iOS device, or relays an
// AirPlay mirroring session through a local encoder, and emits them on
// stdout as a length-prefixed binary frame stream for a parent desktop
// GUI to consume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"mirror-bridge/airplay"
	"mirror-bridge/capture"
	"mirror-bridge/config"
	"mirror-bridge/devicectl"
	"mirror-bridge/logging"
	"mirror-bridge/protocol"
	"mirror-bridge/supervisor"

	"go.uber.org/zap"
)

const (
	appName    = "mirror"
	appVersion = "1.0.0"
)

// buildStrategies constructs the Device Strategy Ladder; a package
// variable so tests can substitute a fake ladder without touching real
// devicectl/USB state.
var buildStrategies = capture.Ladder

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches between the two modes: `--airplay` anywhere in the
// argument vector runs the AirPlay pipeline; otherwise the first
// positional argument is taken as the device id for the device capture
// strategy ladder (any further positional arguments are ignored). It
// returns the process exit code rather than calling os.Exit directly so
// it stays testable.
func run(args []string) int {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	airplayMode := fs.Bool("airplay", false, "relay an AirPlay mirroring session instead of capturing from a USB device")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	deviceControlCLI := fs.String("device-control-cli", "", "path to the pymobiledevice3 CLI (overrides PATH lookup)")
	version := fs.Bool("version", false, "print version and exit")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		usage(fs)
		return 1
	}
	// Flag parsing stops at the first positional argument, so a literal
	// --airplay after one is picked up here.
	for _, a := range fs.Args() {
		if a == "--airplay" {
			*airplayMode = true
		}
	}

	if *version {
		fmt.Fprintf(os.Stderr, "%s v%s\n", appName, appVersion)
		return 0
	}

	udid := ""
	if !*airplayMode {
		if fs.NArg() < 1 {
			usage(fs)
			return 1
		}
		udid = fs.Arg(0)
	}

	cfg := config.Default()
	if addr := os.Getenv("MIRROR_TUNNELD_ADDR"); addr != "" {
		cfg.Tunnel.Addr = addr
	}
	if *deviceControlCLI != "" {
		devicectl.SetBinary(*deviceControlCLI)
	}

	logger, flush, err := logging.New(*logLevel, cfg.Logging.Dir, cfg.Logging.MaxFiles)
	if err != nil {
		logging.MirrorError("could not start logging: %v", err)
		return 1
	}
	defer flush()

	sup := supervisor.New(cfg.AirPlay.KillGrace, logger)
	sup.WatchSignals()
	defer sup.Kill()

	ctx := context.Background()
	w := protocol.NewWriter(os.Stdout)

	if *airplayMode {
		logger.Info("running AirPlay pipeline")
		if err := airplay.Run(ctx, cfg.AirPlay, sup, w, logger); err != nil {
			logger.Error("AirPlay pipeline failed", zap.Error(err))
			logging.MirrorError("AirPlay %v", err)
			return 1
		}
		return 0
	}

	logger.Info("starting stream for device", zap.String("udid", udid))
	logging.Info("starting stream for device %s", udid)

	if err := capture.RunLadder(ctx, buildStrategies(cfg, udid, w, logger)); err != nil {
		if errors.Is(err, capture.ErrTerminated) {
			logger.Error("capture session ended via a worker's terminal device error", zap.Error(err))
			logging.MirrorError("capture session ended: %v", err)
			return 1
		}
		logger.Warn("device strategy ladder exhausted, falling back to idevicescreenshot", zap.Error(err))
		if err := capture.ExternalCLIFallback(ctx, cfg, udid, w, logger); err != nil {
			logger.Error("external CLI fallback did not produce a usable stream", zap.Error(err))
			return 1
		}
	}
	return 0
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: %s <udid> | --airplay\n", appName)
	fs.PrintDefaults()
}
