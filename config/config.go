// Package config holds every tunable knob the mirror bridge needs, as typed
// Go defaults rather than a loaded file — there is deliberately no on-disk
// configuration format for this tool.
package config

import "time"

// Config groups every tunable the bridge's components need. There is no
// file format behind it: Default returns the only configuration this
// program ships; flags/environment variables may override individual
// fields on the returned value before it's threaded through.
type Config struct {
	Optimizer OptimizerConfig
	Capture   CaptureConfig
	AirPlay   AirPlayConfig
	Tunnel    TunnelConfig
	Logging   LoggingConfig
}

// OptimizerConfig controls the Frame Optimizer.
type OptimizerConfig struct {
	// JPEGQuality is the re-encode quality used once an image codec is
	// available. Chosen for throughput over fidelity: the consumer is a
	// live mirror, not an archive.
	JPEGQuality int
	// MaxLongSide bounds the downscaled long edge in pixels.
	MaxLongSide int
}

// CaptureConfig controls the Capture Worker Pool and Device Strategy
// Ladder.
type CaptureConfig struct {
	// FrameChannelCapacity is the bounded channel size between producers
	// and the coalescing consumer.
	FrameChannelCapacity int
	// MaxWorkers caps the number of parallel capture sessions opened
	// against the same device.
	MaxWorkers int
	// TransientRetryDelay is how long a worker sleeps after a non-fatal
	// capture error before retrying.
	TransientRetryDelay time.Duration
	// MinTunneledIOSVersion gates the tunneled/DVT/auto-mount strategies.
	MinTunneledIOSVersion int
	// AutoMountTimeout bounds the `mounter auto-mount` CLI invocation.
	AutoMountTimeout time.Duration
	// IdeviceScreenshotTimeout bounds the external CLI fallback.
	IdeviceScreenshotTimeout time.Duration
}

// AirPlayConfig controls the AirPlay Encoder Pipeline.
type AirPlayConfig struct {
	// MaxAttempts is the retry ceiling for the whole launch/drive cycle.
	MaxAttempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// Port is the port the encoder advertises for AirPlay pairing.
	Port int
	// EarlyDeathProbe is how long after launch the pipeline watches for
	// the child exiting; an exit inside this window is classified as an
	// early death, after it the child is treated as running. No polling:
	// the child either crashes almost immediately or not at all.
	EarlyDeathProbe time.Duration
	// ListenerReadyTimeout bounds polling for the encoder's AirPlay port.
	ListenerReadyTimeout time.Duration
	// ListenerPollInterval is the spacing between readiness probes.
	ListenerPollInterval time.Duration
	// AcceptTimeout bounds the Windows-only TCP accept of the child's
	// video sink connection.
	AcceptTimeout time.Duration
	// FirstReadTimeout bounds the wait for the device's first AirPlay
	// byte once the encoder is ready.
	FirstReadTimeout time.Duration
	// SubsequentReadTimeout bounds every read after the first.
	SubsequentReadTimeout time.Duration
	// KillGrace bounds how long the retry loop waits for a killed child
	// to be reaped before moving on.
	KillGrace time.Duration
	// EncoderJPEGQuality is the quality argument handed to the AirPlay
	// encoder subprocess itself — distinct from OptimizerConfig's, since
	// this module never re-encodes AirPlay frames, only reframes them.
	EncoderJPEGQuality int
}

// TunnelConfig controls the tunneld HTTP lookup used by the Tunneled
// strategy.
type TunnelConfig struct {
	// Addr is the tunneld directory endpoint.
	Addr string
	// Timeout bounds the HTTP request.
	Timeout time.Duration
}

// LoggingConfig controls the ambient structured logger (not the wire
// protocol, which is unconditional).
type LoggingConfig struct {
	// Dir is where rotated log files are written.
	Dir string
	// MaxFiles is how many rotated log files are retained.
	MaxFiles int
}

// Default returns the bridge's only configuration.
func Default() *Config {
	return &Config{
		Optimizer: OptimizerConfig{
			JPEGQuality: 50,
			MaxLongSide: 960,
		},
		Capture: CaptureConfig{
			FrameChannelCapacity:     8,
			MaxWorkers:               3,
			TransientRetryDelay:      time.Second,
			MinTunneledIOSVersion:    17,
			AutoMountTimeout:         30 * time.Second,
			IdeviceScreenshotTimeout: 10 * time.Second,
		},
		AirPlay: AirPlayConfig{
			MaxAttempts:           5,
			RetryDelay:            time.Second,
			Port:                  7000,
			EarlyDeathProbe:       time.Second,
			ListenerReadyTimeout:  8 * time.Second,
			ListenerPollInterval:  300 * time.Millisecond,
			AcceptTimeout:         15 * time.Second,
			FirstReadTimeout:      10 * time.Second,
			SubsequentReadTimeout: 5 * time.Second,
			KillGrace:             3 * time.Second,
			EncoderJPEGQuality:    70,
		},
		Tunnel: TunnelConfig{
			Addr:    "http://127.0.0.1:49151/",
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Dir:      "logs",
			MaxFiles: 20,
		},
	}
}
