// Package airplay implements the AirPlay encoder pipeline: a retrying
// supervisor around a `uxplay`-style encoder subprocess that re-emits
// its AirPlay video as a JPEG stream the bridge reframes and forwards.
package airplay

import (
	"context"
	"io"
	"os"
	"time"
)

// Transport is the platform-conditional channel between the encoder
// child and this process. POSIX implements it with an anonymous pipe
// inherited by the child; Windows with a loopback TCP listener.
// Everything downstream only ever consumes Reader().
type Transport interface {
	// ExtraFiles returns any *os.File the child process must inherit
	// (non-empty on POSIX, empty on Windows).
	ExtraFiles() []*os.File
	// VideoSinkArg is the gstreamer sink description to hand the
	// encoder as its video-sink argument.
	VideoSinkArg() string
	// AfterChildStart runs once the child process has been started.
	// POSIX closes the parent's copy of the pipe's write end so EOF
	// propagates correctly when the child exits; Windows has nothing
	// to do here since the child dials in on its own.
	AfterChildStart() error
	// Accept blocks until the child's side of the transport is ready to
	// read from. It's a real accept-with-timeout on Windows and a no-op
	// on POSIX, where the pipe is already connected at Open time.
	Accept(ctx context.Context, timeout time.Duration) error
	// Reader returns the stream to read AirPlay JPEG bytes from.
	Reader() io.Reader
	// SetReadDeadline bounds the next Read on Reader().
	SetReadDeadline(t time.Time) error
	// Close releases the transport's resources. Safe to call more than
	// once.
	Close() error
}

// openTransport is implemented per-platform in transport_posix.go and
// transport_windows.go.
func openTransport() (Transport, error) {
	return newTransport()
}

// killStale best-effort kills any previously running encoder before
// every attempt. Implemented per-platform since the kill command
// differs.
func killStale(binaryExe string) {
	killStalePlatform(binaryExe)
}
