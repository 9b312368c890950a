//go:build !windows

package airplay

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// posixTransport hands the encoder child an anonymous pipe's write end
// and reads from the read end ourselves.
type posixTransport struct {
	r *os.File
	w *os.File
}

func newTransport() (Transport, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("open anonymous pipe: %w", err)
	}
	return &posixTransport{r: r, w: w}, nil
}

func (t *posixTransport) ExtraFiles() []*os.File {
	return []*os.File{t.w}
}

func (t *posixTransport) VideoSinkArg() string {
	// The child inherits t.w as its first extra file, which Go places
	// at fd 3 (fds 0-2 are stdin/stdout/stderr).
	return "fdsink fd=3 sync=false"
}

// Accept is a no-op on POSIX: the pipe is connected the moment the child
// inherits the write end, there is nothing further to wait for.
func (t *posixTransport) Accept(ctx context.Context, timeout time.Duration) error {
	return nil
}

func (t *posixTransport) Reader() io.Reader {
	return t.r
}

func (t *posixTransport) SetReadDeadline(deadline time.Time) error {
	return t.r.SetReadDeadline(deadline)
}

func (t *posixTransport) Close() error {
	err1 := t.r.Close()
	err2 := t.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// AfterChildStart closes the parent's copy of the write end once the
// child has inherited it, so the parent's read from r observes EOF when
// the child exits instead of hanging on its own dangling reference.
func (t *posixTransport) AfterChildStart() error {
	return t.w.Close()
}

func killStalePlatform(name string) {
	cmd := exec.Command("pkill", "-9", "-f", name)
	_ = cmd.Run()
	time.Sleep(500 * time.Millisecond)
}
