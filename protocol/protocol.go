// Package protocol implements the binary framed stream the bridge writes
// to stdout for its parent GUI to consume. Every frame is a fixed
// 12-byte big-endian header (total length, width, height) followed by
// total-8 JPEG-encoded payload bytes, so the parent can size a
// read buffer and its render surface without decoding the image itself.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// EncodedFrame is a single renderable frame ready for emission: a JPEG
// payload plus the pixel dimensions the parent needs to size its surface
// without decoding the image itself.
type EncodedFrame struct {
	Width   uint32
	Height  uint32
	Payload []byte
}

// Emit writes one frame to w as a length-prefixed binary record:
//
//	total   uint32 big-endian (= 8 + len(payload))
//	width   uint32 big-endian
//	height  uint32 big-endian
//	payload []byte
//
// Width/height of 0 are legal when the caller couldn't determine them.
// A broken pipe (the parent having exited or closed its end) is reported
// via ErrPeerGone so callers can treat it as a clean shutdown rather than
// an operational error.
func Emit(w io.Writer, f EncodedFrame) error {
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(8+len(f.Payload)))
	binary.BigEndian.PutUint32(header[4:8], f.Width)
	binary.BigEndian.PutUint32(header[8:12], f.Height)

	if _, err := w.Write(header[:]); err != nil {
		return wrapWriteErr(err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

// ErrPeerGone indicates the frame stream's reader has gone away (closed
// pipe / reset connection). Writers should treat this as a request to
// stop, not as a failure worth surfacing to the user.
var ErrPeerGone = errors.New("protocol: peer closed the frame stream")

func wrapWriteErr(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
		return ErrPeerGone
	}
	return fmt.Errorf("write frame: %w", err)
}

// Writer wraps a bufio.Writer bound to stdout (or any io.Writer) and
// flushes every frame before the next is started. It holds no lock and
// is not safe for concurrent Write calls; in either mode a single
// goroutine does all the writing. The bridge has exactly one Writer per
// process, used by the screenshot loop or the AirPlay reframer —
// whichever mode runs.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps w for buffered, flush-per-frame output.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 64*1024)}
}

// Write emits f and flushes immediately; the parent reads frames as they
// arrive, so buffering past one frame would add latency for no benefit.
func (p *Writer) Write(f EncodedFrame) error {
	if err := Emit(p.bw, f); err != nil {
		return err
	}
	if err := p.bw.Flush(); err != nil {
		return wrapWriteErr(err)
	}
	return nil
}
