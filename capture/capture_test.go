package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"mirror-bridge/config"
	"mirror-bridge/protocol"

	"go.uber.org/zap/zaptest"
)

var testOptimizer = config.OptimizerConfig{JPEGQuality: 50, MaxLongSide: 960}

func TestPoolDeliversFramesInOrder(t *testing.T) {
	var n int32
	capture := func(ctx context.Context) ([]byte, error) {
		i := atomic.AddInt32(&n, 1)
		if i > 3 {
			return nil, &TerminalError{Err: errors.New("connection closed")}
		}
		return fakePNG(int(i), int(i)), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(8, testOptimizer, zaptest.NewLogger(t))
	pool.AddWorker(ctx, "worker-1", capture, time.Millisecond)

	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)

	err := pool.Run(w)
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("Run error = %v, want ErrTerminated", err)
	}
	if buf.Len() == 0 {
		t.Error("expected at least one frame to reach the writer before the end-sentinel")
	}

	// Frame i is captured at i×i, so widths must strictly increase.
	data := buf.Bytes()
	prev := uint32(0)
	for len(data) >= 12 {
		total := binary.BigEndian.Uint32(data[0:4])
		width := binary.BigEndian.Uint32(data[4:8])
		if width <= prev {
			t.Errorf("frame width %d written after %d, want strictly increasing", width, prev)
		}
		prev = width
		data = data[4+total:]
	}
}

// TestCoalescingStillWritesTheFrameDrainedAlongsideASentinel pins down
// the case where a producer races ahead of the consumer and the
// end-sentinel is already queued behind the last good frame by the time
// the consumer's first drain runs: the last good frame must still reach
// the writer before the session ends.
func TestCoalescingStillWritesTheFrameDrainedAlongsideASentinel(t *testing.T) {
	pool := NewPool(8, testOptimizer, zaptest.NewLogger(t))
	pool.ch <- message{frame: fakeFrame(1, 1)}
	pool.ch <- message{frame: fakeFrame(2, 2)}
	pool.ch <- message{end: true}

	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)

	err := pool.Run(w)
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("Run error = %v, want ErrTerminated", err)
	}
	if buf.Len() == 0 {
		t.Fatal("the frame queued just ahead of the sentinel must still be written, not silently dropped")
	}
}

func fakeFrame(w, h uint32) protocol.EncodedFrame {
	return protocol.EncodedFrame{Width: w, Height: h, Payload: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
}

func TestPoolStopsAfterPeerGone(t *testing.T) {
	capture := func(ctx context.Context) ([]byte, error) {
		return fakePNG(10, 10), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(8, testOptimizer, zaptest.NewLogger(t))
	pool.AddWorker(ctx, "worker-1", capture, time.Millisecond)

	w := protocol.NewWriter(&closedWriter{})
	err := pool.Run(w)
	if err != nil {
		t.Fatalf("Run error = %v, want nil (peer gone is a clean shutdown)", err)
	}
}

type closedWriter struct{}

func (closedWriter) Write(p []byte) (int, error) {
	return 0, protocol.ErrPeerGone
}

func fakePNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
