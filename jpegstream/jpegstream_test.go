package jpegstream

import (
	"bytes"
	"testing"
)

func jpeg(payload ...byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, payload...)
	out = append(out, 0xFF, 0xD9)
	return out
}

func TestReframerEmitsCompleteFrames(t *testing.T) {
	j1 := jpeg(1, 2, 3)
	j2 := jpeg(4, 5)

	r := NewReframer()
	frames := r.Feed(append(append([]byte{}, j1...), j2...))

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], j1) {
		t.Errorf("frame 0 = %x, want %x", frames[0], j1)
	}
	if !bytes.Equal(frames[1], j2) {
		t.Errorf("frame 1 = %x, want %x", frames[1], j2)
	}
}

func TestReframerDiscardsGarbageBeforeSOI(t *testing.T) {
	j1 := jpeg(1)
	j2 := jpeg(2)

	input := append([]byte("GARBAGE"), append(append([]byte{}, j1...), j2...)...)

	r := NewReframer()
	frames := r.Feed(input)

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
}

func TestReframerWaitsForMoreBytesOnPartialFrame(t *testing.T) {
	r := NewReframer()

	frames := r.Feed([]byte{0xFF, 0xD8, 1, 2, 3})
	if len(frames) != 0 {
		t.Fatalf("got %d frames before EOI, want 0", len(frames))
	}

	frames = r.Feed([]byte{0xFF, 0xD9})
	if len(frames) != 1 {
		t.Fatalf("got %d frames after EOI arrives, want 1", len(frames))
	}
}

func TestReframerDesyncWithNoSOIDiscardsEverything(t *testing.T) {
	r := NewReframer()
	frames := r.Feed([]byte("not a jpeg at all"))
	if len(frames) != 0 {
		t.Fatalf("got %d frames, want 0", len(frames))
	}
}

func sof0Frame(width, height uint16) []byte {
	frame := []byte{0xFF, 0xD8}
	frame = append(frame, 0xFF, 0xC0, 0x00, 0x11, 0x08)
	frame = append(frame, byte(height>>8), byte(height))
	frame = append(frame, byte(width>>8), byte(width))
	frame = append(frame, 0, 0, 0, 0, 0, 0) // remaining SOF0 body
	frame = append(frame, 0xFF, 0xDA, 0x00, 0x02)
	frame = append(frame, 0xFF, 0xD9)
	return frame
}

func TestParseDimensionsSOF0(t *testing.T) {
	frame := sof0Frame(1170, 2532)

	w, h, ok := ParseDimensions(frame)
	if !ok {
		t.Fatal("ParseDimensions returned ok=false")
	}
	if w != 1170 || h != 2532 {
		t.Errorf("got %dx%d, want 1170x2532", w, h)
	}
}

func TestParseDimensionsNoSOFFailsClosed(t *testing.T) {
	frame := jpeg(0xFF, 0xDA, 0x00, 0x02, 1, 2)
	_, _, ok := ParseDimensions(frame)
	if ok {
		t.Error("expected ok=false for a frame with no SOF segment")
	}
}

func TestDimensionCacheStaysAtFirstValue(t *testing.T) {
	var c DimensionCache

	w, h := c.Dimensions(sof0Frame(1170, 2532))
	if w != 1170 || h != 2532 {
		t.Fatalf("first parse = %dx%d, want 1170x2532", w, h)
	}

	w, h = c.Dimensions(sof0Frame(100, 200))
	if w != 1170 || h != 2532 {
		t.Errorf("cache changed to %dx%d after second frame, want unchanged 1170x2532", w, h)
	}
}
