// Package optimize implements the Frame Optimizer: given a raw captured
// image, produce a small JPEG payload plus the image's original
// (pre-downscale) dimensions.
//
// Some toolchains in this domain probe for an image library at process
// start and fall back to a byte-peeking path when none is linked. Go has
// no equivalent of a missing optional shared library — image/jpeg,
// image/png and golang.org/x/image/draw are always compiled in — so that
// probe is re-expressed as the boot-time capability flag Available,
// which this package sets to true once at init and never reconsiders.
// Frame only falls back to Raw when Available is false, so in this build
// Raw is not reached from Frame; bytes with no recognizable codec make
// Frame return a decode error instead.
//
// Older iOS lockdown screenshot services sometimes return TIFF instead
// of PNG; golang.org/x/image/tiff is registered alongside the stdlib
// codecs below so that path isn't lost.
package optimize

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png" // registers "png" with image.Decode

	"mirror-bridge/config"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // registers "tiff" with image.Decode
)

// Available reports whether an image codec is linked into this binary.
// It is a static capability flag, not a runtime probe: in this module it
// is always true, since the stdlib image codecs are compiled in
// unconditionally.
var Available = true

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Result is the optimizer's output: a ready-to-ship payload plus the
// dimensions of the image before any downscaling.
type Result struct {
	Payload    []byte
	OrigWidth  uint32
	OrigHeight uint32
}

// Frame decodes raw, downscales it to cfg.MaxLongSide on its long side
// when larger, and re-encodes as JPEG at cfg.JPEGQuality. If Available
// is false it falls back to Raw. OrigWidth/OrigHeight always describe
// the pre-downscale image.
func Frame(raw []byte, cfg config.OptimizerConfig) (Result, error) {
	if !Available {
		return Raw(raw), nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("decode captured image: %w", err)
	}

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()

	out := img
	if longSide := max(origW, origH); longSide > cfg.MaxLongSide {
		scale := float64(cfg.MaxLongSide) / float64(longSide)
		newW := int(float64(origW) * scale)
		newH := int(float64(origH) * scale)
		if newW < 1 {
			newW = 1
		}
		if newH < 1 {
			newH = 1
		}

		dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
		xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: cfg.JPEGQuality}); err != nil {
		return Result{}, fmt.Errorf("encode optimized frame: %w", err)
	}

	return Result{
		Payload:    buf.Bytes(),
		OrigWidth:  uint32(origW),
		OrigHeight: uint32(origH),
	}, nil
}

// Raw passes raw through unchanged, attempting to recover its dimensions
// from a PNG header without a full decode. It reports 0,0 for any input
// that isn't a PNG.
func Raw(raw []byte) Result {
	res := Result{Payload: raw}

	if len(raw) < 24 || !bytes.Equal(raw[:8], pngSignature) {
		return res
	}

	res.OrigWidth = binary.BigEndian.Uint32(raw[16:20])
	res.OrigHeight = binary.BigEndian.Uint32(raw[20:24])
	return res
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
