// Package normalizer produces the canonical encoding of dataset images: a
// fixed-size RGB JPEG with the source letterboxed on a black canvas.
package normalizer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Defaults for the canonical representation
const (
	DefaultSize        = 896
	DefaultJPEGQuality = 95
	ContentType        = "image/jpeg"
)

// Canonical is a normalized image
type Canonical struct {
	Bytes       []byte
	Width       int
	Height      int
	ContentType string
}

// Normalizer resizes and re-encodes images deterministically
type Normalizer struct {
	width   int
	height  int
	quality int
	logger  *zap.Logger
}

// New creates a Normalizer. Zero values select the defaults.
func New(width, height, quality int, logger *zap.Logger) *Normalizer {
	if width <= 0 {
		width = DefaultSize
	}
	if height <= 0 {
		height = DefaultSize
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{width: width, height: height, quality: quality, logger: logger}
}

// Normalize scales the image to fit the target box preserving aspect ratio,
// centres it on a black canvas (padding, never cropping) and encodes it as
// JPEG. Transparent pixels are flattened onto black.
func (n *Normalizer) Normalize(data []byte) (Canonical, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Canonical{}, fmt.Errorf("failed to decode image: %w", err)
	}

	w, h := FitSize(img.Bounds().Dx(), img.Bounds().Dy(), n.width, n.height)

	var scaled image.Image = img
	if w != img.Bounds().Dx() || h != img.Bounds().Dy() {
		scaled = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	canvas := imaging.New(n.width, n.height, color.Black)
	out := imaging.OverlayCenter(canvas, scaled, 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(n.quality)); err != nil {
		return Canonical{}, fmt.Errorf("failed to encode canonical image: %w", err)
	}

	n.logger.Debug("Normalized image",
		zap.Int("source_width", img.Bounds().Dx()),
		zap.Int("source_height", img.Bounds().Dy()),
		zap.Int("scaled_width", w),
		zap.Int("scaled_height", h),
		zap.Int("bytes", buf.Len()))

	return Canonical{
		Bytes:       buf.Bytes(),
		Width:       n.width,
		Height:      n.height,
		ContentType: ContentType,
	}, nil
}

// FitSize returns the largest size with the aspect ratio of w x h that fits
// in maxW x maxH. Both results are at least 1.
func FitSize(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return maxW, maxH
	}
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	if nw > maxW {
		nw = maxW
	}
	if nh > maxH {
		nh = maxH
	}
	return nw, nh
}
