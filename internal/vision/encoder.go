package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

const (
	DefaultQuality   = 60
	DefaultMaxWidth  = 640
	DefaultMaxHeight = 480
)

var errEmptyImage = errors.New("empty image")

// Encoder sizes a grabbed image to fit the configured bounds and compresses
// it to JPEG at a fixed quality.
type Encoder struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
}

func NewEncoder(quality, maxWidth, maxHeight int) Encoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if maxHeight <= 0 {
		maxHeight = DefaultMaxHeight
	}
	return Encoder{Quality: quality, MaxWidth: maxWidth, MaxHeight: maxHeight}
}

func (e Encoder) Encode(img image.Image, capturedAt time.Time) (*Frame, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errEmptyImage
	}

	src := e.fit(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}

	return &Frame{
		Data:       buf.Bytes(),
		Width:      src.Bounds().Dx(),
		Height:     src.Bounds().Dy(),
		Quality:    e.Quality,
		MimeType:   MimeJPEG,
		CapturedAt: capturedAt,
	}, nil
}

func (e Encoder) fit(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= e.MaxWidth && h <= e.MaxHeight {
		return img
	}

	scale := min(float64(e.MaxWidth)/float64(w), float64(e.MaxHeight)/float64(h))
	dw := max(1, int(float64(w)*scale))
	dh := max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
