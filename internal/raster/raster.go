// Package raster normalizes clipboard image payloads into one canonical
// encoding.
//
// Clipboard producers hand over PNG, BMP/DIB, TIFF, JPEG, GIF or WebP
// depending on the platform and the application. Normalize decodes any of
// them, converts the pixels to non-premultiplied RGBA and re-encodes them with
// the standard PNG encoder at a fixed compression level. Identical pixels
// therefore yield identical bytes, which is what fingerprinting relies on.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"

	_ "golang.org/x/image/bmp"  // register BMP decoder (Windows CF_DIB payloads)
	_ "golang.org/x/image/tiff" // register TIFF decoder (macOS public.tiff)
	_ "golang.org/x/image/webp" // register WebP decoder
)

// DefaultMinDimension rejects icons and cursor-sized images; screenshots are
// always larger.
const DefaultMinDimension = 64

// DefaultMaxPixels bounds decode memory (about 256 MiB of NRGBA).
const DefaultMaxPixels = 64 << 20

var (
	// ErrUnsupported means the payload could not be decoded as any known format.
	ErrUnsupported = errors.New("raster: unsupported or corrupt image")
	// ErrTooSmall means the image is below the configured minimum dimension.
	ErrTooSmall = errors.New("raster: image too small")
	// ErrTooLarge means the image exceeds the configured pixel budget.
	ErrTooLarge = errors.New("raster: image too large")
)

// Image is a normalized clipboard image.
type Image struct {
	// PNG is the canonical encoding. Owned by the Image; do not modify.
	PNG          []byte
	Width        int
	Height       int
	SourceFormat string
}

// Options bounds what Normalize accepts. Zero fields take the defaults;
// a negative MinDimension disables the size gate.
type Options struct {
	MinDimension int
	MaxPixels    int
}

func (o *Options) defaults() {
	if o.MinDimension == 0 {
		o.MinDimension = DefaultMinDimension
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = DefaultMaxPixels
	}
}

// Normalize decodes encoded and returns its canonical PNG form.
func Normalize(encoded []byte, opts Options) (*Image, error) {
	opts.defaults()

	cfg, format, err := image.DecodeConfig(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height, opts); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, format, err)
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, toNRGBA(src)); err != nil {
		return nil, fmt.Errorf("raster: encode png: %w", err)
	}

	b := src.Bounds()
	return &Image{
		PNG:          buf.Bytes(),
		Width:        b.Dx(),
		Height:       b.Dy(),
		SourceFormat: format,
	}, nil
}

func checkDimensions(w, h int, opts Options) error {
	if opts.MinDimension > 0 && (w < opts.MinDimension || h < opts.MinDimension) {
		return fmt.Errorf("%w: %dx%d (min %d)", ErrTooSmall, w, h, opts.MinDimension)
	}
	if w*h > opts.MaxPixels {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, w, h)
	}
	return nil
}

// toNRGBA returns src as a zero-origin *image.NRGBA, converting if needed.
func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == 4*n.Rect.Dx() {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
