package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"media-recompressor/internal/failure"

	"github.com/disintegration/imaging"
)

// DefaultMaxPixels bounds the decoded size of any image so corrupt or hostile
// headers fail fast instead of exhausting memory.
const DefaultMaxPixels = 64 * 1024 * 1024

// Adapter re-encodes images of one format. Adapters are pure stream
// transforms: they never touch the file system and never manage backups.
type Adapter interface {
	Format() Format
	// Encode decodes src and writes the re-encoded image to dst using the
	// format-specific quality or level parameter.
	Encode(src io.Reader, dst io.Writer, param int) error
}

// Inspector is implemented by adapters that can decline a file before any
// backup is taken (animated GIFs, small icons, missing codecs).
type Inspector interface {
	Inspect(src io.Reader, size int64) error
}

// Renamer is implemented by adapters whose output changes the file extension.
type Renamer interface {
	TargetPath(path string) string
}

// ParamReporter is implemented by adapters that may ignore the encode
// parameter, depending on which encoders are available.
type ParamReporter interface {
	UsesParam() bool
}

// WebPEncoder writes img as WebP at the given quality.
type WebPEncoder func(w io.Writer, img image.Image, quality int) error

// TIFFEncoder writes img as a JPEG-compressed TIFF at the given quality.
type TIFFEncoder func(w io.Writer, img image.Image, quality int) error

// Options configures the adapter set.
type Options struct {
	// WebPEncoder enables WebP re-encoding. Without it WebP assets fail with
	// a capability error.
	WebPEncoder WebPEncoder
	// TIFFEncoder enables lossy TIFF output. Without it TIFFs are stored
	// with lossless Deflate and the quality parameter is not used.
	TIFFEncoder TIFFEncoder
	// MaxPixels overrides DefaultMaxPixels when positive.
	MaxPixels int
}

// Set holds one adapter per supported format.
type Set struct {
	adapters map[Format]Adapter
}

// NewSet creates the adapter set.
func NewSet(opts Options) *Set {
	lim := limits{maxPixels: opts.MaxPixels}
	if lim.maxPixels <= 0 {
		lim.maxPixels = DefaultMaxPixels
	}

	s := &Set{adapters: make(map[Format]Adapter)}
	for _, a := range []Adapter{
		&jpegAdapter{lim},
		&pngAdapter{lim},
		&webpAdapter{limits: lim, encode: opts.WebPEncoder},
		&gifAdapter{lim},
		&bmpAdapter{lim},
		&tiffAdapter{limits: lim, encode: opts.TIFFEncoder},
		&icoAdapter{lim},
		&genericAdapter{lim},
	} {
		s.adapters[a.Format()] = a
	}
	return s
}

// For returns the adapter for a format.
func (s *Set) For(f Format) (Adapter, error) {
	a, ok := s.adapters[f]
	if !ok {
		return nil, failure.New(failure.KindUnsupportedFormat, "select adapter", "", fmt.Errorf("no adapter for %s", f))
	}
	return a, nil
}

type limits struct {
	maxPixels int
}

type decodeFunc func(io.Reader) (image.Image, error)
type configFunc func(io.Reader) (image.Config, error)

// decode reads the header first and refuses oversized images before the
// full decode allocates anything.
func (l limits) decode(op string, data []byte, decode decodeFunc, config configFunc) (image.Image, error) {
	cfg, err := config(bytes.NewReader(data))
	if err != nil {
		return nil, failure.New(failure.KindEncodeFailure, op, "", fmt.Errorf("read header: %w", err))
	}
	if err := l.check(cfg.Width, cfg.Height); err != nil {
		return nil, failure.New(failure.KindEncodeFailure, op, "", err)
	}

	img, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, failure.New(failure.KindEncodeFailure, op, "", err)
	}
	return img, nil
}

func (l limits) check(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", w, h)
	}
	if int64(w)*int64(h) > int64(l.maxPixels) {
		return fmt.Errorf("image %dx%d exceeds %d pixel limit", w, h, l.maxPixels)
	}
	return nil
}

func readSource(op string, src io.Reader) ([]byte, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, failure.New(failure.KindSourceUnreadable, op, "", err)
	}
	if len(data) == 0 {
		return nil, failure.New(failure.KindEncodeFailure, op, "", fmt.Errorf("empty input"))
	}
	return data, nil
}

func encodeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return failure.New(failure.KindEncodeFailure, op, "", err)
}

// flatten composites img onto an opaque white canvas of the same size.
func flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
