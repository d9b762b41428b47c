package codec

import (
	"image/png"
	"io"

	"github.com/disintegration/imaging"
)

type pngAdapter struct {
	limits
}

func (a *pngAdapter) Format() Format { return FormatPNG }

// Encode re-encodes losslessly. The decoded image is written back in its own
// color model so alpha survives untouched.
func (a *pngAdapter) Encode(src io.Reader, dst io.Writer, level int) error {
	data, err := readSource("read png", src)
	if err != nil {
		return err
	}

	img, err := a.decode("decode png", data, png.Decode, png.DecodeConfig)
	if err != nil {
		return err
	}

	return encodeErr("encode png", imaging.Encode(dst, img, imaging.PNG, imaging.PNGCompressionLevel(pngLevel(level))))
}

// pngLevel maps the 0-9 zlib style setting onto the levels image/png offers.
func pngLevel(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}
