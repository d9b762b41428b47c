package codec

import (
	"io"

	"golang.org/x/image/tiff"
)

// tiffAdapter keeps the first page only, flattened onto white. With a
// TIFFEncoder the page is stored JPEG-compressed at the given quality;
// otherwise it falls back to lossless Deflate.
type tiffAdapter struct {
	limits
	encode TIFFEncoder
}

func (a *tiffAdapter) Format() Format { return FormatTIFF }

// UsesParam reports whether the quality parameter affects the output.
func (a *tiffAdapter) UsesParam() bool { return a.encode != nil }

func (a *tiffAdapter) Encode(src io.Reader, dst io.Writer, quality int) error {
	data, err := readSource("read tiff", src)
	if err != nil {
		return err
	}

	img, err := a.decode("decode tiff", data, tiff.Decode, tiff.DecodeConfig)
	if err != nil {
		return err
	}

	if a.encode != nil {
		return encodeErr("encode tiff", a.encode(dst, flatten(img), quality))
	}
	opts := &tiff.Options{Compression: tiff.Deflate, Predictor: true}
	return encodeErr("encode tiff", tiff.Encode(dst, flatten(img), opts))
}
