package codec

import (
	"image"
	"io"

	"github.com/disintegration/imaging"

	// Extra decoders for the generic fallback.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// genericAdapter handles any other raster type the registered decoders can
// read. Output is a flattened JPEG under the original name.
type genericAdapter struct {
	limits
}

func (a *genericAdapter) Format() Format { return FormatGeneric }

func (a *genericAdapter) Encode(src io.Reader, dst io.Writer, quality int) error {
	data, err := readSource("read image", src)
	if err != nil {
		return err
	}

	img, err := a.decode("decode image", data, decodeAny, configAny)
	if err != nil {
		return err
	}

	return encodeErr("encode image", imaging.Encode(dst, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality)))
}

func decodeAny(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

func configAny(r io.Reader) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(r)
	return cfg, err
}
