package codec

import (
	"io"

	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
)

// bmpAdapter writes JPEG bytes back under the original name. The declared
// type of the asset is not changed.
type bmpAdapter struct {
	limits
}

func (a *bmpAdapter) Format() Format { return FormatBMP }

func (a *bmpAdapter) Encode(src io.Reader, dst io.Writer, quality int) error {
	data, err := readSource("read bmp", src)
	if err != nil {
		return err
	}

	img, err := a.decode("decode bmp", data, bmp.Decode, bmp.DecodeConfig)
	if err != nil {
		return err
	}

	return encodeErr("encode bmp", imaging.Encode(dst, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality)))
}
