package codec

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

type jpegAdapter struct {
	limits
}

func (a *jpegAdapter) Format() Format { return FormatJPEG }

// Encode re-encodes at the given quality. The EXIF orientation is baked into
// the pixels because the stdlib encoder writes no EXIF block.
func (a *jpegAdapter) Encode(src io.Reader, dst io.Writer, quality int) error {
	data, err := readSource("read jpeg", src)
	if err != nil {
		return err
	}

	img, err := a.decode("decode jpeg", data, jpeg.Decode, jpeg.DecodeConfig)
	if err != nil {
		return err
	}
	img = applyOrientation(img, readOrientation(data))

	return encodeErr("encode jpeg", imaging.Encode(dst, img, imaging.JPEG, imaging.JPEGQuality(quality)))
}

// readOrientation returns the EXIF orientation tag, or 1 when absent.
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
