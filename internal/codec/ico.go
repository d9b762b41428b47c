package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"media-recompressor/internal/failure"

	"github.com/disintegration/imaging"
)

// IconSizeCeiling is the size at or below which an icon is left alone.
const IconSizeCeiling = 50 * 1024

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// icoAdapter converts an icon to a best-compression PNG. The file moves to a
// .png path, which callers learn through TargetPath.
type icoAdapter struct {
	limits
}

func (a *icoAdapter) Format() Format { return FormatICO }

func (a *icoAdapter) Inspect(_ io.Reader, size int64) error {
	if size <= IconSizeCeiling {
		return failure.New(failure.KindAlreadyOptimal, "inspect ico", "", fmt.Errorf("%d bytes", size))
	}
	return nil
}

func (a *icoAdapter) TargetPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".png"
}

func (a *icoAdapter) Encode(src io.Reader, dst io.Writer, _ int) error {
	data, err := readSource("read ico", src)
	if err != nil {
		return err
	}

	img, err := a.decodeIcon(data)
	if err != nil {
		return failure.New(failure.KindEncodeFailure, "decode ico", "", err)
	}

	return encodeErr("encode ico", imaging.Encode(dst, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)))
}

type iconEntry struct {
	width, height int
	bitCount      int
	size, offset  uint32
}

// decodeIcon returns the largest image in the icon directory.
func (a *icoAdapter) decodeIcon(data []byte) (image.Image, error) {
	if len(data) < 6 {
		return nil, errors.New("truncated icon header")
	}
	if binary.LittleEndian.Uint16(data[0:]) != 0 || binary.LittleEndian.Uint16(data[2:]) != 1 {
		return nil, errors.New("not an icon file")
	}
	count := int(binary.LittleEndian.Uint16(data[4:]))
	if count == 0 || len(data) < 6+16*count {
		return nil, errors.New("truncated icon directory")
	}

	var best iconEntry
	for i := 0; i < count; i++ {
		e := data[6+16*i:]
		entry := iconEntry{
			width:    int(e[0]),
			height:   int(e[1]),
			bitCount: int(binary.LittleEndian.Uint16(e[6:])),
			size:     binary.LittleEndian.Uint32(e[8:]),
			offset:   binary.LittleEndian.Uint32(e[12:]),
		}
		if entry.width == 0 {
			entry.width = 256
		}
		if entry.height == 0 {
			entry.height = 256
		}
		if i == 0 || entry.width*entry.height > best.width*best.height ||
			(entry.width*entry.height == best.width*best.height && entry.bitCount > best.bitCount) {
			best = entry
		}
	}

	end := uint64(best.offset) + uint64(best.size)
	if best.size == 0 || end > uint64(len(data)) {
		return nil, errors.New("icon entry out of range")
	}
	payload := data[best.offset:end]

	if bytes.HasPrefix(payload, pngSignature) {
		return a.decode("decode ico", payload, png.Decode, png.DecodeConfig)
	}
	return a.decodeDIB(payload)
}

// decodeDIB reads a 24 or 32 bit BITMAPINFOHEADER image with its AND mask.
func (a *icoAdapter) decodeDIB(b []byte) (image.Image, error) {
	if len(b) < 40 {
		return nil, errors.New("truncated bitmap header")
	}
	headerSize := int(binary.LittleEndian.Uint32(b[0:]))
	w := int(int32(binary.LittleEndian.Uint32(b[4:])))
	h := int(int32(binary.LittleEndian.Uint32(b[8:]))) / 2
	bpp := int(binary.LittleEndian.Uint16(b[14:]))
	compression := binary.LittleEndian.Uint32(b[16:])

	if err := a.check(w, h); err != nil {
		return nil, err
	}
	if compression != 0 {
		return nil, fmt.Errorf("unsupported bitmap compression %d", compression)
	}
	if bpp != 24 && bpp != 32 {
		return nil, fmt.Errorf("unsupported icon bit depth %d", bpp)
	}

	stride := (w*bpp + 31) / 32 * 4
	maskStride := (w + 31) / 32 * 4
	pixels := headerSize
	mask := pixels + stride*h
	if headerSize < 40 || len(b) < mask {
		return nil, errors.New("truncated bitmap data")
	}
	hasMask := len(b) >= mask+maskStride*h

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	anyAlpha := false
	for y := 0; y < h; y++ {
		row := b[pixels+(h-1-y)*stride:]
		for x := 0; x < w; x++ {
			p := row[x*bpp/8:]
			c := color.NRGBA{R: p[2], G: p[1], B: p[0], A: 0xff}
			if bpp == 32 {
				c.A = p[3]
				anyAlpha = anyAlpha || c.A != 0
			}
			img.SetNRGBA(x, y, c)
		}
	}

	if bpp == 32 && !anyAlpha && !hasMask {
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xff
		}
	}

	// 24 bit icons, and 32 bit icons with an empty alpha channel, take their
	// transparency from the AND mask.
	if hasMask && (bpp == 24 || !anyAlpha) {
		for y := 0; y < h; y++ {
			row := b[mask+(h-1-y)*maskStride:]
			for x := 0; x < w; x++ {
				i := img.PixOffset(x, y) + 3
				if row[x/8]&(0x80>>(x%8)) != 0 {
					img.Pix[i] = 0
				} else {
					img.Pix[i] = 0xff
				}
			}
		}
	}
	return img, nil
}
