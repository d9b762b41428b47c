package codec

import (
	"errors"
	"io"

	"media-recompressor/internal/failure"

	"golang.org/x/image/webp"
)

var errNoWebPEncoder = errors.New("no webp encoder configured")

type webpAdapter struct {
	limits
	encode WebPEncoder
}

func (a *webpAdapter) Format() Format { return FormatWebP }

// UsesParam reports whether an encoder is present to apply the quality.
func (a *webpAdapter) UsesParam() bool { return a.encode != nil }

func (a *webpAdapter) Inspect(_ io.Reader, _ int64) error {
	if a.encode == nil {
		return failure.New(failure.KindCapabilityUnavailable, "inspect webp", "", errNoWebPEncoder)
	}
	return nil
}

func (a *webpAdapter) Encode(src io.Reader, dst io.Writer, quality int) error {
	if a.encode == nil {
		return failure.New(failure.KindCapabilityUnavailable, "encode webp", "", errNoWebPEncoder)
	}

	data, err := readSource("read webp", src)
	if err != nil {
		return err
	}

	img, err := a.decode("decode webp", data, webp.Decode, webp.DecodeConfig)
	if err != nil {
		return err
	}

	return encodeErr("encode webp", a.encode(dst, img, quality))
}
