package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image/gif"
	"io"

	"media-recompressor/internal/failure"

	"github.com/disintegration/imaging"
)

const (
	animationScanChunk = 100 * 1024
	// 0x00 0x21 0xF9 0x04, four bytes of block data, 0x00, then 0x2C or 0x21.
	gceLen = 10
)

type gifAdapter struct {
	limits
}

func (a *gifAdapter) Format() Format { return FormatGIF }

func (a *gifAdapter) Inspect(src io.Reader, _ int64) error {
	animated, err := IsAnimatedGIF(src)
	if err != nil {
		return failure.New(failure.KindSourceUnreadable, "inspect gif", "", err)
	}
	if animated {
		return failure.New(failure.KindAnimatedSource, "inspect gif", "", nil)
	}
	return nil
}

// Encode re-encodes a single-frame GIF. Multi-frame input is refused here too
// so an animation can never be flattened to its first frame.
func (a *gifAdapter) Encode(src io.Reader, dst io.Writer, _ int) error {
	data, err := readSource("read gif", src)
	if err != nil {
		return err
	}

	cfg, err := gif.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return failure.New(failure.KindEncodeFailure, "decode gif", "", fmt.Errorf("read header: %w", err))
	}
	if err := a.check(cfg.Width, cfg.Height); err != nil {
		return failure.New(failure.KindEncodeFailure, "decode gif", "", err)
	}

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return failure.New(failure.KindEncodeFailure, "decode gif", "", err)
	}
	if len(g.Image) != 1 {
		return failure.New(failure.KindAnimatedSource, "decode gif", "", fmt.Errorf("%d frames", len(g.Image)))
	}

	return encodeErr("encode gif", imaging.Encode(dst, g.Image[0], imaging.GIF))
}

// IsAnimatedGIF scans r for graphic control extensions that are followed by
// another frame. Two or more hits mean the GIF is animated. The stream is read
// in fixed chunks with a small overlap so no match is missed at a boundary.
func IsAnimatedGIF(r io.Reader) (bool, error) {
	buf := make([]byte, animationScanChunk+gceLen-1)
	carry, count := 0, 0

	for {
		n, err := io.ReadFull(r, buf[carry:])
		window := buf[:carry+n]
		count += countFrameMarkers(window)
		if count > 1 {
			return true, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		carry = copy(buf, window[len(window)-(gceLen-1):])
	}
}

func countFrameMarkers(b []byte) int {
	count := 0
	for i := 0; i+gceLen <= len(b); i++ {
		if b[i] == 0x00 && b[i+1] == 0x21 && b[i+2] == 0xF9 && b[i+3] == 0x04 &&
			b[i+8] == 0x00 && (b[i+9] == 0x2C || b[i+9] == 0x21) {
			count++
			i += gceLen - 1
		}
	}
	return count
}
