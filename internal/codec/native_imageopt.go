//go:build imageopt

package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/h2non/bimg"
	"gopkg.in/gographics/imagick.v3/imagick"
)

var imagickOnce sync.Once

// NativeOptions returns the adapter options backed by libvips and
// ImageMagick. Builds with the imageopt tag link against both.
func NativeOptions() Options {
	return Options{
		WebPEncoder: bimgWebP,
		TIFFEncoder: imagickTIFF,
	}
}

// losslessPNG hands pixels to the native libraries without a lossy step.
func losslessPNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bimgWebP(w io.Writer, img image.Image, quality int) error {
	src, err := losslessPNG(img)
	if err != nil {
		return err
	}

	out, err := bimg.NewImage(src).Process(bimg.Options{
		Type:    bimg.WEBP,
		Quality: quality,
	})
	if err != nil {
		return fmt.Errorf("bimg webp: %w", err)
	}
	_, err = w.Write(out)
	return err
}

func imagickTIFF(w io.Writer, img image.Image, quality int) error {
	imagickOnce.Do(imagick.Initialize)

	src, err := losslessPNG(img)
	if err != nil {
		return err
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImageBlob(src); err != nil {
		return fmt.Errorf("imagick read: %w", err)
	}
	if err := mw.SetImageFormat("TIFF"); err != nil {
		return fmt.Errorf("imagick format: %w", err)
	}
	if err := mw.SetImageCompression(imagick.COMPRESSION_JPEG); err != nil {
		return fmt.Errorf("imagick compression: %w", err)
	}
	if err := mw.SetImageCompressionQuality(uint(quality)); err != nil {
		return fmt.Errorf("imagick quality: %w", err)
	}

	_, err = w.Write(mw.GetImageBlob())
	return err
}
