//go:build imageopt

package codec

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

func TestNative_WebPHonoursQuality(t *testing.T) {
	src := encodePNG(t, noisyImage(64, 64, 5), png.BestSpeed)

	a, err := NewSet(NativeOptions()).For(FormatWebP)
	require.NoError(t, err)
	require.NoError(t, a.(Inspector).Inspect(bytes.NewReader(nil), 10))
	assert.True(t, a.(ParamReporter).UsesParam())

	var low, high bytes.Buffer
	require.NoError(t, NativeOptions().WebPEncoder(&high, noisyImage(64, 64, 5), 95))
	require.NoError(t, NativeOptions().WebPEncoder(&low, noisyImage(64, 64, 5), 10))
	assert.Less(t, low.Len(), high.Len())

	img, err := webp.Decode(&low)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	var out bytes.Buffer
	err = a.Encode(bytes.NewReader(webpFrom(t, src)), &out, 50)
	require.NoError(t, err)
	assert.Equal(t, "WEBP", string(out.Bytes()[8:12]))
}

func webpFrom(t *testing.T, pngData []byte) []byte {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(pngData))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, NativeOptions().WebPEncoder(&buf, img, 90))
	return buf.Bytes()
}

func TestNative_TIFFHonoursQuality(t *testing.T) {
	var src bytes.Buffer
	require.NoError(t, tiff.Encode(&src, noisyImage(64, 64, 6), nil))

	a, err := NewSet(NativeOptions()).For(FormatTIFF)
	require.NoError(t, err)
	assert.True(t, a.(ParamReporter).UsesParam())

	var low, high bytes.Buffer
	require.NoError(t, a.Encode(bytes.NewReader(src.Bytes()), &low, 10))
	require.NoError(t, a.Encode(bytes.NewReader(src.Bytes()), &high, 95))
	assert.Less(t, low.Len(), high.Len())
}
