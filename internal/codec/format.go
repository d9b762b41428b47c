package codec

import (
	"path/filepath"
	"strings"
)

// Format represents the image format an adapter handles.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatWebP
	FormatGIF
	FormatBMP
	FormatTIFF
	FormatICO
	FormatGeneric
)

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	case FormatWebP:
		return "WebP"
	case FormatGIF:
		return "GIF"
	case FormatBMP:
		return "BMP"
	case FormatTIFF:
		return "TIFF"
	case FormatICO:
		return "ICO"
	case FormatGeneric:
		return "Generic"
	default:
		return "Unknown"
	}
}

// IsSupported reports whether an adapter exists for the format.
func (f Format) IsSupported() bool {
	return f != FormatUnknown
}

var mimeFormats = map[string]Format{
	"image/jpeg":               FormatJPEG,
	"image/jpg":                FormatJPEG,
	"image/pjpeg":              FormatJPEG,
	"image/png":                FormatPNG,
	"image/webp":               FormatWebP,
	"image/gif":                FormatGIF,
	"image/bmp":                FormatBMP,
	"image/x-ms-bmp":           FormatBMP,
	"image/tiff":               FormatTIFF,
	"image/tiff-fx":            FormatTIFF,
	"image/x-icon":             FormatICO,
	"image/vnd.microsoft.icon": FormatICO,
}

// image types the generic fallback must not try.
var nonRaster = map[string]bool{
	"image/svg+xml": true,
}

// FormatForMIME maps a declared MIME type onto its adapter format. Any other
// image/* type falls back to FormatGeneric; non-image types are unknown.
func FormatForMIME(mime string) Format {
	mime = normalizeMIME(mime)
	if f, ok := mimeFormats[mime]; ok {
		return f
	}
	if strings.HasPrefix(mime, "image/") && !nonRaster[mime] {
		return FormatGeneric
	}
	return FormatUnknown
}

// IsListedMIME reports whether mime is one of the explicitly supported types,
// as opposed to reaching an adapter through the generic fallback.
func IsListedMIME(mime string) bool {
	_, ok := mimeFormats[normalizeMIME(mime)]
	return ok
}

// SupportedMIMETypes returns the explicitly supported MIME types in a stable order.
func SupportedMIMETypes() []string {
	return []string{
		"image/jpeg", "image/jpg", "image/pjpeg",
		"image/png",
		"image/webp",
		"image/gif",
		"image/bmp", "image/x-ms-bmp",
		"image/tiff", "image/tiff-fx",
		"image/x-icon", "image/vnd.microsoft.icon",
	}
}

// MIMEForExtension guesses a MIME type from a file name. Used when neither the
// caller nor content sniffing provided one.
func MIMEForExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".jpe":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".ico":
		return "image/x-icon"
	default:
		return ""
	}
}

func normalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}
