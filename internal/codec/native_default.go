//go:build !imageopt

package codec

// NativeOptions returns the adapter options available without the native
// image libraries: WebP output is unavailable and TIFF output is Deflate.
// Build with -tags imageopt to enable both.
func NativeOptions() Options {
	return Options{}
}
