package codec

import (
	"fmt"
	"sync"

	"github.com/barasher/go-exiftool"
	"github.com/sirupsen/logrus"
)

// preservedTags are copied from the original onto re-encoded JPEGs.
// Orientation is left out because the encoder already applied it.
var preservedTags = []string{
	"Make", "Model", "LensModel",
	"DateTimeOriginal", "CreateDate", "ModifyDate",
	"Artist", "Copyright", "ImageDescription",
	"GPSLatitude", "GPSLatitudeRef",
	"GPSLongitude", "GPSLongitudeRef",
	"GPSAltitude", "GPSAltitudeRef",
}

// MetadataPreserver copies descriptive EXIF tags between files on disk using
// an exiftool process.
type MetadataPreserver struct {
	et     *exiftool.Exiftool
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewMetadataPreserver starts exiftool. It fails when the binary is missing.
func NewMetadataPreserver(logger *logrus.Logger) (*MetadataPreserver, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}
	return &MetadataPreserver{et: et, logger: logger}, nil
}

// Copy writes the preserved tags found in src onto dst in place.
func (p *MetadataPreserver) Copy(src, dst string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := p.et.ExtractMetadata(src)
	if len(infos) == 0 {
		return fmt.Errorf("no metadata returned for %s", src)
	}
	if infos[0].Err != nil {
		return fmt.Errorf("failed to read metadata from %s: %w", src, infos[0].Err)
	}

	target := exiftool.FileMetadata{File: dst, Fields: map[string]interface{}{}}
	for _, tag := range preservedTags {
		if v, err := infos[0].GetString(tag); err == nil && v != "" {
			target.SetString(tag, v)
		}
	}
	if len(target.Fields) == 0 {
		return nil
	}

	out := []exiftool.FileMetadata{target}
	p.et.WriteMetadata(out)
	if out[0].Err != nil {
		return fmt.Errorf("failed to write metadata to %s: %w", dst, out[0].Err)
	}

	p.logger.WithFields(logrus.Fields{"file": dst, "tags": len(target.Fields)}).Debug("Copied metadata")
	return nil
}

// Close stops the exiftool process.
func (p *MetadataPreserver) Close() error {
	return p.et.Close()
}
