package enhance

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// DefaultMaxPixels bounds width*height of an accepted upload. Enhancement
// buffers scale with the pixel count, not the compressed size.
const DefaultMaxPixels = 40_000_000

// Decode reads a PNG or JPEG upload with the default pixel limit.
func Decode(data []byte) (RawImage, error) {
	return DecodeWithLimit(data, DefaultMaxPixels)
}

// DecodeWithLimit reads a PNG or JPEG upload, applying EXIF orientation so
// phone photographs come out upright. Images larger than maxPixels are
// rejected from the header alone; maxPixels <= 0 means DefaultMaxPixels.
func DecodeWithLimit(data []byte, maxPixels int) (RawImage, error) {
	if len(data) == 0 {
		return RawImage{}, fmt.Errorf("empty image data")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return RawImage{}, fmt.Errorf("read image header: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return RawImage{}, fmt.Errorf("unsupported image format %q (expected png or jpeg)", format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return RawImage{}, fmt.Errorf("%s header declares an empty image (%dx%d)", format, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return RawImage{}, fmt.Errorf("image is %dx%d, larger than the %d pixel limit",
			cfg.Width, cfg.Height, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return RawImage{}, fmt.Errorf("decode %s: %w", format, err)
	}
	if img.Bounds().Empty() {
		return RawImage{}, fmt.Errorf("decoded %s image has no pixels", format)
	}

	return FromImage(img), nil
}
