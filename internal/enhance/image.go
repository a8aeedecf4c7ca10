package enhance

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// RawImage is an 8-bit interleaved RGB buffer as decoded from an upload.
type RawImage struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewRawImage copies pix into a new RawImage. The buffer is validated by the
// grayscale step, not here, so malformed input surfaces as a named step failure.
func NewRawImage(width, height, channels int, pix []uint8) RawImage {
	cp := make([]uint8, len(pix))
	copy(cp, pix)
	return RawImage{Width: width, Height: height, Channels: channels, Pix: cp}
}

// FromImage converts any decoded image to RGB, dropping alpha.
func FromImage(img image.Image) RawImage {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	pix := make([]uint8, w*h*3)
	for y := 0; y < h; y++ {
		src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		dst := pix[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return RawImage{Width: w, Height: h, Channels: 3, Pix: pix}
}

// GrayImage is a single-channel 8-bit buffer, row-major without padding.
type GrayImage struct {
	Width  int
	Height int
	Pix    []uint8
}

func newGray(width, height int) *GrayImage {
	return &GrayImage{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// NewGrayImage copies pix into a new GrayImage.
func NewGrayImage(width, height int, pix []uint8) *GrayImage {
	g := newGray(width, height)
	copy(g.Pix, pix)
	return g
}

// At returns the pixel at (x, y).
func (g *GrayImage) At(x, y int) uint8 {
	return g.Pix[y*g.Width+x]
}

// ToImage exposes the buffer as an *image.Gray sharing no memory with g.
func (g *GrayImage) ToImage() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	copy(img.Pix, g.Pix)
	return img
}

// EncodePNG encodes the image as an 8-bit grayscale PNG.
func (g *GrayImage) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, g.ToImage(), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *GrayImage) validate() error {
	if g == nil {
		return fmt.Errorf("nil image")
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("zero-size image (%dx%d)", g.Width, g.Height)
	}
	if len(g.Pix) != g.Width*g.Height {
		return fmt.Errorf("malformed pixel buffer: have %d bytes, want %d", len(g.Pix), g.Width*g.Height)
	}
	return nil
}
