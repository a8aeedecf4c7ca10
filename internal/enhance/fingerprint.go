package enhance

import (
	"image"

	"golang.org/x/image/draw"
)

const fingerprintSide = 16

// FingerprintSize is the length of the vector returned by Fingerprint.
const FingerprintSize = fingerprintSide * fingerprintSide

// Fingerprint downsamples an enhanced image to 16x16 and returns the
// mean-centred intensities in [-1, 1]. Two uploads of the same prescription
// land close together under cosine similarity. A uniform image yields the
// zero vector, which callers should not index.
func Fingerprint(img *GrayImage) []float32 {
	vec := make([]float32, FingerprintSize)
	if img.validate() != nil {
		return vec
	}

	dst := image.NewGray(image.Rect(0, 0, fingerprintSide, fingerprintSide))
	draw.BiLinear.Scale(dst, dst.Bounds(), img.ToImage(), image.Rect(0, 0, img.Width, img.Height), draw.Src, nil)

	sum := 0
	for _, v := range dst.Pix {
		sum += int(v)
	}
	for i, v := range dst.Pix {
		vec[i] = float32(int(v)*FingerprintSize-sum) / (255 * FingerprintSize)
	}
	return vec
}

// IsZeroVector reports whether every component is zero.
func IsZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
