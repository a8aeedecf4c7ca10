package enhance

import (
	"fmt"
	"math"
)

// Fixed-point scale for separable kernel weights.
const weightShift = 16

// reflect101 maps an out-of-range index back into [0, n) mirroring around the
// edge pixels without repeating them (gfedcb|abcdefgh|gfedcba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func replicate(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func saturate(v int64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func saturateFloat(v float64) uint8 {
	return saturate(int64(math.RoundToEven(v)))
}

// Grayscale converts RGB to luma with the fixed-point BT.601 weights.
func Grayscale(img RawImage) (*GrayImage, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("zero-size image (%dx%d)", img.Width, img.Height)
	}
	if img.Channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d (expected 3)", img.Channels)
	}
	if len(img.Pix) != img.Width*img.Height*3 {
		return nil, fmt.Errorf("malformed pixel buffer: have %d bytes, want %d", len(img.Pix), img.Width*img.Height*3)
	}

	out := newGray(img.Width, img.Height)
	for i := range out.Pix {
		r := int64(img.Pix[i*3])
		g := int64(img.Pix[i*3+1])
		b := int64(img.Pix[i*3+2])
		out.Pix[i] = uint8((r*4899 + g*9617 + b*1868 + 8192) >> 14)
	}
	return out, nil
}

// GaussianBlur3 applies the 3x3 binomial kernel (1 2 1)^T(1 2 1)/16.
func GaussianBlur3(src *GrayImage) (*GrayImage, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	w, h := src.Width, src.Height
	k := [3]int64{1, 2, 1}
	out := newGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum int64
			for j := -1; j <= 1; j++ {
				row := reflect101(y+j, h) * w
				for i := -1; i <= 1; i++ {
					sum += k[j+1] * k[i+1] * int64(src.Pix[row+reflect101(x+i, w)])
				}
			}
			out.Pix[y*w+x] = uint8((sum + 8) >> 4)
		}
	}
	return out, nil
}

// gaussianWeights returns fixed-point weights summing to exactly 1<<weightShift.
// A non-positive sigma is derived from the size.
func gaussianWeights(size int, sigma float64) []int64 {
	if sigma <= 0 {
		sigma = 0.3*(float64(size-1)*0.5-1) + 0.8
	}
	c := size / 2
	raw := make([]float64, size)
	var total float64
	for i := range raw {
		d := float64(i - c)
		raw[i] = math.Exp(-d * d / (2 * sigma * sigma))
		total += raw[i]
	}
	one := int64(1) << weightShift
	weights := make([]int64, size)
	var sum int64
	for i := range raw {
		weights[i] = int64(math.Round(raw[i] / total * float64(one)))
		sum += weights[i]
	}
	weights[c] += one - sum
	return weights
}

// gaussianMean blurs with a size x size Gaussian and replicated borders.
func gaussianMean(src *GrayImage, size int) *GrayImage {
	w, h := src.Width, src.Height
	r := size / 2
	weights := gaussianWeights(size, 0)

	tmp := make([]int64, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var acc int64
			for i, wt := range weights {
				acc += wt * int64(row[replicate(x+i-r, w)])
			}
			tmp[y*w+x] = acc
		}
	}

	out := newGray(w, h)
	half := int64(1) << (2*weightShift - 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc int64
			for j, wt := range weights {
				acc += wt * tmp[replicate(y+j-r, h)*w+x]
			}
			out.Pix[y*w+x] = saturate((acc + half) >> (2 * weightShift))
		}
	}
	return out
}

// AdaptiveThresholdInv marks a pixel 255 when it is at least offset darker than
// its Gaussian-weighted neighborhood mean, 0 otherwise. Dark text on light
// paper therefore becomes the high value.
func AdaptiveThresholdInv(src *GrayImage, blockSize int, offset int) (*GrayImage, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	if blockSize < 3 || blockSize%2 == 0 {
		return nil, fmt.Errorf("block size must be odd and >= 3, got %d", blockSize)
	}
	mean := gaussianMean(src, blockSize)
	out := newGray(src.Width, src.Height)
	for i, v := range src.Pix {
		if int(v)-int(mean.Pix[i]) <= -offset {
			out.Pix[i] = 255
		}
	}
	return out, nil
}

// Dilate2x2 takes the maximum over the pixel and its left, upper and
// upper-left neighbours. Pixels outside the image do not contribute.
func Dilate2x2(src *GrayImage) (*GrayImage, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	w, h := src.Width, src.Height
	out := newGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := src.Pix[y*w+x]
			if x > 0 && src.Pix[y*w+x-1] > m {
				m = src.Pix[y*w+x-1]
			}
			if y > 0 {
				if v := src.Pix[(y-1)*w+x]; v > m {
					m = v
				}
				if x > 0 {
					if v := src.Pix[(y-1)*w+x-1]; v > m {
						m = v
					}
				}
			}
			out.Pix[y*w+x] = m
		}
	}
	return out, nil
}

// Laplacian3 applies the 3x3 aperture Laplacian
//
//	2  0  2
//	0 -8  0
//	2  0  2
//
// saturating the response to 8 bits.
func Laplacian3(src *GrayImage) (*GrayImage, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	w, h := src.Width, src.Height
	out := newGray(w, h)
	for y := 0; y < h; y++ {
		up := reflect101(y-1, h) * w
		mid := y * w
		down := reflect101(y+1, h) * w
		for x := 0; x < w; x++ {
			left := reflect101(x-1, w)
			right := reflect101(x+1, w)
			sum := 2*(int64(src.Pix[up+left])+int64(src.Pix[up+right])+
				int64(src.Pix[down+left])+int64(src.Pix[down+right])) -
				8*int64(src.Pix[mid+x])
			out.Pix[mid+x] = saturate(sum)
		}
	}
	return out, nil
}

// Sharpen computes base*1.5 + edges*(-0.5), rounding half to even.
func Sharpen(base, edges *GrayImage) (*GrayImage, error) {
	if err := base.validate(); err != nil {
		return nil, err
	}
	if err := edges.validate(); err != nil {
		return nil, err
	}
	if base.Width != edges.Width || base.Height != edges.Height {
		return nil, fmt.Errorf("size mismatch: %dx%d vs %dx%d", base.Width, base.Height, edges.Width, edges.Height)
	}
	out := newGray(base.Width, base.Height)
	for i := range out.Pix {
		twice := 3*int64(base.Pix[i]) - int64(edges.Pix[i])
		out.Pix[i] = saturateFloat(float64(twice) / 2)
	}
	return out, nil
}

// ScaleAbs computes |v*alpha + beta| saturated to 8 bits.
func ScaleAbs(src *GrayImage, alpha, beta float64) (*GrayImage, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	a, b := float32(alpha), float32(beta)
	out := newGray(src.Width, src.Height)
	for i, v := range src.Pix {
		scaled := float32(float32(v)*a) + b
		out.Pix[i] = saturateFloat(math.Abs(float64(scaled)))
	}
	return out, nil
}

// Invert flips polarity.
func Invert(src *GrayImage) (*GrayImage, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	out := newGray(src.Width, src.Height)
	for i, v := range src.Pix {
		out.Pix[i] = 255 - v
	}
	return out, nil
}
