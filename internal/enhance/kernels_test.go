package enhance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformGray(w, h int, v uint8) *GrayImage {
	g := newGray(w, h)
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

func TestReflect101(t *testing.T) {
	tests := []struct {
		i, n, want int
	}{
		{0, 5, 0},
		{4, 5, 4},
		{-1, 5, 1},
		{-2, 5, 2},
		{5, 5, 3},
		{6, 5, 2},
		{-13, 12, 9},
		{3, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reflect101(tt.i, tt.n), "reflect101(%d, %d)", tt.i, tt.n)
	}
}

func TestGrayscaleWeights(t *testing.T) {
	img := NewRawImage(3, 1, 3, []uint8{
		255, 255, 255,
		255, 0, 0,
		0, 0, 0,
	})
	gray, err := Grayscale(img)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 76, 0}, gray.Pix)
}

func TestGrayscaleRejectsBadInput(t *testing.T) {
	_, err := Grayscale(RawImage{})
	assert.Error(t, err)

	_, err = Grayscale(NewRawImage(1, 1, 4, []uint8{1, 2, 3, 4}))
	assert.Error(t, err)

	_, err = Grayscale(NewRawImage(2, 2, 3, []uint8{1, 2, 3}))
	assert.Error(t, err)
}

func TestGaussianWeightsSumToOne(t *testing.T) {
	for _, size := range []int{3, 7, 21} {
		var sum int64
		weights := gaussianWeights(size, 0)
		for i, w := range weights {
			sum += w
			assert.Equal(t, w, weights[len(weights)-1-i], "kernel must be symmetric")
		}
		assert.Equal(t, int64(1)<<weightShift, sum, "size %d", size)
	}
}

func TestGaussianBlurKeepsUniformImage(t *testing.T) {
	out, err := GaussianBlur3(uniformGray(6, 4, 123))
	require.NoError(t, err)
	assert.Equal(t, uniformGray(6, 4, 123).Pix, out.Pix)
}

func TestAdaptiveThresholdInv(t *testing.T) {
	flat, err := AdaptiveThresholdInv(uniformGray(21, 21, 200), 21, 10)
	require.NoError(t, err)
	assert.Equal(t, uniformGray(21, 21, 0).Pix, flat.Pix)

	dot := uniformGray(21, 21, 200)
	dot.Pix[10*21+10] = 0
	out, err := AdaptiveThresholdInv(dot, 21, 10)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), out.At(10, 10))
	assert.Equal(t, uint8(0), out.At(9, 10))
	assert.Equal(t, uint8(0), out.At(0, 0))

	_, err = AdaptiveThresholdInv(dot, 4, 10)
	assert.Error(t, err)
}

func TestDilate2x2(t *testing.T) {
	src := newGray(5, 5)
	src.Pix[2*5+2] = 255
	out, err := Dilate2x2(src)
	require.NoError(t, err)

	lit := 0
	for _, v := range out.Pix {
		if v == 255 {
			lit++
		}
	}
	assert.Equal(t, 4, lit)
	assert.Equal(t, uint8(255), out.At(2, 2))
	assert.Equal(t, uint8(255), out.At(3, 2))
	assert.Equal(t, uint8(255), out.At(2, 3))
	assert.Equal(t, uint8(255), out.At(3, 3))
	assert.Equal(t, uint8(0), out.At(1, 1))
}

func TestLaplacian3(t *testing.T) {
	flat, err := Laplacian3(uniformGray(4, 4, 90))
	require.NoError(t, err)
	assert.Equal(t, uniformGray(4, 4, 0).Pix, flat.Pix)

	src := newGray(5, 5)
	src.Pix[2*5+2] = 100
	out, err := Laplacian3(src)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), out.At(2, 2), "negative response saturates to zero")
	assert.Equal(t, uint8(200), out.At(1, 1))
	assert.Equal(t, uint8(200), out.At(3, 3))
	assert.Equal(t, uint8(0), out.At(2, 1))
}

func TestSharpenRoundsHalfToEven(t *testing.T) {
	base := NewGrayImage(4, 1, []uint8{100, 1, 3, 0})
	edges := NewGrayImage(4, 1, []uint8{0, 0, 0, 255})
	out, err := Sharpen(base, edges)
	require.NoError(t, err)
	assert.Equal(t, []uint8{150, 2, 4, 0}, out.Pix)

	_, err = Sharpen(base, newGray(2, 2))
	assert.Error(t, err)
}

func TestScaleAbs(t *testing.T) {
	out, err := ScaleAbs(NewGrayImage(3, 1, []uint8{0, 100, 200}), 2.0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint8{10, 210, 255}, out.Pix)
}

func TestInvert(t *testing.T) {
	out, err := Invert(NewGrayImage(3, 1, []uint8{0, 10, 255}))
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 245, 0}, out.Pix)
}

func TestNLMeans(t *testing.T) {
	flat, err := NLMeans(context.Background(), uniformGray(9, 7, 77), 15, 7, 21)
	require.NoError(t, err)
	assert.Equal(t, uniformGray(9, 7, 77).Pix, flat.Pix)

	src := newGray(12, 12)
	for y := 0; y < 12; y++ {
		for x := 6; x < 12; x++ {
			src.Pix[y*12+x] = 255
		}
	}
	first, err := NLMeans(context.Background(), src, 10, 7, 21)
	require.NoError(t, err)
	second, err := NLMeans(context.Background(), src, 10, 7, 21)
	require.NoError(t, err)
	assert.Equal(t, first.Pix, second.Pix)

	_, err = NLMeans(context.Background(), src, 0, 7, 21)
	assert.Error(t, err)
	_, err = NLMeans(context.Background(), src, 10, 6, 21)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := NLMeans(ctx, src, 10, 7, 21)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKernelsRejectMalformedBuffers(t *testing.T) {
	bad := &GrayImage{Width: 3, Height: 3, Pix: make([]uint8, 4)}

	_, err := GaussianBlur3(bad)
	assert.Error(t, err)
	_, err = Dilate2x2(bad)
	assert.Error(t, err)
	_, err = Laplacian3(bad)
	assert.Error(t, err)
	_, err = Invert(nil)
	assert.Error(t, err)
}
