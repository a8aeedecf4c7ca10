package enhance

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	apperrors "github.com/adverant/nexus/prescription-worker/internal/errors"
)

// renderText draws dark text on a light background, like a scanned slip.
func renderText(t *testing.T, w, h int, text string) RawImage {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(2, 14),
	}
	d.DrawString(text)
	return FromImage(img)
}

func requireStep(t *testing.T, err error, code apperrors.ErrorCode, step string) {
	t.Helper()
	var perr *apperrors.ProcessingError
	require.True(t, errors.As(err, &perr), "expected ProcessingError, got %v", err)
	assert.Equal(t, code, perr.Code)
	if step != "" {
		assert.Equal(t, step, perr.Details["step"])
	}
}

func TestEnhanceIsDeterministic(t *testing.T) {
	img := renderText(t, 64, 20, "Tab. 5mg")
	params := DefaultParameters()

	first, err := Enhance(context.Background(), img, params)
	require.NoError(t, err)
	second, err := Enhance(context.Background(), img, params)
	require.NoError(t, err)

	assert.Equal(t, first.Pix, second.Pix)
}

func TestEnhanceWhiteBackground(t *testing.T) {
	img := NewRawImage(30, 20, 3, whitePixels(30*20))
	out, err := Enhance(context.Background(), img, DefaultParameters())
	require.NoError(t, err)
	for _, v := range out.Pix {
		require.Equal(t, uint8(245), v)
	}
}

func TestEnhanceKeepsTextDark(t *testing.T) {
	out, err := Enhance(context.Background(), renderText(t, 64, 20, "Rx"), DefaultParameters())
	require.NoError(t, err)

	dark := 0
	for _, v := range out.Pix {
		if v < 245 {
			dark++
		}
	}
	assert.Greater(t, dark, 0)
}

func TestEnhancePreservesDimensions(t *testing.T) {
	img := renderText(t, 14, 9, "Dr")
	for denoise := MinDenoiseStrength; denoise <= MaxDenoiseStrength; denoise++ {
		for tenths := 10; tenths <= 40; tenths++ {
			params := Parameters{DenoiseStrength: denoise, ContrastStrength: float64(tenths) / 10}
			out, err := Enhance(context.Background(), img, params)
			require.NoError(t, err, "params %+v", params)
			require.Equal(t, 14, out.Width)
			require.Equal(t, 9, out.Height)
			require.Len(t, out.Pix, 14*9)
		}
	}
}

func TestEnhanceRejectsParametersBeforeProcessing(t *testing.T) {
	// A zero-size image would fail at grayscale; parameter errors must win.
	empty := RawImage{}

	_, err := Enhance(context.Background(), empty, Parameters{DenoiseStrength: 0, ContrastStrength: 2.0})
	requireStep(t, err, apperrors.ErrorInvalidParameters, "")

	_, err = Enhance(context.Background(), empty, Parameters{DenoiseStrength: 15, ContrastStrength: 10.0})
	requireStep(t, err, apperrors.ErrorInvalidParameters, "")
}

func TestEnhanceFailuresNameTheStep(t *testing.T) {
	tests := []struct {
		name string
		img  RawImage
	}{
		{"zero size", RawImage{Channels: 3}},
		{"four channels", NewRawImage(2, 2, 4, make([]uint8, 16))},
		{"single channel", NewRawImage(2, 2, 1, make([]uint8, 4))},
		{"short buffer", NewRawImage(4, 4, 3, make([]uint8, 10))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Enhance(context.Background(), tt.img, DefaultParameters())
			assert.Nil(t, out)
			requireStep(t, err, apperrors.ErrorImageProcessingFailed, StepGrayscale)
		})
	}
}

func TestRunStepRecoversPanics(t *testing.T) {
	out, err := runStepCtx(context.Background(), time.Now(), StepDilate, func() (*GrayImage, error) {
		var pix []uint8
		_ = pix[3]
		return nil, nil
	})
	assert.Nil(t, out)
	requireStep(t, err, apperrors.ErrorImageProcessingFailed, StepDilate)
}

// countdownCtx reports cancellation after its first n Err calls.
type countdownCtx struct {
	context.Context
	remaining int32
}

func (c *countdownCtx) Err() error {
	if atomic.AddInt32(&c.remaining, -1) < 0 {
		return context.Canceled
	}
	return nil
}

func TestEnhanceStopsInsideDenoiseWhenCancelled(t *testing.T) {
	// three step checks, the denoise step check, then one search offset
	ctx := &countdownCtx{Context: context.Background(), remaining: 5}

	out, err := Enhance(ctx, renderText(t, 64, 20, "Rx"), DefaultParameters())
	assert.Nil(t, out)
	requireStep(t, err, apperrors.ErrorProcessingTimeout, StepDenoise)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnhanceCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := Enhance(ctx, renderText(t, 64, 20, "Rx"), DefaultParameters())
	assert.Nil(t, out)
	requireStep(t, err, apperrors.ErrorProcessingTimeout, StepGrayscale)
}

func TestEnhanceHonoursDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := Enhance(ctx, NewRawImage(1200, 1200, 3, whitePixels(1200*1200)), DefaultParameters())
	requireStep(t, err, apperrors.ErrorProcessingTimeout, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestParametersValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Parameters
		wantErr bool
	}{
		{"defaults", DefaultParameters(), false},
		{"lower bounds", Parameters{5, 1.0}, false},
		{"upper bounds", Parameters{30, 4.0}, false},
		{"grid value", Parameters{12, 2.7}, false},
		{"zero denoise", Parameters{0, 2.0}, true},
		{"denoise too high", Parameters{31, 2.0}, true},
		{"contrast too high", Parameters{15, 10.0}, true},
		{"contrast too low", Parameters{15, 0.9}, true},
		{"off grid", Parameters{15, 2.05}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	flat := Fingerprint(uniformGray(40, 40, 245))
	assert.Len(t, flat, FingerprintSize)
	assert.True(t, IsZeroVector(flat))

	enhanced, err := Enhance(context.Background(), renderText(t, 64, 20, "Name: Jane"), DefaultParameters())
	require.NoError(t, err)
	vec := Fingerprint(enhanced)
	assert.Len(t, vec, FingerprintSize)
	assert.False(t, IsZeroVector(vec))
	assert.Equal(t, vec, Fingerprint(enhanced))

	assert.True(t, IsZeroVector(Fingerprint(nil)))
}

func whitePixels(n int) []uint8 {
	pix := make([]uint8, n*3)
	for i := range pix {
		pix[i] = 255
	}
	return pix
}
