/**
 * Image enhancement chain
 *
 * Turns a colour photograph of a prescription into a binarized, sharpened
 * grayscale image for OCR. Every step is integer or fixed-precision float
 * arithmetic, so identical inputs give byte-identical outputs.
 */

package enhance

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/adverant/nexus/prescription-worker/internal/errors"
)

// Step names reported in ImageProcessingError details.
const (
	StepGrayscale         = "grayscale"
	StepGaussianBlur      = "gaussian_blur"
	StepAdaptiveThreshold = "adaptive_threshold"
	StepDenoise           = "denoise"
	StepDilate            = "dilate"
	StepLaplacian         = "laplacian"
	StepSharpen           = "sharpen"
	StepContrast          = "contrast"
	StepInvert            = "invert"
)

const (
	thresholdBlockSize = 21
	thresholdOffset    = 10

	denoiseTemplateWindow = 7
	denoiseSearchWindow   = 21

	contrastBrightness = 10
)

// Enhance runs the full chain. Parameters are validated before any pixel is
// touched. On failure the returned error is a *ProcessingError naming the
// step, and no image is returned. ctx is checked before every step and
// inside the denoiser; cancellation yields PROCESSING_TIMEOUT.
func Enhance(ctx context.Context, img RawImage, params Parameters) (*GrayImage, error) {
	if err := params.Validate(); err != nil {
		return nil, apperrors.NewInvalidParametersError(err)
	}

	started := time.Now()
	runStep := func(step string, fn func() (*GrayImage, error)) (*GrayImage, error) {
		return runStepCtx(ctx, started, step, fn)
	}

	gray, err := runStep(StepGrayscale, func() (*GrayImage, error) {
		return Grayscale(img)
	})
	if err != nil {
		return nil, err
	}

	blurred, err := runStep(StepGaussianBlur, func() (*GrayImage, error) {
		return GaussianBlur3(gray)
	})
	if err != nil {
		return nil, err
	}

	binary, err := runStep(StepAdaptiveThreshold, func() (*GrayImage, error) {
		return AdaptiveThresholdInv(blurred, thresholdBlockSize, thresholdOffset)
	})
	if err != nil {
		return nil, err
	}

	denoised, err := runStep(StepDenoise, func() (*GrayImage, error) {
		return NLMeans(ctx, binary, float64(params.DenoiseStrength), denoiseTemplateWindow, denoiseSearchWindow)
	})
	if err != nil {
		return nil, err
	}

	dilated, err := runStep(StepDilate, func() (*GrayImage, error) {
		return Dilate2x2(denoised)
	})
	if err != nil {
		return nil, err
	}

	edges, err := runStep(StepLaplacian, func() (*GrayImage, error) {
		return Laplacian3(dilated)
	})
	if err != nil {
		return nil, err
	}

	sharpened, err := runStep(StepSharpen, func() (*GrayImage, error) {
		return Sharpen(dilated, edges)
	})
	if err != nil {
		return nil, err
	}

	contrasted, err := runStep(StepContrast, func() (*GrayImage, error) {
		return ScaleAbs(sharpened, params.ContrastStrength, contrastBrightness)
	})
	if err != nil {
		return nil, err
	}

	return runStep(StepInvert, func() (*GrayImage, error) {
		return Invert(contrasted)
	})
}

// runStepCtx executes one transform, converting errors and panics into a
// step-tagged ProcessingError.
func runStepCtx(ctx context.Context, started time.Time, step string, fn func() (*GrayImage, error)) (out *GrayImage, err error) {
	if cerr := ctx.Err(); cerr != nil {
		return nil, timeoutAt(step, started, cerr)
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = apperrors.NewImageProcessingError(step, fmt.Errorf("panic: %v", r))
		}
	}()

	out, err = fn()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutAt(step, started, err)
		}
		return nil, apperrors.NewImageProcessingError(step, err)
	}
	return out, nil
}

func timeoutAt(step string, started time.Time, cause error) *apperrors.ProcessingError {
	perr := apperrors.NewProcessingTimeoutError("", time.Since(started), cause)
	perr.Details["step"] = step
	return perr
}
