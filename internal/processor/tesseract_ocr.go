/**
 * Tesseract OCR
 *
 * Offline OCR through gosseract. The enhanced image crosses the boundary as
 * a single-channel PNG.
 */

package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
)

// TesseractOCR handles OCR using Tesseract
type TesseractOCR struct {
	tessdataPrefix string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	TessdataPrefix string // optional; empty uses the system tessdata
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	t := &TesseractOCR{}
	if cfg != nil {
		t.tessdataPrefix = cfg.TessdataPrefix
	}
	return t
}

// Name identifies the engine in errors and logs
func (t *TesseractOCR) Name() string {
	return "tesseract"
}

// Version returns the linked Tesseract version
func (t *TesseractOCR) Version() string {
	client := gosseract.NewClient()
	defer client.Close()
	return client.Version()
}

// Recognize performs OCR on an enhanced image. gosseract has no engine mode
// setter; Tesseract's default mode is OEM 3, so cfg.EngineMode is only
// checked for that value.
func (t *TesseractOCR) Recognize(ctx context.Context, img *enhance.GrayImage, cfg OCRConfig) (*OCRResult, error) {
	startTime := time.Now()

	if cfg.EngineMode != 0 && cfg.EngineMode != DefaultEngineMode {
		return nil, fmt.Errorf("unsupported engine mode %d", cfg.EngineMode)
	}

	pngData, err := img.EncodePNG()
	if err != nil {
		return nil, fmt.Errorf("failed to encode image for OCR: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if t.tessdataPrefix != "" {
		client.TessdataPrefix = t.tessdataPrefix
	}

	if len(cfg.Languages) > 0 {
		if err := client.SetLanguage(cfg.Languages...); err != nil {
			return nil, fmt.Errorf("failed to set languages: %w", err)
		}
	}

	psm := cfg.PageSegMode
	if psm == 0 {
		psm = DefaultPageSegMode
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(psm)); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	if err := client.SetImageFromBytes(pngData); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	words := extractWords(client)

	return &OCRResult{
		Text:       text,
		Confidence: wordConfidence(words, text),
		Words:      words,
		TierUsed:   t.Name(),
		Duration:   time.Since(startTime),
	}, nil
}

// extractWords reads word boxes from the already-recognized page.
// Failure only loses per-word detail.
func extractWords(client *gosseract.Client) []OCRWord {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil
	}

	words := make([]OCRWord, 0, len(boxes))
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		words = append(words, OCRWord{
			Text:       b.Word,
			Confidence: b.Confidence / 100,
			BoundingBox: BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
	}
	return words
}

// wordConfidence averages word confidences, falling back to a text-quality
// estimate when no boxes are available.
func wordConfidence(words []OCRWord, text string) float64 {
	if len(words) == 0 {
		return calculateTesseractConfidence(text)
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

// calculateTesseractConfidence estimates confidence based on text quality
func calculateTesseractConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	confidence := 0.5 // Base confidence

	// Prescriptions are short; a handful of lines is already a full read
	if len(text) > 100 {
		confidence += 0.1
	}
	if len(text) > 500 {
		confidence += 0.1
	}

	words := strings.Fields(text)
	if len(words) > 20 {
		confidence += 0.1
	}

	alphaCount := 0
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			alphaCount++
		}
	}
	alphaRatio := float64(alphaCount) / float64(len(text))
	if alphaRatio > 0.5 && alphaRatio < 0.9 {
		confidence += 0.1
	}

	// Cap at reasonable maximum for Tesseract
	if confidence > 0.85 {
		confidence = 0.85
	}

	return confidence
}
