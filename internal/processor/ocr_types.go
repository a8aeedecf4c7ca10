/**
 * OCR Types - Shared data structures for OCR operations
 *
 * The pipeline talks to OCR engines through OCREngine so tests can swap in a
 * scripted engine and production uses Tesseract.
 */

package processor

import (
	"context"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
)

const (
	// DefaultEngineMode is Tesseract OEM 3 (LSTM plus legacy, whatever is available)
	DefaultEngineMode = 3
	// DefaultPageSegMode is Tesseract PSM 6 (a single uniform block of text)
	DefaultPageSegMode = 6
)

// OCREngine recognizes text in an enhanced image
type OCREngine interface {
	Name() string
	Recognize(ctx context.Context, img *enhance.GrayImage, cfg OCRConfig) (*OCRResult, error)
}

// OCRConfig is passed to the engine on every call
type OCRConfig struct {
	EngineMode  int
	PageSegMode int
	Languages   []string
}

// DefaultOCRConfig returns OEM 3 / PSM 6 with English
func DefaultOCRConfig() OCRConfig {
	return OCRConfig{
		EngineMode:  DefaultEngineMode,
		PageSegMode: DefaultPageSegMode,
		Languages:   []string{"eng"},
	}
}

// OCRResult represents the result of OCR processing
type OCRResult struct {
	Text       string
	Confidence float64
	Words      []OCRWord
	TierUsed   string // Which engine produced the text
	Duration   time.Duration
}

// OCRWord represents a single word with bounding box
type OCRWord struct {
	Text        string
	Confidence  float64
	BoundingBox BoundingBox
}

// BoundingBox represents coordinates of a region
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}
