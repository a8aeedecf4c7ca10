package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	apperrors "github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/structure"
)

// Outcome statuses
const (
	StatusSuccess = "success"
	StatusNoText  = "no_text"
	StatusFailed  = "failed"
)

// Pipeline composes decoding, enhancement, OCR and structuring
type Pipeline struct {
	engine     OCREngine
	ocrConfig  OCRConfig
	ocrTimeout time.Duration
	maxPixels  int
	structurer func(string) *structure.Report
	logger     *logging.Logger
}

// PipelineConfig holds pipeline settings
type PipelineConfig struct {
	Engine     OCREngine
	OCRConfig  OCRConfig
	OCRTimeout time.Duration // zero means no OCR-specific deadline
	MaxPixels  int           // zero means enhance.DefaultMaxPixels
}

// NewPipeline creates a pipeline around an OCR engine
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("OCR engine is required")
	}

	ocrConfig := cfg.OCRConfig
	if ocrConfig.PageSegMode == 0 {
		ocrConfig.PageSegMode = DefaultPageSegMode
	}
	if ocrConfig.EngineMode == 0 {
		ocrConfig.EngineMode = DefaultEngineMode
	}
	if len(ocrConfig.Languages) == 0 {
		ocrConfig.Languages = []string{"eng"}
	}

	return &Pipeline{
		engine:     cfg.Engine,
		ocrConfig:  ocrConfig,
		ocrTimeout: cfg.OCRTimeout,
		maxPixels:  cfg.MaxPixels,
		structurer: structure.Structure,
		logger:     logging.NewLogger("pipeline"),
	}, nil
}

// Result is the typed output of ProcessImage
type Result struct {
	Text        string
	Report      *structure.Report // nil on structuring fallback
	Fallback    bool
	Confidence  float64
	Fingerprint []float32
	Width       int
	Height      int
	Duration    time.Duration
}

// Outcome is the user-facing result of one run. No Go error crosses this
// boundary; callers branch on Status or Success().
type Outcome struct {
	Status      string                     `json:"status"`
	Text        string                     `json:"text,omitempty"`
	Message     string                     `json:"message,omitempty"`
	ErrorCode   apperrors.ErrorCode        `json:"errorCode,omitempty"`
	Err         *apperrors.ProcessingError `json:"-"`
	Fallback    bool                       `json:"fallback"`
	Confidence  float64                    `json:"confidence"`
	Sections    map[string][]string        `json:"sections,omitempty"`
	Fingerprint []float32                  `json:"-"`
	Duration    time.Duration              `json:"duration"`
}

// Success reports whether the outcome carries extracted text
func (o *Outcome) Success() bool {
	return o.Status == StatusSuccess
}

// Process runs the pipeline and folds any failure into the outcome
func (p *Pipeline) Process(ctx context.Context, data []byte, params enhance.Parameters) *Outcome {
	startTime := time.Now()

	result, err := p.ProcessImage(ctx, data, params)
	if err != nil {
		procErr := asProcessingError(err)
		status := StatusFailed
		if procErr.Code == apperrors.ErrorNoTextDetected {
			status = StatusNoText
		}
		return &Outcome{
			Status:    status,
			Message:   procErr.UserMessage(),
			ErrorCode: procErr.Code,
			Err:       procErr,
			Duration:  time.Since(startTime),
		}
	}

	outcome := &Outcome{
		Status:      StatusSuccess,
		Text:        result.Text,
		Fallback:    result.Fallback,
		Confidence:  result.Confidence,
		Fingerprint: result.Fingerprint,
		Duration:    result.Duration,
	}
	if result.Report != nil {
		outcome.Sections = result.Report.ToMap()
	}
	if result.Fallback {
		outcome.ErrorCode = apperrors.ErrorStructuringFallback
	}
	return outcome
}

// ProcessImage runs the pipeline and returns a *ProcessingError on failure.
// Whitespace-only recognition is reported as ErrorNoTextDetected.
func (p *Pipeline) ProcessImage(ctx context.Context, data []byte, params enhance.Parameters) (*Result, error) {
	startTime := time.Now()

	// Step 1: Parameters before any image work
	if err := params.Validate(); err != nil {
		return nil, apperrors.NewInvalidParametersError(err)
	}

	// Step 2: Decode
	raw, err := enhance.DecodeWithLimit(data, p.maxPixels)
	if err != nil {
		return nil, apperrors.NewImageDecodeError(err)
	}

	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewProcessingTimeoutError("", time.Since(startTime), err)
	}

	// Step 3: Enhance
	enhanced, err := enhance.Enhance(ctx, raw, params)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Image enhanced",
		"width", enhanced.Width, "height", enhanced.Height, "duration", time.Since(startTime))

	// Step 4: OCR
	ocrResult, err := p.recognize(ctx, enhanced)
	if err != nil {
		return nil, err
	}

	// Step 5: Nothing recognized
	if strings.TrimSpace(ocrResult.Text) == "" {
		return nil, apperrors.NewNoTextDetectedError()
	}

	// Step 6: Structure, falling back to the raw text
	result := &Result{
		Confidence:  ocrResult.Confidence,
		Fingerprint: enhance.Fingerprint(enhanced),
		Width:       enhanced.Width,
		Height:      enhanced.Height,
	}

	report, structErr := p.structure(ocrResult.Text)
	if structErr != nil || report == nil {
		p.logger.Warn("Structuring failed, returning raw text", "error", structErr)
		result.Text = ocrResult.Text
		result.Fallback = true
	} else {
		result.Text = report.String()
		result.Report = report
	}

	result.Duration = time.Since(startTime)
	return result, nil
}

// recognize runs the engine in a goroutine raced against the OCR deadline.
// On timeout the engine call is abandoned.
func (p *Pipeline) recognize(ctx context.Context, img *enhance.GrayImage) (*OCRResult, error) {
	ocrCtx := ctx
	if p.ocrTimeout > 0 {
		var cancel context.CancelFunc
		ocrCtx, cancel = context.WithTimeout(ctx, p.ocrTimeout)
		defer cancel()
	}

	type ocrReply struct {
		result *OCRResult
		err    error
	}
	done := make(chan ocrReply, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ocrReply{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		res, err := p.engine.Recognize(ocrCtx, img, p.ocrConfig)
		done <- ocrReply{result: res, err: err}
	}()

	select {
	case reply := <-done:
		if reply.err != nil {
			return nil, apperrors.NewOCRFailedError(p.engine.Name(), reply.err)
		}
		if reply.result == nil {
			return nil, apperrors.NewOCRFailedError(p.engine.Name(), fmt.Errorf("engine returned no result"))
		}
		return reply.result, nil
	case <-ocrCtx.Done():
		cause := ocrCtx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("OCR timed out after %v: %w", p.ocrTimeout, cause)
		}
		return nil, apperrors.NewOCRFailedError(p.engine.Name(), cause)
	}
}

func (p *Pipeline) structure(text string) (report *structure.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewStructuringFallbackError(fmt.Errorf("panic: %v", r))
		}
	}()
	return p.structurer(text), nil
}

func asProcessingError(err error) *apperrors.ProcessingError {
	var procErr *apperrors.ProcessingError
	if errors.As(err, &procErr) {
		return procErr
	}
	return &apperrors.ProcessingError{
		Code:      apperrors.ErrorImageProcessingFailed,
		Message:   err.Error(),
		Timestamp: time.Now(),
		Cause:     err,
	}
}
