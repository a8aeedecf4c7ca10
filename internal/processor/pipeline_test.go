package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	apperrors "github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/structure"
)

const scenarioText = "Dr. John Smith\nName: Jane Doe\nTab. Paracetamol 500mg\nTake twice daily\nRandom note"

// scriptedEngine returns canned text and records what it was given.
type scriptedEngine struct {
	text  string
	err   error
	block bool

	calls  int32
	gotCfg OCRConfig
	gotW   int
	gotH   int
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Recognize(ctx context.Context, img *enhance.GrayImage, cfg OCRConfig) (*OCRResult, error) {
	atomic.AddInt32(&e.calls, 1)
	e.gotCfg = cfg
	e.gotW, e.gotH = img.Width, img.Height
	if e.block {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return &OCRResult{Text: e.text, Confidence: 0.9, TierUsed: e.Name()}, nil
}

func prescriptionPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 60, 18))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{Dst: img, Src: image.Black, Face: basicfont.Face7x13, Dot: fixed.P(2, 14)}
	d.DrawString("Tab. 5mg")

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, engine OCREngine, ocrTimeout time.Duration) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{Engine: engine, OCRTimeout: ocrTimeout})
	require.NoError(t, err)
	return p
}

func requireCode(t *testing.T, err error, code apperrors.ErrorCode) *apperrors.ProcessingError {
	t.Helper()
	var perr *apperrors.ProcessingError
	require.True(t, errors.As(err, &perr), "expected ProcessingError, got %v", err)
	assert.Equal(t, code, perr.Code)
	return perr
}

func TestProcessScenario(t *testing.T) {
	engine := &scriptedEngine{text: scenarioText}
	p := newTestPipeline(t, engine, time.Second)

	outcome := p.Process(context.Background(), prescriptionPNG(t), enhance.DefaultParameters())
	require.True(t, outcome.Success(), outcome.Message)

	assert.Equal(t, structure.Structure(scenarioText).String(), outcome.Text)
	assert.True(t, strings.HasPrefix(outcome.Text, "Doctor Info:\n----------------------------------------\nDr. John Smith"))
	assert.Equal(t, []string{"Take twice daily", "Random note"}, outcome.Sections["Instructions"])
	assert.False(t, outcome.Fallback)
	assert.Len(t, outcome.Fingerprint, enhance.FingerprintSize)

	assert.Equal(t, 60, engine.gotW)
	assert.Equal(t, 18, engine.gotH)
	assert.Equal(t, DefaultEngineMode, engine.gotCfg.EngineMode)
	assert.Equal(t, DefaultPageSegMode, engine.gotCfg.PageSegMode)
	assert.Equal(t, []string{"eng"}, engine.gotCfg.Languages)
}

func TestProcessWhitespaceIsNoText(t *testing.T) {
	p := newTestPipeline(t, &scriptedEngine{text: "  \n\t \n"}, time.Second)

	outcome := p.Process(context.Background(), prescriptionPNG(t), enhance.DefaultParameters())
	assert.False(t, outcome.Success())
	assert.Equal(t, StatusNoText, outcome.Status)
	assert.Equal(t, apperrors.ErrorNoTextDetected, outcome.ErrorCode)
	assert.Equal(t,
		"No text was detected in the prescription. Please try adjusting the image processing parameters.",
		outcome.Message)
	assert.Empty(t, outcome.Text)
}

func TestProcessRejectsParametersBeforeDecoding(t *testing.T) {
	tests := []struct {
		name   string
		params enhance.Parameters
	}{
		{"denoise zero", enhance.Parameters{DenoiseStrength: 0, ContrastStrength: 2.0}},
		{"contrast ten", enhance.Parameters{DenoiseStrength: 15, ContrastStrength: 10.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &scriptedEngine{text: scenarioText}
			p := newTestPipeline(t, engine, time.Second)

			// Undecodable bytes: a decode error here would mean params were checked late.
			_, err := p.ProcessImage(context.Background(), []byte("not an image"), tt.params)
			requireCode(t, err, apperrors.ErrorInvalidParameters)
			assert.Zero(t, atomic.LoadInt32(&engine.calls))

			outcome := p.Process(context.Background(), []byte("not an image"), tt.params)
			assert.Equal(t, StatusFailed, outcome.Status)
			assert.Equal(t, apperrors.ErrorInvalidParameters, outcome.ErrorCode)
		})
	}
}

func TestProcessDecodeFailure(t *testing.T) {
	engine := &scriptedEngine{text: scenarioText}
	p := newTestPipeline(t, engine, time.Second)

	outcome := p.Process(context.Background(), []byte("GIF89a-not-really"), enhance.DefaultParameters())
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, apperrors.ErrorImageDecodeFailed, outcome.ErrorCode)
	assert.Zero(t, atomic.LoadInt32(&engine.calls))
}

func TestProcessRejectsOversizedImageBeforeDecoding(t *testing.T) {
	engine := &scriptedEngine{text: scenarioText}
	p, err := NewPipeline(PipelineConfig{Engine: engine, OCRTimeout: time.Second, MaxPixels: 1000})
	require.NoError(t, err)

	// 60x18 is 1080 pixels
	_, err = p.ProcessImage(context.Background(), prescriptionPNG(t), enhance.DefaultParameters())
	perr := requireCode(t, err, apperrors.ErrorImageDecodeFailed)
	assert.Contains(t, perr.Error(), "60x18")
	assert.Zero(t, atomic.LoadInt32(&engine.calls))
}

func TestOutcomeEncoding(t *testing.T) {
	p := newTestPipeline(t, &scriptedEngine{text: scenarioText}, time.Second)
	outcome := p.Process(context.Background(), prescriptionPNG(t), enhance.DefaultParameters())
	require.True(t, outcome.Success())

	raw, err := json.Marshal(outcome)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, StatusSuccess, fields["status"])
	assert.Contains(t, fields, "sections")
	assert.Contains(t, fields, "duration")
	assert.NotContains(t, fields, "Fingerprint")
	assert.NotContains(t, fields, "Err")
	assert.NotContains(t, fields, "Status")
}

func TestProcessOCRFailure(t *testing.T) {
	p := newTestPipeline(t, &scriptedEngine{err: errors.New("tessdata missing")}, time.Second)

	_, err := p.ProcessImage(context.Background(), prescriptionPNG(t), enhance.DefaultParameters())
	perr := requireCode(t, err, apperrors.ErrorOCRFailed)
	assert.True(t, perr.Retryable())
	assert.Equal(t, "scripted", perr.Details["ocr_engine"])

	outcome := p.Process(context.Background(), prescriptionPNG(t), enhance.DefaultParameters())
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, "Error in text extraction: tessdata missing", outcome.Message)
}

func TestProcessOCRTimeout(t *testing.T) {
	p := newTestPipeline(t, &scriptedEngine{block: true}, 20*time.Millisecond)

	start := time.Now()
	_, err := p.ProcessImage(context.Background(), prescriptionPNG(t), enhance.DefaultParameters())
	perr := requireCode(t, err, apperrors.ErrorOCRFailed)
	assert.ErrorIs(t, perr, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestProcessCancelledBeforeEnhancement(t *testing.T) {
	engine := &scriptedEngine{text: scenarioText}
	p := newTestPipeline(t, engine, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ProcessImage(ctx, prescriptionPNG(t), enhance.DefaultParameters())
	requireCode(t, err, apperrors.ErrorProcessingTimeout)
	assert.Zero(t, atomic.LoadInt32(&engine.calls))
}

func TestProcessStructuringFallback(t *testing.T) {
	p := newTestPipeline(t, &scriptedEngine{text: scenarioText}, time.Second)
	p.structurer = func(string) *structure.Report { panic("boom") }

	outcome := p.Process(context.Background(), prescriptionPNG(t), enhance.DefaultParameters())
	require.True(t, outcome.Success())
	assert.True(t, outcome.Fallback)
	assert.Equal(t, scenarioText, outcome.Text)
	assert.Equal(t, apperrors.ErrorStructuringFallback, outcome.ErrorCode)
	assert.Nil(t, outcome.Sections)
}

func TestProcessIsDeterministic(t *testing.T) {
	p := newTestPipeline(t, &scriptedEngine{text: scenarioText}, time.Second)
	data := prescriptionPNG(t)

	first, err := p.ProcessImage(context.Background(), data, enhance.DefaultParameters())
	require.NoError(t, err)
	second, err := p.ProcessImage(context.Background(), data, enhance.DefaultParameters())
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestNewPipelineRequiresEngine(t *testing.T) {
	_, err := NewPipeline(PipelineConfig{})
	assert.Error(t, err)
}

func TestCalculateTesseractConfidence(t *testing.T) {
	assert.Zero(t, calculateTesseractConfidence("  \n"))
	assert.InDelta(t, 0.6, calculateTesseractConfidence("Tab. Paracetamol"), 1e-9)
	assert.LessOrEqual(t, calculateTesseractConfidence(strings.Repeat("Take one tablet daily ", 60)), 0.85)

	words := []OCRWord{{Confidence: 0.9}, {Confidence: 0.7}}
	assert.InDelta(t, 0.8, wordConfidence(words, "ignored"), 1e-9)
}
