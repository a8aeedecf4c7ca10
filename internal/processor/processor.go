/**
 * Prescription Processor for the Prescription Worker
 *
 * Runs one queued job end to end:
 * - loads the upload from the job buffer or a URL
 * - runs the enhancement/OCR/structuring pipeline
 * - stores the report and its fingerprint
 * - publishes prescription.txt as an artifact when configured
 */

package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/clients"
	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	apperrors "github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

// Job statuses written to processing_jobs
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusNoText     = "no_text"
	JobStatusFailed     = "failed"
)

// PrescriptionProcessorInterface is what the queue consumers depend on
type PrescriptionProcessorInterface interface {
	ProcessPrescription(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// Store persists jobs and reports
type Store interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	StorePrescription(ctx context.Context, input *storage.PrescriptionInput) (*storage.PrescriptionOutput, error)
}

// ArtifactUploader publishes rendered reports
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, req *clients.ArtifactUploadRequest) (*clients.ArtifactUploadResponse, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	MaxFileSize       int64
	ProcessingTimeout time.Duration
	Pipeline          *Pipeline
	Store             Store
	Artifacts         ArtifactUploader // optional
}

// ProcessRequest represents a prescription processing request
type ProcessRequest struct {
	JobID      string
	UserID     string
	Filename   string
	FileURL    string
	FileBuffer []byte
	Params     enhance.Parameters
	Metadata   map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	Status           string  `json:"status"`
	ReportID         string  `json:"reportId,omitempty"`
	Text             string  `json:"text,omitempty"`
	Message          string  `json:"message,omitempty"`
	Fallback         bool    `json:"fallback"`
	Confidence       float64 `json:"confidence"`
	DuplicateOf      string  `json:"duplicateOf,omitempty"`
	ArtifactURL      string  `json:"artifactUrl,omitempty"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
}

// PrescriptionProcessor handles queued prescription jobs
type PrescriptionProcessor struct {
	config   ProcessorConfig
	pipeline *Pipeline
	store    Store
	logger   *logging.Logger

	downloadBackoff time.Duration
}

// NewPrescriptionProcessor creates a new processor
func NewPrescriptionProcessor(cfg ProcessorConfig) (*PrescriptionProcessor, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	return &PrescriptionProcessor{
		config:          cfg,
		pipeline:        cfg.Pipeline,
		store:           cfg.Store,
		logger:          logging.NewLogger("processor"),
		downloadBackoff: time.Second,
	}, nil
}

// ProcessPrescription runs the pipeline for one job. A "no text" outcome is
// a completed job, not an error. Returned errors are *ProcessingError or a
// wrapped transport error from loading the file.
func (p *PrescriptionProcessor) ProcessPrescription(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	logger := p.logger.With("jobId", req.JobID)

	if p.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessingTimeout)
		defer cancel()
	}

	// Step 1: Load the upload
	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, err
	}

	if p.config.MaxFileSize > 0 && int64(len(fileData)) > p.config.MaxFileSize {
		return nil, apperrors.NewImageDecodeError(
			fmt.Errorf("file size exceeds maximum: %d > %d bytes", len(fileData), p.config.MaxFileSize)).WithJobID(req.JobID)
	}

	if mime := detectMimeTypeFromMagicBytes(fileData); mime != "image/png" && mime != "image/jpeg" {
		if mime == "" {
			mime = "unknown"
		}
		return nil, apperrors.NewImageDecodeError(
			fmt.Errorf("unsupported file type %s (expected PNG or JPEG)", mime)).WithJobID(req.JobID)
	}

	// Step 2: Enhance, recognize, structure
	result, err := p.pipeline.ProcessImage(ctx, fileData, req.Params)
	if err != nil {
		var procErr *apperrors.ProcessingError
		if errors.As(err, &procErr) {
			if procErr.Code == apperrors.ErrorNoTextDetected {
				logger.Info("No text detected", "filename", req.Filename)
				return &ProcessResult{
					Status:           JobStatusNoText,
					Message:          procErr.UserMessage(),
					ProcessingTimeMs: time.Since(startTime).Milliseconds(),
				}, nil
			}
			if ctx.Err() != nil && procErr.Code != apperrors.ErrorOCRFailed {
				return nil, apperrors.NewProcessingTimeoutError(req.JobID, time.Since(startTime), err)
			}
			return nil, procErr.WithJobID(req.JobID)
		}
		return nil, err
	}

	logger.Info("Prescription extracted",
		"fallback", result.Fallback, "confidence", result.Confidence, "duration", result.Duration)

	// Step 3: Store report and fingerprint
	input := &storage.PrescriptionInput{
		JobID:       req.JobID,
		Text:        result.Text,
		Fallback:    result.Fallback,
		Confidence:  result.Confidence,
		Fingerprint: result.Fingerprint,
	}
	if result.Report != nil {
		input.Sections = result.Report.ToMap()
	}

	stored, err := p.store.StorePrescription(ctx, input)
	if err != nil {
		return nil, apperrors.NewStorageFailedError(req.JobID, err)
	}

	if stored.DuplicateOf != "" {
		logger.Info("Near-duplicate prescription", "duplicateOf", stored.DuplicateOf, "score", stored.DuplicateScore)
	}

	processResult := &ProcessResult{
		Status:           JobStatusCompleted,
		ReportID:         stored.ReportID,
		Text:             result.Text,
		Fallback:         result.Fallback,
		Confidence:       result.Confidence,
		DuplicateOf:      stored.DuplicateOf,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
	}

	// Step 4: Publish prescription.txt (non-fatal)
	if p.config.Artifacts != nil {
		resp, err := p.config.Artifacts.UploadArtifact(ctx, clients.NewReportUpload(req.JobID, result.Text,
			map[string]interface{}{
				"reportId": stored.ReportID,
				"fallback": result.Fallback,
				"userId":   req.UserID,
			}))
		if err != nil {
			logger.Warn("Artifact upload failed, report remains downloadable from the API", "error", err)
		} else {
			processResult.ArtifactURL = resp.Artifact.DownloadURL
		}
	}

	return processResult, nil
}

// UpdateJobStatus updates job status in database
func (p *PrescriptionProcessor) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	return p.store.UpdateJobStatus(ctx, update)
}

// loadFile loads file from URL or buffer
func (p *PrescriptionProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	// If buffer is provided, use it directly
	if len(req.FileBuffer) > 0 {
		p.logger.Debug("Using file buffer", "jobId", req.JobID, "size", len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	// If URL is provided, download it
	if req.FileURL != "" {
		fileData, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		return fileData, nil
	}

	return nil, apperrors.NewImageDecodeError(fmt.Errorf("no file source provided (buffer or URL)")).WithJobID(req.JobID)
}

// downloadFileFromURL downloads a file with exponential backoff between attempts
func (p *PrescriptionProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string) ([]byte, error) {
	const (
		maxRetries   = 3
		maxBackoffMs = 8000
	)

	client := &http.Client{Timeout: 60 * time.Second}
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		p.logger.Debug("Download attempt", "jobId", jobID, "attempt", attempt, "url", fileURL)

		fileData, err := p.fetch(ctx, client, fileURL)
		if err == nil {
			p.logger.Info("File downloaded", "jobId", jobID, "attempt", attempt, "size", len(fileData))
			return fileData, nil
		}

		var procErr *apperrors.ProcessingError
		if errors.As(err, &procErr) {
			return nil, procErr.WithJobID(jobID)
		}

		lastErr = err
		p.logger.Warn("Download attempt failed", "jobId", jobID, "attempt", attempt, "error", err)

		if attempt < maxRetries {
			backoff := p.downloadBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			if backoff > maxBackoffMs*time.Millisecond {
				backoff = maxBackoffMs * time.Millisecond
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxRetries, lastErr)
}

func (p *PrescriptionProcessor) fetch(ctx context.Context, client *http.Client, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, apperrors.NewImageDecodeError(fmt.Errorf("invalid file URL: %w", err))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	// Read with size limit to prevent memory exhaustion
	maxReadBytes := p.config.MaxFileSize
	if maxReadBytes <= 0 {
		maxReadBytes = 100 * 1024 * 1024
	}
	if resp.ContentLength > maxReadBytes {
		return nil, apperrors.NewImageDecodeError(
			fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, maxReadBytes))
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxReadBytes+1))
}

// detectMimeTypeFromMagicBytes detects the actual MIME type from file content magic bytes.
// Uploads often arrive as generic application/octet-stream.
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "application/pdf"
	}

	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: little-endian or big-endian
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	return ""
}
