package queue

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	apperrors "github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

// TaskTypeProcessPrescription is the asynq task type and the Redis job type
const TaskTypeProcessPrescription = "process-prescription"

// JobPayload contains the actual job data
type JobPayload struct {
	JobID            string                 `json:"jobId"`
	UserID           string                 `json:"userId"`
	Filename         string                 `json:"filename"`
	FileURL          string                 `json:"fileUrl,omitempty"`
	ImageBuffer      []byte                 `json:"imageBuffer,omitempty"` // base64 on the wire
	DenoiseStrength  *int                   `json:"denoiseStrength,omitempty"`
	ContrastStrength *float64               `json:"contrastStrength,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON handles imageBuffer sent as a base64 string or as a
// serialized Node.js Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Create alias type to avoid recursion
	type Alias JobPayload
	aux := &struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.ImageBuffer == nil {
		return nil
	}

	switch v := aux.ImageBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		p.ImageBuffer = decoded

	case map[string]interface{}:
		bufferType, ok := v["type"].(string)
		if !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ImageBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ImageBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// Params resolves the enhancement parameters, filling unset values from defaults.
// Values are not validated here; the pipeline rejects out-of-range values.
func (p *JobPayload) Params(defaults enhance.Parameters) enhance.Parameters {
	params := defaults
	if p.DenoiseStrength != nil {
		params.DenoiseStrength = *p.DenoiseStrength
	}
	if p.ContrastStrength != nil {
		params.ContrastStrength = *p.ContrastStrength
	}
	return params
}

// Request converts the payload to a processor request
func (p *JobPayload) Request(defaults enhance.Parameters) *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		UserID:     p.UserID,
		Filename:   p.Filename,
		FileURL:    p.FileURL,
		FileBuffer: p.ImageBuffer,
		Params:     p.Params(defaults),
		Metadata:   p.Metadata,
	}
}

// isRetryable decides whether a failed job goes back on the queue. Coded
// pipeline errors carry their own verdict; anything else came from loading
// the file and is treated as transient.
func isRetryable(err error) bool {
	var procErr *apperrors.ProcessingError
	if errors.As(err, &procErr) {
		return procErr.Retryable()
	}
	return true
}

// processingUpdate is written when a job is picked up
func processingUpdate(p *JobPayload) *storage.JobUpdate {
	return &storage.JobUpdate{
		JobID:    p.JobID,
		UserID:   p.UserID,
		Filename: p.Filename,
		Status:   processor.JobStatusProcessing,
	}
}

// resultUpdate is written when a job finishes successfully or with no text
func resultUpdate(p *JobPayload, result *processor.ProcessResult) *storage.JobUpdate {
	update := &storage.JobUpdate{
		JobID:            p.JobID,
		UserID:           p.UserID,
		Filename:         p.Filename,
		Status:           result.Status,
		Confidence:       result.Confidence,
		ProcessingTimeMs: result.ProcessingTimeMs,
		ReportID:         result.ReportID,
		Metadata: map[string]interface{}{
			"fallback": result.Fallback,
		},
	}
	if result.Status == processor.JobStatusNoText {
		update.ErrorCode = string(apperrors.ErrorNoTextDetected)
		update.ErrorMessage = result.Message
	}
	if result.DuplicateOf != "" {
		update.Metadata["duplicateOf"] = result.DuplicateOf
	}
	if result.ArtifactURL != "" {
		update.Metadata["artifactUrl"] = result.ArtifactURL
	}
	return update
}

// failureUpdate is written when a job fails for good
func failureUpdate(p *JobPayload, err error, attempts int, duration time.Duration) *storage.JobUpdate {
	update := &storage.JobUpdate{
		JobID:            p.JobID,
		UserID:           p.UserID,
		Filename:         p.Filename,
		Status:           processor.JobStatusFailed,
		ProcessingTimeMs: duration.Milliseconds(),
		ErrorCode:        "PROCESSING_ERROR",
		ErrorMessage:     err.Error(),
		Metadata: map[string]interface{}{
			"attempts": attempts,
		},
	}

	var procErr *apperrors.ProcessingError
	if errors.As(err, &procErr) {
		update.ErrorCode = string(procErr.Code)
		update.ErrorMessage = procErr.UserMessage()
		for k, v := range procErr.ToMap() {
			update.Metadata[k] = v
		}
	}
	return update
}
