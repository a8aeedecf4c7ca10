package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the Prescription Worker
 *
 * Every pipeline stage reports failures through a coded ProcessingError.
 * The orchestrator turns these into user-facing messages; no ProcessingError
 * is returned past the HTTP/queue boundary.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Pipeline errors
	ErrorInvalidParameters     ErrorCode = "INVALID_PARAMETERS"
	ErrorImageDecodeFailed     ErrorCode = "IMAGE_DECODE_FAILED"
	ErrorImageProcessingFailed ErrorCode = "IMAGE_PROCESSING_FAILED"
	ErrorOCRFailed             ErrorCode = "OCR_FAILED"
	ErrorNoTextDetected        ErrorCode = "NO_TEXT_DETECTED"
	ErrorStructuringFallback   ErrorCode = "STRUCTURING_FALLBACK"

	// Job errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the same job could succeed.
// Enhancement is deterministic, so only engine failures qualify.
func (e *ProcessingError) Retryable() bool {
	return e.Code == ErrorOCRFailed || e.Code == ErrorStorageFailed
}

// UserMessage renders the error for display, naming the failing stage.
func (e *ProcessingError) UserMessage() string {
	switch e.Code {
	case ErrorInvalidParameters:
		return fmt.Sprintf("Invalid enhancement parameters: %s", e.causeText())
	case ErrorImageDecodeFailed:
		return fmt.Sprintf("Error: could not read the uploaded image: %s", e.causeText())
	case ErrorImageProcessingFailed:
		return fmt.Sprintf("Error: image preprocessing failed at step %q: %s", e.Details["step"], e.causeText())
	case ErrorOCRFailed:
		return fmt.Sprintf("Error in text extraction: %s", e.causeText())
	case ErrorNoTextDetected:
		return e.Message
	case ErrorProcessingTimeout:
		return fmt.Sprintf("Error: %s", e.Message)
	default:
		return fmt.Sprintf("Error: %s", e.Message)
	}
}

func (e *ProcessingError) causeText() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// Factory functions for common errors

func NewInvalidParametersError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidParameters,
		Message:   "Enhancement parameters out of range",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewImageDecodeError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageDecodeFailed,
		Message:   "Malformed or unsupported image upload",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewImageProcessingError(step string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageProcessingFailed,
		Message:   fmt.Sprintf("Image enhancement failed at step: %s", step),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"step": step,
		},
		Cause: cause,
	}
}

func NewOCRFailedError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed on engine: %s", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
		Cause: cause,
	}
}

func NewNoTextDetectedError() *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoTextDetected,
		Message:   "No text was detected in the prescription. Please try adjusting the image processing parameters.",
		Timestamp: time.Now(),
	}
}

func NewStructuringFallbackError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStructuringFallback,
		Message:   "Structuring failed, returning recognized text unmodified",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// WithJobID tags the error with the job it belongs to
func (e *ProcessingError) WithJobID(jobID string) *ProcessingError {
	e.JobID = jobID
	return e
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
