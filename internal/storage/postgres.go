/**
 * PostgreSQL Client for the Prescription Worker
 *
 * Handles job status persistence and structured report storage.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	UserID           string
	Filename         string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	ReportID         string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// Job is the persisted state of a processing job
type Job struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"userId"`
	Filename         string                 `json:"filename"`
	Status           string                 `json:"status"`
	Confidence       *float64               `json:"confidence,omitempty"`
	ProcessingTimeMs *int64                 `json:"processingTimeMs,omitempty"`
	ReportID         *string                `json:"reportId,omitempty"`
	ErrorCode        *string                `json:"errorCode,omitempty"`
	ErrorMessage     *string                `json:"errorMessage,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// Report is a stored structured prescription
type Report struct {
	ID                 string              `json:"id"`
	JobID              string              `json:"jobId"`
	Text               string              `json:"text"`
	Sections           map[string][]string `json:"sections"`
	Fallback           bool                `json:"fallback"`
	Confidence         float64             `json:"confidence"`
	FingerprintPointID string              `json:"fingerprintPointId,omitempty"`
	DuplicateOf        string              `json:"duplicateOf,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
}

// ErrNotFound is returned when a job or report does not exist
var ErrNotFound = errors.New("not found")

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to [0, 1]
// so it fits the NUMERIC(5,4) column.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// DB exposes the underlying pool for the record store
func (p *PostgresClient) DB() *sql.DB {
	return p.db
}

// UpdateJobStatus upserts the job row. The first update creates the job,
// which lets the worker record jobs the API never registered.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	query := `
		INSERT INTO prescription.processing_jobs (
			id, user_id, filename, status, confidence, processing_time_ms,
			report_id, error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($2, ''), 'anonymous'), COALESCE(NULLIF($3, ''), 'prescription'),
			$4, NULLIF($5::NUMERIC(5,4), 0), NULLIF($6, 0),
			CASE WHEN $7 = '' THEN NULL ELSE $7::uuid END,
			NULLIF($8, ''), NULLIF($9, ''),
			COALESCE($10::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, prescription.processing_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, prescription.processing_jobs.processing_time_ms),
			report_id = COALESCE(EXCLUDED.report_id, prescription.processing_jobs.report_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = prescription.processing_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.UserID,           // $2
		update.Filename,         // $3
		update.Status,           // $4
		sanitizedConfidence,     // $5
		update.ProcessingTimeMs, // $6
		update.ReportID,         // $7
		update.ErrorCode,        // $8
		update.ErrorMessage,     // $9
		metadataJSON,            // $10
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, user_id, filename, status, confidence, processing_time_ms,
			report_id, error_code, error_message, metadata, created_at, updated_at
		FROM prescription.processing_jobs
		WHERE id = $1::uuid
	`

	var (
		job              Job
		confidence       sql.NullFloat64
		processingTimeMs sql.NullInt64
		reportID         sql.NullString
		errorCode        sql.NullString
		errorMessage     sql.NullString
		metadataJSON     []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.UserID, &job.Filename, &job.Status,
		&confidence, &processingTimeMs, &reportID,
		&errorCode, &errorMessage, &metadataJSON,
		&job.CreatedAt, &job.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if confidence.Valid {
		job.Confidence = &confidence.Float64
	}
	if processingTimeMs.Valid {
		job.ProcessingTimeMs = &processingTimeMs.Int64
	}
	if reportID.Valid {
		job.ReportID = &reportID.String
	}
	if errorCode.Valid {
		job.ErrorCode = &errorCode.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}

	return &job, nil
}

// insertReport stores a report row and returns its creation time
func (p *PostgresClient) insertReport(ctx context.Context, r *Report) (time.Time, error) {
	sectionsJSON, err := json.Marshal(r.Sections)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to marshal sections: %w", err)
	}
	sectionsJSON = sanitizeJSONForPostgres(sectionsJSON)

	query := `
		INSERT INTO prescription.reports (
			id, job_id, report_text, sections, fallback, confidence,
			fingerprint_point_id, duplicate_of, created_at
		) VALUES (
			$1::uuid, $2::uuid, $3, $4::jsonb, $5, $6::NUMERIC(5,4),
			NULLIF($7, ''), CASE WHEN $8 = '' THEN NULL ELSE $8::uuid END, NOW()
		)
		ON CONFLICT (job_id) DO UPDATE SET
			report_text = EXCLUDED.report_text,
			sections = EXCLUDED.sections,
			fallback = EXCLUDED.fallback,
			confidence = EXCLUDED.confidence,
			fingerprint_point_id = EXCLUDED.fingerprint_point_id,
			duplicate_of = EXCLUDED.duplicate_of
		RETURNING id, created_at
	`

	var createdAt time.Time
	err = p.db.QueryRowContext(
		ctx,
		query,
		r.ID,
		r.JobID,
		sanitizeText(r.Text),
		sectionsJSON,
		r.Fallback,
		sanitizeConfidence(r.Confidence),
		r.FingerprintPointID,
		r.DuplicateOf,
	).Scan(&r.ID, &createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to store report: %w", err)
	}

	return createdAt, nil
}

// GetReportByJobID retrieves the report produced by a job
func (p *PostgresClient) GetReportByJobID(ctx context.Context, jobID string) (*Report, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, job_id, report_text, sections, fallback, confidence,
			fingerprint_point_id, duplicate_of, created_at
		FROM prescription.reports
		WHERE job_id = $1::uuid
	`

	var (
		r            Report
		sectionsJSON []byte
		pointID      sql.NullString
		duplicateOf  sql.NullString
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&r.ID, &r.JobID, &r.Text, &sectionsJSON, &r.Fallback, &r.Confidence,
		&pointID, &duplicateOf, &r.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report for job %s: %w", jobID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	if len(sectionsJSON) > 0 {
		if err := json.Unmarshal(sectionsJSON, &r.Sections); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sections: %w", err)
		}
	}
	r.FingerprintPointID = pointID.String
	r.DuplicateOf = duplicateOf.String

	return &r, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
