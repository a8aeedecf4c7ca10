/**
 * Storage Manager for the Prescription Worker
 *
 * Coordinates storage operations across PostgreSQL (jobs and reports) and
 * Qdrant (image fingerprints). A report row and its fingerprint are written
 * together: if the row insert fails the vector is deleted again.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
)

// ManagerConfig holds storage connection settings
type ManagerConfig struct {
	PostgresURL        string
	QdrantAddress      string // empty disables fingerprint storage
	QdrantCollection   string
	VectorSize         int
	DuplicateThreshold float64
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres           *PostgresClient
	qdrant             *QdrantClient
	duplicateThreshold float32
	logger             *logging.Logger
}

// PrescriptionInput is everything persisted for one processed prescription
type PrescriptionInput struct {
	JobID       string
	Text        string
	Sections    map[string][]string
	Fallback    bool
	Confidence  float64
	Fingerprint []float32
}

// PrescriptionOutput reports the identifiers assigned on storage
type PrescriptionOutput struct {
	ReportID           string
	JobID              string
	FingerprintPointID string
	DuplicateOf        string
	DuplicateScore     float32
	CreatedAt          time.Time
}

// NewStorageManager creates a new storage manager
func NewStorageManager(cfg ManagerConfig) (*StorageManager, error) {
	postgres, err := NewPostgresClient(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	sm := &StorageManager{
		postgres:           postgres,
		duplicateThreshold: float32(cfg.DuplicateThreshold),
		logger:             logging.NewLogger("storage"),
	}

	if cfg.QdrantAddress != "" {
		qdrant, err := NewQdrantClient(cfg.QdrantAddress, cfg.QdrantCollection, cfg.VectorSize)
		if err != nil {
			postgres.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		sm.qdrant = qdrant
	} else {
		sm.logger.Warn("Qdrant address not configured, duplicate detection disabled")
	}

	return sm, nil
}

// EnsureSchema bootstraps the relational schema
func (sm *StorageManager) EnsureSchema(ctx context.Context) error {
	return sm.postgres.EnsureSchema(ctx)
}

// StorePrescription stores the report row and its fingerprint, flagging the
// report as a duplicate when a stored fingerprint is close enough.
func (sm *StorageManager) StorePrescription(ctx context.Context, input *PrescriptionInput) (*PrescriptionOutput, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}

	if input.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	out := &PrescriptionOutput{
		ReportID: uuid.New().String(),
		JobID:    input.JobID,
	}

	indexFingerprint := sm.qdrant != nil && !enhance.IsZeroVector(input.Fingerprint)

	if indexFingerprint {
		// Step 1: Look for an earlier upload of the same prescription
		matches, err := sm.qdrant.SearchVectors(ctx, input.Fingerprint, 1, sm.duplicateThreshold)
		if err != nil {
			sm.logger.Warn("Duplicate search failed", "jobId", input.JobID, "error", err)
		} else if len(matches) > 0 {
			if jobID, ok := matches[0].Metadata["job_id"].(string); ok && jobID != input.JobID {
				out.DuplicateOf = jobID
				out.DuplicateScore = matches[0].Score
			}
		}

		// Step 2: Store the fingerprint
		out.FingerprintPointID = uuid.New().String()
		err = sm.qdrant.UpsertVector(ctx, &VectorPoint{
			ID:     out.FingerprintPointID,
			Vector: input.Fingerprint,
			Metadata: map[string]interface{}{
				"job_id":    input.JobID,
				"report_id": out.ReportID,
			},
			Timestamp: time.Now().Unix(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store fingerprint in Qdrant: %w", err)
		}
	}

	// Step 3: Store the report row
	createdAt, err := sm.postgres.insertReport(ctx, &Report{
		ID:                 out.ReportID,
		JobID:              input.JobID,
		Text:               input.Text,
		Sections:           input.Sections,
		Fallback:           input.Fallback,
		Confidence:         input.Confidence,
		FingerprintPointID: out.FingerprintPointID,
		DuplicateOf:        out.DuplicateOf,
	})
	if err != nil {
		if indexFingerprint {
			// Rollback: Delete Qdrant point
			if delErr := sm.qdrant.DeleteVector(ctx, out.FingerprintPointID); delErr != nil {
				sm.logger.Error("Fingerprint rollback failed", "pointId", out.FingerprintPointID, "error", delErr)
			}
		}
		return nil, fmt.Errorf("failed to store report in PostgreSQL: %w", err)
	}

	out.CreatedAt = createdAt
	return out, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// GetReportByJobID retrieves the stored report of a job
func (sm *StorageManager) GetReportByJobID(ctx context.Context, jobID string) (*Report, error) {
	return sm.postgres.GetReportByJobID(ctx, jobID)
}

// Postgres exposes the relational client for the record store
func (sm *StorageManager) Postgres() *PostgresClient {
	return sm.postgres
}

// Ping checks PostgreSQL connectivity
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences PostgreSQL JSONB rejects.
// \u0000 is dropped; other control escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}

// sanitizeText strips NUL bytes, which TEXT columns cannot hold. OCR output
// occasionally contains them.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
