package storage

import (
	"context"
	"fmt"
)

// schemaStatements bootstrap the prescription schema. Every statement is
// idempotent so the worker can run them on each start.
var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS prescription`,

	`CREATE TABLE IF NOT EXISTS prescription.processing_jobs (
		id                 UUID PRIMARY KEY,
		user_id            TEXT NOT NULL,
		filename           TEXT NOT NULL,
		status             TEXT NOT NULL,
		confidence         NUMERIC(5,4),
		processing_time_ms BIGINT,
		report_id          UUID,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS prescription.reports (
		id                   UUID PRIMARY KEY,
		job_id               UUID NOT NULL UNIQUE,
		report_text          TEXT NOT NULL,
		sections             JSONB NOT NULL DEFAULT '{}'::jsonb,
		fallback             BOOLEAN NOT NULL DEFAULT FALSE,
		confidence           NUMERIC(5,4) NOT NULL DEFAULT 0,
		fingerprint_point_id TEXT,
		duplicate_of         UUID,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS prescription.accounts (
		id         BIGSERIAL PRIMARY KEY,
		username   TEXT UNIQUE NOT NULL,
		email      TEXT UNIQUE NOT NULL,
		user_type  TEXT NOT NULL DEFAULT 'doctor',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS prescription.discount_codes (
		id                  BIGSERIAL PRIMARY KEY,
		code                TEXT UNIQUE NOT NULL,
		doctor_id           BIGINT NOT NULL REFERENCES prescription.accounts (id),
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expiry_date         TIMESTAMPTZ NOT NULL,
		times_used          INTEGER NOT NULL DEFAULT 0,
		max_uses            INTEGER NOT NULL DEFAULT 100,
		discount_percentage INTEGER NOT NULL DEFAULT 20,
		is_active           BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS prescription.visits (
		id                BIGSERIAL PRIMARY KEY,
		representative_id BIGINT NOT NULL REFERENCES prescription.accounts (id),
		doctor_id         BIGINT NOT NULL REFERENCES prescription.accounts (id),
		visit_date        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		visit_purpose     TEXT,
		discussion_points TEXT,
		feedback          TEXT,
		next_visit_date   TIMESTAMPTZ,
		status            TEXT NOT NULL DEFAULT 'completed'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_processing_jobs_status ON prescription.processing_jobs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_visits_representative ON prescription.visits (representative_id, visit_date)`,
}

// EnsureSchema creates the prescription schema and tables if missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
