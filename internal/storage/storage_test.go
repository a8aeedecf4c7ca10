package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.9632000000000001, 0.9632},
		{-0.5, 0},
		{1.7, 1},
		{0.12346, 0.1235},
		{0, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, sanitizeConfidence(tt.in), 1e-12, "input %v", tt.in)
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"text":"a\u0000b\u0007c"}`)
	assert.Equal(t, `{"text":"ab c"}`, string(sanitizeJSONForPostgres(in)))
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "Tab. X", sanitizeText("Tab.\x00 X"))
}

func TestPayloadConversion(t *testing.T) {
	payload := toPayload(map[string]interface{}{
		"job_id":  "abc",
		"pages":   3,
		"ts":      int64(42),
		"score":   0.5,
		"flagged": true,
		"other":   []string{"x"},
	})

	back := fromPayload(payload)
	assert.Equal(t, "abc", back["job_id"])
	assert.Equal(t, int64(3), back["pages"])
	assert.Equal(t, int64(42), back["ts"])
	assert.Equal(t, 0.5, back["score"])
	assert.Equal(t, true, back["flagged"])
	assert.Equal(t, "[x]", back["other"])
}

func TestSchemaStatementsAreIdempotent(t *testing.T) {
	for _, stmt := range schemaStatements {
		assert.Contains(t, strings.ToUpper(stmt), "IF NOT EXISTS", stmt)
		assert.Contains(t, stmt, "prescription", stmt)
	}
}
