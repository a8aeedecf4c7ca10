package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rx?sslmode=disable")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, "prescription:jobs", cfg.QueueName)
	assert.Equal(t, 15, cfg.DefaultDenoiseStrength)
	assert.Equal(t, 2.0, cfg.DefaultContrastStrength)
	assert.Equal(t, time.Minute, cfg.OCRTimeoutDuration())
	assert.Equal(t, 2*time.Minute, cfg.ProcessingTimeoutDuration())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, enhance.DefaultMaxPixels, cfg.MaxImagePixels)
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"ocr timeout above job timeout", func(c *Config) { c.OCRTimeout = c.ProcessingTimeout }, "OCR_TIMEOUT"},
		{"denoise default out of range", func(c *Config) { c.DefaultDenoiseStrength = 31 }, "DEFAULT_DENOISE_STRENGTH"},
		{"contrast default off grid", func(c *Config) { c.DefaultContrastStrength = 2.05 }, "DEFAULT_CONTRAST_STRENGTH"},
		{"pixel limit too small", func(c *Config) { c.MaxImagePixels = 10 }, "MAX_IMAGE_PIXELS"},
		{"threshold zero", func(c *Config) { c.DuplicateThreshold = 0 }, "DUPLICATE_THRESHOLD"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/rx")
			cfg, err := LoadConfig()
			require.NoError(t, err)

			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestMalformedNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rx")
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("DEFAULT_CONTRAST_STRENGTH", "strong")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 2.0, cfg.DefaultContrastStrength)
}

func TestDefaultParametersMatchRequestValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rx")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	for denoise := 3; denoise <= 32; denoise++ {
		for i := 90; i <= 410; i++ {
			contrast := float64(i) / 100
			cfg.DefaultDenoiseStrength = denoise
			cfg.DefaultContrastStrength = contrast

			want := enhance.Parameters{DenoiseStrength: denoise, ContrastStrength: contrast}.Validate() == nil
			assert.Equal(t, want, cfg.Validate() == nil, "denoise=%d contrast=%v", denoise, contrast)
		}
	}
}
