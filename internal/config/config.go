/**
 * Configuration for the Prescription Worker
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL          string
	QdrantCollection   string
	DuplicateThreshold float64

	// Service URLs
	ArtifactAPIURL string // artifact storage for prescription.txt downloads
	HTTPAddr       string

	// Queue configuration
	QueueBackend      string // "redis" or "asynq"
	QueueName         string
	WorkerConcurrency int
	MaxRetries        int

	// Limits and timeouts
	MaxFileSize       int64
	MaxImagePixels    int // width*height limit checked before decoding
	ProcessingTimeout int // milliseconds
	OCRTimeout        int // milliseconds

	// OCR configuration
	OCRLanguages string

	// Enhancement defaults used when a request omits parameters
	DefaultDenoiseStrength  int
	DefaultContrastStrength float64

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:                getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:             getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:               getEnvOrDefault("QDRANT_URL", "localhost:6334"),
		QdrantCollection:        getEnvOrDefault("QDRANT_COLLECTION", "prescription_fingerprints"),
		DuplicateThreshold:      getEnvAsFloatOrDefault("DUPLICATE_THRESHOLD", 0.97),
		ArtifactAPIURL:          getEnvOrDefault("ARTIFACT_API_URL", ""),
		HTTPAddr:                getEnvOrDefault("HTTP_ADDR", ":8097"),
		QueueBackend:            getEnvOrDefault("QUEUE_BACKEND", "redis"),
		QueueName:               getEnvOrDefault("QUEUE_NAME", "prescription:jobs"),
		WorkerConcurrency:       getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxRetries:              getEnvAsIntOrDefault("MAX_RETRIES", 3),
		MaxFileSize:             getEnvAsInt64OrDefault("MAX_FILE_SIZE", 10485760), // 10MB
		MaxImagePixels:          getEnvAsIntOrDefault("MAX_IMAGE_PIXELS", enhance.DefaultMaxPixels),
		ProcessingTimeout:       getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		OCRTimeout:              getEnvAsIntOrDefault("OCR_TIMEOUT", 60000),         // 1 minute
		OCRLanguages:            getEnvOrDefault("OCR_LANGUAGES", "eng"),
		DefaultDenoiseStrength:  getEnvAsIntOrDefault("DEFAULT_DENOISE_STRENGTH", 15),
		DefaultContrastStrength: getEnvAsFloatOrDefault("DEFAULT_CONTRAST_STRENGTH", 2.0),
		LogLevel:                getEnvOrDefault("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES must be between 0 and 10, got %d", c.MaxRetries)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 104857600 { // 1KB to 100MB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 100MB, got %d", c.MaxFileSize)
	}

	if c.MaxImagePixels < 1_000_000 || c.MaxImagePixels > 100_000_000 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be between 1000000 and 100000000, got %d", c.MaxImagePixels)
	}

	if c.OCRTimeout <= 0 || c.OCRTimeout >= c.ProcessingTimeout {
		return fmt.Errorf("OCR_TIMEOUT must be positive and below PROCESSING_TIMEOUT (%d), got %d",
			c.ProcessingTimeout, c.OCRTimeout)
	}

	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		return fmt.Errorf("DUPLICATE_THRESHOLD must be in (0, 1], got %v", c.DuplicateThreshold)
	}

	defaults := enhance.Parameters{
		DenoiseStrength:  c.DefaultDenoiseStrength,
		ContrastStrength: c.DefaultContrastStrength,
	}
	if err := defaults.Validate(); err != nil {
		return fmt.Errorf("DEFAULT_DENOISE_STRENGTH/DEFAULT_CONTRAST_STRENGTH: %w", err)
	}

	return nil
}

// ProcessingTimeoutDuration returns the job deadline
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// OCRTimeoutDuration returns the deadline applied around each OCR call
func (c *Config) OCRTimeoutDuration() time.Duration {
	return time.Duration(c.OCRTimeout) * time.Millisecond
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
