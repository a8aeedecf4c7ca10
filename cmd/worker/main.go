/**
 * Prescription Worker - Main Entry Point
 *
 * Go worker that turns photographed prescriptions into structured text reports.
 *
 * Architecture:
 * - Redis list or Asynq consumer for queued extraction jobs
 * - Deterministic enhancement chain (grayscale, Gaussian blur, adaptive threshold,
 *   NL-means denoise, dilate, Laplacian sharpen, contrast, invert)
 * - Tesseract OCR through gosseract
 * - Rule-based sectioning into a plain-text report
 * - PostgreSQL for jobs and reports, Qdrant for duplicate detection
 * - Fiber HTTP API for synchronous extraction, downloads and discount codes
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/prescription-worker/internal/api"
	"github.com/adverant/nexus/prescription-worker/internal/clients"
	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/discount"
	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
	"github.com/adverant/nexus/prescription-worker/internal/queue"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

// queueConsumer is satisfied by both queue backends
type queueConsumer interface {
	Start() error
	Stop() error
}

var logger = logging.NewLogger("main")

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Warn(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fatal("Failed to load configuration", err)
	}
	logging.Configure(cfg.LogLevel, nil)

	logger.Info("Prescription Worker starting",
		"queueBackend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"qdrant", cfg.QdrantURL,
	)

	storageManager, err := storage.NewStorageManager(storage.ManagerConfig{
		PostgresURL:        cfg.DatabaseURL,
		QdrantAddress:      cfg.QdrantURL,
		QdrantCollection:   cfg.QdrantCollection,
		VectorSize:         enhance.FingerprintSize,
		DuplicateThreshold: cfg.DuplicateThreshold,
	})
	if err != nil {
		fatal("Failed to initialize storage manager", err)
	}
	defer storageManager.Close()

	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = storageManager.EnsureSchema(schemaCtx)
	cancel()
	if err != nil {
		fatal("Failed to apply database schema", err)
	}
	records := storage.NewRecordStore(storageManager.Postgres().DB())

	engine := processor.NewTesseractOCR(&processor.TesseractConfig{
		TessdataPrefix: os.Getenv("TESSDATA_PREFIX"),
	})
	logger.Info("OCR engine ready", "engine", engine.Name(), "version", engine.Version())

	ocrConfig := processor.DefaultOCRConfig()
	ocrConfig.Languages = splitLanguages(cfg.OCRLanguages)

	pipeline, err := processor.NewPipeline(processor.PipelineConfig{
		Engine:     engine,
		OCRConfig:  ocrConfig,
		OCRTimeout: cfg.OCRTimeoutDuration(),
		MaxPixels:  cfg.MaxImagePixels,
	})
	if err != nil {
		fatal("Failed to initialize pipeline", err)
	}

	procCfg := processor.ProcessorConfig{
		MaxFileSize:       cfg.MaxFileSize,
		ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
		Pipeline:          pipeline,
		Store:             storageManager,
	}
	checks := map[string]func(context.Context) error{}
	if cfg.ArtifactAPIURL != "" {
		artifacts := clients.NewArtifactClient(cfg.ArtifactAPIURL)
		procCfg.Artifacts = artifacts
		checks["artifacts"] = artifacts.HealthCheck
	}
	proc, err := processor.NewPrescriptionProcessor(procCfg)
	if err != nil {
		fatal("Failed to initialize prescription processor", err)
	}

	defaults := enhance.Parameters{
		DenoiseStrength:  cfg.DefaultDenoiseStrength,
		ContrastStrength: cfg.DefaultContrastStrength,
	}

	consumer, producer, err := newQueue(cfg, defaults, proc)
	if err != nil {
		fatal("Failed to initialize queue", err)
	}
	defer producer.Close()

	if err := consumer.Start(); err != nil {
		fatal("Failed to start queue consumer", err)
	}

	server := api.NewServer(api.Dependencies{
		Extractor:         pipeline,
		Queue:             producer,
		Jobs:              storageManager,
		Discounts:         discount.NewService(records),
		Visits:            records,
		DefaultParams:     defaults,
		MaxFileSize:       cfg.MaxFileSize,
		ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
		Health:            storageManager.Ping,
		Checks:            checks,
		Stats:             storageManager.GetStats,
	})

	go func() {
		if err := server.Listen(cfg.HTTPAddr); err != nil {
			logger.Error("HTTP server stopped", "error", err)
		}
	}()

	logger.Info("Prescription Worker is ready",
		"http", cfg.HTTPAddr,
		"languages", strings.Join(ocrConfig.Languages, "+"),
		"processingTimeout", cfg.ProcessingTimeoutDuration(),
		"ocrTimeout", cfg.OCRTimeoutDuration(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}

	if err := consumer.Stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	} else {
		logger.Info("Queue consumer stopped")
	}

	logger.Info("Shutdown complete")
}

func newQueue(cfg *config.Config, defaults enhance.Parameters, proc processor.PrescriptionProcessorInterface) (queueConsumer, queue.Producer, error) {
	switch cfg.QueueBackend {
	case "asynq":
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:      cfg.RedisURL,
			QueueName:     cfg.QueueName,
			Concurrency:   cfg.WorkerConcurrency,
			LogLevel:      cfg.LogLevel,
			DefaultParams: defaults,
			Processor:     proc,
		})
		if err != nil {
			return nil, nil, err
		}
		producer, err := queue.NewAsynqProducer(cfg.RedisURL, cfg.QueueName, cfg.MaxRetries)
		if err != nil {
			return nil, nil, err
		}
		return consumer, producer, nil

	default:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:      cfg.RedisURL,
			QueueName:     cfg.QueueName,
			Concurrency:   cfg.WorkerConcurrency,
			MaxRetries:    cfg.MaxRetries,
			DefaultParams: defaults,
			Processor:     proc,
		})
		if err != nil {
			return nil, nil, err
		}
		producer, err := queue.NewRedisProducer(cfg.RedisURL, cfg.QueueName, cfg.MaxRetries)
		if err != nil {
			return nil, nil, err
		}
		return consumer, producer, nil
	}
}

func splitLanguages(s string) []string {
	var langs []string
	for _, l := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	if len(langs) == 0 {
		return []string{"eng"}
	}
	return langs
}
