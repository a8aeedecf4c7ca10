/**
 * Asynq Queue Consumer for the Prescription Worker
 *
 * Alternative backend to RedisConsumer. Retries are left to asynq; failures
 * that cannot succeed on a second attempt are wrapped in asynq.SkipRetry.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
)

// Consumer handles job consumption from an asynq queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.PrescriptionProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL      string
	QueueName     string
	Concurrency   int
	LogLevel      string
	DefaultParams enhance.Parameters
	Processor     processor.PrescriptionProcessorInterface
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.DefaultParams == (enhance.Parameters{}) {
		cfg.DefaultParams = enhance.DefaultParameters()
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("asynq-consumer")

	var logLevel asynq.LogLevel
	if err := logLevel.Set(cfg.LogLevel); err != nil {
		logLevel = asynq.InfoLevel
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("Task processing error",
					"type", task.Type(), "retried", retried, "maxRetry", maxRetry, "error", err)
			}),
			Logger:   logger.Asynq(),
			LogLevel: logLevel,
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	mux.HandleFunc(TaskTypeProcessPrescription, consumer.handleProcessPrescription)

	return consumer, nil
}

// retryDelay is exponential backoff: 5s, 10s, 20s, capped at 60s
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second || delay <= 0 {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start() error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	return c.server.Start(c.mux)
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop() error {
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

func (c *Consumer) handleProcessPrescription(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			payload.JobID = id
		}
	}

	logger := c.logger.With("jobId", payload.JobID)
	logger.Info("Processing prescription", "filename", payload.Filename, "user", payload.UserID)

	if err := c.processor.UpdateJobStatus(ctx, processingUpdate(&payload)); err != nil {
		logger.Warn("Failed to update status to processing", "error", err)
	}

	result, err := c.processor.ProcessPrescription(ctx, payload.Request(c.config.DefaultParams))
	if err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		retryable := isRetryable(err)

		if !retryable || retried >= maxRetry {
			update := failureUpdate(&payload, err, retried+1, time.Since(startTime))
			if updateErr := c.processor.UpdateJobStatus(ctx, update); updateErr != nil {
				logger.Warn("Failed to update status to failed", "error", updateErr)
			}
		}

		if !retryable {
			return fmt.Errorf("prescription processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("prescription processing failed: %w", err)
	}

	if err := c.processor.UpdateJobStatus(ctx, resultUpdate(&payload, result)); err != nil {
		logger.Warn("Failed to update status to completed", "error", err)
	}

	logger.Info("Prescription processed", "status", result.Status, "duration", time.Since(startTime))
	return nil
}
