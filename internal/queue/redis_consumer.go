/**
 * Direct Redis Queue Consumer for the Prescription Worker
 *
 * Compatible with the TypeScript RedisQueue implementation: job IDs on a
 * Redis LIST, job bodies in a hash, status in sets, events on pub/sub.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// queueKeys names the Redis structures that back one queue
type queueKeys struct {
	list       string
	data       string
	processing string
	completed  string
	failed     string
	results    string
	errors     string
	events     string
}

func keysFor(queueName string) queueKeys {
	return queueKeys{
		list:       queueName,
		data:       queueName + ":data",
		processing: queueName + ":processing",
		completed:  queueName + ":completed",
		failed:     queueName + ":failed",
		results:    queueName + ":results",
		errors:     queueName + ":errors",
		events:     queueName + ":events",
	}
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.PrescriptionProcessorInterface
	config    *RedisConsumerConfig
	keys      queueKeys
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	pollTimeout time.Duration
	idleDelay   time.Duration
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL      string
	QueueName     string
	Concurrency   int
	MaxRetries    int // used when a job does not carry its own limit
	DefaultParams enhance.Parameters
	Processor     processor.PrescriptionProcessorInterface
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "prescription:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.DefaultParams == (enhance.Parameters{}) {
		cfg.DefaultParams = enhance.DefaultParameters()
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:      client,
		processor:   cfg.Processor,
		config:      cfg,
		keys:        keysFor(cfg.QueueName),
		logger:      logging.NewLogger("redis-consumer"),
		ctx:         consumerCtx,
		cancel:      cancel,
		pollTimeout: 5 * time.Second,
		idleDelay:   time.Second,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop waits for in-flight jobs and closes the connection
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if !errors.Is(err, errNoJobs) && c.ctx.Err() == nil {
					c.logger.Error("Worker error", "worker", id, "error", err)
				}
				select {
				case <-time.After(c.idleDelay):
				case <-c.ctx.Done():
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, c.pollTimeout, c.keys.list).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	// Work below runs to completion even when Stop is called
	ctx := context.Background()

	raw, err := c.client.HGet(ctx, c.keys.data, id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Malformed bodies go straight to the failed set
		c.markStatus(ctx, id, processor.JobStatusFailed, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = c.config.MaxRetries
	}

	c.handleJob(ctx, &job)
	return nil
}

func (c *RedisConsumer) handleJob(ctx context.Context, job *RedisJobData) {
	payload := &job.Payload
	logger := c.logger.With("jobId", payload.JobID)
	startTime := time.Now()

	// Idempotent upsert: creates the row when the producer did not
	if err := c.processor.UpdateJobStatus(ctx, processingUpdate(payload)); err != nil {
		logger.Warn("Could not update job status to processing", "error", err)
	}
	c.markStatus(ctx, payload.JobID, processor.JobStatusProcessing, nil)

	logger.Info("Processing job", "filename", payload.Filename, "attempt", job.Attempts+1)

	result, err := c.processor.ProcessPrescription(ctx, payload.Request(c.config.DefaultParams))
	if err != nil {
		job.Attempts++
		retry := isRetryable(err) && job.Attempts < job.MaxRetries
		logger.Warn("Job failed", "error", err, "attempt", job.Attempts, "retry", retry)

		if retry {
			c.requeue(ctx, job)
			return
		}

		update := failureUpdate(payload, err, job.Attempts, time.Since(startTime))
		if updateErr := c.processor.UpdateJobStatus(ctx, update); updateErr != nil {
			logger.Error("Failed to record job failure", "error", updateErr)
		}
		c.markStatus(ctx, payload.JobID, processor.JobStatusFailed, map[string]interface{}{
			"error":     update.ErrorMessage,
			"errorCode": update.ErrorCode,
			"attempts":  job.Attempts,
		})
		return
	}

	if err := c.processor.UpdateJobStatus(ctx, resultUpdate(payload, result)); err != nil {
		logger.Error("Failed to record job result", "error", err)
	}
	c.markStatus(ctx, payload.JobID, processor.JobStatusCompleted, result)
	logger.Info("Job completed", "status", result.Status, "duration", time.Since(startTime))
}

func (c *RedisConsumer) requeue(ctx context.Context, job *RedisJobData) {
	updatedData, err := json.Marshal(job)
	if err != nil {
		c.logger.Error("Failed to encode job for retry", "jobId", job.Payload.JobID, "error", err)
		return
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.keys.data, job.ID, updatedData)
	pipe.SRem(ctx, c.keys.processing, job.Payload.JobID)
	pipe.LPush(ctx, c.keys.list, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to re-queue job", "jobId", job.Payload.JobID, "error", err)
		return
	}

	c.publish(ctx, "job:retry", job.Payload.JobID)
	c.logger.Info("Job re-queued for retry",
		"jobId", job.Payload.JobID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
}

// markStatus moves a job between the Redis status sets and publishes an event
func (c *RedisConsumer) markStatus(ctx context.Context, jobID string, status string, result interface{}) {
	pipe := c.client.TxPipeline()

	switch status {
	case processor.JobStatusProcessing:
		pipe.SAdd(ctx, c.keys.processing, jobID)
	case processor.JobStatusCompleted:
		pipe.SRem(ctx, c.keys.processing, jobID)
		pipe.SAdd(ctx, c.keys.completed, jobID)
		if result != nil {
			if resultData, err := json.Marshal(result); err == nil {
				pipe.HSet(ctx, c.keys.results, jobID, resultData)
			}
		}
	case processor.JobStatusFailed:
		pipe.SRem(ctx, c.keys.processing, jobID)
		pipe.SAdd(ctx, c.keys.failed, jobID)
		if result != nil {
			if errorData, err := json.Marshal(result); err == nil {
				pipe.HSet(ctx, c.keys.errors, jobID, errorData)
			}
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Failed to update Redis job status", "jobId", jobID, "status", status, "error", err)
	}

	c.publish(ctx, fmt.Sprintf("job:%s", status), jobID)
}

func (c *RedisConsumer) publish(ctx context.Context, event string, jobID string) {
	eventData, _ := json.Marshal(map[string]interface{}{
		"event":     event,
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err := c.client.Publish(ctx, c.keys.events, eventData).Err(); err != nil {
		c.logger.Debug("Failed to publish job event", "event", event, "error", err)
	}
}

func queueStats(ctx context.Context, client *redis.Client, keys queueKeys) (map[string]int64, error) {
	pipe := client.Pipeline()
	waiting := pipe.LLen(ctx, keys.list)
	processing := pipe.SCard(ctx, keys.processing)
	completed := pipe.SCard(ctx, keys.completed)
	failed := pipe.SCard(ctx, keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
