package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/prescription-worker/internal/logging"
)

// Producer enqueues prescription jobs for whichever backend the worker runs
type Producer interface {
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)
	Stats(ctx context.Context) (map[string]int64, error)
	Close() error
}

// RedisProducer writes jobs in the layout RedisConsumer reads
type RedisProducer struct {
	client     *redis.Client
	keys       queueKeys
	maxRetries int
	logger     *logging.Logger
}

// NewRedisProducer connects to Redis
func NewRedisProducer(redisURL, queueName string, maxRetries int) (*RedisProducer, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &RedisProducer{
		client:     redis.NewClient(opt),
		keys:       keysFor(queueName),
		maxRetries: maxRetries,
		logger:     logging.NewLogger("redis-producer"),
	}, nil
}

// Enqueue stores the job body and pushes its ID. A missing job ID is generated.
func (p *RedisProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeProcessPrescription,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: p.maxRetries,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.keys.data, job.ID, data)
	pipe.LPush(ctx, p.keys.list, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	eventData, _ := json.Marshal(map[string]interface{}{
		"event":     "job:queued",
		"jobId":     job.ID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err := p.client.Publish(ctx, p.keys.events, eventData).Err(); err != nil {
		p.logger.Debug("Failed to publish job event", "jobId", job.ID, "error", err)
	}

	p.logger.Info("Job enqueued", "jobId", job.ID, "queue", p.keys.list)
	return job.ID, nil
}

// Stats returns queue statistics
func (p *RedisProducer) Stats(ctx context.Context) (map[string]int64, error) {
	return queueStats(ctx, p.client, p.keys)
}

// Close closes the Redis connection
func (p *RedisProducer) Close() error {
	return p.client.Close()
}

// AsynqProducer enqueues asynq tasks for Consumer
type AsynqProducer struct {
	client     *asynq.Client
	inspector  *asynq.Inspector
	queue      string
	maxRetries int
	logger     *logging.Logger
}

// NewAsynqProducer creates an asynq client for the queue
func NewAsynqProducer(redisURL, queueName string, maxRetries int) (*AsynqProducer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &AsynqProducer{
		client:     asynq.NewClient(redisOpt),
		inspector:  asynq.NewInspector(redisOpt),
		queue:      queueName,
		maxRetries: maxRetries,
		logger:     logging.NewLogger("asynq-producer"),
	}, nil
}

// Enqueue submits a process-prescription task keyed by the job ID
func (p *AsynqProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	task := asynq.NewTask(TaskTypeProcessPrescription, data,
		asynq.TaskID(payload.JobID),
		asynq.Queue(p.queue),
		asynq.MaxRetry(p.maxRetries),
	)

	info, err := p.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	p.logger.Info("Task enqueued", "jobId", info.ID, "queue", info.Queue)
	return info.ID, nil
}

// Stats returns asynq queue statistics
func (p *AsynqProducer) Stats(ctx context.Context) (map[string]int64, error) {
	info, err := p.inspector.GetQueueInfo(p.queue)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue info: %w", err)
	}

	return map[string]int64{
		"waiting":    int64(info.Pending + info.Scheduled + info.Retry),
		"processing": int64(info.Active),
		"completed":  int64(info.Completed),
		"failed":     int64(info.Archived),
	}, nil
}

// Close closes the asynq client and inspector
func (p *AsynqProducer) Close() error {
	inspErr := p.inspector.Close()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close asynq client: %w", err)
	}
	return inspErr
}
