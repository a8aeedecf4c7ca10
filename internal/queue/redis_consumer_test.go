package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
)

var testLogger = logging.NewLogger("queue-test")

const testQueue = "prescription:test"

func newTestRedis(t *testing.T, proc processor.PrescriptionProcessorInterface, maxRetries int) (*RedisProducer, *RedisConsumer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	producer, err := NewRedisProducer(url, testQueue, maxRetries)
	require.NoError(t, err)
	t.Cleanup(func() { producer.Close() })

	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		RedisURL:   url,
		QueueName:  testQueue,
		MaxRetries: maxRetries,
		Processor:  proc,
	})
	require.NoError(t, err)
	consumer.pollTimeout = 100 * time.Millisecond
	t.Cleanup(func() { consumer.client.Close() })

	return producer, consumer, mr
}

func TestRedisProducerEnqueue(t *testing.T) {
	producer, _, mr := newTestRedis(t, &scriptedProcessor{}, 3)

	denoise := 12
	id, err := producer.Enqueue(context.Background(), &JobPayload{
		UserID: "u1", Filename: "rx.png", ImageBuffer: []byte{1, 2}, DenoiseStrength: &denoise,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	list, err := mr.List(testQueue)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, list)

	var job RedisJobData
	require.NoError(t, json.Unmarshal([]byte(mr.HGet(testQueue+":data", id)), &job))
	assert.Equal(t, TaskTypeProcessPrescription, job.Type)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, id, job.Payload.JobID)
	assert.Equal(t, []byte{1, 2}, job.Payload.ImageBuffer)
	assert.Equal(t, 12, *job.Payload.DenoiseStrength)

	stats, err := producer.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["waiting"])
}

func TestRedisConsumerCompletesJob(t *testing.T) {
	proc := &scriptedProcessor{result: &processor.ProcessResult{Status: processor.JobStatusCompleted, ReportID: "r1"}}
	producer, consumer, mr := newTestRedis(t, proc, 3)

	id, err := producer.Enqueue(context.Background(), &JobPayload{JobID: "job-1", ImageBuffer: []byte{1}})
	require.NoError(t, err)

	require.NoError(t, consumer.processNextJob())

	require.Len(t, proc.requests, 1)
	assert.Equal(t, []byte{1}, proc.requests[0].FileBuffer)
	assert.Equal(t, processor.JobStatusCompleted, proc.lastUpdate().Status)

	completed, err := mr.Members(testQueue + ":completed")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, completed)
	assert.Contains(t, mr.HGet(testQueue+":results", id), `"reportId":"r1"`)

	assert.ErrorIs(t, consumer.processNextJob(), errNoJobs)
}

func TestRedisConsumerRequeuesRetryableFailures(t *testing.T) {
	proc := &scriptedProcessor{err: apperrors.NewOCRFailedError("tesseract", errors.New("busy"))}
	producer, consumer, mr := newTestRedis(t, proc, 2)

	id, err := producer.Enqueue(context.Background(), &JobPayload{JobID: "job-2", ImageBuffer: []byte{1}})
	require.NoError(t, err)

	// First failure goes back on the list
	require.NoError(t, consumer.processNextJob())
	list, err := mr.List(testQueue)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, list)

	var job RedisJobData
	require.NoError(t, json.Unmarshal([]byte(mr.HGet(testQueue+":data", id)), &job))
	assert.Equal(t, 1, job.Attempts)

	// Second failure exhausts the retries
	require.NoError(t, consumer.processNextJob())
	assert.False(t, mr.Exists(testQueue))

	failed, err := mr.Members(testQueue + ":failed")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, failed)
	assert.Equal(t, "OCR_FAILED", proc.lastUpdate().ErrorCode)
	assert.Len(t, proc.requests, 2)
}

func TestRedisConsumerFailsTerminalErrorsImmediately(t *testing.T) {
	proc := &scriptedProcessor{err: apperrors.NewImageDecodeError(errors.New("unsupported image format \"gif\""))}
	producer, consumer, mr := newTestRedis(t, proc, 5)

	id, err := producer.Enqueue(context.Background(), &JobPayload{JobID: "job-3", ImageBuffer: []byte("GIF89a")})
	require.NoError(t, err)

	require.NoError(t, consumer.processNextJob())
	assert.Len(t, proc.requests, 1)
	assert.False(t, mr.Exists(testQueue))

	failed, err := mr.Members(testQueue + ":failed")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, failed)
	assert.Contains(t, mr.HGet(testQueue+":errors", id), "IMAGE_DECODE_FAILED")
}

func TestRedisConsumerParksMalformedJobs(t *testing.T) {
	proc := &scriptedProcessor{}
	_, consumer, mr := newTestRedis(t, proc, 3)

	mr.HSet(testQueue+":data", "bad", `{"payload":{"imageBuffer":42}}`)
	_, err := mr.Lpush(testQueue, "bad")
	require.NoError(t, err)

	assert.Error(t, consumer.processNextJob())
	assert.Empty(t, proc.requests)

	failed, err := mr.Members(testQueue + ":failed")
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, failed)
}

func TestRedisConsumerStartStop(t *testing.T) {
	proc := &scriptedProcessor{result: &processor.ProcessResult{Status: processor.JobStatusNoText}}
	producer, consumer, mr := newTestRedis(t, proc, 1)
	consumer.config.Concurrency = 2

	id, err := producer.Enqueue(context.Background(), &JobPayload{JobID: "job-4", ImageBuffer: []byte{1}})
	require.NoError(t, err)

	require.NoError(t, consumer.Start())
	require.Eventually(t, func() bool {
		ok, _ := mr.SIsMember(testQueue+":completed", id)
		return ok
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, consumer.Stop())
}
