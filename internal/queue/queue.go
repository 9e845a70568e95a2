// Package queue is the redis-streams job queue between the API process
// and the settlement workers. Jobs are claimed through a consumer group,
// reclaimed after a visibility timeout when a worker dies mid-poll, and
// parked on a dead-letter stream once their retry budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bitsacco/txengine/pkg/redis"
)

// Job is one unit of settlement work as read off the stream.
type Job struct {
	ID         string
	Data       []byte
	Metadata   map[string]string
	EnqueuedAt time.Time
	Attempts   int
	acked      bool
	nacked     bool
	queue      *Queue
}

// Ack marks the job as done and removes it from the pending entries list.
func (j *Job) Ack() error {
	if j.acked {
		return fmt.Errorf("job already acknowledged")
	}
	if j.nacked {
		return fmt.Errorf("job already rejected")
	}
	j.acked = true
	return j.queue.ackJob(j.ID)
}

// Nack leaves the job pending so it is reclaimed after the visibility
// timeout.
func (j *Job) Nack() error {
	if j.acked {
		return fmt.Errorf("job already acknowledged")
	}
	if j.nacked {
		return fmt.Errorf("job already rejected")
	}
	j.nacked = true
	return nil
}

// Handler processes one job. A nil return acks the job; an error leaves
// it pending for a retry.
type Handler func(ctx context.Context, job *Job) error

type Config struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

type Queue struct {
	adapter    redis.RedisAdapter
	config     Config
	handler    Handler
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	processing map[string]*Job
}

type Stats struct {
	TotalJobs     int64
	PendingJobs   int64
	ConsumerCount int64
}

func NewQueue(adapter redis.RedisAdapter, config Config) (*Queue, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "settlement-workers"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.VisibilityTimeout == 0 {
		// Settlement polling holds a job for the whole watch, so the
		// timeout must exceed the poll window, not a single request.
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		adapter:    adapter,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		processing: make(map[string]*Job),
	}

	// Group may already exist; both outcomes leave a usable stream.
	_ = q.adapter.XGroupCreateMkStream(q.config.Name, q.config.ConsumerGroup, "0")

	return q, nil
}

// Publish appends raw payload bytes to the stream.
func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().Unix(),
		"attempts":  0,
	}
	for k, v := range metadata {
		values["meta_"+k] = v
	}

	id, err := q.adapter.XAdd(q.config.Name, values)
	if err != nil {
		return "", fmt.Errorf("failed to publish job: %w", err)
	}

	if q.config.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(q.config.Name, q.config.MaxLen)
	}
	return id, nil
}

// PublishJSON marshals the payload and appends it to the stream.
func (q *Queue) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.Publish(ctx, jsonData, metadata)
}

// Consume starts the consumer loop. Jobs are acked when the handler
// returns nil and retried otherwise.
func (q *Queue) Consume(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("job handler is required")
	}

	q.handler = handler
	q.wg.Add(1)
	go q.consumeLoop()
	return nil
}

func (q *Queue) consumeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.readNewJobs()
			q.claimStuckJobs()
		}
	}
}

func (q *Queue) readNewJobs() {
	messages, err := q.adapter.XReadGroup(
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.Name,
		">",
		q.config.BatchSize,
	)
	if err != nil {
		return
	}

	for _, streamMsg := range messages {
		job := q.streamMessageToJob(streamMsg)
		job.queue = q
		q.handleJob(job)
	}
}

// claimStuckJobs takes over jobs whose consumer went silent for longer
// than the visibility timeout.
func (q *Queue) claimStuckJobs() {
	pending, err := q.adapter.XPending(q.config.Name, q.config.ConsumerGroup)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}

	pendingExt, err := q.adapter.XPendingExt(
		q.config.Name,
		q.config.ConsumerGroup,
		"-",
		"+",
		100,
	)
	if err != nil || len(pendingExt) == 0 {
		return
	}

	var idsToReclaim []string
	for _, msg := range pendingExt {
		if msg.Idle >= q.config.VisibilityTimeout {
			idsToReclaim = append(idsToReclaim, msg.ID)
		}
	}
	if len(idsToReclaim) == 0 {
		return
	}

	messages, err := q.adapter.XClaim(
		q.config.Name,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.VisibilityTimeout,
		idsToReclaim...,
	)
	if err != nil {
		return
	}

	for _, streamMsg := range messages {
		job := q.streamMessageToJob(streamMsg)
		job.queue = q
		job.Attempts++
		q.handleJob(job)
	}
}

func (q *Queue) handleJob(job *Job) {
	q.mu.Lock()
	q.processing[job.ID] = job
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.processing, job.ID)
		q.mu.Unlock()
	}()

	if job.Attempts >= q.config.MaxRetries {
		q.moveToDeadLetterQueue(job)
		_ = q.ackJob(job.ID)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, job); err != nil {
		// Leave pending; the claim loop retries it later.
		return
	}
	_ = q.ackJob(job.ID)
}

func (q *Queue) ackJob(jobID string) error {
	return q.adapter.XAck(q.config.Name, q.config.ConsumerGroup, jobID)
}

func (q *Queue) moveToDeadLetterQueue(job *Job) {
	if !q.config.EnableDLQ {
		return
	}

	dlqName := q.config.Name + ":dlq"
	values := map[string]interface{}{
		"data":           string(job.Data),
		"original_id":    job.ID,
		"attempts":       job.Attempts,
		"failed_at":      time.Now().Unix(),
		"original_queue": q.config.Name,
	}
	for k, v := range job.Metadata {
		values["meta_"+k] = v
	}
	_, _ = q.adapter.XAdd(dlqName, values)
}

func (q *Queue) streamMessageToJob(streamMsg redis.StreamMessage) *Job {
	job := &Job{
		ID:       streamMsg.ID,
		Metadata: make(map[string]string),
	}

	for k, v := range streamMsg.Values {
		switch k {
		case "data":
			if data, ok := v.(string); ok {
				job.Data = []byte(data)
			}
		case "timestamp":
			if ts, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					job.EnqueuedAt = t
				}
			}
		case "attempts":
			if attempts, ok := v.(string); ok {
				fmt.Sscanf(attempts, "%d", &job.Attempts)
			}
		default:
			if len(k) > 5 && k[:5] == "meta_" {
				if val, ok := v.(string); ok {
					job.Metadata[k[5:]] = val
				}
			}
		}
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	return job
}

func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}

func (q *Queue) GetStats() (*Stats, error) {
	totalJobs, err := q.adapter.XLen(q.config.Name)
	if err != nil {
		return nil, err
	}

	pending, err := q.adapter.XPending(q.config.Name, q.config.ConsumerGroup)
	if err != nil {
		pending = nil
	}

	stats := &Stats{TotalJobs: totalJobs}
	if pending != nil {
		stats.PendingJobs = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}
	return stats, nil
}
