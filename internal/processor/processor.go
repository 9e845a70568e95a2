package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitsacco/txengine/internal/config"
	"github.com/bitsacco/txengine/internal/queue"
	"github.com/bitsacco/txengine/pkg/logger"
	"github.com/bitsacco/txengine/pkg/redis"
	"github.com/bitsacco/txengine/pkg/worker"
)

// ProcessingTimeout bounds one settlement watch end to end: the poll
// window plus the status write.
const ProcessingTimeout = time.Minute * 3
const HealthInterval = time.Second * 30
const ShutdownTimeout = time.Minute

// ProcessorService drains the settlement queue through a worker pool.
type ProcessorService struct {
	adapter    redis.RedisAdapter
	queues     []*queue.Queue
	processors Processor
	metrics    *ServiceMetrics
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	worker     *worker.WorkerManager
}

// Processor handles one settlement job.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
	GetType() string
}

func NewProcessorService(redis redis.RedisAdapter) (*ProcessorService, error) {
	ctx, cancel := context.WithCancel(context.Background())
	service := &ProcessorService{
		adapter:    redis,
		queues:     make([]*queue.Queue, 0),
		processors: nil,
		metrics:    NewServiceMetrics(),
		ctx:        ctx,
		cancel:     cancel,
		worker:     worker.NewWorkerManager(10_000, 100, nil),
	}
	return service, nil
}

// RegisterProcessor registers the settlement processor.
func (s *ProcessorService) RegisterProcessor(processor Processor) {
	s.processors = processor
	logger.Info("Registered processor", "type", processor.GetType())
}

// Start starts the consumer instances and the worker pool.
func (s *ProcessorService) Start() error {
	logger.Info("Starting settlement processor service...")

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Error("Worker manager stopped", "error", err)
		}
	}()

	for i := 0; i < config.Get().QueueConsumerInstances; i++ {
		queueConfig := queue.Config{
			Name:              config.Get().QueueName,
			ConsumerGroup:     config.Get().QueueConsumerGroup,
			ConsumerName:      config.Get().QueueConsumerName,
			MaxRetries:        config.Get().QueueMaxRetries,
			VisibilityTimeout: config.Get().QueueVisibilityTimeout,
			PollInterval:      config.Get().QueuePollInterval,
			BatchSize:         config.Get().QueueBatchSize,
			MaxLen:            config.Get().QueueMaxLen,
			EnableDLQ:         config.Get().QueueEnableDLQ,
		}
		queueConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", queueConfig.ConsumerName, i)

		q, err := queue.NewQueue(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}

		if err := q.Consume(s.jobHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
		logger.Info("Started consumer instance", "instance", i)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Settlement processor service started", "consumers", len(s.queues))
	return nil
}

// metricsReporter periodically reports metrics
func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.GetStats()

	logger.Info("Service metrics",
		"total_processed", stats["total_processed"],
		"total_failed", stats["total_failed"],
		"rate_per_second", stats["rate_per_second"],
		"avg_duration_ms", stats["avg_duration_ms"],
		"uptime_seconds", stats["uptime_seconds"])

	for i, q := range s.queues {
		if qStats, err := q.GetStats(); err == nil {
			logger.Info("Queue stats", "queue", i, "total", qStats.TotalJobs, "pending", qStats.PendingJobs)
		}
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck() {
	if err := s.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return
	}

	for i, q := range s.queues {
		stats, err := q.GetStats()
		if err != nil {
			logger.Warn("HEALTH CHECK WARNING: Queue stats unavailable", "queue", i, "error", err)
			continue
		}

		if stats.PendingJobs > 10000 {
			logger.Warn("HEALTH CHECK WARNING: Queue has high lag", "queue", i, "pending_jobs", stats.PendingJobs)
		}
	}

	logger.Info("HEALTH CHECK: OK - Service healthy")
}

// Stop gracefully stops the service
func (s *ProcessorService) Stop() {
	logger.Info("Shutting down settlement processor service...")

	s.cancel()

	timeout := ShutdownTimeout
	stopChan := make(chan bool, len(s.queues))

	for i, q := range s.queues {
		go func(index int, queue *queue.Queue) {
			if err := queue.Stop(timeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
			stopChan <- true
		}(i, q)
	}

	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("Timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()
	s.reportMetrics()

	logger.Info("Settlement processor service stopped")
}

type jobResult struct {
	job        *queue.Job
	resultChan chan error
	ctx        context.Context
}

// jobHandler moves jobs from the queue consumer into the worker pool and
// blocks for the result so the queue ack mirrors the worker outcome.
func (s *ProcessorService) jobHandler(ctx context.Context, job *queue.Job) error {
	resultChan := make(chan error, 1)

	jobCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout+time.Second)
	defer cancel()

	wrapped := &jobResult{
		job:        job,
		resultChan: resultChan,
		ctx:        jobCtx,
	}

	s.worker.Enqueue(wrapped)

	select {
	case err := <-resultChan:
		return err
	case <-jobCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process job: %w", jobCtx.Err())
	}
}

// workerHandler runs jobs inside the pool.
func (s *ProcessorService) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	start := time.Now()
	var resultErr error

	select {
	case <-jobRes.ctx.Done():
		logger.Warn("Job context cancelled before processing started", "worker", workerIndex)
		return
	default:
	}

	if s.processors == nil {
		logger.Info("No processor registered", "worker", workerIndex)
		s.metrics.RecordFailure()
		resultErr = nil // ack: retrying an unroutable job cannot help
	} else {
		if err := s.processors.Process(jobRes.ctx, jobRes.job); err != nil {
			s.metrics.RecordFailure()
			logger.Error("Failed to process settlement job", "worker", workerIndex, "error", err)
			resultErr = err
		} else {
			s.metrics.RecordSuccess(time.Since(start))
			resultErr = nil
		}
	}

	// Non-blocking send: if jobHandler timed out there is no receiver.
	select {
	case jobRes.resultChan <- resultErr:
	case <-jobRes.ctx.Done():
		logger.Warn("Context cancelled while sending result", "worker", workerIndex)
	}
}
