package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitsacco/txengine/pkg/logger"
	"github.com/bitsacco/txengine/pkg/redis"
)

var (
	ErrAlreadySettled     = errors.New("transaction already settled")
	ErrLockAcquireFailed  = errors.New("failed to acquire settlement lock")
	ErrMaxRetriesExceeded = errors.New("maximum settlement retries exceeded")
)

// IdempotencyConfig tunes the redis keys that make the settlement write
// at-most-once across worker instances.
type IdempotencyConfig struct {
	// LockTTL bounds how long one worker may hold a transaction. It must
	// exceed the full poll window or another worker will double-poll.
	LockTTL time.Duration

	SettledTTL time.Duration

	MaxRetries int

	RetryKeyPrefix string

	LockKeyPrefix string

	SettledKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:          5 * time.Minute,
		SettledTTL:       24 * time.Hour,
		MaxRetries:       3,
		RetryKeyPrefix:   "settle:retry:",
		LockKeyPrefix:    "settle:lock:",
		SettledKeyPrefix: "settle:done:",
	}
}

// IdempotencyService guards settlement work per transaction id: a short
// lock prevents two workers from polling the same transaction at once,
// and a long-lived settled marker stops reprocessing after a queue
// redelivery.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

type SettlementContext struct {
	TransactionID string
	RetryCount    int
	IsRetry       bool
	lockAcquired  bool
	service       *IdempotencyService
}

func (s *IdempotencyService) AcquireLock(ctx context.Context, txID string) (*SettlementContext, error) {
	// Already settled? The long-term marker survives queue redeliveries.
	settledKey := s.config.SettledKeyPrefix + txID
	exists, err := s.redis.Exist(settledKey)
	if err != nil {
		logger.Warn("Failed to check settled marker", "transaction_id", txID, "error", err)
		// Continue on check failure: the guarded status update still
		// stops a real double-settle, this marker only saves work.
	} else if exists > 0 {
		return nil, ErrAlreadySettled
	}

	retryKey := s.config.RetryKeyPrefix + txID
	retryCountBytes, err := s.redis.Get(retryKey)
	retryCount := 0
	if err == nil && len(retryCountBytes) > 0 {
		fmt.Sscanf(string(retryCountBytes), "%d", &retryCount)
	}

	if retryCount >= s.config.MaxRetries {
		logger.Error("Max settlement retries exceeded", "transaction_id", txID, "retry_count", retryCount)
		return nil, fmt.Errorf("%w: transaction_id=%s, retries=%d", ErrMaxRetriesExceeded, txID, retryCount)
	}

	lockKey := s.config.LockKeyPrefix + txID
	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := s.redis.SetNX(lockKey, lockValue, s.config.LockTTL)
	if err != nil {
		logger.Error("Failed to acquire settlement lock", "transaction_id", txID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		logger.Info("Settlement lock held by another worker", "transaction_id", txID)
		return nil, ErrLockAcquireFailed
	}

	logger.Debug("Settlement lock acquired",
		"transaction_id", txID,
		"retry_count", retryCount,
		"lock_ttl", s.config.LockTTL)

	return &SettlementContext{
		TransactionID: txID,
		RetryCount:    retryCount,
		IsRetry:       retryCount > 0,
		lockAcquired:  true,
		service:       s,
	}, nil
}

// MarkSettled writes the long-term marker and clears the lock and retry
// counter.
func (s *IdempotencyService) MarkSettled(ctx context.Context, sc *SettlementContext) error {
	txID := sc.TransactionID

	settledKey := s.config.SettledKeyPrefix + txID
	if err := s.redis.Set(settledKey, []byte("1"), s.config.SettledTTL); err != nil {
		logger.Error("Failed to mark transaction settled", "transaction_id", txID, "error", err)
		return fmt.Errorf("failed to mark settled: %w", err)
	}

	s.cleanup(ctx, sc)

	logger.Info("Transaction marked settled",
		"transaction_id", txID,
		"retry_count", sc.RetryCount)
	return nil
}

// MarkRetry bumps the retry counter and frees the lock so the queue
// redelivery can try again.
func (s *IdempotencyService) MarkRetry(ctx context.Context, sc *SettlementContext, reason error) error {
	txID := sc.TransactionID

	retryKey := s.config.RetryKeyPrefix + txID
	newRetryCount := sc.RetryCount + 1
	retryValue := []byte(fmt.Sprintf("%d", newRetryCount))

	if err := s.redis.Set(retryKey, retryValue, s.config.SettledTTL); err != nil {
		logger.Error("Failed to increment settlement retry counter", "transaction_id", txID, "error", err)
	}

	lockKey := s.config.LockKeyPrefix + txID
	if err := s.redis.Del(lockKey); err != nil {
		logger.Warn("Failed to remove settlement lock", "transaction_id", txID, "error", err)
	}

	logger.Warn("Settlement attempt failed, will retry",
		"transaction_id", txID,
		"retry_count", newRetryCount,
		"max_retries", s.config.MaxRetries,
		"reason", reason)
	return nil
}

func (s *IdempotencyService) ReleaseLock(ctx context.Context, sc *SettlementContext) error {
	if sc == nil || !sc.lockAcquired {
		return nil
	}

	lockKey := s.config.LockKeyPrefix + sc.TransactionID
	if err := s.redis.Del(lockKey); err != nil {
		logger.Warn("Failed to release settlement lock", "transaction_id", sc.TransactionID, "error", err)
		return err
	}

	sc.lockAcquired = false
	logger.Debug("Settlement lock released", "transaction_id", sc.TransactionID)
	return nil
}

// IsSettled reports whether the settled marker exists for the id.
func (s *IdempotencyService) IsSettled(ctx context.Context, txID string) (bool, error) {
	exists, err := s.redis.Exist(s.config.SettledKeyPrefix + txID)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// GetRetryCount returns the accumulated retry count for the id.
func (s *IdempotencyService) GetRetryCount(ctx context.Context, txID string) (int, error) {
	retryCountBytes, err := s.redis.Get(s.config.RetryKeyPrefix + txID)
	if err != nil || len(retryCountBytes) == 0 {
		return 0, nil
	}
	count := 0
	fmt.Sscanf(string(retryCountBytes), "%d", &count)
	return count, nil
}

func (s *IdempotencyService) cleanup(ctx context.Context, sc *SettlementContext) {
	txID := sc.TransactionID

	lockKey := s.config.LockKeyPrefix + txID
	if err := s.redis.Del(lockKey); err != nil {
		logger.Warn("Failed to cleanup settlement lock", "transaction_id", txID, "error", err)
	}

	retryKey := s.config.RetryKeyPrefix + txID
	if err := s.redis.Del(retryKey); err != nil {
		logger.Warn("Failed to cleanup retry counter", "transaction_id", txID, "error", err)
	}

	sc.lockAcquired = false
}
