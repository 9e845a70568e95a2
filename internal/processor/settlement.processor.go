package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bitsacco/txengine/internal/monitor"
	"github.com/bitsacco/txengine/internal/orchestrator"
	"github.com/bitsacco/txengine/internal/queue"
	"github.com/bitsacco/txengine/pkg/logger"
	"github.com/bitsacco/txengine/pkg/prom"
)

// SettlementApplier maps a resolved monitor event onto the transaction
// record. Satisfied by the orchestrator.
type SettlementApplier interface {
	ApplySettlement(ctx context.Context, txID string, ev monitor.Event) error
}

// SettlementProcessor drains settlement jobs: it runs the poll loop for
// each job's transaction and writes the outcome exactly once, guarded by
// the redis lock and the repository's first-terminal-writer rule.
type SettlementProcessor struct {
	monitor     *monitor.Monitor
	applier     SettlementApplier
	idempotency *IdempotencyService
	maxAttempts int
}

func NewSettlementProcessor(mon *monitor.Monitor, applier SettlementApplier, idempotency *IdempotencyService, maxAttempts int) *SettlementProcessor {
	return &SettlementProcessor{
		monitor:     mon,
		applier:     applier,
		idempotency: idempotency,
		maxAttempts: maxAttempts,
	}
}

func (p *SettlementProcessor) GetType() string {
	return "settlement"
}

// Process resolves one settlement job. A nil return acks the job; an
// error leaves it on the stream for redelivery.
func (p *SettlementProcessor) Process(ctx context.Context, job *queue.Job) error {
	var sj orchestrator.SettlementJob
	if err := json.Unmarshal(job.Data, &sj); err != nil {
		logger.Error("Failed to unmarshal settlement job", "error", err)
		return err // malformed payload goes to the DLQ
	}
	if sj.TransactionID == "" || sj.GatewayRef == "" {
		logger.Error("Settlement job missing transaction or gateway reference", "job_id", job.ID)
		return fmt.Errorf("settlement job %s is incomplete", job.ID)
	}

	sc, err := p.idempotency.AcquireLock(ctx, sj.TransactionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadySettled):
			logger.Info("Transaction already settled, skipping", "transaction_id", sj.TransactionID)
			return nil
		case errors.Is(err, ErrMaxRetriesExceeded):
			// Out of automated attempts: hand the transaction to a human
			// and drop the job.
			applyErr := p.applier.ApplySettlement(ctx, sj.TransactionID, monitor.Event{
				TransactionID: sj.TransactionID,
				Err:           &monitor.MonitorError{TransactionID: sj.TransactionID, Err: err},
			})
			if applyErr != nil {
				logger.Error("Failed to escalate exhausted settlement",
					"transaction_id", sj.TransactionID, "error", applyErr.Error())
			}
			return nil
		case errors.Is(err, ErrLockAcquireFailed):
			// Another worker owns this transaction right now.
			return err
		default:
			return err
		}
	}
	defer p.idempotency.ReleaseLock(ctx, sc)

	logger.Info("Settling transaction",
		"transaction_id", sj.TransactionID,
		"rail", string(sj.Method),
		"gateway_ref", sj.GatewayRef,
		"retry_count", sc.RetryCount)

	watch, err := p.monitor.Start(ctx, sj.TransactionID, sj.Method, sj.GatewayRef, p.maxAttempts)
	if err != nil {
		_ = p.idempotency.MarkRetry(ctx, sc, err)
		return err
	}

	var ev monitor.Event
	var open bool
	select {
	case ev, open = <-watch.Events():
	case <-ctx.Done():
		watch.Cancel()
		_ = p.idempotency.MarkRetry(ctx, sc, ctx.Err())
		return ctx.Err()
	}

	if !open {
		// The watch was stopped from outside, which happens when the
		// owner cancelled the transaction. Nothing left to write.
		logger.Info("Settlement watch cancelled", "transaction_id", sj.TransactionID)
		return nil
	}

	prom.IncSettlementPoll(string(sj.Method), pollResult(ev))

	if ev.TimedOut {
		// The rail has not settled yet; redeliver and poll again later.
		err := fmt.Errorf("settlement still pending after %d attempts", p.maxAttempts)
		_ = p.idempotency.MarkRetry(ctx, sc, err)
		return err
	}

	if err := p.applier.ApplySettlement(ctx, sj.TransactionID, ev); err != nil {
		_ = p.idempotency.MarkRetry(ctx, sc, err)
		return err
	}

	if err := p.idempotency.MarkSettled(ctx, sc); err != nil {
		// The status write succeeded; the marker only saves duplicate
		// work, so the job is still done.
		logger.Warn("Failed to write settled marker", "transaction_id", sj.TransactionID, "error", err.Error())
	}
	return nil
}

func pollResult(ev monitor.Event) string {
	switch {
	case ev.TimedOut:
		return "timeout"
	case ev.Err != nil:
		return "error"
	default:
		return string(ev.Status)
	}
}
