// Package orchestrator owns transaction lifecycles: creation, listing,
// cancellation, post-approval execution, and the application of
// settlement outcomes. All status writes for a given transaction pass
// through one keyed lock plus the repository's guarded update, so the
// first writer of a terminal status wins and later writers observe a
// stale transition instead of clobbering it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/bitsacco/txengine/internal/gateways"
	"github.com/bitsacco/txengine/internal/identity"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/monitor"
	"github.com/bitsacco/txengine/internal/repository"
	"github.com/bitsacco/txengine/pkg/logger"
	"github.com/bitsacco/txengine/pkg/prom"
	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("transaction not found")
	ErrNotInitiator   = errors.New("only the initiator may perform this action")
	ErrNotCancellable = errors.New("transaction can no longer be cancelled")
	// ErrUnauthorized means the caller lacks the capability the read or
	// write requires on the target entity.
	ErrUnauthorized = errors.New("caller lacks the required capability")
	// ErrNotExecutable means execute was called on a transaction that is
	// not sitting in Approved.
	ErrNotExecutable = errors.New("transaction is not approved for execution")
	// ErrResubmitTooSoon applies only when a resubmit cooldown is
	// configured for rejected chama withdrawals.
	ErrResubmitTooSoon = errors.New("a recently rejected identical withdrawal blocks resubmission")
)

// TransactionStore is the repository slice the orchestrator needs.
type TransactionStore interface {
	Create(ctx context.Context, tx *model.UnifiedTransaction, reference string) (*model.UnifiedTransaction, error)
	GetByID(ctx context.Context, id string) (*model.UnifiedTransaction, error)
	GetByReference(ctx context.Context, reference string) (*model.UnifiedTransaction, error)
	List(ctx context.Context, f model.TransactionFilter) ([]*model.UnifiedTransaction, int64, error)
	UpdateStatus(ctx context.Context, id string, from, to model.TxStatus, cols repository.TransitionColumns) error
	SetFailureReason(ctx context.Context, id, reason string) error
}

// SettlementPublisher hands settlement jobs to the worker fleet.
type SettlementPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// SettlementJob is the queue payload consumed by the settlement workers.
type SettlementJob struct {
	TransactionID string              `json:"transaction_id"`
	Method        model.PaymentMethod `json:"method"`
	GatewayRef    string              `json:"gateway_ref"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
}

// Options carries the orchestration tunables resolved from config.
type Options struct {
	Limits model.Limits
	// MaxInitiationRetries bounds retries of a gateway-unavailable
	// initiation before the error is returned to the caller.
	MaxInitiationRetries int
	InitiationRetryDelay time.Duration
	// ResubmitCooldown, when positive, blocks an initiator from
	// resubmitting a chama withdrawal for the same chama within the
	// window after a rejection. Zero disables the check.
	ResubmitCooldown time.Duration
	// Auth answers reviewer capability checks for pending-review
	// listings. Processes that never serve those reads leave it nil.
	Auth identity.Authorizer
}

type Orchestrator struct {
	repo     TransactionStore
	adapters map[model.PaymentMethod]gateway.PaymentAdapter
	queue    SettlementPublisher
	monitor  *monitor.Monitor
	auth     identity.Authorizer
	locks    *KeyedLock
	opts     Options
}

// New builds an orchestrator. queue and mon may be nil in processes that
// only read or only apply settlement outcomes.
func New(repo TransactionStore, adapters map[model.PaymentMethod]gateway.PaymentAdapter, queue SettlementPublisher, mon *monitor.Monitor, opts Options) *Orchestrator {
	if opts.MaxInitiationRetries < 0 {
		opts.MaxInitiationRetries = 0
	}
	if opts.InitiationRetryDelay <= 0 {
		opts.InitiationRetryDelay = 500 * time.Millisecond
	}
	return &Orchestrator{
		repo:     repo,
		adapters: adapters,
		queue:    queue,
		monitor:  mon,
		auth:     opts.Auth,
		locks:    NewKeyedLock(),
		opts:     opts,
	}
}

// Locks exposes the per-transaction lock so the approval engine shares it.
func (o *Orchestrator) Locks() *KeyedLock { return o.locks }

// Create validates the request, persists the transaction, and for flows
// without an approval gate immediately initiates the rail action. A
// request with a reference already seen returns the original transaction
// unchanged.
func (o *Orchestrator) Create(ctx context.Context, req model.CreateRequest) (*model.UnifiedTransaction, error) {
	if err := req.Validate(o.opts.Limits); err != nil {
		return nil, err
	}

	if req.Reference != "" {
		if existing, err := o.repo.GetByReference(ctx, req.Reference); err == nil {
			return existing, nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	if err := o.checkResubmitCooldown(ctx, req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx := &model.UnifiedTransaction{
		ID:            uuid.NewString(),
		Context:       req.Context,
		Type:          req.Type,
		Status:        model.StatusPending,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		TargetID:      req.TargetID,
		InitiatorID:   req.InitiatorID,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := o.repo.Create(ctx, tx, req.Reference)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateReference) && req.Reference != "" {
			// Lost a create race on the same reference: the winner's row
			// is the transaction.
			return o.repo.GetByReference(ctx, req.Reference)
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	prom.IncTransactionTotal(string(created.Context), string(created.Type), string(created.Status))
	logger.Info("transaction created",
		"transaction_id", created.ID,
		"context", string(created.Context),
		"type", string(created.Type),
		"amount", created.Amount.String())

	if model.RequiresApproval(created.Context, created.Type) {
		// Chama withdrawals wait in Pending for an admin decision; the
		// rail is only touched at execute time.
		return created, nil
	}
	if !model.NeedsPaymentMethod(created.Type) {
		// Share operations and internal transfers settle on the books,
		// not on a rail.
		return o.completeInternal(ctx, created)
	}

	return o.initiate(ctx, created, model.StatusPending)
}

// Get returns one transaction with its review trail.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.UnifiedTransaction, error) {
	tx, err := o.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return tx, err
}

// List returns a filtered snapshot plus the unpaginated total.
func (o *Orchestrator) List(ctx context.Context, f model.TransactionFilter) ([]*model.UnifiedTransaction, int64, error) {
	return o.repo.List(ctx, f)
}

// ListPendingReviews returns chama withdrawals awaiting the reviewer's
// decision. Only chamas where the reviewer holds the admin capability are
// visible; a chamaID narrows the listing to that one chama and fails with
// ErrUnauthorized when the reviewer is not its admin.
func (o *Orchestrator) ListPendingReviews(ctx context.Context, reviewerID, chamaID string) ([]*model.UnifiedTransaction, int64, error) {
	if o.auth == nil {
		return nil, 0, errors.New("pending review listing requires an authorizer")
	}

	chama := model.ContextChama
	f := model.TransactionFilter{
		Context:  &chama,
		Types:    []model.TxType{model.TypeWithdrawal},
		Statuses: []model.TxStatus{model.StatusPending},
		Desc:     false,
	}

	if chamaID != "" {
		ok, err := o.auth.Authorize(ctx, reviewerID, identity.CapabilityChamaAdmin, chamaID)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, ErrUnauthorized
		}
		f.TargetID = &chamaID
		return o.repo.List(ctx, f)
	}

	items, _, err := o.repo.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	allowed := make(map[string]bool)
	visible := make([]*model.UnifiedTransaction, 0, len(items))
	for _, tx := range items {
		ok, seen := allowed[tx.TargetID]
		if !seen {
			ok, err = o.auth.Authorize(ctx, reviewerID, identity.CapabilityChamaAdmin, tx.TargetID)
			if err != nil {
				return nil, 0, err
			}
			allowed[tx.TargetID] = ok
		}
		if ok {
			visible = append(visible, tx)
		}
	}
	return visible, int64(len(visible)), nil
}

// Cancel stops a transaction that has not reached a rail yet. Only the
// initiator may cancel, and only from Pending or Approved. Any active
// settlement watch for the id is stopped.
func (o *Orchestrator) Cancel(ctx context.Context, id, userID string) (*model.UnifiedTransaction, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	tx, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.InitiatorID != userID {
		return nil, ErrNotInitiator
	}
	if !tx.Status.IsCancellable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, tx.Status)
	}

	if err := o.repo.UpdateStatus(ctx, id, tx.Status, model.StatusCancelled, repository.TransitionColumns{}); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return nil, fmt.Errorf("%w: transaction moved concurrently", ErrNotCancellable)
		}
		return nil, err
	}
	if o.monitor != nil {
		o.monitor.Stop(id)
	}
	prom.IncTransactionTotal(string(tx.Context), string(tx.Type), string(model.StatusCancelled))
	logger.Info("transaction cancelled", "transaction_id", id, "previous_status", string(tx.Status))
	return o.Get(ctx, id)
}

// Execute moves an approved chama withdrawal onto its rail. It is the
// deliberate confirm-after-approval step: approval alone never moves
// funds, and only the original initiator may trigger it.
func (o *Orchestrator) Execute(ctx context.Context, id, userID string) (*model.UnifiedTransaction, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	tx, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.InitiatorID != userID {
		return nil, ErrNotInitiator
	}
	if tx.Status != model.StatusApproved {
		return nil, fmt.Errorf("%w: status %s", ErrNotExecutable, tx.Status)
	}

	return o.initiate(ctx, tx, model.StatusApproved)
}

// ApplySettlement maps a monitor event onto the transaction's status.
// Workers call this after a poll loop resolves; a lost race against a
// cancel or another worker is logged and swallowed because the earlier
// terminal write is authoritative.
func (o *Orchestrator) ApplySettlement(ctx context.Context, txID string, ev monitor.Event) error {
	unlock := o.locks.Lock(txID)
	defer unlock()

	tx, err := o.Get(ctx, txID)
	if err != nil {
		return err
	}

	var to model.TxStatus
	reason := ev.Reason
	switch {
	case ev.TimedOut:
		// The rail may still settle; status stays as observed and a
		// later poll run picks it up.
		logger.Warn("settlement polling exhausted attempts",
			"transaction_id", txID, "status", string(tx.Status))
		return nil
	case ev.Err != nil:
		to = model.StatusManualReview
		reason = ev.Err.Error()
	case ev.Status == gateway.SettlementComplete:
		to = model.StatusComplete
	case ev.Status == gateway.SettlementFailed:
		to = model.StatusFailed
	case ev.Status == gateway.SettlementAmbiguous:
		to = model.StatusManualReview
	default:
		return fmt.Errorf("settlement event for %s carries no outcome", txID)
	}

	cols := repository.TransitionColumns{}
	if reason != "" && to != model.StatusComplete {
		cols.FailureReason = &reason
	}
	if err := o.repo.UpdateStatus(ctx, txID, model.StatusProcessing, to, cols); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			logger.Warn("settlement outcome lost the terminal race",
				"transaction_id", txID, "attempted", string(to), "current", string(tx.Status))
			return nil
		}
		return err
	}

	prom.IncTransactionTotal(string(tx.Context), string(tx.Type), string(to))
	prom.IncSettlementOutcome(string(tx.PaymentMethod), string(to))
	if to == model.StatusComplete {
		prom.ObserveSettlementDuration(time.Since(tx.CreatedAt).Seconds(), string(tx.PaymentMethod))
	}
	logger.Info("settlement applied",
		"transaction_id", txID,
		"status", string(to),
		"reason", reason)
	return nil
}

// completeInternal settles book-only operations (share purchases and
// transfers) without touching a rail.
func (o *Orchestrator) completeInternal(ctx context.Context, tx *model.UnifiedTransaction) (*model.UnifiedTransaction, error) {
	if err := o.repo.UpdateStatus(ctx, tx.ID, model.StatusPending, model.StatusProcessing, repository.TransitionColumns{}); err != nil {
		return nil, err
	}
	if err := o.repo.UpdateStatus(ctx, tx.ID, model.StatusProcessing, model.StatusComplete, repository.TransitionColumns{}); err != nil {
		return nil, err
	}
	prom.IncTransactionTotal(string(tx.Context), string(tx.Type), string(model.StatusComplete))
	return o.Get(ctx, tx.ID)
}

// initiate performs the rail call with bounded retries for unavailable
// gateways, records the gateway reference, and queues the settlement job.
func (o *Orchestrator) initiate(ctx context.Context, tx *model.UnifiedTransaction, from model.TxStatus) (*model.UnifiedTransaction, error) {
	adapter, ok := o.adapters[tx.PaymentMethod]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for rail %q", tx.PaymentMethod)
	}

	req := &gateway.InitiationRequest{
		TransactionID: tx.ID,
		Context:       tx.Context,
		Type:          tx.Type,
		Amount:        tx.Amount,
	}
	if tx.Metadata.MobileMoney != nil {
		req.PhoneNumber = tx.Metadata.MobileMoney.PhoneNumber
	}

	res, err := o.initiateWithRetry(ctx, adapter, req)
	if err != nil {
		var ae *gateway.AdapterError
		if errors.As(err, &ae) && !ae.Retryable() {
			// The rail gave a definitive no. Record the failure for the
			// audit trail instead of leaving a dangling pending row. The
			// row steps through Processing so the move stays on the
			// status graph.
			reason := ae.Message
			if upErr := o.repo.UpdateStatus(ctx, tx.ID, from, model.StatusProcessing, repository.TransitionColumns{}); upErr != nil {
				logger.Error("failed to record rejected initiation",
					"transaction_id", tx.ID, "error", upErr.Error())
			} else if upErr := o.repo.UpdateStatus(ctx, tx.ID, model.StatusProcessing, model.StatusFailed, repository.TransitionColumns{FailureReason: &reason}); upErr != nil {
				logger.Error("failed to record rejected initiation",
					"transaction_id", tx.ID, "error", upErr.Error())
			}
			prom.IncTransactionTotal(string(tx.Context), string(tx.Type), string(model.StatusFailed))
			return nil, err
		}
		// Unavailable after retries: the row stays where it was so the
		// caller can retry via the same idempotency reference.
		return nil, err
	}

	cols := repository.TransitionColumns{GatewayRef: &res.GatewayRef}
	if res.Invoice != "" {
		cols.Invoice = &res.Invoice
	}
	if err := o.repo.UpdateStatus(ctx, tx.ID, from, model.StatusProcessing, cols); err != nil {
		return nil, fmt.Errorf("record initiation for %s: %w", tx.ID, err)
	}
	prom.IncTransactionTotal(string(tx.Context), string(tx.Type), string(model.StatusProcessing))

	if o.queue != nil {
		job := SettlementJob{
			TransactionID: tx.ID,
			Method:        tx.PaymentMethod,
			GatewayRef:    res.GatewayRef,
			EnqueuedAt:    time.Now().UTC(),
		}
		if _, err := o.queue.PublishJSON(ctx, job, nil); err != nil {
			// The job is recoverable: a sweep over processing rows can
			// re-enqueue. Surface it in logs, not to the caller.
			logger.Error("failed to enqueue settlement job",
				"transaction_id", tx.ID, "error", err.Error())
		}
	}

	logger.Info("rail initiation accepted",
		"transaction_id", tx.ID,
		"rail", string(tx.PaymentMethod),
		"gateway_ref", res.GatewayRef)
	return o.Get(ctx, tx.ID)
}

func (o *Orchestrator) initiateWithRetry(ctx context.Context, adapter gateway.PaymentAdapter, req *gateway.InitiationRequest) (*gateway.InitiationResult, error) {
	var lastErr error
	for attempt := 0; attempt <= o.opts.MaxInitiationRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.opts.InitiationRetryDelay):
			}
		}
		res, err := adapter.Initiate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var ae *gateway.AdapterError
		if errors.As(err, &ae) && !ae.Retryable() {
			return nil, err
		}
		logger.Warn("rail initiation retry",
			"transaction_id", req.TransactionID,
			"attempt", attempt+1,
			"error", err.Error())
	}
	return nil, lastErr
}

func (o *Orchestrator) checkResubmitCooldown(ctx context.Context, req model.CreateRequest) error {
	if o.opts.ResubmitCooldown <= 0 || !model.RequiresApproval(req.Context, req.Type) {
		return nil
	}
	since := time.Now().Add(-o.opts.ResubmitCooldown)
	chama := model.ContextChama
	rejected, _, err := o.repo.List(ctx, model.TransactionFilter{
		Context:     &chama,
		TargetID:    &req.TargetID,
		InitiatorID: &req.InitiatorID,
		Types:       []model.TxType{model.TypeWithdrawal},
		Statuses:    []model.TxStatus{model.StatusRejected},
		From:        &since,
		Limit:       1,
	})
	if err != nil {
		return err
	}
	if len(rejected) > 0 {
		return ErrResubmitTooSoon
	}
	return nil
}
