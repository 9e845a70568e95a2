// Package approval implements the review gate on chama withdrawals.
//
// The rule is a binary threshold, not a quorum: any single qualifying
// Approve moves the transaction to Approved, any single qualifying Reject
// moves it to Rejected. This mirrors how chamas actually operate today
// (one admin signs off) and is a deliberate decision, not a shortcut for
// an N-of-M scheme. Upgrading to a quorum is a stakeholder conversation,
// not a code change to sneak in.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitsacco/txengine/internal/identity"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/repository"
	"github.com/bitsacco/txengine/pkg/logger"
)

var (
	// ErrUnauthorized means the reviewer holds no admin capability on the
	// transaction's chama.
	ErrUnauthorized = errors.New("reviewer is not an administrator of this chama")
	// ErrAlreadyReviewed means this reviewer already submitted a decision
	// for the transaction. State is unchanged.
	ErrAlreadyReviewed = errors.New("reviewer has already decided this transaction")
	// ErrAlreadyDecided means the transaction left Pending via an earlier
	// decisive review. Reviews are frozen after the first decision, even
	// for admins who never voted.
	ErrAlreadyDecided = errors.New("transaction has already been decided")
	// ErrNotReviewable means the transaction is not a chama withdrawal
	// and carries no approval gate.
	ErrNotReviewable = errors.New("transaction does not require approval")
)

// TransactionStore is the slice of the repository the engine needs.
type TransactionStore interface {
	GetByID(ctx context.Context, id string) (*model.UnifiedTransaction, error)
	UpdateStatus(ctx context.Context, id string, from, to model.TxStatus, cols repository.TransitionColumns) error
}

// ReviewStore persists the append-only review trail.
type ReviewStore interface {
	Create(ctx context.Context, txID string, review model.Review) (*model.Review, error)
	HasReviewed(ctx context.Context, txID, reviewerID string) (bool, error)
}

// Locker serializes work per transaction id. The orchestrator's store
// provides it so reviews and settlement writes share one lock.
type Locker interface {
	Lock(id string) (unlock func())
}

type Engine struct {
	txs     TransactionStore
	reviews ReviewStore
	auth    identity.Authorizer
	locks   Locker
}

func NewEngine(txs TransactionStore, reviews ReviewStore, auth identity.Authorizer, locks Locker) *Engine {
	return &Engine{txs: txs, reviews: reviews, auth: auth, locks: locks}
}

// SubmitReview records one admin's decision and applies the binary
// threshold: the first qualifying decision moves the transaction to
// Approved or Rejected. Returns the transaction's status after the call.
func (e *Engine) SubmitReview(ctx context.Context, txID, reviewerID string, decision model.ReviewDecision) (model.TxStatus, error) {
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return "", fmt.Errorf("unknown review decision %q", decision)
	}

	unlock := e.locks.Lock(txID)
	defer unlock()

	tx, err := e.txs.GetByID(ctx, txID)
	if err != nil {
		return "", err
	}
	if !model.RequiresApproval(tx.Context, tx.Type) {
		return tx.Status, ErrNotReviewable
	}

	ok, err := e.auth.Authorize(ctx, reviewerID, identity.CapabilityChamaAdmin, tx.TargetID)
	if err != nil {
		return tx.Status, fmt.Errorf("authorize reviewer %s: %w", reviewerID, err)
	}
	if !ok {
		return tx.Status, ErrUnauthorized
	}

	reviewed, err := e.reviews.HasReviewed(ctx, txID, reviewerID)
	if err != nil {
		return tx.Status, err
	}
	if reviewed {
		return tx.Status, ErrAlreadyReviewed
	}
	if tx.Status != model.StatusPending {
		return tx.Status, ErrAlreadyDecided
	}

	if _, err := e.reviews.Create(ctx, txID, model.Review{
		ReviewerID: reviewerID,
		Decision:   decision,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, repository.ErrDuplicateReview) {
			return tx.Status, ErrAlreadyReviewed
		}
		return tx.Status, err
	}

	next := model.StatusApproved
	if decision == model.DecisionReject {
		next = model.StatusRejected
	}
	if err := e.txs.UpdateStatus(ctx, txID, model.StatusPending, next, repository.TransitionColumns{}); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return tx.Status, ErrAlreadyDecided
		}
		return tx.Status, err
	}

	logger.Info("chama withdrawal decided",
		"transaction_id", txID,
		"reviewer_id", reviewerID,
		"decision", string(decision),
		"status", string(next))
	return next, nil
}
