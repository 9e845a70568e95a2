package model

import (
	"time"
)

// TxContext is the business domain a transaction belongs to.
type TxContext string

const (
	ContextPersonal   TxContext = "personal"
	ContextChama      TxContext = "chama"
	ContextMembership TxContext = "membership"
)

// TxType is the kind of money movement.
type TxType string

const (
	TypeDeposit           TxType = "deposit"
	TypeWithdrawal        TxType = "withdrawal"
	TypeTransfer          TxType = "transfer"
	TypeShareOffer        TxType = "share_offer"
	TypeShareSubscription TxType = "share_subscription"
)

// PaymentMethod is the settlement rail a deposit or withdrawal moves over.
type PaymentMethod string

const (
	MethodMobileMoney PaymentMethod = "mobile_money"
	MethodLightning   PaymentMethod = "lightning"
)

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	StatusPending      TxStatus = "pending"
	StatusApproved     TxStatus = "approved"
	StatusProcessing   TxStatus = "processing"
	StatusComplete     TxStatus = "complete"
	StatusFailed       TxStatus = "failed"
	StatusRejected     TxStatus = "rejected"
	StatusCancelled    TxStatus = "cancelled"
	StatusManualReview TxStatus = "manual_review"
)

// ReviewDecision is an admin's verdict on a pending chama withdrawal.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// Review is a single approval decision. Reviews are append-only and exist
// only for chama withdrawals.
type Review struct {
	ReviewerID string         `json:"reviewer_id"`
	Decision   ReviewDecision `json:"decision"`
	Timestamp  time.Time      `json:"timestamp"`
}

// UnifiedTransaction is the canonical record for a money movement across
// the personal, chama, and membership contexts.
type UnifiedTransaction struct {
	ID            string        `json:"id"`
	Context       TxContext     `json:"context"`
	Type          TxType        `json:"type"`
	Status        TxStatus      `json:"status"`
	Amount        Money         `json:"amount"`
	PaymentMethod PaymentMethod `json:"payment_method,omitempty"`
	TargetID      string        `json:"target_id"`
	InitiatorID   string        `json:"initiator_id"`
	// GatewayRef is the backend-side transaction id returned at initiation,
	// used by the settlement monitor for status queries.
	GatewayRef    string    `json:"gateway_ref,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Reviews       []Review  `json:"reviews,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NeedsPaymentMethod reports whether the context/type pairing moves money
// over a rail. Pure share transfers have no rail.
func NeedsPaymentMethod(t TxType) bool {
	return t == TypeDeposit || t == TypeWithdrawal
}

// RequiresApproval reports whether the transaction is gated behind the
// chama admin review workflow instead of settling straight through.
func RequiresApproval(c TxContext, t TxType) bool {
	return c == ContextChama && t == TypeWithdrawal
}

// IsTerminal reports whether no further automated transition happens from s.
// ManualReview is terminal for automation; a human operator resolves it
// outside this subsystem.
func (s TxStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusRejected, StatusCancelled, StatusManualReview:
		return true
	}
	return false
}

// IsCancellable reports whether the owner may still cancel. Once Processing
// begins, the rail owns the outcome.
func (s TxStatus) IsCancellable() bool {
	return s == StatusPending || s == StatusApproved
}

// transitions is the full status graph. Every status write goes through
// CanTransition; there is deliberately no other place that encodes ordering.
var transitions = map[TxStatus][]TxStatus{
	StatusPending:    {StatusProcessing, StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:   {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusComplete, StatusFailed, StatusManualReview},
}

// CanTransition reports whether from -> to is a legal move on the status
// graph. Terminal statuses admit no transition.
func CanTransition(from, to TxStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTypeForContext reports whether the transaction type is offered in
// the given context. Share operations exist only in membership; membership
// has no free-form transfers.
func ValidTypeForContext(c TxContext, t TxType) bool {
	switch c {
	case ContextPersonal:
		return t == TypeDeposit || t == TypeWithdrawal || t == TypeTransfer
	case ContextChama:
		return t == TypeDeposit || t == TypeWithdrawal || t == TypeTransfer
	case ContextMembership:
		return t == TypeDeposit || t == TypeShareOffer || t == TypeShareSubscription
	}
	return false
}
