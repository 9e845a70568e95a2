package model

import (
	"fmt"
	"time"
)

// ValidationError is returned when a create request fails local checks.
// It is never retried and maps to a field-level message at the surface.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// AmountBounds is the inclusive min/max for one context+rail pairing.
type AmountBounds struct {
	Min int64
	Max int64
}

// Limits holds per-context, per-rail amount bounds, loaded from config.
type Limits struct {
	Bounds map[TxContext]map[PaymentMethod]AmountBounds
}

// BoundsFor returns the bounds for a pairing, or false when the pairing
// has no rail limits (pure share operations and transfers).
func (l Limits) BoundsFor(c TxContext, m PaymentMethod) (AmountBounds, bool) {
	byMethod, ok := l.Bounds[c]
	if !ok {
		return AmountBounds{}, false
	}
	b, ok := byMethod[m]
	return b, ok
}

// CreateRequest is the input for creating a transaction.
type CreateRequest struct {
	Context       TxContext
	Type          TxType
	Amount        Money
	PaymentMethod PaymentMethod
	TargetID      string
	InitiatorID   string
	Metadata      Metadata
	// Reference is an optional client-supplied idempotency key; repeated
	// creates with the same reference return the original transaction.
	Reference string
}

// Validate runs the pure, side-effect-free checks of a create request:
// context/type pairing, metadata shape, rail presence, and amount bounds.
// No adapter is contacted before this passes.
func (r CreateRequest) Validate(limits Limits) error {
	if r.TargetID == "" {
		return NewValidationError("target_id", "is required")
	}
	if r.InitiatorID == "" {
		return NewValidationError("initiator_id", "is required")
	}
	if !ValidTypeForContext(r.Context, r.Type) {
		return NewValidationError("type", fmt.Sprintf("%s is not valid in %s context", r.Type, r.Context))
	}
	if err := r.Amount.Validate(); err != nil {
		return NewValidationError("amount", err.Error())
	}
	if r.Amount.IsZero() {
		return NewValidationError("amount", "must be positive")
	}

	if NeedsPaymentMethod(r.Type) {
		switch r.PaymentMethod {
		case MethodMobileMoney, MethodLightning:
		case "":
			return NewValidationError("payment_method", "is required for deposits and withdrawals")
		default:
			return NewValidationError("payment_method", fmt.Sprintf("unknown method %q", r.PaymentMethod))
		}
		if b, ok := limits.BoundsFor(r.Context, r.PaymentMethod); ok {
			if r.Amount.Amount < b.Min {
				return NewValidationError("amount", fmt.Sprintf("below minimum %d for %s via %s", b.Min, r.Context, r.PaymentMethod))
			}
			if b.Max > 0 && r.Amount.Amount > b.Max {
				return NewValidationError("amount", fmt.Sprintf("above maximum %d for %s via %s", b.Max, r.Context, r.PaymentMethod))
			}
		}
	} else if r.PaymentMethod != "" {
		return NewValidationError("payment_method", "must be absent for share operations and transfers")
	}

	if err := r.Metadata.Validate(r.Context, r.Type, r.PaymentMethod); err != nil {
		return NewValidationError("metadata", err.Error())
	}
	return nil
}

// TransactionFilter controls List queries. A snapshot read only; callers
// wanting live updates subscribe to the settlement monitor instead.
type TransactionFilter struct {
	Context     *TxContext
	TargetID    *string
	InitiatorID *string
	Types       []TxType
	Statuses    []TxStatus
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
	Desc        bool
}
