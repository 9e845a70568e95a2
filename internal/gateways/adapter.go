package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/bitsacco/txengine/internal/model"
)

// ErrorKind classifies adapter failures by how the orchestrator must react.
type ErrorKind string

const (
	// KindInvalidAmount means the amount is outside the rail's own bounds.
	// Not retryable, surfaced to the caller.
	KindInvalidAmount ErrorKind = "invalid_amount"
	// KindInvalidDestination means a malformed phone number or invoice
	// target. Not retryable.
	KindInvalidDestination ErrorKind = "invalid_destination"
	// KindGatewayUnavailable means a network or backend failure. The
	// orchestrator retries these with bounded backoff.
	KindGatewayUnavailable ErrorKind = "gateway_unavailable"
	// KindGatewayRejected means the backend explicitly declined. Not
	// retryable; the transaction is recorded as failed for audit.
	KindGatewayRejected ErrorKind = "gateway_rejected"
)

// AdapterError is the typed failure of a gateway call.
type AdapterError struct {
	Kind    ErrorKind
	Rail    model.PaymentMethod
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter: %s: %s: %v", e.Rail, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s adapter: %s: %s", e.Rail, e.Kind, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may retry the call.
func (e *AdapterError) Retryable() bool {
	return e.Kind == KindGatewayUnavailable
}

func newAdapterError(rail model.PaymentMethod, kind ErrorKind, msg string, err error) *AdapterError {
	return &AdapterError{Kind: kind, Rail: rail, Message: msg, Err: err}
}

// InitiationRequest carries everything an adapter needs to start a
// rail-specific action: a push request for mobile money, an invoice for
// Lightning.
type InitiationRequest struct {
	TransactionID string
	Context       model.TxContext
	Type          model.TxType
	Amount        model.Money
	// PhoneNumber is set for mobile money only.
	PhoneNumber string
}

// InitiationResult is the initiation acknowledgment. It is not settlement:
// the settlement monitor resolves the terminal outcome later.
type InitiationResult struct {
	// GatewayRef is the backend transaction id used for status polling.
	GatewayRef string
	// Invoice is the BOLT11 string for Lightning, empty for mobile money.
	Invoice string
	// AcceptedAt is the gateway-side acknowledgment time.
	AcceptedAt time.Time
}

// SettlementStatus is the normalized backend view of a transaction.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementComplete SettlementStatus = "complete"
	SettlementFailed   SettlementStatus = "failed"
	// SettlementAmbiguous means the gateway answered with a state the
	// adapter cannot map. The monitor escalates these to manual review.
	SettlementAmbiguous SettlementStatus = "ambiguous"
)

// StatusResult is one normalized status observation.
type StatusResult struct {
	GatewayRef string
	Status     SettlementStatus
	Reason     string
	SettledAt  *time.Time
}

// PaymentAdapter is the per-rail contract. Implementations hold no
// transaction state: the gateway call is the only effect and its result is
// returned, never cached here.
type PaymentAdapter interface {
	Method() model.PaymentMethod
	Initiate(ctx context.Context, req *InitiationRequest) (*InitiationResult, error)
	QueryStatus(ctx context.Context, gatewayRef string) (*StatusResult, error)
}
