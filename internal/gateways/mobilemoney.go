package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/pkg/logger"
	"github.com/valyala/fasthttp"
)

// MobileMoneyAdapter initiates STK push requests against the mobile-money
// gateway and normalizes its status responses. The push acknowledgment is
// not settlement; the subscriber still has to enter a PIN, so the terminal
// outcome arrives through polling.
type MobileMoneyAdapter struct {
	client *railClient
}

func NewMobileMoneyAdapter(cfg ClientConfig) (*MobileMoneyAdapter, error) {
	client, err := newRailClient(model.MethodMobileMoney, cfg)
	if err != nil {
		return nil, err
	}
	return &MobileMoneyAdapter{client: client}, nil
}

func (a *MobileMoneyAdapter) Method() model.PaymentMethod {
	return model.MethodMobileMoney
}

type pushRequest struct {
	Reference   string `json:"reference"`
	PhoneNumber string `json:"phone_number"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Direction   string `json:"direction"` // "collect" for deposits, "disburse" for withdrawals
}

type pushResponse struct {
	GatewayRef string `json:"gateway_ref"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	ErrorMsg   string `json:"error_message,omitempty"`
	AcceptedAt string `json:"accepted_at"`
}

func (a *MobileMoneyAdapter) Initiate(ctx context.Context, req *InitiationRequest) (*InitiationResult, error) {
	direction := "collect"
	if req.Type == model.TypeWithdrawal {
		direction = "disburse"
	}

	body, err := json.Marshal(pushRequest{
		Reference:   req.TransactionID,
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount.Amount,
		Currency:    string(req.Amount.Currency),
		Direction:   direction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	status, respBody, err := a.client.doRequest(ctx, "POST", "/api/v1/push", body)
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "circuit open", err)
		}
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "push request failed", err)
	}

	var resp pushResponse
	if decodeErr := json.Unmarshal(respBody, &resp); decodeErr != nil && status < 300 {
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "malformed gateway response", decodeErr)
	}

	if mapped := a.mapHTTPError(status, resp.ErrorCode, resp.ErrorMsg); mapped != nil {
		return nil, mapped
	}

	logger.Info("mobile money push accepted",
		"transaction_id", req.TransactionID,
		"gateway_ref", resp.GatewayRef,
		"amount", req.Amount.String())

	acceptedAt := time.Now()
	if t, perr := time.Parse(time.RFC3339, resp.AcceptedAt); perr == nil {
		acceptedAt = t
	}

	return &InitiationResult{
		GatewayRef: resp.GatewayRef,
		AcceptedAt: acceptedAt,
	}, nil
}

type pushStatusResponse struct {
	GatewayRef string `json:"gateway_ref"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	ErrorMsg   string `json:"error_message,omitempty"`
	SettledAt  string `json:"settled_at,omitempty"`
}

func (a *MobileMoneyAdapter) QueryStatus(ctx context.Context, gatewayRef string) (*StatusResult, error) {
	status, respBody, err := a.client.doRequest(ctx, "GET", "/api/v1/push/status/"+gatewayRef, nil)
	if err != nil {
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "status query failed", err)
	}
	if status != fasthttp.StatusOK {
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable,
			fmt.Sprintf("unexpected status code %d", status), nil)
	}

	var resp pushStatusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "malformed status response", err)
	}

	return normalizePushStatus(gatewayRef, resp), nil
}

// normalizePushStatus maps the gateway's vocabulary onto the unified
// settlement statuses. Unknown strings are ambiguous, never failed: the
// monitor escalates them instead of guessing.
func normalizePushStatus(gatewayRef string, resp pushStatusResponse) *StatusResult {
	result := &StatusResult{GatewayRef: gatewayRef, Reason: resp.ErrorMsg}

	switch resp.Status {
	case "PENDING", "PROCESSING":
		result.Status = SettlementPending
	case "COMPLETED", "DELIVERED":
		result.Status = SettlementComplete
		if t, err := time.Parse(time.RFC3339, resp.SettledAt); err == nil {
			result.SettledAt = &t
		}
	case "FAILED", "CANCELLED", "TIMEOUT":
		result.Status = SettlementFailed
		if result.Reason == "" {
			result.Reason = resp.ErrorCode
		}
	default:
		result.Status = SettlementAmbiguous
		result.Reason = fmt.Sprintf("unmapped gateway status %q", resp.Status)
	}
	return result
}

func (a *MobileMoneyAdapter) mapHTTPError(status int, code, msg string) *AdapterError {
	switch {
	case status == fasthttp.StatusOK || status == fasthttp.StatusAccepted:
		return nil
	case status == fasthttp.StatusBadRequest && code == "INVALID_AMOUNT":
		return newAdapterError(a.Method(), KindInvalidAmount, msg, nil)
	case status == fasthttp.StatusBadRequest && code == "INVALID_MSISDN":
		return newAdapterError(a.Method(), KindInvalidDestination, msg, nil)
	case status == fasthttp.StatusUnprocessableEntity || status == fasthttp.StatusForbidden:
		return newAdapterError(a.Method(), KindGatewayRejected, msg, nil)
	case status >= 500:
		return newAdapterError(a.Method(), KindGatewayUnavailable,
			fmt.Sprintf("gateway returned %d", status), nil)
	default:
		return newAdapterError(a.Method(), KindGatewayRejected,
			fmt.Sprintf("gateway returned %d: %s", status, msg), nil)
	}
}

// Stats exposes the underlying client metrics.
func (a *MobileMoneyAdapter) Stats() RailStats {
	return a.client.Stats()
}
