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

// LightningAdapter requests BOLT11 invoices from the Lightning gateway for
// deposits, dispatches payments for withdrawals, and normalizes invoice
// state for the settlement monitor. Whether an invoice is ever paid is
// entirely up to the payer, so a pending invoice is not a failure.
type LightningAdapter struct {
	client *railClient
}

func NewLightningAdapter(cfg ClientConfig) (*LightningAdapter, error) {
	client, err := newRailClient(model.MethodLightning, cfg)
	if err != nil {
		return nil, err
	}
	return &LightningAdapter{client: client}, nil
}

func (a *LightningAdapter) Method() model.PaymentMethod {
	return model.MethodLightning
}

type invoiceRequest struct {
	Reference  string `json:"reference"`
	AmountSats int64  `json:"amount_sats"`
	Memo       string `json:"memo,omitempty"`
	Direction  string `json:"direction"`
}

type invoiceResponse struct {
	GatewayRef string `json:"gateway_ref"`
	Invoice    string `json:"invoice"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	ErrorMsg   string `json:"error_message,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func (a *LightningAdapter) Initiate(ctx context.Context, req *InitiationRequest) (*InitiationResult, error) {
	direction := "receive"
	if req.Type == model.TypeWithdrawal {
		direction = "send"
	}

	body, err := json.Marshal(invoiceRequest{
		Reference:  req.TransactionID,
		AmountSats: req.Amount.Amount,
		Memo:       fmt.Sprintf("%s %s", req.Context, req.Type),
		Direction:  direction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice request: %w", err)
	}

	status, respBody, err := a.client.doRequest(ctx, "POST", "/api/v1/invoices", body)
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "circuit open", err)
		}
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "invoice request failed", err)
	}

	var resp invoiceResponse
	if decodeErr := json.Unmarshal(respBody, &resp); decodeErr != nil && status < 300 {
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "malformed gateway response", decodeErr)
	}

	if mapped := a.mapHTTPError(status, resp.ErrorCode, resp.ErrorMsg); mapped != nil {
		return nil, mapped
	}
	if resp.Invoice == "" {
		return nil, newAdapterError(a.Method(), KindGatewayRejected, "gateway returned no invoice", nil)
	}

	logger.Info("lightning invoice issued",
		"transaction_id", req.TransactionID,
		"gateway_ref", resp.GatewayRef,
		"amount_sats", req.Amount.Amount)

	acceptedAt := time.Now()
	if t, perr := time.Parse(time.RFC3339, resp.CreatedAt); perr == nil {
		acceptedAt = t
	}

	return &InitiationResult{
		GatewayRef: resp.GatewayRef,
		Invoice:    resp.Invoice,
		AcceptedAt: acceptedAt,
	}, nil
}

type invoiceStatusResponse struct {
	GatewayRef string `json:"gateway_ref"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	ErrorMsg   string `json:"error_message,omitempty"`
	SettledAt  string `json:"settled_at,omitempty"`
}

func (a *LightningAdapter) QueryStatus(ctx context.Context, gatewayRef string) (*StatusResult, error) {
	status, respBody, err := a.client.doRequest(ctx, "GET", "/api/v1/invoices/"+gatewayRef, nil)
	if err != nil {
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "status query failed", err)
	}
	if status != fasthttp.StatusOK {
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable,
			fmt.Sprintf("unexpected status code %d", status), nil)
	}

	var resp invoiceStatusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, newAdapterError(a.Method(), KindGatewayUnavailable, "malformed status response", err)
	}

	return normalizeInvoiceStatus(gatewayRef, resp), nil
}

// normalizeInvoiceStatus maps invoice states onto the unified settlement
// vocabulary. An open, unpaid invoice stays pending: the payer may simply
// not have paid yet.
func normalizeInvoiceStatus(gatewayRef string, resp invoiceStatusResponse) *StatusResult {
	result := &StatusResult{GatewayRef: gatewayRef, Reason: resp.ErrorMsg}

	switch resp.Status {
	case "OPEN", "UNPAID", "IN_FLIGHT":
		result.Status = SettlementPending
	case "SETTLED", "PAID":
		result.Status = SettlementComplete
		if t, err := time.Parse(time.RFC3339, resp.SettledAt); err == nil {
			result.SettledAt = &t
		}
	case "EXPIRED", "CANCELLED", "FAILED":
		result.Status = SettlementFailed
		if result.Reason == "" {
			result.Reason = resp.ErrorCode
		}
	default:
		result.Status = SettlementAmbiguous
		result.Reason = fmt.Sprintf("unmapped invoice status %q", resp.Status)
	}
	return result
}

func (a *LightningAdapter) mapHTTPError(status int, code, msg string) *AdapterError {
	switch {
	case status == fasthttp.StatusOK || status == fasthttp.StatusCreated || status == fasthttp.StatusAccepted:
		return nil
	case status == fasthttp.StatusBadRequest && code == "INVALID_AMOUNT":
		return newAdapterError(a.Method(), KindInvalidAmount, msg, nil)
	case status == fasthttp.StatusBadRequest:
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
func (a *LightningAdapter) Stats() RailStats {
	return a.client.Stats()
}
