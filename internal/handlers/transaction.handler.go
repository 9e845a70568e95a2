package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	gateway "github.com/bitsacco/txengine/internal/gateways"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/orchestrator"
	xhttp "github.com/bitsacco/txengine/pkg/http"
)

type TransactionService interface {
	Create(ctx context.Context, req model.CreateRequest) (*model.UnifiedTransaction, error)
	Get(ctx context.Context, id string) (*model.UnifiedTransaction, error)
	List(ctx context.Context, f model.TransactionFilter) ([]*model.UnifiedTransaction, int64, error)
	Cancel(ctx context.Context, id, userID string) (*model.UnifiedTransaction, error)
	Execute(ctx context.Context, id, userID string) (*model.UnifiedTransaction, error)
}
type TransactionHandler struct {
	svc TransactionService
}

func RegisterTransactionRoutes(e *router.Group, h *TransactionHandler) {
	e.POST("/transactions", h.CreateTransaction)
	e.GET("/transactions", h.ListTransactions)
	e.GET("/transactions/{id}", h.GetTransaction)
	e.POST("/transactions/{id}/cancel", h.CancelTransaction)
	e.POST("/transactions/{id}/execute", h.ExecuteTransaction)
}

func NewTransactionHandler(transactionService TransactionService) *TransactionHandler {
	return &TransactionHandler{
		svc: transactionService,
	}
}

type createTransactionRequest struct {
	Context       string         `json:"context"`
	Type          string         `json:"type"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	PaymentMethod string         `json:"payment_method"`
	TargetID      string         `json:"target_id"`
	InitiatorID   string         `json:"initiator_id"`
	Reference     string         `json:"reference"`
	Metadata      model.Metadata `json:"metadata"`
}

type actorRequest struct {
	UserID string `json:"user_id"`
}

type listResponse struct {
	Items []*model.UnifiedTransaction `json:"items"`
	Total int64                       `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *TransactionHandler) CreateTransaction(ctx *xhttp.RequestCtx) {
	var req createTransactionRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	p := model.CreateRequest{
		Context:       model.TxContext(req.Context),
		Type:          model.TxType(req.Type),
		Amount:        model.NewMoney(req.Amount, model.Currency(req.Currency)),
		PaymentMethod: model.PaymentMethod(req.PaymentMethod),
		TargetID:      req.TargetID,
		InitiatorID:   req.InitiatorID,
		Metadata:      req.Metadata,
		Reference:     req.Reference,
	}
	tx, err := h.svc.Create(ctx, p)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 201, tx)
}

func (h *TransactionHandler) GetTransaction(ctx *xhttp.RequestCtx) {
	tx, err := h.svc.Get(ctx, param(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, tx)
}

func (h *TransactionHandler) ListTransactions(ctx *xhttp.RequestCtx) {
	var f model.TransactionFilter

	if v := query(ctx, "context"); v != "" {
		c := model.TxContext(v)
		f.Context = &c
	}
	if v := query(ctx, "target_id"); v != "" {
		f.TargetID = &v
	}
	if v := query(ctx, "initiator_id"); v != "" {
		f.InitiatorID = &v
	}
	if v := query(ctx, "type"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Types = append(f.Types, model.TxType(parts[i]))
			}
		}
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.TxStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listResponse{Items: items, Total: total})
}

func (h *TransactionHandler) CancelTransaction(ctx *xhttp.RequestCtx) {
	var req actorRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(ctx, 400, "user_id is required")
		return
	}
	tx, err := h.svc.Cancel(ctx, param(ctx, "id"), req.UserID)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, tx)
}

func (h *TransactionHandler) ExecuteTransaction(ctx *xhttp.RequestCtx) {
	var req actorRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(ctx, 400, "user_id is required")
		return
	}
	tx, err := h.svc.Execute(ctx, param(ctx, "id"), req.UserID)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, tx)
}

/* -------------------------------- Helpers ------------------------------------ */

// writeServiceError maps orchestrator errors onto HTTP statuses.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	var ve *model.ValidationError
	var ae *gateway.AdapterError
	switch {
	case errors.As(err, &ve):
		writeJSON(ctx, 400, map[string]string{"error": ve.Error(), "field": ve.Field})
	case errors.As(err, &ae):
		writeAdapterError(ctx, ae)
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, orchestrator.ErrNotInitiator):
		writeError(ctx, 403, err.Error())
	case errors.Is(err, orchestrator.ErrNotCancellable),
		errors.Is(err, orchestrator.ErrNotExecutable),
		errors.Is(err, orchestrator.ErrResubmitTooSoon):
		writeError(ctx, 409, err.Error())
	default:
		writeError(ctx, 500, err.Error())
	}
}

// writeAdapterError translates rail failures into the caller's retry
// guidance: bad input is the caller's to fix, a rejection is final, and
// only an unavailable gateway is worth retrying.
func writeAdapterError(ctx *xhttp.RequestCtx, ae *gateway.AdapterError) {
	switch ae.Kind {
	case gateway.KindInvalidAmount:
		writeJSON(ctx, 400, map[string]string{"error": ae.Error(), "field": "amount"})
	case gateway.KindInvalidDestination:
		writeJSON(ctx, 400, map[string]string{"error": ae.Error(), "field": "phone_number"})
	case gateway.KindGatewayRejected:
		writeError(ctx, 422, ae.Error())
	default:
		writeError(ctx, 503, ae.Error())
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func param(ctx *xhttp.RequestCtx, name string) string {
	if v, ok := ctx.UserValue(name).(string); ok {
		return v
	}
	return ""
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
