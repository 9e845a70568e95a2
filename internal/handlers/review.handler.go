package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/bitsacco/txengine/internal/approval"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/orchestrator"
	"github.com/bitsacco/txengine/internal/repository"
	xhttp "github.com/bitsacco/txengine/pkg/http"
)

type ReviewService interface {
	SubmitReview(ctx context.Context, txID, reviewerID string, decision model.ReviewDecision) (model.TxStatus, error)
}

type PendingReviewLister interface {
	ListPendingReviews(ctx context.Context, reviewerID, chamaID string) ([]*model.UnifiedTransaction, int64, error)
}

type ReviewHandler struct {
	svc     ReviewService
	pending PendingReviewLister
}

func RegisterReviewRoutes(e *router.Group, h *ReviewHandler) {
	e.POST("/transactions/{id}/reviews", h.SubmitReview)
	e.GET("/reviews/pending", h.ListPendingReviews)
}

func NewReviewHandler(reviewService ReviewService, pending PendingReviewLister) *ReviewHandler {
	return &ReviewHandler{
		svc:     reviewService,
		pending: pending,
	}
}

type submitReviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision"`
}

type submitReviewResponse struct {
	TransactionID string         `json:"transaction_id"`
	Status        model.TxStatus `json:"status"`
}

func (h *ReviewHandler) SubmitReview(ctx *xhttp.RequestCtx) {
	var req submitReviewRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.ReviewerID == "" {
		writeError(ctx, 400, "reviewer_id is required")
		return
	}
	txID := param(ctx, "id")
	status, err := h.svc.SubmitReview(ctx, txID, req.ReviewerID, model.ReviewDecision(req.Decision))
	if err != nil {
		writeReviewError(ctx, err)
		return
	}
	writeJSON(ctx, 200, submitReviewResponse{TransactionID: txID, Status: status})
}

// ListPendingReviews is reviewer-scoped: only chamas where the reviewer
// holds the admin capability appear, so callers cannot enumerate another
// chama's pending withdrawals.
func (h *ReviewHandler) ListPendingReviews(ctx *xhttp.RequestCtx) {
	reviewerID := query(ctx, "reviewer_id")
	if reviewerID == "" {
		writeError(ctx, 400, "reviewer_id is required")
		return
	}
	items, total, err := h.pending.ListPendingReviews(ctx, reviewerID, query(ctx, "chama_id"))
	if err != nil {
		writeReviewError(ctx, err)
		return
	}
	writeJSON(ctx, 200, listResponse{Items: items, Total: total})
}

func writeReviewError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, approval.ErrUnauthorized),
		errors.Is(err, orchestrator.ErrUnauthorized):
		writeError(ctx, 403, err.Error())
	case errors.Is(err, approval.ErrAlreadyReviewed),
		errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, approval.ErrNotReviewable):
		writeError(ctx, 409, err.Error())
	default:
		writeError(ctx, 400, err.Error())
	}
}
