package repository

import (
	"context"
	"errors"

	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/pkg/pg"
)

// ErrDuplicateReview is returned when a reviewer already has a decision on
// record for the transaction. The unique index is the last line of defense;
// the approval engine checks before writing.
var ErrDuplicateReview = errors.New("reviewer already decided this transaction")

type ReviewRepository struct {
	*pg.DB
}

func NewReviewRepository(db *pg.DB) *ReviewRepository {
	return &ReviewRepository{
		db,
	}
}

func (r *ReviewRepository) Create(ctx context.Context, txID string, review model.Review) (*model.Review, error) {
	entity := toReviewEntity(txID, review)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReview
		}
		return nil, err
	}

	m := toReviewModel(entity)
	return &m, nil
}

func (r *ReviewRepository) ListByTransaction(ctx context.Context, txID string) ([]model.Review, error) {
	var entities []*ReviewEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("transaction_id = ?", txID).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}

	reviews := make([]model.Review, len(entities))
	for i, e := range entities {
		reviews[i] = toReviewModel(e)
	}
	return reviews, nil
}

// HasReviewed reports whether the reviewer already holds a decision on the
// transaction.
func (r *ReviewRepository) HasReviewed(ctx context.Context, txID, reviewerID string) (bool, error) {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&ReviewEntity{}).
		Where("transaction_id = ? AND reviewer_id = ?", txID, reviewerID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
