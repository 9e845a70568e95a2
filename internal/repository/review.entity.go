package repository

import (
	"time"

	"github.com/bitsacco/txengine/internal/model"
)

type ReviewEntity struct {
	ID            int64     `db:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	TransactionID string    `db:"transaction_id" gorm:"column:transaction_id;not null;index;uniqueIndex:idx_review_once,priority:1"`
	ReviewerID    string    `db:"reviewer_id"    gorm:"column:reviewer_id;not null;uniqueIndex:idx_review_once,priority:2"`
	Decision      string    `db:"decision"       gorm:"column:decision;not null"`
	CreatedAt     time.Time `db:"created_at"     gorm:"column:created_at;autoCreateTime"`
}

func (ReviewEntity) TableName() string { return "transaction_reviews" }

func toReviewEntity(txID string, r model.Review) *ReviewEntity {
	return &ReviewEntity{
		TransactionID: txID,
		ReviewerID:    r.ReviewerID,
		Decision:      string(r.Decision),
		CreatedAt:     r.Timestamp,
	}
}

func toReviewModel(e *ReviewEntity) model.Review {
	return model.Review{
		ReviewerID: e.ReviewerID,
		Decision:   model.ReviewDecision(e.Decision),
		Timestamp:  e.CreatedAt,
	}
}
