package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a transaction does not exist.
	ErrNotFound = errors.New("transaction not found")
	// ErrStaleTransition is returned when a guarded status update loses the
	// race: the row's status is no longer the expected one.
	ErrStaleTransition = errors.New("transaction status changed concurrently")
	// ErrDuplicateReference is returned when the idempotency reference is
	// already bound to another transaction.
	ErrDuplicateReference = errors.New("reference already used")
	// ErrIllegalTransition is returned before any write when the requested
	// from -> to pair is not an edge of the status graph.
	ErrIllegalTransition = errors.New("status transition not allowed")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *model.UnifiedTransaction, reference string) (*model.UnifiedTransaction, error) {
	entity := toTransactionEntity(tx, reference)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	return toTransactionModel(entity), nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*model.UnifiedTransaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Preload("Reviews", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&entity, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// GetByReference resolves an idempotency reference to its transaction.
func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*model.UnifiedTransaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Preload("Reviews", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&entity, "reference = ?", reference).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

func (r *TransactionRepository) List(ctx context.Context, f model.TransactionFilter) ([]*model.UnifiedTransaction, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	if f.Context != nil {
		q = q.Where("context = ?", string(*f.Context))
	}
	if f.TargetID != nil && *f.TargetID != "" {
		q = q.Where("target_id = ?", *f.TargetID)
	}
	if f.InitiatorID != nil && *f.InitiatorID != "" {
		q = q.Where("initiator_id = ?", *f.InitiatorID)
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", typeStrings(f.Types))
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	// Count before pagination
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*TransactionEntity
	err := q.Preload("Reviews", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Order(order).Limit(limit).Offset(offset).Find(&entities).Error
	if err != nil {
		return nil, 0, err
	}

	return toTransactionModels(entities), total, nil
}

// TransitionColumns are the only mutable columns besides status. Amount,
// context, type, and initiator are immutable after creation.
type TransitionColumns struct {
	GatewayRef    *string
	FailureReason *string
	Invoice       *string
}

// UpdateStatus performs the guarded transition write: the pair must be an
// edge of the status graph, and the row only moves when its current status
// still equals from. The first writer to a terminal status wins; losers
// get ErrStaleTransition.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, id string, from, to model.TxStatus, cols TransitionColumns) error {
	if !model.CanTransition(from, to) {
		return ErrIllegalTransition
	}
	updates := map[string]interface{}{"status": string(to)}
	if cols.GatewayRef != nil {
		updates["gateway_ref"] = *cols.GatewayRef
	}
	if cols.FailureReason != nil {
		updates["failure_reason"] = *cols.FailureReason
	}
	if cols.Invoice != nil {
		var entity TransactionEntity
		if err := r.Read(ctx).WithContext(ctx).Select("metadata").First(&entity, "id = ?", id).Error; err == nil {
			updates["metadata"] = withInvoice(entity.Metadata, *cols.Invoice)
		}
	}

	res := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a lost race from a missing row.
		var count int64
		if err := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{}).
			Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

// SetFailureReason records a cosmetic reason on an already-terminal row.
// The status itself is not touched.
func (r *TransactionRepository) SetFailureReason(ctx context.Context, id, reason string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Update("failure_reason", reason).Error
}

func typeStrings(types []model.TxType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func statusStrings(statuses []model.TxStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
