package repository

import (
	"encoding/json"
	"time"

	"github.com/bitsacco/txengine/internal/model"
)

type TransactionEntity struct {
	ID            string          `db:"id"             gorm:"primaryKey;column:id;type:uuid"`
	Context       string          `db:"context"        gorm:"column:context;not null;index"`
	Type          string          `db:"type"           gorm:"column:type;not null;index"`
	Status        string          `db:"status"         gorm:"column:status;not null;index"`
	Amount        int64           `db:"amount"         gorm:"column:amount;not null"`
	Currency      string          `db:"currency"       gorm:"column:currency;not null"`
	PaymentMethod string          `db:"payment_method" gorm:"column:payment_method"`
	TargetID      string          `db:"target_id"      gorm:"column:target_id;not null;index"`
	InitiatorID   string          `db:"initiator_id"   gorm:"column:initiator_id;not null;index"`
	GatewayRef    string          `db:"gateway_ref"    gorm:"column:gateway_ref;index"`
	FailureReason string          `db:"failure_reason" gorm:"column:failure_reason"`
	Reference     *string         `db:"reference"      gorm:"column:reference;uniqueIndex"`
	Metadata      string          `db:"metadata"       gorm:"column:metadata;type:text"`
	Reviews       []*ReviewEntity `gorm:"foreignKey:TransactionID"`
	CreatedAt     time.Time       `db:"created_at"     gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time       `db:"updated_at"     gorm:"column:updated_at;autoUpdateTime"`
}

func (TransactionEntity) TableName() string { return "transactions" }

func toTransactionEntity(tx *model.UnifiedTransaction, reference string) *TransactionEntity {
	if tx == nil {
		return nil
	}
	meta, _ := json.Marshal(tx.Metadata)
	e := &TransactionEntity{
		ID:            tx.ID,
		Context:       string(tx.Context),
		Type:          string(tx.Type),
		Status:        string(tx.Status),
		Amount:        tx.Amount.Amount,
		Currency:      string(tx.Amount.Currency),
		PaymentMethod: string(tx.PaymentMethod),
		TargetID:      tx.TargetID,
		InitiatorID:   tx.InitiatorID,
		GatewayRef:    tx.GatewayRef,
		FailureReason: tx.FailureReason,
		Metadata:      string(meta),
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}
	if reference != "" {
		e.Reference = &reference
	}
	return e
}

func toTransactionModel(e *TransactionEntity) *model.UnifiedTransaction {
	if e == nil {
		return nil
	}
	tx := &model.UnifiedTransaction{
		ID:            e.ID,
		Context:       model.TxContext(e.Context),
		Type:          model.TxType(e.Type),
		Status:        model.TxStatus(e.Status),
		Amount:        model.NewMoney(e.Amount, model.Currency(e.Currency)),
		PaymentMethod: model.PaymentMethod(e.PaymentMethod),
		TargetID:      e.TargetID,
		InitiatorID:   e.InitiatorID,
		GatewayRef:    e.GatewayRef,
		FailureReason: e.FailureReason,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.Metadata != "" {
		_ = json.Unmarshal([]byte(e.Metadata), &tx.Metadata)
	}
	for _, r := range e.Reviews {
		tx.Reviews = append(tx.Reviews, toReviewModel(r))
	}
	return tx
}

// withInvoice fills the lightning invoice into a stored metadata blob once
// the adapter has issued it.
func withInvoice(metadata, invoice string) string {
	var m model.Metadata
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &m)
	}
	if m.Lightning == nil {
		m.Lightning = &model.LightningMetadata{}
	}
	m.Lightning.Invoice = invoice
	out, _ := json.Marshal(m)
	return string(out)
}

func toTransactionModels(entities []*TransactionEntity) []*model.UnifiedTransaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.UnifiedTransaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
