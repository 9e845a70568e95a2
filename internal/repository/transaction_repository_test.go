package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bitsacco/txengine/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransaction(status model.TxStatus) *model.UnifiedTransaction {
	now := time.Now().UTC()
	return &model.UnifiedTransaction{
		ID:            uuid.NewString(),
		Context:       model.ContextPersonal,
		Type:          model.TypeDeposit,
		Status:        status,
		Amount:        model.NewMoney(500, model.KES),
		PaymentMethod: model.MethodMobileMoney,
		TargetID:      "wallet-1",
		InitiatorID:   "user-1",
		Metadata: model.Metadata{
			MobileMoney: &model.MobileMoneyMetadata{PhoneNumber: "+254712345678"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestTransactionRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	tx := newTestTransaction(model.StatusPending)
	created, err := repo.Create(ctx, tx, "")
	require.NoError(t, err)
	require.NotNil(t, created)

	got, err := repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, model.ContextPersonal, got.Context)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, int64(500), got.Amount.Amount)
	assert.Equal(t, model.KES, got.Amount.Currency)
	require.NotNil(t, got.Metadata.MobileMoney)
	assert.Equal(t, "+254712345678", got.Metadata.MobileMoney.PhoneNumber)
	assert.Empty(t, got.Reviews)
}

func TestTransactionRepository_GetByID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)

	_, err := repo.GetByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionRepository_Reference_Idempotency(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	first := newTestTransaction(model.StatusPending)
	_, err := repo.Create(ctx, first, "client-ref-1")
	require.NoError(t, err)

	second := newTestTransaction(model.StatusPending)
	_, err = repo.Create(ctx, second, "client-ref-1")
	assert.ErrorIs(t, err, ErrDuplicateReference)

	got, err := repo.GetByReference(ctx, "client-ref-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestTransactionRepository_UpdateStatus_Guarded(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	tx := newTestTransaction(model.StatusPending)
	_, err := repo.Create(ctx, tx, "")
	require.NoError(t, err)

	ref := "mm-gw-1"
	err = repo.UpdateStatus(ctx, tx.ID, model.StatusPending, model.StatusProcessing, TransitionColumns{GatewayRef: &ref})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, "mm-gw-1", got.GatewayRef)

	// Losing writer: expected status no longer matches.
	err = repo.UpdateStatus(ctx, tx.ID, model.StatusPending, model.StatusCancelled, TransitionColumns{})
	assert.ErrorIs(t, err, ErrStaleTransition)

	// Missing row is not a stale transition.
	err = repo.UpdateStatus(ctx, uuid.NewString(), model.StatusPending, model.StatusProcessing, TransitionColumns{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionRepository_UpdateStatus_RejectsOffGraphPairs(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	tx := newTestTransaction(model.StatusApproved)
	_, err := repo.Create(ctx, tx, "")
	require.NoError(t, err)

	for _, pair := range []struct{ from, to model.TxStatus }{
		{model.StatusApproved, model.StatusFailed},
		{model.StatusPending, model.StatusComplete},
		{model.StatusComplete, model.StatusProcessing},
		{model.StatusCancelled, model.StatusPending},
	} {
		err := repo.UpdateStatus(ctx, tx.ID, pair.from, pair.to, TransitionColumns{})
		assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", pair.from, pair.to)
	}

	got, err := repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status, "no illegal pair may touch the row")
}

func TestTransactionRepository_UpdateStatus_StoresInvoice(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	tx := newTestTransaction(model.StatusPending)
	tx.PaymentMethod = model.MethodLightning
	tx.Amount = model.NewMoney(2100, model.SAT)
	tx.Metadata = model.Metadata{Lightning: &model.LightningMetadata{}}
	_, err := repo.Create(ctx, tx, "")
	require.NoError(t, err)

	invoice := "lnbc21u1pate5tpp5"
	err = repo.UpdateStatus(ctx, tx.ID, model.StatusPending, model.StatusProcessing, TransitionColumns{Invoice: &invoice})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Metadata.Lightning)
	assert.Equal(t, invoice, got.Metadata.Lightning.Invoice)
}

func TestTransactionRepository_List_Filters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	pending := newTestTransaction(model.StatusPending)
	_, err := repo.Create(ctx, pending, "")
	require.NoError(t, err)

	complete := newTestTransaction(model.StatusComplete)
	complete.TargetID = "wallet-2"
	_, err = repo.Create(ctx, complete, "")
	require.NoError(t, err)

	chamaTx := newTestTransaction(model.StatusPending)
	chamaTx.Context = model.ContextChama
	chamaTx.Type = model.TypeWithdrawal
	chamaTx.TargetID = "chama-1"
	_, err = repo.Create(ctx, chamaTx, "")
	require.NoError(t, err)

	t.Run("by context", func(t *testing.T) {
		c := model.ContextChama
		items, total, err := repo.List(ctx, model.TransactionFilter{Context: &c})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, items, 1)
		assert.Equal(t, chamaTx.ID, items[0].ID)
	})

	t.Run("by status", func(t *testing.T) {
		items, total, err := repo.List(ctx, model.TransactionFilter{
			Statuses: []model.TxStatus{model.StatusPending},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		assert.Len(t, items, 2)
	})

	t.Run("by target", func(t *testing.T) {
		target := "wallet-2"
		items, total, err := repo.List(ctx, model.TransactionFilter{TargetID: &target})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, items, 1)
		assert.Equal(t, complete.ID, items[0].ID)
	})

	t.Run("by type and status", func(t *testing.T) {
		items, _, err := repo.List(ctx, model.TransactionFilter{
			Types:    []model.TxType{model.TypeWithdrawal},
			Statuses: []model.TxStatus{model.StatusPending},
		})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, chamaTx.ID, items[0].ID)
	})

	t.Run("date range excludes future window", func(t *testing.T) {
		from := time.Now().Add(time.Hour)
		_, total, err := repo.List(ctx, model.TransactionFilter{From: &from})
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	})
}

func TestTransactionRepository_SetFailureReason(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTransactionRepository(db.DB)
	ctx := context.Background()

	tx := newTestTransaction(model.StatusFailed)
	_, err := repo.Create(ctx, tx, "")
	require.NoError(t, err)

	require.NoError(t, repo.SetFailureReason(ctx, tx.ID, "gateway declined"))

	got, err := repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "gateway declined", got.FailureReason)
}
