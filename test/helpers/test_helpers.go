package helpers

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/repository"
	"github.com/bitsacco/txengine/pkg/pg"
	"github.com/bitsacco/txengine/pkg/redis"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.TransactionEntity{},
		&repository.ReviewEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	adapter, err := redis.NewRedisAdapter("test", "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestTransaction(t *testing.T, repo *repository.TransactionRepository, c model.TxContext, txType model.TxType, status model.TxStatus) *model.UnifiedTransaction {
	ctx := context.Background()
	tx := &model.UnifiedTransaction{
		ID:          uuid.New().String(),
		Context:     c,
		Type:        txType,
		Status:      status,
		Amount:      model.NewMoney(50000, model.KES),
		TargetID:    "target-1",
		InitiatorID: "user-1",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if model.NeedsPaymentMethod(txType) {
		tx.PaymentMethod = model.MethodMobileMoney
		tx.Metadata = model.Metadata{
			MobileMoney: &model.MobileMoneyMetadata{PhoneNumber: "+254712345678"},
		}
	}
	created, err := repo.Create(ctx, tx, "")
	require.NoError(t, err)
	return created
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
