package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/bitsacco/txengine/internal/gateways"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/monitor"
	"github.com/bitsacco/txengine/internal/orchestrator"
	"github.com/bitsacco/txengine/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	mu      sync.Mutex
	calls   int
	status  gateway.SettlementStatus
	pending int // pending answers before the final status
}

func (a *stubAdapter) Method() model.PaymentMethod { return model.MethodMobileMoney }

func (a *stubAdapter) Initiate(ctx context.Context, req *gateway.InitiationRequest) (*gateway.InitiationResult, error) {
	panic("not used")
}

func (a *stubAdapter) QueryStatus(ctx context.Context, ref string) (*gateway.StatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.pending {
		return &gateway.StatusResult{GatewayRef: ref, Status: gateway.SettlementPending}, nil
	}
	return &gateway.StatusResult{GatewayRef: ref, Status: a.status}, nil
}

type recordingApplier struct {
	mu     sync.Mutex
	events map[string][]monitor.Event
	err    error
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{events: make(map[string][]monitor.Event)}
}

func (a *recordingApplier) ApplySettlement(ctx context.Context, txID string, ev monitor.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[txID] = append(a.events[txID], ev)
	return a.err
}

func (a *recordingApplier) applied(txID string) []monitor.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[txID]
}

func settlementJob(t *testing.T, txID string) *queue.Job {
	t.Helper()
	data, err := json.Marshal(orchestrator.SettlementJob{
		TransactionID: txID,
		Method:        model.MethodMobileMoney,
		GatewayRef:    "gw-" + txID,
		EnqueuedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return &queue.Job{ID: "job-" + txID, Data: data}
}

func newTestProcessor(adapter gateway.PaymentAdapter, applier SettlementApplier, maxAttempts int) (*SettlementProcessor, *IdempotencyService) {
	mon := monitor.New(
		map[model.PaymentMethod]gateway.PaymentAdapter{model.MethodMobileMoney: adapter},
		monitor.Options{Interval: 2 * time.Millisecond, TransientBackoff: time.Millisecond},
	)
	idem := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())
	return NewSettlementProcessor(mon, applier, idem, maxAttempts), idem
}

func TestSettlementProcessor_CompleteOutcome(t *testing.T) {
	adapter := &stubAdapter{status: gateway.SettlementComplete, pending: 2}
	applier := newRecordingApplier()
	proc, idem := newTestProcessor(adapter, applier, 10)

	err := proc.Process(context.Background(), settlementJob(t, "tx-1"))
	require.NoError(t, err)

	events := applier.applied("tx-1")
	require.Len(t, events, 1)
	assert.Equal(t, gateway.SettlementComplete, events[0].Status)

	settled, err := idem.IsSettled(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.True(t, settled)
}

func TestSettlementProcessor_RedeliveryAfterSettleIsNoop(t *testing.T) {
	adapter := &stubAdapter{status: gateway.SettlementComplete}
	applier := newRecordingApplier()
	proc, _ := newTestProcessor(adapter, applier, 10)

	require.NoError(t, proc.Process(context.Background(), settlementJob(t, "tx-1")))
	require.NoError(t, proc.Process(context.Background(), settlementJob(t, "tx-1")))

	assert.Len(t, applier.applied("tx-1"), 1, "settled marker must stop duplicate application")
}

func TestSettlementProcessor_TimeoutRequeues(t *testing.T) {
	adapter := &stubAdapter{status: gateway.SettlementPending, pending: 1000}
	applier := newRecordingApplier()
	proc, idem := newTestProcessor(adapter, applier, 3)

	err := proc.Process(context.Background(), settlementJob(t, "tx-1"))
	require.Error(t, err, "timed-out settlement stays on the stream")
	assert.Empty(t, applier.applied("tx-1"), "timeout is not an outcome")

	count, err := idem.GetRetryCount(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSettlementProcessor_ExhaustedRetriesEscalate(t *testing.T) {
	adapter := &stubAdapter{status: gateway.SettlementPending, pending: 1000}
	applier := newRecordingApplier()
	proc, idem := newTestProcessor(adapter, applier, 2)

	ctx := context.Background()
	job := settlementJob(t, "tx-1")
	for i := 0; i < DefaultIdempotencyConfig().MaxRetries; i++ {
		require.Error(t, proc.Process(ctx, job))
	}

	count, err := idem.GetRetryCount(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, DefaultIdempotencyConfig().MaxRetries, count)

	// The next delivery acks the job and hands the transaction to a human.
	require.NoError(t, proc.Process(ctx, job))
	events := applier.applied("tx-1")
	require.Len(t, events, 1)
	require.Error(t, events[0].Err)
	var me *monitor.MonitorError
	assert.ErrorAs(t, events[0].Err, &me)
}

func TestSettlementProcessor_ApplyFailureRetries(t *testing.T) {
	adapter := &stubAdapter{status: gateway.SettlementComplete}
	applier := newRecordingApplier()
	applier.err = errors.New("database unavailable")
	proc, idem := newTestProcessor(adapter, applier, 10)

	err := proc.Process(context.Background(), settlementJob(t, "tx-1"))
	require.Error(t, err)

	settled, _ := idem.IsSettled(context.Background(), "tx-1")
	assert.False(t, settled, "failed status write must not mark the job settled")
}

func TestSettlementProcessor_MalformedJob(t *testing.T) {
	adapter := &stubAdapter{status: gateway.SettlementComplete}
	proc, _ := newTestProcessor(adapter, newRecordingApplier(), 10)

	err := proc.Process(context.Background(), &queue.Job{ID: "job-bad", Data: []byte("{not json")})
	assert.Error(t, err)

	err = proc.Process(context.Background(), &queue.Job{ID: "job-empty", Data: []byte("{}")})
	assert.Error(t, err)
}
