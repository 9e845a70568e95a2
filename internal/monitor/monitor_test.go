package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/bitsacco/txengine/internal/gateways"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedAdapter struct {
	mu      sync.Mutex
	calls   int
	results []*gateway.StatusResult
	errs    []error
}

func (a *scriptedAdapter) Method() model.PaymentMethod { return model.MethodMobileMoney }

func (a *scriptedAdapter) Initiate(ctx context.Context, req *gateway.InitiationRequest) (*gateway.InitiationResult, error) {
	panic("not used")
}

func (a *scriptedAdapter) QueryStatus(ctx context.Context, ref string) (*gateway.StatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	if err := a.errs[i]; err != nil {
		return nil, err
	}
	return a.results[i], nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func pendingThen(final gateway.SettlementStatus, pendingTicks int) *scriptedAdapter {
	a := &scriptedAdapter{}
	for i := 0; i < pendingTicks; i++ {
		a.results = append(a.results, &gateway.StatusResult{Status: gateway.SettlementPending})
		a.errs = append(a.errs, nil)
	}
	a.results = append(a.results, &gateway.StatusResult{Status: final, Reason: "done"})
	a.errs = append(a.errs, nil)
	return a
}

func fastOptions() Options {
	return Options{
		Interval:         5 * time.Millisecond,
		MaxAttempts:      100,
		TransientRetries: 1,
		TransientBackoff: time.Millisecond,
	}
}

func newTestMonitor(a gateway.PaymentAdapter, opts Options) *Monitor {
	return New(map[model.PaymentMethod]gateway.PaymentAdapter{model.MethodMobileMoney: a}, opts)
}

func waitEvent(t *testing.T, w *Watch) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for monitor event")
		return Event{}, false
	}
}

func TestMonitor_ResolvesCompleteSettlement(t *testing.T) {
	adapter := pendingThen(gateway.SettlementComplete, 2)
	m := newTestMonitor(adapter, fastOptions())

	w, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)

	ev, ok := waitEvent(t, w)
	require.True(t, ok)
	assert.Equal(t, gateway.SettlementComplete, ev.Status)
	assert.Equal(t, "tx-1", ev.TransactionID)
	assert.False(t, ev.TimedOut)
	assert.NoError(t, ev.Err)

	assert.Eventually(t, func() bool { return !m.Active("tx-1") }, time.Second, 5*time.Millisecond)
}

func TestMonitor_SinglePollerPerTransaction(t *testing.T) {
	adapter := pendingThen(gateway.SettlementComplete, 4)
	m := newTestMonitor(adapter, fastOptions())

	first, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)
	second, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)

	ev1, ok := waitEvent(t, first)
	require.True(t, ok)
	ev2, ok := waitEvent(t, second)
	require.True(t, ok)

	assert.Equal(t, gateway.SettlementComplete, ev1.Status)
	assert.Equal(t, gateway.SettlementComplete, ev2.Status)

	// One loop served both watches: the backend saw a single query stream.
	assert.Equal(t, 5, adapter.callCount())
}

func TestMonitor_TimeoutIsNotFailure(t *testing.T) {
	adapter := pendingThen(gateway.SettlementPending, 0)
	opts := fastOptions()
	m := newTestMonitor(adapter, opts)

	w, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 3)
	require.NoError(t, err)

	ev, ok := waitEvent(t, w)
	require.True(t, ok)
	assert.True(t, ev.TimedOut)
	assert.Empty(t, ev.Status)
	assert.NoError(t, ev.Err)
	assert.Equal(t, 3, adapter.callCount())

	// The transaction may settle later: a fresh watch can be started.
	assert.Eventually(t, func() bool { return !m.Active("tx-1") }, time.Second, 5*time.Millisecond)
	_, err = m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 3)
	assert.NoError(t, err)
}

func TestMonitor_CancelStopsSilently(t *testing.T) {
	adapter := pendingThen(gateway.SettlementPending, 0)
	m := newTestMonitor(adapter, fastOptions())

	w, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)

	w.Cancel()

	_, ok := <-w.Events()
	assert.False(t, ok, "cancelled watch must close without an event")
	assert.Eventually(t, func() bool { return !m.Active("tx-1") }, time.Second, 5*time.Millisecond)
}

func TestMonitor_CancelOneWatchKeepsLoopAlive(t *testing.T) {
	adapter := pendingThen(gateway.SettlementComplete, 6)
	m := newTestMonitor(adapter, fastOptions())

	first, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)
	second, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)

	first.Cancel()
	_, ok := <-first.Events()
	assert.False(t, ok)

	ev, ok := waitEvent(t, second)
	require.True(t, ok)
	assert.Equal(t, gateway.SettlementComplete, ev.Status)
}

func TestMonitor_TransientErrorsAreRetriedWithinTick(t *testing.T) {
	transient := &gateway.AdapterError{Kind: gateway.KindGatewayUnavailable, Rail: model.MethodMobileMoney, Message: "connect refused"}
	adapter := &scriptedAdapter{
		results: []*gateway.StatusResult{nil, {Status: gateway.SettlementComplete}},
		errs:    []error{transient, nil},
	}
	m := newTestMonitor(adapter, fastOptions())

	w, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)

	ev, ok := waitEvent(t, w)
	require.True(t, ok)
	assert.Equal(t, gateway.SettlementComplete, ev.Status)
	assert.NoError(t, ev.Err)
}

func TestMonitor_PersistentBackendErrorSurfacesAsMonitorError(t *testing.T) {
	rejected := &gateway.AdapterError{Kind: gateway.KindGatewayRejected, Rail: model.MethodMobileMoney, Message: "unknown reference"}
	adapter := &scriptedAdapter{
		results: []*gateway.StatusResult{nil},
		errs:    []error{rejected},
	}
	m := newTestMonitor(adapter, fastOptions())

	w, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)

	ev, ok := waitEvent(t, w)
	require.True(t, ok)
	require.Error(t, ev.Err)
	var me *MonitorError
	require.ErrorAs(t, ev.Err, &me)
	assert.Equal(t, "tx-1", me.TransactionID)
	assert.Empty(t, ev.Status)
	assert.False(t, ev.TimedOut)
}

func TestMonitor_StopClosesWatches(t *testing.T) {
	adapter := pendingThen(gateway.SettlementPending, 0)
	m := newTestMonitor(adapter, fastOptions())

	w, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
	require.NoError(t, err)

	m.Stop("tx-1")

	_, ok := <-w.Events()
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return !m.Active("tx-1") }, time.Second, 5*time.Millisecond)
}

func TestMonitor_Start_Validation(t *testing.T) {
	m := newTestMonitor(pendingThen(gateway.SettlementPending, 0), fastOptions())

	_, err := m.Start(context.Background(), "tx-1", model.MethodLightning, "gw-1", 0)
	assert.Error(t, err, "no adapter registered for rail")

	_, err = m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "", 0)
	assert.Error(t, err, "gateway reference required")
}

func TestMonitor_AttachAfterResolveReplaysOutcome(t *testing.T) {
	s := &session{txID: "tx-1", cancel: func() {}}
	first := s.attach()
	s.publish(Event{TransactionID: "tx-1", Status: gateway.SettlementComplete})

	ev, ok := <-first.Events()
	require.True(t, ok)
	assert.Equal(t, gateway.SettlementComplete, ev.Status)

	// The loop has resolved but the session is not yet deregistered. A
	// watch attached in that window must get the same outcome, not block.
	late := s.attach()
	ev, ok = waitEvent(t, late)
	require.True(t, ok)
	assert.Equal(t, gateway.SettlementComplete, ev.Status)
	assert.Equal(t, "tx-1", ev.TransactionID)
}

func TestMonitor_ConcurrentStartsAllResolve(t *testing.T) {
	adapter := pendingThen(gateway.SettlementComplete, 0)
	opts := fastOptions()
	opts.Interval = time.Millisecond
	m := newTestMonitor(adapter, opts)

	const goroutines = 16
	const startsEach = 200
	stuck := make(chan struct{}, goroutines*startsEach)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < startsEach; i++ {
				w, err := m.Start(context.Background(), "tx-1", model.MethodMobileMoney, "gw-1", 0)
				if err != nil {
					stuck <- struct{}{}
					continue
				}
				select {
				case <-w.Events():
				case <-time.After(2 * time.Second):
					stuck <- struct{}{}
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, len(stuck), "every Start must observe an outcome")
}
