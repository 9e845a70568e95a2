package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/bitsacco/txengine/internal/gateways"
	"github.com/bitsacco/txengine/internal/identity"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/monitor"
	"github.com/bitsacco/txengine/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	txs   map[string]*model.UnifiedTransaction
	byRef map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		txs:   make(map[string]*model.UnifiedTransaction),
		byRef: make(map[string]string),
	}
}

func (s *fakeStore) Create(ctx context.Context, tx *model.UnifiedTransaction, reference string) (*model.UnifiedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reference != "" {
		if _, ok := s.byRef[reference]; ok {
			return nil, repository.ErrDuplicateReference
		}
		s.byRef[reference] = tx.ID
	}
	cp := *tx
	s.txs[tx.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*model.UnifiedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *fakeStore) GetByReference(ctx context.Context, reference string) (*model.UnifiedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[reference]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s.txs[id]
	return &cp, nil
}

func (s *fakeStore) List(ctx context.Context, f model.TransactionFilter) ([]*model.UnifiedTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.UnifiedTransaction
	for _, tx := range s.txs {
		if f.Context != nil && tx.Context != *f.Context {
			continue
		}
		if f.TargetID != nil && tx.TargetID != *f.TargetID {
			continue
		}
		if f.InitiatorID != nil && tx.InitiatorID != *f.InitiatorID {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, tx.Type) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, tx.Status) {
			continue
		}
		if f.From != nil && tx.CreatedAt.Before(*f.From) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func containsType(ts []model.TxType, t model.TxType) bool {
	for _, cur := range ts {
		if cur == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []model.TxStatus, s model.TxStatus) bool {
	for _, cur := range ss {
		if cur == s {
			return true
		}
	}
	return false
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, from, to model.TxStatus, cols repository.TransitionColumns) error {
	if !model.CanTransition(from, to) {
		return repository.ErrIllegalTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if tx.Status != from {
		return repository.ErrStaleTransition
	}
	tx.Status = to
	if cols.GatewayRef != nil {
		tx.GatewayRef = *cols.GatewayRef
	}
	if cols.FailureReason != nil {
		tx.FailureReason = *cols.FailureReason
	}
	if cols.Invoice != nil && tx.Metadata.Lightning != nil {
		tx.Metadata.Lightning.Invoice = *cols.Invoice
	}
	return nil
}

func (s *fakeStore) SetFailureReason(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[id]; ok {
		tx.FailureReason = reason
	}
	return nil
}

type fakeRail struct {
	mu       sync.Mutex
	method   model.PaymentMethod
	initErrs []error
	calls    int
	lastReq  *gateway.InitiationRequest
}

func (a *fakeRail) Method() model.PaymentMethod { return a.method }

func (a *fakeRail) Initiate(ctx context.Context, req *gateway.InitiationRequest) (*gateway.InitiationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	a.lastReq = req
	if i < len(a.initErrs) && a.initErrs[i] != nil {
		return nil, a.initErrs[i]
	}
	res := &gateway.InitiationResult{GatewayRef: "gw-" + req.TransactionID, AcceptedAt: time.Now()}
	if a.method == model.MethodLightning {
		res.Invoice = "lnbc-" + req.TransactionID
	}
	return res, nil
}

func (a *fakeRail) QueryStatus(ctx context.Context, ref string) (*gateway.StatusResult, error) {
	return &gateway.StatusResult{GatewayRef: ref, Status: gateway.SettlementPending}, nil
}

func (a *fakeRail) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []interface{}
}

func (q *fakeQueue) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, data)
	return "msg-1", nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fakeAuthorizer struct {
	mu     sync.Mutex
	admins map[string]map[string]bool // reviewer -> chama -> admin
	calls  int
	err    error
}

func (a *fakeAuthorizer) Authorize(ctx context.Context, userID string, capability identity.Capability, targetID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return false, a.err
	}
	return a.admins[userID][targetID], nil
}

func testLimits() model.Limits {
	return model.Limits{Bounds: map[model.TxContext]map[model.PaymentMethod]model.AmountBounds{
		model.ContextPersonal: {
			model.MethodMobileMoney: {Min: 100, Max: 10_000_000},
			model.MethodLightning:   {Min: 1, Max: 0},
		},
		model.ContextChama: {
			model.MethodMobileMoney: {Min: 100, Max: 50_000_000},
			model.MethodLightning:   {Min: 1, Max: 0},
		},
		model.ContextMembership: {
			model.MethodMobileMoney: {Min: 100, Max: 10_000_000},
			model.MethodLightning:   {Min: 1, Max: 0},
		},
	}}
}

type fixture struct {
	store  *fakeStore
	mobile *fakeRail
	ln     *fakeRail
	queue  *fakeQueue
	auth   *fakeAuthorizer
	orch   *Orchestrator
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		store:  newFakeStore(),
		mobile: &fakeRail{method: model.MethodMobileMoney},
		ln:     &fakeRail{method: model.MethodLightning},
		queue:  &fakeQueue{},
		auth:   &fakeAuthorizer{admins: map[string]map[string]bool{"admin-1": {"chama-1": true}}},
	}
	if opts.Limits.Bounds == nil {
		opts.Limits = testLimits()
	}
	if opts.InitiationRetryDelay == 0 {
		opts.InitiationRetryDelay = time.Millisecond
	}
	if opts.Auth == nil {
		opts.Auth = f.auth
	}
	adapters := map[model.PaymentMethod]gateway.PaymentAdapter{
		model.MethodMobileMoney: f.mobile,
		model.MethodLightning:   f.ln,
	}
	f.orch = New(f.store, adapters, f.queue, monitor.New(adapters, monitor.Options{}), opts)
	return f
}

func personalDeposit(amount int64) model.CreateRequest {
	return model.CreateRequest{
		Context:       model.ContextPersonal,
		Type:          model.TypeDeposit,
		Amount:        model.NewMoney(amount, model.KES),
		PaymentMethod: model.MethodMobileMoney,
		TargetID:      "wallet-1",
		InitiatorID:   "user-1",
		Metadata:      model.Metadata{MobileMoney: &model.MobileMoneyMetadata{PhoneNumber: "+254712345678"}},
	}
}

func chamaWithdrawal(amount int64) model.CreateRequest {
	return model.CreateRequest{
		Context:       model.ContextChama,
		Type:          model.TypeWithdrawal,
		Amount:        model.NewMoney(amount, model.KES),
		PaymentMethod: model.MethodMobileMoney,
		TargetID:      "chama-1",
		InitiatorID:   "member-1",
		Metadata:      model.Metadata{MobileMoney: &model.MobileMoneyMetadata{PhoneNumber: "+254712345678"}},
	}
}

func TestCreate_PersonalDeposit_InitiatesAndSettles(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	tx, err := f.orch.Create(ctx, personalDeposit(500))
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, tx.Status)
	assert.Equal(t, "gw-"+tx.ID, tx.GatewayRef)
	assert.Empty(t, tx.Reviews)
	assert.Equal(t, 1, f.mobile.callCount())
	assert.Equal(t, 1, f.queue.count())

	err = f.orch.ApplySettlement(ctx, tx.ID, monitor.Event{
		TransactionID: tx.ID,
		Status:        gateway.SettlementComplete,
	})
	require.NoError(t, err)

	got, err := f.orch.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.Empty(t, got.Reviews)
}

func TestCreate_BelowMinimum_NoAdapterCall(t *testing.T) {
	f := newFixture(Options{})

	_, err := f.orch.Create(context.Background(), personalDeposit(50))
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)

	assert.Equal(t, 0, f.mobile.callCount(), "no rail call before validation passes")
	assert.Empty(t, f.store.txs, "nothing persisted on validation failure")
}

func TestCreate_ChamaWithdrawal_WaitsForApproval(t *testing.T) {
	f := newFixture(Options{})

	tx, err := f.orch.Create(context.Background(), chamaWithdrawal(1000))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, tx.Status)
	assert.Equal(t, 0, f.mobile.callCount(), "rail untouched until execute")
	assert.Equal(t, 0, f.queue.count())
}

func TestCreate_LightningDeposit_StoresInvoice(t *testing.T) {
	f := newFixture(Options{})

	req := personalDeposit(2100)
	req.PaymentMethod = model.MethodLightning
	req.Amount = model.NewMoney(2100, model.SAT)
	req.Metadata = model.Metadata{Lightning: &model.LightningMetadata{}}

	tx, err := f.orch.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, tx.Status)
	require.NotNil(t, tx.Metadata.Lightning)
	assert.True(t, strings.HasPrefix(tx.Metadata.Lightning.Invoice, "lnbc-"))
}

func TestCreate_IdempotentReference(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	req := personalDeposit(500)
	req.Reference = "ref-1"

	first, err := f.orch.Create(ctx, req)
	require.NoError(t, err)

	second, err := f.orch.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.mobile.callCount(), "retried create must not hit the rail again")
}

func TestCreate_ShareSubscription_SettlesInternally(t *testing.T) {
	f := newFixture(Options{})

	tx, err := f.orch.Create(context.Background(), model.CreateRequest{
		Context:     model.ContextMembership,
		Type:        model.TypeShareSubscription,
		Amount:      model.NewMoney(10_000, model.KES),
		TargetID:    "member-1",
		InitiatorID: "member-1",
		Metadata:    model.Metadata{ShareOffer: &model.ShareOfferMetadata{OfferRef: "offer-1", Quantity: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, tx.Status)
	assert.Equal(t, 0, f.mobile.callCount())
	assert.Equal(t, 0, f.ln.callCount())
	assert.Equal(t, 0, f.queue.count())
}

func TestCreate_GatewayRejected_RecordsFailedForAudit(t *testing.T) {
	f := newFixture(Options{})
	f.mobile.initErrs = []error{
		&gateway.AdapterError{Kind: gateway.KindGatewayRejected, Rail: model.MethodMobileMoney, Message: "account blocked"},
	}

	_, err := f.orch.Create(context.Background(), personalDeposit(500))
	var ae *gateway.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, gateway.KindGatewayRejected, ae.Kind)

	items, _, _ := f.store.List(context.Background(), model.TransactionFilter{})
	require.Len(t, items, 1)
	assert.Equal(t, model.StatusFailed, items[0].Status)
	assert.Equal(t, "account blocked", items[0].FailureReason)
}

func TestCreate_GatewayUnavailable_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(Options{MaxInitiationRetries: 2})
	f.mobile.initErrs = []error{
		&gateway.AdapterError{Kind: gateway.KindGatewayUnavailable, Rail: model.MethodMobileMoney, Message: "timeout"},
	}

	tx, err := f.orch.Create(context.Background(), personalDeposit(500))
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, tx.Status)
	assert.Equal(t, 2, f.mobile.callCount())
}

func TestCreate_GatewayUnavailable_Exhausted_LeavesPending(t *testing.T) {
	unavailable := &gateway.AdapterError{Kind: gateway.KindGatewayUnavailable, Rail: model.MethodMobileMoney, Message: "down"}
	f := newFixture(Options{MaxInitiationRetries: 1})
	f.mobile.initErrs = []error{unavailable, unavailable}

	_, err := f.orch.Create(context.Background(), personalDeposit(500))
	require.Error(t, err)
	assert.Equal(t, 2, f.mobile.callCount())

	items, _, _ := f.store.List(context.Background(), model.TransactionFilter{})
	require.Len(t, items, 1)
	assert.Equal(t, model.StatusPending, items[0].Status, "row stays pending so the reference can be retried")
}

func TestExecute_ApprovedWithdrawal(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	tx, err := f.orch.Create(ctx, chamaWithdrawal(1000))
	require.NoError(t, err)

	// Admin decision happens through the approval engine; emulate its
	// guarded write here.
	require.NoError(t, f.store.UpdateStatus(ctx, tx.ID, model.StatusPending, model.StatusApproved, repository.TransitionColumns{}))

	_, err = f.orch.Execute(ctx, tx.ID, "someone-else")
	assert.ErrorIs(t, err, ErrNotInitiator)

	executed, err := f.orch.Execute(ctx, tx.ID, "member-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, executed.Status)
	assert.Equal(t, 1, f.mobile.callCount())
	assert.Equal(t, 1, f.queue.count())
}

func TestExecute_GatewayRejected_FailsThroughProcessing(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	tx, err := f.orch.Create(ctx, chamaWithdrawal(1000))
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateStatus(ctx, tx.ID, model.StatusPending, model.StatusApproved, repository.TransitionColumns{}))

	f.mobile.initErrs = []error{
		&gateway.AdapterError{Kind: gateway.KindGatewayRejected, Rail: model.MethodMobileMoney, Message: "limit exceeded"},
	}

	_, err = f.orch.Execute(ctx, tx.ID, "member-1")
	var ae *gateway.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, gateway.KindGatewayRejected, ae.Kind)

	// The audit write lands as Failed via Processing, never directly off
	// the Approved state.
	got, err := f.orch.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "limit exceeded", got.FailureReason)
}

func TestExecute_RequiresApprovedStatus(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	tx, err := f.orch.Create(ctx, chamaWithdrawal(1000))
	require.NoError(t, err)

	_, err = f.orch.Execute(ctx, tx.ID, "member-1")
	assert.ErrorIs(t, err, ErrNotExecutable)
	assert.Equal(t, 0, f.mobile.callCount())
}

func TestCancel_PendingAndApprovedOnly(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	tx, err := f.orch.Create(ctx, chamaWithdrawal(1000))
	require.NoError(t, err)

	_, err = f.orch.Cancel(ctx, tx.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotInitiator)

	cancelled, err := f.orch.Cancel(ctx, tx.ID, "member-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	// Terminal rows cannot be cancelled again.
	_, err = f.orch.Cancel(ctx, tx.ID, "member-1")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancel_ProcessingIsTooLate(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	tx, err := f.orch.Create(ctx, personalDeposit(500))
	require.NoError(t, err)
	require.Equal(t, model.StatusProcessing, tx.Status)

	_, err = f.orch.Cancel(ctx, tx.ID, "user-1")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestApplySettlement_Outcomes(t *testing.T) {
	newProcessing := func(t *testing.T, f *fixture) *model.UnifiedTransaction {
		t.Helper()
		tx, err := f.orch.Create(context.Background(), personalDeposit(500))
		require.NoError(t, err)
		require.Equal(t, model.StatusProcessing, tx.Status)
		return tx
	}

	t.Run("failed settlement records reason", func(t *testing.T) {
		f := newFixture(Options{})
		tx := newProcessing(t, f)

		err := f.orch.ApplySettlement(context.Background(), tx.ID, monitor.Event{
			Status: gateway.SettlementFailed,
			Reason: "insufficient funds",
		})
		require.NoError(t, err)

		got, _ := f.orch.Get(context.Background(), tx.ID)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.Equal(t, "insufficient funds", got.FailureReason)
	})

	t.Run("ambiguous settlement escalates to manual review", func(t *testing.T) {
		f := newFixture(Options{})
		tx := newProcessing(t, f)

		err := f.orch.ApplySettlement(context.Background(), tx.ID, monitor.Event{
			Status: gateway.SettlementAmbiguous,
			Reason: "unknown gateway state",
		})
		require.NoError(t, err)

		got, _ := f.orch.Get(context.Background(), tx.ID)
		assert.Equal(t, model.StatusManualReview, got.Status)
	})

	t.Run("monitor error escalates to manual review", func(t *testing.T) {
		f := newFixture(Options{})
		tx := newProcessing(t, f)

		err := f.orch.ApplySettlement(context.Background(), tx.ID, monitor.Event{
			Err: &monitor.MonitorError{TransactionID: tx.ID, Err: errors.New("backend refused")},
		})
		require.NoError(t, err)

		got, _ := f.orch.Get(context.Background(), tx.ID)
		assert.Equal(t, model.StatusManualReview, got.Status)
	})

	t.Run("timeout leaves status untouched", func(t *testing.T) {
		f := newFixture(Options{})
		tx := newProcessing(t, f)

		err := f.orch.ApplySettlement(context.Background(), tx.ID, monitor.Event{TimedOut: true})
		require.NoError(t, err)

		got, _ := f.orch.Get(context.Background(), tx.ID)
		assert.Equal(t, model.StatusProcessing, got.Status)

		// Late settlement still lands.
		err = f.orch.ApplySettlement(context.Background(), tx.ID, monitor.Event{Status: gateway.SettlementComplete})
		require.NoError(t, err)
		got, _ = f.orch.Get(context.Background(), tx.ID)
		assert.Equal(t, model.StatusComplete, got.Status)
	})

	t.Run("first terminal writer wins", func(t *testing.T) {
		f := newFixture(Options{})
		tx := newProcessing(t, f)

		require.NoError(t, f.orch.ApplySettlement(context.Background(), tx.ID, monitor.Event{Status: gateway.SettlementComplete}))

		// A second, conflicting outcome is dropped, not applied.
		err := f.orch.ApplySettlement(context.Background(), tx.ID, monitor.Event{
			Status: gateway.SettlementFailed,
			Reason: "late failure",
		})
		require.NoError(t, err)

		got, _ := f.orch.Get(context.Background(), tx.ID)
		assert.Equal(t, model.StatusComplete, got.Status)
		assert.Empty(t, got.FailureReason)
	})
}

func TestCreate_ResubmitCooldown(t *testing.T) {
	f := newFixture(Options{ResubmitCooldown: time.Hour})
	ctx := context.Background()

	tx, err := f.orch.Create(ctx, chamaWithdrawal(1000))
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateStatus(ctx, tx.ID, model.StatusPending, model.StatusRejected, repository.TransitionColumns{}))

	_, err = f.orch.Create(ctx, chamaWithdrawal(1000))
	assert.ErrorIs(t, err, ErrResubmitTooSoon)

	// A different member of the same chama is not blocked.
	other := chamaWithdrawal(1000)
	other.InitiatorID = "member-2"
	_, err = f.orch.Create(ctx, other)
	assert.NoError(t, err)
}

func TestListPendingReviews_ScopedToReviewerChamas(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	_, err := f.orch.Create(ctx, chamaWithdrawal(1000))
	require.NoError(t, err)

	other := chamaWithdrawal(2000)
	other.TargetID = "chama-2"
	_, err = f.orch.Create(ctx, other)
	require.NoError(t, err)

	// admin-1 administers chama-1 only, so the chama-2 withdrawal must
	// not be enumerable.
	items, total, err := f.orch.ListPendingReviews(ctx, "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Equal(t, "chama-1", items[0].TargetID)

	_, _, err = f.orch.ListPendingReviews(ctx, "admin-1", "chama-2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	items, _, err = f.orch.ListPendingReviews(ctx, "admin-1", "chama-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestListPendingReviews_DirectoryErrorIsNotDenial(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	_, err := f.orch.Create(ctx, chamaWithdrawal(1000))
	require.NoError(t, err)

	f.auth.err = errors.New("directory unreachable")
	_, _, err = f.orch.ListPendingReviews(ctx, "admin-1", "chama-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestCancel_RacesSettlement_OneAuthoritativeOutcome(t *testing.T) {
	// Once a transaction is on a rail, cancel must lose and the
	// settlement outcome stands.
	for i := 0; i < 25; i++ {
		f := newFixture(Options{})
		ctx := context.Background()

		tx, err := f.orch.Create(ctx, personalDeposit(500))
		require.NoError(t, err)
		require.Equal(t, model.StatusProcessing, tx.Status)

		now := time.Now()
		ev := monitor.Event{TransactionID: tx.ID, Status: gateway.SettlementComplete, SettledAt: &now}

		var wg sync.WaitGroup
		var cancelErr, settleErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, cancelErr = f.orch.Cancel(ctx, tx.ID, "user-1") }()
		go func() { defer wg.Done(); settleErr = f.orch.ApplySettlement(ctx, tx.ID, ev) }()
		wg.Wait()

		require.NoError(t, settleErr)
		assert.ErrorIs(t, cancelErr, ErrNotCancellable)

		got, err := f.orch.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusComplete, got.Status)
	}

	// Before initiation the cancel must win and a stray settlement event
	// is stale, swallowed without touching the row.
	for i := 0; i < 25; i++ {
		f := newFixture(Options{})
		ctx := context.Background()

		tx, err := f.orch.Create(ctx, chamaWithdrawal(1000))
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, tx.Status)

		now := time.Now()
		ev := monitor.Event{TransactionID: tx.ID, Status: gateway.SettlementComplete, SettledAt: &now}

		var wg sync.WaitGroup
		var cancelErr, settleErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, cancelErr = f.orch.Cancel(ctx, tx.ID, "member-1") }()
		go func() { defer wg.Done(); settleErr = f.orch.ApplySettlement(ctx, tx.ID, ev) }()
		wg.Wait()

		require.NoError(t, cancelErr)
		require.NoError(t, settleErr)

		got, err := f.orch.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status, "exactly one terminal outcome may land")
	}
}
