package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gateway "github.com/bitsacco/txengine/internal/gateways"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/pkg/logger"
)

// MonitorError reports a persistent backend failure while polling. It is
// distinct from a business-level failed settlement: the backend could not
// even be asked.
type MonitorError struct {
	TransactionID string
	Err           error
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("settlement monitor: transaction %s: %v", e.TransactionID, e.Err)
}

func (e *MonitorError) Unwrap() error { return e.Err }

// Event is the single message a watch receives when its poll loop ends.
// Exactly one of the three shapes applies:
//   - Status set (complete/failed/ambiguous): the backend reported a
//     settled state. SettledAt and Reason carry the backend detail.
//   - TimedOut: maxAttempts exhausted with the backend still pending. The
//     transaction may settle later, so the caller can start a new watch.
//   - Err: polling hit a persistent backend error and gave up.
type Event struct {
	TransactionID string
	Status        gateway.SettlementStatus
	Reason        string
	SettledAt     *time.Time
	TimedOut      bool
	Err           error
}

// Options tunes the poll loops. Zero values fall back to defaults suitable
// for mobile-money settle times (seconds, not milliseconds).
type Options struct {
	Interval         time.Duration
	MaxAttempts      int
	TransientRetries int
	TransientBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 3 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 40
	}
	if o.TransientRetries < 0 {
		o.TransientRetries = 0
	}
	if o.TransientBackoff <= 0 {
		o.TransientBackoff = 200 * time.Millisecond
	}
	return o
}

// Monitor resolves transaction outcomes by polling the payment gateways.
// It guarantees at most one active poll loop per transaction id: a second
// Start for the same id attaches to the running loop instead of creating a
// duplicate, so the backend sees one query stream no matter how many
// callers are waiting.
type Monitor struct {
	adapters map[model.PaymentMethod]gateway.PaymentAdapter
	opts     Options

	mu       sync.Mutex
	sessions map[string]*session
}

func New(adapters map[model.PaymentMethod]gateway.PaymentAdapter, opts Options) *Monitor {
	return &Monitor{
		adapters: adapters,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*session),
	}
}

// Watch is one caller's view of a poll loop. Events yields exactly one
// Event when the loop resolves; the channel closes without an event when
// the watch is cancelled.
type Watch struct {
	s  *session
	ch chan Event

	once sync.Once
}

func (w *Watch) Events() <-chan Event { return w.ch }

// Cancel detaches this watch. The poll loop itself stops once its last
// watch is gone; other watches on the same transaction are unaffected.
func (w *Watch) Cancel() {
	w.once.Do(func() { w.s.detach(w) })
}

type session struct {
	txID   string
	cancel context.CancelFunc

	mu      sync.Mutex
	watches []*Watch
	done    bool
	result  *Event
}

func (s *session) attach() *Watch {
	w := &Watch{s: s, ch: make(chan Event, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		// The loop already resolved but the session is still registered.
		// Replay the outcome so a late watch never blocks.
		if s.result != nil {
			w.ch <- *s.result
		}
		close(w.ch)
		return w
	}
	s.watches = append(s.watches, w)
	return w
}

func (s *session) detach(w *Watch) {
	s.mu.Lock()
	found := false
	for i, cur := range s.watches {
		if cur == w {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			found = true
			break
		}
	}
	if found {
		close(w.ch)
	}
	empty := found && len(s.watches) == 0 && !s.done
	s.mu.Unlock()
	if empty {
		s.cancel()
	}
}

// publish delivers the event to every watch and marks the session done.
// It is a no-op after the first call, so the first resolver wins.
func (s *session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.result = &ev
	for _, w := range s.watches {
		w.ch <- ev
		close(w.ch)
	}
	s.watches = nil
}

// closeSilently ends the session without an event, used when the loop is
// cancelled from outside.
func (s *session) closeSilently() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for _, w := range s.watches {
		close(w.ch)
	}
	s.watches = nil
}

// Start begins polling the rail backend for the transaction, or attaches
// to the loop already running for it. maxAttempts <= 0 uses the configured
// default.
func (m *Monitor) Start(ctx context.Context, txID string, method model.PaymentMethod, gatewayRef string, maxAttempts int) (*Watch, error) {
	adapter, ok := m.adapters[method]
	if !ok {
		return nil, fmt.Errorf("settlement monitor: no adapter for rail %q", method)
	}
	if gatewayRef == "" {
		return nil, fmt.Errorf("settlement monitor: transaction %s has no gateway reference", txID)
	}
	if maxAttempts <= 0 {
		maxAttempts = m.opts.MaxAttempts
	}

	m.mu.Lock()
	if s, ok := m.sessions[txID]; ok {
		w := s.attach()
		m.mu.Unlock()
		return w, nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s := &session{txID: txID, cancel: cancel}
	m.sessions[txID] = s
	w := s.attach()
	m.mu.Unlock()

	go m.run(loopCtx, s, adapter, gatewayRef, maxAttempts)
	return w, nil
}

// Stop cancels any active poll loop for the transaction. Watches on it are
// closed without an event. Used when the owner cancels the transaction.
func (m *Monitor) Stop(txID string) {
	m.mu.Lock()
	s, ok := m.sessions[txID]
	m.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Active reports whether a poll loop is currently running for the id.
func (m *Monitor) Active(txID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[txID]
	return ok
}

func (m *Monitor) remove(s *session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.txID]; ok && cur == s {
		delete(m.sessions, s.txID)
	}
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context, s *session, adapter gateway.PaymentAdapter, gatewayRef string, maxAttempts int) {
	defer m.remove(s)
	defer s.cancel()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		res, err := m.queryOnce(ctx, adapter, gatewayRef)
		switch {
		case err != nil && ctx.Err() != nil:
			s.closeSilently()
			return
		case err != nil && !isTransient(err):
			logger.Error("settlement poll aborted",
				"transaction_id", s.txID,
				"gateway_ref", gatewayRef,
				"error", err.Error())
			s.publish(Event{TransactionID: s.txID, Err: &MonitorError{TransactionID: s.txID, Err: err}})
			return
		case err != nil:
			// Transient failure after retries: skip this tick, keep the
			// attempt budget honest.
			logger.Warn("settlement poll tick skipped",
				"transaction_id", s.txID,
				"attempt", attempt,
				"error", err.Error())
		case res.Status != gateway.SettlementPending:
			s.publish(Event{
				TransactionID: s.txID,
				Status:        res.Status,
				Reason:        res.Reason,
				SettledAt:     res.SettledAt,
			})
			return
		}

		if attempt >= maxAttempts {
			s.publish(Event{TransactionID: s.txID, TimedOut: true})
			return
		}

		select {
		case <-ctx.Done():
			s.closeSilently()
			return
		case <-ticker.C:
		}
	}
}

// queryOnce performs one poll tick: the status query plus a small bounded
// number of silent retries for transient failures.
func (m *Monitor) queryOnce(ctx context.Context, adapter gateway.PaymentAdapter, gatewayRef string) (*gateway.StatusResult, error) {
	var lastErr error
	for try := 0; try <= m.opts.TransientRetries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.opts.TransientBackoff):
			}
		}
		res, err := adapter.QueryStatus(ctx, gatewayRef)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	var ae *gateway.AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	// Plain transport errors count as transient.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
