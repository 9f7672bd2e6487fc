package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/gateway"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type flakySubmitter struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakySubmitter) Submit(_ context.Context, w *storage.Withdrawal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("relay unavailable")
	}
	return "receipt-" + w.ID.String(), nil
}

type relayMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *relayMetrics) ObserveRelay(_ string, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

type env struct {
	store    *storage.Memory
	svc      *operations.Service
	gw       *gateway.Gateway
	queue    *MemoryQueue
	submit   *flakySubmitter
	metrics  *relayMetrics
	dispatch *Dispatcher
	clock    time.Time
}

func newEnv(t *testing.T, failures int) *env {
	t.Helper()
	store := storage.NewMemory()
	l := ledger.New(nil, nil)
	svc := operations.New(store, l, nil, nil, operations.Config{FiatMaxRetries: 1})
	gw := gateway.New(store, nil, nil)
	svc.Register(gw)

	e := &env{
		store:   store,
		svc:     svc,
		gw:      gw,
		queue:   NewMemoryQueue(),
		submit:  &flakySubmitter{failures: failures},
		metrics: &relayMetrics{},
		clock:   time.Now(),
	}
	e.dispatch = NewDispatcher(e.queue, svc, e.submit, NewGatewayReporter(gw, "custody.relay"), e.metrics, nil, Config{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  4 * time.Second,
		JobTimeout:  time.Second,
		Lease:       time.Minute,
	})
	e.dispatch.now = func() time.Time { return e.clock }
	svc.SetScheduler(e.dispatch)

	err := store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		for _, class := range []storage.AssetClass{storage.ClassCoin, storage.ClassFiat} {
			key := storage.NewAccountKey(class, "u1", "usdt", storage.KindMain)
			if _, err := l.Record(ctx, tx, key, decimal.NewFromInt(100), decimal.Zero, storage.TxDeposit, storage.OperationRef{Kind: storage.OpDeposit, ID: uuid.New()}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return e
}

func (e *env) withdraw(t *testing.T, class storage.AssetClass) *storage.Withdrawal {
	t.Helper()
	w, err := e.svc.CreateWithdrawal(context.Background(), operations.WithdrawalRequest{
		Class: class, HolderID: "u1", Currency: "usdt", Amount: decimal.NewFromInt(30), Destination: "dest",
	})
	if err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}
	return w
}

// drain runs every due job, advancing the clock past each backoff.
func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		ran, err := e.dispatch.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !ran {
			if n, _ := e.queue.Len(ctx); n == 0 {
				return
			}
			e.clock = e.clock.Add(5 * time.Second)
		}
	}
	t.Fatalf("queue did not drain")
}

func (e *env) status(t *testing.T, id uuid.UUID) *storage.Withdrawal {
	t.Helper()
	w, err := e.svc.GetWithdrawal(context.Background(), id)
	if err != nil {
		t.Fatalf("get withdrawal: %v", err)
	}
	return w
}

func TestDispatcherCompletesCoinWithdrawal(t *testing.T) {
	e := newEnv(t, 1)
	w := e.withdraw(t, storage.ClassCoin)
	if _, err := e.svc.ProcessWithdrawal(context.Background(), w.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n, _ := e.queue.Len(context.Background()); n != 1 {
		t.Fatalf("process should schedule one relay job, got %d", n)
	}

	e.drain(t)
	got := e.status(t, w.ID)
	if got.Status != storage.WithdrawalProcessed || got.Receipt != "receipt-"+w.ID.String() {
		t.Fatalf("unexpected withdrawal %+v", got)
	}
	if e.submit.calls != 2 {
		t.Fatalf("expected one failed and one good submission, got %d", e.submit.calls)
	}
	if len(e.metrics.outcomes) != 2 || e.metrics.outcomes[0] != OutcomeRetry || e.metrics.outcomes[1] != OutcomeSubmitted {
		t.Fatalf("unexpected outcomes %v", e.metrics.outcomes)
	}

	ev, err := e.gw.Event(context.Background(), CompletionEventID(got, fsm.EventComplete))
	if err != nil || ev.Status != storage.EventProcessed {
		t.Fatalf("expected processed completion event, got %+v %v", ev, err)
	}
}

func TestDispatcherFailsAfterMaxAttempts(t *testing.T) {
	e := newEnv(t, 10)
	w := e.withdraw(t, storage.ClassCoin)
	if _, err := e.svc.ProcessWithdrawal(context.Background(), w.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	e.drain(t)
	got := e.status(t, w.ID)
	if got.Status != storage.WithdrawalFailed || got.Explanation == "" {
		t.Fatalf("expected failed withdrawal, got %+v", got)
	}
	if e.submit.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", e.submit.calls)
	}
}

func TestDispatcherDuplicateSubmissionAppliesOnce(t *testing.T) {
	e := newEnv(t, 0)
	w := e.withdraw(t, storage.ClassCoin)
	if _, err := e.svc.ProcessWithdrawal(context.Background(), w.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	processing := e.status(t, w.ID)
	e.drain(t)

	// a second worker that submitted the same job reports the same event
	c := Completion{EventID: CompletionEventID(processing, fsm.EventComplete), Ref: storage.OperationRef{Kind: storage.OpWithdrawal, ID: w.ID}, Event: fsm.EventComplete}
	if err := NewGatewayReporter(e.gw, "custody.relay").Report(context.Background(), c); err != nil {
		t.Fatalf("duplicate report: %v", err)
	}

	var balance decimal.Decimal
	_ = e.store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		acct, err := tx.GetAccount(ctx, storage.NewAccountKey(storage.ClassCoin, "u1", "usdt", storage.KindMain))
		if err == nil {
			balance = acct.Balance
		}
		return err
	})
	if !balance.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("expected one debit of 30, balance %s", balance)
	}
}

func TestDispatcherFiatRoundsGetDistinctEvents(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	w := e.withdraw(t, storage.ClassFiat)
	if _, err := e.svc.SendWithdrawalToBank(ctx, w.ID); err != nil {
		t.Fatalf("send to bank: %v", err)
	}
	e.drain(t)
	if got := e.status(t, w.ID); got.Status != storage.WithdrawalBankSent {
		t.Fatalf("expected bank_sent, got %s", got.Status)
	}
	first := CompletionEventID(e.status(t, w.ID), fsm.EventBankSent)

	if _, err := e.svc.TransitionWithdrawal(ctx, w.ID, fsm.EventBankReject, operations.WithdrawalUpdate{}); err != nil {
		t.Fatalf("bank reject: %v", err)
	}
	if _, err := e.svc.RetryWithdrawal(ctx, w.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	e.drain(t)
	got := e.status(t, w.ID)
	if got.Status != storage.WithdrawalBankSent || got.RetryCount != 1 {
		t.Fatalf("expected second round sent, got %+v", got)
	}
	if second := CompletionEventID(got, fsm.EventBankSent); second == first {
		t.Fatalf("bank rounds must not share a completion id")
	}
}

func TestDispatcherSkipsSettledWithdrawal(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	w := e.withdraw(t, storage.ClassCoin)
	if err := e.dispatch.Schedule(ctx, storage.OperationRef{Kind: storage.OpWithdrawal, ID: w.ID}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	e.drain(t)
	if e.submit.calls != 0 || e.metrics.outcomes[0] != OutcomeSkipped {
		t.Fatalf("pending withdrawal must not be submitted, outcomes %v", e.metrics.outcomes)
	}
	if err := e.dispatch.Schedule(ctx, storage.OperationRef{Kind: storage.OpDeposit, ID: w.ID}); err == nil {
		t.Fatalf("deposits are not relayed")
	}
}

type downScheduler struct{}

func (downScheduler) Schedule(context.Context, storage.OperationRef) error {
	return errors.New("redis down")
}

func TestDispatcherSweepRestoresUnqueuedWithdrawals(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	e.svc.SetScheduler(downScheduler{})

	coin := e.withdraw(t, storage.ClassCoin)
	if _, err := e.svc.ProcessWithdrawal(ctx, coin.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	fiat := e.withdraw(t, storage.ClassFiat)
	if _, err := e.svc.SendWithdrawalToBank(ctx, fiat.ID); err != nil {
		t.Fatalf("send to bank: %v", err)
	}
	pending := e.withdraw(t, storage.ClassCoin)

	if ran, err := e.dispatch.RunOnce(ctx); err != nil || ran {
		t.Fatalf("nothing should be queued, ran=%v err=%v", ran, err)
	}

	added, err := e.dispatch.Sweep(ctx)
	if err != nil || added != 2 {
		t.Fatalf("expected 2 restored jobs, got %d %v", added, err)
	}
	if added, _ := e.dispatch.Sweep(ctx); added != 0 {
		t.Fatalf("second sweep must not duplicate jobs, added %d", added)
	}

	e.drain(t)
	if got := e.status(t, coin.ID); got.Status != storage.WithdrawalProcessed {
		t.Fatalf("expected coin withdrawal processed, got %s", got.Status)
	}
	if got := e.status(t, fiat.ID); got.Status != storage.WithdrawalBankSent {
		t.Fatalf("expected fiat withdrawal bank_sent, got %s", got.Status)
	}
	if got := e.status(t, pending.ID); got.Status != storage.WithdrawalPending {
		t.Fatalf("pending withdrawal must stay pending, got %s", got.Status)
	}
}

func TestDispatcherSweepKeepsBackoff(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	w := e.withdraw(t, storage.ClassCoin)
	if _, err := e.svc.ProcessWithdrawal(ctx, w.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ran, err := e.dispatch.RunOnce(ctx); err != nil || !ran {
		t.Fatalf("expected first attempt, ran=%v err=%v", ran, err)
	}

	if added, err := e.dispatch.Sweep(ctx); err != nil || added != 0 {
		t.Fatalf("queued retry must be left alone, added=%d err=%v", added, err)
	}
	if ran, _ := e.dispatch.RunOnce(ctx); ran {
		t.Fatalf("retry ran before its backoff")
	}
}

func TestDispatcherRecordsRelayError(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	w := e.withdraw(t, storage.ClassCoin)
	if _, err := e.svc.ProcessWithdrawal(ctx, w.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := e.dispatch.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := e.status(t, w.ID)
	if got.Status != storage.WithdrawalProcessing || got.Explanation != "relay attempt 1 failed: relay unavailable" {
		t.Fatalf("expected recorded relay error, got %+v", got)
	}
}

func TestHTTPSubmitter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"receipt":"0xfeed"}`))
	}))
	defer srv.Close()

	w := &storage.Withdrawal{ID: uuid.New(), Class: storage.ClassCoin, Currency: "usdt", Amount: decimal.NewFromInt(1)}
	receipt, err := NewHTTPSubmitter(srv.URL+"/submit", nil).Submit(context.Background(), w)
	if err != nil || receipt != "0xfeed" {
		t.Fatalf("expected receipt, got %q %v", receipt, err)
	}
	if _, err := NewHTTPSubmitter(srv.URL+"/down", nil).Submit(context.Background(), w); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestBreakerSubmitterOpens(t *testing.T) {
	failing := SubmitterFunc(func(context.Context, *storage.Withdrawal) (string, error) {
		return "", errors.New("boom")
	})
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	b := NewBreakerSubmitter("test", failing, time.Second, cfg, nil)
	w := &storage.Withdrawal{ID: uuid.New()}

	for i := 0; i < 2; i++ {
		if _, err := b.Submit(context.Background(), w); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d: expected plain failure, got %v", i, err)
		}
	}
	if _, err := b.Submit(context.Background(), w); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if b.State() != "open" {
		t.Fatalf("expected open state, got %s", b.State())
	}
}

func TestBreakerSubmitterTimeout(t *testing.T) {
	slow := SubmitterFunc(func(ctx context.Context, _ *storage.Withdrawal) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	b := NewBreakerSubmitter("slow", slow, 10*time.Millisecond, DefaultBreakerConfig(), nil)
	if _, err := b.Submit(context.Background(), &storage.Withdrawal{}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
