package operations

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeScheduler struct {
	mu   sync.Mutex
	refs []storage.OperationRef
}

func (f *fakeScheduler) Schedule(_ context.Context, ref storage.OperationRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	return nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeMetrics) IncTransition(kind, event, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[kind+"/"+event+"/"+status]++
}

func (f *fakeMetrics) get(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

type harness struct {
	store   *storage.Memory
	svc     *Service
	sched   *fakeScheduler
	metrics *fakeMetrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := storage.NewMemory()
	metrics := &fakeMetrics{}
	svc := New(store, ledger.New(nil, nil), metrics, nil, cfg)
	sched := &fakeScheduler{}
	svc.SetScheduler(sched)
	return &harness{store: store, svc: svc, sched: sched, metrics: metrics}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fund credits a main account directly through the ledger.
func (h *harness) fund(t *testing.T, class storage.AssetClass, holder, currency, amount string) {
	t.Helper()
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := h.svc.ledger.Record(ctx, tx, mainKey(class, holder, currency), d(amount), decimal.Zero,
			storage.TxDeposit, storage.OperationRef{Kind: storage.OpDeposit, ID: uuid.New()})
		return err
	})
	if err != nil {
		t.Fatalf("fund %s: %v", holder, err)
	}
}

// account returns balance and frozen for key, zero when it does not exist.
func (h *harness) account(t *testing.T, key storage.AccountKey) (balance, frozen decimal.Decimal) {
	t.Helper()
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		acct, err := tx.GetAccount(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		balance, frozen = acct.Balance, acct.FrozenBalance
		return nil
	})
	if err != nil {
		t.Fatalf("read account %s: %v", key, err)
	}
	return balance, frozen
}

func (h *harness) expectAccount(t *testing.T, key storage.AccountKey, balance, frozen string) {
	t.Helper()
	gotBalance, gotFrozen := h.account(t, key)
	if !gotBalance.Equal(d(balance)) || !gotFrozen.Equal(d(frozen)) {
		t.Fatalf("account %s: expected %s/%s, got %s/%s", key, balance, frozen, gotBalance, gotFrozen)
	}
}

func (h *harness) expectConsistent(t *testing.T, key storage.AccountKey) {
	t.Helper()
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		rec, err := ledger.Verify(ctx, tx, key)
		if err != nil {
			return err
		}
		if !rec.Consistent {
			t.Errorf("account %s inconsistent: %s", key, rec.Problem)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify %s: %v", key, err)
	}
}
