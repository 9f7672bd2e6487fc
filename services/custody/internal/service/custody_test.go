package service

import (
	"context"
	"errors"
	"testing"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/locks"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

func newCustody(t *testing.T) (*Custody, *operations.Service, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	store := storage.NewMemory()
	l := ledger.New(nil, metrics)
	ops := operations.New(store, l, metrics, nil, operations.DefaultConfig())
	return New(store, ops, locks.New(store, l, metrics, nil), metrics, nil), ops, registry
}

func counter(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func creditViaDeposit(t *testing.T, c *Custody, ops *operations.Service, holder, currency, amount, ref string) {
	t.Helper()
	ctx := context.Background()
	dep, err := c.CreateDeposit(ctx, CreateDepositRequest{AssetClass: "fiat", HolderID: holder, Currency: currency, Amount: amount, ExternalRef: ref})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	for _, event := range []string{fsm.EventReady, fsm.EventInform, fsm.EventVerify, fsm.EventProcess} {
		if _, err := ops.TransitionDeposit(ctx, dep.ID, event, ""); err != nil {
			t.Fatalf("%s: %v", event, err)
		}
	}
}

func TestCustodyCreationAPIs(t *testing.T) {
	c, ops, registry := newCustody(t)
	ctx := context.Background()
	creditViaDeposit(t, c, ops, "alice", "VND", "1000", "bank-1")

	bal, err := c.GetBalance(ctx, "FIAT", "alice", "vnd")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Balance.Equal(decimal.NewFromInt(1000)) || !bal.Available.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected balance %+v", bal)
	}

	if _, err := c.CreateWithdrawal(ctx, CreateWithdrawalRequest{AssetClass: "fiat", HolderID: "alice", Currency: "vnd", Amount: "100", Destination: "acct-9"}); err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if _, err := c.CreateInternalTransfer(ctx, CreateInternalTransferRequest{AssetClass: "fiat", FromHolderID: "alice", ToHolderID: "bob", Currency: "vnd", Amount: "200"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	op, err := c.CreateMerchantEscrowOperation(ctx, CreateMerchantEscrowOperationRequest{MerchantID: "alice", AssetClass: "fiat", Currency: "vnd", Action: "MINT", Amount: "50"})
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if op.Action != storage.ActionMint {
		t.Fatalf("expected normalized action, got %s", op.Action)
	}

	lock, err := c.CreateBalanceLock(ctx, CreateBalanceLockRequest{AssetClass: "fiat", HolderID: "alice", Currencies: " vnd , ", Reason: "aml", Performer: "ops"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !lock.LockedBalances["vnd"].Equal(decimal.NewFromInt(700)) {
		t.Fatalf("expected 700 locked, got %v", lock.LockedBalances)
	}
	bal, _ = c.GetBalance(ctx, "fiat", "alice", "vnd")
	if !bal.Available.IsZero() {
		t.Fatalf("expected nothing available, got %s", bal.Available)
	}
	if _, err := c.ReleaseBalanceLock(ctx, lock.ID.String()); err != nil {
		t.Fatalf("release: %v", err)
	}

	rec, err := c.VerifyAccount(ctx, "fiat", "alice", "vnd", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rec.Consistent || rec.Transactions == 0 {
		t.Fatalf("expected consistent ledger, got %+v", rec)
	}

	if got := counter(t, registry, "custody_reconciliations_total", map[string]string{"result": "consistent"}); got != 1 {
		t.Fatalf("expected one reconciliation, got %v", got)
	}
	if got := counter(t, registry, "custody_balance_lock_actions_total", map[string]string{"action": "lock", "status": "ok"}); got != 1 {
		t.Fatalf("expected one lock action, got %v", got)
	}
	if got := counter(t, registry, "custody_operation_transitions_total", map[string]string{"kind": "deposit", "event": "process", "status": "ok"}); got != 1 {
		t.Fatalf("expected one deposit process transition, got %v", got)
	}
}

func TestCustodyRejectsBadInput(t *testing.T) {
	c, _, _ := newCustody(t)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"bad amount", func() error {
			_, err := c.CreateDeposit(ctx, CreateDepositRequest{AssetClass: "coin", HolderID: "u1", Currency: "btc", Amount: "abc"})
			return err
		}},
		{"negative amount", func() error {
			_, err := c.CreateWithdrawal(ctx, CreateWithdrawalRequest{AssetClass: "coin", HolderID: "u1", Currency: "btc", Amount: "-1"})
			return err
		}},
		{"amount finer than storage", func() error {
			_, err := c.CreateWithdrawal(ctx, CreateWithdrawalRequest{AssetClass: "coin", HolderID: "u1", Currency: "btc", Amount: "0.0000000000000000001"})
			return err
		}},
		{"bad id", func() error {
			_, err := c.CreateInternalTransfer(ctx, CreateInternalTransferRequest{ID: "nope", AssetClass: "coin", FromHolderID: "a", ToHolderID: "b", Currency: "btc", Amount: "1"})
			return err
		}},
		{"bad class", func() error {
			_, err := c.GetBalance(ctx, "gold", "u1", "btc")
			return err
		}},
		{"bad kind", func() error {
			_, err := c.VerifyAccount(ctx, "coin", "u1", "btc", "savings")
			return err
		}},
		{"separator-only currencies", func() error {
			_, err := c.CreateBalanceLock(ctx, CreateBalanceLockRequest{AssetClass: "coin", HolderID: "u1", Currencies: " , ", Reason: "kyc"})
			return err
		}},
		{"bad lock id", func() error {
			_, err := c.ReleaseBalanceLock(ctx, "")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, operations.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncLedgerRecord("deposit", "ok")
	m.IncTransition("deposit", "lock", "ok")
	m.ObserveIngest("t", "applied", 0)
	m.ObserveRelay("withdrawal", "submitted", 0)
	m.IncLockAction("lock", "ok")
	m.IncReconciliation("consistent")
}
