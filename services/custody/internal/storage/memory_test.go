package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMemoryRollbackRestoresState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := NewAccountKey(ClassCoin, "u1", "USDT", KindMain)

	if err := m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.LockAccount(ctx, key)
		if err != nil {
			return err
		}
		acct.Balance = decimal.NewFromInt(10)
		return tx.UpdateAccount(ctx, acct)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.LockAccount(ctx, key)
		if err != nil {
			return err
		}
		acct.Balance = decimal.NewFromInt(99)
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &Transaction{AccountID: acct.ID, Class: ClassCoin, Amount: decimal.NewFromInt(89)}); err != nil {
			return err
		}
		if _, err := tx.LockAccount(ctx, NewAccountKey(ClassCoin, "u2", "usdt", KindMain)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.GetAccount(ctx, key)
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		if !acct.Balance.Equal(decimal.NewFromInt(10)) {
			t.Fatalf("expected balance 10 after rollback, got %s", acct.Balance)
		}
		txns, _ := tx.ListTransactions(ctx, ClassCoin, acct.ID)
		if len(txns) != 0 {
			t.Fatalf("expected no transactions after rollback, got %d", len(txns))
		}
		if _, err := tx.GetAccount(ctx, NewAccountKey(ClassCoin, "u2", "usdt", KindMain)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected created account to be rolled back, got %v", err)
		}
		return nil
	})
}

func TestMemoryAfterCommitOnlyOnSuccess(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	calls := 0

	_ = m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		tx.AfterCommit(func(context.Context) { calls++ })
		return errors.New("abort")
	})
	if calls != 0 {
		t.Fatalf("callback ran after rollback")
	}

	_ = m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		tx.AfterCommit(func(context.Context) { calls++ })
		return nil
	})
	if calls != 1 {
		t.Fatalf("expected callback after commit, got %d", calls)
	}
}

func TestMemoryInboundEventDedup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		inserted, err := tx.InsertInboundEvent(ctx, &InboundEvent{EventID: "evt-1", Topic: "t", Payload: []byte("a"), Status: EventPending})
		if err != nil || !inserted {
			t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
		}
		inserted, err = tx.InsertInboundEvent(ctx, &InboundEvent{EventID: "evt-1", Topic: "t", Payload: []byte("b"), Status: EventPending})
		if err != nil || inserted {
			t.Fatalf("second insert: inserted=%v err=%v", inserted, err)
		}
		ev, err := tx.GetInboundEventForUpdate(ctx, "evt-1")
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		if string(ev.Payload) != "a" {
			t.Fatalf("payload overwritten: %q", ev.Payload)
		}
		return nil
	})
}

func TestMemoryDepositExternalRefUnique(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		d1 := &Deposit{Class: ClassCoin, HolderID: "u1", Currency: "btc", Amount: decimal.NewFromInt(1), ExternalRef: "0xabc", Status: DepositPending}
		if ok, err := tx.InsertDeposit(ctx, d1); err != nil || !ok {
			t.Fatalf("first deposit: ok=%v err=%v", ok, err)
		}
		d2 := &Deposit{Class: ClassCoin, HolderID: "u1", Currency: "btc", Amount: decimal.NewFromInt(1), ExternalRef: "0xabc", Status: DepositPending}
		if ok, err := tx.InsertDeposit(ctx, d2); err != nil || ok {
			t.Fatalf("second deposit: ok=%v err=%v", ok, err)
		}
		d3 := &Deposit{Class: ClassFiat, HolderID: "u1", Currency: "vnd", Amount: decimal.NewFromInt(1), ExternalRef: "0xabc", Status: DepositAwaiting}
		if ok, err := tx.InsertDeposit(ctx, d3); err != nil || !ok {
			t.Fatalf("same ref in other class: ok=%v err=%v", ok, err)
		}
		got, err := tx.GetDepositByExternalRefForUpdate(ctx, ClassCoin, "0xabc")
		if err != nil || got.ID != d1.ID {
			t.Fatalf("lookup by ref: %v %v", got, err)
		}
		return nil
	})
}

func TestMemoryTransactionSequenceMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var last int64

	for i := 0; i < 3; i++ {
		_ = m.InTx(ctx, func(ctx context.Context, tx Tx) error {
			acct, _ := tx.LockAccount(ctx, NewAccountKey(ClassFiat, "u1", "vnd", KindMain))
			txn := &Transaction{AccountID: acct.ID, Class: ClassFiat, Amount: decimal.NewFromInt(1)}
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if txn.Sequence <= last {
				t.Fatalf("sequence not increasing: %d after %d", txn.Sequence, last)
			}
			last = txn.Sequence
			return nil
		})
	}
}

func TestMemoryMerchantEscrowGetOrCreate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.LockMerchantEscrow(ctx, "m1", ClassCoin, "usdt")
		if err != nil {
			t.Fatalf("create escrow: %v", err)
		}
		b, _ := tx.LockMerchantEscrow(ctx, "m1", ClassCoin, "usdt")
		if a.ID != b.ID {
			t.Fatalf("expected same escrow, got %s and %s", a.ID, b.ID)
		}
		return nil
	})
}

func TestMemoryListRelayableWithdrawals(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rows := []*Withdrawal{
		{Class: ClassCoin, HolderID: "a", Currency: "usdt", Amount: decimal.NewFromInt(1), Status: WithdrawalProcessing},
		{Class: ClassCoin, HolderID: "b", Currency: "usdt", Amount: decimal.NewFromInt(1), Status: WithdrawalPending},
		{Class: ClassFiat, HolderID: "c", Currency: "vnd", Amount: decimal.NewFromInt(1), Status: WithdrawalBankPending},
		{Class: ClassFiat, HolderID: "d", Currency: "vnd", Amount: decimal.NewFromInt(1), Status: WithdrawalBankSent},
		{Class: ClassCoin, HolderID: "e", Currency: "usdt", Amount: decimal.NewFromInt(1), Status: WithdrawalProcessed},
	}
	for _, w := range rows {
		if err := m.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertWithdrawal(ctx, w) }); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var got []*Withdrawal
	if err := m.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		got, err = tx.ListRelayableWithdrawals(ctx)
		return err
	}); err != nil {
		t.Fatalf("list: %v", err)
	}
	holders := map[string]bool{}
	for _, w := range got {
		holders[w.HolderID] = true
	}
	if len(got) != 2 || !holders["a"] || !holders["c"] {
		t.Fatalf("expected withdrawals of a and c, got %v", holders)
	}
}
