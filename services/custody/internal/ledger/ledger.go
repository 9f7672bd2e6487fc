package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidDelta      = errors.New("invalid delta")
)

type Metrics interface {
	IncLedgerRecord(txType, status string)
}

// Ledger is the only writer of account balances. Every call must run inside
// a storage transaction supplied by the caller.
type Ledger struct {
	logger  *slog.Logger
	metrics Metrics
}

func New(logger *slog.Logger, metrics Metrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger, metrics: metrics}
}

// Entry is one balance change to apply under a shared operation.
type Entry struct {
	Key         storage.AccountKey
	Amount      decimal.Decimal
	FrozenDelta decimal.Decimal
	Type        storage.TransactionType
}

// ApplyDelta mutates acct in memory. It rejects any result with a negative
// balance, a negative frozen balance, or frozen above balance.
func ApplyDelta(acct *storage.Account, amount, frozenDelta decimal.Decimal) error {
	if amount.IsZero() && frozenDelta.IsZero() {
		return fmt.Errorf("%w: empty delta on account %s", ErrInvalidDelta, acct.ID)
	}
	if !storage.RepresentableAmount(amount) || !storage.RepresentableAmount(frozenDelta) {
		return fmt.Errorf("%w: amount=%s frozen_delta=%s exceed %d decimal places or the column range",
			ErrInvalidDelta, amount, frozenDelta, storage.AmountScale)
	}
	balance := acct.Balance.Add(amount)
	frozen := acct.FrozenBalance.Add(frozenDelta)
	if balance.IsNegative() || frozen.IsNegative() || frozen.GreaterThan(balance) {
		return fmt.Errorf("%w: account %s balance=%s frozen=%s amount=%s frozen_delta=%s",
			ErrInsufficientFunds, acct.ID, acct.Balance, acct.FrozenBalance, amount, frozenDelta)
	}
	acct.Balance = balance
	acct.FrozenBalance = frozen
	return nil
}

func GetOrCreate(ctx context.Context, tx storage.Tx, key storage.AccountKey) (*storage.Account, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return tx.LockAccount(ctx, key)
}

func validateKey(key storage.AccountKey) error {
	if !key.Class.Valid() {
		return fmt.Errorf("%w: asset class %q", ErrInvalidDelta, key.Class)
	}
	if !key.Kind.Valid() {
		return fmt.Errorf("%w: account kind %q", ErrInvalidDelta, key.Kind)
	}
	if key.HolderID == "" || key.Currency == "" {
		return fmt.Errorf("%w: holder and currency are required", ErrInvalidDelta)
	}
	return nil
}

// Record locks the account for key, applies the delta and appends a
// transaction carrying the post-apply snapshot.
func (l *Ledger) Record(ctx context.Context, tx storage.Tx, key storage.AccountKey, amount, frozenDelta decimal.Decimal, txType storage.TransactionType, ref storage.OperationRef) (*storage.Transaction, error) {
	acct, err := GetOrCreate(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, tx, acct, amount, frozenDelta, txType, ref)
}

// RecordAll locks every distinct account in key order before applying the
// entries in the order given, so two operations touching the same accounts
// can never deadlock.
func (l *Ledger) RecordAll(ctx context.Context, tx storage.Tx, ref storage.OperationRef, entries ...Entry) ([]*storage.Transaction, error) {
	accounts, err := LockOrdered(ctx, tx, entryKeys(entries)...)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Transaction, 0, len(entries))
	for _, e := range entries {
		txn, err := l.apply(ctx, tx, accounts[e.Key], e.Amount, e.FrozenDelta, e.Type, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, nil
}

// LockOrdered locks the given accounts sorted by key.
func LockOrdered(ctx context.Context, tx storage.Tx, keys ...storage.AccountKey) (map[storage.AccountKey]*storage.Account, error) {
	sorted := append([]storage.AccountKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	out := make(map[storage.AccountKey]*storage.Account, len(sorted))
	for _, key := range sorted {
		if _, ok := out[key]; ok {
			continue
		}
		acct, err := GetOrCreate(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		out[key] = acct
	}
	return out, nil
}

func entryKeys(entries []Entry) []storage.AccountKey {
	keys := make([]storage.AccountKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

func (l *Ledger) apply(ctx context.Context, tx storage.Tx, acct *storage.Account, amount, frozenDelta decimal.Decimal, txType storage.TransactionType, ref storage.OperationRef) (*storage.Transaction, error) {
	if err := ApplyDelta(acct, amount, frozenDelta); err != nil {
		l.observe(txType, "rejected")
		return nil, err
	}

	txn := &storage.Transaction{
		AccountID:             acct.ID,
		Class:                 acct.Class,
		Amount:                amount,
		FrozenAmount:          frozenDelta,
		Type:                  txType,
		SnapshotBalance:       acct.Balance,
		SnapshotFrozenBalance: acct.FrozenBalance,
		Operation:             ref,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		l.observe(txType, "error")
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		l.observe(txType, "error")
		return nil, fmt.Errorf("update account: %w", err)
	}

	l.observe(txType, "ok")
	l.logger.Debug("ledger record",
		"account_id", acct.ID,
		"transaction_id", txn.ID,
		"type", string(txType),
		"amount", amount.String(),
		"frozen_delta", frozenDelta.String(),
		"operation", ref.String(),
	)
	return txn, nil
}

func (l *Ledger) observe(txType storage.TransactionType, status string) {
	if l.metrics != nil {
		l.metrics.IncLedgerRecord(string(txType), status)
	}
}
