package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/shopspring/decimal"
)

var ErrSnapshotMismatch = errors.New("snapshot mismatch")

// Replay folds transactions in order and checks every snapshot along the way.
func Replay(txns []*storage.Transaction) (balance, frozen decimal.Decimal, err error) {
	balance, frozen = decimal.Zero, decimal.Zero
	for _, txn := range txns {
		balance = balance.Add(txn.Amount)
		frozen = frozen.Add(txn.FrozenAmount)
		if !balance.Equal(txn.SnapshotBalance) || !frozen.Equal(txn.SnapshotFrozenBalance) {
			return balance, frozen, fmt.Errorf("%w: transaction %s (seq %d) expected %s/%s, snapshot %s/%s",
				ErrSnapshotMismatch, txn.ID, txn.Sequence, balance, frozen, txn.SnapshotBalance, txn.SnapshotFrozenBalance)
		}
	}
	return balance, frozen, nil
}

type Reconciliation struct {
	Account         *storage.Account
	Transactions    int
	ReplayedBalance decimal.Decimal
	ReplayedFrozen  decimal.Decimal
	Consistent      bool
	Problem         string
}

// Verify replays an account and compares the result with its cached balances.
func Verify(ctx context.Context, tx storage.Tx, key storage.AccountKey) (*Reconciliation, error) {
	acct, err := tx.GetAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	txns, err := tx.ListTransactions(ctx, key.Class, acct.ID)
	if err != nil {
		return nil, err
	}

	rec := &Reconciliation{Account: acct, Transactions: len(txns)}
	rec.ReplayedBalance, rec.ReplayedFrozen, err = Replay(txns)
	switch {
	case err != nil:
		rec.Problem = err.Error()
	case !rec.ReplayedBalance.Equal(acct.Balance) || !rec.ReplayedFrozen.Equal(acct.FrozenBalance):
		rec.Problem = fmt.Sprintf("account holds %s/%s, ledger replays to %s/%s",
			acct.Balance, acct.FrozenBalance, rec.ReplayedBalance, rec.ReplayedFrozen)
	default:
		rec.Consistent = true
	}
	return rec, nil
}
