package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Transactor runs fn inside one storage transaction. The transaction commits
// when fn returns nil and rolls back otherwise. Callbacks registered with
// Tx.AfterCommit run only after a successful commit.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the full persistence surface of the custody core. Every ForUpdate
// getter takes a row lock held until the transaction ends.
type Tx interface {
	// LockAccount returns the account for key, creating it with zero
	// balances if missing, and locks it.
	LockAccount(ctx context.Context, key AccountKey) (*Account, error)
	GetAccount(ctx context.Context, key AccountKey) (*Account, error)
	// ListHolderAccountsForUpdate locks every account of holder in class
	// and kind, ordered by currency.
	ListHolderAccountsForUpdate(ctx context.Context, class AssetClass, holderID string, kind AccountKind) ([]*Account, error)
	UpdateAccount(ctx context.Context, acct *Account) error

	InsertTransaction(ctx context.Context, txn *Transaction) error
	ListTransactions(ctx context.Context, class AssetClass, accountID uuid.UUID) ([]*Transaction, error)

	// InsertDeposit reports false when the external reference is already taken.
	InsertDeposit(ctx context.Context, d *Deposit) (bool, error)
	GetDepositForUpdate(ctx context.Context, id uuid.UUID) (*Deposit, error)
	GetDepositByExternalRefForUpdate(ctx context.Context, class AssetClass, ref string) (*Deposit, error)
	UpdateDeposit(ctx context.Context, d *Deposit) error

	InsertWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error
	// ListRelayableWithdrawals returns coin withdrawals in processing and
	// fiat withdrawals in bank_pending, oldest first. Rows are not locked.
	ListRelayableWithdrawals(ctx context.Context) ([]*Withdrawal, error)

	InsertInternalTransfer(ctx context.Context, t *InternalTransfer) error
	GetInternalTransferForUpdate(ctx context.Context, id uuid.UUID) (*InternalTransfer, error)
	UpdateInternalTransfer(ctx context.Context, t *InternalTransfer) error

	InsertBalanceLock(ctx context.Context, l *BalanceLock) error
	GetBalanceLockForUpdate(ctx context.Context, id uuid.UUID) (*BalanceLock, error)
	UpdateBalanceLock(ctx context.Context, l *BalanceLock) error
	InsertBalanceLockOperation(ctx context.Context, op *BalanceLockOperation) error
	GetBalanceLockOperationForUpdate(ctx context.Context, id uuid.UUID) (*BalanceLockOperation, error)
	UpdateBalanceLockOperation(ctx context.Context, op *BalanceLockOperation) error
	ListBalanceLockOperations(ctx context.Context, lockID uuid.UUID) ([]*BalanceLockOperation, error)

	// LockMerchantEscrow returns the escrow for (merchant, class, currency),
	// creating it if missing, and locks it.
	LockMerchantEscrow(ctx context.Context, merchantID string, class AssetClass, currency string) (*MerchantEscrow, error)
	GetMerchantEscrowForUpdate(ctx context.Context, id uuid.UUID) (*MerchantEscrow, error)
	UpdateMerchantEscrow(ctx context.Context, e *MerchantEscrow) error
	InsertMerchantEscrowOperation(ctx context.Context, op *MerchantEscrowOperation) error
	GetMerchantEscrowOperationForUpdate(ctx context.Context, id uuid.UUID) (*MerchantEscrowOperation, error)
	UpdateMerchantEscrowOperation(ctx context.Context, op *MerchantEscrowOperation) error

	// InsertInboundEvent reports false when event_id already exists. It
	// never blocks on a concurrent insert of the same id for longer than
	// that transaction takes to finish.
	InsertInboundEvent(ctx context.Context, ev *InboundEvent) (bool, error)
	GetInboundEventForUpdate(ctx context.Context, eventID string) (*InboundEvent, error)
	UpdateInboundEvent(ctx context.Context, ev *InboundEvent) error

	AfterCommit(fn func(ctx context.Context))
}

// afterCommit collects post-commit callbacks for a Tx implementation.
type afterCommit struct {
	fns []func(context.Context)
}

func (a *afterCommit) add(fn func(context.Context)) {
	if fn != nil {
		a.fns = append(a.fns, fn)
	}
}

func (a *afterCommit) run(ctx context.Context) {
	for _, fn := range a.fns {
		fn(ctx)
	}
}
