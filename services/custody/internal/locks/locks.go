package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrLockAlreadyReleased = errors.New("balance lock already released")
	ErrReleaseIncomplete   = errors.New("balance lock release incomplete")
	ErrInvalidRequest      = errors.New("invalid lock request")
)

type Metrics interface {
	IncLockAction(action, status string)
}

type LockRequest struct {
	ID       uuid.UUID
	HolderID string
	Class    storage.AssetClass
	// Currencies to lock. Empty means every currency the holder has.
	Currencies []string
	Reason     string
	Performer  string
}

// Manager places and releases administrative holds on a holder's free
// balances. Locks are additive: several locks may cover the same currency.
type Manager struct {
	store   storage.Transactor
	ledger  *ledger.Ledger
	metrics Metrics
	logger  *slog.Logger
}

func New(store storage.Transactor, l *ledger.Ledger, metrics Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, ledger: l, metrics: metrics, logger: logger}
}

// Lock snapshots the free balance of each requested currency and freezes
// exactly that amount. Currencies with nothing free are kept in the snapshot
// at zero and get no operation.
func (m *Manager) Lock(ctx context.Context, req LockRequest) (*storage.BalanceLock, error) {
	if !req.Class.Valid() {
		return nil, fmt.Errorf("%w: asset_class %q", ErrInvalidRequest, req.Class)
	}
	if strings.TrimSpace(req.HolderID) == "" {
		return nil, fmt.Errorf("%w: holder_id is required", ErrInvalidRequest)
	}

	lock := &storage.BalanceLock{
		ID:             req.ID,
		HolderID:       req.HolderID,
		Class:          req.Class,
		LockedBalances: make(map[string]decimal.Decimal),
		Status:         fsm.BalanceLock.Initial(),
		Reason:         req.Reason,
		Performer:      req.Performer,
	}
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		accounts, err := m.accounts(ctx, tx, req)
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			lock.LockedBalances[acct.Currency] = acct.Available()
		}
		if err := tx.InsertBalanceLock(ctx, lock); err != nil {
			return err
		}

		for _, currency := range sortedCurrencies(lock.LockedBalances) {
			amount := lock.LockedBalances[currency]
			if !amount.IsPositive() {
				continue
			}
			op, err := m.newOperation(ctx, tx, lock, storage.ActionLock, currency, amount)
			if err != nil {
				return err
			}
			if err := m.settle(ctx, tx, lock, op); err != nil {
				return err
			}
		}
		return nil
	})
	m.observe(storage.ActionLock, err)
	if err != nil {
		m.logger.Warn("balance lock rejected", "holder_id", req.HolderID, "error", err)
		return nil, err
	}
	m.logger.Info("balance locked", "lock_id", lock.ID, "holder_id", lock.HolderID, "currencies", len(lock.LockedBalances), "performer", lock.Performer)
	return lock, nil
}

func (m *Manager) accounts(ctx context.Context, tx storage.Tx, req LockRequest) ([]*storage.Account, error) {
	if len(req.Currencies) == 0 {
		return tx.ListHolderAccountsForUpdate(ctx, req.Class, req.HolderID, storage.KindMain)
	}
	keys := make([]storage.AccountKey, 0, len(req.Currencies))
	for _, currency := range req.Currencies {
		if storage.NormalizeCurrency(currency) == "" {
			return nil, fmt.Errorf("%w: empty currency", ErrInvalidRequest)
		}
		keys = append(keys, storage.NewAccountKey(req.Class, req.HolderID, currency, storage.KindMain))
	}
	locked, err := ledger.LockOrdered(ctx, tx, keys...)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Account, 0, len(locked))
	for _, acct := range locked {
		out = append(out, acct)
	}
	return out, nil
}

// Release unfreezes every locked currency. Each currency is released in its
// own transaction; the lock reaches released only when all of them succeed.
// Calling Release again on a releasing lock retries what is left.
func (m *Manager) Release(ctx context.Context, lockID uuid.UUID) (*storage.BalanceLock, error) {
	pending, err := m.beginRelease(ctx, lockID)
	if err != nil {
		m.observe(storage.ActionRelease, err)
		return nil, err
	}

	var failures []string
	for _, opID := range pending {
		if err := m.releaseOne(ctx, opID); err != nil {
			failures = append(failures, err.Error())
		}
	}

	lock, err := m.finishRelease(ctx, lockID)
	if err == nil && len(failures) > 0 {
		err = fmt.Errorf("%w: %s", ErrReleaseIncomplete, strings.Join(failures, "; "))
	}
	m.observe(storage.ActionRelease, err)
	return lock, err
}

func (m *Manager) beginRelease(ctx context.Context, lockID uuid.UUID) ([]uuid.UUID, error) {
	var pending []uuid.UUID
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		lock, err := tx.GetBalanceLockForUpdate(ctx, lockID)
		if err != nil {
			return err
		}
		switch lock.Status {
		case storage.LockReleased:
			return fmt.Errorf("lock %s: %w", lock.ID, ErrLockAlreadyReleased)
		case storage.LockLocked:
			next, err := fsm.BalanceLock.Next(lock.Status, fsm.EventRelease)
			if err != nil {
				return err
			}
			lock.Status = next
			if err := tx.UpdateBalanceLock(ctx, lock); err != nil {
				return err
			}
		}

		ops, err := tx.ListBalanceLockOperations(ctx, lock.ID)
		if err != nil {
			return err
		}
		state := releaseState(ops)
		for _, currency := range sortedCurrencies(lock.LockedBalances) {
			amount := lock.LockedBalances[currency]
			if !amount.IsPositive() {
				continue
			}
			switch op := state[currency]; {
			case op == nil || op.Status == storage.StepFailed:
				created, err := m.newOperation(ctx, tx, lock, storage.ActionRelease, currency, amount)
				if err != nil {
					return err
				}
				pending = append(pending, created.ID)
			case op.Status == storage.StepPending:
				pending = append(pending, op.ID)
			}
		}
		return nil
	})
	return pending, err
}

func (m *Manager) releaseOne(ctx context.Context, opID uuid.UUID) error {
	cause := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		op, err := tx.GetBalanceLockOperationForUpdate(ctx, opID)
		if err != nil {
			return err
		}
		if op.Status != storage.StepPending {
			return nil
		}
		lock, err := tx.GetBalanceLockForUpdate(ctx, op.LockID)
		if err != nil {
			return err
		}
		return m.settle(ctx, tx, lock, op)
	})
	if cause == nil {
		return nil
	}

	m.logger.Warn("balance lock release step failed", "operation_id", opID, "error", cause)
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		op, err := tx.GetBalanceLockOperationForUpdate(ctx, opID)
		if err != nil {
			return err
		}
		next, err := fsm.BalanceLockOperation.Next(op.Status, fsm.EventFail)
		if err != nil {
			return err
		}
		op.Status = next
		op.Explanation = cause.Error()
		return tx.UpdateBalanceLockOperation(ctx, op)
	})
	if err != nil {
		m.logger.Error("mark release step failed", "operation_id", opID, "error", err)
	}
	return cause
}

func (m *Manager) finishRelease(ctx context.Context, lockID uuid.UUID) (*storage.BalanceLock, error) {
	var out *storage.BalanceLock
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		lock, err := tx.GetBalanceLockForUpdate(ctx, lockID)
		if err != nil {
			return err
		}
		out = lock
		if lock.Status != storage.LockReleasing {
			return nil
		}
		ops, err := tx.ListBalanceLockOperations(ctx, lock.ID)
		if err != nil {
			return err
		}
		state := releaseState(ops)
		for currency, amount := range lock.LockedBalances {
			if !amount.IsPositive() {
				continue
			}
			if op := state[currency]; op == nil || op.Status != storage.StepCompleted {
				return nil
			}
		}
		next, err := fsm.BalanceLock.Next(lock.Status, fsm.EventFinish)
		if err != nil {
			return err
		}
		lock.Status = next
		if err := tx.UpdateBalanceLock(ctx, lock); err != nil {
			return err
		}
		m.logger.Info("balance lock released", "lock_id", lock.ID, "holder_id", lock.HolderID)
		return nil
	})
	return out, err
}

func (m *Manager) newOperation(ctx context.Context, tx storage.Tx, lock *storage.BalanceLock, action, currency string, amount decimal.Decimal) (*storage.BalanceLockOperation, error) {
	op := &storage.BalanceLockOperation{
		LockID:   lock.ID,
		Action:   action,
		Class:    lock.Class,
		Currency: currency,
		Amount:   amount,
		Status:   fsm.BalanceLockOperation.Initial(),
	}
	if err := tx.InsertBalanceLockOperation(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// settle applies the operation's freeze or unfreeze and completes it.
func (m *Manager) settle(ctx context.Context, tx storage.Tx, lock *storage.BalanceLock, op *storage.BalanceLockOperation) error {
	next, err := fsm.BalanceLockOperation.Next(op.Status, fsm.EventComplete)
	if err != nil {
		return err
	}
	frozenDelta, txType := op.Amount, storage.TxLock
	if op.Action == storage.ActionRelease {
		frozenDelta, txType = op.Amount.Neg(), storage.TxRelease
	}
	key := storage.NewAccountKey(lock.Class, lock.HolderID, op.Currency, storage.KindMain)
	ref := storage.OperationRef{Kind: storage.OpBalanceLockOperation, ID: op.ID}
	if _, err := m.ledger.Record(ctx, tx, key, decimal.Zero, frozenDelta, txType, ref); err != nil {
		return fmt.Errorf("%s %s: %w", op.Action, op.Currency, err)
	}
	op.Status = next
	return tx.UpdateBalanceLockOperation(ctx, op)
}

// Get returns the lock and its operations in creation order.
func (m *Manager) Get(ctx context.Context, lockID uuid.UUID) (*storage.BalanceLock, []*storage.BalanceLockOperation, error) {
	var lock *storage.BalanceLock
	var ops []*storage.BalanceLockOperation
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if lock, err = tx.GetBalanceLockForUpdate(ctx, lockID); err != nil {
			return err
		}
		ops, err = tx.ListBalanceLockOperations(ctx, lockID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return lock, ops, nil
}

func (m *Manager) observe(action string, err error) {
	if m.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrLockAlreadyReleased), errors.Is(err, fsm.ErrInvalidTransition):
		status = "invalid"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = "insufficient_funds"
	case errors.Is(err, ErrReleaseIncomplete):
		status = "incomplete"
	default:
		status = "error"
	}
	m.metrics.IncLockAction(action, status)
}

// releaseState maps each currency to its live release operation. A currency
// has at most one pending or completed release; failed ones only show when
// nothing replaced them.
func releaseState(ops []*storage.BalanceLockOperation) map[string]*storage.BalanceLockOperation {
	out := make(map[string]*storage.BalanceLockOperation)
	for _, op := range ops {
		if op.Action != storage.ActionRelease {
			continue
		}
		if prev, ok := out[op.Currency]; ok && prev.Status != storage.StepFailed {
			continue
		}
		out[op.Currency] = op
	}
	return out
}

func sortedCurrencies(balances map[string]decimal.Decimal) []string {
	out := make([]string, 0, len(balances))
	for currency := range balances {
		out = append(out, currency)
	}
	sort.Strings(out)
	return out
}
