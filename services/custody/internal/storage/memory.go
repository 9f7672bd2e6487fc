package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process backend with the same transactional contract as
// Store. Transactions are fully serialized.
type Memory struct {
	mu sync.Mutex

	seq        int64
	accounts   map[AccountKey]*Account
	txns       map[uuid.UUID][]*Transaction
	deposits   map[uuid.UUID]*Deposit
	depositRef map[string]*uuid.UUID
	withdraws  map[uuid.UUID]*Withdrawal
	transfers  map[uuid.UUID]*InternalTransfer
	locks      map[uuid.UUID]*BalanceLock
	lockOps    map[uuid.UUID]*BalanceLockOperation
	escrows    map[uuid.UUID]*MerchantEscrow
	escrowOps  map[uuid.UUID]*MerchantEscrowOperation
	events     map[string]*InboundEvent
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[AccountKey]*Account),
		txns:       make(map[uuid.UUID][]*Transaction),
		deposits:   make(map[uuid.UUID]*Deposit),
		depositRef: make(map[string]*uuid.UUID),
		withdraws:  make(map[uuid.UUID]*Withdrawal),
		transfers:  make(map[uuid.UUID]*InternalTransfer),
		locks:      make(map[uuid.UUID]*BalanceLock),
		lockOps:    make(map[uuid.UUID]*BalanceLockOperation),
		escrows:    make(map[uuid.UUID]*MerchantEscrow),
		escrowOps:  make(map[uuid.UUID]*MerchantEscrowOperation),
		events:     make(map[string]*InboundEvent),
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{m: m}
	if err := m.run(ctx, tx, fn); err != nil {
		return err
	}
	tx.after.run(ctx)
	return nil
}

func (m *Memory) run(ctx context.Context, tx *memTx, fn func(ctx context.Context, tx Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	committed := false
	defer func() {
		if !committed {
			for i := len(tx.undo) - 1; i >= 0; i-- {
				tx.undo[i]()
			}
		}
	}()
	if err = fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return nil
}

type memTx struct {
	m     *Memory
	undo  []func()
	after afterCommit
}

func (t *memTx) AfterCommit(fn func(ctx context.Context)) {
	t.after.add(fn)
}

// put records the previous value of key so a rollback can restore it.
func put[K comparable, V any](t *memTx, store map[K]*V, key K, value *V) {
	prev, existed := store[key]
	t.undo = append(t.undo, func() {
		if existed {
			store[key] = prev
		} else {
			delete(store, key)
		}
	})
	store[key] = value
}

func clone[V any](v *V) *V {
	out := *v
	return &out
}

func depositRefKey(class AssetClass, ref string) string {
	return string(class) + "|" + ref
}

func escrowKey(merchantID string, class AssetClass, currency string) string {
	return merchantID + "|" + string(class) + "|" + currency
}

func (t *memTx) LockAccount(_ context.Context, key AccountKey) (*Account, error) {
	if !key.Class.Valid() {
		return nil, fmt.Errorf("unknown asset class %q", key.Class)
	}
	if acct, ok := t.m.accounts[key]; ok {
		return clone(acct), nil
	}
	now := time.Now().UTC()
	acct := &Account{
		ID:        uuid.New(),
		Class:     key.Class,
		HolderID:  key.HolderID,
		Currency:  key.Currency,
		Kind:      key.Kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	put(t, t.m.accounts, key, acct)
	return clone(acct), nil
}

func (t *memTx) GetAccount(_ context.Context, key AccountKey) (*Account, error) {
	acct, ok := t.m.accounts[key]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", key, ErrNotFound)
	}
	return clone(acct), nil
}

func (t *memTx) ListHolderAccountsForUpdate(_ context.Context, class AssetClass, holderID string, kind AccountKind) ([]*Account, error) {
	var out []*Account
	for key, acct := range t.m.accounts {
		if key.Class == class && key.HolderID == holderID && key.Kind == kind {
			out = append(out, clone(acct))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (t *memTx) UpdateAccount(_ context.Context, acct *Account) error {
	key := acct.Key()
	if _, ok := t.m.accounts[key]; !ok {
		return fmt.Errorf("account %s: %w", acct.ID, ErrNotFound)
	}
	acct.UpdatedAt = time.Now().UTC()
	put(t, t.m.accounts, key, clone(acct))
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	prevSeq := t.m.seq
	t.m.seq++
	txn.Sequence = t.m.seq
	txn.CreatedAt = time.Now().UTC()

	accountID := txn.AccountID
	prev := t.m.txns[accountID]
	t.m.txns[accountID] = append(prev[:len(prev):len(prev)], clone(txn))
	t.undo = append(t.undo, func() {
		t.m.txns[accountID] = prev
		t.m.seq = prevSeq
	})
	return nil
}

func (t *memTx) ListTransactions(_ context.Context, class AssetClass, accountID uuid.UUID) ([]*Transaction, error) {
	var out []*Transaction
	for _, txn := range t.m.txns[accountID] {
		if txn.Class == class {
			out = append(out, clone(txn))
		}
	}
	return out, nil
}

func (t *memTx) InsertDeposit(_ context.Context, d *Deposit) (bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if _, ok := t.m.deposits[d.ID]; ok {
		return false, fmt.Errorf("deposit %s: %w", d.ID, ErrDuplicate)
	}
	if d.ExternalRef != "" {
		refKey := depositRefKey(d.Class, d.ExternalRef)
		if _, ok := t.m.depositRef[refKey]; ok {
			return false, nil
		}
		id := d.ID
		put(t, t.m.depositRef, refKey, &id)
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	put(t, t.m.deposits, d.ID, clone(d))
	return true, nil
}

func (t *memTx) GetDepositForUpdate(_ context.Context, id uuid.UUID) (*Deposit, error) {
	d, ok := t.m.deposits[id]
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", id, ErrNotFound)
	}
	return clone(d), nil
}

func (t *memTx) GetDepositByExternalRefForUpdate(ctx context.Context, class AssetClass, ref string) (*Deposit, error) {
	id, ok := t.m.depositRef[depositRefKey(class, ref)]
	if !ok {
		return nil, fmt.Errorf("deposit ref %s: %w", ref, ErrNotFound)
	}
	return t.GetDepositForUpdate(ctx, *id)
}

func (t *memTx) UpdateDeposit(_ context.Context, d *Deposit) error {
	if _, ok := t.m.deposits[d.ID]; !ok {
		return fmt.Errorf("deposit %s: %w", d.ID, ErrNotFound)
	}
	d.UpdatedAt = time.Now().UTC()
	put(t, t.m.deposits, d.ID, clone(d))
	return nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w *Withdrawal) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if _, ok := t.m.withdraws[w.ID]; ok {
		return fmt.Errorf("withdrawal %s: %w", w.ID, ErrDuplicate)
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	put(t, t.m.withdraws, w.ID, clone(w))
	return nil
}

func (t *memTx) GetWithdrawalForUpdate(_ context.Context, id uuid.UUID) (*Withdrawal, error) {
	w, ok := t.m.withdraws[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	return clone(w), nil
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w *Withdrawal) error {
	if _, ok := t.m.withdraws[w.ID]; !ok {
		return fmt.Errorf("withdrawal %s: %w", w.ID, ErrNotFound)
	}
	w.UpdatedAt = time.Now().UTC()
	put(t, t.m.withdraws, w.ID, clone(w))
	return nil
}

func (t *memTx) ListRelayableWithdrawals(_ context.Context) ([]*Withdrawal, error) {
	var out []*Withdrawal
	for _, w := range t.m.withdraws {
		if (w.Class == ClassCoin && w.Status == WithdrawalProcessing) ||
			(w.Class == ClassFiat && w.Status == WithdrawalBankPending) {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (t *memTx) InsertInternalTransfer(_ context.Context, tr *InternalTransfer) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	if _, ok := t.m.transfers[tr.ID]; ok {
		return fmt.Errorf("internal transfer %s: %w", tr.ID, ErrDuplicate)
	}
	now := time.Now().UTC()
	tr.CreatedAt, tr.UpdatedAt = now, now
	put(t, t.m.transfers, tr.ID, clone(tr))
	return nil
}

func (t *memTx) GetInternalTransferForUpdate(_ context.Context, id uuid.UUID) (*InternalTransfer, error) {
	tr, ok := t.m.transfers[id]
	if !ok {
		return nil, fmt.Errorf("internal transfer %s: %w", id, ErrNotFound)
	}
	return clone(tr), nil
}

func (t *memTx) UpdateInternalTransfer(_ context.Context, tr *InternalTransfer) error {
	if _, ok := t.m.transfers[tr.ID]; !ok {
		return fmt.Errorf("internal transfer %s: %w", tr.ID, ErrNotFound)
	}
	tr.UpdatedAt = time.Now().UTC()
	put(t, t.m.transfers, tr.ID, clone(tr))
	return nil
}

func cloneLock(l *BalanceLock) *BalanceLock {
	out := clone(l)
	out.LockedBalances = make(map[string]decimal.Decimal, len(l.LockedBalances))
	maps.Copy(out.LockedBalances, l.LockedBalances)
	return out
}

func (t *memTx) InsertBalanceLock(_ context.Context, l *BalanceLock) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if _, ok := t.m.locks[l.ID]; ok {
		return fmt.Errorf("balance lock %s: %w", l.ID, ErrDuplicate)
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	put(t, t.m.locks, l.ID, cloneLock(l))
	return nil
}

func (t *memTx) GetBalanceLockForUpdate(_ context.Context, id uuid.UUID) (*BalanceLock, error) {
	l, ok := t.m.locks[id]
	if !ok {
		return nil, fmt.Errorf("balance lock %s: %w", id, ErrNotFound)
	}
	return cloneLock(l), nil
}

func (t *memTx) UpdateBalanceLock(_ context.Context, l *BalanceLock) error {
	stored, ok := t.m.locks[l.ID]
	if !ok {
		return fmt.Errorf("balance lock %s: %w", l.ID, ErrNotFound)
	}
	l.UpdatedAt = time.Now().UTC()
	next := cloneLock(stored)
	next.Status = l.Status
	next.UpdatedAt = l.UpdatedAt
	put(t, t.m.locks, l.ID, next)
	return nil
}

func (t *memTx) InsertBalanceLockOperation(_ context.Context, op *BalanceLockOperation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if _, ok := t.m.lockOps[op.ID]; ok {
		return fmt.Errorf("balance lock operation %s: %w", op.ID, ErrDuplicate)
	}
	now := time.Now().UTC()
	op.CreatedAt, op.UpdatedAt = now, now
	put(t, t.m.lockOps, op.ID, clone(op))
	return nil
}

func (t *memTx) GetBalanceLockOperationForUpdate(_ context.Context, id uuid.UUID) (*BalanceLockOperation, error) {
	op, ok := t.m.lockOps[id]
	if !ok {
		return nil, fmt.Errorf("balance lock operation %s: %w", id, ErrNotFound)
	}
	return clone(op), nil
}

func (t *memTx) UpdateBalanceLockOperation(_ context.Context, op *BalanceLockOperation) error {
	if _, ok := t.m.lockOps[op.ID]; !ok {
		return fmt.Errorf("balance lock operation %s: %w", op.ID, ErrNotFound)
	}
	op.UpdatedAt = time.Now().UTC()
	put(t, t.m.lockOps, op.ID, clone(op))
	return nil
}

func (t *memTx) ListBalanceLockOperations(_ context.Context, lockID uuid.UUID) ([]*BalanceLockOperation, error) {
	var out []*BalanceLockOperation
	for _, op := range t.m.lockOps {
		if op.LockID == lockID {
			out = append(out, clone(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

func (t *memTx) LockMerchantEscrow(_ context.Context, merchantID string, class AssetClass, currency string) (*MerchantEscrow, error) {
	key := escrowKey(merchantID, class, currency)
	for _, e := range t.m.escrows {
		if escrowKey(e.MerchantID, e.Class, e.Currency) == key {
			return clone(e), nil
		}
	}
	now := time.Now().UTC()
	e := &MerchantEscrow{
		ID:         uuid.New(),
		MerchantID: merchantID,
		Class:      class,
		Currency:   currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	put(t, t.m.escrows, e.ID, e)
	return clone(e), nil
}

func (t *memTx) GetMerchantEscrowForUpdate(_ context.Context, id uuid.UUID) (*MerchantEscrow, error) {
	e, ok := t.m.escrows[id]
	if !ok {
		return nil, fmt.Errorf("merchant escrow %s: %w", id, ErrNotFound)
	}
	return clone(e), nil
}

func (t *memTx) UpdateMerchantEscrow(_ context.Context, e *MerchantEscrow) error {
	if _, ok := t.m.escrows[e.ID]; !ok {
		return fmt.Errorf("merchant escrow %s: %w", e.ID, ErrNotFound)
	}
	e.UpdatedAt = time.Now().UTC()
	put(t, t.m.escrows, e.ID, clone(e))
	return nil
}

func (t *memTx) InsertMerchantEscrowOperation(_ context.Context, op *MerchantEscrowOperation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if _, ok := t.m.escrowOps[op.ID]; ok {
		return fmt.Errorf("merchant escrow operation %s: %w", op.ID, ErrDuplicate)
	}
	now := time.Now().UTC()
	op.CreatedAt, op.UpdatedAt = now, now
	put(t, t.m.escrowOps, op.ID, clone(op))
	return nil
}

func (t *memTx) GetMerchantEscrowOperationForUpdate(_ context.Context, id uuid.UUID) (*MerchantEscrowOperation, error) {
	op, ok := t.m.escrowOps[id]
	if !ok {
		return nil, fmt.Errorf("merchant escrow operation %s: %w", id, ErrNotFound)
	}
	return clone(op), nil
}

func (t *memTx) UpdateMerchantEscrowOperation(_ context.Context, op *MerchantEscrowOperation) error {
	if _, ok := t.m.escrowOps[op.ID]; !ok {
		return fmt.Errorf("merchant escrow operation %s: %w", op.ID, ErrNotFound)
	}
	op.UpdatedAt = time.Now().UTC()
	put(t, t.m.escrowOps, op.ID, clone(op))
	return nil
}

func cloneEvent(ev *InboundEvent) *InboundEvent {
	out := clone(ev)
	out.Payload = append([]byte(nil), ev.Payload...)
	if ev.ProcessedAt != nil {
		at := *ev.ProcessedAt
		out.ProcessedAt = &at
	}
	return out
}

func (t *memTx) InsertInboundEvent(_ context.Context, ev *InboundEvent) (bool, error) {
	if _, ok := t.m.events[ev.EventID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	put(t, t.m.events, ev.EventID, cloneEvent(ev))
	return true, nil
}

func (t *memTx) GetInboundEventForUpdate(_ context.Context, eventID string) (*InboundEvent, error) {
	ev, ok := t.m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("inbound event %s: %w", eventID, ErrNotFound)
	}
	return cloneEvent(ev), nil
}

func (t *memTx) UpdateInboundEvent(_ context.Context, ev *InboundEvent) error {
	if _, ok := t.m.events[ev.EventID]; !ok {
		return fmt.Errorf("inbound event %s: %w", ev.EventID, ErrNotFound)
	}
	ev.UpdatedAt = time.Now().UTC()
	put(t, t.m.events, ev.EventID, cloneEvent(ev))
	return nil
}
