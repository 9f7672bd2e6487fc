package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrDuplicate = errors.New("duplicate")

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent so Migrate is safe to run on each start.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		body, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		s.logger.Debug("migration applied", "file", entry.Name())
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	ptx := &pgTx{tx: tx}
	if err := fn(ctx, ptx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	ptx.after.run(ctx)
	return nil
}

type pgTx struct {
	tx    pgx.Tx
	after afterCommit
}

func (t *pgTx) AfterCommit(fn func(ctx context.Context)) {
	t.after.add(fn)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func accountsTable(class AssetClass) (string, error) {
	switch class {
	case ClassCoin:
		return "coin_accounts", nil
	case ClassFiat:
		return "fiat_accounts", nil
	}
	return "", fmt.Errorf("unknown asset class %q", class)
}

func transactionsTable(class AssetClass) (string, error) {
	switch class {
	case ClassCoin:
		return "coin_transactions", nil
	case ClassFiat:
		return "fiat_transactions", nil
	}
	return "", fmt.Errorf("unknown asset class %q", class)
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapInsertError(err error, what string, id uuid.UUID) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", what, id, ErrDuplicate)
	}
	return err
}

func requireAffected(tag pgconn.CommandTag, what string, id any) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return nil
}

const accountColumns = `id, holder_id, currency, kind, balance::text, frozen_balance::text, created_at, updated_at`

func scanAccount(row rowScanner, class AssetClass) (*Account, error) {
	acct := &Account{Class: class}
	var kind, balance, frozen string
	if err := row.Scan(&acct.ID, &acct.HolderID, &acct.Currency, &kind, &balance, &frozen, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	acct.Kind = AccountKind(kind)
	var err error
	if acct.Balance, err = parseDecimal("balance", balance); err != nil {
		return nil, err
	}
	if acct.FrozenBalance, err = parseDecimal("frozen_balance", frozen); err != nil {
		return nil, err
	}
	return acct, nil
}

func (t *pgTx) LockAccount(ctx context.Context, key AccountKey) (*Account, error) {
	table, err := accountsTable(key.Class)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, holder_id, currency, kind, balance, frozen_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $5)
		ON CONFLICT (holder_id, currency, kind) DO NOTHING
	`, table), uuid.New(), key.HolderID, key.Currency, string(key.Kind), now); err != nil {
		return nil, fmt.Errorf("create account %s: %w", key, err)
	}

	row := t.tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE holder_id = $1 AND currency = $2 AND kind = $3
		FOR UPDATE
	`, accountColumns, table), key.HolderID, key.Currency, string(key.Kind))
	acct, err := scanAccount(row, key.Class)
	if err != nil {
		return nil, notFound(err, "account", key)
	}
	return acct, nil
}

func (t *pgTx) GetAccount(ctx context.Context, key AccountKey) (*Account, error) {
	table, err := accountsTable(key.Class)
	if err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE holder_id = $1 AND currency = $2 AND kind = $3
	`, accountColumns, table), key.HolderID, key.Currency, string(key.Kind))
	acct, err := scanAccount(row, key.Class)
	if err != nil {
		return nil, notFound(err, "account", key)
	}
	return acct, nil
}

func (t *pgTx) ListHolderAccountsForUpdate(ctx context.Context, class AssetClass, holderID string, kind AccountKind) ([]*Account, error) {
	table, err := accountsTable(class)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE holder_id = $1 AND kind = $2
		ORDER BY currency
		FOR UPDATE
	`, accountColumns, table), holderID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		acct, err := scanAccount(rows, class)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateAccount(ctx context.Context, acct *Account) error {
	table, err := accountsTable(acct.Class)
	if err != nil {
		return err
	}
	acct.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET balance = $1, frozen_balance = $2, updated_at = $3
		WHERE id = $4
	`, table), acct.Balance.String(), acct.FrozenBalance.String(), acct.UpdatedAt, acct.ID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "account", acct.ID)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	table, err := transactionsTable(txn.Class)
	if err != nil {
		return err
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	row := t.tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, account_id, amount, frozen_amount, transaction_type,
			snapshot_balance, snapshot_frozen_balance, operation_kind, operation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq, created_at
	`, table),
		txn.ID, txn.AccountID, txn.Amount.String(), txn.FrozenAmount.String(), string(txn.Type),
		txn.SnapshotBalance.String(), txn.SnapshotFrozenBalance.String(),
		string(txn.Operation.Kind), txn.Operation.ID, time.Now().UTC(),
	)
	return row.Scan(&txn.Sequence, &txn.CreatedAt)
}

func (t *pgTx) ListTransactions(ctx context.Context, class AssetClass, accountID uuid.UUID) ([]*Transaction, error) {
	table, err := transactionsTable(class)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, fmt.Sprintf(`
		SELECT id, seq, account_id, amount::text, frozen_amount::text, transaction_type,
			snapshot_balance::text, snapshot_frozen_balance::text, operation_kind, operation_id, created_at
		FROM %s
		WHERE account_id = $1
		ORDER BY seq
	`, table), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn := &Transaction{Class: class}
		var amount, frozen, snapBalance, snapFrozen, txType, opKind string
		if err := rows.Scan(&txn.ID, &txn.Sequence, &txn.AccountID, &amount, &frozen, &txType,
			&snapBalance, &snapFrozen, &opKind, &txn.Operation.ID, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.Type = TransactionType(txType)
		txn.Operation.Kind = OperationKind(opKind)
		if txn.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		if txn.FrozenAmount, err = parseDecimal("frozen_amount", frozen); err != nil {
			return nil, err
		}
		if txn.SnapshotBalance, err = parseDecimal("snapshot_balance", snapBalance); err != nil {
			return nil, err
		}
		if txn.SnapshotFrozenBalance, err = parseDecimal("snapshot_frozen_balance", snapFrozen); err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

const depositColumns = `id, asset_class, holder_id, currency, amount::text, COALESCE(external_ref, ''),
	status, status_explanation, created_at, updated_at`

func scanDeposit(row rowScanner) (*Deposit, error) {
	d := &Deposit{}
	var class, amount string
	if err := row.Scan(&d.ID, &class, &d.HolderID, &d.Currency, &amount, &d.ExternalRef,
		&d.Status, &d.Explanation, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Class = AssetClass(class)
	var err error
	d.Amount, err = parseDecimal("amount", amount)
	return d, err
}

func (t *pgTx) InsertDeposit(ctx context.Context, d *Deposit) (bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO deposits (id, asset_class, holder_id, currency, amount, external_ref,
			status, status_explanation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $9)
		ON CONFLICT (asset_class, external_ref) DO NOTHING
	`, d.ID, string(d.Class), d.HolderID, d.Currency, d.Amount.String(), d.ExternalRef,
		d.Status, d.Explanation, now)
	if err != nil {
		return false, mapInsertError(err, "deposit", d.ID)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) GetDepositForUpdate(ctx context.Context, id uuid.UUID) (*Deposit, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDeposit(row)
	if err != nil {
		return nil, notFound(err, "deposit", id)
	}
	return d, nil
}

func (t *pgTx) GetDepositByExternalRefForUpdate(ctx context.Context, class AssetClass, ref string) (*Deposit, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE asset_class = $1 AND external_ref = $2
		FOR UPDATE
	`, string(class), ref)
	d, err := scanDeposit(row)
	if err != nil {
		return nil, notFound(err, "deposit ref", ref)
	}
	return d, nil
}

func (t *pgTx) UpdateDeposit(ctx context.Context, d *Deposit) error {
	d.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE deposits SET status = $1, status_explanation = $2, updated_at = $3
		WHERE id = $4
	`, d.Status, d.Explanation, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "deposit", d.ID)
}

const withdrawalColumns = `id, asset_class, holder_id, currency, amount::text, destination,
	status, status_explanation, retry_count, receipt, created_at, updated_at`

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO withdrawals (id, asset_class, holder_id, currency, amount, destination,
			status, status_explanation, retry_count, receipt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, w.ID, string(w.Class), w.HolderID, w.Currency, w.Amount.String(), w.Destination,
		w.Status, w.Explanation, w.RetryCount, w.Receipt, now)
	return mapInsertError(err, "withdrawal", w.ID)
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var class, amount string
	if err := row.Scan(&w.ID, &class, &w.HolderID, &w.Currency, &amount, &w.Destination,
		&w.Status, &w.Explanation, &w.RetryCount, &w.Receipt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Class = AssetClass(class)
	var err error
	w.Amount, err = parseDecimal("amount", amount)
	return w, err
}

func (t *pgTx) GetWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	w, err := scanWithdrawal(t.tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "withdrawal", id)
	}
	return w, nil
}

func (t *pgTx) ListRelayableWithdrawals(ctx context.Context) ([]*Withdrawal, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status IN ($1, $2)
		  AND ((asset_class = $3 AND status = $1) OR (asset_class = $4 AND status = $2))
		ORDER BY created_at, id
	`, WithdrawalProcessing, WithdrawalBankPending, string(ClassCoin), string(ClassFiat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	w.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE withdrawals
		SET status = $1, status_explanation = $2, retry_count = $3, receipt = $4, updated_at = $5
		WHERE id = $6
	`, w.Status, w.Explanation, w.RetryCount, w.Receipt, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "withdrawal", w.ID)
}

func (t *pgTx) InsertInternalTransfer(ctx context.Context, tr *InternalTransfer) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	now := time.Now().UTC()
	tr.CreatedAt, tr.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO internal_transfers (id, asset_class, from_holder_id, to_holder_id, currency, amount,
			status, status_explanation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, tr.ID, string(tr.Class), tr.FromHolderID, tr.ToHolderID, tr.Currency, tr.Amount.String(),
		tr.Status, tr.Explanation, now)
	return mapInsertError(err, "internal transfer", tr.ID)
}

func (t *pgTx) GetInternalTransferForUpdate(ctx context.Context, id uuid.UUID) (*InternalTransfer, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, asset_class, from_holder_id, to_holder_id, currency, amount::text,
			status, status_explanation, created_at, updated_at
		FROM internal_transfers WHERE id = $1 FOR UPDATE
	`, id)
	tr := &InternalTransfer{}
	var class, amount string
	if err := row.Scan(&tr.ID, &class, &tr.FromHolderID, &tr.ToHolderID, &tr.Currency, &amount,
		&tr.Status, &tr.Explanation, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
		return nil, notFound(err, "internal transfer", id)
	}
	tr.Class = AssetClass(class)
	var err error
	tr.Amount, err = parseDecimal("amount", amount)
	return tr, err
}

func (t *pgTx) UpdateInternalTransfer(ctx context.Context, tr *InternalTransfer) error {
	tr.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE internal_transfers SET status = $1, status_explanation = $2, updated_at = $3
		WHERE id = $4
	`, tr.Status, tr.Explanation, tr.UpdatedAt, tr.ID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "internal transfer", tr.ID)
}

func (t *pgTx) InsertBalanceLock(ctx context.Context, l *BalanceLock) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	balances, err := json.Marshal(l.LockedBalances)
	if err != nil {
		return fmt.Errorf("encode locked balances: %w", err)
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	_, err = t.tx.Exec(ctx, `
		INSERT INTO balance_locks (id, holder_id, asset_class, locked_balances, status, reason, performer, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $8)
	`, l.ID, l.HolderID, string(l.Class), string(balances), l.Status, l.Reason, l.Performer, now)
	return mapInsertError(err, "balance lock", l.ID)
}

func (t *pgTx) GetBalanceLockForUpdate(ctx context.Context, id uuid.UUID) (*BalanceLock, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, holder_id, asset_class, locked_balances::text, status, reason, performer, created_at, updated_at
		FROM balance_locks WHERE id = $1 FOR UPDATE
	`, id)
	l := &BalanceLock{}
	var class, balances string
	if err := row.Scan(&l.ID, &l.HolderID, &class, &balances, &l.Status, &l.Reason, &l.Performer, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, notFound(err, "balance lock", id)
	}
	l.Class = AssetClass(class)
	l.LockedBalances = map[string]decimal.Decimal{}
	if err := json.Unmarshal([]byte(balances), &l.LockedBalances); err != nil {
		return nil, fmt.Errorf("decode locked balances: %w", err)
	}
	return l, nil
}

func (t *pgTx) UpdateBalanceLock(ctx context.Context, l *BalanceLock) error {
	l.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `UPDATE balance_locks SET status = $1, updated_at = $2 WHERE id = $3`,
		l.Status, l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "balance lock", l.ID)
}

const lockOperationColumns = `id, balance_lock_id, action, asset_class, currency, amount::text,
	status, status_explanation, created_at, updated_at`

func scanLockOperation(row rowScanner) (*BalanceLockOperation, error) {
	op := &BalanceLockOperation{}
	var class, amount string
	if err := row.Scan(&op.ID, &op.LockID, &op.Action, &class, &op.Currency, &amount,
		&op.Status, &op.Explanation, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	op.Class = AssetClass(class)
	var err error
	op.Amount, err = parseDecimal("amount", amount)
	return op, err
}

func (t *pgTx) InsertBalanceLockOperation(ctx context.Context, op *BalanceLockOperation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	now := time.Now().UTC()
	op.CreatedAt, op.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balance_lock_operations (id, balance_lock_id, action, asset_class, currency, amount,
			status, status_explanation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, op.ID, op.LockID, op.Action, string(op.Class), op.Currency, op.Amount.String(),
		op.Status, op.Explanation, now)
	return mapInsertError(err, "balance lock operation", op.ID)
}

func (t *pgTx) GetBalanceLockOperationForUpdate(ctx context.Context, id uuid.UUID) (*BalanceLockOperation, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+lockOperationColumns+` FROM balance_lock_operations WHERE id = $1 FOR UPDATE`, id)
	op, err := scanLockOperation(row)
	if err != nil {
		return nil, notFound(err, "balance lock operation", id)
	}
	return op, nil
}

func (t *pgTx) UpdateBalanceLockOperation(ctx context.Context, op *BalanceLockOperation) error {
	op.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE balance_lock_operations SET status = $1, status_explanation = $2, updated_at = $3
		WHERE id = $4
	`, op.Status, op.Explanation, op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "balance lock operation", op.ID)
}

func (t *pgTx) ListBalanceLockOperations(ctx context.Context, lockID uuid.UUID) ([]*BalanceLockOperation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+lockOperationColumns+` FROM balance_lock_operations
		WHERE balance_lock_id = $1
		ORDER BY created_at, currency
	`, lockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BalanceLockOperation
	for rows.Next() {
		op, err := scanLockOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

const escrowColumns = `id, merchant_id, asset_class, currency, minted_amount::text, created_at, updated_at`

func scanEscrow(row rowScanner) (*MerchantEscrow, error) {
	e := &MerchantEscrow{}
	var class, minted string
	if err := row.Scan(&e.ID, &e.MerchantID, &class, &e.Currency, &minted, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Class = AssetClass(class)
	var err error
	e.MintedAmount, err = parseDecimal("minted_amount", minted)
	return e, err
}

func (t *pgTx) LockMerchantEscrow(ctx context.Context, merchantID string, class AssetClass, currency string) (*MerchantEscrow, error) {
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO merchant_escrows (id, merchant_id, asset_class, currency, minted_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		ON CONFLICT (merchant_id, asset_class, currency) DO NOTHING
	`, uuid.New(), merchantID, string(class), currency, now); err != nil {
		return nil, fmt.Errorf("create merchant escrow: %w", err)
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+escrowColumns+` FROM merchant_escrows
		WHERE merchant_id = $1 AND asset_class = $2 AND currency = $3
		FOR UPDATE
	`, merchantID, string(class), currency)
	e, err := scanEscrow(row)
	if err != nil {
		return nil, notFound(err, "merchant escrow", merchantID)
	}
	return e, nil
}

func (t *pgTx) GetMerchantEscrowForUpdate(ctx context.Context, id uuid.UUID) (*MerchantEscrow, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM merchant_escrows WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEscrow(row)
	if err != nil {
		return nil, notFound(err, "merchant escrow", id)
	}
	return e, nil
}

func (t *pgTx) UpdateMerchantEscrow(ctx context.Context, e *MerchantEscrow) error {
	e.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `UPDATE merchant_escrows SET minted_amount = $1, updated_at = $2 WHERE id = $3`,
		e.MintedAmount.String(), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "merchant escrow", e.ID)
}

func (t *pgTx) InsertMerchantEscrowOperation(ctx context.Context, op *MerchantEscrowOperation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	now := time.Now().UTC()
	op.CreatedAt, op.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO merchant_escrow_operations (id, merchant_escrow_id, merchant_id, asset_class, currency,
			action, amount, status, status_explanation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, op.ID, op.EscrowID, op.MerchantID, string(op.Class), op.Currency, op.Action, op.Amount.String(),
		op.Status, op.Explanation, now)
	return mapInsertError(err, "merchant escrow operation", op.ID)
}

func (t *pgTx) GetMerchantEscrowOperationForUpdate(ctx context.Context, id uuid.UUID) (*MerchantEscrowOperation, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, merchant_escrow_id, merchant_id, asset_class, currency, action, amount::text,
			status, status_explanation, created_at, updated_at
		FROM merchant_escrow_operations WHERE id = $1 FOR UPDATE
	`, id)
	op := &MerchantEscrowOperation{}
	var class, amount string
	if err := row.Scan(&op.ID, &op.EscrowID, &op.MerchantID, &class, &op.Currency, &op.Action, &amount,
		&op.Status, &op.Explanation, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, notFound(err, "merchant escrow operation", id)
	}
	op.Class = AssetClass(class)
	var err error
	op.Amount, err = parseDecimal("amount", amount)
	return op, err
}

func (t *pgTx) UpdateMerchantEscrowOperation(ctx context.Context, op *MerchantEscrowOperation) error {
	op.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE merchant_escrow_operations SET status = $1, status_explanation = $2, updated_at = $3
		WHERE id = $4
	`, op.Status, op.Explanation, op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "merchant escrow operation", op.ID)
}

func (t *pgTx) InsertInboundEvent(ctx context.Context, ev *InboundEvent) (bool, error) {
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO inbound_events (event_id, topic, payload, status, error, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Topic, ev.Payload, ev.Status, ev.Error, ev.Attempts, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) GetInboundEventForUpdate(ctx context.Context, eventID string) (*InboundEvent, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT event_id, topic, payload, status, error, attempts, processed_at, created_at, updated_at
		FROM inbound_events WHERE event_id = $1 FOR UPDATE
	`, eventID)
	ev := &InboundEvent{}
	if err := row.Scan(&ev.EventID, &ev.Topic, &ev.Payload, &ev.Status, &ev.Error, &ev.Attempts,
		&ev.ProcessedAt, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return nil, notFound(err, "inbound event", eventID)
	}
	return ev, nil
}

func (t *pgTx) UpdateInboundEvent(ctx context.Context, ev *InboundEvent) error {
	ev.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE inbound_events
		SET status = $1, error = $2, attempts = $3, processed_at = $4, updated_at = $5
		WHERE event_id = $6
	`, ev.Status, ev.Error, ev.Attempts, ev.ProcessedAt, ev.UpdatedAt, ev.EventID)
	if err != nil {
		return err
	}
	return requireAffected(tag, "inbound event", ev.EventID)
}
