package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/locks"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Custody is the in-process creation API. Requests carry raw strings as
// they arrive from the HTTP layer and are parsed here.
type Custody struct {
	store   storage.Transactor
	ops     *operations.Service
	locks   *locks.Manager
	metrics *Metrics
	logger  *slog.Logger
}

func New(store storage.Transactor, ops *operations.Service, lockManager *locks.Manager, metrics *Metrics, logger *slog.Logger) *Custody {
	if logger == nil {
		logger = slog.Default()
	}
	return &Custody{
		store:   store,
		ops:     ops,
		locks:   lockManager,
		metrics: metrics,
		logger:  logger,
	}
}

type CreateDepositRequest struct {
	ID          string
	AssetClass  string
	HolderID    string
	Currency    string
	Amount      string
	ExternalRef string
}

func (c *Custody) CreateDeposit(ctx context.Context, req CreateDepositRequest) (*storage.Deposit, error) {
	id, err := optionalID(req.ID, "deposit_id")
	if err != nil {
		return nil, err
	}
	amount, err := operations.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	return c.ops.CreateDeposit(ctx, operations.DepositRequest{
		ID:          id,
		Class:       parseClass(req.AssetClass),
		HolderID:    strings.TrimSpace(req.HolderID),
		Currency:    req.Currency,
		Amount:      amount,
		ExternalRef: strings.TrimSpace(req.ExternalRef),
	})
}

type CreateWithdrawalRequest struct {
	ID          string
	AssetClass  string
	HolderID    string
	Currency    string
	Amount      string
	Destination string
}

func (c *Custody) CreateWithdrawal(ctx context.Context, req CreateWithdrawalRequest) (*storage.Withdrawal, error) {
	id, err := optionalID(req.ID, "withdrawal_id")
	if err != nil {
		return nil, err
	}
	amount, err := operations.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	return c.ops.CreateWithdrawal(ctx, operations.WithdrawalRequest{
		ID:          id,
		Class:       parseClass(req.AssetClass),
		HolderID:    strings.TrimSpace(req.HolderID),
		Currency:    req.Currency,
		Amount:      amount,
		Destination: strings.TrimSpace(req.Destination),
	})
}

type CreateInternalTransferRequest struct {
	ID           string
	AssetClass   string
	FromHolderID string
	ToHolderID   string
	Currency     string
	Amount       string
}

func (c *Custody) CreateInternalTransfer(ctx context.Context, req CreateInternalTransferRequest) (*storage.InternalTransfer, error) {
	id, err := optionalID(req.ID, "transfer_id")
	if err != nil {
		return nil, err
	}
	amount, err := operations.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	return c.ops.CreateInternalTransfer(ctx, operations.TransferRequest{
		ID:           id,
		Class:        parseClass(req.AssetClass),
		FromHolderID: strings.TrimSpace(req.FromHolderID),
		ToHolderID:   strings.TrimSpace(req.ToHolderID),
		Currency:     req.Currency,
		Amount:       amount,
	})
}

type CreateBalanceLockRequest struct {
	ID         string
	AssetClass string
	HolderID   string
	// Currencies is a comma separated list; empty locks every currency.
	Currencies string
	Reason     string
	Performer  string
}

func (c *Custody) CreateBalanceLock(ctx context.Context, req CreateBalanceLockRequest) (*storage.BalanceLock, error) {
	id, err := optionalID(req.ID, "lock_id")
	if err != nil {
		return nil, err
	}
	var currencies []string
	for _, part := range strings.Split(req.Currencies, ",") {
		if part = strings.TrimSpace(part); part != "" {
			currencies = append(currencies, part)
		}
	}
	if len(currencies) == 0 && strings.TrimSpace(req.Currencies) != "" {
		return nil, fmt.Errorf("%w: currencies %q names no currency", operations.ErrValidation, req.Currencies)
	}
	return c.locks.Lock(ctx, locks.LockRequest{
		ID:         id,
		HolderID:   strings.TrimSpace(req.HolderID),
		Class:      parseClass(req.AssetClass),
		Currencies: currencies,
		Reason:     strings.TrimSpace(req.Reason),
		Performer:  strings.TrimSpace(req.Performer),
	})
}

func (c *Custody) ReleaseBalanceLock(ctx context.Context, lockID string) (*storage.BalanceLock, error) {
	id, err := operations.ParseID(lockID, "lock_id")
	if err != nil {
		return nil, err
	}
	return c.locks.Release(ctx, id)
}

type CreateMerchantEscrowOperationRequest struct {
	ID         string
	MerchantID string
	AssetClass string
	Currency   string
	Action     string
	Amount     string
}

func (c *Custody) CreateMerchantEscrowOperation(ctx context.Context, req CreateMerchantEscrowOperationRequest) (*storage.MerchantEscrowOperation, error) {
	id, err := optionalID(req.ID, "operation_id")
	if err != nil {
		return nil, err
	}
	amount, err := operations.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	return c.ops.CreateMerchantEscrowOperation(ctx, operations.EscrowRequest{
		ID:         id,
		MerchantID: strings.TrimSpace(req.MerchantID),
		Class:      parseClass(req.AssetClass),
		Currency:   req.Currency,
		Action:     strings.ToLower(strings.TrimSpace(req.Action)),
		Amount:     amount,
	})
}

// Balance is a read of one account's cached balances.
type Balance struct {
	AccountID uuid.UUID
	Key       storage.AccountKey
	Balance   decimal.Decimal
	Frozen    decimal.Decimal
	Available decimal.Decimal
}

func (c *Custody) GetBalance(ctx context.Context, assetClass, holderID, currency string) (*Balance, error) {
	key, err := mainAccountKey(assetClass, holderID, currency)
	if err != nil {
		return nil, err
	}
	var out *Balance
	err = c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acct, err := tx.GetAccount(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			out = &Balance{Key: key}
			return nil
		}
		if err != nil {
			return err
		}
		out = &Balance{
			AccountID: acct.ID,
			Key:       key,
			Balance:   acct.Balance,
			Frozen:    acct.FrozenBalance,
			Available: acct.Available(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyAccount replays the account's transactions against its cached
// balances. kind defaults to main.
func (c *Custody) VerifyAccount(ctx context.Context, assetClass, holderID, currency, kind string) (*ledger.Reconciliation, error) {
	key, err := mainAccountKey(assetClass, holderID, currency)
	if err != nil {
		return nil, err
	}
	if kind = strings.ToLower(strings.TrimSpace(kind)); kind != "" {
		key.Kind = storage.AccountKind(kind)
		if !key.Kind.Valid() {
			return nil, fmt.Errorf("%w: account kind %q", operations.ErrValidation, kind)
		}
	}

	var rec *ledger.Reconciliation
	err = c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		rec, err = ledger.Verify(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := "consistent"
	if !rec.Consistent {
		result = "mismatch"
		c.logger.Error("ledger mismatch", "account_id", rec.Account.ID, "account", key.String(), "problem", rec.Problem)
	}
	c.metrics.IncReconciliation(result)
	return rec, nil
}

func mainAccountKey(assetClass, holderID, currency string) (storage.AccountKey, error) {
	key := storage.NewAccountKey(parseClass(assetClass), strings.TrimSpace(holderID), currency, storage.KindMain)
	if !key.Class.Valid() {
		return key, fmt.Errorf("%w: asset_class %q", operations.ErrValidation, assetClass)
	}
	if key.HolderID == "" || key.Currency == "" {
		return key, fmt.Errorf("%w: holder_id and currency are required", operations.ErrValidation)
	}
	return key, nil
}

func parseClass(raw string) storage.AssetClass {
	return storage.AssetClass(strings.ToLower(strings.TrimSpace(raw)))
}

func optionalID(raw, field string) (uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return uuid.New(), nil
	}
	return operations.ParseID(raw, field)
}
