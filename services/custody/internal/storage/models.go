package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AssetClass string

const (
	ClassCoin AssetClass = "coin"
	ClassFiat AssetClass = "fiat"
)

func (c AssetClass) Valid() bool {
	return c == ClassCoin || c == ClassFiat
}

type AccountKind string

const (
	KindMain    AccountKind = "main"
	KindDeposit AccountKind = "deposit"
	KindEscrow  AccountKind = "escrow"
)

func (k AccountKind) Valid() bool {
	return k == KindMain || k == KindDeposit || k == KindEscrow
}

// AccountKey identifies one balance holder row. Currency is stored lowercase.
type AccountKey struct {
	Class    AssetClass
	HolderID string
	Currency string
	Kind     AccountKind
}

func NewAccountKey(class AssetClass, holderID, currency string, kind AccountKind) AccountKey {
	return AccountKey{
		Class:    class,
		HolderID: strings.TrimSpace(holderID),
		Currency: NormalizeCurrency(currency),
		Kind:     kind,
	}
}

func (k AccountKey) String() string {
	return string(k.Class) + "/" + k.HolderID + "/" + k.Currency + "/" + string(k.Kind)
}

func NormalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}

// AmountScale is the number of decimal places every money column keeps.
const AmountScale = 18

var maxAmount = decimal.New(1, 36-AmountScale)

// RepresentableAmount reports whether d is stored without rounding or
// overflow in a NUMERIC(36, 18) column.
func RepresentableAmount(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountScale)) && d.Abs().LessThan(maxAmount)
}

type Account struct {
	ID            uuid.UUID
	Class         AssetClass
	HolderID      string
	Currency      string
	Kind          AccountKind
	Balance       decimal.Decimal
	FrozenBalance decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a *Account) Key() AccountKey {
	return AccountKey{Class: a.Class, HolderID: a.HolderID, Currency: a.Currency, Kind: a.Kind}
}

func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.FrozenBalance)
}

type OperationKind string

const (
	OpDeposit                 OperationKind = "deposit"
	OpWithdrawal              OperationKind = "withdrawal"
	OpInternalTransfer        OperationKind = "internal_transfer"
	OpBalanceLockOperation    OperationKind = "balance_lock_operation"
	OpMerchantEscrowOperation OperationKind = "merchant_escrow_operation"
)

// OperationRef is the owning operation of a transaction.
type OperationRef struct {
	Kind OperationKind
	ID   uuid.UUID
}

func (r OperationRef) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

type TransactionType string

const (
	TxDeposit         TransactionType = "deposit"
	TxDepositReversal TransactionType = "deposit_reversal"
	TxFreeze          TransactionType = "freeze"
	TxUnfreeze        TransactionType = "unfreeze"
	TxWithdrawal      TransactionType = "withdrawal"
	TxTransfer        TransactionType = "transfer"
	TxLock            TransactionType = "lock"
	TxRelease         TransactionType = "release"
	TxMint            TransactionType = "mint"
	TxBurn            TransactionType = "burn"
)

// Transaction is immutable once inserted. Sequence orders transactions
// within an asset class and is assigned by the store.
type Transaction struct {
	ID                    uuid.UUID
	Sequence              int64
	AccountID             uuid.UUID
	Class                 AssetClass
	Amount                decimal.Decimal
	FrozenAmount          decimal.Decimal
	Type                  TransactionType
	SnapshotBalance       decimal.Decimal
	SnapshotFrozenBalance decimal.Decimal
	Operation             OperationRef
	CreatedAt             time.Time
}

const (
	DepositPending   = "pending"
	DepositVerified  = "verified"
	DepositLocked    = "locked"
	DepositReleased  = "released"
	DepositAwaiting  = "awaiting"
	DepositReady     = "ready"
	DepositInformed  = "informed"
	DepositVerifying = "verifying"
	DepositProcessed = "processed"
	DepositCancelled = "cancelled"
	DepositIllegal   = "illegal"
)

type Deposit struct {
	ID          uuid.UUID
	Class       AssetClass
	HolderID    string
	Currency    string
	Amount      decimal.Decimal
	ExternalRef string
	Status      string
	Explanation string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	WithdrawalPending      = "pending"
	WithdrawalProcessing   = "processing"
	WithdrawalProcessed    = "processed"
	WithdrawalCancelled    = "cancelled"
	WithdrawalFailed       = "failed"
	WithdrawalBankPending  = "bank_pending"
	WithdrawalBankSent     = "bank_sent"
	WithdrawalBankRejected = "bank_rejected"
)

type Withdrawal struct {
	ID          uuid.UUID
	Class       AssetClass
	HolderID    string
	Currency    string
	Amount      decimal.Decimal
	Destination string
	Status      string
	Explanation string
	RetryCount  int
	Receipt     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	TransferPending    = "pending"
	TransferProcessing = "processing"
	TransferCompleted  = "completed"
	TransferRejected   = "rejected"
	TransferCanceled   = "canceled"
)

type InternalTransfer struct {
	ID           uuid.UUID
	Class        AssetClass
	FromHolderID string
	ToHolderID   string
	Currency     string
	Amount       decimal.Decimal
	Status       string
	Explanation  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	LockLocked    = "locked"
	LockReleasing = "releasing"
	LockReleased  = "released"
)

type BalanceLock struct {
	ID             uuid.UUID
	HolderID       string
	Class          AssetClass
	LockedBalances map[string]decimal.Decimal
	Status         string
	Reason         string
	Performer      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	ActionLock    = "lock"
	ActionRelease = "release"
	ActionMint    = "mint"
	ActionBurn    = "burn"
)

// Shared by balance lock and merchant escrow operations.
const (
	StepPending   = "pending"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

type BalanceLockOperation struct {
	ID          uuid.UUID
	LockID      uuid.UUID
	Action      string
	Class       AssetClass
	Currency    string
	Amount      decimal.Decimal
	Status      string
	Explanation string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type MerchantEscrow struct {
	ID           uuid.UUID
	MerchantID   string
	Class        AssetClass
	Currency     string
	MintedAmount decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type MerchantEscrowOperation struct {
	ID          uuid.UUID
	EscrowID    uuid.UUID
	MerchantID  string
	Class       AssetClass
	Currency    string
	Action      string
	Amount      decimal.Decimal
	Status      string
	Explanation string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	EventPending   = "pending"
	EventProcessed = "processed"
	EventFailed    = "failed"
)

type InboundEvent struct {
	EventID     string
	Topic       string
	Payload     []byte
	Status      string
	Error       string
	Attempts    int
	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
