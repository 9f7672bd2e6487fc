package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// Scheduler queues a withdrawal for outbound relay.
type Scheduler interface {
	Schedule(ctx context.Context, ref storage.OperationRef) error
}

type Metrics interface {
	IncTransition(kind, event, status string)
}

type Config struct {
	// FiatMaxRetries bounds bank_rejected -> bank_pending retries.
	FiatMaxRetries int
}

func DefaultConfig() Config {
	return Config{FiatMaxRetries: 3}
}

type Service struct {
	store     storage.Transactor
	ledger    *ledger.Ledger
	scheduler Scheduler
	metrics   Metrics
	logger    *slog.Logger
	cfg       Config
}

func New(store storage.Transactor, l *ledger.Ledger, metrics Metrics, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FiatMaxRetries < 0 {
		cfg.FiatMaxRetries = 0
	}
	return &Service{
		store:   store,
		ledger:  l,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// SetScheduler wires the relay dispatcher once both sides exist.
func (s *Service) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

func (s *Service) FiatMaxRetries() int {
	return s.cfg.FiatMaxRetries
}

func (s *Service) schedule(tx storage.Tx, ref storage.OperationRef) {
	if s.scheduler == nil {
		return
	}
	tx.AfterCommit(func(ctx context.Context) {
		if err := s.scheduler.Schedule(ctx, ref); err != nil {
			s.logger.Error("relay schedule failed", "operation", ref.String(), "error", err)
		}
	})
}

func (s *Service) observe(kind storage.OperationKind, event string, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, fsm.ErrInvalidTransition):
		status = "invalid"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = "insufficient_funds"
	case errors.Is(err, ErrRetryBudgetExhausted):
		status = "exhausted"
	default:
		status = "error"
	}
	s.metrics.IncTransition(string(kind), event, status)
}

// IsRejection reports whether err is a guard failure that no retry can fix.
func IsRejection(err error) bool {
	return errors.Is(err, fsm.ErrInvalidTransition) ||
		errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrInvalidDelta) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrRetryBudgetExhausted) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrDuplicate)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func requireClass(class storage.AssetClass) error {
	if !class.Valid() {
		return validationError("asset_class must be coin or fiat, got %q", class)
	}
	return nil
}

func requireHolder(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return validationError("%s is required", field)
	}
	return nil
}

func requireCurrency(currency string) (string, error) {
	c := storage.NormalizeCurrency(currency)
	if c == "" {
		return "", validationError("currency is required")
	}
	return c, nil
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return validationError("amount must be positive, got %s", amount)
	}
	if !storage.RepresentableAmount(amount) {
		return validationError("amount %s must have at most %d integer digits and %d decimal places", amount, 36-storage.AmountScale, storage.AmountScale)
	}
	return nil
}

func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, validationError("invalid amount %q", raw)
	}
	if err := requirePositive(amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

func ParseID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, validationError("invalid %s %q", field, raw)
	}
	return id, nil
}

func mainKey(class storage.AssetClass, holderID, currency string) storage.AccountKey {
	return storage.NewAccountKey(class, holderID, currency, storage.KindMain)
}
