package operations

import (
	"context"
	"fmt"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DepositRequest struct {
	ID       uuid.UUID
	Class    storage.AssetClass
	HolderID string
	Currency string
	Amount   decimal.Decimal
	// ExternalRef is the tx hash or bank reference. A second request with
	// the same reference returns the existing deposit.
	ExternalRef string
}

func (s *Service) CreateDeposit(ctx context.Context, req DepositRequest) (*storage.Deposit, error) {
	var out *storage.Deposit
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = s.createDeposit(ctx, tx, req)
		return err
	})
	s.observe(storage.OpDeposit, "create", err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) createDeposit(ctx context.Context, tx storage.Tx, req DepositRequest) (*storage.Deposit, error) {
	if err := requireClass(req.Class); err != nil {
		return nil, err
	}
	if err := requireHolder("holder_id", req.HolderID); err != nil {
		return nil, err
	}
	currency, err := requireCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}

	d := &storage.Deposit{
		ID:          req.ID,
		Class:       req.Class,
		HolderID:    req.HolderID,
		Currency:    currency,
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
		Status:      fsm.Deposit(req.Class).Initial(),
	}
	inserted, err := tx.InsertDeposit(ctx, d)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := tx.GetDepositByExternalRefForUpdate(ctx, req.Class, req.ExternalRef)
		if err != nil {
			return nil, err
		}
		if existing.HolderID != d.HolderID || existing.Currency != d.Currency || !existing.Amount.Equal(d.Amount) {
			return nil, validationError("external_ref %s already used by deposit %s", req.ExternalRef, existing.ID)
		}
		s.logger.Info("deposit already exists", "deposit_id", existing.ID, "external_ref", req.ExternalRef)
		return existing, nil
	}
	s.logger.Info("deposit created", "deposit_id", d.ID, "holder_id", d.HolderID, "currency", d.Currency, "amount", d.Amount.String())
	return d, nil
}

// TransitionDeposit applies event to the deposit in its own transaction.
func (s *Service) TransitionDeposit(ctx context.Context, id uuid.UUID, event, explanation string) (*storage.Deposit, error) {
	var out *storage.Deposit
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.GetDepositForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out, err = s.applyDeposit(ctx, tx, d, event, explanation)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) applyDeposit(ctx context.Context, tx storage.Tx, d *storage.Deposit, event, explanation string) (_ *storage.Deposit, err error) {
	defer func() { s.observe(storage.OpDeposit, event, err) }()

	next, err := fsm.Deposit(d.Class).Next(d.Status, event)
	if err != nil {
		return nil, err
	}

	ref := storage.OperationRef{Kind: storage.OpDeposit, ID: d.ID}
	layer := storage.NewAccountKey(d.Class, d.HolderID, d.Currency, storage.KindDeposit)
	primary := mainKey(d.Class, d.HolderID, d.Currency)

	switch {
	case d.Class == storage.ClassCoin && event == fsm.EventLock:
		_, err = s.ledger.Record(ctx, tx, layer, d.Amount, d.Amount, storage.TxDeposit, ref)
	case d.Class == storage.ClassCoin && event == fsm.EventRelease:
		_, err = s.ledger.RecordAll(ctx, tx, ref,
			ledger.Entry{Key: layer, Amount: d.Amount.Neg(), FrozenDelta: d.Amount.Neg(), Type: storage.TxRelease},
			ledger.Entry{Key: primary, Amount: d.Amount, FrozenDelta: decimal.Zero, Type: storage.TxDeposit},
		)
	case d.Class == storage.ClassCoin && event == fsm.EventMarkIllegal && d.Status == storage.DepositLocked:
		_, err = s.ledger.Record(ctx, tx, layer, d.Amount.Neg(), d.Amount.Neg(), storage.TxDepositReversal, ref)
	case d.Class == storage.ClassFiat && event == fsm.EventProcess:
		_, err = s.ledger.Record(ctx, tx, primary, d.Amount, decimal.Zero, storage.TxDeposit, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("deposit %s %s: %w", d.ID, event, err)
	}

	prev := d.Status
	d.Status = next
	if explanation != "" {
		d.Explanation = explanation
	}
	if err := tx.UpdateDeposit(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info("deposit transition", "deposit_id", d.ID, "event", event, "from", prev, "to", next)
	return d, nil
}
