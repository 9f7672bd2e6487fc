package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowRequest struct {
	ID         uuid.UUID
	MerchantID string
	Class      storage.AssetClass
	Currency   string
	Action     string
	Amount     decimal.Decimal
}

// CreateMerchantEscrowOperation records a pending mint or burn. The
// merchant's escrow row is created on first use.
func (s *Service) CreateMerchantEscrowOperation(ctx context.Context, req EscrowRequest) (*storage.MerchantEscrowOperation, error) {
	if err := requireClass(req.Class); err != nil {
		return nil, err
	}
	if err := requireHolder("merchant_id", req.MerchantID); err != nil {
		return nil, err
	}
	currency, err := requireCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if req.Action != storage.ActionMint && req.Action != storage.ActionBurn {
		return nil, validationError("action must be mint or burn, got %q", req.Action)
	}
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}

	op := &storage.MerchantEscrowOperation{
		ID:         req.ID,
		MerchantID: req.MerchantID,
		Class:      req.Class,
		Currency:   currency,
		Action:     req.Action,
		Amount:     req.Amount,
		Status:     fsm.MerchantEscrowOperation.Initial(),
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		escrow, err := tx.LockMerchantEscrow(ctx, op.MerchantID, op.Class, op.Currency)
		if err != nil {
			return err
		}
		op.EscrowID = escrow.ID
		return tx.InsertMerchantEscrowOperation(ctx, op)
	})
	s.observe(storage.OpMerchantEscrowOperation, "create", err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("merchant escrow operation created", "operation_id", op.ID, "merchant_id", op.MerchantID, "action", op.Action, "amount", op.Amount.String())
	return op, nil
}

func (s *Service) TransitionMerchantEscrowOperation(ctx context.Context, id uuid.UUID, event, explanation string) (*storage.MerchantEscrowOperation, error) {
	var out *storage.MerchantEscrowOperation
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		op, err := tx.GetMerchantEscrowOperationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out, err = s.applyEscrowOperation(ctx, tx, op, event, explanation)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessMerchantEscrowOperation completes the operation or, when its money
// guard rejects it, marks it failed with the reason.
func (s *Service) ProcessMerchantEscrowOperation(ctx context.Context, id uuid.UUID) (*storage.MerchantEscrowOperation, error) {
	op, err := s.TransitionMerchantEscrowOperation(ctx, id, fsm.EventComplete, "")
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		return nil, err
	}
	failed, failErr := s.TransitionMerchantEscrowOperation(ctx, id, fsm.EventFail, err.Error())
	if failErr != nil {
		return nil, failErr
	}
	return failed, err
}

func (s *Service) applyEscrowOperation(ctx context.Context, tx storage.Tx, op *storage.MerchantEscrowOperation, event, explanation string) (_ *storage.MerchantEscrowOperation, err error) {
	defer func() { s.observe(storage.OpMerchantEscrowOperation, event, err) }()

	next, err := fsm.MerchantEscrowOperation.Next(op.Status, event)
	if err != nil {
		return nil, err
	}

	if event == fsm.EventComplete {
		if err := s.settleEscrow(ctx, tx, op); err != nil {
			return nil, fmt.Errorf("merchant escrow operation %s: %w", op.ID, err)
		}
	}

	prev := op.Status
	op.Status = next
	if explanation != "" {
		op.Explanation = explanation
	}
	if err := tx.UpdateMerchantEscrowOperation(ctx, op); err != nil {
		return nil, err
	}
	s.logger.Info("merchant escrow operation transition", "operation_id", op.ID, "event", event, "from", prev, "to", next)
	return op, nil
}

// settleEscrow moves funds between the merchant's main and escrow layer
// accounts and keeps the escrow's minted total in step.
func (s *Service) settleEscrow(ctx context.Context, tx storage.Tx, op *storage.MerchantEscrowOperation) error {
	escrow, err := tx.GetMerchantEscrowForUpdate(ctx, op.EscrowID)
	if err != nil {
		return err
	}

	ref := storage.OperationRef{Kind: storage.OpMerchantEscrowOperation, ID: op.ID}
	primary := mainKey(op.Class, op.MerchantID, op.Currency)
	layer := storage.NewAccountKey(op.Class, op.MerchantID, op.Currency, storage.KindEscrow)

	switch op.Action {
	case storage.ActionMint:
		if _, err := s.ledger.RecordAll(ctx, tx, ref,
			ledger.Entry{Key: primary, Amount: op.Amount.Neg(), FrozenDelta: decimal.Zero, Type: storage.TxMint},
			ledger.Entry{Key: layer, Amount: op.Amount, FrozenDelta: decimal.Zero, Type: storage.TxMint},
		); err != nil {
			return err
		}
		escrow.MintedAmount = escrow.MintedAmount.Add(op.Amount)
	case storage.ActionBurn:
		if escrow.MintedAmount.LessThan(op.Amount) {
			return fmt.Errorf("%w: burn %s exceeds minted %s", ledger.ErrInsufficientFunds, op.Amount, escrow.MintedAmount)
		}
		if _, err := s.ledger.RecordAll(ctx, tx, ref,
			ledger.Entry{Key: layer, Amount: op.Amount.Neg(), FrozenDelta: decimal.Zero, Type: storage.TxBurn},
			ledger.Entry{Key: primary, Amount: op.Amount, FrozenDelta: decimal.Zero, Type: storage.TxBurn},
		); err != nil {
			return err
		}
		escrow.MintedAmount = escrow.MintedAmount.Sub(op.Amount)
	default:
		return validationError("unknown escrow action %q", op.Action)
	}
	return tx.UpdateMerchantEscrow(ctx, escrow)
}
