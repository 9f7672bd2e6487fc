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

type TransferRequest struct {
	ID           uuid.UUID
	Class        storage.AssetClass
	FromHolderID string
	ToHolderID   string
	Currency     string
	Amount       decimal.Decimal
}

// CreateInternalTransfer freezes the amount on the sender until the
// transfer completes or is rejected.
func (s *Service) CreateInternalTransfer(ctx context.Context, req TransferRequest) (*storage.InternalTransfer, error) {
	if err := requireClass(req.Class); err != nil {
		return nil, err
	}
	if err := requireHolder("from_holder_id", req.FromHolderID); err != nil {
		return nil, err
	}
	if err := requireHolder("to_holder_id", req.ToHolderID); err != nil {
		return nil, err
	}
	if req.FromHolderID == req.ToHolderID {
		return nil, validationError("sender and receiver must differ")
	}
	currency, err := requireCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}

	tr := &storage.InternalTransfer{
		ID:           req.ID,
		Class:        req.Class,
		FromHolderID: req.FromHolderID,
		ToHolderID:   req.ToHolderID,
		Currency:     currency,
		Amount:       req.Amount,
		Status:       fsm.InternalTransfer.Initial(),
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertInternalTransfer(ctx, tr); err != nil {
			return err
		}
		ref := storage.OperationRef{Kind: storage.OpInternalTransfer, ID: tr.ID}
		if _, err := s.ledger.Record(ctx, tx, mainKey(tr.Class, tr.FromHolderID, tr.Currency), decimal.Zero, tr.Amount, storage.TxFreeze, ref); err != nil {
			return fmt.Errorf("internal transfer %s: %w", tr.ID, err)
		}
		return nil
	})
	s.observe(storage.OpInternalTransfer, "create", err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("internal transfer created", "transfer_id", tr.ID, "from", tr.FromHolderID, "to", tr.ToHolderID, "amount", tr.Amount.String())
	return tr, nil
}

func (s *Service) TransitionInternalTransfer(ctx context.Context, id uuid.UUID, event, explanation string) (*storage.InternalTransfer, error) {
	var out *storage.InternalTransfer
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		tr, err := tx.GetInternalTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out, err = s.applyInternalTransfer(ctx, tx, tr, event, explanation)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) applyInternalTransfer(ctx context.Context, tx storage.Tx, tr *storage.InternalTransfer, event, explanation string) (_ *storage.InternalTransfer, err error) {
	defer func() { s.observe(storage.OpInternalTransfer, event, err) }()

	next, err := fsm.InternalTransfer.Next(tr.Status, event)
	if err != nil {
		return nil, err
	}

	ref := storage.OperationRef{Kind: storage.OpInternalTransfer, ID: tr.ID}
	sender := mainKey(tr.Class, tr.FromHolderID, tr.Currency)
	receiver := mainKey(tr.Class, tr.ToHolderID, tr.Currency)

	switch event {
	case fsm.EventComplete:
		_, err = s.ledger.RecordAll(ctx, tx, ref,
			ledger.Entry{Key: sender, Amount: tr.Amount.Neg(), FrozenDelta: tr.Amount.Neg(), Type: storage.TxTransfer},
			ledger.Entry{Key: receiver, Amount: tr.Amount, FrozenDelta: decimal.Zero, Type: storage.TxTransfer},
		)
	case fsm.EventReject, fsm.EventCancel:
		_, err = s.ledger.Record(ctx, tx, sender, decimal.Zero, tr.Amount.Neg(), storage.TxUnfreeze, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("internal transfer %s %s: %w", tr.ID, event, err)
	}

	prev := tr.Status
	tr.Status = next
	if explanation != "" {
		tr.Explanation = explanation
	}
	if err := tx.UpdateInternalTransfer(ctx, tr); err != nil {
		return nil, err
	}
	s.logger.Info("internal transfer transition", "transfer_id", tr.ID, "event", event, "from", prev, "to", next)
	return tr, nil
}
