package operations

import (
	"context"
	"fmt"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const retriesExhaustedExplanation = "maximum retries reached"

type WithdrawalRequest struct {
	ID          uuid.UUID
	Class       storage.AssetClass
	HolderID    string
	Currency    string
	Amount      decimal.Decimal
	Destination string
}

// CreateWithdrawal freezes the amount on the holder's main account and
// records a pending withdrawal. Insufficient free balance rejects the request.
func (s *Service) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (*storage.Withdrawal, error) {
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

	w := &storage.Withdrawal{
		ID:          req.ID,
		Class:       req.Class,
		HolderID:    req.HolderID,
		Currency:    currency,
		Amount:      req.Amount,
		Destination: req.Destination,
		Status:      fsm.Withdrawal(req.Class).Initial(),
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}
		ref := storage.OperationRef{Kind: storage.OpWithdrawal, ID: w.ID}
		if _, err := s.ledger.Record(ctx, tx, mainKey(w.Class, w.HolderID, w.Currency), decimal.Zero, w.Amount, storage.TxFreeze, ref); err != nil {
			return fmt.Errorf("withdrawal %s: %w", w.ID, err)
		}
		return nil
	})
	s.observe(storage.OpWithdrawal, "create", err)
	if err != nil {
		s.logger.Warn("withdrawal rejected", "holder_id", req.HolderID, "currency", currency, "amount", req.Amount.String(), "error", err)
		return nil, err
	}
	s.logger.Info("withdrawal created", "withdrawal_id", w.ID, "holder_id", w.HolderID, "currency", w.Currency, "amount", w.Amount.String())
	return w, nil
}

type WithdrawalUpdate struct {
	Explanation string
	Receipt     string
}

// TransitionWithdrawal applies event in its own transaction. A retry with
// no budget left fails the withdrawal, commits, and returns
// ErrRetryBudgetExhausted together with the failed withdrawal.
func (s *Service) TransitionWithdrawal(ctx context.Context, id uuid.UUID, event string, update WithdrawalUpdate) (*storage.Withdrawal, error) {
	var out *storage.Withdrawal
	var exhausted bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out, exhausted, err = s.applyWithdrawal(ctx, tx, w, event, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		return out, fmt.Errorf("withdrawal %s: %w", id, ErrRetryBudgetExhausted)
	}
	return out, nil
}

func (s *Service) ProcessWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	return s.TransitionWithdrawal(ctx, id, fsm.EventProcess, WithdrawalUpdate{})
}

func (s *Service) SendWithdrawalToBank(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	return s.TransitionWithdrawal(ctx, id, fsm.EventSendToBank, WithdrawalUpdate{})
}

func (s *Service) CancelWithdrawal(ctx context.Context, id uuid.UUID, explanation string) (*storage.Withdrawal, error) {
	return s.TransitionWithdrawal(ctx, id, fsm.EventCancel, WithdrawalUpdate{Explanation: explanation})
}

func (s *Service) RetryWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	return s.TransitionWithdrawal(ctx, id, fsm.EventRetry, WithdrawalUpdate{})
}

func (s *Service) applyWithdrawal(ctx context.Context, tx storage.Tx, w *storage.Withdrawal, event string, update WithdrawalUpdate) (_ *storage.Withdrawal, exhausted bool, err error) {
	defer func() {
		if exhausted {
			s.observe(storage.OpWithdrawal, fsm.EventRetry, ErrRetryBudgetExhausted)
			return
		}
		s.observe(storage.OpWithdrawal, event, err)
	}()

	machine := fsm.Withdrawal(w.Class)
	if event == fsm.EventRetry && machine.Can(w.Status, event) && w.RetryCount >= s.cfg.FiatMaxRetries {
		exhausted = true
		event = fsm.EventFail
		update.Explanation = retriesExhaustedExplanation
	}

	next, err := machine.Next(w.Status, event)
	if err != nil {
		return nil, false, err
	}

	ref := storage.OperationRef{Kind: storage.OpWithdrawal, ID: w.ID}
	key := mainKey(w.Class, w.HolderID, w.Currency)

	switch event {
	case fsm.EventComplete:
		_, err = s.ledger.Record(ctx, tx, key, w.Amount.Neg(), w.Amount.Neg(), storage.TxWithdrawal, ref)
	case fsm.EventCancel, fsm.EventFail:
		_, err = s.ledger.Record(ctx, tx, key, decimal.Zero, w.Amount.Neg(), storage.TxUnfreeze, ref)
	case fsm.EventProcess, fsm.EventSendToBank:
		s.schedule(tx, ref)
	case fsm.EventRetry:
		w.RetryCount++
		s.schedule(tx, ref)
	}
	if err != nil {
		return nil, false, fmt.Errorf("withdrawal %s %s: %w", w.ID, event, err)
	}

	prev := w.Status
	w.Status = next
	if update.Explanation != "" {
		w.Explanation = update.Explanation
	}
	if update.Receipt != "" {
		w.Receipt = update.Receipt
	}
	if err := tx.UpdateWithdrawal(ctx, w); err != nil {
		return nil, false, err
	}

	log := s.logger.With("withdrawal_id", w.ID, "event", event, "from", prev, "to", next)
	if exhausted {
		log.Warn("withdrawal failed after retries", "retry_count", w.RetryCount)
	} else {
		log.Info("withdrawal transition")
	}
	return w, exhausted, nil
}

// Relayable reports whether the relay should submit the withdrawal now.
func Relayable(w *storage.Withdrawal) bool {
	switch w.Class {
	case storage.ClassCoin:
		return w.Status == storage.WithdrawalProcessing
	case storage.ClassFiat:
		return w.Status == storage.WithdrawalBankPending
	}
	return false
}

// GetWithdrawal reads the withdrawal in a short transaction.
func (s *Service) GetWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	var out *storage.Withdrawal
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.GetWithdrawalForUpdate(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RelayableWithdrawals lists every withdrawal currently waiting on the relay.
func (s *Service) RelayableWithdrawals(ctx context.Context) ([]*storage.Withdrawal, error) {
	var out []*storage.Withdrawal
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListRelayableWithdrawals(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NoteWithdrawal sets the status explanation without a transition. It is a
// no-op once the withdrawal no longer waits on the relay.
func (s *Service) NoteWithdrawal(ctx context.Context, id uuid.UUID, explanation string) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !Relayable(w) || w.Explanation == explanation {
			return nil
		}
		w.Explanation = explanation
		return tx.UpdateWithdrawal(ctx, w)
	})
}
