package operations

import (
	"context"
	"errors"
	"strings"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/gateway"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
)

const opCreate = "create"

// Register installs the event handlers for every operation kind the
// gateway can drive.
func (s *Service) Register(gw *gateway.Gateway) {
	gw.Register(string(storage.OpDeposit), gateway.HandlerFunc(s.handleDepositEvent))
	gw.Register(string(storage.OpWithdrawal), gateway.HandlerFunc(s.handleWithdrawalEvent))
	gw.Register(string(storage.OpInternalTransfer), gateway.HandlerFunc(s.handleTransferEvent))
	gw.Register(string(storage.OpMerchantEscrowOperation), gateway.HandlerFunc(s.handleEscrowEvent))
}

func payloadClass(p gateway.Payload) storage.AssetClass {
	class := storage.AssetClass(strings.ToLower(strings.TrimSpace(p.Field("asset_class"))))
	if class == "" {
		return storage.ClassCoin
	}
	return class
}

// Deposits are addressed by id or by external reference. "create" takes
// the external reference as identifier.
func (s *Service) handleDepositEvent(ctx context.Context, tx storage.Tx, p gateway.Payload) error {
	class := payloadClass(p)
	if p.OperationType == opCreate {
		amount, err := ParseAmount(p.Field("amount"))
		if err != nil {
			return err
		}
		_, err = s.createDeposit(ctx, tx, DepositRequest{
			Class:       class,
			HolderID:    p.Field("holder_id"),
			Currency:    p.Field("currency"),
			Amount:      amount,
			ExternalRef: p.ObjectIdentifier,
		})
		s.observe(storage.OpDeposit, opCreate, err)
		return err
	}

	var d *storage.Deposit
	err := storage.ErrNotFound
	if id, parseErr := uuid.Parse(p.ObjectIdentifier); parseErr == nil {
		d, err = tx.GetDepositForUpdate(ctx, id)
	}
	// An external reference may itself look like a UUID.
	if errors.Is(err, storage.ErrNotFound) {
		if err := requireClass(class); err != nil {
			return err
		}
		d, err = tx.GetDepositByExternalRefForUpdate(ctx, class, p.ObjectIdentifier)
	}
	if err != nil {
		return err
	}
	_, err = s.applyDeposit(ctx, tx, d, p.OperationType, p.Field("explanation"))
	return err
}

func (s *Service) handleWithdrawalEvent(ctx context.Context, tx storage.Tx, p gateway.Payload) error {
	id, err := ParseID(p.ObjectIdentifier, "withdrawal id")
	if err != nil {
		return err
	}
	w, err := tx.GetWithdrawalForUpdate(ctx, id)
	if err != nil {
		return err
	}
	_, _, err = s.applyWithdrawal(ctx, tx, w, p.OperationType, WithdrawalUpdate{
		Explanation: p.Field("explanation"),
		Receipt:     p.Field("receipt"),
	})
	return err
}

func (s *Service) handleTransferEvent(ctx context.Context, tx storage.Tx, p gateway.Payload) error {
	id, err := ParseID(p.ObjectIdentifier, "internal transfer id")
	if err != nil {
		return err
	}
	tr, err := tx.GetInternalTransferForUpdate(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.applyInternalTransfer(ctx, tx, tr, p.OperationType, p.Field("explanation"))
	return err
}

func (s *Service) handleEscrowEvent(ctx context.Context, tx storage.Tx, p gateway.Payload) error {
	id, err := ParseID(p.ObjectIdentifier, "merchant escrow operation id")
	if err != nil {
		return err
	}
	op, err := tx.GetMerchantEscrowOperationForUpdate(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.applyEscrowOperation(ctx, tx, op, p.OperationType, p.Field("explanation"))
	return err
}
