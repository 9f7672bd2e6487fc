package main

import (
	"context"
	"errors"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// seedTestData adds a settled internal transfer and a pending one so
// integration tests have both shapes to read.
func seedTestData(ctx context.Context, store storage.Transactor, ops *operations.Service) error {
	transfers := []struct {
		name   string
		amount string
		settle bool
	}{
		{"settled", "125", true},
		{"pending", "75", false},
	}

	for _, t := range transfers {
		id := seedID("transfer", t.name)
		exists, err := transferExists(ctx, store, id)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		tr, err := ops.CreateInternalTransfer(ctx, operations.TransferRequest{
			ID:           id,
			Class:        storage.ClassCoin,
			FromHolderID: "trader",
			ToHolderID:   "demo",
			Currency:     "usdt",
			Amount:       decimal.RequireFromString(t.amount),
		})
		if err != nil {
			return err
		}
		if !t.settle {
			continue
		}
		for _, event := range []string{fsm.EventProcess, fsm.EventComplete} {
			if _, err := ops.TransitionInternalTransfer(ctx, tr.ID, event, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func transferExists(ctx context.Context, store storage.Transactor, id uuid.UUID) (bool, error) {
	exists := false
	err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.GetInternalTransferForUpdate(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}
