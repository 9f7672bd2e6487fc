package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/andt14111999/test-exchange-sub001/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type PostgresSuite struct {
	suite.Suite
	pool    *pgxpool.Pool
	cleanup testutil.Cleanup
	store   *Store
}

func TestPostgresSuite(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	pool, cleanup, err := testutil.SetupTestDBInSchema("custody_storage_test")
	if err != nil {
		s.T().Skipf("db connection failed: %v", err)
	}
	s.pool, s.cleanup = pool, cleanup
	s.store = New(pool, nil)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresSuite) TearDownSuite() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

func (s *PostgresSuite) SetupTest() {
	s.Require().NoError(testutil.CleanupTestData(context.Background(), s.pool))
}

func (s *PostgresSuite) TestMigrateIsIdempotent() {
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresSuite) TestAccountRoundTripAndRollback() {
	ctx := context.Background()
	key := NewAccountKey(ClassCoin, "holder-1", "USDT", KindMain)

	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.LockAccount(ctx, key)
		if err != nil {
			return err
		}
		acct.Balance = decimal.RequireFromString("100.5")
		acct.FrozenBalance = decimal.RequireFromString("0.5")
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &Transaction{
			AccountID:             acct.ID,
			Class:                 ClassCoin,
			Amount:                decimal.RequireFromString("100.5"),
			FrozenAmount:          decimal.RequireFromString("0.5"),
			Type:                  TxDeposit,
			SnapshotBalance:       acct.Balance,
			SnapshotFrozenBalance: acct.FrozenBalance,
			Operation:             OperationRef{Kind: OpDeposit, ID: uuid.New()},
		})
	})
	s.Require().NoError(err)

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.LockAccount(ctx, key)
		if err != nil {
			return err
		}
		acct.Balance = decimal.NewFromInt(1)
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return errors.New("abort")
	})
	s.Require().Error(err)

	s.Require().NoError(s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.GetAccount(ctx, key)
		s.Require().NoError(err)
		s.True(acct.Balance.Equal(decimal.RequireFromString("100.5")), "balance %s", acct.Balance)
		s.Equal("usdt", acct.Currency)

		txns, err := tx.ListTransactions(ctx, ClassCoin, acct.ID)
		s.Require().NoError(err)
		s.Require().Len(txns, 1)
		s.Equal(OpDeposit, txns[0].Operation.Kind)
		s.True(txns[0].SnapshotFrozenBalance.Equal(decimal.RequireFromString("0.5")))
		return nil
	}))
}

func (s *PostgresSuite) TestFrozenCheckConstraint() {
	ctx := context.Background()
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.LockAccount(ctx, NewAccountKey(ClassFiat, "holder-2", "vnd", KindMain))
		if err != nil {
			return err
		}
		acct.FrozenBalance = decimal.NewFromInt(5)
		return tx.UpdateAccount(ctx, acct)
	})
	s.Require().Error(err)
}

func (s *PostgresSuite) TestInboundEventDedupAcrossTransactions() {
	ctx := context.Background()
	insert := func(payload string) bool {
		var inserted bool
		s.Require().NoError(s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			inserted, err = tx.InsertInboundEvent(ctx, &InboundEvent{EventID: "evt-1", Topic: "custody.events", Payload: []byte(payload), Status: EventPending})
			return err
		}))
		return inserted
	}
	s.True(insert(`{"a":1}`))
	s.False(insert(`{"a":2}`))
}

func (s *PostgresSuite) TestDepositExternalRefUnique() {
	ctx := context.Background()
	s.Require().NoError(s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		first := &Deposit{Class: ClassCoin, HolderID: "h", Currency: "btc", Amount: decimal.NewFromInt(1), ExternalRef: "0xfeed", Status: DepositPending}
		ok, err := tx.InsertDeposit(ctx, first)
		s.Require().NoError(err)
		s.True(ok)

		ok, err = tx.InsertDeposit(ctx, &Deposit{Class: ClassCoin, HolderID: "h", Currency: "btc", Amount: decimal.NewFromInt(1), ExternalRef: "0xfeed", Status: DepositPending})
		s.Require().NoError(err)
		s.False(ok)

		got, err := tx.GetDepositByExternalRefForUpdate(ctx, ClassCoin, "0xfeed")
		s.Require().NoError(err)
		s.Equal(first.ID, got.ID)
		return nil
	}))
}

func (s *PostgresSuite) TestDuplicateWithdrawalID() {
	ctx := context.Background()
	id := uuid.New()
	insert := func() error {
		return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertWithdrawal(ctx, &Withdrawal{ID: id, Class: ClassCoin, HolderID: "h", Currency: "usdt", Amount: decimal.NewFromInt(1), Status: WithdrawalPending})
		})
	}
	s.Require().NoError(insert())
	s.True(errors.Is(insert(), ErrDuplicate))
}

func (s *PostgresSuite) TestBalanceLockJSONRoundTrip() {
	ctx := context.Background()
	lock := &BalanceLock{
		HolderID:       "h",
		Class:          ClassCoin,
		LockedBalances: map[string]decimal.Decimal{"usdt": decimal.RequireFromString("12.34"), "btc": decimal.Zero},
		Status:         LockLocked,
	}
	s.Require().NoError(s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertBalanceLock(ctx, lock)
	}))
	s.Require().NoError(s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetBalanceLockForUpdate(ctx, lock.ID)
		s.Require().NoError(err)
		s.True(got.LockedBalances["usdt"].Equal(decimal.RequireFromString("12.34")))
		s.Contains(got.LockedBalances, "btc")
		return nil
	}))
}

// Concurrent LockAccount calls on the same key serialize on the row lock.
func (s *PostgresSuite) TestConcurrentIncrementsSerialize() {
	ctx := context.Background()
	key := NewAccountKey(ClassCoin, "holder-c", "eth", KindMain)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				acct, err := tx.LockAccount(ctx, key)
				if err != nil {
					return err
				}
				acct.Balance = acct.Balance.Add(decimal.NewFromInt(1))
				return tx.UpdateAccount(ctx, acct)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(s.T(), err)
	}

	s.Require().NoError(s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.GetAccount(ctx, key)
		s.Require().NoError(err)
		s.True(acct.Balance.Equal(decimal.NewFromInt(10)), "balance %s", acct.Balance)
		return nil
	}))
}

func (s *PostgresSuite) TestListRelayableWithdrawals() {
	ctx := context.Background()
	rows := []*Withdrawal{
		{Class: ClassCoin, HolderID: "a", Currency: "usdt", Amount: decimal.NewFromInt(1), Status: WithdrawalProcessing},
		{Class: ClassCoin, HolderID: "b", Currency: "usdt", Amount: decimal.NewFromInt(1), Status: WithdrawalPending},
		{Class: ClassFiat, HolderID: "c", Currency: "vnd", Amount: decimal.NewFromInt(1), Status: WithdrawalBankPending},
		{Class: ClassFiat, HolderID: "d", Currency: "vnd", Amount: decimal.NewFromInt(1), Status: WithdrawalBankSent},
		{Class: ClassFiat, HolderID: "e", Currency: "vnd", Amount: decimal.NewFromInt(1), Status: WithdrawalProcessing},
	}
	for _, w := range rows {
		s.Require().NoError(s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertWithdrawal(ctx, w)
		}))
	}

	s.Require().NoError(s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.ListRelayableWithdrawals(ctx)
		s.Require().NoError(err)
		s.Require().Len(got, 2)
		s.Equal(rows[0].ID, got[0].ID)
		s.Equal(rows[2].ID, got[1].ID)
		s.True(got[1].Amount.Equal(decimal.NewFromInt(1)))
		return nil
	}))
}
