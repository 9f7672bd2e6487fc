package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/andt14111999/test-exchange-sub001/libs/logging"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/config"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// seedNamespace keeps seeded ids stable so reruns find the same rows.
var seedNamespace = uuid.MustParse("6f1c2f4e-8d0a-4b5e-9c61-3a7e2d9b1c40")

type demoDeposit struct {
	class    storage.AssetClass
	holder   string
	currency string
	amount   string
	ref      string
}

var demoDeposits = []demoDeposit{
	{storage.ClassCoin, "demo", "usdt", "10000", "seed-demo-usdt"},
	{storage.ClassCoin, "demo", "btc", "2.5", "seed-demo-btc"},
	{storage.ClassCoin, "trader", "usdt", "50000", "seed-trader-usdt"},
	{storage.ClassCoin, "trader", "eth", "40", "seed-trader-eth"},
	{storage.ClassFiat, "demo", "vnd", "250000000", "seed-demo-vnd"},
	{storage.ClassFiat, "merchant", "vnd", "1000000000", "seed-merchant-vnd"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: CUSTODY_ENV must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	logger := logging.NewLogger("warn", "custody-seed", cfg.App.Env)
	store := storage.New(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	l := ledger.New(logger, nil)
	ops := operations.New(store, l, nil, logger, operations.Config{FiatMaxRetries: cfg.Withdrawal.FiatMaxRetries})

	fmt.Println("Seeding custody ledger...")

	for _, d := range demoDeposits {
		if err := seedDeposit(ctx, ops, d); err != nil {
			log.Fatalf("seed deposit %s: %v", d.ref, err)
		}
	}
	fmt.Println("✓ Deposits credited")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, store, ops); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	for _, d := range demoDeposits {
		fmt.Printf("  %s/%s/%s: %s\n", d.class, d.holder, d.currency, d.amount)
	}
}

// seedDeposit walks a deposit through its happy path. Events the deposit has
// already passed are skipped, so a rerun leaves balances unchanged.
func seedDeposit(ctx context.Context, ops *operations.Service, d demoDeposit) error {
	amount, err := decimal.NewFromString(d.amount)
	if err != nil {
		return err
	}
	dep, err := ops.CreateDeposit(ctx, operations.DepositRequest{
		ID:          seedID("deposit", string(d.class), d.ref),
		Class:       d.class,
		HolderID:    d.holder,
		Currency:    d.currency,
		Amount:      amount,
		ExternalRef: d.ref,
	})
	if err != nil {
		return err
	}

	path := []string{fsm.EventVerify, fsm.EventLock, fsm.EventRelease}
	if d.class == storage.ClassFiat {
		path = []string{fsm.EventReady, fsm.EventInform, fsm.EventVerify, fsm.EventProcess}
	}
	machine := fsm.Deposit(d.class)
	for _, event := range path {
		if !machine.Can(dep.Status, event) {
			continue
		}
		if dep, err = ops.TransitionDeposit(ctx, dep.ID, event, ""); err != nil {
			return fmt.Errorf("%s: %w", event, err)
		}
	}
	if machine.IsTerminal(dep.Status) && dep.Status != storage.DepositReleased && dep.Status != storage.DepositProcessed {
		return fmt.Errorf("deposit ended in %s", dep.Status)
	}
	return nil
}

func seedID(parts ...string) uuid.UUID {
	name := ""
	for _, p := range parts {
		name += p + "/"
	}
	return uuid.NewSHA1(seedNamespace, []byte(name))
}
