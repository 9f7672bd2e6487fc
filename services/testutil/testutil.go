package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Cleanup releases resources acquired by SetupTestDB.
type Cleanup func()

// SetupTestDB connects to the database described by POSTGRES_* or, with
// TESTCONTAINERS=1, to a throwaway postgres container.
func SetupTestDB() (*pgxpool.Pool, Cleanup, error) {
	return SetupTestDBInSchema("")
}

// SetupTestDBInSchema is SetupTestDB with every connection pinned to schema,
// created on demand. Packages whose suites truncate tables use distinct
// schemas so `go test ./...` can run them in parallel on one database.
func SetupTestDBInSchema(schema string) (*pgxpool.Pool, Cleanup, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	dsn := DSNFromEnv()
	stop := func() {}
	if os.Getenv("TESTCONTAINERS") == "1" {
		var err error
		dsn, stop, err = startPostgres(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("parse dsn: %w", err)
	}
	if schema != "" {
		if err := createSchema(ctx, dsn, schema); err != nil {
			stop()
			return nil, nil, err
		}
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		stop()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, func() {
		pool.Close()
		stop()
	}, nil
}

func createSchema(ctx context.Context, dsn, schema string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

func DSNFromEnv() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "custody"),
		getEnv("POSTGRES_PASSWORD", "custody"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "custody"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

func startPostgres(ctx context.Context) (string, func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "custody",
			"POSTGRES_USER":     "custody",
			"POSTGRES_PASSWORD": "custody",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start postgres container: %w", err)
	}
	stop := func() { _ = container.Terminate(context.Background()) }

	host, err := container.Host(ctx)
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("container port: %w", err)
	}
	return fmt.Sprintf("postgres://custody:custody@%s:%s/custody?sslmode=disable", host, port.Port()), stop, nil
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE inbound_events, merchant_escrow_operations, merchant_escrows,
			balance_lock_operations, balance_locks, internal_transfers, withdrawals, deposits,
			coin_transactions, fiat_transactions, coin_accounts, fiat_accounts
	`)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
