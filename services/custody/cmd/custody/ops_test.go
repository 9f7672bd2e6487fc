package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/ledger"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/locks"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/service"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/andt14111999/test-exchange-sub001/services/testutil"
	"github.com/gin-gonic/gin"
)

func newOpsRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemory()
	l := ledger.New(nil, nil)
	ops := operations.New(store, l, nil, nil, operations.DefaultConfig())
	custody := service.New(store, ops, locks.New(store, l, nil, nil), nil, nil)

	ctx := context.Background()
	dep, err := custody.CreateDeposit(ctx, service.CreateDepositRequest{AssetClass: "coin", HolderID: "alice", Currency: "usdt", Amount: "25", ExternalRef: "tx-1"})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	for _, event := range []string{fsm.EventVerify, fsm.EventLock, fsm.EventRelease} {
		if _, err := ops.TransitionDeposit(ctx, dep.ID, event, ""); err != nil {
			t.Fatalf("%s: %v", event, err)
		}
	}

	router := gin.New()
	registerOpsRoutes(router, custody)
	return router
}

func get(t *testing.T, router *gin.Engine, path string) (int, map[string]any) {
	t.Helper()
	w := testutil.DoRequest(router, http.MethodGet, path, nil)
	return w.Code, testutil.DecodeJSON(t, w)
}

func TestOpsBalance(t *testing.T) {
	router := newOpsRouter(t)

	code, body := get(t, router, "/ops/balances/coin/alice/usdt")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["balance"] != "25" || body["available"] != "25" || body["frozen"] != "0" {
		t.Fatalf("unexpected body %v", body)
	}

	code, _ = get(t, router, "/ops/balances/stock/alice/usdt")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown class, got %d", code)
	}
}

func TestOpsReconcile(t *testing.T) {
	router := newOpsRouter(t)

	code, body := get(t, router, "/ops/reconcile/coin/alice/usdt")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, body)
	}
	if body["consistent"] != true || body["replayed_balance"] != "25" {
		t.Fatalf("unexpected body %v", body)
	}

	code, _ = get(t, router, "/ops/reconcile/coin/nobody/usdt")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing account, got %d", code)
	}
}
