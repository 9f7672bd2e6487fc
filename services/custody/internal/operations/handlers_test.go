package operations

import (
	"context"
	"errors"
	"testing"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/gateway"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
)

func TestGatewayDrivesDepositByExternalRef(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	gw := gateway.New(h.store, nil, nil)
	h.svc.Register(gw)
	ctx := context.Background()

	events := []struct {
		id  string
		raw string
	}{
		{"e1", `{"object_type":"deposit","object_identifier":"0xhash","operation_type":"create","holder_id":"u1","currency":"USDT","amount":"12.5"}`},
		{"e2", `{"object_type":"deposit","object_identifier":"0xhash","operation_type":"verify"}`},
		{"e3", `{"object_type":"deposit","object_identifier":"0xhash","operation_type":"lock"}`},
		{"e4", `{"object_type":"deposit","object_identifier":"0xhash","operation_type":"release"}`},
	}
	for _, ev := range events {
		if outcome, err := gw.Ingest(ctx, ev.id, "custody.events", []byte(ev.raw)); err != nil || outcome != gateway.OutcomeApplied {
			t.Fatalf("%s: %s %v", ev.id, outcome, err)
		}
	}
	// replaying the release must not credit twice
	if outcome, err := gw.Ingest(ctx, "e4", "custody.events", []byte(events[3].raw)); err != nil || outcome != gateway.OutcomeDuplicate {
		t.Fatalf("replay: %s %v", outcome, err)
	}
	h.expectAccount(t, mainKey(storage.ClassCoin, "u1", "usdt"), "12.5", "0")

	// a fresh event id with an illegal transition is rejected
	_, err := gw.Ingest(ctx, "e5", "custody.events", []byte(events[3].raw))
	if !errors.Is(err, fsm.ErrInvalidTransition) || !IsRejection(err) {
		t.Fatalf("expected rejected transition, got %v", err)
	}
	h.expectAccount(t, mainKey(storage.ClassCoin, "u1", "usdt"), "12.5", "0")
}

func TestGatewayDrivesDepositByUUIDExternalRef(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	gw := gateway.New(h.store, nil, nil)
	h.svc.Register(gw)
	ctx := context.Background()

	ref := "5f0c7c2e-8d1a-4b36-9e43-3a7d2b1f6c90"
	for i, op := range []string{"create", "verify", "lock", "release"} {
		raw := `{"object_type":"deposit","object_identifier":"` + ref + `","operation_type":"` + op + `","holder_id":"u1","currency":"USDT","amount":"3"}`
		if outcome, err := gw.Ingest(ctx, "u"+string(rune('a'+i)), "custody.events", []byte(raw)); err != nil || outcome != gateway.OutcomeApplied {
			t.Fatalf("%s: %s %v", op, outcome, err)
		}
	}
	h.expectAccount(t, mainKey(storage.ClassCoin, "u1", "usdt"), "3", "0")

	// an unknown UUID is neither a deposit id nor a reference
	_, err := gw.Ingest(ctx, "ux", "custody.events", []byte(`{"object_type":"deposit","object_identifier":"0b5f4a3e-1111-4c2d-8e9f-000000000000","operation_type":"verify"}`))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGatewayDrivesWithdrawal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	gw := gateway.New(h.store, nil, nil)
	h.svc.Register(gw)
	ctx := context.Background()
	h.fund(t, storage.ClassCoin, "u1", "usdt", "10")

	w, err := h.svc.CreateWithdrawal(ctx, WithdrawalRequest{Class: storage.ClassCoin, HolderID: "u1", Currency: "usdt", Amount: d("10")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, op := range []string{fsm.EventProcess, fsm.EventComplete} {
		p := gateway.Payload{ObjectType: "withdrawal", ObjectIdentifier: w.ID.String(), OperationType: op, Fields: map[string]string{"receipt": "0xr"}}
		raw, err := p.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := gw.Ingest(ctx, op+string(rune('a'+i)), "custody.events", raw); err != nil {
			t.Fatalf("%s: %v", op, err)
		}
	}
	got, err := h.svc.GetWithdrawal(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.WithdrawalProcessed || got.Receipt != "0xr" {
		t.Fatalf("unexpected withdrawal %+v", got)
	}
	h.expectAccount(t, mainKey(storage.ClassCoin, "u1", "usdt"), "0", "0")

	_, err = gw.Ingest(ctx, "bad-id", "custody.events", []byte(`{"object_type":"withdrawal","object_identifier":"nope","operation_type":"process"}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
