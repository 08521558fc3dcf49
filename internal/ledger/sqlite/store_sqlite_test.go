package sqlite

import (
	"context"
	"testing"
	"time"

	"delta-pyramid-bot/internal/gateway"
	"delta-pyramid-bot/internal/instrument"
	"delta-pyramid-bot/internal/ledger"
	"delta-pyramid-bot/internal/strategy"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPositionRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, ok, err := store.Position(ctx, "BTCUSD")
	if err != nil {
		t.Fatalf("position lookup failed: %v", err)
	}
	if ok {
		t.Fatalf("expected no position before save")
	}

	pos := ledger.PositionRecord{
		Symbol:       "BTCUSD",
		Side:         strategy.SideLong,
		Lots:         3,
		AvgPrice:     99500,
		FirstAvgFill: 99250,
		LastFlipSide: instrument.SideBuy,
		MachineState: "ACTIVE_3",
		UpdatedAt:    time.Now().UTC(),
	}
	audit := ledger.NewAudit(ledger.AuditStateTransition, "BTCUSD", map[string]any{"to": "ACTIVE_3"})
	if err := store.SavePosition(ctx, audit, pos); err != nil {
		t.Fatalf("save position failed: %v", err)
	}

	got, ok, err := store.Position(ctx, "BTCUSD")
	if err != nil {
		t.Fatalf("position lookup failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected position after save")
	}
	if got.Side != strategy.SideLong || got.Lots != 3 || got.AvgPrice != 99500 || got.FirstAvgFill != 99250 {
		t.Fatalf("unexpected position: %+v", got)
	}
	if got.MachineState != "ACTIVE_3" {
		t.Fatalf("machine state not persisted: %+v", got)
	}
}

func TestOrderRoundTripAndLiveSet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	open := ledger.OrderRecord{
		Symbol:        "BTCUSD",
		ClientOrderID: "PYR-DEMO-20260831T000000Z-TP-SELL-01",
		Role:          strategy.RoleTakeProfit,
		Side:          instrument.SideSell,
		Price:         100300,
		Lots:          2,
		Status:        string(gateway.StatusOpen),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	filled := ledger.OrderRecord{
		Symbol:        "BTCUSD",
		ClientOrderID: "PYR-DEMO-20260831T000000Z-AVG-BUY-02",
		Role:          strategy.RoleAverage,
		Side:          instrument.SideBuy,
		Price:         99250,
		Lots:          2,
		FilledLots:    2,
		Status:        string(gateway.StatusFilled),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, rec := range []ledger.OrderRecord{open, filled} {
		audit := ledger.NewAudit(ledger.AuditOrderSubmitted, "BTCUSD", rec.ClientOrderID)
		if err := store.SaveOrder(ctx, audit, rec); err != nil {
			t.Fatalf("save order failed: %v", err)
		}
	}

	got, ok, err := store.Order(ctx, open.ClientOrderID)
	if err != nil || !ok {
		t.Fatalf("order lookup failed: ok=%v err=%v", ok, err)
	}
	if got.Role != strategy.RoleTakeProfit || got.Price != 100300 {
		t.Fatalf("unexpected order: %+v", got)
	}

	live, err := store.LiveOrders(ctx, "BTCUSD")
	if err != nil {
		t.Fatalf("live orders failed: %v", err)
	}
	if len(live) != 1 || live[0].ClientOrderID != open.ClientOrderID {
		t.Fatalf("expected only the open order in live set, got %+v", live)
	}
}

func TestRecordFillIsIdempotent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fill := ledger.FillRecord{
		FillID:        "fill-1",
		Symbol:        "BTCUSD",
		ClientOrderID: "PYR-DEMO-20260831T000000Z-AVG-BUY-02",
		Price:         99250,
		Lots:          2,
		At:            now,
	}
	order := ledger.OrderRecord{
		Symbol:        "BTCUSD",
		ClientOrderID: fill.ClientOrderID,
		Role:          strategy.RoleAverage,
		Side:          instrument.SideBuy,
		Price:         99250,
		Lots:          2,
		FilledLots:    2,
		Status:        string(gateway.StatusFilled),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	pos := ledger.PositionRecord{
		Symbol:    "BTCUSD",
		Side:      strategy.SideLong,
		Lots:      3,
		AvgPrice:  99500,
		UpdatedAt: now,
	}

	applied, err := store.RecordFill(ctx, ledger.NewAudit(ledger.AuditFill, "BTCUSD", fill), fill, order, pos)
	if err != nil {
		t.Fatalf("record fill failed: %v", err)
	}
	if !applied {
		t.Fatalf("expected first fill to apply")
	}

	pos.Lots = 99 // must not be written on replay
	applied, err = store.RecordFill(ctx, ledger.NewAudit(ledger.AuditFill, "BTCUSD", fill), fill, order, pos)
	if err != nil {
		t.Fatalf("record fill replay failed: %v", err)
	}
	if applied {
		t.Fatalf("expected duplicate fill to be skipped")
	}

	got, _, err := store.Position(ctx, "BTCUSD")
	if err != nil {
		t.Fatalf("position lookup failed: %v", err)
	}
	if got.Lots != 3 {
		t.Fatalf("replayed fill mutated position: %+v", got)
	}
}

func TestAuditPayloadRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	payload := map[string]string{"from": "SEEDING", "to": "ACTIVE_1"}
	event := ledger.NewAudit(ledger.AuditStateTransition, "BTCUSD", payload)
	if err := store.AppendAudit(ctx, event); err != nil {
		t.Fatalf("append audit failed: %v", err)
	}

	var decoded map[string]string
	if err := ledger.DecodePayload(event, &decoded); err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	if decoded["to"] != "ACTIVE_1" {
		t.Fatalf("unexpected payload: %v", decoded)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if _, ok, err := store.Meta(ctx, "telegram:operator:last_update_id"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.SetMeta(ctx, "telegram:operator:last_update_id", "42"); err != nil {
		t.Fatalf("set meta failed: %v", err)
	}
	if err := store.SetMeta(ctx, "telegram:operator:last_update_id", "43"); err != nil {
		t.Fatalf("overwrite meta failed: %v", err)
	}
	got, ok, err := store.Meta(ctx, "telegram:operator:last_update_id")
	if err != nil || !ok {
		t.Fatalf("meta lookup failed: ok=%v err=%v", ok, err)
	}
	if got != "43" {
		t.Fatalf("unexpected meta value: %q", got)
	}
}
