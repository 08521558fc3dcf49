package ws

import (
	"encoding/json"
	"testing"
	"time"

	"delta-pyramid-bot/internal/gateway"
)

func timeUnix(sec int64) time.Time { return time.Unix(sec, 0) }

func TestDecodeFillEvent(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "user_trades",
		"symbol": "BTCUSD",
		"fill_id": "f-123",
		"order_id": 9001,
		"client_order_id": "PYR-PROD-20250101T000000Z-TP-SELL-01",
		"price": "100300.5",
		"size": 2,
		"unfilled_size": 0,
		"timestamp": 1735689600000000
	}`)
	ev, ok := DecodeEvent(raw)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Kind != gateway.EventFill {
		t.Fatalf("expected fill, got %s", ev.Kind)
	}
	if ev.FillID != "f-123" || ev.Price != 100300.5 || ev.Lots != 2 || ev.IsPartial {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ExchangeOrderID != "9001" {
		t.Fatalf("expected exchange order id 9001, got %q", ev.ExchangeOrderID)
	}
	if ev.At.Unix() != 1735689600 {
		t.Fatalf("unexpected timestamp: %v", ev.At)
	}
}

func TestDecodePartialFill(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "user_trades",
		"fill_id": "f-124",
		"client_order_id": "PYR-PROD-20250101T000000Z-AVG-BUY-02",
		"price": "99250",
		"size": 1,
		"unfilled_size": 1
	}`)
	ev, ok := DecodeEvent(raw)
	if !ok {
		t.Fatalf("expected event")
	}
	if !ev.IsPartial {
		t.Fatalf("expected partial flag")
	}
}

func TestDecodeCancelAck(t *testing.T) {
	raw := json.RawMessage(`{"type":"orders","state":"cancelled","client_order_id":"PYR-PROD-20250101T000000Z-TP-SELL-01","order_id":9001}`)
	ev, ok := DecodeEvent(raw)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Kind != gateway.EventCancelAck {
		t.Fatalf("expected cancel ack, got %s", ev.Kind)
	}
}

func TestDecodePostOnlyCancelIsReject(t *testing.T) {
	raw := json.RawMessage(`{"type":"orders","state":"cancelled","reason":"immediate_execution_post_only","client_order_id":"PYR-PROD-20250101T000000Z-AVG-BUY-02"}`)
	ev, ok := DecodeEvent(raw)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Kind != gateway.EventReject {
		t.Fatalf("expected reject, got %s", ev.Kind)
	}
	if gateway.ClassifyReject(ev.Reason) != gateway.RejectPriceBand {
		t.Fatalf("expected retryable classification for %q", ev.Reason)
	}
}

func TestDecodeIgnoresNoise(t *testing.T) {
	for _, raw := range []string{
		`{"type":"pong"}`,
		`{"type":"subscriptions","channels":[]}`,
		`{"type":"user_trades","price":"not-a-number","fill_id":"x"}`,
		`{"type":"user_trades","price":"1"}`,
		`not json`,
	} {
		if _, ok := DecodeEvent(json.RawMessage(raw)); ok {
			t.Fatalf("expected %s to be ignored", raw)
		}
	}
}

func TestAuthMessageSignature(t *testing.T) {
	msg := authMessage("key", "secret", timeUnix(1700000000))
	payload, ok := msg["payload"].(map[string]any)
	if !ok {
		t.Fatalf("missing payload")
	}
	if payload["api-key"] != "key" || payload["timestamp"] != "1700000000" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	sig, _ := payload["signature"].(string)
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %q", sig)
	}
	again := authMessage("key", "secret", timeUnix(1700000000))
	if again["payload"].(map[string]any)["signature"] != sig {
		t.Fatalf("signature not deterministic")
	}
}
