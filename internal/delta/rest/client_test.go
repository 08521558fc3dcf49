package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"delta-pyramid-bot/internal/gateway"
	"delta-pyramid-bot/internal/instrument"

	"go.uber.org/zap"
)

func TestSignPayloadDeterministic(t *testing.T) {
	sig := signPayload("secret", "GET", "1700000000", "/v2/orders", "?product_ids=27", "")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	again := signPayload("secret", "GET", "1700000000", "/v2/orders", "?product_ids=27", "")
	if sig != again {
		t.Fatalf("signature not deterministic: %s vs %s", sig, again)
	}
	other := signPayload("other", "GET", "1700000000", "/v2/orders", "?product_ids=27", "")
	if sig == other {
		t.Fatalf("different secrets produced identical signatures")
	}
}

func TestPlaceLimitOrderSendsSignedRequest(t *testing.T) {
	var gotReq placeOrderRequest
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"id": 9001, "state": "open", "size": 2, "unfilled_size": 2},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	ack, err := c.PlaceLimitOrder(context.Background(), 27, gateway.SubmitRequest{
		ClientOrderID: "PYR-TEST-20250101T000000Z-TP-SELL-01",
		Side:          instrument.SideSell,
		Price:         100300,
		Lots:          2,
		PostOnly:      true,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if ack.ExchangeOrderID != "9001" {
		t.Fatalf("expected exchange id 9001, got %q", ack.ExchangeOrderID)
	}
	if gotReq.Side != "sell" || gotReq.Size != 2 || gotReq.LimitPrice != "100300" || !gotReq.PostOnly {
		t.Fatalf("unexpected wire request: %+v", gotReq)
	}
	if gotReq.OrderType != "limit_order" || gotReq.TimeInForce != "gtc" {
		t.Fatalf("unexpected order type fields: %+v", gotReq)
	}
	if gotHeaders.Get("api-key") != "key" {
		t.Fatalf("missing api-key header")
	}
	ts := gotHeaders.Get("timestamp")
	if ts == "" {
		t.Fatalf("missing timestamp header")
	}
	want := signPayload("secret", "POST", ts, "/v2/orders", "", mustMarshal(t, gotReq))
	if gotHeaders.Get("signature") != want {
		t.Fatalf("signature mismatch: got %s want %s", gotHeaders.Get("signature"), want)
	}
}

func TestPlaceLimitOrderMapsRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]any{"code": "insufficient_margin"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	_, err := c.PlaceLimitOrder(context.Background(), 27, gateway.SubmitRequest{Side: instrument.SideBuy, Price: 1, Lots: 1})
	var rej *gateway.RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectError, got %v", err)
	}
	if rej.Reason != "insufficient_margin" {
		t.Fatalf("expected insufficient_margin, got %q", rej.Reason)
	}
	if gateway.ClassifyReject(rej.Reason) != gateway.RejectMargin {
		t.Fatalf("expected margin classification for %q", rej.Reason)
	}
}

func TestRateLimitMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	_, err := c.MarkPrice(context.Background(), "BTCUSD")
	if !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestServerErrorMapsToTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	_, err := c.Position(context.Background(), 27)
	if !errors.Is(err, gateway.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestPositionMapsShortSide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "product_id=27" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"size": -3, "entry_price": "99500.5", "product_id": 27},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	report, err := c.Position(context.Background(), 27)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if report == nil {
		t.Fatalf("expected position report")
	}
	if report.Side != "sell" || report.Lots != 3 || report.AvgPrice != 99500.5 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestPositionFlatReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"size": 0, "entry_price": "0"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	report, err := c.Position(context.Background(), 27)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if report != nil {
		t.Fatalf("expected nil report when flat, got %+v", report)
	}
}

func TestCancelSwallowsAlreadyGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]any{"code": "open_order_not_found"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	err := c.CancelOrder(context.Background(), 27, gateway.CancelRequest{ClientOrderID: "PYR-TEST-20250101T000000Z-TP-SELL-01"})
	if err != nil {
		t.Fatalf("expected nil for already-gone order, got %v", err)
	}
}

func TestRulesFromProduct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"id": 27, "symbol": "BTCUSD",
				"tick_size": "0.5", "contract_value": "0.001", "state": "live",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	rules, err := c.Rules(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	want := instrument.Rules{Symbol: "BTCUSD", ProductID: 27, TickSize: 0.5, LotSize: 1, ContractValue: 0.001, MinLots: 1}
	if rules != want {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestTimeoutKeepsDeadlineInChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// drain the body so the server's background read can notice the
		// client disconnect and cancel the request context
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret", 2*time.Second, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.PlaceLimitOrder(ctx, 27, gateway.SubmitRequest{
		ClientOrderID: "PYR-TEST-20250101T000000Z-SEED-BUY-01",
		Side:          instrument.SideBuy,
		Price:         99995,
		Lots:          1,
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, gateway.ErrTransient) {
		t.Fatalf("expected transient classification, got %v", err)
	}
	// callers resolve an ack timeout by querying the venue; that only
	// works if the deadline survives the wrapping
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deadline not in error chain: %v", err)
	}
}

func mustMarshal(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}
