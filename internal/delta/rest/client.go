package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"delta-pyramid-bot/internal/gateway"
	"delta-pyramid-bot/internal/instrument"

	"go.uber.org/zap"
)

const (
	LiveURL = "https://api.india.delta.exchange"
	DemoURL = "https://cdn-ind.testnet.deltaex.org"
)

// Client is a signed REST client for the Delta Exchange v2 API. Every
// request carries a fresh timestamp signature; responses unwrap the
// success/result envelope and map failures onto the shared error taxonomy.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	log       *zap.Logger
}

func New(baseURL, apiKey, apiSecret string, timeout time.Duration, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = LiveURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Product fetches contract metadata for one symbol.
func (c *Client) Product(ctx context.Context, symbol string) (Product, error) {
	var out Product
	if err := c.do(ctx, http.MethodGet, "/v2/products/"+url.PathEscape(symbol), "", nil, &out); err != nil {
		return Product{}, err
	}
	return out, nil
}

// Rules builds the trading rules for one symbol from its product metadata.
func (c *Client) Rules(ctx context.Context, symbol string) (instrument.Rules, error) {
	product, err := c.Product(ctx, symbol)
	if err != nil {
		return instrument.Rules{}, err
	}
	rules := instrument.Rules{
		Symbol:        product.Symbol,
		ProductID:     product.ID,
		TickSize:      product.TickSize.Float64(),
		LotSize:       1,
		ContractValue: product.ContractValue.Float64(),
		MinLots:       1,
	}
	if err := rules.Validate(); err != nil {
		return instrument.Rules{}, err
	}
	return rules, nil
}

// MarkPrice returns the current mark price for one symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var out ticker
	if err := c.do(ctx, http.MethodGet, "/v2/tickers/"+url.PathEscape(symbol), "", nil, &out); err != nil {
		return 0, err
	}
	return out.MarkPrice.Float64(), nil
}

// Position returns the venue net position for one product, nil when flat.
func (c *Client) Position(ctx context.Context, productID int) (*gateway.PositionReport, error) {
	var out positionResult
	query := "?product_id=" + strconv.Itoa(productID)
	if err := c.do(ctx, http.MethodGet, "/v2/positions", query, nil, &out); err != nil {
		return nil, err
	}
	if out.Size == 0 {
		return nil, nil
	}
	report := &gateway.PositionReport{Side: "buy", Lots: out.Size, AvgPrice: out.EntryPrice.Float64()}
	if out.Size < 0 {
		report.Side = "sell"
		report.Lots = -out.Size
	}
	return report, nil
}

// OpenOrders lists resting orders for one product.
func (c *Client) OpenOrders(ctx context.Context, productID int) ([]gateway.LiveOrder, error) {
	var out []orderResult
	query := "?product_ids=" + strconv.Itoa(productID) + "&states=open,pending"
	if err := c.do(ctx, http.MethodGet, "/v2/orders", query, nil, &out); err != nil {
		return nil, err
	}
	orders := make([]gateway.LiveOrder, 0, len(out))
	for _, o := range out {
		orders = append(orders, gateway.LiveOrder{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(o.ID, 10),
			Side:            instrument.Side(o.Side),
			Price:           o.LimitPrice.Float64(),
			Lots:            o.Size,
			FilledLots:      o.Size - o.UnfilledSize,
			Status:          mapOrderState(o.State),
		})
	}
	return orders, nil
}

// PlaceLimitOrder submits a GTC limit order and returns the exchange ID.
func (c *Client) PlaceLimitOrder(ctx context.Context, productID int, req gateway.SubmitRequest) (gateway.Ack, error) {
	body := placeOrderRequest{
		ProductID:     productID,
		Size:          req.Lots,
		Side:          string(req.Side),
		LimitPrice:    strconv.FormatFloat(req.Price, 'f', -1, 64),
		OrderType:     "limit_order",
		TimeInForce:   "gtc",
		PostOnly:      req.PostOnly,
		ClientOrderID: req.ClientOrderID,
	}
	var out orderResult
	if err := c.do(ctx, http.MethodPost, "/v2/orders", "", body, &out); err != nil {
		return gateway.Ack{}, err
	}
	if out.State == "cancelled" {
		return gateway.Ack{}, &gateway.RejectError{Reason: "order cancelled on entry"}
	}
	return gateway.Ack{ExchangeOrderID: strconv.FormatInt(out.ID, 10)}, nil
}

// CancelOrder removes a resting order. Cancelling an order that is already
// gone is not an error for callers; the venue's open_order_not_found code
// is swallowed.
func (c *Client) CancelOrder(ctx context.Context, productID int, req gateway.CancelRequest) error {
	body := cancelOrderRequest{ProductID: productID, ClientOrderID: req.ClientOrderID}
	if req.ExchangeOrderID != "" {
		id, err := strconv.ParseInt(req.ExchangeOrderID, 10, 64)
		if err != nil {
			return fmt.Errorf("exchange order id %q: %w", req.ExchangeOrderID, err)
		}
		body.ID = id
		body.ClientOrderID = ""
	}
	err := c.do(ctx, http.MethodDelete, "/v2/orders", "", body, nil)
	var rej *gateway.RejectError
	if errors.As(err, &rej) && strings.Contains(rej.Reason, "open_order_not_found") {
		return nil
	}
	return err
}

// SetLeverage sets order leverage for the product.
func (c *Client) SetLeverage(ctx context.Context, productID int, leverage int) error {
	path := "/v2/products/" + strconv.Itoa(productID) + "/orders/leverage"
	body := leverageRequest{Leverage: strconv.Itoa(leverage)}
	return c.do(ctx, http.MethodPost, path, "", body, nil)
}

// Account derives the margin view from wallet balances of the settling
// asset.
func (c *Client) Account(ctx context.Context) (gateway.AccountReport, error) {
	var out []walletBalance
	if err := c.do(ctx, http.MethodGet, "/v2/wallet/balances", "", nil, &out); err != nil {
		return gateway.AccountReport{}, err
	}
	for _, b := range out {
		total := b.Balance.Float64()
		if total <= 0 {
			continue
		}
		available := b.AvailableBalance.Float64()
		return gateway.AccountReport{
			MarginUtilization: (total - available) / total,
			HasMargin:         available > 0,
		}, nil
	}
	return gateway.AccountReport{}, nil
}

func (c *Client) do(ctx context.Context, method, path, query string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := signPayload(c.apiSecret, method, timestamp, path, query, string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+query, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)
	httpReq.Header.Set("timestamp", timestamp)
	httpReq.Header.Set("signature", signature)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// keep the cause in the chain: callers distinguish an expired
		// deadline (possible ack in flight) from other transport failures
		return fmt.Errorf("%w: %w", gateway.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return gateway.ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: http %d: %s", gateway.ErrTransient, resp.StatusCode, truncate(raw))
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode %s %s: http %d: %w", method, path, resp.StatusCode, err)
	}
	if !envelope.Success {
		reason := "unknown"
		if envelope.Error != nil {
			reason = envelope.Error.Code
		}
		if (method == http.MethodPost || method == http.MethodDelete) && path == "/v2/orders" {
			return &gateway.RejectError{Reason: reason}
		}
		return fmt.Errorf("%s %s failed: %s", method, path, reason)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

func mapOrderState(state string) gateway.OrderStatus {
	switch state {
	case "open":
		return gateway.StatusOpen
	case "pending":
		return gateway.StatusPendingSubmit
	case "closed":
		return gateway.StatusFilled
	case "cancelled":
		return gateway.StatusCancelled
	default:
		return gateway.StatusOpen
	}
}

func truncate(raw []byte) string {
	if len(raw) > 512 {
		raw = raw[:512]
	}
	return string(raw)
}
