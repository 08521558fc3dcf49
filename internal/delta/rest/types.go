package rest

import (
	"encoding/json"

	"delta-pyramid-bot/internal/delta/wire"
)

// apiResponse is the common envelope. Error is populated when Success is
// false; Result holds the payload otherwise.
type apiResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context"`
}

// Product carries the contract metadata needed to build trading rules.
// Numeric fields arrive as decimal strings.
type Product struct {
	ID            int          `json:"id"`
	Symbol        string       `json:"symbol"`
	TickSize      wire.Decimal `json:"tick_size"`
	ContractValue wire.Decimal `json:"contract_value"`
	State         string       `json:"state"`
}

type ticker struct {
	Symbol    string       `json:"symbol"`
	MarkPrice wire.Decimal `json:"mark_price"`
}

// positionResult reports the net contract count: negative size means short.
type positionResult struct {
	Size       int          `json:"size"`
	EntryPrice wire.Decimal `json:"entry_price"`
	ProductID  int          `json:"product_id"`
}

type orderResult struct {
	ID            int64        `json:"id"`
	ClientOrderID string       `json:"client_order_id"`
	ProductID     int          `json:"product_id"`
	Size          int          `json:"size"`
	UnfilledSize  int          `json:"unfilled_size"`
	Side          string       `json:"side"`
	LimitPrice    wire.Decimal `json:"limit_price"`
	State         string       `json:"state"`
}

type placeOrderRequest struct {
	ProductID     int    `json:"product_id"`
	Size          int    `json:"size"`
	Side          string `json:"side"`
	LimitPrice    string `json:"limit_price"`
	OrderType     string `json:"order_type"`
	TimeInForce   string `json:"time_in_force"`
	PostOnly      bool   `json:"post_only"`
	ClientOrderID string `json:"client_order_id"`
}

type cancelOrderRequest struct {
	ID            int64  `json:"id,omitempty"`
	ProductID     int    `json:"product_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type leverageRequest struct {
	Leverage string `json:"leverage"`
}

type walletBalance struct {
	AssetSymbol      string       `json:"asset_symbol"`
	Balance          wire.Decimal `json:"balance"`
	AvailableBalance wire.Decimal `json:"available_balance"`
}
