package gateway

import (
	"context"
	"errors"
	"time"

	"delta-pyramid-bot/internal/instrument"
)

// ErrRateLimited marks a transient venue throttle; callers back off and
// retry instead of surfacing it.
var ErrRateLimited = errors.New("rate limited by exchange")

// ErrTransient wraps network-level failures (timeouts, 5xx) that are safe
// to retry without any state change having occurred.
var ErrTransient = errors.New("transient exchange error")

// RejectError is a synchronous order rejection from the venue. The reason
// string feeds ClassifyReject.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "order rejected: " + e.Reason
}

type OrderStatus string

const (
	StatusPendingSubmit   OrderStatus = "pending_submit"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status removes the order from the live set.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// LiveOrder is the venue's view of a resting order. Role semantics live in
// the client order ID, not here; the reconciler decodes them.
type LiveOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	Side            instrument.Side
	Price           float64
	Lots            int
	FilledLots      int
	Status          OrderStatus
}

// PositionReport is the venue-reported net position for one symbol.
type PositionReport struct {
	Side     string // "buy", "sell" or empty when flat
	Lots     int
	AvgPrice float64
}

// AccountReport carries the margin view for pre-trade checks.
type AccountReport struct {
	MarginUtilization float64
	HasMargin         bool
}

type SubmitRequest struct {
	ClientOrderID string
	Side          instrument.Side
	Price         float64
	Lots          int
	PostOnly      bool
}

type Ack struct {
	ExchangeOrderID string
}

type CancelRequest struct {
	ClientOrderID   string
	ExchangeOrderID string
}

type EventKind string

const (
	EventFill               EventKind = "fill"
	EventCancelAck          EventKind = "cancel_ack"
	EventReject             EventKind = "reject"
	EventConnectionLost     EventKind = "connection_lost"
	EventConnectionRestored EventKind = "connection_restored"
)

// Event is one asynchronous exchange notification. Fill events carry price,
// lots and the partial flag; rejects carry the venue reason string. FillID
// is the venue's execution ID when available; consumers rely on it to
// deduplicate at-least-once delivery.
type Event struct {
	Kind            EventKind
	At              time.Time
	FillID          string
	ClientOrderID   string
	ExchangeOrderID string
	Price           float64
	Lots            int
	IsPartial       bool
	Reason          string
}

// Gateway abstracts the exchange. The reconciler is its only consumer and
// treats every call as fallible; implementations own transport, auth and
// reconnection.
type Gateway interface {
	Position(ctx context.Context, symbol string) (*PositionReport, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	OpenOrders(ctx context.Context, symbol string) ([]LiveOrder, error)
	Account(ctx context.Context) (AccountReport, error)
	SubmitLimitOrder(ctx context.Context, symbol string, req SubmitRequest) (Ack, error)
	CancelOrder(ctx context.Context, symbol string, req CancelRequest) error
	Events() <-chan Event
}
