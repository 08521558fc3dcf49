package ws

import (
	"encoding/json"
	"strconv"
	"time"

	"delta-pyramid-bot/internal/delta/wire"
	"delta-pyramid-bot/internal/gateway"
)

// frame is the superset of fields across the private channels this bot
// subscribes to. Type discriminates; unused fields stay zero.
type frame struct {
	Type          string       `json:"type"`
	Action        string       `json:"action"`
	Symbol        string       `json:"symbol"`
	FillID        string       `json:"fill_id"`
	OrderID       int64        `json:"order_id"`
	ClientOrderID string       `json:"client_order_id"`
	Price         wire.Decimal `json:"price"`
	Size          int          `json:"size"`
	UnfilledSize  int          `json:"unfilled_size"`
	State         string       `json:"state"`
	Reason        string       `json:"reason"`
	Timestamp     int64        `json:"timestamp"` // microseconds
}

// DecodeEvent translates one socket frame into an exchange event. The
// second return is false for frames that carry nothing actionable
// (heartbeats, acks, unrelated channels).
func DecodeEvent(raw json.RawMessage) (gateway.Event, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return gateway.Event{}, false
	}
	at := time.UnixMicro(f.Timestamp).UTC()
	if f.Timestamp == 0 {
		at = time.Now().UTC()
	}

	switch f.Type {
	case "user_trades":
		if f.FillID == "" || f.Size <= 0 {
			return gateway.Event{}, false
		}
		return gateway.Event{
			Kind:            gateway.EventFill,
			At:              at,
			FillID:          f.FillID,
			ClientOrderID:   f.ClientOrderID,
			ExchangeOrderID: formatOrderID(f.OrderID),
			Price:           f.Price.Float64(),
			Lots:            f.Size,
			IsPartial:       f.UnfilledSize > 0,
		}, true
	case "orders":
		switch f.State {
		case "cancelled":
			if f.Reason == "self_trade" || f.Reason == "immediate_execution_post_only" {
				return gateway.Event{
					Kind:            gateway.EventReject,
					At:              at,
					ClientOrderID:   f.ClientOrderID,
					ExchangeOrderID: formatOrderID(f.OrderID),
					Reason:          f.Reason,
				}, true
			}
			return gateway.Event{
				Kind:            gateway.EventCancelAck,
				At:              at,
				ClientOrderID:   f.ClientOrderID,
				ExchangeOrderID: formatOrderID(f.OrderID),
				Reason:          f.Reason,
			}, true
		}
	}
	return gateway.Event{}, false
}

func formatOrderID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
