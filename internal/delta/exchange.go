package delta

import (
	"context"
	"encoding/json"
	"fmt"

	"delta-pyramid-bot/internal/delta/rest"
	"delta-pyramid-bot/internal/delta/ws"
	"delta-pyramid-bot/internal/gateway"
	"delta-pyramid-bot/internal/instrument"

	"go.uber.org/zap"
)

// Exchange binds the REST client and the socket into the gateway surface
// for a single product: queries and order placement over REST, fills and
// order lifecycle over the socket.
type Exchange struct {
	rest   *rest.Client
	ws     *ws.Client
	rules  instrument.Rules
	events chan gateway.Event
	log    *zap.Logger
}

func NewExchange(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger) *Exchange {
	return &Exchange{
		rest:   restClient,
		ws:     wsClient,
		events: make(chan gateway.Event, 256),
		log:    log,
	}
}

// Init resolves trading rules for the symbol, applies leverage and
// registers the private channel subscriptions. Must complete before Run.
func (e *Exchange) Init(ctx context.Context, symbol string, leverage int) (instrument.Rules, error) {
	rules, err := e.rest.Rules(ctx, symbol)
	if err != nil {
		return instrument.Rules{}, fmt.Errorf("resolve rules: %w", err)
	}
	e.rules = rules
	if leverage > 0 {
		if err := e.rest.SetLeverage(ctx, rules.ProductID, leverage); err != nil {
			e.log.Warn("leverage setup failed", zap.Int("leverage", leverage), zap.Error(err))
		}
	}
	for _, channel := range []string{"orders", "user_trades"} {
		if err := e.ws.Subscribe(ctx, channel, []string{symbol}); err != nil {
			return instrument.Rules{}, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	e.ws.SetLifecycleHook(func(connected bool) {
		kind := gateway.EventConnectionLost
		if connected {
			kind = gateway.EventConnectionRestored
		}
		e.emit(gateway.Event{Kind: kind})
	})
	return rules, nil
}

// Run pumps socket frames into the event channel until ctx is cancelled.
func (e *Exchange) Run(ctx context.Context) error {
	return e.ws.Run(ctx, func(raw json.RawMessage) {
		ev, ok := ws.DecodeEvent(raw)
		if !ok {
			return
		}
		e.emit(ev)
	})
}

func (e *Exchange) emit(ev gateway.Event) {
	select {
	case e.events <- ev:
	default:
		// the reconciler catches up via periodic reconciliation
		e.log.Error("event channel full, dropping event",
			zap.String("kind", string(ev.Kind)),
			zap.String("client_order_id", ev.ClientOrderID))
	}
}

func (e *Exchange) Position(ctx context.Context, symbol string) (*gateway.PositionReport, error) {
	return e.rest.Position(ctx, e.rules.ProductID)
}

func (e *Exchange) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return e.rest.MarkPrice(ctx, symbol)
}

func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]gateway.LiveOrder, error) {
	return e.rest.OpenOrders(ctx, e.rules.ProductID)
}

func (e *Exchange) Account(ctx context.Context) (gateway.AccountReport, error) {
	return e.rest.Account(ctx)
}

func (e *Exchange) SubmitLimitOrder(ctx context.Context, symbol string, req gateway.SubmitRequest) (gateway.Ack, error) {
	return e.rest.PlaceLimitOrder(ctx, e.rules.ProductID, req)
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol string, req gateway.CancelRequest) error {
	return e.rest.CancelOrder(ctx, e.rules.ProductID, req)
}

func (e *Exchange) Events() <-chan gateway.Event {
	return e.events
}
