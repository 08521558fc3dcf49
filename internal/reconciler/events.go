package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"delta-pyramid-bot/internal/gateway"
	"delta-pyramid-bot/internal/instrument"
	"delta-pyramid-bot/internal/ledger"
	"delta-pyramid-bot/internal/strategy"

	"go.uber.org/zap"
)

func (r *Reconciler) handleEvent(ctx context.Context, ev gateway.Event) {
	switch ev.Kind {
	case gateway.EventFill:
		r.handleFill(ctx, ev)
	case gateway.EventReject:
		r.handleReject(ctx, ev)
	case gateway.EventCancelAck:
		r.handleCancelAck(ctx, ev)
	case gateway.EventConnectionLost:
		r.log.Warn("exchange connection lost")
		if err := r.store.AppendAudit(ctx, ledger.NewAudit(ledger.AuditError, r.cfg.Symbol, "connection lost")); err != nil {
			r.log.Warn("audit failed", zap.Error(err))
		}
	case gateway.EventConnectionRestored:
		r.log.Info("exchange connection restored, reconciling")
		if err := r.reconcile(ctx); err != nil {
			r.log.Warn("post-reconnect reconcile failed", zap.Error(err))
		}
	default:
		r.log.Warn("unknown event kind", zap.String("kind", string(ev.Kind)))
	}
}

// handleFill applies one execution. The fill, the order update and the
// position transition commit in a single ledger transaction keyed by the
// fill ID, so redelivered events are no-ops. Post-commit repair (cancelling
// the stale paired order, resubmitting a partial remainder) is idempotent
// and redone by reconcile if the process dies in between.
func (r *Reconciler) handleFill(ctx context.Context, ev gateway.Event) {
	order, ok, err := r.store.Order(ctx, ev.ClientOrderID)
	if err != nil {
		r.log.Error("order lookup failed", zap.String("client_order_id", ev.ClientOrderID), zap.Error(err))
		return
	}
	if !ok {
		if ownOrder(ev.ClientOrderID) {
			r.halt(ctx, fmt.Sprintf("fill for unknown own order %s", ev.ClientOrderID))
		}
		return
	}
	if ev.Lots <= 0 {
		r.log.Warn("ignoring fill with non-positive size", zap.String("fill_id", ev.FillID), zap.Int("lots", ev.Lots))
		return
	}

	newOrder := order
	newOrder.FilledLots += ev.Lots
	remaining := newOrder.Lots - newOrder.FilledLots
	if remaining > 0 {
		newOrder.Status = string(gateway.StatusPartiallyFilled)
	} else {
		newOrder.Status = string(gateway.StatusFilled)
	}
	newOrder.UpdatedAt = time.Now().UTC()

	newPos, flipped := applyFill(r.pos, order, ev, r.cfg.Ladder)
	if s := StateForLots(newPos.Lots); s != "" {
		newPos.MachineState = string(s)
	} else {
		newPos.MachineState = string(StateFlipping)
	}
	newPos.UpdatedAt = newOrder.UpdatedAt

	fill := ledger.FillRecord{
		FillID:        ev.FillID,
		Symbol:        r.cfg.Symbol,
		ClientOrderID: ev.ClientOrderID,
		Price:         ev.Price,
		Lots:          ev.Lots,
		IsPartial:     remaining > 0,
		At:            ev.At,
	}
	audit := ledger.NewAudit(ledger.AuditFill, r.cfg.Symbol, map[string]any{
		"fill_id":         ev.FillID,
		"client_order_id": ev.ClientOrderID,
		"role":            string(order.Role),
		"price":           ev.Price,
		"lots":            ev.Lots,
		"pos_lots":        newPos.Lots,
	})
	applied, err := r.store.RecordFill(ctx, audit, fill, newOrder, newPos)
	if err != nil {
		r.log.Error("fill persist failed", zap.String("fill_id", ev.FillID), zap.Error(err))
		r.halt(ctx, "ledger write failed: "+err.Error())
		return
	}
	if !applied {
		r.log.Info("duplicate fill ignored", zap.String("fill_id", ev.FillID))
		return
	}

	r.pos = newPos
	r.state = State(newPos.MachineState)
	if r.onFill != nil {
		r.onFill(fill, newOrder, newPos)
	}
	r.metrics.Fills.Inc()
	if remaining > 0 {
		r.metrics.PartialFills.Inc()
	}
	if flipped {
		r.metrics.Flips.Inc()
	}
	r.log.Info("fill applied",
		zap.String("fill_id", ev.FillID),
		zap.String("role", string(order.Role)),
		zap.Float64("price", ev.Price),
		zap.Int("lots", ev.Lots),
		zap.String("pos_side", string(newPos.Side)),
		zap.Int("pos_lots", newPos.Lots),
		zap.Float64("pos_avg", newPos.AvgPrice))

	if remaining > 0 {
		r.recreateAfterPartial(ctx, newOrder, remaining)
		return
	}
	if err := r.cancelStaleLive(ctx); err != nil {
		r.log.Warn("stale order cleanup failed", zap.Error(err))
	}
	if err := r.syncIntents(ctx); err != nil {
		r.log.Warn("post-fill sync failed", zap.Error(err))
	}
}

// applyFill computes the position after one execution. Entry-side fills
// blend into the weighted average and stamp the tier anchor on first touch;
// exit-side fills drain lots and flip through zero to one lot in the
// opposite direction at the fill price.
func applyFill(pos ledger.PositionRecord, order ledger.OrderRecord, ev gateway.Event, ladder strategy.Ladder) (ledger.PositionRecord, bool) {
	out := pos
	adds := pos.Lots == 0 || order.Side == pos.Strategy().EntrySide()
	if adds {
		out.AvgPrice = strategy.BlendAverage(pos.AvgPrice, pos.Lots, ev.Price, ev.Lots)
		out.Lots = pos.Lots + ev.Lots
		if pos.Lots == 0 {
			if order.Side == instrument.SideSell {
				out.Side = strategy.SideShort
			} else {
				out.Side = strategy.SideLong
			}
		}
		// the anchor keys off the tier the order completes, so a
		// partial stamps it at the same price the remainder rests at
		if order.Role == strategy.RoleAverage {
			if params, ok := ladder.Tiers[pos.Lots+order.Lots]; ok {
				switch {
				case params.AnchorFirst && out.FirstAvgFill == 0:
					out.FirstAvgFill = ev.Price
				case params.AnchorSecond && out.SecondAvgFill == 0:
					out.SecondAvgFill = ev.Price
				}
			}
		}
		return out, false
	}

	left := pos.Lots - ev.Lots
	switch {
	case left > 0:
		out.Lots = left
		return out, false
	case left == 0:
		out = ledger.PositionRecord{Symbol: pos.Symbol, Side: strategy.SideNone, LastFlipSide: order.Side}
		return out, false
	default:
		out = ledger.PositionRecord{
			Symbol:       pos.Symbol,
			Lots:         -left,
			AvgPrice:     ev.Price,
			LastFlipSide: order.Side,
		}
		if order.Side == instrument.SideSell {
			out.Side = strategy.SideShort
		} else {
			out.Side = strategy.SideLong
		}
		return out, true
	}
}

// recreateAfterPartial handles the cancel-and-recreate window: every live
// order comes down, the unfilled remainder goes back at the same price
// under a fresh client order ID, and for an averaging partial the paired
// take-profit is rebuilt against the updated average. The ladder proper is
// not recomputed until the position is back on a canonical lot count.
func (r *Reconciler) recreateAfterPartial(ctx context.Context, order ledger.OrderRecord, remaining int) {
	if order.Role == strategy.RoleFlatten {
		// the remainder keeps resting until the position is closed
		return
	}
	live, err := r.store.LiveOrders(ctx, r.cfg.Symbol)
	if err != nil {
		r.log.Warn("live orders unavailable during partial repair", zap.Error(err))
		return
	}
	for _, rec := range live {
		if err := r.cancelOrder(ctx, rec, "partial fill cancel-and-recreate"); err != nil {
			r.log.Warn("cancel during partial repair failed", zap.String("client_order_id", rec.ClientOrderID), zap.Error(err))
		}
	}

	targets := []target{{
		intent: strategy.OrderIntent{Role: order.Role, Side: order.Side, Price: order.Price, Lots: remaining},
		price:  order.Price,
	}}
	if order.Role == strategy.RoleAverage {
		if params, ok := r.tierParamsForTransition(order.Lots); ok {
			tpSide := r.pos.Strategy().EntrySide().Opposite()
			raw := r.pos.AvgPrice + params.TPOffset
			if r.pos.Side == strategy.SideShort {
				raw = r.pos.AvgPrice - params.TPOffset
			}
			price, err := r.rules.RoundPrice(raw, tpSide)
			if err != nil {
				r.log.Warn("take-profit reprice failed during partial repair", zap.Error(err))
			} else {
				targets = append(targets, target{
					intent: strategy.OrderIntent{Role: strategy.RoleTakeProfit, Side: tpSide, Price: price, Lots: r.pos.Lots + 1},
					price:  price,
				})
			}
		}
	}

	intents := make([]strategy.OrderIntent, 0, len(targets))
	for _, tgt := range targets {
		intents = append(intents, tgt.intent)
	}
	acct := r.accountState(ctx)
	if err := r.guard.Approve(intents, r.pos.Strategy(), acct); err != nil {
		r.log.Warn("risk guard rejected partial repair", zap.Error(err))
		if auditErr := r.store.AppendAudit(ctx, ledger.NewAudit(ledger.AuditReject, r.cfg.Symbol, err.Error())); auditErr != nil {
			r.log.Warn("reject audit failed", zap.Error(auditErr))
		}
		if errors.Is(err, strategy.ErrMarginUtilization) {
			r.halt(ctx, "margin utilization above threshold")
		}
		return
	}

	for _, tgt := range targets {
		if err := r.submitTarget(ctx, tgt); err != nil {
			r.log.Warn("partial repair resubmit failed", zap.String("role", string(tgt.intent.Role)), zap.Error(err))
			if errors.Is(err, ErrHalted) {
				return
			}
		}
	}
}

// tierParamsForTransition maps an averaging-order size to the tier the fill
// completes. An averaging order carries the lot difference between adjacent
// tiers, so the size identifies the destination rung.
func (r *Reconciler) tierParamsForTransition(avgLots int) (strategy.TierParams, bool) {
	lots := make([]int, 0, len(r.cfg.Ladder.Tiers))
	for lot := range r.cfg.Ladder.Tiers {
		lots = append(lots, lot)
	}
	sort.Ints(lots)
	for i := 1; i < len(lots); i++ {
		if lots[i]-lots[i-1] == avgLots {
			params, ok := r.cfg.Ladder.Tiers[lots[i]]
			return params, ok
		}
	}
	return strategy.TierParams{}, false
}

// cancelStaleLive removes live orders that no longer match any target role
// sizing after a full fill. syncIntents would catch these too; doing it
// eagerly closes the window where a stale rung could execute.
func (r *Reconciler) cancelStaleLive(ctx context.Context) error {
	live, err := r.store.LiveOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return err
	}
	for _, rec := range live {
		if err := r.cancelOrder(ctx, rec, "stale after fill"); err != nil {
			return err
		}
	}
	return nil
}

// handleReject covers asynchronous rejects of resting orders (e.g. the
// venue pulling a post-only order). The record is closed out and the next
// sync resubmits per policy.
func (r *Reconciler) handleReject(ctx context.Context, ev gateway.Event) {
	order, ok, err := r.store.Order(ctx, ev.ClientOrderID)
	if err != nil || !ok {
		return
	}
	if gateway.OrderStatus(order.Status).Terminal() {
		return
	}
	order.Status = string(gateway.StatusRejected)
	order.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditReject, r.cfg.Symbol, ev.Reason), order); err != nil {
		r.log.Warn("reject persist failed", zap.Error(err))
		return
	}
	r.metrics.OrdersRejected.Inc()
	class := gateway.ClassifyReject(ev.Reason)
	if class == gateway.RejectMargin {
		r.halt(ctx, "resting order rejected for margin: "+ev.Reason)
		return
	}
	if err := r.syncIntents(ctx); err != nil {
		r.log.Warn("post-reject sync failed", zap.Error(err))
	}
}

func (r *Reconciler) handleCancelAck(ctx context.Context, ev gateway.Event) {
	order, ok, err := r.store.Order(ctx, ev.ClientOrderID)
	if err != nil || !ok {
		return
	}
	if gateway.OrderStatus(order.Status).Terminal() {
		return
	}
	order.Status = string(gateway.StatusCancelled)
	order.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditCancel, r.cfg.Symbol, order.ClientOrderID), order); err != nil {
		r.log.Warn("cancel ack persist failed", zap.Error(err))
	}
}
