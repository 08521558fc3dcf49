package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"delta-pyramid-bot/internal/gateway"
	"delta-pyramid-bot/internal/instrument"
	"delta-pyramid-bot/internal/ledger"
	"delta-pyramid-bot/internal/strategy"

	"go.uber.org/zap"
)

// reconcile converges the ledger onto exchange truth. The venue wins every
// disagreement: positions are adopted from its report (anchors survive only
// when the ledger already matches), unknown own-prefix orders are cancelled,
// and ledger orders the venue no longer knows are closed out. It finishes
// with a ladder sync.
func (r *Reconciler) reconcile(ctx context.Context) error {
	report, err := r.gw.Position(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("position query: %w", err)
	}
	if err := r.adoptPosition(ctx, report); err != nil {
		return err
	}
	if err := r.reconcileOrders(ctx); err != nil {
		return err
	}
	r.lastReconcileAt = time.Now().UTC()
	r.metrics.Reconciles.Inc()
	return r.syncIntents(ctx)
}

func (r *Reconciler) adoptPosition(ctx context.Context, report *gateway.PositionReport) error {
	venueSide := strategy.SideNone
	venueLots := 0
	venueAvg := 0.0
	if report != nil && report.Lots != 0 {
		venueLots = report.Lots
		venueAvg = report.AvgPrice
		if strings.EqualFold(report.Side, string(instrument.SideSell)) {
			venueSide = strategy.SideShort
		} else {
			venueSide = strategy.SideLong
		}
	}

	if venueSide == r.pos.Side && venueLots == r.pos.Lots {
		return nil
	}
	if !strategy.CanonicalLots(venueLots) {
		r.halt(ctx, fmt.Sprintf("exchange reports %d lots, not a ladder tier", venueLots))
		return ErrPositionDiverged
	}

	r.log.Warn("adopting exchange position over ledger",
		zap.String("ledger_side", string(r.pos.Side)), zap.Int("ledger_lots", r.pos.Lots),
		zap.String("venue_side", string(venueSide)), zap.Int("venue_lots", venueLots))
	newPos := ledger.PositionRecord{
		Symbol:       r.cfg.Symbol,
		Side:         venueSide,
		Lots:         venueLots,
		AvgPrice:     venueAvg,
		LastFlipSide: r.pos.LastFlipSide,
		UpdatedAt:    time.Now().UTC(),
	}
	if s := StateForLots(venueLots); s != "" {
		newPos.MachineState = string(s)
	}
	audit := ledger.NewAudit(ledger.AuditStateTransition, r.cfg.Symbol, map[string]any{
		"reason": "exchange reconciliation",
		"side":   string(venueSide),
		"lots":   venueLots,
		"avg":    venueAvg,
	})
	if err := r.store.SavePosition(ctx, audit, newPos); err != nil {
		return err
	}
	r.pos = newPos
	r.state = State(newPos.MachineState)
	if r.state == "" {
		r.state = StateSeeding
	}
	return nil
}

func (r *Reconciler) reconcileOrders(ctx context.Context) error {
	open, err := r.gw.OpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open orders query: %w", err)
	}
	ledgerLive, err := r.store.LiveOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return err
	}

	onVenue := make(map[string]gateway.LiveOrder, len(open))
	for _, o := range open {
		onVenue[o.ClientOrderID] = o
	}
	inLedger := make(map[string]bool, len(ledgerLive))
	for _, rec := range ledgerLive {
		inLedger[rec.ClientOrderID] = true
	}

	// own-prefix orders the ledger never heard of: a crashed run or a lost
	// ack. Cancel rather than adopt; sync will rebuild whatever belongs.
	for _, o := range open {
		if !ownOrder(o.ClientOrderID) || inLedger[o.ClientOrderID] {
			continue
		}
		if _, _, ok := parseClientOrderID(o.ClientOrderID); !ok {
			r.log.Warn("own-prefix order with unparseable ID left alone", zap.String("client_order_id", o.ClientOrderID))
			continue
		}
		r.log.Warn("cancelling untracked own order", zap.String("client_order_id", o.ClientOrderID))
		if err := r.store.AppendAudit(ctx, ledger.NewAudit(ledger.AuditCancel, r.cfg.Symbol, map[string]string{
			"client_order_id": o.ClientOrderID,
			"reason":          "untracked during reconciliation",
		})); err != nil {
			return err
		}
		req := gateway.CancelRequest{ClientOrderID: o.ClientOrderID, ExchangeOrderID: o.ExchangeOrderID}
		if err := r.gw.CancelOrder(ctx, r.cfg.Symbol, req); err != nil {
			r.log.Warn("untracked order cancel failed", zap.Error(err))
		}
	}

	// ledger orders the venue no longer knows died while we were away.
	for _, rec := range ledgerLive {
		if _, ok := onVenue[rec.ClientOrderID]; ok {
			continue
		}
		rec.Status = string(gateway.StatusCancelled)
		rec.UpdatedAt = time.Now().UTC()
		if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditCancel, r.cfg.Symbol, map[string]string{
			"client_order_id": rec.ClientOrderID,
			"reason":          "missing on exchange",
		}), rec); err != nil {
			return err
		}
	}
	return nil
}

// flatten cancels every bot-owned order and closes the position with a
// marketable limit. It is the only code path allowed to cross the spread
// and it leaves the reconciler disarmed.
func (r *Reconciler) flatten(ctx context.Context) error {
	r.armed = false

	live, err := r.store.LiveOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return err
	}
	for _, rec := range live {
		if err := r.cancelOrder(ctx, rec, "flatten"); err != nil {
			r.log.Warn("cancel during flatten failed", zap.String("client_order_id", rec.ClientOrderID), zap.Error(err))
		}
	}
	open, err := r.gw.OpenOrders(ctx, r.cfg.Symbol)
	if err == nil {
		for _, o := range open {
			if !ownOrder(o.ClientOrderID) {
				continue
			}
			req := gateway.CancelRequest{ClientOrderID: o.ClientOrderID, ExchangeOrderID: o.ExchangeOrderID}
			if err := r.gw.CancelOrder(ctx, r.cfg.Symbol, req); err != nil {
				r.log.Warn("venue cancel during flatten failed", zap.Error(err))
			}
		}
	}

	report, err := r.gw.Position(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("position query during flatten: %w", err)
	}
	if report == nil || report.Lots == 0 {
		r.log.Info("flatten complete, already flat")
		return nil
	}

	mark, err := r.gw.MarkPrice(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("mark price during flatten: %w", err)
	}
	side := instrument.SideSell
	raw := mark * (1 - r.cfg.FlattenSlippage)
	if strings.EqualFold(report.Side, string(instrument.SideSell)) {
		side = instrument.SideBuy
		raw = mark * (1 + r.cfg.FlattenSlippage)
	}
	price, err := r.rules.RoundPrice(raw, side)
	if err != nil {
		return err
	}

	r.seq++
	now := time.Now().UTC()
	rec := ledger.OrderRecord{
		Symbol:        r.cfg.Symbol,
		ClientOrderID: newClientOrderID(r.cfg.Env, strategy.RoleFlatten, side, r.seq%100, now),
		Role:          strategy.RoleFlatten,
		Side:          side,
		Price:         price,
		Lots:          report.Lots,
		Status:        string(gateway.StatusPendingSubmit),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditOrderSubmitted, r.cfg.Symbol, rec), rec); err != nil {
		return err
	}
	ack, err := r.submitWithRetry(ctx, gateway.SubmitRequest{
		ClientOrderID: rec.ClientOrderID,
		Side:          rec.Side,
		Price:         rec.Price,
		Lots:          rec.Lots,
		PostOnly:      false,
	})
	if err != nil {
		rec.Status = string(gateway.StatusRejected)
		rec.UpdatedAt = time.Now().UTC()
		if saveErr := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditError, r.cfg.Symbol, err.Error()), rec); saveErr != nil {
			return saveErr
		}
		return fmt.Errorf("flatten order: %w", err)
	}
	rec.ExchangeOrderID = ack.ExchangeOrderID
	rec.Status = string(gateway.StatusOpen)
	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditOrderAcked, r.cfg.Symbol, rec), rec); err != nil {
		return err
	}
	r.metrics.OrdersPlaced.Inc()
	r.log.Info("flatten order placed",
		zap.String("client_order_id", rec.ClientOrderID),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Int("lots", rec.Lots))
	if r.alerts != nil {
		if err := r.alerts.Send(ctx, fmt.Sprintf("%s flatten submitted: %s %d @ %.2f", r.cfg.Symbol, side, rec.Lots, price)); err != nil {
			r.log.Warn("flatten alert failed", zap.Error(err))
		}
	}
	return nil
}
