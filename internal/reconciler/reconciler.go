package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"delta-pyramid-bot/internal/gateway"
	"delta-pyramid-bot/internal/instrument"
	"delta-pyramid-bot/internal/ledger"
	"delta-pyramid-bot/internal/metrics"
	"delta-pyramid-bot/internal/strategy"

	"go.uber.org/zap"
)

var (
	ErrHalted           = errors.New("submissions halted")
	ErrNotRunning       = errors.New("reconciler loop is not running")
	ErrPositionDiverged = errors.New("exchange position is not at a canonical tier")
)

// Alerter receives out-of-band notifications for halts and invariant
// violations.
type Alerter interface {
	Send(ctx context.Context, message string) error
}

type Config struct {
	Symbol             string
	Env                string
	Ladder             strategy.Ladder
	Guard              strategy.GuardConfig
	PostOnly           bool
	ShadeTicks         int
	AckTimeout         time.Duration
	PollInterval       time.Duration
	MaxRepriceAttempts int
	FlattenSlippage    float64
	StartArmed         bool
}

func (c *Config) applyDefaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxRepriceAttempts == 0 {
		c.MaxRepriceAttempts = 3
	}
	if c.FlattenSlippage == 0 {
		c.FlattenSlippage = 0.005
	}
	if c.Ladder.Tiers == nil {
		c.Ladder = strategy.DefaultLadder()
	}
}

// Snapshot is the copy-on-read status view. It never aliases loop-owned
// state.
type Snapshot struct {
	Symbol          string
	State           State
	Armed           bool
	Degraded        string
	Position        strategy.Position
	LiveOrders      []ledger.OrderRecord
	LastEventAt     time.Time
	LastReconcileAt time.Time
}

type commandKind string

const (
	cmdArm     commandKind = "arm"
	cmdDisarm  commandKind = "disarm"
	cmdFlatten commandKind = "flatten"
)

type command struct {
	kind commandKind
	done chan error
}

// Reconciler is the single owner of the position and live-order set for one
// instrument. All mutation happens on the Run goroutine; external inputs
// (exchange events, operator commands, poll ticks) funnel into its loop.
type Reconciler struct {
	cfg     Config
	rules   instrument.Rules
	gw      gateway.Gateway
	store   ledger.Store
	guard   strategy.Guard
	log     *zap.Logger
	metrics *metrics.Metrics
	alerts  Alerter

	commands chan command
	running  chan struct{}

	// loop-owned
	pos             ledger.PositionRecord
	state           State
	armed           bool
	degraded        string
	seq             int
	repriceAttempts map[strategy.Role]int
	lastEventAt     time.Time
	lastReconcileAt time.Time

	statusMu sync.RWMutex
	status   Snapshot

	onSnapshot func(Snapshot)
	onFill     func(ledger.FillRecord, ledger.OrderRecord, ledger.PositionRecord)
}

func New(cfg Config, rules instrument.Rules, gw gateway.Gateway, store ledger.Store, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Reconciler{
		cfg:             cfg,
		rules:           rules,
		gw:              gw,
		store:           store,
		guard:           strategy.NewGuard(cfg.Guard),
		log:             log,
		metrics:         m,
		commands:        make(chan command),
		running:         make(chan struct{}),
		armed:           cfg.StartArmed,
		state:           StateSeeding,
		repriceAttempts: make(map[strategy.Role]int),
	}
}

// SetAlerter wires the out-of-band notification sink. Must be called before
// Run.
func (r *Reconciler) SetAlerter(a Alerter) { r.alerts = a }

// SetSnapshotHook registers a callback invoked after every processed event
// with a copy of the current status. Must be called before Run.
func (r *Reconciler) SetSnapshotHook(fn func(Snapshot)) { r.onSnapshot = fn }

// SetFillHook registers a callback invoked after every fill the ledger
// accepts, with the fill, the order it executed against, and the position
// that resulted. Must be called before Run.
func (r *Reconciler) SetFillHook(fn func(ledger.FillRecord, ledger.OrderRecord, ledger.PositionRecord)) {
	r.onFill = fn
}

// Run owns the event loop until ctx is cancelled. It recovers state from
// the ledger and the exchange before processing any event.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.bootstrap(ctx); err != nil {
		return err
	}
	close(r.running)
	r.publishSnapshot()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	events := r.gw.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("exchange event stream closed")
			}
			r.lastEventAt = time.Now().UTC()
			r.handleEvent(ctx, ev)
			r.publishSnapshot()
		case cmd := <-r.commands:
			cmd.done <- r.handleCommand(ctx, cmd.kind)
			r.publishSnapshot()
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.log.Warn("periodic reconcile failed", zap.Error(err))
			}
			r.publishSnapshot()
		}
	}
}

// Arm enables order submission and forces a reconcile pass.
func (r *Reconciler) Arm(ctx context.Context) error { return r.send(ctx, cmdArm) }

// Disarm stops new submissions. Live orders are untouched and in-flight
// network calls are not interrupted.
func (r *Reconciler) Disarm(ctx context.Context) error { return r.send(ctx, cmdDisarm) }

// Flatten cancels every bot-owned order and closes the position at a
// best-effort crossing price. It is the only path allowed to cross the
// spread, and it leaves the reconciler disarmed.
func (r *Reconciler) Flatten(ctx context.Context) error { return r.send(ctx, cmdFlatten) }

// Status returns the last published snapshot.
func (r *Reconciler) Status() Snapshot {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	snap := r.status
	snap.LiveOrders = append([]ledger.OrderRecord(nil), r.status.LiveOrders...)
	return snap
}

func (r *Reconciler) send(ctx context.Context, kind commandKind) error {
	select {
	case <-r.running:
	default:
		return ErrNotRunning
	}
	cmd := command{kind: kind, done: make(chan error, 1)}
	select {
	case r.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) handleCommand(ctx context.Context, kind commandKind) error {
	switch kind {
	case cmdArm:
		r.armed = true
		r.degraded = ""
		return r.reconcile(ctx)
	case cmdDisarm:
		r.armed = false
		return nil
	case cmdFlatten:
		return r.flatten(ctx)
	default:
		return fmt.Errorf("unknown command %q", kind)
	}
}

func (r *Reconciler) bootstrap(ctx context.Context) error {
	pos, ok, err := r.store.Position(ctx, r.cfg.Symbol)
	if err != nil {
		return err
	}
	if !ok {
		pos = ledger.PositionRecord{Symbol: r.cfg.Symbol, Side: strategy.SideNone, UpdatedAt: time.Now().UTC()}
	}
	r.pos = pos
	if s := State(pos.MachineState); s.Valid() {
		r.state = s
	} else if s := StateForLots(pos.Lots); s != "" {
		r.state = s
	}
	return r.reconcile(ctx)
}

// halt stops new submissions, audits the reason and alerts. Existing live
// orders are left alone.
func (r *Reconciler) halt(ctx context.Context, reason string) {
	if r.degraded == reason {
		return
	}
	r.degraded = reason
	r.metrics.Halts.Inc()
	r.log.Error("submissions halted", zap.String("reason", reason))
	if err := r.store.AppendAudit(ctx, ledger.NewAudit(ledger.AuditError, r.cfg.Symbol, map[string]string{"halt": reason})); err != nil {
		r.log.Warn("halt audit failed", zap.Error(err))
	}
	if r.alerts != nil {
		if err := r.alerts.Send(ctx, fmt.Sprintf("%s halted: %s", r.cfg.Symbol, reason)); err != nil {
			r.log.Warn("halt alert failed", zap.Error(err))
		}
	}
}

// syncIntents recomputes the target ladder and repairs the live-order set:
// stale orders are cancelled, missing ones submitted. It refuses to run
// while the position is mid-transition.
func (r *Reconciler) syncIntents(ctx context.Context) error {
	if !r.armed || r.degraded != "" {
		return nil
	}
	if !strategy.CanonicalLots(r.pos.Lots) {
		return nil
	}
	refPrice, err := r.gw.MarkPrice(ctx, r.cfg.Symbol)
	if err != nil {
		r.log.Warn("mark price unavailable, skipping sync", zap.Error(err))
		return nil
	}
	ladder := r.cfg.Ladder
	if r.pos.LastFlipSide != "" {
		ladder.SeedSide = r.pos.LastFlipSide
	}
	intents, err := strategy.ComputeIntents(r.pos.Strategy(), refPrice, ladder, r.rules)
	if err != nil {
		if errors.Is(err, strategy.ErrNonCanonicalLots) {
			r.halt(ctx, fmt.Sprintf("non-canonical lots %d persisted beyond a fill cycle", r.pos.Lots))
			return err
		}
		return err
	}
	acct := r.accountState(ctx)
	if err := r.guard.Approve(intents, r.pos.Strategy(), acct); err != nil {
		r.log.Warn("risk guard rejected intent batch", zap.Error(err))
		if auditErr := r.store.AppendAudit(ctx, ledger.NewAudit(ledger.AuditReject, r.cfg.Symbol, err.Error())); auditErr != nil {
			r.log.Warn("reject audit failed", zap.Error(auditErr))
		}
		if errors.Is(err, strategy.ErrMarginUtilization) {
			r.halt(ctx, "margin utilization above threshold")
		}
		return nil
	}

	targets := make([]target, 0, len(intents))
	for _, it := range intents {
		price := it.Price
		if !r.cfg.PostOnly && r.cfg.ShadeTicks > 0 {
			price, err = r.rules.ShadePrice(price, it.Side, r.cfg.ShadeTicks)
			if err != nil {
				return err
			}
		}
		targets = append(targets, target{intent: it, price: price})
	}

	live, err := r.store.LiveOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return err
	}
	live, err = r.enforceOrderLimit(ctx, live)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(live))
	for _, rec := range live {
		matched := false
		for _, tgt := range targets {
			if rec.Role == tgt.intent.Role && rec.Side == tgt.intent.Side && rec.Lots == tgt.intent.Lots && priceEqual(rec.Price, tgt.price) {
				matched = true
				break
			}
		}
		if matched {
			keep[string(rec.Role)] = true
			continue
		}
		if err := r.cancelOrder(ctx, rec, "stale against target ladder"); err != nil {
			r.log.Warn("cancel failed", zap.String("client_order_id", rec.ClientOrderID), zap.Error(err))
		}
	}
	for _, tgt := range targets {
		if keep[string(tgt.intent.Role)] {
			continue
		}
		if err := r.submitTarget(ctx, tgt); err != nil {
			if errors.Is(err, ErrHalted) {
				return nil
			}
			return err
		}
	}
	return nil
}

type target struct {
	intent strategy.OrderIntent
	price  float64
}

// enforceOrderLimit cancels unexpected extra live orders so at most one
// order per role survives, oldest first. Extras indicate a crashed run or
// an external actor and are audited as invariant violations.
func (r *Reconciler) enforceOrderLimit(ctx context.Context, live []ledger.OrderRecord) ([]ledger.OrderRecord, error) {
	seen := make(map[strategy.Role]bool)
	out := live[:0]
	for _, rec := range live {
		if !seen[rec.Role] {
			seen[rec.Role] = true
			out = append(out, rec)
			continue
		}
		r.metrics.InvariantViolations.Inc()
		r.log.Warn("duplicate live order for role, cancelling",
			zap.String("role", string(rec.Role)),
			zap.String("client_order_id", rec.ClientOrderID))
		if err := r.store.AppendAudit(ctx, ledger.NewAudit(ledger.AuditError, r.cfg.Symbol, map[string]string{
			"invariant":       "two-order",
			"client_order_id": rec.ClientOrderID,
		})); err != nil {
			r.log.Warn("invariant audit failed", zap.Error(err))
		}
		if err := r.cancelOrder(ctx, rec, "two-order invariant repair"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// submitTarget places one order with write-ahead bookkeeping: the pending
// record hits the ledger before the network call, and the ack (or its
// absence) is resolved before returning.
func (r *Reconciler) submitTarget(ctx context.Context, tgt target) error {
	if !r.armed || r.degraded != "" {
		return ErrHalted
	}
	// skip if a non-terminal order already covers this role and target
	if existing, ok, err := r.liveOrderForRole(ctx, tgt.intent.Role); err != nil {
		return err
	} else if ok && existing.Side == tgt.intent.Side && existing.Lots == tgt.intent.Lots && priceEqual(existing.Price, tgt.price) {
		return nil
	}

	r.seq++
	now := time.Now().UTC()
	rec := ledger.OrderRecord{
		Symbol:        r.cfg.Symbol,
		ClientOrderID: newClientOrderID(r.cfg.Env, tgt.intent.Role, tgt.intent.Side, r.seq%100, now),
		Role:          tgt.intent.Role,
		Side:          tgt.intent.Side,
		Price:         tgt.price,
		Lots:          tgt.intent.Lots,
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
		PostOnly:      r.cfg.PostOnly,
	})
	if err != nil {
		return r.resolveSubmitFailure(ctx, rec, tgt, err)
	}

	rec.ExchangeOrderID = ack.ExchangeOrderID
	rec.Status = string(gateway.StatusOpen)
	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditOrderAcked, r.cfg.Symbol, rec), rec); err != nil {
		return err
	}
	r.metrics.OrdersPlaced.Inc()
	r.repriceAttempts[tgt.intent.Role] = 0
	r.log.Info("order placed",
		zap.String("client_order_id", rec.ClientOrderID),
		zap.String("role", string(rec.Role)),
		zap.String("side", string(rec.Side)),
		zap.Float64("price", rec.Price),
		zap.Int("lots", rec.Lots))
	return nil
}

// resolveSubmitFailure applies the error taxonomy: ack timeouts are
// resolved by querying the venue, retryable rejects reprice one tick safer
// with bounded attempts, margin and unknown rejects halt.
func (r *Reconciler) resolveSubmitFailure(ctx context.Context, rec ledger.OrderRecord, tgt target, submitErr error) error {
	if errors.Is(submitErr, context.DeadlineExceeded) {
		// the order may have landed; ask rather than assume
		open, err := r.gw.OpenOrders(ctx, r.cfg.Symbol)
		if err == nil {
			for _, o := range open {
				if o.ClientOrderID == rec.ClientOrderID {
					rec.ExchangeOrderID = o.ExchangeOrderID
					rec.Status = string(gateway.StatusOpen)
					rec.UpdatedAt = time.Now().UTC()
					return r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditOrderAcked, r.cfg.Symbol, rec), rec)
				}
			}
		}
		rec.Status = string(gateway.StatusRejected)
		rec.UpdatedAt = time.Now().UTC()
		if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditError, r.cfg.Symbol, "ack timeout, order not found on exchange"), rec); err != nil {
			return err
		}
		return submitErr
	}

	rec.Status = string(gateway.StatusRejected)
	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditReject, r.cfg.Symbol, submitErr.Error()), rec); err != nil {
		return err
	}
	r.metrics.OrdersRejected.Inc()

	var rej *gateway.RejectError
	if !errors.As(submitErr, &rej) {
		return submitErr
	}
	class := gateway.ClassifyReject(rej.Reason)
	switch {
	case class.Retryable():
		attempts := r.repriceAttempts[tgt.intent.Role]
		if attempts >= r.cfg.MaxRepriceAttempts {
			r.halt(ctx, fmt.Sprintf("reprice retries exhausted for %s: %s", tgt.intent.Role, rej.Reason))
			return ErrHalted
		}
		r.repriceAttempts[tgt.intent.Role] = attempts + 1
		repriced, err := r.repriceSafer(tgt)
		if err != nil {
			return err
		}
		r.log.Info("repricing rejected order",
			zap.String("role", string(tgt.intent.Role)),
			zap.Float64("price", repriced.price),
			zap.Int("attempt", attempts+1))
		return r.submitTarget(ctx, repriced)
	case class == gateway.RejectMargin:
		r.halt(ctx, "order rejected for margin: "+rej.Reason)
		return ErrHalted
	default:
		r.halt(ctx, "order rejected: "+rej.Reason)
		return ErrHalted
	}
}

// repriceSafer moves the target one tick away from the book.
func (r *Reconciler) repriceSafer(tgt target) (target, error) {
	price, err := r.rules.ShadePrice(tgt.price, tgt.intent.Side, 1)
	if err != nil {
		return target{}, err
	}
	tgt.price = price
	return tgt, nil
}

func (r *Reconciler) submitWithRetry(ctx context.Context, req gateway.SubmitRequest) (gateway.Ack, error) {
	var ack gateway.Ack
	backoff := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
		a, err := r.gw.SubmitLimitOrder(callCtx, r.cfg.Symbol, req)
		cancel()
		if err == nil {
			return a, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// the venue may have accepted the order; never re-send
			// blind, the caller resolves the ack by query
			return ack, err
		}
		if !transient(err) || attempt >= 4 {
			return ack, err
		}
		select {
		case <-ctx.Done():
			return ack, ctx.Err()
		case <-time.After(jitter(backoff)):
			backoff *= 2
		}
	}
}

func (r *Reconciler) cancelOrder(ctx context.Context, rec ledger.OrderRecord, reason string) error {
	if err := r.store.AppendAudit(ctx, ledger.NewAudit(ledger.AuditCancel, r.cfg.Symbol, map[string]string{
		"client_order_id": rec.ClientOrderID,
		"reason":          reason,
	})); err != nil {
		return err
	}
	req := gateway.CancelRequest{ClientOrderID: rec.ClientOrderID, ExchangeOrderID: rec.ExchangeOrderID}
	backoff := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
		err := r.gw.CancelOrder(callCtx, r.cfg.Symbol, req)
		cancel()
		if err == nil {
			break
		}
		if !transient(err) || attempt >= 4 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
			backoff *= 2
		}
	}
	rec.Status = string(gateway.StatusCancelled)
	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveOrder(ctx, ledger.NewAudit(ledger.AuditCancel, r.cfg.Symbol, rec.ClientOrderID), rec); err != nil {
		return err
	}
	r.metrics.OrdersCancelled.Inc()
	return nil
}

func (r *Reconciler) liveOrderForRole(ctx context.Context, role strategy.Role) (ledger.OrderRecord, bool, error) {
	live, err := r.store.LiveOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return ledger.OrderRecord{}, false, err
	}
	for _, rec := range live {
		if rec.Role == role {
			return rec, true, nil
		}
	}
	return ledger.OrderRecord{}, false, nil
}

func (r *Reconciler) accountState(ctx context.Context) strategy.AccountState {
	report, err := r.gw.Account(ctx)
	if err != nil {
		r.log.Warn("account state unavailable", zap.Error(err))
		return strategy.AccountState{}
	}
	return strategy.AccountState{MarginUtilization: report.MarginUtilization, HasMargin: report.HasMargin}
}

func (r *Reconciler) publishSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	live, err := r.store.LiveOrders(ctx, r.cfg.Symbol)
	if err != nil {
		r.log.Warn("live orders unavailable for snapshot", zap.Error(err))
	}
	snap := Snapshot{
		Symbol:          r.cfg.Symbol,
		State:           r.state,
		Armed:           r.armed,
		Degraded:        r.degraded,
		Position:        r.pos.Strategy(),
		LiveOrders:      live,
		LastEventAt:     r.lastEventAt,
		LastReconcileAt: r.lastReconcileAt,
	}
	r.statusMu.Lock()
	r.status = snap
	r.statusMu.Unlock()
	if r.onSnapshot != nil {
		r.onSnapshot(snap)
	}
}

func transient(err error) bool {
	return errors.Is(err, gateway.ErrRateLimited) || errors.Is(err, gateway.ErrTransient)
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func priceEqual(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}
