package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"delta-pyramid-bot/internal/alerts"
	"delta-pyramid-bot/internal/config"
	"delta-pyramid-bot/internal/delta"
	"delta-pyramid-bot/internal/delta/rest"
	"delta-pyramid-bot/internal/delta/ws"
	"delta-pyramid-bot/internal/ledger"
	"delta-pyramid-bot/internal/ledger/sqlite"
	"delta-pyramid-bot/internal/metrics"
	"delta-pyramid-bot/internal/reconciler"
	"delta-pyramid-bot/internal/statuspub"
	"delta-pyramid-bot/internal/strategy"
	"delta-pyramid-bot/internal/timescale"

	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	exchange *delta.Exchange
	alerts   *alerts.Telegram
	prom     *metrics.Prometheus
	tsdb     *timescale.Writer
	status   *statuspub.Publisher
	rec      *reconciler.Reconciler

	opsMu          sync.Mutex
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(os.Getenv("DELTA_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("DELTA_API_KEY is required")
	}
	apiSecret := strings.TrimSpace(os.Getenv("DELTA_API_SECRET"))
	if apiSecret == "" {
		return nil, errors.New("DELTA_API_SECRET is required")
	}
	restClient := rest.New(cfg.REST.BaseURL, apiKey, apiSecret, cfg.REST.Timeout, log)
	wsClient := ws.New(cfg.WS.URL, apiKey, apiSecret, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	exchange := delta.NewExchange(restClient, wsClient, log)

	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	app := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		exchange: exchange,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		tsdb:     tsdb,
	}
	if cfg.Metrics.Enabled {
		app.prom = metrics.NewPrometheus()
	}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.tsdb.Close()

	rules, err := a.exchange.Init(ctx, a.cfg.Strategy.Symbol, a.cfg.Strategy.Leverage)
	if err != nil {
		return err
	}
	a.log.Info("instrument ready",
		zap.String("symbol", rules.Symbol),
		zap.Float64("tick_size", rules.TickSize),
		zap.Int("product_id", rules.ProductID))

	pub, err := statuspub.New(ctx, a.cfg.Redis, os.Getenv("REDIS_PASSWORD"), a.log)
	if err != nil {
		return err
	}
	a.status = pub
	defer a.status.Close()

	m := metrics.NewNoop()
	if a.prom != nil {
		m = a.prom.Metrics
	}
	recCfg := reconciler.Config{
		Symbol:             a.cfg.Strategy.Symbol,
		Env:                a.cfg.Env,
		Ladder:             strategy.LadderFromConfig(a.cfg.Strategy),
		Guard:              strategy.GuardConfig{MaxLots: a.cfg.Risk.MaxLots, MaxMarginUtilization: a.cfg.Risk.MaxMarginUtilization},
		PostOnly:           a.cfg.Strategy.PostOnly == nil || *a.cfg.Strategy.PostOnly,
		ShadeTicks:         a.cfg.Strategy.ShadeTicks,
		AckTimeout:         a.cfg.Strategy.AckTimeout,
		PollInterval:       a.cfg.Strategy.PollInterval,
		MaxRepriceAttempts: a.cfg.Strategy.MaxRepriceAttempts,
		FlattenSlippage:    a.cfg.Risk.FlattenSlippage,
		StartArmed:         a.cfg.Strategy.StartArmed,
	}
	a.rec = reconciler.New(recCfg, rules, a.exchange, a.store, a.log, m)
	if a.cfg.Telegram.Enabled {
		a.rec.SetAlerter(a.alerts)
	}
	a.rec.SetSnapshotHook(a.onSnapshot)
	a.rec.SetFillHook(a.onFill)

	a.tsdb.Start(ctx)
	a.startMetricsServer(ctx)
	a.startOperator(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- a.exchange.Run(ctx) }()
	go func() { errCh <- a.rec.Run(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (a *App) onSnapshot(snap reconciler.Snapshot) {
	a.status.Publish(snap)
	a.tsdb.EnqueueSnapshot(timescale.LadderSnapshot{
		Time:          time.Now().UTC(),
		Symbol:        snap.Symbol,
		State:         string(snap.State),
		Armed:         snap.Armed,
		Degraded:      snap.Degraded,
		Side:          string(snap.Position.Side),
		Lots:          snap.Position.Lots,
		AvgEntry:      snap.Position.AvgPrice,
		FirstAvgFill:  snap.Position.FirstAvgFill,
		SecondAvgFill: snap.Position.SecondAvgFill,
		LiveOrders:    len(snap.LiveOrders),
	})
}

func (a *App) onFill(fill ledger.FillRecord, order ledger.OrderRecord, pos ledger.PositionRecord) {
	a.tsdb.EnqueueFill(timescale.FillRow{
		Time:          fill.At,
		Symbol:        fill.Symbol,
		Role:          string(order.Role),
		Side:          string(order.Side),
		Price:         fill.Price,
		Lots:          fill.Lots,
		OrderID:       order.ExchangeOrderID,
		ClientOrderID: fill.ClientOrderID,
		PositionLots:  pos.Lots,
		AvgEntry:      pos.AvgPrice,
	})
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
