// Package statuspub pushes bot status snapshots onto a Redis Pub/Sub channel
// so dashboards and sibling processes can watch the ladder without touching
// the sqlite ledger.
package statuspub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"delta-pyramid-bot/internal/config"
	"delta-pyramid-bot/internal/reconciler"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

type Publisher struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

// New connects and pings the Redis instance. A nil publisher is returned when
// the integration is disabled; all methods are nil-safe.
func New(ctx context.Context, cfg config.RedisConfig, password string, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Publisher{rdb: rdb, channel: cfg.Channel, log: log}, nil
}

type statusMessage struct {
	Time            time.Time `json:"time"`
	Symbol          string    `json:"symbol"`
	State           string    `json:"state"`
	Armed           bool      `json:"armed"`
	Degraded        string    `json:"degraded,omitempty"`
	Side            string    `json:"side"`
	Lots            int       `json:"lots"`
	AvgEntry        float64   `json:"avg_entry"`
	LiveOrders      int       `json:"live_orders"`
	LastEventAt     time.Time `json:"last_event_at"`
	LastReconcileAt time.Time `json:"last_reconcile_at"`
}

// Publish serializes the snapshot and fires it at the channel. Failures are
// logged and swallowed; status fan-out never disturbs trading.
func (p *Publisher) Publish(snap reconciler.Snapshot) {
	if p == nil {
		return
	}
	msg := statusMessage{
		Time:            time.Now().UTC(),
		Symbol:          snap.Symbol,
		State:           string(snap.State),
		Armed:           snap.Armed,
		Degraded:        snap.Degraded,
		Side:            string(snap.Position.Side),
		Lots:            snap.Position.Lots,
		AvgEntry:        snap.Position.AvgPrice,
		LiveOrders:      len(snap.LiveOrders),
		LastEventAt:     snap.LastEventAt,
		LastReconcileAt: snap.LastReconcileAt,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil && p.log != nil {
		p.log.Warn("status publish failed", zap.Error(err))
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.rdb.Close()
}
