package ledger

import (
	"context"
	"time"

	"delta-pyramid-bot/internal/instrument"
	"delta-pyramid-bot/internal/strategy"
)

type AuditKind string

const (
	AuditOrderSubmitted  AuditKind = "order_submitted"
	AuditOrderAcked      AuditKind = "order_acked"
	AuditFill            AuditKind = "fill"
	AuditCancel          AuditKind = "cancel"
	AuditReject          AuditKind = "reject"
	AuditStateTransition AuditKind = "state_transition"
	AuditOperatorCommand AuditKind = "operator_command"
	AuditError           AuditKind = "error"
)

// PositionRecord is the durable net position for one instrument, including
// the tier anchors and the reconciler machine state needed to resume after
// a restart.
type PositionRecord struct {
	Symbol        string
	Side          strategy.PositionSide
	Lots          int
	AvgPrice      float64
	FirstAvgFill  float64
	SecondAvgFill float64
	LastFlipSide  instrument.Side
	MachineState  string
	UpdatedAt     time.Time
}

func (p PositionRecord) Strategy() strategy.Position {
	return strategy.Position{
		Side:          p.Side,
		Lots:          p.Lots,
		AvgPrice:      p.AvgPrice,
		FirstAvgFill:  p.FirstAvgFill,
		SecondAvgFill: p.SecondAvgFill,
	}
}

// OrderRecord is one order intent as submitted, keyed by the caller-generated
// client order ID. ExchangeOrderID stays empty until the venue acks.
type OrderRecord struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Role            strategy.Role
	Side            instrument.Side
	Price           float64
	Lots            int
	FilledLots      int
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FillRecord is one execution, append-only. FillID deduplicates at-least-once
// event delivery.
type FillRecord struct {
	FillID        string
	Symbol        string
	ClientOrderID string
	Price         float64
	Lots          int
	IsPartial     bool
	At            time.Time
}

// AuditEvent is the append-only write-ahead record. Payload is a msgpack
// blob describing the intended transition.
type AuditEvent struct {
	ID      string
	At      time.Time
	Kind    AuditKind
	Symbol  string
	Payload []byte
}

// Store is the durable ledger. Mutating methods take the audit event
// describing the transition and persist it in the same transaction, before
// the mutation itself, so recovery always finds the intent on disk.
// A single reconciler goroutine is the only writer.
type Store interface {
	Position(ctx context.Context, symbol string) (PositionRecord, bool, error)
	SavePosition(ctx context.Context, audit AuditEvent, pos PositionRecord) error
	Order(ctx context.Context, clientOrderID string) (OrderRecord, bool, error)
	LiveOrders(ctx context.Context, symbol string) ([]OrderRecord, error)
	SaveOrder(ctx context.Context, audit AuditEvent, order OrderRecord) error
	// RecordFill applies a fill atomically: audit, fill append, order update
	// and position update in one transaction. It reports false without
	// touching anything when the fill ID was already recorded.
	RecordFill(ctx context.Context, audit AuditEvent, fill FillRecord, order OrderRecord, pos PositionRecord) (bool, error)
	AppendAudit(ctx context.Context, event AuditEvent) error
	// Meta is a small key-value area for operational state that is not part
	// of the trading ledger proper (e.g. the operator update offset).
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	Close() error
}
