package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"delta-pyramid-bot/internal/instrument"
	"delta-pyramid-bot/internal/ledger"
	"delta-pyramid-bot/internal/strategy"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single reconciler writer; serialize access at the pool level
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS position (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			lots INTEGER NOT NULL,
			avg_price REAL NOT NULL,
			first_avg_fill REAL NOT NULL DEFAULT 0,
			second_avg_fill REAL NOT NULL DEFAULT 0,
			last_flip_side TEXT NOT NULL DEFAULT '',
			machine_state TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			client_order_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			lots INTEGER NOT NULL,
			filled_lots INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fills (
			fill_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			client_order_id TEXT NOT NULL,
			price REAL NOT NULL,
			lots INTEGER NOT NULL,
			is_partial INTEGER NOT NULL,
			at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL,
			payload BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_symbol_at ON audit_events(symbol, at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Position(ctx context.Context, symbol string) (ledger.PositionRecord, bool, error) {
	var rec ledger.PositionRecord
	var side, flip string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT symbol, side, lots, avg_price, first_avg_fill, second_avg_fill, last_flip_side, machine_state, updated_at
		 FROM position WHERE symbol = ?`, symbol).
		Scan(&rec.Symbol, &side, &rec.Lots, &rec.AvgPrice, &rec.FirstAvgFill, &rec.SecondAvgFill, &flip, &rec.MachineState, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.PositionRecord{}, false, nil
		}
		return ledger.PositionRecord{}, false, err
	}
	rec.Side = strategy.PositionSide(side)
	rec.LastFlipSide = instrument.Side(flip)
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, true, nil
}

func (s *Store) SavePosition(ctx context.Context, audit ledger.AuditEvent, pos ledger.PositionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := appendAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := savePositionTx(ctx, tx, pos); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Order(ctx context.Context, clientOrderID string) (ledger.OrderRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_order_id, symbol, exchange_order_id, role, side, price, lots, filled_lots, status, created_at, updated_at
		 FROM orders WHERE client_order_id = ?`, clientOrderID)
	rec, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.OrderRecord{}, false, nil
		}
		return ledger.OrderRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) LiveOrders(ctx context.Context, symbol string) ([]ledger.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_order_id, symbol, exchange_order_id, role, side, price, lots, filled_lots, status, created_at, updated_at
		 FROM orders WHERE symbol = ? AND status IN (?, ?, ?) ORDER BY created_at`,
		symbol, string(gatewayStatusPending), string(gatewayStatusOpen), string(gatewayStatusPartial))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SaveOrder(ctx context.Context, audit ledger.AuditEvent, order ledger.OrderRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := appendAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := saveOrderTx(ctx, tx, order); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RecordFill(ctx context.Context, audit ledger.AuditEvent, fill ledger.FillRecord, order ledger.OrderRecord, pos ledger.PositionRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM fills WHERE fill_id = ?`, fill.FillID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists > 0 {
		return false, nil
	}
	if err := appendAuditTx(ctx, tx, audit); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fills (fill_id, symbol, client_order_id, price, lots, is_partial, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fill.FillID, fill.Symbol, fill.ClientOrderID, fill.Price, fill.Lots, boolToInt(fill.IsPartial), fill.At.UnixMilli()); err != nil {
		return false, err
	}
	if err := saveOrderTx(ctx, tx, order); err != nil {
		return false, err
	}
	if err := savePositionTx(ctx, tx, pos); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AppendAudit(ctx context.Context, event ledger.AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, at, kind, symbol, payload) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.At.UnixMilli(), string(event.Kind), event.Symbol, event.Payload)
	return err
}

func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

const (
	gatewayStatusPending = "pending_submit"
	gatewayStatusOpen    = "open"
	gatewayStatusPartial = "partially_filled"
)

func appendAuditTx(ctx context.Context, tx *sql.Tx, event ledger.AuditEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (id, at, kind, symbol, payload) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.At.UnixMilli(), string(event.Kind), event.Symbol, event.Payload)
	return err
}

func savePositionTx(ctx context.Context, tx *sql.Tx, pos ledger.PositionRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO position (symbol, side, lots, avg_price, first_avg_fill, second_avg_fill, last_flip_side, machine_state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			lots = excluded.lots,
			avg_price = excluded.avg_price,
			first_avg_fill = excluded.first_avg_fill,
			second_avg_fill = excluded.second_avg_fill,
			last_flip_side = excluded.last_flip_side,
			machine_state = excluded.machine_state,
			updated_at = excluded.updated_at`,
		pos.Symbol, string(pos.Side), pos.Lots, pos.AvgPrice, pos.FirstAvgFill, pos.SecondAvgFill,
		string(pos.LastFlipSide), pos.MachineState, pos.UpdatedAt.UnixMilli())
	return err
}

func saveOrderTx(ctx context.Context, tx *sql.Tx, order ledger.OrderRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orders (client_order_id, symbol, exchange_order_id, role, side, price, lots, filled_lots, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_order_id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			price = excluded.price,
			lots = excluded.lots,
			filled_lots = excluded.filled_lots,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		order.ClientOrderID, order.Symbol, order.ExchangeOrderID, string(order.Role), string(order.Side),
		order.Price, order.Lots, order.FilledLots, order.Status, order.CreatedAt.UnixMilli(), order.UpdatedAt.UnixMilli())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (ledger.OrderRecord, error) {
	var rec ledger.OrderRecord
	var role, side string
	var createdAt, updatedAt int64
	err := row.Scan(&rec.ClientOrderID, &rec.Symbol, &rec.ExchangeOrderID, &role, &side,
		&rec.Price, &rec.Lots, &rec.FilledLots, &rec.Status, &createdAt, &updatedAt)
	if err != nil {
		return ledger.OrderRecord{}, err
	}
	rec.Role = strategy.Role(role)
	rec.Side = instrument.Side(side)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
