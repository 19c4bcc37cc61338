// Package journal records every order execution in a local SQLite
// database so fills can be audited after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id      TEXT     NOT NULL,
    order_id      TEXT     NOT NULL,
    executed_at   DATETIME NOT NULL,
    action        TEXT     NOT NULL,
    symbol        TEXT     NOT NULL,
    quantity      INTEGER  NOT NULL,
    price         REAL     NOT NULL DEFAULT 0,
    leg_type      TEXT     NOT NULL,
    is_adjustment INTEGER  NOT NULL DEFAULT 0,
    mode          TEXT     NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exec_trade ON executions(trade_id);
CREATE INDEX IF NOT EXISTS idx_exec_at    ON executions(executed_at DESC);
`

// Entry is one order execution.
type Entry struct {
	TradeID      string
	OrderID      string
	ExecutedAt   time.Time
	Action       string
	Symbol       string
	Quantity     int
	Price        float64
	LegType      string
	IsAdjustment bool
	Mode         string
}

// Journal is the audit-log contract. Recording must never block trading,
// so callers treat errors as log-and-continue.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Entries(ctx context.Context, tradeID string) ([]Entry, error)
	Close() error
}

// SQLiteJournal stores executions in SQLite (pure Go driver, no CGo).
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens or creates the database at path and applies the
// schema.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, entry Entry) error {
	when := entry.ExecutedAt
	if when.IsZero() {
		when = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO executions
		   (trade_id, order_id, executed_at, action, symbol, quantity, price, leg_type, is_adjustment, mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TradeID, entry.OrderID, when, entry.Action, entry.Symbol,
		entry.Quantity, entry.Price, entry.LegType, entry.IsAdjustment, entry.Mode,
	)
	if err != nil {
		return fmt.Errorf("journal: insert execution: %w", err)
	}
	return nil
}

// Entries returns the executions for a trade in chronological order.
func (j *SQLiteJournal) Entries(ctx context.Context, tradeID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT trade_id, order_id, executed_at, action, symbol, quantity, price, leg_type, is_adjustment, mode
		   FROM executions WHERE trade_id = ? ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("journal: query executions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TradeID, &e.OrderID, &e.ExecutedAt, &e.Action, &e.Symbol,
			&e.Quantity, &e.Price, &e.LegType, &e.IsAdjustment, &e.Mode); err != nil {
			return nil, fmt.Errorf("journal: scan execution: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate executions: %w", err)
	}
	return entries, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// NopJournal discards everything. Used when journaling is disabled.
type NopJournal struct{}

var _ Journal = NopJournal{}

func (NopJournal) Record(context.Context, Entry) error { return nil }

func (NopJournal) Entries(context.Context, string) ([]Entry, error) { return nil, nil }

func (NopJournal) Close() error { return nil }
