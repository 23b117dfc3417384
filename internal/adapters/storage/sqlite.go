package storage

// sqlite.go: durable state for the execution core.
//
// Tables:
//   intents              intent ledger, fingerprint is the primary key
//   positions            managed positions; no uniqueness on symbol so
//                          duplicates stay detectable
//   position_transitions every state change, for audit and replay
//   kill_switch          singleton row (id=1)
//   audit_events         append-only audit stream
//
// Timestamps are stored as unix nanoseconds (0 = unset) and decimals as
// TEXT so nothing is lost to float rounding.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS intents (
    fingerprint TEXT PRIMARY KEY,
    symbol      TEXT    NOT NULL,
    side        TEXT    NOT NULL,
    quantity    TEXT    NOT NULL,
    strategy    TEXT    NOT NULL DEFAULT '',
    reduce_only INTEGER NOT NULL DEFAULT 0,
    status      TEXT    NOT NULL,
    order_id    TEXT    NOT NULL DEFAULT '',
    reason      TEXT    NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_intents_created ON intents(created_at);
CREATE INDEX IF NOT EXISTS idx_intents_status  ON intents(status);

CREATE TABLE IF NOT EXISTS positions (
    id                  TEXT PRIMARY KEY,
    symbol              TEXT    NOT NULL,
    side                TEXT    NOT NULL,
    quantity            TEXT    NOT NULL,
    entry_price         TEXT    NOT NULL,
    stop_order_id       TEXT    NOT NULL DEFAULT '',
    tp_order_id         TEXT    NOT NULL DEFAULT '',
    state               TEXT    NOT NULL,
    source              TEXT    NOT NULL DEFAULT 'signal',
    opened_at           INTEGER NOT NULL,
    last_activity_at    INTEGER NOT NULL DEFAULT 0,
    last_reconciled_at  INTEGER NOT NULL DEFAULT 0,
    naked_since         INTEGER NOT NULL DEFAULT 0,
    last_remediation_at INTEGER NOT NULL DEFAULT 0,
    closed_at           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
CREATE INDEX IF NOT EXISTS idx_positions_state  ON positions(state);

CREATE TABLE IF NOT EXISTS position_transitions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id TEXT    NOT NULL,
    symbol      TEXT    NOT NULL,
    from_state  TEXT    NOT NULL,
    to_state    TEXT    NOT NULL,
    cause       TEXT    NOT NULL DEFAULT '',
    at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_position ON position_transitions(position_id);

CREATE TABLE IF NOT EXISTS kill_switch (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    armed          INTEGER NOT NULL DEFAULT 0,
    reason         TEXT    NOT NULL DEFAULT '',
    tripped_at     INTEGER NOT NULL DEFAULT 0,
    reset_at       INTEGER NOT NULL DEFAULT 0,
    acknowledgment TEXT    NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO kill_switch (id) VALUES (1);

CREATE TABLE IF NOT EXISTS audit_events (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT    NOT NULL,
    at          INTEGER NOT NULL,
    kind        TEXT    NOT NULL,
    severity    TEXT    NOT NULL,
    symbol      TEXT    NOT NULL DEFAULT '',
    fingerprint TEXT    NOT NULL DEFAULT '',
    position_id TEXT    NOT NULL DEFAULT '',
    order_id    TEXT    NOT NULL DEFAULT '',
    message     TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_events(at DESC);
`

// SQLiteStorage implements the ledger, position, kill switch and audit
// stores on a single SQLite database (pure Go, no CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps :memory: on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Ping checks the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, v, err)
	}
	return d, nil
}
