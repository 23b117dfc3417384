package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/tradeguard/internal/domain"
)

const positionColumns = `id, symbol, side, quantity, entry_price, stop_order_id, tp_order_id,
	state, source, opened_at, last_activity_at, last_reconciled_at, naked_since,
	last_remediation_at, closed_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStorage) InsertPosition(ctx context.Context, p domain.ManagedPosition) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		positionArgs(p)...,
	); err != nil {
		return fmt.Errorf("storage.InsertPosition %s: %w", p.Symbol, err)
	}
	return nil
}

func (s *SQLiteStorage) UpdatePosition(ctx context.Context, p domain.ManagedPosition) error {
	if err := updatePosition(ctx, s.db, p); err != nil {
		return fmt.Errorf("storage.UpdatePosition: %w", err)
	}
	return nil
}

// ApplyTransition persists the position and its transition atomically.
func (s *SQLiteStorage) ApplyTransition(ctx context.Context, p domain.ManagedPosition, tr domain.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ApplyTransition: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updatePosition(ctx, tx, p); err != nil {
		return fmt.Errorf("storage.ApplyTransition: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO position_transitions (position_id, symbol, from_state, to_state, cause, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.PositionID, tr.Symbol, tr.From.String(), tr.To.String(), tr.Cause, unixNano(tr.At),
	); err != nil {
		return fmt.Errorf("storage.ApplyTransition: insert transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ApplyTransition: commit: %w", err)
	}
	return nil
}

func updatePosition(ctx context.Context, ex execer, p domain.ManagedPosition) error {
	args := append(positionArgs(p)[1:], p.ID)
	res, err := ex.ExecContext(ctx, `
		UPDATE positions SET
		  symbol=?, side=?, quantity=?, entry_price=?, stop_order_id=?, tp_order_id=?,
		  state=?, source=?, opened_at=?, last_activity_at=?, last_reconciled_at=?,
		  naked_since=?, last_remediation_at=?, closed_at=?
		WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// DeletePosition removes a purged duplicate. Its transitions stay for audit.
func (s *SQLiteStorage) DeletePosition(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage.DeletePosition %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStorage) GetPosition(ctx context.Context, id string) (domain.ManagedPosition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("storage.GetPosition %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("storage.GetPosition: %w", err)
	}
	return p, nil
}

// PositionsBySymbol returns open positions on symbol, most recent activity first.
func (s *SQLiteStorage) PositionsBySymbol(ctx context.Context, symbol string) ([]domain.ManagedPosition, error) {
	return s.queryPositions(ctx, "storage.PositionsBySymbol",
		`WHERE symbol = ? AND state <> ? ORDER BY last_activity_at DESC`, symbol, domain.StateClosed.String())
}

func (s *SQLiteStorage) OpenPositions(ctx context.Context) ([]domain.ManagedPosition, error) {
	return s.queryPositions(ctx, "storage.OpenPositions",
		`WHERE state <> ? ORDER BY symbol, last_activity_at DESC`, domain.StateClosed.String())
}

func (s *SQLiteStorage) AllPositions(ctx context.Context) ([]domain.ManagedPosition, error) {
	return s.queryPositions(ctx, "storage.AllPositions", `ORDER BY opened_at DESC`)
}

func (s *SQLiteStorage) Transitions(ctx context.Context, positionID string) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, symbol, from_state, to_state, cause, at
		FROM position_transitions WHERE position_id = ? ORDER BY id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("storage.Transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var (
			tr       domain.Transition
			from, to string
			at       int64
		)
		if err := rows.Scan(&tr.PositionID, &tr.Symbol, &from, &to, &tr.Cause, &at); err != nil {
			return nil, fmt.Errorf("storage.Transitions: scan: %w", err)
		}
		if tr.From, err = domain.ParsePositionState(from); err != nil {
			return nil, fmt.Errorf("storage.Transitions: %w", err)
		}
		if tr.To, err = domain.ParsePositionState(to); err != nil {
			return nil, fmt.Errorf("storage.Transitions: %w", err)
		}
		tr.At = fromUnixNano(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) queryPositions(ctx context.Context, op, where string, args ...any) ([]domain.ManagedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.ManagedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func positionArgs(p domain.ManagedPosition) []any {
	return []any{
		p.ID, p.Symbol, string(p.Side), p.Quantity.String(), p.EntryPrice.String(),
		p.StopOrderID, p.TakeProfitOrderID, p.State.String(), string(p.Source),
		unixNano(p.OpenedAt), unixNano(p.LastActivityAt), unixNano(p.LastReconciledAt),
		unixNano(p.NakedSince), unixNano(p.LastRemediationAt), unixNano(p.ClosedAt),
	}
}

func scanPosition(r rowScanner) (domain.ManagedPosition, error) {
	var (
		p                                   domain.ManagedPosition
		side, qty, entry, state, source     string
		opened, activity, reconciled, naked int64
		remediation, closed                 int64
	)
	if err := r.Scan(&p.ID, &p.Symbol, &side, &qty, &entry, &p.StopOrderID, &p.TakeProfitOrderID,
		&state, &source, &opened, &activity, &reconciled, &naked, &remediation, &closed); err != nil {
		return p, err
	}
	var err error
	if p.Quantity, err = parseDecimal("quantity", qty); err != nil {
		return p, err
	}
	if p.EntryPrice, err = parseDecimal("entry_price", entry); err != nil {
		return p, err
	}
	if p.State, err = domain.ParsePositionState(state); err != nil {
		return p, err
	}
	p.Side = domain.Side(side)
	p.Source = domain.PositionSource(source)
	p.OpenedAt = fromUnixNano(opened)
	p.LastActivityAt = fromUnixNano(activity)
	p.LastReconciledAt = fromUnixNano(reconciled)
	p.NakedSince = fromUnixNano(naked)
	p.LastRemediationAt = fromUnixNano(remediation)
	p.ClosedAt = fromUnixNano(closed)
	return p, nil
}
