package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/domain"
)

const intentColumns = `fingerprint, symbol, side, quantity, strategy, reduce_only,
	status, order_id, reason, created_at, updated_at`

// InsertIntent claims the fingerprint. The insert is a single statement so
// two concurrent callers can never both see inserted == true.
func (s *SQLiteStorage) InsertIntent(ctx context.Context, in domain.OrderIntent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO intents (`+intentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Fingerprint, in.Symbol, string(in.Side), in.Quantity.String(), in.Strategy,
		boolToInt(in.ReduceOnly), string(in.Status), in.OrderID, in.Reason,
		unixNano(in.CreatedAt), unixNano(in.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("storage.InsertIntent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.InsertIntent: rows affected: %w", err)
	}
	return n == 1, nil
}

// GetIntent returns domain.ErrNotFound for unknown fingerprints.
func (s *SQLiteStorage) GetIntent(ctx context.Context, fingerprint string) (domain.OrderIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE fingerprint = ?`, fingerprint)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderIntent{}, fmt.Errorf("storage.GetIntent %s: %w", fingerprint, domain.ErrNotFound)
	}
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("storage.GetIntent: %w", err)
	}
	return in, nil
}

func (s *SQLiteStorage) UpdateIntentStatus(ctx context.Context, fingerprint string, status domain.IntentStatus, orderID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET
		  status = ?,
		  order_id = CASE WHEN ? <> '' THEN ? ELSE order_id END,
		  reason = ?,
		  updated_at = ?
		WHERE fingerprint = ?`,
		string(status), orderID, orderID, reason, unixNano(at), fingerprint)
	if err != nil {
		return fmt.Errorf("storage.UpdateIntentStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.UpdateIntentStatus %s: %w", fingerprint, domain.ErrNotFound)
	}
	return nil
}

// IntentsSince returns intents created at or after since, newest first.
func (s *SQLiteStorage) IntentsSince(ctx context.Context, since time.Time) ([]domain.OrderIntent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE created_at >= ? ORDER BY created_at DESC`,
		unixNano(since))
	if err != nil {
		return nil, fmt.Errorf("storage.IntentsSince: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.IntentsSince: scan: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ExpirePendingBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, reason = 'never submitted', updated_at = ?
		WHERE status = ? AND created_at < ?`,
		string(domain.IntentExpired), unixNano(at), string(domain.IntentPending), unixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage.ExpirePendingBefore: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) DeleteIntentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE created_at < ?`, unixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage.DeleteIntentsBefore: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(r rowScanner) (domain.OrderIntent, error) {
	var (
		in                domain.OrderIntent
		side, qty, status string
		reduceOnly        int
		created, updated  int64
	)
	if err := r.Scan(&in.Fingerprint, &in.Symbol, &side, &qty, &in.Strategy, &reduceOnly,
		&status, &in.OrderID, &in.Reason, &created, &updated); err != nil {
		return in, err
	}
	q, err := parseDecimal("quantity", qty)
	if err != nil {
		return in, err
	}
	in.Side = domain.Side(side)
	in.Quantity = q
	in.ReduceOnly = reduceOnly != 0
	in.Status = domain.IntentStatus(status)
	in.CreatedAt = fromUnixNano(created)
	in.UpdatedAt = fromUnixNano(updated)
	return in, nil
}
