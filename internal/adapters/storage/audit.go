package storage

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/tradeguard/internal/domain"
)

func (s *SQLiteStorage) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, at, kind, severity, symbol, fingerprint, position_id, order_id, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, unixNano(ev.At), string(ev.Kind), string(ev.Severity), ev.Symbol,
		ev.Fingerprint, ev.PositionID, ev.OrderID, ev.Message,
	)
	if err != nil {
		return fmt.Errorf("storage.AppendAudit: %w", err)
	}
	return nil
}

// RecentAudit returns up to limit events, newest first.
func (s *SQLiteStorage) RecentAudit(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, kind, severity, symbol, fingerprint, position_id, order_id, message
		FROM audit_events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentAudit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			ev             domain.AuditEvent
			at             int64
			kind, severity string
		)
		if err := rows.Scan(&ev.ID, &at, &kind, &severity, &ev.Symbol, &ev.Fingerprint,
			&ev.PositionID, &ev.OrderID, &ev.Message); err != nil {
			return nil, fmt.Errorf("storage.RecentAudit: scan: %w", err)
		}
		ev.At = fromUnixNano(at)
		ev.Kind = domain.AuditKind(kind)
		ev.Severity = domain.Severity(severity)
		out = append(out, ev)
	}
	return out, rows.Err()
}
