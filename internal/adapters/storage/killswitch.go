package storage

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/tradeguard/internal/domain"
)

// SaveKillSwitch overwrites the singleton kill switch row.
func (s *SQLiteStorage) SaveKillSwitch(ctx context.Context, st domain.KillSwitchState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kill_switch SET
		  armed=?, reason=?, tripped_at=?, reset_at=?, acknowledgment=?
		WHERE id=1`,
		boolToInt(st.Armed), st.Reason, unixNano(st.TrippedAt), unixNano(st.ResetAt), st.Acknowledgment,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveKillSwitch: %w", err)
	}
	return nil
}

// LoadKillSwitch reads the singleton row. A fresh database yields a disarmed switch.
func (s *SQLiteStorage) LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error) {
	var (
		st               domain.KillSwitchState
		armed            int
		trippedAt, reset int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT armed, reason, tripped_at, reset_at, acknowledgment
		FROM kill_switch WHERE id=1`).Scan(&armed, &st.Reason, &trippedAt, &reset, &st.Acknowledgment)
	if err != nil {
		return st, fmt.Errorf("storage.LoadKillSwitch: %w", err)
	}
	st.Armed = armed != 0
	st.TrippedAt = fromUnixNano(trippedAt)
	st.ResetAt = fromUnixNano(reset)
	return st, nil
}
