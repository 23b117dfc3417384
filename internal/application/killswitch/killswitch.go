// Package killswitch is the persisted global veto on new risk.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/metrics"
	"github.com/alejandrodnm/tradeguard/internal/ports"
)

// PolicyReason is recorded when the switch trips itself.
const PolicyReason = "policy: consecutive exchange failures"

// Switch reads the persisted state at every decision; it never caches the
// armed flag, so a trip from another process or the HTTP surface is seen at
// the next check.
type Switch struct {
	store ports.KillSwitchStore
	audit *audit.Recorder
	now   func() time.Time

	// mu serialises read-modify-write of the row and the failure counter.
	mu          sync.Mutex
	tripAfter   int
	consecutive int
}

// New builds a switch. tripAfter <= 0 disables the automatic policy.
func New(store ports.KillSwitchStore, rec *audit.Recorder, tripAfter int) *Switch {
	return &Switch{store: store, audit: rec, now: time.Now, tripAfter: tripAfter}
}

// State returns the persisted state.
func (s *Switch) State(ctx context.Context) (domain.KillSwitchState, error) {
	st, err := s.store.LoadKillSwitch(ctx)
	if err != nil {
		return st, fmt.Errorf("killswitch.State: %w", err)
	}
	if st.Armed {
		metrics.KillSwitchArmed.Set(1)
	} else {
		metrics.KillSwitchArmed.Set(0)
	}
	return st, nil
}

// IsArmed reports whether new risk is blocked. A store error is treated as
// armed: when the switch cannot be read, no new entry is allowed.
func (s *Switch) IsArmed(ctx context.Context) (bool, error) {
	st, err := s.State(ctx)
	if err != nil {
		return true, err
	}
	return st.Armed, nil
}

// Trip arms the switch. Tripping an armed switch keeps the original reason.
func (s *Switch) Trip(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.LoadKillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("killswitch.Trip: load: %w", err)
	}
	if st.Armed {
		return nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	st = domain.KillSwitchState{
		Armed:          true,
		Reason:         reason,
		TrippedAt:      s.now().UTC(),
		ResetAt:        st.ResetAt,
		Acknowledgment: st.Acknowledgment,
	}
	if err := s.store.SaveKillSwitch(ctx, st); err != nil {
		return fmt.Errorf("killswitch.Trip: save: %w", err)
	}
	metrics.KillSwitchArmed.Set(1)
	slog.Error("killswitch: TRIPPED", "reason", reason)
	s.audit.Alert(ctx, domain.AuditKillSwitch, "", "kill switch tripped: "+reason)
	return nil
}

// Reset disarms the switch. An acknowledgment is mandatory.
func (s *Switch) Reset(ctx context.Context, acknowledgment string) error {
	if strings.TrimSpace(acknowledgment) == "" {
		return fmt.Errorf("killswitch.Reset: %w", domain.ErrAckRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.LoadKillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("killswitch.Reset: load: %w", err)
	}
	st.Armed = false
	st.ResetAt = s.now().UTC()
	st.Acknowledgment = acknowledgment
	if err := s.store.SaveKillSwitch(ctx, st); err != nil {
		return fmt.Errorf("killswitch.Reset: save: %w", err)
	}
	s.consecutive = 0
	metrics.KillSwitchArmed.Set(0)
	slog.Warn("killswitch: reset", "acknowledgment", acknowledgment, "previous_reason", st.Reason)
	s.audit.Warn(ctx, domain.AuditKillSwitch, "", "kill switch reset: "+acknowledgment)
	return nil
}

// RecordSuccess clears the consecutive failure counter.
func (s *Switch) RecordSuccess() {
	s.mu.Lock()
	s.consecutive = 0
	s.mu.Unlock()
}

// RecordFailure counts a failed submission and trips the switch once the
// policy threshold is reached. It reports whether this call tripped it.
func (s *Switch) RecordFailure(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.consecutive++
	n := s.consecutive
	s.mu.Unlock()

	if s.tripAfter <= 0 || n < s.tripAfter {
		return false, nil
	}
	armed, err := s.IsArmed(ctx)
	if err != nil || armed {
		return false, err
	}
	if err := s.Trip(ctx, PolicyReason); err != nil {
		return false, err
	}
	return true, nil
}
