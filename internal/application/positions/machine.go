// Package positions owns the lifecycle of managed positions: the state
// machine that persists every transition, and the protector that keeps a
// stop attached to every open position.
package positions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/metrics"
	"github.com/alejandrodnm/tradeguard/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fill is an executed order as the state machine needs it.
type Fill struct {
	Symbol   string
	Side     domain.Side // side of the position the fill belongs to
	Quantity decimal.Decimal
	Price    decimal.Decimal
	OrderID  string
}

// Machine applies transitions and persists them with their cause. It is the
// only writer of the positions table.
type Machine struct {
	store ports.PositionStore
	audit *audit.Recorder
	now   func() time.Time
}

func NewMachine(store ports.PositionStore, rec *audit.Recorder) *Machine {
	return &Machine{store: store, audit: rec, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Store exposes read access for callers that need lookups.
func (m *Machine) Store() ports.PositionStore { return m.store }

// Open creates a Naked position for a fill or an imported exchange position.
func (m *Machine) Open(ctx context.Context, f Fill, source domain.PositionSource) (domain.ManagedPosition, error) {
	now := m.now().UTC()
	p := domain.ManagedPosition{
		ID:             uuid.NewString(),
		Symbol:         f.Symbol,
		Side:           f.Side,
		Quantity:       f.Quantity,
		EntryPrice:     f.Price,
		State:          domain.StateNaked,
		Source:         source,
		OpenedAt:       now,
		LastActivityAt: now,
		NakedSince:     now,
	}
	if err := m.store.InsertPosition(ctx, p); err != nil {
		return p, fmt.Errorf("positions.Open: %w", err)
	}
	metrics.PositionTransitions.WithLabelValues(domain.StateNaked.String()).Inc()
	slog.Info("positions: opened", "symbol", p.Symbol, "side", p.Side, "qty", p.Quantity,
		"entry", p.EntryPrice, "source", source, "id", p.ID)
	m.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditTransition, Severity: domain.SeverityInfo,
		Symbol: p.Symbol, PositionID: p.ID, OrderID: f.OrderID,
		Message: fmt.Sprintf("opened %s %s @ %s (%s) as %s", p.Side, p.Quantity, p.EntryPrice, source, p.State),
	})
	return p, nil
}

// Increase adds a pyramiding fill, averaging the entry price. The stop no
// longer covers the full size, so the position drops back to Naked.
func (m *Machine) Increase(ctx context.Context, p domain.ManagedPosition, f Fill) (domain.ManagedPosition, error) {
	total := p.Quantity.Add(f.Quantity)
	entry := p.EntryPrice.Mul(p.Quantity).Add(f.Price.Mul(f.Quantity)).Div(total)
	return m.transition(ctx, p, domain.StateNaked, "increased by "+f.Quantity.String(), func(n *domain.ManagedPosition) {
		n.Quantity = total
		n.EntryPrice = entry
		n.StopOrderID = ""
		n.TakeProfitOrderID = ""
		n.LastActivityAt = m.now().UTC()
	})
}

// Reduce applies a closing fill. A fill covering the whole size closes the position.
func (m *Machine) Reduce(ctx context.Context, p domain.ManagedPosition, qty decimal.Decimal) (domain.ManagedPosition, error) {
	remaining := p.Quantity.Sub(qty)
	if !remaining.IsPositive() {
		return m.Close(ctx, p, "reduced to zero")
	}
	return m.transition(ctx, p, domain.StateNaked, "reduced by "+qty.String(), func(n *domain.ManagedPosition) {
		n.Quantity = remaining
		n.StopOrderID = ""
		n.TakeProfitOrderID = ""
		n.LastActivityAt = m.now().UTC()
	})
}

// Protect attaches a confirmed stop (and optional take-profit).
func (m *Machine) Protect(ctx context.Context, p domain.ManagedPosition, stopID, takeProfitID, cause string) (domain.ManagedPosition, error) {
	return m.transition(ctx, p, domain.StateProtected, cause, func(n *domain.ManagedPosition) {
		n.StopOrderID = stopID
		n.TakeProfitOrderID = takeProfitID
	})
}

// Unprotect records that the stop is gone.
func (m *Machine) Unprotect(ctx context.Context, p domain.ManagedPosition, cause string) (domain.ManagedPosition, error) {
	return m.transition(ctx, p, domain.StateNaked, cause, func(n *domain.ManagedPosition) {
		n.StopOrderID = ""
		n.TakeProfitOrderID = ""
	})
}

func (m *Machine) MarkChaos(ctx context.Context, p domain.ManagedPosition, cause string) (domain.ManagedPosition, error) {
	return m.transition(ctx, p, domain.StateChaos, cause, nil)
}

func (m *Machine) MarkDuplicate(ctx context.Context, p domain.ManagedPosition, cause string) (domain.ManagedPosition, error) {
	return m.transition(ctx, p, domain.StateDuplicate, cause, nil)
}

// Purge archives a Duplicate record and removes it from the table. Its
// transition history is kept.
func (m *Machine) Purge(ctx context.Context, p domain.ManagedPosition) error {
	if p.State != domain.StateDuplicate {
		return fmt.Errorf("positions.Purge %s in %s: %w", p.ID, p.State, domain.ErrInvalidTransition)
	}
	if _, err := m.Close(ctx, p, "purged duplicate record"); err != nil {
		return err
	}
	if err := m.store.DeletePosition(ctx, p.ID); err != nil {
		return fmt.Errorf("positions.Purge: %w", err)
	}
	return nil
}

// Close archives the position.
func (m *Machine) Close(ctx context.Context, p domain.ManagedPosition, cause string) (domain.ManagedPosition, error) {
	return m.transition(ctx, p, domain.StateClosed, cause, func(n *domain.ManagedPosition) {
		n.StopOrderID = ""
		n.TakeProfitOrderID = ""
		n.LastActivityAt = m.now().UTC()
	})
}

// AdjustQuantity overwrites size, side and entry with the exchange's view.
// State is unchanged; callers decide whether the stop still fits.
func (m *Machine) AdjustQuantity(ctx context.Context, p domain.ManagedPosition, ex domain.ExchangePosition, cause string) (domain.ManagedPosition, error) {
	next := p
	next.Quantity = ex.Quantity
	next.Side = ex.Side
	if !ex.EntryPrice.IsZero() {
		next.EntryPrice = ex.EntryPrice
	}
	next.LastActivityAt = m.now().UTC()
	if err := m.store.UpdatePosition(ctx, next); err != nil {
		return p, fmt.Errorf("positions.AdjustQuantity: %w", err)
	}
	slog.Warn("positions: adjusted to exchange", "symbol", p.Symbol, "id", p.ID,
		"local_qty", p.Quantity, "exchange_qty", ex.Quantity,
		"local_side", p.Side, "exchange_side", ex.Side, "cause", cause)
	m.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditDrift, Severity: domain.SeverityWarn,
		Symbol: p.Symbol, PositionID: p.ID,
		Message: fmt.Sprintf("%s: %s %s -> %s %s", cause, p.Side, p.Quantity, ex.Side, ex.Quantity),
	})
	return next, nil
}

// Touch records a reconciliation pass that confirmed the position.
func (m *Machine) Touch(ctx context.Context, p domain.ManagedPosition) (domain.ManagedPosition, error) {
	p.LastReconciledAt = m.now().UTC()
	if err := m.store.UpdatePosition(ctx, p); err != nil {
		return p, fmt.Errorf("positions.Touch: %w", err)
	}
	return p, nil
}

// NoteRemediation records an attempt to restore protection.
func (m *Machine) NoteRemediation(ctx context.Context, p domain.ManagedPosition, what string) (domain.ManagedPosition, error) {
	p.LastRemediationAt = m.now().UTC()
	if err := m.store.UpdatePosition(ctx, p); err != nil {
		return p, fmt.Errorf("positions.NoteRemediation: %w", err)
	}
	m.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditRemediation, Severity: domain.SeverityInfo,
		Symbol: p.Symbol, PositionID: p.ID, Message: what,
	})
	return p, nil
}

// transition moves p to the target state. A move to the current state is a
// no-op apart from persisting mutate's field changes; no transition is recorded.
func (m *Machine) transition(ctx context.Context, p domain.ManagedPosition, to domain.PositionState, cause string, mutate func(*domain.ManagedPosition)) (domain.ManagedPosition, error) {
	from := p.State
	if from != to && !from.CanTransition(to) {
		return p, fmt.Errorf("positions: %s %s -> %s (%s): %w", p.Symbol, from, to, cause, domain.ErrInvalidTransition)
	}

	next := p
	if mutate != nil {
		mutate(&next)
	}
	now := m.now().UTC()

	if from == to {
		if mutate == nil {
			return p, nil
		}
		if err := m.store.UpdatePosition(ctx, next); err != nil {
			return p, fmt.Errorf("positions: update %s: %w", p.ID, err)
		}
		return next, nil
	}

	next.State = to
	switch to {
	case domain.StateNaked:
		next.NakedSince = now
	case domain.StateClosed:
		next.NakedSince = time.Time{}
		next.ClosedAt = now
	case domain.StateProtected, domain.StateChaos, domain.StateDuplicate:
		next.NakedSince = time.Time{}
	}

	tr := domain.Transition{PositionID: p.ID, Symbol: p.Symbol, From: from, To: to, Cause: cause, At: now}
	if err := m.store.ApplyTransition(ctx, next, tr); err != nil {
		return p, fmt.Errorf("positions: %s %s -> %s: %w", p.Symbol, from, to, err)
	}

	metrics.PositionTransitions.WithLabelValues(to.String()).Inc()
	sev := domain.SeverityInfo
	switch to {
	case domain.StateChaos, domain.StateDuplicate:
		sev = domain.SeverityWarn
		slog.Warn("positions: "+from.String()+" -> "+to.String(), "symbol", p.Symbol, "id", p.ID, "cause", cause)
	case domain.StateNaked, domain.StateProtected, domain.StateClosed:
		slog.Info("positions: "+from.String()+" -> "+to.String(), "symbol", p.Symbol, "id", p.ID, "cause", cause)
	}
	m.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditTransition, Severity: sev,
		Symbol: p.Symbol, PositionID: p.ID, OrderID: next.StopOrderID,
		Message: fmt.Sprintf("%s -> %s: %s", from, to, cause),
	})
	return next, nil
}
