package positions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/application/gateway"
	"github.com/alejandrodnm/tradeguard/internal/application/lock"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Orders is the slice of the gateway the protector needs.
type Orders interface {
	Submit(ctx context.Context, req domain.OrderRequest) gateway.Result
	Cancel(ctx context.Context, symbol, orderID string) error
}

// ProtectionConfig sets stop placement.
type ProtectionConfig struct {
	StopPct       decimal.Decimal // distance from entry, e.g. 0.02
	TakeProfitPct decimal.Decimal // zero disables take-profit
	MaxNaked      time.Duration
	LockWait      time.Duration
}

// Protector places and removes protective orders.
type Protector struct {
	orders  Orders
	machine *Machine
	locks   *lock.SymbolLocks
	cfg     ProtectionConfig
	audit   *audit.Recorder
	now     func() time.Time
}

func NewProtector(orders Orders, machine *Machine, locks *lock.SymbolLocks, cfg ProtectionConfig, rec *audit.Recorder) *Protector {
	if !cfg.StopPct.IsPositive() {
		cfg.StopPct = decimal.RequireFromString("0.02")
	}
	if cfg.MaxNaked <= 0 {
		cfg.MaxNaked = time.Hour
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	return &Protector{orders: orders, machine: machine, locks: locks, cfg: cfg, audit: rec, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (pr *Protector) WithClock(now func() time.Time) *Protector {
	pr.now = now
	return pr
}

// StopRequest builds the reduce-only stop for p.
func (pr *Protector) StopRequest(p domain.ManagedPosition) domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: protectiveClientID("sl"),
		Symbol:        p.Symbol,
		Side:          p.Side.ExitOrderSide(),
		Type:          domain.OrderTypeStopMarket,
		Quantity:      p.Quantity,
		StopPrice:     p.StopPrice(pr.cfg.StopPct).Round(8),
		ReduceOnly:    true,
	}
}

// EnsureProtected places a stop on a position that has none and moves it to
// Protected once the exchange confirms the order is live. The caller must
// hold the symbol lock.
func (pr *Protector) EnsureProtected(ctx context.Context, p domain.ManagedPosition) (domain.ManagedPosition, error) {
	switch p.State {
	case domain.StateClosed, domain.StateDuplicate:
		return p, nil
	case domain.StateProtected:
		if p.HasStop() {
			return p, nil
		}
	case domain.StateNaked, domain.StateChaos:
	}
	if !p.EntryPrice.IsPositive() {
		return p, fmt.Errorf("positions.EnsureProtected %s: no entry price to derive a stop from", p.Symbol)
	}

	p, err := pr.machine.NoteRemediation(ctx, p, "placing protective stop")
	if err != nil {
		return p, err
	}
	if err := pr.CancelProtection(ctx, p); err != nil {
		slog.Warn("positions: could not clear previous protection", "symbol", p.Symbol, "err", err)
	}

	stop := pr.StopRequest(p)
	res := pr.orders.Submit(ctx, stop)
	if !res.OK() {
		pr.audit.Record(ctx, domain.AuditEvent{
			Kind: domain.AuditRemediation, Severity: domain.SeverityAlert,
			Symbol: p.Symbol, PositionID: p.ID,
			Message: fmt.Sprintf("stop placement %s: %s", res.Outcome, res.Reason),
		})
		return p, fmt.Errorf("positions.EnsureProtected %s: stop %s: %s", p.Symbol, res.Outcome, res.Reason)
	}

	var tpID string
	if pr.cfg.TakeProfitPct.IsPositive() {
		tp := domain.OrderRequest{
			ClientOrderID: protectiveClientID("tp"),
			Symbol:        p.Symbol,
			Side:          p.Side.ExitOrderSide(),
			Type:          domain.OrderTypeTakeProfit,
			Quantity:      p.Quantity,
			StopPrice:     p.TakeProfitPrice(pr.cfg.TakeProfitPct).Round(8),
			ReduceOnly:    true,
		}
		if tpRes := pr.orders.Submit(ctx, tp); tpRes.OK() {
			tpID = tpRes.Order.OrderID
		} else {
			slog.Warn("positions: take-profit not placed", "symbol", p.Symbol, "outcome", tpRes.Outcome, "reason", tpRes.Reason)
		}
	}

	return pr.machine.Protect(ctx, p, res.Order.OrderID, tpID,
		fmt.Sprintf("stop %s live at %s", res.Order.OrderID, stop.StopPrice))
}

// CancelProtection cancels the stop and take-profit recorded on p. It does
// not change state.
func (pr *Protector) CancelProtection(ctx context.Context, p domain.ManagedPosition) error {
	var errs []error
	for _, id := range []string{p.StopOrderID, p.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		if err := pr.orders.Cancel(ctx, p.Symbol, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthReport summarises one stop-health pass.
type HealthReport struct {
	Checked    int
	Remediated int
	Failed     int
	Violations int
}

// HealthCheck re-protects every Naked position and raises an invariant
// violation for any that stayed Naked longer than MaxNaked. Chaos positions
// still carry stops and are left to the reconciler's stop audit.
func (pr *Protector) HealthCheck(ctx context.Context) (HealthReport, error) {
	var rep HealthReport
	open, err := pr.machine.Store().OpenPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("positions.HealthCheck: %w", err)
	}

	now := pr.now()
	for _, p := range open {
		rep.Checked++
		if p.State != domain.StateNaked {
			continue
		}

		if naked := p.NakedFor(now); naked > pr.cfg.MaxNaked {
			rep.Violations++
			v := &domain.InvariantViolation{PositionID: p.ID, Symbol: p.Symbol, NakedFor: naked}
			pr.audit.Record(ctx, domain.AuditEvent{
				Kind: domain.AuditInvariantViolation, Severity: domain.SeverityAlert,
				Symbol: p.Symbol, PositionID: p.ID, Message: v.Error(),
			})
		}

		if err := pr.remediate(ctx, p.Symbol, p.ID); err != nil {
			rep.Failed++
			slog.Warn("positions: stop remediation failed", "symbol", p.Symbol, "id", p.ID, "err", err)
			continue
		}
		rep.Remediated++
	}
	return rep, nil
}

// remediate re-reads the position under the symbol lock before acting, so a
// concurrent auction or reconciliation pass is never raced.
func (pr *Protector) remediate(ctx context.Context, symbol, id string) error {
	if pr.locks != nil {
		release, err := pr.locks.Acquire(ctx, symbol, pr.cfg.LockWait)
		if err != nil {
			return err
		}
		defer release()
	}
	p, err := pr.machine.Store().GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if p.State != domain.StateNaked {
		return nil
	}
	_, err = pr.EnsureProtected(ctx, p)
	return err
}

func protectiveClientID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
