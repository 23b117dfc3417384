// Package engine runs the auction loop: it pulls signal batches, passes each
// signal through the guard and the gateway, and keeps positions protected
// with background reconciliation and stop-health timers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/application/gateway"
	"github.com/alejandrodnm/tradeguard/internal/application/guard"
	"github.com/alejandrodnm/tradeguard/internal/application/killswitch"
	"github.com/alejandrodnm/tradeguard/internal/application/ledger"
	"github.com/alejandrodnm/tradeguard/internal/application/positions"
	"github.com/alejandrodnm/tradeguard/internal/application/reconcile"
	"github.com/alejandrodnm/tradeguard/internal/application/supervisor"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/metrics"
	"github.com/alejandrodnm/tradeguard/internal/ports"
)

// Config holds loop timings.
type Config struct {
	SignalInterval      time.Duration
	ReconcileInterval   time.Duration
	HealthInterval      time.Duration
	MaintenanceInterval time.Duration
	PendingExpiry       time.Duration // Pending intents older than this become Expired
	Retention           time.Duration // ledger purge window
	MaxParallelSymbols  int
}

func (c *Config) setDefaults() {
	if c.SignalInterval <= 0 {
		c.SignalInterval = 30 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 60 * time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 10 * time.Minute
	}
	if c.PendingExpiry <= 0 {
		c.PendingExpiry = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.MaxParallelSymbols <= 0 {
		c.MaxParallelSymbols = 4
	}
}

// Submitter is the order path of the gateway.
type Submitter interface {
	Submit(ctx context.Context, req domain.OrderRequest) gateway.Result
}

// Reader is the read path of the gateway. The stop-health timer lists
// positions through it so the fetch heartbeat stays current while idle.
type Reader interface {
	Positions(ctx context.Context) ([]domain.ExchangePosition, error)
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Source     ports.SignalSource
	Guard      *guard.Guard
	Ledger     *ledger.Ledger
	Orders     Submitter
	Venue      Reader
	Machine    *positions.Machine
	Protector  *positions.Protector
	Reconciler *reconcile.Engine
	KillSwitch *killswitch.Switch
	Heartbeat  *supervisor.Heartbeat
	Audit      *audit.Recorder
}

// CycleResult counts what one auction cycle did.
type CycleResult struct {
	Signals          int
	Admitted         int
	Rejected         int // stopped by the guard
	Filled           int
	Resting          int // accepted but not filled
	ExchangeRejected int
	Failed           int
	Protected        int
	Errors           int
	KillSwitchTrip   bool
}

func (r *CycleResult) add(o CycleResult) {
	r.Signals += o.Signals
	r.Admitted += o.Admitted
	r.Rejected += o.Rejected
	r.Filled += o.Filled
	r.Resting += o.Resting
	r.ExchangeRejected += o.ExchangeRejected
	r.Failed += o.Failed
	r.Protected += o.Protected
	r.Errors += o.Errors
	r.KillSwitchTrip = r.KillSwitchTrip || o.KillSwitchTrip
}

// Engine is the auction worker.
type Engine struct {
	d   Deps
	cfg Config
}

func New(d Deps, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{d: d, cfg: cfg}
}

// Start prepares the process for admission: reconciliation runs to
// completion first, then stale Pending intents are expired. A failed
// reconciliation aborts start.
func (e *Engine) Start(ctx context.Context) (reconcile.Report, error) {
	st, err := e.d.KillSwitch.State(ctx)
	if err != nil {
		slog.Warn("engine: kill switch unreadable", "err", err)
	} else if st.Armed {
		slog.Warn("engine: kill switch is armed, only risk reduction will be admitted",
			"reason", st.Reason, "tripped_at", st.TrippedAt)
	}

	rep, err := e.d.Reconciler.Run(ctx)
	if err != nil {
		return rep, fmt.Errorf("engine.Start: reconcile: %w", err)
	}

	n, err := e.d.Ledger.ExpirePending(ctx, e.cfg.PendingExpiry)
	if err != nil {
		return rep, fmt.Errorf("engine.Start: expire pending: %w", err)
	}
	if n > 0 {
		slog.Info("engine: expired stale pending intents", "count", n)
	}
	e.d.Heartbeat.MarkTick()
	return rep, nil
}

// Run starts the engine and loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.Start(ctx); err != nil {
		return err
	}
	slog.Info("engine: started",
		"signal_interval", e.cfg.SignalInterval,
		"reconcile_interval", e.cfg.ReconcileInterval,
		"health_interval", e.cfg.HealthInterval,
		"max_parallel_symbols", e.cfg.MaxParallelSymbols,
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		every(ctx, e.cfg.ReconcileInterval, func() { e.reconcile(ctx) })
	}()
	go func() {
		defer wg.Done()
		every(ctx, e.cfg.HealthInterval, func() { e.healthCheck(ctx) })
	}()
	go func() {
		defer wg.Done()
		every(ctx, e.cfg.MaintenanceInterval, func() { e.maintain(ctx) })
	}()

	e.tick(ctx)
	ticker := time.NewTicker(e.cfg.SignalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("engine: stopped")
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// tick pulls one batch and runs it. The heartbeat advances even when the
// source has nothing, so an idle engine is not mistaken for a hung one.
func (e *Engine) tick(ctx context.Context) {
	batch, err := e.d.Source.NextBatch(ctx)
	if err != nil {
		slog.Warn("engine: signal source failed", "err", err)
		e.d.Heartbeat.MarkTick()
		return
	}
	res := e.RunCycle(ctx, batch)
	e.d.Heartbeat.MarkTick()
	if res.Signals > 0 {
		slog.Info("engine: cycle complete",
			"signals", res.Signals,
			"admitted", res.Admitted,
			"rejected", res.Rejected,
			"filled", res.Filled,
			"failed", res.Failed,
			"protected", res.Protected,
		)
	}
}

// RunCycle processes one batch. Symbols run in parallel; signals for the
// same symbol run in batch order.
func (e *Engine) RunCycle(ctx context.Context, batch []domain.Signal) CycleResult {
	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	order, bySymbol := groupBySymbol(batch)

	var (
		mu    sync.Mutex
		total CycleResult
		wg    sync.WaitGroup
		sem   = make(chan struct{}, e.cfg.MaxParallelSymbols)
	)
	for _, symbol := range order {
		signals := bySymbol[symbol]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			var res CycleResult
			for _, s := range signals {
				if ctx.Err() != nil {
					break
				}
				e.process(ctx, s, &res)
			}
			mu.Lock()
			total.add(res)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return total
}

func groupBySymbol(batch []domain.Signal) ([]string, map[string][]domain.Signal) {
	var order []string
	bySymbol := make(map[string][]domain.Signal)
	for _, s := range batch {
		s = s.Normalized()
		if _, ok := bySymbol[s.Symbol]; !ok {
			order = append(order, s.Symbol)
		}
		bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
	}
	return order, bySymbol
}

func (e *Engine) process(ctx context.Context, s domain.Signal, res *CycleResult) {
	res.Signals++

	adm, err := e.d.Guard.Admit(ctx, s)
	if err != nil {
		if errors.Is(err, domain.ErrGuardRejected) {
			res.Rejected++
			return
		}
		res.Errors++
		slog.Warn("engine: signal not admitted", "symbol", s.Symbol, "err", err)
		return
	}
	defer adm.Release()
	res.Admitted++

	fp := adm.Intent.Fingerprint
	if err := e.d.Ledger.MarkSubmitted(ctx, fp, ""); err != nil {
		// The intent stays Pending and is expired later; the fingerprint
		// still blocks a second submission.
		slog.Warn("engine: could not mark intent submitted", "fingerprint", fp, "err", err)
	}

	out := e.d.Orders.Submit(adm.Ctx, adm.Intent.OrderRequest())
	switch out.Outcome {
	case gateway.OutcomeFilled:
		res.Filled++
		e.d.KillSwitch.RecordSuccess()
		e.markSubmitted(ctx, fp, out.Order.OrderID)
		if err := e.applyFill(ctx, s, adm.Intent, out.Order); err != nil {
			res.Errors++
			slog.Warn("engine: position update after fill failed", "symbol", s.Symbol, "err", err)
			return
		}
		res.Protected++

	case gateway.OutcomeAccepted:
		// A market order resting on the book; reconciliation picks up the
		// position when it fills.
		res.Resting++
		e.d.KillSwitch.RecordSuccess()
		e.markSubmitted(ctx, fp, out.Order.OrderID)

	case gateway.OutcomeRejected:
		res.ExchangeRejected++
		e.d.KillSwitch.RecordSuccess()
		e.markRejected(ctx, fp, "exchange rejected: "+out.Reason)

	case gateway.OutcomeError:
		res.Failed++
		reason := "submission failed"
		if out.Err != nil {
			reason = out.Err.Error()
		}
		if adm.Ctx.Err() != nil && ctx.Err() == nil {
			reason = "lock hold exceeded: " + reason
		}
		e.markRejected(ctx, fp, reason)
		tripped, err := e.d.KillSwitch.RecordFailure(ctx)
		if err != nil {
			slog.Error("engine: kill switch policy trip failed", "err", err)
		}
		res.KillSwitchTrip = res.KillSwitchTrip || tripped
	}
}

func (e *Engine) markSubmitted(ctx context.Context, fp, orderID string) {
	if err := e.d.Ledger.MarkSubmitted(ctx, fp, orderID); err != nil {
		slog.Warn("engine: could not record order id", "fingerprint", fp, "order_id", orderID, "err", err)
	}
}

func (e *Engine) markRejected(ctx context.Context, fp, reason string) {
	if err := e.d.Ledger.MarkRejected(ctx, fp, reason); err != nil {
		slog.Warn("engine: could not mark intent rejected", "fingerprint", fp, "err", err)
	}
}

// applyFill updates the local position for a fill and restores protection.
// The admission's symbol lock is held by the caller.
func (e *Engine) applyFill(ctx context.Context, s domain.Signal, intent domain.OrderIntent, order domain.OrderResult) error {
	qty := order.FilledQuantity
	if !qty.IsPositive() {
		qty = intent.Quantity
	}
	fill := positions.Fill{
		Symbol:   s.Symbol,
		Side:     s.Side,
		Quantity: qty,
		Price:    order.AvgPrice,
		OrderID:  order.OrderID,
	}

	local, err := e.d.Machine.Store().PositionsBySymbol(ctx, s.Symbol)
	if err != nil {
		return fmt.Errorf("engine.applyFill: %w", err)
	}

	if s.ReduceOnly {
		return e.applyReduce(ctx, local, fill)
	}

	var p domain.ManagedPosition
	if len(local) > 0 && local[0].Side == s.Side {
		if err := e.d.Protector.CancelProtection(ctx, local[0]); err != nil {
			slog.Warn("engine: old stop not cancelled before resize", "symbol", s.Symbol, "err", err)
		}
		p, err = e.d.Machine.Increase(ctx, local[0], fill)
	} else {
		p, err = e.d.Machine.Open(ctx, fill, domain.SourceSignal)
	}
	if err != nil {
		return err
	}
	_, err = e.d.Protector.EnsureProtected(ctx, p)
	return err
}

func (e *Engine) applyReduce(ctx context.Context, local []domain.ManagedPosition, fill positions.Fill) error {
	if len(local) == 0 {
		slog.Warn("engine: reduce fill with no local position, leaving it to reconciliation", "symbol", fill.Symbol)
		return nil
	}
	p := local[0]
	if err := e.d.Protector.CancelProtection(ctx, p); err != nil {
		slog.Warn("engine: stop not cancelled before reduce", "symbol", fill.Symbol, "err", err)
	}
	p, err := e.d.Machine.Reduce(ctx, p, fill.Quantity)
	if err != nil {
		return err
	}
	if p.State == domain.StateClosed {
		return nil
	}
	_, err = e.d.Protector.EnsureProtected(ctx, p)
	return err
}

func (e *Engine) reconcile(ctx context.Context) {
	rep, err := e.d.Reconciler.Run(ctx)
	if err != nil {
		slog.Error("engine: reconciliation failed", "err", err)
		e.d.Audit.Alert(ctx, domain.AuditDrift, "", "reconciliation pass failed: "+err.Error())
		return
	}
	if err := rep.Err(); err != nil {
		slog.Warn("engine: reconciliation incomplete", "err", err)
	}
}

func (e *Engine) healthCheck(ctx context.Context) {
	if e.d.Venue != nil {
		if _, err := e.d.Venue.Positions(ctx); err != nil {
			slog.Warn("engine: exchange read failed", "err", err)
		}
	}

	rep, err := e.d.Protector.HealthCheck(ctx)
	if err != nil {
		slog.Warn("engine: stop health check failed", "err", err)
		return
	}
	if rep.Remediated > 0 || rep.Failed > 0 || rep.Violations > 0 {
		slog.Info("engine: stop health",
			"checked", rep.Checked,
			"remediated", rep.Remediated,
			"failed", rep.Failed,
			"violations", rep.Violations,
		)
	}
}

func (e *Engine) maintain(ctx context.Context) {
	expired, err := e.d.Ledger.ExpirePending(ctx, e.cfg.PendingExpiry)
	if err != nil {
		slog.Warn("engine: expire pending failed", "err", err)
	}
	purged, err := e.d.Ledger.Purge(ctx, e.cfg.Retention)
	if err != nil {
		slog.Warn("engine: ledger purge failed", "err", err)
	}
	if expired > 0 || purged > 0 {
		slog.Info("engine: ledger maintenance", "expired", expired, "purged", purged)
	}
}
