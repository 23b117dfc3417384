// Package reconcile makes local position records agree with the exchange.
// The exchange is the source of truth; local state is corrected to it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/application/lock"
	"github.com/alejandrodnm/tradeguard/internal/application/positions"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/metrics"
)

// Exchange is the part of the gateway reconciliation reads and cancels through.
type Exchange interface {
	Positions(ctx context.Context) ([]domain.ExchangePosition, error)
	OpenOrders(ctx context.Context) ([]domain.ExchangeOrder, error)
	Cancel(ctx context.Context, symbol, orderID string) error
}

// Report summarises one reconciliation pass.
type Report struct {
	StartedAt   time.Time
	Duration    time.Duration
	Exchange    int // positions reported by the exchange
	Local       int // open local records before the pass
	Drift       map[domain.DriftKind]int
	Transitions int
	Imported    int
	Remediated  int
	Cancelled   int
	Errors      []error
}

// Clean reports whether the pass found nothing to correct.
func (r Report) Clean() bool {
	return r.Transitions == 0 && r.Imported == 0 && r.Cancelled == 0 && len(r.Errors) == 0 &&
		r.Drift[domain.DriftGhost]+r.Drift[domain.DriftOrphan]+r.Drift[domain.DriftMismatch]+r.Drift[domain.DriftDuplicate] == 0
}

// Err joins the per-symbol errors.
func (r Report) Err() error { return errors.Join(r.Errors...) }

// Engine runs reconciliation passes.
type Engine struct {
	exchange  Exchange
	machine   *positions.Machine
	protector *positions.Protector
	locks     *lock.SymbolLocks
	lockWait  time.Duration
	audit     *audit.Recorder
	now       func() time.Time
}

func New(ex Exchange, machine *positions.Machine, protector *positions.Protector, locks *lock.SymbolLocks, lockWait time.Duration, rec *audit.Recorder) *Engine {
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Engine{
		exchange:  ex,
		machine:   machine,
		protector: protector,
		locks:     locks,
		lockWait:  lockWait,
		audit:     rec,
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Snapshot fetches exchange truth and local records and classifies them.
func (e *Engine) Snapshot(ctx context.Context) (domain.ReconciliationSnapshot, error) {
	var snap domain.ReconciliationSnapshot

	exPositions, err := e.exchange.Positions(ctx)
	if err != nil {
		return snap, fmt.Errorf("reconcile.Snapshot: positions: %w", err)
	}
	orders, err := e.exchange.OpenOrders(ctx)
	if err != nil {
		return snap, fmt.Errorf("reconcile.Snapshot: open orders: %w", err)
	}
	local, err := e.machine.Store().OpenPositions(ctx)
	if err != nil {
		return snap, fmt.Errorf("reconcile.Snapshot: local positions: %w", err)
	}

	snap.ExchangePositions = exPositions
	snap.OpenOrders = orders
	snap.LocalPositions = local
	snap.Diff = Classify(exPositions, local)
	return snap, nil
}

// Run performs one pass. It returns an error only when the snapshot cannot
// be taken; failures on individual symbols are collected in the report.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: e.now(), Drift: make(map[domain.DriftKind]int)}

	snap, err := e.Snapshot(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		return rep, err
	}
	rep.Exchange = len(snap.ExchangePositions)
	rep.Local = len(snap.LocalPositions)

	for _, w := range plan(snap.Diff) {
		if err := ctx.Err(); err != nil {
			rep.Errors = append(rep.Errors, err)
			break
		}
		if err := e.reconcileSymbol(ctx, w.symbol, &rep); err != nil {
			slog.Warn("reconcile: symbol failed", "symbol", w.symbol, "err", err)
			rep.Errors = append(rep.Errors, fmt.Errorf("%s: %w", w.symbol, err))
		}
	}

	e.updateGauge(ctx)
	rep.Duration = time.Since(rep.StartedAt)

	result := "clean"
	switch {
	case len(rep.Errors) > 0:
		result = "partial"
	case !rep.Clean():
		result = "corrected"
	}
	metrics.ReconcileRuns.WithLabelValues(result).Inc()
	slog.Info("reconcile: pass complete",
		"exchange", rep.Exchange,
		"local", rep.Local,
		"ghosts", rep.Drift[domain.DriftGhost],
		"orphans", rep.Drift[domain.DriftOrphan],
		"mismatched", rep.Drift[domain.DriftMismatch],
		"duplicates", rep.Drift[domain.DriftDuplicate],
		"transitions", rep.Transitions,
		"cancelled", rep.Cancelled,
		"errors", len(rep.Errors),
		"duration", rep.Duration.Round(time.Millisecond),
	)
	return rep, nil
}

// work is everything a pass has to do for one symbol.
type work struct {
	symbol     string
	duplicates []domain.ManagedPosition // extra records, keeper excluded
	local      *domain.ManagedPosition
	exchange   *domain.ExchangePosition
	kind       domain.DriftKind // empty when matched
}

func plan(d domain.Diff) []work {
	bySymbol := make(map[string]*work)
	get := func(symbol string) *work {
		w, ok := bySymbol[symbol]
		if !ok {
			w = &work{symbol: symbol}
			bySymbol[symbol] = w
		}
		return w
	}

	for _, set := range d.Duplicates {
		get(set.Symbol).duplicates = set.Records[1:]
	}
	for i := range d.Ghosts {
		w := get(d.Ghosts[i].Symbol)
		w.exchange, w.kind = &d.Ghosts[i], domain.DriftGhost
	}
	for i := range d.Orphans {
		w := get(d.Orphans[i].Symbol)
		w.local, w.kind = &d.Orphans[i], domain.DriftOrphan
	}
	for i := range d.Mismatched {
		m := d.Mismatched[i]
		w := get(m.Local.Symbol)
		w.local, w.exchange, w.kind = &m.Local, &m.Exchange, domain.DriftMismatch
	}
	for i := range d.Matched {
		get(d.Matched[i].Symbol).local = &d.Matched[i]
	}

	out := make([]work, 0, len(bySymbol))
	for _, symbol := range sortedKeys(bySymbol) {
		out = append(out, *bySymbol[symbol])
	}
	return out
}

// symbolView re-reads both sides for one symbol. The caller holds the
// symbol lock, so no fill can land between the reads.
func (e *Engine) symbolView(ctx context.Context, symbol string) (domain.ReconciliationSnapshot, error) {
	var view domain.ReconciliationSnapshot

	exPositions, err := e.exchange.Positions(ctx)
	if err != nil {
		return view, fmt.Errorf("positions: %w", err)
	}
	for _, ep := range exPositions {
		if ep.Symbol == symbol {
			view.ExchangePositions = append(view.ExchangePositions, ep)
		}
	}
	orders, err := e.exchange.OpenOrders(ctx)
	if err != nil {
		return view, fmt.Errorf("open orders: %w", err)
	}
	for _, o := range orders {
		if o.Symbol == symbol {
			view.OpenOrders = append(view.OpenOrders, o)
		}
	}
	view.LocalPositions, err = e.machine.Store().PositionsBySymbol(ctx, symbol)
	if err != nil {
		return view, fmt.Errorf("local positions: %w", err)
	}
	view.Diff = Classify(view.ExchangePositions, view.LocalPositions)
	return view, nil
}

// reconcileSymbol corrects one symbol. The pass snapshot only selects the
// symbol; what is done is decided from a view read under the lock.
func (e *Engine) reconcileSymbol(ctx context.Context, symbol string, rep *Report) error {
	release, err := e.locks.Acquire(ctx, symbol, e.lockWait)
	if err != nil {
		return fmt.Errorf("symbol lock: %w", err)
	}
	defer release()

	view, err := e.symbolView(ctx, symbol)
	if err != nil {
		return err
	}
	planned := plan(view.Diff)
	if len(planned) == 0 {
		// Flat on both sides by the time the lock was taken.
		return nil
	}
	w := planned[0]
	orders := view.OrdersFor(symbol)

	if len(w.duplicates) > 0 {
		e.drift(ctx, rep, domain.DriftDuplicate, w.symbol, fmt.Sprintf("%d extra local records", len(w.duplicates)))
		for _, dup := range w.duplicates {
			if err := e.purge(ctx, dup, rep); err != nil {
				return err
			}
		}
	}

	var p domain.ManagedPosition
	switch w.kind {
	case domain.DriftGhost:
		e.drift(ctx, rep, domain.DriftGhost, w.symbol,
			fmt.Sprintf("untracked %s %s on exchange", w.exchange.Side, w.exchange.Quantity))
		p, err = e.machine.Open(ctx, positions.Fill{
			Symbol:   w.exchange.Symbol,
			Side:     w.exchange.Side,
			Quantity: w.exchange.Quantity,
			Price:    w.exchange.EntryPrice,
		}, domain.SourceImport)
		if err != nil {
			return err
		}
		rep.Imported++

	case domain.DriftOrphan:
		e.drift(ctx, rep, domain.DriftOrphan, w.symbol, "tracked position gone on exchange")
		return e.closeOrphan(ctx, *w.local, orders, rep)

	case domain.DriftMismatch:
		rep.Drift[domain.DriftMismatch]++
		metrics.ReconcileDrift.WithLabelValues(string(domain.DriftMismatch)).Inc()
		p, err = e.machine.AdjustQuantity(ctx, *w.local, *w.exchange, "exchange disagrees")
		if err != nil {
			return err
		}

	default:
		p = *w.local
	}

	p, err = e.auditStops(ctx, p, orders, rep)
	if err != nil {
		return err
	}
	_, err = e.machine.Touch(ctx, p)
	return err
}

func (e *Engine) purge(ctx context.Context, p domain.ManagedPosition, rep *Report) error {
	dup, err := e.machine.MarkDuplicate(ctx, p, "newer record exists for "+p.Symbol)
	if err != nil {
		return err
	}
	if err := e.machine.Purge(ctx, dup); err != nil {
		return err
	}
	rep.Transitions += 2
	return nil
}

func (e *Engine) closeOrphan(ctx context.Context, p domain.ManagedPosition, orders []domain.ExchangeOrder, rep *Report) error {
	if _, err := e.machine.Close(ctx, p, "position gone on exchange"); err != nil {
		return err
	}
	rep.Transitions++

	var errs []error
	for _, o := range orders {
		if !o.ReduceOnly {
			continue
		}
		if err := e.cancel(ctx, o, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// auditStops checks the protective orders resting for p and moves p to the
// state they justify.
func (e *Engine) auditStops(ctx context.Context, p domain.ManagedPosition, orders []domain.ExchangeOrder, rep *Report) (domain.ManagedPosition, error) {
	pr := protectionFor(orders)
	stop, hasStop := newestValid(pr.stops, stopFits(p))
	tp, hasTP := newestValid(pr.takeProfits, takeProfitFits(p))

	var err error
	if pr.crowded() {
		p, err = move(p, rep, func() (domain.ManagedPosition, error) {
			return e.machine.MarkChaos(ctx, p, fmt.Sprintf("%d stops and %d take-profits live", len(pr.stops), len(pr.takeProfits)))
		})
		if err != nil {
			return p, err
		}
	}

	// Everything except the adopted stop and take-profit goes.
	var errs []error
	for _, o := range pr.all() {
		if (hasStop && o.OrderID == stop.OrderID) || (hasStop && hasTP && o.OrderID == tp.OrderID) {
			continue
		}
		if err := e.cancel(ctx, o, rep); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return p, errors.Join(errs...)
	}

	if hasStop {
		tpID := ""
		if hasTP {
			tpID = tp.OrderID
		}
		return move(p, rep, func() (domain.ManagedPosition, error) {
			return e.machine.Protect(ctx, p, stop.OrderID, tpID, "adopted live stop "+stop.OrderID)
		})
	}

	p, err = move(p, rep, func() (domain.ManagedPosition, error) {
		return e.machine.Unprotect(ctx, p, "no valid stop on exchange")
	})
	if err != nil {
		return p, err
	}
	p.StopOrderID, p.TakeProfitOrderID = "", ""

	before := p.State
	p, err = e.protector.EnsureProtected(ctx, p)
	if err != nil {
		return p, err
	}
	if p.State != before {
		rep.Transitions++
	}
	rep.Remediated++
	return p, nil
}

// move applies fn and counts a transition when the state changed.
func move(p domain.ManagedPosition, rep *Report, fn func() (domain.ManagedPosition, error)) (domain.ManagedPosition, error) {
	next, err := fn()
	if err != nil {
		return p, err
	}
	if next.State != p.State {
		rep.Transitions++
	}
	return next, nil
}

func (e *Engine) cancel(ctx context.Context, o domain.ExchangeOrder, rep *Report) error {
	if err := e.exchange.Cancel(ctx, o.Symbol, o.OrderID); err != nil {
		return fmt.Errorf("cancel %s: %w", o.OrderID, err)
	}
	rep.Cancelled++
	slog.Info("reconcile: cancelled order", "symbol", o.Symbol, "order_id", o.OrderID, "type", o.Type)
	return nil
}

func (e *Engine) drift(ctx context.Context, rep *Report, kind domain.DriftKind, symbol, msg string) {
	rep.Drift[kind]++
	metrics.ReconcileDrift.WithLabelValues(string(kind)).Inc()
	derr := &domain.DriftError{Kind: kind, Symbol: symbol}
	slog.Warn("reconcile: drift", "kind", kind, "symbol", symbol, "detail", msg)
	e.audit.Warn(ctx, domain.AuditDrift, symbol, derr.Error()+": "+msg)
}

func (e *Engine) updateGauge(ctx context.Context) {
	open, err := e.machine.Store().OpenPositions(ctx)
	if err != nil {
		return
	}
	counts := make(map[domain.PositionState]int)
	for _, p := range open {
		counts[p.State]++
	}
	for _, s := range domain.AllPositionStates {
		if s.Terminal() {
			continue
		}
		metrics.OpenPositions.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
