// Package guard decides whether a signal may become an order. It runs five
// ordered layers; the first rejection wins.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/application/killswitch"
	"github.com/alejandrodnm/tradeguard/internal/application/ledger"
	"github.com/alejandrodnm/tradeguard/internal/application/lock"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/metrics"
	"github.com/alejandrodnm/tradeguard/internal/ports"
)

// Config holds guard timings and policy.
type Config struct {
	AllowPyramiding bool
	LockWait        time.Duration // bounded wait for the symbol lock
	LockHold        time.Duration // longest a submission may hold it
	PendingTTL      time.Duration // how long a submitted symbol stays pending
}

// ExchangeView is the read side of the gateway used by layer 4.
type ExchangeView interface {
	Positions(ctx context.Context) ([]domain.ExchangePosition, error)
	OpenOrders(ctx context.Context) ([]domain.ExchangeOrder, error)
}

// Evaluation carries what the stages learn about one signal.
type Evaluation struct {
	Signal      domain.Signal
	Fingerprint string
	Now         time.Time

	release func()
}

func (ev *Evaluation) releaseLock() {
	if ev.release != nil {
		ev.release()
	}
}

type stage func(ctx context.Context, ev *Evaluation) Verdict

// Guard is the duplicate guard.
type Guard struct {
	ledger    *ledger.Ledger
	locks     *lock.SymbolLocks
	ks        *killswitch.Switch
	positions ports.PositionStore
	exchange  ExchangeView
	cache     ports.PendingCache
	cfg       Config
	audit     *audit.Recorder
	now       func() time.Time

	mu    sync.Mutex
	stats map[domain.GuardLayer]int
}

func New(
	l *ledger.Ledger,
	locks *lock.SymbolLocks,
	ks *killswitch.Switch,
	positions ports.PositionStore,
	exchange ExchangeView,
	cache ports.PendingCache,
	cfg Config,
	rec *audit.Recorder,
) *Guard {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.LockHold <= 0 {
		cfg.LockHold = 30 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 2 * time.Minute
	}
	return &Guard{
		ledger:    l,
		locks:     locks,
		ks:        ks,
		positions: positions,
		exchange:  exchange,
		cache:     cache,
		cfg:       cfg,
		audit:     rec,
		now:       time.Now,
		stats:     make(map[domain.GuardLayer]int),
	}
}

// WithClock replaces the time source, for tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Admission is a signal that passed every layer. The caller owns the symbol
// lock until Release; Ctx expires after the configured hold time.
type Admission struct {
	Intent domain.OrderIntent
	Ctx    context.Context

	once    sync.Once
	cancel  context.CancelFunc
	release func()
}

// Release cancels the hold context and frees the symbol lock. Safe to call twice.
func (a *Admission) Release() {
	a.once.Do(func() {
		a.cancel()
		a.release()
	})
}

// Admit runs the five layers. On success the intent is recorded as Pending
// and the symbol marked pending. Rejections are *domain.GuardRejection.
func (g *Guard) Admit(ctx context.Context, s domain.Signal) (*Admission, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("guard.Admit: %w", err)
	}
	s = s.Normalized()

	ev := &Evaluation{Signal: s, Fingerprint: g.ledger.Fingerprint(s), Now: g.now()}
	stages := []stage{g.intentHash, g.symbolLock, g.pyramiding, g.exchangeLive, g.pendingCache}
	for _, st := range stages {
		if v := st(ctx, ev); !v.Accept {
			ev.releaseLock()
			g.rejected(ctx, ev, v)
			return nil, v.Err()
		}
	}

	intent := domain.NewIntent(s, ev.Fingerprint, ev.Now)
	res, err := g.ledger.Record(ctx, intent)
	if err != nil {
		ev.releaseLock()
		return nil, fmt.Errorf("guard.Admit: %w", err)
	}
	if res == ledger.AlreadyExists {
		// Lost a race with another process between layer 1 and here.
		v := reject(domain.LayerIntentHash, domain.ReasonDuplicateIntent)
		ev.releaseLock()
		g.rejected(ctx, ev, v)
		return nil, v.Err()
	}

	if err := g.cache.Put(ctx, s.Symbol, g.cfg.PendingTTL); err != nil {
		slog.Warn("guard: pending cache put failed", "symbol", s.Symbol, "err", err)
	}

	metrics.GuardAdmissions.Inc()
	g.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditIntentRecorded, Severity: domain.SeverityInfo,
		Symbol: s.Symbol, Fingerprint: ev.Fingerprint,
		Message: fmt.Sprintf("admitted %s %s %s (%s)", s.Side, s.Quantity, s.Symbol, s.Strategy),
	})

	holdCtx, cancel := context.WithTimeout(ctx, g.cfg.LockHold)
	return &Admission{Intent: intent, Ctx: holdCtx, cancel: cancel, release: ev.release}, nil
}

// 1. Intent hash: kill switch, then ledger lookup.
func (g *Guard) intentHash(ctx context.Context, ev *Evaluation) Verdict {
	armed, err := g.ks.IsArmed(ctx)
	if err != nil {
		slog.Warn("guard: kill switch unreadable, treating as armed", "err", err)
	}
	if armed && !ev.Signal.ReduceOnly {
		return intentVerdict(true, false, false)
	}
	seen, err := g.ledger.Seen(ctx, ev.Fingerprint)
	if err != nil {
		slog.Warn("guard: ledger lookup failed", "symbol", ev.Signal.Symbol, "err", err)
		return reject(domain.LayerIntentHash, domain.ReasonLookupFailed)
	}
	return intentVerdict(armed, ev.Signal.ReduceOnly, seen)
}

// 2. Symbol lock, held until the admission is released.
func (g *Guard) symbolLock(ctx context.Context, ev *Evaluation) Verdict {
	release, err := g.locks.Acquire(ctx, ev.Signal.Symbol, g.cfg.LockWait)
	if err != nil {
		return reject(domain.LayerSymbolLock, domain.ReasonSymbolLockTimeout)
	}
	ev.release = release
	return accept()
}

// 3. Local positions.
func (g *Guard) pyramiding(ctx context.Context, ev *Evaluation) Verdict {
	local, err := g.positions.PositionsBySymbol(ctx, ev.Signal.Symbol)
	if err != nil {
		slog.Warn("guard: position lookup failed", "symbol", ev.Signal.Symbol, "err", err)
		return reject(domain.LayerPyramiding, domain.ReasonLookupFailed)
	}
	return pyramidingVerdict(ev.Signal, local, g.cfg.AllowPyramiding)
}

// 4. Exchange truth, bypassing local state.
func (g *Guard) exchangeLive(ctx context.Context, ev *Evaluation) Verdict {
	positions, err := g.exchange.Positions(ctx)
	if err != nil {
		slog.Warn("guard: exchange positions unavailable", "symbol", ev.Signal.Symbol, "err", err)
		return exchangeVerdict(ev.Signal, nil, nil, err, g.cfg.AllowPyramiding)
	}
	orders, err := g.exchange.OpenOrders(ctx)
	if err != nil {
		slog.Warn("guard: exchange orders unavailable", "symbol", ev.Signal.Symbol, "err", err)
	}
	return exchangeVerdict(ev.Signal, positions, orders, err, g.cfg.AllowPyramiding)
}

// 5. Recently submitted symbols.
func (g *Guard) pendingCache(ctx context.Context, ev *Evaluation) Verdict {
	if ev.Signal.ReduceOnly {
		return accept()
	}
	pending, err := g.cache.Has(ctx, ev.Signal.Symbol)
	if err != nil {
		slog.Warn("guard: pending cache lookup failed", "symbol", ev.Signal.Symbol, "err", err)
		return reject(domain.LayerPendingCache, domain.ReasonLookupFailed)
	}
	return pendingVerdict(pending)
}

func (g *Guard) rejected(ctx context.Context, ev *Evaluation, v Verdict) {
	g.mu.Lock()
	g.stats[v.Layer]++
	g.mu.Unlock()

	metrics.GuardRejections.WithLabelValues(string(v.Layer), v.Reason).Inc()
	slog.Info("guard: rejected",
		"symbol", ev.Signal.Symbol,
		"side", ev.Signal.Side,
		"layer", v.Layer,
		"reason", v.Reason,
		"fingerprint", ev.Fingerprint,
	)

	sev := domain.SeverityInfo
	if v.Reason == domain.ReasonExchangeCheckFailed || v.Reason == domain.ReasonLookupFailed {
		sev = domain.SeverityWarn
	}
	g.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditGuardReject, Severity: sev,
		Symbol: ev.Signal.Symbol, Fingerprint: ev.Fingerprint,
		Message: fmt.Sprintf("%s: %s", v.Layer, v.Reason),
	})
}

// Stats returns rejection counts per layer since start.
func (g *Guard) Stats() map[domain.GuardLayer]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[domain.GuardLayer]int, len(g.stats))
	for k, v := range g.stats {
		out[k] = v
	}
	return out
}
