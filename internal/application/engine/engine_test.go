package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/adapters/paper"
	"github.com/alejandrodnm/tradeguard/internal/adapters/pendingcache"
	"github.com/alejandrodnm/tradeguard/internal/adapters/storage"
	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/application/engine"
	"github.com/alejandrodnm/tradeguard/internal/application/gateway"
	"github.com/alejandrodnm/tradeguard/internal/application/guard"
	"github.com/alejandrodnm/tradeguard/internal/application/killswitch"
	"github.com/alejandrodnm/tradeguard/internal/application/ledger"
	"github.com/alejandrodnm/tradeguard/internal/application/lock"
	"github.com/alejandrodnm/tradeguard/internal/application/positions"
	"github.com/alejandrodnm/tradeguard/internal/application/reconcile"
	"github.com/alejandrodnm/tradeguard/internal/application/supervisor"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// venue wraps the paper exchange so stop placement can be made to fail.
type venue struct {
	*paper.Exchange

	mu        sync.Mutex
	failStops bool
}

func (v *venue) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	v.mu.Lock()
	fail := v.failStops && req.Type == domain.OrderTypeStopMarket
	v.mu.Unlock()
	if fail {
		return domain.OrderResult{}, domain.NewFatal("submit", 400, errors.New("stop price outside band"))
	}
	return v.Exchange.SubmitOrder(ctx, req)
}

func (v *venue) setFailStops(b bool) {
	v.mu.Lock()
	v.failStops = b
	v.mu.Unlock()
}

type stack struct {
	db         *storage.SQLiteStorage
	ks         *killswitch.Switch
	ledger     *ledger.Ledger
	protector  *positions.Protector
	reconciler *reconcile.Engine
	heartbeat  *supervisor.Heartbeat
	engine     *engine.Engine
}

type options struct {
	path       string
	tripAfter  int
	staleAfter time.Duration
	source     ports.SignalSource
	guard      guard.Config
	engine     engine.Config
}

func newStack(t *testing.T, ex ports.Exchange, o options) *stack {
	t.Helper()
	if o.path == "" {
		o.path = ":memory:"
	}
	db, err := storage.NewSQLiteStorage(o.path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := audit.NewRecorder(db, nil)
	if o.staleAfter == 0 {
		o.staleAfter = time.Minute
	}
	hb := supervisor.NewHeartbeat(o.staleAfter, "")
	gw := gateway.New(ex, gateway.Config{MaxRetries: -1, RatePerSecond: 1000, Burst: 100}, rec, hb)
	locks := lock.NewSymbolLocks()
	ks := killswitch.New(db, rec, o.tripAfter)
	l := ledger.New(db, time.Hour)
	m := positions.NewMachine(db, rec)
	pr := positions.NewProtector(gw, m, locks, positions.ProtectionConfig{}, rec)
	rc := reconcile.New(gw, m, pr, locks, 50*time.Millisecond, rec)
	if o.guard.LockWait == 0 {
		o.guard.LockWait = 50 * time.Millisecond
	}
	g := guard.New(l, locks, ks, db, gw, pendingcache.NewMemory(), o.guard, rec)

	return &stack{
		db:         db,
		ks:         ks,
		ledger:     l,
		protector:  pr,
		reconciler: rc,
		heartbeat:  hb,
		engine: engine.New(engine.Deps{
			Source: o.source, Guard: g, Ledger: l, Orders: gw, Venue: gw, Machine: m, Protector: pr,
			Reconciler: rc, KillSwitch: ks, Heartbeat: hb, Audit: rec,
		}, o.engine),
	}
}

// At the start of an hour bucket so reruns inside a test share a fingerprint.
var signalTime = time.Now().Truncate(time.Hour).Add(time.Minute)

func sig(symbol string, side domain.Side, qty string) domain.Signal {
	return domain.Signal{
		Symbol: symbol, Side: side, Quantity: decimal.RequireFromString(qty),
		Strategy: "momentum", GeneratedAt: signalTime, Score: 1,
	}
}

func marketOrders(t *testing.T, db *storage.SQLiteStorage) int {
	t.Helper()
	evs, err := db.RecentAudit(context.Background(), 1000)
	require.NoError(t, err)
	n := 0
	for _, ev := range evs {
		if ev.Kind == domain.AuditOrderSubmit && strings.HasPrefix(ev.Message, string(domain.OrderTypeMarket)+" ") {
			n++
		}
	}
	return n
}

func TestEngine_FilledSignalEndsProtected(t *testing.T) {
	ex := paper.New()
	s := newStack(t, ex, options{})
	ctx := context.Background()

	res := s.engine.RunCycle(ctx, []domain.Signal{sig("BTC/USD", domain.SideLong, "1")})
	assert.Equal(t, 1, res.Admitted)
	assert.Equal(t, 1, res.Filled)
	assert.Equal(t, 1, res.Protected)

	ps, err := s.db.PositionsBySymbol(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, domain.StateProtected, ps[0].State)
	assert.True(t, ps[0].EntryPrice.Equal(decimal.NewFromInt(100)))

	intents, err := s.ledger.RecentIntents(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.IntentSubmitted, intents[0].Status)
	assert.NotEmpty(t, intents[0].OrderID)
}

// BTC/USD: the same signal twice in one batch yields one order.
func TestEngine_DuplicateSignalInBatch(t *testing.T) {
	ex := paper.New()
	s := newStack(t, ex, options{})
	ctx := context.Background()

	btc := sig("BTC/USD", domain.SideLong, "1")
	res := s.engine.RunCycle(ctx, []domain.Signal{btc, btc})

	assert.Equal(t, 2, res.Signals)
	assert.Equal(t, 1, res.Filled)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, marketOrders(t, s.db))

	pos, err := ex.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Quantity.Equal(decimal.NewFromInt(1)))
}

func TestEngine_IdempotentAcrossRestart(t *testing.T) {
	ex := paper.New()
	path := filepath.Join(t.TempDir(), "tradeguard.db")
	ctx := context.Background()
	btc := sig("BTC/USD", domain.SideLong, "1")

	first := newStack(t, ex, options{path: path})
	_, err := first.engine.Start(ctx)
	require.NoError(t, err)
	res := first.engine.RunCycle(ctx, []domain.Signal{btc})
	require.Equal(t, 1, res.Filled)
	require.NoError(t, first.db.Close())
	submitted := ex.SubmitCount()

	second := newStack(t, ex, options{path: path})
	rep, err := second.engine.Start(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Clean(), "local state already matches the venue: %+v", rep)

	res = second.engine.RunCycle(ctx, []domain.Signal{btc})
	assert.Equal(t, 0, res.Filled)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, submitted, ex.SubmitCount(), "nothing reaches the venue after restart")
	assert.Equal(t, 1, marketOrders(t, second.db), "one entry across both runs")

	pos, err := ex.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Quantity.Equal(decimal.NewFromInt(1)))
}

// A crash between recording an intent and submitting it leaves a Pending
// row. Start expires it, and the signal is still never sent.
func TestEngine_StalePendingIntentIsExpiredNotResent(t *testing.T) {
	ex := paper.New()
	s := newStack(t, ex, options{engine: engine.Config{PendingExpiry: time.Nanosecond}})
	ctx := context.Background()
	eth := sig("ETH/USD", domain.SideShort, "2")

	fp := s.ledger.Fingerprint(eth)
	_, err := s.ledger.Record(ctx, domain.NewIntent(eth, fp, time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	_, err = s.engine.Start(ctx)
	require.NoError(t, err)
	got, err := s.ledger.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentExpired, got.Status)

	res := s.engine.RunCycle(ctx, []domain.Signal{eth})
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 0, ex.SubmitCount())
}

// DOGE/USD: an armed kill switch stops new entries but not exits.
func TestEngine_KillSwitchBlocksEntriesNotExits(t *testing.T) {
	ex := paper.New()
	s := newStack(t, ex, options{})
	ctx := context.Background()

	res := s.engine.RunCycle(ctx, []domain.Signal{sig("BTC/USD", domain.SideLong, "1")})
	require.Equal(t, 1, res.Filled)
	require.NoError(t, s.ks.Trip(ctx, "operator halt"))

	res = s.engine.RunCycle(ctx, []domain.Signal{sig("DOGE/USD", domain.SideLong, "1000")})
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 0, res.Filled)

	exit := sig("BTC/USD", domain.SideLong, "1")
	exit.Strategy = "exit"
	exit.ReduceOnly = true
	res = s.engine.RunCycle(ctx, []domain.Signal{exit})
	assert.Equal(t, 1, res.Filled)

	open, err := s.db.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	orders, err := ex.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders, "the stop goes with the position")

	pos, err := ex.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestEngine_ConsecutiveFailuresTripKillSwitch(t *testing.T) {
	ex := paper.New()
	transient := domain.NewTransient("submit", 503, errors.New("unavailable"))
	ex.InjectErrors(paper.OpSubmit, transient, transient)
	s := newStack(t, ex, options{tripAfter: 2})
	ctx := context.Background()

	res := s.engine.RunCycle(ctx, []domain.Signal{
		sig("ETH/USD", domain.SideLong, "1"),
		sig("SOL/USD", domain.SideLong, "1"),
	})
	assert.Equal(t, 2, res.Failed)
	assert.True(t, res.KillSwitchTrip)

	st, err := s.ks.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Armed)
	assert.Equal(t, killswitch.PolicyReason, st.Reason)

	intents, err := s.ledger.RecentIntents(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	for _, in := range intents {
		assert.Equal(t, domain.IntentRejected, in.Status)
		assert.NotEmpty(t, in.Reason, "failed submissions are never dropped silently")
	}
}

func TestEngine_LockHoldExceededMarksIntentFailed(t *testing.T) {
	ex := paper.New()
	s := newStack(t, ex, options{guard: guard.Config{LockHold: time.Nanosecond}})
	ctx := context.Background()

	res := s.engine.RunCycle(ctx, []domain.Signal{sig("ADA/USD", domain.SideLong, "10")})
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, ex.SubmitCount())

	intents, err := s.ledger.RecentIntents(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.IntentRejected, intents[0].Status)
	assert.Contains(t, intents[0].Reason, "lock hold exceeded")
}

// A position whose stop cannot be placed is Naked with a recorded
// remediation attempt, and the next health check or reconciliation
// protects it.
func TestEngine_NakedPositionIsRemediated(t *testing.T) {
	v := &venue{Exchange: paper.New()}
	v.setFailStops(true)
	s := newStack(t, v, options{})
	ctx := context.Background()

	res := s.engine.RunCycle(ctx, []domain.Signal{sig("SOL/USD", domain.SideLong, "5")})
	assert.Equal(t, 1, res.Filled)
	assert.Equal(t, 1, res.Errors)

	ps, err := s.db.PositionsBySymbol(ctx, "SOL/USD")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, domain.StateNaked, ps[0].State)
	assert.False(t, ps[0].LastRemediationAt.IsZero())

	// Still failing: the reconciler tries again and records it.
	rep, err := s.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, rep.Errors, 1)
	ps, _ = s.db.PositionsBySymbol(ctx, "SOL/USD")
	assert.Equal(t, domain.StateNaked, ps[0].State)

	v.setFailStops(false)
	hr, err := s.protector.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, hr.Remediated)

	ps, _ = s.db.PositionsBySymbol(ctx, "SOL/USD")
	assert.Equal(t, domain.StateProtected, ps[0].State)

	rep, err = s.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Clean())
}

func TestEngine_SymbolsAreIndependent(t *testing.T) {
	ex := paper.New()
	ex.InjectErrors(paper.OpSubmit, domain.NewFatal("submit", 400, errors.New("unknown symbol")))
	s := newStack(t, ex, options{engine: engine.Config{MaxParallelSymbols: 1}})
	ctx := context.Background()

	res := s.engine.RunCycle(ctx, []domain.Signal{
		sig("BAD/USD", domain.SideLong, "1"),
		sig("ETH/USD", domain.SideLong, "1"),
	})
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Filled)

	ps, err := s.db.PositionsBySymbol(ctx, "ETH/USD")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, domain.StateProtected, ps[0].State)
}

type batches struct {
	mu   sync.Mutex
	next [][]domain.Signal
}

func (b *batches) NextBatch(context.Context) ([]domain.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.next) == 0 {
		return nil, nil
	}
	out := b.next[0]
	b.next = b.next[1:]
	return out, nil
}

func TestEngine_RunTicksUntilCancelled(t *testing.T) {
	ex := paper.New()
	src := &batches{next: [][]domain.Signal{{sig("BTC/USD", domain.SideLong, "1")}}}
	s := newStack(t, ex, options{source: src, engine: engine.Config{
		SignalInterval: 10 * time.Millisecond, HealthInterval: 10 * time.Millisecond,
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.engine.Run(ctx))

	live := s.heartbeat.Liveness()
	assert.False(t, live.LastTick.IsZero())
	assert.False(t, live.LastFetch.IsZero())

	open, err := s.db.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.StateProtected, open[0].State)
}

func TestEngine_IdleRunStaysLive(t *testing.T) {
	s := newStack(t, paper.New(), options{
		source:     &batches{},
		staleAfter: 100 * time.Millisecond,
		engine: engine.Config{
			SignalInterval: 10 * time.Millisecond,
			HealthInterval: 20 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.engine.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	live := s.heartbeat.Liveness()
	cancel()
	require.NoError(t, <-done)

	assert.False(t, live.Stale, live.Reason)
}
