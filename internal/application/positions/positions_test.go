package positions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/adapters/paper"
	"github.com/alejandrodnm/tradeguard/internal/adapters/storage"
	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/application/gateway"
	"github.com/alejandrodnm/tradeguard/internal/application/lock"
	"github.com/alejandrodnm/tradeguard/internal/application/positions"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	db        *storage.SQLiteStorage
	ex        *paper.Exchange
	machine   *positions.Machine
	protector *positions.Protector
}

func newEnv(t *testing.T, cfg positions.ProtectionConfig) *env {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := audit.NewRecorder(db, nil)
	ex := paper.New()
	gw := gateway.New(ex, gateway.Config{MaxRetries: -1, RatePerSecond: 1000, Burst: 100}, rec, nil)
	m := positions.NewMachine(db, rec)
	return &env{
		db:        db,
		ex:        ex,
		machine:   m,
		protector: positions.NewProtector(gw, m, lock.NewSymbolLocks(), cfg, rec),
	}
}

func fill(symbol string, side domain.Side, qty, price string) positions.Fill {
	return positions.Fill{
		Symbol: symbol, Side: side,
		Quantity: decimal.RequireFromString(qty), Price: decimal.RequireFromString(price),
	}
}

func TestMachine_OpenProtectClose(t *testing.T) {
	e := newEnv(t, positions.ProtectionConfig{})
	ctx := context.Background()

	p, err := e.machine.Open(ctx, fill("BTC/USD", domain.SideLong, "1", "100"), domain.SourceSignal)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNaked, p.State)
	assert.False(t, p.NakedSince.IsZero())

	p, err = e.machine.Protect(ctx, p, "stop-1", "", "stop placed")
	require.NoError(t, err)
	assert.Equal(t, domain.StateProtected, p.State)
	assert.True(t, p.NakedSince.IsZero())

	p, err = e.machine.Close(ctx, p, "flat on exchange")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, p.State)
	assert.Empty(t, p.StopOrderID)

	_, err = e.machine.Protect(ctx, p, "stop-2", "", "too late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	trs, err := e.db.Transitions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, domain.StateProtected, trs[0].To)
	assert.Equal(t, "flat on exchange", trs[1].Cause)
}

func TestMachine_SameStateIsNoop(t *testing.T) {
	e := newEnv(t, positions.ProtectionConfig{})
	ctx := context.Background()

	p, err := e.machine.Open(ctx, fill("ETH/USD", domain.SideShort, "2", "2000"), domain.SourceSignal)
	require.NoError(t, err)
	p, err = e.machine.MarkChaos(ctx, p, "two stops")
	require.NoError(t, err)
	p, err = e.machine.MarkChaos(ctx, p, "still two stops")
	require.NoError(t, err)

	trs, err := e.db.Transitions(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, trs, 1)
}

func TestMachine_DuplicateOnlyCloses(t *testing.T) {
	e := newEnv(t, positions.ProtectionConfig{})
	ctx := context.Background()

	p, err := e.machine.Open(ctx, fill("SOL/USD", domain.SideLong, "5", "20"), domain.SourceSignal)
	require.NoError(t, err)
	p, err = e.machine.MarkDuplicate(ctx, p, "second record")
	require.NoError(t, err)

	_, err = e.machine.Protect(ctx, p, "x", "", "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, e.machine.Purge(ctx, p))
	_, err = e.db.GetPosition(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	trs, err := e.db.Transitions(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, trs, 2, "history survives the purge")
}

func TestMachine_IncreaseAveragesAndReduceCloses(t *testing.T) {
	e := newEnv(t, positions.ProtectionConfig{})
	ctx := context.Background()

	p, err := e.machine.Open(ctx, fill("BTC/USD", domain.SideLong, "1", "100"), domain.SourceSignal)
	require.NoError(t, err)
	p, err = e.machine.Protect(ctx, p, "stop-1", "", "stop placed")
	require.NoError(t, err)

	p, err = e.machine.Increase(ctx, p, fill("BTC/USD", domain.SideLong, "1", "110"))
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(105)))
	assert.Equal(t, domain.StateNaked, p.State, "stop no longer covers the size")

	p, err = e.machine.Reduce(ctx, p, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("1.5")))

	p, err = e.machine.Reduce(ctx, p, decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, p.State)
}

func TestProtector_EnsureProtectedPlacesStop(t *testing.T) {
	e := newEnv(t, positions.ProtectionConfig{
		StopPct:       decimal.RequireFromString("0.05"),
		TakeProfitPct: decimal.RequireFromString("0.10"),
	})
	ctx := context.Background()

	p, err := e.machine.Open(ctx, fill("ETH/USD", domain.SideShort, "3", "2000"), domain.SourceImport)
	require.NoError(t, err)

	p, err = e.protector.EnsureProtected(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, domain.StateProtected, p.State)
	assert.NotEmpty(t, p.StopOrderID)
	assert.NotEmpty(t, p.TakeProfitOrderID)
	assert.False(t, p.LastRemediationAt.IsZero())

	orders, err := e.ex.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	var stop domain.ExchangeOrder
	for _, o := range orders {
		if o.Type == domain.OrderTypeStopMarket {
			stop = o
		}
	}
	assert.True(t, stop.Protects("ETH/USD", domain.SideShort, decimal.NewFromInt(3)))
	assert.True(t, stop.StopPrice.Equal(decimal.NewFromInt(2100)))

	// Already protected: nothing new is placed.
	_, err = e.protector.EnsureProtected(ctx, p)
	require.NoError(t, err)
	orders, _ = e.ex.ListOpenOrders(ctx)
	assert.Len(t, orders, 2)
}

func TestProtector_StopFailureKeepsNaked(t *testing.T) {
	e := newEnv(t, positions.ProtectionConfig{})
	ctx := context.Background()
	e.ex.InjectErrors(paper.OpSubmit, domain.NewFatal("submit", 400, errors.New("invalid stop price")))

	p, err := e.machine.Open(ctx, fill("BTC/USD", domain.SideLong, "1", "100"), domain.SourceSignal)
	require.NoError(t, err)

	p, err = e.protector.EnsureProtected(ctx, p)
	assert.Error(t, err)
	assert.Equal(t, domain.StateNaked, p.State)
	assert.False(t, p.LastRemediationAt.IsZero(), "the attempt is recorded even when it fails")
}

func TestProtector_HealthCheckRaisesViolation(t *testing.T) {
	e := newEnv(t, positions.ProtectionConfig{MaxNaked: time.Minute})
	ctx := context.Background()

	opened := time.Now().Add(-10 * time.Minute)
	e.machine.WithClock(func() time.Time { return opened })
	_, err := e.machine.Open(ctx, fill("DOGE/USD", domain.SideLong, "1000", "0.1"), domain.SourceSignal)
	require.NoError(t, err)
	e.machine.WithClock(time.Now)

	rep, err := e.protector.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Violations)
	assert.Equal(t, 1, rep.Remediated)

	open, err := e.db.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.StateProtected, open[0].State)

	evs, err := e.db.RecentAudit(ctx, 100)
	require.NoError(t, err)
	var violations int
	for _, ev := range evs {
		if ev.Kind == domain.AuditInvariantViolation {
			violations++
		}
	}
	assert.Equal(t, 1, violations)
}
