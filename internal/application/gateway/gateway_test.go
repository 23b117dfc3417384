package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/adapters/paper"
	"github.com/alejandrodnm/tradeguard/internal/adapters/storage"
	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/application/gateway"
	"github.com/alejandrodnm/tradeguard/internal/application/supervisor"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db    *storage.SQLiteStorage
	gw    *gateway.Gateway
	hb    *supervisor.Heartbeat
	slept []time.Duration
}

func newFixture(t *testing.T, ex ports.Exchange, cfg gateway.Config) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 1000
		cfg.Burst = 100
	}
	f := &fixture{db: db, hb: supervisor.NewHeartbeat(time.Hour, "")}
	f.gw = gateway.New(ex, cfg, audit.NewRecorder(db, nil), f.hb).
		WithSleep(func(_ context.Context, d time.Duration) { f.slept = append(f.slept, d) })
	return f
}

func (f *fixture) auditKinds(t *testing.T) []domain.AuditKind {
	t.Helper()
	evs, err := f.db.RecentAudit(context.Background(), 100)
	require.NoError(t, err)
	kinds := make([]domain.AuditKind, 0, len(evs))
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func marketBuy(client string) domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: client, Symbol: "BTC/USD", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	}
}

func TestGateway_SubmitFilled(t *testing.T) {
	ex := paper.New()
	f := newFixture(t, ex, gateway.Config{})

	res := f.gw.Submit(context.Background(), marketBuy("fp-1"))

	assert.Equal(t, gateway.OutcomeFilled, res.Outcome)
	assert.True(t, res.OK())
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, f.auditKinds(t), domain.AuditOrderSubmit)
}

func TestGateway_RetriesTransientWithSameClientID(t *testing.T) {
	ex := paper.New()
	transient := domain.NewTransient("submit", 503, errors.New("bad gateway"))
	ex.InjectErrors(paper.OpSubmit, transient, transient)
	f := newFixture(t, ex, gateway.Config{MaxRetries: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	res := f.gw.Submit(context.Background(), marketBuy("fp-2"))

	assert.Equal(t, gateway.OutcomeFilled, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, ex.SubmitCount())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.slept)

	kinds := f.auditKinds(t)
	assert.Len(t, kinds, 3, "every attempt is audited")
}

func TestGateway_FatalSurfacesImmediately(t *testing.T) {
	ex := paper.New()
	ex.InjectErrors(paper.OpSubmit, domain.NewFatal("submit", 400, errors.New("insufficient margin")))
	f := newFixture(t, ex, gateway.Config{MaxRetries: 3})

	res := f.gw.Submit(context.Background(), marketBuy("fp-3"))

	assert.Equal(t, gateway.OutcomeError, res.Outcome)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, domain.ErrExchangeFatal)
	assert.Empty(t, f.slept)
}

func TestGateway_RetriesExhausted(t *testing.T) {
	ex := paper.New()
	for range 3 {
		ex.InjectErrors(paper.OpSubmit, errors.New("connection reset"))
	}
	f := newFixture(t, ex, gateway.Config{MaxRetries: 2})

	res := f.gw.Submit(context.Background(), marketBuy("fp-4"))

	assert.Equal(t, gateway.OutcomeError, res.Outcome)
	assert.True(t, res.Retryable)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Err, domain.ErrExchangeTransient)

	evs, err := f.db.RecentAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.SeverityAlert, evs[0].Severity)
}

func TestGateway_RejectedByExchange(t *testing.T) {
	ex := paper.New()
	f := newFixture(t, ex, gateway.Config{})

	req := marketBuy("fp-5")
	req.ReduceOnly = true // nothing to reduce on a fresh book
	res := f.gw.Submit(context.Background(), req)

	assert.Equal(t, gateway.OutcomeRejected, res.Outcome)
	assert.NotEmpty(t, res.Reason)
}

func TestGateway_StopIsAccepted(t *testing.T) {
	ex := paper.New()
	f := newFixture(t, ex, gateway.Config{})

	res := f.gw.Submit(context.Background(), domain.OrderRequest{
		ClientOrderID: "sl-1", Symbol: "BTC/USD", Side: domain.OrderSideSell,
		Type: domain.OrderTypeStopMarket, Quantity: decimal.NewFromInt(1),
		StopPrice: decimal.NewFromInt(95), ReduceOnly: true,
	})
	assert.Equal(t, gateway.OutcomeAccepted, res.Outcome)
	assert.NotEmpty(t, res.Order.OrderID)
}

type slowExchange struct {
	*paper.Exchange
	calls int
}

func (s *slowExchange) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	s.calls++
	if s.calls == 1 {
		<-ctx.Done()
		return domain.OrderResult{}, ctx.Err()
	}
	return s.Exchange.SubmitOrder(ctx, req)
}

func TestGateway_CallTimeoutIsRetryable(t *testing.T) {
	ex := &slowExchange{Exchange: paper.New()}
	f := newFixture(t, ex, gateway.Config{MaxRetries: 1, CallTimeout: 20 * time.Millisecond})

	res := f.gw.Submit(context.Background(), marketBuy("fp-6"))

	assert.Equal(t, gateway.OutcomeFilled, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
}

func TestGateway_CancelledParentStops(t *testing.T) {
	ex := &slowExchange{Exchange: paper.New()}
	f := newFixture(t, ex, gateway.Config{MaxRetries: 5, CallTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := f.gw.Submit(ctx, marketBuy("fp-7"))

	assert.Equal(t, gateway.OutcomeError, res.Outcome)
	assert.True(t, res.Retryable)
	assert.Equal(t, 1, ex.calls)
}

func TestGateway_CancelIsIdempotent(t *testing.T) {
	ex := paper.New()
	f := newFixture(t, ex, gateway.Config{})
	ctx := context.Background()

	id := ex.AddOpenOrder(domain.ExchangeOrder{
		Symbol: "BTC/USD", Side: domain.OrderSideSell, Type: domain.OrderTypeStopMarket,
		Quantity: decimal.NewFromInt(1), ReduceOnly: true,
	})
	require.NoError(t, f.gw.Cancel(ctx, "BTC/USD", id))
	require.NoError(t, f.gw.Cancel(ctx, "BTC/USD", id), "already gone counts as cancelled")
}

func TestGateway_ListsMarkFetch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := paper.New()
	ex.InjectErrors(paper.OpListPositions, domain.NewTransient("list_positions", 502, errors.New("bad gateway")))
	f := newFixture(t, ex, gateway.Config{MaxRetries: 2})
	f.hb.WithClock(func() time.Time { return now })

	now = now.Add(time.Minute)
	_, err := f.gw.Positions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, f.hb.Liveness().LastFetch)

	_, err = f.gw.OpenOrders(context.Background())
	require.NoError(t, err)
}

func TestGateway_CancelGiveUpNamesTheOrder(t *testing.T) {
	ex := paper.New()
	bad := domain.NewTransient("cancel", 503, errors.New("unavailable"))
	ex.InjectErrors(paper.OpCancel, bad, bad)
	f := newFixture(t, ex, gateway.Config{MaxRetries: 1})

	err := f.gw.Cancel(context.Background(), "ETH/USD", "stop-42")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExchangeTransient)

	evs, err := f.db.RecentAudit(context.Background(), 100)
	require.NoError(t, err)
	var gaveUp *domain.AuditEvent
	for i := range evs {
		if evs[i].Kind == domain.AuditExchangeTransient && evs[i].Severity == domain.SeverityAlert {
			gaveUp = &evs[i]
			break
		}
	}
	require.NotNil(t, gaveUp, "retries exhausted must raise an alert")
	assert.Equal(t, "ETH/USD", gaveUp.Symbol)
	assert.Equal(t, "stop-42", gaveUp.OrderID)
	assert.Contains(t, gaveUp.Message, "cancel gave up after 2 attempts")
}
