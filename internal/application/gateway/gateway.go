// Package gateway wraps the exchange capability with rate limiting,
// per-call timeouts, bounded retry and auditing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/application/audit"
	"github.com/alejandrodnm/tradeguard/internal/application/supervisor"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/metrics"
	"github.com/alejandrodnm/tradeguard/internal/ports"
	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries  = 3
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 8 * time.Second
	defaultCallTimeout = 10 * time.Second
	defaultRate        = 5.0
	defaultBurst       = 5
)

// Config holds retry and rate limit settings.
type Config struct {
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	CallTimeout   time.Duration
	RatePerSecond float64
	Burst         int
}

// Outcome is the tagged result of a submission.
type Outcome int

const (
	OutcomeFilled   Outcome = iota // market order executed
	OutcomeAccepted                // resting order live on the exchange
	OutcomeRejected                // exchange refused the order
	OutcomeError                   // call failed; see Retryable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "filled"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

// Result of Submit.
type Result struct {
	Outcome   Outcome
	Retryable bool // only meaningful for OutcomeError
	Reason    string
	Order     domain.OrderResult
	Attempts  int
	Err       error
}

// OK reports whether the order reached the exchange.
func (r Result) OK() bool {
	return r.Outcome == OutcomeFilled || r.Outcome == OutcomeAccepted
}

// Gateway is the only path to the exchange.
type Gateway struct {
	ex        ports.Exchange
	limiter   *rate.Limiter
	cfg       Config
	audit     *audit.Recorder
	heartbeat *supervisor.Heartbeat
	sleep     func(ctx context.Context, d time.Duration)
}

// New builds a gateway. rec and hb may be nil.
func New(ex ports.Exchange, cfg Config, rec *audit.Recorder, hb *supervisor.Heartbeat) *Gateway {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	return &Gateway{
		ex:        ex,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:       cfg,
		audit:     rec,
		heartbeat: hb,
		sleep:     sleepCtx,
	}
}

// WithSleep replaces the backoff sleeper, for tests.
func (g *Gateway) WithSleep(fn func(ctx context.Context, d time.Duration)) *Gateway {
	g.sleep = fn
	return g
}

// Submit sends req, retrying transient failures with the same client order id.
func (g *Gateway) Submit(ctx context.Context, req domain.OrderRequest) Result {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return g.failed(ctx, req, attempt, fmt.Errorf("rate limiter: %w", err), true)
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		res, err := g.ex.SubmitOrder(callCtx, req)
		cancel()
		metrics.GatewayLatency.WithLabelValues("submit").Observe(time.Since(start).Seconds())

		if err == nil {
			return g.submitted(ctx, req, res, attempt+1)
		}

		err = classify("submit", err)
		if !domain.IsRetryable(err) {
			return g.failed(ctx, req, attempt+1, err, false)
		}
		lastErr = err
		metrics.GatewayAttempts.WithLabelValues("submit", "transient").Inc()
		g.audit.Record(ctx, domain.AuditEvent{
			Kind: domain.AuditExchangeTransient, Severity: domain.SeverityWarn,
			Symbol: req.Symbol, Fingerprint: req.ClientOrderID,
			Message: fmt.Sprintf("submit attempt %d failed: %v", attempt+1, err),
		})
		if ctx.Err() != nil {
			return g.failed(ctx, req, attempt+1, err, true)
		}
		if attempt < g.cfg.MaxRetries {
			g.sleep(ctx, g.backoff(attempt))
		}
	}

	g.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditExchangeTransient, Severity: domain.SeverityAlert,
		Symbol: req.Symbol, Fingerprint: req.ClientOrderID,
		Message: fmt.Sprintf("submit gave up after %d attempts: %v", g.cfg.MaxRetries+1, lastErr),
	})
	return Result{
		Outcome:   OutcomeError,
		Retryable: true,
		Reason:    "retries exhausted",
		Attempts:  g.cfg.MaxRetries + 1,
		Err:       fmt.Errorf("gateway.Submit %s: %w", req.Symbol, lastErr),
	}
}

func (g *Gateway) submitted(ctx context.Context, req domain.OrderRequest, res domain.OrderResult, attempts int) Result {
	out := Result{Order: res, Attempts: attempts, Reason: res.Reason}
	switch res.Status {
	case domain.OrderStatusFilled:
		out.Outcome = OutcomeFilled
	case domain.OrderStatusNew:
		out.Outcome = OutcomeAccepted
	default:
		out.Outcome = OutcomeRejected
		if out.Reason == "" {
			out.Reason = "rejected by exchange"
		}
	}
	metrics.GatewayAttempts.WithLabelValues("submit", out.Outcome.String()).Inc()

	sev := domain.SeverityInfo
	if out.Outcome == OutcomeRejected {
		sev = domain.SeverityWarn
	}
	g.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditOrderSubmit, Severity: sev,
		Symbol: req.Symbol, Fingerprint: req.ClientOrderID, OrderID: res.OrderID,
		Message: fmt.Sprintf("%s %s %s %s: %s", req.Type, req.Side, req.Quantity, req.Symbol, out.Outcome),
	})
	slog.Info("gateway: order "+out.Outcome.String(),
		"symbol", req.Symbol, "side", req.Side, "type", req.Type,
		"qty", req.Quantity, "order", res.OrderID, "attempts", attempts)
	return out
}

func (g *Gateway) failed(ctx context.Context, req domain.OrderRequest, attempts int, err error, retryable bool) Result {
	kind := domain.AuditExchangeFatal
	if retryable {
		kind = domain.AuditExchangeTransient
	} else {
		metrics.GatewayAttempts.WithLabelValues("submit", "fatal").Inc()
	}
	g.audit.Record(ctx, domain.AuditEvent{
		Kind: kind, Severity: domain.SeverityAlert,
		Symbol: req.Symbol, Fingerprint: req.ClientOrderID,
		Message: fmt.Sprintf("submit failed: %v", err),
	})
	return Result{
		Outcome:   OutcomeError,
		Retryable: retryable,
		Reason:    err.Error(),
		Attempts:  attempts,
		Err:       fmt.Errorf("gateway.Submit %s: %w", req.Symbol, err),
	}
}

// Cancel cancels an order. An order the exchange no longer knows is
// treated as cancelled.
func (g *Gateway) Cancel(ctx context.Context, symbol, orderID string) error {
	c := call{op: "cancel", symbol: symbol, orderID: orderID, limited: true}
	err := g.retry(ctx, c, func(callCtx context.Context) error {
		return g.ex.CancelOrder(callCtx, symbol, orderID)
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrOrderNotFound):
		slog.Debug("gateway: cancel of unknown order treated as done", "symbol", symbol, "order", orderID)
	default:
		g.audit.Record(ctx, domain.AuditEvent{
			Kind: domain.AuditExchangeFatal, Severity: domain.SeverityAlert,
			Symbol: symbol, OrderID: orderID, Message: fmt.Sprintf("cancel failed: %v", err),
		})
		return fmt.Errorf("gateway.Cancel %s %s: %w", symbol, orderID, err)
	}
	g.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditOrderCancel, Severity: domain.SeverityInfo,
		Symbol: symbol, OrderID: orderID, Message: "order cancelled",
	})
	return nil
}

// Positions lists exchange positions with the same retry discipline.
func (g *Gateway) Positions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var out []domain.ExchangePosition
	err := g.retry(ctx, call{op: "list_positions"}, func(callCtx context.Context) error {
		var err error
		out, err = g.ex.ListPositions(callCtx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gateway.Positions: %w", err)
	}
	g.heartbeat.MarkFetch()
	return out, nil
}

// OpenOrders lists resting orders with the same retry discipline.
func (g *Gateway) OpenOrders(ctx context.Context) ([]domain.ExchangeOrder, error) {
	var out []domain.ExchangeOrder
	err := g.retry(ctx, call{op: "list_orders"}, func(callCtx context.Context) error {
		var err error
		out, err = g.ex.ListOpenOrders(callCtx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gateway.OpenOrders: %w", err)
	}
	g.heartbeat.MarkFetch()
	return out, nil
}

// call names what retry is doing. Only order-mutating calls are limited.
type call struct {
	op      string
	symbol  string
	orderID string
	limited bool
}

// retry runs fn until it succeeds, fails fatally, or retries run out.
func (g *Gateway) retry(ctx context.Context, c call, fn func(context.Context) error) error {
	op := c.op
	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if c.limited {
			if werr := g.limiter.Wait(ctx); werr != nil {
				return domain.NewTransient(op, 0, fmt.Errorf("rate limiter: %w", werr))
			}
		}
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		err = fn(callCtx)
		cancel()
		metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.GatewayAttempts.WithLabelValues(op, "ok").Inc()
			return nil
		}
		err = classify(op, err)
		if !domain.IsRetryable(err) {
			metrics.GatewayAttempts.WithLabelValues(op, "fatal").Inc()
			return err
		}
		metrics.GatewayAttempts.WithLabelValues(op, "transient").Inc()
		slog.Warn("gateway: transient exchange error", "op", op, "symbol", c.symbol, "attempt", attempt+1, "err", err)
		if ctx.Err() != nil {
			return err
		}
		if attempt < g.cfg.MaxRetries {
			g.sleep(ctx, g.backoff(attempt))
		}
	}
	g.audit.Record(ctx, domain.AuditEvent{
		Kind: domain.AuditExchangeTransient, Severity: domain.SeverityAlert,
		Symbol: c.symbol, OrderID: c.orderID,
		Message: fmt.Sprintf("%s gave up after %d attempts: %v", op, g.cfg.MaxRetries+1, err),
	})
	return err
}

// classify keeps adapter classifications and treats everything else
// (per-call deadlines, transport errors) as transient.
func classify(op string, err error) error {
	var exErr *domain.ExchangeError
	if errors.As(err, &exErr) {
		return err
	}
	return domain.NewTransient(op, 0, err)
}

// backoff returns base * 2^attempt, capped.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.BaseBackoff << attempt
	if d <= 0 || d > g.cfg.MaxBackoff {
		return g.cfg.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
