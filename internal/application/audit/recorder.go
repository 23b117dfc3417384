// Package audit writes the append-only audit stream and escalates alerts.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/metrics"
	"github.com/alejandrodnm/tradeguard/internal/ports"
	"github.com/google/uuid"
)

// Recorder persists audit events, logs them at a level matching their
// severity and forwards alert-severity events to the alerter.
// Failures to persist are logged and swallowed: auditing never blocks trading.
type Recorder struct {
	log     ports.AuditLog
	alerter ports.Alerter
	now     func() time.Time
}

// NewRecorder builds a recorder. alerter may be nil.
func NewRecorder(log ports.AuditLog, alerter ports.Alerter) *Recorder {
	return &Recorder{log: log, alerter: alerter, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record stamps, persists and dispatches ev.
func (r *Recorder) Record(ctx context.Context, ev domain.AuditEvent) {
	if r == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = r.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = domain.SeverityInfo
	}

	attrs := []any{"kind", ev.Kind}
	if ev.Symbol != "" {
		attrs = append(attrs, "symbol", ev.Symbol)
	}
	if ev.Fingerprint != "" {
		attrs = append(attrs, "fingerprint", ev.Fingerprint)
	}
	if ev.PositionID != "" {
		attrs = append(attrs, "position", ev.PositionID)
	}
	if ev.OrderID != "" {
		attrs = append(attrs, "order", ev.OrderID)
	}

	switch ev.Severity {
	case domain.SeverityAlert:
		slog.Error("audit: "+ev.Message, attrs...)
	case domain.SeverityWarn:
		slog.Warn("audit: "+ev.Message, attrs...)
	default:
		slog.Debug("audit: "+ev.Message, attrs...)
	}
	metrics.AuditEvents.WithLabelValues(string(ev.Kind), string(ev.Severity)).Inc()

	if r.log != nil {
		if err := r.log.AppendAudit(ctx, ev); err != nil {
			slog.Warn("audit: persist failed", "kind", ev.Kind, "err", err)
		}
	}
	if ev.Severity == domain.SeverityAlert && r.alerter != nil {
		if err := r.alerter.Alert(ctx, ev); err != nil {
			slog.Warn("audit: alert delivery failed", "kind", ev.Kind, "err", err)
		}
	}
}

// Info, Warn and Alert are shorthands for the common symbol-scoped events.
func (r *Recorder) Info(ctx context.Context, kind domain.AuditKind, symbol, msg string) {
	r.Record(ctx, domain.AuditEvent{Kind: kind, Severity: domain.SeverityInfo, Symbol: symbol, Message: msg})
}

func (r *Recorder) Warn(ctx context.Context, kind domain.AuditKind, symbol, msg string) {
	r.Record(ctx, domain.AuditEvent{Kind: kind, Severity: domain.SeverityWarn, Symbol: symbol, Message: msg})
}

func (r *Recorder) Alert(ctx context.Context, kind domain.AuditKind, symbol, msg string) {
	r.Record(ctx, domain.AuditEvent{Kind: kind, Severity: domain.SeverityAlert, Symbol: symbol, Message: msg})
}
