package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/adapters/notify"
	"github.com/alejandrodnm/tradeguard/internal/application/reconcile"
)

const (
	reportIntentWindow = 24 * time.Hour
	reportAuditTail    = 25
)

func runTrip(ctx context.Context, a *app, reason string) error {
	if err := a.ks.Trip(ctx, "operator: "+reason); err != nil {
		return err
	}
	slog.Warn("kill switch armed", "reason", reason)
	return runReport(ctx, a)
}

func runReset(ctx context.Context, a *app, ack string) error {
	if err := a.ks.Reset(ctx, ack); err != nil {
		return err
	}
	slog.Info("kill switch reset", "acknowledgment", ack)
	return runReport(ctx, a)
}

// runReport prints the operator report from the database.
func runReport(ctx context.Context, a *app) error {
	st, err := a.ks.State(ctx)
	if err != nil {
		return fmt.Errorf("report: kill switch: %w", err)
	}
	open, err := a.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("report: positions: %w", err)
	}
	intents, err := a.ledger.RecentIntents(ctx, reportIntentWindow)
	if err != nil {
		return fmt.Errorf("report: intents: %w", err)
	}
	events, err := a.store.RecentAudit(ctx, reportAuditTail)
	if err != nil {
		return fmt.Errorf("report: audit: %w", err)
	}
	a.console.PrintReport(notify.ReportInput{
		KillSwitch: st,
		Positions:  open,
		Intents:    intents,
		Audit:      events,
	})
	return nil
}

// runReconcile runs one pass and prints what it corrected. Per-symbol
// errors are reported but do not fail the command.
func runReconcile(ctx context.Context, a *app) error {
	rep, err := a.reconciler.Run(ctx)
	if err != nil {
		return err
	}
	a.console.PrintReconcile(summary(rep))
	return nil
}

func summary(rep reconcile.Report) notify.ReconcileSummary {
	return notify.ReconcileSummary{
		Duration:    rep.Duration,
		Exchange:    rep.Exchange,
		Local:       rep.Local,
		Drift:       rep.Drift,
		Transitions: rep.Transitions,
		Imported:    rep.Imported,
		Remediated:  rep.Remediated,
		Cancelled:   rep.Cancelled,
		Errors:      rep.Errors,
	}
}
