package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/tradeguard/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	trip := flag.String("trip", "", "arm the kill switch with this reason and exit")
	reset := flag.String("reset", "", "disarm the kill switch with this acknowledgment and exit")
	report := flag.Bool("report", false, "print kill switch, positions, intents and audit tail, then exit")
	reconcileOnly := flag.Bool("reconcile", false, "run one reconciliation pass and exit")
	once := flag.Bool("once", false, "reconcile, run one auction cycle and exit")
	dryRun := flag.Bool("dry-run", false, "paper exchange and in-memory storage")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *dryRun {
		cfg.Exchange.Mode = "paper"
		cfg.Storage.DSN = ":memory:"
	}
	setupLogger(cfg.Log)

	slog.Info("tradeguard starting",
		"config", *configPath,
		"exchange", cfg.Exchange.Mode,
		"dsn", cfg.Storage.DSN,
		"interval", cfg.SignalInterval(),
		"reconcile_interval", cfg.ReconcileInterval(),
		"dry_run", *dryRun,
		"once", *once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build", "err", err)
		os.Exit(1)
	}
	defer app.close()

	switch {
	case *trip != "":
		err = runTrip(ctx, app, *trip)
	case *reset != "":
		err = runReset(ctx, app, *reset)
	case *report:
		err = runReport(ctx, app)
	case *reconcileOnly:
		err = runReconcile(ctx, app)
	case *once:
		err = runOnce(ctx, app)
	default:
		err = runLoop(ctx, app, cfg)
	}
	if err != nil {
		slog.Error("tradeguard exited with error", "err", err)
		app.close()
		os.Exit(1)
	}

	slog.Info("tradeguard stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
