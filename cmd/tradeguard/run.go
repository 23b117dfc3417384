package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/tradeguard/config"
	"github.com/alejandrodnm/tradeguard/internal/adapters/exchange"
	"github.com/alejandrodnm/tradeguard/internal/adapters/httpapi"
	"github.com/alejandrodnm/tradeguard/internal/adapters/notify"
	"github.com/alejandrodnm/tradeguard/internal/adapters/paper"
	"github.com/alejandrodnm/tradeguard/internal/adapters/pendingcache"
	"github.com/alejandrodnm/tradeguard/internal/adapters/signals"
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
	"github.com/alejandrodnm/tradeguard/internal/ports"
	"github.com/shopspring/decimal"
)

// app is the wired process.
type app struct {
	store      *storage.SQLiteStorage
	console    *notify.Console
	ks         *killswitch.Switch
	ledger     *ledger.Ledger
	reconciler *reconcile.Engine
	heartbeat  *supervisor.Heartbeat
	engine     *engine.Engine
	source     ports.SignalSource

	closers   []func() error
	closeOnce sync.Once
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				slog.Warn("close failed", "err", err)
			}
		}
	})
}

// build wires storage, exchange, guard, gateway, positions, reconciliation
// and the engine from cfg.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{console: notify.NewConsole()}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	venue, err := newExchange(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	cache, err := newPendingCache(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	if c, ok := cache.(*pendingcache.Redis); ok {
		a.closers = append(a.closers, c.Close)
	}

	rec := audit.NewRecorder(store, a.console)
	a.heartbeat = supervisor.NewHeartbeat(cfg.StaleAfter(), cfg.Supervisor.HeartbeatFile)
	a.ks = killswitch.New(store, rec, cfg.Engine.TripAfterFailures)
	a.ledger = ledger.New(store, cfg.Bucket())
	locks := lock.NewSymbolLocks()

	gw := gateway.New(venue, gateway.Config{
		MaxRetries:    cfg.Gateway.MaxRetries,
		BaseBackoff:   cfg.BaseBackoff(),
		MaxBackoff:    cfg.MaxBackoff(),
		CallTimeout:   cfg.CallTimeout(),
		RatePerSecond: cfg.Gateway.RatePerSecond,
		Burst:         cfg.Gateway.Burst,
	}, rec, a.heartbeat)

	machine := positions.NewMachine(store, rec)
	protector := positions.NewProtector(gw, machine, locks, positions.ProtectionConfig{
		StopPct:       cfg.StopPct(),
		TakeProfitPct: cfg.TakeProfitPct(),
		MaxNaked:      cfg.MaxNaked(),
		LockWait:      cfg.ReconcileLockWait(),
	}, rec)
	a.reconciler = reconcile.New(gw, machine, protector, locks, cfg.ReconcileLockWait(), rec)

	g := guard.New(a.ledger, locks, a.ks, store, gw, cache, guard.Config{
		AllowPyramiding: cfg.Guard.AllowPyramiding,
		LockWait:        cfg.LockWait(),
		LockHold:        cfg.LockHold(),
		PendingTTL:      cfg.PendingTTL(),
	}, rec)

	a.source = signals.NewFileSource(cfg.Signals.Path, cfg.SignalWindow(), cfg.Signals.MaxBatch)
	a.engine = engine.New(engine.Deps{
		Source:     a.source,
		Guard:      g,
		Ledger:     a.ledger,
		Orders:     gw,
		Venue:      gw,
		Machine:    machine,
		Protector:  protector,
		Reconciler: a.reconciler,
		KillSwitch: a.ks,
		Heartbeat:  a.heartbeat,
		Audit:      rec,
	}, engine.Config{
		SignalInterval:      cfg.SignalInterval(),
		ReconcileInterval:   cfg.ReconcileInterval(),
		HealthInterval:      cfg.HealthInterval(),
		MaintenanceInterval: cfg.MaintenanceInterval(),
		PendingExpiry:       cfg.PendingExpiry(),
		Retention:           cfg.Retention(),
		MaxParallelSymbols:  cfg.Engine.MaxParallelSymbols,
	})
	return a, nil
}

func newExchange(cfg *config.Config) (ports.Exchange, error) {
	switch cfg.Exchange.Mode {
	case "live":
		slog.Warn("=== LIVE MODE: orders go to the venue ===", "base_url", cfg.Exchange.BaseURL)
		return exchange.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret), nil
	case "paper":
		ex := paper.New()
		for symbol, mark := range cfg.Exchange.PaperMarks {
			ex.SetPrice(symbol, decimal.NewFromFloat(mark))
		}
		return ex, nil
	}
	return nil, fmt.Errorf("unknown exchange mode %q", cfg.Exchange.Mode)
}

func newPendingCache(ctx context.Context, cfg *config.Config) (ports.PendingCache, error) {
	if cfg.Cache.RedisURL == "" {
		return pendingcache.NewMemory(), nil
	}
	c, err := pendingcache.Dial(ctx, cfg.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("pending cache: %w", err)
	}
	slog.Info("pending cache: redis", "url", cfg.Cache.RedisURL)
	return c, nil
}

// runLoop serves the HTTP surface and runs the engine until ctx is done.
func runLoop(ctx context.Context, a *app, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var httpErr error
	if cfg.HTTP.Addr != "" {
		api := httpapi.New(a.store, a.ledger, a.ks, a.heartbeat)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpapi.Serve(ctx, cfg.HTTP.Addr, api.Routes()); err != nil {
				httpErr = err
				slog.Error("http server failed", "err", err)
				cancel()
			}
		}()
	}

	err := a.engine.Run(ctx)
	cancel()
	wg.Wait()
	return errors.Join(err, httpErr)
}

// runOnce reconciles, runs a single auction cycle and prints the report.
func runOnce(ctx context.Context, a *app) error {
	rep, err := a.engine.Start(ctx)
	if err != nil {
		return err
	}
	a.console.PrintReconcile(summary(rep))

	batch, err := a.source.NextBatch(ctx)
	if err != nil {
		return fmt.Errorf("signal batch: %w", err)
	}
	res := a.engine.RunCycle(ctx, batch)
	slog.Info("cycle complete",
		"signals", res.Signals,
		"admitted", res.Admitted,
		"rejected", res.Rejected,
		"filled", res.Filled,
		"resting", res.Resting,
		"exchange_rejected", res.ExchangeRejected,
		"failed", res.Failed,
		"protected", res.Protected,
		"errors", res.Errors,
		"kill_switch_tripped", res.KillSwitchTrip,
	)
	return runReport(ctx, a)
}
