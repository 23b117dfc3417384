// Package ledger is the durable record of every fingerprint ever claimed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/ports"
)

// RecordResult tells the caller whether it claimed the fingerprint.
type RecordResult int

const (
	Accepted RecordResult = iota
	AlreadyExists
)

func (r RecordResult) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "already_exists"
}

// Ledger wraps the intent store. Lookups and records share the read lock;
// Purge takes the write lock so a lookup never races a delete.
type Ledger struct {
	store  ports.IntentStore
	bucket time.Duration
	now    func() time.Time
	mu     sync.RWMutex
}

// New creates a ledger. bucket is the auction interval fingerprints are
// bucketed by; retention is never allowed below two of them.
func New(store ports.IntentStore, bucket time.Duration) *Ledger {
	return &Ledger{store: store, bucket: bucket, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Bucket returns the fingerprint bucket width.
func (l *Ledger) Bucket() time.Duration { return l.bucket }

// Fingerprint derives the idempotency key of s with the ledger's bucket.
func (l *Ledger) Fingerprint(s domain.Signal) string {
	return domain.Fingerprint(s, l.bucket)
}

// Record claims the intent's fingerprint atomically.
func (l *Ledger) Record(ctx context.Context, intent domain.OrderIntent) (RecordResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	inserted, err := l.store.InsertIntent(ctx, intent)
	if err != nil {
		return AlreadyExists, fmt.Errorf("ledger.Record: %w", err)
	}
	if !inserted {
		return AlreadyExists, nil
	}
	return Accepted, nil
}

// Seen reports whether fingerprint was ever recorded and not yet purged.
func (l *Ledger) Seen(ctx context.Context, fingerprint string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, err := l.store.GetIntent(ctx, fingerprint)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("ledger.Seen: %w", err)
	}
}

// Get returns the recorded intent.
func (l *Ledger) Get(ctx context.Context, fingerprint string) (domain.OrderIntent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.GetIntent(ctx, fingerprint)
}

// Recent returns the fingerprints recorded within window.
func (l *Ledger) Recent(ctx context.Context, window time.Duration) (map[string]struct{}, error) {
	intents, err := l.RecentIntents(ctx, window)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(intents))
	for _, in := range intents {
		out[in.Fingerprint] = struct{}{}
	}
	return out, nil
}

// RecentIntents returns the intents recorded within window, newest first.
func (l *Ledger) RecentIntents(ctx context.Context, window time.Duration) ([]domain.OrderIntent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	intents, err := l.store.IntentsSince(ctx, l.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("ledger.Recent: %w", err)
	}
	return intents, nil
}

// MarkSubmitted records that the exchange accepted the intent's order.
func (l *Ledger) MarkSubmitted(ctx context.Context, fingerprint, orderID string) error {
	return l.setStatus(ctx, fingerprint, domain.IntentSubmitted, orderID, "")
}

// MarkRejected records a rejected or failed submission. The fingerprint
// stays claimed so the signal is never resubmitted.
func (l *Ledger) MarkRejected(ctx context.Context, fingerprint, reason string) error {
	return l.setStatus(ctx, fingerprint, domain.IntentRejected, "", reason)
}

func (l *Ledger) setStatus(ctx context.Context, fingerprint string, status domain.IntentStatus, orderID, reason string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.store.UpdateIntentStatus(ctx, fingerprint, status, orderID, reason, l.now()); err != nil {
		return fmt.Errorf("ledger: mark %s %s: %w", fingerprint, status, err)
	}
	return nil
}

// ExpirePending moves Pending intents older than olderThan to Expired. These
// are intents whose process died between record and submit; they are never
// resubmitted because the order may or may not have reached the exchange.
func (l *Ledger) ExpirePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	n, err := l.store.ExpirePendingBefore(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("ledger.ExpirePending: %w", err)
	}
	if n > 0 {
		slog.Warn("ledger: expired stale pending intents", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Purge deletes fingerprints older than retention.
func (l *Ledger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if floor := 2 * l.bucket; retention < floor {
		retention = floor
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.store.DeleteIntentsBefore(ctx, l.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("ledger.Purge: %w", err)
	}
	if n > 0 {
		slog.Info("ledger: purged old fingerprints", "count", n, "retention", retention)
	}
	return n, nil
}
