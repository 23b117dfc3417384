package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/adapters/storage"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makeIntent(fp string, created time.Time) domain.OrderIntent {
	return domain.OrderIntent{
		Fingerprint: fp,
		Symbol:      "BTC/USD",
		Side:        domain.SideLong,
		Quantity:    decimal.RequireFromString("0.25"),
		Strategy:    "breakout",
		CreatedAt:   created,
		UpdatedAt:   created,
		Status:      domain.IntentPending,
	}
}

func makePosition(id, symbol string, activity time.Time) domain.ManagedPosition {
	return domain.ManagedPosition{
		ID:             id,
		Symbol:         symbol,
		Side:           domain.SideLong,
		Quantity:       decimal.NewFromInt(2),
		EntryPrice:     decimal.RequireFromString("101.5"),
		State:          domain.StateNaked,
		Source:         domain.SourceSignal,
		OpenedAt:       activity,
		LastActivityAt: activity,
		NakedSince:     activity,
	}
}

func TestSQLiteStorage_InsertIntentOnce(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inserted, err := db.InsertIntent(ctx, makeIntent("fp-1", now))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = db.InsertIntent(ctx, makeIntent("fp-1", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of the same fingerprint must be ignored")

	got, err := db.GetIntent(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPending, got.Status)
	assert.True(t, got.Quantity.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, now.UnixNano(), got.CreatedAt.UnixNano())

	_, err = db.GetIntent(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_IntentLifecycle(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := db.InsertIntent(ctx, makeIntent("old", now.Add(-3*time.Hour)))
	require.NoError(t, err)
	_, err = db.InsertIntent(ctx, makeIntent("fresh", now))
	require.NoError(t, err)
	_, err = db.InsertIntent(ctx, makeIntent("sent", now.Add(-2*time.Hour)))
	require.NoError(t, err)

	require.NoError(t, db.UpdateIntentStatus(ctx, "sent", domain.IntentSubmitted, "ord-9", "", now))
	assert.ErrorIs(t, db.UpdateIntentStatus(ctx, "nope", domain.IntentRejected, "", "x", now), domain.ErrNotFound)

	n, err := db.ExpirePendingBefore(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := db.GetIntent(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentExpired, old.Status)

	sent, err := db.GetIntent(ctx, "sent")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentSubmitted, sent.Status)
	assert.Equal(t, "ord-9", sent.OrderID)

	recent, err := db.IntentsSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].Fingerprint)

	deleted, err := db.DeleteIntentsBefore(ctx, now.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestSQLiteStorage_PositionsAndTransitions(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := makePosition("p1", "SOL/USD", now.Add(-time.Hour))
	newer := makePosition("p2", "SOL/USD", now)
	require.NoError(t, db.InsertPosition(ctx, older))
	require.NoError(t, db.InsertPosition(ctx, newer))

	bySymbol, err := db.PositionsBySymbol(ctx, "SOL/USD")
	require.NoError(t, err)
	require.Len(t, bySymbol, 2)
	assert.Equal(t, "p2", bySymbol[0].ID, "most recent activity first")

	protected := newer
	protected.State = domain.StateProtected
	protected.StopOrderID = "stop-1"
	protected.NakedSince = time.Time{}
	require.NoError(t, db.ApplyTransition(ctx, protected, domain.Transition{
		PositionID: "p2", Symbol: "SOL/USD",
		From: domain.StateNaked, To: domain.StateProtected, Cause: "stop placed", At: now,
	}))

	got, err := db.GetPosition(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, domain.StateProtected, got.State)
	assert.Equal(t, "stop-1", got.StopOrderID)
	assert.True(t, got.NakedSince.IsZero())
	assert.True(t, got.EntryPrice.Equal(decimal.RequireFromString("101.5")))

	trs, err := db.Transitions(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, domain.StateNaked, trs[0].From)
	assert.Equal(t, domain.StateProtected, trs[0].To)

	closed := older
	closed.State = domain.StateClosed
	closed.ClosedAt = now
	require.NoError(t, db.UpdatePosition(ctx, closed))

	open, err := db.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p2", open[0].ID)

	all, err := db.AllPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, db.DeletePosition(ctx, "p1"))
	_, err = db.GetPosition(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	missing := makePosition("ghost", "X", now)
	assert.ErrorIs(t, db.UpdatePosition(ctx, missing), domain.ErrNotFound)
}

func TestSQLiteStorage_KillSwitchSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	db, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)

	st, err := db.LoadKillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, st.Armed)

	tripped := time.Now().UTC()
	require.NoError(t, db.SaveKillSwitch(ctx, domain.KillSwitchState{Armed: true, Reason: "manual", TrippedAt: tripped}))
	require.NoError(t, db.Close())

	db, err = storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	defer db.Close()

	st, err = db.LoadKillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, st.Armed)
	assert.Equal(t, "manual", st.Reason)
	assert.Equal(t, tripped.UnixNano(), st.TrippedAt.UnixNano())
}

func TestSQLiteStorage_AuditNewestFirst(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, kind := range []domain.AuditKind{domain.AuditIntentRecorded, domain.AuditOrderSubmit, domain.AuditTransition} {
		require.NoError(t, db.AppendAudit(ctx, domain.AuditEvent{
			ID: string(kind), At: now.Add(time.Duration(i) * time.Second),
			Kind: kind, Severity: domain.SeverityInfo, Symbol: "BTC/USD",
		}))
	}

	evs, err := db.RecentAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.AuditTransition, evs[0].Kind)
	assert.Equal(t, domain.AuditOrderSubmit, evs[1].Kind)
}
