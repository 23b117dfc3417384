package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/domain"
)

// IntentStore persists the intent ledger. The fingerprint is the primary key.
type IntentStore interface {
	// InsertIntent stores intent unless its fingerprint already exists.
	// inserted is false when the fingerprint was already claimed.
	InsertIntent(ctx context.Context, intent domain.OrderIntent) (inserted bool, err error)
	GetIntent(ctx context.Context, fingerprint string) (domain.OrderIntent, error)
	UpdateIntentStatus(ctx context.Context, fingerprint string, status domain.IntentStatus, orderID, reason string, at time.Time) error
	IntentsSince(ctx context.Context, since time.Time) ([]domain.OrderIntent, error)
	// ExpirePendingBefore marks Pending intents created before cutoff as Expired.
	ExpirePendingBefore(ctx context.Context, cutoff, at time.Time) (int64, error)
	DeleteIntentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PositionStore persists managed positions and their transition history.
type PositionStore interface {
	InsertPosition(ctx context.Context, p domain.ManagedPosition) error
	UpdatePosition(ctx context.Context, p domain.ManagedPosition) error
	DeletePosition(ctx context.Context, id string) error
	GetPosition(ctx context.Context, id string) (domain.ManagedPosition, error)
	PositionsBySymbol(ctx context.Context, symbol string) ([]domain.ManagedPosition, error)
	OpenPositions(ctx context.Context) ([]domain.ManagedPosition, error)
	AllPositions(ctx context.Context) ([]domain.ManagedPosition, error)

	// ApplyTransition writes the updated position and its transition record
	// in one transaction.
	ApplyTransition(ctx context.Context, p domain.ManagedPosition, tr domain.Transition) error
	Transitions(ctx context.Context, positionID string) ([]domain.Transition, error)
}

// KillSwitchStore persists the kill switch singleton.
type KillSwitchStore interface {
	SaveKillSwitch(ctx context.Context, st domain.KillSwitchState) error
	LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error)
}

// AuditLog is the append-only audit stream.
type AuditLog interface {
	AppendAudit(ctx context.Context, ev domain.AuditEvent) error
	RecentAudit(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

// PendingCache remembers symbols with a recent submission (guard layer 5).
type PendingCache interface {
	Has(ctx context.Context, symbol string) (bool, error)
	Put(ctx context.Context, symbol string, ttl time.Duration) error
}
