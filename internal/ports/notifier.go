package ports

import (
	"context"

	"github.com/alejandrodnm/tradeguard/internal/domain"
)

// Alerter delivers alert-severity audit events to a human.
type Alerter interface {
	Alert(ctx context.Context, ev domain.AuditEvent) error
}

// SignalSource hands the auction engine its next ranked batch.
type SignalSource interface {
	// NextBatch returns signals ordered by score, best first.
	NextBatch(ctx context.Context) ([]domain.Signal, error)
}
