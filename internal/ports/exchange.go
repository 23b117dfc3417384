package ports

import (
	"context"

	"github.com/alejandrodnm/tradeguard/internal/domain"
)

// Exchange is the authoritative venue. Every call may fail; failures are
// returned as *domain.ExchangeError so callers can tell transient from fatal.
type Exchange interface {
	// SubmitOrder places an order. A repeated ClientOrderID must not create
	// a second order; the exchange answers with the original result instead.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)

	// CancelOrder cancels one open order. Unknown orders return domain.ErrOrderNotFound.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// ListPositions returns every non-flat position on the account.
	ListPositions(ctx context.Context) ([]domain.ExchangePosition, error)

	// ListOpenOrders returns every resting order, including stops.
	ListOpenOrders(ctx context.Context) ([]domain.ExchangeOrder, error)
}
