package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus is the lifecycle of an order intent in the ledger.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentSubmitted IntentStatus = "SUBMITTED"
	IntentRejected  IntentStatus = "REJECTED"
	IntentExpired   IntentStatus = "EXPIRED"
)

// OrderIntent is a signal that passed the guard and claimed its fingerprint.
type OrderIntent struct {
	Fingerprint string
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	Strategy    string
	ReduceOnly  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Status      IntentStatus
	OrderID     string // exchange order id once submitted
	Reason      string // rejection or failure reason
}

// NewIntent builds a Pending intent for a signal.
func NewIntent(s Signal, fingerprint string, now time.Time) OrderIntent {
	return OrderIntent{
		Fingerprint: fingerprint,
		Symbol:      s.Symbol,
		Side:        s.Side,
		Quantity:    s.Quantity,
		Strategy:    s.Strategy,
		ReduceOnly:  s.ReduceOnly,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
		Status:      IntentPending,
	}
}

// OrderRequest builds the market order that executes the intent. The
// fingerprint doubles as client order id so the exchange rejects replays.
func (i OrderIntent) OrderRequest() OrderRequest {
	side := i.Side.EntryOrderSide()
	if i.ReduceOnly {
		side = i.Side.ExitOrderSide()
	}
	return OrderRequest{
		ClientOrderID: i.Fingerprint,
		Symbol:        i.Symbol,
		Side:          side,
		Type:          OrderTypeMarket,
		Quantity:      i.Quantity,
		ReduceOnly:    i.ReduceOnly,
	}
}
