package domain

import "github.com/shopspring/decimal"

// DriftKind classifies a disagreement between exchange and local state.
type DriftKind string

const (
	DriftGhost     DriftKind = "ghost"     // on exchange, not tracked locally
	DriftOrphan    DriftKind = "orphan"    // tracked locally, gone on exchange
	DriftMismatch  DriftKind = "mismatch"  // both sides, quantity or side differs
	DriftDuplicate DriftKind = "duplicate" // more than one local record for a symbol
)

// Mismatch pairs a local record with the exchange position it disagrees with.
type Mismatch struct {
	Local    ManagedPosition
	Exchange ExchangePosition
}

// QuantityDelta is exchange minus local quantity.
func (m Mismatch) QuantityDelta() decimal.Decimal {
	return m.Exchange.Quantity.Sub(m.Local.Quantity)
}

// DuplicateSet is every local record found for one symbol.
type DuplicateSet struct {
	Symbol  string
	Records []ManagedPosition
}

// Diff is the classification of one reconciliation pass.
type Diff struct {
	Ghosts     []ExchangePosition
	Orphans    []ManagedPosition
	Mismatched []Mismatch
	Duplicates []DuplicateSet
	Matched    []ManagedPosition
}

// Empty reports whether the two stores agree.
func (d Diff) Empty() bool {
	return len(d.Ghosts) == 0 && len(d.Orphans) == 0 && len(d.Mismatched) == 0 && len(d.Duplicates) == 0
}

// ReconciliationSnapshot is the transient view a reconciliation pass works on.
type ReconciliationSnapshot struct {
	ExchangePositions []ExchangePosition
	OpenOrders        []ExchangeOrder
	LocalPositions    []ManagedPosition
	Diff              Diff
}

// OrdersFor returns the open orders for symbol.
func (s ReconciliationSnapshot) OrdersFor(symbol string) []ExchangeOrder {
	var out []ExchangeOrder
	for _, o := range s.OpenOrders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}
