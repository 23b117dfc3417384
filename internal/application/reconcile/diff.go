package reconcile

import (
	"sort"

	"github.com/alejandrodnm/tradeguard/internal/domain"
)

// Classify compares exchange positions with local open records. When a
// symbol has more than one local record the most recently active one is
// classified and the set is reported under Duplicates.
func Classify(exchange []domain.ExchangePosition, local []domain.ManagedPosition) domain.Diff {
	var d domain.Diff

	bySymbol := make(map[string][]domain.ManagedPosition)
	for _, p := range local {
		if !p.IsOpen() {
			continue
		}
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}

	live := make(map[string]domain.ExchangePosition, len(exchange))
	for _, ep := range exchange {
		if !ep.Quantity.IsPositive() {
			continue
		}
		live[ep.Symbol] = ep
	}

	for _, symbol := range sortedKeys(bySymbol) {
		records := bySymbol[symbol]
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].LastActivityAt.After(records[j].LastActivityAt)
		})
		if len(records) > 1 {
			d.Duplicates = append(d.Duplicates, domain.DuplicateSet{Symbol: symbol, Records: records})
		}

		keep := records[0]
		ep, ok := live[symbol]
		switch {
		case !ok:
			d.Orphans = append(d.Orphans, keep)
		case ep.Side != keep.Side || !ep.Quantity.Equal(keep.Quantity):
			d.Mismatched = append(d.Mismatched, domain.Mismatch{Local: keep, Exchange: ep})
		default:
			d.Matched = append(d.Matched, keep)
		}
	}

	for _, symbol := range sortedKeys(live) {
		if _, tracked := bySymbol[symbol]; !tracked {
			d.Ghosts = append(d.Ghosts, live[symbol])
		}
	}
	return d
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// protection splits the protective orders resting on one symbol.
type protection struct {
	stops       []domain.ExchangeOrder
	takeProfits []domain.ExchangeOrder
}

func protectionFor(orders []domain.ExchangeOrder) protection {
	var pr protection
	for _, o := range orders {
		if !o.IsProtective() {
			continue
		}
		if o.Type == domain.OrderTypeStopMarket {
			pr.stops = append(pr.stops, o)
		} else {
			pr.takeProfits = append(pr.takeProfits, o)
		}
	}
	return pr
}

func (pr protection) crowded() bool {
	return len(pr.stops) > 1 || len(pr.takeProfits) > 1
}

func (pr protection) all() []domain.ExchangeOrder {
	return append(append([]domain.ExchangeOrder(nil), pr.stops...), pr.takeProfits...)
}

// newestValid returns the most recently created order that fits p.
func newestValid(orders []domain.ExchangeOrder, fits func(domain.ExchangeOrder) bool) (domain.ExchangeOrder, bool) {
	var best domain.ExchangeOrder
	found := false
	for _, o := range orders {
		if !fits(o) {
			continue
		}
		if !found || o.CreatedAt.After(best.CreatedAt) ||
			(o.CreatedAt.Equal(best.CreatedAt) && o.OrderID > best.OrderID) {
			best, found = o, true
		}
	}
	return best, found
}

func stopFits(p domain.ManagedPosition) func(domain.ExchangeOrder) bool {
	return func(o domain.ExchangeOrder) bool {
		return o.Protects(p.Symbol, p.Side, p.Quantity)
	}
}

func takeProfitFits(p domain.ManagedPosition) func(domain.ExchangeOrder) bool {
	return func(o domain.ExchangeOrder) bool {
		return o.Type == domain.OrderTypeTakeProfit &&
			o.ReduceOnly &&
			o.Symbol == p.Symbol &&
			o.Side == p.Side.ExitOrderSide() &&
			o.Quantity.Equal(p.Quantity)
	}
}
