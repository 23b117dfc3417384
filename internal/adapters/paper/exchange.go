// Package paper is an in-memory exchange for dry runs and tests. It keeps
// positions and resting orders, fills market orders at a mark price and
// deduplicates submissions by client order id like a real venue does.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/shopspring/decimal"
)

var defaultMark = decimal.NewFromInt(100)

// Exchange implements ports.Exchange in memory.
type Exchange struct {
	mu        sync.Mutex
	seq       int
	positions map[string]domain.ExchangePosition
	orders    map[string]domain.ExchangeOrder // open orders by order id
	byClient  map[string]domain.OrderResult   // every submission by client order id
	marks     map[string]decimal.Decimal
	faults    map[string][]error // queued errors per op
	submits   int
	now       func() time.Time
}

func New() *Exchange {
	return &Exchange{
		positions: make(map[string]domain.ExchangePosition),
		orders:    make(map[string]domain.ExchangeOrder),
		byClient:  make(map[string]domain.OrderResult),
		marks:     make(map[string]decimal.Decimal),
		faults:    make(map[string][]error),
		now:       time.Now,
	}
}

// Op names accepted by InjectErrors.
const (
	OpSubmit        = "submit"
	OpCancel        = "cancel"
	OpListPositions = "list_positions"
	OpListOrders    = "list_orders"
)

// InjectErrors queues errors returned by the next calls of op, one per call.
func (e *Exchange) InjectErrors(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = append(e.faults[op], errs...)
}

func (e *Exchange) fault(op string) error {
	q := e.faults[op]
	if len(q) == 0 {
		return nil
	}
	e.faults[op] = q[1:]
	return q[0]
}

// SetPrice sets the mark price market orders fill at.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = price
}

// SetPosition places a position directly, as if opened outside this process.
func (e *Exchange) SetPosition(p domain.ExchangePosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[p.Symbol] = p
}

// RemovePosition flattens symbol without touching its orders, as a
// liquidation or manual close on the venue would.
func (e *Exchange) RemovePosition(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, symbol)
}

// AddOpenOrder rests an order directly and returns its id.
func (e *Exchange) AddOpenOrder(o domain.ExchangeOrder) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.OrderID == "" {
		o.OrderID = e.nextID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = e.now().UTC()
	}
	e.orders[o.OrderID] = o
	return o.OrderID
}

// SubmitCount returns how many submissions actually created an order.
func (e *Exchange) SubmitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits
}

func (e *Exchange) nextID() string {
	e.seq++
	return fmt.Sprintf("paper-%06d", e.seq)
}

func (e *Exchange) mark(symbol string) decimal.Decimal {
	if p, ok := e.marks[symbol]; ok {
		return p
	}
	return defaultMark
}

func (e *Exchange) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, err
	}
	if err := e.fault(OpSubmit); err != nil {
		return domain.OrderResult{}, err
	}
	if req.ClientOrderID != "" {
		if prev, ok := e.byClient[req.ClientOrderID]; ok {
			return prev, nil
		}
	}
	if !req.Quantity.IsPositive() {
		return domain.OrderResult{}, domain.NewFatal("submit", 400, fmt.Errorf("invalid quantity %s", req.Quantity))
	}

	res := domain.OrderResult{OrderID: e.nextID(), ClientOrderID: req.ClientOrderID}
	switch req.Type {
	case domain.OrderTypeMarket:
		if req.ReduceOnly && !e.reduces(req) {
			res.Status = domain.OrderStatusRejected
			res.Reason = "reduce-only order would open a position"
			break
		}
		price := e.mark(req.Symbol)
		e.fill(req, price)
		res.Status = domain.OrderStatusFilled
		res.FilledQuantity = req.Quantity
		res.AvgPrice = price
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfit:
		e.orders[res.OrderID] = domain.ExchangeOrder{
			OrderID:       res.OrderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Quantity:      req.Quantity,
			StopPrice:     req.StopPrice,
			ReduceOnly:    req.ReduceOnly,
			CreatedAt:     e.now().UTC(),
		}
		res.Status = domain.OrderStatusNew
	default:
		return domain.OrderResult{}, domain.NewFatal("submit", 400, fmt.Errorf("unsupported order type %q", req.Type))
	}

	e.submits++
	if req.ClientOrderID != "" {
		e.byClient[req.ClientOrderID] = res
	}
	return res, nil
}

func (e *Exchange) reduces(req domain.OrderRequest) bool {
	p, ok := e.positions[req.Symbol]
	return ok && p.Side.ExitOrderSide() == req.Side
}

// fill applies a market order to the position book.
func (e *Exchange) fill(req domain.OrderRequest, price decimal.Decimal) {
	p, ok := e.positions[req.Symbol]
	if !ok {
		side := domain.SideLong
		if req.Side == domain.OrderSideSell {
			side = domain.SideShort
		}
		e.positions[req.Symbol] = domain.ExchangePosition{
			Symbol: req.Symbol, Side: side, Quantity: req.Quantity, EntryPrice: price,
		}
		return
	}

	if p.Side.EntryOrderSide() == req.Side {
		total := p.Quantity.Add(req.Quantity)
		p.EntryPrice = p.EntryPrice.Mul(p.Quantity).Add(price.Mul(req.Quantity)).Div(total)
		p.Quantity = total
		e.positions[req.Symbol] = p
		return
	}

	remaining := p.Quantity.Sub(req.Quantity)
	switch {
	case remaining.IsPositive():
		p.Quantity = remaining
		e.positions[req.Symbol] = p
	case remaining.IsZero() || req.ReduceOnly:
		delete(e.positions, req.Symbol)
	default:
		e.positions[req.Symbol] = domain.ExchangePosition{
			Symbol: req.Symbol, Side: p.Side.Opposite(), Quantity: remaining.Neg(), EntryPrice: price,
		}
	}
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.fault(OpCancel); err != nil {
		return err
	}
	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol {
		return domain.NewNotFound("cancel", fmt.Errorf("order %s", orderID))
	}
	delete(e.orders, orderID)
	return nil
}

func (e *Exchange) ListPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.fault(OpListPositions); err != nil {
		return nil, err
	}
	out := make([]domain.ExchangePosition, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (e *Exchange) ListOpenOrders(ctx context.Context) ([]domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.fault(OpListOrders); err != nil {
		return nil, err
	}
	out := make([]domain.ExchangeOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
