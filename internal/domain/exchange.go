package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the side of an order on the exchange.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the subset of exchange order types this module sends.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeTakeProfit OrderType = "take_profit_market"
)

// OrderStatus is the exchange acknowledgement of a submitted order.
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusNew      OrderStatus = "new" // resting, live on the book
	OrderStatusRejected OrderStatus = "rejected"
)

// OrderRequest is what the gateway sends to the exchange capability.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	StopPrice     decimal.Decimal // zero for market orders
	ReduceOnly    bool
}

// OrderResult is the exchange response to an order submission.
type OrderResult struct {
	OrderID        string
	ClientOrderID  string
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	AvgPrice       decimal.Decimal
	Reason         string
}

// ExchangePosition is a position as the exchange reports it.
type ExchangePosition struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// ExchangeOrder is an open order as the exchange reports it.
type ExchangeOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	CreatedAt     time.Time
}

// IsProtective reports whether the order can only reduce a position.
func (o ExchangeOrder) IsProtective() bool {
	return o.ReduceOnly && (o.Type == OrderTypeStopMarket || o.Type == OrderTypeTakeProfit)
}

// Protects reports whether o is a live stop attached to the given
// symbol, side and quantity.
func (o ExchangeOrder) Protects(symbol string, side Side, qty decimal.Decimal) bool {
	return o.Type == OrderTypeStopMarket &&
		o.ReduceOnly &&
		o.Symbol == symbol &&
		o.Side == side.ExitOrderSide() &&
		o.Quantity.Equal(qty)
}
