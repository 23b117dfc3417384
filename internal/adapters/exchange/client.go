// Package exchange is the REST adapter for a live venue. It implements
// ports.Exchange over a signed JSON API.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 10 * time.Second

	// Venue allows 20 req/s per key; stay at 60%.
	defaultRatePerSec = 12
	defaultBurst      = 6
)

// Client talks to the venue REST API. It makes a single attempt per call;
// retries belong to the gateway, which sees the classified error.
type Client struct {
	http    *http.Client
	base    string
	signer  *signer
	limiter *rate.Limiter
}

// Option tunes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRate overrides the client-side rate limit.
func WithRate(perSec float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

// WithClock fixes the timestamp used in request signatures.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.signer.now = now }
}

// NewClient builds a Client for baseURL signed with the given credentials.
func NewClient(baseURL, apiKey, secret string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		base:    strings.TrimRight(baseURL, "/"),
		signer:  newSigner(apiKey, secret),
		limiter: rate.NewLimiter(defaultRatePerSec, defaultBurst),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type orderBody struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          domain.OrderSide `json:"side"`
	Type          domain.OrderType `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	ReduceOnly    bool             `json:"reduce_only"`
}

type orderAck struct {
	OrderID        string             `json:"order_id"`
	ClientOrderID  string             `json:"client_order_id"`
	Status         domain.OrderStatus `json:"status"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
	AvgPrice       decimal.Decimal    `json:"avg_price"`
	Reason         string             `json:"reason"`
}

type positionRow struct {
	Symbol     string          `json:"symbol"`
	Side       domain.Side     `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

type openOrderRow struct {
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          domain.OrderSide `json:"side"`
	Type          domain.OrderType `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	StopPrice     decimal.Decimal  `json:"stop_price"`
	ReduceOnly    bool             `json:"reduce_only"`
	CreatedAtMs   int64            `json:"created_at"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder posts an order. A 409 means the client order id was already
// used; the body then carries the original acknowledgement. 400 and 422
// are business rejections and come back as a rejected result, not an error.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	const op = "submit_order"
	body := orderBody{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
	}
	if !req.StopPrice.IsZero() {
		sp := req.StopPrice
		body.StopPrice = &sp
	}

	var ack orderAck
	status, raw, err := c.do(ctx, op, http.MethodPost, "/api/v1/orders", body)
	if err != nil {
		return domain.OrderResult{}, err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated || status == http.StatusConflict:
		if err := json.Unmarshal(raw, &ack); err != nil {
			return domain.OrderResult{}, domain.NewFatal(op, status, fmt.Errorf("decode response: %w", err))
		}
		if status == http.StatusConflict {
			slog.Info("exchange: client order id already used", "client_order_id", req.ClientOrderID, "order_id", ack.OrderID)
		}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return domain.OrderResult{
			ClientOrderID: req.ClientOrderID,
			Status:        domain.OrderStatusRejected,
			Reason:        errorMessage(raw),
		}, nil
	default:
		return domain.OrderResult{}, classifyStatus(op, status, raw)
	}

	if ack.ClientOrderID == "" {
		ack.ClientOrderID = req.ClientOrderID
	}
	return domain.OrderResult{
		OrderID:        ack.OrderID,
		ClientOrderID:  ack.ClientOrderID,
		Status:         ack.Status,
		FilledQuantity: ack.FilledQuantity,
		AvgPrice:       ack.AvgPrice,
		Reason:         ack.Reason,
	}, nil
}

// CancelOrder deletes one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	const op = "cancel_order"
	path := "/api/v1/orders/" + url.PathEscape(orderID) + "?symbol=" + url.QueryEscape(symbol)
	status, raw, err := c.do(ctx, op, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return classifyStatus(op, status, raw)
	}
	return nil
}

// ListPositions returns every non-flat position on the account.
func (c *Client) ListPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	const op = "list_positions"
	var resp struct {
		Positions []positionRow `json:"positions"`
	}
	if err := c.getJSON(ctx, op, "/api/v1/positions", &resp); err != nil {
		return nil, err
	}
	out := make([]domain.ExchangePosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		out = append(out, domain.ExchangePosition{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Quantity:   p.Quantity,
			EntryPrice: p.EntryPrice,
		})
	}
	return out, nil
}

// ListOpenOrders returns every resting order, stops included.
func (c *Client) ListOpenOrders(ctx context.Context) ([]domain.ExchangeOrder, error) {
	const op = "list_open_orders"
	var resp struct {
		Orders []openOrderRow `json:"orders"`
	}
	if err := c.getJSON(ctx, op, "/api/v1/orders", &resp); err != nil {
		return nil, err
	}
	out := make([]domain.ExchangeOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, domain.ExchangeOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Type:          o.Type,
			Quantity:      o.Quantity,
			StopPrice:     o.StopPrice,
			ReduceOnly:    o.ReduceOnly,
			CreatedAt:     time.UnixMilli(o.CreatedAtMs).UTC(),
		})
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	status, raw, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return classifyStatus(op, status, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.NewFatal(op, status, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// do sends one signed request and returns the status and body. Transport
// failures come back as transient errors; HTTP statuses are left to the caller.
func (c *Client) do(ctx context.Context, op, method, path string, reqBody any) (int, []byte, error) {
	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, nil, domain.NewFatal(op, 0, fmt.Errorf("marshal: %w", err))
		}
		payload = b
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, domain.NewTransient(op, 0, fmt.Errorf("rate limiter: %w", err))
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, domain.NewFatal(op, 0, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.signer.sign(req, path, payload)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, domain.NewTransient(op, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, domain.NewTransient(op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn("exchange: rate limited by venue", "op", op)
	}
	return resp.StatusCode, raw, nil
}

// classifyStatus maps a non-success HTTP status to an exchange error.
func classifyStatus(op string, status int, raw []byte) error {
	msg := errors.New(errorMessage(raw))
	switch {
	case status == http.StatusNotFound:
		return domain.NewNotFound(op, msg)
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return domain.NewTransient(op, status, msg)
	default:
		return domain.NewFatal(op, status, msg)
	}
}

func errorMessage(raw []byte) string {
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		if e.Code != "" {
			return e.Code + ": " + e.Message
		}
		return e.Message
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "empty response"
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
