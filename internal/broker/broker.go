// Package broker defines the market-data and order-routing collaborators the
// engine depends on, plus a paper implementation and a guarded wrapper.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/market"
)

var (
	// ErrRejected is a definitive refusal by the broker; never retried.
	ErrRejected = errors.New("order rejected")
	// ErrTimeout means the broker did not answer in time. The order may or
	// may not exist; the sync pass reconciles.
	ErrTimeout = errors.New("broker timeout")
	// ErrOrderNotFound is returned for an unknown order id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUnavailable is returned while the broker circuit is open.
	ErrUnavailable = errors.New("broker unavailable")
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderType string

const (
	Market       OrderType = "MARKET"
	Limit        OrderType = "LIMIT"
	TrailingStop OrderType = "TRAILING_STOP"
)

type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// OrderRequest is what the engine submits.
type OrderRequest struct {
	ClientOrderID   string    `json:"client_order_id"`
	StrategyID      string    `json:"strategy_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Type            OrderType `json:"type"`
	Quantity        int       `json:"quantity"`
	LimitPrice      float64   `json:"limit_price,omitempty"`
	TrailingPercent float64   `json:"trailing_percent,omitempty"`
}

// ReplaceRequest amends a resting order. Zero fields are left unchanged.
type ReplaceRequest struct {
	Quantity        int     `json:"quantity,omitempty"`
	LimitPrice      float64 `json:"limit_price,omitempty"`
	TrailingPercent float64 `json:"trailing_percent,omitempty"`
}

// Order is the broker's view of an order, also used as the actual-order
// record in backtest comparisons.
type Order struct {
	ID              string      `json:"id"`
	ClientOrderID   string      `json:"client_order_id"`
	StrategyID      string      `json:"strategy_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Type            OrderType   `json:"type"`
	Quantity        int         `json:"quantity"`
	LimitPrice      float64     `json:"limit_price,omitempty"`
	TrailingPercent float64     `json:"trailing_percent,omitempty"`
	Status          OrderStatus `json:"status"`
	FilledPrice     float64     `json:"filled_price,omitempty"`
	FilledQuantity  int         `json:"filled_quantity,omitempty"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	FilledAt        time.Time   `json:"filled_at,omitempty"`
}

func (o Order) Filled() bool { return o.Status == StatusFilled }

// Position is one open holding marked at the latest quote.
type Position struct {
	Symbol      string  `json:"symbol"`
	Quantity    int     `json:"quantity"`
	Multiplier  float64 `json:"multiplier"`
	MarketPrice float64 `json:"market_price"`
	MarketValue float64 `json:"market_value"`
}

// Balance is the account view. NetAssets is cash plus marked positions; a
// broker that cannot mark positions leaves it zero.
type Balance struct {
	Currency    string     `json:"currency"`
	Cash        float64    `json:"cash"`
	BuyingPower float64    `json:"buying_power"`
	NetAssets   float64    `json:"net_assets"`
	Positions   []Position `json:"positions,omitempty"`
}

// TotalCapital is net assets, falling back to cash.
func (b Balance) TotalCapital() float64 {
	if b.NetAssets > 0 {
		return b.NetAssets
	}
	return b.Cash
}

// TemperatureSource supplies the 0-100 market sentiment reading.
type TemperatureSource interface {
	GetMarketTemperature(ctx context.Context) (float64, error)
}

// QuoteProvider supplies market data. GetLatestQuote may return a nil quote
// with a nil error when nothing is available.
type QuoteProvider interface {
	GetLatestQuote(ctx context.Context, symbol string) (*market.Quote, error)
	GetCandles(ctx context.Context, symbol string, period market.Period, count int) ([]market.Candle, error)
	GetOptionChain(ctx context.Context, underlying string) ([]market.OptionContract, error)
}

// Broker routes orders.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) (Order, error)
	GetOrderHistory(ctx context.Context, from, to time.Time) ([]Order, error)
	GetAccountBalance(ctx context.Context) (Balance, error)
	SubmitTrailingStop(ctx context.Context, req OrderRequest) (Order, error)
}
