// Package venue talks to the trading venue: order placement, order books and balance.
package venue

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradeloop/internal/models"
)

var (
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrInsufficientCash  = errors.New("insufficient cash")
	ErrRejected          = errors.New("order rejected")
	ErrInvalidOrderInput = errors.New("invalid order")
)

// Order statuses reported by the venue.
const (
	OrderFilled   = "filled"
	OrderRejected = "rejected"
)

// OrderRequest is one limit order for a binary contract.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Action        models.Action   `json:"action"`
	Side          models.Side     `json:"side"`
	Price         float64         `json:"price"`
	Size          decimal.Decimal `json:"size"`
}

// Validate checks order field constraints.
func (r OrderRequest) Validate() error {
	if r.ClientOrderID == "" || r.Symbol == "" {
		return errors.Join(ErrInvalidOrderInput, errors.New("client order id and symbol are required"))
	}
	if r.Price <= 0 || r.Price >= 1 {
		return errors.Join(ErrInvalidOrderInput, errors.New("price must be strictly between 0 and 1"))
	}
	if !r.Size.IsPositive() {
		return errors.Join(ErrInvalidOrderInput, errors.New("size must be positive"))
	}
	return nil
}

// OrderResult is the venue's answer to an order. CashDelta is the change in account
// cash caused by the fill, negative when funds were spent.
type OrderResult struct {
	OrderID    string          `json:"order_id"`
	Status     string          `json:"status"`
	FilledSize decimal.Decimal `json:"filled_size"`
	AvgPrice   float64         `json:"avg_price"`
	Fee        decimal.Decimal `json:"fee"`
	CashDelta  decimal.Decimal `json:"cash_delta"`
}

// Level is one price level of an order book.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook holds the YES side book of a binary market.
type Orderbook struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint of the best bid and ask, which is the market-implied
// probability of YES. It falls back to a single side when the other is empty.
func (b Orderbook) Mid() (float64, bool) {
	bid, hasBid := best(b.Bids, true)
	ask, hasAsk := best(b.Asks, false)
	switch {
	case hasBid && hasAsk:
		return (bid + ask) / 2, true
	case hasBid:
		return bid, true
	case hasAsk:
		return ask, true
	default:
		return 0, false
	}
}

func best(levels []Level, highest bool) (float64, bool) {
	found := false
	var out float64
	for _, l := range levels {
		if l.Size <= 0 {
			continue
		}
		if !found || (highest && l.Price > out) || (!highest && l.Price < out) {
			out = l.Price
			found = true
		}
	}
	return out, found
}
