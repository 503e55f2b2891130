package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BookSource supplies order books to the paper exchange, e.g. a live Client.
type BookSource interface {
	GetOrderbook(ctx context.Context, symbol string) (Orderbook, error)
}

// Paper is an in-memory exchange that fills every valid order at its limit price.
type Paper struct {
	mu      sync.Mutex
	cash    decimal.Decimal
	feeRate decimal.Decimal
	books   map[string]Orderbook
	source  BookSource
	orders  []OrderResult
}

// NewPaper creates a paper exchange with starting cash. A nil source serves only
// books set with SetBook.
func NewPaper(cash, feeRate decimal.Decimal, source BookSource) *Paper {
	return &Paper{
		cash:    cash,
		feeRate: feeRate,
		books:   make(map[string]Orderbook),
		source:  source,
	}
}

// SetBook installs a static book for symbol.
func (p *Paper) SetBook(book Orderbook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if book.Timestamp.IsZero() {
		book.Timestamp = time.Now()
	}
	p.books[book.Symbol] = book
}

// PlaceOrder spends size plus fee from cash.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fee := req.Size.Mul(p.feeRate).Round(2)
	cost := req.Size.Add(fee)
	if cost.GreaterThan(p.cash) {
		return OrderResult{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, cost, p.cash)
	}
	p.cash = p.cash.Sub(cost)

	res := OrderResult{
		OrderID:    "paper-" + uuid.NewString(),
		Status:     OrderFilled,
		FilledSize: req.Size,
		AvgPrice:   req.Price,
		Fee:        fee,
		CashDelta:  cost.Neg(),
	}
	p.orders = append(p.orders, res)
	return res, nil
}

// GetOrderbook serves a static book first, then the source.
func (p *Paper) GetOrderbook(ctx context.Context, symbol string) (Orderbook, error) {
	p.mu.Lock()
	book, ok := p.books[symbol]
	source := p.source
	p.mu.Unlock()
	if ok {
		return book, nil
	}
	if source != nil {
		return source.GetOrderbook(ctx, symbol)
	}
	return Orderbook{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// GetBalance returns the paper cash.
func (p *Paper) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// Orders returns the fills so far.
func (p *Paper) Orders() []OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderResult(nil), p.orders...)
}
