// Package hand executes approved signals: it reserves funds in the vault, places the
// order on the venue and settles the reservation with the fill.
package hand

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradeloop/internal/dispatcher"
	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/metrics"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/synapse"
	"github.com/rewired-gh/tradeloop/internal/vault"
	"github.com/rewired-gh/tradeloop/internal/venue"
)

// Exchange is the trading venue.
type Exchange interface {
	PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error)
	GetOrderbook(ctx context.Context, symbol string) (venue.Orderbook, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Queue is the execution channel.
type Queue interface {
	PopSignal(ctx context.Context) (models.ExecutionSignal, error)
	UpdateSignal(ctx context.Context, id string, from, to models.SignalStatus, reason, venueOrderID string) error
}

// Reserver holds and settles funds.
type Reserver interface {
	Reserve(ctx context.Context, cycleID, signalID string, amount decimal.Decimal) (models.Reservation, error)
	Release(ctx context.Context, reservationID string) error
	Confirm(ctx context.Context, reservationID string, realizedPnL decimal.Decimal) error
	Settle(ctx context.Context, pnl decimal.Decimal) error
}

// CycleGate reports whether a cycle is running, with its context and id.
type CycleGate interface {
	Active() (context.Context, string, bool)
}

// Publisher receives order outcomes for the event stream.
type Publisher interface {
	Publish(kind models.EventKind, payload any) models.Event
}

// Config holds executor tuning.
type Config struct {
	OrderTimeout time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		OrderTimeout: 5 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// Result describes how one signal ended.
type Result struct {
	SignalID      string              `json:"signal_id"`
	CycleID       string              `json:"cycle_id"`
	Symbol        string              `json:"symbol"`
	Status        models.SignalStatus `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	ReservationID string              `json:"reservation_id,omitempty"`
	Order         *venue.OrderResult  `json:"order,omitempty"`
}

// Executor is the hand.
type Executor struct {
	cfg       Config
	exchange  Exchange
	queue     Queue
	vault     Reserver
	raiser    dispatcher.Raiser
	publisher Publisher
}

// New creates an executor.
func New(cfg Config, exchange Exchange, queue Queue, reserver Reserver, raiser dispatcher.Raiser) *Executor {
	def := DefaultConfig()
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Executor{cfg: cfg, exchange: exchange, queue: queue, vault: reserver, raiser: raiser}
}

// SetPublisher attaches the event stream.
func (e *Executor) SetPublisher(p Publisher) {
	e.publisher = p
}

// ProcessNext executes the next pending signal. It returns synapse.ErrEmpty when
// none is pending. Refusals and venue failures are outcomes, not errors.
func (e *Executor) ProcessNext(ctx context.Context, cycleID string) (Result, error) {
	sig, err := e.queue.PopSignal(ctx)
	if err != nil {
		return Result{}, err
	}
	if sig.CycleID == "" {
		sig.CycleID = cycleID
	}
	r := Result{SignalID: sig.ID, CycleID: sig.CycleID, Symbol: sig.Symbol}

	// A claimed signal is finished even when the caller's cycle is cancelled.
	bg := context.WithoutCancel(ctx)

	res, err := e.vault.Reserve(ctx, sig.CycleID, sig.ID, sig.Size)
	if err != nil {
		if !isRefusal(err) {
			e.raise(bg, models.SeverityError, fmt.Sprintf("reserve for signal %s failed: %v", sig.ID, err))
		}
		return e.finish(bg, r, models.SignalCancelled, err.Error(), "")
	}
	r.ReservationID = res.ID

	// Nothing has been sent yet, so a cancel that landed during Reserve stops the order.
	if ctx.Err() != nil {
		if rerr := e.vault.Release(bg, res.ID); rerr != nil && !errors.Is(rerr, vault.ErrAlreadySettled) {
			logger.Error("Failed to release reservation %s: %v", res.ID, rerr)
		}
		return e.finish(bg, r, models.SignalCancelled, "cycle cancelled", "")
	}

	orderCtx, cancel := context.WithTimeout(bg, e.cfg.OrderTimeout)
	order, err := e.exchange.PlaceOrder(orderCtx, venue.OrderRequest{
		ClientOrderID: sig.ID,
		Symbol:        sig.Symbol,
		Action:        sig.Action,
		Side:          sig.Side,
		Price:         sig.Price,
		Size:          sig.Size,
	})
	cancel()
	if err != nil {
		if rerr := e.vault.Release(bg, res.ID); rerr != nil && !errors.Is(rerr, vault.ErrAlreadySettled) {
			logger.Error("Failed to release reservation %s: %v", res.ID, rerr)
		}
		e.raiseOrderFailure(bg, sig, err)
		return e.finish(bg, r, models.SignalFailed, err.Error(), "")
	}
	r.Order = &order

	if err := e.vault.Confirm(bg, res.ID, order.CashDelta); err != nil {
		if !errors.Is(err, vault.ErrAlreadySettled) {
			e.raise(bg, models.SeverityCritical, fmt.Sprintf("fill %s for signal %s could not be booked: %v", order.OrderID, sig.ID, err))
			return e.finish(bg, r, models.SignalCompleted, "fill not booked", order.OrderID)
		}
		// The cycle was cancelled while the order was in flight.
		if serr := e.vault.Settle(bg, order.CashDelta); serr != nil {
			e.raise(bg, models.SeverityCritical, fmt.Sprintf("late fill %s for signal %s could not be booked: %v", order.OrderID, sig.ID, serr))
		} else {
			e.raise(bg, models.SeverityWarning, fmt.Sprintf("fill %s for signal %s arrived after its reservation was released; booked %s",
				order.OrderID, sig.ID, order.CashDelta))
		}
	}
	return e.finish(bg, r, models.SignalCompleted, "", order.OrderID)
}

// Run executes signals while the gate reports an active cycle.
func (e *Executor) Run(ctx context.Context, gate CycleGate) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if cctx, cycleID, ok := gate.Active(); ok {
			e.drain(cctx, cycleID)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Executor) drain(ctx context.Context, cycleID string) {
	for ctx.Err() == nil {
		_, err := e.ProcessNext(ctx, cycleID)
		switch {
		case err == nil:
			continue
		case errors.Is(err, synapse.ErrEmpty), ctx.Err() != nil:
			return
		default:
			logger.Error("Executor: %v", err)
			e.raise(ctx, models.SeverityError, err.Error())
			return
		}
	}
}

func (e *Executor) finish(ctx context.Context, r Result, status models.SignalStatus, reason, orderID string) (Result, error) {
	r.Status = status
	r.Reason = reason
	if err := e.queue.UpdateSignal(ctx, r.SignalID, models.SignalExecuting, status, reason, orderID); err != nil {
		return r, fmt.Errorf("failed to record signal %s as %s: %w", r.SignalID, status, err)
	}
	metrics.OrdersTotal.WithLabelValues(string(status)).Inc()
	switch status {
	case models.SignalCompleted:
		logger.Info("Signal %s (%s) completed: order %s", r.SignalID, r.Symbol, orderID)
	default:
		logger.Warn("Signal %s (%s) %s: %s", r.SignalID, r.Symbol, status, reason)
	}
	if e.publisher != nil {
		e.publisher.Publish(models.EventOrder, r)
	}
	return r, nil
}

func (e *Executor) raiseOrderFailure(ctx context.Context, sig models.ExecutionSignal, err error) {
	switch {
	case errors.Is(err, venue.ErrRejected), errors.Is(err, venue.ErrInsufficientCash), errors.Is(err, venue.ErrInvalidOrderInput):
		e.raise(ctx, models.SeverityWarning, fmt.Sprintf("order for signal %s rejected: %v", sig.ID, err))
	case errors.Is(err, context.DeadlineExceeded):
		// The venue may still have filled it; the next balance sync reconciles.
		e.raise(ctx, models.SeverityError, fmt.Sprintf("order for signal %s timed out, outcome unknown", sig.ID))
	default:
		e.raise(ctx, models.SeverityError, fmt.Sprintf("order for signal %s failed: %v", sig.ID, err))
	}
}

func (e *Executor) raise(ctx context.Context, severity models.Severity, msg string) {
	if _, err := e.raiser.Raise(ctx, severity, dispatcher.DomainHand, msg); err != nil {
		logger.Error("Failed to record executor error: %v", err)
	}
}

func isRefusal(err error) bool {
	for _, target := range []error{
		vault.ErrLocked, vault.ErrBelowFloor, vault.ErrInsufficientFunds,
		vault.ErrHouseMoney, vault.ErrCycleClosed, vault.ErrInvalidAmount,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
