package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// SignalStatus tracks the lifecycle of an execution signal.
type SignalStatus string

const (
	SignalPending   SignalStatus = "pending"
	SignalExecuting SignalStatus = "executing"
	SignalCompleted SignalStatus = "completed"
	SignalFailed    SignalStatus = "failed"
	SignalCancelled SignalStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalCompleted, SignalFailed, SignalCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s may move to next.
func (s SignalStatus) CanTransition(next SignalStatus) bool {
	switch s {
	case SignalPending:
		return next == SignalExecuting || next == SignalCancelled
	case SignalExecuting:
		return next.Terminal()
	default:
		return false
	}
}

// ExecutionSignal is an approved, sized trade decision awaiting order placement.
// OpportunityID is a back-reference only.
type ExecutionSignal struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	OpportunityID string          `json:"opportunity_id"`
	CycleID       string          `json:"cycle_id"`
	Symbol        string          `json:"symbol"`
	Action        Action          `json:"action"`
	Side          Side            `json:"side"`
	Price         float64         `json:"price"`
	Confidence    float64         `json:"confidence"`
	ExpectedValue float64         `json:"expected_value"`
	Variance      float64         `json:"variance"`
	WinRate       float64         `json:"win_rate"`
	Size          decimal.Decimal `json:"size"`
	Priority      int             `json:"priority"`
	Status        SignalStatus    `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate checks execution signal field constraints.
func (s *ExecutionSignal) Validate() error {
	if s.ID == "" {
		return errors.New("signal ID must not be empty")
	}
	if s.OpportunityID == "" {
		return errors.New("signal opportunity ID must not be empty")
	}
	if s.Action != ActionBuy && s.Action != ActionSell {
		return errors.New("signal action must be buy or sell")
	}
	if s.Side != SideYes && s.Side != SideNo {
		return errors.New("signal side must be yes or no")
	}
	if s.Confidence < 0.0 || s.Confidence > 1.0 {
		return errors.New("signal confidence must be between 0.0 and 1.0")
	}
	if !s.Size.IsPositive() {
		return errors.New("signal size must be positive")
	}
	return nil
}
