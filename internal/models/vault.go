package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VaultState is the capital guard's persisted view of the bankroll.
type VaultState struct {
	Principal      decimal.Decimal `json:"principal"`
	ReservedFunds  decimal.Decimal `json:"reserved_funds"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	HardFloor      decimal.Decimal `json:"hard_floor"`
	IsLocked       bool            `json:"is_locked"`
	LockReason     string          `json:"lock_reason,omitempty"`
	HouseMoney     bool            `json:"house_money"`
	PeriodStart    time.Time       `json:"period_start"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CurrentBalance is principal plus realized profit (which may be negative).
func (v VaultState) CurrentBalance() decimal.Decimal {
	return v.Principal.Add(v.RealizedProfit)
}

// Available is the balance not held by outstanding reservations.
func (v VaultState) Available() decimal.Decimal {
	return v.CurrentBalance().Sub(v.ReservedFunds)
}

// AboveFloor reports whether the balance is at or above the hard floor.
func (v VaultState) AboveFloor() bool {
	return v.CurrentBalance().GreaterThanOrEqual(v.HardFloor)
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationReleased  ReservationStatus = "released"
	ReservationConfirmed ReservationStatus = "confirmed"
)

// Reservation is a hold on vault funds for one execution signal.
type Reservation struct {
	ID        string            `json:"id"`
	SignalID  string            `json:"signal_id"`
	CycleID   string            `json:"cycle_id"`
	Amount    decimal.Decimal   `json:"amount"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SettledAt time.Time         `json:"settled_at,omitempty"`
}
