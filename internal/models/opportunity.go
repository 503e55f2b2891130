// Package models defines the core domain entities: opportunities, execution signals,
// vault state, error records and cycle state.
package models

import (
	"errors"
	"time"
)

// Opportunity is a candidate market observation awaiting a trade decision.
// ObservedPrice is the market-implied probability of the YES outcome.
type Opportunity struct {
	ID            string            `json:"id"`
	Seq           int64             `json:"seq"`
	CycleID       string            `json:"cycle_id"`
	Symbol        string            `json:"symbol"`
	ObservedPrice float64           `json:"observed_price"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Source        string            `json:"source"`
	Priority      int               `json:"priority"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// Validate checks opportunity field constraints.
func (o *Opportunity) Validate() error {
	if o.ID == "" {
		return errors.New("opportunity ID must not be empty")
	}
	if o.Symbol == "" {
		return errors.New("opportunity symbol must not be empty")
	}
	if o.ObservedPrice <= 0.0 || o.ObservedPrice >= 1.0 {
		return errors.New("observed price must be strictly between 0.0 and 1.0")
	}
	if o.ExpiresAt.IsZero() {
		return errors.New("expires at must be set")
	}
	if !o.EnqueuedAt.IsZero() && o.ExpiresAt.Before(o.EnqueuedAt) {
		return errors.New("expires at must be >= enqueued at")
	}
	return nil
}

// Expired reports whether the opportunity is stale at now.
func (o *Opportunity) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
