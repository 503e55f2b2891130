package models

import (
	"time"
)

// Phase is a cycle orchestrator state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseAuthorizing Phase = "authorizing"
	PhaseRunning     Phase = "running"
	PhaseDraining    Phase = "draining"
	PhaseHalted      Phase = "halted"
)

type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// CycleState is owned by the orchestrator and reset at cycle boundaries.
type CycleState struct {
	CycleID         string    `json:"cycle_id"`
	Phase           Phase     `json:"phase"`
	Trigger         Trigger   `json:"trigger"`
	StartedAt       time.Time `json:"started_at"`
	CompletedPhases []Phase   `json:"completed_phases"`
}

// SensorState is the sensor's running statistics for one symbol.
type SensorState struct {
	Symbol string

	WelfordCount int
	WelfordMean  float64
	WelfordM2    float64

	LastPrice float64
	LastSigma float64

	UpdatedAt time.Time
}
