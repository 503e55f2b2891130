package models

import "time"

// EventKind classifies stream events.
type EventKind string

const (
	EventLog      EventKind = "log"
	EventState    EventKind = "state"
	EventError    EventKind = "error"
	EventVault    EventKind = "vault"
	EventCycle    EventKind = "cycle"
	EventDecision EventKind = "decision"
	EventOrder    EventKind = "order"
)

// Event is one entry of the observability stream. Seq is strictly increasing.
type Event struct {
	Seq     uint64    `json:"seq"`
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// LogLine is the payload of an EventLog event.
type LogLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
