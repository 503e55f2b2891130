package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders error records; higher is worse.
type Severity int

const (
	SeverityWarning Severity = iota + 1
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity maps a severity name to its value.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity: %q", s)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ErrorRecord is a classified failure raised by any component.
type ErrorRecord struct {
	ID         string    `json:"id"`
	Severity   Severity  `json:"severity"`
	Domain     string    `json:"domain"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}
