package brain

import (
	"fmt"
	"math"
)

// Gate names reported in veto reasons and metrics.
const (
	GateConfidence    = "confidence"
	GateVariance      = "variance"
	GateExpectedValue = "expected_value"
	GateSize          = "size"
)

// Thresholds are the approval limits.
type Thresholds struct {
	MinConfidence    float64
	MaxVariance      float64
	MinExpectedValue float64
}

// DefaultThresholds are also the loosest limits the engine accepts.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinConfidence:    0.85,
		MaxVariance:      0.25,
		MinExpectedValue: 0,
	}
}

// tighten returns t with every limit at least as strict as the defaults.
func (t Thresholds) tighten() Thresholds {
	def := DefaultThresholds()
	return Thresholds{
		MinConfidence:    math.Max(t.MinConfidence, def.MinConfidence),
		MaxVariance:      math.Min(t.MaxVariance, def.MaxVariance),
		MinExpectedValue: math.Max(t.MinExpectedValue, def.MinExpectedValue),
	}
}

// Veto is one failed gate.
type Veto struct {
	Gate   string `json:"gate"`
	Reason string `json:"reason"`
}

// Evaluate checks every gate and returns all that failed. The conditions are written
// so NaN fails each of them.
func (t Thresholds) Evaluate(confidence, variance, expectedValue float64) []Veto {
	var vetoes []Veto
	if !(confidence >= t.MinConfidence) {
		vetoes = append(vetoes, Veto{GateConfidence,
			fmt.Sprintf("confidence %.4f below %.2f", confidence, t.MinConfidence)})
	}
	if !(variance <= t.MaxVariance) {
		vetoes = append(vetoes, Veto{GateVariance,
			fmt.Sprintf("variance %.4f above %.2f", variance, t.MaxVariance)})
	}
	if !(expectedValue > t.MinExpectedValue) {
		vetoes = append(vetoes, Veto{GateExpectedValue,
			fmt.Sprintf("expected value %.4f not above %.2f", expectedValue, t.MinExpectedValue)})
	}
	return vetoes
}
