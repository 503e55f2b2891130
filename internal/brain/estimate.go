package brain

import (
	"context"
	"fmt"
	"math"

	"github.com/rewired-gh/tradeloop/internal/models"
)

// Estimate is an external view of an opportunity. Probability is the chance of the
// YES outcome; nil means no usable estimate.
type Estimate struct {
	Confidence  float64  `json:"confidence"`
	Probability *float64 `json:"probability,omitempty"`
}

// Valid reports whether the estimate can drive a simulation.
func (e Estimate) Valid() bool {
	return e.Confidence > 0 && e.Probability != nil
}

// failed is what every estimation failure resolves to.
var failed = Estimate{Confidence: 0, Probability: nil}

// Estimator produces an Estimate for an opportunity. It may fail or hang; the engine
// bounds every call.
type Estimator interface {
	Estimate(ctx context.Context, opp models.Opportunity) (Estimate, error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context, opp models.Opportunity) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context, opp models.Opportunity) (Estimate, error) {
	return f(ctx, opp)
}

// callEstimator runs the estimator in its own goroutine so a call that ignores its
// context still cannot outlive ctx. Errors, panics and out-of-range values all
// collapse to the failed estimate and are returned as the second value.
func callEstimator(ctx context.Context, est Estimator, opp models.Opportunity) (Estimate, error) {
	type result struct {
		est Estimate
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("estimator panicked: %v", r)}
			}
		}()
		e, err := est.Estimate(ctx, opp)
		ch <- result{est: e, err: err}
	}()

	select {
	case <-ctx.Done():
		return failed, fmt.Errorf("estimator: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return failed, r.err
		}
		if err := checkEstimate(r.est); err != nil {
			return failed, err
		}
		return r.est, nil
	}
}

func checkEstimate(e Estimate) error {
	if math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", e.Confidence)
	}
	if e.Probability != nil {
		p := *e.Probability
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("probability %v out of range [0,1]", p)
		}
	}
	return nil
}
