package brain

import (
	"encoding/json"
	"math"
	"math/rand/v2"
)

// MinIterations is the floor on simulation trials.
const MinIterations = 10000

// VarianceSentinel replaces the variance when no simulation could run. It exceeds
// any finite veto threshold.
var VarianceSentinel = math.Inf(1)

// Outcome summarises a simulated return distribution per unit of stake.
type Outcome struct {
	WinRate       float64 `json:"win_rate"`
	ExpectedValue float64 `json:"expected_value"`
	Variance      float64 `json:"variance"`
	Iterations    int     `json:"iterations"`
	Skipped       bool    `json:"skipped"`
}

// MarshalJSON writes a non-finite variance as null.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	var variance *float64
	if !math.IsInf(o.Variance, 0) && !math.IsNaN(o.Variance) {
		variance = &o.Variance
	}
	return json.Marshal(struct {
		plain
		Variance *float64 `json:"variance"`
	}{plain(o), variance})
}

// skippedOutcome is used when the estimate is unusable.
func skippedOutcome() Outcome {
	return Outcome{Variance: VarianceSentinel, Skipped: true}
}

type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

func (w *welford) variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count-1)
}

// simulate draws iterations binary outcomes of a contract bought at price that pays
// 1 with probability win. A win returns (1-price)/price per unit stake, a loss -1.
func simulate(rng *rand.Rand, win, price float64, iterations int) Outcome {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	if price <= 0 || price >= 1 {
		return skippedOutcome()
	}
	payoff := (1 - price) / price

	var w welford
	wins := 0
	for i := 0; i < iterations; i++ {
		if rng.Float64() < win {
			wins++
			w.add(payoff)
		} else {
			w.add(-1)
		}
	}
	return Outcome{
		WinRate:       float64(wins) / float64(iterations),
		ExpectedValue: w.mean,
		Variance:      w.variance(),
		Iterations:    iterations,
	}
}
