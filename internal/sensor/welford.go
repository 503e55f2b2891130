package sensor

import (
	"math"

	"github.com/rewired-gh/tradeloop/internal/models"
)

const (
	Epsilon = 1e-9
	// DefaultSigma is used until two moves have been observed.
	DefaultSigma = 0.01
)

// updateWelford folds one price move into the running mean and M2.
func updateWelford(state *models.SensorState, move float64) {
	state.WelfordCount++
	delta := move - state.WelfordMean
	state.WelfordMean += delta / float64(state.WelfordCount)
	delta2 := move - state.WelfordMean
	state.WelfordM2 += delta * delta2
}

// sigma is the sample standard deviation of moves, floored at minSigma.
func sigma(state *models.SensorState, minSigma float64) float64 {
	if state.WelfordCount < 2 {
		return math.Max(DefaultSigma, minSigma)
	}
	variance := state.WelfordM2 / float64(state.WelfordCount-1)
	return math.Max(math.Sqrt(variance), minSigma)
}

// hellinger is the Hellinger distance between two Bernoulli distributions.
func hellinger(p0, p1 float64) float64 {
	bc := math.Sqrt(p1*p0) + math.Sqrt((1-p1)*(1-p0))
	return math.Sqrt(math.Max(0, 1-bc))
}
