package storage

import (
	"context"
	"fmt"

	"github.com/rewired-gh/tradeloop/internal/models"
)

// SaveSensorState upserts the running statistics for one symbol.
func (s *Storage) SaveSensorState(ctx context.Context, state *models.SensorState) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO sensor_state
				(symbol, welford_count, welford_mean, welford_m2, last_price, last_sigma, updated_at)
			VALUES (?,?,?,?,?,?,?)`,
			state.Symbol, state.WelfordCount, state.WelfordMean, state.WelfordM2,
			state.LastPrice, state.LastSigma, toNano(state.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save sensor state: %w", err)
		}
		return nil
	})
}

// LoadSensorStates returns every persisted symbol state keyed by symbol.
func (s *Storage) LoadSensorStates(ctx context.Context) (map[string]*models.SensorState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, welford_count, welford_mean, welford_m2, last_price, last_sigma, updated_at
		FROM sensor_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*models.SensorState)
	for rows.Next() {
		var state models.SensorState
		var updatedAtNano int64
		err := rows.Scan(
			&state.Symbol, &state.WelfordCount, &state.WelfordMean, &state.WelfordM2,
			&state.LastPrice, &state.LastSigma, &updatedAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sensor state: %w", err)
		}
		state.UpdatedAt = fromNano(updatedAtNano)
		states[state.Symbol] = &state
	}
	return states, rows.Err()
}
