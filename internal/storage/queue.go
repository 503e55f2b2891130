package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rewired-gh/tradeloop/internal/models"
)

// Item statuses shared by both queue tables. Signals additionally use the
// models.SignalStatus values, which are stored in the same column.
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusDone      = "done"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
	StatusAbandoned = "abandoned"
)

// ClaimResult reports what one claim transaction did.
type ClaimResult struct {
	Expired int
}

const opportunityCols = `seq, id, cycle_id, symbol, observed_price, metadata, source, priority,
	enqueued_at, expires_at`

// InsertOpportunity appends a pending opportunity and returns its sequence number.
func (s *Storage) InsertOpportunity(ctx context.Context, o *models.Opportunity) (int64, error) {
	meta := o.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var seq int64
	err = s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO opportunities
				(id, cycle_id, symbol, observed_price, metadata, source, priority,
				 status, enqueued_at, expires_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			o.ID, o.CycleID, o.Symbol, o.ObservedPrice, string(metaJSON), o.Source, o.Priority,
			StatusPending, toNano(o.EnqueuedAt), toNano(o.ExpiresAt),
		)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert opportunity: %w", err)
	}
	return seq, nil
}

// ClaimOpportunity atomically claims the highest-priority, oldest pending opportunity
// that has not expired at now. Expired heads are marked expired and skipped inside the
// same transaction. ErrNotFound means nothing deliverable was pending.
func (s *Storage) ClaimOpportunity(ctx context.Context, now time.Time) (models.Opportunity, ClaimResult, error) {
	var (
		opp    *models.Opportunity
		result ClaimResult
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		opp, result = nil, ClaimResult{}
		for {
			row := tx.QueryRowContext(ctx, `SELECT `+opportunityCols+` FROM opportunities
				WHERE status = ?
				ORDER BY priority DESC, enqueued_at ASC, seq ASC
				LIMIT 1`, StatusPending)
			o, err := scanOpportunity(row.Scan)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to select opportunity: %w", err)
			}

			if o.Expired(now) {
				if _, err := tx.ExecContext(ctx,
					`UPDATE opportunities SET status = ?, finished_at = ? WHERE seq = ? AND status = ?`,
					StatusExpired, toNano(now), o.Seq, StatusPending); err != nil {
					return fmt.Errorf("failed to expire opportunity: %w", err)
				}
				result.Expired++
				continue
			}

			res, err := tx.ExecContext(ctx,
				`UPDATE opportunities SET status = ?, claimed_at = ? WHERE seq = ? AND status = ?`,
				StatusClaimed, toNano(now), o.Seq, StatusPending)
			if err != nil {
				return fmt.Errorf("failed to claim opportunity: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("opportunity %d claimed concurrently", o.Seq)
			}
			opp = o
			return nil
		}
	})
	if err != nil {
		return models.Opportunity{}, ClaimResult{}, err
	}
	if opp == nil {
		return models.Opportunity{}, result, ErrNotFound
	}
	return *opp, result, nil
}

// ExpireOpportunities marks every pending opportunity that is stale at now.
func (s *Storage) ExpireOpportunities(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE opportunities SET status = ?, finished_at = ? WHERE status = ? AND expires_at < ?`,
			StatusExpired, toNano(now), StatusPending, toNano(now))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to expire opportunities: %w", err)
	}
	return int(n), nil
}

// FinishOpportunity moves a claimed opportunity to a final status.
func (s *Storage) FinishOpportunity(ctx context.Context, seq int64, status string) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE opportunities SET status = ?, finished_at = ? WHERE seq = ? AND status = ?`,
			status, time.Now().UnixNano(), seq, StatusClaimed)
		if err != nil {
			return fmt.Errorf("failed to finish opportunity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("opportunity %d is not claimed: %w", seq, ErrNotFound)
		}
		return nil
	})
}

// CountOpportunities counts opportunities in the given status.
func (s *Storage) CountOpportunities(ctx context.Context, status string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM opportunities WHERE status = ?`, status)
}

// CancelPendingOpportunities cancels pending opportunities of a cycle.
// An empty cycleID cancels every pending opportunity.
func (s *Storage) CancelPendingOpportunities(ctx context.Context, cycleID string) (int, error) {
	return s.cancelPending(ctx, "opportunities", cycleID)
}

// AbandonClaimedOpportunities marks opportunities claimed by a previous process.
func (s *Storage) AbandonClaimedOpportunities(ctx context.Context) (int, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE opportunities SET status = ?, finished_at = ? WHERE status = ?`,
			StatusAbandoned, time.Now().UnixNano(), StatusClaimed)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to abandon opportunities: %w", err)
	}
	return int(n), nil
}

const signalCols = `seq, id, opportunity_id, cycle_id, symbol, action, side, price, confidence,
	expected_value, variance, win_rate, size, priority, status, reason, venue_order_id,
	created_at, updated_at`

// InsertSignal appends a pending execution signal and returns its sequence number.
func (s *Storage) InsertSignal(ctx context.Context, sig *models.ExecutionSignal) (int64, error) {
	var seq int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO execution_signals
				(id, opportunity_id, cycle_id, symbol, action, side, price, confidence,
				 expected_value, variance, win_rate, size, priority, status, reason,
				 venue_order_id, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			sig.ID, sig.OpportunityID, sig.CycleID, sig.Symbol, string(sig.Action), string(sig.Side),
			sig.Price, sig.Confidence, sig.ExpectedValue, sig.Variance, sig.WinRate,
			sig.Size.String(), sig.Priority, string(models.SignalPending), sig.Reason,
			sig.VenueOrderID, toNano(sig.CreatedAt), toNano(sig.CreatedAt),
		)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert signal: %w", err)
	}
	return seq, nil
}

// ClaimSignal atomically moves the head pending signal to executing.
func (s *Storage) ClaimSignal(ctx context.Context, now time.Time) (models.ExecutionSignal, error) {
	var sig models.ExecutionSignal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+signalCols+` FROM execution_signals
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT 1`, string(models.SignalPending))
		got, err := scanSignal(row.Scan)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to select signal: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE execution_signals SET status = ?, updated_at = ? WHERE seq = ? AND status = ?`,
			string(models.SignalExecuting), toNano(now), got.Seq, string(models.SignalPending))
		if err != nil {
			return fmt.Errorf("failed to claim signal: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("signal %d claimed concurrently", got.Seq)
		}
		got.Status = models.SignalExecuting
		got.UpdatedAt = now
		sig = *got
		return nil
	})
	if err != nil {
		return models.ExecutionSignal{}, err
	}
	return sig, nil
}

// TransitionSignal moves a signal from one status to another, recording the reason
// and venue order id. It fails if the signal is not currently in from.
func (s *Storage) TransitionSignal(ctx context.Context, id string, from, to models.SignalStatus, reason, venueOrderID string) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE execution_signals
			SET status = ?, reason = ?, venue_order_id = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(to), reason, venueOrderID, time.Now().UnixNano(), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to update signal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("signal %s is not %s: %w", id, from, ErrNotFound)
		}
		return nil
	})
}

// GetSignal loads one signal by id.
func (s *Storage) GetSignal(ctx context.Context, id string) (*models.ExecutionSignal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalCols+` FROM execution_signals WHERE id = ?`, id)
	sig, err := scanSignal(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return sig, nil
}

// CountSignals counts signals in the given status.
func (s *Storage) CountSignals(ctx context.Context, status models.SignalStatus) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM execution_signals WHERE status = ?`, string(status))
}

// CancelPendingSignals cancels pending signals of a cycle (all cycles when empty).
func (s *Storage) CancelPendingSignals(ctx context.Context, cycleID string) (int, error) {
	return s.cancelPending(ctx, "execution_signals", cycleID)
}

// FailExecutingSignals marks signals that were executing in a previous process as failed.
func (s *Storage) FailExecutingSignals(ctx context.Context, reason string) (int, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE execution_signals SET status = ?, reason = ?, updated_at = ? WHERE status = ?`,
			string(models.SignalFailed), reason, time.Now().UnixNano(), string(models.SignalExecuting))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fail executing signals: %w", err)
	}
	return int(n), nil
}

// CountFailedItems counts queue items that ended without being processed normally.
func (s *Storage) CountFailedItems(ctx context.Context) (int, error) {
	opps, err := s.count(ctx, `SELECT COUNT(*) FROM opportunities WHERE status IN (?, ?)`,
		StatusExpired, StatusAbandoned)
	if err != nil {
		return 0, err
	}
	sigs, err := s.count(ctx, `SELECT COUNT(*) FROM execution_signals WHERE status = ?`,
		string(models.SignalFailed))
	if err != nil {
		return 0, err
	}
	return opps + sigs, nil
}

func (s *Storage) cancelPending(ctx context.Context, table, cycleID string) (int, error) {
	query := `UPDATE ` + table + ` SET status = ?`
	if table == "opportunities" {
		query += `, finished_at = ?`
	} else {
		query += `, updated_at = ?`
	}
	query += ` WHERE status = ?`
	args := []any{StatusCancelled, time.Now().UnixNano(), StatusPending}
	if cycleID != "" {
		query += ` AND cycle_id = ?`
		args = append(args, cycleID)
	}

	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending %s: %w", table, err)
	}
	return int(n), nil
}

func (s *Storage) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

func scanOpportunity(scan func(...any) error) (*models.Opportunity, error) {
	var o models.Opportunity
	var metaJSON string
	var enqueuedNano, expiresNano int64
	err := scan(
		&o.Seq, &o.ID, &o.CycleID, &o.Symbol, &o.ObservedPrice, &metaJSON, &o.Source, &o.Priority,
		&enqueuedNano, &expiresNano,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &o.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	o.EnqueuedAt = fromNano(enqueuedNano)
	o.ExpiresAt = fromNano(expiresNano)
	return &o, nil
}

func scanSignal(scan func(...any) error) (*models.ExecutionSignal, error) {
	var sig models.ExecutionSignal
	var action, side, status string
	var createdNano, updatedNano int64
	err := scan(
		&sig.Seq, &sig.ID, &sig.OpportunityID, &sig.CycleID, &sig.Symbol, &action, &side,
		&sig.Price, &sig.Confidence, &sig.ExpectedValue, &sig.Variance, &sig.WinRate,
		&sig.Size, &sig.Priority, &status, &sig.Reason, &sig.VenueOrderID,
		&createdNano, &updatedNano,
	)
	if err != nil {
		return nil, err
	}
	sig.Action = models.Action(action)
	sig.Side = models.Side(side)
	sig.Status = models.SignalStatus(status)
	sig.CreatedAt = fromNano(createdNano)
	sig.UpdatedAt = fromNano(updatedNano)
	return &sig, nil
}
