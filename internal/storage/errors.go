package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/tradeloop/internal/models"
)

// InsertError persists an error record.
func (s *Storage) InsertError(ctx context.Context, rec *models.ErrorRecord) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO error_records (id, severity, domain, message, ts, resolved, resolved_at)
			VALUES (?,?,?,?,?,?,?)`,
			rec.ID, int(rec.Severity), rec.Domain, rec.Message, toNano(rec.Timestamp),
			boolToInt(rec.Resolved), toNano(rec.ResolvedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert error record: %w", err)
		}
		return nil
	})
}

// CountUnresolvedErrors counts unresolved records at or above minSeverity.
func (s *Storage) CountUnresolvedErrors(ctx context.Context, minSeverity models.Severity) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM error_records WHERE resolved = 0 AND severity >= ?`, int(minSeverity))
}

// ResolveError marks a record resolved. Resolving an already-resolved record is a no-op;
// an unknown id returns ErrNotFound.
func (s *Storage) ResolveError(ctx context.Context, id string, at time.Time) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE error_records SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`,
			toNano(at), id)
		if err != nil {
			return fmt.Errorf("failed to resolve error record: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_records WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up error record: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("error record %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListErrors returns the newest records first.
func (s *Storage) ListErrors(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ErrorRecord, error) {
	query := `SELECT id, severity, domain, message, ts, resolved, resolved_at FROM error_records`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY ts DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error records: %w", err)
	}
	defer rows.Close()

	records := []models.ErrorRecord{}
	for rows.Next() {
		var rec models.ErrorRecord
		var severity, resolved int
		var tsNano, resolvedNano int64
		if err := rows.Scan(&rec.ID, &severity, &rec.Domain, &rec.Message, &tsNano, &resolved, &resolvedNano); err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		rec.Severity = models.Severity(severity)
		rec.Resolved = resolved != 0
		rec.Timestamp = fromNano(tsNano)
		rec.ResolvedAt = fromNano(resolvedNano)
		records = append(records, rec)
	}
	return records, rows.Err()
}
