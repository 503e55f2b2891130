package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// SetFlag persists a named boolean control flag.
func (s *Storage) SetFlag(ctx context.Context, name string, value bool) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO control_flags (name, value, updated_at) VALUES (?,?,?)`,
			name, strconv.FormatBool(value), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to set flag %s: %w", name, err)
		}
		return nil
	})
}

// Flag reads a named control flag; unset flags are false.
func (s *Storage) Flag(ctx context.Context, name string) (bool, error) {
	var raw string
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT value FROM control_flags WHERE name = ?`, name).Scan(&raw)
	})
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read flag %s: %w", name, err)
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("flag %s holds %q: %w", name, raw, err)
	}
	return v, nil
}
