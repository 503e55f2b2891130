// Package storage provides SQLite-backed persistence for the work queue, the vault,
// error records, sensor state and control flags.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup or claim matches no row.
var ErrNotFound = errors.New("not found")

// Backoff bounds the retry of transient lock contention.
type Backoff struct {
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   float64
	Attempts int
}

// DefaultBackoff retries a locked database six times over roughly a second.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:      10 * time.Millisecond,
		Max:      500 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.2,
		Attempts: 6,
	}
}

// Next returns the wait before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.Min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * b.Factor)
		if next > b.Max {
			wait = b.Max
			break
		}
		wait = next
	}
	if b.Jitter <= 0 {
		return wait
	}
	delta := float64(wait) * b.Jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db      *sql.DB
	backoff Backoff
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/tradeloop/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "tradeloop", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; every claim and reservation is serialized here
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=250`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA synchronous=FULL`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	s := &Storage{db: db, backoff: DefaultBackoff()}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// SetBackoff replaces the contention retry policy.
func (s *Storage) SetBackoff(b Backoff) {
	s.backoff = b
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL,
			cycle_id        TEXT NOT NULL DEFAULT '',
			symbol          TEXT NOT NULL,
			observed_price  REAL NOT NULL,
			metadata        TEXT NOT NULL DEFAULT '{}',
			source          TEXT NOT NULL DEFAULT '',
			priority        INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending',
			enqueued_at     INTEGER NOT NULL,
			expires_at      INTEGER NOT NULL,
			claimed_at      INTEGER NOT NULL DEFAULT 0,
			finished_at     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_opportunities_pending_id
			ON opportunities(id) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_pop
			ON opportunities(status, priority DESC, enqueued_at, seq)`,
		`CREATE TABLE IF NOT EXISTS execution_signals (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			opportunity_id  TEXT NOT NULL,
			cycle_id        TEXT NOT NULL DEFAULT '',
			symbol          TEXT NOT NULL,
			action          TEXT NOT NULL,
			side            TEXT NOT NULL,
			price           REAL NOT NULL,
			confidence      REAL NOT NULL,
			expected_value  REAL NOT NULL,
			variance        REAL NOT NULL,
			win_rate        REAL NOT NULL,
			size            TEXT NOT NULL,
			priority        INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending',
			reason          TEXT NOT NULL DEFAULT '',
			venue_order_id  TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pop
			ON execution_signals(status, priority DESC, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS vault_state (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			principal       TEXT NOT NULL,
			reserved        TEXT NOT NULL,
			realized_profit TEXT NOT NULL,
			hard_floor      TEXT NOT NULL,
			locked          INTEGER NOT NULL DEFAULT 0,
			lock_reason     TEXT NOT NULL DEFAULT '',
			house_money     INTEGER NOT NULL DEFAULT 0,
			period_start    INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id              TEXT PRIMARY KEY,
			signal_id       TEXT NOT NULL,
			cycle_id        TEXT NOT NULL,
			amount          TEXT NOT NULL,
			status          TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			settled_at      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status, cycle_id)`,
		`CREATE TABLE IF NOT EXISTS error_records (
			id              TEXT PRIMARY KEY,
			severity        INTEGER NOT NULL,
			domain          TEXT NOT NULL,
			message         TEXT NOT NULL,
			ts              INTEGER NOT NULL,
			resolved        INTEGER NOT NULL DEFAULT 0,
			resolved_at     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_unresolved ON error_records(resolved, severity)`,
		`CREATE TABLE IF NOT EXISTS sensor_state (
			symbol          TEXT PRIMARY KEY,
			welford_count   INTEGER NOT NULL DEFAULT 0,
			welford_mean    REAL NOT NULL DEFAULT 0,
			welford_m2      REAL NOT NULL DEFAULT 0,
			last_price      REAL NOT NULL DEFAULT 0,
			last_sigma      REAL NOT NULL DEFAULT 0.01,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS control_flags (
			name            TEXT PRIMARY KEY,
			value           TEXT NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// isBusy reports whether err is transient lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs fn, retrying lock contention with bounded backoff.
func (s *Storage) withRetry(ctx context.Context, fn func() error) error {
	attempts := s.backoff.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if !isBusy(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff.Next(attempt)):
		}
	}
	return fmt.Errorf("database still locked after %d attempts: %w", attempts, err)
}

// inTx runs fn inside one transaction, retrying the whole transaction on contention.
func (s *Storage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
