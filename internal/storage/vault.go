package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradeloop/internal/models"
)

// VaultTx exposes vault rows inside one transaction. State and reservations are
// always written together so the reserved counter cannot drift from the held rows.
type VaultTx struct {
	ctx context.Context
	tx  *sql.Tx
}

// UpdateVault runs fn in a single transaction over the vault tables.
func (s *Storage) UpdateVault(ctx context.Context, fn func(vt *VaultTx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&VaultTx{ctx: ctx, tx: tx})
	})
}

// LoadVaultState reads the vault row outside a transaction.
func (s *Storage) LoadVaultState(ctx context.Context) (*models.VaultState, error) {
	var st *models.VaultState
	err := s.withRetry(ctx, func() error {
		var err error
		st, err = scanVaultState(s.db.QueryRowContext(ctx, `SELECT `+vaultCols+` FROM vault_state WHERE id = 1`).Scan)
		return err
	})
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vault state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vault state: %w", err)
	}
	return st, nil
}

const vaultCols = `principal, reserved, realized_profit, hard_floor, locked, lock_reason,
	house_money, period_start, updated_at`

// State returns the vault row, or ErrNotFound before initialisation.
func (vt *VaultTx) State() (*models.VaultState, error) {
	st, err := scanVaultState(vt.tx.QueryRowContext(vt.ctx, `SELECT `+vaultCols+` FROM vault_state WHERE id = 1`).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vault state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault state: %w", err)
	}
	return st, nil
}

// SaveState upserts the vault row.
func (vt *VaultTx) SaveState(st *models.VaultState) error {
	_, err := vt.tx.ExecContext(vt.ctx, `
		INSERT OR REPLACE INTO vault_state
			(id, principal, reserved, realized_profit, hard_floor, locked, lock_reason,
			 house_money, period_start, updated_at)
		VALUES (1,?,?,?,?,?,?,?,?,?)`,
		st.Principal.String(), st.ReservedFunds.String(), st.RealizedProfit.String(),
		st.HardFloor.String(), boolToInt(st.IsLocked), st.LockReason,
		boolToInt(st.HouseMoney), toNano(st.PeriodStart), toNano(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save vault state: %w", err)
	}
	return nil
}

// InsertReservation records a new held reservation.
func (vt *VaultTx) InsertReservation(r *models.Reservation) error {
	_, err := vt.tx.ExecContext(vt.ctx, `
		INSERT INTO reservations (id, signal_id, cycle_id, amount, status, created_at, settled_at)
		VALUES (?,?,?,?,?,?,?)`,
		r.ID, r.SignalID, r.CycleID, r.Amount.String(), string(r.Status),
		toNano(r.CreatedAt), toNano(r.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// Reservation loads one reservation by id.
func (vt *VaultTx) Reservation(id string) (*models.Reservation, error) {
	r, err := scanReservation(vt.tx.QueryRowContext(vt.ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}
	return r, nil
}

// SettleReservation moves a held reservation to a final status.
func (vt *VaultTx) SettleReservation(id string, status models.ReservationStatus, at time.Time) error {
	res, err := vt.tx.ExecContext(vt.ctx,
		`UPDATE reservations SET status = ?, settled_at = ? WHERE id = ? AND status = ?`,
		string(status), toNano(at), id, string(models.ReservationHeld))
	if err != nil {
		return fmt.Errorf("failed to settle reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("reservation %s is not held: %w", id, ErrNotFound)
	}
	return nil
}

// HeldReservations lists held reservations, optionally limited to one cycle.
func (vt *VaultTx) HeldReservations(cycleID string) ([]models.Reservation, error) {
	query := `SELECT ` + reservationCols + ` FROM reservations WHERE status = ?`
	args := []any{string(models.ReservationHeld)}
	if cycleID != "" {
		query += ` AND cycle_id = ?`
		args = append(args, cycleID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := vt.tx.QueryContext(vt.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SumHeld totals the amounts of all held reservations.
func (vt *VaultTx) SumHeld() (decimal.Decimal, error) {
	held, err := vt.HeldReservations("")
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, r := range held {
		sum = sum.Add(r.Amount)
	}
	return sum, nil
}

const reservationCols = `id, signal_id, cycle_id, amount, status, created_at, settled_at`

func scanReservation(scan func(...any) error) (*models.Reservation, error) {
	var r models.Reservation
	var status string
	var createdNano, settledNano int64
	if err := scan(&r.ID, &r.SignalID, &r.CycleID, &r.Amount, &status, &createdNano, &settledNano); err != nil {
		return nil, err
	}
	r.Status = models.ReservationStatus(status)
	r.CreatedAt = fromNano(createdNano)
	r.SettledAt = fromNano(settledNano)
	return &r, nil
}

func scanVaultState(scan func(...any) error) (*models.VaultState, error) {
	var st models.VaultState
	var locked, houseMoney int
	var periodNano, updatedNano int64
	err := scan(
		&st.Principal, &st.ReservedFunds, &st.RealizedProfit, &st.HardFloor,
		&locked, &st.LockReason, &houseMoney, &periodNano, &updatedNano,
	)
	if err != nil {
		return nil, err
	}
	st.IsLocked = locked != 0
	st.HouseMoney = houseMoney != 0
	st.PeriodStart = fromNano(periodNano)
	st.UpdatedAt = fromNano(updatedNano)
	return &st, nil
}
