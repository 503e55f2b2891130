// Package vault guards trading capital: balance, reservations, the hard floor and
// the house-money profit lock.
//
// Every operation takes the vault mutex and runs one storage transaction that
// re-reads the persisted state, so no caller can act on a stale balance.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradeloop/internal/dispatcher"
	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/metrics"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/storage"
)

var (
	ErrLocked            = errors.New("vault is locked")
	ErrBelowFloor        = errors.New("balance is below the hard floor")
	ErrInsufficientFunds = errors.New("insufficient funds above the hard floor")
	ErrHouseMoney        = errors.New("house money mode: principal is not at risk")
	ErrCycleClosed       = errors.New("cycle is not open")
	ErrAlreadySettled    = errors.New("reservation already settled")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrOpenReservations  = errors.New("reservations are still held")
)

// Store is the persistence the vault needs.
type Store interface {
	UpdateVault(ctx context.Context, fn func(vt *storage.VaultTx) error) error
	LoadVaultState(ctx context.Context) (*models.VaultState, error)
}

// Publisher receives vault state snapshots.
type Publisher interface {
	Publish(kind models.EventKind, payload any) models.Event
}

// Config holds the capital rules.
type Config struct {
	Principal           decimal.Decimal
	HardFloor           decimal.Decimal
	ProfitLockThreshold decimal.Decimal // zero disables house money
	Period              time.Duration   // zero disables period rollover
}

// Vault is the single owner of VaultState.
type Vault struct {
	store     Store
	raiser    dispatcher.Raiser
	cfg       Config
	publisher Publisher

	mu         sync.Mutex
	openCycles map[string]bool

	now func() time.Time
}

// outcome collects what an update decided besides the state itself.
type outcome struct {
	refusal  error
	critical string
	warning  string
	changed  bool
}

// Open loads the vault row, initialising it from cfg on first run. Reservations still
// held from a previous process are left reserved and reported as critical; they block
// cycle authorization until ReconcileStale is run and the record is resolved.
func Open(ctx context.Context, store Store, raiser dispatcher.Raiser, cfg Config) (*Vault, error) {
	if cfg.Principal.IsNegative() || cfg.HardFloor.IsNegative() {
		return nil, fmt.Errorf("principal and hard floor must not be negative")
	}
	v := &Vault{
		store:      store,
		raiser:     raiser,
		cfg:        cfg,
		openCycles: make(map[string]bool),
		now:        time.Now,
	}

	var held []models.Reservation
	var drift bool
	err := store.UpdateVault(ctx, func(vt *storage.VaultTx) error {
		now := v.now()
		st, err := vt.State()
		if errors.Is(err, storage.ErrNotFound) {
			st = &models.VaultState{
				Principal:      cfg.Principal,
				ReservedFunds:  decimal.Zero,
				RealizedProfit: decimal.Zero,
				HardFloor:      cfg.HardFloor,
				PeriodStart:    now,
				UpdatedAt:      now,
			}
			logger.Info("Vault initialised: principal=%s floor=%s", st.Principal, st.HardFloor)
			return vt.SaveState(st)
		}
		if err != nil {
			return err
		}

		held, err = vt.HeldReservations("")
		if err != nil {
			return err
		}
		sum, err := vt.SumHeld()
		if err != nil {
			return err
		}
		if !sum.Equal(st.ReservedFunds) {
			drift = true
			st.IsLocked = true
			st.LockReason = fmt.Sprintf("reserved counter %s does not match held reservations %s", st.ReservedFunds, sum)
		}
		if !st.HardFloor.Equal(cfg.HardFloor) {
			logger.Info("Vault hard floor changed from %s to %s", st.HardFloor, cfg.HardFloor)
			st.HardFloor = cfg.HardFloor
		}
		st.UpdatedAt = now
		return vt.SaveState(st)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	if drift {
		if _, err := raiser.Raise(ctx, models.SeverityCritical, dispatcher.DomainVault,
			"reserved funds counter out of sync with held reservations; vault locked"); err != nil {
			return nil, err
		}
	}
	if len(held) > 0 {
		msg := fmt.Sprintf("%d reservation(s) from a previous run are unreconciled", len(held))
		if _, err := raiser.Raise(ctx, models.SeverityCritical, dispatcher.DomainVault, msg); err != nil {
			return nil, err
		}
	}
	v.report(ctx)
	return v, nil
}

// SetPublisher attaches the event stream.
func (v *Vault) SetPublisher(p Publisher) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.publisher = p
}

// State reads the authoritative vault row.
func (v *Vault) State(ctx context.Context) (*models.VaultState, error) {
	return v.store.LoadVaultState(ctx)
}

// CurrentBalance is principal plus realized profit, read from the store.
func (v *Vault) CurrentBalance(ctx context.Context) (decimal.Decimal, error) {
	st, err := v.store.LoadVaultState(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return st.CurrentBalance(), nil
}

// IsAboveFloor reports whether the stored balance is at or above the hard floor.
func (v *Vault) IsAboveFloor(ctx context.Context) (bool, error) {
	st, err := v.store.LoadVaultState(ctx)
	if err != nil {
		return false, err
	}
	return st.AboveFloor(), nil
}

// OpenCycle admits reservations tagged with cycleID.
func (v *Vault) OpenCycle(cycleID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.openCycles[cycleID] = true
}

// Reserve holds amount for a signal of an open cycle. The check and the increment of
// the reserved counter are one step under the vault mutex and one transaction.
func (v *Vault) Reserve(ctx context.Context, cycleID, signalID string, amount decimal.Decimal) (models.Reservation, error) {
	if !amount.IsPositive() {
		return models.Reservation{}, ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var res models.Reservation
	err := v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		if st.IsLocked {
			out.refusal = fmt.Errorf("%w: %s", ErrLocked, st.LockReason)
			return nil
		}
		if !st.AboveFloor() {
			v.lockBelowFloor(st, out)
			out.critical = fmt.Sprintf("reservation of %s attempted with balance %s below floor %s",
				amount, st.CurrentBalance(), st.HardFloor)
			out.refusal = ErrBelowFloor
			return nil
		}
		if !v.openCycles[cycleID] {
			out.refusal = fmt.Errorf("%w: %s", ErrCycleClosed, cycleID)
			return nil
		}
		headroom := st.Available().Sub(st.HardFloor)
		if amount.GreaterThan(headroom) {
			out.refusal = fmt.Errorf("%w: requested %s, headroom %s", ErrInsufficientFunds, amount, headroom)
			return nil
		}
		if st.HouseMoney && st.ReservedFunds.Add(amount).GreaterThan(st.RealizedProfit) {
			out.refusal = fmt.Errorf("%w: requested %s, profit %s, reserved %s",
				ErrHouseMoney, amount, st.RealizedProfit, st.ReservedFunds)
			return nil
		}

		res = models.Reservation{
			ID:        uuid.NewString(),
			SignalID:  signalID,
			CycleID:   cycleID,
			Amount:    amount,
			Status:    models.ReservationHeld,
			CreatedAt: v.now(),
		}
		if err := vt.InsertReservation(&res); err != nil {
			return err
		}
		st.ReservedFunds = st.ReservedFunds.Add(amount)
		out.changed = true
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}
	logger.Info("Reserved %s for signal %s (reservation %s)", amount, signalID, res.ID)
	return res, nil
}

// Release returns a held reservation to available funds.
func (v *Vault) Release(ctx context.Context, reservationID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		r, err := v.settle(vt, st, reservationID, models.ReservationReleased)
		if err != nil {
			return err
		}
		logger.Info("Released reservation %s (%s)", r.ID, r.Amount)
		out.changed = true
		return nil
	})
}

// Confirm settles a held reservation after a fill and books the realized P&L.
func (v *Vault) Confirm(ctx context.Context, reservationID string, realizedPnL decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		r, err := v.settle(vt, st, reservationID, models.ReservationConfirmed)
		if err != nil {
			return err
		}
		logger.Info("Confirmed reservation %s (%s), pnl %s", r.ID, r.Amount, realizedPnL)
		v.book(st, realizedPnL, out)
		out.changed = true
		return nil
	})
}

// Settle books P&L that has no held reservation, e.g. a fill reported after its
// reservation was released by a cancel.
func (v *Vault) Settle(ctx context.Context, pnl decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		v.book(st, pnl, out)
		out.changed = true
		return nil
	})
}

// CheckFloor locks the vault and raises a critical record when the balance is below
// the floor. It returns whether the balance is at or above the floor.
func (v *Vault) CheckFloor(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	above := true
	err := v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		if st.AboveFloor() {
			return nil
		}
		above = false
		if !st.IsLocked {
			v.lockBelowFloor(st, out)
			out.critical = fmt.Sprintf("balance %s is below hard floor %s; vault locked",
				st.CurrentBalance(), st.HardFloor)
		}
		return nil
	})
	return above, err
}

// Lock sets the vault lock. Only Unlock clears it.
func (v *Vault) Lock(ctx context.Context, reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		if st.IsLocked && st.LockReason == reason {
			return nil
		}
		st.IsLocked = true
		st.LockReason = reason
		out.changed = true
		logger.Warn("Vault locked: %s", reason)
		return nil
	})
}

// Unlock clears the lock. It is refused while the balance is still below the floor.
func (v *Vault) Unlock(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		if !st.AboveFloor() {
			out.refusal = fmt.Errorf("%w: balance %s, floor %s", ErrBelowFloor, st.CurrentBalance(), st.HardFloor)
			return nil
		}
		if !st.IsLocked {
			return nil
		}
		logger.Info("Vault unlocked (was: %s)", st.LockReason)
		st.IsLocked = false
		st.LockReason = ""
		out.changed = true
		return nil
	})
}

// SyncBalance aligns the booked balance with the venue's reported balance. It is
// skipped while reservations are held because those funds may already be in flight.
func (v *Vault) SyncBalance(ctx context.Context, venueBalance decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		if st.ReservedFunds.IsPositive() {
			out.refusal = ErrOpenReservations
			return nil
		}
		drift := venueBalance.Sub(st.CurrentBalance())
		if drift.IsZero() {
			return nil
		}
		out.warning = fmt.Sprintf("venue balance %s differs from booked balance %s by %s",
			venueBalance, st.CurrentBalance(), drift)
		v.book(st, drift, out)
		out.changed = true
		return nil
	})
}

// RollPeriod starts a new trading period once the configured period has elapsed:
// principal absorbs realized profit and house money mode is cleared.
func (v *Vault) RollPeriod(ctx context.Context, now time.Time) (bool, error) {
	if v.cfg.Period <= 0 {
		return false, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	rolled := false
	err := v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		if now.Sub(st.PeriodStart) < v.cfg.Period || st.ReservedFunds.IsPositive() {
			return nil
		}
		logger.Info("Vault period rolled: principal %s -> %s", st.Principal, st.CurrentBalance())
		st.Principal = st.CurrentBalance()
		st.RealizedProfit = decimal.Zero
		st.HouseMoney = false
		st.PeriodStart = now
		rolled = true
		out.changed = true
		return nil
	})
	return rolled, err
}

// CloseCycle stops admitting reservations for cycleID and releases every reservation
// of that cycle that is still held. It returns the released total.
func (v *Vault) CloseCycle(ctx context.Context, cycleID string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.openCycles, cycleID)

	released := decimal.Zero
	err := v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		released = decimal.Zero
		held, err := vt.HeldReservations(cycleID)
		if err != nil {
			return err
		}
		for _, r := range held {
			if _, err := v.settle(vt, st, r.ID, models.ReservationReleased); err != nil {
				return err
			}
			released = released.Add(r.Amount)
		}
		if len(held) > 0 {
			logger.Info("Cycle %s closed: released %d reservation(s) totalling %s", cycleID, len(held), released)
			out.changed = true
		}
		return nil
	})
	return released, err
}

// ReconcileStale settles reservations held by cycles this process never opened,
// i.e. left over from a crash. With release the funds return to the balance;
// otherwise the stake is written off as a loss.
func (v *Vault) ReconcileStale(ctx context.Context, release bool) (int, decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	count := 0
	total := decimal.Zero
	err := v.update(ctx, func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error {
		count, total = 0, decimal.Zero
		held, err := vt.HeldReservations("")
		if err != nil {
			return err
		}
		for _, r := range held {
			if v.openCycles[r.CycleID] {
				continue
			}
			status := models.ReservationReleased
			if !release {
				status = models.ReservationConfirmed
			}
			if _, err := v.settle(vt, st, r.ID, status); err != nil {
				return err
			}
			if !release {
				v.book(st, r.Amount.Neg(), out)
			}
			count++
			total = total.Add(r.Amount)
		}
		if count > 0 {
			out.changed = true
			logger.Warn("Reconciled %d stale reservation(s) totalling %s (release=%v)", count, total, release)
		}
		return nil
	})
	return count, total, err
}

// settle moves one held reservation to status and decrements the reserved counter.
func (v *Vault) settle(vt *storage.VaultTx, st *models.VaultState, id string, status models.ReservationStatus) (*models.Reservation, error) {
	r, err := vt.Reservation(id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReservationHeld {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadySettled, id, r.Status)
	}
	if err := vt.SettleReservation(id, status, v.now()); err != nil {
		return nil, err
	}
	next := st.ReservedFunds.Sub(r.Amount)
	if next.IsNegative() {
		return nil, fmt.Errorf("reserved funds would go negative (%s - %s)", st.ReservedFunds, r.Amount)
	}
	st.ReservedFunds = next
	return r, nil
}

// book adds pnl to realized profit, then applies the house-money and floor rules.
func (v *Vault) book(st *models.VaultState, pnl decimal.Decimal, out *outcome) {
	st.RealizedProfit = st.RealizedProfit.Add(pnl)
	if !st.HouseMoney && v.cfg.ProfitLockThreshold.IsPositive() &&
		st.RealizedProfit.GreaterThanOrEqual(v.cfg.ProfitLockThreshold) {
		st.HouseMoney = true
		logger.Info("House money mode on: profit %s reached threshold %s", st.RealizedProfit, v.cfg.ProfitLockThreshold)
	}
	if !st.AboveFloor() && !st.IsLocked {
		v.lockBelowFloor(st, out)
		out.critical = fmt.Sprintf("balance %s fell below hard floor %s; vault locked",
			st.CurrentBalance(), st.HardFloor)
	}
}

func (v *Vault) lockBelowFloor(st *models.VaultState, out *outcome) {
	st.IsLocked = true
	st.LockReason = "balance below hard floor"
	out.changed = true
}

// update runs fn over the current state in one transaction and persists the state when
// fn reports a change. Refusals are returned after the transaction commits, so a lock
// decided during a refused reservation is durable.
func (v *Vault) update(ctx context.Context, fn func(vt *storage.VaultTx, st *models.VaultState, out *outcome) error) error {
	var out outcome
	err := v.store.UpdateVault(ctx, func(vt *storage.VaultTx) error {
		out = outcome{}
		st, err := vt.State()
		if err != nil {
			return err
		}
		if err := fn(vt, st, &out); err != nil {
			return err
		}
		if !out.changed {
			return nil
		}
		st.UpdatedAt = v.now()
		return vt.SaveState(st)
	})
	if err != nil {
		return err
	}

	if out.critical != "" {
		if _, rerr := v.raiser.Raise(ctx, models.SeverityCritical, dispatcher.DomainVault, out.critical); rerr != nil {
			return fmt.Errorf("failed to record vault violation: %w", rerr)
		}
	}
	if out.warning != "" {
		_, _ = v.raiser.Raise(ctx, models.SeverityWarning, dispatcher.DomainVault, out.warning)
	}
	if out.changed {
		v.report(ctx)
	}
	if out.refusal != nil {
		logger.Warn("Vault refused: %v", out.refusal)
	}
	return out.refusal
}

// report publishes the stored state to the stream and metrics.
func (v *Vault) report(ctx context.Context) {
	st, err := v.store.LoadVaultState(ctx)
	if err != nil {
		logger.Warn("Failed to read vault state for reporting: %v", err)
		return
	}
	balance, _ := st.CurrentBalance().Float64()
	reserved, _ := st.ReservedFunds.Float64()
	metrics.VaultBalance.Set(balance)
	metrics.VaultReserved.Set(reserved)
	metrics.SetBool(metrics.VaultLocked, st.IsLocked)
	if v.publisher != nil {
		v.publisher.Publish(models.EventVault, st)
	}
}
