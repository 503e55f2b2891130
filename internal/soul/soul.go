// Package soul is the cycle orchestrator. It authorizes cycles, drives them through
// running and draining, and owns the kill switch and maintenance windows.
package soul

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradeloop/internal/dispatcher"
	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/metrics"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/synapse"
	"github.com/rewired-gh/tradeloop/internal/vault"
)

// ErrNotAuthorized wraps the reason a cycle was refused.
var ErrNotAuthorized = errors.New("cycle not authorized")

const (
	// FlagKillSwitch is the persisted manual kill switch.
	FlagKillSwitch = "kill_switch"
	// KillSwitchReason is the vault lock reason set by the kill switch.
	KillSwitchReason = "manual kill switch"
)

// Vault is the capital guard as seen by the orchestrator.
type Vault interface {
	State(ctx context.Context) (*models.VaultState, error)
	CheckFloor(ctx context.Context) (bool, error)
	OpenCycle(cycleID string)
	CloseCycle(ctx context.Context, cycleID string) (decimal.Decimal, error)
	RollPeriod(ctx context.Context, now time.Time) (bool, error)
	SyncBalance(ctx context.Context, venueBalance decimal.Decimal) error
	Lock(ctx context.Context, reason string) error
	Unlock(ctx context.Context) error
}

// Queue is the work queue as seen by the orchestrator.
type Queue interface {
	Size(ctx context.Context, ch synapse.Channel) (int, error)
	InFlight(ctx context.Context, ch synapse.Channel) (int, error)
	Outstanding(ctx context.Context) (int, error)
	PurgeCycle(ctx context.Context, cycleID string) (int, int, error)
}

// Errors is the error dispatcher as seen by the orchestrator.
type Errors interface {
	dispatcher.Raiser
	UnresolvedCount(ctx context.Context, minSeverity models.Severity) (int, error)
}

// Flags persists control flags.
type Flags interface {
	SetFlag(ctx context.Context, name string, value bool) error
	Flag(ctx context.Context, name string) (bool, error)
}

// Scanner produces the cycle's opportunities.
type Scanner interface {
	Scan(ctx context.Context, cycleID string) (int, error)
}

// BalanceSource reports the venue's cash balance.
type BalanceSource interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Notifier tells the operator when the kill switch locks or unlocks the vault.
type Notifier interface {
	NotifyVaultLock(locked bool, reason string) error
}

// Publisher receives phase and cycle events.
type Publisher interface {
	Publish(kind models.EventKind, payload any) models.Event
}

type Config struct {
	Windows       []Window
	CycleInterval time.Duration
	DrainTimeout  time.Duration
	PollInterval  time.Duration
	AutoMode      bool
}

func DefaultConfig() Config {
	return Config{
		CycleInterval: 5 * time.Minute,
		DrainTimeout:  2 * time.Minute,
		PollInterval:  250 * time.Millisecond,
	}
}

// Ack is the definite answer to a trigger, cancel or halt.
type Ack struct {
	Accepted bool         `json:"accepted"`
	CycleID  string       `json:"cycle_id,omitempty"`
	Phase    models.Phase `json:"phase"`
	Reason   string       `json:"reason,omitempty"`
	Released string       `json:"released,omitempty"`
}

// Health is a point-in-time view of the system.
type Health struct {
	Phase              models.Phase       `json:"phase"`
	Cycle              *models.CycleState `json:"cycle,omitempty"`
	HaltReason         string             `json:"halt_reason,omitempty"`
	KillSwitch         bool               `json:"kill_switch"`
	AutoMode           bool               `json:"auto_mode"`
	InMaintenance      bool               `json:"in_maintenance"`
	Vault              *models.VaultState `json:"vault,omitempty"`
	QueueDepth         map[string]int     `json:"queue_depth"`
	InFlight           map[string]int     `json:"in_flight"`
	UnresolvedCritical int                `json:"unresolved_critical"`
}

type cycle struct {
	state    models.CycleState
	ctx      context.Context
	cancel   context.CancelFunc
	open     atomic.Bool
	done     chan struct{}
	stop     string // "cancelled" or "halted", set under the orchestrator mutex
	released decimal.Decimal
}

// Orchestrator is the soul.
type Orchestrator struct {
	cfg       Config
	vault     Vault
	queue     Queue
	errs      Errors
	flags     Flags
	scanner   Scanner
	balance   BalanceSource
	publisher Publisher

	mu         sync.Mutex
	phase      models.Phase
	current    *cycle
	last       *models.CycleState
	haltReason string
	auto       bool
	notifier   Notifier

	now func() time.Time
}

// New creates an orchestrator in the idle phase. balance may be nil to skip the
// start-of-cycle balance sync.
func New(cfg Config, v Vault, q Queue, errs Errors, flags Flags, scanner Scanner, balance BalanceSource) *Orchestrator {
	def := DefaultConfig()
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Orchestrator{
		cfg:     cfg,
		vault:   v,
		queue:   q,
		errs:    errs,
		flags:   flags,
		scanner: scanner,
		balance: balance,
		phase:   models.PhaseIdle,
		auto:    cfg.AutoMode,
		now:     time.Now,
	}
}

// SetPublisher attaches the event stream.
func (o *Orchestrator) SetPublisher(p Publisher) {
	o.publisher = p
}

// SetNotifier attaches the operator channel for kill switch vault locks.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifier = n
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() models.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Active reports the running cycle once it admits work.
func (o *Orchestrator) Active() (context.Context, string, bool) {
	o.mu.Lock()
	c := o.current
	o.mu.Unlock()
	if c == nil || !c.open.Load() || c.ctx.Err() != nil {
		return nil, "", false
	}
	return c.ctx, c.state.CycleID, true
}

// Authorize runs the ordered pre-cycle checks against the stores. It returns nil or
// an error wrapping ErrNotAuthorized with the first failing check.
func (o *Orchestrator) Authorize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reason := o.authorize(ctx); reason != "" {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, reason)
	}
	return nil
}

// authorize returns the refusal reason, or "" when every check passes. Read failures
// refuse.
func (o *Orchestrator) authorize(ctx context.Context) string {
	killed, err := o.flags.Flag(ctx, FlagKillSwitch)
	if err != nil {
		return fmt.Sprintf("kill switch unreadable: %v", err)
	}
	if killed {
		return "manual kill switch is active"
	}

	now := o.now()
	for _, w := range o.cfg.Windows {
		if w.Contains(now) {
			return fmt.Sprintf("inside maintenance window %s UTC", w)
		}
	}

	above, err := o.vault.CheckFloor(ctx)
	if err != nil {
		return fmt.Sprintf("vault unreadable: %v", err)
	}
	if !above {
		return "balance below hard floor"
	}
	st, err := o.vault.State(ctx)
	if err != nil {
		return fmt.Sprintf("vault unreadable: %v", err)
	}
	if st.IsLocked {
		return fmt.Sprintf("vault locked: %s", st.LockReason)
	}

	n, err := o.errs.UnresolvedCount(ctx, models.SeverityCritical)
	if err != nil {
		return fmt.Sprintf("error records unreadable: %v", err)
	}
	if n > 0 {
		return fmt.Sprintf("%d unresolved critical error(s)", n)
	}
	return ""
}

// TriggerCycle authorizes and starts a cycle. While a cycle runs it returns that
// cycle instead of starting another.
func (o *Orchestrator) TriggerCycle(ctx context.Context, trigger models.Trigger) Ack {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c := o.current; c != nil {
		return Ack{Accepted: true, CycleID: c.state.CycleID, Phase: o.phase, Reason: "cycle already running"}
	}

	prev := o.phase
	o.setPhase(models.PhaseAuthorizing)
	if reason := o.authorize(ctx); reason != "" {
		o.setPhase(prev)
		metrics.CyclesTotal.WithLabelValues("refused").Inc()
		logger.Info("Cycle refused (%s): %s", trigger, reason)
		return Ack{Accepted: false, Phase: prev, Reason: reason}
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &cycle{
		state: models.CycleState{
			CycleID:         uuid.NewString(),
			Trigger:         trigger,
			StartedAt:       o.now(),
			CompletedPhases: []models.Phase{models.PhaseAuthorizing},
		},
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.current = c
	o.haltReason = ""
	o.setPhase(models.PhaseRunning)
	o.publishCycle(c.state, "started")
	logger.Info("Cycle %s started (%s)", c.state.CycleID, trigger)

	go o.run(c)
	return Ack{Accepted: true, CycleID: c.state.CycleID, Phase: models.PhaseRunning}
}

// CancelCycle stops the running cycle and returns once its funds are released.
func (o *Orchestrator) CancelCycle(ctx context.Context) Ack {
	return o.stop(ctx, "cancelled", "")
}

// Halt stops the running cycle and leaves the orchestrator halted. The next trigger
// re-authorizes.
func (o *Orchestrator) Halt(ctx context.Context, reason string) Ack {
	return o.stop(ctx, "halted", reason)
}

// HaltOnCritical is registered with the error dispatcher.
func (o *Orchestrator) HaltOnCritical(rec models.ErrorRecord) {
	ack := o.Halt(context.Background(), fmt.Sprintf("critical %s error: %s", rec.Domain, rec.Message))
	logger.Warn("Halted on critical error %s (cycle %q)", rec.ID, ack.CycleID)
}

func (o *Orchestrator) stop(ctx context.Context, how, reason string) Ack {
	o.mu.Lock()
	c := o.current
	if how == "halted" {
		o.haltReason = reason
	}
	if c == nil {
		if how == "halted" {
			o.setPhase(models.PhaseHalted)
			o.mu.Unlock()
			return Ack{Accepted: true, Phase: models.PhaseHalted, Reason: reason}
		}
		phase := o.phase
		o.mu.Unlock()
		return Ack{Accepted: false, Phase: phase, Reason: "no cycle running"}
	}
	if c.stop == "" || how == "halted" {
		c.stop = how
	}
	c.cancel()
	o.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		return Ack{Accepted: false, CycleID: c.state.CycleID, Phase: o.Phase(), Reason: "timed out waiting for the cycle to stop"}
	}
	return Ack{
		Accepted: true,
		CycleID:  c.state.CycleID,
		Phase:    o.Phase(),
		Reason:   reason,
		Released: c.released.StringFixed(2),
	}
}

// run drives one cycle from opening to reconciliation.
func (o *Orchestrator) run(c *cycle) {
	defer close(c.done)
	id := c.state.CycleID
	outcome := "completed"

	if err := o.prepare(c); err != nil {
		logger.Error("Cycle %s failed to start: %v", id, err)
		o.raise(models.SeverityError, fmt.Sprintf("cycle %s failed to start: %v", id, err))
		outcome = "failed"
	} else {
		o.scan(c)
		outcome = o.drain(c)
	}

	o.mu.Lock()
	if c.stop != "" {
		outcome = c.stop
	}
	o.setPhase(models.PhaseDraining)
	c.state.CompletedPhases = append(c.state.CompletedPhases, models.PhaseRunning)
	o.mu.Unlock()

	bg := context.Background()
	if _, _, err := o.queue.PurgeCycle(bg, id); err != nil {
		logger.Error("Failed to purge cycle %s: %v", id, err)
		o.raise(models.SeverityError, fmt.Sprintf("failed to purge cycle %s: %v", id, err))
	}
	released, err := o.vault.CloseCycle(bg, id)
	if err != nil {
		// Held funds of a cycle that cannot be closed need an operator.
		o.raise(models.SeverityCritical, fmt.Sprintf("failed to close cycle %s in the vault: %v", id, err))
	}
	c.released = released

	o.mu.Lock()
	c.state.CompletedPhases = append(c.state.CompletedPhases, models.PhaseDraining)
	o.current = nil
	last := c.state
	o.last = &last
	if outcome == "halted" || o.haltReason != "" {
		o.setPhase(models.PhaseHalted)
	} else {
		o.setPhase(models.PhaseIdle)
	}
	o.publishCycle(last, outcome)
	o.mu.Unlock()

	c.cancel()
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	logger.Info("Cycle %s %s, released %s", id, outcome, released.StringFixed(2))
}

// prepare rolls the vault period, syncs the balance and opens the cycle in the vault.
func (o *Orchestrator) prepare(c *cycle) error {
	if _, err := o.vault.RollPeriod(c.ctx, o.now()); err != nil {
		return fmt.Errorf("roll period: %w", err)
	}
	if o.balance != nil {
		bal, err := o.balance.GetBalance(c.ctx)
		switch {
		case err != nil:
			if c.ctx.Err() != nil {
				return nil
			}
			o.raise(models.SeverityWarning, fmt.Sprintf("balance sync skipped: %v", err))
		default:
			if err := o.vault.SyncBalance(c.ctx, bal); err != nil && !errors.Is(err, vault.ErrOpenReservations) {
				return fmt.Errorf("sync balance: %w", err)
			}
		}
	}
	if c.ctx.Err() != nil {
		return nil
	}
	o.vault.OpenCycle(c.state.CycleID)
	c.open.Store(true)
	return nil
}

func (o *Orchestrator) scan(c *cycle) {
	if o.scanner == nil || c.ctx.Err() != nil {
		return
	}
	if _, err := o.scanner.Scan(c.ctx, c.state.CycleID); err != nil && c.ctx.Err() == nil {
		logger.Error("Sensor scan failed: %v", err)
		o.raise(models.SeverityError, fmt.Sprintf("sensor scan for cycle %s failed: %v", c.state.CycleID, err))
	}
}

// drain waits until both channels are empty, the drain timeout passes or the cycle
// is stopped.
func (o *Orchestrator) drain(c *cycle) string {
	deadline := time.NewTimer(o.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if c.ctx.Err() != nil {
			return "cancelled"
		}
		n, err := o.queue.Outstanding(c.ctx)
		if err != nil && c.ctx.Err() == nil {
			logger.Warn("Failed to read queue depth: %v", err)
		}
		if err == nil && n == 0 {
			return "completed"
		}
		select {
		case <-c.ctx.Done():
			return "cancelled"
		case <-deadline.C:
			o.raise(models.SeverityWarning, fmt.Sprintf("cycle %s drain timed out with %d item(s) outstanding", c.state.CycleID, n))
			return "timeout"
		case <-ticker.C:
		}
	}
}

// SetKillSwitch persists the manual kill switch. Activation locks the vault and
// cancels a running cycle; deactivation unlocks the vault only if the kill switch
// locked it.
func (o *Orchestrator) SetKillSwitch(ctx context.Context, active bool) error {
	if err := o.flags.SetFlag(ctx, FlagKillSwitch, active); err != nil {
		return err
	}
	st, err := o.vault.State(ctx)
	if err != nil {
		return err
	}

	if active {
		logger.Warn("Kill switch activated")
		if !st.IsLocked {
			if err := o.vault.Lock(ctx, KillSwitchReason); err != nil {
				return err
			}
			o.notifyLock(true)
		}
		o.CancelCycle(ctx)
		o.publishState()
		return nil
	}

	logger.Info("Kill switch cleared")
	defer o.publishState()
	if st.IsLocked && st.LockReason == KillSwitchReason {
		if err := o.vault.Unlock(ctx); err != nil {
			return fmt.Errorf("kill switch cleared but vault stays locked: %w", err)
		}
		o.notifyLock(false)
	}
	return nil
}

func (o *Orchestrator) notifyLock(locked bool) {
	o.mu.Lock()
	n := o.notifier
	o.mu.Unlock()
	if n == nil {
		return
	}
	go func() {
		if err := n.NotifyVaultLock(locked, KillSwitchReason); err != nil {
			logger.Error("Failed to send vault lock notification: %v", err)
		}
	}()
}

// KillSwitch reports the persisted kill switch.
func (o *Orchestrator) KillSwitch(ctx context.Context) (bool, error) {
	return o.flags.Flag(ctx, FlagKillSwitch)
}

// SetAutoMode turns the periodic trigger on or off.
func (o *Orchestrator) SetAutoMode(enabled bool) {
	o.mu.Lock()
	o.auto = enabled
	o.mu.Unlock()
	logger.Info("Auto mode set to %v", enabled)
	o.publishState()
}

// AutoMode reports whether the periodic trigger is on.
func (o *Orchestrator) AutoMode() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.auto
}

// Run triggers cycles every CycleInterval while auto mode is on. On shutdown it
// cancels a running cycle so its funds are released.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if ack := o.CancelCycle(stopCtx); ack.Accepted {
				logger.Info("Cancelled cycle %s on shutdown, released %s", ack.CycleID, ack.Released)
			}
			return nil
		case <-ticker.C:
			if !o.AutoMode() {
				continue
			}
			ack := o.TriggerCycle(ctx, models.TriggerAuto)
			if !ack.Accepted {
				logger.Debug("Auto trigger refused: %s", ack.Reason)
			}
		}
	}
}

// Health collects a snapshot; unreadable parts are left empty.
func (o *Orchestrator) Health(ctx context.Context) Health {
	o.mu.Lock()
	h := Health{
		Phase:      o.phase,
		HaltReason: o.haltReason,
		AutoMode:   o.auto,
		QueueDepth: make(map[string]int),
		InFlight:   make(map[string]int),
	}
	if o.current != nil {
		st := o.current.state
		h.Cycle = &st
	} else if o.last != nil {
		st := *o.last
		h.Cycle = &st
	}
	o.mu.Unlock()

	now := o.now()
	for _, w := range o.cfg.Windows {
		if w.Contains(now) {
			h.InMaintenance = true
		}
	}
	if killed, err := o.flags.Flag(ctx, FlagKillSwitch); err == nil {
		h.KillSwitch = killed
	}
	if st, err := o.vault.State(ctx); err == nil {
		h.Vault = st
	}
	for _, ch := range []synapse.Channel{synapse.ChannelOpportunity, synapse.ChannelExecution} {
		if n, err := o.queue.Size(ctx, ch); err == nil {
			h.QueueDepth[string(ch)] = n
		}
		if n, err := o.queue.InFlight(ctx, ch); err == nil {
			h.InFlight[string(ch)] = n
		}
	}
	if n, err := o.errs.UnresolvedCount(ctx, models.SeverityCritical); err == nil {
		h.UnresolvedCritical = n
	}
	return h
}

// setPhase must be called with o.mu held.
func (o *Orchestrator) setPhase(p models.Phase) {
	if o.phase == p {
		return
	}
	logger.Debug("Phase %s -> %s", o.phase, p)
	o.phase = p
	if o.publisher != nil {
		o.publisher.Publish(models.EventState, map[string]any{"phase": p, "halt_reason": o.haltReason})
	}
}

func (o *Orchestrator) publishState() {
	if o.publisher == nil {
		return
	}
	o.mu.Lock()
	payload := map[string]any{"phase": o.phase, "auto_mode": o.auto, "halt_reason": o.haltReason}
	o.mu.Unlock()
	o.publisher.Publish(models.EventState, payload)
}

func (o *Orchestrator) publishCycle(st models.CycleState, outcome string) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(models.EventCycle, struct {
		models.CycleState
		Outcome string `json:"outcome"`
	}{st, outcome})
}

func (o *Orchestrator) raise(severity models.Severity, msg string) {
	if _, err := o.errs.Raise(context.Background(), severity, dispatcher.DomainSoul, msg); err != nil {
		logger.Error("Failed to record orchestrator error: %v", err)
	}
}

// Summary renders the snapshot as plain text for chat replies.
func (h Health) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase: %s", h.Phase)
	if h.Cycle != nil {
		fmt.Fprintf(&b, "\ncycle: %s (%s)", h.Cycle.CycleID, h.Cycle.Trigger)
	}
	if h.HaltReason != "" {
		fmt.Fprintf(&b, "\nhalted: %s", h.HaltReason)
	}
	fmt.Fprintf(&b, "\nkill switch: %v, auto: %v, maintenance: %v", h.KillSwitch, h.AutoMode, h.InMaintenance)
	if h.Vault != nil {
		fmt.Fprintf(&b, "\nbalance: %s, reserved: %s, floor: %s, locked: %v",
			h.Vault.CurrentBalance().StringFixed(2), h.Vault.ReservedFunds.StringFixed(2),
			h.Vault.HardFloor.StringFixed(2), h.Vault.IsLocked)
	}
	fmt.Fprintf(&b, "\nqueue: %d opportunities, %d signals", h.QueueDepth[string(synapse.ChannelOpportunity)], h.QueueDepth[string(synapse.ChannelExecution)])
	fmt.Fprintf(&b, "\nunresolved critical: %d", h.UnresolvedCritical)
	return b.String()
}
