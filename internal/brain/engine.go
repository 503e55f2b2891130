// Package brain is the decision engine. Each opportunity moves through
// received, estimating, simulating and gated, ending approved or vetoed.
package brain

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradeloop/internal/dispatcher"
	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/metrics"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/storage"
	"github.com/rewired-gh/tradeloop/internal/synapse"
)

var (
	// ErrLoopDetected is returned when one opportunity id keeps coming back.
	ErrLoopDetected = errors.New("opportunity delivery loop detected")
	// ErrHalted is returned while the engine is stopped after a loop.
	ErrHalted = errors.New("decision engine halted")
)

// Stage is a step of the per-opportunity state machine.
type Stage string

const (
	StageReceived   Stage = "received"
	StageEstimating Stage = "estimating"
	StageSimulating Stage = "simulating"
	StageGated      Stage = "gated"
	StageApproved   Stage = "approved"
	StageVetoed     Stage = "vetoed"
)

// Queue is the part of the work queue the engine uses.
type Queue interface {
	PopOpportunity(ctx context.Context) (models.Opportunity, error)
	AckOpportunity(ctx context.Context, seq int64, status string) error
	PushSignal(ctx context.Context, sig *models.ExecutionSignal) (int64, error)
}

// CycleGate reports whether a cycle is running, with its context and id.
type CycleGate interface {
	Active() (context.Context, string, bool)
}

// Publisher receives decisions for the event stream.
type Publisher interface {
	Publish(kind models.EventKind, payload any) models.Event
}

// Config holds engine tuning.
type Config struct {
	Iterations      int
	EstimateTimeout time.Duration
	Thresholds      Thresholds
	KellyScale      float64
	StakeUSD        decimal.Decimal
	MinStakeUSD     decimal.Decimal
	MaxStakeUSD     decimal.Decimal
	RecencyWindow   int
	RepeatThreshold int
	PollInterval    time.Duration
	Seed            uint64 // zero seeds from the clock
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Iterations:      MinIterations,
		EstimateTimeout: 3 * time.Second,
		Thresholds:      DefaultThresholds(),
		KellyScale:      0.25,
		StakeUSD:        decimal.NewFromInt(100),
		MinStakeUSD:     decimal.NewFromInt(1),
		MaxStakeUSD:     decimal.NewFromInt(25),
		RecencyWindow:   32,
		RepeatThreshold: 3,
		PollInterval:    500 * time.Millisecond,
	}
}

// Decision is the result of processing one opportunity.
type Decision struct {
	OpportunityID string                  `json:"opportunity_id"`
	CycleID       string                  `json:"cycle_id"`
	Symbol        string                  `json:"symbol"`
	Stage         Stage                   `json:"stage"`
	Stages        []Stage                 `json:"stages"`
	Estimate      Estimate                `json:"estimate"`
	Outcome       Outcome                 `json:"outcome"`
	Vetoes        []Veto                  `json:"vetoes,omitempty"`
	Signal        *models.ExecutionSignal `json:"signal,omitempty"`
}

// Approved reports whether the decision produced a signal.
func (d Decision) Approved() bool {
	return d.Stage == StageApproved
}

func (d *Decision) advance(s Stage) {
	d.Stage = s
	d.Stages = append(d.Stages, s)
}

// Engine is the decision engine.
type Engine struct {
	cfg       Config
	estimator Estimator
	queue     Queue
	raiser    dispatcher.Raiser
	publisher Publisher

	mu     sync.Mutex
	rng    *rand.Rand
	guard  *loopGuard
	halted bool
}

// New creates an engine. Thresholds looser than the defaults are tightened and the
// iteration count is raised to MinIterations.
func New(cfg Config, estimator Estimator, queue Queue, raiser dispatcher.Raiser) *Engine {
	def := DefaultConfig()
	if cfg.Iterations < MinIterations {
		cfg.Iterations = MinIterations
	}
	if cfg.EstimateTimeout <= 0 {
		cfg.EstimateTimeout = def.EstimateTimeout
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	cfg.Thresholds = cfg.Thresholds.tighten()
	if cfg.KellyScale <= 0 {
		cfg.KellyScale = def.KellyScale
	}
	if cfg.RecencyWindow < 1 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	if cfg.RepeatThreshold < 2 {
		cfg.RepeatThreshold = def.RepeatThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Engine{
		cfg:       cfg,
		estimator: estimator,
		queue:     queue,
		raiser:    raiser,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		guard:     newLoopGuard(cfg.RecencyWindow),
	}
}

// SetPublisher attaches the event stream.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

// Halted reports whether a loop stopped the engine.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Reset clears the loop guard and the halt. The run loop calls it at every new cycle.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guard.reset()
	e.halted = false
}

// Process runs one opportunity through the state machine. A veto is a normal
// outcome, not an error. An approved decision carries the pushed signal.
func (e *Engine) Process(ctx context.Context, opp models.Opportunity) (Decision, error) {
	d := Decision{OpportunityID: opp.ID, CycleID: opp.CycleID, Symbol: opp.Symbol}
	d.advance(StageReceived)

	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return d, ErrHalted
	}
	seen := e.guard.observe(opp.ID)
	if seen >= e.cfg.RepeatThreshold {
		e.halted = true
	}
	e.mu.Unlock()

	if seen >= e.cfg.RepeatThreshold {
		msg := fmt.Sprintf("opportunity %s delivered %d times within the last %d deliveries",
			opp.ID, seen, e.cfg.RecencyWindow)
		if _, err := e.raiser.Raise(ctx, models.SeverityCritical, dispatcher.DomainBrain, msg); err != nil {
			return d, fmt.Errorf("%w (and failed to record it: %v)", ErrLoopDetected, err)
		}
		return d, ErrLoopDetected
	}

	d.advance(StageEstimating)
	d.Estimate = e.estimate(ctx, opp)

	d.advance(StageSimulating)
	side, price, win := position(opp.ObservedPrice, d.Estimate)
	if d.Estimate.Valid() {
		e.mu.Lock()
		d.Outcome = simulate(e.rng, win, price, e.cfg.Iterations)
		e.mu.Unlock()
	} else {
		d.Outcome = skippedOutcome()
	}

	d.advance(StageGated)
	d.Vetoes = e.cfg.Thresholds.Evaluate(d.Estimate.Confidence, d.Outcome.Variance, d.Outcome.ExpectedValue)

	var size decimal.Decimal
	if len(d.Vetoes) == 0 {
		size = e.size(win, price)
		if !size.IsPositive() {
			d.Vetoes = append(d.Vetoes, Veto{GateSize, "stake below minimum"})
		}
	}
	if len(d.Vetoes) > 0 {
		d.advance(StageVetoed)
		e.record(d)
		return d, nil
	}

	sig := &models.ExecutionSignal{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		CycleID:       opp.CycleID,
		Symbol:        opp.Symbol,
		Action:        side.action,
		Side:          side.side,
		Price:         opp.ObservedPrice,
		Confidence:    d.Estimate.Confidence,
		ExpectedValue: d.Outcome.ExpectedValue,
		Variance:      d.Outcome.Variance,
		WinRate:       d.Outcome.WinRate,
		Size:          size,
		Priority:      opp.Priority,
	}
	if _, err := e.queue.PushSignal(ctx, sig); err != nil {
		return d, fmt.Errorf("failed to push signal: %w", err)
	}
	d.Signal = sig
	d.advance(StageApproved)
	e.record(d)
	return d, nil
}

// ProcessNext pops one opportunity, processes it and acknowledges it.
// It returns synapse.ErrEmpty when nothing is pending.
func (e *Engine) ProcessNext(ctx context.Context) (Decision, error) {
	if e.Halted() {
		return Decision{}, ErrHalted
	}
	opp, err := e.queue.PopOpportunity(ctx)
	if err != nil {
		return Decision{}, err
	}
	d, perr := e.Process(ctx, opp)
	// The opportunity was delivered; it is never retried whatever the outcome.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.queue.AckOpportunity(ackCtx, opp.Seq, storage.StatusDone); err != nil {
		logger.Warn("Failed to ack opportunity %s: %v", opp.ID, err)
	}
	return d, perr
}

// Run processes opportunities while the gate reports an active cycle.
func (e *Engine) Run(ctx context.Context, gate CycleGate) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	lastCycle := ""
	for {
		if cctx, cycleID, ok := gate.Active(); ok {
			if cycleID != lastCycle {
				e.Reset()
				lastCycle = cycleID
			}
			e.drain(cctx)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	for ctx.Err() == nil {
		_, err := e.ProcessNext(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, synapse.ErrEmpty), errors.Is(err, ErrHalted), errors.Is(err, ErrLoopDetected):
			return
		case ctx.Err() != nil:
			return
		default:
			logger.Error("Decision engine: %v", err)
			_, _ = e.raiser.Raise(ctx, models.SeverityError, dispatcher.DomainBrain, err.Error())
			return
		}
	}
}

// estimate calls the estimator with a deadline; any failure yields confidence 0.
func (e *Engine) estimate(ctx context.Context, opp models.Opportunity) Estimate {
	if e.estimator == nil {
		return failed
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.EstimateTimeout)
	defer cancel()

	est, err := callEstimator(cctx, e.estimator, opp)
	if err != nil {
		msg := fmt.Sprintf("estimate for %s failed, treating as zero confidence: %v", opp.ID, err)
		if _, rerr := e.raiser.Raise(context.WithoutCancel(ctx), models.SeverityWarning, dispatcher.DomainOracle, msg); rerr != nil {
			logger.Warn("Failed to record estimator failure: %v", rerr)
		}
		return failed
	}
	return est
}

type sideChoice struct {
	action models.Action
	side   models.Side
}

// position picks the side with the edge. Buying YES costs price q and wins with p;
// selling YES is buying NO at 1-q, which wins with 1-p.
func position(q float64, est Estimate) (sideChoice, float64, float64) {
	buy := sideChoice{models.ActionBuy, models.SideYes}
	if est.Probability == nil {
		return buy, q, 0
	}
	p := *est.Probability
	if p >= q {
		return buy, q, p
	}
	return sideChoice{models.ActionSell, models.SideYes}, 1 - q, 1 - p
}

// size is a scaled Kelly stake clamped to the configured bounds, in cents.
func (e *Engine) size(win, price float64) decimal.Decimal {
	if price <= 0 || price >= 1 {
		return decimal.Zero
	}
	f := (win - price) / (1 - price)
	if f <= 0 {
		return decimal.Zero
	}
	stake := e.cfg.StakeUSD.Mul(decimal.NewFromFloat(f * e.cfg.KellyScale)).Round(2)
	if !e.cfg.MaxStakeUSD.IsZero() && stake.GreaterThan(e.cfg.MaxStakeUSD) {
		stake = e.cfg.MaxStakeUSD
	}
	if stake.LessThan(e.cfg.MinStakeUSD) {
		return decimal.Zero
	}
	return stake
}

func (e *Engine) record(d Decision) {
	if d.Approved() {
		metrics.DecisionsTotal.WithLabelValues("approved").Inc()
		logger.Info("Approved %s (%s): %s %s size=%s conf=%.2f ev=%.4f var=%.4f",
			d.OpportunityID, d.Symbol, d.Signal.Action, d.Signal.Side, d.Signal.Size,
			d.Estimate.Confidence, d.Outcome.ExpectedValue, d.Outcome.Variance)
	} else {
		metrics.DecisionsTotal.WithLabelValues("vetoed").Inc()
		reasons := make([]string, 0, len(d.Vetoes))
		for _, v := range d.Vetoes {
			metrics.VetoesTotal.WithLabelValues(v.Gate).Inc()
			reasons = append(reasons, v.Reason)
		}
		logger.Info("Vetoed %s (%s): %s", d.OpportunityID, d.Symbol, strings.Join(reasons, "; "))
	}
	if e.publisher != nil {
		e.publisher.Publish(models.EventDecision, d)
	}
}
