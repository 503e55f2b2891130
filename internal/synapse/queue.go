// Package synapse is the durable work queue between the pipeline roles. It has an
// opportunity channel (sensor to brain) and an execution channel (brain to hand),
// both stored in SQLite so items survive a restart.
package synapse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/tradeloop/internal/dispatcher"
	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/metrics"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/storage"
)

// Channel names a logical queue.
type Channel string

const (
	ChannelOpportunity Channel = "opportunity"
	ChannelExecution   Channel = "execution"
)

// ErrEmpty is returned by Pop when nothing deliverable is pending.
var ErrEmpty = errors.New("queue is empty")

// ErrUnknownChannel is returned for a channel name the queue does not serve.
var ErrUnknownChannel = errors.New("unknown channel")

// Store is the persistence the queue needs.
type Store interface {
	InsertOpportunity(ctx context.Context, o *models.Opportunity) (int64, error)
	ClaimOpportunity(ctx context.Context, now time.Time) (models.Opportunity, storage.ClaimResult, error)
	FinishOpportunity(ctx context.Context, seq int64, status string) error
	CountOpportunities(ctx context.Context, status string) (int, error)
	CancelPendingOpportunities(ctx context.Context, cycleID string) (int, error)
	AbandonClaimedOpportunities(ctx context.Context) (int, error)

	InsertSignal(ctx context.Context, sig *models.ExecutionSignal) (int64, error)
	ClaimSignal(ctx context.Context, now time.Time) (models.ExecutionSignal, error)
	TransitionSignal(ctx context.Context, id string, from, to models.SignalStatus, reason, venueOrderID string) error
	GetSignal(ctx context.Context, id string) (*models.ExecutionSignal, error)
	CountSignals(ctx context.Context, status models.SignalStatus) (int, error)
	CancelPendingSignals(ctx context.Context, cycleID string) (int, error)
	FailExecutingSignals(ctx context.Context, reason string) (int, error)

	CountFailedItems(ctx context.Context) (int, error)
}

// Queue serializes pop-and-claim per channel on top of the store's transactions.
type Queue struct {
	store  Store
	raiser dispatcher.Raiser

	oppMu sync.Mutex
	sigMu sync.Mutex

	now func() time.Time
}

// New creates a queue over store.
func New(store Store, raiser dispatcher.Raiser) *Queue {
	return &Queue{store: store, raiser: raiser, now: time.Now}
}

// PushOpportunity validates and enqueues an opportunity, returning its sequence number.
func (q *Queue) PushOpportunity(ctx context.Context, opp *models.Opportunity) (int64, error) {
	if opp.EnqueuedAt.IsZero() {
		opp.EnqueuedAt = q.now()
	}
	if err := opp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid opportunity: %w", err)
	}
	seq, err := q.store.InsertOpportunity(ctx, opp)
	if err != nil {
		return 0, err
	}
	opp.Seq = seq
	logger.Debug("Queued opportunity %s (%s) priority=%d seq=%d", opp.ID, opp.Symbol, opp.Priority, seq)
	return seq, nil
}

// PopOpportunity claims the next deliverable opportunity. Stale items met on the way
// are dropped as expired and never delivered.
func (q *Queue) PopOpportunity(ctx context.Context) (models.Opportunity, error) {
	q.oppMu.Lock()
	defer q.oppMu.Unlock()

	opp, res, err := q.store.ClaimOpportunity(ctx, q.now())
	if res.Expired > 0 {
		logger.Debug("Dropped %d expired opportunities", res.Expired)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return models.Opportunity{}, ErrEmpty
	}
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("failed to pop opportunity: %w", err)
	}
	return opp, nil
}

// AckOpportunity records how a claimed opportunity ended.
func (q *Queue) AckOpportunity(ctx context.Context, seq int64, status string) error {
	return q.store.FinishOpportunity(ctx, seq, status)
}

// PushSignal validates and enqueues an approved execution signal.
func (q *Queue) PushSignal(ctx context.Context, sig *models.ExecutionSignal) (int64, error) {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = q.now()
	}
	if err := sig.Validate(); err != nil {
		return 0, fmt.Errorf("invalid signal: %w", err)
	}
	seq, err := q.store.InsertSignal(ctx, sig)
	if err != nil {
		return 0, err
	}
	sig.Seq = seq
	sig.Status = models.SignalPending
	return seq, nil
}

// PopSignal claims the next pending signal, moving it to executing.
func (q *Queue) PopSignal(ctx context.Context) (models.ExecutionSignal, error) {
	q.sigMu.Lock()
	defer q.sigMu.Unlock()

	sig, err := q.store.ClaimSignal(ctx, q.now())
	if errors.Is(err, storage.ErrNotFound) {
		return models.ExecutionSignal{}, ErrEmpty
	}
	if err != nil {
		return models.ExecutionSignal{}, fmt.Errorf("failed to pop signal: %w", err)
	}
	return sig, nil
}

// UpdateSignal moves a signal along its lifecycle.
func (q *Queue) UpdateSignal(ctx context.Context, id string, from, to models.SignalStatus, reason, venueOrderID string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid signal transition %s -> %s", from, to)
	}
	return q.store.TransitionSignal(ctx, id, from, to, reason, venueOrderID)
}

// Signal loads a signal by id.
func (q *Queue) Signal(ctx context.Context, id string) (*models.ExecutionSignal, error) {
	return q.store.GetSignal(ctx, id)
}

// Size counts pending items on a channel.
func (q *Queue) Size(ctx context.Context, ch Channel) (int, error) {
	var (
		n   int
		err error
	)
	switch ch {
	case ChannelOpportunity:
		n, err = q.store.CountOpportunities(ctx, storage.StatusPending)
	case ChannelExecution:
		n, err = q.store.CountSignals(ctx, models.SignalPending)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	if err == nil {
		metrics.QueueDepth.WithLabelValues(string(ch)).Set(float64(n))
	}
	return n, err
}

// InFlight counts items a consumer has claimed but not finished.
func (q *Queue) InFlight(ctx context.Context, ch Channel) (int, error) {
	switch ch {
	case ChannelOpportunity:
		return q.store.CountOpportunities(ctx, storage.StatusClaimed)
	case ChannelExecution:
		return q.store.CountSignals(ctx, models.SignalExecuting)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
}

// Outstanding is pending plus in-flight work over both channels.
func (q *Queue) Outstanding(ctx context.Context) (int, error) {
	total := 0
	for _, ch := range []Channel{ChannelOpportunity, ChannelExecution} {
		n, err := q.Size(ctx, ch)
		if err != nil {
			return 0, err
		}
		m, err := q.InFlight(ctx, ch)
		if err != nil {
			return 0, err
		}
		total += n + m
	}
	return total, nil
}

// PeekErrors counts items that ended expired, abandoned or failed.
func (q *Queue) PeekErrors(ctx context.Context) (int, error) {
	return q.store.CountFailedItems(ctx)
}

// PurgeCycle cancels every pending item of a cycle on both channels.
func (q *Queue) PurgeCycle(ctx context.Context, cycleID string) (int, int, error) {
	q.oppMu.Lock()
	opps, err := q.store.CancelPendingOpportunities(ctx, cycleID)
	q.oppMu.Unlock()
	if err != nil {
		return 0, 0, err
	}

	q.sigMu.Lock()
	sigs, err := q.store.CancelPendingSignals(ctx, cycleID)
	q.sigMu.Unlock()
	if err != nil {
		return opps, 0, err
	}
	if opps+sigs > 0 {
		logger.Info("Purged cycle %s: %d opportunities, %d signals", cycleID, opps, sigs)
	}
	return opps, sigs, nil
}

// Recover handles items a dead process claimed. Delivery is at most once, so they are
// not redelivered: claimed opportunities become abandoned and executing signals fail.
func (q *Queue) Recover(ctx context.Context) (int, int, error) {
	opps, err := q.store.AbandonClaimedOpportunities(ctx)
	if err != nil {
		return 0, 0, err
	}
	sigs, err := q.store.FailExecutingSignals(ctx, "interrupted")
	if err != nil {
		return opps, 0, err
	}
	if opps+sigs > 0 {
		msg := fmt.Sprintf("recovered after restart: %d opportunities abandoned, %d signals failed", opps, sigs)
		if _, rerr := q.raiser.Raise(ctx, models.SeverityWarning, dispatcher.DomainQueue, msg); rerr != nil {
			logger.Warn("Failed to record queue recovery: %v", rerr)
		}
	}
	return opps, sigs, nil
}
