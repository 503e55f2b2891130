// Package dispatcher classifies and records failures raised by every component.
//
// Critical records are written to the store before Raise returns, so the cycle
// authorization check always sees them. Warnings and errors go through a
// background writer.
package dispatcher

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/metrics"
	"github.com/rewired-gh/tradeloop/internal/models"
)

// Domains used by the pipeline.
const (
	DomainQueue  = "queue"
	DomainBrain  = "brain"
	DomainHand   = "hand"
	DomainVault  = "vault"
	DomainSoul   = "soul"
	DomainSensor = "sensor"
	DomainVenue  = "venue"
	DomainOracle = "oracle"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	InsertError(ctx context.Context, rec *models.ErrorRecord) error
	CountUnresolvedErrors(ctx context.Context, minSeverity models.Severity) (int, error)
	ResolveError(ctx context.Context, id string, at time.Time) error
	ListErrors(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ErrorRecord, error)
}

// Notifier receives critical records, e.g. an operator chat.
type Notifier interface {
	NotifyCritical(rec models.ErrorRecord) error
}

// Publisher receives every record for the event stream.
type Publisher interface {
	Publish(kind models.EventKind, payload any) models.Event
}

// Raiser is the narrow interface other components depend on.
type Raiser interface {
	Raise(ctx context.Context, severity models.Severity, domain, message string) (models.ErrorRecord, error)
}

// Config holds dispatcher tuning.
type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:   256,
		WriteTimeout: 5 * time.Second,
	}
}

// Dispatcher records error records and routes critical ones to hooks.
type Dispatcher struct {
	store     Store
	cfg       Config
	publisher Publisher
	notifier  Notifier

	mu     sync.RWMutex
	closed bool
	queue  chan models.ErrorRecord
	hooks  []func(models.ErrorRecord)
	done   chan struct{}

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pendingN    int

	now func() time.Time
}

// New creates a dispatcher and starts its background writer.
func New(store Store, cfg Config) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	d := &Dispatcher{
		store: store,
		cfg:   cfg,
		queue: make(chan models.ErrorRecord, cfg.BufferSize),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	d.pendingCond = sync.NewCond(&d.pendingMu)
	go d.writer()
	return d
}

// SetPublisher attaches the event stream.
func (d *Dispatcher) SetPublisher(p Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publisher = p
}

// SetNotifier attaches the operator notifier for critical records.
func (d *Dispatcher) SetNotifier(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = n
}

// OnCritical registers a callback run after a critical record is durable.
// Callbacks run on their own goroutine.
func (d *Dispatcher) OnCritical(fn func(models.ErrorRecord)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Raise records a failure. Critical records are persisted before Raise returns and
// a persistence failure is returned to the caller. Lower severities are persisted
// asynchronously; if the writer is saturated the write happens inline.
func (d *Dispatcher) Raise(ctx context.Context, severity models.Severity, domain, message string) (models.ErrorRecord, error) {
	if severity < models.SeverityWarning || severity > models.SeverityCritical {
		return models.ErrorRecord{}, fmt.Errorf("invalid severity %d", int(severity))
	}
	rec := models.ErrorRecord{
		ID:        uuid.NewString(),
		Severity:  severity,
		Domain:    domain,
		Message:   message,
		Timestamp: d.now(),
	}

	switch severity {
	case models.SeverityCritical:
		logger.Error("[%s] CRITICAL: %s", domain, message)
	case models.SeverityError:
		logger.Error("[%s] %s", domain, message)
	default:
		logger.Warn("[%s] %s", domain, message)
	}
	metrics.ErrorsTotal.WithLabelValues(severity.String(), domain).Inc()

	if severity == models.SeverityCritical {
		if err := d.write(ctx, rec); err != nil {
			return rec, fmt.Errorf("failed to record critical error: %w", err)
		}
		d.afterWrite(rec)
		return rec, nil
	}

	d.mu.RLock()
	queued := false
	if !d.closed {
		d.addPending(1)
		select {
		case d.queue <- rec:
			queued = true
		default:
			d.addPending(-1)
		}
	}
	d.mu.RUnlock()

	if !queued {
		if err := d.write(ctx, rec); err != nil {
			return rec, fmt.Errorf("failed to record error: %w", err)
		}
		d.afterWrite(rec)
	}
	return rec, nil
}

// UnresolvedCount counts unresolved records at or above minSeverity in the store.
func (d *Dispatcher) UnresolvedCount(ctx context.Context, minSeverity models.Severity) (int, error) {
	return d.store.CountUnresolvedErrors(ctx, minSeverity)
}

// Resolve acknowledges a record. Resolving twice is not an error.
func (d *Dispatcher) Resolve(ctx context.Context, id string) error {
	if err := d.store.ResolveError(ctx, id, d.now()); err != nil {
		return err
	}
	logger.Info("Error record %s resolved", id)
	d.publish(map[string]any{"id": id, "resolved": true})
	return nil
}

// List returns the newest records first.
func (d *Dispatcher) List(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.store.ListErrors(ctx, unresolvedOnly, limit)
}

// Flush blocks until every queued record has been written.
func (d *Dispatcher) Flush() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for d.pendingN > 0 {
		d.pendingCond.Wait()
	}
}

func (d *Dispatcher) addPending(delta int) {
	d.pendingMu.Lock()
	d.pendingN += delta
	if d.pendingN == 0 {
		d.pendingCond.Broadcast()
	}
	d.pendingMu.Unlock()
}

// Close stops accepting queued writes, flushes and stops the writer.
// Raise keeps working after Close by writing inline.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) writer() {
	defer close(d.done)
	for rec := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		if err := d.write(ctx, rec); err != nil {
			logger.Error("Failed to persist %s record from %s: %v", rec.Severity, rec.Domain, err)
		} else {
			d.afterWrite(rec)
		}
		cancel()
		d.addPending(-1)
	}
}

func (d *Dispatcher) write(ctx context.Context, rec models.ErrorRecord) error {
	if ctx.Err() != nil {
		// The record must outlive a cancelled caller.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		defer cancel()
	}
	return d.store.InsertError(ctx, &rec)
}

func (d *Dispatcher) afterWrite(rec models.ErrorRecord) {
	d.publish(rec)
	if rec.Severity != models.SeverityCritical {
		return
	}

	d.mu.RLock()
	hooks := slices.Clone(d.hooks)
	notifier := d.notifier
	d.mu.RUnlock()

	for _, fn := range hooks {
		go fn(rec)
	}
	if notifier != nil {
		go func() {
			if err := notifier.NotifyCritical(rec); err != nil {
				logger.Warn("Failed to notify critical error %s: %v", rec.ID, err)
			}
		}()
	}
}

func (d *Dispatcher) publish(payload any) {
	d.mu.RLock()
	p := d.publisher
	d.mu.RUnlock()
	if p != nil {
		p.Publish(models.EventError, payload)
	}
}
