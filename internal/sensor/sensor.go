// Package sensor watches venue order books and turns unusual price moves into
// opportunities on the work queue.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/tradeloop/internal/dispatcher"
	"github.com/rewired-gh/tradeloop/internal/logger"
	"github.com/rewired-gh/tradeloop/internal/models"
	"github.com/rewired-gh/tradeloop/internal/venue"
)

// Source tags opportunities produced here.
const Source = "sensor"

// Exchange supplies order books.
type Exchange interface {
	GetOrderbook(ctx context.Context, symbol string) (venue.Orderbook, error)
}

// Queue is the opportunity channel.
type Queue interface {
	PushOpportunity(ctx context.Context, opp *models.Opportunity) (int64, error)
}

// Store persists per-symbol statistics across restarts.
type Store interface {
	SaveSensorState(ctx context.Context, state *models.SensorState) error
	LoadSensorStates(ctx context.Context) (map[string]*models.SensorState, error)
}

type Config struct {
	Symbols            []string
	Threshold          float64 // z-score that makes a move an opportunity
	Ceiling            float64 // moves at or above this z are not folded into the statistics
	MinSigma           float64
	OpportunityTTL     time.Duration
	TopK               int
	Cooldown           time.Duration
	CheckpointInterval int
}

func DefaultConfig() Config {
	return Config{
		Threshold:          3.0,
		Ceiling:            10.0,
		MinSigma:           0.005,
		OpportunityTTL:     2 * time.Minute,
		TopK:               10,
		Cooldown:           5 * time.Minute,
		CheckpointInterval: 12,
	}
}

type emission struct {
	direction int
	price     float64
	at        time.Time
}

type candidate struct {
	symbol string
	prev   float64
	price  float64
	z      float64
	hdist  float64
}

// Sensor is the market sensor. Scan is safe to call from one goroutine at a time.
type Sensor struct {
	cfg      Config
	exchange Exchange
	queue    Queue
	store    Store
	raiser   dispatcher.Raiser

	mu      sync.Mutex
	states  map[string]*models.SensorState
	emitted map[string]emission
	scans   int

	now func() time.Time
}

// New creates a sensor and restores persisted statistics.
func New(ctx context.Context, cfg Config, exchange Exchange, queue Queue, store Store, raiser dispatcher.Raiser) *Sensor {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Ceiling <= cfg.Threshold {
		cfg.Ceiling = math.Max(def.Ceiling, cfg.Threshold*2)
	}
	if cfg.MinSigma <= 0 {
		cfg.MinSigma = def.MinSigma
	}
	if cfg.OpportunityTTL <= 0 {
		cfg.OpportunityTTL = def.OpportunityTTL
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}

	s := &Sensor{
		cfg:      cfg,
		exchange: exchange,
		queue:    queue,
		store:    store,
		raiser:   raiser,
		states:   make(map[string]*models.SensorState),
		emitted:  make(map[string]emission),
		now:      time.Now,
	}

	persisted, err := store.LoadSensorStates(ctx)
	if err != nil {
		logger.Warn("Failed to load persisted sensor states: %v", err)
	} else {
		s.states = persisted
		logger.Info("Loaded %d persisted sensor states", len(persisted))
	}
	return s
}

// Scan reads every configured symbol once and enqueues the strongest moves for
// cycleID. It returns how many opportunities were pushed.
func (s *Sensor) Scan(ctx context.Context, cycleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []candidate
	for _, symbol := range s.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		book, err := s.exchange.GetOrderbook(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			s.warn(ctx, symbol, err)
			continue
		}
		price, ok := book.Mid()
		if !ok || price <= 0 || price >= 1 {
			logger.Debug("No usable mid for %s", symbol)
			continue
		}
		if c, ok := s.observe(symbol, price); ok {
			candidates = append(candidates, c)
		}
	}

	pushed, err := s.emit(ctx, cycleID, candidates)

	s.scans++
	if s.scans%s.cfg.CheckpointInterval == 0 {
		s.checkpoint(ctx)
	}
	return pushed, err
}

// observe updates one symbol and reports whether the move crossed the threshold.
func (s *Sensor) observe(symbol string, price float64) (candidate, bool) {
	state, exists := s.states[symbol]
	if !exists {
		s.states[symbol] = &models.SensorState{
			Symbol:    symbol,
			LastPrice: price,
			LastSigma: DefaultSigma,
			UpdatedAt: s.now(),
		}
		return candidate{}, false
	}

	move := price - state.LastPrice
	sd := sigma(state, s.cfg.MinSigma)
	z := math.Abs(move) / (sd + Epsilon)
	c := candidate{
		symbol: symbol,
		prev:   state.LastPrice,
		price:  price,
		z:      z,
		hdist:  hellinger(state.LastPrice, price),
	}

	if z < s.cfg.Ceiling {
		updateWelford(state, move)
	}
	state.LastPrice = price
	state.LastSigma = sigma(state, s.cfg.MinSigma)
	state.UpdatedAt = s.now()

	if z >= s.cfg.Threshold {
		logger.Debug("Move on %s: %.4f -> %.4f z=%.2f", symbol, c.prev, price, z)
		return c, true
	}
	return candidate{}, false
}

func (s *Sensor) emit(ctx context.Context, cycleID string, candidates []candidate) (int, error) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].z > candidates[j].z
	})

	now := s.now()
	pushed := 0
	for _, c := range candidates {
		if pushed >= s.cfg.TopK {
			break
		}
		dir := direction(c.prev, c.price)
		if rec, ok := s.emitted[c.symbol]; ok && now.Sub(rec.at) < s.cfg.Cooldown && rec.direction == dir {
			// A move into a near-certain price is news even right after the last one.
			if !nearCertain(c.price) || nearCertain(rec.price) {
				logger.Debug("Suppressing repeat move on %s within cooldown", c.symbol)
				continue
			}
		}

		opp := &models.Opportunity{
			ID:            uuid.NewString(),
			CycleID:       cycleID,
			Symbol:        c.symbol,
			ObservedPrice: c.price,
			Source:        Source,
			Priority:      int(math.Round(c.z * 10)),
			EnqueuedAt:    now,
			ExpiresAt:     now.Add(s.cfg.OpportunityTTL),
			Metadata: map[string]string{
				"previous_price": strconv.FormatFloat(c.prev, 'f', 4, 64),
				"z_score":        strconv.FormatFloat(c.z, 'f', 3, 64),
				"hellinger":      strconv.FormatFloat(c.hdist, 'f', 4, 64),
			},
		}
		if _, err := s.queue.PushOpportunity(ctx, opp); err != nil {
			return pushed, fmt.Errorf("failed to push opportunity for %s: %w", c.symbol, err)
		}
		s.emitted[c.symbol] = emission{direction: dir, price: c.price, at: now}
		pushed++
	}
	if pushed > 0 {
		logger.Info("Sensor queued %d opportunities for cycle %s", pushed, cycleID)
	}
	return pushed, nil
}

// Checkpoint persists every symbol's statistics.
func (s *Sensor) Checkpoint(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint(ctx)
}

func (s *Sensor) checkpoint(ctx context.Context) {
	for symbol, state := range s.states {
		if err := s.store.SaveSensorState(ctx, state); err != nil {
			logger.Warn("Failed to checkpoint sensor state for %s: %v", symbol, err)
		}
	}
}

// Shutdown checkpoints before exit.
func (s *Sensor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger.Info("Checkpointing %d sensor states before shutdown", len(s.states))
	s.checkpoint(ctx)
}

// State returns a copy of one symbol's statistics.
func (s *Sensor) State(symbol string) (models.SensorState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[symbol]
	if !ok {
		return models.SensorState{}, false
	}
	return *st, true
}

func (s *Sensor) warn(ctx context.Context, symbol string, err error) {
	msg := fmt.Sprintf("order book for %s unavailable: %v", symbol, err)
	if errors.Is(err, venue.ErrUnknownSymbol) {
		msg = fmt.Sprintf("symbol %s is not listed on the venue", symbol)
	}
	if _, rerr := s.raiser.Raise(ctx, models.SeverityWarning, dispatcher.DomainSensor, msg); rerr != nil {
		logger.Warn("Failed to record sensor error: %v", rerr)
	}
}

func direction(p0, p1 float64) int {
	switch {
	case p1 > p0:
		return 1
	case p1 < p0:
		return -1
	default:
		return 0
	}
}

func nearCertain(p float64) bool {
	return p > 0.90 || p < 0.10
}
