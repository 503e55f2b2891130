// Package stream fans out the monotonic observability event stream.
package stream

import (
	"sync"
	"time"

	"github.com/rewired-gh/tradeloop/internal/models"
)

// Hub assigns sequence numbers to events and delivers them to subscribers.
// A bounded history allows reconnecting subscribers to replay what they missed.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	history []models.Event
	start   int
	size    int

	subs    map[uint64]chan models.Event
	nextSub uint64
	buffer  int

	now func() time.Time
}

// NewHub creates a hub keeping the last history events and giving each
// subscriber a channel of the given buffer size.
func NewHub(history, buffer int) *Hub {
	if history < 1 {
		history = 1024
	}
	if buffer < 1 {
		buffer = 256
	}
	return &Hub{
		history: make([]models.Event, history),
		subs:    make(map[uint64]chan models.Event),
		buffer:  buffer,
		now:     time.Now,
	}
}

// Publish stamps the next sequence number on the event, records it and fans it out.
// Subscribers whose buffer is full are dropped; their channel is closed so they can
// reconnect and replay from the last sequence they saw.
func (h *Hub) Publish(kind models.EventKind, payload any) models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := models.Event{Seq: h.seq, Kind: kind, Time: h.now(), Payload: payload}

	idx := (h.start + h.size) % len(h.history)
	h.history[idx] = ev
	if h.size < len(h.history) {
		h.size++
	} else {
		h.start = (h.start + 1) % len(h.history)
	}

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return ev
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Since returns retained events with Seq > seq, oldest first.
func (h *Hub) Since(seq uint64) []models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(seq)
}

func (h *Hub) sinceLocked(seq uint64) []models.Event {
	var out []models.Event
	for i := 0; i < h.size; i++ {
		ev := h.history[(h.start+i)%len(h.history)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscription is a live feed of events.
type Subscription struct {
	C <-chan models.Event

	id  uint64
	hub *Hub
}

// Subscribe registers a subscriber and returns the retained events after since.
// Replay and registration happen under one lock, so no event falls between them.
func (h *Hub) Subscribe(since uint64) (*Subscription, []models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := h.sinceLocked(since)
	ch := make(chan models.Event, h.buffer)
	h.nextSub++
	id := h.nextSub
	h.subs[id] = ch
	return &Subscription{C: ch, id: id, hub: h}, replay
}

// Close unregisters the subscription. It is safe to call after the hub dropped it.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if ch, ok := s.hub.subs[s.id]; ok {
		close(ch)
		delete(s.hub.subs, s.id)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
