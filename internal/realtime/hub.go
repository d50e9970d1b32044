package realtime

import (
	"sync"

	"github.com/juju/loggo"

	"verifyhub/internal/models"
)

var logger = loggo.GetLogger("verifyhub.realtime")

const DefaultBuffer = 16

// Subscription receives the events published for one id. C is closed when
// the subscriber is dropped, after a terminal event, or on Close.
type Subscription struct {
	ID string
	C  <-chan models.StatusEvent

	ch      chan models.StatusEvent
	hub     *Hub
	closed  bool
	dropped bool
}

// Dropped reports whether the hub pruned this subscriber because it could
// not keep up. Only meaningful once C is closed.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Hub fans status events out to subscribers keyed by entity id. Delivery is
// at most once and nothing is replayed.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int

	// OnDrop, when set, is called for every subscriber pruned by Publish.
	OnDrop func(id string)
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) Subscribe(id string) *Subscription {
	ch := make(chan models.StatusEvent, h.buffer)
	sub := &Subscription{ID: id, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*Subscription]struct{})
	}
	h.subs[id][sub] = struct{}{}
	return sub
}

// Publish never blocks. A subscriber with a full buffer is dropped. After a
// terminal event every subscriber of the id is closed.
func (h *Hub) Publish(ev models.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.ID] {
		select {
		case sub.ch <- ev:
			if ev.Terminal {
				h.removeLocked(sub)
			}
		default:
			sub.dropped = true
			h.removeLocked(sub)
			logger.Warningf("[realtime][publish] dropped slow subscriber id=%s", ev.ID)
			if h.OnDrop != nil {
				h.OnDrop(ev.ID)
			}
		}
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if subs, ok := h.subs[sub.ID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.ID)
		}
	}
}

// Subscribers returns the number of live subscribers for id.
func (h *Hub) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}
