package gapline

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriptionBuffer = 256

// Subscription is one listener on a resource channel. Events arrive on the
// Events channel in commit order; a subscriber that falls behind loses
// events rather than stalling the writer.
type Subscription struct {
	resourceID string
	Events     chan Event
	hub        *Hub
	closed     int32
}

// ResourceID returns the resource whose channel this subscription follows.
func (s *Subscription) ResourceID() string {
	return s.resourceID
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.hub.remove(s)
		close(s.Events)
	}
}

// Hub fans committed events out to per-resource subscribers. Publish never
// blocks: a full subscriber channel drops the event and counts the drop.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}
	logger      *slog.Logger
	closed      bool

	published int64
	dropped   int64
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscription]struct{}),
		logger:      logger,
	}
}

// Subscribe opens a feed for one resource's channel.
func (h *Hub) Subscribe(resourceID string) *Subscription {
	sub := &Subscription{
		resourceID: resourceID,
		Events:     make(chan Event, subscriptionBuffer),
		hub:        h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		atomic.StoreInt32(&sub.closed, 1)
		close(sub.Events)
		return sub
	}
	set, ok := h.subscribers[resourceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subscribers[resourceID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sub.resourceID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, sub.resourceID)
	}
}

// Publish delivers an event to the subscribers of its resource's channel.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subscribers[ev.Resource()] {
		if atomic.LoadInt32(&sub.closed) == 1 {
			continue
		}
		select {
		case sub.Events <- ev:
			atomic.AddInt64(&h.published, 1)
		default:
			atomic.AddInt64(&h.dropped, 1)
			h.logger.Warn("subscriber lagging, event dropped",
				"resource", ev.Resource(), "kind", ev.Kind())
		}
	}
}

// Close drops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, set := range h.subscribers {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subscribers = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		if atomic.CompareAndSwapInt32(&sub.closed, 0, 1) {
			close(sub.Events)
		}
	}
}

// HubStats reports fan-out counters.
type HubStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Active    int   `json:"active"`
}

// Stats returns the hub's counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	active := 0
	for _, set := range h.subscribers {
		active += len(set)
	}
	h.mu.RUnlock()
	return HubStats{
		Published: atomic.LoadInt64(&h.published),
		Dropped:   atomic.LoadInt64(&h.dropped),
		Active:    active,
	}
}
