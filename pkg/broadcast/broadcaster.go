package broadcast

import (
	"log"
	"sync"
)

// Event is one server-side notification routed to subscribers. Type matches
// the wire event name (job:progress, batch:progress, transcription:partial...)
// and EntityID is the job, batch or session the event belongs to.
type Event struct {
	Type     string
	EntityID string
	Payload  interface{}
}

// subscriber is one connected client with its own buffered outbound channel.
// A subscriber that cannot drain its buffer is dropped so it can never stall
// delivery to others or reorder events.
type subscriber struct {
	id     string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub fans out entity events to all current subscribers. Watching an entity
// that does not exist is not an error; it simply yields no events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	// watch maps entityID -> set of subscriberIDs.
	watch map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*subscriber),
		watch:       make(map[string]map[string]struct{}),
	}
}

// Register adds a subscriber and returns its outbound event channel. The
// channel is closed when the subscriber is removed or dropped.
func (h *Hub) Register(subscriberID string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{id: subscriberID, ch: make(chan Event, buffer)}

	h.mu.Lock()
	if old, ok := h.subscribers[subscriberID]; ok {
		old.close()
	}
	h.subscribers[subscriberID] = sub
	h.mu.Unlock()
	return sub.ch
}

// Deregister removes the subscriber and all of its subscriptions.
func (h *Hub) Deregister(subscriberID string) {
	h.mu.Lock()
	sub, ok := h.subscribers[subscriberID]
	if ok {
		delete(h.subscribers, subscriberID)
	}
	for _, watchers := range h.watch {
		delete(watchers, subscriberID)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Subscribe routes events for entityID to the subscriber.
func (h *Hub) Subscribe(subscriberID, entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[subscriberID]; !ok {
		return
	}
	watchers, ok := h.watch[entityID]
	if !ok {
		watchers = make(map[string]struct{})
		h.watch[entityID] = watchers
	}
	watchers[subscriberID] = struct{}{}
}

// Unsubscribe stops routing entityID events to the subscriber.
func (h *Hub) Unsubscribe(subscriberID, entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if watchers, ok := h.watch[entityID]; ok {
		delete(watchers, subscriberID)
		if len(watchers) == 0 {
			delete(h.watch, entityID)
		}
	}
}

// Publish delivers the event to every subscriber watching its entity.
// Callers invoke Publish at the state-change site, so per-entity ordering on
// each subscriber channel follows the order of the underlying state changes.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	watchers := h.watch[ev.EntityID]
	targets := make([]*subscriber, 0, len(watchers))
	for id := range watchers {
		if sub, ok := h.subscribers[id]; ok {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	var dropped []string
	for _, sub := range targets {
		if !sub.send(ev) {
			dropped = append(dropped, sub.id)
		}
	}
	for _, id := range dropped {
		log.Printf("Broadcaster: dropping slow subscriber %s", id)
		h.Deregister(id)
	}
}

// SubscriberCount reports the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
