package processor

import (
	"sync"

	"github.com/MimeLyc/strproc/internal/channel"
	"github.com/MimeLyc/strproc/pkg/log"
)

const defaultSubscriberBuffer = 256

// Hub fans job events out to every notification session of their owner.
// Each subscriber sees the owner's events in publish order. A subscriber that
// falls a full buffer behind is dropped and its channel closed.
type Hub struct {
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan channel.Event
}

func NewHub() *Hub {
	return &Hub{
		buffer: defaultSubscriberBuffer,
		subs:   make(map[string]map[int]chan channel.Event),
	}
}

// Subscribe registers a session for owner. The returned function
// unsubscribes and is safe to call more than once.
func (h *Hub) Subscribe(owner string) (<-chan channel.Event, func()) {
	ch := make(chan channel.Event, h.buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[owner] == nil {
		h.subs[owner] = make(map[int]chan channel.Event)
	}
	h.subs[owner][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.removeLocked(owner, id)
		})
	}
}

func (h *Hub) Publish(owner string, ev channel.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs[owner] {
		select {
		case ch <- ev:
		default:
			log.Warn("Dropping slow notification subscriber %d of %q", id, owner)
			h.removeLocked(owner, id)
		}
	}
}

// Subscribers counts the live sessions of owner.
func (h *Hub) Subscribers(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[owner])
}

func (h *Hub) removeLocked(owner string, id int) {
	ch, ok := h.subs[owner][id]
	if !ok {
		return
	}
	close(ch)
	delete(h.subs[owner], id)
	if len(h.subs[owner]) == 0 {
		delete(h.subs, owner)
	}
}
