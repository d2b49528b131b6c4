package services

import (
	"sync"

	"github.com/dmitrijs2005/listenalong/internal/server/models"
)

// Hub fans accepted updates out to listeners of a session. A slow listener
// loses its oldest buffered states and never blocks publishing.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan models.PlaybackState]struct{}
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: make(map[string]map[chan models.PlaybackState]struct{}), buffer: buffer}
}

// Subscribe registers a listener for sessionID. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan models.PlaybackState, func()) {
	ch := make(chan models.PlaybackState, h.buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[chan models.PlaybackState]struct{})
		h.subs[sessionID] = set
	}
	set[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sessionID][ch]; !ok {
			return
		}
		delete(h.subs[sessionID], ch)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
		close(ch)
	}
}

// Publish delivers st to every listener of st.SessionID.
func (h *Hub) Publish(st models.PlaybackState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[st.SessionID] {
		for {
			select {
			case ch <- st:
			default:
				// full: drop the oldest and try again
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Listeners reports how many listeners sessionID has.
func (h *Hub) Listeners(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Close closes every listener channel. Later subscriptions get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, id)
	}
}
