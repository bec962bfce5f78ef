package services

import (
	"sync"
	"time"
)

// FeedbackEvent is one status change of a feedback item, pushed to
// dashboard clients as it happens.
type FeedbackEvent struct {
	FeedbackID uint      `json:"feedback_id"`
	EntityID   uint      `json:"entity_id"`
	Status     string    `json:"status"` // new, processing, processed, failed
	Attempt    int       `json:"attempt,omitempty"`
	Sentiment  string    `json:"sentiment,omitempty"`
	Score      *float64  `json:"score,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type sseClient struct {
	ch     chan FeedbackEvent
	filter func(FeedbackEvent) bool
}

// SSEHub fans feedback events out to connected clients.
// Slow clients lose events instead of blocking the pipeline.
type SSEHub struct {
	clients map[string]*sseClient
	mu      sync.RWMutex
}

func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients: make(map[string]*sseClient),
	}
}

// Subscribe registers a client. A nil filter receives every event.
func (h *SSEHub) Subscribe(clientID string, filter func(FeedbackEvent) bool) <-chan FeedbackEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.clients[clientID]; ok {
		close(old.ch)
	}
	ch := make(chan FeedbackEvent, 100)
	h.clients[clientID] = &sseClient{ch: ch, filter: filter}
	return ch
}

func (h *SSEHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[clientID]; ok {
		close(c.ch)
		delete(h.clients, clientID)
	}
}

func (h *SSEHub) Publish(event FeedbackEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if c.filter != nil && !c.filter(event) {
			continue
		}
		select {
		case c.ch <- event:
		default:
		}
	}
}

func (h *SSEHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
