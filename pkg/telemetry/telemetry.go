// Package telemetry is the event surface the agent connection core emits to
// the host application: permission requests awaiting a decision, agent
// install/lifecycle phases, and streamed session updates. Delivery is
// fire-and-forget; a slow subscriber drops events rather than stalling the
// connection.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventAgentStatus        EventType = "agent.status"
	EventInstallStatus      EventType = "agent.install"
	EventPermissionRequest  EventType = "permission.requested"
	EventSessionContent     EventType = "session.content"
	EventSessionThought     EventType = "session.thought"
	EventSessionToolCall    EventType = "session.tool_call"
	EventSessionToolUpdate  EventType = "session.tool_update"
	EventSessionDone        EventType = "session.done"
	EventSessionError       EventType = "session.error"
)

// Event describes connection activity that UIs and bridges can consume.
type Event struct {
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"sessionId,omitempty"`
	TerminalID string         `json:"terminalId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Hub fans events out to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
}

// NewHub constructs an event hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan Event)}
}

// Publish notifies all subscribers. Non-blocking; drops on full buffers so a
// stuck UI can never back-pressure the protocol loop.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch, id := h.SubscribeWithID()
	return ch, func() { h.Unsubscribe(id) }
}

// SubscribeWithID returns a channel of future events plus the subscriber id
// for later removal.
func (h *Hub) SubscribeWithID() (<-chan Event, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, ""
	}

	id := uuid.NewString()
	ch := make(chan Event, 64)
	h.subscribers[id] = ch
	return ch, id
}

// Unsubscribe removes a subscriber by id and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
