package vigil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType classifies a monitoring event.
type EventType string

const (
	// EventIncident covers incident lifecycle changes.
	EventIncident EventType = "incident"
	// EventAlert covers dispatched alerts.
	EventAlert EventType = "alert"
	// EventIssue covers detected performance issues.
	EventIssue EventType = "issue"
	// EventHealth covers health-check state transitions.
	EventHealth EventType = "health"
)

// Event is one monitoring event published to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Exactly one of these is set, matching Type.
	Incident *Incident         `json:"incident,omitempty"`
	Alert    *Alert            `json:"alert,omitempty"`
	Issue    *PerformanceIssue `json:"issue,omitempty"`
	Health   *HealthEvent      `json:"health,omitempty"`

	// Change qualifies incident events: "opened", "updated",
	// "investigating" or "resolved".
	Change string `json:"change,omitempty"`
}

// HealthEvent describes a health-check state transition.
type HealthEvent struct {
	CheckID string      `json:"check_id"`
	Healthy bool        `json:"healthy"`
	Result  CheckResult `json:"result"`
}

// EventSubscription is one active event subscription. Events are
// delivered on C; a slow consumer whose buffer fills loses events
// rather than blocking publishers.
type EventSubscription struct {
	ID    string
	Types map[EventType]bool

	ch     chan Event
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel events are delivered on.
func (s *EventSubscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// EventHub fans monitoring events out to in-process subscribers and
// WebSocket clients.
type EventHub struct {
	cfg    StreamConfig
	mu     sync.RWMutex
	subs   map[string]*EventSubscription
	nextID uint64
}

func newEventHub(cfg StreamConfig) *EventHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &EventHub{
		cfg:  cfg,
		subs: make(map[string]*EventSubscription),
	}
}

// Subscribe creates a subscription filtered to the given event types.
// An empty type list receives everything.
func (h *EventHub) Subscribe(types ...EventType) *EventSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &EventSubscription{
		ID:   fmt.Sprintf("sub-%d", h.nextID),
		ch:   make(chan Event, h.cfg.BufferSize),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.Types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.Types[t] = true
		}
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish delivers an event to all matching subscriptions.
func (h *EventHub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.Types != nil && !sub.Types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop the event
		}
	}
}

// Count returns the number of active subscriptions.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamCommand is the JSON format for WebSocket client commands and
// server responses.
type streamCommand struct {
	Type  string      `json:"type"`
	Kinds []EventType `json:"kinds,omitempty"`
	SubID string      `json:"sub_id,omitempty"`
	Event *Event      `json:"event,omitempty"`
	Error string      `json:"error,omitempty"`
}

// WebSocketHandler returns an HTTP handler that streams events over a
// WebSocket connection. Clients send {"type":"subscribe","kinds":[...]}
// and {"type":"unsubscribe","sub_id":"..."} commands.
func (h *EventHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		connSubs := make(map[string]*EventSubscription)
		var connMu sync.Mutex

		go func() {
			defer cancel()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var cmd streamCommand
				if err := json.Unmarshal(msg, &cmd); err != nil {
					h.sendError(conn, "invalid message format")
					continue
				}

				switch cmd.Type {
				case "subscribe":
					sub := h.Subscribe(cmd.Kinds...)
					connMu.Lock()
					connSubs[sub.ID] = sub
					connMu.Unlock()

					resp, _ := json.Marshal(streamCommand{
						Type:  "subscribed",
						SubID: sub.ID,
					})
					_ = conn.WriteMessage(websocket.TextMessage, resp)

					go h.forwardEvents(ctx, conn, sub)

				case "unsubscribe":
					connMu.Lock()
					if sub, ok := connSubs[cmd.SubID]; ok {
						delete(connSubs, cmd.SubID)
						h.Unsubscribe(sub.ID)
					}
					connMu.Unlock()

					resp, _ := json.Marshal(streamCommand{
						Type:  "unsubscribed",
						SubID: cmd.SubID,
					})
					_ = conn.WriteMessage(websocket.TextMessage, resp)

				default:
					h.sendError(conn, "unknown command: "+cmd.Type)
				}
			}
		}()

		<-ctx.Done()

		connMu.Lock()
		for _, sub := range connSubs {
			h.Unsubscribe(sub.ID)
		}
		connMu.Unlock()
	}
}

func (h *EventHub) forwardEvents(ctx context.Context, conn *websocket.Conn, sub *EventSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			msg, _ := json.Marshal(streamCommand{
				Type:  "event",
				SubID: sub.ID,
				Event: &ev,
			})
			if h.cfg.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) sendError(conn *websocket.Conn, msg string) {
	resp, _ := json.Marshal(streamCommand{
		Type:  "error",
		Error: msg,
	})
	_ = conn.WriteMessage(websocket.TextMessage, resp)
}
