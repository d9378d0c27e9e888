// Package hub fans relayed stream events out to WebSocket observers. An
// observer watches a session; every event the forwarder sends downstream is
// mirrored to all observers of that session.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/husainf4l/balsanagent/internal/domain"
)

// Observer is a single WebSocket connection watching one session.
type Observer struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte

	mu sync.Mutex
}

// WriteMessage writes to the connection with proper locking.
func (o *Observer) WriteMessage(messageType int, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (o *Observer) SetWriteDeadline(t time.Time) error {
	return o.Conn.SetWriteDeadline(t)
}

type sessionEvent struct {
	sessionID string
	data      []byte
}

// Hub manages all observers.
type Hub struct {
	observers map[string]*Observer
	sessions  map[string]map[string]bool // session id -> observer ids

	register   chan *Observer
	unregister chan *Observer
	mirror     chan sessionEvent

	mu sync.RWMutex
}

// New creates a hub; call Run on its own goroutine before use.
func New() *Hub {
	return &Hub{
		observers:  make(map[string]*Observer),
		sessions:   make(map[string]map[string]bool),
		register:   make(chan *Observer),
		unregister: make(chan *Observer),
		mirror:     make(chan sessionEvent, 256),
	}
}

// Run drives registration and fan-out until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case obs := <-h.register:
			h.mu.Lock()
			h.observers[obs.ID] = obs
			if h.sessions[obs.SessionID] == nil {
				h.sessions[obs.SessionID] = make(map[string]bool)
			}
			h.sessions[obs.SessionID][obs.ID] = true
			h.mu.Unlock()
			log.Printf("INFO: observer %s watching session %s", obs.ID, obs.SessionID)

		case obs := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.observers[obs.ID]; ok {
				delete(h.observers, obs.ID)
				if h.sessions[obs.SessionID] != nil {
					delete(h.sessions[obs.SessionID], obs.ID)
					if len(h.sessions[obs.SessionID]) == 0 {
						delete(h.sessions, obs.SessionID)
					}
				}
				close(obs.Send)
			}
			h.mu.Unlock()

		case evt := <-h.mirror:
			h.mu.RLock()
			for obsID := range h.sessions[evt.sessionID] {
				obs, exists := h.observers[obsID]
				if !exists {
					continue
				}
				select {
				case obs.Send <- evt.data:
				default:
					// Slow observer; drop it rather than stall the relay.
					log.Printf("WARN: observer %s buffer full, dropping", obsID)
					go h.Unregister(obs)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewObserver creates an observer for the given session.
func (h *Hub) NewObserver(ws *websocket.Conn, sessionID string) *Observer {
	return &Observer{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Conn:      ws,
		Send:      make(chan []byte, 256),
	}
}

// Register adds an observer to the hub.
func (h *Hub) Register(obs *Observer) {
	h.register <- obs
}

// Unregister removes an observer from the hub.
func (h *Hub) Unregister(obs *Observer) {
	h.unregister <- obs
}

// Mirror forwards one relayed event to the session's observers.
func (h *Hub) Mirror(sessionID string, event domain.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.mirror <- sessionEvent{sessionID: sessionID, data: data}:
	default:
		log.Printf("WARN: hub mirror queue full, dropping event for session %s", sessionID)
	}
}

// ObserverCount returns the number of connected observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// SessionCount returns the number of sessions under observation.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
