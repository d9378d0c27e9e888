// Package domain defines the core domain models for the streaming relay.
package domain

// EventType represents the type of a stream event.
type EventType string

const (
	EventTypeSession EventType = "session"
	EventTypeContent EventType = "content"
	EventTypeDone    EventType = "done"
	EventTypeError   EventType = "error"
)

// Valid reports whether t is a recognized event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeSession, EventTypeContent, EventTypeDone, EventTypeError:
		return true
	}
	return false
}

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventTypeDone || t == EventTypeError
}

// StreamEvent is one unit of the wire protocol. The Type discriminator
// decides which payload fields are meaningful:
//   - session: SessionID
//   - content: Content, Index, SessionID
//   - done:    SessionID
//   - error:   Error, SessionID
type StreamEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Index     int       `json:"index"`
	Error     string    `json:"error,omitempty"`
}

// SessionEvent builds a session announcement event.
func SessionEvent(sessionID string) StreamEvent {
	return StreamEvent{Type: EventTypeSession, SessionID: sessionID}
}

// ContentEvent builds an ordered content event.
func ContentEvent(sessionID, text string, index int) StreamEvent {
	return StreamEvent{Type: EventTypeContent, SessionID: sessionID, Content: text, Index: index}
}

// DoneEvent builds the successful terminal event.
func DoneEvent(sessionID string) StreamEvent {
	return StreamEvent{Type: EventTypeDone, SessionID: sessionID}
}

// ErrorEvent builds the failing terminal event.
func ErrorEvent(sessionID, message string) StreamEvent {
	return StreamEvent{Type: EventTypeError, SessionID: sessionID, Error: message}
}
