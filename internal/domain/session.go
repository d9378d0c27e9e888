package domain

import "time"

// Turn is one role/content pair in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session holds the conversational state referenced by stream requests.
// The identifier is immutable once created; Clear on the registry replaces
// the whole session under a new identifier rather than mutating this one.
type Session struct {
	SessionID    string    `json:"session_id"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// StreamRequest is the inbound request that opens a relay stream.
type StreamRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	// History carries prior turns when the request crosses the
	// gateway -> agent hop, so the agent stays stateless.
	History []Turn `json:"history,omitempty"`
}

// ChatResponse is the buffered, non-streaming response shape.
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}
