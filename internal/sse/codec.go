// Package sse implements the line-delimited event protocol shared by the
// agent and gateway services. A frame is a single `data: <json>` line
// followed by a blank line; any other line is a comment or keep-alive.
package sse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/husainf4l/balsanagent/internal/domain"
)

const dataPrefix = "data: "

// DecodeError reports a payload that could not be turned into a StreamEvent.
type DecodeError struct {
	Payload string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %q: %s", e.Payload, e.Reason)
}

// Encode renders an event as a wire frame. Encoding is total for any event
// built from the domain constructors; a marshal failure cannot happen for
// the plain-field StreamEvent struct.
func Encode(event domain.StreamEvent) []byte {
	data, _ := json.Marshal(event)
	frame := make([]byte, 0, len(dataPrefix)+len(data)+2)
	frame = append(frame, dataPrefix...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame
}

// Decode parses one data-line payload (without the `data: ` prefix) into a
// StreamEvent. It fails on malformed JSON and on unknown type tags.
func Decode(payload string) (domain.StreamEvent, error) {
	var event domain.StreamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return domain.StreamEvent{}, &DecodeError{Payload: payload, Reason: err.Error()}
	}
	if !event.Type.Valid() {
		return domain.StreamEvent{}, &DecodeError{Payload: payload, Reason: fmt.Sprintf("unknown event type %q", event.Type)}
	}
	return event, nil
}

// DataLine extracts the payload from a raw protocol line. ok is false for
// blank lines, comments and keep-alives, which consumers must skip.
func DataLine(line string) (payload string, ok bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
