package agent

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/husainf4l/balsanagent/internal/domain"
)

// Producer turns a stream request into a lazy, finite sequence of protocol
// events backed by the content generator.
type Producer struct {
	generator Generator
}

// NewProducer creates a producer over the given generator.
func NewProducer(generator Generator) *Producer {
	return &Producer{generator: generator}
}

// Stream produces the event sequence for one request. The first event is
// `session` when the identifier was server-assigned; content events carry
// contiguous zero-based indexes; the last event is exactly one `done` or
// `error`. Generator failures never escape as Go errors — they become a
// terminal error event, because downstream hops only relay frames.
//
// If ctx is cancelled the generator is stopped and the channel is closed
// without a terminal event: the consumer is gone, there is nobody left to
// address one to.
func (p *Producer) Stream(ctx context.Context, req domain.StreamRequest) <-chan domain.StreamEvent {
	events := make(chan domain.StreamEvent, 8)

	sessionID := req.SessionID
	assigned := false
	if sessionID == "" {
		sessionID = uuid.New().String()
		assigned = true
	}

	go func() {
		defer close(events)

		emit := func(event domain.StreamEvent) bool {
			select {
			case events <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if assigned {
			if !emit(domain.SessionEvent(sessionID)) {
				return
			}
		}

		gctx, cancel := context.WithCancel(ctx)
		defer cancel()

		fragments, errc := p.generator.Generate(gctx, req.Message)

		index := 0
		for fragment := range fragments {
			if !emit(domain.ContentEvent(sessionID, fragment, index)) {
				return
			}
			index++
		}

		if err := <-errc; err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("ERROR: generator failed after %d fragments: %v", index, err)
			emit(domain.ErrorEvent(sessionID, fmt.Sprintf("generation failed: %v", err)))
			return
		}

		emit(domain.DoneEvent(sessionID))
	}()

	return events
}
