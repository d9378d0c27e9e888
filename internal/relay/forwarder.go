package relay

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/husainf4l/balsanagent/internal/domain"
	"github.com/husainf4l/balsanagent/internal/policy"
	"github.com/husainf4l/balsanagent/internal/session"
)

// EmitFunc delivers one re-framed event to the downstream connection. A
// non-nil error means the client is gone and the stream must be torn down.
type EmitFunc func(domain.StreamEvent) error

// Result summarizes a finished relay stream.
type Result struct {
	SessionID string
	Response  string
	Err       string // message of the terminal error event, if the stream failed
}

// Options are the forwarder tuning knobs.
type Options struct {
	MaxConcurrentStreams int
	IdleTimeout          time.Duration
	OpenTimeout          time.Duration
	MaxMessageChars      int
	JoinSeparator        string
}

// Forwarder is the protocol-translation and admission-control midpoint
// between downstream clients and the upstream producer.
type Forwarder struct {
	upstream  Upstream
	registry  session.Registry
	admission *policy.Engine
	opts      Options

	active atomic.Int64
}

// NewForwarder creates a forwarder over the given upstream and registry.
// admission may be nil to skip policy evaluation.
func NewForwarder(upstream Upstream, registry session.Registry, admission *policy.Engine, opts Options) *Forwarder {
	if opts.MaxConcurrentStreams <= 0 {
		opts.MaxConcurrentStreams = 32
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = opts.IdleTimeout
	}
	if opts.JoinSeparator == "" {
		opts.JoinSeparator = " "
	}
	return &Forwarder{
		upstream:  upstream,
		registry:  registry,
		admission: admission,
		opts:      opts,
	}
}

// Active returns the number of currently open relay streams.
func (f *Forwarder) Active() int64 {
	return f.active.Load()
}

// Validate checks the request against the admission policy without opening
// a stream. Used by the non-streaming surface to reject malformed input
// synchronously.
func (f *Forwarder) Validate(ctx context.Context, req domain.StreamRequest) error {
	if f.admission == nil {
		if strings.TrimSpace(req.Message) == "" {
			return domain.ErrEmptyMessage
		}
		if f.opts.MaxMessageChars > 0 && len(req.Message) > f.opts.MaxMessageChars {
			return domain.ErrMessageTooLong
		}
		return nil
	}

	decision, reason, err := f.admission.Evaluate(ctx, policy.Input{
		Message:   req.Message,
		Length:    len(req.Message),
		MaxLength: f.opts.MaxMessageChars,
		SessionID: req.SessionID,
	})
	if err != nil {
		return fmt.Errorf("admission evaluation failed: %w", err)
	}
	if decision != policy.DecisionAllow {
		return fmt.Errorf("%w: %s", domain.ErrRequestBlocked, reason)
	}
	return nil
}

// Relay runs one full stream: admission, session resolution, upstream open,
// event-by-event forwarding, and the history append on completion. Every
// event handed to emit has already been validated and is delivered in
// upstream order. Relay itself returns an error only when the request never
// became a stream (validation or session failure before any event).
func (f *Forwarder) Relay(ctx context.Context, req domain.StreamRequest, emit EmitFunc) (*Result, error) {
	if err := f.Validate(ctx, req); err != nil {
		return nil, err
	}

	// Admission ceiling. The slot is taken before the upstream opens and
	// released exactly once on every exit path.
	if f.active.Add(1) > int64(f.opts.MaxConcurrentStreams) {
		f.active.Add(-1)
		log.Printf("WARN: stream rejected, ceiling of %d reached", f.opts.MaxConcurrentStreams)
		result := &Result{SessionID: req.SessionID, Err: domain.ErrStreamLimit.Error()}
		emit(domain.ErrorEvent(req.SessionID, result.Err))
		return result, nil
	}
	defer f.active.Add(-1)

	// Resolve the session. An unknown caller-supplied id is a request to
	// create a fresh session under that id; the announcement event is only
	// owed when the id is server-assigned.
	announce := req.SessionID == ""
	resolved, err := f.registry.Create(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	sessionID := resolved.SessionID
	req.SessionID = sessionID
	if len(req.History) == 0 {
		req.History = resolved.Turns
	}

	result := &Result{SessionID: sessionID}

	if announce {
		if err := emit(domain.SessionEvent(sessionID)); err != nil {
			return result, nil // client gone before the stream opened
		}
	}

	upstreamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := f.upstream.Open(upstreamCtx, req)
	if err != nil {
		// The transport error can carry internal addresses; clients get a
		// generic message, the detail stays in the log.
		log.Printf("ERROR: failed to open upstream stream: %v", err)
		result.Err = "failed to reach agent"
		emit(domain.ErrorEvent(sessionID, result.Err))
		return result, nil
	}

	var parts []string
	timeout := f.opts.OpenTimeout // until the first event arrives
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				// Upstream ended without a terminal event.
				result.Err = "upstream closed unexpectedly"
				emit(domain.ErrorEvent(sessionID, result.Err))
				return result, nil
			}

			if !timer.Stop() {
				<-timer.C
			}
			timeout = f.opts.IdleTimeout
			timer.Reset(timeout)

			// The forwarder owns the session identity downstream; a
			// producer-assigned announcement is redundant once the
			// registry resolved one.
			if event.Type == domain.EventTypeSession && !announce {
				continue
			}
			event.SessionID = sessionID

			if event.Type == domain.EventTypeContent {
				// Re-sequence so a frame skipped upstream never surfaces
				// as a gap in the downstream indexes.
				event.Index = len(parts)
				parts = append(parts, event.Content)
			}

			if err := emit(event); err != nil {
				log.Printf("INFO: client disconnected, cancelling upstream for session %s", sessionID)
				return result, nil
			}

			switch event.Type {
			case domain.EventTypeDone:
				result.Response = strings.Join(parts, f.opts.JoinSeparator)
				if err := f.registry.AppendTurn(ctx, sessionID,
					domain.Turn{Role: "user", Content: req.Message},
					domain.Turn{Role: "assistant", Content: result.Response},
				); err != nil {
					log.Printf("ERROR: failed to append history for session %s: %v", sessionID, err)
				}
				return result, nil
			case domain.EventTypeError:
				result.Err = event.Error
				return result, nil
			}

		case <-timer.C:
			result.Err = "upstream stalled"
			log.Printf("WARN: no upstream event within %s for session %s", timeout, sessionID)
			emit(domain.ErrorEvent(sessionID, result.Err))
			return result, nil

		case <-ctx.Done():
			log.Printf("INFO: downstream context cancelled for session %s", sessionID)
			return result, nil
		}
	}
}
