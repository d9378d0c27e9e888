// Package relay implements the gateway's streaming core: upstream event
// sources, admission control, and the forwarder that re-frames events for
// downstream clients.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/husainf4l/balsanagent/internal/agent"
	"github.com/husainf4l/balsanagent/internal/domain"
	"github.com/husainf4l/balsanagent/internal/sse"
)

// Upstream opens a stream of events for a request. The returned channel is
// closed when the stream ends; cancelling ctx must stop the source and
// release whatever it holds.
type Upstream interface {
	Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error)
}

// LocalUpstream serves events from an in-process producer. Used by the
// agent service itself and by gateway deployments that embed the agent.
type LocalUpstream struct {
	producer *agent.Producer
}

// NewLocalUpstream wraps a producer as an Upstream.
func NewLocalUpstream(producer *agent.Producer) *LocalUpstream {
	return &LocalUpstream{producer: producer}
}

func (u *LocalUpstream) Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	return u.producer.Stream(ctx, req), nil
}

// HTTPUpstream opens streams from a remote agent service over the wire
// protocol.
type HTTPUpstream struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPUpstream creates an upstream client for the agent at baseURL.
func NewHTTPUpstream(baseURL string) *HTTPUpstream {
	return &HTTPUpstream{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // long-lived streaming responses
		},
	}
}

// Open POSTs the request to the agent's /invoke endpoint and decodes the
// response frames. A malformed frame mid-stream is logged and skipped; a
// malformed first frame aborts the stream with a terminal error event,
// since no session confirmation could be established.
func (u *HTTPUpstream) Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(respBody))
	}

	events := make(chan domain.StreamEvent, 8)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		u.readFrames(ctx, resp.Body, events, req.SessionID)
	}()
	return events, nil
}

func (u *HTTPUpstream) readFrames(ctx context.Context, body io.Reader, events chan<- domain.StreamEvent, sessionID string) {
	scanner := bufio.NewScanner(body)
	first := true

	for scanner.Scan() {
		payload, ok := sse.DataLine(scanner.Text())
		if !ok {
			continue // blank line, comment or keep-alive
		}

		event, err := sse.Decode(payload)
		if err != nil {
			if first {
				log.Printf("ERROR: malformed first frame from agent: %v", err)
				deliver(ctx, events, domain.ErrorEvent(sessionID, "malformed response from agent"))
				return
			}
			log.Printf("WARN: skipping malformed frame from agent: %v", err)
			continue
		}
		first = false

		if !deliver(ctx, events, event) {
			return
		}
		if event.Type.Terminal() {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("WARN: agent stream read failed: %v", err)
	}
}

func deliver(ctx context.Context, events chan<- domain.StreamEvent, event domain.StreamEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
