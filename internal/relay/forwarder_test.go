package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/husainf4l/balsanagent/internal/domain"
	"github.com/husainf4l/balsanagent/internal/policy"
	"github.com/husainf4l/balsanagent/internal/session"
)

// fakeUpstream scripts upstream behavior and counts opens.
type fakeUpstream struct {
	opens  atomic.Int32
	script func(ctx context.Context, req domain.StreamRequest, events chan<- domain.StreamEvent)
}

func (u *fakeUpstream) Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	u.opens.Add(1)
	events := make(chan domain.StreamEvent, 8)
	go func() {
		defer close(events)
		u.script(ctx, req, events)
	}()
	return events, nil
}

func wordsUpstream(words ...string) *fakeUpstream {
	return &fakeUpstream{script: func(ctx context.Context, req domain.StreamRequest, events chan<- domain.StreamEvent) {
		for i, w := range words {
			events <- domain.ContentEvent(req.SessionID, w, i)
		}
		events <- domain.DoneEvent(req.SessionID)
	}}
}

type collector struct {
	mu     sync.Mutex
	events []domain.StreamEvent
	failAt int // fail on the n-th emit (1-based); 0 disables
}

func (c *collector) emit(e domain.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	if c.failAt > 0 && len(c.events) >= c.failAt {
		return errors.New("broken pipe")
	}
	return nil
}

func (c *collector) all() []domain.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.StreamEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newForwarder(upstream Upstream, opts Options) (*Forwarder, session.Registry) {
	registry := session.NewMemoryRegistry()
	return NewForwarder(upstream, registry, nil, opts), registry
}

func TestRelayHappyPathGeneratedSession(t *testing.T) {
	f, registry := newForwarder(wordsUpstream("hello", "streaming", "world"), Options{})
	c := &collector{}

	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi"}, c.emit)
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)
	assert.Equal(t, "hello streaming world", result.Response)
	assert.Empty(t, result.Err)

	events := c.all()
	require.Len(t, events, 5)
	assert.Equal(t, domain.EventTypeSession, events[0].Type)
	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.EventTypeContent, events[i+1].Type)
		assert.Equal(t, i, events[i+1].Index)
		assert.Equal(t, result.SessionID, events[i+1].SessionID)
	}
	assert.Equal(t, domain.EventTypeDone, events[4].Type)

	history, err := registry.History(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.Turn{Role: "user", Content: "hi"}, history[0])
	assert.Equal(t, domain.Turn{Role: "assistant", Content: "hello streaming world"}, history[1])

	assert.Equal(t, int64(0), f.Active())
}

func TestRelaySuppliedSessionOmitsAnnouncement(t *testing.T) {
	f, _ := newForwarder(wordsUpstream("ok"), Options{})
	c := &collector{}

	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "existing"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, "existing", result.SessionID)

	events := c.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeContent, events[0].Type)
	assert.Equal(t, domain.EventTypeDone, events[1].Type)
}

func TestRelayCustomJoinSeparator(t *testing.T) {
	f, _ := newForwarder(wordsUpstream("a", "b"), Options{JoinSeparator: ""})
	// An empty separator falls back to the default single space.
	c := &collector{}
	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "s"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, "a b", result.Response)

	f2, _ := newForwarder(wordsUpstream("a", "b"), Options{JoinSeparator: "-"})
	result, err = f2.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "s"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, "a-b", result.Response)
}

func TestRelayAdmissionCeiling(t *testing.T) {
	release := make(chan struct{})
	blocked := &fakeUpstream{script: func(ctx context.Context, req domain.StreamRequest, events chan<- domain.StreamEvent) {
		events <- domain.ContentEvent(req.SessionID, "first", 0)
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		events <- domain.DoneEvent(req.SessionID)
	}}

	f, registry := newForwarder(blocked, Options{MaxConcurrentStreams: 2, IdleTimeout: 5 * time.Second})

	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &collector{}
			emit := func(e domain.StreamEvent) error {
				if e.Type == domain.EventTypeContent {
					started <- struct{}{}
				}
				return c.emit(e)
			}
			_, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "busy"}, emit)
			assert.NoError(t, err)
		}()
	}

	// Wait until both streams are provably in flight.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("streams did not start")
		}
	}

	c := &collector{}
	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "late"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, domain.ErrStreamLimit.Error(), result.Err)

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeError, events[0].Type)

	// The rejected request never touched the upstream or the registry.
	assert.Equal(t, int32(2), blocked.opens.Load())
	_, err = registry.Get(context.Background(), "late")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	close(release)
	wg.Wait()
	assert.Equal(t, int64(0), f.Active())
}

func TestRelayUpstreamErrorLeavesHistoryUntouched(t *testing.T) {
	failing := &fakeUpstream{script: func(ctx context.Context, req domain.StreamRequest, events chan<- domain.StreamEvent) {
		for i, w := range []string{"one", "two", "three"} {
			events <- domain.ContentEvent(req.SessionID, w, i)
		}
		events <- domain.ErrorEvent(req.SessionID, "generation failed: model unavailable")
	}}
	f, registry := newForwarder(failing, Options{})
	c := &collector{}

	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "s1"}, c.emit)
	require.NoError(t, err)
	assert.Contains(t, result.Err, "model unavailable")

	events := c.all()
	require.Len(t, events, 4)
	assert.Equal(t, domain.EventTypeError, events[3].Type)

	history, err := registry.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, int64(0), f.Active())
}

func TestRelayStallSynthesizesError(t *testing.T) {
	silent := &fakeUpstream{script: func(ctx context.Context, req domain.StreamRequest, events chan<- domain.StreamEvent) {
		<-ctx.Done()
	}}
	f, registry := newForwarder(silent, Options{IdleTimeout: 50 * time.Millisecond, OpenTimeout: 50 * time.Millisecond})
	c := &collector{}

	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "s1"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, "upstream stalled", result.Err)

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeError, events[0].Type)
	assert.Equal(t, "upstream stalled", events[0].Error)

	history, err := registry.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, int64(0), f.Active())
}

func TestRelayDownstreamDisconnectCancelsUpstream(t *testing.T) {
	cancelled := make(chan struct{})
	slow := &fakeUpstream{script: func(ctx context.Context, req domain.StreamRequest, events chan<- domain.StreamEvent) {
		// Far more events than the channel buffer holds, so the script is
		// guaranteed to block and observe the cancellation.
		for i := 0; i < 100; i++ {
			select {
			case events <- domain.ContentEvent(req.SessionID, "word", i):
			case <-ctx.Done():
				close(cancelled)
				return
			}
		}
		events <- domain.DoneEvent(req.SessionID)
	}}
	f, registry := newForwarder(slow, Options{})

	c := &collector{failAt: 3}
	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "s1"}, c.emit)
	require.NoError(t, err)
	assert.Empty(t, result.Err)
	assert.Empty(t, result.Response)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was not cancelled after downstream disconnect")
	}

	history, err := registry.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, int64(0), f.Active())
}

func TestRelayUpstreamClosedWithoutTerminal(t *testing.T) {
	truncated := &fakeUpstream{script: func(ctx context.Context, req domain.StreamRequest, events chan<- domain.StreamEvent) {
		events <- domain.ContentEvent(req.SessionID, "partial", 0)
	}}
	f, _ := newForwarder(truncated, Options{})
	c := &collector{}

	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "s1"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, "upstream closed unexpectedly", result.Err)

	events := c.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeError, events[1].Type)
}

func TestRelayWithAdmissionEngine(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	upstream := wordsUpstream("hello", "there")
	registry := session.NewMemoryRegistry()
	f := NewForwarder(upstream, registry, engine, Options{MaxMessageChars: 40})

	// A normal message passes admission and relays end to end.
	c := &collector{}
	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hello there", SessionID: "s1"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Response)
	assert.Empty(t, result.Err)

	err = f.Validate(context.Background(), domain.StreamRequest{Message: "   "})
	require.ErrorIs(t, err, domain.ErrRequestBlocked)
	assert.Contains(t, err.Error(), "empty")

	err = f.Validate(context.Background(), domain.StreamRequest{Message: strings.Repeat("x", 41)})
	require.ErrorIs(t, err, domain.ErrRequestBlocked)
	assert.Contains(t, err.Error(), "maximum length")

	// Blocked requests never reach the upstream.
	blocked := &collector{}
	_, err = f.Relay(context.Background(), domain.StreamRequest{Message: ""}, blocked.emit)
	require.Error(t, err)
	assert.Empty(t, blocked.all())
	assert.Equal(t, int32(1), upstream.opens.Load())
}

func TestRelayResequencesGappedIndexes(t *testing.T) {
	gapped := &fakeUpstream{script: func(ctx context.Context, req domain.StreamRequest, events chan<- domain.StreamEvent) {
		// Indexes as an upstream would leave them after dropping a
		// malformed frame.
		events <- domain.ContentEvent(req.SessionID, "a", 0)
		events <- domain.ContentEvent(req.SessionID, "b", 3)
		events <- domain.ContentEvent(req.SessionID, "c", 7)
		events <- domain.DoneEvent(req.SessionID)
	}}
	f, _ := newForwarder(gapped, Options{})
	c := &collector{}

	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "s1"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, "a b c", result.Response)

	events := c.all()
	require.Len(t, events, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.EventTypeContent, events[i].Type)
		assert.Equal(t, i, events[i].Index)
	}
	assert.Equal(t, domain.EventTypeDone, events[3].Type)
}

// erroringUpstream fails to open, with transport detail in the error.
type erroringUpstream struct{}

func (u *erroringUpstream) Open(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	return nil, errors.New("dial tcp 10.0.0.7:8010: connect: connection refused")
}

func TestRelayUpstreamOpenFailureHidesDetail(t *testing.T) {
	registry := session.NewMemoryRegistry()
	f := NewForwarder(&erroringUpstream{}, registry, nil, Options{})
	c := &collector{}

	result, err := f.Relay(context.Background(), domain.StreamRequest{Message: "hi", SessionID: "s1"}, c.emit)
	require.NoError(t, err)
	assert.Equal(t, "failed to reach agent", result.Err)

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeError, events[0].Type)
	assert.NotContains(t, events[0].Error, "10.0.0.7")
	assert.Equal(t, int64(0), f.Active())
}

func TestValidateRejectsMalformedInput(t *testing.T) {
	f, _ := newForwarder(wordsUpstream("ok"), Options{MaxMessageChars: 10})

	err := f.Validate(context.Background(), domain.StreamRequest{Message: "   "})
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	err = f.Validate(context.Background(), domain.StreamRequest{Message: "this is far too long"})
	assert.ErrorIs(t, err, domain.ErrMessageTooLong)

	// A rejected request never opens a stream.
	c := &collector{}
	_, err = f.Relay(context.Background(), domain.StreamRequest{Message: ""}, c.emit)
	require.Error(t, err)
	assert.Empty(t, c.all())
	assert.Equal(t, int64(0), f.Active())
}
