// Package session implements the session registry: the keyed store of
// conversational state shared by concurrent streams.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/husainf4l/balsanagent/internal/domain"
)

// Registry defines the session store contract. Mutations are keyed by
// session id and linearizable per key; unrelated sessions never block each
// other on a shared lock.
type Registry interface {
	// Get returns the session, or domain.ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// Create creates an empty session under the given id. An empty id asks
	// the registry to mint one. Creating an id that already exists returns
	// the existing session unchanged.
	Create(ctx context.Context, sessionID string) (*domain.Session, error)

	// AppendTurn appends completed turns to the session history, creating
	// the session if it does not exist yet.
	AppendTurn(ctx context.Context, sessionID string, turns ...domain.Turn) error

	// History returns the ordered turn history. Unknown ids yield an empty
	// history, mirroring Get's not-found-is-not-an-error contract.
	History(ctx context.Context, sessionID string) ([]domain.Turn, error)

	// Clear atomically destroys the session and returns the id of the
	// fresh, empty replacement session. Clearing an unknown id still
	// returns a fresh id. Last writer wins under concurrent clears.
	Clear(ctx context.Context, sessionID string) (string, error)

	Close() error
}

// entry is one arena slot; its lock serializes mutations for a single id.
type entry struct {
	mu      sync.Mutex
	session *domain.Session
}

// MemoryRegistry is the in-process Registry implementation: a map indexed
// by session id with a per-entry mutex.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]*entry)}
}

// lookup returns the entry for id, creating it when create is set. The
// registry-level lock is held only for map access, never for history work.
func (r *MemoryRegistry) lookup(id string, create bool) *entry {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok || !create {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[id]; ok {
		return e
	}
	e = &entry{session: &domain.Session{
		SessionID: id,
		Turns:     []domain.Turn{},
		CreatedAt: time.Now(),
	}}
	r.entries[id] = e
	return e
}

func (r *MemoryRegistry) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	e := r.lookup(sessionID, false)
	if e == nil {
		return nil, domain.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.session), nil
}

func (r *MemoryRegistry) Create(ctx context.Context, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	e := r.lookup(sessionID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.session), nil
}

func (r *MemoryRegistry) AppendTurn(ctx context.Context, sessionID string, turns ...domain.Turn) error {
	e := r.lookup(sessionID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Turns = append(e.session.Turns, turns...)
	e.session.LastActivity = time.Now()
	return nil
}

func (r *MemoryRegistry) History(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	e := r.lookup(sessionID, false)
	if e == nil {
		return []domain.Turn{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := make([]domain.Turn, len(e.session.Turns))
	copy(turns, e.session.Turns)
	return turns, nil
}

func (r *MemoryRegistry) Clear(ctx context.Context, sessionID string) (string, error) {
	newID := uuid.New().String()

	r.mu.Lock()
	delete(r.entries, sessionID)
	r.entries[newID] = &entry{session: &domain.Session{
		SessionID: newID,
		Turns:     []domain.Turn{},
		CreatedAt: time.Now(),
	}}
	r.mu.Unlock()

	return newID, nil
}

func (r *MemoryRegistry) Close() error { return nil }

func snapshot(s *domain.Session) *domain.Session {
	copied := *s
	copied.Turns = make([]domain.Turn, len(s.Turns))
	copy(copied.Turns, s.Turns)
	return &copied
}
