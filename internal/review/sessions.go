package review

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs
	ErrSessionNotFound = errors.New("session not found")

	// ErrExportInFlight is returned when an export is already running
	// for the session. Pending exports are single-flight, not queued.
	ErrExportInFlight = errors.New("export already in progress")
)

// Session pairs one review state with the guard that prevents re-entrant
// duplicate exports. Each browsing session owns exactly one Session;
// there is no shared state between sessions.
type Session struct {
	ID    string
	State *State

	mu        sync.Mutex
	exporting bool
}

// Lock takes the session's mutex for the duration of one operation
func (s *Session) Lock() {
	s.mu.Lock()
}

// Unlock releases the session's mutex
func (s *Session) Unlock() {
	s.mu.Unlock()
}

// BeginExport marks the session as exporting. It returns false if an
// export is already in flight.
func (s *Session) BeginExport() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exporting {
		return false
	}
	s.exporting = true
	return true
}

// EndExport clears the single-flight guard
func (s *Session) EndExport() {
	s.mu.Lock()
	s.exporting = false
	s.mu.Unlock()
}

// IDGenerator generates unique session IDs
type IDGenerator interface {
	Generate() string
}

// defaultIDGenerator generates random UUID session IDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// Sessions is the registry of live review sessions
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session

	labels      LabelStore
	timeSource  TimeSource
	idGenerator IDGenerator
}

// NewSessions creates an empty registry. New states read their field
// labels from the given store.
func NewSessions(labels LabelStore) *Sessions {
	return NewSessionsWithDeps(labels, &defaultTimeSource{}, &defaultIDGenerator{})
}

// NewSessionsWithDeps creates a registry with custom dependencies for testing
func NewSessionsWithDeps(labels LabelStore, timeSource TimeSource, idGen IDGenerator) *Sessions {
	return &Sessions{
		sessions:    make(map[string]*Session),
		labels:      labels,
		timeSource:  timeSource,
		idGenerator: idGen,
	}
}

// Create starts a new empty review session and returns it
func (r *Sessions) Create() *Session {
	session := &Session{
		ID:    r.idGenerator.Generate(),
		State: NewStateWithDeps(r.labels, r.timeSource),
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	return session
}

// Get returns the session with the given ID
func (r *Sessions) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}
