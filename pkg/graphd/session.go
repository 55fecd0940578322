// Package graphd is the stateless query tier: sessions, the pipelined
// executor DAG, interim results between stages, and the response merge
// that folds per-partition failures into warnings.
package graphd

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// VariableHolder stores named interim results. Global variables are
// shared across sessions behind a reader-writer lock; session variables
// never cross goroutines of different sessions.
type VariableHolder struct {
	mu   sync.RWMutex
	vars map[string]*InterimResult
}

// NewVariableHolder creates an empty holder.
func NewVariableHolder() *VariableHolder {
	return &VariableHolder{vars: make(map[string]*InterimResult)}
}

// Set stores a variable.
func (h *VariableHolder) Set(name string, v *InterimResult) {
	h.mu.Lock()
	h.vars[name] = v
	h.mu.Unlock()
}

// Get reads a variable, nil when unset.
func (h *VariableHolder) Get(name string) *InterimResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.vars[name]
}

// Session is one authenticated client with its current space and
// variables.
type Session struct {
	ID        types.SessionID
	User      string
	Token     string
	Space     types.GraphSpaceID
	SpaceName string
	PartNum   uint32

	Vars     *VariableHolder
	lastUsed time.Time
}

// SessionManager tracks sessions and reclaims idle ones.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*Session
	nextID   types.SessionID
	idle     time.Duration
	globals  *VariableHolder

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSessionManager creates a manager reclaiming sessions idle longer
// than idleTimeout.
func NewSessionManager(idleTimeout time.Duration) *SessionManager {
	if idleTimeout <= 0 {
		idleTimeout = 8 * time.Hour
	}
	m := &SessionManager{
		sessions: make(map[types.SessionID]*Session),
		idle:     idleTimeout,
		globals:  NewVariableHolder(),
		stopCh:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reclaimLoop()
	return m
}

// Globals returns the process-wide variable holder.
func (m *SessionManager) Globals() *VariableHolder { return m.globals }

// Create opens a session for an authenticated user.
func (m *SessionManager) Create(user string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s := &Session{
		ID:       m.nextID,
		User:     user,
		Token:    uuid.NewString(),
		Vars:     NewVariableHolder(),
		lastUsed: time.Now(),
	}
	m.sessions[s.ID] = s
	return s
}

// Get returns a live session, refreshing its idle clock.
func (m *SessionManager) Get(id types.SessionID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, status.New(status.ErrSessionInvalid, "session %d unknown", id)
	}
	if time.Since(s.lastUsed) > m.idle {
		delete(m.sessions, id)
		return nil, status.New(status.ErrSessionTimeout, "session %d timed out", id)
	}
	s.lastUsed = time.Now()
	return s, nil
}

// Remove signs a session out.
func (m *SessionManager) Remove(id types.SessionID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Stop halts the reclaimer.
func (m *SessionManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *SessionManager) reclaimLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			for id, s := range m.sessions {
				if time.Since(s.lastUsed) > m.idle {
					delete(m.sessions, id)
				}
			}
			m.mu.Unlock()
		}
	}
}
