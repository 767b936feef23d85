package session

import "sync"

// Manager owns at most one State per UI session key. A model switch discards
// the old State rather than migrating it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*State{}}
}

// GetOrCreate returns the session bound to key, creating it on the first user
// turn. If the caller selected a different model, the existing session is
// discarded and a fresh one created.
func (m *Manager) GetOrCreate(key, model string, vision bool) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[key]; ok && st.ModelName == model {
		return st
	}
	st := NewState(model, vision)
	m.sessions[key] = st
	return st
}

func (m *Manager) Get(key string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[key]
	return st, ok
}

// Clear discards the session unconditionally.
func (m *Manager) Clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

// Len reports active sessions, for the health endpoint.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
