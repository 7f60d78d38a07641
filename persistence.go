package hastate

import "sync"

// ServerPersistentState keeps the state a node needs across restarts
type ServerPersistentState interface {
	// InitialMode is the mode the node had when it stopped.
	// START is returned for a fresh or dirty node
	InitialMode() ServerMode

	// IsDBClean tells if the on disk data is known to be complete
	IsDBClean() bool

	// SetDBClean marks the on disk data as complete or not
	SetDBClean(clean bool) error

	// SetCurrentMode checkpoints the mode reported on next start
	SetCurrentMode(mode ServerMode) error

	// CurrentTerm is the last persisted consistency term
	CurrentTerm() int64

	// SetCurrentTerm persists the consistency term
	SetCurrentTerm(term int64) error

	// Close releases the underlying resources
	Close() error
}

// MemoryStore is a ServerPersistentState living in memory.
// It is used by tests and in process clusters
type MemoryStore struct {
	mu          sync.RWMutex
	initialMode ServerMode
	mode        ServerMode
	clean       bool
	term        int64
}

// NewMemoryStore returns a clean store reporting initialMode on start
func NewMemoryStore(initialMode ServerMode) *MemoryStore {
	return &MemoryStore{
		initialMode: initialMode,
		mode:        initialMode,
		clean:       true,
	}
}

// InitialMode returns the mode provided at creation
func (m *MemoryStore) InitialMode() ServerMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialMode
}

// IsDBClean returns the clean flag
func (m *MemoryStore) IsDBClean() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clean
}

// SetDBClean sets the clean flag
func (m *MemoryStore) SetDBClean(clean bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clean = clean
	return nil
}

// SetCurrentMode records mode
func (m *MemoryStore) SetCurrentMode(mode ServerMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

// CurrentMode returns the last recorded mode
func (m *MemoryStore) CurrentMode() ServerMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// CurrentTerm returns the recorded term
func (m *MemoryStore) CurrentTerm() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term
}

// SetCurrentTerm records term
func (m *MemoryStore) SetCurrentTerm(term int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	return nil
}

// Close does nothing
func (m *MemoryStore) Close() error {
	return nil
}
