package lifecycle

import (
	"sync"

	"github.com/Neuxbane/Docker/internal/domain"
)

// TransientSet tracks in-flight lifecycle states per (project, service).
// Entries are process-local and cleared once the steady state is observed.
type TransientSet struct {
	mu      sync.RWMutex
	entries map[transientKey]domain.ServiceStatus
}

type transientKey struct {
	projectDir string
	service    string
}

// NewTransientSet creates an empty set.
func NewTransientSet() *TransientSet {
	return &TransientSet{entries: make(map[transientKey]domain.ServiceStatus)}
}

// Set records a transient state for the service.
func (t *TransientSet) Set(projectDir, service string, status domain.ServiceStatus) {
	t.mu.Lock()
	t.entries[transientKey{projectDir, service}] = status
	t.mu.Unlock()
}

// Clear removes the entry for the service.
func (t *TransientSet) Clear(projectDir, service string) {
	t.mu.Lock()
	delete(t.entries, transientKey{projectDir, service})
	t.mu.Unlock()
}

// Get returns the transient state for the service, if any.
func (t *TransientSet) Get(projectDir, service string) (domain.ServiceStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.entries[transientKey{projectDir, service}]
	return status, ok
}
