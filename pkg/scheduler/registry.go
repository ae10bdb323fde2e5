package scheduler

import (
	"fmt"
	"strings"
	"sync"
)

// registry is the process-local map of registered task definitions. It is
// never shared across instances; cluster-wide identity lives in the lease
// table. The same id may be registered again after a process restart.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*taskEntry
}

func newRegistry() *registry {
	return &registry{
		entries: map[string]*taskEntry{},
	}
}

// add validates the definition and stores a new entry. Registering an id
// twice within one process is a caller mistake.
func (r *registry) add(def Definition) (*taskEntry, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	// The trimmed id is the identity used by lookups and the lease table.
	def.ID = strings.TrimSpace(def.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[def.ID]; exists {
		return nil, schedulerError(ErrDuplicateTask, fmt.Sprintf("task %q is already registered", def.ID))
	}

	entry := newTaskEntry(def)
	r.entries[def.ID] = entry
	return entry, nil
}

func (r *registry) get(taskID string) (*taskEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[taskID]
	return entry, ok
}

func (r *registry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, taskID)
}

func (r *registry) list() []*taskEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*taskEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	return entries
}
