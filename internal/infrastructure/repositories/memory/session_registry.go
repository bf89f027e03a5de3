package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
)

type registration struct {
	entry domain.RegistryEntry
	proc  domain.ProcessHandle
}

// MemorySessionRegistry keeps the three mappings under one lock so that a
// lookup never observes a half-applied register or unregister.
type MemorySessionRegistry struct {
	sessions map[domain.SessionID]*registration
	ports    map[int]domain.SessionID
	users    map[domain.UserID]domain.SessionID
	mu       sync.RWMutex
}

func NewMemorySessionRegistry() *MemorySessionRegistry {
	return &MemorySessionRegistry{
		sessions: make(map[domain.SessionID]*registration),
		ports:    make(map[int]domain.SessionID),
		users:    make(map[domain.UserID]domain.SessionID),
	}
}

var _ ports.SessionRegistry = (*MemorySessionRegistry)(nil)

func (r *MemorySessionRegistry) Register(ctx context.Context, id domain.SessionID, userID domain.UserID, port int, proc domain.ProcessHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, id)
	}
	if owner, exists := r.ports[port]; exists {
		return fmt.Errorf("%w: %d held by %s", domain.ErrPortInUse, port, owner)
	}
	if current, exists := r.users[userID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrUserHasLiveSession, current)
	}

	r.sessions[id] = &registration{
		entry: domain.RegistryEntry{
			SessionID:    id,
			UserID:       userID,
			Port:         port,
			RegisteredAt: time.Now(),
		},
		proc: proc,
	}
	r.ports[port] = id
	r.users[userID] = id
	return nil
}

func (r *MemorySessionRegistry) Lookup(ctx context.Context, id domain.SessionID) (int, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.sessions[id]
	if !exists {
		return 0, false, nil
	}
	return reg.entry.Port, true, nil
}

func (r *MemorySessionRegistry) Unregister(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.sessions[id]
	if !exists {
		return nil
	}
	delete(r.sessions, id)
	if r.ports[reg.entry.Port] == id {
		delete(r.ports, reg.entry.Port)
	}
	if r.users[reg.entry.UserID] == id {
		delete(r.users, reg.entry.UserID)
	}
	return nil
}

// Refresh only checks presence: memory entries live as long as the process.
func (r *MemorySessionRegistry) Refresh(ctx context.Context, id domain.SessionID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.sessions[id]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return nil
}

// Attach sets the process handle of a registration made before launch.
func (r *MemorySessionRegistry) Attach(id domain.SessionID, proc domain.ProcessHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	reg.proc = proc
	return nil
}

func (r *MemorySessionRegistry) Process(ctx context.Context, port int) (domain.ProcessHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.ports[port]
	if !exists {
		return nil, false
	}
	proc := r.sessions[id].proc
	return proc, proc != nil
}

func (r *MemorySessionRegistry) SessionForUser(ctx context.Context, userID domain.UserID) (domain.SessionID, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.users[userID]
	return id, exists, nil
}

func (r *MemorySessionRegistry) List(ctx context.Context) ([]domain.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]domain.RegistryEntry, 0, len(r.sessions))
	for _, reg := range r.sessions {
		entries = append(entries, reg.entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Port < entries[j].Port })
	return entries, nil
}
