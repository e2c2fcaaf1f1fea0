// Package kv provides namespaced key-value storage for control plane state.
// The store knows nothing about domain semantics; intents, runs, and repo
// profiles all persist through the same four operations. Two implementations
// exist: an in-memory map for development and tests, and a Postgres-backed
// store for production.
package kv

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a key does not exist in a namespace.
var ErrNotFound = errors.New("kv: key not found")

// Known namespaces. Callers may use others; these are the ones the control
// plane provisions up front.
const (
	NSIntents          = "intents"
	NSRuns             = "runs"
	NSProjects         = "projects"
	NSRepoProfiles     = "repo_profiles"
	NSPlanningContexts = "planning_contexts"
	NSPRTracker        = "pr_tracker"
	NSDILHistory       = "dil_history"
)

// Store is the storage contract. Values are opaque JSON blobs.
type Store interface {
	Put(ctx context.Context, namespace, key string, value []byte) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	List(ctx context.Context, namespace string) ([][]byte, error)
	Delete(ctx context.Context, namespace, key string) error
}

// Memory is a process-wide, concurrent, read-optimized Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // namespace → key → value
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Put stores a value, replacing any existing one.
func (m *Memory) Put(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

// Get retrieves a value. Returns ErrNotFound if absent.
func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.data[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := ns[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// List returns all values in a namespace, ordered by key for determinism.
func (m *Memory) List(_ context.Context, namespace string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.data[namespace]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		v := ns[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, cp)
	}
	return out, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}
