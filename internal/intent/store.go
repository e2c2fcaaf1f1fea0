package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lattice-dev/lattice/internal/kv"
	"github.com/lattice-dev/lattice/internal/safety"
)

// Storage errors.
var (
	ErrNotFound    = errors.New("intent not found")
	ErrIDCollision = errors.New("intent id already exists")
)

// Filter selects intents in List.
type Filter struct {
	Kind           Kind
	State          State
	SourceType     SourceType
	Classification safety.Classification
	ParentIntentID string
}

// Store persists intents in the KV store and serializes mutation
// per intent. The store is the only mutator of intent records; all
// transitions funnel through Mutate.
type Store struct {
	kv kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates an intent store on top of a KV backend.
func NewStore(backend kv.Store) *Store {
	return &Store{
		kv:    backend,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-intent mutex, creating it on first use.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create inserts a new intent. Fails on id collision and refuses
// intents born in a terminal or unknown state.
func (s *Store) Create(ctx context.Context, in *Intent) error {
	if in.ID == "" {
		return fmt.Errorf("intent id is required")
	}
	if !IsValidState(in.State) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, in.State)
	}
	if IsTerminal(in.State) {
		return fmt.Errorf("%w: cannot create intent in terminal state %s", ErrInvalidTransition, in.State)
	}

	l := s.lockFor(in.ID)
	l.Lock()
	defer l.Unlock()

	if _, err := s.kv.Get(ctx, kv.NSIntents, in.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrIDCollision, in.ID)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("check collision: %w", err)
	}

	return s.save(ctx, in)
}

// Get retrieves one intent.
func (s *Store) Get(ctx context.Context, id string) (*Intent, error) {
	data, err := s.kv.Get(ctx, kv.NSIntents, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", id, err)
	}
	return &in, nil
}

// List returns intents matching the filter, in key order.
func (s *Store) List(ctx context.Context, f Filter) ([]*Intent, error) {
	values, err := s.kv.List(ctx, kv.NSIntents)
	if err != nil {
		return nil, err
	}
	var out []*Intent
	for _, data := range values {
		var in Intent
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("decode intent: %w", err)
		}
		if f.Kind != "" && in.Kind != f.Kind {
			continue
		}
		if f.State != "" && in.State != f.State {
			continue
		}
		if f.SourceType != "" && in.Source.Type != f.SourceType {
			continue
		}
		if f.Classification != "" && in.Classification != f.Classification {
			continue
		}
		if f.ParentIntentID != "" && in.ParentIntentID != f.ParentIntentID {
			continue
		}
		out = append(out, &in)
	}
	return out, nil
}

// Mutate loads an intent, applies fn under the per-intent lock, and
// persists the result. State changes inside fn must already have been
// validated; Lifecycle is the only caller that changes state.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Intent) error) (*Intent, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	in, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(in); err != nil {
		return nil, err
	}
	if err := s.save(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Delete removes an intent. Tests only; production intents reach a
// terminal state and stay.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, kv.NSIntents, id)
}

func (s *Store) save(ctx context.Context, in *Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent %s: %w", in.ID, err)
	}
	return s.kv.Put(ctx, kv.NSIntents, in.ID, data)
}
