// Package executor turns approved intents into runs: exec sessions on a
// target sprite whose protocol event stream drives a run record and the
// owning intent through running → completed/failed, with checkpoint-based
// pause and resume.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-dev/lattice/internal/kv"
)

// Mode selects how a run's command executes on the sprite. The choice is
// the caller's: streaming sessions and one-shot posts have different
// latency and observability tradeoffs, and services never complete.
type Mode string

const (
	ModeExecWS   Mode = "exec_ws"
	ModeExecPost Mode = "exec_post"
	ModeService  Mode = "service"
)

// Status is one run lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusBlocked   Status = "blocked"
	StatusWaiting   Status = "waiting"
)

// runSuccessors is the run status machine. Terminal statuses have no
// successors.
var runSuccessors = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCanceled, StatusFailed},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCanceled, StatusBlocked, StatusWaiting},
	StatusBlocked:   {StatusRunning, StatusFailed, StatusCanceled},
	StatusWaiting:   {StatusRunning, StatusFailed, StatusCanceled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCanceled:  {},
}

// ErrInvalidStatus is returned for run status changes outside the machine.
var ErrInvalidStatus = errors.New("invalid run status change")

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// StatusIsTerminal reports whether a run status admits no successors.
func StatusIsTerminal(s Status) bool {
	next, ok := runSuccessors[s]
	return ok && len(next) == 0
}

func canChangeStatus(from, to Status) error {
	for _, s := range runSuccessors[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, from, to)
}

// Phase is one PHASE_STARTED/PHASE_FINISHED boundary pair.
type Phase struct {
	Name       string     `json:"name"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    *bool      `json:"success,omitempty"`
}

// Run is the execution record of an approved intent on a sprite.
type Run struct {
	ID       string `json:"id"`
	IntentID string `json:"intent_id"`
	SpriteID string `json:"sprite_id"`
	Command  string `json:"command"`
	Mode     Mode   `json:"mode"`
	Status   Status `json:"status"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`

	// Artifacts maps artifact kind to the latest ARTIFACT payload of that
	// kind.
	Artifacts map[string]map[string]any `json:"artifacts,omitempty"`
	Phases    []Phase                   `json:"phases,omitempty"`
	Log       []string                  `json:"log,omitempty"`

	CheckpointID  string `json:"checkpoint_id,omitempty"`
	WaitReason    string `json:"wait_reason,omitempty"`
	LastResumeKey string `json:"last_resume_key,omitempty"`

	// Applied records protocol event keys already folded into this run, so
	// re-applying the post-session reconciled list is a no-op for events
	// the live stream already delivered. Never omitted: an empty map must
	// survive the store round trip writable.
	Applied map[string]bool `json:"applied_events"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewRun creates a pending run for an intent.
func NewRun(intentID, spriteID, command string, mode Mode) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.NewString(),
		IntentID:  intentID,
		SpriteID:  spriteID,
		Command:   command,
		Mode:      mode,
		Status:    StatusPending,
		Artifacts: make(map[string]map[string]any),
		Applied:   make(map[string]bool),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RunFilter narrows List results. Zero fields match everything.
type RunFilter struct {
	IntentID string
	SpriteID string
	Status   Status
}

// RunStore persists runs in the runs namespace of the KV store. Mutations
// are serialized per run id.
type RunStore struct {
	kv kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunStore creates a run store over a KV backend.
func NewRunStore(store kv.Store) *RunStore {
	return &RunStore{kv: store, locks: make(map[string]*sync.Mutex)}
}

func (s *RunStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create persists a new run.
func (s *RunStore) Create(ctx context.Context, run *Run) error {
	return s.save(ctx, run)
}

// Get returns one run by id.
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	data, err := s.kv.Get(ctx, kv.NSRuns, id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	normalize(&run)
	return &run, nil
}

// normalize rehydrates the map fields a decoded run needs writable.
func normalize(run *Run) {
	if run.Applied == nil {
		run.Applied = make(map[string]bool)
	}
	if run.Artifacts == nil {
		run.Artifacts = make(map[string]map[string]any)
	}
}

// List returns runs matching the filter.
func (s *RunStore) List(ctx context.Context, f RunFilter) ([]*Run, error) {
	blobs, err := s.kv.List(ctx, kv.NSRuns)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*Run, 0, len(blobs))
	for _, data := range blobs {
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		if f.IntentID != "" && run.IntentID != f.IntentID {
			continue
		}
		if f.SpriteID != "" && run.SpriteID != f.SpriteID {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		normalize(&run)
		out = append(out, &run)
	}
	return out, nil
}

// Mutate applies fn to a run under its lock and persists the result.
func (s *RunStore) Mutate(ctx context.Context, id string, fn func(*Run) error) (*Run, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	run.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// SetStatus moves a run to a new status under the run status machine.
func (s *RunStore) SetStatus(ctx context.Context, id string, to Status, apply func(*Run)) (*Run, error) {
	return s.Mutate(ctx, id, func(run *Run) error {
		if run.Status == to {
			if apply != nil {
				apply(run)
			}
			return nil
		}
		if err := canChangeStatus(run.Status, to); err != nil {
			return err
		}
		now := time.Now().UTC()
		run.Status = to
		switch to {
		case StatusRunning:
			if run.StartedAt == nil {
				run.StartedAt = &now
			}
		case StatusSucceeded, StatusFailed, StatusCanceled:
			run.FinishedAt = &now
		}
		if apply != nil {
			apply(run)
		}
		return nil
	})
}

func (s *RunStore) save(ctx context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	if err := s.kv.Put(ctx, kv.NSRuns, run.ID, data); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	return nil
}
