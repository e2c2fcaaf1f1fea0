package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/bus"
	"github.com/lattice-dev/lattice/internal/capability"
)

const (
	// restartLimit dormants a worker after this many restarts inside
	// restartWindow. The next external poke revives it.
	restartLimit  = 5
	restartWindow = time.Minute

	// DefaultAuditTimeout bounds RunAudit's wait for the post-audit
	// aggregate.
	DefaultAuditTimeout = 30 * time.Second
)

// ErrWorkerNotFound is returned by Lookup and per-id operations.
var ErrWorkerNotFound = errors.New("sprite worker not found")

// Summary is the fleet-wide aggregate published as fleet_summary.
type Summary struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
	Partial bool           `json:"partial,omitempty"`
}

type handle struct {
	worker   *Worker
	desired  capability.SpriteState
	restarts []time.Time
	dormant  bool
}

// Supervisor owns every sprite worker. One-for-one restarts: a crashed
// worker respawns from its configured desired state; crash loops go
// dormant until the next external poke.
type Supervisor struct {
	cfg        Config
	dispatcher *capability.Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger

	auditTimeout time.Duration

	mu      sync.RWMutex
	workers map[string]*handle
	ctx     context.Context
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(cfg Config, dispatcher *capability.Dispatcher, b *bus.Bus, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:          cfg,
		dispatcher:   dispatcher,
		bus:          b,
		logger:       logger,
		auditTimeout: DefaultAuditTimeout,
		workers:      make(map[string]*handle),
	}
}

// WithAuditTimeout overrides the RunAudit wait bound.
func (s *Supervisor) WithAuditTimeout(d time.Duration) *Supervisor {
	if d > 0 {
		s.auditTimeout = d
	}
	return s
}

// Start records the supervision context. Workers added before Start are
// started now.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	pending := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		if h.worker != nil && !h.dormant {
			pending = append(pending, h)
		}
	}
	s.mu.Unlock()

	for _, h := range pending {
		s.launch(ctx, h)
	}
}

// Add registers a sprite with its desired state and starts its worker.
func (s *Supervisor) Add(id string, desired capability.SpriteState) {
	s.mu.Lock()
	if _, exists := s.workers[id]; exists {
		s.mu.Unlock()
		return
	}
	h := &handle{
		worker:  NewWorker(id, desired, s.cfg, s.dispatcher, s.bus, s.logger),
		desired: desired,
	}
	s.workers[id] = h
	ctx := s.ctx
	s.mu.Unlock()

	if ctx != nil {
		s.launch(ctx, h)
	}
	s.publishSummary(s.Summary())
}

// Remove shuts down and forgets a worker.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	h, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	h.worker.Shutdown()
	s.publishSummary(s.Summary())
}

// launch starts a worker and its monitor. The monitor restarts crashed
// workers one-for-one until the restart budget is spent.
func (s *Supervisor) launch(ctx context.Context, h *handle) {
	h.worker.Start(ctx)
	go s.monitor(ctx, h)
}

func (s *Supervisor) monitor(ctx context.Context, h *handle) {
	for {
		worker := s.currentWorker(h)
		if worker == nil {
			return
		}
		<-worker.Done()
		if worker.CrashErr() == nil || ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		now := time.Now()
		recent := h.restarts[:0]
		for _, t := range h.restarts {
			if now.Sub(t) < restartWindow {
				recent = append(recent, t)
			}
		}
		h.restarts = append(recent, now)
		if len(h.restarts) > restartLimit {
			h.dormant = true
			h.worker = nil
			s.mu.Unlock()
			s.logger.Error("worker crash-looping, going dormant",
				zap.String("sprite", worker.id))
			return
		}
		h.worker = NewWorker(worker.id, h.desired, s.cfg, s.dispatcher, s.bus, s.logger)
		replacement := h.worker
		s.mu.Unlock()

		s.logger.Warn("restarting crashed worker",
			zap.String("sprite", worker.id),
			zap.Error(worker.CrashErr()))
		replacement.Start(ctx)
	}
}

func (s *Supervisor) currentWorker(h *handle) *Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return h.worker
}

// revive restarts a dormant worker on an external poke.
func (s *Supervisor) revive(id string, h *handle) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !h.dormant {
		return h.worker
	}
	h.dormant = false
	h.restarts = nil
	h.worker = NewWorker(id, h.desired, s.cfg, s.dispatcher, s.bus, s.logger)
	if s.ctx != nil {
		s.launch(s.ctx, h)
	}
	return h.worker
}

// Lookup returns the live worker for a sprite id.
func (s *Supervisor) Lookup(id string) (*Worker, error) {
	s.mu.RLock()
	h, ok := s.workers[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if h.dormant || h.worker == nil {
		return s.revive(id, h), nil
	}
	return h.worker, nil
}

// List returns a snapshot of every worker. Dormant workers report
// health error without being revived.
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	type entry struct {
		id string
		h  *handle
	}
	entries := make([]entry, 0, len(s.workers))
	for id, h := range s.workers {
		entries = append(entries, entry{id, h})
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		w := s.currentWorker(e.h)
		if w == nil {
			out = append(out, Snapshot{ID: e.id, Desired: e.h.desired, Health: HealthError})
			continue
		}
		out = append(out, w.Snapshot())
	}
	return out
}

// Summary aggregates List into the fleet summary.
func (s *Supervisor) Summary() Summary {
	snapshots := s.List()
	sum := Summary{Total: len(snapshots), ByState: make(map[string]int)}
	for _, snap := range snapshots {
		state := string(snap.Observed)
		if state == "" {
			state = "unknown"
		}
		sum.ByState[state]++
	}
	return sum
}

// Wake sets desired=ready on the named sprites. Unknown ids report an
// error in the result map; known ids are poked immediately.
func (s *Supervisor) Wake(ids []string) map[string]error {
	return s.setDesired(ids, capability.StateReady)
}

// Sleep sets desired=hibernating on the named sprites.
func (s *Supervisor) Sleep(ids []string) map[string]error {
	return s.setDesired(ids, capability.StateHibernating)
}

func (s *Supervisor) setDesired(ids []string, state capability.SpriteState) map[string]error {
	results := make(map[string]error, len(ids))
	for _, id := range ids {
		w, err := s.Lookup(id)
		if err != nil {
			results[id] = err
			continue
		}
		s.mu.Lock()
		s.workers[id].desired = state
		s.mu.Unlock()
		w.SetDesired(state)
		results[id] = nil
	}
	s.publishSummary(s.Summary())
	return results
}

// SetViewers switches the whole fleet between fast and slow cadence.
func (s *Supervisor) SetViewers(present bool) {
	s.mu.RLock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, h := range s.workers {
		if h.worker != nil {
			workers = append(workers, h.worker)
		}
	}
	s.mu.RUnlock()
	for _, w := range workers {
		w.SetViewers(present)
	}
}

// RunAudit broadcasts "reconcile now" to every worker, waits for the
// cycles to finish (bounded by the audit timeout), and publishes the
// post-audit fleet summary. On timeout the summary is marked partial.
func (s *Supervisor) RunAudit(ctx context.Context) (Summary, error) {
	s.mu.RLock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, h := range s.workers {
		if h.worker != nil && !h.dormant {
			workers = append(workers, h.worker)
		}
	}
	s.mu.RUnlock()

	waits := make([]<-chan struct{}, 0, len(workers))
	for _, w := range workers {
		waits = append(waits, w.Reconcile(true))
	}

	deadline := time.NewTimer(s.auditTimeout)
	defer deadline.Stop()

	partial := false
	for _, ch := range waits {
		select {
		case <-ch:
		case <-deadline.C:
			partial = true
		case <-ctx.Done():
			partial = true
		}
		if partial {
			break
		}
	}

	sum := s.Summary()
	sum.Partial = partial
	s.publishSummary(sum)
	if partial {
		return sum, fmt.Errorf("fleet audit incomplete after %s", s.auditTimeout)
	}
	return sum, nil
}

// Shutdown stops every worker cooperatively.
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, h := range s.workers {
		if h.worker != nil {
			workers = append(workers, h.worker)
		}
	}
	s.mu.RUnlock()
	for _, w := range workers {
		w.Shutdown()
	}
}

func (s *Supervisor) publishSummary(sum Summary) {
	s.bus.Publish(bus.TopicFleet, bus.Event{
		Type:    bus.EventFleetSummary,
		Summary: fmt.Sprintf("%d sprites", sum.Total),
		Detail:  sum,
	})
}
