// Package fleet supervises sprite workers: one goroutine per sprite that
// keeps observed state converging to desired state, plus a supervisor
// owning the worker registry, restarts, and fleet-wide queries.
package fleet

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/bus"
	"github.com/lattice-dev/lattice/internal/capability"
)

// Health is a worker's judgment of its sprite.
type Health string

const (
	HealthUnknown    Health = "unknown"
	HealthOK         Health = "ok"
	HealthConverging Health = "converging"
	HealthDegraded   Health = "degraded"
	HealthError      Health = "error"
)

// Reconciliation outcomes.
const (
	OutcomeConverged  = "converged"
	OutcomeDispatched = "dispatched"
	OutcomeSkipped    = "skipped"
	OutcomeDeferred   = "deferred"
	OutcomeError      = "error"
)

// Config tunes worker cadence and failure handling.
type Config struct {
	FastInterval time.Duration `json:"fast_interval" yaml:"fast_interval"`
	SlowInterval time.Duration `json:"slow_interval" yaml:"slow_interval"`
	BackoffBase  time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffCap   time.Duration `json:"backoff_cap" yaml:"backoff_cap"`

	// DegradedThreshold is the failure count at which health degrades;
	// MaxRetries is the count beyond which health goes to error.
	DegradedThreshold int `json:"degraded_threshold" yaml:"degraded_threshold"`
	MaxRetries        int `json:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns production cadence defaults.
func DefaultConfig() Config {
	return Config{
		FastInterval:      5 * time.Second,
		SlowInterval:      30 * time.Second,
		BackoffBase:       time.Second,
		BackoffCap:        2 * time.Minute,
		DegradedThreshold: 3,
		MaxRetries:        5,
	}
}

// Snapshot is a worker's externally visible state.
type Snapshot struct {
	ID           string                 `json:"id"`
	Desired      capability.SpriteState `json:"desired"`
	Observed     capability.SpriteState `json:"observed"`
	Health       Health                 `json:"health"`
	FailureCount int                    `json:"failure_count"`
	BackoffUntil time.Time              `json:"backoff_until,omitempty"`
}

// ReconciliationResult is published on the sprite's topic after every
// reconciliation cycle.
type ReconciliationResult struct {
	SpriteID   string                 `json:"sprite_id"`
	FromState  capability.SpriteState `json:"from_state"`
	ToState    capability.SpriteState `json:"to_state"`
	Outcome    string                 `json:"outcome"`
	DurationMS int64                  `json:"duration_ms"`
	Error      string                 `json:"error,omitempty"`
}

type msgKind int

const (
	msgReconcile msgKind = iota
	msgSetDesired
	msgViewers
	msgSnapshot
	msgShutdown
)

type message struct {
	kind       msgKind
	desired    capability.SpriteState
	viewers    bool
	snapshotCh chan Snapshot
	doneCh     chan struct{}
}

// Worker owns one sprite. All state below the mailbox is touched only by
// the worker goroutine; everything external goes through typed messages
// processed in arrival order.
type Worker struct {
	id         string
	cfg        Config
	dispatcher *capability.Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger

	mailbox chan message
	done    chan struct{}
	crash   error

	desired      capability.SpriteState
	observed     capability.SpriteState
	health       Health
	failureCount int
	backoffUntil time.Time
	viewers      bool
	inflight     bool

	rng *rand.Rand
}

// NewWorker creates a worker for one sprite. Call Start to run it.
func NewWorker(id string, desired capability.SpriteState, cfg Config, dispatcher *capability.Dispatcher, b *bus.Bus, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:         id,
		cfg:        cfg,
		dispatcher: dispatcher,
		bus:        b,
		logger:     logger.With(zap.String("sprite", id)),
		mailbox:    make(chan message, 32),
		done:       make(chan struct{}),
		desired:    desired,
		health:     HealthUnknown,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				w.crash = fmt.Errorf("worker %s panicked: %v", w.id, r)
				w.logger.Error("worker crashed", zap.Any("panic", r))
			}
		}()
		w.loop(ctx)
	}()
}

// Done closes when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// CrashErr reports the panic that terminated the worker, if any. Valid
// only after Done closes.
func (w *Worker) CrashErr() error { return w.crash }

// Reconcile enqueues an immediate reconciliation cycle. The returned
// channel closes when that cycle has completed (immediately if wait is
// false or the worker is gone).
func (w *Worker) Reconcile(wait bool) <-chan struct{} {
	cycleDone := make(chan struct{})
	msg := message{kind: msgReconcile}
	if wait {
		msg.doneCh = cycleDone
	} else {
		close(cycleDone)
	}
	select {
	case w.mailbox <- msg:
	case <-w.done:
		if wait {
			close(cycleDone)
		}
	}
	return cycleDone
}

// SetDesired updates the desired state and triggers a cycle.
func (w *Worker) SetDesired(state capability.SpriteState) {
	select {
	case w.mailbox <- message{kind: msgSetDesired, desired: state}:
	case <-w.done:
	}
}

// SetViewers switches the worker between fast and slow cadence.
func (w *Worker) SetViewers(present bool) {
	select {
	case w.mailbox <- message{kind: msgViewers, viewers: present}:
	case <-w.done:
	}
}

// Snapshot returns the worker's current state.
func (w *Worker) Snapshot() Snapshot {
	ch := make(chan Snapshot, 1)
	select {
	case w.mailbox <- message{kind: msgSnapshot, snapshotCh: ch}:
		select {
		case s := <-ch:
			return s
		case <-w.done:
		}
	case <-w.done:
	}
	return Snapshot{ID: w.id, Health: HealthError}
}

// Shutdown asks the worker to exit after its queued work and waits for it.
// A cycle already queued ahead of the shutdown message completes first.
func (w *Worker) Shutdown() {
	select {
	case w.mailbox <- message{kind: msgShutdown}:
		<-w.done
	case <-w.done:
	}
}

func (w *Worker) loop(ctx context.Context) {
	timer := time.NewTimer(w.jittered(w.interval()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.mailbox:
			switch msg.kind {
			case msgShutdown:
				return
			case msgReconcile:
				w.cycle(ctx)
				if msg.doneCh != nil {
					close(msg.doneCh)
				}
			case msgSetDesired:
				w.desired = msg.desired
				w.cycle(ctx)
			case msgViewers:
				w.viewers = msg.viewers
			case msgSnapshot:
				msg.snapshotCh <- w.snapshot()
			}
		case <-timer.C:
			w.cycle(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.nextDelay())
	}
}

func (w *Worker) snapshot() Snapshot {
	return Snapshot{
		ID:           w.id,
		Desired:      w.desired,
		Observed:     w.observed,
		Health:       w.health,
		FailureCount: w.failureCount,
		BackoffUntil: w.backoffUntil,
	}
}

// cycle runs one reconciliation: backoff gate, authoritative fetch,
// compare, dispatch. Exactly one result event per cycle.
func (w *Worker) cycle(ctx context.Context) {
	start := time.Now()
	from := w.observed

	if time.Now().Before(w.backoffUntil) {
		w.emitResult(from, w.observed, OutcomeDeferred, "", start)
		return
	}

	sprite, err := w.getSprite(ctx)
	if err != nil {
		w.fail(from, start, err)
		return
	}
	w.observed = sprite.State

	if w.observed == w.desired {
		w.failureCount = 0
		w.backoffUntil = time.Time{}
		w.setHealth(HealthOK)
		w.emitResult(from, w.observed, OutcomeConverged, "", start)
		return
	}

	if w.inflight {
		w.emitResult(from, w.observed, OutcomeSkipped, "", start)
		return
	}

	op := "wake"
	if w.desired == capability.StateHibernating {
		op = "sleep"
	}

	w.inflight = true
	err = w.dispatchOp(ctx, op)
	w.inflight = false
	if err != nil {
		w.fail(from, start, err)
		return
	}

	// Re-fetch so the result reflects what the dispatch achieved.
	if sprite, err := w.getSprite(ctx); err == nil {
		w.observed = sprite.State
	}
	w.failureCount = 0
	w.backoffUntil = time.Time{}
	if w.observed == w.desired {
		w.setHealth(HealthOK)
	} else {
		w.setHealth(HealthConverging)
	}
	w.emitResult(from, w.observed, OutcomeDispatched, "", start)
}

func (w *Worker) getSprite(ctx context.Context) (*capability.Sprite, error) {
	result, err := w.dispatcher.Call(ctx, "sprites", "get",
		map[string]any{"id": w.id},
		capability.CallOpts{Actor: "fleet:" + w.id},
		func(callCtx context.Context) (any, error) {
			return w.dispatcher.Registry().Sprites().Get(callCtx, w.id)
		})
	if err != nil {
		return nil, err
	}
	return result.(*capability.Sprite), nil
}

func (w *Worker) dispatchOp(ctx context.Context, op string) error {
	_, err := w.dispatcher.Call(ctx, "sprites", op,
		map[string]any{"id": w.id},
		capability.CallOpts{Actor: "fleet:" + w.id},
		func(callCtx context.Context) (any, error) {
			sprites := w.dispatcher.Registry().Sprites()
			if op == "sleep" {
				return nil, sprites.Sleep(callCtx, w.id)
			}
			return nil, sprites.Wake(callCtx, w.id)
		})
	return err
}

// fail records a reconciliation failure: bump the failure count, arm the
// backoff gate, downgrade health past the configured thresholds.
func (w *Worker) fail(from capability.SpriteState, start time.Time, err error) {
	w.failureCount++
	delay := backoffDelay(w.cfg.BackoffBase, w.cfg.BackoffCap, w.failureCount, w.rng.Float64)
	w.backoffUntil = time.Now().Add(delay)

	switch {
	case w.failureCount > w.cfg.MaxRetries:
		w.setHealth(HealthError)
	case w.failureCount >= w.cfg.DegradedThreshold:
		w.setHealth(HealthDegraded)
	default:
		w.setHealth(HealthConverging)
	}

	w.logger.Warn("reconciliation failed",
		zap.Int("failure_count", w.failureCount),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	w.emitResult(from, w.observed, OutcomeError, err.Error(), start)
}

// backoffDelay computes min(limit, base*2^(k-1)) with ±10% jitter.
func backoffDelay(base, limit time.Duration, failures int, rnd func() float64) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	jittered := float64(delay) * (0.9 + 0.2*rnd())
	return time.Duration(jittered)
}

func (w *Worker) setHealth(h Health) {
	if w.health == h {
		return
	}
	w.health = h
	w.bus.Publish(bus.SpriteTopic(w.id), bus.Event{
		Type:     bus.EventHealthChanged,
		SpriteID: w.id,
		Summary:  string(h),
		Detail:   w.snapshot(),
	})
}

func (w *Worker) emitResult(from, to capability.SpriteState, outcome, errMsg string, start time.Time) {
	result := ReconciliationResult{
		SpriteID:   w.id,
		FromState:  from,
		ToState:    to,
		Outcome:    outcome,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      errMsg,
	}
	w.bus.Publish(bus.SpriteTopic(w.id), bus.Event{
		Type:     bus.EventReconciliationResult,
		SpriteID: w.id,
		Summary:  outcome,
		Detail:   result,
	})
}

func (w *Worker) interval() time.Duration {
	if w.viewers {
		return w.cfg.FastInterval
	}
	return w.cfg.SlowInterval
}

// jittered spreads a duration by ±10% to de-herd the fleet.
func (w *Worker) jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + 0.2*w.rng.Float64()))
}

func (w *Worker) nextDelay() time.Duration {
	if until := time.Until(w.backoffUntil); until > 0 {
		return until
	}
	return w.jittered(w.interval())
}
