package intent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/bus"
)

// Lifecycle is the only code path that changes intent state. Each
// successful transition appends exactly one transition-log entry, stamps
// the phase timestamp for the target state, and publishes
// intent_transitioned in store-commit order.
type Lifecycle struct {
	store  *Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewLifecycle creates the lifecycle over a store.
func NewLifecycle(store *Store, b *bus.Bus, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{store: store, bus: b, logger: logger}
}

// Store exposes the underlying store for reads.
func (l *Lifecycle) Store() *Store {
	return l.store
}

// Transition moves an intent to a new state. Terminal intents and edges
// outside the state machine are rejected; the intent stays in its prior
// state on failure.
func (l *Lifecycle) Transition(ctx context.Context, id string, to State, actor, reason string) (*Intent, error) {
	return l.TransitionWith(ctx, id, to, actor, reason, nil)
}

// TransitionWith is Transition plus a mutation applied atomically with
// the state change (e.g. attaching a classification).
func (l *Lifecycle) TransitionWith(ctx context.Context, id string, to State, actor, reason string, apply func(*Intent)) (*Intent, error) {
	in, err := l.store.Mutate(ctx, id, func(in *Intent) error {
		if err := CanTransition(in.State, to); err != nil {
			return err
		}
		now := time.Now().UTC()
		from := in.State

		in.State = to
		in.UpdatedAt = now
		stampPhase(in, to, now)
		in.TransitionLog = append(in.TransitionLog, Transition{
			From:      from,
			To:        to,
			Timestamp: now,
			Actor:     actor,
			Reason:    reason,
		})
		if apply != nil {
			apply(in)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition %s to %s: %w", id, to, err)
	}

	l.logger.Info("intent transitioned",
		zap.String("intent", in.ID),
		zap.String("kind", string(in.Kind)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	l.publish(in)
	return in, nil
}

func (l *Lifecycle) publish(in *Intent) {
	if l.bus == nil {
		return
	}
	evt := bus.Event{
		Type:     bus.EventIntentTransitioned,
		IntentID: in.ID,
		Summary:  string(in.Kind) + " -> " + string(in.State),
		Detail:   in,
	}
	l.bus.Publish(bus.TopicIntents, evt)
	l.bus.Publish(bus.IntentTopic(in.ID), evt)
}

// stampPhase sets the phase timestamp matching the target state.
// Timestamps are monotonic per entity because they are all taken from
// the same serialized mutation path.
func stampPhase(in *Intent, to State, now time.Time) {
	switch to {
	case StateClassified:
		in.ClassifiedAt = &now
	case StateApproved:
		in.ApprovedAt = &now
	case StateRunning:
		if in.StartedAt == nil {
			in.StartedAt = &now
		} else {
			in.ResumedAt = &now
		}
	case StateBlocked, StateWaitingForInput:
		in.BlockedAt = &now
	case StateCompleted, StateFailed, StateRejected, StateCanceled:
		in.CompletedAt = &now
	}
}
