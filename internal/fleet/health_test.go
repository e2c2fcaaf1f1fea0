package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-dev/lattice/internal/bus"
	"github.com/lattice-dev/lattice/internal/intent"
	"github.com/lattice-dev/lattice/internal/kv"
	"github.com/lattice-dev/lattice/internal/safety"
)

func newHealthEnv(t *testing.T) (*HealthMonitor, *intent.Store, *bus.Bus) {
	t.Helper()
	b := bus.New(16, nil)
	store := intent.NewStore(kv.NewMemory())
	pipeline := intent.NewPipeline(
		intent.NewLifecycle(store, b, nil),
		safety.NewGate(safety.GateConfig{}, nil),
		nil,
	)
	return NewHealthMonitor(pipeline, b, nil), store, b
}

func TestLowSeverityObservationOnlyBroadcasts(t *testing.T) {
	m, store, b := newHealthEnv(t)
	ch := b.Subscribe("test", bus.TopicObservations)
	defer b.Unsubscribe("test")

	err := m.Ingest(context.Background(), Observation{
		SpriteID: "s1",
		Type:     "metric",
		Severity: "low",
		Data:     map[string]any{"disk_pct": 42},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Type != bus.EventObservation || evt.SpriteID != "s1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("observation not broadcast")
	}

	intents, _ := store.List(context.Background(), intent.Filter{Kind: intent.KindHealthDetect})
	if len(intents) != 0 {
		t.Fatalf("low severity must not raise intents, got %d", len(intents))
	}
}

func TestHighSeverityObservationRaisesIntent(t *testing.T) {
	m, store, _ := newHealthEnv(t)

	err := m.Ingest(context.Background(), Observation{
		SpriteID: "s1",
		Type:     "anomaly",
		Severity: "critical",
		Data:     map[string]any{"oom_kills": 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	intents, err := store.List(context.Background(), intent.Filter{Kind: intent.KindHealthDetect})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected 1 health_detect intent, got %d", len(intents))
	}
	in := intents[0]
	if in.Source.Type != intent.SourceSprite || in.Source.ID != "s1" {
		t.Fatalf("wrong source: %+v", in.Source)
	}
	if in.State != intent.StateApproved {
		t.Fatalf("health_detect should auto-approve as safe, got %s", in.State)
	}
}
