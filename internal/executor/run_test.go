package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/lattice-dev/lattice/internal/kv"
)

func TestRunStatusMachine(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusSucceeded, false},
		{StatusRunning, StatusWaiting, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusWaiting, StatusRunning, true},
		{StatusWaiting, StatusSucceeded, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCanceled, StatusPending, false},
	}
	for _, c := range cases {
		err := canChangeStatus(c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s -> %s should be legal: %v", c.from, c.to, err)
		}
		if !c.ok && !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestRunTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCanceled} {
		if !StatusIsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusWaiting, StatusBlocked} {
		if StatusIsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRunStoreRoundTrip(t *testing.T) {
	s := NewRunStore(kv.NewMemory())
	ctx := context.Background()

	run := NewRun("in-1", "s1", "make test", ModeExecWS)
	if err := s.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IntentID != "in-1" || got.Status != StatusPending || got.Mode != ModeExecWS {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunStoreSetStatusStampsTimes(t *testing.T) {
	s := NewRunStore(kv.NewMemory())
	ctx := context.Background()

	run := NewRun("in-1", "s1", "true", ModeExecPost)
	if err := s.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	run, err := s.SetStatus(ctx, run.ID, StatusRunning, nil)
	if err != nil {
		t.Fatal(err)
	}
	if run.StartedAt == nil {
		t.Fatal("expected started_at stamp")
	}

	run, err = s.SetStatus(ctx, run.ID, StatusSucceeded, nil)
	if err != nil {
		t.Fatal(err)
	}
	if run.FinishedAt == nil {
		t.Fatal("expected finished_at stamp")
	}

	if _, err := s.SetStatus(ctx, run.ID, StatusRunning, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("terminal run accepted a status change: %v", err)
	}
}

func TestRunStoreListFilters(t *testing.T) {
	s := NewRunStore(kv.NewMemory())
	ctx := context.Background()

	a := NewRun("in-1", "s1", "a", ModeExecWS)
	b := NewRun("in-2", "s2", "b", ModeExecPost)
	for _, run := range []*Run{a, b} {
		if err := s.Create(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.SetStatus(ctx, b.ID, StatusRunning, nil); err != nil {
		t.Fatal(err)
	}

	byIntent, err := s.List(ctx, RunFilter{IntentID: "in-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byIntent) != 1 || byIntent[0].ID != a.ID {
		t.Fatalf("intent filter wrong: %v", byIntent)
	}

	bySprite, _ := s.List(ctx, RunFilter{SpriteID: "s2"})
	if len(bySprite) != 1 || bySprite[0].ID != b.ID {
		t.Fatalf("sprite filter wrong: %v", bySprite)
	}

	byStatus, _ := s.List(ctx, RunFilter{Status: StatusRunning})
	if len(byStatus) != 1 || byStatus[0].ID != b.ID {
		t.Fatalf("status filter wrong: %v", byStatus)
	}
}

func TestRunStoreMapsWritableAfterReload(t *testing.T) {
	// An empty Applied map must survive persistence as a writable map, or
	// the first event folded into a reloaded run would panic.
	s := NewRunStore(kv.NewMemory())
	ctx := context.Background()

	run := NewRun("in-1", "s1", "make test", ModeExecWS)
	if err := s.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Applied == nil || got.Artifacts == nil {
		t.Fatalf("decoded maps must be non-nil: applied=%v artifacts=%v", got.Applied, got.Artifacts)
	}

	got, err = s.Mutate(ctx, run.ID, func(r *Run) error {
		r.Applied["INFO|2026-01-01T00:00:00Z"] = true
		r.Artifacts["binary"] = map[string]any{"ref": "dist/app"}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Applied["INFO|2026-01-01T00:00:00Z"] {
		t.Fatal("applied key lost")
	}

	reloaded, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Applied["INFO|2026-01-01T00:00:00Z"] || reloaded.Artifacts["binary"] == nil {
		t.Fatalf("mutation not persisted: %+v", reloaded)
	}

	listed, err := s.List(ctx, RunFilter{IntentID: "in-1"})
	if err != nil || len(listed) != 1 {
		t.Fatalf("list: %v %v", listed, err)
	}
	if listed[0].Applied == nil {
		t.Fatal("listed run has nil applied map")
	}
}
