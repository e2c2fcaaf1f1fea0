package executor

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-dev/lattice/internal/capability"
	"github.com/lattice-dev/lattice/internal/intent"
	"github.com/lattice-dev/lattice/internal/protocol"
)

func TestSweepOutboxRecoversOrphanedRun(t *testing.T) {
	// A run stuck in running after a control plane restart. Its session is
	// gone, but the sprite's outbox holds the completion.
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "make deploy", ModeExecWS)
	if _, err := env.pipeline.Lifecycle().Transition(ctx, in.ID, intent.StateRunning, "executor", ""); err != nil {
		t.Fatal(err)
	}

	run := NewRun(in.ID, "s1", "make deploy", ModeExecWS)
	run.Status = StatusRunning
	if err := env.runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	info := makeEvent(t, protocol.EventInfo, in.ID, base, map[string]any{"message": "deployed"})
	completed := makeEvent(t, protocol.EventCompleted, in.ID, base.Add(time.Second), map[string]any{"status": "success"})
	env.sprites.ScriptExec(outboxFetchCmd(), &capability.ExecResult{
		ExitCode: 0,
		Stdout:   rawEvent(t, info) + "\n" + rawEvent(t, completed) + "\n",
	})

	swept, err := env.executor.SweepOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Fatalf("swept %d runs, want 1", swept)
	}

	got, err := env.runs.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("expected succeeded after sweep, got %s (%s)", got.Status, got.Error)
	}
	if len(got.Log) != 1 || got.Log[0] != "deployed" {
		t.Fatalf("run log wrong: %v", got.Log)
	}

	final, _ := env.store.Get(ctx, in.ID)
	if final.State != intent.StateCompleted {
		t.Fatalf("intent should be completed, got %s", final.State)
	}

	// Settled runs fall out of later sweeps.
	swept, err = env.executor.SweepOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 0 {
		t.Fatalf("second sweep touched %d runs, want 0", swept)
	}
}

func TestSweepOutboxLeavesWaitingRunsWaiting(t *testing.T) {
	// A waiting run with nothing new in the outbox stays put.
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "open pr", ModeExecWS)
	if _, err := env.pipeline.Lifecycle().Transition(ctx, in.ID, intent.StateRunning, "executor", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.pipeline.Lifecycle().Transition(ctx, in.ID, intent.StateWaitingForInput, "executor", ""); err != nil {
		t.Fatal(err)
	}

	run := NewRun(in.ID, "s1", "open pr", ModeExecWS)
	run.Status = StatusWaiting
	run.CheckpointID = "chk_9"
	if err := env.runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	env.sprites.ScriptExec(outboxFetchCmd(), &capability.ExecResult{ExitCode: 0, Stdout: ""})

	swept, err := env.executor.SweepOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Fatalf("swept %d runs, want 1", swept)
	}

	got, _ := env.runs.Get(ctx, run.ID)
	if got.Status != StatusWaiting || got.CheckpointID != "chk_9" {
		t.Fatalf("waiting run disturbed: %s/%s", got.Status, got.CheckpointID)
	}
}
