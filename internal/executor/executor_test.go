package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lattice-dev/lattice/internal/bus"
	"github.com/lattice-dev/lattice/internal/capability"
	"github.com/lattice-dev/lattice/internal/intent"
	"github.com/lattice-dev/lattice/internal/kv"
	"github.com/lattice-dev/lattice/internal/protocol"
	"github.com/lattice-dev/lattice/internal/safety"
)

type testEnv struct {
	executor *Executor
	sprites  *capability.SpritesStub
	store    *intent.Store
	pipeline *intent.Pipeline
	runs     *RunStore
	bus      *bus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	b := bus.New(64, nil)
	mem := kv.NewMemory()
	store := intent.NewStore(mem)
	gate := safety.NewGate(safety.GateConfig{AllowControlled: true}, nil)
	pipeline := intent.NewPipeline(intent.NewLifecycle(store, b, nil), gate, nil)

	sprites := capability.NewSpritesStub()
	sprites.SetStatus("s1", "running")
	registry := capability.NewRegistry(nil)
	registry.SetSprites(sprites)
	dispatcher := capability.NewDispatcher(registry, gate, nil, nil)

	runs := NewRunStore(mem)
	return &testEnv{
		executor: New(dispatcher, pipeline, runs, b, nil),
		sprites:  sprites,
		store:    store,
		pipeline: pipeline,
		runs:     runs,
		bus:      b,
	}
}

// proposeRunnable proposes an approved intent that executes cmd on s1.
func (env *testEnv) proposeRunnable(t *testing.T, cmd string, mode Mode) *intent.Intent {
	t.Helper()
	in, err := env.pipeline.Propose(context.Background(),
		intent.New(intent.KindTask, intent.Source{Type: intent.SourceOperator}, "run "+cmd, map[string]any{
			"capability": "sprites",
			"operation":  "exec_ws",
			"sprite_id":  "s1",
			"command":    cmd,
			"mode":       string(mode),
		}))
	if err != nil {
		t.Fatal(err)
	}
	if in.State != intent.StateApproved {
		t.Fatalf("fixture intent not approved: %s", in.State)
	}
	return in
}

func makeEvent(t *testing.T, typ protocol.EventType, workItemID string, ts time.Time, payload map[string]any) *protocol.Event {
	t.Helper()
	return &protocol.Event{
		ProtocolVersion: protocol.Version,
		EventType:       typ,
		SpriteID:        "s1",
		WorkItemID:      workItemID,
		Timestamp:       ts,
		Payload:         payload,
	}
}

func eventLine(t *testing.T, evt *protocol.Event) string {
	t.Helper()
	line, err := protocol.SerializeLine(evt)
	if err != nil {
		t.Fatal(err)
	}
	return line
}

func rawEvent(t *testing.T, evt *protocol.Event) string {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func outboxFetchCmd() string {
	return fmt.Sprintf("cat %s 2>/dev/null || true", protocol.OutboxPath)
}

func TestExecuteStreamToCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "make release", ModeExecWS)

	base := time.Now().UTC().Truncate(time.Second)
	env.sprites.ScriptStream("make release", []string{
		"compiling...",
		eventLine(t, makeEvent(t, protocol.EventPhaseStarted, in.ID, base, map[string]any{"phase": "build"})),
		eventLine(t, makeEvent(t, protocol.EventInfo, in.ID, base.Add(time.Second), map[string]any{"message": "built in 4s"})),
		eventLine(t, makeEvent(t, protocol.EventArtifact, in.ID, base.Add(2*time.Second), map[string]any{"kind": "binary", "ref": "dist/app"})),
		eventLine(t, makeEvent(t, protocol.EventPhaseFinished, in.ID, base.Add(3*time.Second), map[string]any{"phase": "build", "success": true})),
		eventLine(t, makeEvent(t, protocol.EventCompleted, in.ID, base.Add(4*time.Second), map[string]any{"status": "success", "summary": "released"})),
	})

	run, err := env.executor.Execute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}
	if len(run.Log) != 1 || run.Log[0] != "built in 4s" {
		t.Fatalf("run log wrong: %v", run.Log)
	}
	if run.Artifacts["binary"] == nil || run.Artifacts["binary"]["ref"] != "dist/app" {
		t.Fatalf("artifact not recorded: %v", run.Artifacts)
	}
	if len(run.Phases) != 1 || run.Phases[0].FinishedAt == nil || run.Phases[0].Success == nil || !*run.Phases[0].Success {
		t.Fatalf("phase not closed: %+v", run.Phases)
	}

	final, _ := env.store.Get(ctx, in.ID)
	if final.State != intent.StateCompleted {
		t.Fatalf("intent should be completed, got %s", final.State)
	}
}

func TestStreamDropReconciledFromOutbox(t *testing.T) {
	// The stream dies after INFO; the outbox holds the same INFO plus the
	// COMPLETED the stream never delivered. Reconciliation recovers the
	// completion and applies each event exactly once.
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "make test", ModeExecWS)

	base := time.Now().UTC().Truncate(time.Second)
	info := makeEvent(t, protocol.EventInfo, in.ID, base, map[string]any{"message": "tests passed"})
	completed := makeEvent(t, protocol.EventCompleted, in.ID, base.Add(time.Second), map[string]any{"status": "success"})

	env.sprites.ScriptStream("make test", []string{eventLine(t, info)})
	env.sprites.ScriptExec(outboxFetchCmd(), &capability.ExecResult{
		ExitCode: 0,
		Stdout:   rawEvent(t, info) + "\n" + rawEvent(t, completed) + "\n",
	})

	run, err := env.executor.Execute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("expected succeeded after outbox reconcile, got %s (%s)", run.Status, run.Error)
	}
	if len(run.Log) != 1 {
		t.Fatalf("INFO applied %d times, want exactly once", len(run.Log))
	}

	final, _ := env.store.Get(ctx, in.ID)
	if final.State != intent.StateCompleted {
		t.Fatalf("intent should be completed, got %s", final.State)
	}
}

func TestOutboxArtifactPayloadOverwritesStreamedCopy(t *testing.T) {
	// The outbox line for an ARTIFACT is written after the upload resolves,
	// so its payload can carry fields the live stream's copy lacked. The
	// reconciled replay must fold that payload into the run; INFO twins
	// stay applied exactly once.
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "make dist", ModeExecWS)

	base := time.Now().UTC().Truncate(time.Second)
	info := makeEvent(t, protocol.EventInfo, in.ID, base, map[string]any{"message": "packaging"})
	artifact := makeEvent(t, protocol.EventArtifact, in.ID, base.Add(time.Second), map[string]any{
		"kind": "binary", "ref": "dist/app",
	})
	completed := makeEvent(t, protocol.EventCompleted, in.ID, base.Add(2*time.Second), map[string]any{"status": "success"})

	resolved := makeEvent(t, protocol.EventArtifact, in.ID, artifact.Timestamp, map[string]any{
		"kind": "binary", "ref": "dist/app", "digest": "sha256:f00d",
	})

	env.sprites.ScriptStream("make dist", []string{
		eventLine(t, info),
		eventLine(t, artifact),
		eventLine(t, completed),
	})
	env.sprites.ScriptExec(outboxFetchCmd(), &capability.ExecResult{
		ExitCode: 0,
		Stdout:   rawEvent(t, info) + "\n" + rawEvent(t, resolved) + "\n" + rawEvent(t, completed) + "\n",
	})

	run, err := env.executor.Execute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}
	if run.Artifacts["binary"] == nil || run.Artifacts["binary"]["digest"] != "sha256:f00d" {
		t.Fatalf("outbox artifact payload not folded: %v", run.Artifacts["binary"])
	}
	if len(run.Log) != 1 {
		t.Fatalf("INFO applied %d times, want exactly once", len(run.Log))
	}
}

func TestSessionEndWithoutCompletionFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "flaky", ModeExecWS)

	base := time.Now().UTC()
	env.sprites.ScriptStream("flaky", []string{
		eventLine(t, makeEvent(t, protocol.EventInfo, in.ID, base, map[string]any{"message": "starting"})),
	})

	run, err := env.executor.Execute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.Error == "" {
		t.Fatal("expected a failure reason")
	}

	final, _ := env.store.Get(ctx, in.ID)
	if final.State != intent.StateFailed {
		t.Fatalf("intent should be failed, got %s", final.State)
	}
}

func TestActionRequestProposesChildIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "triage", ModeExecWS)

	base := time.Now().UTC().Truncate(time.Second)
	env.sprites.ScriptStream("triage", []string{
		eventLine(t, makeEvent(t, protocol.EventActionRequest, in.ID, base, map[string]any{
			"action":     "github.create_comment",
			"parameters": map[string]any{"repo": "acme/app", "number": 7, "body": "on it"},
		})),
		eventLine(t, makeEvent(t, protocol.EventCompleted, in.ID, base.Add(time.Second), map[string]any{"status": "success"})),
	})

	if _, err := env.executor.Execute(ctx, in); err != nil {
		t.Fatal(err)
	}

	children, err := env.store.List(ctx, intent.Filter{ParentIntentID: in.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child intent, got %d", len(children))
	}
	child := children[0]
	if child.Source.Type != intent.SourceSprite || child.Source.ID != "s1" {
		t.Fatalf("child source wrong: %+v", child.Source)
	}
	if capName, op := child.Capability(); capName != "github" || op != "create_comment" {
		t.Fatalf("child action wrong: %s.%s", capName, op)
	}
}

func TestEnvironmentProposalBecomesMaintenanceIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "build", ModeExecWS)

	base := time.Now().UTC().Truncate(time.Second)
	env.sprites.ScriptStream("build", []string{
		eventLine(t, makeEvent(t, protocol.EventEnvironmentProposal, in.ID, base, map[string]any{
			"observed_failure":     "missing protoc",
			"suggested_adjustment": map[string]any{"type": "tool_install", "name": "protoc"},
			"confidence":           0.9,
			"scope":                "repo_specific",
		})),
		eventLine(t, makeEvent(t, protocol.EventCompleted, in.ID, base.Add(time.Second), map[string]any{"status": "failure"})),
	})

	run, err := env.executor.Execute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("failure completion should fail the run, got %s", run.Status)
	}

	children, _ := env.store.List(ctx, intent.Filter{Kind: intent.KindMaintenance})
	if len(children) != 1 || children[0].ParentIntentID != in.ID {
		t.Fatalf("expected 1 maintenance child, got %v", children)
	}
}

func TestWaitingThenResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "open pr", ModeExecWS)

	base := time.Now().UTC().Truncate(time.Second)
	env.sprites.ScriptStream("open pr", []string{
		eventLine(t, makeEvent(t, protocol.EventWaiting, in.ID, base, map[string]any{
			"reason":        "PR_REVIEW",
			"checkpoint_id": "chk_1",
		})),
	})

	run, err := env.executor.Execute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusWaiting || run.CheckpointID != "chk_1" {
		t.Fatalf("expected waiting on chk_1, got %s/%s", run.Status, run.CheckpointID)
	}
	paused, _ := env.store.Get(ctx, in.ID)
	if paused.State != intent.StateWaitingForInput {
		t.Fatalf("intent should be waiting_for_input, got %s", paused.State)
	}

	// The sprite's next session, after checkpoint restore, finishes the work.
	env.sprites.ScriptStream("open pr", []string{
		eventLine(t, makeEvent(t, protocol.EventInfo, in.ID, base.Add(time.Minute), map[string]any{"message": "resumed"})),
		eventLine(t, makeEvent(t, protocol.EventCompleted, in.ID, base.Add(2*time.Minute), map[string]any{"status": "success"})),
	})

	run, err = env.executor.Resume(ctx, in.ID, map[string]any{"approved": true})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("expected succeeded after resume, got %s (%s)", run.Status, run.Error)
	}

	history := env.sprites.ExecHistory()
	var restored, wrote bool
	for _, cmd := range history {
		if cmd == "restore_checkpoint chk_1" {
			restored = true
		}
		if strings.Contains(cmd, protocol.ResumePath) {
			wrote = true
		}
	}
	if !restored || !wrote {
		t.Fatalf("resume must restore the checkpoint and write resume.json, history: %v", history)
	}

	final, _ := env.store.Get(ctx, in.ID)
	if final.State != intent.StateCompleted {
		t.Fatalf("intent should be completed, got %s", final.State)
	}
	if final.ResumedAt == nil {
		t.Fatal("expected resumed_at stamp")
	}
}

func TestExecPostMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.proposeRunnable(t, "one-shot", ModeExecPost)

	base := time.Now().UTC().Truncate(time.Second)
	stdout := strings.Join([]string{
		"plain output",
		eventLine(t, makeEvent(t, protocol.EventInfo, in.ID, base, map[string]any{"message": "done"})),
		eventLine(t, makeEvent(t, protocol.EventCompleted, in.ID, base.Add(time.Second), map[string]any{"status": "success"})),
	}, "\n")
	env.sprites.ScriptExec("one-shot", &capability.ExecResult{ExitCode: 0, Stdout: stdout})

	run, err := env.executor.Execute(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Fatalf("exit code not recorded: %v", run.ExitCode)
	}
}

func TestGovernanceListenerPicksUpApprovedIntents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.executor.Start(ctx)

	base := time.Now().UTC().Truncate(time.Second)
	payload := map[string]any{
		"capability": "sprites",
		"operation":  "exec_ws",
		"sprite_id":  "s1",
		"command":    "auto",
	}
	// Script before proposing: approval triggers execution immediately.
	fixture := intent.New(intent.KindTask, intent.Source{Type: intent.SourceOperator}, "auto", payload)
	env.sprites.ScriptStream("auto", []string{
		eventLine(t, makeEvent(t, protocol.EventCompleted, fixture.ID, base, map[string]any{"status": "success"})),
	})

	if _, err := env.pipeline.Propose(ctx, fixture); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		in, err := env.store.Get(ctx, fixture.ID)
		if err == nil && in.State == intent.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("intent never completed, state: %v", in)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
