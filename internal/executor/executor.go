package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/bus"
	"github.com/lattice-dev/lattice/internal/capability"
	"github.com/lattice-dev/lattice/internal/intent"
	"github.com/lattice-dev/lattice/internal/protocol"
	"github.com/lattice-dev/lattice/internal/safety"
)

const (
	// DefaultIdleTimeout fails a session when its stream goes silent.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultHardTimeout bounds a whole session regardless of activity.
	DefaultHardTimeout = 2 * time.Hour

	executorActor = "executor"
)

// EventMetrics counts ingested protocol events per type.
type EventMetrics interface {
	ObserveProtocolEvent(eventType string)
}

// Executor runs approved intents on sprites. It watches the bus for
// intents entering the approved state (the governance listener contract),
// creates a run, drives an exec session, folds the protocol event stream
// into run and intent state, and reconciles against the sprite's durable
// outbox after each session.
type Executor struct {
	dispatcher *capability.Dispatcher
	pipeline   *intent.Pipeline
	runs       *RunStore
	bus        *bus.Bus
	logger     *zap.Logger
	metrics    EventMetrics

	idleTimeout time.Duration
	hardTimeout time.Duration

	wg sync.WaitGroup
}

// New creates an executor. metrics may be nil.
func New(dispatcher *capability.Dispatcher, pipeline *intent.Pipeline, runs *RunStore, b *bus.Bus, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		dispatcher:  dispatcher,
		pipeline:    pipeline,
		runs:        runs,
		bus:         b,
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
		hardTimeout: DefaultHardTimeout,
	}
}

// WithMetrics installs the protocol event metrics sink.
func (e *Executor) WithMetrics(m EventMetrics) *Executor {
	e.metrics = m
	return e
}

// WithTimeouts overrides the session idle and hard timeouts.
func (e *Executor) WithTimeouts(idle, hard time.Duration) *Executor {
	if idle > 0 {
		e.idleTimeout = idle
	}
	if hard > 0 {
		e.hardTimeout = hard
	}
	return e
}

// Runs exposes the run store for the API surface.
func (e *Executor) Runs() *RunStore {
	return e.runs
}

// Start launches the governance listener: every intent that transitions
// to approved and declares a runnable command gets a run. Returns after
// spawning; Stop waits for in-flight sessions.
func (e *Executor) Start(ctx context.Context) {
	ch := e.bus.Subscribe("executor-governance", bus.TopicIntents)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				e.bus.Unsubscribe("executor-governance")
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if evt.Type != bus.EventIntentTransitioned {
					continue
				}
				in, ok := evt.Detail.(*intent.Intent)
				if !ok || in.State != intent.StateApproved || !runnable(in) {
					continue
				}
				e.wg.Add(1)
				go func(in *intent.Intent) {
					defer e.wg.Done()
					if _, err := e.Execute(ctx, in); err != nil {
						e.logger.Error("intent execution failed",
							zap.String("intent", in.ID), zap.Error(err))
					}
				}(in)
			}
		}
	}()
}

// Stop waits for the listener and all in-flight sessions to finish.
func (e *Executor) Stop() {
	e.wg.Wait()
}

// runnable reports whether an approved intent carries an executable
// command. Approval-only intents (capability call approvals) do not.
func runnable(in *intent.Intent) bool {
	if in.Payload == nil {
		return false
	}
	sprite, _ := in.Payload["sprite_id"].(string)
	cmd, _ := in.Payload["command"].(string)
	return sprite != "" && cmd != ""
}

// Execute creates a run for an approved intent and drives the session to
// its end. Returns the final run record.
func (e *Executor) Execute(ctx context.Context, in *intent.Intent) (*Run, error) {
	spriteID, _ := in.Payload["sprite_id"].(string)
	command, _ := in.Payload["command"].(string)
	mode := Mode(stringOr(in.Payload["mode"], string(ModeExecWS)))

	run := NewRun(in.ID, spriteID, command, mode)
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	e.publishRun(run)

	if _, err := e.pipeline.Lifecycle().Transition(ctx, in.ID, intent.StateRunning, executorActor, "run "+run.ID); err != nil {
		return nil, err
	}
	if _, err := e.runs.SetStatus(ctx, run.ID, StatusRunning, nil); err != nil {
		return nil, err
	}

	return e.session(ctx, run.ID)
}

// session executes the run's command on its sprite, ingests the event
// stream, reconciles with the outbox, and finalizes. Shared by Execute
// and Resume.
func (e *Executor) session(ctx context.Context, runID string) (*Run, error) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithTimeout(ctx, e.hardTimeout)
	defer cancel()

	var (
		streamed   []*protocol.Event
		sessionErr error
	)
	switch run.Mode {
	case ModeExecPost:
		streamed, sessionErr = e.runPost(sessionCtx, run)
	case ModeService:
		// Services are started and left running; no completion expected.
		return run, e.startService(sessionCtx, run)
	default:
		streamed, sessionErr = e.runStream(sessionCtx, run)
	}

	merged := e.reconcileOutbox(ctx, run, streamed)
	for _, evt := range merged {
		e.applyEvent(ctx, run.ID, evt)
	}

	return e.finalize(ctx, run.ID, sessionErr)
}

// runStream drives an exec_ws session, applying protocol events as they
// arrive and collecting them for post-session reconciliation.
func (e *Executor) runStream(ctx context.Context, run *Run) ([]*protocol.Event, error) {
	result, err := e.dispatcher.Call(ctx, "sprites", "exec_ws",
		map[string]any{"id": run.SpriteID, "cmd": run.Command},
		capability.CallOpts{Actor: executorActor},
		func(callCtx context.Context) (any, error) {
			return e.dispatcher.Registry().Sprites().ExecWS(callCtx, run.SpriteID, run.Command)
		})
	if err != nil {
		return nil, err
	}
	stream := result.(capability.ExecStream)
	defer stream.Close()

	var streamed []*protocol.Event
	idle := time.NewTimer(e.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return streamed, fmt.Errorf("session canceled: %w", ctx.Err())
		case <-idle.C:
			return streamed, fmt.Errorf("session idle for %s", e.idleTimeout)
		case line, ok := <-stream.Lines():
			if !ok {
				return streamed, stream.Err()
			}
			idle.Reset(e.idleTimeout)
			if evt := e.ingestLine(ctx, run, line); evt != nil {
				streamed = append(streamed, evt)
			}
		}
	}
}

// runPost drives a one-shot exec and parses the captured stdout.
func (e *Executor) runPost(ctx context.Context, run *Run) ([]*protocol.Event, error) {
	result, err := e.dispatcher.Call(ctx, "sprites", "exec",
		map[string]any{"id": run.SpriteID, "cmd": run.Command},
		capability.CallOpts{Actor: executorActor, Timeout: e.hardTimeout},
		func(callCtx context.Context) (any, error) {
			return e.dispatcher.Registry().Sprites().Exec(callCtx, run.SpriteID, run.Command)
		})
	if err != nil {
		return nil, err
	}
	res := result.(*capability.ExecResult)

	if _, err := e.runs.Mutate(ctx, run.ID, func(r *Run) error {
		code := res.ExitCode
		r.ExitCode = &code
		return nil
	}); err != nil {
		e.logger.Warn("record exit code", zap.String("run", run.ID), zap.Error(err))
	}

	var streamed []*protocol.Event
	for _, line := range strings.Split(res.Stdout, "\n") {
		if evt := e.ingestLine(ctx, run, line); evt != nil {
			streamed = append(streamed, evt)
		}
	}
	if res.ExitCode != 0 {
		return streamed, fmt.Errorf("command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return streamed, nil
}

// startService launches a long-lived service command and leaves the run
// in running status.
func (e *Executor) startService(ctx context.Context, run *Run) error {
	_, err := e.dispatcher.Call(ctx, "sprites", "exec",
		map[string]any{"id": run.SpriteID, "cmd": run.Command},
		capability.CallOpts{Actor: executorActor},
		func(callCtx context.Context) (any, error) {
			return e.dispatcher.Registry().Sprites().Exec(callCtx, run.SpriteID, run.Command)
		})
	if err != nil {
		_, ferr := e.runs.SetStatus(ctx, run.ID, StatusFailed, func(r *Run) {
			r.Error = err.Error()
		})
		if ferr != nil {
			e.logger.Warn("mark service run failed", zap.String("run", run.ID), zap.Error(ferr))
		}
		return err
	}
	return nil
}

// ingestLine parses one stdout line. Protocol events are applied and
// returned; plain output and malformed events are logged and skipped.
func (e *Executor) ingestLine(ctx context.Context, run *Run, line string) *protocol.Event {
	evt, isEvent, err := protocol.ParseLine(line)
	if err != nil {
		e.logger.Warn("malformed protocol event, treating as output",
			zap.String("run", run.ID), zap.Error(err))
		return nil
	}
	if !isEvent {
		return nil
	}
	e.applyEvent(ctx, run.ID, evt)
	return evt
}

func eventKey(evt *protocol.Event) string {
	return string(evt.EventType) + "|" + evt.Timestamp.UTC().Format(time.RFC3339Nano)
}

// applyEvent folds one protocol event into run and intent state. Applying
// the same event twice is a no-op, which makes the post-session replay of
// the reconciled event list safe.
func (e *Executor) applyEvent(ctx context.Context, runID string, evt *protocol.Event) {
	key := eventKey(evt)
	var duplicate bool
	run, err := e.runs.Mutate(ctx, runID, func(r *Run) error {
		if r.Applied[key] {
			duplicate = true
			// An outbox copy can carry a payload resolved after its
			// streamed twin was applied live. Artifact application is
			// an overwrite keyed by kind, so folding the later copy
			// updates the record without duplicating anything. Other
			// event kinds append or transition and must not re-apply.
			if evt.EventType == protocol.EventArtifact {
				applyToRun(r, evt)
			}
			return nil
		}
		r.Applied[key] = true
		applyToRun(r, evt)
		return nil
	})
	if err != nil {
		e.logger.Error("apply protocol event", zap.String("run", runID), zap.Error(err))
		return
	}
	if duplicate {
		return
	}

	if e.metrics != nil {
		e.metrics.ObserveProtocolEvent(string(evt.EventType))
	}
	e.bus.Publish(bus.SpriteTopic(evt.SpriteID), bus.Event{
		Type:     bus.EventProtocolEvent,
		SpriteID: evt.SpriteID,
		IntentID: run.IntentID,
		Summary:  string(evt.EventType),
		Detail:   evt,
	})
	e.publishRun(run)

	switch evt.EventType {
	case protocol.EventWaiting:
		reason, _ := evt.Payload["reason"].(string)
		if _, err := e.pipeline.Lifecycle().Transition(ctx, run.IntentID, intent.StateWaitingForInput, executorActor, reason); err != nil {
			e.logger.Warn("waiting transition", zap.String("intent", run.IntentID), zap.Error(err))
		}
	case protocol.EventCompleted:
		status, _ := evt.Payload["status"].(string)
		to := intent.StateCompleted
		if status != protocol.CompletionSuccess {
			to = intent.StateFailed
		}
		summary, _ := evt.Payload["summary"].(string)
		if _, err := e.pipeline.Lifecycle().Transition(ctx, run.IntentID, to, executorActor, summary); err != nil {
			e.logger.Warn("completion transition", zap.String("intent", run.IntentID), zap.Error(err))
		}
	case protocol.EventError:
		msg, _ := evt.Payload["message"].(string)
		if _, err := e.pipeline.Lifecycle().Transition(ctx, run.IntentID, intent.StateFailed, executorActor, msg); err != nil {
			e.logger.Warn("error transition", zap.String("intent", run.IntentID), zap.Error(err))
		}
	case protocol.EventActionRequest:
		e.proposeActionRequest(ctx, run, evt)
	case protocol.EventEnvironmentProposal:
		e.proposeEnvironmentChange(ctx, run, evt)
	}
}

// applyToRun mutates only the run record; intent transitions happen in
// applyEvent after the mutation commits.
func applyToRun(r *Run, evt *protocol.Event) {
	switch evt.EventType {
	case protocol.EventInfo:
		msg, _ := evt.Payload["message"].(string)
		r.Log = append(r.Log, msg)
	case protocol.EventPhaseStarted:
		name, _ := evt.Payload["phase"].(string)
		r.Phases = append(r.Phases, Phase{Name: name, StartedAt: evt.Timestamp})
	case protocol.EventPhaseFinished:
		name, _ := evt.Payload["phase"].(string)
		success, _ := evt.Payload["success"].(bool)
		for i := len(r.Phases) - 1; i >= 0; i-- {
			if r.Phases[i].Name == name && r.Phases[i].FinishedAt == nil {
				ts := evt.Timestamp
				r.Phases[i].FinishedAt = &ts
				r.Phases[i].Success = &success
				break
			}
		}
	case protocol.EventArtifact:
		kind, _ := evt.Payload["kind"].(string)
		if r.Artifacts == nil {
			r.Artifacts = make(map[string]map[string]any)
		}
		r.Artifacts[kind] = evt.Payload
	case protocol.EventWaiting:
		if canChangeStatus(r.Status, StatusWaiting) == nil {
			r.Status = StatusWaiting
		}
		r.CheckpointID, _ = evt.Payload["checkpoint_id"].(string)
		r.WaitReason, _ = evt.Payload["reason"].(string)
	case protocol.EventCompleted:
		status, _ := evt.Payload["status"].(string)
		to := StatusSucceeded
		if status != protocol.CompletionSuccess {
			to = StatusFailed
		}
		if canChangeStatus(r.Status, to) == nil {
			now := time.Now().UTC()
			r.Status = to
			r.FinishedAt = &now
		}
	case protocol.EventError:
		msg, _ := evt.Payload["message"].(string)
		r.Error = msg
		if canChangeStatus(r.Status, StatusFailed) == nil {
			now := time.Now().UTC()
			r.Status = StatusFailed
			r.FinishedAt = &now
		}
	}
}

// proposeActionRequest turns an ACTION_REQUEST into a child intent
// proposal. The sprite does not block on the outcome.
func (e *Executor) proposeActionRequest(ctx context.Context, run *Run, evt *protocol.Event) {
	action, _ := evt.Payload["action"].(string)
	params, _ := evt.Payload["parameters"].(map[string]any)

	payload := map[string]any{"args": safety.RedactArgs(params)}
	if capName, op, ok := splitAction(action); ok {
		payload["capability"] = capName
		payload["operation"] = op
	}

	child := intent.New(intent.KindAction,
		intent.Source{Type: intent.SourceSprite, ID: evt.SpriteID},
		"sprite requested "+action, payload)
	child.ParentIntentID = run.IntentID

	if _, err := e.pipeline.Propose(ctx, child); err != nil {
		e.logger.Warn("action request proposal failed",
			zap.String("run", run.ID), zap.String("action", action), zap.Error(err))
	}
}

// proposeEnvironmentChange turns an ENVIRONMENT_PROPOSAL into a
// maintenance intent. Fire and forget; the adjustment allowlist was
// already enforced at parse time.
func (e *Executor) proposeEnvironmentChange(ctx context.Context, run *Run, evt *protocol.Event) {
	child := intent.New(intent.KindMaintenance,
		intent.Source{Type: intent.SourceSprite, ID: evt.SpriteID},
		"environment adjustment proposed", evt.Payload)
	child.ParentIntentID = run.IntentID

	if _, err := e.pipeline.Propose(ctx, child); err != nil {
		e.logger.Warn("environment proposal failed",
			zap.String("run", run.ID), zap.Error(err))
	}
}

// splitAction parses "capability.operation".
func splitAction(action string) (string, string, bool) {
	i := strings.IndexByte(action, '.')
	if i <= 0 || i == len(action)-1 {
		return "", "", false
	}
	return action[:i], action[i+1:], true
}

// reconcileOutbox fetches the sprite's durable outbox and merges it with
// the streamed event list. The outbox copy wins on duplicates; outbox-only
// events (from crashed sessions) are recovered.
func (e *Executor) reconcileOutbox(ctx context.Context, run *Run, streamed []*protocol.Event) []*protocol.Event {
	cmd := fmt.Sprintf("cat %s 2>/dev/null || true", protocol.OutboxPath)
	result, err := e.dispatcher.Call(ctx, "sprites", "exec",
		map[string]any{"id": run.SpriteID, "cmd": cmd},
		capability.CallOpts{Actor: executorActor},
		func(callCtx context.Context) (any, error) {
			return e.dispatcher.Registry().Sprites().Exec(callCtx, run.SpriteID, cmd)
		})
	if err != nil {
		e.logger.Warn("outbox fetch failed, keeping streamed events only",
			zap.String("run", run.ID), zap.Error(err))
		return protocol.Reconcile(streamed, nil)
	}

	res := result.(*capability.ExecResult)
	parsed, errs := protocol.ParseOutbox([]byte(res.Stdout))
	for _, perr := range errs {
		e.logger.Warn("outbox line rejected", zap.String("run", run.ID), zap.Error(perr))
	}

	outbox := parsed[:0]
	for _, evt := range parsed {
		if evt.WorkItemID == run.IntentID {
			outbox = append(outbox, evt)
		}
	}
	return protocol.Reconcile(streamed, outbox)
}

// finalize settles a run whose session ended. Runs left in running status
// with no completion event fail; waiting runs stay paused.
func (e *Executor) finalize(ctx context.Context, runID string, sessionErr error) (*Run, error) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if StatusIsTerminal(run.Status) || run.Status == StatusWaiting || run.Status == StatusBlocked {
		return run, nil
	}

	reason := "session ended without completion"
	if sessionErr != nil {
		reason = sessionErr.Error()
	}
	run, err = e.runs.SetStatus(ctx, runID, StatusFailed, func(r *Run) {
		r.Error = reason
	})
	if err != nil {
		return nil, err
	}
	e.publishRun(run)

	if _, terr := e.pipeline.Lifecycle().Transition(ctx, run.IntentID, intent.StateFailed, executorActor, reason); terr != nil {
		e.logger.Warn("failure transition", zap.String("intent", run.IntentID), zap.Error(terr))
	}
	return run, nil
}

// Resume restarts a paused run: restore the remembered checkpoint, write
// the resume instructions, re-exec the entrypoint. Resuming the same
// (checkpoint_id, inputs) pair twice is a no-op once the run is moving
// again.
func (e *Executor) Resume(ctx context.Context, intentID string, inputs map[string]any) (*Run, error) {
	runs, err := e.runs.List(ctx, RunFilter{IntentID: intentID, Status: StatusWaiting})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no waiting run for intent %s", ErrRunNotFound, intentID)
	}
	run := runs[0]
	if run.CheckpointID == "" {
		return nil, fmt.Errorf("run %s is waiting without a checkpoint", run.ID)
	}

	resumeKey := resumeKey(run.CheckpointID, inputs)
	if run.LastResumeKey == resumeKey {
		return run, nil
	}

	if _, err := e.dispatcher.Call(ctx, "sprites", "restore_checkpoint",
		map[string]any{"id": run.SpriteID, "checkpoint_id": run.CheckpointID},
		capability.CallOpts{Actor: executorActor},
		func(callCtx context.Context) (any, error) {
			return nil, e.dispatcher.Registry().Sprites().RestoreCheckpoint(callCtx, run.SpriteID, run.CheckpointID)
		}); err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", run.CheckpointID, err)
	}

	payload := protocol.ResumePayload{
		WorkItemID:   run.IntentID,
		CheckpointID: run.CheckpointID,
		Inputs:       inputs,
	}
	data, err := payload.Marshal()
	if err != nil {
		return nil, err
	}
	writeCmd := fmt.Sprintf("mkdir -p %s && cat > %s <<'LATTICE_RESUME'\n%s\nLATTICE_RESUME",
		path.Dir(protocol.ResumePath), protocol.ResumePath, string(data))
	if _, err := e.dispatcher.Call(ctx, "sprites", "exec",
		map[string]any{"id": run.SpriteID, "cmd": "write resume.json"},
		capability.CallOpts{Actor: executorActor},
		func(callCtx context.Context) (any, error) {
			return e.dispatcher.Registry().Sprites().Exec(callCtx, run.SpriteID, writeCmd)
		}); err != nil {
		return nil, fmt.Errorf("write resume payload: %w", err)
	}

	if _, err := e.pipeline.Lifecycle().Transition(ctx, run.IntentID, intent.StateRunning, executorActor, "resume "+run.CheckpointID); err != nil {
		return nil, err
	}
	run, err = e.runs.SetStatus(ctx, run.ID, StatusRunning, func(r *Run) {
		r.LastResumeKey = resumeKey
	})
	if err != nil {
		return nil, err
	}
	e.publishRun(run)

	return e.session(ctx, run.ID)
}

// resumeKey fingerprints a resume request for idempotence.
func resumeKey(checkpointID string, inputs map[string]any) string {
	data, _ := json.Marshal(inputs)
	sum := sha256.Sum256(append([]byte(checkpointID+"|"), data...))
	return hex.EncodeToString(sum[:8])
}

func (e *Executor) publishRun(run *Run) {
	e.bus.Publish(bus.SpriteTopic(run.SpriteID), bus.Event{
		Type:     bus.EventRunUpdated,
		SpriteID: run.SpriteID,
		IntentID: run.IntentID,
		Summary:  string(run.Status),
		Detail:   run,
	})
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
