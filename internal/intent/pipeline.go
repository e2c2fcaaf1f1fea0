package intent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/safety"
)

// kindDefaults maps intent kinds that classify without consulting the
// capability registry. Kinds absent here classify from the payload's
// declared capability/operation.
var kindDefaults = map[Kind]safety.Classification{
	KindInquiry:         safety.ClassSafe,
	KindHealthDetect:    safety.ClassSafe,
	KindMaintenance:     safety.ClassControlled,
	KindHealthRemediate: safety.ClassControlled,
	KindDocUpdate:       safety.ClassControlled,
	KindIssueTriage:     safety.ClassControlled,
	KindPRCreate:        safety.ClassControlled,
	KindPRFixup:         safety.ClassControlled,
}

// Pipeline moves a proposed intent through classify → gate → approved
// (or awaiting_approval / rejected). It owns no execution; the
// governance listener watches for approved intents and hands them to an
// executor.
type Pipeline struct {
	lifecycle *Lifecycle
	gate      *safety.Gate
	logger    *zap.Logger
}

// NewPipeline creates the intent pipeline.
func NewPipeline(lifecycle *Lifecycle, gate *safety.Gate, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{lifecycle: lifecycle, gate: gate, logger: logger}
}

// Lifecycle exposes the lifecycle for collaborators (executor, server).
func (p *Pipeline) Lifecycle() *Lifecycle {
	return p.lifecycle
}

// Propose creates the intent and drives it through classification and
// the gate. The returned intent is in approved, awaiting_approval, or
// rejected state.
func (p *Pipeline) Propose(ctx context.Context, in *Intent) (*Intent, error) {
	if in.ID == "" {
		in.ID = NewID()
	}
	in.State = StateProposed

	if err := p.lifecycle.Store().Create(ctx, in); err != nil {
		return nil, fmt.Errorf("propose intent: %w", err)
	}

	class, err := p.classify(in)
	if err != nil {
		// Classification miss is terminal: unknown actions never run.
		return p.lifecycle.Transition(ctx, in.ID, StateRejected, "pipeline", "unknown_action")
	}

	in, err = p.lifecycle.TransitionWith(ctx, in.ID, StateClassified, "pipeline", "", func(i *Intent) {
		i.Classification = class
	})
	if err != nil {
		return nil, err
	}

	decision, reason := p.gate.Decide(safety.Request{
		Action: safety.Action{
			Capability:     firstNonEmpty(capabilityOf(in), string(in.Kind)),
			Operation:      operationOf(in),
			Classification: class,
		},
		AffectedResources: in.AffectedResources,
		Repo:              in.Repo(),
	})

	switch decision {
	case safety.DecisionAllow:
		return p.lifecycle.Transition(ctx, in.ID, StateApproved, "pipeline", reason)
	case safety.DecisionRequireApproval:
		return p.lifecycle.Transition(ctx, in.ID, StateAwaitingApproval, "pipeline", reason)
	default:
		return p.lifecycle.Transition(ctx, in.ID, StateRejected, "pipeline", "policy_denied: "+reason)
	}
}

// classify resolves the intent's classification: kind default first,
// else the capability classifier on the declared payload action.
func (p *Pipeline) classify(in *Intent) (safety.Classification, error) {
	if class, ok := kindDefaults[in.Kind]; ok {
		return class, nil
	}
	capability, operation := in.Capability()
	if capability == "" || operation == "" {
		return "", fmt.Errorf("%w: intent %s declares no capability action", safety.ErrUnknownAction, in.ID)
	}
	action, err := safety.Classify(capability, operation)
	if err != nil {
		return "", err
	}
	return action.Classification, nil
}

// Approve moves an awaiting intent to approved. Operator action.
func (p *Pipeline) Approve(ctx context.Context, id, operator string) (*Intent, error) {
	return p.lifecycle.Transition(ctx, id, StateApproved, operator, "operator approval")
}

// Reject moves an awaiting intent to terminal rejected. Operator action.
func (p *Pipeline) Reject(ctx context.Context, id, operator, reason string) (*Intent, error) {
	return p.lifecycle.Transition(ctx, id, StateRejected, operator, reason)
}

// Cancel cancels an intent from any cancelable state.
func (p *Pipeline) Cancel(ctx context.Context, id, actor, reason string) (*Intent, error) {
	return p.lifecycle.Transition(ctx, id, StateCanceled, actor, reason)
}

// ProposeApproval implements capability.ApprovalProposer: a dispatched
// call that requires human approval becomes an awaiting intent.
func (p *Pipeline) ProposeApproval(ctx context.Context, action safety.Action, args map[string]any) (string, error) {
	payload := map[string]any{
		"capability": action.Capability,
		"operation":  action.Operation,
	}
	if len(args) > 0 {
		payload["args"] = safety.RedactArgs(args)
	}
	in := New(KindAction, Source{Type: SourceAgent, ID: "dispatcher"},
		fmt.Sprintf("%s.%s requires approval", action.Capability, action.Operation), payload)

	out, err := p.Propose(ctx, in)
	if err != nil {
		// The collision path means the approval intent already exists.
		if errors.Is(err, ErrIDCollision) {
			return in.ID, nil
		}
		return "", err
	}
	return out.ID, nil
}

func capabilityOf(in *Intent) string {
	capability, _ := in.Capability()
	return capability
}

func operationOf(in *Intent) string {
	_, operation := in.Capability()
	return operation
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
