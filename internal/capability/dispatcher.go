package capability

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/safety"
)

// DefaultCallTimeout bounds every capability call unless the caller
// overrides it.
const DefaultCallTimeout = 15 * time.Second

// ApprovalProposer is notified when a call requires human approval. The
// intent pipeline implements this; the dispatcher stays ignorant of
// intent semantics to keep the dependency arrow pointing one way.
type ApprovalProposer interface {
	ProposeApproval(ctx context.Context, action safety.Action, args map[string]any) (intentID string, err error)
}

// CallMetrics receives timing for every dispatched call, allow or deny.
type CallMetrics interface {
	ObserveCall(capability, operation, result string, duration time.Duration)
}

// Dispatcher wraps every outbound capability call in the safety pipeline:
// classify, gate, audit, then invoke. Denied and pending calls never
// reach the implementation; every call produces exactly one audit entry.
type Dispatcher struct {
	registry *Registry
	gate     *safety.Gate
	audit    *safety.Log
	proposer ApprovalProposer
	metrics  CallMetrics
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. proposer and metrics may be nil.
func NewDispatcher(registry *Registry, gate *safety.Gate, audit *safety.Log, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		gate:     gate,
		audit:    audit,
		timeout:  DefaultCallTimeout,
		logger:   logger,
	}
}

// WithProposer installs the approval proposer.
func (d *Dispatcher) WithProposer(p ApprovalProposer) *Dispatcher {
	d.proposer = p
	return d
}

// WithMetrics installs the call metrics sink.
func (d *Dispatcher) WithMetrics(m CallMetrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithTimeout overrides the default per-call timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// Registry exposes the underlying implementation registry for callers
// that need the typed interfaces.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// CallOpts tunes one dispatched call.
type CallOpts struct {
	Actor             string
	Operator          string
	AffectedResources []string
	Repo              string
	Timeout           time.Duration // 0 = dispatcher default
}

// Call routes one capability operation through classify → gate → audit →
// invoke. args is recorded (redacted) in the audit entry. fn receives a
// context bounded by the call timeout.
func (d *Dispatcher) Call(ctx context.Context, capability, operation string, args map[string]any, opts CallOpts, fn func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()

	action, err := safety.Classify(capability, operation)
	if err != nil {
		d.record(capability, operation, args, "", "unknown_action", opts, start)
		return nil, Errf(CodeNotImplemented, "unclassified action %s.%s", capability, operation)
	}

	decision, reason := d.gate.Decide(safety.Request{
		Action:            action,
		AffectedResources: opts.AffectedResources,
		Repo:              opts.Repo,
	})

	switch decision {
	case safety.DecisionDeny:
		d.record(capability, operation, args, action.Classification, "denied", opts, start)
		d.logger.Warn("capability call denied",
			zap.String("capability", capability),
			zap.String("operation", operation),
			zap.String("reason", reason),
		)
		return nil, &Error{Code: CodeDenied, Message: reason}

	case safety.DecisionRequireApproval:
		if d.proposer != nil {
			if _, perr := d.proposer.ProposeApproval(ctx, action, args); perr != nil {
				d.logger.Warn("approval proposal failed", zap.Error(perr))
			}
		}
		d.record(capability, operation, args, action.Classification, "requires_approval", opts, start)
		return nil, &Error{Code: CodePendingApproval, Message: reason}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, callErr := fn(callCtx)
	if callErr != nil {
		callErr = normalizeError(callCtx, callErr)
		d.record(capability, operation, args, action.Classification, "error:"+string(CodeOf(callErr)), opts, start)
		return nil, callErr
	}

	d.record(capability, operation, args, action.Classification, "ok", opts, start)
	return result, nil
}

func (d *Dispatcher) record(capability, operation string, args map[string]any, class safety.Classification, result string, opts CallOpts, start time.Time) {
	duration := time.Since(start)
	if d.audit != nil {
		d.audit.Record(safety.Entry{
			Capability:     capability,
			Operation:      operation,
			SanitizedArgs:  args,
			Classification: class,
			Result:         result,
			Actor:          opts.Actor,
			Operator:       opts.Operator,
			DurationMS:     duration.Milliseconds(),
		})
	}
	if d.metrics != nil {
		d.metrics.ObserveCall(capability, operation, result, duration)
	}
}

// normalizeError folds context deadline errors into the timeout code and
// wraps anything uncoded as a connection error.
func normalizeError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Code: CodeConnectionError, Message: err.Error()}
}
