package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lattice-dev/lattice/internal/safety"
)

func newTestDispatcher(cfg safety.GateConfig) (*Dispatcher, *safety.Log) {
	audit := safety.NewLog(0, nil)
	gate := safety.NewGate(cfg, nil)
	return NewDispatcher(NewRegistry(nil), gate, audit, nil), audit
}

func TestDispatchAllowedCallReachesImpl(t *testing.T) {
	d, audit := newTestDispatcher(safety.GateConfig{AllowControlled: true})

	called := false
	result, err := d.Call(context.Background(), "sprites", "wake",
		map[string]any{"id": "s1"}, CallOpts{Actor: "worker:s1"},
		func(ctx context.Context) (any, error) {
			called = true
			return "ok", nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if !called || result != "ok" {
		t.Fatal("implementation was not invoked")
	}

	entries := audit.Recent(1)
	if len(entries) != 1 || entries[0].Result != "ok" {
		t.Fatalf("expected one ok audit entry, got %v", entries)
	}
	if entries[0].Classification != safety.ClassControlled {
		t.Fatalf("wrong classification: %s", entries[0].Classification)
	}
}

func TestDispatchDeniedNeverCallsImpl(t *testing.T) {
	d, audit := newTestDispatcher(safety.GateConfig{}) // dangerous disabled

	called := false
	_, err := d.Call(context.Background(), "fly", "deploy", nil, CallOpts{},
		func(ctx context.Context) (any, error) {
			called = true
			return nil, nil
		})

	if !IsCode(err, CodeDenied) {
		t.Fatalf("expected denied error, got %v", err)
	}
	if called {
		t.Fatal("denied call must never reach the implementation")
	}
	entries := audit.Recent(1)
	if len(entries) != 1 || entries[0].Result != "denied" {
		t.Fatalf("expected a denied audit entry, got %v", entries)
	}
}

func TestDispatchRequireApprovalProposesIntent(t *testing.T) {
	d, audit := newTestDispatcher(safety.GateConfig{
		AllowControlled:              true,
		RequireApprovalForControlled: true,
	})

	var proposed *safety.Action
	d.WithProposer(proposerFunc(func(_ context.Context, action safety.Action, _ map[string]any) (string, error) {
		proposed = &action
		return "intent-1", nil
	}))

	called := false
	_, err := d.Call(context.Background(), "sprites", "wake", nil, CallOpts{},
		func(ctx context.Context) (any, error) {
			called = true
			return nil, nil
		})

	if !IsCode(err, CodePendingApproval) {
		t.Fatalf("expected pending_approval, got %v", err)
	}
	if called {
		t.Fatal("pending call must never reach the implementation")
	}
	if proposed == nil || proposed.Operation != "wake" {
		t.Fatalf("expected an approval proposal, got %v", proposed)
	}
	entries := audit.Recent(1)
	if entries[0].Result != "requires_approval" {
		t.Fatalf("expected requires_approval audit entry, got %s", entries[0].Result)
	}
}

func TestDispatchUnknownActionAudited(t *testing.T) {
	d, audit := newTestDispatcher(safety.GateConfig{})

	_, err := d.Call(context.Background(), "sprites", "levitate", nil, CallOpts{},
		func(ctx context.Context) (any, error) { return nil, nil })
	if !IsCode(err, CodeNotImplemented) {
		t.Fatalf("expected not_implemented, got %v", err)
	}
	if audit.Count() != 1 {
		t.Fatalf("unknown action must still be audited, got %d entries", audit.Count())
	}
}

func TestDispatchTimeout(t *testing.T) {
	d, audit := newTestDispatcher(safety.GateConfig{AllowControlled: true})

	_, err := d.Call(context.Background(), "sprites", "exec", nil,
		CallOpts{Timeout: 10 * time.Millisecond},
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if !IsCode(err, CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	entries := audit.Recent(1)
	if entries[0].Result != "error:timeout" {
		t.Fatalf("expected error:timeout audit entry, got %s", entries[0].Result)
	}
}

func TestDispatchErrorsStayCoded(t *testing.T) {
	d, _ := newTestDispatcher(safety.GateConfig{AllowControlled: true})

	_, err := d.Call(context.Background(), "sprites", "get", nil, CallOpts{},
		func(ctx context.Context) (any, error) {
			return nil, &Error{Code: CodeNotFound, Message: "sprite s9"}
		})
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("coded errors must pass through, got %v", err)
	}

	_, err = d.Call(context.Background(), "sprites", "get", nil, CallOpts{},
		func(ctx context.Context) (any, error) {
			return nil, errors.New("socket closed")
		})
	if !IsCode(err, CodeConnectionError) {
		t.Fatalf("uncoded errors normalize to connection_error, got %v", err)
	}
}

func TestAuditCompleteness(t *testing.T) {
	// Every dispatch produces exactly one audit entry, whatever the outcome.
	d, audit := newTestDispatcher(safety.GateConfig{AllowControlled: true})

	calls := []struct {
		capability, operation string
		fn                    func(ctx context.Context) (any, error)
	}{
		{"sprites", "get", func(ctx context.Context) (any, error) { return nil, nil }},
		{"fly", "deploy", func(ctx context.Context) (any, error) { return nil, nil }},   // denied
		{"sprites", "nope", func(ctx context.Context) (any, error) { return nil, nil }}, // unknown
		{"sprites", "wake", func(ctx context.Context) (any, error) { return nil, errors.New("x") }},
	}
	for _, c := range calls {
		_, _ = d.Call(context.Background(), c.capability, c.operation, nil, CallOpts{}, c.fn)
	}
	if audit.Count() != len(calls) {
		t.Fatalf("expected %d audit entries, got %d", len(calls), audit.Count())
	}
}

type proposerFunc func(ctx context.Context, action safety.Action, args map[string]any) (string, error)

func (f proposerFunc) ProposeApproval(ctx context.Context, action safety.Action, args map[string]any) (string, error) {
	return f(ctx, action, args)
}
