package skills

import (
	"context"
	"testing"
	"time"
)

func TestRegistryClientConfigure(t *testing.T) {
	rc := NewRegistryClient()
	if rc == nil {
		t.Fatal("expected non-nil client")
	}

	rc.WithAuth("user", "pass")
	if rc.Username != "user" || rc.Password != "pass" {
		t.Errorf("credentials not applied: %q/%q", rc.Username, rc.Password)
	}

	rc.WithPlainHTTP(true)
	if !rc.PlainHTTP {
		t.Error("expected PlainHTTP = true")
	}
}

func TestPushUnreachableRegistry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc := NewRegistryClient().WithPlainHTTP(true)
	ref := &Ref{Registry: "localhost:1", Path: "skills/triage", Tag: "v1"}

	if _, err := rc.Push(ctx, testBundle(t), ref); err == nil {
		t.Error("expected error for unreachable registry")
	}
}

func TestPullUnreachableRegistry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc := NewRegistryClient().WithPlainHTTP(true)
	ref := &Ref{Registry: "localhost:1", Path: "skills/triage", Tag: "v1"}

	if _, _, err := rc.Pull(ctx, ref); err == nil {
		t.Error("expected error for unreachable registry")
	}
}
