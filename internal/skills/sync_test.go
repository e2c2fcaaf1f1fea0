package skills

import (
	"context"
	"strings"
	"testing"

	"github.com/lattice-dev/lattice/internal/capability"
	"github.com/lattice-dev/lattice/internal/safety"
)

type stubPuller struct {
	bundle *Bundle
	err    error
}

func (p *stubPuller) PullBundle(_ context.Context, ref *Ref) (*Bundle, *PullResult, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.bundle, &PullResult{Ref: ref.String(), Digest: "sha256:stub"}, nil
}

func newSyncEnv(t *testing.T, allowControlled bool) (*Syncer, *capability.SpritesStub) {
	t.Helper()
	stub := capability.NewSpritesStub()
	registry := capability.NewRegistry(nil)
	registry.SetSprites(stub)
	dispatcher := capability.NewDispatcher(registry,
		safety.NewGate(safety.GateConfig{AllowControlled: allowControlled}, nil), nil, nil)
	syncer := NewSyncer(&stubPuller{bundle: testBundle(t)}, dispatcher, nil)
	return syncer, stub
}

func TestSyncInstallsOnReadySprites(t *testing.T) {
	syncer, stub := newSyncEnv(t, true)
	stub.SetStatus("s1", "running")
	stub.SetStatus("s2", "cold")

	reports, err := syncer.Sync(context.Background(), []string{"ghcr.io/acme/triage:v1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}

	report := reports[0]
	if report.Skill != "triage" || report.Version != "1.2.0" {
		t.Fatalf("wrong bundle metadata: %+v", report)
	}
	if len(report.Installed) != 1 || report.Installed[0] != "s1" {
		t.Fatalf("expected install on s1 only, got %v", report.Installed)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "s2" {
		t.Fatalf("hibernating sprite should be skipped, got %v", report.Skipped)
	}

	// One write per bundle file, all under the skill's install dir.
	execs := stub.ExecHistory()
	if len(execs) != 3 {
		t.Fatalf("expected 3 file writes, got %d", len(execs))
	}
	for _, cmd := range execs {
		if !strings.Contains(cmd, InstallRoot+"/triage") {
			t.Fatalf("write outside install dir: %s", cmd)
		}
		if !strings.Contains(cmd, "base64 -d") {
			t.Fatalf("write not base64 encoded: %s", cmd)
		}
	}
}

func TestSyncGateBlocksInstalls(t *testing.T) {
	// exec is a controlled operation; a gate that withholds controlled
	// approval must keep every file write off the sprite.
	syncer, stub := newSyncEnv(t, false)
	stub.SetStatus("s1", "running")

	reports, err := syncer.Sync(context.Background(), []string{"ghcr.io/acme/triage:v1"})
	if err == nil {
		t.Fatal("expected aggregate error when installs are blocked")
	}
	if len(reports) != 1 || reports[0].Errors["s1"] == "" {
		t.Fatalf("expected per-sprite error, got %+v", reports)
	}
	if len(stub.ExecHistory()) != 0 {
		t.Fatalf("blocked install still exec'd: %v", stub.ExecHistory())
	}
}

func TestSyncBadRefReported(t *testing.T) {
	syncer, _ := newSyncEnv(t, true)

	reports, err := syncer.Sync(context.Background(), []string{"not-a-ref"})
	if err == nil {
		t.Fatal("expected error for unparseable ref")
	}
	if len(reports) != 1 || reports[0].Errors["pull"] == "" {
		t.Fatalf("expected pull error in report, got %+v", reports)
	}
}

func TestSyncPartialInstallStops(t *testing.T) {
	syncer, stub := newSyncEnv(t, true)
	stub.SetStatus("s1", "running")
	stub.FailNext("exec", &capability.Error{Code: capability.CodeConnectionError, Message: "conn reset"})

	reports, err := syncer.Sync(context.Background(), []string{"ghcr.io/acme/triage:v1"})
	if err == nil {
		t.Fatal("expected error when a write fails")
	}
	if reports[0].Errors["s1"] == "" {
		t.Fatalf("expected error for s1, got %+v", reports[0])
	}
}
