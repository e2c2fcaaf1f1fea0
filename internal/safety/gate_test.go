package safety

import (
	"testing"
	"time"
)

func mustClassify(t *testing.T, capability, operation string) Action {
	t.Helper()
	action, err := Classify(capability, operation)
	if err != nil {
		t.Fatal(err)
	}
	return action
}

func TestGateSafeAlwaysAllowed(t *testing.T) {
	g := NewGate(GateConfig{}, nil)
	decision, _ := g.Decide(Request{Action: mustClassify(t, "sprites", "get")})
	if decision != DecisionAllow {
		t.Fatalf("expected allow, got %s", decision)
	}
}

func TestGateControlledRequiresApproval(t *testing.T) {
	g := NewGate(GateConfig{
		AllowControlled:              true,
		RequireApprovalForControlled: true,
	}, nil)

	decision, _ := g.Decide(Request{Action: mustClassify(t, "sprites", "wake")})
	if decision != DecisionRequireApproval {
		t.Fatalf("expected require_approval, got %s", decision)
	}
}

func TestGateControlledAutoApproved(t *testing.T) {
	g := NewGate(GateConfig{AllowControlled: true}, nil)

	decision, _ := g.Decide(Request{Action: mustClassify(t, "sprites", "wake")})
	if decision != DecisionAllow {
		t.Fatalf("expected allow, got %s", decision)
	}
}

func TestGateDangerousDeniedByDefault(t *testing.T) {
	g := NewGate(GateConfig{AllowControlled: true}, nil)

	decision, reason := g.Decide(Request{Action: mustClassify(t, "fly", "deploy")})
	if decision != DecisionDeny {
		t.Fatalf("expected deny, got %s (%s)", decision, reason)
	}
}

func TestGateDangerousAllowedStillNeedsHuman(t *testing.T) {
	g := NewGate(GateConfig{AllowControlled: true, AllowDangerous: true}, nil)

	decision, _ := g.Decide(Request{Action: mustClassify(t, "fly", "deploy")})
	if decision != DecisionRequireApproval {
		t.Fatalf("expected require_approval, got %s", decision)
	}
}

func TestPathAutoApprove(t *testing.T) {
	g := NewGate(GateConfig{AllowControlled: true, RequireApprovalForControlled: true}, []Rule{
		{Kind: RulePathAutoApprove, PathPrefixes: []string{"docs/", "README"}},
	})

	decision, reason := g.Decide(Request{
		Action:            mustClassify(t, "github", "create_pr"),
		AffectedResources: []string{"docs/setup.md", "docs/api.md"},
	})
	if decision != DecisionAllow || reason != "path_auto_approve" {
		t.Fatalf("expected path auto approve, got %s (%s)", decision, reason)
	}

	// One resource outside the prefixes defeats the rule.
	decision, _ = g.Decide(Request{
		Action:            mustClassify(t, "github", "create_pr"),
		AffectedResources: []string{"docs/setup.md", "src/main.go"},
	})
	if decision != DecisionRequireApproval {
		t.Fatalf("expected require_approval, got %s", decision)
	}
}

func TestTimeGate(t *testing.T) {
	g := NewGate(GateConfig{AllowControlled: true}, []Rule{
		{Kind: RuleTimeGate, StartHour: 9, EndHour: 17},
	})

	inside := Request{
		Action: mustClassify(t, "sprites", "wake"),
		Now:    time.Date(2026, 8, 3, 10, 0, 0, 0, time.Local),
	}
	if decision, _ := g.Decide(inside); decision != DecisionAllow {
		t.Fatalf("expected allow inside window, got %s", decision)
	}

	outside := Request{
		Action: mustClassify(t, "sprites", "wake"),
		Now:    time.Date(2026, 8, 3, 22, 0, 0, 0, time.Local),
	}
	if decision, _ := g.Decide(outside); decision != DecisionDeny {
		t.Fatalf("expected deny outside window, got %s", decision)
	}

	// Safe actions ignore the time gate.
	safe := Request{
		Action: mustClassify(t, "sprites", "get"),
		Now:    time.Date(2026, 8, 3, 22, 0, 0, 0, time.Local),
	}
	if decision, _ := g.Decide(safe); decision != DecisionAllow {
		t.Fatalf("expected safe allow at any hour, got %s", decision)
	}
}

func TestRepoOverride(t *testing.T) {
	g := NewGate(GateConfig{AllowControlled: true, RequireApprovalForControlled: true}, []Rule{
		{Kind: RuleRepoOverride, Repo: "acme/sandbox", Allow: true},
		{Kind: RuleRepoOverride, Repo: "acme/prod", Allow: false},
	})

	decision, _ := g.Decide(Request{
		Action: mustClassify(t, "github", "create_comment"),
		Repo:   "acme/sandbox",
	})
	if decision != DecisionAllow {
		t.Fatalf("expected allow for sandbox repo, got %s", decision)
	}

	decision, _ = g.Decide(Request{
		Action: mustClassify(t, "github", "create_comment"),
		Repo:   "acme/prod",
	})
	if decision != DecisionDeny {
		t.Fatalf("expected deny for prod repo, got %s", decision)
	}

	// Unmatched repo falls through to config defaults.
	decision, _ = g.Decide(Request{
		Action: mustClassify(t, "github", "create_comment"),
		Repo:   "acme/other",
	})
	if decision != DecisionRequireApproval {
		t.Fatalf("expected require_approval fallthrough, got %s", decision)
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	g := NewGate(GateConfig{AllowControlled: true}, []Rule{
		{Kind: RulePathAutoApprove, PathPrefixes: []string{"docs/"}},
		{Kind: RuleRepoOverride, Repo: "acme/prod", Allow: false},
	})

	// Path rule matches first even though the repo override would deny.
	decision, reason := g.Decide(Request{
		Action:            mustClassify(t, "github", "create_pr"),
		AffectedResources: []string{"docs/guide.md"},
		Repo:              "acme/prod",
	})
	if decision != DecisionAllow || reason != "path_auto_approve" {
		t.Fatalf("expected first rule to win, got %s (%s)", decision, reason)
	}
}

func TestHourWindowWrapsMidnight(t *testing.T) {
	if !hourInWindow(23, 22, 6) {
		t.Fatal("23h should be inside [22,6)")
	}
	if !hourInWindow(3, 22, 6) {
		t.Fatal("3h should be inside [22,6)")
	}
	if hourInWindow(12, 22, 6) {
		t.Fatal("12h should be outside [22,6)")
	}
}
