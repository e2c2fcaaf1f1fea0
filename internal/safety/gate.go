package safety

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Decision is the gate's verdict on a classified action.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// GateConfig holds the static policy switches.
type GateConfig struct {
	AllowControlled              bool `json:"allow_controlled" yaml:"allow_controlled"`
	AllowDangerous               bool `json:"allow_dangerous" yaml:"allow_dangerous"`
	RequireApprovalForControlled bool `json:"require_approval_for_controlled" yaml:"require_approval_for_controlled"`
}

// RuleKind identifies a policy rule type.
type RuleKind string

const (
	RulePathAutoApprove RuleKind = "path_auto_approve"
	RuleTimeGate        RuleKind = "time_gate"
	RuleRepoOverride    RuleKind = "repo_override"
)

// Rule is one ordered policy rule. Rules are evaluated in order; the
// first rule that matches the request decides.
type Rule struct {
	Kind RuleKind `json:"kind" yaml:"kind"`

	// path_auto_approve: allow when every affected resource is a file
	// under one of these prefixes.
	PathPrefixes []string `json:"path_prefixes,omitempty" yaml:"path_prefixes,omitempty"`

	// time_gate: deny controlled/dangerous actions outside [start, end).
	StartHour int `json:"start_hour,omitempty" yaml:"start_hour,omitempty"`
	EndHour   int `json:"end_hour,omitempty" yaml:"end_hour,omitempty"`

	// repo_override: allow or deny when the request's repo matches.
	Repo  string `json:"repo,omitempty" yaml:"repo,omitempty"`
	Allow bool   `json:"allow,omitempty" yaml:"allow,omitempty"`
}

// Request carries the context a rule may inspect.
type Request struct {
	Action            Action
	AffectedResources []string
	Repo              string
	Now               time.Time // zero means time.Now()
}

// Gate evaluates classified actions against configuration and rules.
type Gate struct {
	cfg   GateConfig
	rules []Rule
}

// NewGate creates a gate with the given configuration and ordered rules.
func NewGate(cfg GateConfig, rules []Rule) *Gate {
	return &Gate{cfg: cfg, rules: rules}
}

// LoadRules reads policy rules from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy rules: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	return doc.Rules, nil
}

// Decide returns the gate's verdict plus a reason string for the audit
// trail. Rules run first, in order; configuration defaults apply when no
// rule matches.
func (g *Gate) Decide(req Request) (Decision, string) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	for _, rule := range g.rules {
		switch rule.Kind {
		case RulePathAutoApprove:
			if len(req.AffectedResources) > 0 && allUnderPrefixes(req.AffectedResources, rule.PathPrefixes) {
				return DecisionAllow, "path_auto_approve"
			}
		case RuleTimeGate:
			if req.Action.Classification == ClassSafe {
				continue
			}
			h := now.Hour()
			if !hourInWindow(h, rule.StartHour, rule.EndHour) {
				return DecisionDeny, fmt.Sprintf("time_gate: hour %d outside [%d,%d)", h, rule.StartHour, rule.EndHour)
			}
		case RuleRepoOverride:
			if rule.Repo != "" && rule.Repo == req.Repo {
				if rule.Allow {
					if req.Action.Classification == ClassDangerous {
						// Explicit allow on dangerous still needs a human.
						return DecisionRequireApproval, "repo_override"
					}
					return DecisionAllow, "repo_override"
				}
				return DecisionDeny, "repo_override"
			}
		}
	}

	switch req.Action.Classification {
	case ClassSafe:
		return DecisionAllow, "safe"
	case ClassControlled:
		if !g.cfg.AllowControlled {
			return DecisionDeny, "policy_denied: controlled actions disabled"
		}
		if g.cfg.RequireApprovalForControlled {
			return DecisionRequireApproval, "controlled requires approval"
		}
		return DecisionAllow, "controlled auto-approved"
	case ClassDangerous:
		if !g.cfg.AllowDangerous {
			return DecisionDeny, "policy_denied: dangerous actions disabled"
		}
		return DecisionRequireApproval, "dangerous requires approval"
	default:
		return DecisionDeny, fmt.Sprintf("policy_denied: unknown classification %q", req.Action.Classification)
	}
}

func allUnderPrefixes(resources, prefixes []string) bool {
	if len(prefixes) == 0 {
		return false
	}
	for _, res := range resources {
		matched := false
		for _, p := range prefixes {
			if strings.HasPrefix(res, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// hourInWindow reports whether h falls in [start, end). Windows that
// wrap midnight (start > end) are supported.
func hourInWindow(h, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
