// Package safety classifies capability operations, gates them against
// policy, and records every call in an append-only audit log. Nothing
// side-effecting leaves the control plane without passing through here.
package safety

import (
	"errors"
	"fmt"
)

// Classification is the safety level of a capability operation.
type Classification string

const (
	// ClassSafe operations are read-only.
	ClassSafe Classification = "safe"
	// ClassControlled operations mutate state within a scoped blast radius.
	ClassControlled Classification = "controlled"
	// ClassDangerous operations touch infrastructure.
	ClassDangerous Classification = "dangerous"
)

// ErrUnknownAction is returned for unregistered (capability, operation)
// pairs. Unknown actions never classify as safe.
var ErrUnknownAction = errors.New("unknown_action")

// Action describes one classified capability operation.
type Action struct {
	Capability     string         `json:"capability"`
	Operation      string         `json:"operation"`
	Classification Classification `json:"classification"`
}

// registry is the static table of every known capability operation.
// Conservative by construction: anything not listed is rejected.
var registry = map[string]map[string]Classification{
	"sprites": {
		"list":               ClassSafe,
		"get":                ClassSafe,
		"fetch_logs":         ClassSafe,
		"services":           ClassSafe,
		"wake":               ClassControlled,
		"sleep":              ClassControlled,
		"exec":               ClassControlled,
		"exec_ws":            ClassControlled,
		"restore_checkpoint": ClassControlled,
		"create":             ClassDangerous,
		"delete":             ClassDangerous,
	},
	"github": {
		"list_issues":          ClassSafe,
		"get_issue":            ClassSafe,
		"list_prs":             ClassSafe,
		"list_reviews":         ClassSafe,
		"list_review_comments": ClassSafe,
		"create_comment":       ClassControlled,
		"add_label":            ClassControlled,
		"remove_label":         ClassControlled,
		"create_label":         ClassControlled,
		"create_branch":        ClassControlled,
		"create_pr":            ClassControlled,
		"merge_pr":             ClassDangerous,
		"delete_branch":        ClassDangerous,
	},
	"fly": {
		"list_machines":   ClassSafe,
		"get_machine":     ClassSafe,
		"restart_machine": ClassDangerous,
		"deploy":          ClassDangerous,
		"scale":           ClassDangerous,
	},
	"secrets": {
		"list": ClassSafe,
		"get":  ClassControlled,
		"set":  ClassDangerous,
	},
}

// Classify resolves the classification of a capability operation.
// Returns ErrUnknownAction for unregistered pairs.
func Classify(capability, operation string) (Action, error) {
	ops, ok := registry[capability]
	if !ok {
		return Action{}, fmt.Errorf("%w: capability %q", ErrUnknownAction, capability)
	}
	class, ok := ops[operation]
	if !ok {
		return Action{}, fmt.Errorf("%w: %s.%s", ErrUnknownAction, capability, operation)
	}
	return Action{Capability: capability, Operation: operation, Classification: class}, nil
}

// KnownOperations returns the registered operations for a capability,
// mainly for diagnostics and the API surface.
func KnownOperations(capability string) []string {
	ops := registry[capability]
	out := make([]string, 0, len(ops))
	for op := range ops {
		out = append(out, op)
	}
	return out
}
