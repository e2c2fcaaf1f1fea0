package safety

import (
	"errors"
	"testing"
)

func TestClassifyKnownOperations(t *testing.T) {
	cases := []struct {
		capability string
		operation  string
		want       Classification
	}{
		{"sprites", "get", ClassSafe},
		{"sprites", "wake", ClassControlled},
		{"sprites", "delete", ClassDangerous},
		{"github", "list_issues", ClassSafe},
		{"github", "create_pr", ClassControlled},
		{"github", "merge_pr", ClassDangerous},
		{"fly", "deploy", ClassDangerous},
		{"secrets", "set", ClassDangerous},
	}

	for _, tc := range cases {
		action, err := Classify(tc.capability, tc.operation)
		if err != nil {
			t.Fatalf("%s.%s: %v", tc.capability, tc.operation, err)
		}
		if action.Classification != tc.want {
			t.Fatalf("%s.%s: expected %s, got %s", tc.capability, tc.operation, tc.want, action.Classification)
		}
	}
}

func TestClassifyUnknownNeverSafe(t *testing.T) {
	_, err := Classify("sprites", "teleport")
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}

	_, err = Classify("warpdrive", "engage")
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction for unknown capability, got %v", err)
	}
}
