package capability

import (
	"context"
	"testing"
)

func TestMapStatus(t *testing.T) {
	cases := map[string]SpriteState{
		"running":  StateReady,
		"warm":     StateWaking,
		"cold":     StateHibernating,
		"sleeping": StateHibernating,
		"exploded": StateError,
		"":         StateError,
	}
	for status, want := range cases {
		if got := MapStatus(status); got != want {
			t.Fatalf("MapStatus(%q): expected %s, got %s", status, want, got)
		}
	}
}

func TestStubWakeWalksThroughWarm(t *testing.T) {
	stub := NewSpritesStub()
	stub.SetStatus("s1", "cold")
	ctx := context.Background()

	if err := stub.Wake(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	first, err := stub.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if first.State != StateWaking {
		t.Fatalf("expected waking after wake, got %s", first.State)
	}

	second, err := stub.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if second.State != StateReady {
		t.Fatalf("expected ready on second observation, got %s", second.State)
	}
}

func TestStubScriptedFailureIsOneShot(t *testing.T) {
	stub := NewSpritesStub()
	stub.SetStatus("s1", "running")
	stub.FailNext("get", &Error{Code: CodeTimeout})
	ctx := context.Background()

	if _, err := stub.Get(ctx, "s1"); !IsCode(err, CodeTimeout) {
		t.Fatalf("expected scripted timeout, got %v", err)
	}
	if _, err := stub.Get(ctx, "s1"); err != nil {
		t.Fatalf("failure must be one-shot, got %v", err)
	}
}

func TestStubExecWS(t *testing.T) {
	stub := NewSpritesStub()
	stub.SetStatus("s1", "running")
	stub.ScriptStream("run-task", []string{"line one", "line two"})

	stream, err := stub.ExecWS(context.Background(), "s1", "run-task")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	var lines []string
	for line := range stream.Lines() {
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "line one" {
		t.Fatalf("unexpected stream contents: %v", lines)
	}
}

func TestStubGetUnknownSprite(t *testing.T) {
	stub := NewSpritesStub()
	if _, err := stub.Get(context.Background(), "ghost"); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := map[int]Code{
		404: CodeNotFound,
		401: CodeUnauthorized,
		403: CodeUnauthorized,
		429: CodeRateLimited,
		500: CodeServerError,
		400: CodeClientError,
	}
	for status, want := range cases {
		if got := FromHTTPStatus(status, "").Code; got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}
