package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/lattice-dev/lattice/internal/kv"
	"github.com/lattice-dev/lattice/internal/safety"
)

func newTestStore() *Store {
	return NewStore(kv.NewMemory())
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	in := New(KindTask, Source{Type: SourceOperator, ID: "alice"}, "do the thing", nil)
	if err := s.Create(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindTask || got.State != StateProposed || got.Source.ID != "alice" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCreateIDCollision(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	in := New(KindTask, Source{Type: SourceOperator}, "first", nil)
	if err := s.Create(ctx, in); err != nil {
		t.Fatal(err)
	}

	dup := New(KindTask, Source{Type: SourceOperator}, "second", nil)
	dup.ID = in.ID
	if err := s.Create(ctx, dup); !errors.Is(err, ErrIDCollision) {
		t.Fatalf("expected ErrIDCollision, got %v", err)
	}
}

func TestCreateInTerminalStateRejected(t *testing.T) {
	s := newTestStore()

	in := New(KindTask, Source{Type: SourceOperator}, "born dead", nil)
	in.State = StateCompleted
	if err := s.Create(context.Background(), in); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected rejection of terminal creation, got %v", err)
	}

	in.State = "daydreaming"
	if err := s.Create(context.Background(), in); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected rejection of unknown state, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore()
	if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	a := New(KindTask, Source{Type: SourceOperator}, "a", nil)
	b := New(KindInquiry, Source{Type: SourceWebhook, ID: "d-1"}, "b", nil)
	b.Classification = safety.ClassSafe
	c := New(KindTask, Source{Type: SourceCron}, "c", nil)
	c.ParentIntentID = a.ID

	for _, in := range []*Intent{a, b, c} {
		if err := s.Create(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := s.List(ctx, Filter{Kind: KindTask})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("kind filter: expected 2, got %d", len(tasks))
	}

	webhooks, _ := s.List(ctx, Filter{SourceType: SourceWebhook})
	if len(webhooks) != 1 || webhooks[0].ID != b.ID {
		t.Fatalf("source filter wrong: %v", webhooks)
	}

	children, _ := s.List(ctx, Filter{ParentIntentID: a.ID})
	if len(children) != 1 || children[0].ID != c.ID {
		t.Fatalf("parent filter wrong: %v", children)
	}

	safe, _ := s.List(ctx, Filter{Classification: safety.ClassSafe})
	if len(safe) != 1 || safe[0].ID != b.ID {
		t.Fatalf("classification filter wrong: %v", safe)
	}
}
