package titleawait

import (
	"testing"

	"github.com/mkld/ragchat-backend/internal/logger"
)

func TestRegistry_DeliverReachesWaiterOnce(t *testing.T) {
	r := NewRegistry(logger.NewNop())
	w := r.Register(42)

	r.Deliver(42, "session_title", map[string]any{"title": "Physics questions"})

	ev, ok := <-w.Events()
	if !ok {
		t.Fatalf("expected an event before close")
	}
	if ev.Name != "session_title" {
		t.Fatalf("unexpected event name %q", ev.Name)
	}
	data, ok := ev.Data.(map[string]any)
	if !ok || data["title"] != "Physics questions" {
		t.Fatalf("unexpected event data %#v", ev.Data)
	}

	if _, open := <-w.Events(); open {
		t.Fatalf("expected channel closed after the single event")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d waiters", r.Len())
	}
}

func TestRegistry_DeliverWithoutWaiterIsDropped(t *testing.T) {
	r := NewRegistry(logger.NewNop())
	r.Deliver(7, "session_title", map[string]any{"title": "x"})
	if r.Len() != 0 {
		t.Fatalf("expected no waiters, got %d", r.Len())
	}
}

func TestRegistry_RegisterReplacesAndAbandonsPrevious(t *testing.T) {
	r := NewRegistry(logger.NewNop())
	first := r.Register(1)
	second := r.Register(1)

	if _, open := <-first.Events(); open {
		t.Fatalf("expected replaced waiter's channel to close without an event")
	}

	r.Deliver(1, "session_title", "t")
	ev, ok := <-second.Events()
	if !ok || ev.Data != "t" {
		t.Fatalf("expected event on the current waiter, got ok=%v data=%#v", ok, ev.Data)
	}
}

func TestRegistry_RemoveOnlyDetachesCurrentWaiter(t *testing.T) {
	r := NewRegistry(logger.NewNop())
	stale := r.Register(5)
	current := r.Register(5)

	// The stale waiter was already replaced; removing it must not evict the
	// current one.
	r.Remove(5, stale)
	if r.Len() != 1 {
		t.Fatalf("expected current waiter to remain, got %d waiters", r.Len())
	}

	r.Remove(5, current)
	if r.Len() != 0 {
		t.Fatalf("expected registry empty after removing current waiter, got %d", r.Len())
	}
}
