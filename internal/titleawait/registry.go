package titleawait

import (
  "sync"

  "github.com/mkld/ragchat-backend/internal/logger"
)

// Event is the single message a waiter can receive.
type Event struct {
  Name string
  Data any
}

// Waiter is a one-shot rendezvous point for a client connection awaiting a
// session title. Its channel yields at most one event and is then closed;
// replacement or teardown closes it without an event.
type Waiter struct {
  ch chan Event
}

func (w *Waiter) Events() <-chan Event {
  return w.ch
}

// Registry maps session id to at most one waiting connection. It is the only
// cross-request shared mutable state in the process; all map access is
// serialized so a deliver can never race a concurrent replace or remove.
type Registry struct {
  mu      sync.Mutex
  waiters map[int64]*Waiter
  log     *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
  return &Registry{
    waiters: make(map[int64]*Waiter),
    log:     log.With("component", "TitleAwaitRegistry"),
  }
}

// Register creates a waiter for the session, replacing any existing one. The
// replaced waiter is abandoned: its channel closes without an event.
func (r *Registry) Register(sessionID int64) *Waiter {
  w := &Waiter{ch: make(chan Event, 1)}

  r.mu.Lock()
  prev := r.waiters[sessionID]
  r.waiters[sessionID] = w
  r.mu.Unlock()

  if prev != nil {
    close(prev.ch)
    r.log.Debug("Replaced waiting connection", "sessionID", sessionID)
  }
  return w
}

// Deliver sends exactly one event to the session's waiter, if any, and
// removes it. With no waiter registered the event is dropped.
func (r *Registry) Deliver(sessionID int64, event string, data any) {
  r.mu.Lock()
  w, ok := r.waiters[sessionID]
  if ok {
    delete(r.waiters, sessionID)
  }
  r.mu.Unlock()

  if !ok {
    r.log.Debug("No waiting connection, dropping event", "sessionID", sessionID, "event", event)
    return
  }
  w.ch <- Event{Name: event, Data: data}
  close(w.ch)
}

// Remove detaches a waiter on connection teardown. It is a no-op if the
// session's current waiter is not w (already delivered or replaced).
func (r *Registry) Remove(sessionID int64, w *Waiter) {
  r.mu.Lock()
  if cur, ok := r.waiters[sessionID]; ok && cur == w {
    delete(r.waiters, sessionID)
  }
  r.mu.Unlock()
}

// Len reports the number of waiting connections.
func (r *Registry) Len() int {
  r.mu.Lock()
  defer r.mu.Unlock()
  return len(r.waiters)
}
