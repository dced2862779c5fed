// Package projection implements C7: the monotonic read-model dispatcher
// that fans committed ledger entries out to per-view handlers, grounded on
// ubl-server's projections/{jobs,office}.rs "causal ordering" guard
// (`WHERE last_event_seq < $N`) and teacher pkg/trust/registry/registry.go's
// rebuild-by-replay shape.
package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Event is a committed atom handed to the dispatcher after a successful
// ledger append. EventType mirrors the Rust reference's dotted vocabulary
// ("job.created", "entity.activated", ...). Seq is the ledger entry's
// sequence number within ContainerID and is the monotonicity key every
// view guards writes with.
type Event struct {
	ContainerID string
	Seq         uint64
	EntryHash   string
	EventType   string
	Payload     map[string]any
}

// Handler projects one Event into a view. Events whose Seq does not exceed
// the view row's own last_event_seq are dropped (nil error, no-op) by
// Dispatcher.Dispatch before Apply is called — the "Diamond Checklist"
// causal-ordering guard from the Rust reference, reproduced as an explicit
// precondition check in the dispatcher rather than a SQL WHERE clause, so
// in-memory views get the same invariant without checking it themselves.
type Handler interface {
	// Key returns the view's per-entity key an event belongs to (e.g. a
	// job_id or entity_id extracted from Payload), so the dispatcher can
	// look up that row's current last_event_seq.
	Key(ev Event) (string, bool)
	// LastSeq returns the last_event_seq currently recorded for key, or 0
	// if the row doesn't exist yet.
	LastSeq(ctx context.Context, key string) (uint64, error)
	// Apply projects ev into the view. Only called when ev.Seq is strictly
	// greater than the row's current last_event_seq.
	Apply(ctx context.Context, ev Event) error
}

// Dispatcher fans events out, by EventType prefix, to registered handlers
// and enforces the monotonicity guard uniformly across all of them.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler // event type prefix -> handler
	order    []string           // prefixes, longest first, for prefix matching
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to every event type beginning with prefix (e.g.
// "job." or "entity."). Longer, more specific prefixes are tried first.
func (d *Dispatcher) Register(prefix string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[prefix] = h
	d.order = append(d.order, prefix)
	sort.Slice(d.order, func(i, j int) bool { return len(d.order[i]) > len(d.order[j]) })
}

// ErrNoHandler is returned by Dispatch when no registered prefix matches
// ev.EventType; callers typically log and continue rather than treat this
// as fatal, since new event types may postdate older projection code.
type ErrNoHandler struct{ EventType string }

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("projection: no handler registered for event type %q", e.EventType)
}

// Dispatch routes ev to its handler and enforces causal ordering: if the
// view's key already reflects a later or equal sequence, the event is
// dropped (not an error) — this is the replay-safety property required by
// at-least-once delivery from the ledger's append stream.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	h := d.match(ev.EventType)
	if h == nil {
		return &ErrNoHandler{EventType: ev.EventType}
	}

	key, ok := h.Key(ev)
	if !ok {
		return fmt.Errorf("projection: handler for %q could not derive a key from event", ev.EventType)
	}

	lastSeq, err := h.LastSeq(ctx, key)
	if err != nil {
		return fmt.Errorf("projection: LastSeq(%s): %w", key, err)
	}
	if ev.Seq <= lastSeq {
		return nil // stale or duplicate delivery, silently dropped
	}
	return h.Apply(ctx, ev)
}

func (d *Dispatcher) match(eventType string) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, prefix := range d.order {
		if len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix {
			return d.handlers[prefix]
		}
	}
	return nil
}
