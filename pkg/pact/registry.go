package pact

import (
	"fmt"
	"math/big"
	"sync"
)

// RegistryEvent is a pact lifecycle event, replayed to build the
// materialized pact-id -> Pact view. Grounded on teacher
// pkg/trust/registry/registry.go's TrustEvent/Apply shape.
type RegistryEvent struct {
	EventType string // PACT_REGISTERED, PACT_REVOKED
	PactID    string
	Pact      *Pact // set for PACT_REGISTERED
}

// Registry is an event-sourced store of pact definitions (spec C3: "Pact
// Registry + Validator"). State is derived exclusively from replaying
// RegistryEvents; this materialized view can always be rebuilt from scratch.
type Registry struct {
	mu     sync.RWMutex
	events []RegistryEvent
	pacts  map[string]*Pact
}

// NewRegistry creates an empty pact registry.
func NewRegistry() *Registry {
	return &Registry{pacts: make(map[string]*Pact)}
}

// Apply replays a single registry event into the materialized view.
func (r *Registry) Apply(event RegistryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.EventType {
	case "PACT_REGISTERED":
		if event.Pact == nil {
			return fmt.Errorf("pact: PACT_REGISTERED event must include a pact")
		}
		r.pacts[event.PactID] = event.Pact
	case "PACT_REVOKED":
		delete(r.pacts, event.PactID)
	default:
		return fmt.Errorf("pact: unknown registry event type %q", event.EventType)
	}

	r.events = append(r.events, event)
	return nil
}

// Register is a convenience wrapper producing and applying a
// PACT_REGISTERED event.
func (r *Registry) Register(p *Pact) error {
	return r.Apply(RegistryEvent{EventType: "PACT_REGISTERED", PactID: p.PactID, Pact: p})
}

// Revoke produces and applies a PACT_REVOKED event.
func (r *Registry) Revoke(pactID string) error {
	return r.Apply(RegistryEvent{EventType: "PACT_REVOKED", PactID: pactID})
}

// Lookup returns the pact with the given id, or (nil, false).
func (r *Registry) Lookup(pactID string) (*Pact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pacts[pactID]
	return p, ok
}

// Rebuild replays events from scratch into a fresh registry, proving the
// materialized view is fully derivable from the event log (C7 philosophy
// applied to C3's own store).
func (r *Registry) Rebuild() (*Registry, error) {
	r.mu.RLock()
	events := make([]RegistryEvent, len(r.events))
	copy(events, r.events)
	r.mu.RUnlock()

	fresh := NewRegistry()
	for _, e := range events {
		if err := fresh.Apply(e); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

// ValidateAgainstRegistry looks up the proof's pact and validates it,
// surfacing UnknownPact for a missing registration before delegating to
// Validate.
func (r *Registry) ValidateAgainstRegistry(proof *Proof, atomHash string, ic IntentClass, physicsDelta *big.Int, nowMS int64) error {
	p, ok := r.Lookup(proof.PactID)
	if !ok {
		return errUnknownPact(proof.PactID)
	}
	return Validate(p, proof, atomHash, ic, physicsDelta, nowMS)
}
