// Package membrane implements C5: the nine-rule admission validator,
// grounded on ubl-membrane/src/lib.rs's exact rule order and error
// taxonomy, re-expressed against spec.md's explicit V1..V7 numbering (the
// Rust reference folds the atom-hash format check into its V6; the spec
// text gives it its own step, which this package follows).
package membrane

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/sovereign-ubl/ubl/pkg/cryptoutil"
	"github.com/sovereign-ubl/ubl/pkg/link"
	"github.com/sovereign-ubl/ubl/pkg/pact"
)

// Code enumerates the wire-visible membrane error taxonomy (spec §6.4).
type Code string

const (
	InvalidVersion       Code = "InvalidVersion"
	InvalidSignature     Code = "InvalidSignature"
	InvalidTarget        Code = "InvalidTarget"
	RealityDrift         Code = "RealityDrift"
	SequenceMismatch     Code = "SequenceMismatch"
	InvalidAtomHash      Code = "InvalidAtomHash"
	PhysicsViolation     Code = "PhysicsViolation"
	PactViolation        Code = "PactViolation"
	UnauthorizedEvolution Code = "UnauthorizedEvolution"
)

// Error is the structured rejection a link fails membrane validation with.
type Error struct {
	Code   Code
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("membrane: %s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("membrane: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

func reject(code Code, reason string) error {
	return &Error{Code: code, Reason: reason}
}

var atomHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// PactLookup resolves a proof's pact; membrane delegates pact semantics to
// C3 rather than duplicating registry lookups.
type PactLookup interface {
	Lookup(pactID string) (*pact.Pact, bool)
}

// Validate runs the ordered rule set from spec §4.5 against a proposed link
// and the container's current state, short-circuiting on first failure.
// nowMS is used only to validate an attached pact's time window.
func Validate(l *link.Link, state *link.ContainerState, registry PactLookup, nowMS int64) error {
	// V1 — version.
	if l.Version != 1 {
		return reject(InvalidVersion, "")
	}

	// V2 — signature. This is the core check; nothing else is trusted
	// until this passes.
	if !cryptoutil.Verify(l.AuthorPubKey, l.Signature, l.SigningBytes()) {
		return reject(InvalidSignature, "")
	}

	// V3 — target container.
	if l.ContainerID != state.ContainerID {
		return reject(InvalidTarget, "")
	}

	// V4 — reality drift (causal chain).
	if l.PreviousHash != state.LastHash {
		return reject(RealityDrift, "")
	}

	// V5 — sequence continuity.
	if l.ExpectedSequence != state.NextSequence {
		return reject(SequenceMismatch, "")
	}

	// V6 — atom hash format.
	if !atomHashPattern.MatchString(l.AtomHash) {
		return reject(InvalidAtomHash, fmt.Sprintf("expected 64 lowercase hex chars, got %q", l.AtomHash))
	}

	// V7 — physics invariants, branched by intent class.
	switch l.IntentClass {
	case link.Observation:
		if l.PhysicsDelta.Sign() != 0 {
			return reject(PhysicsViolation, fmt.Sprintf("Observation must have delta=0, got %s", l.PhysicsDelta.String()))
		}

	case link.Conservation:
		resulting := new(big.Int).Add(state.PhysicalBalance, l.PhysicsDelta)
		if resulting.Sign() < 0 {
			return reject(PhysicsViolation, fmt.Sprintf("Conservation requires balance >= 0, would be %s", resulting.String()))
		}

	case link.Entropy:
		if l.PhysicsDelta.Sign() != 0 && l.Pact == nil {
			return reject(PactViolation, "Entropy with non-zero delta requires a pact")
		}
		if l.Pact != nil {
			if err := validatePact(l, registry, nowMS); err != nil {
				return err
			}
		}

	case link.Evolution:
		if l.Pact == nil {
			return reject(UnauthorizedEvolution, "")
		}
		if l.PhysicsDelta.Sign() != 0 {
			return reject(PhysicsViolation, fmt.Sprintf("Evolution must have delta=0, got %s", l.PhysicsDelta.String()))
		}
		if err := validatePact(l, registry, nowMS); err != nil {
			return err
		}

	default:
		return reject(PhysicsViolation, fmt.Sprintf("unknown intent class %v", l.IntentClass))
	}

	return nil
}

func validatePact(l *link.Link, registry PactLookup, nowMS int64) error {
	p, ok := registry.Lookup(l.Pact.PactID)
	if !ok {
		return &Error{Code: PactViolation, Reason: "unknown pact", Cause: fmt.Errorf("pact %q not registered", l.Pact.PactID)}
	}
	if err := pact.Validate(p, l.Pact, l.AtomHash, l.IntentClass.ToPact(), l.PhysicsDelta, nowMS); err != nil {
		return &Error{Code: PactViolation, Cause: err}
	}
	return nil
}
