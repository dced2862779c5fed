// Package pact implements C3: pact registration and multi-signature proof
// validation, grounded on ubl-pact/src/lib.rs's exact algorithm and message
// format, adapted to the teacher's event-sourced registry shape
// (pkg/trust/registry/registry.go).
package pact

import (
	"fmt"
	"math/big"

	"github.com/sovereign-ubl/ubl/pkg/cryptoutil"
)

// RiskLevel is the pact's governed risk ceiling, L0 (pure observation)
// through L5 (sovereignty / evolution).
type RiskLevel int

const (
	L0 RiskLevel = iota
	L1
	L2
	L3
	L4
	L5
)

// IntentClass mirrors link.IntentClass without importing pkg/link, keeping
// pact's dependency graph a leaf.
type IntentClass byte

const (
	Observation  IntentClass = 0x00
	Conservation IntentClass = 0x01
	Entropy      IntentClass = 0x02
	Evolution    IntentClass = 0x03
)

// MinimumRiskLevel returns the floor risk level an intent class requires,
// used to build a RiskMismatch error when a pact doesn't govern the class.
func MinimumRiskLevel(ic IntentClass) RiskLevel {
	switch ic {
	case Observation:
		return L0
	case Conservation:
		return L2
	case Entropy:
		return L4
	case Evolution:
		return L5
	default:
		return L5
	}
}

// Scope restricts where a pact applies.
type Scope struct {
	Kind      ScopeKind
	ContainerID string // set when Kind == ScopeContainer
	Namespace   string // set when Kind == ScopeNamespace
}

type ScopeKind int

const (
	ScopeContainer ScopeKind = iota
	ScopeNamespace
	ScopeGlobal
)

// Window is the pact's validity interval, inclusive on both ends (spec §8
// boundary behavior: timestamp == not_after accepts).
type Window struct {
	NotBeforeMS int64
	NotAfterMS  int64
}

// Contains reports whether tsMS falls within [NotBeforeMS, NotAfterMS].
func (w Window) Contains(tsMS int64) bool {
	return tsMS >= w.NotBeforeMS && tsMS <= w.NotAfterMS
}

// Pact is a multi-signature authorization definition (spec §3 Pact).
type Pact struct {
	PactID        string
	Version       uint8
	Scope         Scope
	IntentClasses []IntentClass
	Threshold     uint8
	Signers       map[string]struct{} // pubkey hex -> present
	Window        Window
	RiskLevel     RiskLevel
}

// Governs reports whether the pact authorizes the given intent class.
func (p *Pact) Governs(ic IntentClass) bool {
	for _, c := range p.IntentClasses {
		if c == ic {
			return true
		}
	}
	return false
}

// Signature is one entry in a PactProof.
type Signature struct {
	Signer    string // pubkey hex
	Signature string // hex
}

// Proof is the pact authorization attached to a link (spec §3).
type Proof struct {
	PactID     string
	Signatures []Signature
}

// Error is the ordered pact validation error taxonomy (spec §4.3/§6.4).
type Error struct {
	Code string
	Got  int
	Need uint8
	Who  string
	PactLevel RiskLevel
	Required  RiskLevel
}

func (e *Error) Error() string {
	switch e.Code {
	case "UnknownPact":
		return fmt.Sprintf("pact: unknown pact %q", e.Who)
	case "PactExpired":
		return "pact: expired or not yet valid"
	case "InsufficientSignatures":
		return fmt.Sprintf("pact: insufficient signatures: got %d, need %d", e.Got, e.Need)
	case "UnauthorizedSigner":
		return fmt.Sprintf("pact: unauthorized signer %q", e.Who)
	case "DuplicateSignature":
		return fmt.Sprintf("pact: duplicate signature from %q", e.Who)
	case "InvalidSignature":
		return fmt.Sprintf("pact: invalid signature from %q", e.Who)
	case "RiskMismatch":
		return fmt.Sprintf("pact: risk mismatch: pact is L%d, intent requires L%d", e.PactLevel, e.Required)
	default:
		return "pact: validation failed"
	}
}

func errUnknownPact(id string) error { return &Error{Code: "UnknownPact", Who: id} }
func errExpired() error              { return &Error{Code: "PactExpired"} }
func errInsufficient(got int, need uint8) error {
	return &Error{Code: "InsufficientSignatures", Got: got, Need: need}
}
func errUnauthorized(who string) error { return &Error{Code: "UnauthorizedSigner", Who: who} }
func errDuplicate(who string) error    { return &Error{Code: "DuplicateSignature", Who: who} }
func errInvalidSig(who string) error   { return &Error{Code: "InvalidSignature", Who: who} }
func errRiskMismatch(pactLevel, required RiskLevel) error {
	return &Error{Code: "RiskMismatch", PactLevel: pactLevel, Required: required}
}

// BuildSignMessage reproduces ubl-pact's build_pact_sign_message exactly:
// domain tag "ubl:pact\n" || pact_id || atom_hash (ascii hex) ||
// intent_class byte || physics_delta as 16-byte big-endian two's complement.
func BuildSignMessage(pactID, atomHash string, ic IntentClass, physicsDelta *big.Int) []byte {
	msg := make([]byte, 0, len(pactID)+len(atomHash)+64)
	msg = append(msg, []byte("ubl:pact\n")...)
	msg = append(msg, []byte(pactID)...)
	msg = append(msg, []byte(atomHash)...)
	msg = append(msg, byte(ic))
	msg = append(msg, encodeI128BE(physicsDelta)...)
	return msg
}

// encodeI128BE encodes a signed big.Int into 16 bytes, big-endian two's
// complement, matching Rust's i128::to_be_bytes().
func encodeI128BE(v *big.Int) []byte {
	out := make([]byte, 16)
	if v.Sign() >= 0 {
		b := v.Bytes()
		copy(out[16-len(b):], b)
		return out
	}
	// Two's complement of the magnitude within 128 bits.
	mod := new(big.Int).Lsh(big.NewInt(1), 128)
	twos := new(big.Int).Add(mod, v)
	b := twos.Bytes()
	copy(out[16-len(b):], b)
	return out
}

// Validate runs the ordered algorithm from spec §4.3 / ubl-pact::validate_pact.
func Validate(p *Pact, proof *Proof, atomHash string, ic IntentClass, physicsDelta *big.Int, nowMS int64) error {
	if proof.PactID != p.PactID {
		return errUnknownPact(proof.PactID)
	}
	if !p.Window.Contains(nowMS) {
		return errExpired()
	}
	if !p.Governs(ic) {
		return errRiskMismatch(p.RiskLevel, MinimumRiskLevel(ic))
	}

	msg := BuildSignMessage(p.PactID, atomHash, ic, physicsDelta)

	seen := make(map[string]struct{}, len(proof.Signatures))
	for _, sig := range proof.Signatures {
		if _, dup := seen[sig.Signer]; dup {
			return errDuplicate(sig.Signer)
		}
		if _, ok := p.Signers[sig.Signer]; !ok {
			return errUnauthorized(sig.Signer)
		}
		if !cryptoutil.Verify(sig.Signer, sig.Signature, msg) {
			return errInvalidSig(sig.Signer)
		}
		seen[sig.Signer] = struct{}{}
	}

	if len(seen) < int(p.Threshold) {
		return errInsufficient(len(seen), p.Threshold)
	}
	return nil
}
