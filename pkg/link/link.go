// Package link defines the Link commit envelope (C2/§3) and its signing
// bytes, grounded on teacher pkg/crypto/signer.go's canonicalize-then-sign
// pattern and ubl-membrane/src/lib.rs's exact signing byte layout.
package link

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/sovereign-ubl/ubl/pkg/pact"
)

// IntentClass is the physics category governing delta and pact rules
// (spec §3 "Intent classes").
type IntentClass byte

const (
	Observation  IntentClass = 0x00
	Conservation IntentClass = 0x01
	Entropy      IntentClass = 0x02
	Evolution    IntentClass = 0x03
)

func (ic IntentClass) String() string {
	switch ic {
	case Observation:
		return "Observation"
	case Conservation:
		return "Conservation"
	case Entropy:
		return "Entropy"
	case Evolution:
		return "Evolution"
	default:
		return fmt.Sprintf("IntentClass(%d)", ic)
	}
}

// ToPact maps to pkg/pact's mirrored IntentClass, kept distinct to avoid
// link depending on pact for anything but the Proof type it carries.
func (ic IntentClass) ToPact() pact.IntentClass { return pact.IntentClass(ic) }

// Link is the signed commit envelope carrying one atom into one container
// (spec §3 "Link").
type Link struct {
	Version          uint8
	ContainerID      string
	ExpectedSequence uint64
	PreviousHash     string // 64 lowercase hex chars
	AtomHash         string // 64 lowercase hex chars
	IntentClass      IntentClass
	PhysicsDelta     *big.Int // signed, wide (i128 domain)
	Pact             *pact.Proof
	AuthorPubKey     string // 32-byte Ed25519 key, hex
	Signature        string // 64-byte Ed25519 signature, hex
}

// domainTag is the fixed prefix for link signing bytes (spec §4.2).
const domainTag = "ubl:link:v1\n"

// SigningBytes builds the domain-tagged deterministic encoding signed by
// the author, excluding Pact and Signature themselves:
//
//	"ubl:link:v1\n" || container_id || u64_be(expected_sequence) ||
//	previous_hash || atom_hash || byte(intent_class) ||
//	i128_be(physics_delta) || author_pubkey
//
// Hash and pubkey fields contribute their ASCII hex-string bytes, matching
// the precedent set by ubl-pact::build_pact_sign_message for atom_hash.
func (l *Link) SigningBytes() []byte {
	buf := make([]byte, 0, len(domainTag)+len(l.ContainerID)+8+64+64+1+16+len(l.AuthorPubKey))
	buf = append(buf, []byte(domainTag)...)
	buf = append(buf, []byte(l.ContainerID)...)
	buf = append(buf, u64BE(l.ExpectedSequence)...)
	buf = append(buf, []byte(l.PreviousHash)...)
	buf = append(buf, []byte(l.AtomHash)...)
	buf = append(buf, byte(l.IntentClass))
	buf = append(buf, i128BE(l.PhysicsDelta)...)
	buf = append(buf, []byte(l.AuthorPubKey)...)
	return buf
}

func u64BE(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// i128BE encodes a signed big.Int as 16 bytes, big-endian two's complement.
func i128BE(v *big.Int) []byte {
	out := make([]byte, 16)
	if v == nil || v.Sign() >= 0 {
		if v != nil {
			b := v.Bytes()
			copy(out[16-len(b):], b)
		}
		return out
	}
	mod := new(big.Int).Lsh(big.NewInt(1), 128)
	twos := new(big.Int).Add(mod, v)
	b := twos.Bytes()
	copy(out[16-len(b):], b)
	return out
}

// GenesisPreviousHash is the frozen genesis sentinel for a container with no
// prior entries (spec §9 open question, resolved in DESIGN.md): 64 ASCII
// zero characters.
var GenesisPreviousHash = strings.Repeat("0", 64)

// InitialSequence is the first expected_sequence value for a fresh
// container, matching spec §8 scenario S1.
const InitialSequence uint64 = 1
