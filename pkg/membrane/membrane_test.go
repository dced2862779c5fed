package membrane

import (
	"math/big"
	"testing"

	"github.com/sovereign-ubl/ubl/pkg/cryptoutil"
	"github.com/sovereign-ubl/ubl/pkg/link"
	"github.com/sovereign-ubl/ubl/pkg/pact"
)

type fakeRegistry struct {
	pacts map[string]*pact.Pact
}

func (r *fakeRegistry) Lookup(id string) (*pact.Pact, bool) {
	p, ok := r.pacts[id]
	return p, ok
}

func signedLink(t *testing.T, kp *cryptoutil.KeyPair, state *link.ContainerState, ic link.IntentClass, delta int64, p *pact.Proof) *link.Link {
	t.Helper()
	l := &link.Link{
		Version:          1,
		ContainerID:      state.ContainerID,
		ExpectedSequence: state.NextSequence,
		PreviousHash:     state.LastHash,
		AtomHash:         "a" + repeat("0", 63),
		IntentClass:      ic,
		PhysicsDelta:     big.NewInt(delta),
		Pact:             p,
		AuthorPubKey:     kp.PublicKeyHex(),
	}
	l.Signature = kp.Sign(l.SigningBytes())
	return l
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestS1HappyObservation(t *testing.T) {
	kp, _ := cryptoutil.GenerateKeyPair()
	state := link.Genesis("C.Jobs")
	reg := &fakeRegistry{pacts: map[string]*pact.Pact{}}
	l := signedLink(t, kp, state, link.Observation, 0, nil)

	if err := Validate(l, state, reg, 0); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestS2ConservationUnderZero(t *testing.T) {
	kp, _ := cryptoutil.GenerateKeyPair()
	state := &link.ContainerState{ContainerID: "C.Jobs", LastHash: link.GenesisPreviousHash, NextSequence: 1, PhysicalBalance: big.NewInt(100)}
	reg := &fakeRegistry{pacts: map[string]*pact.Pact{}}
	l := signedLink(t, kp, state, link.Conservation, -101, nil)

	err := Validate(l, state, reg, 0)
	me, ok := err.(*Error)
	if !ok || me.Code != PhysicsViolation {
		t.Fatalf("expected PhysicsViolation, got %v", err)
	}
}

func TestS3EvolutionWithoutPact(t *testing.T) {
	kp, _ := cryptoutil.GenerateKeyPair()
	state := link.Genesis("C.Jobs")
	reg := &fakeRegistry{pacts: map[string]*pact.Pact{}}
	l := signedLink(t, kp, state, link.Evolution, 0, nil)

	err := Validate(l, state, reg, 0)
	me, ok := err.(*Error)
	if !ok || me.Code != UnauthorizedEvolution {
		t.Fatalf("expected UnauthorizedEvolution, got %v", err)
	}
}

func TestS4EvolutionWithValidPact(t *testing.T) {
	kp, _ := cryptoutil.GenerateKeyPair()
	a, b, c := mustKP(t), mustKP(t), mustKP(t)
	state := link.Genesis("C.Jobs")

	p := &pact.Pact{
		PactID:        "pact-1",
		IntentClasses: []pact.IntentClass{pact.Evolution},
		Threshold:     2,
		Signers:       map[string]struct{}{a.PublicKeyHex(): {}, b.PublicKeyHex(): {}, c.PublicKeyHex(): {}},
		Window:        pact.Window{NotBeforeMS: 0, NotAfterMS: 1_000_000},
		RiskLevel:     pact.L5,
	}
	reg := &fakeRegistry{pacts: map[string]*pact.Pact{"pact-1": p}}

	atomHash := "a" + repeat("0", 63)
	msg := pact.BuildSignMessage(p.PactID, atomHash, pact.Evolution, big.NewInt(0))
	proof := &pact.Proof{PactID: "pact-1", Signatures: []pact.Signature{
		{Signer: a.PublicKeyHex(), Signature: a.Sign(msg)},
		{Signer: b.PublicKeyHex(), Signature: b.Sign(msg)},
	}}

	l := &link.Link{
		Version: 1, ContainerID: state.ContainerID, ExpectedSequence: state.NextSequence,
		PreviousHash: state.LastHash, AtomHash: atomHash, IntentClass: link.Evolution,
		PhysicsDelta: big.NewInt(0), Pact: proof, AuthorPubKey: kp.PublicKeyHex(),
	}
	l.Signature = kp.Sign(l.SigningBytes())

	if err := Validate(l, state, reg, 500); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func mustKP(t *testing.T) *cryptoutil.KeyPair {
	t.Helper()
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return kp
}

func TestInvalidSignatureRejected(t *testing.T) {
	kp, _ := cryptoutil.GenerateKeyPair()
	other, _ := cryptoutil.GenerateKeyPair()
	state := link.Genesis("C.Jobs")
	reg := &fakeRegistry{}
	l := signedLink(t, kp, state, link.Observation, 0, nil)
	l.AuthorPubKey = other.PublicKeyHex() // signature now invalid for the claimed key

	err := Validate(l, state, reg, 0)
	me, ok := err.(*Error)
	if !ok || me.Code != InvalidSignature {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestSequenceMismatch(t *testing.T) {
	kp, _ := cryptoutil.GenerateKeyPair()
	state := link.Genesis("C.Jobs")
	reg := &fakeRegistry{}
	l := signedLink(t, kp, state, link.Observation, 0, nil)
	l.ExpectedSequence = 5
	l.Signature = kp.Sign(l.SigningBytes())

	err := Validate(l, state, reg, 0)
	me, ok := err.(*Error)
	if !ok || me.Code != SequenceMismatch {
		t.Fatalf("expected SequenceMismatch, got %v", err)
	}
}
