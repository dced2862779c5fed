package link

import (
	"math/big"
	"testing"

	"github.com/sovereign-ubl/ubl/pkg/cryptoutil"
)

func TestSigningBytesStable(t *testing.T) {
	l := &Link{
		Version:          1,
		ContainerID:      "C.Jobs",
		ExpectedSequence: 1,
		PreviousHash:     GenesisPreviousHash,
		AtomHash:         "deadbeef",
		IntentClass:      Observation,
		PhysicsDelta:     big.NewInt(0),
		AuthorPubKey:     "feedface",
	}
	b1 := l.SigningBytes()
	b2 := l.SigningBytes()
	if string(b1) != string(b2) {
		t.Fatal("signing bytes not deterministic")
	}
}

func TestSignAndVerifyLink(t *testing.T) {
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	l := &Link{
		Version:          1,
		ContainerID:      "C.Jobs",
		ExpectedSequence: 1,
		PreviousHash:     GenesisPreviousHash,
		AtomHash:         "deadbeef",
		IntentClass:      Observation,
		PhysicsDelta:     big.NewInt(0),
		AuthorPubKey:     kp.PublicKeyHex(),
	}
	l.Signature = kp.Sign(l.SigningBytes())

	if !cryptoutil.Verify(l.AuthorPubKey, l.Signature, l.SigningBytes()) {
		t.Fatal("expected signature to verify")
	}

	other, _ := cryptoutil.GenerateKeyPair()
	if cryptoutil.Verify(other.PublicKeyHex(), l.Signature, l.SigningBytes()) {
		t.Fatal("signature should not verify against a different key")
	}
}

func TestI128BENegativeOneIsAllOnes(t *testing.T) {
	got := i128BE(big.NewInt(-1))
	for _, b := range got {
		if b != 0xff {
			t.Fatalf("expected all 0xff bytes for -1, got %x", got)
		}
	}
}

func TestGenesisState(t *testing.T) {
	g := Genesis("C.Jobs")
	if g.NextSequence != 1 {
		t.Fatalf("expected next_sequence=1, got %d", g.NextSequence)
	}
	if len(g.LastHash) != 64 {
		t.Fatalf("expected 64-char genesis hash, got %d", len(g.LastHash))
	}
	if g.PhysicalBalance.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", g.PhysicalBalance.String())
	}
}
