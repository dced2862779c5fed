package ledgerstore

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/sovereign-ubl/ubl/pkg/cryptoutil"
	"github.com/sovereign-ubl/ubl/pkg/link"
	"github.com/sovereign-ubl/ubl/pkg/pact"
)

type emptyRegistry struct{}

func (emptyRegistry) Lookup(string) (*pact.Pact, bool) { return nil, false }

func signObservation(t *testing.T, kp *cryptoutil.KeyPair, state *link.ContainerState, atomHash string) *link.Link {
	t.Helper()
	l := &link.Link{
		Version:          1,
		ContainerID:      state.ContainerID,
		ExpectedSequence: state.NextSequence,
		PreviousHash:     state.LastHash,
		AtomHash:         atomHash,
		IntentClass:      link.Observation,
		PhysicsDelta:     big.NewInt(0),
		AuthorPubKey:     kp.PublicKeyHex(),
	}
	l.Signature = kp.Sign(l.SigningBytes())
	return l
}

func TestMemoryStoreAppendAndChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(emptyRegistry{})
	kp, _ := cryptoutil.GenerateKeyPair()

	state, _ := store.GetState(ctx, "C.Jobs")
	l1 := signObservation(t, kp, state, "a"+repeatChar("0", 63))
	e1, err := store.Append(ctx, l1, []byte(`{}`), 0, 0)
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if e1.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", e1.Sequence)
	}

	state2, _ := store.GetState(ctx, "C.Jobs")
	if state2.LastHash != e1.EntryHash {
		t.Fatalf("container state not advanced to new entry hash")
	}

	l2 := signObservation(t, kp, state2, "b"+repeatChar("0", 63))
	e2, err := store.Append(ctx, l2, []byte(`{}`), 0, 0)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if e2.PreviousHash != e1.EntryHash {
		t.Fatalf("chain broken: e2.previous_hash != e1.entry_hash")
	}

	if err := store.Verify(ctx, "C.Jobs"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestMemoryStoreReplayRejectedAsSequenceMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(emptyRegistry{})
	kp, _ := cryptoutil.GenerateKeyPair()

	state, _ := store.GetState(ctx, "C.Jobs")
	l1 := signObservation(t, kp, state, "a"+repeatChar("0", 63))
	if _, err := store.Append(ctx, l1, []byte(`{}`), 0, 0); err != nil {
		t.Fatalf("append 1: %v", err)
	}

	// Replaying the exact same link (same expected_sequence, now stale)
	// must fail membrane's sequence check, not silently double-append.
	_, err := store.Append(ctx, l1, []byte(`{}`), 0, 0)
	if err == nil {
		t.Fatal("expected replay to be rejected")
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	kp, _ := cryptoutil.GenerateKeyPair()

	fs1, err := NewFileStore(path, emptyRegistry{})
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	state, _ := fs1.GetState(ctx, "C.Jobs")
	l1 := signObservation(t, kp, state, "a"+repeatChar("0", 63))
	if _, err := fs1.Append(ctx, l1, []byte(`{}`), 0, 0); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}

	fs2, err := NewFileStore(path, emptyRegistry{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	state2, _ := fs2.GetState(ctx, "C.Jobs")
	if state2.NextSequence != 2 {
		t.Fatalf("expected reopened store to have next_sequence=2, got %d", state2.NextSequence)
	}
	if err := fs2.Verify(ctx, "C.Jobs"); err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}
}

func TestComputeEntryHashDeterministic(t *testing.T) {
	h1 := ComputeEntryHash(link.GenesisPreviousHash, "a"+repeatChar("0", 63), 1)
	h2 := ComputeEntryHash(link.GenesisPreviousHash, "a"+repeatChar("0", 63), 1)
	if h1 != h2 {
		t.Fatal("entry hash not deterministic")
	}
	h3 := ComputeEntryHash(link.GenesisPreviousHash, "a"+repeatChar("0", 63), 2)
	if h1 == h3 {
		t.Fatal("sequence must be part of the entry hash preimage")
	}
}

func repeatChar(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
