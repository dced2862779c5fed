package ledgerstore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/sovereign-ubl/ubl/pkg/link"
	"github.com/sovereign-ubl/ubl/pkg/membrane"
)

// MemoryStore is an in-process Store, the default backend for tests and for
// single-node deployments that accept volatile state. Grounded on teacher's
// FileLedger's map-of-state-guarded-by-mutex shape, minus the disk
// persistence (see FileStore for that).
type MemoryStore struct {
	locks    *lockTable
	registry PactLookup

	states  map[string]*link.ContainerState
	entries map[string][]*Entry
}

func NewMemoryStore(registry PactLookup) *MemoryStore {
	return &MemoryStore{
		locks:    newLockTable(),
		registry: registry,
		states:   make(map[string]*link.ContainerState),
		entries:  make(map[string][]*Entry),
	}
}

func (m *MemoryStore) GetState(ctx context.Context, containerID string) (*link.ContainerState, error) {
	if s, ok := m.states[containerID]; ok {
		cp := *s
		cp.PhysicalBalance = new(big.Int).Set(s.PhysicalBalance)
		return &cp, nil
	}
	return link.Genesis(containerID), nil
}

func (m *MemoryStore) Append(ctx context.Context, l *link.Link, atomBody []byte, nowMS int64, nowNS int64) (*Entry, error) {
	lock := m.locks.lockFor(l.ContainerID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.GetState(ctx, l.ContainerID)
	if err != nil {
		return nil, err
	}

	if err := membrane.Validate(l, state, m.registry, nowMS); err != nil {
		return nil, err
	}

	entryHash := ComputeEntryHash(state.LastHash, l.AtomHash, l.ExpectedSequence)
	entry := &Entry{
		ContainerID:  l.ContainerID,
		Sequence:     l.ExpectedSequence,
		AtomHash:     l.AtomHash,
		PreviousHash: state.LastHash,
		EntryHash:    entryHash,
		TimestampNS:  nowNS,
		IntentClass:  l.IntentClass,
		PhysicsDelta: l.PhysicsDelta.String(),
		AtomBody:     atomBody,
	}

	next := &link.ContainerState{
		ContainerID:     l.ContainerID,
		LastHash:        entryHash,
		NextSequence:    state.NextSequence + 1,
		PhysicalBalance: new(big.Int).Add(state.PhysicalBalance, deltaForBalance(l)),
	}

	m.states[l.ContainerID] = next
	m.entries[l.ContainerID] = append(m.entries[l.ContainerID], entry)

	return entry, nil
}

// deltaForBalance returns the amount physical_balance moves by for this
// link's intent class; only Conservation and Entropy links move balance
// (Observation and Evolution are required to carry delta=0 already, but we
// don't assume that here and instead always apply PhysicsDelta, matching
// spec §3's container-state definition of a running sum over every admitted
// link regardless of class).
func deltaForBalance(l *link.Link) *big.Int {
	return l.PhysicsDelta
}

func (m *MemoryStore) Entries(ctx context.Context, containerID string, after uint64, limit int) ([]*Entry, error) {
	all := m.entries[containerID]
	out := make([]*Entry, 0, limit)
	for _, e := range all {
		if e.Sequence <= after {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Verify(ctx context.Context, containerID string) error {
	entries := m.entries[containerID]
	prev := link.GenesisPreviousHash
	var seq uint64 = link.InitialSequence
	balance := big.NewInt(0)

	for _, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("ledgerstore: chain break at sequence %d: expected previous_hash %q, got %q", e.Sequence, prev, e.PreviousHash)
		}
		if e.Sequence != seq {
			return fmt.Errorf("ledgerstore: sequence gap: expected %d, got %d", seq, e.Sequence)
		}
		want := ComputeEntryHash(e.PreviousHash, e.AtomHash, e.Sequence)
		if want != e.EntryHash {
			return fmt.Errorf("ledgerstore: entry_hash mismatch at sequence %d", e.Sequence)
		}
		delta, ok := new(big.Int).SetString(e.PhysicsDelta, 10)
		if !ok {
			return fmt.Errorf("ledgerstore: corrupt physics_delta at sequence %d", e.Sequence)
		}
		balance.Add(balance, delta)
		if e.IntentClass == link.Conservation && balance.Sign() < 0 {
			return fmt.Errorf("ledgerstore: balance went negative at sequence %d", e.Sequence)
		}
		prev = e.EntryHash
		seq++
	}
	return nil
}
