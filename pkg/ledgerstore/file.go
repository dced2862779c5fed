package ledgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/sovereign-ubl/ubl/pkg/link"
	"github.com/sovereign-ubl/ubl/pkg/membrane"
)

// FileStore persists the full ledger as a single JSON document, grounded on
// teacher's FileLedger (load-into-map, mutate, rewrite-whole-file-on-save).
// Intended for single-node operators and local development, not production
// scale (see SQLStore for that).
type FileStore struct {
	path     string
	locks    *lockTable
	registry PactLookup

	states  map[string]*link.ContainerState
	entries map[string][]*Entry
}

type fileStoreImage struct {
	States  map[string]*link.ContainerState `json:"states"`
	Entries map[string][]*Entry             `json:"entries"`
}

func NewFileStore(path string, registry PactLookup) (*FileStore, error) {
	fs := &FileStore{
		path:     path,
		locks:    newLockTable(),
		registry: registry,
		states:   make(map[string]*link.ContainerState),
		entries:  make(map[string][]*Entry),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return nil
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var img fileStoreImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return fmt.Errorf("ledgerstore: corrupt file store %s: %w", f.path, err)
	}
	if img.States != nil {
		f.states = img.States
	}
	if img.Entries != nil {
		f.entries = img.Entries
	}
	return nil
}

func (f *FileStore) save() error {
	img := fileStoreImage{States: f.states, Entries: f.entries}
	raw, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, raw, 0o600)
}

func (f *FileStore) GetState(ctx context.Context, containerID string) (*link.ContainerState, error) {
	if s, ok := f.states[containerID]; ok {
		cp := *s
		cp.PhysicalBalance = new(big.Int).Set(s.PhysicalBalance)
		return &cp, nil
	}
	return link.Genesis(containerID), nil
}

func (f *FileStore) Append(ctx context.Context, l *link.Link, atomBody []byte, nowMS int64, nowNS int64) (*Entry, error) {
	lock := f.locks.lockFor(l.ContainerID)
	lock.Lock()
	defer lock.Unlock()

	state, err := f.GetState(ctx, l.ContainerID)
	if err != nil {
		return nil, err
	}

	if err := membrane.Validate(l, state, f.registry, nowMS); err != nil {
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

	f.states[l.ContainerID] = &link.ContainerState{
		ContainerID:     l.ContainerID,
		LastHash:        entryHash,
		NextSequence:    state.NextSequence + 1,
		PhysicalBalance: new(big.Int).Add(state.PhysicalBalance, l.PhysicsDelta),
	}
	f.entries[l.ContainerID] = append(f.entries[l.ContainerID], entry)

	if err := f.save(); err != nil {
		return nil, fmt.Errorf("ledgerstore: persist: %w", err)
	}
	return entry, nil
}

func (f *FileStore) Entries(ctx context.Context, containerID string, after uint64, limit int) ([]*Entry, error) {
	all := f.entries[containerID]
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

func (f *FileStore) Verify(ctx context.Context, containerID string) error {
	mem := &MemoryStore{entries: map[string][]*Entry{containerID: f.entries[containerID]}}
	return mem.Verify(ctx, containerID)
}
