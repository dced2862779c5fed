package ledgerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/sovereign-ubl/ubl/pkg/link"
	"github.com/sovereign-ubl/ubl/pkg/membrane"
)

// SQLStore implements Store over database/sql, grounded on teacher's
// SQLLedger (parameterized queries, RowsAffected-checked UPDATE, explicit
// Init schema bootstrap). Works against both lib/pq (Postgres) and
// modernc.org/sqlite, matching the two drivers already in the dependency
// graph.
type SQLStore struct {
	db       *sql.DB
	registry PactLookup
}

func NewSQLStore(db *sql.DB, registry PactLookup) *SQLStore {
	return &SQLStore{db: db, registry: registry}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS container_state (
	container_id     TEXT PRIMARY KEY,
	last_hash        TEXT NOT NULL,
	next_sequence    BIGINT NOT NULL,
	physical_balance TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	container_id  TEXT NOT NULL,
	sequence      BIGINT NOT NULL,
	atom_hash     TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash    TEXT NOT NULL,
	timestamp_ns  BIGINT NOT NULL,
	intent_class  SMALLINT NOT NULL,
	physics_delta TEXT NOT NULL,
	atom_body     BYTEA,
	PRIMARY KEY (container_id, sequence)
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ledgerSchema)
	return err
}

func (s *SQLStore) GetState(ctx context.Context, containerID string) (*link.ContainerState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_hash, next_sequence, physical_balance FROM container_state WHERE container_id = $1`,
		containerID)

	var lastHash, balanceStr string
	var nextSeq uint64
	err := row.Scan(&lastHash, &nextSeq, &balanceStr)
	if errors.Is(err, sql.ErrNoRows) {
		return link.Genesis(containerID), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(balanceStr, 10)
	if !ok {
		return nil, fmt.Errorf("ledgerstore: corrupt physical_balance for %s", containerID)
	}
	return &link.ContainerState{
		ContainerID:     containerID,
		LastHash:        lastHash,
		NextSequence:    nextSeq,
		PhysicalBalance: balance,
	}, nil
}

// Append runs the validate-then-persist step inside a single transaction so
// the container_state row and the new ledger_entries row commit atomically;
// this is the SQL backend's equivalent of the in-process lockTable. State is
// read with a plain SELECT; a concurrent writer that read the same state
// fails on the (container_id, sequence) primary key or on the UPDATE guarded
// by next_sequence, so only one of them commits.
func (s *SQLStore) Append(ctx context.Context, l *link.Link, atomBody []byte, nowMS int64, nowNS int64) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	state, err := s.getStateTx(ctx, tx, l.ContainerID)
	if err != nil {
		return nil, err
	}

	if err := membrane.Validate(l, state, s.registry, nowMS); err != nil {
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(container_id, sequence, atom_hash, previous_hash, entry_hash, timestamp_ns, intent_class, physics_delta, atom_body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ContainerID, entry.Sequence, entry.AtomHash, entry.PreviousHash, entry.EntryHash,
		entry.TimestampNS, byte(entry.IntentClass), entry.PhysicsDelta, entry.AtomBody)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: insert entry: %w", err)
	}

	newBalance := new(big.Int).Add(state.PhysicalBalance, l.PhysicsDelta)

	res, err := tx.ExecContext(ctx, `
		UPDATE container_state
		SET last_hash = $1, next_sequence = $2, physical_balance = $3
		WHERE container_id = $4 AND next_sequence = $5
	`, entryHash, state.NextSequence+1, newBalance.String(), l.ContainerID, state.NextSequence)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: update state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO container_state (container_id, last_hash, next_sequence, physical_balance)
			VALUES ($1, $2, $3, $4)
		`, l.ContainerID, entryHash, state.NextSequence+1, newBalance.String()); err != nil {
			return nil, fmt.Errorf("ledgerstore: concurrent append detected and insert-fallback failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLStore) getStateTx(ctx context.Context, tx *sql.Tx, containerID string) (*link.ContainerState, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT last_hash, next_sequence, physical_balance FROM container_state WHERE container_id = $1`,
		containerID)

	var lastHash, balanceStr string
	var nextSeq uint64
	err := row.Scan(&lastHash, &nextSeq, &balanceStr)
	if errors.Is(err, sql.ErrNoRows) {
		return link.Genesis(containerID), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(balanceStr, 10)
	if !ok {
		return nil, fmt.Errorf("ledgerstore: corrupt physical_balance for %s", containerID)
	}
	return &link.ContainerState{ContainerID: containerID, LastHash: lastHash, NextSequence: nextSeq, PhysicalBalance: balance}, nil
}

func (s *SQLStore) Entries(ctx context.Context, containerID string, after uint64, limit int) ([]*Entry, error) {
	query := `
		SELECT sequence, atom_hash, previous_hash, entry_hash, timestamp_ns, intent_class, physics_delta, atom_body
		FROM ledger_entries
		WHERE container_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`
	args := []any{containerID, after}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Entry, 0)
	for rows.Next() {
		e := &Entry{ContainerID: containerID}
		var ic byte
		if err := rows.Scan(&e.Sequence, &e.AtomHash, &e.PreviousHash, &e.EntryHash, &e.TimestampNS, &ic, &e.PhysicsDelta, &e.AtomBody); err != nil {
			return nil, err
		}
		e.IntentClass = link.IntentClass(ic)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Verify(ctx context.Context, containerID string) error {
	entries, err := s.Entries(ctx, containerID, 0, 0)
	if err != nil {
		return err
	}
	mem := &MemoryStore{entries: map[string][]*Entry{containerID: entries}}
	return mem.Verify(ctx, containerID)
}
