// Package contractstore implements C2, the Contract Store: durable
// storage for deployed ContractAccount rows, each carrying two storage
// generations — Accepted and Finalized (spec.md §3, §4.1).
package contractstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/nondetchain/consensus-core/internal/domain"
)

var (
	// ErrNotFound is returned when a contract address has no account row.
	ErrNotFound = errors.New("contractstore: contract not found")
	// ErrAlreadyExists is returned by Register on a redeploy attempt.
	ErrAlreadyExists = errors.New("contractstore: contract already registered")
)

var bucketContracts = []byte("contracts")

// Store is the repository port C2 exposes to the rest of the engine.
type Store interface {
	Register(ctx context.Context, address domain.Address, code []byte) error
	Get(ctx context.Context, address domain.Address) (*domain.ContractAccount, error)
	Exists(ctx context.Context, address domain.Address) (bool, error)
	UpdateAccepted(ctx context.Context, address domain.Address, state domain.ContractState) error
	UpdateFinalized(ctx context.Context, address domain.Address, state domain.ContractState) error
	RestoreAccepted(ctx context.Context, snapshot domain.ContractSnapshot) error
}

// BoltStore is the embedded-database implementation of Store.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) a BoltDB file at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("contractstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContracts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("contractstore: init bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Register creates a new ContractAccount row. It is a no-op error,
// ErrAlreadyExists, to register the same address twice (spec.md §3,
// "Lifecycle" forbids silently overwriting deployed code).
func (s *BoltStore) Register(ctx context.Context, address domain.Address, code []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	account := domain.ContractAccount{
		Address:   address,
		Code:      code,
		Accepted:  domain.ContractState{},
		Finalized: domain.ContractState{},
	}
	encoded, err := json.Marshal(&account)
	if err != nil {
		return fmt.Errorf("contractstore: marshal account: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContracts)
		if b.Get(address[:]) != nil {
			return ErrAlreadyExists
		}
		return b.Put(address[:], encoded)
	})
}

func (s *BoltStore) Get(ctx context.Context, address domain.Address) (*domain.ContractAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out domain.ContractAccount
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContracts).Get(address[:])
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) Exists(ctx context.Context, address domain.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketContracts).Get(address[:]) != nil
		return nil
	})
	return found, err
}

// UpdateAccepted overwrites the Accepted generation, the view pending
// (non-finalized) reads observe (spec.md §3).
func (s *BoltStore) UpdateAccepted(ctx context.Context, address domain.Address, state domain.ContractState) error {
	return s.mutate(ctx, address, func(account *domain.ContractAccount) {
		account.Accepted = state
	})
}

// UpdateFinalized overwrites the Finalized generation, the view
// finalized reads observe (spec.md §3, C9).
func (s *BoltStore) UpdateFinalized(ctx context.Context, address domain.Address, state domain.ContractState) error {
	return s.mutate(ctx, address, func(account *domain.ContractAccount) {
		account.Finalized = state
	})
}

// RestoreAccepted rolls a contract's Accepted generation and code back to
// a previously captured snapshot. Crash recovery (internal/worker) calls
// it; an appeal rollback instead writes the snapshot's state through an
// UpdateContractStateEffect (spec.md §4.5, §8).
func (s *BoltStore) RestoreAccepted(ctx context.Context, snapshot domain.ContractSnapshot) error {
	return s.mutate(ctx, snapshot.Address, func(account *domain.ContractAccount) {
		account.Code = snapshot.Code
		account.Accepted = snapshot.State
	})
}

func (s *BoltStore) mutate(ctx context.Context, address domain.Address, apply func(*domain.ContractAccount)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContracts)
		raw := b.Get(address[:])
		if raw == nil {
			return ErrNotFound
		}
		var account domain.ContractAccount
		if err := json.Unmarshal(raw, &account); err != nil {
			return fmt.Errorf("contractstore: unmarshal account: %w", err)
		}
		apply(&account)
		encoded, err := json.Marshal(&account)
		if err != nil {
			return fmt.Errorf("contractstore: marshal account: %w", err)
		}
		return b.Put(address[:], encoded)
	})
}

var _ Store = (*BoltStore)(nil)
