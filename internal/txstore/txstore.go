// Package txstore implements C1, the Transaction Store: durable storage
// for Transaction rows plus the claim protocol workers use to take
// exclusive ownership of one transaction (spec.md §4.1).
package txstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/nondetchain/consensus-core/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup by hash finds no row.
	ErrNotFound = errors.New("txstore: transaction not found")
	// ErrAlreadyExists is returned by Insert on a hash collision.
	ErrAlreadyExists = errors.New("txstore: transaction already exists")
)

var (
	bucketTransactions = []byte("transactions")
	bucketContractIdx  = []byte("contract_created_idx")
)

// inProcessStatuses is the set a crash-recovery scan must treat as
// interrupted work (spec.md §8, "Recovery on startup").
var inProcessStatuses = map[domain.TransactionStatus]bool{
	domain.StatusActivated:  true,
	domain.StatusProposing:  true,
	domain.StatusCommitting: true,
	domain.StatusRevealing:  true,
}

// Store is the repository port C1 exposes to the rest of the engine. All
// methods are safe for concurrent use.
type Store interface {
	Insert(ctx context.Context, tx *domain.Transaction) (domain.Hash, error)
	GetByHash(ctx context.Context, hash domain.Hash) (*domain.Transaction, error)
	GetPreviousTransaction(ctx context.Context, contract domain.Address, before time.Time) (*domain.Transaction, error)
	GetNewerTransactions(ctx context.Context, contract domain.Address, after time.Time) ([]domain.Transaction, error)
	GetTransactionsInProcessByContract(ctx context.Context, contract domain.Address) ([]domain.Transaction, error)
	GetPendingTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
	// GetAppealedTransactions returns every transaction with Appealed set
	// whose status is still Accepted or Undetermined — the appeal
	// scanner's candidate set (spec.md §4.6 step 2).
	GetAppealedTransactions(ctx context.Context) ([]domain.Transaction, error)
	// GetFinalizationCandidates returns every Accepted, not-currently-appealed
	// transaction — the finalization scanner's candidate set before the
	// window/parent checks (spec.md §4.6 step 3).
	GetFinalizationCandidates(ctx context.Context) ([]domain.Transaction, error)
	UpdateStatus(ctx context.Context, hash domain.Hash, status domain.TransactionStatus) error
	UpdateConsensusHistory(ctx context.Context, hash domain.Hash, round domain.ConsensusHistoryRound) error
	Update(ctx context.Context, hash domain.Hash, mutate func(tx *domain.Transaction) error) error
	// AtomicClaim performs the sole locking primitive in the engine: a
	// conditional Pending -> Activated transition tagged with the calling
	// worker's id. It returns false, nil (not an error) on a lost race.
	AtomicClaim(ctx context.Context, hash domain.Hash, workerID string) (bool, error)
	Count(ctx context.Context) (int, error)
}

// BoltStore is the embedded-database implementation of Store, standing in
// for the out-of-scope relational table with JSON columns (spec.md §6.5).
type BoltStore struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens (creating if absent) a BoltDB file at path and ensures the
// buckets this store needs exist.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("txstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTransactions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketContractIdx)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("txstore: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// indexKey builds the (contract || created_at_ns || hash) composite key
// that makes get_previous_transaction/get_newer_transactions a bounded
// bucket scan instead of a full-table one.
func indexKey(contract domain.Address, createdAt time.Time, hash domain.Hash) []byte {
	key := make([]byte, 0, len(contract)+8+len(hash))
	key = append(key, contract[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	key = append(key, ts[:]...)
	key = append(key, hash[:]...)
	return key
}

func (s *BoltStore) Insert(ctx context.Context, tx *domain.Transaction) (domain.Hash, error) {
	if err := ctx.Err(); err != nil {
		return domain.Hash{}, err
	}
	hash := domain.ComputeHash(tx.From, tx.To, tx.Data, tx.Nonce, tx.Value, tx.Type)
	tx.Hash = hash
	if tx.Status == "" {
		tx.Status = domain.StatusPending
	}
	if tx.CreatedAt.IsZero() {
		return domain.Hash{}, errors.New("txstore: CreatedAt must be set by caller")
	}

	encoded, err := json.Marshal(tx)
	if err != nil {
		return domain.Hash{}, fmt.Errorf("txstore: marshal transaction: %w", err)
	}

	err = s.db.Update(func(btx *bolt.Tx) error {
		txs := btx.Bucket(bucketTransactions)
		if existing := txs.Get(hash[:]); existing != nil {
			return ErrAlreadyExists
		}
		if err := txs.Put(hash[:], encoded); err != nil {
			return err
		}
		idx := btx.Bucket(bucketContractIdx)
		return idx.Put(indexKey(tx.To, tx.CreatedAt, hash), hash[:])
	})
	if err != nil {
		return domain.Hash{}, err
	}
	return hash, nil
}

func (s *BoltStore) GetByHash(ctx context.Context, hash domain.Hash) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out domain.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		raw := btx.Bucket(bucketTransactions).Get(hash[:])
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

// GetPreviousTransaction returns the most recent transaction targeting
// contract with CreatedAt strictly before `before`, or nil if there is
// none (spec.md §4.1, used to build the prior-state lineage for a round).
func (s *BoltStore) GetPreviousTransaction(ctx context.Context, contract domain.Address, before time.Time) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *domain.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		idx := btx.Bucket(bucketContractIdx)
		txs := btx.Bucket(bucketTransactions)
		c := idx.Cursor()
		prefix := contract[:]

		var bestKey, bestHash []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ts := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
			if ts >= before.UnixNano() {
				break
			}
			bestKey, bestHash = k, v
		}
		if bestKey == nil {
			return nil
		}
		raw := txs.Get(bestHash)
		if raw == nil {
			return ErrNotFound
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		out = &tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetNewerTransactions returns, in ascending CreatedAt order, every
// transaction targeting contract with CreatedAt strictly after `after`
// (spec.md §4.5, rollback of strictly-newer same-contract transactions).
func (s *BoltStore) GetNewerTransactions(ctx context.Context, contract domain.Address, after time.Time) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		idx := btx.Bucket(bucketContractIdx)
		txs := btx.Bucket(bucketTransactions)
		c := idx.Cursor()
		prefix := contract[:]

		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ts := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
			if ts <= after.UnixNano() {
				continue
			}
			raw := txs.Get(v)
			if raw == nil {
				continue
			}
			var tx domain.Transaction
			if err := json.Unmarshal(raw, &tx); err != nil {
				return err
			}
			out = append(out, tx)
		}
		return nil
	})
	return out, err
}

// GetTransactionsInProcessByContract returns every non-terminal,
// non-Pending transaction for contract, used by crash recovery (spec.md §8).
func (s *BoltStore) GetTransactionsInProcessByContract(ctx context.Context, contract domain.Address) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		idx := btx.Bucket(bucketContractIdx)
		txs := btx.Bucket(bucketTransactions)
		c := idx.Cursor()
		prefix := contract[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := txs.Get(v)
			if raw == nil {
				continue
			}
			var tx domain.Transaction
			if err := json.Unmarshal(raw, &tx); err != nil {
				return err
			}
			if inProcessStatuses[tx.Status] {
				out = append(out, tx)
			}
		}
		return nil
	})
	return out, err
}

// GetPendingTransactions scans the full transaction bucket for up to
// limit rows in StatusPending. The pending scanner (C8) calls this on a
// fixed interval; a dedicated secondary index is unnecessary at the scale
// this engine targets (spec.md §4.6).
func (s *BoltStore) GetPendingTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(bucketTransactions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var tx domain.Transaction
			if err := json.Unmarshal(v, &tx); err != nil {
				return err
			}
			if tx.Status == domain.StatusPending {
				out = append(out, tx)
			}
		}
		return nil
	})
	return out, err
}

// appealableStatuses is the status set the appeal scanner dispatches
// from (spec.md §4.6 step 2).
var appealableStatuses = map[domain.TransactionStatus]bool{
	domain.StatusAccepted:     true,
	domain.StatusUndetermined: true,
}

func (s *BoltStore) GetAppealedTransactions(ctx context.Context) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(bucketTransactions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tx domain.Transaction
			if err := json.Unmarshal(v, &tx); err != nil {
				return err
			}
			if tx.Appealed && appealableStatuses[tx.Status] {
				out = append(out, tx)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) GetFinalizationCandidates(ctx context.Context) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(bucketTransactions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tx domain.Transaction
			if err := json.Unmarshal(v, &tx); err != nil {
				return err
			}
			if tx.Status == domain.StatusAccepted && !tx.Appealed {
				out = append(out, tx)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) UpdateStatus(ctx context.Context, hash domain.Hash, status domain.TransactionStatus) error {
	return s.Update(ctx, hash, func(tx *domain.Transaction) error {
		tx.Status = status
		return nil
	})
}

func (s *BoltStore) UpdateConsensusHistory(ctx context.Context, hash domain.Hash, round domain.ConsensusHistoryRound) error {
	return s.Update(ctx, hash, func(tx *domain.Transaction) error {
		tx.ConsensusHistory.Append(round)
		return nil
	})
}

// Update loads the transaction, applies mutate, and writes it back inside
// a single write transaction so readers never observe a torn update.
func (s *BoltStore) Update(ctx context.Context, hash domain.Hash, mutate func(tx *domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		txs := btx.Bucket(bucketTransactions)
		raw := txs.Get(hash[:])
		if raw == nil {
			return ErrNotFound
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return fmt.Errorf("txstore: unmarshal transaction: %w", err)
		}
		if err := mutate(&tx); err != nil {
			return err
		}
		encoded, err := json.Marshal(&tx)
		if err != nil {
			return fmt.Errorf("txstore: marshal transaction: %w", err)
		}
		return txs.Put(hash[:], encoded)
	})
}

// AtomicClaim is the engine's sole mutual-exclusion primitive: it
// transitions a Pending transaction to Activated and tags it with
// workerID in one BoltDB write transaction, so two workers racing the
// pending scanner can never both win (spec.md §4.6, "Claim protocol").
func (s *BoltStore) AtomicClaim(ctx context.Context, hash domain.Hash, workerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	claimed := false
	err := s.db.Update(func(btx *bolt.Tx) error {
		txs := btx.Bucket(bucketTransactions)
		raw := txs.Get(hash[:])
		if raw == nil {
			return ErrNotFound
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		if tx.Status != domain.StatusPending {
			return nil
		}
		tx.Status = domain.StatusActivated
		tx.ClaimedBy = workerID
		encoded, err := json.Marshal(&tx)
		if err != nil {
			return err
		}
		if err := txs.Put(hash[:], encoded); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *BoltStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(btx *bolt.Tx) error {
		n = btx.Bucket(bucketTransactions).Stats().KeyN
		return nil
	})
	return n, err
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

var _ Store = (*BoltStore)(nil)
