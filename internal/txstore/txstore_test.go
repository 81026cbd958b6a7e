package txstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nondetchain/consensus-core/internal/domain"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTx(contract domain.Address, nonce uint64, createdAt time.Time) *domain.Transaction {
	return &domain.Transaction{
		From:      domain.Address{0x01},
		To:        contract,
		Type:      domain.TxRunContract,
		Nonce:     nonce,
		Data:      []byte("payload"),
		CreatedAt: createdAt,
	}
}

func TestInsertAndGetByHash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	contract := domain.Address{0xAA}

	tx := sampleTx(contract, 1, time.Now())
	hash, err := store.Insert(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputeHash(tx.From, tx.To, tx.Data, tx.Nonce, tx.Value, tx.Type), hash)

	got, err := store.GetByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, contract, got.To)
}

func TestInsertRejectsDuplicateHash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tx := sampleTx(domain.Address{0xBB}, 1, time.Now())

	_, err := store.Insert(ctx, tx)
	require.NoError(t, err)

	_, err = store.Insert(ctx, sampleTx(domain.Address{0xBB}, 1, time.Now()))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetByHashNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetByHash(context.Background(), domain.Hash{0xFF})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPreviousAndNewerTransactions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	contract := domain.Address{0xCC}
	base := time.Now()

	var hashes []domain.Hash
	for i, offset := range []time.Duration{-2 * time.Second, -time.Second, time.Second, 2 * time.Second} {
		h, err := store.Insert(ctx, sampleTx(contract, uint64(i), base.Add(offset)))
		require.NoError(t, err)
		hashes = append(hashes, h)
	}

	prev, err := store.GetPreviousTransaction(ctx, contract, base)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, hashes[1], prev.Hash)

	newer, err := store.GetNewerTransactions(ctx, contract, base)
	require.NoError(t, err)
	require.Len(t, newer, 2)
	assert.True(t, newer[0].CreatedAt.Before(newer[1].CreatedAt))
}

func TestAtomicClaimWinsOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	hash, err := store.Insert(ctx, sampleTx(domain.Address{0xDD}, 1, time.Now()))
	require.NoError(t, err)

	const workers = 8
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			ok, err := store.AtomicClaim(ctx, hash, os.Getenv("HOST")+string(rune(id)))
			assert.NoError(t, err)
			results <- ok
		}(i)
	}

	wins := 0
	for i := 0; i < workers; i++ {
		if <-results {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	got, err := store.GetByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActivated, got.Status)
}

func TestGetTransactionsInProcessByContract(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	contract := domain.Address{0xEE}

	pendingHash, err := store.Insert(ctx, sampleTx(contract, 1, time.Now()))
	require.NoError(t, err)
	activeHash, err := store.Insert(ctx, sampleTx(contract, 2, time.Now().Add(time.Second)))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, activeHash, domain.StatusProposing))

	inProcess, err := store.GetTransactionsInProcessByContract(ctx, contract)
	require.NoError(t, err)
	require.Len(t, inProcess, 1)
	assert.Equal(t, activeHash, inProcess[0].Hash)
	assert.NotEqual(t, pendingHash, inProcess[0].Hash)
}

func TestUpdateConsensusHistoryAppendsMonotonicIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	hash, err := store.Insert(ctx, sampleTx(domain.Address{0x01, 0x02}, 1, time.Now()))
	require.NoError(t, err)

	require.NoError(t, store.UpdateConsensusHistory(ctx, hash, domain.ConsensusHistoryRound{RoundLabel: domain.RoundProposing}))
	require.NoError(t, store.UpdateConsensusHistory(ctx, hash, domain.ConsensusHistoryRound{RoundLabel: domain.RoundAccepted}))

	got, err := store.GetByHash(ctx, hash)
	require.NoError(t, err)
	require.Len(t, got.ConsensusHistory.Rounds, 2)
	assert.Equal(t, 0, got.ConsensusHistory.Rounds[0].RoundIndex)
	assert.Equal(t, 1, got.ConsensusHistory.Rounds[1].RoundIndex)
}

func TestGetAppealedTransactionsFiltersByStatusAndFlag(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	contract := domain.Address{0x07}

	appealedAccepted, err := store.Insert(ctx, sampleTx(contract, 1, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, appealedAccepted, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusAccepted
		tx.Appealed = true
		return nil
	}))

	notAppealed, err := store.Insert(ctx, sampleTx(contract, 2, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, notAppealed, domain.StatusAccepted))

	appealedButPending, err := store.Insert(ctx, sampleTx(contract, 3, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, appealedButPending, func(tx *domain.Transaction) error {
		tx.Appealed = true
		return nil
	}))

	got, err := store.GetAppealedTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, appealedAccepted, got[0].Hash)
}

func TestGetFinalizationCandidatesExcludesAppealedAndOtherStatuses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	contract := domain.Address{0x08}

	ready, err := store.Insert(ctx, sampleTx(contract, 1, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, ready, domain.StatusAccepted))

	appealed, err := store.Insert(ctx, sampleTx(contract, 2, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, appealed, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusAccepted
		tx.Appealed = true
		return nil
	}))

	pending, err := store.Insert(ctx, sampleTx(contract, 3, time.Now()))
	require.NoError(t, err)
	_ = pending

	got, err := store.GetFinalizationCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ready, got[0].Hash)
}
