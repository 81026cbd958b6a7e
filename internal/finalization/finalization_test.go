package finalization

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/effects"
	"github.com/nondetchain/consensus-core/internal/eventbus"
	"github.com/nondetchain/consensus-core/internal/txstore"
)

type discardBus struct{}

func (discardBus) Publish(eventbus.Event) {}

func newStores(t *testing.T) (*txstore.BoltStore, *contractstore.BoltStore) {
	t.Helper()
	dir := t.TempDir()
	txs, err := txstore.Open(filepath.Join(dir, "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { txs.Close() })
	contracts, err := contractstore.Open(filepath.Join(dir, "contracts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { contracts.Close() })
	return txs, contracts
}

func acceptedReadyTx(t *testing.T, txs *txstore.BoltStore, contracts *contractstore.BoltStore, contract domain.Address, awaitingFinalization int64) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	if exists, _ := contracts.Exists(ctx, contract); !exists {
		require.NoError(t, contracts.Register(ctx, contract, []byte("code")))
	}
	tx := &domain.Transaction{
		From:      domain.Address{0x01},
		To:        contract,
		Type:      domain.TxRunContract,
		Data:      []byte("call"),
		Nonce:     uint64(time.Now().UnixNano()),
		CreatedAt: time.Now().Add(-time.Hour),
	}
	hash, err := txs.Insert(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, txs.Update(ctx, hash, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusAccepted
		tx.TimestampAwaitingFinalization = awaitingFinalization
		tx.ConsensusData = &domain.ConsensusData{
			LeaderReceipts: []domain.Receipt{{
				ExecutionResult: domain.ExecutionSuccess,
				ContractState:   map[string][]byte{},
			}},
		}
		return nil
	}))
	stored, err := txs.GetByHash(ctx, hash)
	require.NoError(t, err)
	return stored
}

func TestReadyRequiresWindowElapsed(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xAA}
	tx := acceptedReadyTx(t, txs, contracts, contract, time.Now().Unix())

	engine := New(txs, contracts, Config{WindowSeconds: 3600})
	ready, err := engine.Ready(ctx, tx, time.Now())
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestReadyTrueAfterWindowElapsesWithNoParent(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xBB}
	tx := acceptedReadyTx(t, txs, contracts, contract, time.Now().Add(-2*time.Hour).Unix())

	engine := New(txs, contracts, Config{WindowSeconds: 60})
	ready, err := engine.Ready(ctx, tx, time.Now())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestReadyFalseWhenParentNotYetFinalized(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xCC}
	parent := acceptedReadyTx(t, txs, contracts, contract, time.Now().Add(-2*time.Hour).Unix())

	child := acceptedReadyTx(t, txs, contracts, contract, time.Now().Add(-2*time.Hour).Unix())
	require.NoError(t, txs.Update(ctx, child.Hash, func(tx *domain.Transaction) error {
		tx.TriggeredByHash = &parent.Hash
		return nil
	}))
	child, err := txs.GetByHash(ctx, child.Hash)
	require.NoError(t, err)

	engine := New(txs, contracts, Config{WindowSeconds: 60})
	ready, err := engine.Ready(ctx, child, time.Now())
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestReadyTrueWhenParentFinalized(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xDD}
	parent := acceptedReadyTx(t, txs, contracts, contract, time.Now().Add(-2*time.Hour).Unix())
	require.NoError(t, txs.UpdateStatus(ctx, parent.Hash, domain.StatusFinalized))

	child := acceptedReadyTx(t, txs, contracts, contract, time.Now().Add(-2*time.Hour).Unix())
	require.NoError(t, txs.Update(ctx, child.Hash, func(tx *domain.Transaction) error {
		tx.TriggeredByHash = &parent.Hash
		return nil
	}))
	child, err := txs.GetByHash(ctx, child.Hash)
	require.NoError(t, err)

	engine := New(txs, contracts, Config{WindowSeconds: 60})
	ready, err := engine.Ready(ctx, child, time.Now())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestPromoteQueuesOnFinalizedPendingTransactions(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xEE}
	tx := acceptedReadyTx(t, txs, contracts, contract, time.Now().Add(-2*time.Hour).Unix())
	require.NoError(t, txs.Update(ctx, tx.Hash, func(tx *domain.Transaction) error {
		tx.ConsensusData.LeaderReceipts[0].PendingTransactions = []domain.PendingTransaction{
			{Address: domain.Address{0x99}, Calldata: []byte("followup"), On: domain.TriggeredOnFinalized},
			{Address: domain.Address{0x98}, Calldata: []byte("immediate"), On: domain.TriggeredOnAccepted},
		}
		return nil
	}))
	tx, err := txs.GetByHash(ctx, tx.Hash)
	require.NoError(t, err)

	engine := New(txs, contracts, Config{WindowSeconds: 60})
	effectsList, err := engine.Promote(ctx, tx)
	require.NoError(t, err)

	var queued int
	var sawFinalizedStatus bool
	for _, eff := range effectsList {
		if _, ok := eff.(domain.InsertTriggeredTransactionEffect); ok {
			queued++
		}
		if su, ok := eff.(domain.StatusUpdateEffect); ok && su.NewStatus == domain.StatusFinalized {
			sawFinalizedStatus = true
		}
	}
	assert.Equal(t, 1, queued)
	assert.True(t, sawFinalizedStatus)
}

func TestScannerPromotesReadyCandidate(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xFF}
	tx := acceptedReadyTx(t, txs, contracts, contract, time.Now().Add(-2*time.Hour).Unix())

	engine := New(txs, contracts, Config{WindowSeconds: 60})
	executor := effects.New(txs, contracts, discardBus{})
	scanner := NewScanner(engine, executor, 10*time.Millisecond, zap.NewNop())
	scanner.tick(ctx)

	stored, err := txs.GetByHash(ctx, tx.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, stored.Status)
}
