package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nondetchain/consensus-core/internal/appeal"
	"github.com/nondetchain/consensus-core/internal/consensusfsm"
	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/effects"
	"github.com/nondetchain/consensus-core/internal/eventbus"
	"github.com/nondetchain/consensus-core/internal/txstore"
)

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

func pool(n int) []domain.Validator {
	out := make([]domain.Validator, n)
	for i := range out {
		out[i] = domain.Validator{Address: domain.Address{byte(i + 10)}}
	}
	return out
}

type scriptedInvoker struct {
	vote domain.Vote
	err  error
}

func (s scriptedInvoker) Invoke(_ context.Context, _ *domain.Transaction, _ domain.Validator, leaderReceipt *domain.Receipt, _ any) (domain.Receipt, error) {
	if s.err != nil {
		return domain.Receipt{}, s.err
	}
	if leaderReceipt == nil {
		return domain.Receipt{Mode: domain.ModeLeader, Vote: domain.VoteNotVoted, ExecutionResult: domain.ExecutionSuccess, ContractState: map[string][]byte{}}, nil
	}
	return domain.Receipt{Mode: domain.ModeValidator, Vote: s.vote, ExecutionResult: domain.ExecutionSuccess, ContractState: map[string][]byte{}}, nil
}

func insertPending(t *testing.T, txs *txstore.BoltStore, contracts *contractstore.BoltStore, contract domain.Address, createdAt time.Time) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	if exists, _ := contracts.Exists(ctx, contract); !exists {
		require.NoError(t, contracts.Register(ctx, contract, []byte("code")))
	}
	tx := &domain.Transaction{
		From:                   domain.Address{0x01},
		To:                     contract,
		Type:                   domain.TxRunContract,
		Data:                   []byte("call"),
		Nonce:                  uint64(createdAt.UnixNano()),
		CreatedAt:              createdAt,
		NumOfInitialValidators: 3,
	}
	hash, err := txs.Insert(ctx, tx)
	require.NoError(t, err)
	stored, err := txs.GetByHash(ctx, hash)
	require.NoError(t, err)
	return stored
}

func testPool(t *testing.T, txs *txstore.BoltStore, contracts *contractstore.BoltStore, invoker consensusfsm.Invoker) *Pool {
	t.Helper()
	bus := &discardBus{}
	executor := effects.New(txs, contracts, bus)
	factory := func() *consensusfsm.Engine {
		selector := &consensusfsm.DefaultSelector{Pool: pool(6), N: 2}
		cfg := consensusfsm.Config{RotationRounds: 3, ValidatorExecTimeout: time.Second}
		return consensusfsm.New(selector, invoker, cfg).WithContractSnapshots(consensusfsm.ContractStoreSnapshotter{Contracts: contracts})
	}
	return New("worker-1", txs, contracts, executor, factory, nil, Config{ScanInterval: 10 * time.Millisecond}, zap.NewNop())
}

// discardBus satisfies eventbus.Publisher without needing a live bus.
type discardBus struct{}

func (discardBus) Publish(eventbus.Event) {}

func TestScanPendingClaimsAndAcceptsTransaction(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xAA}
	tx := insertPending(t, txs, contracts, contract, time.Now().Add(-time.Minute))

	p := testPool(t, txs, contracts, scriptedInvoker{vote: domain.VoteAgree})
	p.ctx = ctx
	p.scanPending(ctx)
	p.wg.Wait()

	stored, err := txs.GetByHash(ctx, tx.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, stored.Status)
}

func TestScanPendingOnlyClaimsOldestPerContract(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xBB}
	older := insertPending(t, txs, contracts, contract, time.Now().Add(-time.Hour))
	newer := insertPending(t, txs, contracts, contract, time.Now())

	p := testPool(t, txs, contracts, scriptedInvoker{vote: domain.VoteAgree})
	p.ctx = ctx
	p.scanPending(ctx)
	p.wg.Wait()

	oldStored, err := txs.GetByHash(ctx, older.Hash)
	require.NoError(t, err)
	newStored, err := txs.GetByHash(ctx, newer.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, oldStored.Status)
	assert.Equal(t, domain.StatusPending, newStored.Status)
}

func TestClaimAndRunReleasesOnLeaderInfraError(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xCC}
	tx := insertPending(t, txs, contracts, contract, time.Now())

	p := testPool(t, txs, contracts, scriptedInvoker{err: assert.AnError})
	p.ctx = ctx
	p.claimAndRun(ctx, *tx)

	stored, err := txs.GetByHash(ctx, tx.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, 1, p.health.streak)
	assert.True(t, p.Healthy())
}

func TestRecoverCrashedRollsBackStuckAndNewerTransactions(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xDD}
	require.NoError(t, contracts.Register(ctx, contract, []byte("code")))

	base := time.Now().Add(-time.Hour)
	snapshot := domain.ContractSnapshot{Address: contract, State: domain.ContractState{}}

	goodTx := insertPending(t, txs, contracts, contract, base.Add(-time.Minute))
	require.NoError(t, txs.Update(ctx, goodTx.Hash, func(tx *domain.Transaction) error {
		tx.Status = domain.StatusFinalized
		tx.ContractSnapshot = &snapshot
		return nil
	}))

	stuckTx := insertPending(t, txs, contracts, contract, base)
	require.NoError(t, txs.UpdateStatus(ctx, stuckTx.Hash, domain.StatusProposing))

	newerTx := insertPending(t, txs, contracts, contract, base.Add(time.Minute))
	require.NoError(t, txs.UpdateStatus(ctx, newerTx.Hash, domain.StatusAccepted))

	p := testPool(t, txs, contracts, scriptedInvoker{vote: domain.VoteAgree})
	require.NoError(t, p.recoverCrashed(ctx))

	stuckStored, err := txs.GetByHash(ctx, stuckTx.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stuckStored.Status)
	assert.Empty(t, stuckStored.ConsensusHistory.Rounds)
}

func TestRecoverCrashedCancelsWhenContractNeverExisted(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xEE}

	stuck := &domain.Transaction{
		From:      domain.Address{0x01},
		To:        contract,
		Type:      domain.TxDeployContract,
		Data:      []byte("deploy"),
		CreatedAt: time.Now(),
	}
	hash, err := txs.Insert(ctx, stuck)
	require.NoError(t, err)
	require.NoError(t, txs.UpdateStatus(ctx, hash, domain.StatusActivated))

	p := testPool(t, txs, contracts, scriptedInvoker{vote: domain.VoteAgree})
	require.NoError(t, p.recoverCrashed(ctx))

	stored, err := txs.GetByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, stored.Status)
}

func TestStartRunsCrashRecoveryBeforeFirstScan(t *testing.T) {
	ctx := context.Background()
	txs, contracts := newStores(t)
	contract := domain.Address{0xFF}
	require.NoError(t, contracts.Register(ctx, contract, []byte("code")))
	stuck := insertPending(t, txs, contracts, contract, time.Now())
	require.NoError(t, txs.UpdateStatus(ctx, stuck.Hash, domain.StatusCommitting))

	p := testPool(t, txs, contracts, scriptedInvoker{vote: domain.VoteAgree})
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop() })

	time.Sleep(20 * time.Millisecond)
	stored, err := txs.GetByHash(ctx, stuck.Hash)
	require.NoError(t, err)
	assert.NotEqual(t, domain.StatusCommitting, stored.Status)
}

func TestAppealEngineWiring(t *testing.T) {
	// appeal.New accepts consensusfsm.Invoker directly, confirming the
	// interfaces the pool wires together stay assignment-compatible.
	txs, contracts := newStores(t)
	var _ *appeal.Engine = appeal.New(txs, contracts, scriptedInvoker{vote: domain.VoteAgree}, pool(3), appeal.Config{WindowSeconds: 60, ValidatorExecTimeout: time.Second})
}
