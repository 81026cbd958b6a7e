// Package worker implements C8, the Worker Pool & Claim Protocol: the
// background loops that pull ready transactions from the Transaction
// Store, enforce per-contract ordering via the atomic-claim primitive,
// drive each claimed transaction through the Consensus State Machine, and
// recover stuck work left behind by a crashed worker (spec.md §4.6, §8).
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nondetchain/consensus-core/internal/appeal"
	"github.com/nondetchain/consensus-core/internal/consensusfsm"
	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/effects"
	"github.com/nondetchain/consensus-core/internal/noderunner"
	"github.com/nondetchain/consensus-core/internal/txstore"
)

var (
	// ErrPoolAlreadyRunning is returned by Start on a second call.
	ErrPoolAlreadyRunning = errors.New("worker: pool already running")
	// ErrPoolNotRunning is returned by Stop when the pool was never started.
	ErrPoolNotRunning = errors.New("worker: pool not running")
)

// EngineFactory builds the consensus engine one claimed transaction runs
// through. It is a factory rather than a shared instance because the
// appeal validator-reuse table (selector state keyed by tx hash) and the
// per-round contract snapshot are scoped to a single transaction's run
// (spec.md §4.3).
type EngineFactory func() *consensusfsm.Engine

// Config bounds the pool's scan cadence and concurrency (spec.md §4.6,
// §6.6).
type Config struct {
	ScanInterval          time.Duration
	MaxConcurrentClaims   int
	UnhealthyThreshold    int // N consecutive executor failures before unhealthy (default 3)
}

// Pool runs the pending scanner, the appeal scanner, and crash recovery
// over a shared worker id. Lifecycle follows the teacher's
// ConsensusEngine.Start/Stop idiom: context cancellation, a WaitGroup for
// shutdown, an atomic running flag, and once-only Start/Stop (spec.md
// §4.6, "[ADDED] each scanner is a goroutine with context.Context
// cancellation...").
type Pool struct {
	id           string
	transactions txstore.Store
	contracts    contractstore.Store
	executor     *effects.Executor
	newEngine    EngineFactory
	appealEngine *appeal.Engine
	cfg          Config
	log          *zap.Logger

	health *healthTracker
	sem    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Pool. workerID should be unique per process (hostname+pid
// is typical); it is the value AtomicClaim tags claimed rows with.
func New(workerID string, transactions txstore.Store, contracts contractstore.Store, executor *effects.Executor, newEngine EngineFactory, appealEngine *appeal.Engine, cfg Config, log *zap.Logger) *Pool {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 200 * time.Millisecond
	}
	if cfg.MaxConcurrentClaims <= 0 {
		cfg.MaxConcurrentClaims = 16
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	return &Pool{
		id:           workerID,
		transactions: transactions,
		contracts:    contracts,
		executor:     executor,
		newEngine:    newEngine,
		appealEngine: appealEngine,
		cfg:          cfg,
		log:          log,
		health:       &healthTracker{threshold: cfg.UnhealthyThreshold},
		sem:          make(chan struct{}, cfg.MaxConcurrentClaims),
	}
}

// Healthy reports whether the executor failure streak is below threshold
// (spec.md §4.6, "Executor health tracking"). The health endpoint
// (cmd/consensusd) calls this directly.
func (p *Pool) Healthy() bool { return p.health.healthy() }

// Start launches the pending scanner, the appeal scanner, and runs crash
// recovery once before either scanner's first tick.
func (p *Pool) Start(ctx context.Context) error {
	err := ErrPoolAlreadyRunning
	p.startOnce.Do(func() {
		if p.isRunning.Load() {
			return
		}
		err = nil
		p.ctx, p.cancel = context.WithCancel(ctx)
		if recErr := p.recoverCrashed(p.ctx); recErr != nil {
			p.log.Error("crash recovery failed", zap.Error(recErr))
		}
		p.isRunning.Store(true)
		p.wg.Add(2)
		go p.runLoop("pending scanner", p.scanPending)
		go p.runLoop("appeal scanner", p.scanAppeals)
		p.log.Info("worker pool started", zap.String("worker_id", p.id))
	})
	return err
}

// Stop cancels the scanner loops and waits for any in-flight transaction
// processing to return.
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		if !p.isRunning.Load() {
			err = ErrPoolNotRunning
			return
		}
		p.cancel()
		p.wg.Wait()
		p.isRunning.Store(false)
		p.log.Info("worker pool stopped", zap.String("worker_id", p.id))
	})
	return err
}

func (p *Pool) runLoop(name string, tick func(ctx context.Context)) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.log.Debug("scanner stopped", zap.String("scanner", name))
			return
		case <-ticker.C:
			tick(p.ctx)
		}
	}
}

// scanPending implements spec.md §4.6 step 1: group Pending transactions
// by contract, attempt atomic_claim on the oldest of each group, and
// dispatch winners to their own goroutine.
func (p *Pool) scanPending(ctx context.Context) {
	pending, err := p.transactions.GetPendingTransactions(ctx, 0)
	if err != nil {
		p.log.Error("pending scan failed", zap.Error(err))
		return
	}
	for _, tx := range oldestPerContract(pending) {
		select {
		case p.sem <- struct{}{}:
		default:
			continue // pool saturated this tick; retried on the next one
		}
		p.wg.Add(1)
		go func(tx domain.Transaction) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.claimAndRun(ctx, tx)
		}(tx)
	}
}

// oldestPerContract groups by To address and keeps only the smallest
// CreatedAt per group — the candidate the pending scanner is allowed to
// claim this tick (spec.md §4.6 step 1, §5's per-contract serialization).
func oldestPerContract(pending []domain.Transaction) []domain.Transaction {
	byContract := make(map[domain.Address]domain.Transaction, len(pending))
	for _, tx := range pending {
		cur, ok := byContract[tx.To]
		if !ok || tx.CreatedAt.Before(cur.CreatedAt) {
			byContract[tx.To] = tx
		}
	}
	out := make([]domain.Transaction, 0, len(byContract))
	for _, tx := range byContract {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// claimAndRun enforces the single-in-flight-per-contract invariant (no
// other transaction for tx.To may already be in process), claims, runs
// the consensus engine to a terminal outcome, and applies its effects.
func (p *Pool) claimAndRun(ctx context.Context, tx domain.Transaction) {
	inProcess, err := p.transactions.GetTransactionsInProcessByContract(ctx, tx.To)
	if err != nil {
		p.log.Error("in-process check failed", zap.Stringer("tx", tx.Hash), zap.Error(err))
		return
	}
	if len(inProcess) > 0 {
		return
	}

	won, err := p.transactions.AtomicClaim(ctx, tx.Hash, p.id)
	if err != nil {
		p.log.Error("claim failed", zap.Stringer("tx", tx.Hash), zap.Error(err))
		return
	}
	if !won {
		return
	}

	claimed, err := p.transactions.GetByHash(ctx, tx.Hash)
	if err != nil {
		p.log.Error("reload after claim failed", zap.Stringer("tx", tx.Hash), zap.Error(err))
		return
	}

	engine := p.newEngine()
	outcome, err := engine.Run(ctx, claimed, nil)
	if err != nil {
		p.handleEngineFailure(ctx, claimed.Hash, err)
		return
	}
	p.health.recordSuccess()

	if err := p.executor.Apply(ctx, outcome.Effects); err != nil {
		p.log.Error("apply effects failed, releasing to pending", zap.Stringer("tx", tx.Hash), zap.Error(err))
		if releaseErr := p.transactions.UpdateStatus(ctx, tx.Hash, domain.StatusPending); releaseErr != nil {
			p.log.Error("release after failed apply also failed", zap.Stringer("tx", tx.Hash), zap.Error(releaseErr))
		}
	}
}

// handleEngineFailure applies spec.md §7's "executor infrastructure
// error" rule for the leader path: release the transaction back to
// Pending for another worker to retry, and count the failure toward the
// unhealthy streak.
func (p *Pool) handleEngineFailure(ctx context.Context, hash domain.Hash, err error) {
	p.health.recordFailure()
	var infraErr *noderunner.InternalExecutorError
	if errors.As(err, &infraErr) {
		p.log.Warn("leader infrastructure error, releasing transaction", zap.Stringer("tx", hash), zap.Error(err))
	} else {
		p.log.Error("consensus engine run failed, releasing transaction", zap.Stringer("tx", hash), zap.Error(err))
	}
	if releaseErr := p.transactions.UpdateStatus(ctx, hash, domain.StatusPending); releaseErr != nil {
		p.log.Error("release after engine failure also failed", zap.Stringer("tx", hash), zap.Error(releaseErr))
	}
}

// scanAppeals implements spec.md §4.6 step 2: dispatch every appealed,
// still-open transaction to the Appeal Engine and apply its effects.
func (p *Pool) scanAppeals(ctx context.Context) {
	if p.appealEngine == nil {
		return
	}
	candidates, err := p.transactions.GetAppealedTransactions(ctx)
	if err != nil {
		p.log.Error("appeal scan failed", zap.Error(err))
		return
	}
	for i := range candidates {
		tx := candidates[i]
		p.wg.Add(1)
		go func(tx domain.Transaction) {
			defer p.wg.Done()
			outcome, err := p.appealEngine.Process(ctx, &tx)
			if err != nil {
				if !errors.Is(err, appeal.ErrWindowClosed) {
					p.log.Error("appeal processing failed", zap.Stringer("tx", tx.Hash), zap.Error(err))
				}
				return
			}
			if err := p.executor.Apply(ctx, outcome.Effects); err != nil {
				p.log.Error("apply appeal effects failed", zap.Stringer("tx", tx.Hash), zap.Error(err))
			}
		}(tx)
	}
}

// recoverCrashed implements spec.md §8's startup recovery routine: every
// transaction stuck in a non-Pending, non-terminal status is rolled back
// to Pending (or Canceled, if its contract never finished deploying)
// along with every strictly-newer transaction on the same contract.
func (p *Pool) recoverCrashed(ctx context.Context) error {
	pending, err := p.transactions.GetPendingTransactions(ctx, 0)
	if err != nil {
		return fmt.Errorf("worker: list pending for recovery scan: %w", err)
	}
	contracts := make(map[domain.Address]struct{})
	for _, tx := range pending {
		contracts[tx.To] = struct{}{}
	}
	stuckByContract, err := p.stuckTransactions(ctx, contracts)
	if err != nil {
		return err
	}

	for contract, stuck := range stuckByContract {
		exists, err := p.contracts.Exists(ctx, contract)
		if err != nil {
			return fmt.Errorf("worker: check contract %s exists: %w", contract.Hex(), err)
		}
		if !exists {
			for _, tx := range stuck {
				if err := p.transactions.UpdateStatus(ctx, tx.Hash, domain.StatusCanceled); err != nil {
					return fmt.Errorf("worker: cancel orphaned transaction %x: %w", tx.Hash, err)
				}
			}
			continue
		}

		oldest := stuck[0]
		for _, tx := range stuck[1:] {
			if tx.CreatedAt.Before(oldest.CreatedAt) {
				oldest = tx
			}
		}
		if err := p.restoreContractFromLastGoodReceipt(ctx, contract, oldest.CreatedAt); err != nil {
			return err
		}

		newer, err := p.transactions.GetNewerTransactions(ctx, contract, oldest.CreatedAt.Add(-time.Nanosecond))
		if err != nil {
			return fmt.Errorf("worker: list newer transactions for %s: %w", contract.Hex(), err)
		}
		toReset := dedupByHash(append(stuck, newer...))
		for _, tx := range toReset {
			if err := p.executor.Apply(ctx, resetForCrashRecovery(tx.Hash)); err != nil {
				return fmt.Errorf("worker: reset stuck transaction %x: %w", tx.Hash, err)
			}
		}
		p.log.Info("recovered stuck transactions", zap.String("contract", contract.Hex()), zap.Int("count", len(toReset)))
	}
	return nil
}

// stuckTransactions enumerates every in-process (Activated/Proposing/
// Committing/Revealing) transaction grouped by contract, covering both
// contracts that also have Pending work and contracts that don't.
func (p *Pool) stuckTransactions(ctx context.Context, knownContracts map[domain.Address]struct{}) (map[domain.Address][]domain.Transaction, error) {
	out := make(map[domain.Address][]domain.Transaction)
	seen := make(map[domain.Address]bool)
	check := func(contract domain.Address) error {
		if seen[contract] {
			return nil
		}
		seen[contract] = true
		inProcess, err := p.transactions.GetTransactionsInProcessByContract(ctx, contract)
		if err != nil {
			return err
		}
		if len(inProcess) > 0 {
			out[contract] = inProcess
		}
		return nil
	}
	for contract := range knownContracts {
		if err := check(contract); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// restoreContractFromLastGoodReceipt restores the contract's Accepted
// generation from the most recent transaction that completed before the
// stuck one. Persisted receipts always carry a stripped (empty)
// ContractState (spec.md §3's storage discipline), so the last good
// snapshot comes from that earlier transaction's own ContractSnapshot —
// the same field the Appeal Engine rolls back to — rather than from
// consensus_data.leader_receipt[0].contract_state as spec.md's literal
// text suggests; that field is unusable once persisted.
func (p *Pool) restoreContractFromLastGoodReceipt(ctx context.Context, contract domain.Address, before time.Time) error {
	prev, err := p.transactions.GetPreviousTransaction(ctx, contract, before)
	if err != nil {
		return fmt.Errorf("worker: find last good transaction for %s: %w", contract.Hex(), err)
	}
	if prev == nil || prev.ContractSnapshot == nil {
		return nil
	}
	return p.contracts.RestoreAccepted(ctx, *prev.ContractSnapshot)
}

func dedupByHash(txs []domain.Transaction) []domain.Transaction {
	seen := make(map[domain.Hash]bool, len(txs))
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if seen[tx.Hash] {
			continue
		}
		seen[tx.Hash] = true
		out = append(out, tx)
	}
	return out
}

// resetForCrashRecovery clears a stuck transaction's round state and
// rolls it back to Pending. Unlike an appeal rollback, crash recovery
// also clears consensus history: spec.md §4.6 lists it explicitly among
// the fields a crash recovery reset clears, where §4.5's appeal rollback
// says history "is preserved".
func resetForCrashRecovery(hash domain.Hash) []domain.Effect {
	return []domain.Effect{
		domain.StatusUpdateEffect{TxHash: hash, NewStatus: domain.StatusPending, UpdateCurrentStatusChanges: true},
		domain.SetTransactionResultEffect{TxHash: hash, ConsensusData: domain.ConsensusData{}},
		domain.SetContractSnapshotEffect{TxHash: hash, Snapshot: domain.ContractSnapshot{}},
		domain.SetAppealEffect{TxHash: hash, Appealed: false},
		domain.SetAppealUndeterminedEffect{TxHash: hash, Value: false},
		domain.SetAppealLeaderTimeoutEffect{TxHash: hash, Value: false},
		domain.SetAppealValidatorsTimeoutEffect{TxHash: hash, Value: false},
		domain.ResetRotationCountEffect{TxHash: hash},
		domain.ResetAppealProcessingTimeEffect{TxHash: hash},
		domain.SetTimestampAppealEffect{TxHash: hash, Value: 0},
		domain.SetTimestampLastVoteEffect{TxHash: hash},
		domain.SetLeaderTimeoutValidatorsEffect{TxHash: hash, Validators: nil},
		domain.ClearConsensusHistoryEffect{TxHash: hash},
	}
}

// healthTracker counts consecutive executor failures (spec.md §4.6,
// "Executor health tracking").
type healthTracker struct {
	mu        sync.Mutex
	streak    int
	threshold int
}

func (h *healthTracker) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streak = 0
}

func (h *healthTracker) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streak++
}

func (h *healthTracker) healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streak < h.threshold
}
