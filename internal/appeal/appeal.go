// Package appeal implements C7, the Appeal Engine: window-gated
// re-opening of an Accepted (or Undetermined) transaction, validator-set
// augmentation, and — on success — rollback of the transaction and every
// strictly-newer transaction on the same contract (spec.md §4.5).
package appeal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nondetchain/consensus-core/internal/consensusfsm"
	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/txstore"
	"github.com/nondetchain/consensus-core/internal/vrf"
)

// ErrWindowClosed is returned by Process when the transaction's finality
// window has already elapsed.
var ErrWindowClosed = errors.New("appeal: finality window has closed")

// ErrNoLeaderReceipt is returned when a transaction has no recorded
// leader receipt to compare the augmented set against — it should never
// happen for an Accepted/Undetermined transaction, since both statuses
// are only reached after at least one round completed.
var ErrNoLeaderReceipt = errors.New("appeal: transaction has no leader receipt on record")

// Config bounds appeal processing.
type Config struct {
	WindowSeconds        int64
	ValidatorExecTimeout time.Duration
	ValidatorHardTimeout time.Duration
	Mode                 vrf.Mode
}

// Engine drives one appeal round.
type Engine struct {
	Transactions txstore.Store
	Contracts    contractstore.Store
	Invoker      consensusfsm.Invoker
	Pool         []domain.Validator
	cfg          Config
}

// New builds an Engine.
func New(transactions txstore.Store, contracts contractstore.Store, invoker consensusfsm.Invoker, pool []domain.Validator, cfg Config) *Engine {
	if cfg.ValidatorHardTimeout == 0 {
		hard := time.Duration(float64(cfg.ValidatorExecTimeout) * 1.5)
		if hard > 600*time.Second {
			hard = 600 * time.Second
		}
		cfg.ValidatorHardTimeout = hard
	}
	return &Engine{Transactions: transactions, Contracts: contracts, Invoker: invoker, Pool: pool, cfg: cfg}
}

// WindowOpen reports whether now is still within tx's finality/appeal
// window (spec.md §4.5: "now − timestamp_awaiting_finalization <
// window_seconds").
func (e *Engine) WindowOpen(tx *domain.Transaction, now time.Time) bool {
	elapsed := now.Unix() - tx.TimestampAwaitingFinalization
	return elapsed < e.cfg.WindowSeconds
}

// File marks tx as appealed (spec.md §4.5 step 1). The caller (the RPC
// façade's stand-in, cmd/txctl) is responsible for rejecting the request
// up front if WindowOpen is already false; File itself re-checks under
// the transaction's current state at apply time via Process.
func (e *Engine) File(ctx context.Context, hash domain.Hash) error {
	return e.Transactions.Update(ctx, hash, func(tx *domain.Transaction) error {
		tx.Appealed = true
		tx.TimestampAppeal = 0
		return nil
	})
}

// Outcome is the effect batch one appeal round produces.
type Outcome struct {
	Effects  []domain.Effect
	Accepted bool // true if the appeal succeeded (rollback), false if it failed (restored)
}

// Process runs one appeal round for tx: selects the extra validator set
// per spec.md §4.2 keyed on tx.AppealFailed, runs them against the
// recorded leader receipt, and tallies the combined vote set (spec.md
// §4.5 steps 2-5).
func (e *Engine) Process(ctx context.Context, tx *domain.Transaction) (Outcome, error) {
	if !e.WindowOpen(tx, timeNow()) {
		return Outcome{}, ErrWindowClosed
	}
	leaderReceipt, ok := tx.ConsensusData.LeaderReceipt()
	if !ok {
		return Outcome{}, ErrNoLeaderReceipt
	}

	var effects []domain.Effect
	effects = append(effects, domain.SetAppealProcessingTimeEffect{TxHash: tx.Hash})

	previous := previousValidatorAddresses(tx)
	appealRound := tx.RotationCount + tx.AppealFailed + 1
	extra, err := vrf.SelectWithReuse(e.Pool, addressesToValidators(e.Pool, previous), tx.NumOfInitialValidators, tx.AppealFailed, tx.Hash, appealRound, e.cfg.Mode)
	if err != nil {
		return Outcome{}, fmt.Errorf("appeal: select extra validators: %w", err)
	}

	newReceipts := e.invokeExtra(ctx, tx, extra, leaderReceipt)

	allVotes := make([]domain.Vote, 0, len(tx.ConsensusData.Votes)+len(newReceipts))
	for _, v := range tx.ConsensusData.Votes {
		allVotes = append(allVotes, v)
	}
	for _, r := range newReceipts {
		allVotes = append(allVotes, r.Vote)
	}

	succeeded := appealSucceeds(allVotes)

	if !succeeded {
		effects = append(effects,
			domain.SetAppealFailedEffect{TxHash: tx.Hash, Count: tx.AppealFailed + 1},
			domain.SetAppealEffect{TxHash: tx.Hash, Appealed: false},
			domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusAccepted, UpdateCurrentStatusChanges: true},
			domain.SetTimestampAwaitingFinalizationEffect{TxHash: tx.Hash},
			domain.UpdateConsensusHistoryEffect{TxHash: tx.Hash, RoundLabel: domain.RoundAppealFailed, LeaderReceipt: &leaderReceipt, ValidationResults: newReceipts},
			domain.ResetAppealProcessingTimeEffect{TxHash: tx.Hash},
		)
		return Outcome{Effects: effects, Accepted: false}, nil
	}

	effects = append(effects,
		domain.SetAppealEffect{TxHash: tx.Hash, Appealed: false},
		domain.UpdateConsensusHistoryEffect{TxHash: tx.Hash, RoundLabel: domain.RoundAppealSuccessful, LeaderReceipt: &leaderReceipt, ValidationResults: newReceipts},
		domain.ResetAppealProcessingTimeEffect{TxHash: tx.Hash},
	)

	rollbackEffects, err := e.rollback(ctx, tx)
	if err != nil {
		return Outcome{}, err
	}
	effects = append(effects, rollbackEffects...)

	return Outcome{Effects: effects, Accepted: true}, nil
}

// rollback restores tx's contract to its pre-round snapshot and
// re-enqueues tx plus every strictly-newer same-contract transaction as
// Pending, in created_at ascending order (spec.md §4.5 step 5).
func (e *Engine) rollback(ctx context.Context, tx *domain.Transaction) ([]domain.Effect, error) {
	if tx.ContractSnapshot == nil {
		return nil, fmt.Errorf("appeal: transaction %x has no contract snapshot to roll back to", tx.Hash)
	}
	var effects []domain.Effect
	effects = append(effects, domain.UpdateContractStateEffect{
		Address:       tx.ContractSnapshot.Address,
		AcceptedState: tx.ContractSnapshot.State,
	})

	newer, err := e.Transactions.GetNewerTransactions(ctx, tx.To, tx.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("appeal: list newer transactions: %w", err)
	}

	toReset := append([]domain.Transaction{*tx}, newer...)
	for _, descendant := range toReset {
		effects = append(effects, resetForReplay(descendant.Hash)...)
	}
	return effects, nil
}

// resetForReplay builds the effect list that clears one transaction's
// round state so it can be picked up fresh as Pending (spec.md §4.5).
// Consensus history is left in place; the worker's crash-recovery reset
// differs in that it also clears the history.
func resetForReplay(hash domain.Hash) []domain.Effect {
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
	}
}

func (e *Engine) invokeExtra(ctx context.Context, tx *domain.Transaction, extra []domain.Validator, leaderReceipt domain.Receipt) []domain.Receipt {
	receipts := make([]domain.Receipt, len(extra))
	for i, validator := range extra {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ValidatorHardTimeout)
		receipt, err := e.Invoker.Invoke(callCtx, tx, validator, &leaderReceipt, nil)
		cancel()
		if err != nil {
			receipts[i] = domain.Receipt{Vote: domain.VoteIdle, ExecutionResult: domain.ExecutionError, ContractState: map[string][]byte{}}
			continue
		}
		receipts[i] = receipt
	}
	return receipts
}

// appealSucceeds applies spec.md §4.5 step 4/5: the appeal fails (keep
// Accepted) when a strict majority of all votes cast so far still Agree;
// it succeeds (roll back) when a strict majority Disagree or flag a
// DeterministicViolation. A vote set with no strict majority either way
// is treated as a failure — conservative, since rolling back on an
// inconclusive signal would undo an already-finalized-looking outcome on
// weaker evidence than the original acceptance required.
func appealSucceeds(votes []domain.Vote) bool {
	if len(votes) == 0 {
		return false
	}
	var agree, contrary int
	for _, v := range votes {
		switch v {
		case domain.VoteAgree:
			agree++
		case domain.VoteDisagree, domain.VoteDeterministicViolation:
			contrary++
		}
	}
	if agree*2 > len(votes) {
		return false
	}
	return contrary*2 > len(votes)
}

// previousValidatorAddresses returns the committee to reuse as the base
// for vrf.SelectWithReuse. An Accepted/Undetermined transaction carries
// this in ConsensusData.Votes; a LeaderTimeout transaction never gets a
// ConsensusData (spec.md §4.3), so its committee is recovered from
// LeaderTimeoutValidators instead (spec.md §4.2, §4.5).
func previousValidatorAddresses(tx *domain.Transaction) []domain.Address {
	if tx.ConsensusData != nil && len(tx.ConsensusData.Votes) > 0 {
		out := make([]domain.Address, 0, len(tx.ConsensusData.Votes))
		for addr := range tx.ConsensusData.Votes {
			out = append(out, addr)
		}
		return out
	}
	return tx.LeaderTimeoutValidators
}

func addressesToValidators(pool []domain.Validator, addrs []domain.Address) []domain.Validator {
	byAddr := make(map[domain.Address]domain.Validator, len(pool))
	for _, v := range pool {
		byAddr[v.Address] = v
	}
	out := make([]domain.Validator, 0, len(addrs))
	for _, a := range addrs {
		if v, ok := byAddr[a]; ok {
			out = append(out, v)
		}
	}
	return out
}

// timeNow is indirected so tests can fake the clock without relying on
// wall-clock sleeps (package-level var, matching the teacher's own
// nowFunc idiom used in internal/effects).
var timeNow = time.Now
