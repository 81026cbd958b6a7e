// Package consensusfsm implements C6, the Consensus State Machine: the
// per-transaction round lifecycle from Proposing through Accepted (or one
// of the timeout/undetermined terminal statuses), including leader
// rotation (spec.md §4.3).
package consensusfsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/vrf"
)

// Selector picks a validator set for one round. It is satisfied by
// vrf.Select/vrf.SelectWithReuse bound to a concrete pool.
type Selector interface {
	Select(ctx context.Context, tx *domain.Transaction, round int) ([]domain.Validator, error)
}

// Invoker runs a single validator's execution and returns its Receipt. It
// is satisfied by noderunner.Runner.Invoke (kept as an interface here so
// this package does not import genvmclient transport types).
type Invoker interface {
	Invoke(ctx context.Context, tx *domain.Transaction, validator domain.Validator, leaderReceipt *domain.Receipt, proxy any) (domain.Receipt, error)
}

// Config bounds the rotation and per-validator timeout behavior (spec.md
// §4.3, §5, §6.6).
type Config struct {
	RotationRounds       int           // R: rotations allowed before Undetermined
	ValidatorExecTimeout time.Duration // soft cap
	ValidatorHardTimeout time.Duration // hard cap, default 1.5x soft, capped at 600s
}

// ContractSnapshotter captures a contract's current accepted state. It is
// satisfied by contractstore.Store (via a thin adapter, since Snapshot
// isn't itself a Store method — see contractstore.Get + ContractAccount.Snapshot).
type ContractSnapshotter interface {
	Snapshot(ctx context.Context, contract domain.Address) (domain.ContractSnapshot, error)
}

// ProxyBuilder constructs the per-round state proxy handed to every
// Invoke call's proxy parameter (spec.md §4.4, "a state proxy giving
// scoped access to the contract snapshot and cross-contract
// read-through"). It is satisfied by noderunner.NewContractStateProxy
// bound to a ContractReader. Engine accepts the result as `any` so this
// package never needs to import noderunner.StateProxy's definition.
type ProxyBuilder interface {
	Build(ctx context.Context, contract domain.Address, snapshot domain.ContractSnapshot) (any, error)
}

// Engine drives one transaction through its consensus round(s). A single
// Engine instance is stateless across transactions; callers construct one
// per claimed transaction (mirroring how the corpus's ConsensusEngine is
// one-per-running-context rather than a shared singleton).
type Engine struct {
	selector  Selector
	invoker   Invoker
	snapshots ContractSnapshotter
	proxies   ProxyBuilder
	cfg       Config
}

// New builds an Engine.
func New(selector Selector, invoker Invoker, cfg Config) *Engine {
	if cfg.ValidatorHardTimeout == 0 {
		hard := time.Duration(float64(cfg.ValidatorExecTimeout) * 1.5)
		if hard > 600*time.Second {
			hard = 600 * time.Second
		}
		cfg.ValidatorHardTimeout = hard
	}
	return &Engine{selector: selector, invoker: invoker, cfg: cfg}
}

// WithContractSnapshots attaches the contract-snapshot source used to
// capture ContractSnapshot on first entry to Proposing (spec.md §3,
// "ContractSnapshot ... captured at the moment a transaction enters the
// proposing phase"). Omitting it (nil) is valid for tests that don't
// exercise appeal rollback; Run then emits an empty snapshot.
func (e *Engine) WithContractSnapshots(s ContractSnapshotter) *Engine {
	e.snapshots = s
	return e
}

// WithProxyBuilder attaches the state proxy builder passed through to
// every Invoke call this round (spec.md §4.4). Omitting it (nil) is valid
// for tests and leaves the proxy parameter nil, matching Invoke's
// behavior before a concrete StateProxy implementation existed.
func (e *Engine) WithProxyBuilder(b ProxyBuilder) *Engine {
	e.proxies = b
	return e
}

// Outcome is the terminal result of Run: a full effect list in apply
// order plus the transaction's resulting status, handed to the Effect
// Executor as one atomic batch (spec.md §4.7).
type Outcome struct {
	Effects []domain.Effect
	Status  domain.TransactionStatus
}

// Run drives tx from Proposing through rotations until the transaction is
// Accepted, Undetermined, LeaderTimeout, or ValidatorsTimeout (spec.md
// §4.3's state diagram). leaderReceiptOverride, when non-nil, replaces
// the normal leader invocation — used by the Appeal Engine (C7), which
// reuses the original leader's receipt as the comparison point for the
// augmented validator set (spec.md §4.5).
func (e *Engine) Run(ctx context.Context, tx *domain.Transaction, leaderReceiptOverride *domain.Receipt) (Outcome, error) {
	var effects []domain.Effect
	round := tx.RotationCount
	firstRound := true
	var snapshot domain.ContractSnapshot
	var proxy any

	for {
		effects = append(effects, domain.AddTimestampEffect{TxHash: tx.Hash, StateName: "Proposing"})
		effects = append(effects, domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusProposing, UpdateCurrentStatusChanges: true})

		if firstRound {
			firstRound = false
			if e.snapshots != nil {
				snap, err := e.snapshots.Snapshot(ctx, tx.To)
				if err != nil {
					return Outcome{}, fmt.Errorf("consensusfsm: snapshot contract %s: %w", tx.To.Hex(), err)
				}
				snapshot = snap
			}
			effects = append(effects, domain.SetContractSnapshotEffect{TxHash: tx.Hash, Snapshot: snapshot})
			if e.proxies != nil {
				p, err := e.proxies.Build(ctx, tx.To, snapshot)
				if err != nil {
					return Outcome{}, fmt.Errorf("consensusfsm: build state proxy for %s: %w", tx.To.Hex(), err)
				}
				proxy = p
			}
		}

		validators, err := e.selector.Select(ctx, tx, round)
		if err != nil {
			return Outcome{}, fmt.Errorf("consensusfsm: select validators: %w", err)
		}
		if len(validators) == 0 {
			return Outcome{}, fmt.Errorf("consensusfsm: selector returned no validators")
		}
		leaderValidator := validators[0]
		committee := validators[1:]

		var leaderReceipt domain.Receipt
		if leaderReceiptOverride != nil && round == tx.RotationCount {
			leaderReceipt = *leaderReceiptOverride
		} else {
			receipt, err := e.invoker.Invoke(ctx, tx, leaderValidator, nil, proxy)
			if err != nil {
				return Outcome{}, err // InternalExecutorError bubbles to the worker (spec.md §4.4 step 5)
			}
			leaderReceipt = receipt
		}

		effects = append(effects, domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusCommitting, UpdateCurrentStatusChanges: true})
		effects = append(effects, domain.AddTimestampEffect{TxHash: tx.Hash, StateName: "Committing"})

		validatorReceipts := e.collectValidatorReceipts(ctx, tx, committee, leaderReceipt, proxy)

		effects = append(effects, domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusRevealing, UpdateCurrentStatusChanges: true})
		effects = append(effects, domain.AddTimestampEffect{TxHash: tx.Hash, StateName: "Revealing"})
		effects = append(effects, domain.SetTimestampLastVoteEffect{TxHash: tx.Hash})

		decision := tally(validatorReceipts)

		consensusData := domain.ConsensusData{
			Votes:          votesByAddress(committee, validatorReceipts),
			LeaderReceipts: []domain.Receipt{leaderReceipt.StripContractState()},
			Validators:     stripAll(validatorReceipts),
		}

		switch decision {
		case decisionAccepted:
			effects = append(effects,
				domain.SetTransactionResultEffect{TxHash: tx.Hash, ConsensusData: consensusData},
				domain.UpdateConsensusHistoryEffect{TxHash: tx.Hash, RoundLabel: domain.RoundAccepted, LeaderReceipt: &leaderReceipt, ValidationResults: validatorReceipts},
				domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusAccepted, UpdateCurrentStatusChanges: true},
				domain.SetTimestampAwaitingFinalizationEffect{TxHash: tx.Hash},
				domain.ResetRotationCountEffect{TxHash: tx.Hash},
			)
			return Outcome{Effects: effects, Status: domain.StatusAccepted}, nil

		case decisionLeaderTimeout:
			effects = append(effects,
				domain.SetLeaderTimeoutValidatorsEffect{TxHash: tx.Hash, Validators: addressesOf(validators)},
				domain.UpdateConsensusHistoryEffect{TxHash: tx.Hash, RoundLabel: domain.RoundLeaderTimeout, LeaderReceipt: &leaderReceipt, ValidationResults: validatorReceipts},
				domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusLeaderTimeout, UpdateCurrentStatusChanges: true},
			)
			return Outcome{Effects: effects, Status: domain.StatusLeaderTimeout}, nil

		case decisionValidatorsTimeout:
			effects = append(effects,
				domain.UpdateConsensusHistoryEffect{TxHash: tx.Hash, RoundLabel: domain.RoundValidatorsTimeout, LeaderReceipt: &leaderReceipt, ValidationResults: validatorReceipts},
				domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusValidatorsTimeout, UpdateCurrentStatusChanges: true},
			)
			return Outcome{Effects: effects, Status: domain.StatusValidatorsTimeout}, nil

		case decisionNoMajority:
			round++
			if round-tx.RotationCount > e.cfg.RotationRounds {
				effects = append(effects,
					domain.UpdateConsensusHistoryEffect{TxHash: tx.Hash, RoundLabel: domain.RoundUndetermined, LeaderReceipt: &leaderReceipt, ValidationResults: validatorReceipts},
					domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusUndetermined, UpdateCurrentStatusChanges: true},
				)
				return Outcome{Effects: effects, Status: domain.StatusUndetermined}, nil
			}
			effects = append(effects,
				domain.IncreaseRotationCountEffect{TxHash: tx.Hash},
				domain.UpdateConsensusHistoryEffect{TxHash: tx.Hash, RoundLabel: domain.RoundLeaderRotation, LeaderReceipt: &leaderReceipt, ValidationResults: validatorReceipts},
			)
			// loop: re-propose with a new leader from the remaining pool
			leaderReceiptOverride = nil
			continue
		}
	}
}

type decision int

const (
	decisionAccepted decision = iota
	decisionNoMajority
	decisionLeaderTimeout
	decisionValidatorsTimeout
)

// tally applies spec.md §4.3's round-acceptance rule: strict majority
// Agree accepts; more than half Timeout is a ValidatorsTimeout.
func tally(receipts []domain.Receipt) decision {
	if len(receipts) == 0 {
		return decisionLeaderTimeout
	}
	var agree, timeout int
	for _, r := range receipts {
		switch r.Vote {
		case domain.VoteAgree:
			agree++
		case domain.VoteTimeout:
			timeout++
		}
	}
	if timeout*2 > len(receipts) {
		return decisionValidatorsTimeout
	}
	if agree*2 > len(receipts) {
		return decisionAccepted
	}
	return decisionNoMajority
}

// collectValidatorReceipts runs one Invoke per committee member
// concurrently, enforcing the per-validator hard deadline by recording an
// Idle receipt carrying CONSENSUS_VALIDATOR_EXEC_TIMEOUT on expiry rather
// than blocking the round (spec.md §4.3, "per-validator timeout"; §5,
// "Committing phase launches one sub-task per validator and waits for
// all with a deadline").
func (e *Engine) collectValidatorReceipts(ctx context.Context, tx *domain.Transaction, committee []domain.Validator, leaderReceipt domain.Receipt, proxy any) []domain.Receipt {
	receipts := make([]domain.Receipt, len(committee))
	var wg sync.WaitGroup
	for i, validator := range committee {
		wg.Add(1)
		go func(i int, validator domain.Validator) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.ValidatorHardTimeout)
			defer cancel()

			receipt, err := e.invoker.Invoke(callCtx, tx, validator, &leaderReceipt, proxy)
			if err != nil || callCtx.Err() != nil {
				receipts[i] = domain.Receipt{
					Vote:            domain.VoteIdle,
					ExecutionResult: domain.ExecutionError,
					ContractState:   map[string][]byte{},
					NodeConfig:      validator.NodeConfigFor(),
					GenVMResult:     &domain.GenVMResult{ErrorCode: "CONSENSUS_VALIDATOR_EXEC_TIMEOUT"},
				}
				return
			}
			receipts[i] = receipt
		}(i, validator)
	}
	wg.Wait()
	return receipts
}

func votesByAddress(committee []domain.Validator, receipts []domain.Receipt) map[domain.Address]domain.Vote {
	out := make(map[domain.Address]domain.Vote, len(committee))
	for i, v := range committee {
		if i < len(receipts) {
			out[v.Address] = receipts[i].Vote
		}
	}
	return out
}

func stripAll(receipts []domain.Receipt) []domain.Receipt {
	out := make([]domain.Receipt, len(receipts))
	for i, r := range receipts {
		out[i] = r.StripContractState()
	}
	return out
}

func addressesOf(validators []domain.Validator) []domain.Address {
	out := make([]domain.Address, len(validators))
	for i, v := range validators {
		out[i] = v.Address
	}
	return out
}

// DefaultSelector adapts vrf.Select/SelectWithReuse to the Selector
// interface for a fixed candidate pool and N.
type DefaultSelector struct {
	Pool         []domain.Validator
	N            int
	Mode         vrf.Mode
	PrevByTxHash map[domain.Hash][]domain.Validator
}

func (s *DefaultSelector) Select(_ context.Context, tx *domain.Transaction, round int) ([]domain.Validator, error) {
	n := s.N
	if tx.NumOfInitialValidators > 0 {
		n = tx.NumOfInitialValidators
	}
	if tx.AppealFailed > 0 {
		previous := s.PrevByTxHash[tx.Hash]
		return vrf.SelectWithReuse(s.Pool, previous, n, tx.AppealFailed, tx.Hash, round, s.Mode)
	}
	return vrf.Select(s.Pool, n+1, tx.Hash, round, s.Mode)
}
