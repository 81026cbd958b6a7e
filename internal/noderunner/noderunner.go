// Package noderunner implements C5, the Node Runner: wraps a single
// validator's invocation of the genvm sidecar and turns its raw output
// into a Receipt, applying the vote table against the leader's receipt
// when running as a validator (spec.md §4.3, §4.4).
package noderunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/genvmclient"
)

// InternalExecutorError is raised instead of a Receipt when the leader's
// run fails with a fatal infrastructure error (spec.md §4.4 step 5). The
// worker that receives this releases the transaction back to Pending for
// another worker to retry (spec.md §4.6, §7).
type InternalExecutorError struct {
	Code  genvmclient.ErrorCode
	Cause error
}

func (e *InternalExecutorError) Error() string {
	return fmt.Sprintf("noderunner: internal executor error (%s): %v", e.Code, e.Cause)
}

func (e *InternalExecutorError) Unwrap() error { return e.Cause }

// StateProxy gives a validator invocation scoped access to the contract
// being called: its code, its pre-round snapshot, and cross-contract
// read-through for ETH_CALL-style callbacks (spec.md §4.4, "a state
// proxy giving scoped access to the contract snapshot and cross-contract
// read-through").
type StateProxy interface {
	Code(ctx context.Context, contract domain.Address) ([]byte, error)
	Read(ctx context.Context, contract domain.Address, slot domain.StorageSlot) ([]byte, error)
	Write(ctx context.Context, contract domain.Address, slot domain.StorageSlot, value []byte) error
	Balance(ctx context.Context, account domain.Address) (uint64, error)
}

// Config bounds one validator invocation (spec.md §5, §6.6).
type Config struct {
	HostSocketAddr   string
	MaxExecutionTime time.Duration
	HardDeadline     time.Duration // default 1.5x MaxExecutionTime, capped at 600s
}

// Runner wraps a single validator invocation end to end.
type Runner struct {
	genvm *genvmclient.Client
	cfg   Config
}

// New builds a Runner over a genvm HTTP client.
func New(genvm *genvmclient.Client, cfg Config) *Runner {
	if cfg.HardDeadline == 0 {
		hard := time.Duration(float64(cfg.MaxExecutionTime) * 1.5)
		if hard > 600*time.Second {
			hard = 600 * time.Second
		}
		cfg.HardDeadline = hard
	}
	return &Runner{genvm: genvm, cfg: cfg}
}

// Invoke runs validator against transaction once. When leaderReceipt is
// nil, this invocation is the leader's own and its vote is always
// NotVoted; otherwise the returned Receipt's Vote is derived from the
// vote table in spec.md §4.3 against leaderReceipt.
// The proxy parameter is typed any, not StateProxy, so that *Runner
// satisfies consensusfsm.Invoker's method signature exactly (Go requires
// identical parameter types for interface satisfaction); callers that
// pass a concrete proxy should pass a StateProxy value, which Invoke
// type-asserts back out.
func (r *Runner) Invoke(ctx context.Context, tx *domain.Transaction, validator domain.Validator, leaderReceipt *domain.Receipt, proxy any) (domain.Receipt, error) {
	deadline := time.Now().Add(r.cfg.HardDeadline)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	mode := domain.ModeValidator
	if leaderReceipt == nil {
		mode = domain.ModeLeader
	}

	start := time.Now()
	run, err := r.genvm.Run(callCtx, genvmclient.RunRequest{
		Major:               0,
		Calldata:            tx.Data,
		IsSync:              true,
		CaptureOutput:       true,
		MaxExecutionMinutes: int(r.cfg.MaxExecutionTime.Minutes()),
		Timestamp:           tx.CreatedAt.Unix(),
	})
	if err != nil {
		return r.classifyFailure(mode, err)
	}

	poll, err := r.genvm.Poll(callCtx, run.ID)
	if err != nil {
		return r.classifyFailure(mode, err)
	}

	receipt := domain.Receipt{
		Calldata:        tx.Data,
		ExecutionResult: domain.ExecutionSuccess,
		Vote:            domain.VoteNotVoted,
		ContractState:   map[string][]byte{},
		NodeConfig:      validator.NodeConfigFor(),
		Mode:            mode,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		GenVMResult: &domain.GenVMResult{
			Stdout: poll.Stdout,
			Stderr: poll.Stderr,
		},
	}

	if mode == domain.ModeValidator {
		receipt.Vote = vote(receipt, *leaderReceipt)
	}
	return receipt, nil
}

// classifyFailure turns a genvm transport/module error into either a
// timeout-flavored Idle-bound receipt error or an InternalExecutorError,
// per spec.md §4.4 step 5 and §7's "executor infrastructure error" rule.
func (r *Runner) classifyFailure(mode domain.ExecutionMode, err error) (domain.Receipt, error) {
	var moduleErr *genvmclient.ModuleError
	if errors.As(err, &moduleErr) {
		code := genvmclient.Classify(moduleErr)
		if mode == domain.ModeLeader && moduleErr.IsFatal() {
			return domain.Receipt{}, &InternalExecutorError{Code: code, Cause: err}
		}
		return domain.Receipt{
			ExecutionResult: domain.ExecutionError,
			Vote:            domain.VoteIdle,
			ContractState:   map[string][]byte{},
			GenVMResult:     &domain.GenVMResult{ErrorCode: string(code), RawError: err.Error()},
		}, nil
	}
	if mode == domain.ModeLeader {
		return domain.Receipt{}, &InternalExecutorError{Code: genvmclient.ErrUnknown, Cause: err}
	}
	return domain.Receipt{
		ExecutionResult: domain.ExecutionError,
		Vote:            domain.VoteIdle,
		ContractState:   map[string][]byte{},
		GenVMResult:     &domain.GenVMResult{RawError: err.Error()},
	}, nil
}

// vote applies the table from spec.md §4.3.
func vote(validatorReceipt, leaderReceipt domain.Receipt) domain.Vote {
	if validatorReceipt.ResultCode == domain.ResultVMError && strings.HasPrefix(strings.ToLower(string(validatorReceipt.Result)), "timeout") {
		return domain.VoteTimeout
	}

	referenceMatch := validatorReceipt.ResultCode == leaderReceipt.ResultCode &&
		string(validatorReceipt.Result) == string(leaderReceipt.Result) &&
		validatorReceipt.ExecutionResult == leaderReceipt.ExecutionResult &&
		contractStateEqual(validatorReceipt.ContractState, leaderReceipt.ContractState) &&
		pendingTransactionsEqual(validatorReceipt.PendingTransactions, leaderReceipt.PendingTransactions)

	if validatorReceipt.ResultCode == domain.ResultVMError {
		return domain.VoteDisagree
	}

	if !referenceMatch {
		return domain.VoteDeterministicViolation
	}

	if validatorReceipt.NondetDisagree != nil {
		return domain.VoteDisagree
	}
	return domain.VoteAgree
}

func contractStateEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || string(v) != string(other) {
			return false
		}
	}
	return true
}

func pendingTransactionsEqual(a, b []domain.PendingTransaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Address != b[i].Address || string(a[i].Calldata) != string(b[i].Calldata) {
			return false
		}
	}
	return true
}
