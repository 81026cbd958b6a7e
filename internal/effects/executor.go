// Package effects implements C4, the Effect Executor: the single
// component allowed to mutate persistent state, driven by a closed set of
// Effect values produced by the pure consensus state-machine step
// function (spec.md §4.3, §9).
package effects

import (
	"context"
	"fmt"
	"time"

	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/eventbus"
	"github.com/nondetchain/consensus-core/internal/txstore"
)

// TransactionEnqueuer is the subset of txstore.Store the executor needs to
// insert a triggered transaction, kept narrow so tests can stub it
// without building a full store.
type TransactionEnqueuer interface {
	Insert(ctx context.Context, tx *domain.Transaction) (domain.Hash, error)
}

// Executor applies Effects against the transaction store, contract store,
// and event bus. It is intentionally the only place in the module that
// performs these writes (spec.md §9, "a single, centralized... Effect
// Executor").
type Executor struct {
	Transactions txstore.Store
	Contracts    contractstore.Store
	Bus          eventbus.Publisher
}

// New builds an Executor over the given collaborators.
func New(transactions txstore.Store, contracts contractstore.Store, bus eventbus.Publisher) *Executor {
	return &Executor{Transactions: transactions, Contracts: contracts, Bus: bus}
}

// Apply executes effects in order, stopping at the first error. Ordering
// matters: later effects in a batch may assume earlier ones already
// landed (e.g. RegisterContract before an UpdateContractState targeting
// the same address).
func (e *Executor) Apply(ctx context.Context, batch []domain.Effect) error {
	for _, eff := range batch {
		if err := e.applyOne(ctx, eff); err != nil {
			return fmt.Errorf("effects: apply %T: %w", eff, err)
		}
	}
	return nil
}

// applyOne is the exhaustive type switch replacing the corpus's
// isinstance dispatch chain (spec.md §9's re-architecture guidance): the
// compiler, not a runtime else-branch, enforces that every Effect kind is
// handled.
func (e *Executor) applyOne(ctx context.Context, eff domain.Effect) error {
	switch v := eff.(type) {

	case domain.AddTimestampEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			// there is no per-state timestamp field: the transaction is
			// written back unchanged and nothing is appended or logged.
			return nil
		})

	case domain.StatusUpdateEffect:
		if err := e.Transactions.UpdateStatus(ctx, v.TxHash, v.NewStatus); err != nil {
			return err
		}
		e.publish(eventbus.Event{
			Name:    "transaction_status_updated",
			TxHash:  v.TxHash,
			Message: fmt.Sprintf("%s %s", v.NewStatus, v.TxHash),
			Data:    map[string]any{"new_status": string(v.NewStatus)},
		})
		return nil

	case domain.SendMessageEffect:
		e.publish(eventbus.Event{
			Name:          v.EventName,
			TxHash:        v.TxHash,
			Message:       v.Message,
			Data:          v.Data,
			LogToTerminal: v.LogToTerminal,
		})
		return nil

	case domain.EmitRollupEventEffect:
		e.publish(eventbus.Event{
			Name:    v.EventName,
			TxHash:  v.TxHash,
			Account: v.Account,
			Data:    map[string]any{"extra_args": v.ExtraArgs},
		})
		return nil

	case domain.DBWriteEffect:
		return e.dbWrite(ctx, v)

	case domain.RegisterContractEffect:
		return e.Contracts.Register(ctx, v.Address, v.Code)

	case domain.UpdateContractStateEffect:
		if v.AcceptedState != nil {
			if err := e.Contracts.UpdateAccepted(ctx, v.Address, v.AcceptedState); err != nil {
				return err
			}
		}
		if v.FinalizedState != nil {
			if err := e.Contracts.UpdateFinalized(ctx, v.Address, v.FinalizedState); err != nil {
				return err
			}
		}
		return nil

	case domain.InsertTriggeredTransactionEffect:
		tx := &domain.Transaction{
			From:                   v.From,
			To:                     v.To,
			Data:                   v.Data,
			Value:                  v.Value,
			Type:                   v.Type,
			Nonce:                  v.Nonce,
			LeaderOnly:             v.LeaderOnly,
			NumOfInitialValidators: v.NumOfInitialValidators,
			ConfigRotationRounds:   v.ConfigRotationRounds,
			TriggeredByHash:        &v.TriggeredByHash,
			TriggeredOn:            v.TriggeredOn,
			CreatedAt:              nowFunc(),
		}
		_, err := e.Transactions.Insert(ctx, tx)
		return err

	case domain.UpdateConsensusHistoryEffect:
		var strippedLeader *domain.Receipt
		if v.LeaderReceipt != nil {
			stripped := v.LeaderReceipt.StripContractState()
			strippedLeader = &stripped
		}
		return e.Transactions.UpdateConsensusHistory(ctx, v.TxHash, domain.ConsensusHistoryRound{
			RoundLabel:        v.RoundLabel,
			LeaderReceipt:     strippedLeader,
			ValidationResults: stripAllReceipts(v.ValidationResults),
			ResultingStatus:   v.NewStatus,
			RecordedAt:        nowFunc(),
		})

	case domain.ClearConsensusHistoryEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.ConsensusHistory = domain.ConsensusHistory{}
			return nil
		})

	case domain.SetTransactionResultEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			data := v.ConsensusData
			tx.ConsensusData = &data
			return nil
		})

	case domain.SetAppealEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.Appealed = v.Appealed
			return nil
		})

	case domain.SetAppealUndeterminedEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.AppealUndetermined = v.Value
			return nil
		})

	case domain.SetAppealLeaderTimeoutEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.AppealLeaderTimeout = v.Value
			return nil
		})

	case domain.SetAppealValidatorsTimeoutEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.AppealValidatorsTimeout = v.Value
			return nil
		})

	case domain.SetAppealFailedEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.AppealFailed = v.Count
			return nil
		})

	case domain.SetAppealProcessingTimeEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.AppealProcessingTime += nowFunc().UnixMilli() - tx.TimestampAppeal
			return nil
		})

	case domain.ResetAppealProcessingTimeEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.AppealProcessingTime = 0
			return nil
		})

	case domain.SetTimestampAppealEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.TimestampAppeal = v.Value
			return nil
		})

	case domain.SetTimestampAwaitingFinalizationEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			// seconds, not milliseconds: appeal.Engine.WindowOpen and the
			// finalization scanner both compare this against
			// window_seconds directly (spec.md §4.5, §4.6).
			tx.TimestampAwaitingFinalization = nowFunc().Unix()
			return nil
		})

	case domain.SetTimestampLastVoteEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.TimestampLastVote = nowFunc().Unix()
			return nil
		})

	case domain.SetContractSnapshotEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			snap := v.Snapshot
			tx.ContractSnapshot = &snap
			return nil
		})

	case domain.SetLeaderTimeoutValidatorsEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.LeaderTimeoutValidators = v.Validators
			return nil
		})

	case domain.ResetRotationCountEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.RotationCount = 0
			return nil
		})

	case domain.IncreaseRotationCountEffect:
		return e.Transactions.Update(ctx, v.TxHash, func(tx *domain.Transaction) error {
			tx.RotationCount++
			return nil
		})

	default:
		return fmt.Errorf("effects: unknown effect type %T", eff)
	}
}

func (e *Executor) dbWrite(ctx context.Context, v domain.DBWriteEffect) error {
	switch v.MethodName {
	case "noop":
		return nil
	default:
		return fmt.Errorf("effects: unrecognized DBWrite method %q", v.MethodName)
	}
}

func (e *Executor) publish(evt eventbus.Event) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(evt)
}

// nowFunc is a package-level indirection so tests can freeze time without
// threading a clock through every Effect.
var nowFunc = time.Now

// stripAllReceipts strips ContractState from every receipt before a
// ConsensusHistoryRound is persisted (spec.md §3, §8: "for all persisted
// receipts in consensus_data and consensus_history, contract_state is the
// empty map").
func stripAllReceipts(receipts []domain.Receipt) []domain.Receipt {
	if receipts == nil {
		return nil
	}
	out := make([]domain.Receipt, len(receipts))
	for i, r := range receipts {
		out[i] = r.StripContractState()
	}
	return out
}
