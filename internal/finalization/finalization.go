// Package finalization implements C9, the Finalization Loop: promotion of
// Accepted transactions to Finalized once their appeal window has closed
// and, if they have one, their parent transaction has itself finalized
// (spec.md §4.6 step 3).
package finalization

import (
	"context"
	"fmt"
	"time"

	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/txstore"
)

// Config bounds the finality window.
type Config struct {
	WindowSeconds int64
}

// Engine evaluates one transaction's readiness to finalize and, when
// ready, builds the promotion effect list.
type Engine struct {
	Transactions txstore.Store
	Contracts    contractstore.Store
	cfg          Config
}

// New builds an Engine.
func New(transactions txstore.Store, contracts contractstore.Store, cfg Config) *Engine {
	return &Engine{Transactions: transactions, Contracts: contracts, cfg: cfg}
}

// Ready reports whether tx's window has elapsed and, if it has a parent
// (triggered_by_hash), that parent is already Finalized (spec.md §4.6
// step 3).
func (e *Engine) Ready(ctx context.Context, tx *domain.Transaction, now time.Time) (bool, error) {
	elapsed := now.Unix() - tx.TimestampAwaitingFinalization
	if elapsed < e.cfg.WindowSeconds {
		return false, nil
	}
	if tx.TriggeredByHash == nil {
		return true, nil
	}
	parent, err := e.Transactions.GetByHash(ctx, *tx.TriggeredByHash)
	if err != nil {
		return false, fmt.Errorf("finalization: load parent %x: %w", *tx.TriggeredByHash, err)
	}
	return parent.Status == domain.StatusFinalized, nil
}

// Promote builds the effect list that finalizes tx: StatusUpdate
// (Finalized), EmitRollupEvent, copying the contract's current Accepted
// generation into Finalized, and inserting any `on=finalized` pending
// follow-up calls the leader's receipt queued (spec.md §4.6 step 3).
func (e *Engine) Promote(ctx context.Context, tx *domain.Transaction) ([]domain.Effect, error) {
	effects := []domain.Effect{
		domain.StatusUpdateEffect{TxHash: tx.Hash, NewStatus: domain.StatusFinalized, UpdateCurrentStatusChanges: true},
		domain.EmitRollupEventEffect{TxHash: tx.Hash, EventName: "transaction_finalized", Account: tx.To},
	}

	account, err := e.Contracts.Get(ctx, tx.To)
	if err != nil {
		return nil, fmt.Errorf("finalization: load contract %s: %w", tx.To.Hex(), err)
	}
	effects = append(effects, domain.UpdateContractStateEffect{Address: tx.To, FinalizedState: account.Accepted.Clone()})

	leaderReceipt, ok := tx.ConsensusData.LeaderReceipt()
	if ok {
		for _, pending := range leaderReceipt.PendingTransactions {
			if pending.On != domain.TriggeredOnFinalized {
				continue
			}
			effects = append(effects, domain.InsertTriggeredTransactionEffect{
				From:                   tx.To,
				To:                     pending.Address,
				Data:                   pending.Calldata,
				Value:                  pending.Value,
				Type:                   pendingTransactionType(pending),
				Nonce:                  pending.SaltNonce,
				NumOfInitialValidators: tx.NumOfInitialValidators,
				ConfigRotationRounds:   tx.ConfigRotationRounds,
				TriggeredByHash:        tx.Hash,
				TriggeredOn:            pending.On,
			})
		}
	}
	return effects, nil
}

func pendingTransactionType(p domain.PendingTransaction) domain.TransactionType {
	if p.IsDeploy() {
		return domain.TxDeployContract
	}
	return domain.TxRunContract
}
