package consensusfsm

import (
	"context"
	"errors"

	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
)

// ContractStoreSnapshotter adapts a contractstore.Store into a
// ContractSnapshotter by reading the account and projecting its current
// Accepted generation.
type ContractStoreSnapshotter struct {
	Contracts contractstore.Store
}

// Snapshot returns the empty ContractSnapshot, not an error, when contract
// has no account row yet — e.g. a DeployContract transaction's very first
// proposing round, before C4's RegisterContract effect has run.
func (s ContractStoreSnapshotter) Snapshot(ctx context.Context, contract domain.Address) (domain.ContractSnapshot, error) {
	account, err := s.Contracts.Get(ctx, contract)
	if errors.Is(err, contractstore.ErrNotFound) {
		return domain.ContractSnapshot{Address: contract}, nil
	}
	if err != nil {
		return domain.ContractSnapshot{}, err
	}
	return account.Snapshot(), nil
}

var _ ContractSnapshotter = ContractStoreSnapshotter{}
