package noderunner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/domain"
)

// ContractReader is the read-only slice of contractstore.Store the state
// proxy needs for cross-contract reads (spec.md §4.4, "cross-contract
// read-through for ETH_CALL-style callbacks"). It is satisfied directly by
// contractstore.Store.
type ContractReader interface {
	Get(ctx context.Context, address domain.Address) (*domain.ContractAccount, error)
}

// contractStateProxy is the StateProxy handed to one round's Invoke calls.
// Reads of the contract under consensus are served from its captured
// ContractSnapshot, so every validator in the round sees the same
// pre-round state regardless of what the Effect Executor does concurrently
// with the Accepted generation; reads of any other contract fall through
// to the live Accepted generation via ContractReader.
//
// decoded holds the slot values already pulled out of State for this
// contract, keyed by slot, so the concurrent validator invocations
// consensusfsm.Engine.collectValidatorReceipts fans out don't all re-walk
// the same map (spec.md §5, "a sync.Map-based cache of decoded slot
// values scoped to one round").
type contractStateProxy struct {
	contract  domain.Address
	snapshot  domain.ContractSnapshot
	contracts ContractReader
	decoded   sync.Map // domain.StorageSlot -> []byte
}

// NewContractStateProxy builds a StateProxy over contract's pre-round
// snapshot, reading through to contracts for any other address a callback
// touches.
func NewContractStateProxy(contract domain.Address, snapshot domain.ContractSnapshot, contracts ContractReader) StateProxy {
	return &contractStateProxy{contract: contract, snapshot: snapshot, contracts: contracts}
}

func (p *contractStateProxy) Code(ctx context.Context, contract domain.Address) ([]byte, error) {
	if contract == p.contract {
		return p.snapshot.Code, nil
	}
	account, err := p.contracts.Get(ctx, contract)
	if err != nil {
		return nil, err
	}
	return account.Code, nil
}

func (p *contractStateProxy) Read(ctx context.Context, contract domain.Address, slot domain.StorageSlot) ([]byte, error) {
	if contract != p.contract {
		account, err := p.contracts.Get(ctx, contract)
		if err != nil {
			return nil, err
		}
		return account.Accepted[slot], nil
	}
	if cached, ok := p.decoded.Load(slot); ok {
		return cached.([]byte), nil
	}
	value := p.snapshot.State[slot]
	p.decoded.Store(slot, value)
	return value, nil
}

// Write always fails: the snapshot this proxy reads from is immutable for
// the life of the round, and the only path contract storage actually
// changes through is the leader's Receipt.ContractState via the Effect
// Executor (spec.md §4.4, §4.7).
func (p *contractStateProxy) Write(ctx context.Context, contract domain.Address, slot domain.StorageSlot, value []byte) error {
	return fmt.Errorf("noderunner: state proxy is read-only during consensus, contract %s", contract.Hex())
}

// Balance looks up the target's registered contract balance, or 0 for an
// address with no contract account. There is no externally-owned-account
// ledger in this engine, only ContractAccount.Balance (spec.md §3).
func (p *contractStateProxy) Balance(ctx context.Context, account domain.Address) (uint64, error) {
	acc, err := p.contracts.Get(ctx, account)
	if errors.Is(err, contractstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// ProxyBuilderFunc adapts a plain function to consensusfsm.ProxyBuilder,
// the same func-to-interface pattern http.HandlerFunc uses. Declared here
// rather than in consensusfsm so that package never has to import
// contractstore or this package's concrete StateProxy type.
type ProxyBuilderFunc func(ctx context.Context, contract domain.Address, snapshot domain.ContractSnapshot) (any, error)

func (f ProxyBuilderFunc) Build(ctx context.Context, contract domain.Address, snapshot domain.ContractSnapshot) (any, error) {
	return f(ctx, contract, snapshot)
}
