package contractstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nondetchain/consensus-core/internal/domain"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "contracts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addr := domain.Address{0x01}

	require.NoError(t, store.Register(ctx, addr, []byte("wasm-bytes")))

	account, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm-bytes"), account.Code)
	assert.NotNil(t, account.Accepted)
	assert.NotNil(t, account.Finalized)
}

func TestRegisterTwiceFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addr := domain.Address{0x02}

	require.NoError(t, store.Register(ctx, addr, []byte("code")))
	err := store.Register(ctx, addr, []byte("other-code"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAcceptedAndFinalizedAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addr := domain.Address{0x03}
	require.NoError(t, store.Register(ctx, addr, []byte("code")))

	slot := domain.StorageSlot{0x01}
	require.NoError(t, store.UpdateAccepted(ctx, addr, domain.ContractState{slot: []byte("pending-value")}))

	account, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("pending-value"), account.Accepted[slot])
	assert.Empty(t, account.Finalized)

	require.NoError(t, store.UpdateFinalized(ctx, addr, domain.ContractState{slot: []byte("final-value")}))
	account, err = store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("pending-value"), account.Accepted[slot])
	assert.Equal(t, []byte("final-value"), account.Finalized[slot])
}

func TestRestoreAcceptedRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addr := domain.Address{0x04}
	require.NoError(t, store.Register(ctx, addr, []byte("v1")))

	slot := domain.StorageSlot{0xAA}
	snapshot := domain.ContractSnapshot{Address: addr, Code: []byte("v1"), State: domain.ContractState{slot: []byte("snapshot-value")}}

	require.NoError(t, store.UpdateAccepted(ctx, addr, domain.ContractState{slot: []byte("mutated-value")}))
	require.NoError(t, store.RestoreAccepted(ctx, snapshot))

	account, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-value"), account.Accepted[slot])
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), domain.Address{0xFF})
	assert.ErrorIs(t, err, ErrNotFound)
}
