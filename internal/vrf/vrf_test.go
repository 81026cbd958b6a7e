package vrf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nondetchain/consensus-core/internal/domain"
)

func pool(n int) []domain.Validator {
	out := make([]domain.Validator, n)
	for i := 0; i < n; i++ {
		out[i] = domain.Validator{Address: domain.Address{byte(i + 1)}, Stake: uint64(i + 1)}
	}
	return out
}

func TestSelectIsDeterministic(t *testing.T) {
	candidates := pool(10)
	hash := domain.Hash{0x01, 0x02, 0x03}

	a, err := Select(candidates, 4, hash, 1, Uniform)
	require.NoError(t, err)
	b, err := Select(candidates, 4, hash, 1, Uniform)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSelectReturnsDistinctValidators(t *testing.T) {
	candidates := pool(10)
	hash := domain.Hash{0xAA}

	selected, err := Select(candidates, 5, hash, 3, Uniform)
	require.NoError(t, err)
	require.Len(t, selected, 5)

	seen := map[domain.Address]bool{}
	for _, v := range selected {
		assert.False(t, seen[v.Address], "duplicate validator selected")
		seen[v.Address] = true
	}
}

func TestSelectDiffersByRound(t *testing.T) {
	candidates := pool(20)
	hash := domain.Hash{0x05}

	a, err := Select(candidates, 5, hash, 1, Uniform)
	require.NoError(t, err)
	b, err := Select(candidates, 5, hash, 2, Uniform)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSelectPoolTooSmall(t *testing.T) {
	candidates := pool(2)
	_, err := Select(candidates, 5, domain.Hash{}, 0, Uniform)
	assert.ErrorIs(t, err, ErrPoolTooSmall)
}

func TestExtraValidatorCounts(t *testing.T) {
	cases := []struct {
		f              int
		reused, newCnt int
	}{
		{0, 0, 2 + 5},
		{1, 5 + 2, 5 + 1},
		{2, 2*5 + 3, 2 * 5},
		{3, 5*5 + 3, 2 * 5},
	}
	for _, c := range cases {
		reused, newCnt := ExtraValidatorCounts(5, c.f)
		assert.Equal(t, c.reused, reused, "f=%d reused", c.f)
		assert.Equal(t, c.newCnt, newCnt, "f=%d new", c.f)
	}
}

func TestSelectWithReuseReusesPrefixAndFillsFresh(t *testing.T) {
	n := 4
	candidates := pool(30)
	hash := domain.Hash{0x09}

	firstAppeal, err := SelectWithReuse(candidates, nil, n, 0, hash, 1, Uniform)
	require.NoError(t, err)
	assert.Len(t, firstAppeal, n+2)

	secondAppeal, err := SelectWithReuse(candidates, firstAppeal, n, 1, hash, 2, Uniform)
	require.NoError(t, err)
	assert.Len(t, secondAppeal, (n+2)+(n+1))
	assert.Equal(t, firstAppeal[:n+2], secondAppeal[:n+2])
}

func TestSelectWithReuseErrorsWhenPreviousRoundTooSmall(t *testing.T) {
	candidates := pool(30)
	_, err := SelectWithReuse(candidates, []domain.Validator{candidates[0]}, 4, 1, domain.Hash{}, 0, Uniform)
	assert.Error(t, err)
}
