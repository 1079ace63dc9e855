package staging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizePolicies(t *testing.T) {
	testCases := []struct {
		name   string
		policy SizePolicy
		in     int
		want   int
	}{
		{"exact", ExactSize{}, 1000, 1000},
		{"aligned rounds up", AlignedSize{Alignment: 256}, 1000, 1024},
		{"aligned keeps multiple", AlignedSize{Alignment: 256}, 512, 512},
		{"aligned without alignment", AlignedSize{}, 77, 77},
		{"pow2 rounds up", Pow2Size{}, 1000, 1024},
		{"pow2 keeps power", Pow2Size{}, 4096, 4096},
		{"pow2 floor", Pow2Size{Floor: 256}, 3, 256},
		{"pow2 one", Pow2Size{}, 1, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.policy.Round(tc.in))
		})
	}
}

func TestPow2Size_Bucketing(t *testing.T) {
	// Slightly varying request sizes share one buffer.
	pool := NewPool(newFakeAllocator(), WithSizePolicy(Pow2Size{}))
	for _, n := range []int{1000, 1001, 1010, 990, 1024} {
		l, err := pool.Acquire(n)
		require.NoError(t, err)
		require.NoError(t, pool.Release(l))
	}
	assert.Equal(t, 1, pool.Len())
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("exact", 0)
	require.NoError(t, err)
	assert.Equal(t, ExactSize{}, p)

	p, err = PolicyByName("aligned", 64)
	require.NoError(t, err)
	assert.Equal(t, AlignedSize{Alignment: 64}, p)

	p, err = PolicyByName("", 256)
	require.NoError(t, err)
	assert.Equal(t, Pow2Size{Floor: 256}, p)

	_, err = PolicyByName("aligned", 0)
	assert.Error(t, err)
	_, err = PolicyByName("buddy", 0)
	assert.Error(t, err)
	_, err = PolicyByName("pow2", -1)
	assert.Error(t, err)
}
