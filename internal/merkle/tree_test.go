package merkle

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringvault/internal/ring"
	"ringvault/pkg"
)

func fullRing(space *ring.Space) (ring.ID, ring.ID) {
	zero := space.Zero()
	max := space.FromBigInt(new(big.Int).Sub(space.Size(), big.NewInt(1)))
	return zero, max
}

func TestInsertLookupDelete(t *testing.T) {
	space := ring.NewSpace(16, 4) // N = 65536
	lo, hi := fullRing(space)
	tree := New[string](space, 4, lo, hi)

	k := space.HashString("hello")
	require.NoError(t, tree.Insert(k, "world"))

	v, ok := tree.Lookup(k)
	require.True(t, ok)
	assert.Equal(t, "world", v)

	assert.ErrorIs(t, tree.Insert(k, "again"), pkg.ErrKeyExists)

	require.NoError(t, tree.Delete(k))
	_, ok = tree.Lookup(k)
	assert.False(t, ok)
	assert.ErrorIs(t, tree.Delete(k), pkg.ErrKeyNotFound)
}

func TestSplitOnOverflow(t *testing.T) {
	space := ring.NewSpace(16, 4)
	lo, hi := fullRing(space)
	tree := New[string](space, 4, lo, hi)

	for i := 0; i < 20; i++ {
		k := space.FromBigInt(big.NewInt(int64(i * 1000)))
		require.NoError(t, tree.Insert(k, "v"))
	}

	assert.False(t, tree.root.leaf, "leaf should have split after exceeding fanout")
	for i := 0; i < 20; i++ {
		k := space.FromBigInt(big.NewInt(int64(i * 1000)))
		_, ok := tree.Lookup(k)
		assert.True(t, ok, "entry %d should survive split", i)
	}
}

func TestHashDependsOnlyOnEntries(t *testing.T) {
	space := ring.NewSpace(16, 4)
	lo, hi := fullRing(space)

	t1 := New[string](space, 4, lo, hi)
	t2 := New[string](space, 4, lo, hi)

	for i := 0; i < 10; i++ {
		k := space.FromBigInt(big.NewInt(int64(i * 500)))
		require.NoError(t, t1.Insert(k, "v"))
	}
	for i := 9; i >= 0; i-- {
		k := space.FromBigInt(big.NewInt(int64(i * 500)))
		require.NoError(t, t2.Insert(k, "v"))
	}

	assert.Equal(t, t1.Hash(), t2.Hash(), "insertion order must not affect hash")

	require.NoError(t, t2.Insert(space.FromBigInt(big.NewInt(1)), "extra"))
	assert.NotEqual(t, t1.Hash(), t2.Hash())
}

func TestReadRangeWraparound(t *testing.T) {
	space := ring.NewSpace(16, 2) // N = 256
	lo, hi := fullRing(space)
	tree := New[string](space, 4, lo, hi)

	for _, v := range []int64{250, 255, 0, 5, 10, 100} {
		require.NoError(t, tree.Insert(space.FromBigInt(big.NewInt(v)), "v"))
	}

	got := tree.ReadRange(space.FromBigInt(big.NewInt(240)), space.FromBigInt(big.NewInt(10)))
	want := map[int64]bool{250: true, 255: true, 0: true, 5: true, 10: true}
	assert.Len(t, got, len(want))
	for id := range got {
		assert.True(t, want[id.BigInt().Int64()], "unexpected id %s in range", id)
	}
}

func TestNextWrapsToSmallest(t *testing.T) {
	space := ring.NewSpace(16, 2)
	lo, hi := fullRing(space)
	tree := New[string](space, 4, lo, hi)

	require.NoError(t, tree.Insert(space.FromBigInt(big.NewInt(5)), "a"))
	require.NoError(t, tree.Insert(space.FromBigInt(big.NewInt(100)), "b"))
	require.NoError(t, tree.Insert(space.FromBigInt(big.NewInt(200)), "c"))

	nextID, v, ok := tree.Next(space.FromBigInt(big.NewInt(100)))
	require.True(t, ok)
	assert.Equal(t, int64(200), nextID.BigInt().Int64())
	assert.Equal(t, "c", v)

	nextID, v, ok = tree.Next(space.FromBigInt(big.NewInt(200)))
	require.True(t, ok)
	assert.Equal(t, int64(5), nextID.BigInt().Int64())
	assert.Equal(t, "a", v)
}

func TestSyncCompareLeafToLeaf(t *testing.T) {
	space := ring.NewSpace(16, 2)
	lo, hi := fullRing(space)
	local := New[string](space, 4, lo, hi)
	remote := New[string](space, 4, lo, hi)

	require.NoError(t, local.Insert(space.FromBigInt(big.NewInt(1)), "v1"))
	require.NoError(t, remote.Insert(space.FromBigInt(big.NewInt(1)), "v1"))
	require.NoError(t, remote.Insert(space.FromBigInt(big.NewInt(2)), "v2"))

	remoteView, ok := remote.LookupByPosition(nil)
	require.True(t, ok)

	action, err := local.CompareNode(nil, remoteView)
	require.NoError(t, err)
	require.Len(t, action.FetchKeys, 1)
	assert.Equal(t, int64(2), action.FetchKeys[0].BigInt().Int64())
}

func TestSyncCompareInternalRecurse(t *testing.T) {
	space := ring.NewSpace(16, 2)
	lo, hi := fullRing(space)
	local := New[string](space, 4, lo, hi)
	remote := New[string](space, 4, lo, hi)

	for i := 0; i < 20; i++ {
		k := space.FromBigInt(big.NewInt(int64(i * 10)))
		require.NoError(t, local.Insert(k, "v"))
		require.NoError(t, remote.Insert(k, "v"))
	}
	// Diverge one key on the remote side only, inside whichever bucket it falls.
	require.NoError(t, remote.Update(space.FromBigInt(big.NewInt(0)), "changed"))

	remoteView, ok := remote.LookupByPosition(nil)
	require.True(t, ok)

	action, err := local.CompareNode(nil, remoteView)
	require.NoError(t, err)
	assert.NotEmpty(t, action.Recurse)
}

func TestLookupByPositionMissing(t *testing.T) {
	space := ring.NewSpace(16, 2)
	lo, hi := fullRing(space)
	tree := New[string](space, 4, lo, hi)

	_, ok := tree.LookupByPosition([]int{0, 0})
	assert.False(t, ok, "leaf tree has no children to descend into")
}

func TestEmptyAndEntries(t *testing.T) {
	space := ring.NewSpace(16, 2)
	lo, hi := fullRing(space)
	tree := New[string](space, 4, lo, hi)

	assert.True(t, tree.Empty())
	require.NoError(t, tree.Insert(space.FromBigInt(big.NewInt(42)), "v"))
	assert.False(t, tree.Empty())
	assert.Len(t, tree.Entries(), 1)
}
