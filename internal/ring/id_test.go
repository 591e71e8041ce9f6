package ring

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStringDeterministic(t *testing.T) {
	space := DefaultSpace()

	id1 := space.HashString("hello")
	id2 := space.HashString("hello")
	assert.True(t, id1.Equal(id2))

	id3 := space.HashString("world")
	assert.False(t, id1.Equal(id3))
}

func TestHashNode(t *testing.T) {
	space := DefaultSpace()
	id := space.HashNode("10.0.0.1", 7300)
	require.NotNil(t, id.BigInt())
	assert.True(t, id.BigInt().Sign() >= 0)
	assert.True(t, id.BigInt().Cmp(space.Size()) < 0)
}

func TestHexRoundTrip(t *testing.T) {
	space := DefaultSpace()
	id := space.HashString("round-trip")

	parsed, err := space.FromHex(id.Hex())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
	assert.Len(t, id.Hex(), space.Digits())
}

func TestAddSubMod(t *testing.T) {
	space := NewSpace(16, 2) // N = 256, small space for easy arithmetic
	id := space.FromBigInt(big.NewInt(250))

	sum := id.Add(big.NewInt(10))
	assert.True(t, sum.Equal(space.FromBigInt(big.NewInt(4))), "250+10 mod 256 = 4")

	diff := id.Sub(big.NewInt(255))
	assert.True(t, diff.Equal(space.FromBigInt(big.NewInt(251))), "250-255 mod 256 = 251")
}

func TestInBetween(t *testing.T) {
	space := NewSpace(16, 2) // N = 256
	mk := func(n int64) ID { return space.FromBigInt(big.NewInt(n)) }

	tests := []struct {
		name                    string
		k, lo, hi               ID
		inclusiveLo, inclusiveHi bool
		want                    bool
	}{
		{"equal endpoints match", mk(5), mk(5), mk(5), true, true, true},
		{"equal endpoints no match", mk(6), mk(5), mk(5), true, true, false},
		{"forward interval inclusive both", mk(5), mk(3), mk(7), true, true, true},
		{"forward interval exclusive lo", mk(3), mk(3), mk(7), false, true, false},
		{"forward interval exclusive hi", mk(7), mk(3), mk(7), true, false, false},
		{"forward interval outside", mk(8), mk(3), mk(7), true, true, false},
		{"wraparound inside tail", mk(250), mk(240), mk(10), true, true, true},
		{"wraparound inside head", mk(5), mk(240), mk(10), true, true, true},
		{"wraparound outside", mk(100), mk(240), mk(10), true, true, false},
		{"wraparound boundary exact N-1/1", mk(0), mk(255), mk(1), true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InBetween(tt.k, tt.lo, tt.hi, tt.inclusiveLo, tt.inclusiveHi)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPowerOfTwo(t *testing.T) {
	assert.Equal(t, big.NewInt(1), PowerOfTwo(0))
	assert.Equal(t, big.NewInt(8), PowerOfTwo(3))
	assert.Equal(t, big.NewInt(0), PowerOfTwo(-1))
}
