package ida

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringvault/pkg"
)

func TestNewCodecValidation(t *testing.T) {
	tests := []struct {
		name    string
		n, m    int
		p       int64
		wantErr error
	}{
		{"reference params", 14, 10, 257, nil},
		{"n not greater than m", 10, 10, 257, pkg.ErrInvalidIDAParams},
		{"p not greater than n", 5, 3, 5, pkg.ErrInvalidIDAParams},
		{"p not prime", 5, 3, 9, pkg.ErrInvalidIDAParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCodec(tt.n, tt.m, tt.p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{42}},
		{"multiple of m", []byte("0123456789")},
		{"not multiple of m", []byte("hello world")},
	}

	codec, err := NewCodec(14, 10, 257)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fragments := codec.Encode(tt.v)
			require.Len(t, fragments, 14)

			// Any m of the n fragments must reconstruct the value.
			rows := fragments[2:12]
			indices := []int{2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

			got, err := codec.Decode(rows, indices)
			require.NoError(t, err)
			assert.Equal(t, tt.v, got)
		})
	}
}

func TestDecodeDifferentBasisAgree(t *testing.T) {
	codec, err := NewCodec(14, 10, 257)
	require.NoError(t, err)

	v := []byte("the quick brown fox")
	fragments := codec.Encode(v)

	got1, err := codec.Decode(fragments[0:10], []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.NoError(t, err)

	got2, err := codec.Decode(fragments[4:14], []int{4, 5, 6, 7, 8, 9, 10, 11, 12, 13})
	require.NoError(t, err)

	assert.Equal(t, v, got1)
	assert.Equal(t, v, got2)
}

func TestDecodeTooFewFragments(t *testing.T) {
	codec, err := NewCodec(14, 10, 257)
	require.NoError(t, err)

	fragments := codec.Encode([]byte("data"))
	_, err = codec.Decode(fragments[:5], []int{0, 1, 2, 3, 4})
	assert.ErrorIs(t, err, pkg.ErrTooFewFragments)
}

func TestFragmentJSONRoundTrip(t *testing.T) {
	f := Fragment{M: 10, N: 14, P: 257, Index: 3, Values: []int64{1, 256, 0, 42}}

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var out Fragment
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, f, out)
}

func TestFragmentSerializeFixedWidth(t *testing.T) {
	f := Fragment{P: 257, Values: []int64{0, 1, 256}}
	s, err := f.Serialize()
	require.NoError(t, err)
	assert.Len(t, s, 3*DigitsFor(257))
}
