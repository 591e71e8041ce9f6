package ida

import (
	"encoding/json"
	"fmt"
)

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// DigitsFor returns the number of base-64 characters needed to represent
// any value in [0, p), i.e. ceil(log_64(p)).
func DigitsFor(p int64) int {
	digits := 0
	n := int64(1)
	for n < p {
		n *= 64
		digits++
	}
	if digits == 0 {
		digits = 1
	}
	return digits
}

// Fragment is the DataFragment of spec.md §3/§6: one of the n shares
// produced by Codec.Encode, addressed by its 0-indexed position in the
// replica set.
type Fragment struct {
	M, N   int
	P      int64
	Index  int
	Values []int64
}

// Serialize renders the fragment's values as fixed-width base-64, per
// spec.md §4.3.
func (f Fragment) Serialize() (string, error) {
	digits := DigitsFor(f.P)
	out := make([]byte, 0, len(f.Values)*digits)
	for _, v := range f.Values {
		enc, err := encodeValue(v, digits)
		if err != nil {
			return "", err
		}
		out = append(out, enc...)
	}
	return string(out), nil
}

func encodeValue(v int64, digits int) ([]byte, error) {
	max := int64(1)
	for i := 0; i < digits; i++ {
		max *= 64
	}
	if v < 0 || v >= max {
		return nil, fmt.Errorf("ida: value %d does not fit in %d base-64 digits", v, digits)
	}
	buf := make([]byte, digits)
	for i := digits - 1; i >= 0; i-- {
		buf[i] = base64Alphabet[v%64]
		v /= 64
	}
	return buf, nil
}

// DeserializeFragment parses a base-64 fragment string of the given prime
// modulus into its integer values.
func DeserializeFragment(s string, p int64) ([]int64, error) {
	digits := DigitsFor(p)
	if len(s)%digits != 0 {
		return nil, fmt.Errorf("ida: fragment string length %d not a multiple of digit width %d", len(s), digits)
	}
	var index [256]int64
	for i := range index {
		index[i] = -1
	}
	for i, c := range []byte(base64Alphabet) {
		index[c] = int64(i)
	}

	values := make([]int64, len(s)/digits)
	for i := range values {
		chunk := s[i*digits : (i+1)*digits]
		var v int64
		for _, c := range []byte(chunk) {
			d := index[c]
			if d < 0 {
				return nil, fmt.Errorf("ida: invalid base-64 character %q in fragment", c)
			}
			v = v*64 + d
		}
		values[i] = v
	}
	return values, nil
}

type fragmentWire struct {
	M       int    `json:"M"`
	N       int    `json:"N"`
	P       int64  `json:"P"`
	Index   int    `json:"INDEX"`
	Payload string `json:"FRAGMENT"`
}

// MarshalJSON renders the fragment in the wire shape of spec.md §6:
// {M, N, P, INDEX, FRAGMENT}.
func (f Fragment) MarshalJSON() ([]byte, error) {
	payload, err := f.Serialize()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fragmentWire{M: f.M, N: f.N, P: f.P, Index: f.Index, Payload: payload})
}

// UnmarshalJSON parses the wire shape of spec.md §6 back into a Fragment.
func (f *Fragment) UnmarshalJSON(data []byte) error {
	var w fragmentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	values, err := DeserializeFragment(w.Payload, w.P)
	if err != nil {
		return err
	}
	f.M, f.N, f.P, f.Index, f.Values = w.M, w.N, w.P, w.Index, values
	return nil
}
