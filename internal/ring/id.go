// Package ring implements the identifier-space arithmetic that underlies
// the Chord ring: fixed-width ids, SHA-1 hashing, and the clockwise
// betweenness predicate routing and stabilization are built on.
package ring

import (
	"crypto/sha1"
	"fmt"
	"math/big"
)

// DefaultDigits and DefaultBase give the reference configuration of
// spec.md §3: base = 16, digits = 32 (a 128-bit hex identifier space),
// carried in a wider big.Int-backed type.
const (
	DefaultBase   = 16
	DefaultDigits = 32
)

// Space describes a ring's identifier space: N = base^digits.
type Space struct {
	base   int64
	digits int
	size   *big.Int // N = base^digits
}

// NewSpace builds a Space for the given base and digit count.
func NewSpace(base int64, digits int) *Space {
	size := new(big.Int).Exp(big.NewInt(base), big.NewInt(int64(digits)), nil)
	return &Space{base: base, digits: digits, size: size}
}

// DefaultSpace is the reference (base=16, digits=32) ring.
func DefaultSpace() *Space {
	return NewSpace(DefaultBase, DefaultDigits)
}

// Size returns N, the number of points on the ring.
func (s *Space) Size() *big.Int {
	return new(big.Int).Set(s.size)
}

// Digits reports the configured hex-digit width of ids in this space.
func (s *Space) Digits() int {
	return s.digits
}

// ID is a point on the ring: an unsigned integer modulo a Space's size.
type ID struct {
	space *Space
	v     *big.Int
}

// Zero returns the id 0 of a space.
func (s *Space) Zero() ID {
	return ID{space: s, v: big.NewInt(0)}
}

// FromBigInt normalizes an arbitrary big.Int into the space's ring.
func (s *Space) FromBigInt(v *big.Int) ID {
	return ID{space: s, v: s.mod(v)}
}

// FromHex parses a lower-hex string (as used on the wire, spec.md §6) into
// an ID on this space.
func (s *Space) FromHex(hexStr string) (ID, error) {
	v, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		return ID{}, fmt.Errorf("ring: invalid hex id %q", hexStr)
	}
	return s.FromBigInt(v), nil
}

// HashString computes a key's id: SHA1-based(plaintext), per spec.md §3.
func (s *Space) HashString(plaintext string) ID {
	return s.hashBytes([]byte(plaintext))
}

// HashNode computes a node's id: SHA1-based(ip || ":" || port), per
// spec.md §3.
func (s *Space) HashNode(ip string, port int) ID {
	return s.hashBytes([]byte(fmt.Sprintf("%s:%d", ip, port)))
}

func (s *Space) hashBytes(b []byte) ID {
	sum := sha1.Sum(b)
	v := new(big.Int).SetBytes(sum[:])
	return s.FromBigInt(v)
}

func (s *Space) mod(v *big.Int) *big.Int {
	r := new(big.Int).Mod(v, s.size)
	if r.Sign() < 0 {
		r.Add(r, s.size)
	}
	return r
}

// Space returns the ring this id belongs to.
func (id ID) Space() *Space { return id.space }

// BigInt returns a copy of the id's underlying integer value.
func (id ID) BigInt() *big.Int {
	if id.v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(id.v)
}

// Hex renders the id as a fixed-width lower-hex string, the wire form of
// spec.md §6.
func (id ID) Hex() string {
	width := id.space.digits
	s := id.BigInt().Text(16)
	if len(s) < width {
		s = fmt.Sprintf("%0*s", width, s)
	}
	return s
}

// String implements fmt.Stringer.
func (id ID) String() string { return id.Hex() }

// Equal reports whether two ids denote the same ring point.
func (id ID) Equal(other ID) bool {
	if id.v == nil || other.v == nil {
		return id.v == other.v
	}
	return id.v.Cmp(other.v) == 0
}

// Less reports id < other as plain integers (not ring-aware).
func (id ID) Less(other ID) bool {
	return id.BigInt().Cmp(other.BigInt()) < 0
}

// Add computes (id + n) mod N.
func (id ID) Add(n *big.Int) ID {
	return id.space.FromBigInt(new(big.Int).Add(id.BigInt(), n))
}

// AddUint64 computes (id + n) mod N for a small increment.
func (id ID) AddUint64(n uint64) ID {
	return id.Add(new(big.Int).SetUint64(n))
}

// Sub computes (id - n) mod N.
func (id ID) Sub(n *big.Int) ID {
	return id.space.FromBigInt(new(big.Int).Sub(id.BigInt(), n))
}

// PowerOfTwo returns 2^exp as a big.Int, used to build finger-table offsets.
func PowerOfTwo(exp int) *big.Int {
	if exp < 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Exp(big.NewInt(2), big.NewInt(int64(exp)), nil)
}

// InBetween implements the authoritative clockwise-membership predicate of
// spec.md §4.1:
//
//   - lo == hi: true iff k == hi (single-point interval at the endpoint).
//   - lo <  hi: the usual interval, inclusive/exclusive flags applied at
//     each end independently.
//   - lo >  hi: the wraparound interval, same flag semantics.
func InBetween(k, lo, hi ID, inclusiveLo, inclusiveHi bool) bool {
	kv, lov, hiv := k.BigInt(), lo.BigInt(), hi.BigInt()

	switch lov.Cmp(hiv) {
	case 0:
		return kv.Cmp(hiv) == 0
	case -1:
		lowOK := kv.Cmp(lov) > 0 || (inclusiveLo && kv.Cmp(lov) == 0)
		highOK := kv.Cmp(hiv) < 0 || (inclusiveHi && kv.Cmp(hiv) == 0)
		return lowOK && highOK
	default: // lo > hi: wraparound
		lowOK := kv.Cmp(lov) > 0 || (inclusiveLo && kv.Cmp(lov) == 0)
		highOK := kv.Cmp(hiv) < 0 || (inclusiveHi && kv.Cmp(hiv) == 0)
		return lowOK || highOK
	}
}
