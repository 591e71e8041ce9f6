// Package ida implements Rabin's Information Dispersal Algorithm: a
// Vandermonde (n, m, p) erasure code over GF(p) that lets DHash reconstruct
// a value from any m of its n encoded fragments.
package ida

import (
	"fmt"
	"math/big"

	"ringvault/pkg"
)

// DefaultN, DefaultM, DefaultP are the reference parameters from spec.md
// §4.3.
const (
	DefaultN = 14
	DefaultM = 10
	DefaultP = 257
)

// Codec encodes and decodes values under fixed (n, m, p) parameters.
type Codec struct {
	n, m int
	p    int64
	e    [][]int64 // n x m encoding matrix, E[i][j] = (i+1)^j mod p
}

// NewCodec validates n > m, p > n, p prime, and builds the encoding matrix.
func NewCodec(n, m int, p int64) (*Codec, error) {
	if n <= m {
		return nil, pkg.ErrInvalidIDAParams
	}
	if p <= int64(n) {
		return nil, pkg.ErrInvalidIDAParams
	}
	if !isPrime(p) {
		return nil, pkg.ErrInvalidIDAParams
	}

	e := make([][]int64, n)
	for i := 0; i < n; i++ {
		e[i] = make([]int64, m)
		base := int64(i + 1)
		for j := 0; j < m; j++ {
			e[i][j] = modPow(base, int64(j), p)
		}
	}
	return &Codec{n: n, m: m, p: p, e: e}, nil
}

// N, M, P report the codec's parameters.
func (c *Codec) N() int     { return c.n }
func (c *Codec) M() int     { return c.m }
func (c *Codec) P() int64   { return c.p }

// Encode splits v into n fragments of ceil(len(v)/m) values each, such that
// any m fragments suffice to reconstruct v via Decode.
func (c *Codec) Encode(v []byte) [][]int64 {
	cols := (len(v) + c.m - 1) / c.m
	if cols == 0 {
		cols = 1
	}
	padded := make([]int64, cols*c.m)
	for i, b := range v {
		padded[i] = int64(b)
	}

	fragments := make([][]int64, c.n)
	for i := 0; i < c.n; i++ {
		row := make([]int64, cols)
		for col := 0; col < cols; col++ {
			var sum int64
			for r := 0; r < c.m; r++ {
				sum = (sum + c.e[i][r]*padded[col*c.m+r]) % c.p
			}
			row[col] = sum
		}
		fragments[i] = row
	}
	return fragments
}

// Decode reconstructs the original value from k >= m fragment rows and
// their (0-indexed) fragment indices.
func (c *Codec) Decode(rows [][]int64, indices []int) ([]byte, error) {
	if len(rows) < c.m || len(indices) < c.m {
		return nil, pkg.ErrTooFewFragments
	}

	basis := make([]int64, c.m)
	for i := 0; i < c.m; i++ {
		basis[i] = int64(indices[i] + 1)
	}
	vinv, err := invertVandermonde(basis, c.p)
	if err != nil {
		return nil, err
	}

	cols := len(rows[0])
	padded := make([]int64, 0, cols*c.m)
	for col := 0; col < cols; col++ {
		for j := 0; j < c.m; j++ {
			var sum int64
			for i := 0; i < c.m; i++ {
				sum = (sum + vinv[j][i]*rows[i][col]) % c.p
			}
			padded = append(padded, sum)
		}
	}

	// Strip trailing all-zero segments, then trailing zero bytes in the
	// last remaining segment (the zero-padding tail from Encode).
	for len(padded) >= c.m {
		tail := padded[len(padded)-c.m:]
		allZero := true
		for _, v := range tail {
			if v != 0 {
				allZero = false
				break
			}
		}
		if !allZero {
			break
		}
		padded = padded[:len(padded)-c.m]
	}
	for len(padded) > 0 && padded[len(padded)-1] == 0 {
		padded = padded[:len(padded)-1]
	}

	out := make([]byte, len(padded))
	for i, v := range padded {
		out[i] = byte(v)
	}
	return out, nil
}

// invertVandermonde computes V^-1 mod p for V[i][j] = basis[i]^j, via the
// elementary-symmetric-polynomial closed form of spec.md §4.3: row j of
// column i is the coefficient of x^j in the i-th Lagrange basis polynomial
// over `basis`.
func invertVandermonde(basis []int64, p int64) ([][]int64, error) {
	m := len(basis)
	vinv := make([][]int64, m)
	for j := range vinv {
		vinv[j] = make([]int64, m)
	}

	for i := 0; i < m; i++ {
		others := make([]int64, 0, m-1)
		denom := int64(1)
		for k := 0; k < m; k++ {
			if k == i {
				continue
			}
			others = append(others, basis[k])
			diff := mod(basis[i]-basis[k], p)
			denom = (denom * diff) % p
		}
		denomInv, err := modInverse(denom, p)
		if err != nil {
			return nil, err
		}

		esym := elementarySymmetric(others, p)
		for j := 0; j < m; j++ {
			t := (m - 1) - j
			coeff := esym[t]
			if t%2 != 0 {
				coeff = mod(-coeff, p)
			}
			vinv[j][i] = mod(coeff*denomInv, p)
		}
	}
	return vinv, nil
}

// elementarySymmetric returns e[0..len(vals)], the elementary symmetric
// polynomials of vals over GF(p), with e[0] = 1.
func elementarySymmetric(vals []int64, p int64) []int64 {
	e := make([]int64, len(vals)+1)
	e[0] = 1
	for _, v := range vals {
		for t := len(vals); t > 0; t-- {
			e[t] = mod(e[t]+v*e[t-1], p)
		}
	}
	return e
}

// modInverse computes a^-1 mod p via the extended Euclidean algorithm.
// Fails only if a and p are not coprime, which cannot happen when p is
// prime and a != 0 mod p.
func modInverse(a, p int64) (int64, error) {
	a = mod(a, p)
	if a == 0 {
		return 0, fmt.Errorf("ida: modular inverse of 0 mod %d is undefined", p)
	}
	g, x, _ := extendedEuclid(a, p)
	if g != 1 {
		return 0, fmt.Errorf("ida: %d has no inverse mod %d", a, p)
	}
	return mod(x, p), nil
}

func extendedEuclid(a, b int64) (gcd, x, y int64) {
	old := big.NewInt(a)
	cur := big.NewInt(b)
	oldX, curX := big.NewInt(1), big.NewInt(0)
	oldY, curY := big.NewInt(0), big.NewInt(1)

	for cur.Sign() != 0 {
		q := new(big.Int).Div(old, cur)
		old, cur = cur, new(big.Int).Sub(old, new(big.Int).Mul(q, cur))
		oldX, curX = curX, new(big.Int).Sub(oldX, new(big.Int).Mul(q, curX))
		oldY, curY = curY, new(big.Int).Sub(oldY, new(big.Int).Mul(q, curY))
	}
	return old.Int64(), oldX.Int64(), oldY.Int64()
}

func mod(a, p int64) int64 {
	r := a % p
	if r < 0 {
		r += p
	}
	return r
}

func modPow(base, exp, p int64) int64 {
	result := int64(1)
	base = mod(base, p)
	for exp > 0 {
		if exp&1 == 1 {
			result = (result * base) % p
		}
		base = (base * base) % p
		exp >>= 1
	}
	return result
}

func isPrime(n int64) bool {
	if n < 2 {
		return false
	}
	for i := int64(2); i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}
