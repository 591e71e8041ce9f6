// Package merkle implements the bucketed f-ary Merkle tree that backs each
// Chord peer's local key/value store: entries are addressed by ring.ID,
// subtrees hash their contents, and divergent subtrees can be located by
// positional path for the synchronization protocol in sync.go.
package merkle

import (
	"crypto/sha1"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"ringvault/internal/ring"
	"ringvault/pkg"
)

const (
	// DefaultFanout is the reference bucket width (f) from spec.md §4.2.
	DefaultFanout = 8
)

type leafEntry[V any] struct {
	id    ring.ID
	value V
}

// Entry pairs a key with its value in ring order, returned by
// OrderedEntries for walks that need to start from a given id and proceed
// clockwise (spec.md §4.6's GlobalMaintenance).
type Entry[V any] struct {
	ID    ring.ID
	Value V
}

type node[V any] struct {
	min, max ring.ID
	leaf     bool
	entries  map[string]leafEntry[V] // hex(id) -> entry, leaf only
	children []*node[V]              // internal only, len == f
	hash     []byte
}

func newLeaf[V any](min, max ring.ID) *node[V] {
	return &node[V]{min: min, max: max, leaf: true, entries: make(map[string]leafEntry[V])}
}

// Tree is a bucketed Merkle tree over a ring keyspace, generic over the
// stored value type so the same structure serves plain Chord (V = string)
// and DHash (V = ida.Fragment).
type Tree[V any] struct {
	mu    sync.RWMutex
	space *ring.Space
	f     int
	root  *node[V]
}

// New builds an empty tree covering the clockwise arc [min, max].
func New[V any](space *ring.Space, fanout int, min, max ring.ID) *Tree[V] {
	if fanout < 2 {
		fanout = DefaultFanout
	}
	t := &Tree[V]{space: space, f: fanout}
	t.root = newLeaf[V](min, max)
	t.root.rehash()
	return t
}

// SetRange moves the root's owned arc, used when a peer's keyspace changes
// across a Notify/Leave/Rectify. Entries outside the new arc are left in
// place; callers are responsible for evicting them via Delete beforehand.
func (t *Tree[V]) SetRange(min, max ring.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root.min, t.root.max = min, max
}

// clockwiseDist returns the clockwise distance from 'from' to 'to', in
// [0, N).
func clockwiseDist(space *ring.Space, from, to ring.ID) *big.Int {
	d := new(big.Int).Sub(to.BigInt(), from.BigInt())
	return new(big.Int).Mod(d, space.Size())
}

// arcSize returns the inclusive size of the clockwise arc [min, max].
func arcSize(space *ring.Space, min, max ring.ID) *big.Int {
	d := clockwiseDist(space, min, max)
	return d.Add(d, big.NewInt(1))
}

// childIndex computes (k-min)*f/(max-min+1) clamped to [0, f-1], per spec.md
// §4.2's insert algorithm.
func childIndex(space *ring.Space, k, min, max ring.ID, f int) int {
	size := arcSize(space, min, max)
	distFromMin := clockwiseDist(space, min, k)

	num := new(big.Int).Mul(distFromMin, big.NewInt(int64(f)))
	idx := new(big.Int).Div(num, size)

	i := int(idx.Int64())
	if i >= f {
		i = f - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// childBounds returns the inclusive [min,max] owned by child i of f equal
// divisions of [parentMin, parentMax].
func childBounds(space *ring.Space, parentMin, parentMax ring.ID, f, i int) (ring.ID, ring.ID) {
	size := arcSize(space, parentMin, parentMax)
	lo := new(big.Int).Mul(size, big.NewInt(int64(i)))
	lo.Div(lo, big.NewInt(int64(f)))
	childMin := parentMin.Add(lo)

	if i == f-1 {
		return childMin, parentMax
	}

	hi := new(big.Int).Mul(size, big.NewInt(int64(i+1)))
	hi.Div(hi, big.NewInt(int64(f)))
	childMax := parentMin.Add(hi).Sub(big.NewInt(1))
	return childMin, childMax
}

func arcsIntersect(min, max, lo, hi ring.ID) bool {
	return ring.InBetween(lo, min, max, true, true) ||
		ring.InBetween(hi, min, max, true, true) ||
		ring.InBetween(min, lo, hi, true, true) ||
		ring.InBetween(max, lo, hi, true, true)
}

// Insert adds k/v, erroring if k is already present.
func (t *Tree[V]) Insert(k ring.ID, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.put(t.space, t.f, k, v, true)
}

// Update replaces the value stored at k, erroring if k is absent.
func (t *Tree[V]) Update(k ring.ID, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.put(t.space, t.f, k, v, false)
}

// put inserts (requireAbsent=true) or updates (requireAbsent=false) k.
func (n *node[V]) put(space *ring.Space, f int, k ring.ID, v V, requireAbsent bool) error {
	if n.leaf {
		key := k.Hex()
		_, exists := n.entries[key]
		if requireAbsent && exists {
			return pkg.ErrKeyExists
		}
		if !requireAbsent && !exists {
			return pkg.ErrKeyNotFound
		}
		n.entries[key] = leafEntry[V]{id: k, value: v}
		if requireAbsent && len(n.entries) > f {
			n.split(space, f)
		}
		n.rehash()
		return nil
	}

	idx := childIndex(space, k, n.min, n.max, f)
	if err := n.children[idx].put(space, f, k, v, requireAbsent); err != nil {
		return err
	}
	n.rehash()
	return nil
}

// split converts a leaf with > f entries into an internal node with f
// equally-sized children, redistributing its entries.
func (n *node[V]) split(space *ring.Space, f int) {
	children := make([]*node[V], f)
	for i := 0; i < f; i++ {
		lo, hi := childBounds(space, n.min, n.max, f, i)
		children[i] = newLeaf[V](lo, hi)
	}
	for _, e := range n.entries {
		idx := childIndex(space, e.id, n.min, n.max, f)
		children[idx].entries[e.id.Hex()] = e
	}
	for _, c := range children {
		c.rehash()
	}
	n.leaf = false
	n.entries = nil
	n.children = children
}

// Delete removes k, erroring if absent.
func (t *Tree[V]) Delete(k ring.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.delete(t.space, t.f, k)
}

func (n *node[V]) delete(space *ring.Space, f int, k ring.ID) error {
	if n.leaf {
		key := k.Hex()
		if _, ok := n.entries[key]; !ok {
			return pkg.ErrKeyNotFound
		}
		delete(n.entries, key)
		n.rehash()
		return nil
	}
	idx := childIndex(space, k, n.min, n.max, f)
	if err := n.children[idx].delete(space, f, k); err != nil {
		return err
	}
	n.rehash()
	return nil
}

// Lookup returns the value stored at k, if present.
func (t *Tree[V]) Lookup(k ring.ID) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.root
	for !n.leaf {
		n = n.children[childIndex(t.space, k, n.min, n.max, t.f)]
	}
	e, ok := n.entries[k.Hex()]
	return e.value, ok
}

// Contains reports whether k is stored.
func (t *Tree[V]) Contains(k ring.ID) bool {
	_, ok := t.Lookup(k)
	return ok
}

// ReadRange returns every entry whose id lies in the clockwise arc
// [lo, hi], splitting at the root on wraparound per spec.md §4.2.
func (t *Tree[V]) ReadRange(lo, hi ring.ID) map[ring.ID]V {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[ring.ID]V)
	if hi.BigInt().Cmp(lo.BigInt()) < 0 {
		n1Max := lo.Space().FromBigInt(new(big.Int).Sub(lo.Space().Size(), big.NewInt(1)))
		collectRange(t.root, lo, n1Max, out)
		collectRange(t.root, lo.Space().Zero(), hi, out)
		return out
	}
	collectRange(t.root, lo, hi, out)
	return out
}

func collectRange[V any](n *node[V], lo, hi ring.ID, out map[ring.ID]V) {
	if !arcsIntersect(n.min, n.max, lo, hi) {
		return
	}
	if n.leaf {
		for _, e := range n.entries {
			if ring.InBetween(e.id, lo, hi, true, true) {
				out[e.id] = e.value
			}
		}
		return
	}
	for _, c := range n.children {
		collectRange(c, lo, hi, out)
	}
}

// Next returns the first entry strictly after k in clockwise order,
// wrapping to the smallest stored entry when k is at or past the largest.
// Implemented as a flattened sorted scan rather than the position-recursive
// descent spec.md §4.2 describes: bucketed trees are small enough that the
// two are behaviorally (if not asymptotically) equivalent.
func (t *Tree[V]) Next(k ring.ID) (ring.ID, V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := sortedEntries(t.root)
	if len(entries) == 0 {
		var zero V
		return ring.ID{}, zero, false
	}
	for _, e := range entries {
		if e.id.BigInt().Cmp(k.BigInt()) > 0 {
			return e.id, e.value, true
		}
	}
	return entries[0].id, entries[0].value, true
}

func sortedEntries[V any](n *node[V]) []leafEntry[V] {
	var all []leafEntry[V]
	collectAll(n, &all)
	sort.Slice(all, func(i, j int) bool { return all[i].id.BigInt().Cmp(all[j].id.BigInt()) < 0 })
	return all
}

func collectAll[V any](n *node[V], out *[]leafEntry[V]) {
	if n.leaf {
		for _, e := range n.entries {
			*out = append(*out, e)
		}
		return
	}
	for _, c := range n.children {
		collectAll(c, out)
	}
}

// Entries returns every stored key/value pair.
func (t *Tree[V]) Entries() map[ring.ID]V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[ring.ID]V)
	for _, e := range sortedEntries(t.root) {
		out[e.id] = e.value
	}
	return out
}

// OrderedEntries returns every stored key/value pair sorted by ascending
// id, the ring-order walk GlobalMaintenance needs (spec.md §4.6).
func (t *Tree[V]) OrderedEntries() []Entry[V] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sorted := sortedEntries(t.root)
	out := make([]Entry[V], len(sorted))
	for i, e := range sorted {
		out[i] = Entry[V]{ID: e.id, Value: e.value}
	}
	return out
}

// Hash returns the root's content hash.
func (t *Tree[V]) Hash() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.hash
}

// Empty reports whether the tree holds no entries.
func (t *Tree[V]) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.leaf && len(t.root.entries) == 0
}

// contains reports whether id is stored anywhere under n.
func (n *node[V]) contains(space *ring.Space, f int, id ring.ID) bool {
	if n.leaf {
		_, ok := n.entries[id.Hex()]
		return ok
	}
	return n.children[childIndex(space, id, n.min, n.max, f)].contains(space, f, id)
}

// emptySentinelHash is the zero sentinel spec.md §3/§4.2 assigns to an
// empty subtree's hash, rather than sha1.Sum(nil).
var emptySentinelHash = make([]byte, sha1.Size)

func (n *node[V]) rehash() {
	if n.leaf && len(n.entries) == 0 {
		n.hash = emptySentinelHash
		return
	}

	h := sha1.New()
	if n.leaf {
		keys := make([]string, 0, len(n.entries))
		for k := range n.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e := n.entries[k]
			fmt.Fprintf(h, "%s:%v;", k, e.value)
		}
	} else {
		for _, c := range n.children {
			h.Write(c.hash)
		}
	}
	n.hash = h.Sum(nil)
}
