package merkle

import (
	"bytes"
	"fmt"

	"ringvault/internal/ring"
	"ringvault/pkg"
)

// NodeView is a non-recursive snapshot of one tree node at a positional
// path, the wire shape exchanged by the XCHNG_NODE RPC (spec.md §6): a
// leaf view carries its entries, an internal view carries only its
// children's hashes, never their subtrees.
type NodeView[V any] struct {
	Hash     []byte
	Min, Max ring.ID
	Position []int
	Leaf     bool
	Entries  map[ring.ID]V // set when Leaf
	Children [][]byte      // child hashes, set when !Leaf
}

// IsLeaf reports whether the view denotes a leaf.
func (v NodeView[V]) IsLeaf() bool { return v.Leaf }

// Range returns the view's owned clockwise arc.
func (v NodeView[V]) Range() (ring.ID, ring.ID) { return v.Min, v.Max }

// Depth returns the length of the view's positional path.
func (v NodeView[V]) Depth() int { return len(v.Position) }

func (n *node[V]) view(path []int) NodeView[V] {
	nv := NodeView[V]{
		Hash:     append([]byte(nil), n.hash...),
		Min:      n.min,
		Max:      n.max,
		Position: append([]int(nil), path...),
		Leaf:     n.leaf,
	}
	if n.leaf {
		nv.Entries = make(map[ring.ID]V, len(n.entries))
		for _, e := range n.entries {
			nv.Entries[e.id] = e.value
		}
		return nv
	}
	nv.Children = make([][]byte, len(n.children))
	for i, c := range n.children {
		nv.Children[i] = append([]byte(nil), c.hash...)
	}
	return nv
}

// LookupByPosition returns the node at the given positional path, or
// ok=false if the path does not exist in this tree (spec.md §4.2's
// "no such node" indication).
func (t *Tree[V]) LookupByPosition(path []int) (NodeView[V], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	for _, idx := range path {
		if n.leaf || idx < 0 || idx >= len(n.children) {
			return NodeView[V]{}, false
		}
		n = n.children[idx]
	}
	return n.view(path), true
}

// SyncAction describes what the caller must do to reconcile a divergence
// discovered by CompareNode, per the synchronization protocol of spec.md
// §4.2 consumed by DHash's local maintenance (§4.6).
type SyncAction[V any] struct {
	// Recurse lists child indices whose hash differs, when both sides are
	// internal nodes at this position.
	Recurse []int

	// NeedRangeRead is set when one side is a leaf and the other internal:
	// the caller should ReadRange the peer over [Min,Max] and pass the
	// result to MissingKeys.
	NeedRangeRead bool

	// FetchKeys lists ids present on the remote leaf but absent (or with a
	// different value) locally, when both sides are leaves.
	FetchKeys []ring.ID
}

// CompareNode compares the local node at path against a remote NodeView of
// the same position and reports the reconciling action, or
// pkg.ErrNoSuchPosition if the local tree has no node at that path.
func (t *Tree[V]) CompareNode(path []int, remote NodeView[V]) (SyncAction[V], error) {
	local, ok := t.LookupByPosition(path)
	if !ok {
		return SyncAction[V]{}, pkg.ErrNoSuchPosition
	}
	if bytes.Equal(local.Hash, remote.Hash) {
		return SyncAction[V]{}, nil
	}

	switch {
	case local.Leaf && remote.Leaf:
		// ring.ID holds a *big.Int, so map lookups by id compare pointers;
		// match entries by their hex form instead.
		localByHex := make(map[string]V, len(local.Entries))
		for id, lv := range local.Entries {
			localByHex[id.Hex()] = lv
		}
		var missing []ring.ID
		for id, rv := range remote.Entries {
			lv, ok := localByHex[id.Hex()]
			if !ok || !equalValue(lv, rv) {
				missing = append(missing, id)
			}
		}
		return SyncAction[V]{FetchKeys: missing}, nil

	case !local.Leaf && !remote.Leaf:
		var recurse []int
		for i, lh := range local.Children {
			if i >= len(remote.Children) || !bytes.Equal(lh, remote.Children[i]) {
				recurse = append(recurse, i)
			}
		}
		return SyncAction[V]{Recurse: recurse}, nil

	default:
		return SyncAction[V]{NeedRangeRead: true}, nil
	}
}

// equalValue compares two values by their rehash-time representation, since
// V carries no Equal method of its own.
func equalValue[V any](a, b V) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// MissingKeys resolves a NeedRangeRead action: given the peer's entries
// over the diverging leaf's range (fetched via READ_RANGE), it reports
// which ids the local tree lacks.
func (t *Tree[V]) MissingKeys(remoteRange map[ring.ID]V) []ring.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var missing []ring.ID
	for id, rv := range remoteRange {
		n := t.root
		for !n.leaf {
			n = n.children[childIndex(t.space, id, n.min, n.max, t.f)]
		}
		e, ok := n.entries[id.Hex()]
		if !ok || !equalValue(e.value, rv) {
			missing = append(missing, id)
		}
	}
	return missing
}
