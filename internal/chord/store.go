package chord

import (
	"ringvault/internal/merkle"
	"ringvault/internal/ring"
)

// Store is the local key/value backing a Node, satisfied by
// merkle.Tree[V]. Routing and replication code depend on this interface
// rather than the concrete tree so DHash can layer fragment semantics on
// top without touching the Chord core (spec.md §4.2, §4.6).
type Store[V any] interface {
	Insert(k ring.ID, v V) error
	Update(k ring.ID, v V) error
	Delete(k ring.ID) error
	Lookup(k ring.ID) (V, bool)
	Contains(k ring.ID) bool
	ReadRange(lo, hi ring.ID) map[ring.ID]V
	Next(k ring.ID) (ring.ID, V, bool)
	Entries() map[ring.ID]V
	OrderedEntries() []merkle.Entry[V]
	Hash() []byte
	Empty() bool
	SetRange(min, max ring.ID)
	LookupByPosition(path []int) (merkle.NodeView[V], bool)
	CompareNode(path []int, remote merkle.NodeView[V]) (merkle.SyncAction[V], error)
	MissingKeys(remoteRange map[ring.ID]V) []ring.ID
}
