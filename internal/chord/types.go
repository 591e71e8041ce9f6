package chord

import (
	"fmt"
	"math/big"
	"sync"

	"ringvault/internal/ring"
)

var bigOne = big.NewInt(1)

// RemotePeer identifies another peer on the ring: its id, the network
// address to reach it at, and the lower bound of the keyspace it claims to
// own (spec.md §3).
type RemotePeer struct {
	ID     ring.ID
	MinKey ring.ID
	IP     string
	Port   int
}

// Address returns the "ip:port" dial string for this peer.
func (p RemotePeer) Address() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Equal reports whether two peers denote the same ring identity.
func (p RemotePeer) Equal(other RemotePeer) bool {
	return p.ID.Equal(other.ID)
}

// IsZero reports whether p is the unset peer value.
func (p RemotePeer) IsZero() bool {
	return p.IP == "" && p.Port == 0
}

func (p RemotePeer) String() string {
	return fmt.Sprintf("Peer{ID: %s, Addr: %s}", p.ID, p.Address())
}

// FingerEntry is one row of a FingerTable: the start of the interval it
// covers and the peer currently believed to be its successor.
type FingerEntry struct {
	Lower ring.ID
	Node  RemotePeer
}

// FingerTable is the Chord routing table of spec.md §4.4: m entries whose
// i-th lower bound is self.ID + 2^i, all pointing at self on construction.
type FingerTable struct {
	mu      sync.RWMutex
	space   *ring.Space
	self    RemotePeer
	m       int
	entries []FingerEntry
}

// fingerTableBits is the number of finger levels, chosen so 2^bits covers
// the configured ring space.
func fingerTableBits(space *ring.Space) int {
	bits := 0
	size := space.Size()
	for p := ring.PowerOfTwo(bits); p.Cmp(size) < 0; p = ring.PowerOfTwo(bits) {
		bits++
	}
	if bits == 0 {
		bits = 1
	}
	return bits
}

// NewFingerTable builds a table with every finger pointing at self.
func NewFingerTable(space *ring.Space, self RemotePeer) *FingerTable {
	m := fingerTableBits(space)
	ft := &FingerTable{space: space, self: self, m: m, entries: make([]FingerEntry, m)}
	for i := 0; i < m; i++ {
		ft.entries[i] = FingerEntry{Lower: self.ID.Add(ring.PowerOfTwo(i)), Node: self}
	}
	return ft
}

// M reports the number of finger levels.
func (ft *FingerTable) M() int {
	return ft.m
}

// LowerAt returns the i-th finger's lower bound.
func (ft *FingerTable) LowerAt(i int) ring.ID {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return ft.entries[i].Lower
}

// NodeAt returns the i-th finger's current node.
func (ft *FingerTable) NodeAt(i int) RemotePeer {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return ft.entries[i].Node
}

// EditNthFinger sets the i-th finger's node, used during stabilization.
func (ft *FingerTable) EditNthFinger(i int, s RemotePeer) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.entries[i].Node = s
}

// AdjustFingers replaces the successor of every finger whose lower bound
// lies in (p.MinKey, p.ID] with p, per spec.md §4.4.
func (ft *FingerTable) AdjustFingers(p RemotePeer) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i := range ft.entries {
		if ring.InBetween(ft.entries[i].Lower, p.MinKey, p.ID, false, true) {
			ft.entries[i].Node = p
		}
	}
}

// Lookup returns the successor of the finger whose [lower, upper] range
// contains k, where the i-th finger's upper bound is the (i+1)-th finger's
// lower bound minus one, and the last finger's upper bound is self.ID.
func (ft *FingerTable) Lookup(k ring.ID) RemotePeer {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	for i := 0; i < ft.m; i++ {
		lower := ft.entries[i].Lower
		var upper ring.ID
		if i == ft.m-1 {
			upper = ft.self.ID
		} else {
			upper = ft.entries[i+1].Lower.Sub(bigOne)
		}
		if ring.InBetween(k, lower, upper, true, true) {
			return ft.entries[i].Node
		}
	}
	return ft.self
}

// ReplaceDeadPeer substitutes every finger pointing at dead with
// replacement, matched by id.
func (ft *FingerTable) ReplaceDeadPeer(dead, replacement RemotePeer) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i := range ft.entries {
		if ft.entries[i].Node.ID.Equal(dead.ID) {
			ft.entries[i].Node = replacement
		}
	}
}

// SuccessorList maintains up to K peers clockwise from self, in positional
// order starting at self.ID+1 (spec.md §3, §4.4).
type SuccessorList struct {
	mu      sync.RWMutex
	self    RemotePeer
	k       int
	entries []RemotePeer
}

// NewSuccessorList builds an empty list with capacity k.
func NewSuccessorList(self RemotePeer, k int) *SuccessorList {
	return &SuccessorList{self: self, k: k}
}

// Entries returns a copy of the current successor list.
func (sl *SuccessorList) Entries() []RemotePeer {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	out := make([]RemotePeer, len(sl.entries))
	copy(out, sl.entries)
	return out
}

// Len reports the number of entries currently held.
func (sl *SuccessorList) Len() int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return len(sl.entries)
}

// Head returns the first (closest) successor, if any.
func (sl *SuccessorList) Head() (RemotePeer, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if len(sl.entries) == 0 {
		return RemotePeer{}, false
	}
	return sl.entries[0], true
}

// Insert places p in clockwise order relative to self.ID, deduplicating by
// id and trimming to capacity k.
func (sl *SuccessorList) Insert(p RemotePeer) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.insertLocked(p)
}

func (sl *SuccessorList) insertLocked(p RemotePeer) {
	if p.ID.Equal(sl.self.ID) {
		return
	}
	for _, e := range sl.entries {
		if e.ID.Equal(p.ID) {
			return
		}
	}
	idx := len(sl.entries)
	for i, e := range sl.entries {
		if ring.InBetween(p.ID, sl.self.ID, e.ID, false, false) {
			idx = i
			break
		}
	}
	sl.entries = append(sl.entries, RemotePeer{})
	copy(sl.entries[idx+1:], sl.entries[idx:])
	sl.entries[idx] = p
	if len(sl.entries) > sl.k {
		sl.entries = sl.entries[:sl.k]
	}
}

// Replace overwrites the list wholesale (used after UpdateSuccList
// discovery), dropping self and trimming to capacity.
func (sl *SuccessorList) Replace(entries []RemotePeer) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	filtered := make([]RemotePeer, 0, len(entries))
	for _, e := range entries {
		if !e.ID.Equal(sl.self.ID) {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) > sl.k {
		filtered = filtered[:sl.k]
	}
	sl.entries = filtered
}

// Remove deletes the entry with the given id, if present.
func (sl *SuccessorList) Remove(id ring.ID) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for i, e := range sl.entries {
		if e.ID.Equal(id) {
			sl.entries = append(sl.entries[:i], sl.entries[i+1:]...)
			return
		}
	}
}

// Lookup iterates the successor list's (prev, this] segments; for the
// segment containing k, it returns this for a successor lookup or prev for
// a predecessor lookup.
func (sl *SuccessorList) Lookup(k ring.ID, succ bool) (RemotePeer, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	prev := sl.self
	for _, this := range sl.entries {
		if ring.InBetween(k, prev.ID, this.ID, false, true) {
			if succ {
				return this, true
			}
			return prev, true
		}
		prev = this
	}
	return RemotePeer{}, false
}

// LookupLiving prefers Lookup's result if it answers IsAlive, else scans
// clockwise for the next alive entry.
func (sl *SuccessorList) LookupLiving(k ring.ID, succ bool, isAlive func(RemotePeer) bool) (RemotePeer, bool) {
	p, ok := sl.Lookup(k, succ)
	if ok && isAlive(p) {
		return p, true
	}

	sl.mu.RLock()
	defer sl.mu.RUnlock()
	for _, e := range sl.entries {
		if isAlive(e) {
			return e, true
		}
	}
	return RemotePeer{}, false
}
