// Package dhash layers Rabin (n, m, p) information dispersal replication
// on top of a Chord ring: a key's value is split into n fragments, one
// placed at each of its n immediate successors, and reconstructed from
// any m of them (spec.md §4.3, §4.6).
package dhash

import (
	"context"
	"math/rand"
	"sync"

	"ringvault/internal/chord"
	"ringvault/internal/ida"
	"ringvault/internal/ring"
	"ringvault/pkg"
)

// Node wraps a Chord peer whose local store holds ida.Fragment values,
// adding fragment placement/retrieval and the two maintenance phases of
// spec.md §4.6. It satisfies chord.MaintenanceHook so a *chord.Node can
// drive its periodic work directly.
type Node struct {
	chord *chord.Node[ida.Fragment]

	codecMu sync.RWMutex
	codec   *ida.Codec

	logger *pkg.Logger
}

// NewNode wraps an already-constructed Chord peer with DHash semantics.
func NewNode(chordNode *chord.Node[ida.Fragment], codec *ida.Codec, logger *pkg.Logger) *Node {
	return &Node{
		chord:  chordNode,
		codec:  codec,
		logger: logger.WithFields(pkg.Fields{"component": "dhash"}),
	}
}

func (n *Node) getCodec() *ida.Codec {
	n.codecMu.RLock()
	defer n.codecMu.RUnlock()
	return n.codec
}

// SetIdaParams rebuilds the codec, per the public API of spec.md §6.
// Callers are expected to do this before the first Create, per spec.md §6's
// "configurable at runtime before Create calls" — not enforced here, since
// nothing in the spec defines the error for changing it mid-flight.
func (n *Node) SetIdaParams(nFrag, m int, p int64) error {
	codec, err := ida.NewCodec(nFrag, m, p)
	if err != nil {
		return err
	}
	n.codecMu.Lock()
	n.codec = codec
	n.codecMu.Unlock()
	return nil
}

// GetIdaParams returns the codec's current (n, m, p).
func (n *Node) GetIdaParams() (int, int, int64) {
	c := n.getCodec()
	return c.N(), c.M(), c.P()
}

// Create implements spec.md §4.6's Create(k, value).
func (n *Node) Create(ctx context.Context, k ring.ID, value []byte) error {
	codec := n.getCodec()
	rows := codec.Encode(value)

	succs, err := n.chord.GetNSuccessors(ctx, k, codec.N())
	if err != nil {
		return err
	}
	if len(succs) < codec.M() {
		return pkg.ErrInsufficientReplicas
	}

	self := n.chord.Self()
	acked := 0
	for j, succ := range succs {
		if j >= len(rows) {
			break
		}
		frag := ida.Fragment{M: codec.M(), N: codec.N(), P: codec.P(), Index: j, Values: rows[j]}

		var storeErr error
		if succ.ID.Equal(self.ID) {
			storeErr = n.HandleCreateKey(k, frag)
		} else {
			callCtx, cancel := context.WithTimeout(ctx, n.chord.RPCTimeout())
			storeErr = n.chord.Client().CreateKey(callCtx, succ.Address(), k, frag)
			cancel()
		}
		if storeErr == nil {
			acked++
		}
	}

	if acked < codec.M() {
		return pkg.ErrInsufficientReplicas
	}
	return nil
}

// Read implements spec.md §4.6's Read(k).
func (n *Node) Read(ctx context.Context, k ring.ID) ([]byte, error) {
	codec := n.getCodec()
	self := n.chord.Self()

	succs, err := n.chord.GetNSuccessors(ctx, k, codec.N())
	if err != nil {
		return nil, err
	}

	var rows [][]int64
	var indices []int
	for _, succ := range succs {
		var frag ida.Fragment
		var fragErr error
		if succ.ID.Equal(self.ID) {
			frag, fragErr = n.HandleReadKey(k)
		} else {
			callCtx, cancel := context.WithTimeout(ctx, n.chord.RPCTimeout())
			frag, fragErr = n.chord.Client().ReadKey(callCtx, succ.Address(), k)
			cancel()
		}
		if fragErr != nil {
			continue // ignore per-peer errors per spec.md §4.6
		}
		rows = append(rows, frag.Values)
		indices = append(indices, frag.Index)
		if len(rows) >= codec.M() {
			break
		}
	}

	if len(rows) < codec.M() {
		return nil, pkg.ErrTooFewFragments
	}
	return codec.Decode(rows, indices)
}

// HandleCreateKey is the CREATE_KEY handler for a DHash peer: no two
// concurrent creates of the same key succeed (spec.md §5).
func (n *Node) HandleCreateKey(k ring.ID, frag ida.Fragment) error {
	if n.chord.ContainsLocal(k) {
		return pkg.ErrKeyExists
	}
	return n.chord.InsertLocal(k, frag)
}

// HandleReadKey is the READ_KEY handler for a DHash peer.
func (n *Node) HandleReadKey(k ring.ID) (ida.Fragment, error) {
	frag, ok := n.chord.ReadLocal(k)
	if !ok {
		return ida.Fragment{}, pkg.ErrKeyNotFound
	}
	return frag, nil
}

// HandleReadRange is the READ_RANGE handler for a DHash peer.
func (n *Node) HandleReadRange(lo, hi ring.ID) map[ring.ID]ida.Fragment {
	return n.chord.LocalReadRange(lo, hi)
}

// LocalMaintenance implements chord.MaintenanceHook: per live successor,
// Synchronize the Merkle trees over this peer's owned range (spec.md §4.6).
func (n *Node) LocalMaintenance(ctx context.Context) {
	self := n.chord.Self()
	for _, s := range n.chord.Successors() {
		if s.ID.Equal(self.ID) {
			continue
		}
		if !n.chord.IsAlivePeer(ctx, s) {
			continue
		}
		n.synchronize(ctx, s, self.MinKey, self.ID)
	}
}

// synchronize walks the positional sync protocol of spec.md §4.2/§4.6,
// starting at the tree root.
func (n *Node) synchronize(ctx context.Context, peer chord.RemotePeer, lo, hi ring.ID) {
	n.syncPath(ctx, peer, nil, lo, hi)
}

func (n *Node) syncPath(ctx context.Context, peer chord.RemotePeer, path []int, lo, hi ring.ID) {
	localView, ok := n.chord.LookupByPosition(path)
	if !ok {
		return
	}

	remoteView, err := n.chord.Client().ExchangeNode(ctx, peer.Address(), path, n.chord.Self(), lo, hi, localView)
	if err != nil {
		n.logger.Debug().Err(err).Str("peer", peer.Address()).Msg("exchange node failed")
		return
	}

	action, err := n.chord.CompareNode(path, remoteView)
	if err != nil {
		return
	}

	if action.NeedRangeRead {
		kv, err := n.chord.Client().ReadRange(ctx, peer.Address(), localView.Min, localView.Max)
		if err != nil {
			return
		}
		for k := range kv {
			n.retrieveMissing(ctx, k)
		}
		return
	}

	for _, k := range action.FetchKeys {
		n.retrieveMissing(ctx, k)
	}
	for _, childIdx := range action.Recurse {
		childPath := append(append([]int{}, path...), childIdx)
		n.syncPath(ctx, peer, childPath, lo, hi)
	}
}

// retrieveMissing reads the full block via the DHash Read path and stores
// one uniformly-sampled fragment locally; any fragment reconstructs with
// m others of the replica set, so matching the exact rotation position is
// unnecessary (spec.md §4.6).
func (n *Node) retrieveMissing(ctx context.Context, k ring.ID) {
	value, err := n.Read(ctx, k)
	if err != nil {
		return
	}
	codec := n.getCodec()
	rows := codec.Encode(value)
	idx := rand.Intn(len(rows))
	frag := ida.Fragment{M: codec.M(), N: codec.N(), P: codec.P(), Index: idx, Values: rows[idx]}
	_ = n.chord.UpdateLocal(k, frag)
	n.chord.Emit(chord.EventFragmentRepair, "repaired fragment "+k.Hex())
}

// GlobalMaintenance implements chord.MaintenanceHook: walk the local store
// in ring order and relocate any fragment whose key no longer maps to this
// peer (spec.md §4.6). For each successor that should hold a misplaced key,
// the arc from the lowest to the highest misplaced key is read from that
// successor in one ReadRange call rather than probing key by key, and a key
// already present in that read is not pushed again.
func (n *Node) GlobalMaintenance(ctx context.Context) {
	self := n.chord.Self()
	codec := n.getCodec()

	ordered := n.chord.LocalOrderedEntries()
	if len(ordered) == 0 {
		return
	}
	var lo, hi ring.ID

	misplaced := make(map[ring.ID]ida.Fragment)
	targets := make(map[ring.ID][]chord.RemotePeer)
	for _, e := range ordered {
		succs, err := n.chord.GetNSuccessors(ctx, e.ID, codec.N())
		if err != nil || len(succs) == 0 {
			continue
		}

		belongsHere := false
		for _, s := range succs {
			if s.ID.Equal(self.ID) {
				belongsHere = true
				break
			}
		}
		if belongsHere {
			continue
		}

		// ordered is ascending, so [lo, hi] spans every misplaced key.
		if len(misplaced) == 0 {
			lo = e.ID
		}
		hi = e.ID
		misplaced[e.ID] = e.Value
		targets[e.ID] = succs
	}
	if len(misplaced) == 0 {
		return
	}

	type rangeResult struct {
		present map[string]bool
		ok      bool
	}
	remoteCache := make(map[string]rangeResult)
	for k, frag := range misplaced {
		for _, s := range targets[k] {
			cached, queried := remoteCache[s.Address()]
			if !queried {
				entries, err := n.chord.Client().ReadRange(ctx, s.Address(), lo, hi)
				present := make(map[string]bool, len(entries))
				for id := range entries {
					present[id.Hex()] = true
				}
				cached = rangeResult{present: present, ok: err == nil}
				remoteCache[s.Address()] = cached
			}
			if !cached.ok {
				continue
			}
			if cached.present[k.Hex()] {
				continue
			}

			callCtx, cancel := context.WithTimeout(ctx, n.chord.RPCTimeout())
			createErr := n.chord.Client().CreateKey(callCtx, s.Address(), k, frag)
			cancel()
			if createErr == nil {
				_ = n.chord.DeleteLocal(k)
			}
		}
	}
}
