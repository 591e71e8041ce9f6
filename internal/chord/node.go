package chord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ringvault/internal/merkle"
	"ringvault/internal/ring"
	"ringvault/pkg"
)

// truncateHex safely truncates a hex string for log fields.
func truncateHex(hexStr string, maxLen int) string {
	if len(hexStr) > maxLen {
		return hexStr[:maxLen]
	}
	return hexStr
}

// nodeState tracks the lifecycle states of spec.md §4.7:
// Fresh -> Running{Alone,InRing} -> Stopped.
type nodeState int32

const (
	stateFresh nodeState = iota
	stateAlone
	stateInRing
	stateStopped
)

// MaintenanceHook lets a higher layer (DHash) plug extra periodic work
// into a Node's maintenance loop without the Chord core depending on it,
// per spec.md §4.6/§4.7.
type MaintenanceHook interface {
	LocalMaintenance(ctx context.Context)
	GlobalMaintenance(ctx context.Context)
}

// Node is a generic Chord peer, parameterized over the value type its
// local store holds: V = string for plain Chord, V = ida.Fragment for
// DHash (spec.md Design Notes §9).
type Node[V any] struct {
	space *ring.Space
	self  RemotePeer

	predMu      sync.RWMutex
	predecessor *RemotePeer

	minKeyMu sync.RWMutex
	minKey   ring.ID

	fingers    *FingerTable
	successors *SuccessorList
	store      Store[V]
	client     RemoteClient[V]

	k                   int
	stabilizeInterval   time.Duration
	maintenanceInterval time.Duration
	rpcTimeout          time.Duration

	hookMu sync.RWMutex
	hook   MaintenanceHook

	broadcastMu sync.RWMutex
	broadcaster RingUpdateBroadcaster

	logger *pkg.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.RWMutex
	state   nodeState
}

// Config bundles the construction parameters a Node needs; kept separate
// from internal/config.Config so this package has no import-cycle on the
// peer-wide configuration type.
type Config struct {
	Space               *ring.Space
	Self                RemotePeer
	SuccessorListSize   int
	StabilizeInterval   time.Duration
	MaintenanceInterval time.Duration
	RPCTimeout          time.Duration
}

// NewNode constructs a Node in the Fresh state.
func NewNode[V any](cfg Config, store Store[V], client RemoteClient[V], logger *pkg.Logger) *Node[V] {
	n := &Node[V]{
		space:               cfg.Space,
		self:                cfg.Self,
		fingers:             NewFingerTable(cfg.Space, cfg.Self),
		successors:          NewSuccessorList(cfg.Self, cfg.SuccessorListSize),
		store:               store,
		client:              client,
		k:                   cfg.SuccessorListSize,
		stabilizeInterval:   cfg.StabilizeInterval,
		maintenanceInterval: cfg.MaintenanceInterval,
		rpcTimeout:          cfg.RPCTimeout,
		logger:              logger.WithFields(pkg.Fields{"node_id": truncateHex(cfg.Self.ID.Hex(), 8)}),
		minKey:              cfg.Self.ID.AddUint64(1),
		state:               stateFresh,
	}
	return n
}

// SetMaintenanceHook installs DHash's extra periodic work.
func (n *Node[V]) SetMaintenanceHook(h MaintenanceHook) {
	n.hookMu.Lock()
	defer n.hookMu.Unlock()
	n.hook = h
}

// SetBroadcaster installs a telemetry sink for ring topology events.
func (n *Node[V]) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcastMu.Lock()
	defer n.broadcastMu.Unlock()
	n.broadcaster = b
}

// Self returns this node's own RemotePeer, with its current MinKey.
func (n *Node[V]) Self() RemotePeer {
	p := n.self
	p.MinKey = n.getMinKey()
	return p
}

// Space returns the ring identifier space this node operates in.
func (n *Node[V]) Space() *ring.Space { return n.space }

func (n *Node[V]) getPredecessor() (RemotePeer, bool) {
	n.predMu.RLock()
	defer n.predMu.RUnlock()
	if n.predecessor == nil {
		return RemotePeer{}, false
	}
	return *n.predecessor, true
}

func (n *Node[V]) setPredecessor(p RemotePeer) {
	n.predMu.Lock()
	n.predecessor = &p
	n.predMu.Unlock()
}

func (n *Node[V]) clearPredecessor() {
	n.predMu.Lock()
	n.predecessor = nil
	n.predMu.Unlock()
}

func (n *Node[V]) getMinKey() ring.ID {
	n.minKeyMu.RLock()
	defer n.minKeyMu.RUnlock()
	return n.minKey
}

func (n *Node[V]) setMinKey(k ring.ID) {
	n.minKeyMu.Lock()
	n.minKey = k
	n.minKeyMu.Unlock()
	n.store.SetRange(k, n.self.ID)
}

func (n *Node[V]) isAlive(ctx context.Context, p RemotePeer) bool {
	if p.ID.Equal(n.self.ID) {
		return true
	}
	callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
	defer cancel()
	return n.client.IsAlive(callCtx, p.Address())
}

// Emit broadcasts a telemetry event through this node's installed
// RingUpdateBroadcaster, if any. Exported so a MaintenanceHook (dhash.Node)
// can report replication events (fragment repair) through the same
// broadcaster it registers via SetBroadcaster.
func (n *Node[V]) Emit(eventType, message string) {
	n.emit(eventType, message)
}

func (n *Node[V]) emit(eventType, message string) {
	n.broadcastMu.RLock()
	b := n.broadcaster
	n.broadcastMu.RUnlock()
	if b == nil {
		return
	}
	_ = b.BroadcastRingUpdate(RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.self.ID.Hex(),
		Timestamp: time.Now().Unix(),
		Message:   message,
	})
}

// StartChord begins a single-node ring: no predecessor, min_key wraps all
// the way around to self.ID (spec.md §4.7's Alone substate).
func (n *Node[V]) StartChord(ctx context.Context) error {
	n.stateMu.Lock()
	if n.state != stateFresh {
		n.stateMu.Unlock()
		return fmt.Errorf("chord: StartChord called from state %d", n.state)
	}
	n.state = stateAlone
	n.stateMu.Unlock()

	n.setMinKey(n.self.ID.AddUint64(1))
	n.clearPredecessor()
	n.logger.Info().Msg("started new ring")
	n.startMaintenance(ctx)
	return nil
}

// Join attaches to an existing ring via gateway, per spec.md §4.5.
func (n *Node[V]) Join(ctx context.Context, gatewayAddr string) error {
	n.stateMu.Lock()
	if n.state != stateFresh {
		n.stateMu.Unlock()
		return fmt.Errorf("chord: Join called from state %d", n.state)
	}
	n.stateMu.Unlock()

	pred, err := n.client.Join(ctx, gatewayAddr, n.self)
	if err != nil {
		return fmt.Errorf("chord: join gateway %s: %w", gatewayAddr, err)
	}
	n.setPredecessor(pred)
	n.setMinKey(pred.ID.AddUint64(1))

	seed := pred
	for i := 0; i < n.fingers.M(); i++ {
		lower := n.fingers.LowerAt(i)
		target, err := n.client.GetSuccessor(ctx, seed.Address(), lower)
		if err != nil {
			n.logger.Warn().Err(err).Int("finger", i).Msg("failed to resolve finger during join")
			continue
		}
		n.fingers.EditNthFinger(i, target)
		seed = target
	}

	successor := n.fingers.NodeAt(0)
	if err := n.notifyPeer(ctx, successor); err != nil {
		n.logger.Warn().Err(err).Msg("failed to notify successor during join")
	}

	if n.k > 10 {
		preds, err := n.client.GetNPredecessors(ctx, successor.Address(), successor.ID, n.k)
		if err == nil {
			for _, p := range preds {
				n.successors.Insert(p)
				_ = n.notifyPeer(ctx, p)
			}
		}
	} else {
		succs, err := n.client.GetNSuccessors(ctx, successor.Address(), n.self.ID.AddUint64(1), n.k)
		if err == nil {
			n.successors.Replace(succs)
		} else {
			n.successors.Insert(successor)
		}
	}

	n.fixOtherFingers(ctx, n.self.ID)

	n.stateMu.Lock()
	n.state = stateInRing
	n.stateMu.Unlock()

	n.logger.Info().Str("gateway", gatewayAddr).Msg("joined ring")
	n.emit(EventNodeJoin, "joined ring via "+gatewayAddr)
	n.startMaintenance(ctx)
	return nil
}

// notifyPeer sends NOTIFY to p and absorbs any keys the handler returns.
func (n *Node[V]) notifyPeer(ctx context.Context, p RemotePeer) error {
	if p.ID.Equal(n.self.ID) {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
	defer cancel()
	keys, err := n.client.Notify(callCtx, p.Address(), n.self)
	if err != nil {
		return err
	}
	for k, v := range keys {
		if err := n.store.Insert(k, v); err != nil {
			_ = n.store.Update(k, v)
		}
	}
	return nil
}

// GetSuccessor implements the decision tree of spec.md §4.5.
func (n *Node[V]) GetSuccessor(ctx context.Context, k ring.ID) (RemotePeer, error) {
	if ring.InBetween(k, n.getMinKey(), n.self.ID, true, true) {
		return n.Self(), nil
	}

	target := n.fingers.Lookup(k)
	if target.ID.Equal(n.self.ID) {
		if pred, ok := n.getPredecessor(); ok && n.isAlive(ctx, pred) {
			return n.remoteGetSuccessor(ctx, pred, k)
		}
		return n.Self(), nil
	}

	if n.isAlive(ctx, target) {
		return n.remoteGetSuccessor(ctx, target, k)
	}

	if p, ok := n.successors.LookupLiving(k, true, func(p RemotePeer) bool { return n.isAlive(ctx, p) }); ok {
		return p, nil
	}
	if head, ok := n.successors.Head(); ok {
		return head, nil
	}
	return RemotePeer{}, pkg.ErrPeerUnreachable
}

func (n *Node[V]) remoteGetSuccessor(ctx context.Context, p RemotePeer, k ring.ID) (RemotePeer, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
	defer cancel()
	return n.client.GetSuccessor(callCtx, p.Address(), k)
}

// GetPredecessor implements spec.md §4.5's decision tree.
func (n *Node[V]) GetPredecessor(ctx context.Context, k ring.ID) (RemotePeer, error) {
	pred, ok := n.getPredecessor()
	if !ok {
		return n.Self(), nil
	}
	if ring.InBetween(k, n.getMinKey(), n.self.ID, true, true) {
		return pred, nil
	}

	if succ, ok := n.successors.Lookup(k, true); ok {
		callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
		succPred, err := n.client.GetPredecessor(callCtx, succ.Address(), k)
		cancel()
		if err == nil && ring.InBetween(k, succPred.ID, succ.ID, false, true) {
			return succPred, nil
		}
	}

	target := n.fingers.Lookup(k)
	if target.ID.Equal(n.self.ID) {
		return pred, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
	defer cancel()
	return n.client.GetPredecessor(callCtx, target.Address(), k)
}

// GetNSuccessors collects up to num successors clockwise from k, pairwise
// distinct by id (spec.md §4.5).
func (n *Node[V]) GetNSuccessors(ctx context.Context, k ring.ID, num int) ([]RemotePeer, error) {
	seen := make(map[string]bool)
	var out []RemotePeer
	cur := k
	for len(out) < num {
		s, err := n.GetSuccessor(ctx, cur)
		if err != nil {
			return out, err
		}
		if seen[s.ID.Hex()] {
			break
		}
		seen[s.ID.Hex()] = true
		out = append(out, s)
		cur = s.ID.AddUint64(1)
	}
	return out, nil
}

// GetNPredecessors collects up to num predecessors counter-clockwise from
// k, pairwise distinct by id.
func (n *Node[V]) GetNPredecessors(ctx context.Context, k ring.ID, num int) ([]RemotePeer, error) {
	seen := make(map[string]bool)
	var out []RemotePeer
	cur := k
	for len(out) < num {
		p, err := n.GetPredecessor(ctx, cur)
		if err != nil {
			return out, err
		}
		if seen[p.ID.Hex()] {
			break
		}
		seen[p.ID.Hex()] = true
		out = append(out, p)
		cur = p.ID.Sub(bigOne)
	}
	return out, nil
}

// HandleJoin is the JoinHandler of spec.md §4.5: returns this node's
// predecessor, and opportunistically learns about the joiner.
func (n *Node[V]) HandleJoin(newPeer RemotePeer) RemotePeer {
	pred, ok := n.getPredecessor()
	if !ok {
		pred = n.Self()
	}
	n.fingers.AdjustFingers(newPeer)
	n.successors.Insert(newPeer)
	return pred
}

// HandleNotify classifies the sender and returns keys to absorb, per
// spec.md §4.5's Notify/NotifyHandler.
func (n *Node[V]) HandleNotify(newPeer RemotePeer) map[ring.ID]V {
	pred, hasPred := n.getPredecessor()

	isPred := !hasPred || ring.InBetween(newPeer.ID, pred.ID, n.self.ID, false, false)
	if isPred {
		if hasPred && !n.isAlive(n.ctx, pred) {
			keys := n.handleNotifyFromPred(newPeer)
			n.handlePredFailure(n.ctx, pred)
			return keys
		}
		return n.handleNotifyFromPred(newPeer)
	}

	if ring.InBetween(newPeer.ID, n.self.ID, n.fingers.NodeAt(0).ID, false, true) {
		n.fingers.AdjustFingers(newPeer)
		n.successors.Insert(newPeer)
		return nil
	}

	n.fingers.AdjustFingers(newPeer)
	return nil
}

func (n *Node[V]) handleNotifyFromPred(newPeer RemotePeer) map[ring.ID]V {
	toAbsorb := n.store.ReadRange(n.getMinKey(), newPeer.ID)
	for k := range toAbsorb {
		_ = n.store.Delete(k)
	}
	n.setPredecessor(newPeer)
	n.setMinKey(newPeer.ID.AddUint64(1))
	return toAbsorb
}

// Stabilize runs one stabilization pass, per spec.md §4.5.
func (n *Node[V]) Stabilize(ctx context.Context) error {
	if pred, ok := n.getPredecessor(); ok && !n.isAlive(ctx, pred) {
		n.handlePredFailure(ctx, pred)
	}

	if n.successors.Len() == 0 {
		succs, err := n.GetNSuccessors(ctx, n.self.ID.AddUint64(1), n.k)
		if err != nil {
			return err
		}
		n.successors.Replace(succs)
		n.populateFingerTable(ctx)
		return nil
	}

	for {
		head, ok := n.successors.Head()
		if !ok || n.isAlive(ctx, head) {
			break
		}
		n.successors.Remove(head.ID)
	}

	head, ok := n.successors.Head()
	if ok {
		callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
		predOfSucc, err := n.client.GetPredecessor(callCtx, head.Address(), head.ID)
		cancel()

		if err != nil || ring.InBetween(n.self.ID, predOfSucc.ID, head.ID, false, false) {
			_ = n.notifyPeer(ctx, head)
		}
	}

	n.UpdateSuccList(ctx)
	n.populateFingerTable(ctx)
	n.emit(EventStabilization, "stabilization pass completed")
	return nil
}

// UpdateSuccList walks the successor list backward via GetPredecessor to
// discover nodes that joined between entries, then extends forward to
// refill capacity, per spec.md §4.5.
func (n *Node[V]) UpdateSuccList(ctx context.Context) {
	entries := n.successors.Entries()
	discovered := make([]RemotePeer, 0, n.k)
	prev := n.self

	for _, e := range entries {
		var between []RemotePeer
		cur := e
		for i := 0; i < n.k; i++ {
			callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
			candidate, err := n.client.GetPredecessor(callCtx, cur.Address(), cur.ID)
			cancel()
			if err != nil || candidate.ID.Equal(prev.ID) || candidate.ID.Equal(n.self.ID) || candidate.ID.Equal(cur.ID) {
				break
			}
			between = append(between, candidate)
			cur = candidate
		}
		// between was found walking counter-clockwise from e; append it in
		// reverse so discovered stays in clockwise order ahead of e.
		for j := len(between) - 1; j >= 0; j-- {
			discovered = append(discovered, between[j])
		}
		discovered = append(discovered, e)
		prev = e
	}

	if len(discovered) < n.k {
		tailID := n.self.ID
		if len(discovered) > 0 {
			tailID = discovered[len(discovered)-1].ID
		}
		more, err := n.GetNSuccessors(ctx, tailID.AddUint64(1), n.k-len(discovered))
		if err == nil {
			seen := make(map[string]bool, len(discovered))
			for _, p := range discovered {
				seen[p.ID.Hex()] = true
			}
			for _, p := range more {
				if !seen[p.ID.Hex()] {
					seen[p.ID.Hex()] = true
					discovered = append(discovered, p)
				}
			}
		}
	}

	n.successors.Replace(discovered)
}

func (n *Node[V]) populateFingerTable(ctx context.Context) {
	for i := 0; i < n.fingers.M(); i++ {
		lower := n.fingers.LowerAt(i)
		target, err := n.GetSuccessor(ctx, lower)
		if err != nil {
			continue
		}
		n.fingers.EditNthFinger(i, target)
	}
}

// fixOtherFingers notifies the predecessors of k-2^(i-1) for each level, so
// peers refresh their fingers to point at this node.
func (n *Node[V]) fixOtherFingers(ctx context.Context, k ring.ID) {
	var lastNotified *RemotePeer
	for i := 1; i <= n.fingers.M(); i++ {
		target := k.Sub(ring.PowerOfTwo(i - 1))
		p, err := n.GetPredecessor(ctx, target)
		if err != nil {
			continue
		}
		if p.ID.Equal(n.self.ID) {
			break
		}
		if lastNotified != nil && lastNotified.ID.Equal(p.ID) {
			continue
		}
		_ = n.notifyPeer(ctx, p)
		lastNotified = &p
	}
}

// Rectify implements spec.md §4.5: if failed is actually alive, abort;
// otherwise ask the predecessors of failed's finger levels to repair
// themselves against originator.
func (n *Node[V]) Rectify(ctx context.Context, failed RemotePeer) {
	if n.isAlive(ctx, failed) {
		return
	}
	for i := 1; i <= n.fingers.M(); i++ {
		target := failed.ID.Sub(ring.PowerOfTwo(i - 1))
		p, err := n.GetPredecessor(ctx, target)
		if err != nil || p.ID.Equal(n.self.ID) {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
		_ = n.client.Rectify(callCtx, p.Address(), failed, n.Self())
		cancel()
	}
}

// HandleRectify is the RectifyHandler of spec.md §4.5.
func (n *Node[V]) HandleRectify(failed, originator RemotePeer) {
	n.successors.Remove(failed.ID)
	n.fingers.ReplaceDeadPeer(failed, originator)
	n.successors.Insert(originator)
	go func() { _ = n.notifyPeer(n.ctx, originator) }()
}

// handlePredFailure reclaims the gap left by a dead predecessor and kicks
// off Rectify to repair the rest of the ring.
func (n *Node[V]) handlePredFailure(ctx context.Context, oldPred RemotePeer) {
	n.clearPredecessor()
	n.setMinKey(n.self.ID.AddUint64(1))
	n.fingers.AdjustFingers(n.Self())
	n.successors.Remove(oldPred.ID)
	go n.Rectify(ctx, oldPred)
}

// Create inserts a key/value pair, routing to the responsible peer if it
// is not local (spec.md §4.5).
func (n *Node[V]) Create(ctx context.Context, k ring.ID, v V) error {
	if ring.InBetween(k, n.getMinKey(), n.self.ID, true, true) {
		return n.store.Insert(k, v)
	}
	owner, err := n.GetSuccessor(ctx, k)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
	defer cancel()
	return n.client.CreateKey(callCtx, owner.Address(), k, v)
}

// Read looks up a key, routing to the responsible peer if not local.
func (n *Node[V]) Read(ctx context.Context, k ring.ID) (V, error) {
	if ring.InBetween(k, n.getMinKey(), n.self.ID, true, true) {
		v, ok := n.store.Lookup(k)
		if !ok {
			var zero V
			return zero, pkg.ErrKeyNotFound
		}
		return v, nil
	}
	owner, err := n.GetSuccessor(ctx, k)
	if err != nil {
		var zero V
		return zero, err
	}
	callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
	defer cancel()
	return n.client.ReadKey(callCtx, owner.Address(), k)
}

// HandleCreateKey errors if k is not local, else inserts (spec.md §4.5).
func (n *Node[V]) HandleCreateKey(k ring.ID, v V) error {
	if !ring.InBetween(k, n.getMinKey(), n.self.ID, true, true) {
		return pkg.ErrNotLocal
	}
	return n.store.Insert(k, v)
}

// HandleReadKey reads a local key.
func (n *Node[V]) HandleReadKey(k ring.ID) (V, error) {
	v, ok := n.store.Lookup(k)
	if !ok {
		var zero V
		return zero, pkg.ErrKeyNotFound
	}
	return v, nil
}

// HandleReadRange serves a READ_RANGE request.
func (n *Node[V]) HandleReadRange(lo, hi ring.ID) map[ring.ID]V {
	return n.store.ReadRange(lo, hi)
}

// InsertLocal, ReadLocal, ContainsLocal, UpdateLocal and DeleteLocal give a
// layer above Chord (DHash) direct access to this peer's local store,
// bypassing the key-ownership check HandleCreateKey applies:
// DHash places fragments at all n successors of a key, most of which do
// not themselves own that key in the plain-Chord sense (spec.md §4.6).
func (n *Node[V]) InsertLocal(k ring.ID, v V) error { return n.store.Insert(k, v) }

func (n *Node[V]) ReadLocal(k ring.ID) (V, bool) { return n.store.Lookup(k) }

func (n *Node[V]) ContainsLocal(k ring.ID) bool { return n.store.Contains(k) }

func (n *Node[V]) UpdateLocal(k ring.ID, v V) error {
	if n.store.Contains(k) {
		return n.store.Update(k, v)
	}
	return n.store.Insert(k, v)
}

func (n *Node[V]) DeleteLocal(k ring.ID) error { return n.store.Delete(k) }

// LocalEntries and LocalReadRange expose read access to the whole local
// store for maintenance sweeps.
func (n *Node[V]) LocalEntries() map[ring.ID]V { return n.store.Entries() }

// LocalOrderedEntries returns the local store's entries walked in ring
// order (ascending id), for maintenance sweeps that must proceed clockwise
// from a starting point rather than in arbitrary map order (spec.md §4.6).
func (n *Node[V]) LocalOrderedEntries() []merkle.Entry[V] { return n.store.OrderedEntries() }

func (n *Node[V]) LocalReadRange(lo, hi ring.ID) map[ring.ID]V { return n.store.ReadRange(lo, hi) }

// LookupByPosition and CompareNode expose the local Merkle tree's
// positional sync protocol to a layer above Chord.
func (n *Node[V]) LookupByPosition(path []int) (merkle.NodeView[V], bool) {
	return n.store.LookupByPosition(path)
}

func (n *Node[V]) CompareNode(path []int, remote merkle.NodeView[V]) (merkle.SyncAction[V], error) {
	return n.store.CompareNode(path, remote)
}

// Successors returns a snapshot of the current successor list.
func (n *Node[V]) Successors() []RemotePeer { return n.successors.Entries() }

// IsAlivePeer exposes the liveness check used internally for routing
// decisions, for maintenance code above Chord.
func (n *Node[V]) IsAlivePeer(ctx context.Context, p RemotePeer) bool { return n.isAlive(ctx, p) }

// Client returns the RPC seam, for maintenance code above Chord that needs
// to issue ReadRange/ExchangeNode/CreateKey calls directly.
func (n *Node[V]) Client() RemoteClient[V] { return n.client }

// RPCTimeout returns the configured per-call timeout.
func (n *Node[V]) RPCTimeout() time.Duration { return n.rpcTimeout }

// HandleExchangeNode serves an XCHNG_NODE request: locate the requested
// positional path in the local tree, run CompareNode against the remote's
// view, and return this node's view at that path together with the
// resulting action. The transport server replies with the view only and
// starts no retrieval on this side.
func (n *Node[V]) HandleExchangeNode(path []int, remote merkle.NodeView[V]) (merkle.NodeView[V], merkle.SyncAction[V], error) {
	action, err := n.store.CompareNode(path, remote)
	if err != nil {
		return merkle.NodeView[V]{}, merkle.SyncAction[V]{}, err
	}
	local, ok := n.store.LookupByPosition(path)
	if !ok {
		return merkle.NodeView[V]{}, merkle.SyncAction[V]{}, pkg.ErrNoSuchPosition
	}
	return local, action, nil
}

// Leave performs a graceful departure: transfer keys to the immediate
// successor, inform neighboring predecessors, then stop the maintenance
// task (spec.md §4.5, §5). The transport server is not part of Node and is
// not closed here.
func (n *Node[V]) Leave(ctx context.Context) error {
	n.stateMu.Lock()
	if n.state == stateStopped {
		n.stateMu.Unlock()
		return nil
	}
	n.stateMu.Unlock()

	pred, hasPred := n.getPredecessor()
	if !hasPred {
		pred = n.Self()
	}
	successor, hasSucc := n.successors.Head()

	if hasSucc {
		keys := n.store.Entries()
		callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
		err := n.client.Leave(callCtx, successor.Address(), n.self.ID, pred, n.getMinKey(), keys, nil)
		cancel()
		if err != nil {
			return fmt.Errorf("chord: leave notify successor: %w", err)
		}
	}

	predecessors, err := n.GetNPredecessors(ctx, n.self.ID, n.k)
	if err == nil {
		for _, p := range predecessors {
			callCtx, cancel := context.WithTimeout(ctx, n.rpcTimeout)
			_ = n.client.Leave(callCtx, p.Address(), n.self.ID, pred, n.getMinKey(), nil, &successor)
			cancel()
		}
	}

	n.shutdown()
	n.emit(EventNodeLeave, "left ring gracefully")
	return nil
}

// Fail is an abrupt, unordered shutdown: no notifications are sent.
func (n *Node[V]) Fail() {
	n.shutdown()
}

func (n *Node[V]) shutdown() {
	n.stateMu.Lock()
	if n.state == stateStopped {
		n.stateMu.Unlock()
		return
	}
	n.state = stateStopped
	n.stateMu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// HandleLeave is the LeaveHandler of spec.md §4.5.
func (n *Node[V]) HandleLeave(leavingID ring.ID, newPred RemotePeer, newMin ring.ID, keysToAbsorb map[ring.ID]V, newSucc *RemotePeer) {
	pred, hasPred := n.getPredecessor()
	if hasPred && pred.ID.Equal(leavingID) {
		for k, v := range keysToAbsorb {
			if err := n.store.Insert(k, v); err != nil {
				_ = n.store.Update(k, v)
			}
		}
		n.setPredecessor(newPred)
		n.setMinKey(newMin)
		n.fixOtherFingers(n.ctx, pred.ID)
	}

	n.successors.Remove(leavingID)
	if n.successors.Len() == 0 {
		if succs, err := n.GetNSuccessors(n.ctx, n.self.ID.AddUint64(1), n.k); err == nil {
			n.successors.Replace(succs)
		}
	}
	if newSucc != nil {
		n.fingers.ReplaceDeadPeer(RemotePeer{ID: leavingID}, *newSucc)
		n.successors.Insert(*newSucc)
	}
}

// startMaintenance launches the single background maintenance task
// described in spec.md §4.6/§5: stabilize, then global, then local
// maintenance, then sleep, checking cancellation every ~10ms.
func (n *Node[V]) startMaintenance(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	n.ctx = ctx
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.maintenanceLoop(ctx)
	}()
}

func (n *Node[V]) maintenanceLoop(ctx context.Context) {
	for {
		if err := n.Stabilize(ctx); err != nil {
			n.logger.Debug().Err(err).Msg("stabilize failed")
		}

		n.hookMu.RLock()
		hook := n.hook
		n.hookMu.RUnlock()
		if hook != nil {
			hook.GlobalMaintenance(ctx)
			hook.LocalMaintenance(ctx)
		}

		if !n.sleepInterruptible(ctx, n.maintenanceInterval) {
			return
		}
	}
}

func (n *Node[V]) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	tick := 10 * time.Millisecond
	elapsed := time.Duration(0)
	for elapsed < d {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(tick):
			elapsed += tick
		}
	}
	return true
}
