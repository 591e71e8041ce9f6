package chord

import (
	"context"

	"ringvault/internal/merkle"
	"ringvault/internal/ring"
)

// RemoteClient is the RPC seam between a Node and the rest of the ring: it
// lets routing and maintenance code call other peers without depending on
// the wire transport directly (spec.md §4.5, §6), mirroring the way the
// teacher's remote-client interface decouples the Chord core from gRPC.
type RemoteClient[V any] interface {
	GetSuccessor(ctx context.Context, addr string, k ring.ID) (RemotePeer, error)
	GetPredecessor(ctx context.Context, addr string, k ring.ID) (RemotePeer, error)
	GetNSuccessors(ctx context.Context, addr string, k ring.ID, n int) ([]RemotePeer, error)
	GetNPredecessors(ctx context.Context, addr string, k ring.ID, n int) ([]RemotePeer, error)

	// Join sends {NEW_PEER} and returns the gateway's current predecessor.
	Join(ctx context.Context, addr string, newPeer RemotePeer) (RemotePeer, error)

	// Notify sends {NEW_PEER} and returns the handler's KEYS_TO_ABSORB.
	Notify(ctx context.Context, addr string, newPeer RemotePeer) (map[ring.ID]V, error)

	// Leave sends the LEAVE message; newSucc is optional per spec.md §9.
	Leave(ctx context.Context, addr string, leavingID ring.ID, newPred RemotePeer, newMin ring.ID, keys map[ring.ID]V, newSucc *RemotePeer) error

	Rectify(ctx context.Context, addr string, failed RemotePeer, originator RemotePeer) error

	CreateKey(ctx context.Context, addr string, k ring.ID, v V) error
	ReadKey(ctx context.Context, addr string, k ring.ID) (V, error)
	ReadRange(ctx context.Context, addr string, lo, hi ring.ID) (map[ring.ID]V, error)

	ExchangeNode(ctx context.Context, addr string, path []int, requester RemotePeer, lo, hi ring.ID, local merkle.NodeView[V]) (merkle.NodeView[V], error)

	// IsAlive opens a connection to addr and reports whether it answered.
	IsAlive(ctx context.Context, addr string) bool
}
