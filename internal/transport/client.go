package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"ringvault/internal/chord"
	"ringvault/internal/merkle"
	"ringvault/internal/ring"
	"ringvault/pkg"
)

// Client is the generic JSON/TCP RemoteClient[V] implementation: the RPC
// seam chord.Node[V] calls through to reach other peers (spec.md §4.5,
// §6). Unlike
// _examples/zde37-Torus/backend/internal/transport/grpc_client.go's
// map+RWMutex pool of long-lived gRPC connections, a fresh short-lived TCP
// connection is dialed per call here, since spec.md §6's framing is one
// request per connection (half-close on write, read-to-EOF on response)
// rather than a long-lived multiplexed stream.
type Client[V any] struct {
	space   *ring.Space
	timeout time.Duration
	logger  *pkg.Logger
}

var _ chord.RemoteClient[string] = (*Client[string])(nil)

// NewClient builds a Client bound to the given ring space and per-call
// timeout (spec.md §5's 5s RPC timeout).
func NewClient[V any](space *ring.Space, timeout time.Duration, logger *pkg.Logger) *Client[V] {
	return &Client[V]{
		space:   space,
		timeout: timeout,
		logger:  logger.WithFields(pkg.Fields{"component": "transport_client"}),
	}
}

// call dials addr, writes req, half-closes, and reads the response until
// EOF, per spec.md §6's framing.
func (c *Client[V]) call(ctx context.Context, addr string, req wireRequest) (wireResponse, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wireResponse{}, fmt.Errorf("%w: %s: %v", pkg.ErrPeerUnreachable, addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	data, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, err
	}
	if _, err := conn.Write(data); err != nil {
		return wireResponse{}, fmt.Errorf("%w: %s: %v", pkg.ErrPeerUnreachable, addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return wireResponse{}, fmt.Errorf("%w: %s: %v", pkg.ErrPeerUnreachable, addr, err)
	}
	raw = trimAfterLastBrace(raw)

	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wireResponse{}, fmt.Errorf("%w: %s: malformed response: %v", pkg.ErrPeerUnreachable, addr, err)
	}
	if !resp.Success {
		return wireResponse{}, fmt.Errorf("%s", resp.Errors)
	}
	return resp, nil
}

func (c *Client[V]) GetSuccessor(ctx context.Context, addr string, k ring.ID) (chord.RemotePeer, error) {
	resp, err := c.call(ctx, addr, wireRequest{Command: CmdGetSucc, Key: k.Hex()})
	if err != nil {
		return chord.RemotePeer{}, err
	}
	return peerFromWire(c.space, RemotePeerWire{IPAddr: resp.IPAddr, Port: resp.Port, ID: resp.ID, MinKey: resp.MinKey})
}

func (c *Client[V]) GetPredecessor(ctx context.Context, addr string, k ring.ID) (chord.RemotePeer, error) {
	resp, err := c.call(ctx, addr, wireRequest{Command: CmdGetPred, Key: k.Hex()})
	if err != nil {
		return chord.RemotePeer{}, err
	}
	return peerFromWire(c.space, RemotePeerWire{IPAddr: resp.IPAddr, Port: resp.Port, ID: resp.ID, MinKey: resp.MinKey})
}

func (c *Client[V]) GetNSuccessors(ctx context.Context, addr string, k ring.ID, n int) ([]chord.RemotePeer, error) {
	resp, err := c.call(ctx, addr, wireRequest{Command: CmdGetNSucc, Key: k.Hex(), Count: n})
	if err != nil {
		return nil, err
	}
	return peersFromWire(c.space, resp.Peers)
}

func (c *Client[V]) GetNPredecessors(ctx context.Context, addr string, k ring.ID, n int) ([]chord.RemotePeer, error) {
	resp, err := c.call(ctx, addr, wireRequest{Command: CmdGetNPred, Key: k.Hex(), Count: n})
	if err != nil {
		return nil, err
	}
	return peersFromWire(c.space, resp.Peers)
}

func (c *Client[V]) Join(ctx context.Context, addr string, newPeer chord.RemotePeer) (chord.RemotePeer, error) {
	w := peerToWire(newPeer)
	resp, err := c.call(ctx, addr, wireRequest{Command: CmdJoin, NewPeer: &w})
	if err != nil {
		return chord.RemotePeer{}, err
	}
	if resp.Predecessor == nil {
		return chord.RemotePeer{}, fmt.Errorf("transport: join response missing predecessor")
	}
	return peerFromWire(c.space, *resp.Predecessor)
}

func (c *Client[V]) Notify(ctx context.Context, addr string, newPeer chord.RemotePeer) (map[ring.ID]V, error) {
	w := peerToWire(newPeer)
	resp, err := c.call(ctx, addr, wireRequest{Command: CmdNotify, NewPeer: &w})
	if err != nil {
		return nil, err
	}
	return decodeKV[V](c.space, resp.KeysToAbsorb)
}

func (c *Client[V]) Leave(ctx context.Context, addr string, leavingID ring.ID, newPred chord.RemotePeer, newMin ring.ID, keys map[ring.ID]V, newSucc *chord.RemotePeer) error {
	predWire := peerToWire(newPred)
	kv, err := encodeKV(keys)
	if err != nil {
		return err
	}
	req := wireRequest{
		Command:      CmdLeave,
		LeavingID:    leavingID.Hex(),
		NewPred:      &predWire,
		NewMin:       newMin.Hex(),
		KeysToAbsorb: kv,
	}
	if newSucc != nil {
		w := peerToWire(*newSucc)
		req.NewSucc = &w
	}
	_, err = c.call(ctx, addr, req)
	return err
}

func (c *Client[V]) Rectify(ctx context.Context, addr string, failed, originator chord.RemotePeer) error {
	failedWire := peerToWire(failed)
	originatorWire := peerToWire(originator)
	_, err := c.call(ctx, addr, wireRequest{Command: CmdRectify, FailedNode: &failedWire, Originator: &originatorWire})
	return err
}

func (c *Client[V]) CreateKey(ctx context.Context, addr string, k ring.ID, v V) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, addr, wireRequest{Command: CmdCreateKey, Key: k.Hex(), Value: value})
	return err
}

func (c *Client[V]) ReadKey(ctx context.Context, addr string, k ring.ID) (V, error) {
	var zero V
	resp, err := c.call(ctx, addr, wireRequest{Command: CmdReadKey, Key: k.Hex()})
	if err != nil {
		return zero, err
	}
	var v V
	if err := json.Unmarshal(resp.Value, &v); err != nil {
		return zero, err
	}
	return v, nil
}

func (c *Client[V]) ReadRange(ctx context.Context, addr string, lo, hi ring.ID) (map[ring.ID]V, error) {
	resp, err := c.call(ctx, addr, wireRequest{Command: CmdReadRange, LowerBound: lo.Hex(), UpperBound: hi.Hex()})
	if err != nil {
		return nil, err
	}
	return decodeKVPairs[V](c.space, resp.KVPairs)
}

func (c *Client[V]) ExchangeNode(ctx context.Context, addr string, path []int, requester chord.RemotePeer, lo, hi ring.ID, local merkle.NodeView[V]) (merkle.NodeView[V], error) {
	localRaw, err := nodeViewToRaw(local)
	if err != nil {
		return merkle.NodeView[V]{}, err
	}
	requesterWire := peerToWire(requester)
	resp, err := c.call(ctx, addr, wireRequest{
		Command:    CmdExchangeNode,
		Node:       &localRaw,
		Requester:  &requesterWire,
		LowerBound: lo.Hex(),
		UpperBound: hi.Hex(),
	})
	if err != nil {
		return merkle.NodeView[V]{}, err
	}
	return nodeViewFromResponse[V](c.space, resp)
}

// IsAlive opens a connection and issues a PING, reporting whether the peer
// answered, per spec.md §5's "IsAlive checks open a TCP connection and may
// block briefly".
func (c *Client[V]) IsAlive(ctx context.Context, addr string) bool {
	_, err := c.call(ctx, addr, wireRequest{Command: CmdPing})
	return err == nil
}
