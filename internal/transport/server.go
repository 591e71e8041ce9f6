package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"ringvault/internal/chord"
	"ringvault/internal/merkle"
	"ringvault/internal/ring"
	"ringvault/pkg"
)

// ChordHandlers is the set of Chord-core RPC handlers a Server dispatches
// to; satisfied directly by *chord.Node[V] (spec.md §4.5, §6).
type ChordHandlers[V any] interface {
	Self() chord.RemotePeer
	Space() *ring.Space

	HandleJoin(newPeer chord.RemotePeer) chord.RemotePeer
	HandleNotify(newPeer chord.RemotePeer) map[ring.ID]V
	HandleLeave(leavingID ring.ID, newPred chord.RemotePeer, newMin ring.ID, keys map[ring.ID]V, newSucc *chord.RemotePeer)
	HandleRectify(failed, originator chord.RemotePeer)

	GetSuccessor(ctx context.Context, k ring.ID) (chord.RemotePeer, error)
	GetPredecessor(ctx context.Context, k ring.ID) (chord.RemotePeer, error)
	GetNSuccessors(ctx context.Context, k ring.ID, n int) ([]chord.RemotePeer, error)
	GetNPredecessors(ctx context.Context, k ring.ID, n int) ([]chord.RemotePeer, error)

	HandleExchangeNode(path []int, remote merkle.NodeView[V]) (merkle.NodeView[V], merkle.SyncAction[V], error)
}

// DataHandlers is the set of key/value RPC handlers a Server dispatches to.
// For plain Chord this is the same *chord.Node[V] as ChordHandlers; for
// DHash it is the *dhash.Node layering fragment placement on top (spec.md
// §4.6), which satisfies this interface structurally.
type DataHandlers[V any] interface {
	HandleCreateKey(k ring.ID, v V) error
	HandleReadKey(k ring.ID) (V, error)
	HandleReadRange(lo, hi ring.ID) map[ring.ID]V
}

// Server accepts JSON/TCP connections and dispatches each onto a bounded
// worker pool, per spec.md §5's "dispatches each request onto a small
// worker pool (3 threads in the reference configuration)".
type Server[V any] struct {
	chord ChordHandlers[V]
	data  DataHandlers[V]
	space *ring.Space

	listener net.Listener
	workers  chan struct{}
	wg       sync.WaitGroup

	logger *pkg.Logger
}

// DefaultWorkers is the reference worker-pool size of spec.md §5.
const DefaultWorkers = 3

// NewServer builds a Server bound to no address yet; call Listen to start
// accepting connections.
func NewServer[V any](chordHandlers ChordHandlers[V], dataHandlers DataHandlers[V], workers int, logger *pkg.Logger) *Server[V] {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Server[V]{
		chord:   chordHandlers,
		data:    dataHandlers,
		space:   chordHandlers.Space(),
		workers: make(chan struct{}, workers),
		logger:  logger.WithFields(pkg.Fields{"component": "transport_server"}),
	}
}

// Listen binds addr and starts the accept loop in the background.
func (s *Server[V]) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr reports the bound listener address, useful when addr was ":0".
func (s *Server[V]) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections and waits for in-flight requests.
func (s *Server[V]) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server[V]) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go s.dispatch(conn)
	}
}

// dispatch acquires a worker-pool slot before handling the connection, the
// RPC-handling suspension point of spec.md §5.
func (s *Server[V]) dispatch(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.workers <- struct{}{}
	defer func() { <-s.workers }()

	s.handleConn(conn)
}

// handleConn implements spec.md §6's framing: the sender half-closes after
// writing, the receiver reads until EOF, parses (trimming trailing bytes
// after the last '}' to tolerate small stream corruption), responds, and
// shuts down.
func (s *Server[V]) handleConn(conn net.Conn) {
	raw, err := io.ReadAll(conn)
	if err != nil {
		s.logger.Debug().Err(err).Msg("read request failed")
		return
	}

	raw = trimAfterLastBrace(raw)

	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeResponse(conn, wireResponse{Success: false, Errors: "Invalid command."})
		return
	}

	resp := s.handle(req)
	writeResponse(conn, resp)
}

// trimAfterLastBrace drops any bytes following the last '}', tolerating the
// small stream corruption at EOF spec.md §6 calls out.
func trimAfterLastBrace(b []byte) []byte {
	if i := bytes.LastIndexByte(b, '}'); i >= 0 {
		return b[:i+1]
	}
	return b
}

func writeResponse(conn net.Conn, resp wireResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = conn.Write(data)
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

func errResponse(err error) wireResponse {
	return wireResponse{Success: false, Errors: err.Error()}
}

// handle dispatches a decoded request to the appropriate handler, per the
// command table of spec.md §6.
func (s *Server[V]) handle(req wireRequest) wireResponse {
	ctx := context.Background()

	switch req.Command {
	case CmdJoin:
		return s.handleJoin(req)
	case CmdNotify:
		return s.handleNotify(req)
	case CmdLeave:
		return s.handleLeave(req)
	case CmdGetSucc:
		return s.handleGetSucc(ctx, req)
	case CmdGetPred:
		return s.handleGetPred(ctx, req)
	case CmdGetNSucc:
		return s.handleGetNSucc(ctx, req)
	case CmdGetNPred:
		return s.handleGetNPred(ctx, req)
	case CmdCreateKey:
		return s.handleCreateKey(req)
	case CmdReadKey:
		return s.handleReadKey(req)
	case CmdReadRange:
		return s.handleReadRange(req)
	case CmdExchangeNode:
		return s.handleExchangeNode(req)
	case CmdRectify:
		return s.handleRectify(req)
	case CmdPing:
		return wireResponse{Success: true}
	default:
		return wireResponse{Success: false, Errors: "Invalid command."}
	}
}

func (s *Server[V]) handleJoin(req wireRequest) wireResponse {
	if req.NewPeer == nil {
		return errResponse(pkg.ErrInvalidCommand)
	}
	newPeer, err := peerFromWire(s.space, *req.NewPeer)
	if err != nil {
		return errResponse(err)
	}
	pred := s.chord.HandleJoin(newPeer)
	w := peerToWire(pred)
	return wireResponse{Success: true, Predecessor: &w}
}

func (s *Server[V]) handleNotify(req wireRequest) wireResponse {
	if req.NewPeer == nil {
		return errResponse(pkg.ErrInvalidCommand)
	}
	newPeer, err := peerFromWire(s.space, *req.NewPeer)
	if err != nil {
		return errResponse(err)
	}
	keys := s.chord.HandleNotify(newPeer)
	kv, err := encodeKV(keys)
	if err != nil {
		return errResponse(err)
	}
	return wireResponse{Success: true, KeysToAbsorb: kv}
}

func (s *Server[V]) handleLeave(req wireRequest) wireResponse {
	leavingID, err := s.space.FromHex(req.LeavingID)
	if err != nil {
		return errResponse(err)
	}
	if req.NewPred == nil {
		return errResponse(pkg.ErrInvalidCommand)
	}
	newPred, err := peerFromWire(s.space, *req.NewPred)
	if err != nil {
		return errResponse(err)
	}
	newMin, err := s.space.FromHex(req.NewMin)
	if err != nil {
		return errResponse(err)
	}
	keys, err := decodeKV[V](s.space, req.KeysToAbsorb)
	if err != nil {
		return errResponse(err)
	}
	var newSucc *chord.RemotePeer
	if req.NewSucc != nil {
		p, err := peerFromWire(s.space, *req.NewSucc)
		if err != nil {
			return errResponse(err)
		}
		newSucc = &p
	}
	s.chord.HandleLeave(leavingID, newPred, newMin, keys, newSucc)
	return wireResponse{Success: true}
}

func (s *Server[V]) handleGetSucc(ctx context.Context, req wireRequest) wireResponse {
	k, err := s.space.FromHex(req.Key)
	if err != nil {
		return errResponse(err)
	}
	p, err := s.chord.GetSuccessor(ctx, k)
	if err != nil {
		return errResponse(err)
	}
	return peerResponse(p)
}

func (s *Server[V]) handleGetPred(ctx context.Context, req wireRequest) wireResponse {
	k, err := s.space.FromHex(req.Key)
	if err != nil {
		return errResponse(err)
	}
	p, err := s.chord.GetPredecessor(ctx, k)
	if err != nil {
		return errResponse(err)
	}
	return peerResponse(p)
}

func (s *Server[V]) handleGetNSucc(ctx context.Context, req wireRequest) wireResponse {
	k, err := s.space.FromHex(req.Key)
	if err != nil {
		return errResponse(err)
	}
	peers, err := s.chord.GetNSuccessors(ctx, k, req.Count)
	if err != nil {
		return errResponse(err)
	}
	return wireResponse{Success: true, Peers: peersToWire(peers)}
}

func (s *Server[V]) handleGetNPred(ctx context.Context, req wireRequest) wireResponse {
	k, err := s.space.FromHex(req.Key)
	if err != nil {
		return errResponse(err)
	}
	peers, err := s.chord.GetNPredecessors(ctx, k, req.Count)
	if err != nil {
		return errResponse(err)
	}
	return wireResponse{Success: true, Peers: peersToWire(peers)}
}

func peerResponse(p chord.RemotePeer) wireResponse {
	w := peerToWire(p)
	return wireResponse{Success: true, IPAddr: w.IPAddr, Port: w.Port, ID: w.ID, MinKey: w.MinKey}
}

func (s *Server[V]) handleCreateKey(req wireRequest) wireResponse {
	k, err := s.space.FromHex(req.Key)
	if err != nil {
		return errResponse(err)
	}
	var v V
	if err := json.Unmarshal(req.Value, &v); err != nil {
		return errResponse(err)
	}
	if err := s.data.HandleCreateKey(k, v); err != nil {
		return errResponse(err)
	}
	return wireResponse{Success: true}
}

func (s *Server[V]) handleReadKey(req wireRequest) wireResponse {
	k, err := s.space.FromHex(req.Key)
	if err != nil {
		return errResponse(err)
	}
	v, err := s.data.HandleReadKey(k)
	if err != nil {
		return errResponse(err)
	}
	value, err := json.Marshal(v)
	if err != nil {
		return errResponse(err)
	}
	return wireResponse{Success: true, Value: value}
}

func (s *Server[V]) handleReadRange(req wireRequest) wireResponse {
	lo, err := s.space.FromHex(req.LowerBound)
	if err != nil {
		return errResponse(err)
	}
	hi, err := s.space.FromHex(req.UpperBound)
	if err != nil {
		return errResponse(err)
	}
	kv := s.data.HandleReadRange(lo, hi)
	pairs, err := encodeKVPairs(kv)
	if err != nil {
		return errResponse(err)
	}
	return wireResponse{Success: true, KVPairs: pairs}
}

func (s *Server[V]) handleExchangeNode(req wireRequest) wireResponse {
	if req.Node == nil {
		return errResponse(pkg.ErrInvalidCommand)
	}
	remote, err := nodeViewFromRaw[V](s.space, *req.Node)
	if err != nil {
		return errResponse(err)
	}
	local, _, err := s.chord.HandleExchangeNode(req.Node.Position, remote)
	if err != nil {
		return errResponse(err)
	}
	resp := wireResponse{Success: true}
	if err := nodeViewToResponse(&resp, local); err != nil {
		return errResponse(err)
	}
	return resp
}

func (s *Server[V]) handleRectify(req wireRequest) wireResponse {
	if req.FailedNode == nil || req.Originator == nil {
		return errResponse(pkg.ErrInvalidCommand)
	}
	failed, err := peerFromWire(s.space, *req.FailedNode)
	if err != nil {
		return errResponse(err)
	}
	originator, err := peerFromWire(s.space, *req.Originator)
	if err != nil {
		return errResponse(err)
	}
	s.chord.HandleRectify(failed, originator)
	return wireResponse{Success: true}
}
