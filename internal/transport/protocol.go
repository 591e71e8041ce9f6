// Package transport implements the JSON-over-TCP wire contract of spec.md
// §6: a small fixed command set, one JSON document per request/response,
// and a worker-pool dispatch server, grounded on the per-call-timeout and
// client/server split of
// _examples/zde37-Torus/backend/internal/transport/grpc_client.go and
// grpc_server.go with the RPC mechanism itself swapped from gRPC to raw
// JSON/TCP.
package transport

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"ringvault/internal/chord"
	"ringvault/internal/merkle"
	"ringvault/internal/ring"
)

// Command names, exactly as they appear on the wire (spec.md §6).
const (
	CmdJoin         = "JOIN"
	CmdNotify       = "NOTIFY"
	CmdLeave        = "LEAVE"
	CmdGetSucc      = "GET_SUCC"
	CmdGetPred      = "GET_PRED"
	CmdGetNSucc     = "GET_N_SUCC"
	CmdGetNPred     = "GET_N_PRED"
	CmdCreateKey    = "CREATE_KEY"
	CmdReadKey      = "READ_KEY"
	CmdReadRange    = "READ_RANGE"
	CmdExchangeNode = "XCHNG_NODE"
	CmdRectify      = "RECTIFY"
	CmdPing         = "PING"
)

// RemotePeerWire is the wire shape of a RemotePeer: {IP_ADDR, PORT, ID,
// MIN_KEY} (spec.md §6).
type RemotePeerWire struct {
	IPAddr string `json:"IP_ADDR"`
	Port   int    `json:"PORT"`
	ID     string `json:"ID"`
	MinKey string `json:"MIN_KEY"`
}

func peerToWire(p chord.RemotePeer) RemotePeerWire {
	return RemotePeerWire{IPAddr: p.IP, Port: p.Port, ID: p.ID.Hex(), MinKey: p.MinKey.Hex()}
}

func peerFromWire(space *ring.Space, w RemotePeerWire) (chord.RemotePeer, error) {
	id, err := space.FromHex(w.ID)
	if err != nil {
		return chord.RemotePeer{}, fmt.Errorf("transport: peer id: %w", err)
	}
	minKey, err := space.FromHex(w.MinKey)
	if err != nil {
		return chord.RemotePeer{}, fmt.Errorf("transport: peer min_key: %w", err)
	}
	return chord.RemotePeer{ID: id, MinKey: minKey, IP: w.IPAddr, Port: w.Port}, nil
}

func peersToWire(ps []chord.RemotePeer) []RemotePeerWire {
	out := make([]RemotePeerWire, len(ps))
	for i, p := range ps {
		out[i] = peerToWire(p)
	}
	return out
}

func peersFromWire(space *ring.Space, ws []RemotePeerWire) ([]chord.RemotePeer, error) {
	out := make([]chord.RemotePeer, len(ws))
	for i, w := range ws {
		p, err := peerFromWire(space, w)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// rawNodeView is the non-recursive Merkle node JSON shape of spec.md §6:
// {HASH, MIN_KEY, KEY (upper), POSITION, KV_PAIRS?, CHILDREN?}. Used as-is
// for the XCHNG_NODE request's NODE field; the response side flattens the
// same fields directly onto wireResponse instead (see nodeViewToResponse),
// since MIN_KEY and KV_PAIRS there double as RemotePeer/READ_RANGE fields
// and an embedded struct would shadow them at the wrong depth.
type rawNodeView struct {
	Hash     string          `json:"HASH,omitempty"`
	MinKey   string          `json:"MIN_KEY,omitempty"`
	Key      string          `json:"KEY,omitempty"`
	Position []int           `json:"POSITION,omitempty"`
	KVPairs  json.RawMessage `json:"KV_PAIRS,omitempty"`
	Children []string        `json:"CHILDREN,omitempty"`
}

func nodeViewToRaw[V any](v merkle.NodeView[V]) (rawNodeView, error) {
	raw := rawNodeView{
		Hash:     hex.EncodeToString(v.Hash),
		MinKey:   v.Min.Hex(),
		Key:      v.Max.Hex(),
		Position: v.Position,
	}
	if v.Leaf {
		kv, err := encodeKV(v.Entries)
		if err != nil {
			return rawNodeView{}, err
		}
		raw.KVPairs = kv
		return raw, nil
	}
	children := make([]string, len(v.Children))
	for i, h := range v.Children {
		children[i] = hex.EncodeToString(h)
	}
	raw.Children = children
	return raw, nil
}

func nodeViewFromRaw[V any](space *ring.Space, raw rawNodeView) (merkle.NodeView[V], error) {
	hash, err := hex.DecodeString(raw.Hash)
	if err != nil {
		return merkle.NodeView[V]{}, fmt.Errorf("transport: node hash: %w", err)
	}
	min, err := space.FromHex(raw.MinKey)
	if err != nil {
		return merkle.NodeView[V]{}, fmt.Errorf("transport: node min_key: %w", err)
	}
	max, err := space.FromHex(raw.Key)
	if err != nil {
		return merkle.NodeView[V]{}, fmt.Errorf("transport: node key: %w", err)
	}
	nv := merkle.NodeView[V]{Hash: hash, Min: min, Max: max, Position: raw.Position}
	if len(raw.KVPairs) > 0 {
		nv.Leaf = true
		entries, err := decodeKV[V](space, raw.KVPairs)
		if err != nil {
			return merkle.NodeView[V]{}, err
		}
		nv.Entries = entries
		return nv, nil
	}
	nv.Children = make([][]byte, len(raw.Children))
	for i, c := range raw.Children {
		b, err := hex.DecodeString(c)
		if err != nil {
			return merkle.NodeView[V]{}, fmt.Errorf("transport: child hash: %w", err)
		}
		nv.Children[i] = b
	}
	return nv, nil
}

// encodeKV renders a key/value map as a JSON object keyed by hex id, the
// KEYS_TO_ABSORB / Merkle-leaf KV_PAIRS wire shape of spec.md §6.
func encodeKV[V any](m map[ring.ID]V) (json.RawMessage, error) {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k.Hex()] = v
	}
	return json.Marshal(out)
}

func decodeKV[V any](space *ring.Space, raw json.RawMessage) (map[ring.ID]V, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wire map[string]V
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	out := make(map[ring.ID]V, len(wire))
	for hexKey, v := range wire {
		id, err := space.FromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("transport: kv key: %w", err)
		}
		out[id] = v
	}
	return out, nil
}

// kvPair is one element of READ_RANGE's KV_PAIRS: [{KEY, VAL}] array, a
// different shape from the object-keyed form above (spec.md §6).
type kvPair[V any] struct {
	Key string `json:"KEY"`
	Val V      `json:"VAL"`
}

func encodeKVPairs[V any](m map[ring.ID]V) (json.RawMessage, error) {
	pairs := make([]kvPair[V], 0, len(m))
	for k, v := range m {
		pairs = append(pairs, kvPair[V]{Key: k.Hex(), Val: v})
	}
	return json.Marshal(pairs)
}

func decodeKVPairs[V any](space *ring.Space, raw json.RawMessage) (map[ring.ID]V, error) {
	out := make(map[ring.ID]V)
	if len(raw) == 0 {
		return out, nil
	}
	var pairs []kvPair[V]
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, err
	}
	for _, p := range pairs {
		id, err := space.FromHex(p.Key)
		if err != nil {
			return nil, fmt.Errorf("transport: kv_pairs key: %w", err)
		}
		out[id] = p.Val
	}
	return out, nil
}

// wireRequest is a union of every command's request payload, merged at the
// top level alongside COMMAND per spec.md §6's envelope.
type wireRequest struct {
	Command string `json:"COMMAND"`

	NewPeer *RemotePeerWire `json:"NEW_PEER,omitempty"`

	LeavingID    string          `json:"LEAVING_ID,omitempty"`
	NewPred      *RemotePeerWire `json:"NEW_PRED,omitempty"`
	NewMin       string          `json:"NEW_MIN,omitempty"`
	KeysToAbsorb json.RawMessage `json:"KEYS_TO_ABSORB,omitempty"`
	NewSucc      *RemotePeerWire `json:"NEW_SUCC,omitempty"`

	Key   string          `json:"KEY,omitempty"`
	Value json.RawMessage `json:"VALUE,omitempty"`
	Count int             `json:"COUNT,omitempty"`

	LowerBound string `json:"LOWER_BOUND,omitempty"`
	UpperBound string `json:"UPPER_BOUND,omitempty"`

	Node      *rawNodeView    `json:"NODE,omitempty"`
	Requester *RemotePeerWire `json:"REQUESTER,omitempty"`

	FailedNode *RemotePeerWire `json:"FAILED_NODE,omitempty"`
	Originator *RemotePeerWire `json:"ORIGINATOR,omitempty"`
}

// wireResponse is a union of every command's response payload, merged
// alongside SUCCESS/ERRORS.
type wireResponse struct {
	Success bool   `json:"SUCCESS"`
	Errors  string `json:"ERRORS,omitempty"`

	Predecessor *RemotePeerWire `json:"PREDECESSOR,omitempty"`

	KeysToAbsorb json.RawMessage `json:"KEYS_TO_ABSORB,omitempty"`

	IPAddr string `json:"IP_ADDR,omitempty"`
	Port   int    `json:"PORT,omitempty"`
	ID     string `json:"ID,omitempty"`
	MinKey string `json:"MIN_KEY,omitempty"`

	Peers []RemotePeerWire `json:"PEERS,omitempty"`

	Value json.RawMessage `json:"VALUE,omitempty"`

	KVPairs json.RawMessage `json:"KV_PAIRS,omitempty"`

	Alive bool `json:"ALIVE,omitempty"`

	// XCHNG_NODE response fields (spec.md §6's unlabeled "node serialized
	// non-recursively" payload, merged flat rather than nested since the
	// table gives it no field name of its own). Hash/Key/Position/Children
	// are node-specific; MinKey and KVPairs above double as the node's
	// MIN_KEY and leaf KV_PAIRS since the two payloads never coexist.
	Hash     string   `json:"HASH,omitempty"`
	Key      string   `json:"KEY,omitempty"`
	Position []int    `json:"POSITION,omitempty"`
	Children []string `json:"CHILDREN,omitempty"`
}

func nodeViewToResponse[V any](resp *wireResponse, v merkle.NodeView[V]) error {
	resp.Hash = hex.EncodeToString(v.Hash)
	resp.MinKey = v.Min.Hex()
	resp.Key = v.Max.Hex()
	resp.Position = v.Position
	if v.Leaf {
		kv, err := encodeKV(v.Entries)
		if err != nil {
			return err
		}
		resp.KVPairs = kv
		return nil
	}
	resp.Children = make([]string, len(v.Children))
	for i, h := range v.Children {
		resp.Children[i] = hex.EncodeToString(h)
	}
	return nil
}

func nodeViewFromResponse[V any](space *ring.Space, resp wireResponse) (merkle.NodeView[V], error) {
	return nodeViewFromRaw[V](space, rawNodeView{
		Hash:     resp.Hash,
		MinKey:   resp.MinKey,
		Key:      resp.Key,
		Position: resp.Position,
		KVPairs:  resp.KVPairs,
		Children: resp.Children,
	})
}
