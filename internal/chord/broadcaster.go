package chord

// Ring update event types. EventFragmentRepair is DHash's, not plain
// Chord's — dhash.Node reaches it through Node[V].Emit since it has no
// broadcaster of its own (spec.md §4.6 has no telemetry hook, so this is
// additive, per SPEC_FULL.md §10).
const (
	EventNodeJoin       = "node_join"
	EventNodeLeave      = "node_leave"
	EventStabilization  = "stabilization"
	EventFragmentRepair = "fragment_repair"
)

// RingUpdateBroadcaster lets a Node[V] notify an external sink (the
// telemetry WebSocket hub) of ring topology and replication events without
// internal/chord or internal/dhash importing internal/api.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification. update is
	// serialized (JSON, by the hub) and fanned out to connected clients.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology or replication change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}
