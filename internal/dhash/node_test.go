package dhash

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringvault/internal/chord"
	"ringvault/internal/ida"
	"ringvault/internal/merkle"
	"ringvault/internal/ring"
	"ringvault/pkg"
)

// stubClient is a no-op RemoteClient[ida.Fragment]: these tests exercise a
// single alone node, which never needs to issue an RPC.
type stubClient struct{}

func (stubClient) GetSuccessor(context.Context, string, ring.ID) (chord.RemotePeer, error) {
	return chord.RemotePeer{}, pkg.ErrPeerUnreachable
}
func (stubClient) GetPredecessor(context.Context, string, ring.ID) (chord.RemotePeer, error) {
	return chord.RemotePeer{}, pkg.ErrPeerUnreachable
}
func (stubClient) GetNSuccessors(context.Context, string, ring.ID, int) ([]chord.RemotePeer, error) {
	return nil, pkg.ErrPeerUnreachable
}
func (stubClient) GetNPredecessors(context.Context, string, ring.ID, int) ([]chord.RemotePeer, error) {
	return nil, pkg.ErrPeerUnreachable
}
func (stubClient) Join(context.Context, string, chord.RemotePeer) (chord.RemotePeer, error) {
	return chord.RemotePeer{}, pkg.ErrPeerUnreachable
}
func (stubClient) Notify(context.Context, string, chord.RemotePeer) (map[ring.ID]ida.Fragment, error) {
	return nil, pkg.ErrPeerUnreachable
}
func (stubClient) Leave(context.Context, string, ring.ID, chord.RemotePeer, ring.ID, map[ring.ID]ida.Fragment, *chord.RemotePeer) error {
	return nil
}
func (stubClient) Rectify(context.Context, string, chord.RemotePeer, chord.RemotePeer) error {
	return nil
}
func (stubClient) CreateKey(context.Context, string, ring.ID, ida.Fragment) error { return nil }
func (stubClient) ReadKey(context.Context, string, ring.ID) (ida.Fragment, error) {
	return ida.Fragment{}, pkg.ErrKeyNotFound
}
func (stubClient) ReadRange(context.Context, string, ring.ID, ring.ID) (map[ring.ID]ida.Fragment, error) {
	return nil, nil
}
func (stubClient) ExchangeNode(context.Context, string, []int, chord.RemotePeer, ring.ID, ring.ID, merkle.NodeView[ida.Fragment]) (merkle.NodeView[ida.Fragment], error) {
	return merkle.NodeView[ida.Fragment]{}, nil
}
func (stubClient) IsAlive(context.Context, string) bool { return false }

func testLogger(t *testing.T) *pkg.Logger {
	l, err := pkg.New(pkg.DefaultConfig())
	require.NoError(t, err)
	return l
}

// newAloneDHashNode builds a single DHash peer owning the whole ring, with
// n=2, m=1 so a lone node (which only ever finds itself as a successor)
// still clears the replication threshold.
func newAloneDHashNode(t *testing.T) *Node {
	space := ring.NewSpace(2, 8)
	self := chord.RemotePeer{ID: space.Zero().AddUint64(10), MinKey: space.Zero().AddUint64(10), IP: "127.0.0.1", Port: 7300}
	store := merkle.New[ida.Fragment](space, 4, self.ID.AddUint64(1), self.ID)

	cn := chord.NewNode(chord.Config{
		Space:               space,
		Self:                self,
		SuccessorListSize:   3,
		StabilizeInterval:   20 * time.Millisecond,
		MaintenanceInterval: 20 * time.Millisecond,
		RPCTimeout:          50 * time.Millisecond,
	}, store, stubClient{}, testLogger(t))
	require.NoError(t, cn.StartChord(context.Background()))
	t.Cleanup(cn.Fail)

	codec, err := ida.NewCodec(2, 1, 257)
	require.NoError(t, err)

	return NewNode(cn, codec, testLogger(t))
}

func TestCreateAndReadRoundTrip(t *testing.T) {
	n := newAloneDHashNode(t)

	key := ring.NewSpace(2, 8).Zero().AddUint64(11)
	value := []byte("hello dhash")

	require.NoError(t, n.Create(context.Background(), key, value))

	got, err := n.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestCreateDuplicateKeyFails(t *testing.T) {
	n := newAloneDHashNode(t)

	key := ring.NewSpace(2, 8).Zero().AddUint64(12)
	require.NoError(t, n.Create(context.Background(), key, []byte("v1")))

	// The second Create's local placement hits the existing fragment and
	// HandleCreateKey rejects it; with m=1 a single ack is still required
	// and none is obtained, so Create itself errors.
	err := n.Create(context.Background(), key, []byte("v2"))
	assert.Error(t, err)
}

func TestReadMissingKeyErrors(t *testing.T) {
	n := newAloneDHashNode(t)

	key := ring.NewSpace(2, 8).Zero().AddUint64(13)
	_, err := n.Read(context.Background(), key)
	assert.ErrorIs(t, err, pkg.ErrTooFewFragments)
}

func TestSetAndGetIdaParams(t *testing.T) {
	n := newAloneDHashNode(t)

	require.NoError(t, n.SetIdaParams(4, 2, 257))
	nFrag, m, p := n.GetIdaParams()
	assert.Equal(t, 4, nFrag)
	assert.Equal(t, 2, m)
	assert.Equal(t, int64(257), p)
}

func TestSetIdaParamsRejectsInvalid(t *testing.T) {
	n := newAloneDHashNode(t)
	assert.Error(t, n.SetIdaParams(2, 2, 257)) // n must be > m
}

func TestGlobalMaintenanceLeavesOwnedKeysAlone(t *testing.T) {
	n := newAloneDHashNode(t)

	key := ring.NewSpace(2, 8).Zero().AddUint64(14)
	require.NoError(t, n.Create(context.Background(), key, []byte("mine")))

	n.GlobalMaintenance(context.Background())

	_, ok := n.chord.ReadLocal(key)
	assert.True(t, ok, "key belonging to the only node in the ring must not be relocated away")
}
