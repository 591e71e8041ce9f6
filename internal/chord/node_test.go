package chord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringvault/internal/merkle"
	"ringvault/internal/ring"
	"ringvault/pkg"
)

// stubClient is a no-op RemoteClient[string] for tests that only exercise
// single-node (Alone) behavior, where no RPCs are ever actually issued.
type stubClient struct{}

func (stubClient) GetSuccessor(context.Context, string, ring.ID) (RemotePeer, error) {
	return RemotePeer{}, pkg.ErrPeerUnreachable
}
func (stubClient) GetPredecessor(context.Context, string, ring.ID) (RemotePeer, error) {
	return RemotePeer{}, pkg.ErrPeerUnreachable
}
func (stubClient) GetNSuccessors(context.Context, string, ring.ID, int) ([]RemotePeer, error) {
	return nil, pkg.ErrPeerUnreachable
}
func (stubClient) GetNPredecessors(context.Context, string, ring.ID, int) ([]RemotePeer, error) {
	return nil, pkg.ErrPeerUnreachable
}
func (stubClient) Join(context.Context, string, RemotePeer) (RemotePeer, error) {
	return RemotePeer{}, pkg.ErrPeerUnreachable
}
func (stubClient) Notify(context.Context, string, RemotePeer) (map[ring.ID]string, error) {
	return nil, pkg.ErrPeerUnreachable
}
func (stubClient) Leave(context.Context, string, ring.ID, RemotePeer, ring.ID, map[ring.ID]string, *RemotePeer) error {
	return nil
}
func (stubClient) Rectify(context.Context, string, RemotePeer, RemotePeer) error { return nil }
func (stubClient) CreateKey(context.Context, string, ring.ID, string) error      { return nil }
func (stubClient) ReadKey(context.Context, string, ring.ID) (string, error) {
	return "", pkg.ErrKeyNotFound
}
func (stubClient) ReadRange(context.Context, string, ring.ID, ring.ID) (map[ring.ID]string, error) {
	return nil, nil
}
func (stubClient) ExchangeNode(context.Context, string, []int, RemotePeer, ring.ID, ring.ID, merkle.NodeView[string]) (merkle.NodeView[string], error) {
	return merkle.NodeView[string]{}, nil
}
func (stubClient) IsAlive(context.Context, string) bool { return false }

func testLogger(t *testing.T) *pkg.Logger {
	l, err := pkg.New(pkg.DefaultConfig())
	require.NoError(t, err)
	return l
}

func newAloneNode(t *testing.T, v int64) *Node[string] {
	space := testSpace()
	self := peerAt(space, v, "127.0.0.1", 7300)
	store := merkle.New[string](space, 4, self.ID.AddUint64(1), self.ID)

	n := NewNode(Config{
		Space:               space,
		Self:                self,
		SuccessorListSize:   3,
		StabilizeInterval:   20 * time.Millisecond,
		MaintenanceInterval: 20 * time.Millisecond,
		RPCTimeout:          50 * time.Millisecond,
	}, store, stubClient{}, testLogger(t))

	require.NoError(t, n.StartChord(context.Background()))
	t.Cleanup(n.Fail)
	return n
}

func TestStartChordOwnsWholeRing(t *testing.T) {
	n := newAloneNode(t, 10)

	_, hasPred := n.getPredecessor()
	assert.False(t, hasPred)
	assert.True(t, n.getMinKey().Equal(n.self.ID.AddUint64(1)))
}

func TestStartChordTwiceFails(t *testing.T) {
	n := newAloneNode(t, 10)
	assert.Error(t, n.StartChord(context.Background()))
}

func TestCreateAndReadLocal(t *testing.T) {
	n := newAloneNode(t, 10)

	key := n.self.ID.AddUint64(1)
	require.NoError(t, n.Create(context.Background(), key, "hello"))

	got, err := n.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestReadMissingKeyErrors(t *testing.T) {
	n := newAloneNode(t, 10)

	_, err := n.Read(context.Background(), n.self.ID.AddUint64(5))
	assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
}

func TestGetSuccessorLocalOwnership(t *testing.T) {
	n := newAloneNode(t, 10)

	succ, err := n.GetSuccessor(context.Background(), n.self.ID.AddUint64(3))
	require.NoError(t, err)
	assert.True(t, succ.Equal(n.self))
}

func TestGetPredecessorAloneReturnsSelf(t *testing.T) {
	n := newAloneNode(t, 10)

	pred, err := n.GetPredecessor(context.Background(), n.self.ID.AddUint64(3))
	require.NoError(t, err)
	assert.True(t, pred.Equal(n.self))
}

func TestHandleJoinReturnsCurrentPredecessor(t *testing.T) {
	n := newAloneNode(t, 10)

	existingPred := peerAt(testSpace(), 5, "127.0.0.1", 7301)
	n.setPredecessor(existingPred)

	joiner := peerAt(testSpace(), 7, "127.0.0.1", 7302)
	got := n.HandleJoin(joiner)

	assert.True(t, got.Equal(existingPred))
	assert.Equal(t, 1, n.successors.Len())
}

func TestHandleNotifyFromNewPredecessorAbsorbsKeys(t *testing.T) {
	n := newAloneNode(t, 100)

	// Seed a key that should belong to the incoming predecessor once it
	// claims the lower part of this node's range.
	absorbedKey := n.self.ID.AddUint64(1)
	require.NoError(t, n.Create(context.Background(), absorbedKey, "v1"))

	joiner := RemotePeer{
		ID:     n.self.ID.AddUint64(5),
		MinKey: n.self.ID.AddUint64(1),
		IP:     "127.0.0.1",
		Port:   7303,
	}

	toAbsorb := n.HandleNotify(joiner)

	pred, ok := n.getPredecessor()
	require.True(t, ok)
	assert.True(t, pred.Equal(joiner))
	assert.True(t, n.getMinKey().Equal(joiner.ID.AddUint64(1)))

	v, present := toAbsorb[absorbedKey]
	require.True(t, present)
	assert.Equal(t, "v1", v)

	// The key must have been removed from this node's own store.
	assert.False(t, n.store.Contains(absorbedKey))
}

func TestHandleNotifyIrrelevantPeerLeavesPredecessorAlone(t *testing.T) {
	n := newAloneNode(t, 100)

	pred := peerAt(testSpace(), 50, "127.0.0.1", 7301)
	n.setPredecessor(pred)
	n.setMinKey(pred.ID.AddUint64(1))

	// A peer whose id does not fall between pred (50) and self (100) is
	// neither a better predecessor nor (for an alone node) a successor.
	irrelevant := peerAt(testSpace(), 10, "127.0.0.1", 7302)
	n.HandleNotify(irrelevant)

	got, ok := n.getPredecessor()
	require.True(t, ok)
	assert.True(t, got.Equal(pred))
}

func TestLeaveIsIdempotent(t *testing.T) {
	n := newAloneNode(t, 10)
	require.NoError(t, n.Leave(context.Background()))
	require.NoError(t, n.Leave(context.Background()))
}

func TestFailStopsMaintenanceLoop(t *testing.T) {
	n := newAloneNode(t, 10)
	n.Fail()

	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	assert.Equal(t, stateStopped, n.state)
}

func TestSelfReflectsCurrentMinKey(t *testing.T) {
	n := newAloneNode(t, 10)
	n.setMinKey(n.self.ID.AddUint64(42))
	assert.True(t, n.Self().MinKey.Equal(n.self.ID.AddUint64(42)))
}
