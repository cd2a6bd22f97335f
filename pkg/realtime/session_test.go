package realtime

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/merge"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// fakeTransport records broadcasts and serves a static presence map.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []*types.BroadcastPacket
	clients  map[string]float64
	packets  chan *types.BroadcastPacket
	pruned   []float64
	presence map[string]float64
}

func (f *fakeTransport) sentPackets() []*types.BroadcastPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.BroadcastPacket{}, f.sent...)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		clients:  make(map[string]float64),
		packets:  make(chan *types.BroadcastPacket, 4),
		presence: make(map[string]float64),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Broadcast(packet *types.BroadcastPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, packet)
	return nil
}
func (f *fakeTransport) Packets() <-chan *types.BroadcastPacket { return f.packets }
func (f *fakeTransport) SetPresence(clientID string, seconds float64) error {
	f.presence[clientID] = seconds
	return nil
}
func (f *fakeTransport) Presence() (map[string]float64, error) { return f.clients, nil }
func (f *fakeTransport) PrunePresence(cutoff float64) error {
	f.pruned = append(f.pruned, cutoff)
	return nil
}
func (f *fakeTransport) TimeOffset() float64 { return 0 }
func (f *fakeTransport) Close() error        { return nil }

func testSession(t *testing.T) (*Session, *fakeTransport, *store.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir, store.Options{EncryptionKeyFile: filepath.Join(dir, "key")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	transport := newFakeTransport()
	session := NewSession(db, transport, types.Client{ClientID: "me", ClientName: "canopy:test"}, nil)
	return session, transport, db
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func TestInboundDropsOwnAndStalePackets(t *testing.T) {
	session, _, db := testSession(t)

	require.NoError(t, db.Update(func(txn *store.Txn) error {
		return txn.SetContentLines("n1", []string{"local"})
	}))

	tests := []struct {
		name   string
		packet *types.BroadcastPacket
	}{
		{
			name: "own client id",
			packet: &types.BroadcastPacket{
				ClientID:  "me",
				Timestamp: nowSeconds(),
				Content:   map[types.NodeID]types.ContentEntry{"n1": {Hash: "h", Lines: []string{"x"}}},
			},
		},
		{
			name: "stale timestamp",
			packet: &types.BroadcastPacket{
				ClientID:  "peer",
				Timestamp: nowSeconds() - 60,
				Content:   map[types.NodeID]types.ContentEntry{"n1": {Hash: "h", Lines: []string{"x"}}},
			},
		},
		{
			name:   "empty packet",
			packet: &types.BroadcastPacket{ClientID: "peer", Timestamp: nowSeconds()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, session.processPacket(tt.packet))
			var lines []string
			require.NoError(t, db.View(func(txn *store.Txn) error {
				var err error
				lines, err = txn.ContentLines("n1")
				return err
			}))
			assert.Equal(t, []string{"local"}, lines)
		})
	}
}

func TestInboundAcceptsCleanUpdate(t *testing.T) {
	session, transport, db := testSession(t)

	require.NoError(t, db.Update(func(txn *store.Txn) error {
		return txn.SetContentLines("n1", []string{"Hello"})
	}))
	localHash := merge.OrderedDataHash([]string{"Hello"})

	packet := &types.BroadcastPacket{
		ClientID:  "peer",
		Timestamp: nowSeconds(),
		Content:   map[types.NodeID]types.ContentEntry{"n1": {Hash: localHash, Lines: []string{"Hi"}}},
	}
	require.NoError(t, session.processPacket(packet))

	var lines []string
	require.NoError(t, db.View(func(txn *store.Txn) error {
		var err error
		lines, err = txn.ContentLines("n1")
		return err
	}))
	assert.Equal(t, []string{"Hi"}, lines)
	assert.Empty(t, transport.sentPackets(), "clean update must not re-broadcast")
}

func TestInboundIgnoresSpuriousRebroadcast(t *testing.T) {
	session, _, db := testSession(t)

	require.NoError(t, db.Update(func(txn *store.Txn) error {
		return txn.SetContentLines("n1", []string{"same"})
	}))

	packet := &types.BroadcastPacket{
		ClientID:  "peer",
		Timestamp: nowSeconds(),
		Content: map[types.NodeID]types.ContentEntry{
			"n1": {Hash: "anything", Lines: []string{"same"}},
		},
	}
	require.NoError(t, session.processPacket(packet))

	// Idempotent: no unsynced flag churn past the initial write.
	var lines []string
	require.NoError(t, db.View(func(txn *store.Txn) error {
		var err error
		lines, err = txn.ContentLines("n1")
		return err
	}))
	assert.Equal(t, []string{"same"}, lines)
}

// Three-way conflict: local store moved past the hash the peer saw. The
// merged value lands in the store and is re-broadcast so peers converge.
func TestInboundConflictMergesAndRebroadcasts(t *testing.T) {
	session, transport, db := testSession(t)
	transport.clients["peer"] = nowSeconds()
	session.othersOnline.Store(true)

	require.NoError(t, db.Update(func(txn *store.Txn) error {
		return txn.SetContentLines("n1", []string{"Hello world"})
	}))
	oldHash := merge.OrderedDataHash([]string{"Hello"})

	packet := &types.BroadcastPacket{
		ClientID:  "peer",
		Timestamp: nowSeconds(),
		Content:   map[types.NodeID]types.ContentEntry{"n1": {Hash: oldHash, Lines: []string{"Hi"}}},
	}
	require.NoError(t, session.processPacket(packet))

	var lines []string
	require.NoError(t, db.View(func(txn *store.Txn) error {
		var err error
		lines, err = txn.ContentLines("n1")
		return err
	}))
	assert.Equal(t, []string{"Hello world", "<CONFLICT>", "Hi"}, lines)

	// The conflict re-broadcast carries the merged value.
	require.Eventually(t, func() bool { return len(transport.sentPackets()) == 1 }, time.Second, 10*time.Millisecond)
	entry := transport.sentPackets()[0].Content["n1"]
	assert.Equal(t, lines, entry.Lines)
}

func TestInboundChildrenUnion(t *testing.T) {
	session, _, db := testSession(t)

	require.NoError(t, db.Update(func(txn *store.Txn) error {
		for _, id := range []types.NodeID{"p", "a", "b"} {
			if err := txn.SetContentLines(id, []string{string(id)}); err != nil {
				return err
			}
		}
		return txn.SetDescendants("p", types.NewOrderedSet("a"), false)
	}))

	packet := &types.BroadcastPacket{
		ClientID:  "peer",
		Timestamp: nowSeconds(),
		Children: map[types.NodeID]types.ChildrenEntry{
			"p": {Hash: "stale-hash", IDs: []types.NodeID{"b"}},
		},
	}
	require.NoError(t, session.processPacket(packet))

	var children []types.NodeID
	require.NoError(t, db.View(func(txn *store.Txn) error {
		set, err := txn.Descendants("p", false, false)
		children = set.IDs()
		return err
	}))
	// Local order first, downstream ids appended.
	assert.Equal(t, []types.NodeID{"a", "b"}, children)
}

// Two peers editing the same node converge to byte-identical content no
// matter the delivery order, and redelivery of the conflict re-broadcast is
// a no-op.
func TestPeersConverge(t *testing.T) {
	s1, _, db1 := testSession(t)
	s2, _, db2 := testSession(t)

	base := []string{"base"}
	require.NoError(t, db1.Update(func(txn *store.Txn) error {
		return txn.SetContentLines("n1", []string{"peer one edit"})
	}))
	require.NoError(t, db2.Update(func(txn *store.Txn) error {
		return txn.SetContentLines("n1", []string{"peer two edit"})
	}))
	baseHash := merge.OrderedDataHash(base)

	fromOne := &types.BroadcastPacket{
		ClientID:  "p1",
		Timestamp: nowSeconds(),
		Content:   map[types.NodeID]types.ContentEntry{"n1": {Hash: baseHash, Lines: []string{"peer one edit"}}},
	}
	fromTwo := &types.BroadcastPacket{
		ClientID:  "p2",
		Timestamp: nowSeconds(),
		Content:   map[types.NodeID]types.ContentEntry{"n1": {Hash: baseHash, Lines: []string{"peer two edit"}}},
	}

	require.NoError(t, s1.processPacket(fromTwo))
	require.NoError(t, s2.processPacket(fromOne))

	read := func(db *store.DB) []string {
		var lines []string
		require.NoError(t, db.View(func(txn *store.Txn) error {
			var err error
			lines, err = txn.ContentLines("n1")
			return err
		}))
		return lines
	}
	assert.Equal(t, read(db1), read(db2), "peers must converge")
	assert.Contains(t, read(db1), "<CONFLICT>")

	// Redelivering the other side's conflict re-broadcast changes nothing.
	converged := read(db1)
	rebroadcast := &types.BroadcastPacket{
		ClientID:  "p2",
		Timestamp: nowSeconds(),
		Content: map[types.NodeID]types.ContentEntry{
			"n1": {Hash: merge.OrderedDataHash([]string{"peer two edit"}), Lines: converged},
		},
	}
	require.NoError(t, s1.processPacket(rebroadcast))
	assert.Equal(t, converged, read(db1))
}

func TestRefreshOthersOnline(t *testing.T) {
	session, transport, _ := testSession(t)
	now := nowSeconds()

	transport.clients = map[string]float64{
		"me":    now,
		"peer":  now - 1,
		"ghost": now - 60,
	}
	require.NoError(t, session.refreshOthersOnline(now))
	assert.True(t, session.OthersOnline())
	// The stale peer triggered a prune.
	assert.Len(t, transport.pruned, 1)

	transport.clients = map[string]float64{"me": now}
	require.NoError(t, session.refreshOthersOnline(now))
	assert.False(t, session.OthersOnline())
}

func TestBroadcastSkippedWhenAlone(t *testing.T) {
	session, transport, _ := testSession(t)
	session.othersOnline.Store(false)

	session.BroadcastChanges(&types.BroadcastPacket{
		Content: map[types.NodeID]types.ContentEntry{"n1": {Hash: "h", Lines: []string{"x"}}},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, transport.sentPackets())
}
