package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/types"
)

func TestListenerReceivesCommittedBatches(t *testing.T) {
	dataHost := types.HostAddr{Host: "127.0.0.1", Port: 9950}
	listenHost := types.HostAddr{Host: "127.0.0.1", Port: 9951}
	fabric := raftex.NewInprocTransport()

	dataSvc := raftex.NewService(dataHost)
	fabric.Register(dataSvc)
	store := kv.NewStore(kv.StoreOptions{
		ClusterID:         1,
		Local:             dataHost,
		DataRoot:          t.TempDir(),
		InMemory:          true,
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
	}, dataSvc, fabric.ForHost(dataHost))
	t.Cleanup(store.Stop)
	require.NoError(t, store.AddSpace(1))
	require.NoError(t, store.AddPart(1, 1, []types.HostAddr{dataHost}, false))

	var part *kv.Part
	require.Eventually(t, func() bool {
		p, err := store.Part(1, 1)
		if err != nil {
			return false
		}
		part = p
		return p.IsLeader()
	}, 5*time.Second, 10*time.Millisecond)

	// attach the listener host as a learner
	listenSvc := raftex.NewService(listenHost)
	fabric.Register(listenSvc)
	t.Cleanup(listenSvc.Stop)
	host := NewHost(listenSvc, fabric.ForHost(listenHost))
	t.Cleanup(host.Stop)
	require.NoError(t, host.Bind(raftex.Config{
		ClusterID:         1,
		Space:             1,
		Part:              1,
		Local:             listenHost,
		Peers:             []types.HostAddr{dataHost, listenHost},
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
		WalDir:            t.TempDir(),
	}))
	sub := host.Broker().Subscribe()
	defer host.Broker().Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	require.NoError(t, part.Raft().AddLearner(ctx, listenHost))
	cancel()

	require.NoError(t, store.Put(context.Background(), 1, 1, []byte("k"), []byte("v")))

	select {
	case ev := <-sub:
		require.Equal(t, types.GraphSpaceID(1), ev.Space)
		require.Equal(t, types.PartitionID(1), ev.Part)
		require.GreaterOrEqual(t, ev.Batch.Len(), 1)
		found := false
		for _, op := range ev.Batch.Ops() {
			if op.Kind == kv.OpPut && string(op.Key) == "k" && string(op.Value) == "v" {
				found = true
			}
		}
		require.True(t, found, "listener event misses the put")
	case <-time.After(5 * time.Second):
		t.Fatal("listener never received the committed batch")
	}
}
