package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	local := types.HostAddr{Host: "127.0.0.1", Port: 9779}
	fabric := raftex.NewInprocTransport()
	svc := raftex.NewService(local)
	fabric.Register(svc)
	st := NewStore(StoreOptions{
		ClusterID:         1,
		Local:             local,
		DataRoot:          t.TempDir(),
		InMemory:          true,
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
	}, svc, fabric.ForHost(local))
	t.Cleanup(st.Stop)

	require.NoError(t, st.AddSpace(1))
	require.NoError(t, st.AddPart(1, 1, []types.HostAddr{local}, false))
	waitPartLeader(t, st, 1, 1)
	return st
}

func waitPartLeader(t *testing.T, st *Store, space types.GraphSpaceID, part types.PartitionID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, err := st.Part(space, part)
		require.NoError(t, err)
		if p.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("partition never elected a leader")
}

func TestStorePutGetRemove(t *testing.T) {
	st := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, 1, 1, []byte("k1"), []byte("v1")))
	got, err := st.Get(1, 1, []byte("k1"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, st.Remove(ctx, 1, 1, []byte("k1")))
	_, err = st.Get(1, 1, []byte("k1"), false)
	require.Equal(t, status.ErrKeyNotFound, status.CodeOf(err))
}

func TestStoreAtomicBatch(t *testing.T) {
	st := newLocalStore(t)
	ctx := context.Background()

	b := NewBatch().
		Put([]byte("a"), []byte("1")).
		Put([]byte("b"), []byte("2")).
		Remove([]byte("missing"))
	require.NoError(t, st.AtomicBatch(ctx, 1, 1, b))

	vals, err := st.MultiGet(1, 1, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, false)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), vals[0])
	require.Equal(t, []byte("2"), vals[1])
	require.Nil(t, vals[2])
}

func TestStorePrefixAndRangeScan(t *testing.T) {
	st := newLocalStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := keys.VertexKey(1, types.VertexID(i), 7, 0)
		require.NoError(t, st.Put(ctx, 1, 1, key, []byte(fmt.Sprintf("row%d", i))))
	}

	var seen int
	err := st.PrefixScan(1, 1, keys.PartPrefix(1, keys.KindVertex), false, func(k, v []byte) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 10, seen)

	// a vertex prefix narrows to one vertex
	seen = 0
	err = st.PrefixScan(1, 1, keys.VertexPrefix(1, 3), false, func(k, v []byte) error {
		seen++
		require.Equal(t, "row3", string(v))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen)
}

func TestStoreRemoveRange(t *testing.T) {
	st := newLocalStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.Put(ctx, 1, 1, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	require.NoError(t, st.RemoveRange(ctx, 1, 1, []byte("k1"), []byte("k4")))

	for i := 0; i < 5; i++ {
		_, err := st.Get(1, 1, []byte(fmt.Sprintf("k%d", i)), false)
		if i >= 1 && i < 4 {
			require.Equal(t, status.ErrKeyNotFound, status.CodeOf(err), "k%d should be gone", i)
		} else {
			require.NoError(t, err, "k%d should remain", i)
		}
	}
}

func TestStoreVersionedReadNewestFirst(t *testing.T) {
	st := newLocalStore(t)
	ctx := context.Background()

	// three versions of the same logical vertex row
	for ver := uint64(1); ver <= 3; ver++ {
		key := keys.VertexKey(1, 42, 7, ver)
		require.NoError(t, st.Put(ctx, 1, 1, key, []byte(fmt.Sprintf("v%d", ver))))
	}

	var first string
	err := st.PrefixScan(1, 1, keys.VertexTagPrefix(1, 42, 7), false, func(k, v []byte) error {
		if first == "" {
			first = string(v)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "v3", first)
}

func TestStoreReplication(t *testing.T) {
	fabric := raftex.NewInprocTransport()
	var hosts []types.HostAddr
	var stores []*Store
	for i := 0; i < 3; i++ {
		hosts = append(hosts, types.HostAddr{Host: "127.0.0.1", Port: 9800 + i})
	}
	for i := 0; i < 3; i++ {
		svc := raftex.NewService(hosts[i])
		fabric.Register(svc)
		st := NewStore(StoreOptions{
			ClusterID:         1,
			Local:             hosts[i],
			DataRoot:          t.TempDir(),
			InMemory:          true,
			ElectionTimeout:   120 * time.Millisecond,
			HeartbeatInterval: 40 * time.Millisecond,
		}, svc, fabric.ForHost(hosts[i]))
		t.Cleanup(st.Stop)
		require.NoError(t, st.AddSpace(1))
		require.NoError(t, st.AddPart(1, 1, hosts, false))
		stores = append(stores, st)
	}

	// find the leader
	var leader *Store
	deadline := time.Now().Add(5 * time.Second)
	for leader == nil && time.Now().Before(deadline) {
		for _, st := range stores {
			p, err := st.Part(1, 1)
			require.NoError(t, err)
			if p.IsLeader() {
				leader = st
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, leader, "no leader elected")

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, leader.Put(ctx, 1, 1, []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
	}

	// every replica converges; followers answer stale reads only
	for _, st := range stores {
		require.Eventually(t, func() bool {
			v, err := st.Get(1, 1, []byte("k19"), true)
			return err == nil && string(v) == "v19"
		}, 3*time.Second, 20*time.Millisecond)
	}

	for _, st := range stores {
		p, err := st.Part(1, 1)
		require.NoError(t, err)
		if p.IsLeader() {
			continue
		}
		_, err = st.Get(1, 1, []byte("k0"), false)
		require.Equal(t, status.ErrLeaderChanged, status.CodeOf(err))
	}
}
