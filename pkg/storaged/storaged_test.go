package storaged

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/index"
	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

const (
	testSpace   = types.GraphSpaceID(1)
	personTag   = types.TagID(10)
	likeEdge    = types.EdgeType(5)
	personIndex = types.IndexID(8)
	numParts    = uint32(3)
)

// newTestService hosts parts 1..3 locally. Part 2 can be left without a
// quorum to exercise the partial-failure path.
func newTestService(t *testing.T, crippledPart2 bool) *Service {
	t.Helper()
	local := types.HostAddr{Host: "127.0.0.1", Port: 9779}
	fabric := raftex.NewInprocTransport()
	svc := raftex.NewService(local)
	fabric.Register(svc)
	store := kv.NewStore(kv.StoreOptions{
		ClusterID:         1,
		Local:             local,
		DataRoot:          t.TempDir(),
		InMemory:          true,
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
	}, svc, fabric.ForHost(local))
	t.Cleanup(store.Stop)

	require.NoError(t, store.AddSpace(testSpace))
	for part := types.PartitionID(1); part <= types.PartitionID(numParts); part++ {
		peers := []types.HostAddr{local}
		if part == 2 && crippledPart2 {
			// two phantom voters: part 2 can never win an election
			peers = append(peers,
				types.HostAddr{Host: "127.0.0.1", Port: 9997},
				types.HostAddr{Host: "127.0.0.1", Port: 9998})
		}
		require.NoError(t, store.AddPart(testSpace, part, peers, false))
	}
	deadline := time.Now().Add(5 * time.Second)
	for part := types.PartitionID(1); part <= types.PartitionID(numParts); part++ {
		if part == 2 && crippledPart2 {
			continue
		}
		for {
			p, err := store.Part(testSpace, part)
			require.NoError(t, err)
			if p.IsLeader() {
				break
			}
			require.True(t, time.Now().Before(deadline), "part %d never elected", part)
			time.Sleep(10 * time.Millisecond)
		}
	}

	reg := schema.NewRegistry()
	person := schema.NewBuilder(0).
		Append("a", types.PropInt).
		Append("b", types.PropString).
		MustBuild()
	require.NoError(t, reg.RegisterTag(testSpace, "person", personTag, person))
	like := schema.NewBuilder(0).
		Append("likeness", types.PropDouble).
		MustBuild()
	require.NoError(t, reg.RegisterEdge(testSpace, "like", likeEdge, like))

	idx := index.NewManager()
	require.NoError(t, idx.Register(&index.Index{
		ID: personIndex, Space: testSpace, TagID: personTag, Columns: []string{"a", "b"},
	}))

	s := NewService(store, reg, idx)
	s.RegisterSpace(testSpace, numParts)
	return s
}

func partOf(vid types.VertexID) types.PartitionID {
	return keys.PartitionOf(vid, numParts)
}

func insertPerson(t *testing.T, s *Service, vid types.VertexID, a int64, b string) {
	t.Helper()
	resp := s.AddVertices(context.Background(), &AddVerticesRequest{
		Space:     testSpace,
		Overwrite: true,
		Parts: map[types.PartitionID][]NewVertex{
			partOf(vid): {{
				Vid:  vid,
				Tags: []NewTag{{TagID: personTag, Props: []types.Value{types.IntValue(a), types.StringValue(b)}}},
			}},
		},
	})
	require.False(t, resp.Failed(), "failed parts: %v", resp.FailedParts)
}

func lookupPersons(t *testing.T, s *Service, vals ...types.Value) []types.VertexID {
	t.Helper()
	resp := s.LookupIndex(context.Background(), &LookupIndexRequest{
		Space:   testSpace,
		Parts:   []types.PartitionID{1, 2, 3},
		IndexID: personIndex,
		Values:  vals,
	})
	require.Empty(t, resp.FailedParts)
	return resp.Vids
}

func TestAddAndGetProps(t *testing.T) {
	s := newTestService(t, false)
	insertPerson(t, s, 100, 42, "hello")

	resp := s.GetProps(context.Background(), &GetPropsRequest{
		Space:         testSpace,
		Parts:         map[types.PartitionID][]types.VertexID{partOf(100): {100}, partOf(101): {101}},
		TagID:         personTag,
		ReturnColumns: []string{"b", "a"},
	})
	require.Empty(t, resp.FailedParts)
	require.Len(t, resp.Vertices, 2)
	for _, v := range resp.Vertices {
		if v.Vid == 100 {
			require.True(t, v.Found)
			b, err := v.Props[0].Str()
			require.NoError(t, err)
			require.Equal(t, "hello", b)
			a, err := v.Props[1].Int()
			require.NoError(t, err)
			require.Equal(t, int64(42), a)
		} else {
			require.False(t, v.Found)
		}
	}
}

func TestOverwriteSemantics(t *testing.T) {
	s := newTestService(t, false)
	insertPerson(t, s, 7, 1, "first")

	// without overwrite the existing row stays
	resp := s.AddVertices(context.Background(), &AddVerticesRequest{
		Space: testSpace,
		Parts: map[types.PartitionID][]NewVertex{
			partOf(7): {{Vid: 7, Tags: []NewTag{{TagID: personTag,
				Props: []types.Value{types.IntValue(2), types.StringValue("second")}}}}},
		},
	})
	require.False(t, resp.Failed())

	got := s.GetProps(context.Background(), &GetPropsRequest{
		Space: testSpace, TagID: personTag,
		Parts:         map[types.PartitionID][]types.VertexID{partOf(7): {7}},
		ReturnColumns: []string{"b"},
	})
	b, err := got.Vertices[0].Props[0].Str()
	require.NoError(t, err)
	require.Equal(t, "first", b)

	// with overwrite a fresh version wins
	insertPerson(t, s, 7, 2, "second")
	got = s.GetProps(context.Background(), &GetPropsRequest{
		Space: testSpace, TagID: personTag,
		Parts:         map[types.PartitionID][]types.VertexID{partOf(7): {7}},
		ReturnColumns: []string{"b"},
	})
	b, err = got.Vertices[0].Props[0].Str()
	require.NoError(t, err)
	require.Equal(t, "second", b)
}

func TestIndexUpdateConsistency(t *testing.T) {
	s := newTestService(t, false)
	const vid = types.VertexID(55)
	insertPerson(t, s, vid, 1, "x")

	require.Equal(t, []types.VertexID{vid}, lookupPersons(t, s, types.IntValue(1), types.StringValue("x")))

	// update (a=1, b="x") -> (a=1, b="y")
	up, err := s.UpdateVertex(context.Background(), &UpdateVertexRequest{
		Space: testSpace,
		Part:  partOf(vid),
		Vid:   vid,
		TagID: personTag,
		Items: []UpdateItem{{Prop: "b", Expr: expr.Literal(types.StringValue("y"))}},
	})
	require.NoError(t, err)
	require.True(t, up.FilterPassed)

	require.Empty(t, lookupPersons(t, s, types.IntValue(1), types.StringValue("x")))
	require.Equal(t, []types.VertexID{vid}, lookupPersons(t, s, types.IntValue(1), types.StringValue("y")))

	// a full index scan holds exactly one entry for the vertex
	all := lookupPersons(t, s)
	count := 0
	for _, got := range all {
		if got == vid {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestUpdateSeesPreUpdateState(t *testing.T) {
	s := newTestService(t, false)
	insertPerson(t, s, 9, 10, "n")

	// a = a + 5 evaluated against the pre-update row
	up, err := s.UpdateVertex(context.Background(), &UpdateVertexRequest{
		Space: testSpace,
		Part:  partOf(9),
		Vid:   9,
		TagID: personTag,
		Items: []UpdateItem{{Prop: "a",
			Expr: expr.Binary("+", expr.Prop("", "a"), expr.Literal(types.IntValue(5)))}},
		Filter:        expr.Binary("==", expr.Prop("", "a"), expr.Literal(types.IntValue(10))),
		ReturnColumns: []string{"a"},
	})
	require.NoError(t, err)
	require.True(t, up.FilterPassed)
	a, err := up.Values[0].Int()
	require.NoError(t, err)
	require.Equal(t, int64(15), a)

	// the filter now rejects: it sees the committed state
	up, err = s.UpdateVertex(context.Background(), &UpdateVertexRequest{
		Space: testSpace,
		Part:  partOf(9),
		Vid:   9,
		TagID: personTag,
		Items: []UpdateItem{{Prop: "a", Expr: expr.Literal(types.IntValue(0))}},
		Filter: expr.Binary("==", expr.Prop("", "a"), expr.Literal(types.IntValue(10))),
	})
	require.NoError(t, err)
	require.False(t, up.FilterPassed)
}

func TestUpdateInsertable(t *testing.T) {
	s := newTestService(t, false)

	_, err := s.UpdateVertex(context.Background(), &UpdateVertexRequest{
		Space: testSpace, Part: partOf(70), Vid: 70, TagID: personTag,
		Items: []UpdateItem{{Prop: "a", Expr: expr.Literal(types.IntValue(3))}},
	})
	require.Equal(t, status.ErrKeyNotFound, status.CodeOf(err))

	up, err := s.UpdateVertex(context.Background(), &UpdateVertexRequest{
		Space: testSpace, Part: partOf(70), Vid: 70, TagID: personTag,
		Items:         []UpdateItem{{Prop: "a", Expr: expr.Literal(types.IntValue(3))}},
		Insertable:    true,
		ReturnColumns: []string{"a", "b"},
	})
	require.NoError(t, err)
	require.True(t, up.FilterPassed)
	a, err := up.Values[0].Int()
	require.NoError(t, err)
	require.Equal(t, int64(3), a)
	b, err := up.Values[1].Str()
	require.NoError(t, err)
	require.Equal(t, "", b)
}

// addLike writes both the out-edge and its mirror, the way the storage
// client routes them.
func addLike(t *testing.T, s *Service, src, dst types.VertexID, rank types.EdgeRanking, likeness float64) {
	t.Helper()
	parts := map[types.PartitionID][]NewEdge{}
	out := NewEdge{Src: src, Type: likeEdge, Rank: rank, Dst: dst,
		Props: []types.Value{types.DoubleValue(likeness)}}
	in := NewEdge{Src: dst, Type: -likeEdge, Rank: rank, Dst: src,
		Props: []types.Value{types.DoubleValue(likeness)}}
	parts[partOf(src)] = append(parts[partOf(src)], out)
	parts[partOf(dst)] = append(parts[partOf(dst)], in)
	resp := s.AddEdges(context.Background(), &AddEdgesRequest{
		Space: testSpace, Parts: parts, Overwrite: true,
	})
	require.False(t, resp.Failed(), "failed parts: %v", resp.FailedParts)
}

func TestMirrorEdgeReadable(t *testing.T) {
	s := newTestService(t, false)
	addLike(t, s, 1, 2, 0, 0.9)

	// the mirror is a point read in the destination's partition
	row, err := s.readNewestEdgeRow(testSpace, partOf(2),
		EdgeKeyRef{Src: 2, Type: -likeEdge, Rank: 0, Dst: 1}, false)
	require.NoError(t, err)
	require.NotNil(t, row)
	likeness, err := row.GetDoubleByName("likeness")
	require.NoError(t, err)
	require.Equal(t, 0.9, likeness)
}

func TestGetNeighbors(t *testing.T) {
	s := newTestService(t, false)
	insertPerson(t, s, 1, 30, "alice")
	addLike(t, s, 1, 2, 0, 0.9)
	addLike(t, s, 1, 3, 0, 0.4)
	addLike(t, s, 1, 4, 1, 0.7)

	resp := s.GetNeighbors(context.Background(), &GetNeighborsRequest{
		Space:     testSpace,
		Parts:     map[types.PartitionID][]types.VertexID{partOf(1): {1}},
		EdgeTypes: []types.EdgeType{likeEdge},
		Filter: expr.Binary(">", expr.Prop("", "likeness"),
			expr.Literal(types.DoubleValue(0.5))),
		ReturnColumns: []PropDef{{Name: "likeness"}, {Tag: personTag, Name: "b"}},
	})
	require.Empty(t, resp.FailedParts)
	require.Len(t, resp.Vertices, 1)
	vn := resp.Vertices[0]
	require.Equal(t, types.VertexID(1), vn.Vid)
	require.Equal(t, 2, vn.TotalEdges)
	require.Len(t, vn.Edges, 2)
	dsts := map[types.VertexID]bool{}
	for _, e := range vn.Edges {
		dsts[e.Dst] = true
		// joined source-tag property rides along
		b, err := e.Props[1].Str()
		require.NoError(t, err)
		require.Equal(t, "alice", b)
	}
	require.True(t, dsts[2] && dsts[4])
}

func TestGetNeighborsSamplingCap(t *testing.T) {
	s := newTestService(t, false)
	for dst := types.VertexID(10); dst < 30; dst++ {
		addLike(t, s, 5, dst, 0, 0.5)
	}
	resp := s.GetNeighbors(context.Background(), &GetNeighborsRequest{
		Space:       testSpace,
		Parts:       map[types.PartitionID][]types.VertexID{partOf(5): {5}},
		EdgeTypes:   []types.EdgeType{likeEdge},
		LimitPerVid: 5,
		RandomSeed:  7,
	})
	require.Empty(t, resp.FailedParts)
	vn := resp.Vertices[0]
	require.Equal(t, 20, vn.TotalEdges)
	require.Len(t, vn.Edges, 5)
}

func TestGetNeighborsPartialFailure(t *testing.T) {
	s := newTestService(t, true)

	// route one vid to every partition; part 2 has no leader
	resp := s.GetNeighbors(context.Background(), &GetNeighborsRequest{
		Space:     testSpace,
		Parts:     map[types.PartitionID][]types.VertexID{1: {3}, 2: {1}, 3: {2}},
		EdgeTypes: []types.EdgeType{likeEdge},
	})
	require.Len(t, resp.FailedParts, 1)
	require.Equal(t, status.ErrLeaderChanged, resp.FailedParts[2])
	// the healthy partitions still answered
	require.Len(t, resp.Vertices, 2)
}

func TestDeleteVertexCleansIndex(t *testing.T) {
	s := newTestService(t, false)
	insertPerson(t, s, 300, 8, "gone")
	require.Len(t, lookupPersons(t, s, types.IntValue(8)), 1)

	resp := s.DeleteVertices(context.Background(), &DeleteVerticesRequest{
		Space: testSpace,
		Parts: map[types.PartitionID][]types.VertexID{partOf(300): {300}},
	})
	require.False(t, resp.Failed())

	require.Empty(t, lookupPersons(t, s, types.IntValue(8)))
	got := s.GetProps(context.Background(), &GetPropsRequest{
		Space: testSpace, TagID: personTag,
		Parts: map[types.PartitionID][]types.VertexID{partOf(300): {300}},
	})
	require.False(t, got.Vertices[0].Found)
}

func TestScanVertexPaging(t *testing.T) {
	s := newTestService(t, false)
	inserted := 0
	for vid := types.VertexID(0); vid < 30; vid++ {
		if partOf(vid) == 1 {
			insertPerson(t, s, vid, int64(vid), "row")
			inserted++
		}
	}
	var got []ScannedVertex
	var cursor []byte
	for {
		resp, err := s.ScanVertex(context.Background(), &ScanVertexRequest{
			Space: testSpace, Part: 1, Cursor: cursor, Limit: 4,
		})
		require.NoError(t, err)
		got = append(got, resp.Vertices...)
		if resp.Cursor == nil {
			break
		}
		cursor = resp.Cursor
	}
	require.Len(t, got, inserted)
}

func TestRebuildIndex(t *testing.T) {
	s := newTestService(t, false)
	// bulk-load without index maintenance, then rebuild
	resp := s.AddVertices(context.Background(), &AddVerticesRequest{
		Space:          testSpace,
		Overwrite:      true,
		SkipIndexCheck: true,
		Parts: map[types.PartitionID][]NewVertex{
			1: {{Vid: 3, Tags: []NewTag{{TagID: personTag,
				Props: []types.Value{types.IntValue(1), types.StringValue("z")}}}}},
		},
	})
	require.False(t, resp.Failed())

	for part := types.PartitionID(1); part <= 3; part++ {
		require.NoError(t, s.RebuildIndex(context.Background(), &AdminRequest{
			Space: testSpace, Part: part, IndexID: personIndex,
		}))
	}
	require.Equal(t, []types.VertexID{3}, lookupPersons(t, s, types.IntValue(1), types.StringValue("z")))
}
