package keys

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/types"
)

func TestVertexKeyRoundTrip(t *testing.T) {
	key := VertexKey(42, -7, 3, 9)
	require.Equal(t, KindVertex, KindOf(key))
	require.Equal(t, types.PartitionID(42), PartOf(key))

	p, err := ParseVertexKey(key)
	require.NoError(t, err)
	require.Equal(t, types.VertexID(-7), p.Vid)
	require.Equal(t, types.TagID(3), p.Tag)
	require.Equal(t, uint64(9), p.Version)

	require.True(t, bytes.HasPrefix(key, VertexPrefix(42, -7)))
	require.True(t, bytes.HasPrefix(key, VertexTagPrefix(42, -7, 3)))
}

func TestEdgeKeyRoundTrip(t *testing.T) {
	key := EdgeKey(7, 100, -12, -5, 200, 33)
	require.Equal(t, KindEdge, KindOf(key))

	p, err := ParseEdgeKey(key)
	require.NoError(t, err)
	require.Equal(t, types.VertexID(100), p.Src)
	require.Equal(t, types.EdgeType(-12), p.Type)
	require.Equal(t, types.EdgeRanking(-5), p.Rank)
	require.Equal(t, types.VertexID(200), p.Dst)
	require.Equal(t, uint64(33), p.Version)

	require.True(t, bytes.HasPrefix(key, EdgeSrcPrefix(7, 100)))
	require.True(t, bytes.HasPrefix(key, EdgeTypePrefix(7, 100, -12)))
	require.True(t, bytes.HasPrefix(key, EdgeVersionPrefix(7, 100, -12, -5, 200)))
}

func TestNewestVersionSortsFirst(t *testing.T) {
	old := VertexKey(1, 5, 2, 1)
	newer := VertexKey(1, 5, 2, 2)
	require.Equal(t, -1, bytes.Compare(newer, old))
}

func TestRankOrderIsLexicographic(t *testing.T) {
	ranks := []types.EdgeRanking{5, -1, 0, 100, -100}
	var encoded [][]byte
	for _, r := range ranks {
		encoded = append(encoded, EdgeKey(1, 1, 2, r, 3, 0))
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})
	var got []types.EdgeRanking
	for _, k := range encoded {
		p, err := ParseEdgeKey(k)
		require.NoError(t, err)
		got = append(got, p.Rank)
	}
	require.Equal(t, []types.EdgeRanking{-100, -1, 0, 5, 100}, got)
}

func TestPartitionOfStableAndOneBased(t *testing.T) {
	for _, vid := range []types.VertexID{0, 1, -1, 1 << 40} {
		p := PartitionOf(vid, 10)
		require.GreaterOrEqual(t, p, types.PartitionID(1))
		require.LessOrEqual(t, p, types.PartitionID(10))
		require.Equal(t, p, PartitionOf(vid, 10))
	}
}

func TestIndexTails(t *testing.T) {
	vKey := IndexKey(3, 8, []byte{0x01, 0x02}, VertexIndexTail(77))
	require.True(t, bytes.HasPrefix(vKey, IndexPrefix(3, 8)))
	vid, err := ParseIndexTailVertex(vKey)
	require.NoError(t, err)
	require.Equal(t, types.VertexID(77), vid)

	eKey := IndexKey(3, 9, nil, EdgeIndexTail(1, -2, 3))
	src, rank, dst, err := ParseIndexTailEdge(eKey)
	require.NoError(t, err)
	require.Equal(t, types.VertexID(1), src)
	require.Equal(t, types.EdgeRanking(-2), rank)
	require.Equal(t, types.VertexID(3), dst)
}

func TestKindRangesAreDisjoint(t *testing.T) {
	v := PartPrefix(5, KindVertex)
	e := PartPrefix(5, KindEdge)
	i := PartPrefix(5, KindIndex)
	require.True(t, bytes.Compare(v, e) < 0)
	require.True(t, bytes.Compare(e, i) < 0)
	require.False(t, bytes.HasPrefix(EdgeSrcPrefix(5, 1), v))
}
