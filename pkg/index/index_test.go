package index

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/codec"
	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/types"
)

func personSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewBuilder(0).
		Append("a", types.PropInt).
		Append("b", types.PropString).
		Build()
	require.NoError(t, err)
	return s
}

func encodeRow(t *testing.T, s *schema.Schema, a int64, b string) *codec.RowReader {
	t.Helper()
	w := codec.NewRowWriter(s)
	require.NoError(t, w.WriteInt(a))
	require.NoError(t, w.WriteString(b))
	data, err := w.Encode()
	require.NoError(t, err)
	r, err := codec.NewRowReader(data, s, s)
	require.NoError(t, err)
	return r
}

func TestEncodeValueOrderPreserving(t *testing.T) {
	ints := []int64{-100, -1, 0, 1, 100}
	var encoded [][]byte
	for _, i := range ints {
		b, err := EncodeValue(nil, types.IntValue(i), types.PropInt)
		require.NoError(t, err)
		encoded = append(encoded, b)
	}
	require.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))

	doubles := []float64{-2.5, -0.1, 0, 0.1, 2.5}
	encoded = nil
	for _, d := range doubles {
		b, err := EncodeValue(nil, types.DoubleValue(d), types.PropDouble)
		require.NoError(t, err)
		encoded = append(encoded, b)
	}
	require.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))
}

func TestMaintainTagPutAndCleanup(t *testing.T) {
	s := personSchema(t)
	idx := &Index{ID: 5, Space: 1, TagID: 10, Columns: []string{"a", "b"}}

	oldRow := encodeRow(t, s, 1, "x")
	newRow := encodeRow(t, s, 1, "y")

	// fresh insert: only the put
	b := kv.NewBatch()
	require.NoError(t, MaintainTag(b, idx, s, 1, 77, nil, oldRow))
	require.Equal(t, 1, b.Len())
	require.Equal(t, kv.OpPut, b.Ops()[0].Kind)
	insertKey := b.Ops()[0].Key

	// update that changes an indexed column: put new, delete old
	b = kv.NewBatch()
	require.NoError(t, MaintainTag(b, idx, s, 1, 77, oldRow, newRow))
	require.Equal(t, 2, b.Len())
	require.Equal(t, kv.OpPut, b.Ops()[0].Kind)
	require.Equal(t, kv.OpRemove, b.Ops()[1].Kind)
	require.Equal(t, insertKey, b.Ops()[1].Key)
	require.NotEqual(t, insertKey, b.Ops()[0].Key)

	// update that keeps the indexed columns: put only
	b = kv.NewBatch()
	require.NoError(t, MaintainTag(b, idx, s, 1, 77, newRow, newRow))
	require.Equal(t, 1, b.Len())
}

func TestManagerRouting(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(&Index{ID: 1, Space: 1, TagID: 10, Columns: []string{"a"}}))
	require.NoError(t, m.Register(&Index{ID: 2, Space: 1, IsEdge: true, Edge: 20, Columns: []string{"a"}}))
	require.Error(t, m.Register(&Index{ID: 1, Space: 1, TagID: 11}))

	require.Len(t, m.TagIndexes(1, 10), 1)
	require.Empty(t, m.TagIndexes(1, 11))
	require.Len(t, m.EdgeIndexes(1, 20), 1)
	// in-edges never carry entries
	require.Empty(t, m.EdgeIndexes(1, -20))

	m.Drop(1, 1)
	require.Empty(t, m.TagIndexes(1, 10))
}

func TestEdgeEntryTail(t *testing.T) {
	s := personSchema(t)
	idx := &Index{ID: 3, Space: 1, IsEdge: true, Edge: 20, Columns: []string{"a"}}
	row := encodeRow(t, s, 9, "z")

	key, err := EdgeEntry(idx, s, 4, 100, -1, 200, row)
	require.NoError(t, err)
	// the owning tail decodes back to the edge endpoints
	src, rank, dst, err := keys.ParseIndexTailEdge(key)
	require.NoError(t, err)
	require.Equal(t, types.VertexID(100), src)
	require.Equal(t, types.EdgeRanking(-1), rank)
	require.Equal(t, types.VertexID(200), dst)
}
