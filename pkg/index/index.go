// Package index builds and maintains composite secondary indexes. Entries
// live in the same partition as the rows they point to and are written in
// the same atomic batch as the data mutation.
package index

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/vergedb/verge/pkg/codec"
	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Index is one composite equality/range index over typed columns of a tag
// or an edge type.
type Index struct {
	ID      types.IndexID
	Space   types.GraphSpaceID
	IsEdge  bool
	TagID   types.TagID
	Edge    types.EdgeType
	Columns []string
}

// Manager resolves which indexes a mutation must maintain.
type Manager struct {
	mu     sync.RWMutex
	byID   map[types.GraphSpaceID]map[types.IndexID]*Index
	byTag  map[types.GraphSpaceID]map[types.TagID][]*Index
	byEdge map[types.GraphSpaceID]map[types.EdgeType][]*Index
}

// NewManager creates an empty index manager.
func NewManager() *Manager {
	return &Manager{
		byID:   make(map[types.GraphSpaceID]map[types.IndexID]*Index),
		byTag:  make(map[types.GraphSpaceID]map[types.TagID][]*Index),
		byEdge: make(map[types.GraphSpaceID]map[types.EdgeType][]*Index),
	}
}

// Register installs an index definition.
func (m *Manager) Register(idx *Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byID[idx.Space]
	if ids == nil {
		ids = make(map[types.IndexID]*Index)
		m.byID[idx.Space] = ids
	}
	if _, ok := ids[idx.ID]; ok {
		return status.New(status.ErrExisted, "index %d exists in space %d", idx.ID, idx.Space)
	}
	ids[idx.ID] = idx
	if idx.IsEdge {
		et := idx.Edge
		if et < 0 {
			et = -et
		}
		if m.byEdge[idx.Space] == nil {
			m.byEdge[idx.Space] = make(map[types.EdgeType][]*Index)
		}
		m.byEdge[idx.Space][et] = append(m.byEdge[idx.Space][et], idx)
	} else {
		if m.byTag[idx.Space] == nil {
			m.byTag[idx.Space] = make(map[types.TagID][]*Index)
		}
		m.byTag[idx.Space][idx.TagID] = append(m.byTag[idx.Space][idx.TagID], idx)
	}
	return nil
}

// Drop removes an index definition.
func (m *Manager) Drop(space types.GraphSpaceID, id types.IndexID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[space][id]
	if !ok {
		return
	}
	delete(m.byID[space], id)
	filter := func(in []*Index) []*Index {
		out := in[:0]
		for _, ix := range in {
			if ix.ID != id {
				out = append(out, ix)
			}
		}
		return out
	}
	if idx.IsEdge {
		et := idx.Edge
		if et < 0 {
			et = -et
		}
		m.byEdge[space][et] = filter(m.byEdge[space][et])
	} else {
		m.byTag[space][idx.TagID] = filter(m.byTag[space][idx.TagID])
	}
}

// Get resolves an index by id.
func (m *Manager) Get(space types.GraphSpaceID, id types.IndexID) (*Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx, ok := m.byID[space][id]; ok {
		return idx, nil
	}
	return nil, status.New(status.ErrNotFound, "index %d not found in space %d", id, space)
}

// TagIndexes returns the indexes a tag mutation must maintain.
func (m *Manager) TagIndexes(space types.GraphSpaceID, tag types.TagID) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTag[space][tag]
}

// EdgeIndexes returns the indexes an edge mutation must maintain. Only
// out-edges carry index entries; the mirrored in-edge does not.
func (m *Manager) EdgeIndexes(space types.GraphSpaceID, et types.EdgeType) []*Index {
	if et < 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byEdge[space][et]
}

// EncodeValue writes one column value in the order-preserving index form:
// fixed width for scalars, NUL-terminated for strings.
func EncodeValue(b []byte, v types.Value, t types.PropertyType) ([]byte, error) {
	switch t {
	case types.PropBool:
		bv, err := v.Bool()
		if err != nil {
			return nil, err
		}
		if bv {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case types.PropInt, types.PropVid, types.PropTimestamp:
		iv, err := v.Int()
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint64(b, uint64(iv)^(1<<63)), nil
	case types.PropFloat, types.PropDouble:
		dv, err := v.Double()
		if err != nil {
			return nil, err
		}
		bits := math.Float64bits(dv)
		// flip so that negatives order before positives
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(b, bits), nil
	case types.PropString:
		sv, err := v.Str()
		if err != nil {
			return nil, err
		}
		b = append(b, sv...)
		return append(b, 0), nil
	}
	return nil, status.New(status.ErrIncompatibleType, "cannot index type %s", t)
}

// EncodeColumns encodes the indexed columns of one row, in index order.
func EncodeColumns(idx *Index, sp schema.Provider, read func(name string) (types.Value, error)) ([]byte, error) {
	var out []byte
	for _, col := range idx.Columns {
		f := sp.FieldByName(col)
		if f == nil {
			return nil, status.New(status.ErrNameNotFound, "index column %q not in schema", col)
		}
		v, err := read(col)
		if err != nil {
			return nil, err
		}
		out, err = EncodeValue(out, v, f.Type)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TagEntry builds the full index key for one vertex row.
func TagEntry(idx *Index, sp schema.Provider, part types.PartitionID,
	vid types.VertexID, row *codec.RowReader) ([]byte, error) {
	cols, err := EncodeColumns(idx, sp, row.ValueByName)
	if err != nil {
		return nil, err
	}
	return keys.IndexKey(part, idx.ID, cols, keys.VertexIndexTail(vid)), nil
}

// EdgeEntry builds the full index key for one out-edge row.
func EdgeEntry(idx *Index, sp schema.Provider, part types.PartitionID,
	src types.VertexID, rank types.EdgeRanking, dst types.VertexID, row *codec.RowReader) ([]byte, error) {
	cols, err := EncodeColumns(idx, sp, row.ValueByName)
	if err != nil {
		return nil, err
	}
	return keys.IndexKey(part, idx.ID, cols, keys.EdgeIndexTail(src, rank, dst)), nil
}

// MaintainTag emits the index mutations for one vertex write into the
// data batch: put the new entry, and delete the old one when it differs.
// oldRow is nil when the caller skipped the pre-read (bulk load); stale
// entries are then the caller's problem.
func MaintainTag(batch *kv.Batch, idx *Index, sp schema.Provider, part types.PartitionID,
	vid types.VertexID, oldRow, newRow *codec.RowReader) error {
	newKey, err := TagEntry(idx, sp, part, vid, newRow)
	if err != nil {
		return err
	}
	batch.Put(newKey, keys.VertexIndexTail(vid))
	if oldRow != nil {
		oldKey, err := TagEntry(idx, sp, part, vid, oldRow)
		if err != nil {
			return err
		}
		if !bytes.Equal(oldKey, newKey) {
			batch.Remove(oldKey)
		}
	}
	return nil
}

// MaintainEdge is MaintainTag for out-edge rows.
func MaintainEdge(batch *kv.Batch, idx *Index, sp schema.Provider, part types.PartitionID,
	src types.VertexID, rank types.EdgeRanking, dst types.VertexID, oldRow, newRow *codec.RowReader) error {
	newKey, err := EdgeEntry(idx, sp, part, src, rank, dst, newRow)
	if err != nil {
		return err
	}
	batch.Put(newKey, keys.EdgeIndexTail(src, rank, dst))
	if oldRow != nil {
		oldKey, err := EdgeEntry(idx, sp, part, src, rank, dst, oldRow)
		if err != nil {
			return err
		}
		if !bytes.Equal(oldKey, newKey) {
			batch.Remove(oldKey)
		}
	}
	return nil
}

// DeleteTag emits the removal of a vertex row's entry.
func DeleteTag(batch *kv.Batch, idx *Index, sp schema.Provider, part types.PartitionID,
	vid types.VertexID, row *codec.RowReader) error {
	key, err := TagEntry(idx, sp, part, vid, row)
	if err != nil {
		return err
	}
	batch.Remove(key)
	return nil
}

// DeleteEdge emits the removal of an edge row's entry.
func DeleteEdge(batch *kv.Batch, idx *Index, sp schema.Provider, part types.PartitionID,
	src types.VertexID, rank types.EdgeRanking, dst types.VertexID, row *codec.RowReader) error {
	key, err := EdgeEntry(idx, sp, part, src, rank, dst, row)
	if err != nil {
		return err
	}
	batch.Remove(key)
	return nil
}
