package storaged

import (
	"context"
	"sync"

	"github.com/vergedb/verge/pkg/codec"
	"github.com/vergedb/verge/pkg/index"
	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// forEachPart runs fn per partition in parallel and gathers failures.
func forEachPart[T any](ctx context.Context, parts map[types.PartitionID][]T,
	fn func(part types.PartitionID, items []T) error) map[types.PartitionID]status.Code {
	var mu sync.Mutex
	failed := make(map[types.PartitionID]status.Code)
	var wg sync.WaitGroup
	for part, items := range parts {
		wg.Add(1)
		go func(part types.PartitionID, items []T) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				mu.Lock()
				failed[part] = status.ErrCancelled
				mu.Unlock()
				return
			}
			if err := fn(part, items); err != nil {
				mu.Lock()
				failed[part] = status.CodeOf(err)
				mu.Unlock()
			}
		}(part, items)
	}
	wg.Wait()
	if len(failed) == 0 {
		return nil
	}
	return failed
}

// AddVertices inserts vertex tag rows, maintaining every matching index in
// the same atomic batch.
func (s *Service) AddVertices(ctx context.Context, req *AddVerticesRequest) *ExecResponse {
	failed := forEachPart(ctx, req.Parts, func(part types.PartitionID, vertices []NewVertex) error {
		batch := kv.NewBatch()
		for _, v := range vertices {
			if err := ctx.Err(); err != nil {
				return status.New(status.ErrCancelled, "add vertices cancelled")
			}
			for _, tag := range v.Tags {
				if err := s.addTagRow(batch, req.Space, part, v.Vid, tag, req.Overwrite, req.SkipIndexCheck); err != nil {
					return err
				}
			}
		}
		return s.store.AtomicBatch(ctx, req.Space, part, batch)
	})
	return &ExecResponse{FailedParts: failed}
}

func (s *Service) addTagRow(batch *kv.Batch, space types.GraphSpaceID, part types.PartitionID,
	vid types.VertexID, tag NewTag, overwrite, skipIndexCheck bool) error {
	latest, err := s.reg.LatestTag(space, tag.TagID)
	if err != nil {
		return err
	}

	var oldRow *codec.RowReader
	needOld := !skipIndexCheck && len(s.indexes.TagIndexes(space, tag.TagID)) > 0
	if needOld || !overwrite {
		oldRow, err = s.readNewestTagRow(space, part, vid, tag.TagID, false)
		if err != nil {
			return err
		}
	}
	if !overwrite && oldRow != nil {
		// the row already exists; without overwrite this write is a no-op
		return nil
	}

	encoded, err := encodeProps(latest, tag.Props)
	if err != nil {
		return err
	}
	newRow, err := codec.NewRowReader(encoded, latest, latest)
	if err != nil {
		return err
	}
	for _, idx := range s.indexes.TagIndexes(space, tag.TagID) {
		if skipIndexCheck {
			// bulk load: emit only the put, stale entries are the
			// caller's problem
			if err := index.MaintainTag(batch, idx, latest, part, vid, nil, newRow); err != nil {
				return err
			}
			continue
		}
		if err := index.MaintainTag(batch, idx, latest, part, vid, oldRow, newRow); err != nil {
			return err
		}
	}
	batch.Put(keys.VertexKey(part, vid, tag.TagID, s.nextVersion()), encoded)
	return nil
}

// AddEdges inserts edge rows. Mirrored in-edges arrive as their own
// entries routed to the destination's partition by the storage client.
func (s *Service) AddEdges(ctx context.Context, req *AddEdgesRequest) *ExecResponse {
	failed := forEachPart(ctx, req.Parts, func(part types.PartitionID, edges []NewEdge) error {
		batch := kv.NewBatch()
		for _, e := range edges {
			if err := ctx.Err(); err != nil {
				return status.New(status.ErrCancelled, "add edges cancelled")
			}
			if err := s.addEdgeRow(batch, req.Space, part, e, req.Overwrite, req.SkipIndexCheck); err != nil {
				return err
			}
		}
		return s.store.AtomicBatch(ctx, req.Space, part, batch)
	})
	return &ExecResponse{FailedParts: failed}
}

func (s *Service) addEdgeRow(batch *kv.Batch, space types.GraphSpaceID, part types.PartitionID,
	e NewEdge, overwrite, skipIndexCheck bool) error {
	latest, err := s.reg.LatestEdge(space, e.Type)
	if err != nil {
		return err
	}

	ref := EdgeKeyRef{Src: e.Src, Type: e.Type, Rank: e.Rank, Dst: e.Dst}
	var oldRow *codec.RowReader
	needOld := !skipIndexCheck && len(s.indexes.EdgeIndexes(space, e.Type)) > 0
	if needOld || !overwrite {
		oldRow, err = s.readNewestEdgeRow(space, part, ref, false)
		if err != nil {
			return err
		}
	}
	if !overwrite && oldRow != nil {
		return nil
	}

	encoded, err := encodeProps(latest, e.Props)
	if err != nil {
		return err
	}
	newRow, err := codec.NewRowReader(encoded, latest, latest)
	if err != nil {
		return err
	}
	for _, idx := range s.indexes.EdgeIndexes(space, e.Type) {
		if skipIndexCheck {
			oldRow = nil
		}
		if err := index.MaintainEdge(batch, idx, latest, part, e.Src, e.Rank, e.Dst, oldRow, newRow); err != nil {
			return err
		}
	}
	batch.Put(keys.EdgeKey(part, e.Src, e.Type, e.Rank, e.Dst, s.nextVersion()), encoded)
	return nil
}

// DeleteVertices removes every version of every tag row of the vertices,
// plus their index entries.
func (s *Service) DeleteVertices(ctx context.Context, req *DeleteVerticesRequest) *ExecResponse {
	failed := forEachPart(ctx, req.Parts, func(part types.PartitionID, vids []types.VertexID) error {
		batch := kv.NewBatch()
		for _, vid := range vids {
			if err := ctx.Err(); err != nil {
				return status.New(status.ErrCancelled, "delete vertices cancelled")
			}
			// index cleanup needs the current rows before they go
			seen := make(map[types.TagID]bool)
			err := s.store.PrefixScan(req.Space, part, keys.VertexPrefix(part, vid), false,
				func(key, value []byte) error {
					parsed, err := keys.ParseVertexKey(key)
					if err != nil || seen[parsed.Tag] {
						return nil
					}
					seen[parsed.Tag] = true
					rowSchema, latest, err := s.tagSchemas(req.Space, parsed.Tag, value)
					if err != nil {
						return err
					}
					row, err := codec.NewRowReader(append([]byte(nil), value...), rowSchema, latest)
					if err != nil {
						return err
					}
					for _, idx := range s.indexes.TagIndexes(req.Space, parsed.Tag) {
						if err := index.DeleteTag(batch, idx, latest, part, vid, row); err != nil {
							return err
						}
					}
					return nil
				})
			if err != nil {
				return err
			}
			prefix := keys.VertexPrefix(part, vid)
			batch.RemoveRange(prefix, prefixEnd(prefix))
		}
		return s.store.AtomicBatch(ctx, req.Space, part, batch)
	})
	return &ExecResponse{FailedParts: failed}
}

// DeleteEdges removes every version of the addressed edges plus their
// index entries. Mirror removal is the client's routing job, exactly like
// mirror insertion.
func (s *Service) DeleteEdges(ctx context.Context, req *DeleteEdgesRequest) *ExecResponse {
	failed := forEachPart(ctx, req.Parts, func(part types.PartitionID, refs []EdgeKeyRef) error {
		batch := kv.NewBatch()
		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				return status.New(status.ErrCancelled, "delete edges cancelled")
			}
			row, err := s.readNewestEdgeRow(req.Space, part, ref, false)
			if err != nil {
				return err
			}
			if row != nil {
				latest, err := s.reg.LatestEdge(req.Space, ref.Type)
				if err != nil {
					return err
				}
				for _, idx := range s.indexes.EdgeIndexes(req.Space, ref.Type) {
					if err := index.DeleteEdge(batch, idx, latest, part, ref.Src, ref.Rank, ref.Dst, row); err != nil {
						return err
					}
				}
			}
			prefix := keys.EdgeVersionPrefix(part, ref.Src, ref.Type, ref.Rank, ref.Dst)
			batch.RemoveRange(prefix, prefixEnd(prefix))
		}
		return s.store.AtomicBatch(ctx, req.Space, part, batch)
	})
	return &ExecResponse{FailedParts: failed}
}

// prefixEnd is the exclusive upper bound of a prefix range.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	// all 0xFF: scan to the end of the keyspace
	return append(end, 0xFF)
}
