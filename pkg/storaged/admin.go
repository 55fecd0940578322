package storaged

import (
	"context"

	"github.com/vergedb/verge/pkg/codec"
	"github.com/vergedb/verge/pkg/index"
	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// rebuildBatchSize bounds one replicated batch during an index rebuild.
const rebuildBatchSize = 512

// Compact flattens a space's engine.
func (s *Service) Compact(req *AdminRequest) error {
	return s.store.Compact(req.Space)
}

// Flush syncs a space's engine.
func (s *Service) Flush(req *AdminRequest) error {
	return s.store.Flush(req.Space)
}

// RebuildIndex walks one partition's data rows and regenerates every
// entry of one index. Existing entries of the index are dropped first.
func (s *Service) RebuildIndex(ctx context.Context, req *AdminRequest) error {
	idx, err := s.indexes.Get(req.Space, req.IndexID)
	if err != nil {
		return err
	}
	p, err := s.store.Part(req.Space, req.Part)
	if err != nil {
		return err
	}
	if !p.IsLeader() {
		return status.New(status.ErrLeaderChanged, "rebuild must run on the leader")
	}

	// drop the old entries in one replicated range delete
	idxPrefix := keys.IndexPrefix(req.Part, req.IndexID)
	wipe := kv.NewBatch().RemoveRange(idxPrefix, prefixEnd(idxPrefix))
	if err := p.AsyncBatch(ctx, wipe); err != nil {
		return err
	}

	if idx.IsEdge {
		return s.rebuildEdgeIndex(ctx, p, idx, req)
	}
	return s.rebuildTagIndex(ctx, p, idx, req)
}

func (s *Service) rebuildTagIndex(ctx context.Context, p *kv.Part, idx *index.Index, req *AdminRequest) error {
	latest, err := s.reg.LatestTag(req.Space, idx.TagID)
	if err != nil {
		return err
	}
	batch := kv.NewBatch()
	var lastLogical []byte
	err = p.Prefix(keys.PartPrefix(req.Part, keys.KindVertex), false, func(key, value []byte) error {
		if err := ctx.Err(); err != nil {
			return status.New(status.ErrCancelled, "rebuild cancelled")
		}
		parsed, err := keys.ParseVertexKey(key)
		if err != nil || parsed.Tag != idx.TagID {
			return nil
		}
		logical := keys.LogicalVertexPrefix(key)
		if lastLogical != nil && string(logical) == string(lastLogical) {
			return nil
		}
		lastLogical = append(lastLogical[:0], logical...)

		rowSchema, _, err := s.tagSchemas(req.Space, parsed.Tag, value)
		if err != nil {
			return err
		}
		row, err := codec.NewRowReader(append([]byte(nil), value...), rowSchema, latest)
		if err != nil {
			return err
		}
		if err := index.MaintainTag(batch, idx, latest, req.Part, parsed.Vid, nil, row); err != nil {
			return err
		}
		if batch.Len() >= rebuildBatchSize {
			if err := p.AsyncBatch(ctx, batch); err != nil {
				return err
			}
			batch = kv.NewBatch()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return p.AsyncBatch(ctx, batch)
}

func (s *Service) rebuildEdgeIndex(ctx context.Context, p *kv.Part, idx *index.Index, req *AdminRequest) error {
	latest, err := s.reg.LatestEdge(req.Space, idx.Edge)
	if err != nil {
		return err
	}
	batch := kv.NewBatch()
	var lastLogical []byte
	err = p.Prefix(keys.PartPrefix(req.Part, keys.KindEdge), false, func(key, value []byte) error {
		if err := ctx.Err(); err != nil {
			return status.New(status.ErrCancelled, "rebuild cancelled")
		}
		parsed, err := keys.ParseEdgeKey(key)
		if err != nil || parsed.Type != idx.Edge {
			return nil
		}
		logical := keys.LogicalEdgePrefix(key)
		if lastLogical != nil && string(logical) == string(lastLogical) {
			return nil
		}
		lastLogical = append(lastLogical[:0], logical...)

		rowSchema, _, err := s.edgeSchemas(req.Space, parsed.Type, value)
		if err != nil {
			return err
		}
		row, err := codec.NewRowReader(append([]byte(nil), value...), rowSchema, latest)
		if err != nil {
			return err
		}
		if err := index.MaintainEdge(batch, idx, latest, req.Part,
			parsed.Src, parsed.Rank, parsed.Dst, nil, row); err != nil {
			return err
		}
		if batch.Len() >= rebuildBatchSize {
			if err := p.AsyncBatch(ctx, batch); err != nil {
				return err
			}
			batch = kv.NewBatch()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return p.AsyncBatch(ctx, batch)
}

// AddPart begins serving a partition on this host.
func (s *Service) AddPart(space types.GraphSpaceID, part types.PartitionID,
	peers []types.HostAddr, asLearner bool) error {
	if err := s.store.AddSpace(space); err != nil {
		return err
	}
	return s.store.AddPart(space, part, peers, asLearner)
}

// AddLearnerToPart asks the local leader replica to admit a learner.
func (s *Service) AddLearnerToPart(ctx context.Context, space types.GraphSpaceID,
	part types.PartitionID, learner types.HostAddr) error {
	p, err := s.store.Part(space, part)
	if err != nil {
		return err
	}
	return p.Raft().AddLearner(ctx, learner)
}
