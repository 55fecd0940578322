package storaged

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vergedb/verge/pkg/codec"
	"github.com/vergedb/verge/pkg/index"
	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// rowContext adapts one edge row (plus lazily loaded source tag rows) to
// the expression evaluator. An empty alias addresses the edge itself;
// named aliases resolve to source tags.
type rowContext struct {
	svc     *Service
	space   types.GraphSpaceID
	part    types.PartitionID
	srcVid  types.VertexID
	edgeRow *codec.RowReader

	tagRows map[types.TagID]*codec.RowReader
}

func (c *rowContext) Prop(alias, prop string) (types.Value, error) {
	if alias == "" {
		if c.edgeRow == nil {
			return types.NullValue(), status.New(status.ErrInvalidFilter, "no edge in scope")
		}
		return c.edgeRow.ValueByName(prop)
	}
	tag, err := c.svc.reg.TagID(c.space, alias)
	if err != nil {
		return types.NullValue(), status.New(status.ErrInvalidFilter, "unknown alias %q", alias)
	}
	row, err := c.tagRow(tag)
	if err != nil {
		return types.NullValue(), err
	}
	if row == nil {
		return types.NullValue(), nil
	}
	return row.ValueByName(prop)
}

func (c *rowContext) tagRow(tag types.TagID) (*codec.RowReader, error) {
	if c.tagRows == nil {
		c.tagRows = make(map[types.TagID]*codec.RowReader)
	}
	if row, ok := c.tagRows[tag]; ok {
		return row, nil
	}
	row, err := c.svc.readNewestTagRow(c.space, c.part, c.srcVid, tag, false)
	if err != nil {
		return nil, err
	}
	c.tagRows[tag] = row
	return row, nil
}

func (c *rowContext) InputProp(string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrInvalidFilter, "input refs cannot be pushed to storage")
}

func (c *rowContext) VarProp(string, string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrInvalidFilter, "variable refs cannot be pushed to storage")
}

// GetProps point-reads the newest visible tag row of each vertex.
func (s *Service) GetProps(ctx context.Context, req *GetPropsRequest) *GetPropsResponse {
	resp := &GetPropsResponse{Columns: req.ReturnColumns}
	var mu sync.Mutex
	failed := forEachPart(ctx, req.Parts, func(part types.PartitionID, vids []types.VertexID) error {
		var local []VertexProps
		for _, vid := range vids {
			if err := ctx.Err(); err != nil {
				return status.New(status.ErrCancelled, "get props cancelled")
			}
			row, err := s.readNewestTagRow(req.Space, part, vid, req.TagID, false)
			if err != nil {
				return err
			}
			vp := VertexProps{Vid: vid, Found: row != nil}
			if row != nil {
				for _, col := range req.ReturnColumns {
					v, err := row.ValueByName(col)
					if err != nil {
						return err
					}
					vp.Props = append(vp.Props, v)
				}
			}
			local = append(local, vp)
		}
		mu.Lock()
		resp.Vertices = append(resp.Vertices, local...)
		mu.Unlock()
		return nil
	})
	resp.FailedParts = failed
	return resp
}

// GetNeighbors expands each input vid across the requested edge types,
// newest edge version only, with optional filtering, per-vid reservoir
// capping, and joined source-tag properties.
func (s *Service) GetNeighbors(ctx context.Context, req *GetNeighborsRequest) *GetNeighborsResponse {
	resp := &GetNeighborsResponse{}
	for _, def := range req.ReturnColumns {
		resp.Columns = append(resp.Columns, def.Name)
	}
	var mu sync.Mutex
	failed := forEachPart(ctx, req.Parts, func(part types.PartitionID, vids []types.VertexID) error {
		var local []VertexNeighbors
		for _, vid := range vids {
			if err := ctx.Err(); err != nil {
				return status.New(status.ErrCancelled, "get neighbors cancelled")
			}
			vn, err := s.neighborsOfVid(req, part, vid)
			if err != nil {
				return err
			}
			local = append(local, *vn)
		}
		mu.Lock()
		resp.Vertices = append(resp.Vertices, local...)
		mu.Unlock()
		return nil
	})
	resp.FailedParts = failed
	return resp
}

func (s *Service) neighborsOfVid(req *GetNeighborsRequest, part types.PartitionID,
	vid types.VertexID) (*VertexNeighbors, error) {
	vn := &VertexNeighbors{Vid: vid}
	rctx := &rowContext{svc: s, space: req.Space, part: part, srcVid: vid}

	var rng *rand.Rand
	if req.LimitPerVid > 0 {
		seed := req.RandomSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}

	prefixes := make([][]byte, 0, len(req.EdgeTypes))
	if len(req.EdgeTypes) == 0 {
		prefixes = append(prefixes, keys.EdgeSrcPrefix(part, vid))
	} else {
		for _, et := range req.EdgeTypes {
			prefixes = append(prefixes, keys.EdgeTypePrefix(part, vid, et))
		}
	}

	now := time.Now().Unix()
	var lastLogical []byte
	for _, prefix := range prefixes {
		err := s.store.PrefixScan(req.Space, part, prefix, false, func(key, value []byte) error {
			parsed, err := keys.ParseEdgeKey(key)
			if err != nil {
				return nil
			}
			logical := keys.LogicalEdgePrefix(key)
			if lastLogical != nil && string(logical) == string(lastLogical) {
				// an older version of an edge we already emitted
				return nil
			}
			lastLogical = append(lastLogical[:0], logical...)

			rowSchema, latest, err := s.edgeSchemas(req.Space, parsed.Type, value)
			if err != nil {
				return err
			}
			row, err := codec.NewRowReader(append([]byte(nil), value...), rowSchema, latest)
			if err != nil {
				return err
			}
			if expired(row, latest, now) {
				return nil
			}
			rctx.edgeRow = row
			if req.Filter != nil {
				ok, err := req.Filter.EvalBool(rctx)
				if err != nil {
					return status.New(status.ErrInvalidFilter, "filter: %v", err)
				}
				if !ok {
					return nil
				}
			}
			vn.TotalEdges++

			ne := NeighborEdge{Type: parsed.Type, Rank: parsed.Rank, Dst: parsed.Dst}
			for _, def := range req.ReturnColumns {
				var v types.Value
				if def.Tag != 0 {
					tagRow, err := rctx.tagRow(def.Tag)
					if err != nil {
						return err
					}
					if tagRow == nil {
						v = types.NullValue()
					} else if v, err = tagRow.ValueByName(def.Name); err != nil {
						return err
					}
				} else if v, err = row.ValueByName(def.Name); err != nil {
					return err
				}
				ne.Props = append(ne.Props, v)
			}

			// per-vid cap with reservoir sampling past the limit
			if req.LimitPerVid <= 0 || len(vn.Edges) < req.LimitPerVid {
				vn.Edges = append(vn.Edges, ne)
			} else if j := rng.Intn(vn.TotalEdges); j < req.LimitPerVid {
				vn.Edges[j] = ne
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return vn, nil
}

// LookupIndex scans an index by equality on its leading columns and
// returns the owning tails.
func (s *Service) LookupIndex(ctx context.Context, req *LookupIndexRequest) *LookupIndexResponse {
	resp := &LookupIndexResponse{}
	idx, err := s.indexes.Get(req.Space, req.IndexID)
	if err != nil {
		resp.FailedParts = map[types.PartitionID]status.Code{0: status.CodeOf(err)}
		return resp
	}

	parts := make(map[types.PartitionID][]struct{}, len(req.Parts))
	for _, p := range req.Parts {
		parts[p] = nil
	}
	var mu sync.Mutex
	failed := forEachPart(ctx, parts, func(part types.PartitionID, _ []struct{}) error {
		prefix, err := s.indexLookupPrefix(idx, part, req.Values)
		if err != nil {
			return err
		}
		return s.store.PrefixScan(req.Space, part, prefix, false, func(key, value []byte) error {
			mu.Lock()
			defer mu.Unlock()
			if idx.IsEdge {
				src, rank, dst, err := keys.ParseIndexTailEdge(key)
				if err != nil {
					return err
				}
				resp.Edges = append(resp.Edges, EdgeKeyRef{Src: src, Type: idx.Edge, Rank: rank, Dst: dst})
			} else {
				vid, err := keys.ParseIndexTailVertex(key)
				if err != nil {
					return err
				}
				resp.Vids = append(resp.Vids, vid)
			}
			return nil
		})
	})
	resp.FailedParts = failed
	return resp
}

// ScanVertex pages through newest-version vertex rows of one partition.
func (s *Service) ScanVertex(ctx context.Context, req *ScanVertexRequest) (*ScanVertexResponse, error) {
	resp := &ScanVertexResponse{}
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}
	start := req.Cursor
	prefix := keys.PartPrefix(req.Part, keys.KindVertex)
	if len(start) == 0 {
		start = prefix
	}
	now := time.Now().Unix()
	var lastLogical []byte
	stop := status.New(status.Succeeded, "page full")
	err := s.store.RangeScan(req.Space, req.Part, start, prefixEnd(prefix), false, func(key, value []byte) error {
		if err := ctx.Err(); err != nil {
			return status.New(status.ErrCancelled, "scan cancelled")
		}
		if len(resp.Vertices) >= limit {
			resp.Cursor = append([]byte(nil), key...)
			return stop
		}
		parsed, err := keys.ParseVertexKey(key)
		if err != nil {
			return nil
		}
		logical := keys.LogicalVertexPrefix(key)
		if lastLogical != nil && string(logical) == string(lastLogical) {
			return nil
		}
		lastLogical = append(lastLogical[:0], logical...)

		rowSchema, latest, err := s.tagSchemas(req.Space, parsed.Tag, value)
		if err != nil {
			return err
		}
		row, err := codec.NewRowReader(append([]byte(nil), value...), rowSchema, latest)
		if err != nil {
			return err
		}
		if expired(row, latest, now) {
			return nil
		}
		props, err := row.Values()
		if err != nil {
			return err
		}
		resp.Vertices = append(resp.Vertices, ScannedVertex{Vid: parsed.Vid, TagID: parsed.Tag, Props: props})
		return nil
	})
	if err != nil && err != stop {
		return nil, err
	}
	return resp, nil
}

// ScanEdge pages through newest-version edge rows of one partition.
func (s *Service) ScanEdge(ctx context.Context, req *ScanEdgeRequest) (*ScanEdgeResponse, error) {
	resp := &ScanEdgeResponse{}
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}
	prefix := keys.PartPrefix(req.Part, keys.KindEdge)
	start := req.Cursor
	if len(start) == 0 {
		start = prefix
	}
	now := time.Now().Unix()
	var lastLogical []byte
	stop := status.New(status.Succeeded, "page full")
	err := s.store.RangeScan(req.Space, req.Part, start, prefixEnd(prefix), false, func(key, value []byte) error {
		if err := ctx.Err(); err != nil {
			return status.New(status.ErrCancelled, "scan cancelled")
		}
		if len(resp.Edges) >= limit {
			resp.Cursor = append([]byte(nil), key...)
			return stop
		}
		parsed, err := keys.ParseEdgeKey(key)
		if err != nil {
			return nil
		}
		logical := keys.LogicalEdgePrefix(key)
		if lastLogical != nil && string(logical) == string(lastLogical) {
			return nil
		}
		lastLogical = append(lastLogical[:0], logical...)

		rowSchema, latest, err := s.edgeSchemas(req.Space, parsed.Type, value)
		if err != nil {
			return err
		}
		row, err := codec.NewRowReader(append([]byte(nil), value...), rowSchema, latest)
		if err != nil {
			return err
		}
		if expired(row, latest, now) {
			return nil
		}
		props, err := row.Values()
		if err != nil {
			return err
		}
		resp.Edges = append(resp.Edges, ScannedEdge{
			Edge:  EdgeKeyRef{Src: parsed.Src, Type: parsed.Type, Rank: parsed.Rank, Dst: parsed.Dst},
			Props: props,
		})
		return nil
	})
	if err != nil && err != stop {
		return nil, err
	}
	return resp, nil
}

// indexLookupPrefix encodes the equality values onto the index prefix.
func (s *Service) indexLookupPrefix(idx *index.Index, part types.PartitionID,
	values []types.Value) ([]byte, error) {
	var sp schema.Provider
	var err error
	if idx.IsEdge {
		sp, err = s.reg.LatestEdge(idx.Space, idx.Edge)
	} else {
		sp, err = s.reg.LatestTag(idx.Space, idx.TagID)
	}
	if err != nil {
		return nil, err
	}
	if len(values) > len(idx.Columns) {
		return nil, status.New(status.ErrInvalidFilter,
			"%d lookup values for %d index columns", len(values), len(idx.Columns))
	}
	var cols []byte
	for i, v := range values {
		f := sp.FieldByName(idx.Columns[i])
		if f == nil {
			return nil, status.New(status.ErrNameNotFound, "index column %q not in schema", idx.Columns[i])
		}
		cols, err = index.EncodeValue(cols, v, f.Type)
		if err != nil {
			return nil, err
		}
	}
	return keys.IndexKey(part, idx.ID, cols, nil), nil
}
