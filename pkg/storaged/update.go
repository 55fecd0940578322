package storaged

import (
	"context"

	"github.com/vergedb/verge/pkg/codec"
	"github.com/vergedb/verge/pkg/index"
	"github.com/vergedb/verge/pkg/keys"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// updateContext evaluates update expressions and filters against the
// pre-update row; a missing row (upsert path) reads as schema defaults.
type updateContext struct {
	row *codec.RowReader
	sp  *schema.Schema
}

func (c *updateContext) Prop(alias, prop string) (types.Value, error) {
	if c.row != nil {
		return c.row.ValueByName(prop)
	}
	f := c.sp.FieldByName(prop)
	if f == nil {
		return types.NullValue(), status.New(status.ErrNameNotFound, "column %q not in schema", prop)
	}
	return f.DefaultOrZero(), nil
}

func (c *updateContext) InputProp(string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrInvalidFilter, "input refs invalid in storage updates")
}

func (c *updateContext) VarProp(string, string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrInvalidFilter, "variable refs invalid in storage updates")
}

// UpdateVertex applies update items to one vertex tag row: the filter and
// every expression see the pre-update state, index entries move in the
// same atomic batch, and the new row version lands last.
func (s *Service) UpdateVertex(ctx context.Context, req *UpdateVertexRequest) (*UpdateResponse, error) {
	latest, err := s.reg.LatestTag(req.Space, req.TagID)
	if err != nil {
		return nil, err
	}
	oldRow, err := s.readNewestTagRow(req.Space, req.Part, req.Vid, req.TagID, false)
	if err != nil {
		return nil, err
	}
	if oldRow == nil && !req.Insertable {
		return nil, status.New(status.ErrKeyNotFound, "vertex %d tag %d absent", req.Vid, req.TagID)
	}

	ectx := &updateContext{row: oldRow, sp: latest}
	if req.Filter != nil && oldRow != nil {
		ok, err := req.Filter.EvalBool(ectx)
		if err != nil {
			return nil, status.New(status.ErrInvalidFilter, "update filter: %v", err)
		}
		if !ok {
			return &UpdateResponse{FilterPassed: false}, nil
		}
	}

	newRow, err := s.applyItems(latest, oldRow, ectx, req.Items)
	if err != nil {
		return nil, err
	}

	batch := kv.NewBatch()
	for _, idx := range s.indexes.TagIndexes(req.Space, req.TagID) {
		if err := index.MaintainTag(batch, idx, latest, req.Part, req.Vid, oldRow, newRow.reader); err != nil {
			return nil, err
		}
	}
	batch.Put(keys.VertexKey(req.Part, req.Vid, req.TagID, s.nextVersion()), newRow.encoded)
	if err := s.store.AtomicBatch(ctx, req.Space, req.Part, batch); err != nil {
		return nil, err
	}
	return s.updateResponse(newRow.reader, req.ReturnColumns)
}

// UpdateEdge is UpdateVertex for one directed edge row. Only the addressed
// row changes: the mirrored in-edge is not updated, here or by the storage
// client's UpdateEdge, and keeps the props it was written with.
func (s *Service) UpdateEdge(ctx context.Context, req *UpdateEdgeRequest) (*UpdateResponse, error) {
	latest, err := s.reg.LatestEdge(req.Space, req.Edge.Type)
	if err != nil {
		return nil, err
	}
	oldRow, err := s.readNewestEdgeRow(req.Space, req.Part, req.Edge, false)
	if err != nil {
		return nil, err
	}
	if oldRow == nil && !req.Insertable {
		return nil, status.New(status.ErrKeyNotFound, "edge (%d)-[%d@%d]->(%d) absent",
			req.Edge.Src, req.Edge.Type, req.Edge.Rank, req.Edge.Dst)
	}

	ectx := &updateContext{row: oldRow, sp: latest}
	if req.Filter != nil && oldRow != nil {
		ok, err := req.Filter.EvalBool(ectx)
		if err != nil {
			return nil, status.New(status.ErrInvalidFilter, "update filter: %v", err)
		}
		if !ok {
			return &UpdateResponse{FilterPassed: false}, nil
		}
	}

	newRow, err := s.applyItems(latest, oldRow, ectx, req.Items)
	if err != nil {
		return nil, err
	}

	batch := kv.NewBatch()
	for _, idx := range s.indexes.EdgeIndexes(req.Space, req.Edge.Type) {
		if err := index.MaintainEdge(batch, idx, latest, req.Part,
			req.Edge.Src, req.Edge.Rank, req.Edge.Dst, oldRow, newRow.reader); err != nil {
			return nil, err
		}
	}
	key := keys.EdgeKey(req.Part, req.Edge.Src, req.Edge.Type, req.Edge.Rank, req.Edge.Dst, s.nextVersion())
	batch.Put(key, newRow.encoded)
	if err := s.store.AtomicBatch(ctx, req.Space, req.Part, batch); err != nil {
		return nil, err
	}
	return s.updateResponse(newRow.reader, req.ReturnColumns)
}

type updatedRow struct {
	encoded []byte
	reader  *codec.RowReader
}

// applyItems evaluates every item against the pre-update context, then
// encodes the merged row. Updates therefore see pre-update state even
// when one item assigns a column another item reads.
func (s *Service) applyItems(latest *schema.Schema, oldRow *codec.RowReader,
	ectx *updateContext, items []UpdateItem) (*updatedRow, error) {
	up := codec.NewRowUpdater(latest, oldRow)
	for _, item := range items {
		v, err := item.Expr.Eval(ectx)
		if err != nil {
			return nil, err
		}
		f := latest.FieldByName(item.Prop)
		if f == nil {
			return nil, status.New(status.ErrNameNotFound, "column %q not in schema", item.Prop)
		}
		coerced, err := coerce(v, f.Type)
		if err != nil {
			return nil, err
		}
		if err := up.Set(item.Prop, coerced); err != nil {
			return nil, err
		}
	}
	encoded, err := up.Encode()
	if err != nil {
		return nil, err
	}
	reader, err := codec.NewRowReader(encoded, latest, latest)
	if err != nil {
		return nil, err
	}
	return &updatedRow{encoded: encoded, reader: reader}, nil
}

// coerce casts an expression result onto a column type via the codec cast
// lattice.
func coerce(v types.Value, t types.PropertyType) (types.Value, error) {
	switch t {
	case types.PropBool:
		b, err := v.Bool()
		if err != nil {
			return types.NullValue(), err
		}
		return types.BoolValue(b), nil
	case types.PropInt, types.PropVid, types.PropTimestamp:
		i, err := v.Int()
		if err != nil {
			return types.NullValue(), err
		}
		return types.IntValue(i), nil
	case types.PropFloat:
		f, err := v.Float()
		if err != nil {
			return types.NullValue(), err
		}
		return types.FloatValue(f), nil
	case types.PropDouble:
		d, err := v.Double()
		if err != nil {
			return types.NullValue(), err
		}
		return types.DoubleValue(d), nil
	case types.PropString:
		s, err := v.Str()
		if err != nil {
			return types.NullValue(), err
		}
		return types.StringValue(s), nil
	}
	return types.NullValue(), status.New(status.ErrIncompatibleType, "cannot coerce to %s", t)
}

func (s *Service) updateResponse(row *codec.RowReader, cols []string) (*UpdateResponse, error) {
	resp := &UpdateResponse{FilterPassed: true}
	for _, col := range cols {
		v, err := row.ValueByName(col)
		if err != nil {
			return nil, err
		}
		resp.Values = append(resp.Values, v)
	}
	return resp, nil
}
