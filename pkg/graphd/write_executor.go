package graphd

import (
	"context"

	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/storaged"
	"github.com/vergedb/verge/pkg/types"
)

// orderProps rearranges named prop values into schema column order,
// filling unnamed columns with their defaults. The codec fills defaults
// too, but insert validation wants the mismatch surfaced here.
func orderProps(sp *schema.Schema, names []string, values []types.Value) ([]types.Value, error) {
	if len(names) != len(values) {
		return nil, status.New(status.ErrSyntax, "%d prop names for %d values", len(names), len(values))
	}
	byName := make(map[string]types.Value, len(values))
	for i, name := range names {
		if sp.FieldByName(name) == nil {
			return nil, status.New(status.ErrNameNotFound, "column %q not in schema", name)
		}
		byName[name] = values[i]
	}
	out := make([]types.Value, sp.NumFields())
	for i := 0; i < sp.NumFields(); i++ {
		f := sp.Field(i)
		if v, ok := byName[f.Name]; ok {
			if !v.MatchesType(f.Type) {
				// insert-path coercion rides the codec cast lattice
				coerced, err := coerceValue(v, f.Type)
				if err != nil {
					return nil, status.New(status.ErrIncompatibleType,
						"column %q wants %s, got %s", f.Name, f.Type, v.Kind())
				}
				v = coerced
			}
			out[i] = v
		} else {
			out[i] = f.DefaultOrZero()
		}
	}
	return out, nil
}

func coerceValue(v types.Value, t types.PropertyType) (types.Value, error) {
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

func (e *Engine) runInsertVertices(ctx context.Context, ectx *executionContext, s *InsertVerticesSentence) error {
	sess := ectx.session
	if err := needSpace(sess); err != nil {
		return err
	}
	tagID, err := e.reg.TagID(sess.Space, s.Tag)
	if err != nil {
		return err
	}
	sp, err := e.reg.LatestTag(sess.Space, tagID)
	if err != nil {
		return err
	}
	vertices := make([]storaged.NewVertex, 0, len(s.Rows))
	for _, row := range s.Rows {
		props, err := orderProps(sp, s.PropNames, row.Values)
		if err != nil {
			return err
		}
		vertices = append(vertices, storaged.NewVertex{
			Vid:  row.Vid,
			Tags: []storaged.NewTag{{TagID: tagID, Props: props}},
		})
	}
	resp := e.storage.AddVertices(ctx, sess.Space, vertices, s.Overwrite, false)
	// writes are all-or-nothing at the query level
	return writeFailure("insert vertices", resp.FailedParts)
}

func (e *Engine) runInsertEdges(ctx context.Context, ectx *executionContext, s *InsertEdgesSentence) error {
	sess := ectx.session
	if err := needSpace(sess); err != nil {
		return err
	}
	et, err := e.reg.EdgeTypeByName(sess.Space, s.Edge)
	if err != nil {
		return err
	}
	sp, err := e.reg.LatestEdge(sess.Space, et)
	if err != nil {
		return err
	}
	edges := make([]storaged.NewEdge, 0, len(s.Rows))
	for _, row := range s.Rows {
		props, err := orderProps(sp, s.PropNames, row.Values)
		if err != nil {
			return err
		}
		edges = append(edges, storaged.NewEdge{
			Src: row.Src, Type: et, Rank: row.Rank, Dst: row.Dst, Props: props,
		})
	}
	resp := e.storage.AddEdges(ctx, sess.Space, edges, s.Overwrite, false)
	return writeFailure("insert edges", resp.FailedParts)
}

func (e *Engine) runUpdateVertex(ctx context.Context, ectx *executionContext, s *UpdateVertexSentence) (*InterimResult, error) {
	sess := ectx.session
	if err := needSpace(sess); err != nil {
		return nil, err
	}
	tagID, err := e.reg.TagID(sess.Space, s.Tag)
	if err != nil {
		return nil, err
	}
	items := make([]storaged.UpdateItem, len(s.Items))
	for i, it := range s.Items {
		items[i] = storaged.UpdateItem{Prop: it.Prop, Expr: it.Expr}
	}
	resp, err := e.storage.UpdateVertex(ctx, &storaged.UpdateVertexRequest{
		Space:         sess.Space,
		Vid:           s.Vid,
		TagID:         tagID,
		Items:         items,
		Filter:        s.Where,
		Insertable:    s.Insertable,
		ReturnColumns: s.Yield,
	})
	if err != nil {
		return nil, err
	}
	if !resp.FilterPassed {
		ectx.warnf("update vertex %d: filter rejected the row", s.Vid)
		return nil, nil
	}
	if len(s.Yield) == 0 {
		return nil, nil
	}
	return NewInterimRows(s.Yield, [][]types.Value{resp.Values}), nil
}

func (e *Engine) runUpdateEdge(ctx context.Context, ectx *executionContext, s *UpdateEdgeSentence) (*InterimResult, error) {
	sess := ectx.session
	if err := needSpace(sess); err != nil {
		return nil, err
	}
	et, err := e.reg.EdgeTypeByName(sess.Space, s.Edge)
	if err != nil {
		return nil, err
	}
	items := make([]storaged.UpdateItem, len(s.Items))
	for i, it := range s.Items {
		items[i] = storaged.UpdateItem{Prop: it.Prop, Expr: it.Expr}
	}
	resp, err := e.storage.UpdateEdge(ctx, &storaged.UpdateEdgeRequest{
		Space:         sess.Space,
		Edge:          storaged.EdgeKeyRef{Src: s.Key.Src, Type: et, Rank: s.Key.Rank, Dst: s.Key.Dst},
		Items:         items,
		Filter:        s.Where,
		Insertable:    s.Insertable,
		ReturnColumns: s.Yield,
	})
	if err != nil {
		return nil, err
	}
	if !resp.FilterPassed {
		ectx.warnf("update edge: filter rejected the row")
		return nil, nil
	}
	if len(s.Yield) == 0 {
		return nil, nil
	}
	return NewInterimRows(s.Yield, [][]types.Value{resp.Values}), nil
}
