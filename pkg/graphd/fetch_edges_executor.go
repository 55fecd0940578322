package graphd

import (
	"context"

	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/storaged"
	"github.com/vergedb/verge/pkg/types"
)

// fetchEdgesExecutor point-reads edge rows: it expands the source vertex
// over the one edge type and keeps the requested (dst, rank) pairs.
type fetchEdgesExecutor struct {
	ectx *executionContext
	stmt *FetchEdgesSentence

	props []string
}

func (f *fetchEdgesExecutor) run(ctx context.Context) (*InterimResult, bool, error) {
	sess := f.ectx.session
	if err := needSpace(sess); err != nil {
		return nil, false, err
	}
	et, err := f.ectx.engine.reg.EdgeTypeByName(sess.Space, f.stmt.Edge)
	if err != nil {
		return nil, false, err
	}
	if err := f.bindYield(); err != nil {
		return nil, false, err
	}

	defs := make([]storaged.PropDef, len(f.props))
	for i, name := range f.props {
		defs[i] = storaged.PropDef{Name: name}
	}

	wanted := make(map[types.VertexID]map[EdgeKey]bool)
	var srcs []types.VertexID
	for _, key := range f.stmt.Keys {
		if wanted[key.Src] == nil {
			wanted[key.Src] = make(map[EdgeKey]bool)
			srcs = append(srcs, key.Src)
		}
		wanted[key.Src][key] = true
	}

	resp := f.ectx.engine.storage.GetNeighbors(ctx, sess.Space, srcs, &storaged.GetNeighborsRequest{
		EdgeTypes:     []types.EdgeType{et},
		ReturnColumns: defs,
	})
	f.ectx.recordFailedParts("fetch edges", resp.FailedParts)

	cols := []string{"SrcVertexID", "DstVertexID", "Rank"}
	for _, yc := range f.stmt.Yield {
		if yc.Alias != "" {
			cols = append(cols, yc.Alias)
		} else {
			cols = append(cols, defaultColumnName(yc.Expr))
		}
	}

	var rows [][]types.Value
	for _, vn := range resp.Vertices {
		for i := range vn.Edges {
			e := &vn.Edges[i]
			key := EdgeKey{Src: vn.Vid, Dst: e.Dst, Rank: e.Rank}
			if !wanted[vn.Vid][key] {
				continue
			}
			rctx := &edgeRowContext{exec: f, edge: e}
			row := []types.Value{
				types.IntValue(vn.Vid),
				types.IntValue(e.Dst),
				types.IntValue(e.Rank),
			}
			for _, yc := range f.stmt.Yield {
				v, err := yc.Expr.Eval(rctx)
				if err != nil {
					return nil, false, err
				}
				row = append(row, v)
			}
			rows = append(rows, row)
		}
	}
	return NewInterimRows(cols, rows), false, nil
}

func (f *fetchEdgesExecutor) bindYield() error {
	seen := make(map[string]bool)
	var walk func(n *expr.Node) error
	walk = func(n *expr.Node) error {
		if n == nil {
			return nil
		}
		switch n.Kind {
		case expr.KindProp:
			if n.Alias != "" && n.Alias != f.stmt.Edge {
				return status.New(status.ErrSyntax,
					"FETCH yield may only reference %q, not %q", f.stmt.Edge, n.Alias)
			}
			if !seen[n.Prop] && !isBuiltinProp(n.Prop) {
				seen[n.Prop] = true
				f.props = append(f.props, n.Prop)
			}
		case expr.KindInputProp, expr.KindVarProp:
			return status.New(status.ErrSyntax, "FETCH yield may only reference the fetched entity")
		}
		if err := walk(n.Left); err != nil {
			return err
		}
		if err := walk(n.Right); err != nil {
			return err
		}
		for _, a := range n.Args {
			if err := walk(a); err != nil {
				return err
			}
		}
		return nil
	}
	for _, yc := range f.stmt.Yield {
		if err := walk(yc.Expr); err != nil {
			return err
		}
	}
	return nil
}

type edgeRowContext struct {
	exec *fetchEdgesExecutor
	edge *storaged.NeighborEdge
}

func (c *edgeRowContext) Prop(alias, prop string) (types.Value, error) {
	if isBuiltinProp(prop) {
		switch prop {
		case builtinDst:
			return types.IntValue(c.edge.Dst), nil
		case builtinRank:
			return types.IntValue(c.edge.Rank), nil
		case builtinType:
			return types.IntValue(int64(c.edge.Type)), nil
		}
	}
	for i, name := range c.exec.props {
		if name == prop && i < len(c.edge.Props) {
			return c.edge.Props[i], nil
		}
	}
	return types.NullValue(), status.New(status.ErrNameNotFound, "property %q unbound", prop)
}

func (c *edgeRowContext) InputProp(string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrSyntax, "no pipe input in FETCH yield")
}

func (c *edgeRowContext) VarProp(string, string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrSyntax, "no variables in FETCH yield")
}
