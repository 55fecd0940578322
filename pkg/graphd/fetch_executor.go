package graphd

import (
	"context"

	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// fetchVerticesExecutor point-reads tag rows. The YIELD may reference
// only the fetched entity's columns.
type fetchVerticesExecutor struct {
	ectx *executionContext
	stmt *FetchVerticesSentence

	tagID types.TagID
	props []string
}

func (f *fetchVerticesExecutor) run(ctx context.Context) (*InterimResult, bool, error) {
	sess := f.ectx.session
	if err := needSpace(sess); err != nil {
		return nil, false, err
	}
	tagID, err := f.ectx.engine.reg.TagID(sess.Space, f.stmt.Tag)
	if err != nil {
		return nil, false, err
	}
	f.tagID = tagID

	if err := f.bindYield(); err != nil {
		return nil, false, err
	}

	resp := f.ectx.engine.storage.GetProps(ctx, sess.Space, tagID, f.stmt.Vids, f.props)
	f.ectx.recordFailedParts("fetch", resp.FailedParts)

	cols := make([]string, 0, len(f.stmt.Yield)+1)
	cols = append(cols, "VertexID")
	for _, yc := range f.stmt.Yield {
		if yc.Alias != "" {
			cols = append(cols, yc.Alias)
		} else {
			cols = append(cols, defaultColumnName(yc.Expr))
		}
	}

	var rows [][]types.Value
	for _, vp := range resp.Vertices {
		if !vp.Found {
			continue
		}
		rctx := &fetchRowContext{exec: f, props: vp.Props}
		row := make([]types.Value, 0, len(cols))
		row = append(row, types.IntValue(vp.Vid))
		for _, yc := range f.stmt.Yield {
			v, err := yc.Expr.Eval(rctx)
			if err != nil {
				return nil, false, err
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	return NewInterimRows(cols, rows), false, nil
}

// bindYield validates that every reference names the fetched tag (or no
// alias) and collects the storage return columns.
func (f *fetchVerticesExecutor) bindYield() error {
	seen := make(map[string]int)
	var walk func(n *expr.Node) error
	walk = func(n *expr.Node) error {
		if n == nil {
			return nil
		}
		switch n.Kind {
		case expr.KindProp:
			if n.Alias != "" && n.Alias != f.stmt.Tag {
				return status.New(status.ErrSyntax,
					"FETCH yield may only reference %q, not %q", f.stmt.Tag, n.Alias)
			}
			if _, ok := seen[n.Prop]; !ok {
				seen[n.Prop] = len(f.props)
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

type fetchRowContext struct {
	exec  *fetchVerticesExecutor
	props []types.Value
}

func (c *fetchRowContext) Prop(alias, prop string) (types.Value, error) {
	for i, name := range c.exec.props {
		if name == prop && i < len(c.props) {
			return c.props[i], nil
		}
	}
	return types.NullValue(), status.New(status.ErrNameNotFound, "property %q unbound", prop)
}

func (c *fetchRowContext) InputProp(string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrSyntax, "no pipe input in FETCH yield")
}

func (c *fetchRowContext) VarProp(string, string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrSyntax, "no variables in FETCH yield")
}
