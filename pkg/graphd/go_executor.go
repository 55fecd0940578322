package graphd

import (
	"context"
	"sync"

	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/storaged"
	"github.com/vergedb/verge/pkg/types"
)

// goExecutor drives the N-hop traversal. Each hop calls GetNeighbors; a
// back-tracker maps every intermediate vertex to the roots it descends
// from so final rows can join back onto the inputs.
type goExecutor struct {
	ectx  *executionContext
	stmt  *GoSentence
	input *InterimResult

	edgeTypes  []types.EdgeType
	edgeAlias  map[string]bool
	returnDefs []storaged.PropDef
	defIndex   map[propRef]int
	inputIdx   *InterimIndex
}

type propRef struct {
	alias string
	name  string
}

// builtin pseudo-props of an expanded edge
const (
	builtinDst  = "_dst"
	builtinSrc  = "_src"
	builtinType = "_type"
	builtinRank = "_rank"
)

func (g *goExecutor) run(ctx context.Context) (*InterimResult, bool, error) {
	if err := g.prepare(); err != nil {
		return nil, false, err
	}

	roots, err := g.rootVids()
	if err != nil {
		return nil, false, err
	}
	if len(roots) == 0 {
		return NewInterimRows(g.outputColumns(), nil), false, nil
	}

	steps := g.stmt.Steps
	if steps <= 0 {
		steps = 1
	}

	// back-tracker: every frontier vid maps to its originating roots
	tracker := make(map[types.VertexID][]types.VertexID, len(roots))
	for _, r := range roots {
		tracker[r] = []types.VertexID{r}
	}
	frontier := roots

	sess := g.ectx.session
	for step := 1; step <= steps; step++ {
		final := step == steps
		req := &storaged.GetNeighborsRequest{
			EdgeTypes: g.edgeTypes,
		}
		if final {
			req.ReturnColumns = g.returnDefs
			if g.pushableFilter() {
				req.Filter = g.stmt.Where
			}
		}
		resp, err := g.fanOutNeighbors(ctx, sess.Space, frontier, req)
		if err != nil {
			return nil, false, err
		}
		g.ectx.recordFailedParts("go", resp.FailedParts)

		if final {
			return g.buildRows(resp, tracker)
		}

		next := make(map[types.VertexID][]types.VertexID)
		for _, vn := range resp.Vertices {
			for _, e := range vn.Edges {
				next[e.Dst] = mergeRoots(next[e.Dst], tracker[vn.Vid])
			}
		}
		if len(next) == 0 {
			return NewInterimRows(g.outputColumns(), nil), false, nil
		}
		tracker = next
		frontier = make([]types.VertexID, 0, len(next))
		for vid := range next {
			frontier = append(frontier, vid)
		}
	}
	return NewInterimRows(g.outputColumns(), nil), false, nil
}

// neighborChunk bounds one storage call; bigger frontiers split into
// chunks that run through the query's bounded scheduler.
const neighborChunk = 128

// fanOutNeighbors expands one hop: chunked, parallel up to the query's
// thread cap, merged with the per-partition failure maps intact.
func (g *goExecutor) fanOutNeighbors(ctx context.Context, space types.GraphSpaceID,
	vids []types.VertexID, tmpl *storaged.GetNeighborsRequest) (*storaged.GetNeighborsResponse, error) {
	if len(vids) <= neighborChunk {
		return g.ectx.engine.storage.GetNeighbors(ctx, space, vids, tmpl), nil
	}
	merged := &storaged.GetNeighborsResponse{}
	var mu sync.Mutex
	var tasks []func(ctx context.Context) error
	for start := 0; start < len(vids); start += neighborChunk {
		end := start + neighborChunk
		if end > len(vids) {
			end = len(vids)
		}
		chunk := vids[start:end]
		tasks = append(tasks, func(ctx context.Context) error {
			r := g.ectx.engine.storage.GetNeighbors(ctx, space, chunk, tmpl)
			mu.Lock()
			defer mu.Unlock()
			merged.Columns = r.Columns
			merged.Vertices = append(merged.Vertices, r.Vertices...)
			for part, code := range r.FailedParts {
				if merged.FailedParts == nil {
					merged.FailedParts = make(map[types.PartitionID]status.Code)
				}
				merged.FailedParts[part] = code
			}
			return nil
		})
	}
	if err := g.ectx.sched.RunBatch(ctx, tasks); err != nil {
		return nil, err
	}
	return merged, nil
}

func (g *goExecutor) prepare() error {
	sess := g.ectx.session
	if err := needSpace(sess); err != nil {
		return err
	}
	if len(g.stmt.Over) == 0 {
		return status.New(status.ErrSyntax, "GO needs at least one edge to walk OVER")
	}
	g.edgeAlias = map[string]bool{"": true}
	for _, name := range g.stmt.Over {
		et, err := g.ectx.engine.reg.EdgeTypeByName(sess.Space, name)
		if err != nil {
			return err
		}
		g.edgeAlias[name] = true
		switch g.stmt.Direction {
		case DirForward:
			g.edgeTypes = append(g.edgeTypes, et)
		case DirReversely:
			g.edgeTypes = append(g.edgeTypes, -et)
		case DirBidirect:
			g.edgeTypes = append(g.edgeTypes, et, -et)
		}
	}

	// bind yield and filter prop refs to storage return columns
	g.defIndex = make(map[propRef]int)
	for _, yc := range g.stmt.Yield {
		if err := g.collectRefs(yc.Expr); err != nil {
			return err
		}
	}
	if g.stmt.Where != nil && !g.pushableFilter() {
		if err := g.collectRefs(g.stmt.Where); err != nil {
			return err
		}
	}

	if g.input != nil && g.stmt.FromRef != "" && len(g.input.Rows()) > 0 {
		idx, err := g.input.BuildIndex(g.stmt.FromRef)
		if err != nil {
			return err
		}
		g.inputIdx = idx
	}
	return nil
}

// pushableFilter: only forward-direction filters over edge columns go to
// storage; anything else evaluates here.
func (g *goExecutor) pushableFilter() bool {
	if g.stmt.Where == nil || g.stmt.Direction != DirForward {
		return false
	}
	return g.stmt.Where.RefersOnlyTo(map[string]bool{"": true})
}

func (g *goExecutor) collectRefs(n *expr.Node) error {
	if n == nil {
		return nil
	}
	if n.Kind == expr.KindProp {
		ref := propRef{alias: n.Alias, name: n.Prop}
		if _, ok := g.defIndex[ref]; !ok && !isBuiltinProp(n.Prop) {
			def := storaged.PropDef{Name: n.Prop}
			if n.Alias != "" {
				if !g.edgeAlias[n.Alias] {
					tag, err := g.ectx.engine.reg.TagID(g.ectx.session.Space, n.Alias)
					if err != nil {
						return status.New(status.ErrNameNotFound, "unknown alias %q", n.Alias)
					}
					def.Tag = tag
				}
				// an edge alias reads the edge row itself
			}
			g.defIndex[ref] = len(g.returnDefs)
			g.returnDefs = append(g.returnDefs, def)
		}
	}
	if err := g.collectRefs(n.Left); err != nil {
		return err
	}
	if err := g.collectRefs(n.Right); err != nil {
		return err
	}
	for _, a := range n.Args {
		if err := g.collectRefs(a); err != nil {
			return err
		}
	}
	return nil
}

// isBuiltinProp recognizes the reserved pseudo-props of an expanded edge;
// they resolve under any alias.
func isBuiltinProp(name string) bool {
	switch name {
	case builtinDst, builtinSrc, builtinType, builtinRank:
		return true
	}
	return false
}

func (g *goExecutor) outputColumns() []string {
	if len(g.stmt.Yield) == 0 {
		return []string{builtinDst}
	}
	cols := make([]string, len(g.stmt.Yield))
	for i, yc := range g.stmt.Yield {
		if yc.Alias != "" {
			cols[i] = yc.Alias
		} else {
			cols[i] = defaultColumnName(yc.Expr)
		}
	}
	return cols
}

func defaultColumnName(n *expr.Node) string {
	if n != nil && (n.Kind == expr.KindProp || n.Kind == expr.KindInputProp) {
		return n.Prop
	}
	return "_expr"
}

// goRowContext resolves yield and filter refs against one expanded edge.
type goRowContext struct {
	exec *goExecutor
	src  types.VertexID
	edge *storaged.NeighborEdge
	// rootRow is the input row the traversal root came from, -1 if none
	rootRow int
}

func (c *goRowContext) Prop(alias, prop string) (types.Value, error) {
	if isBuiltinProp(prop) {
		switch prop {
		case builtinDst:
			return types.IntValue(c.edge.Dst), nil
		case builtinSrc:
			return types.IntValue(c.src), nil
		case builtinType:
			return types.IntValue(int64(c.edge.Type)), nil
		case builtinRank:
			return types.IntValue(c.edge.Rank), nil
		}
	}
	if i, ok := c.exec.defIndex[propRef{alias: alias, name: prop}]; ok && i < len(c.edge.Props) {
		return c.edge.Props[i], nil
	}
	return types.NullValue(), status.New(status.ErrNameNotFound, "property %s.%s unbound", alias, prop)
}

func (c *goRowContext) InputProp(prop string) (types.Value, error) {
	if c.exec.inputIdx == nil || c.rootRow < 0 {
		return types.NullValue(), status.New(status.ErrNameNotFound, "no pipe input for $-.%s", prop)
	}
	return c.exec.inputIdx.Value(c.rootRow, prop)
}

func (c *goRowContext) VarProp(name, prop string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrUnsupported, "$%s.%s in GO yield", name, prop)
}

func (g *goExecutor) rootVids() ([]types.VertexID, error) {
	if len(g.stmt.FromVids) > 0 {
		return g.stmt.FromVids, nil
	}
	src := g.input
	if g.stmt.FromVar != "" {
		src = g.ectx.session.Vars.Get(g.stmt.FromVar)
	}
	if src == nil {
		return nil, status.New(status.ErrSyntax, "GO FROM needs vids or a piped input")
	}
	return src.GetDistinctVIDs(g.stmt.FromRef)
}

// buildRows turns the final hop's expansion into the output rowset,
// joining every edge back to the roots of its source vertex.
func (g *goExecutor) buildRows(resp *storaged.GetNeighborsResponse,
	tracker map[types.VertexID][]types.VertexID) (*InterimResult, bool, error) {
	cols := g.outputColumns()
	var rows [][]types.Value
	for _, vn := range resp.Vertices {
		roots := tracker[vn.Vid]
		for i := range vn.Edges {
			edge := &vn.Edges[i]
			for _, root := range roots {
				rctx := &goRowContext{exec: g, src: vn.Vid, edge: edge, rootRow: -1}
				if g.inputIdx != nil {
					if positions := g.inputIdx.RowsOf(root); len(positions) > 0 {
						rctx.rootRow = positions[0]
					}
				}
				if g.stmt.Where != nil && !g.pushableFilter() {
					ok, err := g.stmt.Where.EvalBool(rctx)
					if err != nil {
						return nil, false, err
					}
					if !ok {
						continue
					}
				}
				row, err := g.yieldRow(rctx)
				if err != nil {
					return nil, false, err
				}
				rows = append(rows, row)
			}
		}
	}
	return NewInterimRows(cols, rows), false, nil
}

func (g *goExecutor) yieldRow(rctx *goRowContext) ([]types.Value, error) {
	if len(g.stmt.Yield) == 0 {
		return []types.Value{types.IntValue(rctx.edge.Dst)}, nil
	}
	row := make([]types.Value, len(g.stmt.Yield))
	for i, yc := range g.stmt.Yield {
		v, err := yc.Expr.Eval(rctx)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func mergeRoots(into, add []types.VertexID) []types.VertexID {
	for _, r := range add {
		found := false
		for _, have := range into {
			if have == r {
				found = true
				break
			}
		}
		if !found {
			into = append(into, r)
		}
	}
	return into
}
