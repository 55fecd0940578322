package graphd

import (
	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// InterimResult is the intermediate form carried between executors: a
// rowset with column names, or a bare vid list when that is all a stage
// needs.
type InterimResult struct {
	cols []string
	rows [][]types.Value
	vids []types.VertexID
}

// NewInterimVids wraps a bare vid list.
func NewInterimVids(vids []types.VertexID) *InterimResult {
	return &InterimResult{vids: vids}
}

// NewInterimRows wraps a rowset.
func NewInterimRows(cols []string, rows [][]types.Value) *InterimResult {
	return &InterimResult{cols: cols, rows: rows}
}

// HasData reports whether any rows or vids are present.
func (r *InterimResult) HasData() bool {
	return r != nil && (len(r.rows) > 0 || len(r.vids) > 0)
}

// Columns returns the column names (nil for a bare vid list).
func (r *InterimResult) Columns() []string { return r.cols }

// Rows returns the rowset.
func (r *InterimResult) Rows() [][]types.Value { return r.rows }

// NumRows counts rows (or vids for a bare list).
func (r *InterimResult) NumRows() int {
	if len(r.rows) > 0 {
		return len(r.rows)
	}
	return len(r.vids)
}

func (r *InterimResult) colIndex(col string) int {
	for i, c := range r.cols {
		if c == col {
			return i
		}
	}
	return -1
}

// GetVIDs extracts vertex ids from a column (or returns the bare list
// when the column is empty and the result is a vid list).
func (r *InterimResult) GetVIDs(col string) ([]types.VertexID, error) {
	if len(r.rows) == 0 {
		return r.vids, nil
	}
	i := r.colIndex(col)
	if i < 0 {
		return nil, status.New(status.ErrNameNotFound, "column %q not in interim result", col)
	}
	out := make([]types.VertexID, 0, len(r.rows))
	for _, row := range r.rows {
		v, err := row[i].Int()
		if err != nil {
			return nil, status.New(status.ErrIncompatibleType, "column %q is not a vid", col)
		}
		out = append(out, v)
	}
	return out, nil
}

// GetDistinctVIDs is GetVIDs with duplicates removed, input order kept.
func (r *InterimResult) GetDistinctVIDs(col string) ([]types.VertexID, error) {
	all, err := r.GetVIDs(col)
	if err != nil {
		return nil, err
	}
	seen := make(map[types.VertexID]bool, len(all))
	out := all[:0:0]
	for _, v := range all {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

// Apply visits up to limit rows in order.
func (r *InterimResult) Apply(limit int, visit func(row []types.Value) error) error {
	for i, row := range r.rows {
		if limit >= 0 && i >= limit {
			return nil
		}
		if err := visit(row); err != nil {
			return err
		}
	}
	return nil
}

// InterimIndex hash-joins a vid column back to row positions, the way
// multi-hop traversal joins results onto their inputs.
type InterimIndex struct {
	result   *InterimResult
	rowsOf   map[types.VertexID][]int
	colIndex map[string]int
}

// BuildIndex indexes the result by a vid column.
func (r *InterimResult) BuildIndex(vidCol string) (*InterimIndex, error) {
	ci := r.colIndex(vidCol)
	if ci < 0 {
		return nil, status.New(status.ErrNameNotFound, "column %q not in interim result", vidCol)
	}
	idx := &InterimIndex{
		result:   r,
		rowsOf:   make(map[types.VertexID][]int),
		colIndex: make(map[string]int, len(r.cols)),
	}
	for i, c := range r.cols {
		idx.colIndex[c] = i
	}
	for rowPos, row := range r.rows {
		vid, err := row[ci].Int()
		if err != nil {
			return nil, status.New(status.ErrIncompatibleType, "column %q is not a vid", vidCol)
		}
		idx.rowsOf[vid] = append(idx.rowsOf[vid], rowPos)
	}
	return idx, nil
}

// RowsOf returns the positions of rows whose indexed column equals vid.
func (ix *InterimIndex) RowsOf(vid types.VertexID) []int {
	return ix.rowsOf[vid]
}

// Value reads one column of one row.
func (ix *InterimIndex) Value(rowPos int, col string) (types.Value, error) {
	ci, ok := ix.colIndex[col]
	if !ok {
		return types.NullValue(), status.New(status.ErrNameNotFound, "column %q not in interim result", col)
	}
	if rowPos < 0 || rowPos >= len(ix.result.rows) {
		return types.NullValue(), status.New(status.ErrIndexOutOfRange, "row %d out of range", rowPos)
	}
	return ix.result.rows[rowPos][ci], nil
}
