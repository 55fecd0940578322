package graphd

import (
	"context"
	"strings"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// runSet materializes both sides and applies the set operation on the
// rowsets. Both sides must produce structurally identical column lists.
func (e *Engine) runSet(ctx context.Context, ectx *executionContext, s *SetSentence,
	input *InterimResult) (*InterimResult, bool, error) {
	left, stopped, err := e.run(ctx, ectx, s.Left, input)
	if err != nil || stopped {
		return left, stopped, err
	}
	right, stopped, err := e.run(ctx, ectx, s.Right, input)
	if err != nil || stopped {
		return right, stopped, err
	}
	if left == nil || right == nil {
		return nil, false, status.New(status.ErrSyntax, "set operand produced no rowset")
	}
	if !sameColumns(left.Columns(), right.Columns()) {
		return nil, false, status.New(status.ErrSyntax,
			"set operands differ: [%s] vs [%s]",
			strings.Join(left.Columns(), ","), strings.Join(right.Columns(), ","))
	}

	switch s.Op {
	case SetUnion:
		rows := append(append([][]types.Value{}, left.Rows()...), right.Rows()...)
		return NewInterimRows(left.Columns(), rows), false, nil
	case SetUnionDistinct:
		var rows [][]types.Value
		seen := make(map[string]bool)
		for _, row := range append(append([][]types.Value{}, left.Rows()...), right.Rows()...) {
			k := rowKey(row)
			if !seen[k] {
				seen[k] = true
				rows = append(rows, row)
			}
		}
		return NewInterimRows(left.Columns(), rows), false, nil
	case SetIntersect:
		inRight := make(map[string]bool, len(right.Rows()))
		for _, row := range right.Rows() {
			inRight[rowKey(row)] = true
		}
		var rows [][]types.Value
		for _, row := range left.Rows() {
			if inRight[rowKey(row)] {
				rows = append(rows, row)
			}
		}
		return NewInterimRows(left.Columns(), rows), false, nil
	case SetMinus:
		inRight := make(map[string]bool, len(right.Rows()))
		for _, row := range right.Rows() {
			inRight[rowKey(row)] = true
		}
		var rows [][]types.Value
		for _, row := range left.Rows() {
			if !inRight[rowKey(row)] {
				rows = append(rows, row)
			}
		}
		return NewInterimRows(left.Columns(), rows), false, nil
	}
	return nil, false, status.New(status.ErrUnsupported, "unknown set op %d", s.Op)
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rowKey is the dedup identity of one row.
func rowKey(row []types.Value) string {
	var sb strings.Builder
	for i, v := range row {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(v.String())
	}
	return sb.String()
}
