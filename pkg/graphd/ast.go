package graphd

import (
	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/types"
)

// Sentence is one parsed statement. The concrete lexer and parser are an
// external collaborator; sentences arrive as data and the planner picks
// an executor per node.
type Sentence interface {
	sentence()
}

// Direction selects edge expansion orientation.
type Direction int

const (
	DirForward Direction = iota
	DirReversely
	DirBidirect
)

// YieldColumn is one projected output column.
type YieldColumn struct {
	Expr  *expr.Node
	Alias string
}

// GoSentence is the multi-hop traversal statement.
type GoSentence struct {
	Steps     int
	FromVids  []types.VertexID
	FromRef   string // input/variable column carrying vids, "" for literals
	FromVar   string // variable name, "" for the pipe input
	Over      []string
	Direction Direction
	Where     *expr.Node
	Yield     []YieldColumn
}

func (*GoSentence) sentence() {}

// FetchVerticesSentence point-reads vertex props with a YIELD limited to
// the fetched entity's columns.
type FetchVerticesSentence struct {
	Tag   string
	Vids  []types.VertexID
	Yield []YieldColumn
}

func (*FetchVerticesSentence) sentence() {}

// FetchEdgesSentence point-reads edge props.
type FetchEdgesSentence struct {
	Edge  string
	Keys  []EdgeKey
	Yield []YieldColumn
}

func (*FetchEdgesSentence) sentence() {}

// EdgeKey addresses one edge in a sentence.
type EdgeKey struct {
	Src  types.VertexID
	Dst  types.VertexID
	Rank types.EdgeRanking
}

// VertexRow is one literal row of an insert.
type VertexRow struct {
	Vid    types.VertexID
	Values []types.Value
}

// InsertVerticesSentence writes vertices.
type InsertVerticesSentence struct {
	Tag       string
	PropNames []string
	Rows      []VertexRow
	Overwrite bool
}

func (*InsertVerticesSentence) sentence() {}

// EdgeRow is one literal edge of an insert.
type EdgeRow struct {
	Src    types.VertexID
	Dst    types.VertexID
	Rank   types.EdgeRanking
	Values []types.Value
}

// InsertEdgesSentence writes edges (and, transparently, their mirrors).
type InsertEdgesSentence struct {
	Edge      string
	PropNames []string
	Rows      []EdgeRow
	Overwrite bool
}

func (*InsertEdgesSentence) sentence() {}

// UpdateItem assigns one property from an expression.
type UpdateItem struct {
	Prop string
	Expr *expr.Node
}

// UpdateVertexSentence is the filtered, optionally upserting update.
type UpdateVertexSentence struct {
	Vid        types.VertexID
	Tag        string
	Items      []UpdateItem
	Where      *expr.Node
	Insertable bool
	Yield      []string
}

func (*UpdateVertexSentence) sentence() {}

// UpdateEdgeSentence updates one edge row.
type UpdateEdgeSentence struct {
	Edge       string
	Key        EdgeKey
	Items      []UpdateItem
	Where      *expr.Node
	Insertable bool
	Yield      []string
}

func (*UpdateEdgeSentence) sentence() {}

// SetOp is the set-operation kind.
type SetOp int

const (
	SetUnion SetOp = iota
	SetUnionDistinct
	SetIntersect
	SetMinus
)

// SetSentence combines two sub-pipelines with a set operation; both sides
// must produce structurally identical column lists.
type SetSentence struct {
	Op    SetOp
	Left  Sentence
	Right Sentence
}

func (*SetSentence) sentence() {}

// PipedSentence feeds the left result into the right sentence.
type PipedSentence struct {
	Left  Sentence
	Right Sentence
}

func (*PipedSentence) sentence() {}

// AssignmentSentence stores the result of a sub-pipeline in a variable.
type AssignmentSentence struct {
	Var   string
	Right Sentence
}

func (*AssignmentSentence) sentence() {}

// ReturnSentence short-circuits with a variable's rows when the variable
// holds data, otherwise forwards the pipe.
type ReturnSentence struct {
	Var string
}

func (*ReturnSentence) sentence() {}

// UseSentence switches the session's space.
type UseSentence struct {
	Space string
}

func (*UseSentence) sentence() {}
