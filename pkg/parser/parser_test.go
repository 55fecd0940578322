package parser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/graphd"
	"github.com/vergedb/verge/pkg/types"
)

func parse(t *testing.T, stmt string) graphd.Sentence {
	t.Helper()
	s, err := New().Parse(stmt)
	require.NoError(t, err)
	return s
}

func TestParseUse(t *testing.T) {
	s := parse(t, "USE social")
	require.Equal(t, &graphd.UseSentence{Space: "social"}, s)
}

func TestParseGo(t *testing.T) {
	s := parse(t, `GO 2 STEPS FROM 1, 2 OVER like REVERSELY WHERE likeness > 0.5 YIELD like._dst AS dst, likeness`)
	g, ok := s.(*graphd.GoSentence)
	require.True(t, ok)
	require.Equal(t, 2, g.Steps)
	require.Equal(t, []types.VertexID{1, 2}, g.FromVids)
	require.Equal(t, []string{"like"}, g.Over)
	require.Equal(t, graphd.DirReversely, g.Direction)
	require.NotNil(t, g.Where)
	require.Len(t, g.Yield, 2)
	require.Equal(t, "dst", g.Yield[0].Alias)
	require.Equal(t, expr.KindProp, g.Yield[1].Expr.Kind)
	require.Equal(t, "likeness", g.Yield[1].Expr.Prop)
}

func TestParseGoFromPipe(t *testing.T) {
	s := parse(t, "GO FROM 1 OVER like | GO FROM $-._dst OVER like")
	p, ok := s.(*graphd.PipedSentence)
	require.True(t, ok)
	right := p.Right.(*graphd.GoSentence)
	require.Equal(t, "_dst", right.FromRef)
}

func TestParseInsertVertex(t *testing.T) {
	s := parse(t, `INSERT VERTEX person (name, age) VALUES 1:("alice", 30), 2:("bob", 25)`)
	ins, ok := s.(*graphd.InsertVerticesSentence)
	require.True(t, ok)
	require.Equal(t, "person", ins.Tag)
	require.Equal(t, []string{"name", "age"}, ins.PropNames)
	require.Len(t, ins.Rows, 2)
	name, err := ins.Rows[0].Values[0].Str()
	require.NoError(t, err)
	require.Equal(t, "alice", name)
}

func TestParseInsertEdge(t *testing.T) {
	s := parse(t, `INSERT EDGE like (likeness) VALUES 1->2@3:(0.9)`)
	ins, ok := s.(*graphd.InsertEdgesSentence)
	require.True(t, ok)
	require.Len(t, ins.Rows, 1)
	require.Equal(t, types.VertexID(1), ins.Rows[0].Src)
	require.Equal(t, types.VertexID(2), ins.Rows[0].Dst)
	require.Equal(t, types.EdgeRanking(3), ins.Rows[0].Rank)
}

func TestParseUpdate(t *testing.T) {
	s := parse(t, `UPDATE VERTEX 7 ON person SET age = age + 1 WHERE age == 30 YIELD age`)
	u, ok := s.(*graphd.UpdateVertexSentence)
	require.True(t, ok)
	require.Equal(t, types.VertexID(7), u.Vid)
	require.False(t, u.Insertable)
	require.Len(t, u.Items, 1)
	require.NotNil(t, u.Where)
	require.Equal(t, []string{"age"}, u.Yield)

	s = parse(t, `UPSERT VERTEX 7 ON person SET age = 1`)
	require.True(t, s.(*graphd.UpdateVertexSentence).Insertable)
}

func TestParseSetOps(t *testing.T) {
	s := parse(t, "GO FROM 1 OVER like UNION DISTINCT GO FROM 2 OVER like")
	set, ok := s.(*graphd.SetSentence)
	require.True(t, ok)
	require.Equal(t, graphd.SetUnionDistinct, set.Op)

	s = parse(t, "GO FROM 1 OVER like MINUS GO FROM 2 OVER like")
	require.Equal(t, graphd.SetMinus, s.(*graphd.SetSentence).Op)
}

func TestParseAssignmentAndReturn(t *testing.T) {
	s := parse(t, "$friends = GO FROM 1 OVER like")
	a, ok := s.(*graphd.AssignmentSentence)
	require.True(t, ok)
	require.Equal(t, "friends", a.Var)

	s = parse(t, "RETURN $friends")
	require.Equal(t, &graphd.ReturnSentence{Var: "friends"}, s)
}

func TestParseErrors(t *testing.T) {
	for _, stmt := range []string{
		"GO OVER like",
		"INSERT nothing",
		`FETCH PROP person 1`,
		`GO FROM 1 OVER like WHERE (a`,
	} {
		_, err := New().Parse(stmt)
		require.Error(t, err, "statement %q should not parse", stmt)
	}
}
