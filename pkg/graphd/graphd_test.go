package graphd

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/client"
	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/index"
	"github.com/vergedb/verge/pkg/kv"
	"github.com/vergedb/verge/pkg/raftex"
	"github.com/vergedb/verge/pkg/schema"
	"github.com/vergedb/verge/pkg/storaged"
	"github.com/vergedb/verge/pkg/types"
)

const (
	testSpace = types.GraphSpaceID(1)
	numParts  = uint32(3)
)

type testStack struct {
	engine   *Engine
	sessions *SessionManager
	session  *Session
}

// newTestStack wires a full single-host stack: storage parts behind the
// local transport, the storage client router, and the query engine.
func newTestStack(t *testing.T) *testStack {
	t.Helper()
	local := types.HostAddr{Host: "127.0.0.1", Port: 9779}
	fabric := raftex.NewInprocTransport()
	svc := raftex.NewService(local)
	fabric.Register(svc)
	store := kv.NewStore(kv.StoreOptions{
		ClusterID:         1,
		Local:             local,
		DataRoot:          t.TempDir(),
		InMemory:          true,
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
	}, svc, fabric.ForHost(local))
	t.Cleanup(store.Stop)

	require.NoError(t, store.AddSpace(testSpace))
	for part := types.PartitionID(1); part <= types.PartitionID(numParts); part++ {
		require.NoError(t, store.AddPart(testSpace, part, []types.HostAddr{local}, false))
	}
	deadline := time.Now().Add(5 * time.Second)
	for part := types.PartitionID(1); part <= types.PartitionID(numParts); part++ {
		for {
			p, err := store.Part(testSpace, part)
			require.NoError(t, err)
			if p.IsLeader() {
				break
			}
			require.True(t, time.Now().Before(deadline))
			time.Sleep(10 * time.Millisecond)
		}
	}

	reg := schema.NewRegistry()
	person := schema.NewBuilder(0).
		Append("name", types.PropString).
		Append("age", types.PropInt).
		MustBuild()
	require.NoError(t, reg.RegisterTag(testSpace, "person", 10, person))
	like := schema.NewBuilder(0).
		Append("likeness", types.PropDouble).
		MustBuild()
	require.NoError(t, reg.RegisterEdge(testSpace, "like", 5, like))

	storeSvc := storaged.NewService(store, reg, index.NewManager())
	storeSvc.RegisterSpace(testSpace, numParts)

	tr := client.NewLocalTransport()
	tr.Register(local, storeSvc)
	locator := client.NewStaticLocator()
	locator.AddSpace(testSpace, numParts)
	for part := types.PartitionID(1); part <= types.PartitionID(numParts); part++ {
		locator.SetPartHosts(testSpace, part, []types.HostAddr{local})
	}
	sc, err := client.NewStorageClient(tr, locator)
	require.NoError(t, err)

	engine := NewEngine(sc, reg, SpaceResolverFunc(func(name string) (types.GraphSpaceID, uint32, error) {
		return testSpace, numParts, nil
	}))
	sessions := NewSessionManager(time.Hour)
	t.Cleanup(sessions.Stop)
	sess := sessions.Create("root")
	sess.Space = testSpace
	sess.PartNum = numParts

	return &testStack{engine: engine, sessions: sessions, session: sess}
}

func (ts *testStack) exec(t *testing.T, stmt Sentence) *Result {
	t.Helper()
	res, err := ts.engine.Execute(context.Background(), ts.session, stmt)
	require.NoError(t, err)
	return res
}

func (ts *testStack) seedGraph(t *testing.T) {
	t.Helper()
	ts.exec(t, &InsertVerticesSentence{
		Tag:       "person",
		PropNames: []string{"name", "age"},
		Overwrite: true,
		Rows: []VertexRow{
			{Vid: 1, Values: []types.Value{types.StringValue("alice"), types.IntValue(30)}},
			{Vid: 2, Values: []types.Value{types.StringValue("bob"), types.IntValue(25)}},
			{Vid: 3, Values: []types.Value{types.StringValue("carol"), types.IntValue(41)}},
			{Vid: 4, Values: []types.Value{types.StringValue("dave"), types.IntValue(19)}},
		},
	})
	ts.exec(t, &InsertEdgesSentence{
		Edge:      "like",
		PropNames: []string{"likeness"},
		Overwrite: true,
		Rows: []EdgeRow{
			{Src: 1, Dst: 2, Values: []types.Value{types.DoubleValue(0.9)}},
			{Src: 1, Dst: 3, Values: []types.Value{types.DoubleValue(0.4)}},
			{Src: 2, Dst: 4, Values: []types.Value{types.DoubleValue(0.8)}},
			{Src: 3, Dst: 4, Values: []types.Value{types.DoubleValue(0.6)}},
		},
	})
}

func dstsOf(res *Result) []types.VertexID {
	var out []types.VertexID
	for _, row := range res.Rows {
		v, _ := row[0].Int()
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestGoSingleHop(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	res := ts.exec(t, &GoSentence{
		Steps:    1,
		FromVids: []types.VertexID{1},
		Over:     []string{"like"},
	})
	require.Equal(t, []string{"_dst"}, res.Columns)
	require.Equal(t, []types.VertexID{2, 3}, dstsOf(res))
}

func TestGoWithFilterAndYield(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	res := ts.exec(t, &GoSentence{
		Steps:    1,
		FromVids: []types.VertexID{1},
		Over:     []string{"like"},
		Where: expr.Binary(">", expr.Prop("", "likeness"),
			expr.Literal(types.DoubleValue(0.5))),
		Yield: []YieldColumn{
			{Expr: expr.Prop("", "_dst"), Alias: "dst"},
			{Expr: expr.Prop("", "likeness"), Alias: "likeness"},
		},
	})
	require.Equal(t, []string{"dst", "likeness"}, res.Columns)
	require.Len(t, res.Rows, 1)
	dst, err := res.Rows[0][0].Int()
	require.NoError(t, err)
	require.Equal(t, int64(2), dst)
}

func TestGoTwoHopsBacktracks(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	// 1 -> {2,3} -> 4 via both paths; the back-tracker joins both rows
	// to root 1
	res := ts.exec(t, &GoSentence{
		Steps:    2,
		FromVids: []types.VertexID{1},
		Over:     []string{"like"},
		Yield: []YieldColumn{
			{Expr: expr.Prop("", "_src"), Alias: "hop_src"},
			{Expr: expr.Prop("", "_dst"), Alias: "dst"},
		},
	})
	require.Equal(t, []string{"hop_src", "dst"}, res.Columns)
	require.Len(t, res.Rows, 2)
	srcs := map[int64]bool{}
	for _, row := range res.Rows {
		src, err := row[0].Int()
		require.NoError(t, err)
		srcs[src] = true
		dst, err := row[1].Int()
		require.NoError(t, err)
		require.Equal(t, int64(4), dst)
	}
	require.True(t, srcs[2] && srcs[3])
}

func TestGoReversely(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	res := ts.exec(t, &GoSentence{
		Steps:     1,
		FromVids:  []types.VertexID{4},
		Over:      []string{"like"},
		Direction: DirReversely,
	})
	require.Equal(t, []types.VertexID{2, 3}, dstsOf(res))
}

func TestPipeGoIntoGo(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	res := ts.exec(t, &PipedSentence{
		Left: &GoSentence{Steps: 1, FromVids: []types.VertexID{1}, Over: []string{"like"}},
		Right: &GoSentence{
			Steps:   1,
			FromRef: "_dst",
			Over:    []string{"like"},
		},
	})
	require.Equal(t, []types.VertexID{4, 4}, dstsOf(res))
}

func TestFetchVertices(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	res := ts.exec(t, &FetchVerticesSentence{
		Tag:  "person",
		Vids: []types.VertexID{1, 3, 99},
		Yield: []YieldColumn{
			{Expr: expr.Prop("person", "name"), Alias: "name"},
			{Expr: expr.Prop("person", "age"), Alias: "age"},
		},
	})
	require.Equal(t, []string{"VertexID", "name", "age"}, res.Columns)
	require.Len(t, res.Rows, 2)

	// yield must reject foreign aliases
	_, err := ts.engine.Execute(context.Background(), ts.session, &FetchVerticesSentence{
		Tag:   "person",
		Vids:  []types.VertexID{1},
		Yield: []YieldColumn{{Expr: expr.Prop("like", "likeness")}},
	})
	require.Error(t, err)
}

func TestSetOperations(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	left := &GoSentence{Steps: 1, FromVids: []types.VertexID{1}, Over: []string{"like"}}
	right := &GoSentence{Steps: 1, FromVids: []types.VertexID{2}, Over: []string{"like"}}

	res := ts.exec(t, &SetSentence{Op: SetUnion, Left: left, Right: right})
	require.Equal(t, []types.VertexID{2, 3, 4}, dstsOf(res))

	// duplicate-producing union with and without dedup
	res = ts.exec(t, &SetSentence{Op: SetUnion, Left: left, Right: left})
	require.Len(t, res.Rows, 4)
	res = ts.exec(t, &SetSentence{Op: SetUnionDistinct, Left: left, Right: left})
	require.Len(t, res.Rows, 2)

	res = ts.exec(t, &SetSentence{
		Op:    SetIntersect,
		Left:  left,
		Right: &GoSentence{Steps: 1, FromVids: []types.VertexID{4}, Over: []string{"like"}, Direction: DirReversely},
	})
	require.Equal(t, []types.VertexID{2, 3}, dstsOf(res))

	res = ts.exec(t, &SetSentence{
		Op:    SetMinus,
		Left:  left,
		Right: &GoSentence{Steps: 1, FromVids: []types.VertexID{1}, Over: []string{"like"},
			Where: expr.Binary(">", expr.Prop("", "likeness"), expr.Literal(types.DoubleValue(0.5)))},
	})
	require.Equal(t, []types.VertexID{3}, dstsOf(res))
}

func TestAssignmentAndReturn(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	// $friends = GO ...; RETURN $friends short-circuits with its rows
	res := ts.exec(t, &PipedSentence{
		Left: &AssignmentSentence{
			Var:   "friends",
			Right: &GoSentence{Steps: 1, FromVids: []types.VertexID{1}, Over: []string{"like"}},
		},
		Right: &PipedSentence{
			Left:  &ReturnSentence{Var: "friends"},
			Right: &GoSentence{Steps: 1, FromRef: "_dst", Over: []string{"like"}},
		},
	})
	require.Equal(t, []types.VertexID{2, 3}, dstsOf(res))

	// an empty variable forwards the pipe instead
	res = ts.exec(t, &PipedSentence{
		Left: &GoSentence{Steps: 1, FromVids: []types.VertexID{1}, Over: []string{"like"}},
		Right: &PipedSentence{
			Left:  &ReturnSentence{Var: "nobody"},
			Right: &GoSentence{Steps: 1, FromRef: "_dst", Over: []string{"like"}},
		},
	})
	require.Equal(t, []types.VertexID{4, 4}, dstsOf(res))
}

func TestUpdateVertexThroughEngine(t *testing.T) {
	ts := newTestStack(t)
	ts.seedGraph(t)

	res := ts.exec(t, &UpdateVertexSentence{
		Vid: 2,
		Tag: "person",
		Items: []UpdateItem{{Prop: "age",
			Expr: expr.Binary("+", expr.Prop("", "age"), expr.Literal(types.IntValue(1)))}},
		Yield: []string{"age"},
	})
	require.Len(t, res.Rows, 1)
	age, err := res.Rows[0][0].Int()
	require.NoError(t, err)
	require.Equal(t, int64(26), age)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.sessions.Create("tester")
	got, err := ts.sessions.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "tester", got.User)

	ts.sessions.Remove(sess.ID)
	_, err = ts.sessions.Get(sess.ID)
	require.Error(t, err)
}
