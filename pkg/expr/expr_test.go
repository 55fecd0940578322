package expr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// mapContext backs property refs with plain maps.
type mapContext struct {
	props map[string]types.Value
	input map[string]types.Value
}

func (c mapContext) Prop(alias, prop string) (types.Value, error) {
	if v, ok := c.props[prop]; ok {
		return v, nil
	}
	return types.NullValue(), status.New(status.ErrNameNotFound, "no prop %q", prop)
}

func (c mapContext) InputProp(prop string) (types.Value, error) {
	if v, ok := c.input[prop]; ok {
		return v, nil
	}
	return types.NullValue(), status.New(status.ErrNameNotFound, "no input %q", prop)
}

func (c mapContext) VarProp(name, prop string) (types.Value, error) {
	return types.NullValue(), status.New(status.ErrNameNotFound, "no var %q", name)
}

func evalInt(t *testing.T, n *Node, ctx Context) int64 {
	t.Helper()
	v, err := n.Eval(ctx)
	require.NoError(t, err)
	i, err := v.Int()
	require.NoError(t, err)
	return i
}

func TestArithmetic(t *testing.T) {
	ctx := mapContext{}
	require.Equal(t, int64(7), evalInt(t, Binary("+", Literal(types.IntValue(3)), Literal(types.IntValue(4))), ctx))
	require.Equal(t, int64(-2), evalInt(t, Binary("-", Literal(types.IntValue(2)), Literal(types.IntValue(4))), ctx))
	require.Equal(t, int64(2), evalInt(t, Binary("%", Literal(types.IntValue(12)), Literal(types.IntValue(5))), ctx))

	// int/double promotes to double
	v, err := Binary("*", Literal(types.IntValue(2)), Literal(types.DoubleValue(1.5))).Eval(ctx)
	require.NoError(t, err)
	d, err := v.Double()
	require.NoError(t, err)
	require.Equal(t, 3.0, d)

	// division by zero is an error, not a crash
	_, err = Binary("/", Literal(types.IntValue(1)), Literal(types.IntValue(0))).Eval(ctx)
	require.Equal(t, status.ErrValueOutOfRange, status.CodeOf(err))
}

func TestStringOps(t *testing.T) {
	ctx := mapContext{}
	v, err := Binary("+", Literal(types.StringValue("ab")), Literal(types.StringValue("cd"))).Eval(ctx)
	require.NoError(t, err)
	s, err := v.Str()
	require.NoError(t, err)
	require.Equal(t, "abcd", s)

	b, err := Binary("<", Literal(types.StringValue("abc")), Literal(types.StringValue("abd"))).EvalBool(ctx)
	require.NoError(t, err)
	require.True(t, b)
}

func TestLogicalShortCircuit(t *testing.T) {
	// the right side references a missing prop; && must not evaluate it
	ctx := mapContext{}
	missing := Prop("", "absent")
	b, err := Binary("&&", Literal(types.BoolValue(false)), missing).EvalBool(ctx)
	require.NoError(t, err)
	require.False(t, b)

	b, err = Binary("||", Literal(types.BoolValue(true)), missing).EvalBool(ctx)
	require.NoError(t, err)
	require.True(t, b)
}

func TestPropAndInputRefs(t *testing.T) {
	ctx := mapContext{
		props: map[string]types.Value{"age": types.IntValue(30)},
		input: map[string]types.Value{"id": types.IntValue(7)},
	}
	require.Equal(t, int64(31), evalInt(t, Binary("+", Prop("", "age"), Literal(types.IntValue(1))), ctx))
	require.Equal(t, int64(7), evalInt(t, InputProp("id"), ctx))
}

func TestFunctions(t *testing.T) {
	ctx := mapContext{}
	require.Equal(t, int64(5), evalInt(t, Call("abs", Literal(types.IntValue(-5))), ctx))
	require.Equal(t, int64(3), evalInt(t, Call("length", Literal(types.StringValue("abc"))), ctx))

	v, err := Call("upper", Literal(types.StringValue("ok"))).Eval(ctx)
	require.NoError(t, err)
	s, err := v.Str()
	require.NoError(t, err)
	require.Equal(t, "OK", s)

	_, err = Call("no_such_fn").Eval(ctx)
	require.Equal(t, status.ErrUnsupported, status.CodeOf(err))
}

func TestRefersOnlyTo(t *testing.T) {
	edgeOnly := map[string]bool{"": true}
	require.True(t, Binary(">", Prop("", "likeness"), Literal(types.DoubleValue(0.5))).RefersOnlyTo(edgeOnly))
	require.False(t, Binary(">", Prop("person", "age"), Literal(types.IntValue(1))).RefersOnlyTo(edgeOnly))
	require.False(t, InputProp("id").RefersOnlyTo(edgeOnly))
}

func TestJSONRoundTrip(t *testing.T) {
	// the filter blob on the wire is plain JSON of the node tree
	n := Binary("&&",
		Binary("==", Prop("", "a"), Literal(types.IntValue(1))),
		Binary(">", Prop("", "b"), Literal(types.DoubleValue(0.5))))
	blob, err := json.Marshal(n)
	require.NoError(t, err)
	var back Node
	require.NoError(t, json.Unmarshal(blob, &back))

	ctx := mapContext{props: map[string]types.Value{
		"a": types.IntValue(1),
		"b": types.DoubleValue(0.9),
	}}
	ok, err := back.EvalBool(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}
