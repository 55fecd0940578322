// Package expr is the expression tree shared by the query pipeline and
// the storage filter pushdown. A single concrete node type plays the sum
// type over every expression form; evaluation is an exhaustive switch with
// no fallthrough case.
package expr

import (
	"strings"

	"github.com/vergedb/verge/pkg/status"
	"github.com/vergedb/verge/pkg/types"
)

// Kind discriminates node forms.
type Kind string

const (
	KindLiteral   Kind = "literal"
	KindProp      Kind = "prop"      // alias.prop, alias may be a tag or edge name
	KindInputProp Kind = "input"     // $-.prop
	KindVarProp   Kind = "var"       // $var.prop
	KindUnary     Kind = "unary"     // ! -
	KindBinary    Kind = "binary"    // arithmetic, relational, logical
	KindFunc      Kind = "func"      // small builtin subset
)

// Node is one expression tree node; which fields are meaningful depends on
// Kind. Nodes marshal to JSON as-is, which is also the storage filter blob
// format.
type Node struct {
	Kind  Kind         `json:"kind"`
	Value *types.Value `json:"value,omitempty"`
	Alias string       `json:"alias,omitempty"`
	Prop  string       `json:"prop,omitempty"`
	Var   string       `json:"var,omitempty"`
	Op    string       `json:"op,omitempty"`
	Left  *Node        `json:"left,omitempty"`
	Right *Node        `json:"right,omitempty"`
	Args  []*Node      `json:"args,omitempty"`
	Func  string       `json:"func,omitempty"`
}

// Context resolves property references during evaluation.
type Context interface {
	// Prop resolves alias.prop; an empty alias addresses the edge (or the
	// only entity) in scope.
	Prop(alias, prop string) (types.Value, error)
	// InputProp resolves a pipe input column.
	InputProp(prop string) (types.Value, error)
	// VarProp resolves a named variable's column.
	VarProp(name, prop string) (types.Value, error)
}

// Literal builds a constant node.
func Literal(v types.Value) *Node {
	return &Node{Kind: KindLiteral, Value: &v}
}

// Prop builds an alias.prop reference.
func Prop(alias, prop string) *Node {
	return &Node{Kind: KindProp, Alias: alias, Prop: prop}
}

// InputProp references a pipe input column.
func InputProp(prop string) *Node {
	return &Node{Kind: KindInputProp, Prop: prop}
}

// VarProp references a variable's column.
func VarProp(name, prop string) *Node {
	return &Node{Kind: KindVarProp, Var: name, Prop: prop}
}

// Unary builds !x or -x.
func Unary(op string, operand *Node) *Node {
	return &Node{Kind: KindUnary, Op: op, Left: operand}
}

// Binary builds a two-operand node.
func Binary(op string, left, right *Node) *Node {
	return &Node{Kind: KindBinary, Op: op, Left: left, Right: right}
}

// Call builds a builtin function call.
func Call(fn string, args ...*Node) *Node {
	return &Node{Kind: KindFunc, Func: fn, Args: args}
}

// Eval computes the node against a context.
func (n *Node) Eval(ctx Context) (types.Value, error) {
	switch n.Kind {
	case KindLiteral:
		if n.Value == nil {
			return types.NullValue(), nil
		}
		return *n.Value, nil
	case KindProp:
		return ctx.Prop(n.Alias, n.Prop)
	case KindInputProp:
		return ctx.InputProp(n.Prop)
	case KindVarProp:
		return ctx.VarProp(n.Var, n.Prop)
	case KindUnary:
		return n.evalUnary(ctx)
	case KindBinary:
		return n.evalBinary(ctx)
	case KindFunc:
		return n.evalFunc(ctx)
	}
	return types.NullValue(), status.New(status.ErrUnsupported, "unknown expression kind %q", n.Kind)
}

// EvalBool evaluates and casts to a boolean.
func (n *Node) EvalBool(ctx Context) (bool, error) {
	v, err := n.Eval(ctx)
	if err != nil {
		return false, err
	}
	return v.Bool()
}

func (n *Node) evalUnary(ctx Context) (types.Value, error) {
	v, err := n.Left.Eval(ctx)
	if err != nil {
		return types.NullValue(), err
	}
	switch n.Op {
	case "!":
		b, err := v.Bool()
		if err != nil {
			return types.NullValue(), err
		}
		return types.BoolValue(!b), nil
	case "-":
		if v.Kind() == types.KindInt {
			i, _ := v.Int()
			return types.IntValue(-i), nil
		}
		d, err := v.Double()
		if err != nil {
			return types.NullValue(), err
		}
		return types.DoubleValue(-d), nil
	}
	return types.NullValue(), status.New(status.ErrUnsupported, "unary op %q", n.Op)
}

func (n *Node) evalBinary(ctx Context) (types.Value, error) {
	l, err := n.Left.Eval(ctx)
	if err != nil {
		return types.NullValue(), err
	}
	// logical operators short-circuit
	switch n.Op {
	case "&&":
		lb, err := l.Bool()
		if err != nil {
			return types.NullValue(), err
		}
		if !lb {
			return types.BoolValue(false), nil
		}
		rb, err := n.Right.EvalBool(ctx)
		if err != nil {
			return types.NullValue(), err
		}
		return types.BoolValue(rb), nil
	case "||":
		lb, err := l.Bool()
		if err != nil {
			return types.NullValue(), err
		}
		if lb {
			return types.BoolValue(true), nil
		}
		rb, err := n.Right.EvalBool(ctx)
		if err != nil {
			return types.NullValue(), err
		}
		return types.BoolValue(rb), nil
	}

	r, err := n.Right.Eval(ctx)
	if err != nil {
		return types.NullValue(), err
	}
	switch n.Op {
	case "+", "-", "*", "/", "%":
		return evalArith(n.Op, l, r)
	case "==", "!=", "<", "<=", ">", ">=":
		return evalRelational(n.Op, l, r)
	}
	return types.NullValue(), status.New(status.ErrUnsupported, "binary op %q", n.Op)
}

func evalArith(op string, l, r types.Value) (types.Value, error) {
	// string concatenation rides on +
	if op == "+" && l.Kind() == types.KindString && r.Kind() == types.KindString {
		ls, _ := l.Str()
		rs, _ := r.Str()
		return types.StringValue(ls + rs), nil
	}
	if l.Kind() == types.KindInt && r.Kind() == types.KindInt {
		li, _ := l.Int()
		ri, _ := r.Int()
		switch op {
		case "+":
			return types.IntValue(li + ri), nil
		case "-":
			return types.IntValue(li - ri), nil
		case "*":
			return types.IntValue(li * ri), nil
		case "/":
			if ri == 0 {
				return types.NullValue(), status.New(status.ErrValueOutOfRange, "division by zero")
			}
			return types.IntValue(li / ri), nil
		case "%":
			if ri == 0 {
				return types.NullValue(), status.New(status.ErrValueOutOfRange, "modulo by zero")
			}
			return types.IntValue(li % ri), nil
		}
	}
	ld, err := l.Double()
	if err != nil {
		return types.NullValue(), err
	}
	rd, err := r.Double()
	if err != nil {
		return types.NullValue(), err
	}
	switch op {
	case "+":
		return types.DoubleValue(ld + rd), nil
	case "-":
		return types.DoubleValue(ld - rd), nil
	case "*":
		return types.DoubleValue(ld * rd), nil
	case "/":
		if rd == 0 {
			return types.NullValue(), status.New(status.ErrValueOutOfRange, "division by zero")
		}
		return types.DoubleValue(ld / rd), nil
	}
	return types.NullValue(), status.New(status.ErrUnsupported, "arithmetic op %q", op)
}

func evalRelational(op string, l, r types.Value) (types.Value, error) {
	if l.Kind() == types.KindString && r.Kind() == types.KindString {
		ls, _ := l.Str()
		rs, _ := r.Str()
		c := strings.Compare(ls, rs)
		return relResult(op, c), nil
	}
	ld, err := l.Double()
	if err != nil {
		return types.NullValue(), err
	}
	rd, err := r.Double()
	if err != nil {
		return types.NullValue(), err
	}
	switch {
	case ld < rd:
		return relResult(op, -1), nil
	case ld > rd:
		return relResult(op, 1), nil
	default:
		return relResult(op, 0), nil
	}
}

func relResult(op string, cmp int) types.Value {
	var b bool
	switch op {
	case "==":
		b = cmp == 0
	case "!=":
		b = cmp != 0
	case "<":
		b = cmp < 0
	case "<=":
		b = cmp <= 0
	case ">":
		b = cmp > 0
	case ">=":
		b = cmp >= 0
	}
	return types.BoolValue(b)
}

func (n *Node) evalFunc(ctx Context) (types.Value, error) {
	args := make([]types.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := a.Eval(ctx)
		if err != nil {
			return types.NullValue(), err
		}
		args[i] = v
	}
	switch n.Func {
	case "abs":
		if len(args) != 1 {
			break
		}
		if args[0].Kind() == types.KindInt {
			i, _ := args[0].Int()
			if i < 0 {
				i = -i
			}
			return types.IntValue(i), nil
		}
		d, err := args[0].Double()
		if err != nil {
			return types.NullValue(), err
		}
		if d < 0 {
			d = -d
		}
		return types.DoubleValue(d), nil
	case "length":
		if len(args) != 1 {
			break
		}
		s, err := args[0].Str()
		if err != nil {
			return types.NullValue(), err
		}
		return types.IntValue(int64(len(s))), nil
	case "lower":
		if len(args) != 1 {
			break
		}
		s, err := args[0].Str()
		if err != nil {
			return types.NullValue(), err
		}
		return types.StringValue(strings.ToLower(s)), nil
	case "upper":
		if len(args) != 1 {
			break
		}
		s, err := args[0].Str()
		if err != nil {
			return types.NullValue(), err
		}
		return types.StringValue(strings.ToUpper(s)), nil
	}
	return types.NullValue(), status.New(status.ErrUnsupported, "function %q", n.Func)
}

// RefersOnlyTo reports whether every property reference uses one of the
// allowed aliases ("" included when allowed). The traversal executor uses
// it to decide filter pushdown safety.
func (n *Node) RefersOnlyTo(allowed map[string]bool) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case KindInputProp, KindVarProp:
		return false
	case KindProp:
		if !allowed[n.Alias] {
			return false
		}
	}
	if !n.Left.RefersOnlyTo(allowed) || !n.Right.RefersOnlyTo(allowed) {
		return false
	}
	for _, a := range n.Args {
		if !a.RefersOnlyTo(allowed) {
			return false
		}
	}
	return true
}
