// Package parser is the concrete statement parser the graph daemon plugs
// into the query engine. The engine itself consumes sentence trees only;
// this package owns the text surface.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/vergedb/verge/pkg/expr"
	"github.com/vergedb/verge/pkg/graphd"
	"github.com/vergedb/verge/pkg/types"
)

// Parser implements graphd.Parser.
type Parser struct{}

// New creates the parser.
func New() *Parser { return &Parser{} }

// Parse turns one statement string into a sentence tree.
func (p *Parser) Parse(stmt string) (graphd.Sentence, error) {
	toks, err := tokenize(stmt)
	if err != nil {
		return nil, err
	}
	ps := &state{toks: toks}
	s, err := ps.parsePipeline()
	if err != nil {
		return nil, err
	}
	if !ps.eof() {
		return nil, fmt.Errorf("unexpected %q", ps.peek())
	}
	return s, nil
}

type state struct {
	toks []string
	pos  int
}

func (s *state) eof() bool { return s.pos >= len(s.toks) }

func (s *state) peek() string {
	if s.eof() {
		return ""
	}
	return s.toks[s.pos]
}

func (s *state) next() string {
	t := s.peek()
	s.pos++
	return t
}

func (s *state) acceptKw(kw string) bool {
	if strings.EqualFold(s.peek(), kw) {
		s.pos++
		return true
	}
	return false
}

func (s *state) expectKw(kw string) error {
	if !s.acceptKw(kw) {
		return fmt.Errorf("expected %s, got %q", kw, s.peek())
	}
	return nil
}

func (s *state) accept(tok string) bool {
	if s.peek() == tok {
		s.pos++
		return true
	}
	return false
}

func (s *state) expect(tok string) error {
	if !s.accept(tok) {
		return fmt.Errorf("expected %q, got %q", tok, s.peek())
	}
	return nil
}

// parsePipeline handles set operations, pipes and assignment, lowest
// precedence first.
func (s *state) parsePipeline() (graphd.Sentence, error) {
	if s.peek() != "" && s.peek()[0] == '$' && s.pos+1 < len(s.toks) && s.toks[s.pos+1] == "=" {
		name := strings.TrimPrefix(s.next(), "$")
		s.next() // =
		right, err := s.parsePipeline()
		if err != nil {
			return nil, err
		}
		return &graphd.AssignmentSentence{Var: name, Right: right}, nil
	}

	left, err := s.parsePiped()
	if err != nil {
		return nil, err
	}
	for {
		var op graphd.SetOp
		switch {
		case s.acceptKw("UNION"):
			if s.acceptKw("DISTINCT") {
				op = graphd.SetUnionDistinct
			} else {
				op = graphd.SetUnion
			}
		case s.acceptKw("INTERSECT"):
			op = graphd.SetIntersect
		case s.acceptKw("MINUS"):
			op = graphd.SetMinus
		default:
			return left, nil
		}
		right, err := s.parsePiped()
		if err != nil {
			return nil, err
		}
		left = &graphd.SetSentence{Op: op, Left: left, Right: right}
	}
}

func (s *state) parsePiped() (graphd.Sentence, error) {
	left, err := s.parseOne()
	if err != nil {
		return nil, err
	}
	for s.accept("|") {
		right, err := s.parseOne()
		if err != nil {
			return nil, err
		}
		left = &graphd.PipedSentence{Left: left, Right: right}
	}
	return left, nil
}

func (s *state) parseOne() (graphd.Sentence, error) {
	switch {
	case s.acceptKw("USE"):
		return &graphd.UseSentence{Space: s.next()}, nil
	case s.acceptKw("GO"):
		return s.parseGo()
	case s.acceptKw("FETCH"):
		return s.parseFetch()
	case s.acceptKw("INSERT"):
		return s.parseInsert()
	case s.acceptKw("UPDATE"), s.acceptKw("UPSERT"):
		insertable := strings.EqualFold(s.toks[s.pos-1], "UPSERT")
		return s.parseUpdate(insertable)
	case s.acceptKw("RETURN"):
		name := s.next()
		return &graphd.ReturnSentence{Var: strings.TrimPrefix(name, "$")}, nil
	}
	return nil, fmt.Errorf("unknown statement start %q", s.peek())
}

func (s *state) parseGo() (graphd.Sentence, error) {
	g := &graphd.GoSentence{Steps: 1}
	if n, err := strconv.Atoi(s.peek()); err == nil {
		s.next()
		if err := s.expectKw("STEPS"); err != nil {
			return nil, err
		}
		g.Steps = n
	}
	if err := s.expectKw("FROM"); err != nil {
		return nil, err
	}
	if strings.HasPrefix(s.peek(), "$-.") {
		g.FromRef = strings.TrimPrefix(s.next(), "$-.")
	} else if strings.HasPrefix(s.peek(), "$") {
		ref := s.next()
		dot := strings.IndexByte(ref, '.')
		if dot < 0 {
			return nil, fmt.Errorf("variable reference %q needs a column", ref)
		}
		g.FromVar = strings.TrimPrefix(ref[:dot], "$")
		g.FromRef = ref[dot+1:]
	} else {
		vids, err := s.parseVidList()
		if err != nil {
			return nil, err
		}
		g.FromVids = vids
	}
	if err := s.expectKw("OVER"); err != nil {
		return nil, err
	}
	g.Over = append(g.Over, s.next())
	for s.accept(",") {
		g.Over = append(g.Over, s.next())
	}
	if s.acceptKw("REVERSELY") {
		g.Direction = graphd.DirReversely
	} else if s.acceptKw("BIDIRECT") {
		g.Direction = graphd.DirBidirect
	}
	if s.acceptKw("WHERE") {
		where, err := s.parseExpr()
		if err != nil {
			return nil, err
		}
		g.Where = where
	}
	if s.acceptKw("YIELD") {
		yield, err := s.parseYield()
		if err != nil {
			return nil, err
		}
		g.Yield = yield
	}
	return g, nil
}

func (s *state) parseFetch() (graphd.Sentence, error) {
	if err := s.expectKw("PROP"); err != nil {
		return nil, err
	}
	if err := s.expectKw("ON"); err != nil {
		return nil, err
	}
	f := &graphd.FetchVerticesSentence{Tag: s.next()}
	vids, err := s.parseVidList()
	if err != nil {
		return nil, err
	}
	f.Vids = vids
	if s.acceptKw("YIELD") {
		yield, err := s.parseYield()
		if err != nil {
			return nil, err
		}
		f.Yield = yield
	}
	return f, nil
}

func (s *state) parseInsert() (graphd.Sentence, error) {
	switch {
	case s.acceptKw("VERTEX"):
		tag := s.next()
		names, err := s.parseNameList()
		if err != nil {
			return nil, err
		}
		if err := s.expectKw("VALUES"); err != nil {
			return nil, err
		}
		ins := &graphd.InsertVerticesSentence{Tag: tag, PropNames: names, Overwrite: true}
		for {
			vid, err := s.parseVid()
			if err != nil {
				return nil, err
			}
			if err := s.expect(":"); err != nil {
				return nil, err
			}
			vals, err := s.parseValueList()
			if err != nil {
				return nil, err
			}
			ins.Rows = append(ins.Rows, graphd.VertexRow{Vid: vid, Values: vals})
			if !s.accept(",") {
				return ins, nil
			}
		}
	case s.acceptKw("EDGE"):
		edge := s.next()
		names, err := s.parseNameList()
		if err != nil {
			return nil, err
		}
		if err := s.expectKw("VALUES"); err != nil {
			return nil, err
		}
		ins := &graphd.InsertEdgesSentence{Edge: edge, PropNames: names, Overwrite: true}
		for {
			src, err := s.parseVid()
			if err != nil {
				return nil, err
			}
			if err := s.expect("->"); err != nil {
				return nil, err
			}
			dst, err := s.parseVid()
			if err != nil {
				return nil, err
			}
			var rank types.EdgeRanking
			if s.accept("@") {
				rank, err = s.parseVid()
				if err != nil {
					return nil, err
				}
			}
			if err := s.expect(":"); err != nil {
				return nil, err
			}
			vals, err := s.parseValueList()
			if err != nil {
				return nil, err
			}
			ins.Rows = append(ins.Rows, graphd.EdgeRow{Src: src, Dst: dst, Rank: rank, Values: vals})
			if !s.accept(",") {
				return ins, nil
			}
		}
	}
	return nil, fmt.Errorf("INSERT expects VERTEX or EDGE, got %q", s.peek())
}

func (s *state) parseUpdate(insertable bool) (graphd.Sentence, error) {
	if err := s.expectKw("VERTEX"); err != nil {
		return nil, err
	}
	vid, err := s.parseVid()
	if err != nil {
		return nil, err
	}
	if err := s.expectKw("ON"); err != nil {
		return nil, err
	}
	u := &graphd.UpdateVertexSentence{Vid: vid, Tag: s.next(), Insertable: insertable}
	if err := s.expectKw("SET"); err != nil {
		return nil, err
	}
	for {
		prop := s.next()
		if err := s.expect("="); err != nil {
			return nil, err
		}
		e, err := s.parseExpr()
		if err != nil {
			return nil, err
		}
		u.Items = append(u.Items, graphd.UpdateItem{Prop: prop, Expr: e})
		if !s.accept(",") {
			break
		}
	}
	if s.acceptKw("WHERE") {
		where, err := s.parseExpr()
		if err != nil {
			return nil, err
		}
		u.Where = where
	}
	if s.acceptKw("YIELD") {
		for {
			u.Yield = append(u.Yield, s.next())
			if !s.accept(",") {
				break
			}
		}
	}
	return u, nil
}

func (s *state) parseVid() (int64, error) {
	neg := s.accept("-")
	v, err := strconv.ParseInt(s.peek(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a vertex id, got %q", s.peek())
	}
	s.next()
	if neg {
		v = -v
	}
	return v, nil
}

func (s *state) parseVidList() ([]types.VertexID, error) {
	var out []types.VertexID
	for {
		v, err := s.parseVid()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if !s.accept(",") {
			return out, nil
		}
	}
}

func (s *state) parseNameList() ([]string, error) {
	if err := s.expect("("); err != nil {
		return nil, err
	}
	var out []string
	for !s.accept(")") {
		out = append(out, s.next())
		s.accept(",")
	}
	return out, nil
}

func (s *state) parseValueList() ([]types.Value, error) {
	if err := s.expect("("); err != nil {
		return nil, err
	}
	var out []types.Value
	for !s.accept(")") {
		e, err := s.parseExpr()
		if err != nil {
			return nil, err
		}
		v, err := e.Eval(nullContext{})
		if err != nil {
			return nil, fmt.Errorf("insert values must be literals: %v", err)
		}
		out = append(out, v)
		s.accept(",")
	}
	return out, nil
}

func (s *state) parseYield() ([]graphd.YieldColumn, error) {
	var out []graphd.YieldColumn
	for {
		e, err := s.parseExpr()
		if err != nil {
			return nil, err
		}
		yc := graphd.YieldColumn{Expr: e}
		if s.acceptKw("AS") {
			yc.Alias = s.next()
		}
		out = append(out, yc)
		if !s.accept(",") {
			return out, nil
		}
	}
}

// nullContext evaluates pure literal expressions.
type nullContext struct{}

func (nullContext) Prop(alias, prop string) (types.Value, error) {
	return types.NullValue(), fmt.Errorf("property %s.%s in literal position", alias, prop)
}

func (nullContext) InputProp(prop string) (types.Value, error) {
	return types.NullValue(), fmt.Errorf("$-.%s in literal position", prop)
}

func (nullContext) VarProp(name, prop string) (types.Value, error) {
	return types.NullValue(), fmt.Errorf("$%s.%s in literal position", name, prop)
}

// Expression parsing: precedence climbing.

func (s *state) parseExpr() (*expr.Node, error) {
	return s.parseOr()
}

func (s *state) parseOr() (*expr.Node, error) {
	left, err := s.parseAnd()
	if err != nil {
		return nil, err
	}
	for s.accept("||") {
		right, err := s.parseAnd()
		if err != nil {
			return nil, err
		}
		left = expr.Binary("||", left, right)
	}
	return left, nil
}

func (s *state) parseAnd() (*expr.Node, error) {
	left, err := s.parseRel()
	if err != nil {
		return nil, err
	}
	for s.accept("&&") {
		right, err := s.parseRel()
		if err != nil {
			return nil, err
		}
		left = expr.Binary("&&", left, right)
	}
	return left, nil
}

func (s *state) parseRel() (*expr.Node, error) {
	left, err := s.parseAdd()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if s.accept(op) {
			right, err := s.parseAdd()
			if err != nil {
				return nil, err
			}
			return expr.Binary(op, left, right), nil
		}
	}
	return left, nil
}

func (s *state) parseAdd() (*expr.Node, error) {
	left, err := s.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case s.accept("+"):
			right, err := s.parseMul()
			if err != nil {
				return nil, err
			}
			left = expr.Binary("+", left, right)
		case s.accept("-"):
			right, err := s.parseMul()
			if err != nil {
				return nil, err
			}
			left = expr.Binary("-", left, right)
		default:
			return left, nil
		}
	}
}

func (s *state) parseMul() (*expr.Node, error) {
	left, err := s.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case s.accept("*"):
			right, err := s.parseUnary()
			if err != nil {
				return nil, err
			}
			left = expr.Binary("*", left, right)
		case s.accept("/"):
			right, err := s.parseUnary()
			if err != nil {
				return nil, err
			}
			left = expr.Binary("/", left, right)
		case s.accept("%"):
			right, err := s.parseUnary()
			if err != nil {
				return nil, err
			}
			left = expr.Binary("%", left, right)
		default:
			return left, nil
		}
	}
}

func (s *state) parseUnary() (*expr.Node, error) {
	if s.accept("!") {
		operand, err := s.parseUnary()
		if err != nil {
			return nil, err
		}
		return expr.Unary("!", operand), nil
	}
	if s.accept("-") {
		operand, err := s.parseUnary()
		if err != nil {
			return nil, err
		}
		return expr.Unary("-", operand), nil
	}
	return s.parsePrimary()
}

func (s *state) parsePrimary() (*expr.Node, error) {
	tok := s.peek()
	switch {
	case tok == "(":
		s.next()
		e, err := s.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := s.expect(")"); err != nil {
			return nil, err
		}
		return e, nil
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok[0] == '"' || tok[0] == '\'':
		s.next()
		return expr.Literal(types.StringValue(tok[1 : len(tok)-1])), nil
	case strings.EqualFold(tok, "true"):
		s.next()
		return expr.Literal(types.BoolValue(true)), nil
	case strings.EqualFold(tok, "false"):
		s.next()
		return expr.Literal(types.BoolValue(false)), nil
	case strings.HasPrefix(tok, "$-."):
		s.next()
		return expr.InputProp(strings.TrimPrefix(tok, "$-.")), nil
	case tok[0] == '$':
		s.next()
		rest := strings.TrimPrefix(tok, "$")
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			return nil, fmt.Errorf("variable reference %q needs a column", tok)
		}
		return expr.VarProp(rest[:dot], rest[dot+1:]), nil
	case unicode.IsDigit(rune(tok[0])):
		s.next()
		if strings.ContainsAny(tok, ".eE") {
			d, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", tok)
			}
			return expr.Literal(types.DoubleValue(d)), nil
		}
		i, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", tok)
		}
		return expr.Literal(types.IntValue(i)), nil
	default:
		s.next()
		// identifier: alias.prop or a bare prop of the entity in scope
		if s.accept("(") {
			var args []*expr.Node
			for !s.accept(")") {
				a, err := s.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				s.accept(",")
			}
			return expr.Call(tok, args...), nil
		}
		if dot := strings.IndexByte(tok, '.'); dot >= 0 {
			return expr.Prop(tok[:dot], tok[dot+1:]), nil
		}
		return expr.Prop("", tok), nil
	}
}

// tokenize splits a statement into tokens: identifiers (dots kept),
// numbers, quoted strings, and operators.
func tokenize(in string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(in) {
		c := in[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(in) && in[j] != c {
				j++
			}
			if j >= len(in) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, in[i:j+1])
			i = j + 1
		case isIdentByte(c) || c == '$':
			j := i
			for j < len(in) && (isIdentByte(in[j]) || in[j] == '.' || in[j] == '$' || in[j] == '-' && j > i && in[j-1] == '$') {
				j++
			}
			toks = append(toks, in[i:j])
			i = j
		default:
			// multi-byte operators first
			matched := false
			for _, op := range []string{"->", "==", "!=", "<=", ">=", "&&", "||"} {
				if strings.HasPrefix(in[i:], op) {
					toks = append(toks, op)
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				toks = append(toks, string(c))
				i++
			}
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
