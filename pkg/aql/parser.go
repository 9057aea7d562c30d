package aql

import (
	"strconv"
)

// Parser consumes a Tokenizer's stream into a Query AST via recursive
// descent, one production per grammar rule, mirroring spec.md §4.9.
type Parser struct {
	tz   *Tokenizer
	cur  Token
	peek Token
}

// Parse tokenizes and parses src into a Query.
func Parse(src string) (*Query, error) {
	p := &Parser{tz: NewTokenizer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind != TokEOF {
		return nil, &ParseError{Pos: p.cur.Pos, Msg: "unexpected trailing input " + p.cur.Text}
	}
	return q, nil
}

func (p *Parser) advance() error {
	p.cur = p.peek
	tok, err := p.tz.Next()
	if err != nil {
		return err
	}
	p.peek = tok
	return nil
}

func (p *Parser) isKeyword(kw string) bool {
	return p.cur.Kind == TokKeyword && p.cur.Text == kw
}

func (p *Parser) isPunct(s string) bool {
	return p.cur.Kind == TokPunct && p.cur.Text == s
}

func (p *Parser) isOperator(s string) bool {
	return p.cur.Kind == TokOperator && p.cur.Text == s
}

func (p *Parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return &ParseError{Pos: p.cur.Pos, Msg: "expected " + kw + ", got " + p.cur.Text}
	}
	return p.advance()
}

func (p *Parser) expectPunct(s string) error {
	if !p.isPunct(s) {
		return &ParseError{Pos: p.cur.Pos, Msg: "expected '" + s + "', got " + p.cur.Text}
	}
	return p.advance()
}

func (p *Parser) expectIdent() (string, error) {
	if p.cur.Kind != TokIdent {
		return "", &ParseError{Pos: p.cur.Pos, Msg: "expected identifier, got " + p.cur.Text}
	}
	name := p.cur.Text
	return name, p.advance()
}

// parseQuery parses one full query: optional WITH, one or more FOR
// clauses with interleaved FILTER/LET, optional COLLECT, optional SORT,
// optional LIMIT, and a terminal RETURN.
func (p *Parser) parseQuery() (*Query, error) {
	q := &Query{}

	if p.isKeyword("WITH") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("AS"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			sub, err := p.parseQuery()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			q.With = append(q.With, CTEBinding{Name: name, Query: sub})
			if p.isPunct(",") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}

	if !p.isKeyword("FOR") {
		return nil, &ParseError{Pos: p.cur.Pos, Msg: "expected FOR"}
	}
	for p.isKeyword("FOR") {
		fc, err := p.parseForClause()
		if err != nil {
			return nil, err
		}
		q.For = append(q.For, fc)
	}

	for {
		switch {
		case p.isKeyword("FILTER"):
			if err := p.advance(); err != nil {
				return nil, err
			}
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			q.Filters = append(q.Filters, expr)
		case p.isKeyword("LET"):
			if err := p.advance(); err != nil {
				return nil, err
			}
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectOperatorEquals(); err != nil {
				return nil, err
			}
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			q.Lets = append(q.Lets, LetClause{Var: name, Expr: expr})
		default:
			goto afterLoop
		}
	}
afterLoop:

	if p.isKeyword("COLLECT") {
		cc, err := p.parseCollect()
		if err != nil {
			return nil, err
		}
		q.Collect = cc
	}

	if p.isKeyword("SORT") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			desc := false
			if p.isKeyword("DESC") {
				desc = true
				if err := p.advance(); err != nil {
					return nil, err
				}
			} else if p.isKeyword("ASC") {
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
			q.Sort = append(q.Sort, SortTerm{Expr: expr, Desc: desc})
			if p.isPunct(",") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}

	if p.isKeyword("LIMIT") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		first, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		lc := LimitClause{Count: first}
		if p.isPunct(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			second, err := p.parseIntLiteral()
			if err != nil {
				return nil, err
			}
			lc.Offset = first
			lc.Count = second
		}
		q.Limit = &lc
	}

	if err := p.expectKeyword("RETURN"); err != nil {
		return nil, err
	}
	if p.isKeyword("DISTINCT") {
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	ret, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	q.Return = ret
	return q, nil
}

func (p *Parser) expectOperatorEquals() error {
	if !p.isOperator("=") {
		return &ParseError{Pos: p.cur.Pos, Msg: "expected '='"}
	}
	return p.advance()
}

func (p *Parser) parseIntLiteral() (int64, error) {
	if p.cur.Kind != TokNumber {
		return 0, &ParseError{Pos: p.cur.Pos, Msg: "expected integer literal"}
	}
	f, err := strconv.ParseFloat(p.cur.Text, 64)
	if err != nil {
		return 0, &ParseError{Pos: p.cur.Pos, Msg: "invalid integer literal " + p.cur.Text}
	}
	if err := p.advance(); err != nil {
		return 0, err
	}
	return int64(f), nil
}

// parseForClause parses "FOR v IN expr" or the graph-traversal forms
// "FOR v, e IN OUTBOUND/INBOUND start GRAPH name" and
// "FOR v IN OUTBOUND/INBOUND SHORTEST_PATH start TO target GRAPH name".
func (p *Parser) parseForClause() (ForClause, error) {
	var fc ForClause
	if err := p.advance(); err != nil { // consume FOR
		return fc, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return fc, err
	}
	fc.Var = name
	if p.isPunct(",") {
		if err := p.advance(); err != nil {
			return fc, err
		}
		edgeVar, err := p.expectIdent()
		if err != nil {
			return fc, err
		}
		fc.EdgeVar = edgeVar
	}
	if err := p.expectKeyword("IN"); err != nil {
		return fc, err
	}

	if p.isKeyword("OUTBOUND") || p.isKeyword("INBOUND") {
		fc.Direction = p.cur.Text
		if err := p.advance(); err != nil {
			return fc, err
		}
		if p.isKeyword("SHORTEST_PATH") {
			if err := p.advance(); err != nil {
				return fc, err
			}
			start, err := p.parseExpr()
			if err != nil {
				return fc, err
			}
			fc.Source = start
			if err := p.expectKeyword("TO"); err != nil {
				return fc, err
			}
			to, err := p.parseExpr()
			if err != nil {
				return fc, err
			}
			fc.ShortestTo = to
		} else {
			start, err := p.parseExpr()
			if err != nil {
				return fc, err
			}
			fc.Source = start
		}
		if p.isKeyword("GRAPH") {
			if err := p.advance(); err != nil {
				return fc, err
			}
			if p.cur.Kind != TokString && p.cur.Kind != TokIdent {
				return fc, &ParseError{Pos: p.cur.Pos, Msg: "expected graph name"}
			}
			fc.GraphName = p.cur.Text
			if err := p.advance(); err != nil {
				return fc, err
			}
		}
		return fc, nil
	}

	src, err := p.parseExpr()
	if err != nil {
		return fc, err
	}
	fc.Source = src
	return fc, nil
}

func (p *Parser) parseCollect() (*CollectClause, error) {
	cc := &CollectClause{}
	if err := p.advance(); err != nil { // consume COLLECT
		return nil, err
	}
	if !p.isKeyword("AGGREGATE") {
		for {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectOperatorEquals(); err != nil {
				return nil, err
			}
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			cc.Keys = append(cc.Keys, CollectKey{Var: name, Expr: expr})
			if p.isPunct(",") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if p.isKeyword("AGGREGATE") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectOperatorEquals(); err != nil {
				return nil, err
			}
			call, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			fn, ok := call.(*Call)
			if !ok || len(fn.Args) != 1 {
				return nil, &ParseError{Pos: p.cur.Pos, Msg: "AGGREGATE requires a single-argument accumulator call"}
			}
			cc.Aggregates = append(cc.Aggregates, CollectAggregate{Var: name, Func: fn.Name, Expr: fn.Args[0]})
			if p.isPunct(",") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if p.isKeyword("INTO") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cc.Into = name
	}
	return cc, nil
}
