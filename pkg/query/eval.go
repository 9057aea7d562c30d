package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/themisdb/themisdb/internal/errs"
	"github.com/themisdb/themisdb/pkg/aql"
)

// evalCtx carries the variable bindings and bind parameters an
// expression is evaluated against, plus the Engine so Subquery/
// FirstOrNull/SIMILARITY/FULLTEXT calls can recurse into Execute.
type evalCtx struct {
	engine *Engine
	row    Row
	params map[string]any
}

func (c *evalCtx) withVar(name string, val any) *evalCtx {
	row := make(Row, len(c.row)+1)
	for k, v := range c.row {
		row[k] = v
	}
	row[name] = val
	return &evalCtx{engine: c.engine, row: row, params: c.params}
}

// Eval evaluates an AQL expression against the current variable
// bindings and bind parameters.
func (c *evalCtx) Eval(e aql.Expr) (any, error) {
	switch n := e.(type) {
	case *aql.Literal:
		return n.Value, nil

	case *aql.Ident:
		v, ok := c.row[n.Name]
		if !ok {
			return nil, nil
		}
		return v, nil

	case *aql.BindVar:
		v, ok := c.params[n.Name]
		if !ok {
			return nil, errs.Newf(errs.Plan, "unbound parameter @%s", n.Name)
		}
		return v, nil

	case *aql.MemberAccess:
		target, err := c.Eval(n.Target)
		if err != nil {
			return nil, err
		}
		if n.Index != nil {
			idx, err := c.Eval(n.Index)
			if err != nil {
				return nil, err
			}
			return memberIndex(target, idx)
		}
		return memberField(target, n.Field), nil

	case *aql.Unary:
		return c.evalUnary(n)

	case *aql.Binary:
		return c.evalBinary(n)

	case *aql.Call:
		return c.evalCall(n)

	case *aql.ArrayLiteral:
		out := make([]any, len(n.Elements))
		for i, el := range n.Elements {
			v, err := c.Eval(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case *aql.ObjectLiteral:
		out := make(map[string]any, len(n.Keys))
		for i, k := range n.Keys {
			v, err := c.Eval(n.Values[i])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	case *aql.Quantified:
		return c.evalQuantified(n)

	case *aql.Subquery:
		return c.engine.executeSub(n.Query, c.row, c.params)

	case *aql.FirstOrNull:
		v, err := c.Eval(n.Source)
		if err != nil {
			return nil, err
		}
		arr, ok := v.([]any)
		if !ok {
			return nil, errs.New(errs.Cardinality, "[0] accessor requires a subquery result")
		}
		if len(arr) == 0 {
			return nil, nil
		}
		if len(arr) > 1 {
			return nil, errs.Newf(errs.Cardinality, "scalar subquery returned %d rows, expected 1", len(arr))
		}
		return arr[0], nil

	default:
		return nil, errs.Newf(errs.Plan, "unsupported expression node %T", e)
	}
}

func rowsToAny(rows []Row) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		m := make(map[string]any, len(r))
		for k, v := range r {
			m[k] = v
		}
		out[i] = m
	}
	return out
}

func memberField(target any, field string) any {
	switch t := target.(type) {
	case map[string]any:
		return t[field]
	case Row:
		return t[field]
	default:
		return nil
	}
}

func memberIndex(target, idx any) (any, error) {
	arr, ok := target.([]any)
	if !ok {
		if m, ok := target.(map[string]any); ok {
			if s, ok := idx.(string); ok {
				return m[s], nil
			}
		}
		return nil, nil
	}
	f, ok := idx.(float64)
	if !ok {
		return nil, errs.New(errs.Plan, "array index must be numeric")
	}
	i := int(f)
	if i < 0 || i >= len(arr) {
		return nil, nil
	}
	return arr[i], nil
}

func (c *evalCtx) evalUnary(n *aql.Unary) (any, error) {
	v, err := c.Eval(n.Operand)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "NOT":
		return !truthy(v), nil
	case "-":
		f, ok := asFloat(v)
		if !ok {
			return nil, errs.New(errs.Plan, "unary - requires a numeric operand")
		}
		return -f, nil
	}
	return nil, errs.Newf(errs.Plan, "unsupported unary operator %q", n.Op)
}

func (c *evalCtx) evalBinary(n *aql.Binary) (any, error) {
	if n.Op == "AND" {
		l, err := c.Eval(n.Left)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := c.Eval(n.Right)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	if n.Op == "OR" {
		l, err := c.Eval(n.Left)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := c.Eval(n.Right)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	left, err := c.Eval(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.Eval(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(n.Op, left, right)
	case "+", "-", "*", "/", "%":
		return arith(n.Op, left, right)
	case "IN":
		return memberOf(left, right), nil
	case "=~":
		return regexMatch(left, right, false)
	case "!~":
		return regexMatch(left, right, true)
	}
	return nil, errs.Newf(errs.Plan, "unsupported binary operator %q", n.Op)
}

func regexMatch(left, right any, negate bool) (any, error) {
	s, ok := left.(string)
	if !ok {
		return negate, nil
	}
	pattern, ok := right.(string)
	if !ok {
		return nil, errs.New(errs.Plan, "=~ requires a string pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.Wrap(errs.Plan, "invalid regex pattern", err)
	}
	m := re.MatchString(s)
	if negate {
		return !m, nil
	}
	return m, nil
}

func memberOf(left, right any) bool {
	arr, ok := right.([]any)
	if !ok {
		return false
	}
	for _, v := range arr {
		if valuesEqual(left, v) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compare(op string, a, b any) (any, error) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return compareFloat(op, af, bf), nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return compareString(op, as, bs), nil
	}
	return nil, errs.Newf(errs.Plan, "cannot compare %T with %T", a, b)
}

func compareFloat(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func compareString(op string, a, b string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func arith(op string, a, b any) (any, error) {
	if op == "+" {
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return as + bs, nil
		}
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return nil, errs.Newf(errs.Plan, "arithmetic requires numeric operands, got %T and %T", a, b)
	}
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	case "*":
		return af * bf, nil
	case "/":
		if bf == 0 {
			return nil, errs.New(errs.Plan, "division by zero")
		}
		return af / bf, nil
	case "%":
		if bf == 0 {
			return nil, errs.New(errs.Plan, "modulo by zero")
		}
		return float64(int64(af) % int64(bf)), nil
	}
	return nil, errs.Newf(errs.Plan, "unsupported arithmetic operator %q", op)
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func truthy(v any) bool {
	switch vv := v.(type) {
	case nil:
		return false
	case bool:
		return vv
	case float64:
		return vv != 0
	case string:
		return vv != ""
	case []any:
		return len(vv) > 0
	default:
		return true
	}
}

func (c *evalCtx) evalQuantified(n *aql.Quantified) (any, error) {
	v, err := c.Eval(n.Array)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return false, nil
	}
	matched := 0
	for _, el := range arr {
		sub := c.withVar(n.Var, el)
		cond, err := sub.Eval(n.Condition)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			matched++
		}
	}
	switch n.Kind {
	case "ANY":
		return matched > 0, nil
	case "ALL":
		return matched == len(arr), nil
	case "NONE":
		return matched == 0, nil
	}
	return false, errs.Newf(errs.Plan, "unsupported quantifier %q", n.Kind)
}

func (c *evalCtx) evalCall(n *aql.Call) (any, error) {
	switch strings.ToUpper(n.Name) {
	case "LENGTH":
		v, err := c.argAt(n, 0)
		if err != nil {
			return nil, err
		}
		return lengthOf(v), nil
	case "LOWER":
		s, err := c.stringArg(n, 0)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case "UPPER":
		s, err := c.stringArg(n, 0)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case "CONCAT":
		var sb strings.Builder
		for i := range n.Args {
			s, err := c.stringArg(n, i)
			if err != nil {
				return nil, err
			}
			sb.WriteString(s)
		}
		return sb.String(), nil
	case "ABS":
		f, err := c.floatArg(n, 0)
		if err != nil {
			return nil, err
		}
		if f < 0 {
			return -f, nil
		}
		return f, nil
	case "FULLTEXT":
		return c.engine.evalFulltextCall(c, n)
	case "SIMILARITY":
		return c.engine.evalSimilarityCall(c, n)
	case "PROXIMITY":
		return c.engine.evalProximityCall(c, n)
	default:
		return nil, errs.Newf(errs.Plan, "unknown function %s", n.Name)
	}
}

func (c *evalCtx) argAt(n *aql.Call, i int) (any, error) {
	if i >= len(n.Args) {
		return nil, errs.Newf(errs.Plan, "%s requires at least %d arguments", n.Name, i+1)
	}
	return c.Eval(n.Args[i])
}

func (c *evalCtx) stringArg(n *aql.Call, i int) (string, error) {
	v, err := c.argAt(n, i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.Newf(errs.Plan, "%s argument %d must be a string", n.Name, i)
	}
	return s, nil
}

func (c *evalCtx) floatArg(n *aql.Call, i int) (float64, error) {
	v, err := c.argAt(n, i)
	if err != nil {
		return 0, err
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, errs.Newf(errs.Plan, "%s argument %d must be numeric", n.Name, i)
	}
	return f, nil
}

func lengthOf(v any) float64 {
	switch vv := v.(type) {
	case string:
		return float64(len([]rune(vv)))
	case []any:
		return float64(len(vv))
	case map[string]any:
		return float64(len(vv))
	default:
		return 0
	}
}
