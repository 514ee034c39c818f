package query

import "time"

// Leaf3 is the wire triple [field, operator, value] (Domain format).
type Leaf3 [3]any

// Compile flattens an Expr into the polish-notation leaf-sequence the
// server expects: binary connectives emitted as prefix '&'/'|' tokens,
// '!' as unary negation, leaves as triples. A pure conjunction of n
// operands is emitted with exactly n-1 '&' tokens, grouped greedily
// left.
func Compile(e Expr) []any {
	switch e.Kind {
	case ExprLeaf:
		return []any{Leaf3{e.Field, wireOperator[e.Operator], coerceValue(e.Operator, e.Value)}}
	case ExprNot:
		out := []any{"!"}
		return append(out, Compile(e.Children[0])...)
	case ExprAnd:
		return compileNary("&", e.Children)
	case ExprOr:
		return compileNary("|", e.Children)
	default:
		return nil
	}
}

// compileNary emits exactly len(children)-1 operator tokens ahead of the
// children's own compiled forms, grouping greedily left: for operands
// [a,b,c] the prefix form is "op op a b c".
func compileNary(token string, children []Expr) []any {
	if len(children) == 0 {
		return nil
	}
	if len(children) == 1 {
		return Compile(children[0])
	}
	out := make([]any, 0, len(children)) // n-1 tokens + n child sequences
	for i := 0; i < len(children)-1; i++ {
		out = append(out, token)
	}
	for _, c := range children {
		out = append(out, Compile(c)...)
	}
	return out
}

// coerceValue applies the wire coercions: dates/timestamps to ISO
// strings, absent many2one handled upstream by the caller, set-valued
// in/not_in left as a slice, booleans preserved, and the pattern-operator
// wildcard padding from wildcardValue.
func coerceValue(op Op, value any) any {
	switch v := value.(type) {
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 {
			return v.Format("2006-01-02")
		}
		return v.Format("2006-01-02 15:04:05")
	default:
		return wildcardValue(op, value)
	}
}

// Combine And-joins explicit positional expressions with kwarg leaves:
// positional expressions evaluate left-to-right, kwargs appended after.
func Combine(positional []Expr, kwargLeaves []Expr) Expr {
	all := append(append([]Expr{}, positional...), kwargLeaves...)
	if len(all) == 0 {
		return Expr{Kind: ExprAnd}
	}
	if len(all) == 1 {
		return all[0]
	}
	return And(all...)
}
