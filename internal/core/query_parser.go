package core

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
)

/*
This is a parser for a simple query language over runs with the following grammar:

Query       := Expr
Expr        := OrExpr ( "OR" OrExpr )*
OrExpr      := AndExpr ( "AND" AndExpr )*
AndExpr     := Condition | "NOT" Condition
Condition   := Filter | "(" Expr ")"
Filter      := Label Op Value
Label       := <identifier> ( "." <identifier> )*
Op          := "CONTAINS" | "<" | ">" | "="
Value       := <string> | <number>

Labels address run fields: status, fold, params.<name>, metrics.<name>.

*/

var (
	parser = participle.MustBuild[QueryExpr](
		participle.Unquote("String"),
		participle.Union[Value](StringValue{}, NumberValue{}),
	)
)

func ParseQuery(query string) (Filter, error) {
	q, err := parser.ParseString("", query)
	if err != nil {
		return nil, fmt.Errorf("error parsing query '%s': %w", query, err)
	}

	filter, err := q.ToFilter()
	if err != nil {
		return nil, fmt.Errorf("error converting query '%s' to filter: %w", query, err)
	}

	return filter, nil
}

type QueryExpr struct {
	Expr *Expr `@@`
}

func (q *QueryExpr) ToFilter() (Filter, error) {
	return q.Expr.ToFilter()
}

func (q *QueryExpr) String() string {
	return q.Expr.String()
}

type Expr struct {
	Ors []*OrExpr `@@ ( "OR" @@ )*`
}

func (q *Expr) ToFilter() (Filter, error) {
	if len(q.Ors) == 0 {
		return nil, fmt.Errorf("empty OR expression")
	}

	if len(q.Ors) == 1 {
		return q.Ors[0].ToFilter()
	}

	var filters []Filter
	for _, cond := range q.Ors {
		f, err := cond.ToFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return &OrFilter{filters: filters}, nil
}

func (e *Expr) String() string {
	if len(e.Ors) == 0 {
		return ""
	}

	if len(e.Ors) == 1 {
		return e.Ors[0].String()
	}

	out := fmt.Sprintf("(%s)", e.Ors[0].String())
	for _, cond := range e.Ors[1:] {
		out += fmt.Sprintf(" OR (%s)", cond.String())
	}

	return out
}

type OrExpr struct {
	Ands []*Condition `@@ ( "AND" @@ )*`
}

func (o *OrExpr) ToFilter() (Filter, error) {
	if len(o.Ands) == 0 {
		return nil, fmt.Errorf("empty AND expression")
	}

	if len(o.Ands) == 1 {
		return o.Ands[0].ToFilter()
	}

	var filters []Filter
	for _, cond := range o.Ands {
		f, err := cond.ToFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return &AndFilter{filters: filters}, nil
}

func (e *OrExpr) String() string {
	if len(e.Ands) == 0 {
		return ""
	}

	if len(e.Ands) == 1 {
		return e.Ands[0].String()
	}

	out := fmt.Sprintf("(%s)", e.Ands[0].String())
	for _, cond := range e.Ands[1:] {
		out += fmt.Sprintf(" AND (%s)", cond.String())
	}

	return out
}

type Condition struct {
	Not     bool        `@"NOT"?`
	Filter  *FilterExpr ` @@`
	SubExpr *Expr       `| "(" @@ ")" `
}

func (c *Condition) ToFilter() (Filter, error) {
	var filter Filter = nil
	var err error
	if c.Filter != nil {
		filter, err = c.Filter.ToFilter()
	} else if c.SubExpr != nil {
		filter, err = c.SubExpr.ToFilter()
	}

	if err != nil {
		return nil, err
	}

	if c.Not {
		filter = &NotFilter{filter: filter}
	}

	return filter, nil
}

func (c *Condition) String() string {
	var out string
	if c.SubExpr != nil {
		out = c.SubExpr.String()
	} else {
		out = c.Filter.String()
	}
	if c.Not {
		return fmt.Sprintf("NOT (%s)", out)
	}
	return out
}

type FilterExpr struct {
	Label Label  ` @@`
	Op    string `@("CONTAINS" | "<" | ">" | "=" )`
	Value Value  `@@`
}

func (f *FilterExpr) ToFilter() (Filter, error) {
	if err := f.Label.validate(); err != nil {
		return nil, err
	}

	switch v := f.Value.(type) {
	case StringValue:
		switch f.Op {
		case "CONTAINS":
			return &SubstringFilter{label: f.Label.Parts, substr: v.Value}, nil
		case "<":
			return &StringLtFilter{label: f.Label.Parts, value: v.Value}, nil
		case ">":
			return &StringGtFilter{label: f.Label.Parts, value: v.Value}, nil
		case "=":
			return &StringEqFilter{label: f.Label.Parts, value: v.Value}, nil
		default:
			return nil, fmt.Errorf("invalid operator %s used with string value", f.Op)
		}
	case NumberValue:
		switch f.Op {
		case "<":
			return &NumberLtFilter{label: f.Label.Parts, value: v.Value}, nil
		case ">":
			return &NumberGtFilter{label: f.Label.Parts, value: v.Value}, nil
		case "=":
			return &NumberEqFilter{label: f.Label.Parts, value: v.Value}, nil
		default:
			return nil, fmt.Errorf("invalid operator %s used with numeric value", f.Op)
		}
	default:
		return nil, fmt.Errorf("unsupported value type %T", f.Value)
	}
}

func (f *FilterExpr) String() string {
	return fmt.Sprintf("%v %s %v", f.Label.String(), f.Op, f.Value)
}

type Label struct {
	Parts []string `@Ident ( "." @Ident )*`
}

func (l *Label) validate() error {
	switch l.Parts[0] {
	case "status", "fold":
		if len(l.Parts) != 1 {
			return fmt.Errorf("field %s takes no subfield", l.Parts[0])
		}
	case "params", "metrics":
		if len(l.Parts) != 2 {
			return fmt.Errorf("field %s requires a subfield, e.g. %s.name", l.Parts[0], l.Parts[0])
		}
	default:
		return fmt.Errorf("unknown field %s, expected status, fold, params.<name>, or metrics.<name>", l.Parts[0])
	}
	return nil
}

func (l *Label) String() string {
	return strings.Join(l.Parts, ".")
}

type Value interface{ value() }

type StringValue struct {
	Value string `@String`
}

func (s StringValue) value() {}

type NumberValue struct {
	Value float64 `@("-"? (Float | Int))`
}

func (n NumberValue) value() {}
