// Package tagquery implements the boolean tag filter used by every category
// handler: a closed AST, a parser from the external JSON mapping form, and a
// lowering step that compiles the AST into a parameterized SQL fragment
// against the items_tags table. Values are never interpolated into SQL text.
package tagquery

import "fmt"

// Op identifies a scalar comparison operator.
type Op string

const (
	OpEq   Op = "$eq"
	OpNeq  Op = "$neq"
	OpGt   Op = "$gt"
	OpGte  Op = "$gte"
	OpLt   Op = "$lt"
	OpLte  Op = "$lte"
	OpLike Op = "$like"
	OpIn   Op = "$in"
)

// Query is the closed AST for a tag filter. Exactly one of the fields is
// populated per node; Kind says which.
type Query struct {
	Kind Kind

	// Leaf comparator fields.
	Name   string
	Op     Op
	Value  string
	Values []string // In, Exist (as names)

	// Combinator fields.
	Children []*Query
	Child    *Query
}

// Kind discriminates the closed set of Query variants.
type Kind int

const (
	KindEq Kind = iota
	KindNeq
	KindGt
	KindGte
	KindLt
	KindLte
	KindLike
	KindIn
	KindExist
	KindAnd
	KindOr
	KindNot
)

// Error reports a malformed tag query: unknown operator, non-scalar value
// where a scalar is required, an empty $exist list, or malformed JSON.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "tag query: " + e.Reason }

func errf(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Eq builds an equality leaf.
func Eq(name, value string) *Query { return &Query{Kind: KindEq, Name: name, Value: value} }

// Neq builds an inequality leaf.
func Neq(name, value string) *Query { return &Query{Kind: KindNeq, Name: name, Value: value} }

// Gt builds a greater-than leaf.
func Gt(name, value string) *Query { return &Query{Kind: KindGt, Name: name, Value: value} }

// Gte builds a greater-or-equal leaf.
func Gte(name, value string) *Query { return &Query{Kind: KindGte, Name: name, Value: value} }

// Lt builds a less-than leaf.
func Lt(name, value string) *Query { return &Query{Kind: KindLt, Name: name, Value: value} }

// Lte builds a less-or-equal leaf.
func Lte(name, value string) *Query { return &Query{Kind: KindLte, Name: name, Value: value} }

// Like builds a pattern-match leaf.
func Like(name, pattern string) *Query { return &Query{Kind: KindLike, Name: name, Value: pattern} }

// In builds a set-membership leaf.
func In(name string, values []string) *Query { return &Query{Kind: KindIn, Name: name, Values: values} }

// Exist builds a leaf requiring every named tag to be present.
func Exist(names []string) *Query { return &Query{Kind: KindExist, Values: names} }

// And builds a conjunction. And(nil) selects all rows.
func And(children ...*Query) *Query { return &Query{Kind: KindAnd, Children: children} }

// Or builds a disjunction. Or(nil) selects no rows.
func Or(children ...*Query) *Query { return &Query{Kind: KindOr, Children: children} }

// Not negates child.
func Not(child *Query) *Query { return &Query{Kind: KindNot, Child: child} }
