package tagquery

import (
	"encoding/json"
)

// Parse decodes the external JSON mapping form into a Query AST.
//
// A leaf key that is a tag name denotes equality to its scalar value; a key
// that is an operator keyword ($and, $or, $not, $exist) denotes the
// corresponding combinator; a value that is itself a mapping {"$op": v}
// denotes the scalar comparator $op on that tag. $exist takes a list of tag
// names. An empty top-level mapping selects all rows (And of no children).
func Parse(raw []byte) (*Query, error) {
	if len(raw) == 0 {
		return And(), nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errf("malformed JSON: %v", err)
	}
	return parseMapping(m)
}

func parseMapping(m map[string]json.RawMessage) (*Query, error) {
	if len(m) == 0 {
		return And(), nil
	}

	children := make([]*Query, 0, len(m))
	for key, val := range m {
		q, err := parseKey(key, val)
		if err != nil {
			return nil, err
		}
		children = append(children, q)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return And(children...), nil
}

func parseKey(key string, val json.RawMessage) (*Query, error) {
	switch key {
	case "$and":
		return parseCombinatorList(val, KindAnd)
	case "$or":
		return parseCombinatorList(val, KindOr)
	case "$not":
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(val, &inner); err != nil {
			return nil, errf("$not: expected a mapping: %v", err)
		}
		child, err := parseMapping(inner)
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	case "$exist":
		var names []string
		if err := json.Unmarshal(val, &names); err != nil {
			return nil, errf("$exist: expected a list of tag names: %v", err)
		}
		if len(names) == 0 {
			return nil, errf("$exist: empty tag name list")
		}
		return Exist(names), nil
	default:
		return parseLeaf(key, val)
	}
}

func parseCombinatorList(val json.RawMessage, kind Kind) (*Query, error) {
	var list []map[string]json.RawMessage
	if err := json.Unmarshal(val, &list); err != nil {
		return nil, errf("%s: expected a list of mappings: %v", combinatorName(kind), err)
	}
	children := make([]*Query, 0, len(list))
	for _, m := range list {
		q, err := parseMapping(m)
		if err != nil {
			return nil, err
		}
		children = append(children, q)
	}
	return &Query{Kind: kind, Children: children}, nil
}

func combinatorName(kind Kind) string {
	switch kind {
	case KindAnd:
		return "$and"
	case KindOr:
		return "$or"
	default:
		return "combinator"
	}
}

// parseLeaf handles a tag-name key: either a scalar (equality) or a mapping
// of exactly one operator keyword to a scalar or list value.
func parseLeaf(name string, val json.RawMessage) (*Query, error) {
	var asOpMap map[string]json.RawMessage
	if err := json.Unmarshal(val, &asOpMap); err == nil && looksLikeOpMap(asOpMap) {
		if len(asOpMap) != 1 {
			return nil, errf("tag %q: expected exactly one operator", name)
		}
		for op, opVal := range asOpMap {
			return parseOp(name, Op(op), opVal)
		}
	}

	var scalar string
	if err := json.Unmarshal(val, &scalar); err != nil {
		return nil, errf("tag %q: expected a scalar value: %v", name, err)
	}
	return Eq(name, scalar), nil
}

// looksLikeOpMap distinguishes {"$gt": "5"} from a plain JSON object value,
// which this domain's tags never carry (tag values are always scalar).
func looksLikeOpMap(m map[string]json.RawMessage) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}
	return true
}

func parseOp(name string, op Op, raw json.RawMessage) (*Query, error) {
	switch op {
	case OpEq:
		return leafScalar(name, KindEq, raw)
	case OpNeq:
		return leafScalar(name, KindNeq, raw)
	case OpGt:
		return leafScalar(name, KindGt, raw)
	case OpGte:
		return leafScalar(name, KindGte, raw)
	case OpLt:
		return leafScalar(name, KindLt, raw)
	case OpLte:
		return leafScalar(name, KindLte, raw)
	case OpLike:
		return leafScalar(name, KindLike, raw)
	case OpIn:
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, errf("tag %q: $in expects a list of scalars: %v", name, err)
		}
		return In(name, values), nil
	default:
		return nil, errf("tag %q: unknown operator %q", name, op)
	}
}

func leafScalar(name string, kind Kind, raw json.RawMessage) (*Query, error) {
	var scalar string
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return nil, errf("tag %q: expected a scalar value, got non-scalar: %v", name, err)
	}
	return &Query{Kind: kind, Name: name, Value: scalar}, nil
}
