package tagquery

import "strings"

// Lowered is a compiled tag filter: a SQL boolean expression referencing the
// enclosing items row as "items", plus the bind values in emission order.
type Lowered struct {
	SQL  string
	Args []any
}

// Lower compiles q into a SQL boolean expression suitable for use in a WHERE
// clause alongside "items.*" columns, and the parameter values to bind
// alongside it (never interpolated into SQL text). A nil q lowers to "1=1".
func Lower(q *Query) (Lowered, error) {
	if q == nil {
		return Lowered{SQL: "1=1"}, nil
	}
	var b strings.Builder
	var args []any
	if err := lower(q, &b, &args); err != nil {
		return Lowered{}, err
	}
	return Lowered{SQL: b.String(), Args: args}, nil
}

func lower(q *Query, b *strings.Builder, args *[]any) error {
	switch q.Kind {
	case KindEq, KindNeq, KindGt, KindGte, KindLt, KindLte, KindLike:
		return lowerComparator(q, b, args)
	case KindIn:
		return lowerIn(q, b, args)
	case KindExist:
		return lowerExist(q, b, args)
	case KindAnd:
		return lowerCombinator(q.Children, "AND", "1=1", b, args)
	case KindOr:
		return lowerCombinator(q.Children, "OR", "1=0", b, args)
	case KindNot:
		b.WriteString("NOT (")
		if err := lower(q.Child, b, args); err != nil {
			return err
		}
		b.WriteString(")")
		return nil
	default:
		return errf("unknown query node kind %d", q.Kind)
	}
}

func sqlOp(kind Kind) string {
	switch kind {
	case KindEq:
		return "="
	case KindNeq:
		return "!="
	case KindGt:
		return ">"
	case KindGte:
		return ">="
	case KindLt:
		return "<"
	case KindLte:
		return "<="
	case KindLike:
		return "LIKE"
	default:
		return "="
	}
}

func lowerComparator(q *Query, b *strings.Builder, args *[]any) error {
	b.WriteString("EXISTS (SELECT 1 FROM items_tags t WHERE t.item_id = items.id AND t.name = ? AND t.value ")
	b.WriteString(sqlOp(q.Kind))
	b.WriteString(" ?)")
	*args = append(*args, q.Name, q.Value)
	return nil
}

func lowerIn(q *Query, b *strings.Builder, args *[]any) error {
	if len(q.Values) == 0 {
		b.WriteString("1=0")
		return nil
	}
	b.WriteString("EXISTS (SELECT 1 FROM items_tags t WHERE t.item_id = items.id AND t.name = ? AND t.value IN (")
	*args = append(*args, q.Name)
	for i, v := range q.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		*args = append(*args, v)
	}
	b.WriteString("))")
	return nil
}

func lowerExist(q *Query, b *strings.Builder, args *[]any) error {
	if len(q.Values) == 0 {
		return errf("$exist: empty tag name list")
	}
	b.WriteString("(")
	for i, name := range q.Values {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("EXISTS (SELECT 1 FROM items_tags t WHERE t.item_id = items.id AND t.name = ?)")
		*args = append(*args, name)
	}
	b.WriteString(")")
	return nil
}

func lowerCombinator(children []*Query, joiner string, empty string, b *strings.Builder, args *[]any) error {
	if len(children) == 0 {
		b.WriteString(empty)
		return nil
	}
	b.WriteString("(")
	for i, c := range children {
		if i > 0 {
			b.WriteString(" ")
			b.WriteString(joiner)
			b.WriteString(" ")
		}
		if err := lower(c, b, args); err != nil {
			return err
		}
	}
	b.WriteString(")")
	return nil
}
