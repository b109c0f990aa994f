package tagquery

import (
	"strings"
	"testing"
)

func TestParseLeafEquality(t *testing.T) {
	q, err := Parse([]byte(`{"attr::person.status":"active"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Kind != KindEq || q.Name != "attr::person.status" || q.Value != "active" {
		t.Fatalf("unexpected AST: %+v", q)
	}
}

func TestParseOperatorMap(t *testing.T) {
	q, err := Parse([]byte(`{"attr::person.birthdate::value":{"$gt":"20000101"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Kind != KindGt || q.Value != "20000101" {
		t.Fatalf("unexpected AST: %+v", q)
	}
}

func TestParseAndOr(t *testing.T) {
	q, err := Parse([]byte(`{"$and":[{"attr::person.status":"active"},{"attr::person.gender":"F"}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Kind != KindAnd || len(q.Children) != 2 {
		t.Fatalf("unexpected AST: %+v", q)
	}
}

func TestParseNot(t *testing.T) {
	q, err := Parse([]byte(`{"$not":{"attr::person.status":"active"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Kind != KindNot || q.Child.Kind != KindEq {
		t.Fatalf("unexpected AST: %+v", q)
	}
}

func TestParseExist(t *testing.T) {
	q, err := Parse([]byte(`{"$exist":["attr::person.status","attr::person.gender"]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Kind != KindExist || len(q.Values) != 2 {
		t.Fatalf("unexpected AST: %+v", q)
	}
}

func TestParseEmptyExistFails(t *testing.T) {
	_, err := Parse([]byte(`{"$exist":[]}`))
	if err == nil {
		t.Fatal("expected error for empty $exist list")
	}
}

func TestParseUnknownOperatorFails(t *testing.T) {
	_, err := Parse([]byte(`{"status":{"$bogus":"x"}}`))
	if err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestParseMalformedJSONFails(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestEmptyAndSelectsAll(t *testing.T) {
	lowered, err := Lower(And())
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if lowered.SQL != "1=1" {
		t.Fatalf("And([]) lowered to %q, want 1=1", lowered.SQL)
	}
}

func TestEmptyOrSelectsNone(t *testing.T) {
	lowered, err := Lower(Or())
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if lowered.SQL != "1=0" {
		t.Fatalf("Or([]) lowered to %q, want 1=0", lowered.SQL)
	}
}

func TestNotNotDoubleNegation(t *testing.T) {
	inner := Eq("status", "active")
	lowered, err := Lower(Not(Not(inner)))
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	plain, err := Lower(inner)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	// Not(Not(q)) is semantically equivalent to q for a three-valued-free
	// EXISTS predicate (no NULLs can appear from an EXISTS subquery), so
	// double negation must bind the same values in the same order.
	if len(lowered.Args) != len(plain.Args) {
		t.Fatalf("arg count differs: %v vs %v", lowered.Args, plain.Args)
	}
	if !strings.Contains(lowered.SQL, "NOT (NOT (") {
		t.Fatalf("expected nested NOT in %q", lowered.SQL)
	}
}

func TestLowerBindsValuesNotInterpolated(t *testing.T) {
	q := Eq("attr::name", "Robert'); DROP TABLE items;--")
	lowered, err := Lower(q)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if strings.Contains(lowered.SQL, "DROP TABLE") {
		t.Fatal("value leaked into SQL text")
	}
	if len(lowered.Args) != 2 || lowered.Args[1] != "Robert'); DROP TABLE items;--" {
		t.Fatalf("expected raw value to be a bind arg, got %v", lowered.Args)
	}
}

func TestLowerExistRequiresAllTags(t *testing.T) {
	q := Exist([]string{"a", "b", "c"})
	lowered, err := Lower(q)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if strings.Count(lowered.SQL, "EXISTS") != 3 {
		t.Fatalf("expected 3 EXISTS clauses, got %q", lowered.SQL)
	}
	if len(lowered.Args) != 3 {
		t.Fatalf("expected 3 bind args, got %v", lowered.Args)
	}
}

func TestLowerInEmptyValuesSelectsNone(t *testing.T) {
	lowered, err := Lower(In("status", nil))
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if lowered.SQL != "1=0" {
		t.Fatalf("In(name, []) lowered to %q, want 1=0", lowered.SQL)
	}
}
