package dsl

import (
	"reflect"
	"strings"

	"github.com/agentdiff/agentdiff/internal/models"
)

// Matches evaluates the predicate tree against a diff row. A nil node
// matches everything.
func (n *Node) Matches(row models.Row) bool {
	if n == nil {
		return true
	}
	switch {
	case n.Not != nil:
		return !n.Not.Matches(row)
	case len(n.And) > 0:
		for _, sub := range n.And {
			if !sub.Matches(row) {
				return false
			}
		}
		return true
	case len(n.Or) > 0:
		for _, sub := range n.Or {
			if sub.Matches(row) {
				return true
			}
		}
		return false
	default:
		for _, cond := range n.Leaf {
			if !EvalOps(cond.Ops, row[cond.Field]) {
				return false
			}
		}
		return true
	}
}

// EvalOps reports whether every operator application holds for the value.
func EvalOps(ops []OpApp, value any) bool {
	for _, app := range ops {
		if !evalOp(app.Op, value, app.Operand) {
			return false
		}
	}
	return true
}

func evalOp(op Op, value, operand any) bool {
	switch op {
	case OpEq:
		return looseEqual(value, operand)
	case OpNeq:
		return !looseEqual(value, operand)
	case OpGt:
		c, ok := compare(value, operand)
		return ok && c > 0
	case OpGte:
		c, ok := compare(value, operand)
		return ok && c >= 0
	case OpLt:
		c, ok := compare(value, operand)
		return ok && c < 0
	case OpLte:
		c, ok := compare(value, operand)
		return ok && c <= 0
	case OpIn:
		return memberOf(operand, value)
	case OpNotIn:
		return !memberOf(operand, value)
	case OpContains:
		return containsValue(value, operand)
	case OpNotContains:
		return !containsValue(value, operand)
	case OpStartsWith:
		s, ok1 := value.(string)
		prefix, ok2 := operand.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	case OpEndsWith:
		s, ok1 := value.(string)
		suffix, ok2 := operand.(string)
		return ok1 && ok2 && strings.HasSuffix(s, suffix)
	case OpHasAny:
		list, items, ok := listPair(value, operand)
		if !ok {
			return false
		}
		for _, item := range items {
			if memberOfList(list, item) {
				return true
			}
		}
		return false
	case OpHasAll:
		list, items, ok := listPair(value, operand)
		if !ok {
			return false
		}
		for _, item := range items {
			if !memberOfList(list, item) {
				return false
			}
		}
		return true
	case OpIsNull:
		want, _ := operand.(bool)
		return (value == nil) == want
	case OpNotNull:
		want, _ := operand.(bool)
		return (value != nil) == want
	default:
		return false
	}
}

// looseEqual compares across the numeric representations JSON decoding and
// database drivers produce: an int64 from pgx equals a float64 from the
// spec document when they denote the same number.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// compare orders two values when both are numbers or both are strings.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if ok1 && ok2 {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// memberOf reports whether value appears in the operand list.
func memberOf(operand, value any) bool {
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	return memberOfList(list, value)
}

func memberOfList(list []any, value any) bool {
	for _, item := range list {
		if looseEqual(item, value) {
			return true
		}
	}
	return false
}

// containsValue is substring match for strings and membership for list
// values.
func containsValue(value, operand any) bool {
	switch v := value.(type) {
	case string:
		s, ok := operand.(string)
		return ok && strings.Contains(v, s)
	case []any:
		return memberOfList(v, operand)
	default:
		return false
	}
}

// listPair coerces the has_any/has_all inputs: the field value must be a
// list, the operand always is after compilation.
func listPair(value, operand any) ([]any, []any, bool) {
	list, ok := value.([]any)
	if !ok {
		return nil, nil, false
	}
	items, ok := operand.([]any)
	if !ok {
		return nil, nil, false
	}
	return list, items, true
}
