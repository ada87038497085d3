// Package dsl compiles JSON assertion specifications into a typed,
// operator-normalized form and evaluates predicate trees over diff rows.
// Compilation rejects every structural problem up front so evaluation can
// never fail on a malformed spec.
package dsl

import (
	"fmt"
)

// Op is a predicate operator tag.
type Op string

// The full operator set. Unknown operators are a compile error.
const (
	OpEq          Op = "eq"
	OpNeq         Op = "neq"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpStartsWith  Op = "starts_with"
	OpEndsWith    Op = "ends_with"
	OpHasAny      Op = "has_any"
	OpHasAll      Op = "has_all"
	OpIsNull      Op = "is_null"
	OpNotNull     Op = "not_null"
)

// Diff type tags selecting the row bucket an assertion applies to.
const (
	DiffAdded     = "added"
	DiffRemoved   = "removed"
	DiffChanged   = "changed"
	DiffUnchanged = "unchanged"
)

// OpApp is one operator application against a field value.
type OpApp struct {
	Op      Op
	Operand any
}

// FieldCondition is a leaf of the predicate tree: every operator listed must
// hold for the named field.
type FieldCondition struct {
	Field string
	Ops   []OpApp
}

// Node is a predicate tree node. Exactly one of the combinator slots or the
// leaf conditions is populated.
type Node struct {
	And  []*Node
	Or   []*Node
	Not  *Node
	Leaf []FieldCondition
}

// CountRange bounds the number of rows an assertion must match. A nil bound
// is unconstrained.
type CountRange struct {
	Min *int
	Max *int
}

// Contains reports whether n satisfies the range.
func (r *CountRange) Contains(n int) bool {
	if r.Min != nil && n < *r.Min {
		return false
	}
	if r.Max != nil && n > *r.Max {
		return false
	}
	return true
}

func (r *CountRange) String() string {
	switch {
	case r.Min != nil && r.Max != nil && *r.Min == *r.Max:
		return fmt.Sprintf("%d", *r.Min)
	case r.Min != nil && r.Max != nil:
		return fmt.Sprintf("between %d and %d", *r.Min, *r.Max)
	case r.Min != nil:
		return fmt.Sprintf("at least %d", *r.Min)
	case r.Max != nil:
		return fmt.Sprintf("at most %d", *r.Max)
	default:
		return "any"
	}
}

// ChangeExpectation constrains one field of an update: the from predicates
// see the before value, the to predicates see the after value.
type ChangeExpectation struct {
	From []OpApp
	To   []OpApp
}

// Assertion is one compiled assertion.
type Assertion struct {
	DiffType        string
	Entity          string
	Where           *Node
	ExpectedCount   *CountRange
	ExpectedChanges map[string]ChangeExpectation
	ChangeFields    []string // keys of ExpectedChanges in spec order
	LocalIgnore     []string
}

// Spec is a compiled assertion specification.
type Spec struct {
	Version    string
	Strict     bool
	Masks      []string
	Assertions []Assertion
}

// Error is a compilation error with a path pointer to the offending node.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return fmt.Sprintf("at %s: %s", e.Path, e.Reason)
}

func errAt(path, format string, args ...any) *Error {
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}
