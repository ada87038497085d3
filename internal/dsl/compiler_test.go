package dsl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestCompileShorthandExpansion(t *testing.T) {
	spec, err := Compile([]byte(`{
		"assertions": [{
			"diff_type": "added",
			"entity": "messages",
			"where": {"channel": "C1", "text": {"contains": "hello"}},
			"expected_count": 1
		}]
	}`))
	require.NoError(t, err)

	require.Len(t, spec.Assertions, 1)
	a := spec.Assertions[0]
	assert.Equal(t, DiffAdded, a.DiffType)
	assert.Equal(t, "messages", a.Entity)
	assert.True(t, spec.Strict, "strict defaults to true")

	require.NotNil(t, a.ExpectedCount)
	require.NotNil(t, a.ExpectedCount.Min)
	require.NotNil(t, a.ExpectedCount.Max)
	assert.Equal(t, 1, *a.ExpectedCount.Min)
	assert.Equal(t, 1, *a.ExpectedCount.Max)

	// leaf fields sorted, scalar expanded to eq
	require.Len(t, a.Where.Leaf, 2)
	assert.Equal(t, "channel", a.Where.Leaf[0].Field)
	assert.Equal(t, []OpApp{{Op: OpEq, Operand: "C1"}}, a.Where.Leaf[0].Ops)
	assert.Equal(t, []OpApp{{Op: OpContains, Operand: "hello"}}, a.Where.Leaf[1].Ops)
}

func TestCompileExpectedChanges(t *testing.T) {
	spec, err := Compile([]byte(`{
		"strict": true,
		"masks": ["updated_at"],
		"assertions": [{
			"diff_type": "changed",
			"entity": "issues",
			"where": {"id": 42},
			"expected_changes": {
				"status": {"from": "Todo", "to": "Done"},
				"priority": 2
			}
		}]
	}`))
	require.NoError(t, err)

	a := spec.Assertions[0]
	assert.Equal(t, []string{"updated_at"}, spec.Masks)
	assert.Equal(t, []string{"priority", "status"}, a.ChangeFields)

	status := a.ExpectedChanges["status"]
	assert.Equal(t, []OpApp{{Op: OpEq, Operand: "Todo"}}, status.From)
	assert.Equal(t, []OpApp{{Op: OpEq, Operand: "Done"}}, status.To)

	// scalar shorthand only constrains the resulting value
	priority := a.ExpectedChanges["priority"]
	assert.Nil(t, priority.From)
	assert.Equal(t, []OpApp{{Op: OpEq, Operand: float64(2)}}, priority.To)
}

func TestCompileCombinators(t *testing.T) {
	spec, err := Compile([]byte(`{
		"assertions": [{
			"diff_type": "added",
			"entity": "messages",
			"where": {"or": [
				{"channel": "C1"},
				{"not": {"user": {"in": ["U9", "U10"]}}}
			]}
		}]
	}`))
	require.NoError(t, err)

	w := spec.Assertions[0].Where
	require.Len(t, w.Or, 2)
	assert.NotNil(t, w.Or[1].Not)
	assert.Equal(t, OpIn, w.Or[1].Not.Leaf[0].Ops[0].Op)
}

func TestCompileErrorsCarryPaths(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		path string
	}{
		{"unknown top-level key", `{"asserts": []}`, "asserts"},
		{"missing assertions", `{"strict": true}`, "assertions"},
		{"missing diff_type", `{"assertions": [{"entity": "x"}]}`, "assertions[0].diff_type"},
		{"bad diff_type", `{"assertions": [{"diff_type": "mutated", "entity": "x"}]}`, "assertions[0].diff_type"},
		{"missing entity", `{"assertions": [{"diff_type": "added"}]}`, "assertions[0].entity"},
		{"unknown operator", `{"assertions": [{"diff_type": "added", "entity": "x", "where": {"f": {"matches": "y"}}}]}`, "assertions[0].where.f.matches"},
		{"unknown assertion key", `{"assertions": [{"diff_type": "added", "entity": "x", "extra": 1}]}`, "assertions[0].extra"},
		{"bad count", `{"assertions": [{"diff_type": "added", "entity": "x", "expected_count": -1}]}`, "assertions[0].expected_count"},
		{"fractional count", `{"assertions": [{"diff_type": "added", "entity": "x", "expected_count": 1.5}]}`, "assertions[0].expected_count"},
		{"bad count key", `{"assertions": [{"diff_type": "added", "entity": "x", "expected_count": {"exact": 1}}]}`, "assertions[0].expected_count.exact"},
		{"in without array", `{"assertions": [{"diff_type": "added", "entity": "x", "where": {"f": {"in": "y"}}}]}`, "assertions[0].where.f.in"},
		{"changes on added", `{"assertions": [{"diff_type": "added", "entity": "x", "expected_changes": {"f": 1}}]}`, "assertions[0].expected_changes"},
		{"empty where", `{"assertions": [{"diff_type": "added", "entity": "x", "where": {}}]}`, "assertions[0].where"},
		{"mixed combinator", `{"assertions": [{"diff_type": "added", "entity": "x", "where": {"and": [{"f": 1}], "g": 2}}]}`, "assertions[0].where"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]byte(tt.raw))
			require.Error(t, err)
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.path, cerr.Path)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	doc := mustDoc(t, `{
		"masks": ["updated_at"],
		"assertions": [
			{"diff_type": "added", "entity": "messages", "where": {"channel": "C1"}, "expected_count": 2},
			{"diff_type": "changed", "entity": "issues", "expected_changes": {"status": "Done"}},
			{"diff_type": "unchanged", "entity": "users"}
		]
	}`)

	once, err := Normalize(doc)
	require.NoError(t, err)
	twice, err := Normalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestCountRange(t *testing.T) {
	two, five := 2, 5
	r := &CountRange{Min: &two, Max: &five}
	assert.False(t, r.Contains(1))
	assert.True(t, r.Contains(2))
	assert.True(t, r.Contains(5))
	assert.False(t, r.Contains(6))

	open := &CountRange{Min: &two}
	assert.True(t, open.Contains(100))
	assert.Equal(t, "at least 2", open.String())
	assert.Equal(t, "between 2 and 5", r.String())
	assert.Equal(t, "2", (&CountRange{Min: &two, Max: &two}).String())
}
