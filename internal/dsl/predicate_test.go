package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdiff/agentdiff/internal/models"
)

func TestEvalOpScalars(t *testing.T) {
	tests := []struct {
		name    string
		op      Op
		value   any
		operand any
		want    bool
	}{
		{"eq string", OpEq, "hello", "hello", true},
		{"eq cross-numeric", OpEq, int64(42), float64(42), true},
		{"eq numeric mismatch", OpEq, int64(42), float64(43), false},
		{"eq nil nil", OpEq, nil, nil, true},
		{"eq nil value", OpEq, nil, "x", false},
		{"eq bool", OpEq, true, true, true},
		{"neq", OpNeq, "a", "b", true},
		{"gt number", OpGt, int64(5), float64(3), true},
		{"gt equal", OpGt, float64(3), float64(3), false},
		{"gte equal", OpGte, float64(3), float64(3), true},
		{"lt string", OpLt, "apple", "banana", true},
		{"lte incomparable", OpLte, "apple", float64(1), false},
		{"gt nil", OpGt, nil, float64(1), false},
		{"in", OpIn, "b", []any{"a", "b"}, true},
		{"in cross-numeric", OpIn, int64(2), []any{float64(1), float64(2)}, true},
		{"not_in", OpNotIn, "c", []any{"a", "b"}, true},
		{"contains substring", OpContains, "hello world", "lo wo", true},
		{"contains miss", OpContains, "hello", "bye", false},
		{"contains case-sensitive", OpContains, "Hello", "hello", false},
		{"contains list membership", OpContains, []any{"a", "b"}, "b", true},
		{"not_contains", OpNotContains, "hello", "bye", true},
		{"starts_with", OpStartsWith, "environment", "env", true},
		{"ends_with", OpEndsWith, "run_42", "42", true},
		{"starts_with non-string", OpStartsWith, int64(1), "1", false},
		{"has_any", OpHasAny, []any{"a", "b"}, []any{"b", "z"}, true},
		{"has_any miss", OpHasAny, []any{"a"}, []any{"z"}, false},
		{"has_any non-list value", OpHasAny, "a", []any{"a"}, false},
		{"has_all", OpHasAll, []any{"a", "b", "c"}, []any{"a", "c"}, true},
		{"has_all partial", OpHasAll, []any{"a"}, []any{"a", "b"}, false},
		{"is_null true", OpIsNull, nil, true, true},
		{"is_null false wanted", OpIsNull, "x", false, true},
		{"not_null", OpNotNull, "x", true, true},
		{"not_null on nil", OpNotNull, nil, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalOp(tt.op, tt.value, tt.operand))
		})
	}
}

func TestNodeMatches(t *testing.T) {
	row := models.Row{
		models.EntityKey: "messages",
		"channel":        "C1",
		"text":           "hello world",
		"user":           "U1",
		"reactions":      int64(3),
	}

	mustCompileWhere := func(raw string) *Node {
		spec, err := Compile([]byte(`{"assertions": [{"diff_type": "added", "entity": "messages", "where": ` + raw + `}]}`))
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		return spec.Assertions[0].Where
	}

	tests := []struct {
		name  string
		where string
		want  bool
	}{
		{"leaf and-semantics", `{"channel": "C1", "text": {"contains": "hello"}}`, true},
		{"leaf one fails", `{"channel": "C1", "text": {"contains": "bye"}}`, false},
		{"or", `{"or": [{"channel": "C9"}, {"user": "U1"}]}`, true},
		{"and", `{"and": [{"channel": "C1"}, {"reactions": {"gte": 3}}]}`, true},
		{"not", `{"not": {"channel": "C9"}}`, true},
		{"nested", `{"and": [{"or": [{"channel": "C1"}, {"channel": "C2"}]}, {"not": {"user": "U9"}}]}`, true},
		{"missing field is null", `{"ghost": {"is_null": true}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustCompileWhere(tt.where).Matches(row))
		})
	}

	t.Run("nil node matches all", func(t *testing.T) {
		var n *Node
		assert.True(t, n.Matches(row))
	})
}
