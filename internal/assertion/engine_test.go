package assertion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdiff/agentdiff/internal/dsl"
	"github.com/agentdiff/agentdiff/internal/models"
)

func compileSpec(t *testing.T, raw string) *dsl.Spec {
	t.Helper()
	spec, err := dsl.Compile([]byte(raw))
	require.NoError(t, err)
	return spec
}

func insertRow(entity string, fields map[string]any) models.Row {
	row := models.Row{models.EntityKey: entity}
	for k, v := range fields {
		row[k] = v
	}
	return row
}

func TestEvaluateAddedRow(t *testing.T) {
	diff := &models.Diff{
		Inserts: []models.Row{
			insertRow("messages", map[string]any{"id": "m1", "channel": "C1", "text": "hello world", "user": "U1"}),
		},
	}
	spec := compileSpec(t, `{"assertions": [{
		"diff_type": "added", "entity": "messages",
		"where": {"channel": "C1", "text": {"contains": "hello"}},
		"expected_count": 1
	}]}`)

	result := Evaluate(spec, diff)
	assert.True(t, result.Passed)
	assert.Empty(t, result.Failures)
	assert.Equal(t, models.Score{Passed: 1, Total: 1, Percent: 100}, result.Score)
}

func TestEvaluateChangedWithMask(t *testing.T) {
	diff := &models.Diff{
		Updates: []models.RowUpdate{{
			Entity:        "issues",
			PrimaryKey:    map[string]any{"id": int64(42)},
			Before:        models.Row{"id": int64(42), "status": "Todo", "updated_at": "T0"},
			After:         models.Row{"id": int64(42), "status": "Done", "updated_at": "T1"},
			ChangedFields: []string{"status", "updated_at"},
		}},
	}

	t.Run("masked passes strict", func(t *testing.T) {
		spec := compileSpec(t, `{"masks": ["updated_at"], "strict": true, "assertions": [{
			"diff_type": "changed", "entity": "issues",
			"where": {"id": 42},
			"expected_changes": {"status": {"from": "Todo", "to": "Done"}}
		}]}`)

		result := Evaluate(spec, diff)
		assert.True(t, result.Passed, "failures: %v", result.Failures)
	})

	t.Run("unmasked fails strict citing the extra field", func(t *testing.T) {
		spec := compileSpec(t, `{"strict": true, "assertions": [{
			"diff_type": "changed", "entity": "issues",
			"where": {"id": 42},
			"expected_changes": {"status": {"from": "Todo", "to": "Done"}}
		}]}`)

		result := Evaluate(spec, diff)
		require.False(t, result.Passed)
		require.Len(t, result.Failures, 1)
		assert.Equal(t, 0, result.Failures[0].AssertionIndex)
		assert.Contains(t, result.Failures[0].Reason, "updated_at")
		assert.Equal(t, models.Score{Passed: 0, Total: 1, Percent: 0}, result.Score)
	})

	t.Run("non-strict tolerates the extra field", func(t *testing.T) {
		spec := compileSpec(t, `{"strict": false, "assertions": [{
			"diff_type": "changed", "entity": "issues",
			"where": {"id": 42},
			"expected_changes": {"status": {"from": "Todo", "to": "Done"}}
		}]}`)

		assert.True(t, Evaluate(spec, diff).Passed)
	})

	t.Run("wrong from value fails", func(t *testing.T) {
		spec := compileSpec(t, `{"masks": ["updated_at"], "assertions": [{
			"diff_type": "changed", "entity": "issues",
			"where": {"id": 42},
			"expected_changes": {"status": {"from": "InProgress", "to": "Done"}}
		}]}`)

		result := Evaluate(spec, diff)
		require.False(t, result.Passed)
		assert.Equal(t, "Todo", result.Failures[0].Observed)
	})
}

func TestEvaluateChangedRequiresFieldToChange(t *testing.T) {
	// status already held the expected value and is absent from
	// changed_fields; the row matches the assertion through the title edit
	diff := &models.Diff{
		Updates: []models.RowUpdate{{
			Entity:        "issues",
			PrimaryKey:    map[string]any{"id": int64(7)},
			Before:        models.Row{"id": int64(7), "status": "Done", "title": "draft"},
			After:         models.Row{"id": int64(7), "status": "Done", "title": "final"},
			ChangedFields: []string{"title"},
		}},
	}
	spec := compileSpec(t, `{"strict": false, "assertions": [{
		"diff_type": "changed", "entity": "issues",
		"where": {"id": 7},
		"expected_changes": {"status": {"to": "Done"}}
	}]}`)

	result := Evaluate(spec, diff)
	require.False(t, result.Passed)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Reason, "did not change")
	assert.Equal(t, "Done", result.Failures[0].Observed)
}

func TestEvaluateRemovedCountRange(t *testing.T) {
	diff := &models.Diff{
		Deletes: []models.Row{
			insertRow("reactions", map[string]any{"id": "r1", "message_id": "m1"}),
			insertRow("reactions", map[string]any{"id": "r2", "message_id": "m1"}),
			insertRow("reactions", map[string]any{"id": "r3", "message_id": "m1"}),
		},
	}
	spec := compileSpec(t, `{"assertions": [{
		"diff_type": "removed", "entity": "reactions",
		"where": {"message_id": "m1"},
		"expected_count": {"min": 2, "max": 5}
	}]}`)

	assert.True(t, Evaluate(spec, diff).Passed)

	tight := compileSpec(t, `{"assertions": [{
		"diff_type": "removed", "entity": "reactions",
		"where": {"message_id": "m1"},
		"expected_count": {"max": 2}
	}]}`)
	result := Evaluate(tight, diff)
	require.False(t, result.Passed)
	assert.Equal(t, 3, result.Failures[0].Observed)
}

func TestEvaluateUnchanged(t *testing.T) {
	spec := compileSpec(t, `{"assertions": [{"diff_type": "unchanged", "entity": "users"}]}`)

	t.Run("empty diff passes", func(t *testing.T) {
		assert.True(t, Evaluate(spec, &models.Diff{}).Passed)
	})

	t.Run("unrelated changes still pass", func(t *testing.T) {
		diff := &models.Diff{
			Inserts: []models.Row{insertRow("messages", map[string]any{"id": "m1"})},
		}
		assert.True(t, Evaluate(spec, diff).Passed)
	})

	t.Run("any change to the entity fails", func(t *testing.T) {
		diff := &models.Diff{
			Updates: []models.RowUpdate{{
				Entity:        "users",
				After:         models.Row{"id": "U1", "name": "eve"},
				ChangedFields: []string{"name"},
			}},
		}
		result := Evaluate(spec, diff)
		require.False(t, result.Passed)
		assert.Contains(t, result.Failures[0].Reason, "unchanged")
	})
}

func TestEvaluateDefaultCountIsAtLeastOne(t *testing.T) {
	spec := compileSpec(t, `{"assertions": [{"diff_type": "added", "entity": "messages"}]}`)
	result := Evaluate(spec, &models.Diff{})
	require.False(t, result.Passed)
	assert.Contains(t, result.Failures[0].Reason, "at least one")
}

func TestEvaluateScoreAggregation(t *testing.T) {
	diff := &models.Diff{
		Inserts: []models.Row{insertRow("messages", map[string]any{"id": "m1", "channel": "C1"})},
	}
	spec := compileSpec(t, `{"assertions": [
		{"diff_type": "added", "entity": "messages", "where": {"channel": "C1"}},
		{"diff_type": "added", "entity": "messages", "where": {"channel": "C9"}},
		{"diff_type": "removed", "entity": "messages"},
		{"diff_type": "unchanged", "entity": "users"}
	]}`)

	result := Evaluate(spec, diff)
	assert.False(t, result.Passed)
	assert.Equal(t, models.Score{Passed: 2, Total: 4, Percent: 50}, result.Score)
	assert.Len(t, result.Failures, 2)
	assert.Equal(t, 1, result.Failures[0].AssertionIndex)
	assert.Equal(t, 2, result.Failures[1].AssertionIndex)
}

func TestEvaluateIsPure(t *testing.T) {
	diff := &models.Diff{
		Updates: []models.RowUpdate{{
			Entity:        "issues",
			PrimaryKey:    map[string]any{"id": int64(1)},
			Before:        models.Row{"id": int64(1), "status": "Todo", "updated_at": "T0"},
			After:         models.Row{"id": int64(1), "status": "Done", "updated_at": "T1"},
			ChangedFields: []string{"status", "updated_at"},
		}},
	}
	spec := compileSpec(t, `{"masks": ["updated_at"], "assertions": [{
		"diff_type": "changed", "entity": "issues",
		"expected_changes": {"status": "Done"}
	}]}`)

	first := Evaluate(spec, diff)
	second := Evaluate(spec, diff)
	assert.Equal(t, first, second)
	// masks must not eat the diff's own changed_fields
	assert.Equal(t, []string{"status", "updated_at"}, diff.Updates[0].ChangedFields)
}
