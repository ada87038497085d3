// Package assertion evaluates compiled assertion specs against computed
// diffs. Evaluation is a pure function: semantic mismatches become failures
// in the result, never errors.
package assertion

import (
	"fmt"

	"github.com/agentdiff/agentdiff/internal/dsl"
	"github.com/agentdiff/agentdiff/internal/models"
)

// Evaluate runs every assertion of the spec against the diff and returns the
// aggregated outcome. The diff is not mutated; mask application works on
// copies of each update's changed_fields.
func Evaluate(spec *dsl.Spec, diff *models.Diff) *models.EvaluationResult {
	result := &models.EvaluationResult{Failures: []models.Failure{}}

	masks := toSet(spec.Masks)
	for i, a := range spec.Assertions {
		failures := evalAssertion(i, a, spec.Strict, masks, diff)
		result.Failures = append(result.Failures, failures...)
		if len(failures) == 0 {
			result.Score.Passed++
		}
	}

	result.Score.Total = len(spec.Assertions)
	if result.Score.Total > 0 {
		result.Score.Percent = float64(result.Score.Passed) / float64(result.Score.Total) * 100
	} else {
		result.Score.Percent = 100
	}
	result.Passed = len(result.Failures) == 0
	return result
}

func evalAssertion(index int, a dsl.Assertion, strict bool, masks map[string]bool, diff *models.Diff) []models.Failure {
	switch a.DiffType {
	case dsl.DiffAdded:
		return evalMembership(index, a, "added", matchRows(diff.Inserts, a))
	case dsl.DiffRemoved:
		return evalMembership(index, a, "removed", matchRows(diff.Deletes, a))
	case dsl.DiffChanged:
		return evalChanged(index, a, strict, masks, diff)
	default: // unchanged
		return evalUnchanged(index, a, diff)
	}
}

// matchRows filters a bucket to the assertion's entity and where predicate.
func matchRows(rows []models.Row, a dsl.Assertion) []models.Row {
	var out []models.Row
	for _, row := range rows {
		if row.Entity() == a.Entity && a.Where.Matches(row) {
			out = append(out, row)
		}
	}
	return out
}

// matchUpdates filters updates by entity; the where predicate sees the after
// projection of each row.
func matchUpdates(updates []models.RowUpdate, a dsl.Assertion) []models.RowUpdate {
	var out []models.RowUpdate
	for _, upd := range updates {
		if upd.Entity == a.Entity && a.Where.Matches(upd.After) {
			out = append(out, upd)
		}
	}
	return out
}

// evalMembership handles added and removed: the matched count must satisfy
// expected_count, or default to at least one match.
func evalMembership(index int, a dsl.Assertion, verb string, matched []models.Row) []models.Failure {
	if fail := checkCount(index, a, verb, len(matched)); fail != nil {
		return []models.Failure{*fail}
	}
	return nil
}

func checkCount(index int, a dsl.Assertion, verb string, count int) *models.Failure {
	if a.ExpectedCount != nil {
		if !a.ExpectedCount.Contains(count) {
			return &models.Failure{
				AssertionIndex: index,
				Reason:         fmt.Sprintf("expected %s %q rows: %s, observed %d", verb, a.Entity, a.ExpectedCount, count),
				Observed:       count,
			}
		}
		return nil
	}
	if count == 0 {
		return &models.Failure{
			AssertionIndex: index,
			Reason:         fmt.Sprintf("expected at least one %s %q row, observed none", verb, a.Entity),
			Observed:       0,
		}
	}
	return nil
}

func evalChanged(index int, a dsl.Assertion, strict bool, masks map[string]bool, diff *models.Diff) []models.Failure {
	matched := matchUpdates(diff.Updates, a)

	var failures []models.Failure
	if fail := checkCount(index, a, "changed", len(matched)); fail != nil {
		return []models.Failure{*fail}
	}

	allowed := toSet(a.LocalIgnore)
	for field := range a.ExpectedChanges {
		allowed[field] = true
	}

	for _, upd := range matched {
		// masks come off before anything inspects changed_fields
		changed := withoutMasks(upd.ChangedFields, masks)
		changedSet := toSet(changed)

		for _, field := range a.ChangeFields {
			exp := a.ExpectedChanges[field]
			if !changedSet[field] {
				failures = append(failures, models.Failure{
					AssertionIndex: index,
					Reason:         fmt.Sprintf("field %q of %q row %v: expected a change but the field did not change", field, a.Entity, upd.PrimaryKey),
					Observed:       upd.After[field],
				})
				continue
			}
			if exp.From != nil && !dsl.EvalOps(exp.From, upd.Before[field]) {
				failures = append(failures, models.Failure{
					AssertionIndex: index,
					Reason:         fmt.Sprintf("field %q of %q row %v: before value does not satisfy the from predicate", field, a.Entity, upd.PrimaryKey),
					Observed:       upd.Before[field],
				})
			}
			if exp.To != nil && !dsl.EvalOps(exp.To, upd.After[field]) {
				failures = append(failures, models.Failure{
					AssertionIndex: index,
					Reason:         fmt.Sprintf("field %q of %q row %v: after value does not satisfy the to predicate", field, a.Entity, upd.PrimaryKey),
					Observed:       upd.After[field],
				})
			}
		}

		if strict {
			var extras []string
			for _, field := range changed {
				if !allowed[field] {
					extras = append(extras, field)
				}
			}
			if len(extras) > 0 {
				failures = append(failures, models.Failure{
					AssertionIndex: index,
					Reason:         fmt.Sprintf("unexpected changed fields %v on %q row %v", extras, a.Entity, upd.PrimaryKey),
					Observed:       extras,
				})
			}
		}
	}
	return failures
}

// evalUnchanged asserts the absence of changes: no insert, delete, or update
// of the entity may match the predicate. With expected_count present, the
// number of observed changes must satisfy the range instead.
func evalUnchanged(index int, a dsl.Assertion, diff *models.Diff) []models.Failure {
	observed := len(matchRows(diff.Inserts, a)) + len(matchRows(diff.Deletes, a)) + len(matchUpdates(diff.Updates, a))

	if a.ExpectedCount != nil {
		if !a.ExpectedCount.Contains(observed) {
			return []models.Failure{{
				AssertionIndex: index,
				Reason:         fmt.Sprintf("expected changes to %q rows: %s, observed %d", a.Entity, a.ExpectedCount, observed),
				Observed:       observed,
			}}
		}
		return nil
	}
	if observed > 0 {
		return []models.Failure{{
			AssertionIndex: index,
			Reason:         fmt.Sprintf("expected %q rows to be unchanged, observed %d changes", a.Entity, observed),
			Observed:       observed,
		}}
	}
	return nil
}

func toSet(fields []string) map[string]bool {
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func withoutMasks(fields []string, masks map[string]bool) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !masks[f] {
			out = append(out, f)
		}
	}
	return out
}
