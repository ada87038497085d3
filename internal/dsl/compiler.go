package dsl

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

var validOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true, OpHasAny: true, OpHasAll: true,
	OpIsNull: true, OpNotNull: true,
}

var validDiffTypes = map[string]bool{
	DiffAdded: true, DiffRemoved: true, DiffChanged: true, DiffUnchanged: true,
}

// Compile parses, normalizes, and type-checks a JSON assertion spec.
func Compile(data []byte) (*Spec, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errAt("", "not a JSON object: %v", err)
	}
	return CompileDoc(doc)
}

// CompileDoc compiles an already-decoded spec document.
func CompileDoc(doc map[string]any) (*Spec, error) {
	norm, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	return build(norm)
}

// Normalize expands every shorthand into the canonical document form:
// `{field: scalar}` leaves become `{field: {eq: scalar}}`,
// `expected_count: N` becomes `{min: N, max: N}`, and scalar
// `expected_changes` entries become `{to: {eq: scalar}}`. Normalization is
// idempotent: normalizing an already-normalized document is the identity.
func Normalize(doc map[string]any) (map[string]any, error) {
	for key := range doc {
		switch key {
		case "dsl_version", "strict", "masks", "assertions":
		default:
			return nil, errAt(key, "unknown top-level key")
		}
	}

	out := map[string]any{}

	if v, ok := doc["dsl_version"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, errAt("dsl_version", "must be a string")
		}
		out["dsl_version"] = s
	}

	// strict defaults to on: unexpected changes are findings, not noise
	strict := true
	if v, ok := doc["strict"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, errAt("strict", "must be a boolean")
		}
		strict = b
	}
	out["strict"] = strict

	masks, err := stringList(doc["masks"], "masks")
	if err != nil {
		return nil, err
	}
	out["masks"] = masks

	rawAssertions, ok := doc["assertions"]
	if !ok {
		return nil, errAt("assertions", "is required")
	}
	list, ok := rawAssertions.([]any)
	if !ok {
		return nil, errAt("assertions", "must be an array")
	}

	normed := make([]any, len(list))
	for i, item := range list {
		path := fmt.Sprintf("assertions[%d]", i)
		a, ok := item.(map[string]any)
		if !ok {
			return nil, errAt(path, "must be an object")
		}
		na, err := normalizeAssertion(path, a)
		if err != nil {
			return nil, err
		}
		normed[i] = na
	}
	out["assertions"] = normed
	return out, nil
}

func normalizeAssertion(path string, a map[string]any) (map[string]any, error) {
	for key := range a {
		switch key {
		case "diff_type", "entity", "where", "expected_count", "expected_changes", "local_ignore":
		default:
			return nil, errAt(path+"."+key, "unknown assertion key")
		}
	}

	out := map[string]any{}

	diffType, ok := a["diff_type"].(string)
	if !ok || diffType == "" {
		return nil, errAt(path+".diff_type", "is required")
	}
	if !validDiffTypes[diffType] {
		return nil, errAt(path+".diff_type", "unknown diff type %q", diffType)
	}
	out["diff_type"] = diffType

	entity, ok := a["entity"].(string)
	if !ok || entity == "" {
		return nil, errAt(path+".entity", "is required")
	}
	out["entity"] = entity

	if v, ok := a["where"]; ok {
		node, err := normalizeNode(path+".where", v)
		if err != nil {
			return nil, err
		}
		out["where"] = node
	}

	if v, ok := a["expected_count"]; ok {
		count, err := normalizeCount(path+".expected_count", v)
		if err != nil {
			return nil, err
		}
		out["expected_count"] = count
	}

	if v, ok := a["expected_changes"]; ok {
		if diffType != DiffChanged {
			return nil, errAt(path+".expected_changes", "only valid with diff_type \"changed\"")
		}
		changes, err := normalizeChanges(path+".expected_changes", v)
		if err != nil {
			return nil, err
		}
		out["expected_changes"] = changes
	}

	ignore, err := stringList(a["local_ignore"], path+".local_ignore")
	if err != nil {
		return nil, err
	}
	out["local_ignore"] = ignore

	return out, nil
}

func normalizeNode(path string, v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errAt(path, "must be an object")
	}

	combinators := 0
	for key := range m {
		if key == "and" || key == "or" || key == "not" {
			combinators++
		}
	}
	if combinators > 0 {
		if combinators != len(m) || len(m) != 1 {
			return nil, errAt(path, "a combinator node must hold exactly one of and/or/not")
		}
		out := map[string]any{}
		if sub, ok := m["not"]; ok {
			n, err := normalizeNode(path+".not", sub)
			if err != nil {
				return nil, err
			}
			out["not"] = n
			return out, nil
		}
		for _, comb := range []string{"and", "or"} {
			sub, ok := m[comb]
			if !ok {
				continue
			}
			items, ok := sub.([]any)
			if !ok || len(items) == 0 {
				return nil, errAt(path+"."+comb, "must be a non-empty array")
			}
			normed := make([]any, len(items))
			for i, item := range items {
				n, err := normalizeNode(fmt.Sprintf("%s.%s[%d]", path, comb, i), item)
				if err != nil {
					return nil, err
				}
				normed[i] = n
			}
			out[comb] = normed
		}
		return out, nil
	}

	// leaf: every key is a field
	if len(m) == 0 {
		return nil, errAt(path, "empty predicate")
	}
	out := map[string]any{}
	for field, cond := range m {
		normed, err := normalizePredicate(path+"."+field, cond)
		if err != nil {
			return nil, err
		}
		out[field] = normed
	}
	return out, nil
}

// normalizePredicate expands a predicate value into its {op: operand} form
// and validates every operator and operand.
func normalizePredicate(path string, v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		// scalar (or array) shorthand for equality
		return map[string]any{string(OpEq): v}, nil
	}
	if len(m) == 0 {
		return nil, errAt(path, "empty operator map")
	}
	// a map whose keys are not all operators is a literal object equality
	allOps := true
	for key := range m {
		if !validOps[Op(key)] {
			allOps = false
			break
		}
	}
	if !allOps {
		for key := range m {
			if validOps[Op(key)] {
				return nil, errAt(path, "cannot mix operators and literal object keys")
			}
		}
		return nil, errAt(path+"."+firstKey(m), "unknown operator")
	}

	out := map[string]any{}
	for key, operand := range m {
		op := Op(key)
		if err := validateOperand(path+"."+key, op, operand); err != nil {
			return nil, err
		}
		if (op == OpIsNull || op == OpNotNull) && operand == nil {
			operand = true
		}
		out[key] = operand
	}
	return out, nil
}

func validateOperand(path string, op Op, operand any) error {
	switch op {
	case OpIn, OpNotIn, OpHasAny, OpHasAll:
		if _, ok := operand.([]any); !ok {
			return errAt(path, "operand must be an array")
		}
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		if _, ok := operand.(string); !ok {
			return errAt(path, "operand must be a string")
		}
	case OpGt, OpGte, OpLt, OpLte:
		switch operand.(type) {
		case float64, string:
		default:
			return errAt(path, "operand must be a number or string")
		}
	case OpIsNull, OpNotNull:
		switch operand.(type) {
		case bool, nil:
		default:
			return errAt(path, "operand must be a boolean")
		}
	}
	return nil
}

func normalizeCount(path string, v any) (map[string]any, error) {
	switch val := v.(type) {
	case float64:
		n, err := asCount(path, val)
		if err != nil {
			return nil, err
		}
		return map[string]any{"min": float64(n), "max": float64(n)}, nil
	case map[string]any:
		if len(val) == 0 {
			return nil, errAt(path, "must set min and/or max")
		}
		out := map[string]any{}
		for key, bound := range val {
			if key != "min" && key != "max" {
				return nil, errAt(path+"."+key, "unknown count key")
			}
			f, ok := bound.(float64)
			if !ok {
				return nil, errAt(path+"."+key, "must be a number")
			}
			n, err := asCount(path+"."+key, f)
			if err != nil {
				return nil, err
			}
			out[key] = float64(n)
		}
		return out, nil
	default:
		return nil, errAt(path, "must be a number or {min, max}")
	}
}

func asCount(path string, f float64) (int, error) {
	if f < 0 || f != math.Trunc(f) {
		return 0, errAt(path, "must be a non-negative integer")
	}
	return int(f), nil
}

func normalizeChanges(path string, v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errAt(path, "must be an object")
	}
	if len(m) == 0 {
		return nil, errAt(path, "must name at least one field")
	}
	out := map[string]any{}
	for field, expectation := range m {
		fieldPath := path + "." + field
		em, ok := expectation.(map[string]any)
		if !ok {
			// scalar shorthand: assert only the resulting value
			norm, err := normalizePredicate(fieldPath, expectation)
			if err != nil {
				return nil, err
			}
			out[field] = map[string]any{"to": norm}
			continue
		}
		isFromTo := true
		for key := range em {
			if key != "from" && key != "to" {
				isFromTo = false
			}
		}
		if !isFromTo || len(em) == 0 {
			// an operator map or object literal applies to the after value
			norm, err := normalizePredicate(fieldPath, expectation)
			if err != nil {
				return nil, err
			}
			out[field] = map[string]any{"to": norm}
			continue
		}
		fieldOut := map[string]any{}
		for key, sub := range em {
			norm, err := normalizePredicate(fieldPath+"."+key, sub)
			if err != nil {
				return nil, err
			}
			fieldOut[key] = norm
		}
		out[field] = fieldOut
	}
	return out, nil
}

func stringList(v any, path string) ([]any, error) {
	if v == nil {
		return []any{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, errAt(path, "must be an array of strings")
	}
	for i, item := range list {
		if _, ok := item.(string); !ok {
			return nil, errAt(fmt.Sprintf("%s[%d]", path, i), "must be a string")
		}
	}
	return list, nil
}

func firstKey(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

// ---- typed construction over the normalized document ----

func build(doc map[string]any) (*Spec, error) {
	spec := &Spec{Strict: doc["strict"].(bool)}
	if v, ok := doc["dsl_version"].(string); ok {
		spec.Version = v
	}
	spec.Masks = toStrings(doc["masks"])

	for _, item := range doc["assertions"].([]any) {
		a := item.(map[string]any)
		assertion := Assertion{
			DiffType:    a["diff_type"].(string),
			Entity:      a["entity"].(string),
			LocalIgnore: toStrings(a["local_ignore"]),
		}
		if w, ok := a["where"].(map[string]any); ok {
			assertion.Where = buildNode(w)
		}
		if c, ok := a["expected_count"].(map[string]any); ok {
			assertion.ExpectedCount = buildCount(c)
		}
		if ch, ok := a["expected_changes"].(map[string]any); ok {
			assertion.ExpectedChanges = map[string]ChangeExpectation{}
			fields := make([]string, 0, len(ch))
			for field := range ch {
				fields = append(fields, field)
			}
			sort.Strings(fields)
			assertion.ChangeFields = fields
			for _, field := range fields {
				fm := ch[field].(map[string]any)
				exp := ChangeExpectation{}
				if from, ok := fm["from"].(map[string]any); ok {
					exp.From = buildOps(from)
				}
				if to, ok := fm["to"].(map[string]any); ok {
					exp.To = buildOps(to)
				}
				assertion.ExpectedChanges[field] = exp
			}
		}
		spec.Assertions = append(spec.Assertions, assertion)
	}
	return spec, nil
}

func buildNode(m map[string]any) *Node {
	if sub, ok := m["not"].(map[string]any); ok {
		return &Node{Not: buildNode(sub)}
	}
	if items, ok := m["and"].([]any); ok {
		node := &Node{}
		for _, item := range items {
			node.And = append(node.And, buildNode(item.(map[string]any)))
		}
		return node
	}
	if items, ok := m["or"].([]any); ok {
		node := &Node{}
		for _, item := range items {
			node.Or = append(node.Or, buildNode(item.(map[string]any)))
		}
		return node
	}

	fields := make([]string, 0, len(m))
	for field := range m {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	node := &Node{}
	for _, field := range fields {
		node.Leaf = append(node.Leaf, FieldCondition{
			Field: field,
			Ops:   buildOps(m[field].(map[string]any)),
		})
	}
	return node
}

func buildOps(m map[string]any) []OpApp {
	ops := make([]string, 0, len(m))
	for op := range m {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	out := make([]OpApp, 0, len(ops))
	for _, op := range ops {
		out = append(out, OpApp{Op: Op(op), Operand: m[op]})
	}
	return out
}

func buildCount(m map[string]any) *CountRange {
	r := &CountRange{}
	if v, ok := m["min"].(float64); ok {
		n := int(v)
		r.Min = &n
	}
	if v, ok := m["max"].(float64); ok {
		n := int(v)
		r.Max = &n
	}
	return r
}

func toStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, item.(string))
	}
	return out
}
