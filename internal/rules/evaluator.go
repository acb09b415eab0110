// Package rules evaluates recursive boolean rule trees against an
// evaluation context. Evaluation is pure and never suspends; regexes are
// compiled per evaluation and syntax errors surface as validation errors
// rather than silently failing the condition.
package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/switchboard/backend/internal/schema"
)

// Evaluate walks the rule tree against ctx. Composition defaults to AND
// when unset. NOT negates the conjunction of its conditions and children.
func Evaluate(rule *schema.Rule, ctx map[string]any) (bool, error) {
	return evalRule(rule, ctx, 0)
}

func evalRule(rule *schema.Rule, ctx map[string]any, depth int) (bool, error) {
	if rule == nil {
		return true, nil
	}
	if depth > schema.MaxRuleDepth {
		return false, schema.E(schema.KindValidation, "rule tree exceeds max depth %d", schema.MaxRuleDepth)
	}

	results := make([]bool, 0, len(rule.Conditions)+len(rule.Children))
	for _, c := range rule.Conditions {
		ok, err := evalCondition(c, ctx)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	for _, child := range rule.Children {
		ok, err := evalRule(child, ctx, depth+1)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	if len(results) == 0 {
		return true, nil // vacuous truth: empty rule matches
	}

	switch rule.Composition {
	case schema.CompositionOR:
		for _, r := range results {
			if r {
				return true, nil
			}
		}
		return false, nil
	case schema.CompositionNOT:
		for _, r := range results {
			if !r {
				return true, nil
			}
		}
		return false, nil
	default: // AND
		for _, r := range results {
			if !r {
				return false, nil
			}
		}
		return true, nil
	}
}

func evalCondition(c schema.Condition, ctx map[string]any) (bool, error) {
	value, present := Lookup(ctx, c.Field)

	switch c.Operator {
	case schema.OpExists:
		return present, nil
	case schema.OpNotExists:
		return !present, nil
	}
	// Every other operator needs a present field; absence means no match
	// rather than an error, so policies can probe optional context.
	if !present {
		return false, nil
	}

	switch c.Operator {
	case schema.OpEq:
		return looseEqual(value, c.Value), nil
	case schema.OpNeq:
		return !looseEqual(value, c.Value), nil
	case schema.OpGt, schema.OpGte, schema.OpLt, schema.OpLte:
		a, aok := toFloat(value)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, nil
		}
		switch c.Operator {
		case schema.OpGt:
			return a > b, nil
		case schema.OpGte:
			return a >= b, nil
		case schema.OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case schema.OpIn:
		return inList(value, c.Value), nil
	case schema.OpNotIn:
		return !inList(value, c.Value), nil
	case schema.OpContains:
		return contains(value, c.Value), nil
	case schema.OpNotContains:
		return !contains(value, c.Value), nil
	case schema.OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, schema.E(schema.KindValidation, "matches operator needs a string pattern on field %s", c.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, schema.E(schema.KindValidation, "bad regex %q on field %s: %v", pattern, c.Field, err)
		}
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		return re.MatchString(s), nil
	default:
		return false, schema.E(schema.KindValidation, "unknown operator %q", c.Operator)
	}
}

// Lookup resolves a dotted JSON path ("parameters.newBudget") through
// nested maps. The second return reports whether the full path exists.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// inList reports whether value appears in the list literal.
func inList(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(value, item) {
			return true
		}
	}
	return false
}

// contains handles both string containment and array membership,
// depending on the field's runtime type.
func contains(value, needle any) bool {
	switch v := value.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range v {
			if item == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}
