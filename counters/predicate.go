package counters

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/chronosdb/chronos/metadata"
)

// Matches evaluates the operator-map predicate grammar against a document.
// Every path condition must hold (implicit AND). Conditions are either a
// bare literal (shorthand equality) or an operator map using $eq, $ne, $in,
// $nin, $exists, $gt, $gte, $lt, $lte and $regex. A missing path behaves as
// undefined: it satisfies $exists:false, $ne and $nin, and fails everything
// else. Ordered operators on non-numeric values never match.
func Matches(doc map[string]any, when map[string]any) bool {
	for path, cond := range when {
		value, exists := metadata.GetPath(doc, path)
		if !matchCondition(value, exists, cond) {
			return false
		}
	}
	return true
}

func matchCondition(value any, exists bool, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok || !hasOperatorKeys(ops) {
		// Shorthand equality.
		return exists && looseEqual(value, cond)
	}
	for op, arg := range ops {
		if !matchOperator(value, exists, op, arg) {
			return false
		}
	}
	return true
}

func hasOperatorKeys(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func matchOperator(value any, exists bool, op string, arg any) bool {
	switch op {
	case "$exists":
		want, ok := arg.(bool)
		return ok && exists == want
	case "$eq":
		return exists && looseEqual(value, arg)
	case "$ne":
		return !exists || !looseEqual(value, arg)
	case "$in":
		list, ok := arg.([]any)
		if !ok || !exists {
			return false
		}
		for _, cand := range list {
			if looseEqual(value, cand) {
				return true
			}
		}
		return false
	case "$nin":
		list, ok := arg.([]any)
		if !ok {
			return false
		}
		if !exists {
			return true
		}
		for _, cand := range list {
			if looseEqual(value, cand) {
				return false
			}
		}
		return true
	case "$gt", "$gte", "$lt", "$lte":
		if !exists {
			return false
		}
		a, aok := asNumber(value)
		b, bok := asNumber(arg)
		if !aok || !bok {
			return false
		}
		switch op {
		case "$gt":
			return a > b
		case "$gte":
			return a >= b
		case "$lt":
			return a < b
		default:
			return a <= b
		}
	case "$regex":
		pattern, ok := arg.(string)
		if !ok || !exists {
			return false
		}
		s, ok := value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	}
	return false
}

// looseEqual compares JSON-decoded values, treating all numeric types as one
// domain so config literals (int) match decoded payloads (float64).
func looseEqual(a any, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
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
	case uint64:
		return float64(n), true
	}
	return 0, false
}
