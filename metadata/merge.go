package metadata

import (
	"reflect"
)

// Merge deep-merges patch into target with array union and returns the
// result. Neither input is mutated.
//
// Semantics per path: null overrides; plain object + plain object recurses;
// array + (array | singleton) unions — primitives dedup by equality, objects
// match by id/_id when present (recursive merge on match), else by deep
// equality, else append; anything else, the patch value replaces. The merge
// is associative within one call; callers batch patches for a deterministic
// order.
func Merge(target map[string]any, patch map[string]any) map[string]any {
	out := make(map[string]any, len(target))
	for k, v := range target {
		out[k] = deepCopy(v)
	}
	for k, pv := range patch {
		if pv == nil {
			out[k] = nil
			continue
		}
		tv, exists := out[k]
		if !exists || tv == nil {
			out[k] = deepCopy(pv)
			continue
		}
		out[k] = mergeValue(tv, pv)
	}
	return out
}

func mergeValue(target any, patch any) any {
	tm, tIsMap := target.(map[string]any)
	pm, pIsMap := patch.(map[string]any)
	if tIsMap && pIsMap {
		return Merge(tm, pm)
	}
	if ta, ok := target.([]any); ok {
		if pa, ok := patch.([]any); ok {
			return unionArrays(ta, pa)
		}
		// Singleton unions into the existing array.
		return unionArrays(ta, []any{patch})
	}
	return deepCopy(patch)
}

func unionArrays(target []any, patch []any) []any {
	out := make([]any, 0, len(target)+len(patch))
	for _, v := range target {
		out = append(out, deepCopy(v))
	}
	for _, pv := range patch {
		pvm, pvIsMap := pv.(map[string]any)
		if !pvIsMap {
			// Primitive (or nested array): dedup by equality.
			dup := false
			for _, ev := range out {
				if reflect.DeepEqual(ev, pv) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, deepCopy(pv))
			}
			continue
		}
		// Object: match by id/_id first, then by deep equality, else append.
		pid, pidOK := objectID(pvm)
		matched := false
		for i, ev := range out {
			evm, ok := ev.(map[string]any)
			if !ok {
				continue
			}
			if pidOK {
				if eid, ok := objectID(evm); ok && reflect.DeepEqual(eid, pid) {
					out[i] = Merge(evm, pvm)
					matched = true
					break
				}
				continue
			}
			if reflect.DeepEqual(evm, pvm) {
				out[i] = Merge(evm, pvm)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, deepCopy(pv))
		}
	}
	return out
}

func objectID(m map[string]any) (any, bool) {
	if v, ok := m["id"]; ok && v != nil {
		return v, true
	}
	if v, ok := m["_id"]; ok && v != nil {
		return v, true
	}
	return nil, false
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
