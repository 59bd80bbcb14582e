// Package metadata implements the per-collection mapping layer: indexed
// property extraction, required-field validation, base64 property
// externalization, the _system lifecycle header and the enrichment merge.
package metadata

import (
	"strings"

	"github.com/chronosdb/chronos"
)

// GetPath walks a dot path through nested maps and returns the value found.
// A trailing "[]" on the final segment selects the whole array.
func GetPath(doc map[string]any, path string) (any, bool) {
	path = strings.TrimSuffix(path, "[]")
	segs := strings.Split(path, ".")
	var cur any = doc
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes value into a nested projection, creating intermediate maps.
func setPath(doc map[string]any, path string, value any) {
	path = strings.TrimSuffix(path, "[]")
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// ExtractIndexed produces the trimmed metaIndexed projection for data per the
// collection map. An empty indexedProps list means "every top-level property
// except _system".
func ExtractIndexed(data map[string]any, cmap chronos.CollectionMap) map[string]any {
	out := map[string]any{}
	if len(cmap.IndexedProps) == 0 {
		for k, v := range data {
			if k == SystemKey {
				continue
			}
			out[k] = v
		}
		return out
	}
	for _, p := range cmap.IndexedProps {
		if v, ok := GetPath(data, p); ok {
			setPath(out, p, v)
		}
	}
	return out
}

// ValidateRequired fails with a Validation-tagged error when a required
// indexed field is missing, null or empty.
func ValidateRequired(data map[string]any, cmap chronos.CollectionMap) error {
	for _, p := range cmap.Validation.RequiredIndexed {
		v, ok := GetPath(data, p)
		if !ok || v == nil {
			return chronos.Errorf(chronos.ErrValidation, "required indexed field %q missing", p)
		}
		switch t := v.(type) {
		case string:
			if t == "" {
				return chronos.Errorf(chronos.ErrValidation, "required indexed field %q is empty", p)
			}
		case []any:
			if len(t) == 0 {
				return chronos.Errorf(chronos.ErrValidation, "required indexed field %q is empty", p)
			}
		}
	}
	return nil
}
