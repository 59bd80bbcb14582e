package metadata

import (
	"reflect"
	"testing"
)

func TestMerge_ObjectsRecurse(t *testing.T) {
	target := map[string]any{"meta": map[string]any{"score": float64(1), "keep": "y"}}
	patch := map[string]any{"meta": map[string]any{"score": float64(2), "note": "n"}}
	got := Merge(target, patch)
	want := map[string]any{"meta": map[string]any{"score": float64(2), "keep": "y", "note": "n"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMerge_NullOverrides(t *testing.T) {
	got := Merge(map[string]any{"a": "x"}, map[string]any{"a": nil})
	if v, ok := got["a"]; !ok || v != nil {
		t.Errorf("null should override, got %v", got)
	}
}

func TestMerge_ArrayUnionPrimitives(t *testing.T) {
	target := map[string]any{"tags": []any{"vip"}}
	got := Merge(target, map[string]any{"tags": []any{"verified", "vip"}})
	want := []any{"vip", "verified"}
	if !reflect.DeepEqual(got["tags"], want) {
		t.Errorf("got %v, want %v (first-seen order)", got["tags"], want)
	}
}

func TestMerge_ArrayUnionSingleton(t *testing.T) {
	target := map[string]any{"tags": []any{"vip"}}
	got := Merge(target, map[string]any{"tags": "new"})
	want := []any{"vip", "new"}
	if !reflect.DeepEqual(got["tags"], want) {
		t.Errorf("got %v, want %v", got["tags"], want)
	}
}

func TestMerge_ArrayObjectsMatchByID(t *testing.T) {
	target := map[string]any{"items": []any{
		map[string]any{"id": "a", "qty": float64(1)},
		map[string]any{"id": "b", "qty": float64(5)},
	}}
	patch := map[string]any{"items": []any{
		map[string]any{"id": "a", "qty": float64(3), "note": "x"},
		map[string]any{"id": "c", "qty": float64(9)},
	}}
	got := Merge(target, patch)
	want := []any{
		map[string]any{"id": "a", "qty": float64(3), "note": "x"},
		map[string]any{"id": "b", "qty": float64(5)},
		map[string]any{"id": "c", "qty": float64(9)},
	}
	if !reflect.DeepEqual(got["items"], want) {
		t.Errorf("got %v, want %v", got["items"], want)
	}
}

func TestMerge_EmptyPatchIsIdentity(t *testing.T) {
	target := map[string]any{"a": float64(1), "b": map[string]any{"c": "x"}, "t": []any{"p"}}
	got := Merge(target, map[string]any{})
	if !reflect.DeepEqual(got, target) {
		t.Errorf("a ⊕ ∅ must equal a: got %v", got)
	}
}

func TestMerge_IdempotentWithoutObjectArrays(t *testing.T) {
	target := map[string]any{"a": "x", "tags": []any{"p", "q"}}
	patch := map[string]any{"a": "y", "tags": []any{"q", "r"}, "n": float64(2)}
	once := Merge(target, patch)
	twice := Merge(once, patch)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("repeated patch application should be idempotent: %v vs %v", once, twice)
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	target := map[string]any{"m": map[string]any{"a": float64(1)}}
	patch := map[string]any{"m": map[string]any{"b": float64(2)}}
	_ = Merge(target, patch)
	if len(target["m"].(map[string]any)) != 1 {
		t.Errorf("target was mutated: %v", target)
	}
	if len(patch["m"].(map[string]any)) != 1 {
		t.Errorf("patch was mutated: %v", patch)
	}
}

func TestMerge_ScalarReplaces(t *testing.T) {
	got := Merge(map[string]any{"a": map[string]any{"x": float64(1)}}, map[string]any{"a": "flat"})
	if got["a"] != "flat" {
		t.Errorf("patch scalar should replace, got %v", got["a"])
	}
}
