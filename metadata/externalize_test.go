package metadata

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/storage"
)

func TestExternalize_TextProperty(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	cmap := chronos.CollectionMap{
		Base64Props: map[string]chronos.Base64PropSpec{
			"body": {ContentType: "text/plain", TextCharset: "utf-8"},
		},
	}
	payload := map[string]any{
		"title": "hello",
		"body":  base64.StdEncoding.EncodeToString([]byte("hello world\n")),
	}
	out, err := Externalize(ctx, store, "content", "docs", "65f1aa00112233445566aabb", 0, payload, cmap)
	if err != nil {
		t.Fatalf("Externalize failed: %v", err)
	}
	ref, ok := out["body"].(map[string]any)["ref"].(map[string]any)
	if !ok {
		t.Fatalf("body not replaced by ref object: %v", out["body"])
	}
	blobKey := ref["blobKey"].(string)
	if !store.Exists("content", blobKey) {
		t.Errorf("blob %s not written", blobKey)
	}
	textKey, ok := ref["textKey"].(string)
	if !ok {
		t.Fatalf("text rendition expected for text/plain")
	}
	ba, err := store.Get(ctx, "content", textKey)
	if err != nil || string(ba) != "hello world\n" {
		t.Errorf("text rendition mismatch: %s, %v", ba, err)
	}
	// Original payload untouched.
	if _, ok := payload["body"].(string); !ok {
		t.Errorf("input payload mutated")
	}
}

func TestExternalize_BinarySkipsText(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	cmap := chronos.CollectionMap{
		Base64Props: map[string]chronos.Base64PropSpec{
			"blob": {ContentType: "application/octet-stream"},
		},
	}
	payload := map[string]any{
		"blob": base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0x02, 0xff}),
	}
	out, err := Externalize(ctx, store, "content", "docs", "65f1aa00112233445566aabb", 2, payload, cmap)
	if err != nil {
		t.Fatalf("Externalize failed: %v", err)
	}
	ref := out["blob"].(map[string]any)["ref"].(map[string]any)
	if _, ok := ref["textKey"]; ok {
		t.Errorf("binary content must not produce a text rendition")
	}
}

func TestExternalize_InvalidBase64(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	cmap := chronos.CollectionMap{
		Base64Props: map[string]chronos.Base64PropSpec{"b": {ContentType: "text/plain"}},
	}
	_, err := Externalize(ctx, store, "content", "docs", "x", 0, map[string]any{"b": "!!not-base64!!"}, cmap)
	if chronos.CodeOf(err) != chronos.ErrValidation {
		t.Errorf("expected Validation tag, got %v", err)
	}
}

func TestExternalize_CleanupOnFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	cmap := chronos.CollectionMap{
		Base64Props: map[string]chronos.Base64PropSpec{
			"a": {ContentType: "application/octet-stream"},
			"b": {ContentType: "application/octet-stream"},
		},
	}
	payload := map[string]any{
		"a": base64.StdEncoding.EncodeToString([]byte("first")),
		"b": "@@invalid@@",
	}
	_, err := Externalize(ctx, store, "content", "docs", "x", 0, payload, cmap)
	if err == nil {
		t.Fatalf("expected failure")
	}
	// Whatever was written before the failure must be cleaned up.
	res, _ := store.List(ctx, "content", "", storage.ListOptions{})
	if len(res.Keys) != 0 {
		t.Errorf("orphan keys left behind: %v", res.Keys)
	}
}

func TestDecodeText_ControlRatio(t *testing.T) {
	if _, ok := decodeText([]byte("plain text with\nnewlines\tand tabs\r\n"), "utf-8"); !ok {
		t.Errorf("ordinary text should be safe")
	}
	mostlyControl := make([]byte, 100)
	for i := range mostlyControl {
		mostlyControl[i] = 0x01
	}
	if _, ok := decodeText(mostlyControl, "utf-8"); ok {
		t.Errorf("control-heavy bytes should be rejected")
	}
	if _, ok := decodeText([]byte{0xff, 0xfe, 0x00}, "utf-8"); ok {
		t.Errorf("invalid utf-8 should be rejected")
	}
}
