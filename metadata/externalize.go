package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	log "log/slog"
	"strings"
	"unicode/utf8"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/storage"
)

// Ref is the placeholder replacing an externalized base64 property.
type Ref struct {
	ContentBucket string `json:"contentBucket"`
	BlobKey       string `json:"blobKey"`
	TextKey       string `json:"textKey,omitempty"`
}

// Externalize decodes every declared base64 property of payload, writes the
// bytes to the content bucket and replaces each property with a ref object.
// A text rendition is written alongside when the property prefers text (or the
// content type is text/*) and the decoded text is safe. On any failure after
// a successful put, every key already written is best-effort deleted and the
// call fails.
//
// The returned payload is a shallow copy; only externalized properties are
// replaced.
func Externalize(ctx context.Context, store storage.Store, contentBucket string, collection string, id string, ov uint64, payload map[string]any, cmap chronos.CollectionMap) (map[string]any, error) {
	if len(cmap.Base64Props) == 0 {
		return payload, nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	var written []string
	cleanup := func() {
		for _, key := range written {
			if err := store.Delete(ctx, contentBucket, key); err != nil {
				log.Warn(fmt.Sprintf("cleanup of %s/%s failed, details: %v", contentBucket, key, err))
			}
		}
	}
	for prop, spec := range cmap.Base64Props {
		raw, ok := out[prop]
		if !ok || raw == nil {
			continue
		}
		if m, ok := raw.(map[string]any); ok {
			// Already externalized on a prior version; keep the ref as-is.
			if _, has := m["ref"]; has {
				continue
			}
		}
		s, ok := raw.(string)
		if !ok {
			cleanup()
			return nil, chronos.Errorf(chronos.ErrValidation, "base64 property %q is not a string", prop)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			cleanup()
			return nil, chronos.Errorf(chronos.ErrValidation, "base64 property %q does not decode, details: %v", prop, err)
		}
		blobKey := storage.ContentKey(collection, prop, id, ov)
		if _, err := store.PutRaw(ctx, contentBucket, blobKey, data, spec.ContentType); err != nil {
			cleanup()
			return nil, err
		}
		written = append(written, blobKey)
		ref := Ref{ContentBucket: contentBucket, BlobKey: blobKey}
		if spec.PreferredText || strings.HasPrefix(spec.ContentType, "text/") {
			if text, ok := decodeText(data, spec.TextCharset); ok {
				textKey := storage.TextKey(collection, prop, id, ov)
				if _, err := store.PutRaw(ctx, contentBucket, textKey, []byte(text), "text/plain; charset=utf-8"); err != nil {
					cleanup()
					return nil, err
				}
				written = append(written, textKey)
				ref.TextKey = textKey
			}
		}
		refMap := map[string]any{
			"contentBucket": ref.ContentBucket,
			"blobKey":       ref.BlobKey,
		}
		if ref.TextKey != "" {
			refMap["textKey"] = ref.TextKey
		}
		out[prop] = map[string]any{"ref": refMap}
	}
	return out, nil
}

// decodeText attempts to interpret data as text in the declared charset and
// reports whether the result is safe to store as a rendition. Only UTF-8 (and
// its ASCII subset) is decoded natively; other charsets are attempted as
// UTF-8 and rejected when invalid.
func decodeText(data []byte, charset string) (string, bool) {
	_ = charset
	if !utf8.Valid(data) {
		return "", false
	}
	s := string(data)
	if len(s) == 0 {
		return "", false
	}
	// Control-character ratio must stay at or below 5%, excluding \n \r \t.
	control := 0
	total := 0
	for _, r := range s {
		total++
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			control++
		}
	}
	if total == 0 || float64(control)/float64(total) > 0.05 {
		return "", false
	}
	return s, true
}
