package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chronosdb/chronos"
)

// Blob key layout. Collections and ids are lowercased on the wire; ov and cv
// are unsigned decimals. Every builder has a parser that round-trips.
//
//	{collection}/{id}/v{ov}/item.json
//	{collection}/{prop}/{id}/v{ov}/blob.bin
//	{collection}/{prop}/{id}/v{ov}/text.txt
//	__manifests__/{collection}/{YYYY}/{MM}/snapshot-{cv}.json.gz

// ItemKey builds the authoritative JSON payload key for one version.
func ItemKey(collection string, id string, ov uint64) string {
	return fmt.Sprintf("%s/%s/v%d/item.json", strings.ToLower(collection), strings.ToLower(id), ov)
}

// ParseItemKey inverts ItemKey.
func ParseItemKey(key string) (collection string, id string, ov uint64, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[3] != "item.json" {
		return "", "", 0, chronos.Errorf(chronos.ErrValidation, "malformed item key %q", key)
	}
	ov, err = parseVersionSegment(parts[2])
	if err != nil {
		return "", "", 0, chronos.Errorf(chronos.ErrValidation, "malformed item key %q, details: %v", key, err)
	}
	return parts[0], parts[1], ov, nil
}

// ContentKey builds the externalized base64 property blob key.
func ContentKey(collection string, prop string, id string, ov uint64) string {
	return fmt.Sprintf("%s/%s/%s/v%d/blob.bin", strings.ToLower(collection), prop, strings.ToLower(id), ov)
}

// TextKey builds the optional text rendition key alongside a content blob.
func TextKey(collection string, prop string, id string, ov uint64) string {
	return fmt.Sprintf("%s/%s/%s/v%d/text.txt", strings.ToLower(collection), prop, strings.ToLower(id), ov)
}

// ParseContentKey inverts ContentKey and TextKey. isText reports which form
// the key carried.
func ParseContentKey(key string) (collection string, prop string, id string, ov uint64, isText bool, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || (parts[4] != "blob.bin" && parts[4] != "text.txt") {
		return "", "", "", 0, false, chronos.Errorf(chronos.ErrValidation, "malformed content key %q", key)
	}
	ov, err = parseVersionSegment(parts[3])
	if err != nil {
		return "", "", "", 0, false, chronos.Errorf(chronos.ErrValidation, "malformed content key %q, details: %v", key, err)
	}
	return parts[0], parts[1], parts[2], ov, parts[4] == "text.txt", nil
}

// ManifestKey builds the backup manifest key for a collection snapshot at cv.
// The year/month segments come from the snapshot instant in UTC.
func ManifestKey(collection string, year int, month int, cv uint64) string {
	return fmt.Sprintf("__manifests__/%s/%04d/%02d/snapshot-%d.json.gz", strings.ToLower(collection), year, month, cv)
}

// ParseManifestKey inverts ManifestKey.
func ParseManifestKey(key string) (collection string, year int, month int, cv uint64, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != "__manifests__" {
		return "", 0, 0, 0, chronos.Errorf(chronos.ErrValidation, "malformed manifest key %q", key)
	}
	year, err = strconv.Atoi(parts[2])
	if err != nil || len(parts[2]) != 4 {
		return "", 0, 0, 0, chronos.Errorf(chronos.ErrValidation, "malformed manifest key %q", key)
	}
	month, err = strconv.Atoi(parts[3])
	if err != nil || len(parts[3]) != 2 || month < 1 || month > 12 {
		return "", 0, 0, 0, chronos.Errorf(chronos.ErrValidation, "malformed manifest key %q", key)
	}
	name := parts[4]
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".json.gz") {
		return "", 0, 0, 0, chronos.Errorf(chronos.ErrValidation, "malformed manifest key %q", key)
	}
	cv, err = strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".json.gz"), 10, 64)
	if err != nil {
		return "", 0, 0, 0, chronos.Errorf(chronos.ErrValidation, "malformed manifest key %q, details: %v", key, err)
	}
	return parts[1], year, month, cv, nil
}

func parseVersionSegment(seg string) (uint64, error) {
	if !strings.HasPrefix(seg, "v") {
		return 0, fmt.Errorf("version segment %q missing v prefix", seg)
	}
	return strconv.ParseUint(seg[1:], 10, 64)
}
