package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/storage"
)

// ManifestEntry is one record line inside a backup manifest.
type ManifestEntry struct {
	ID      chronos.ID `json:"id"`
	OV      uint64     `json:"ov"`
	CV      uint64     `json:"cv"`
	JSONKey string     `json:"jsonKey"`
	Deleted bool       `json:"deleted,omitempty"`
}

// Manifest is a gzipped snapshot of every head at one collection version,
// written to the backups bucket for point-in-time recovery tooling.
type Manifest struct {
	Collection string          `json:"collection"`
	CV         uint64          `json:"cv"`
	TakenAt    string          `json:"takenAt"`
	Entries    []ManifestEntry `json:"entries"`
}

// WriteManifest snapshots the collection's heads into
// __manifests__/{collection}/{YYYY}/{MM}/snapshot-{cv}.json.gz and returns
// the key written.
func (p *Pipeline) WriteManifest(ctx context.Context) (string, error) {
	now := p.now().UTC()
	m := Manifest{Collection: p.collection, TakenAt: now.Format("2006-01-02T15:04:05.000Z")}
	var after chronos.ID
	const page = 500
	for {
		heads, err := p.heads.List(ctx, ListQuery{AfterID: after, Limit: page})
		if err != nil {
			return "", err
		}
		if len(heads) == 0 {
			break
		}
		for _, h := range heads {
			m.Entries = append(m.Entries, ManifestEntry{ID: h.ID, OV: h.OV, CV: h.CV, JSONKey: h.JSONKey, Deleted: h.Deleted})
			if h.CV > m.CV {
				m.CV = h.CV
			}
		}
		after = heads[len(heads)-1].ID
		if int64(len(heads)) < page {
			break
		}
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(m); err != nil {
		zw.Close()
		return "", chronos.Errorf(chronos.ErrStorage, "encoding manifest for %s, details: %v", p.collection, err)
	}
	if err := zw.Close(); err != nil {
		return "", chronos.Errorf(chronos.ErrStorage, "compressing manifest for %s, details: %v", p.collection, err)
	}
	key := storage.ManifestKey(p.collection, now.Year(), int(now.Month()), m.CV)
	if _, err := p.store.PutRaw(ctx, p.buckets.Backups, key, buf.Bytes(), "application/gzip"); err != nil {
		return "", err
	}
	return key, nil
}
