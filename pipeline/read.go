package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/metadata"
)

const defaultPresignTTL = 15 * time.Minute

// GetLatest returns the head of a record, optionally with the payload and a
// presigned URL to the authoritative blob. A deleted record is still
// returned; the caller sees the tombstone on the head.
func (p *Pipeline) GetLatest(ctx context.Context, id chronos.ID, opts ReadOptions) (Record, error) {
	head, err := p.heads.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Head: head}
	if opts.IncludePayload {
		payload, err := p.payloadFor(ctx, head)
		if err != nil {
			return Record{}, err
		}
		rec.Payload = project(payload, opts.Projection)
	}
	if opts.Presign {
		ttl := opts.PresignTTL
		if ttl <= 0 {
			ttl = defaultPresignTTL
		}
		url, err := p.store.PresignGet(ctx, p.buckets.Records, head.JSONKey, ttl)
		if err != nil {
			return Record{}, err
		}
		rec.PresignURL = url
	}
	return rec, nil
}

// GetVersion returns one exact historical version with its payload.
func (p *Pipeline) GetVersion(ctx context.Context, id chronos.ID, ov uint64) (VersionRecord, error) {
	v, err := p.vers.Get(ctx, id, ov)
	if err != nil {
		return VersionRecord{}, err
	}
	payload, err := p.loadPayload(ctx, v.JSONKey)
	if err != nil {
		return VersionRecord{}, err
	}
	return VersionRecord{Version: v, Payload: payload}, nil
}

// GetAsOf returns the version that was current at the given instant.
func (p *Pipeline) GetAsOf(ctx context.Context, id chronos.ID, at time.Time) (VersionRecord, error) {
	v, err := p.vers.LatestAtOrBefore(ctx, id, at)
	if chronos.CodeOf(err) == chronos.ErrNotFound {
		return VersionRecord{}, chronos.Errorf(chronos.ErrNotFound, "record %s did not exist at %s", id, at.Format(time.RFC3339))
	}
	if err != nil {
		return VersionRecord{}, err
	}
	payload, err := p.loadPayload(ctx, v.JSONKey)
	if err != nil {
		return VersionRecord{}, err
	}
	return VersionRecord{Version: v, Payload: payload}, nil
}

// ListVersions returns the record's version rows, newest first.
func (p *Pipeline) ListVersions(ctx context.Context, id chronos.ID, limit int64) ([]Version, error) {
	head, err := p.heads.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []Version{}
	for ov := int64(head.OV); ov >= 0; ov-- {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		v, err := p.vers.Get(ctx, id, uint64(ov))
		if chronos.CodeOf(err) == chronos.ErrNotFound {
			// Pruned by retention; stop at the gap.
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ListByMeta queries heads by their indexed projection.
func (p *Pipeline) ListByMeta(ctx context.Context, q ListQuery) ([]Head, error) {
	return p.heads.List(ctx, q)
}

// payloadFor serves the payload from the head's inline shadow when it is
// fresh, falling back to the blob.
func (p *Pipeline) payloadFor(ctx context.Context, head Head) (map[string]any, error) {
	if head.FullShadow != nil && p.shadowFresh(head.FullShadow) {
		var payload map[string]any
		if err := json.Unmarshal(head.FullShadow.Bytes, &payload); err == nil {
			return payload, nil
		}
	}
	return p.loadPayload(ctx, head.JSONKey)
}

func (p *Pipeline) shadowFresh(s *Shadow) bool {
	if p.shadow.TTLHours <= 0 {
		return true
	}
	return p.now().Sub(s.At) <= time.Duration(p.shadow.TTLHours)*time.Hour
}

// project trims payload to the named top-level properties. The lifecycle
// header always rides along.
func project(payload map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return payload
	}
	out := map[string]any{}
	for _, f := range fields {
		if v, ok := payload[f]; ok {
			out[f] = v
		}
	}
	if v, ok := payload[metadata.SystemKey]; ok {
		out[metadata.SystemKey] = v
	}
	return out
}
