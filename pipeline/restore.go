package pipeline

import (
	"context"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/metadata"
)

func (t RestoreTarget) validate(allowOV bool) error {
	n := 0
	if t.OV != nil {
		if !allowOV {
			return chronos.Errorf(chronos.ErrValidation, "collection restore targets a cv or an instant, not an ov")
		}
		n++
	}
	if t.CV != nil {
		n++
	}
	if t.At != nil {
		n++
	}
	if n != 1 {
		return chronos.Errorf(chronos.ErrValidation, "restore target needs exactly one of ov, cv or at")
	}
	return nil
}

// resolveTarget locates the version row the target names. A cv or instant
// resolves to the record's latest version at or before it.
func (p *Pipeline) resolveTarget(ctx context.Context, id chronos.ID, target RestoreTarget) (Version, error) {
	switch {
	case target.OV != nil:
		return p.vers.Get(ctx, id, *target.OV)
	case target.CV != nil:
		return p.vers.LatestCVAtOrBefore(ctx, id, *target.CV)
	default:
		return p.vers.LatestAtOrBefore(ctx, id, *target.At)
	}
}

// RestoreObject rolls one record back to a prior version by writing a new
// version carrying the target's payload. History stays intact; the restore
// is itself just another committed version. A deleted target restores the
// tombstone, a live target resurrects a deleted record.
func (p *Pipeline) RestoreObject(ctx context.Context, id chronos.ID, target RestoreTarget, opts WriteOptions) (WriteResult, error) {
	if err := target.validate(true); err != nil {
		return WriteResult{}, err
	}
	owner, err := p.locks.acquire(ctx, id)
	if err != nil {
		return WriteResult{}, err
	}
	defer p.locks.release(ctx, id, owner)

	head, err := p.heads.Get(ctx, id)
	if err != nil {
		return WriteResult{}, err
	}
	tv, err := p.resolveTarget(ctx, id, target)
	if err != nil {
		return WriteResult{}, err
	}
	if tv.OV == head.OV {
		// Already at the target; nothing to write.
		return WriteResult{ID: id, OV: head.OV, CV: head.CV, At: tv.CommittedAt}, nil
	}
	payload, err := p.loadPayload(ctx, tv.JSONKey)
	if err != nil {
		return WriteResult{}, err
	}
	now := p.now().UTC()
	sys := metadata.ForRestore(tv.System, now)
	payload = withSystem(payload, sys)
	return p.commitNext(ctx, id, head.OV, head.OV+1, payload, sys, now, sys.Deleted, chronos.OpRestore, opts.BulkTag)
}

// RestoreCollection rolls every eligible record back to the collection-wide
// target (a cv or an instant). Records created after the target and records
// already at their target version are left unchanged. Processing stops at the
// first failure; the records restored so far stay restored.
func (p *Pipeline) RestoreCollection(ctx context.Context, target RestoreTarget, opts WriteOptions) (RestoreResult, error) {
	if err := target.validate(false); err != nil {
		return RestoreResult{}, err
	}
	var res RestoreResult
	var after chronos.ID
	const page = 500
	for {
		ids, err := p.heads.ListIDs(ctx, after, page)
		if err != nil {
			return res, err
		}
		if len(ids) == 0 {
			return res, nil
		}
		for _, id := range ids {
			restored, err := p.restoreOne(ctx, id, target, opts)
			if err != nil {
				res.FirstFailure = err
				return res, nil
			}
			if restored {
				res.ItemsRestored++
			}
		}
		after = ids[len(ids)-1]
		if int64(len(ids)) < page {
			return res, nil
		}
	}
}

// restoreOne reports whether the record actually moved. A record with no
// version at or before the target was created later and is skipped.
func (p *Pipeline) restoreOne(ctx context.Context, id chronos.ID, target RestoreTarget, opts WriteOptions) (bool, error) {
	head, err := p.heads.Get(ctx, id)
	if err != nil {
		return false, err
	}
	tv, err := p.resolveTarget(ctx, id, target)
	if chronos.CodeOf(err) == chronos.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if tv.OV == head.OV {
		return false, nil
	}
	if _, err := p.RestoreObject(ctx, id, target, opts); err != nil {
		return false, err
	}
	return true, nil
}

// RestoreAsOf is a convenience for instant-based targets.
func (p *Pipeline) RestoreAsOf(ctx context.Context, at time.Time, opts WriteOptions) (RestoreResult, error) {
	return p.RestoreCollection(ctx, RestoreTarget{At: &at}, opts)
}
