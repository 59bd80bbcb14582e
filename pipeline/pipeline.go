package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/metadata"
	"github.com/chronosdb/chronos/storage"
)

// Options wires one Pipeline instance to a routed collection.
type Options struct {
	Collection string
	Map        chronos.CollectionMap
	Store      storage.Store
	// Buckets must already be normalized (legacy single-bucket fanned out).
	Buckets chronos.BucketSet
	Heads   HeadRepo
	Vers    VerRepo
	Counter CounterRepo
	Locks   LockRepo
	Txn     Committer
	// Counters is optional; nil disables scenario counting.
	Counters CounterSink
	// Repair is optional; nil downgrades sequenced-commit repair to an error.
	Repair RepairFunc
	Shadow chronos.DevShadowConfig
	// ShadowSkip is the optional write-optimizer policy; when it returns true
	// the inline snapshot is omitted for this write.
	ShadowSkip        func(bulkTag string, size int) bool
	HardDeleteEnabled bool
	// Now is a test hook; defaults to time.Now.
	Now func() time.Time
}

// Pipeline executes the versioned commit protocol against one routed
// collection: validate, lock, externalize, allocate cv, persist the blob,
// then commit head+ver and bump counters.
type Pipeline struct {
	collection string
	cmap       chronos.CollectionMap
	store      storage.Store
	buckets    chronos.BucketSet
	heads      HeadRepo
	vers       VerRepo
	counter    CounterRepo
	locks      *locker
	txn        Committer
	counters   CounterSink
	repair     RepairFunc
	shadow     chronos.DevShadowConfig
	shadowSkip func(bulkTag string, size int) bool
	hardDelete bool
	now        func() time.Time
}

// New validates the wiring and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Collection == "" {
		return nil, chronos.Errorf(chronos.ErrConfig, "pipeline needs a collection name")
	}
	if opts.Store == nil || opts.Heads == nil || opts.Vers == nil || opts.Counter == nil || opts.Locks == nil || opts.Txn == nil {
		return nil, chronos.Errorf(chronos.ErrConfig, "pipeline for %q is missing a repository", opts.Collection)
	}
	buckets := opts.Buckets.Normalize()
	if buckets.Records == "" {
		return nil, chronos.Errorf(chronos.ErrConfig, "pipeline for %q has no records bucket", opts.Collection)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		collection: opts.Collection,
		cmap:       opts.Map,
		store:      opts.Store,
		buckets:    buckets,
		heads:      opts.Heads,
		vers:       opts.Vers,
		counter:    opts.Counter,
		locks:      newLocker(opts.Locks),
		txn:        opts.Txn,
		counters:   opts.Counters,
		repair:     opts.Repair,
		shadow:     opts.Shadow,
		shadowSkip: opts.ShadowSkip,
		hardDelete: opts.HardDeleteEnabled,
		now:        now,
	}, nil
}

// Collection returns the logical collection name this pipeline serves.
func (p *Pipeline) Collection() string {
	return p.collection
}

// Create persists a new record at ov 0.
func (p *Pipeline) Create(ctx context.Context, data map[string]any, opts WriteOptions) (WriteResult, error) {
	if len(data) == 0 {
		return WriteResult{}, chronos.Errorf(chronos.ErrValidation, "create payload is empty")
	}
	if err := metadata.ValidateRequired(data, p.cmap); err != nil {
		return WriteResult{}, err
	}
	id := chronos.NewID()
	owner, err := p.locks.acquire(ctx, id)
	if err != nil {
		return WriteResult{}, err
	}
	defer p.locks.release(ctx, id, owner)

	now := p.now().UTC()
	sys := metadata.NewSystemCreate(now, opts.Lineage)
	payload := withSystem(data, sys)
	payload, err = metadata.Externalize(ctx, p.store, p.buckets.Content, p.collection, id.String(), 0, payload, p.cmap)
	if err != nil {
		return WriteResult{}, err
	}
	cv, err := p.counter.Next(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	jsonKey := storage.ItemKey(p.collection, id.String(), 0)
	if _, err := p.store.PutJSON(ctx, p.buckets.Records, jsonKey, payload); err != nil {
		return WriteResult{}, err
	}
	meta := metadata.ExtractIndexed(payload, p.cmap)
	head := Head{ID: id, OV: 0, CV: cv, MetaIndexed: meta, JSONKey: jsonKey, System: sys}
	p.attachShadow(&head, payload, now, opts.BulkTag)
	ver := Version{ItemID: id, OV: 0, CV: cv, JSONKey: jsonKey, MetaIndexed: meta, System: sys, CommittedAt: now}
	if err := p.commit(ctx, func(ctx context.Context) error {
		return p.heads.Insert(ctx, head)
	}, ver); err != nil {
		return WriteResult{}, err
	}
	p.bump(ctx, chronos.OpCreate, meta, payload)
	return WriteResult{ID: id, OV: 0, CV: cv, At: now}, nil
}

// Update replaces the record's payload, committing only when the head still
// sits at expectedOv.
func (p *Pipeline) Update(ctx context.Context, id chronos.ID, data map[string]any, expectedOv uint64, opts WriteOptions) (WriteResult, error) {
	if len(data) == 0 {
		return WriteResult{}, chronos.Errorf(chronos.ErrValidation, "update payload is empty")
	}
	if err := metadata.ValidateRequired(data, p.cmap); err != nil {
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
	if head.Deleted {
		return WriteResult{}, chronos.Errorf(chronos.ErrNotFound, "record %s is deleted", id)
	}
	if head.OV != expectedOv {
		return WriteResult{}, chronos.Errorf(chronos.ErrOptimisticLock, "record %s is at ov %d, expected %d", id, head.OV, expectedOv)
	}
	now := p.now().UTC()
	sys := head.System.ForUpdate(now)
	newOv := expectedOv + 1
	payload := withSystem(data, sys)
	payload, err = metadata.Externalize(ctx, p.store, p.buckets.Content, p.collection, id.String(), newOv, payload, p.cmap)
	if err != nil {
		return WriteResult{}, err
	}
	return p.commitNext(ctx, id, expectedOv, newOv, payload, sys, now, false, chronos.OpUpdate, opts.BulkTag)
}

// Delete tombstones the record: a new version carrying the deleted marker.
// Blobs and prior versions stay readable.
func (p *Pipeline) Delete(ctx context.Context, id chronos.ID, expectedOv uint64, opts WriteOptions) (WriteResult, error) {
	owner, err := p.locks.acquire(ctx, id)
	if err != nil {
		return WriteResult{}, err
	}
	defer p.locks.release(ctx, id, owner)

	head, err := p.heads.Get(ctx, id)
	if err != nil {
		return WriteResult{}, err
	}
	if head.Deleted {
		return WriteResult{}, chronos.Errorf(chronos.ErrNotFound, "record %s is already deleted", id)
	}
	if head.OV != expectedOv {
		return WriteResult{}, chronos.Errorf(chronos.ErrOptimisticLock, "record %s is at ov %d, expected %d", id, head.OV, expectedOv)
	}
	payload, err := p.loadPayload(ctx, head.JSONKey)
	if err != nil {
		return WriteResult{}, err
	}
	now := p.now().UTC()
	sys := head.System.ForDelete(now)
	payload = withSystem(payload, sys)
	return p.commitNext(ctx, id, expectedOv, expectedOv+1, payload, sys, now, true, chronos.OpDelete, opts.BulkTag)
}

// Enrich deep-merges the patches into the current payload under the record
// lock; the lock serializes concurrent enrichers, so no expectedOv is taken.
func (p *Pipeline) Enrich(ctx context.Context, id chronos.ID, patches []map[string]any, opts WriteOptions) (WriteResult, error) {
	if len(patches) == 0 {
		return WriteResult{}, chronos.Errorf(chronos.ErrValidation, "enrich needs at least one patch")
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
	if head.Deleted {
		return WriteResult{}, chronos.Errorf(chronos.ErrNotFound, "record %s is deleted", id)
	}
	merged, err := p.loadPayload(ctx, head.JSONKey)
	if err != nil {
		return WriteResult{}, err
	}
	for _, patch := range patches {
		merged = metadata.Merge(merged, stripSystem(patch))
	}
	now := p.now().UTC()
	sys := head.System.ForUpdate(now).AddFunctionID(opts.FunctionID)
	newOv := head.OV + 1
	merged = withSystem(merged, sys)
	merged, err = metadata.Externalize(ctx, p.store, p.buckets.Content, p.collection, id.String(), newOv, merged, p.cmap)
	if err != nil {
		return WriteResult{}, err
	}
	return p.commitNext(ctx, id, head.OV, newOv, merged, sys, now, false, chronos.OpEnrich, opts.BulkTag)
}

// commitNext allocates the cv, persists the blob and commits the new head and
// version row conditioned on expectedOv. Shared by update, delete, enrich and
// restore.
func (p *Pipeline) commitNext(ctx context.Context, id chronos.ID, expectedOv uint64, newOv uint64, payload map[string]any, sys metadata.SystemHeader, now time.Time, deleted bool, op chronos.OperationType, bulkTag string) (WriteResult, error) {
	cv, err := p.counter.Next(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	jsonKey := storage.ItemKey(p.collection, id.String(), newOv)
	if _, err := p.store.PutJSON(ctx, p.buckets.Records, jsonKey, payload); err != nil {
		return WriteResult{}, err
	}
	meta := metadata.ExtractIndexed(payload, p.cmap)
	head := Head{ID: id, OV: newOv, CV: cv, MetaIndexed: meta, JSONKey: jsonKey, System: sys}
	if deleted {
		head.Deleted = true
		t := now
		head.DeletedAt = &t
	}
	p.attachShadow(&head, payload, now, bulkTag)
	ver := Version{ItemID: id, OV: newOv, CV: cv, JSONKey: jsonKey, MetaIndexed: meta, System: sys, CommittedAt: now, Deleted: deleted}
	if err := p.commit(ctx, func(ctx context.Context) error {
		return p.heads.UpdateConditional(ctx, id, expectedOv, head)
	}, ver); err != nil {
		return WriteResult{}, err
	}
	p.bump(ctx, op, meta, payload)
	return WriteResult{ID: id, OV: newOv, CV: cv, At: now}, nil
}

// commit applies the head write and version append, atomically when the
// backend supports transactions. On a sequenced backend the head commits
// first; a failed version append enqueues a compensating repair instead of
// failing the write, since the head is already authoritative.
func (p *Pipeline) commit(ctx context.Context, headWrite func(context.Context) error, v Version) error {
	if p.txn.Transactional() {
		return p.txn.Run(ctx, func(ctx context.Context) error {
			if err := headWrite(ctx); err != nil {
				return err
			}
			return p.vers.Append(ctx, v)
		})
	}
	if err := headWrite(ctx); err != nil {
		return err
	}
	if err := p.vers.Append(ctx, v); err != nil {
		if p.repair != nil {
			log.Warn(fmt.Sprintf("version append for %s/v%d failed, enqueueing repair, details: %v", v.ItemID, v.OV, err))
			p.repair(ctx, v)
			return nil
		}
		return chronos.Errorf(chronos.ErrTxn, "head committed but version append failed for %s/v%d, details: %v", v.ItemID, v.OV, err)
	}
	return nil
}

// RepairVersion re-appends a version row lost to a partial sequenced commit.
// Idempotent: an already-present row is success.
func (p *Pipeline) RepairVersion(ctx context.Context, v Version) error {
	err := p.vers.Append(ctx, v)
	if chronos.CodeOf(err) == chronos.ErrOptimisticLock {
		return nil
	}
	return err
}

// bump forwards the committed write to the counter sink. Counting is
// best-effort and never fails the write.
func (p *Pipeline) bump(ctx context.Context, op chronos.OperationType, meta map[string]any, payload map[string]any) {
	log.Warn(fmt.Sprintf("DBG pipeline.bump op=%s counters=%T nil=%v", op, p.counters, p.counters == nil))
	if p.counters == nil {
		return
	}
	p.counters.Bump(ctx, op, meta, payload)
}

// attachShadow inlines the payload snapshot onto the head when the dev
// shadow is enabled and the optimizer policy does not skip it.
func (p *Pipeline) attachShadow(head *Head, payload map[string]any, now time.Time, bulkTag string) {
	if !p.shadow.Enabled {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Warn(fmt.Sprintf("shadow marshal for %s failed, details: %v", head.ID, err))
		return
	}
	if p.shadow.MaxBytesPerDoc > 0 && len(b) > p.shadow.MaxBytesPerDoc {
		return
	}
	if p.shadowSkip != nil && p.shadowSkip(bulkTag, len(b)) {
		return
	}
	head.FullShadow = &Shadow{At: now, Bytes: b}
}

// loadPayload fetches and decodes the authoritative JSON blob.
func (p *Pipeline) loadPayload(ctx context.Context, jsonKey string) (map[string]any, error) {
	raw, err := p.store.Get(ctx, p.buckets.Records, jsonKey)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, chronos.Errorf(chronos.ErrStorage, "decoding payload %s, details: %v", jsonKey, err)
	}
	return payload, nil
}

// withSystem shallow-copies data with the lifecycle header installed,
// discarding any caller-supplied _system.
func withSystem(data map[string]any, sys metadata.SystemHeader) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		if k == metadata.SystemKey {
			continue
		}
		out[k] = v
	}
	out[metadata.SystemKey] = sys
	return out
}

// stripSystem shallow-copies a patch without its _system property.
func stripSystem(patch map[string]any) map[string]any {
	if _, ok := patch[metadata.SystemKey]; !ok {
		return patch
	}
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		if k == metadata.SystemKey {
			continue
		}
		out[k] = v
	}
	return out
}
