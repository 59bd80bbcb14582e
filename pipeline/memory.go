package pipeline

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/metadata"
)

// In-memory repositories for tests. They honor the same error taxonomy as
// the Mongo implementations.

// MemHeads is an in-memory HeadRepo.
type MemHeads struct {
	mu sync.Mutex
	m  map[chronos.ID]Head
}

// NewMemHeads returns an empty head repo.
func NewMemHeads() *MemHeads {
	return &MemHeads{m: map[chronos.ID]Head{}}
}

func (r *MemHeads) Get(ctx context.Context, id chronos.ID) (Head, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[id]
	if !ok {
		return Head{}, chronos.Errorf(chronos.ErrNotFound, "record %s not found", id)
	}
	return h, nil
}

func (r *MemHeads) Insert(ctx context.Context, h Head) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[h.ID]; ok {
		return chronos.Errorf(chronos.ErrOptimisticLock, "record %s already exists", h.ID)
	}
	r.m[h.ID] = h
	return nil
}

func (r *MemHeads) UpdateConditional(ctx context.Context, id chronos.ID, expectedOv uint64, h Head) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.m[id]
	if !ok {
		return chronos.Errorf(chronos.ErrNotFound, "record %s not found", id)
	}
	if cur.OV != expectedOv {
		return chronos.Errorf(chronos.ErrOptimisticLock, "record %s changed since ov %d", id, expectedOv)
	}
	r.m[id] = h
	return nil
}

func (r *MemHeads) Delete(ctx context.Context, id chronos.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
	return nil
}

func (r *MemHeads) List(ctx context.Context, q ListQuery) ([]Head, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Head
	for _, h := range r.m {
		if !q.AfterID.IsNil() && h.ID.Compare(q.AfterID) <= 0 {
			continue
		}
		if matchesMeta(h.MetaIndexed, q.Filter) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemHeads) ListIDs(ctx context.Context, afterID chronos.ID, limit int64) ([]chronos.ID, error) {
	heads, err := r.List(ctx, ListQuery{AfterID: afterID, Limit: limit})
	if err != nil {
		return nil, err
	}
	ids := make([]chronos.ID, len(heads))
	for i, h := range heads {
		ids[i] = h.ID
	}
	return ids, nil
}

// matchesMeta is equality-only; operator filters belong to the Mongo
// implementation.
func matchesMeta(meta map[string]any, filter map[string]any) bool {
	for path, want := range filter {
		got, ok := metadata.GetPath(meta, path)
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// MemVers is an in-memory VerRepo with one-shot append failure injection.
type MemVers struct {
	mu sync.Mutex
	m  []Version
	// FailNextAppend, when non-nil, fails the next Append once.
	FailNextAppend error
}

// NewMemVers returns an empty version repo.
func NewMemVers() *MemVers {
	return &MemVers{}
}

func (r *MemVers) Append(ctx context.Context, v Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNextAppend != nil {
		err := r.FailNextAppend
		r.FailNextAppend = nil
		return chronos.NewError(chronos.ErrStorage, err)
	}
	for _, cur := range r.m {
		if cur.ItemID == v.ItemID && cur.OV == v.OV {
			return chronos.Errorf(chronos.ErrOptimisticLock, "version %s/v%d already committed", v.ItemID, v.OV)
		}
	}
	r.m = append(r.m, v)
	return nil
}

func (r *MemVers) Get(ctx context.Context, itemID chronos.ID, ov uint64) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.m {
		if v.ItemID == itemID && v.OV == ov {
			return v, nil
		}
	}
	return Version{}, chronos.Errorf(chronos.ErrNotFound, "version %s/v%d not found", itemID, ov)
}

func (r *MemVers) pick(itemID chronos.ID, keep func(Version) bool) (Version, error) {
	var best Version
	found := false
	for _, v := range r.m {
		if v.ItemID != itemID || !keep(v) {
			continue
		}
		if !found || v.OV > best.OV {
			best = v
			found = true
		}
	}
	if !found {
		return Version{}, chronos.Errorf(chronos.ErrNotFound, "no matching version")
	}
	return best, nil
}

func (r *MemVers) LatestAtOrBefore(ctx context.Context, itemID chronos.ID, at time.Time) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pick(itemID, func(v Version) bool { return !v.CommittedAt.After(at) })
}

func (r *MemVers) LatestCVAtOrBefore(ctx context.Context, itemID chronos.ID, cv uint64) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pick(itemID, func(v Version) bool { return v.CV <= cv })
}

func (r *MemVers) Latest(ctx context.Context, itemID chronos.ID) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pick(itemID, func(Version) bool { return true })
}

func (r *MemVers) DeleteAll(ctx context.Context, itemID chronos.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.m[:0]
	for _, v := range r.m {
		if v.ItemID != itemID {
			kept = append(kept, v)
		}
	}
	r.m = kept
	return nil
}

// MemCounter is an in-memory cv allocator.
type MemCounter struct {
	mu sync.Mutex
	n  uint64
}

// NewMemCounter starts the allocator at zero.
func NewMemCounter() *MemCounter {
	return &MemCounter{}
}

func (r *MemCounter) Next(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return r.n, nil
}

// MemLocks is an in-memory LockRepo honoring expiry.
type MemLocks struct {
	mu sync.Mutex
	m  map[chronos.ID]lockDoc
}

// NewMemLocks returns an empty lock repo.
func NewMemLocks() *MemLocks {
	return &MemLocks{m: map[chronos.ID]lockDoc{}}
}

func (r *MemLocks) Acquire(ctx context.Context, itemID chronos.ID, ownerID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if cur, ok := r.m[itemID]; ok && cur.ExpiresAt.After(now) && cur.OwnerID != ownerID {
		return chronos.Errorf(chronos.ErrLockBusy, "record %s is locked by another writer", itemID)
	}
	r.m[itemID] = lockDoc{ID: itemID, OwnerID: ownerID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

func (r *MemLocks) Release(ctx context.Context, itemID chronos.ID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[itemID]; ok && cur.OwnerID == ownerID {
		delete(r.m, itemID)
	}
	return nil
}

// Held reports whether a live lock exists on the item (test helper).
func (r *MemLocks) Held(itemID chronos.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.m[itemID]
	return ok && cur.ExpiresAt.After(time.Now().UTC())
}

// memCommitter runs commits inline; transactional is a flag so tests can
// exercise both commit paths.
type memCommitter struct {
	transactional bool
}

func (c memCommitter) Transactional() bool { return c.transactional }

func (c memCommitter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// NewMemRepos bundles fresh in-memory repositories.
func NewMemRepos(transactional bool) *Repos {
	return &Repos{
		Heads:   NewMemHeads(),
		Vers:    NewMemVers(),
		Counter: NewMemCounter(),
		Locks:   NewMemLocks(),
		Txn:     memCommitter{transactional: transactional},
	}
}
