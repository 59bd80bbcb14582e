package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/storage"
)

type sinkRecorder struct {
	mu  sync.Mutex
	ops []chronos.OperationType
}

func (s *sinkRecorder) Bump(ctx context.Context, op chronos.OperationType, meta map[string]any, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *sinkRecorder) recorded() []chronos.OperationType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chronos.OperationType{}, s.ops...)
}

// fakeClock advances one second per reading so every commit gets a distinct
// instant.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func testOptions(repos *Repos, store *storage.MockStore) Options {
	return Options{
		Collection: "users",
		Map: chronos.CollectionMap{
			IndexedProps: []string{"name", "email", "tags[]"},
			Validation:   chronos.MapValidation{RequiredIndexed: []string{"name"}},
		},
		Store:   store,
		Buckets: chronos.BucketSet{Bucket: "chronos-test"},
		Heads:   repos.Heads,
		Vers:    repos.Vers,
		Counter: repos.Counter,
		Locks:   repos.Locks,
		Txn:     repos.Txn,
		Now:     newFakeClock().now,
	}
}

func newTestPipeline(t *testing.T, mutate func(*Options)) (*Pipeline, *storage.MockStore, *Repos) {
	t.Helper()
	repos := NewMemRepos(true)
	store := storage.NewMockStore()
	opts := testOptions(repos, store)
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, store, repos
}

func TestCreateAndGetLatest(t *testing.T) {
	ctx := context.Background()
	sink := &sinkRecorder{}
	p, store, repos := newTestPipeline(t, func(o *Options) { o.Counters = sink })

	res, err := p.Create(ctx, map[string]any{"name": "ada", "email": "ada@x.io", "internal": "hidden"}, WriteOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.OV != 0 || res.CV != 1 {
		t.Errorf("expected ov 0 cv 1, got ov %d cv %d", res.OV, res.CV)
	}
	if !store.Exists("chronos-test", storage.ItemKey("users", res.ID.String(), 0)) {
		t.Errorf("payload blob missing")
	}
	rec, err := p.GetLatest(ctx, res.ID, ReadOptions{IncludePayload: true})
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if rec.Payload["name"] != "ada" {
		t.Errorf("payload round-trip lost name: %v", rec.Payload)
	}
	if rec.Head.MetaIndexed["name"] != "ada" || rec.Head.MetaIndexed["email"] != "ada@x.io" {
		t.Errorf("indexed projection wrong: %v", rec.Head.MetaIndexed)
	}
	if _, ok := rec.Head.MetaIndexed["internal"]; ok {
		t.Errorf("non-indexed property leaked into metaIndexed")
	}
	if rec.Head.System.InsertedAt.IsZero() || !rec.Head.System.InsertedAt.Equal(rec.Head.System.UpdatedAt) {
		t.Errorf("create lifecycle header wrong: %+v", rec.Head.System)
	}
	if got := sink.recorded(); len(got) != 1 || got[0] != chronos.OpCreate {
		t.Errorf("counter sink saw %v", got)
	}
	if repos.Locks.(*MemLocks).Held(res.ID) {
		t.Errorf("record lock not released")
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t, nil)
	if _, err := p.Create(ctx, map[string]any{"email": "no-name@x.io"}, WriteOptions{}); chronos.CodeOf(err) != chronos.ErrValidation {
		t.Errorf("missing required field must fail validation, got %v", err)
	}
	if _, err := p.Create(ctx, nil, WriteOptions{}); chronos.CodeOf(err) != chronos.ErrValidation {
		t.Errorf("empty payload must fail validation, got %v", err)
	}
}

func TestUpdateOptimisticLock(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPipeline(t, nil)
	res, err := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := p.Update(ctx, res.ID, map[string]any{"name": "lovelace"}, 7, WriteOptions{}); chronos.CodeOf(err) != chronos.ErrOptimisticLock {
		t.Fatalf("stale expectedOv must conflict, got %v", err)
	}
	up, err := p.Update(ctx, res.ID, map[string]any{"name": "lovelace"}, 0, WriteOptions{})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if up.OV != 1 || up.CV != 2 {
		t.Errorf("expected ov 1 cv 2, got %+v", up)
	}
	// Prior version blob is immutable and stays readable.
	if !store.Exists("chronos-test", storage.ItemKey("users", res.ID.String(), 0)) {
		t.Errorf("v0 blob was overwritten or removed")
	}
	v0, err := p.GetVersion(ctx, res.ID, 0)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v0.Payload["name"] != "ada" {
		t.Errorf("v0 payload mutated: %v", v0.Payload)
	}
	rec, _ := p.GetLatest(ctx, res.ID, ReadOptions{})
	if rec.Head.System.InsertedAt.IsZero() || !rec.Head.System.UpdatedAt.After(rec.Head.System.InsertedAt) {
		t.Errorf("update must refresh updatedAt only: %+v", rec.Head.System)
	}
}

func TestDeleteTombstone(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t, nil)
	res, _ := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	del, err := p.Delete(ctx, res.ID, 0, WriteOptions{})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if del.OV != 1 {
		t.Errorf("tombstone must be a new version, got ov %d", del.OV)
	}
	rec, err := p.GetLatest(ctx, res.ID, ReadOptions{})
	if err != nil {
		t.Fatalf("GetLatest after delete failed: %v", err)
	}
	if !rec.Head.Deleted || rec.Head.DeletedAt == nil || !rec.Head.System.Deleted {
		t.Errorf("tombstone markers missing: %+v", rec.Head)
	}
	// History stays readable.
	if v0, err := p.GetVersion(ctx, res.ID, 0); err != nil || v0.Payload["name"] != "ada" {
		t.Errorf("prior version unreadable after delete: %v %v", v0.Payload, err)
	}
	if _, err := p.Delete(ctx, res.ID, 1, WriteOptions{}); chronos.CodeOf(err) != chronos.ErrNotFound {
		t.Errorf("double delete should report not found, got %v", err)
	}
	if _, err := p.Update(ctx, res.ID, map[string]any{"name": "x"}, 1, WriteOptions{}); chronos.CodeOf(err) != chronos.ErrNotFound {
		t.Errorf("update of deleted record should report not found, got %v", err)
	}
}

func TestEnrichMerge(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t, nil)
	res, _ := p.Create(ctx, map[string]any{
		"name": "ada",
		"tags": []any{"math"},
		"profile": map[string]any{
			"city": "london",
			"born": float64(1815),
		},
	}, WriteOptions{})

	up, err := p.Enrich(ctx, res.ID, []map[string]any{
		{"tags": []any{"pioneer"}, "profile": map[string]any{"field": "computing"}},
		{"profile": map[string]any{"born": nil}},
	}, WriteOptions{FunctionID: "fx-profile"})
	if err != nil {
		t.Fatalf("Enrich failed: %v", err)
	}
	if up.OV != 1 {
		t.Errorf("enrich must bump ov, got %d", up.OV)
	}
	rec, _ := p.GetLatest(ctx, res.ID, ReadOptions{IncludePayload: true})
	tags, _ := rec.Payload["tags"].([]any)
	if len(tags) != 2 {
		t.Errorf("array union lost elements: %v", tags)
	}
	profile, _ := rec.Payload["profile"].(map[string]any)
	if profile["city"] != "london" || profile["field"] != "computing" {
		t.Errorf("nested merge wrong: %v", profile)
	}
	if v, ok := profile["born"]; !ok || v != nil {
		t.Errorf("null override must null the property, got %v (present %v)", v, ok)
	}
	if got := rec.Head.System.FunctionIDs; len(got) != 1 || got[0] != "fx-profile" {
		t.Errorf("function id not recorded: %v", got)
	}

	// Same source tag again stays unique.
	if _, err := p.Enrich(ctx, res.ID, []map[string]any{{"seen": true}}, WriteOptions{FunctionID: "fx-profile"}); err != nil {
		t.Fatalf("second Enrich failed: %v", err)
	}
	rec, _ = p.GetLatest(ctx, res.ID, ReadOptions{})
	if got := rec.Head.System.FunctionIDs; len(got) != 1 {
		t.Errorf("function ids must stay unique: %v", got)
	}
}

func TestSequencedCommitRepair(t *testing.T) {
	ctx := context.Background()
	repos := NewMemRepos(false)
	store := storage.NewMockStore()
	var repaired []Version
	opts := testOptions(repos, store)
	opts.Repair = func(ctx context.Context, v Version) { repaired = append(repaired, v) }
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	repos.Vers.(*MemVers).FailNextAppend = context.DeadlineExceeded
	up, err := p.Update(ctx, res.ID, map[string]any{"name": "lovelace"}, 0, WriteOptions{})
	if err != nil {
		t.Fatalf("sequenced write with repair sink must succeed, got %v", err)
	}
	if len(repaired) != 1 || repaired[0].OV != up.OV {
		t.Fatalf("repair not enqueued: %v", repaired)
	}
	// The head is authoritative even before repair.
	rec, _ := p.GetLatest(ctx, res.ID, ReadOptions{})
	if rec.Head.OV != 1 {
		t.Errorf("head not committed: %+v", rec.Head)
	}
	if _, err := p.GetVersion(ctx, res.ID, 1); chronos.CodeOf(err) != chronos.ErrNotFound {
		t.Fatalf("version row should be missing before repair, got %v", err)
	}
	if err := p.RepairVersion(ctx, repaired[0]); err != nil {
		t.Fatalf("RepairVersion failed: %v", err)
	}
	if _, err := p.GetVersion(ctx, res.ID, 1); err != nil {
		t.Errorf("version row missing after repair: %v", err)
	}
	// Repair is idempotent.
	if err := p.RepairVersion(ctx, repaired[0]); err != nil {
		t.Errorf("second repair must be a no-op, got %v", err)
	}
}

func TestSequencedCommitWithoutRepairSink(t *testing.T) {
	ctx := context.Background()
	repos := NewMemRepos(false)
	store := storage.NewMockStore()
	p, _ := New(testOptions(repos, store))
	res, _ := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	repos.Vers.(*MemVers).FailNextAppend = context.DeadlineExceeded
	if _, err := p.Update(ctx, res.ID, map[string]any{"name": "x"}, 0, WriteOptions{}); chronos.CodeOf(err) != chronos.ErrTxn {
		t.Errorf("partial commit without repair sink must surface a txn error, got %v", err)
	}
}

func TestBlobFailureAbortsBeforeIndex(t *testing.T) {
	ctx := context.Background()
	p, store, repos := newTestPipeline(t, nil)
	store.SetFailPuts(context.DeadlineExceeded)
	_, err := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	if chronos.CodeOf(err) != chronos.ErrStorage {
		t.Fatalf("expected storage error, got %v", err)
	}
	heads, _ := repos.Heads.List(ctx, ListQuery{})
	if len(heads) != 0 {
		t.Errorf("index row committed despite blob failure")
	}
}

func TestShadowPolicy(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t, func(o *Options) {
		o.Shadow = chronos.DevShadowConfig{Enabled: true, MaxBytesPerDoc: 256}
	})
	res, _ := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	rec, _ := p.GetLatest(ctx, res.ID, ReadOptions{})
	if rec.Head.FullShadow == nil {
		t.Fatalf("small payload should carry a shadow")
	}

	big := make([]any, 100)
	for i := range big {
		big[i] = "xxxxxxxxxxxxxxxx"
	}
	res2, _ := p.Create(ctx, map[string]any{"name": "big", "blob": big}, WriteOptions{})
	rec2, _ := p.GetLatest(ctx, res2.ID, ReadOptions{})
	if rec2.Head.FullShadow != nil {
		t.Errorf("oversized payload must skip the shadow")
	}
}

func TestShadowSkipHook(t *testing.T) {
	ctx := context.Background()
	var seenTag string
	p, _, _ := newTestPipeline(t, func(o *Options) {
		o.Shadow = chronos.DevShadowConfig{Enabled: true, MaxBytesPerDoc: 4096}
		o.ShadowSkip = func(bulkTag string, size int) bool {
			seenTag = bulkTag
			return bulkTag == "BULK_UPDATE"
		}
	})
	res, _ := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	if _, err := p.Update(ctx, res.ID, map[string]any{"name": "x"}, 0, WriteOptions{BulkTag: "BULK_UPDATE"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if seenTag != "BULK_UPDATE" {
		t.Errorf("skip hook not consulted, saw %q", seenTag)
	}
	rec, _ := p.GetLatest(ctx, res.ID, ReadOptions{})
	if rec.Head.FullShadow != nil {
		t.Errorf("bulk update must skip the shadow")
	}
}

func TestLockBusy(t *testing.T) {
	ctx := context.Background()
	p, _, repos := newTestPipeline(t, nil)
	res, _ := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	if err := repos.Locks.Acquire(ctx, res.ID, "other-writer", time.Minute); err != nil {
		t.Fatalf("pre-lock failed: %v", err)
	}
	_, err := p.Update(ctx, res.ID, map[string]any{"name": "x"}, 0, WriteOptions{})
	if chronos.CodeOf(err) != chronos.ErrLockBusy {
		t.Errorf("held lock must surface lock busy, got %v", err)
	}
}

func TestHardDelete(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t, nil)
	res, _ := p.Create(ctx, map[string]any{"name": "ada"}, WriteOptions{})
	if err := p.HardDelete(ctx, res.ID, HardDeleteConfirmation); chronos.CodeOf(err) != chronos.ErrValidation {
		t.Fatalf("hard delete must be rejected while disabled, got %v", err)
	}

	p2, store2, _ := newTestPipeline(t, func(o *Options) { o.HardDeleteEnabled = true })
	res2, _ := p2.Create(ctx, map[string]any{"name": "eve"}, WriteOptions{})
	if _, err := p2.Update(ctx, res2.ID, map[string]any{"name": "eve2"}, 0, WriteOptions{}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := p2.HardDelete(ctx, res2.ID, "yes please"); chronos.CodeOf(err) != chronos.ErrValidation {
		t.Fatalf("wrong confirmation must be rejected, got %v", err)
	}
	if err := p2.HardDelete(ctx, res2.ID, HardDeleteConfirmation); err != nil {
		t.Fatalf("HardDelete failed: %v", err)
	}
	if _, err := p2.GetLatest(ctx, res2.ID, ReadOptions{}); chronos.CodeOf(err) != chronos.ErrNotFound {
		t.Errorf("head must be gone, got %v", err)
	}
	if _, err := p2.GetVersion(ctx, res2.ID, 0); chronos.CodeOf(err) != chronos.ErrNotFound {
		t.Errorf("version rows must be gone, got %v", err)
	}
	for ov := uint64(0); ov <= 1; ov++ {
		if store2.Exists("chronos-test", storage.ItemKey("users", res2.ID.String(), ov)) {
			t.Errorf("blob v%d survived the purge", ov)
		}
	}
}

func TestListByMeta(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t, nil)
	for _, name := range []string{"ada", "eve", "ada"} {
		if _, err := p.Create(ctx, map[string]any{"name": name}, WriteOptions{}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	heads, err := p.ListByMeta(ctx, ListQuery{Filter: map[string]any{"name": "ada"}})
	if err != nil {
		t.Fatalf("ListByMeta failed: %v", err)
	}
	if len(heads) != 2 {
		t.Errorf("expected 2 matches, got %d", len(heads))
	}
}

func TestWriteManifest(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPipeline(t, nil)
	var last WriteResult
	for _, name := range []string{"a", "b", "c"} {
		r, err := p.Create(ctx, map[string]any{"name": name}, WriteOptions{})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		last = r
	}
	key, err := p.WriteManifest(ctx)
	if err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}
	coll, _, _, cv, err := storage.ParseManifestKey(key)
	if err != nil || coll != "users" {
		t.Fatalf("manifest key malformed: %q, %v", key, err)
	}
	if cv != last.CV {
		t.Errorf("manifest cv %d, want %d", cv, last.CV)
	}
	if !store.Exists("chronos-test", key) {
		t.Errorf("manifest blob missing")
	}
}
