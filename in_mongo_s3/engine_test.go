package in_mongo_s3

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/counters"
	"github.com/chronosdb/chronos/fallback"
	"github.com/chronosdb/chronos/pipeline"
	"github.com/chronosdb/chronos/router"
	"github.com/chronosdb/chronos/storage"
)

func testConfig() chronos.Config {
	return chronos.Config{
		MongoConns: []chronos.MongoConn{
			{Key: "m0", URI: "mongodb://db0:27017"},
		},
		SpacesConnections: map[string]chronos.SpacesConn{
			"s0": {Endpoint: "http://127.0.0.1:9000", Region: "us-east-1", AccessKey: "k", SecretKey: "s"},
		},
		Databases: chronos.Databases{
			Metadata: chronos.TierSet{
				Generic: []chronos.BackendRef{
					{Key: "gen-0", MongoConn: "m0", SpacesConn: "s0", Buckets: chronos.BucketSet{Bucket: "chronos-test"}},
				},
			},
		},
		CollectionMaps: map[string]chronos.CollectionMap{
			"users": {IndexedProps: []string{"name", "email"}},
		},
		Fallback: chronos.FallbackConfig{
			Enabled:     true,
			MaxAttempts: 5,
			BaseDelayMs: 1,
			MaxDelayMs:  2,
		},
	}
}

type testEngine struct {
	*Engine
	store *storage.MockStore
	repos *pipeline.Repos
	vers  *pipeline.MemVers
	queue *fallback.MemStore
}

// newTestEngine composes an engine over in-memory repositories, a mock blob
// store and a process-local queue. transactional selects the committer the
// routed backend pretends to be.
func newTestEngine(t *testing.T, transactional bool, mutate func(*chronos.Config)) *testEngine {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	repos := pipeline.NewMemRepos(transactional)
	vers := pipeline.NewMemVers()
	repos.Vers = vers
	queue := fallback.NewMemStore()
	e, err := New(context.Background(), Options{
		Config: cfg,
		ReposFor: func(res router.Resolution, collection string) (*pipeline.Repos, error) {
			return repos, nil
		},
		FallbackStore: queue,
		CounterRepo:   counters.NewMemRepo(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	store := storage.NewMockStore()
	e.Router().SetStore("s0", store)
	return &testEngine{Engine: e, store: store, repos: repos, vers: vers, queue: queue}
}

func userRoute() chronos.RouteContext {
	return chronos.RouteContext{DBName: "app", Collection: "users"}
}

func TestEngineCreateReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true, nil)
	route := userRoute()

	res := e.Create(ctx, "", route, map[string]any{"name": "ada", "email": "ada@example.com"}, pipeline.WriteOptions{})
	if !res.Completed || res.Err != nil {
		t.Fatalf("create did not complete: %+v", res)
	}
	if res.RequestID == "" {
		t.Errorf("create must assign a request id")
	}

	rec, err := e.GetLatest(ctx, route, res.Write.ID, pipeline.ReadOptions{IncludePayload: true})
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if rec.Head.OV != 0 || rec.Payload["name"] != "ada" {
		t.Errorf("unexpected read-back: head=%+v payload=%v", rec.Head, rec.Payload)
	}
}

func TestEnginePipelineCachedPerRoute(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true, nil)
	route := userRoute()

	for i := 0; i < 3; i++ {
		if res := e.Create(ctx, "", route, map[string]any{"name": "n"}, pipeline.WriteOptions{}); res.Err != nil {
			t.Fatalf("create %d failed: %v", i, res.Err)
		}
	}
	e.mu.Lock()
	n := len(e.pipelines)
	e.mu.Unlock()
	if n != 1 {
		t.Errorf("expected one cached pipeline, got %d", n)
	}
}

func TestEnginePermanentFailureNotQueued(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true, nil)
	route := userRoute()

	created := e.Create(ctx, "", route, map[string]any{"name": "ada"}, pipeline.WriteOptions{})
	if created.Err != nil {
		t.Fatalf("create failed: %v", created.Err)
	}

	res := e.Update(ctx, "", route, created.Write.ID, map[string]any{"name": "bea"}, 7, pipeline.WriteOptions{})
	if res.Completed || res.Queued {
		t.Fatalf("stale-ov update must fail outright: %+v", res)
	}
	if chronos.CodeOf(res.Err) != chronos.ErrOptimisticLock {
		t.Errorf("expected optimistic-lock error, got %v", res.Err)
	}
	if e.queue.QueueLen() != 0 {
		t.Errorf("permanent failure must not be queued")
	}
}

func TestEngineTransientFailureQueuedAndReplayed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true, nil)
	route := userRoute()

	e.store.SetFailPuts(errors.New("endpoint unreachable"))
	res := e.Create(ctx, "req-1", route, map[string]any{"name": "ada"}, pipeline.WriteOptions{})
	if res.Completed || !res.Queued {
		t.Fatalf("transient failure should queue: %+v", res)
	}
	st, err := e.GetStatus(ctx, "req-1")
	if err != nil || st.State != "queued" {
		t.Fatalf("expected queued status, got %+v, %v", st, err)
	}

	e.store.SetFailPuts(nil)
	time.Sleep(10 * time.Millisecond)
	if n := e.worker.Drain(ctx); n != 1 {
		t.Fatalf("expected one replayed op, got %d", n)
	}
	if e.queue.QueueLen() != 0 {
		t.Errorf("queue should be empty after replay")
	}
	st, err = e.GetStatus(ctx, "req-1")
	if err != nil || st.State != "unknown" {
		t.Errorf("completed request should be unknown, got %+v, %v", st, err)
	}

	totals, err := e.Totals(ctx, route)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals.Created != 1 {
		t.Errorf("replayed create not counted: %+v", totals)
	}
}

func TestEngineSequencedCommitRepairReplays(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, false, nil)
	route := userRoute()

	created := e.Create(ctx, "", route, map[string]any{"name": "ada"}, pipeline.WriteOptions{})
	if created.Err != nil {
		t.Fatalf("create failed: %v", created.Err)
	}

	// The head write lands, the version append fails once: the write still
	// succeeds and a repair op is parked on the queue.
	e.vers.FailNextAppend = errors.New("index node down")
	res := e.Update(ctx, "", route, created.Write.ID, map[string]any{"name": "bea"}, 0, pipeline.WriteOptions{})
	if !res.Completed || res.Err != nil {
		t.Fatalf("sequenced write should survive the append failure: %+v", res)
	}
	if e.queue.QueueLen() != 1 {
		t.Fatalf("expected one queued repair, got %d", e.queue.QueueLen())
	}

	time.Sleep(10 * time.Millisecond)
	if n := e.worker.Drain(ctx); n != 1 {
		t.Fatalf("expected the repair to replay, got %d", n)
	}
	vers, err := e.ListVersions(ctx, route, created.Write.ID, 10)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(vers) != 2 {
		t.Errorf("expected the repaired row to close the history, got %d rows", len(vers))
	}
}

func TestEngineRestoreByVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true, nil)
	route := userRoute()

	created := e.Create(ctx, "", route, map[string]any{"name": "ada", "email": "a@x.io"}, pipeline.WriteOptions{})
	if created.Err != nil {
		t.Fatalf("create failed: %v", created.Err)
	}
	id := created.Write.ID
	if res := e.Update(ctx, "", route, id, map[string]any{"name": "bea", "email": "b@x.io"}, 0, pipeline.WriteOptions{}); res.Err != nil {
		t.Fatalf("update failed: %v", res.Err)
	}

	var ov uint64
	res := e.Restore(ctx, "", route, id, pipeline.RestoreTarget{OV: &ov}, pipeline.WriteOptions{Reason: "bad import"})
	if !res.Completed || res.Err != nil {
		t.Fatalf("restore failed: %+v", res)
	}
	if res.Write.OV != 2 {
		t.Errorf("restore must commit forward, got ov %d", res.Write.OV)
	}
	rec, err := e.GetLatest(ctx, route, id, pipeline.ReadOptions{IncludePayload: true})
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if rec.Payload["name"] != "ada" {
		t.Errorf("restored payload wrong: %v", rec.Payload)
	}
}

func TestEngineDebouncedCounters(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true, func(cfg *chronos.Config) {
		cfg.WriteOptimization.DebounceCountersMs = 5
	})
	route := userRoute()

	for i := 0; i < 3; i++ {
		if res := e.Create(ctx, "", route, map[string]any{"name": "n"}, pipeline.WriteOptions{}); res.Err != nil {
			t.Fatalf("create %d failed: %v", i, res.Err)
		}
	}
	e.Flush(ctx)
	totals, err := e.Totals(ctx, route)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals.Created != 3 {
		t.Errorf("debounced creates lost: %+v", totals)
	}
}

func TestEngineHardDeleteGated(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true, nil)
	route := userRoute()

	created := e.Create(ctx, "", route, map[string]any{"name": "ada"}, pipeline.WriteOptions{})
	if created.Err != nil {
		t.Fatalf("create failed: %v", created.Err)
	}
	err := e.HardDelete(ctx, route, created.Write.ID, pipeline.HardDeleteConfirmation)
	if chronos.CodeOf(err) != chronos.ErrValidation {
		t.Errorf("hard delete must be refused while the flag is off, got %v", err)
	}
}

func TestEngineListByMeta(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true, nil)
	route := userRoute()

	for _, name := range []string{"ada", "ada", "bea"} {
		if res := e.Create(ctx, "", route, map[string]any{"name": name}, pipeline.WriteOptions{}); res.Err != nil {
			t.Fatalf("create failed: %v", res.Err)
		}
	}
	heads, err := e.ListByMeta(ctx, route, pipeline.ListQuery{Filter: map[string]any{"name": "ada"}, Limit: 10})
	if err != nil {
		t.Fatalf("ListByMeta failed: %v", err)
	}
	if len(heads) != 2 {
		t.Errorf("expected 2 matches, got %d", len(heads))
	}
}
