package fallback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/pipeline"
)

// stubAdapter fails a configured number of times before succeeding.
type stubAdapter struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (a *stubAdapter) do() (pipeline.WriteResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failures > 0 {
		a.failures--
		return pipeline.WriteResult{}, a.err
	}
	return pipeline.WriteResult{ID: chronos.NewID(), OV: 1, CV: 7}, nil
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *stubAdapter) Create(ctx context.Context, route chronos.RouteContext, payload map[string]any, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	return a.do()
}

func (a *stubAdapter) Update(ctx context.Context, route chronos.RouteContext, id chronos.ID, payload map[string]any, expectedOv uint64, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	return a.do()
}

func (a *stubAdapter) Delete(ctx context.Context, route chronos.RouteContext, id chronos.ID, expectedOv uint64, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	return a.do()
}

func (a *stubAdapter) Enrich(ctx context.Context, route chronos.RouteContext, id chronos.ID, patches []map[string]any, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	return a.do()
}

func (a *stubAdapter) Restore(ctx context.Context, route chronos.RouteContext, id chronos.ID, target pipeline.RestoreTarget, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	return a.do()
}

func (a *stubAdapter) RepairVersion(ctx context.Context, route chronos.RouteContext, v pipeline.Version) error {
	_, err := a.do()
	return err
}

func testCfg() chronos.FallbackConfig {
	return chronos.FallbackConfig{
		Enabled:              true,
		MaxAttempts:          5,
		BaseDelayMs:          1,
		MaxDelayMs:           4,
		DeadLetterCollection: "chronos_fallback_dead",
	}
}

func createOp(requestID string) Op {
	return Op{
		RequestID: requestID,
		Kind:      string(chronos.OpCreate),
		Route:     chronos.RouteContext{DBName: "app", Collection: "users"},
		Payload:   map[string]any{"name": "ada"},
	}
}

func TestDelayBounds(t *testing.T) {
	cfg := chronos.FallbackConfig{BaseDelayMs: 1000, MaxDelayMs: 60000}
	for attempt, want := range map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
	} {
		d := Delay(attempt, cfg)
		lo := time.Duration(float64(want) * 0.9)
		hi := time.Duration(float64(want) * 1.1)
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
		}
	}
	// Capped at maxDelay before jitter.
	d := Delay(30, cfg)
	maxDelay := 60 * time.Second
	if d > time.Duration(float64(maxDelay)*1.1) {
		t.Errorf("delay %v exceeds jittered cap", d)
	}
}

func TestWrapperCompletesDirectly(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	w := NewWrapper(store, &stubAdapter{}, testCfg())
	res := w.Execute(ctx, createOp(""))
	if !res.Completed || res.Queued || res.Err != nil {
		t.Fatalf("direct write should complete: %+v", res)
	}
	if res.RequestID == "" {
		t.Errorf("a request id must always be assigned")
	}
	if store.QueueLen() != 0 {
		t.Errorf("completed write must not queue")
	}
	st, _ := w.GetStatus(ctx, res.RequestID)
	if st.State != "unknown" {
		t.Errorf("completed request should be unknown to the queue, got %q", st.State)
	}
}

func TestWrapperQueuesTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	adapter := &stubAdapter{failures: 100, err: chronos.Errorf(chronos.ErrStorage, "blob store down")}
	w := NewWrapper(store, adapter, testCfg())
	res := w.Execute(ctx, createOp("req-1"))
	if res.Completed || !res.Queued {
		t.Fatalf("transient failure must queue: %+v", res)
	}
	if res.RequestID != "req-1" {
		t.Errorf("caller request id must be kept, got %q", res.RequestID)
	}
	st, err := w.GetStatus(ctx, "req-1")
	if err != nil || st.State != "queued" || st.Attempts != 1 {
		t.Errorf("status wrong: %+v, %v", st, err)
	}
	// Same request id again does not double-queue.
	w.Execute(ctx, createOp("req-1"))
	if store.QueueLen() != 1 {
		t.Errorf("idempotent enqueue violated: %d queued", store.QueueLen())
	}
}

func TestWrapperPermanentFailureNotQueued(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	adapter := &stubAdapter{failures: 1, err: chronos.Errorf(chronos.ErrValidation, "bad payload")}
	w := NewWrapper(store, adapter, testCfg())
	res := w.Execute(ctx, createOp(""))
	if res.Queued || res.Err == nil {
		t.Fatalf("permanent failure must not queue: %+v", res)
	}
	if store.QueueLen() != 0 {
		t.Errorf("validation failure landed on the queue")
	}
}

func TestWrapperDisabledNotQueued(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	cfg := testCfg()
	cfg.Enabled = false
	adapter := &stubAdapter{failures: 1, err: chronos.Errorf(chronos.ErrStorage, "down")}
	w := NewWrapper(store, adapter, cfg)
	if res := w.Execute(ctx, createOp("")); res.Queued {
		t.Errorf("disabled fallback must not queue: %+v", res)
	}
}

func TestWorkerReplaysUntilSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	adapter := &stubAdapter{failures: 1, err: chronos.Errorf(chronos.ErrStorage, "still down")}
	worker := NewWorker(store, adapter, testCfg())

	op := createOp("req-replay")
	op.Attempts = 1
	op.NextAttemptAt = time.Now().Add(-time.Second)
	store.Enqueue(ctx, op)

	if n := worker.Drain(ctx); n != 1 {
		t.Fatalf("expected 1 dispatch, got %d", n)
	}
	if store.QueueLen() != 1 {
		t.Fatalf("failed replay should stay queued")
	}
	// The reschedule pushed nextAttemptAt a few ms out.
	time.Sleep(20 * time.Millisecond)
	if n := worker.Drain(ctx); n != 1 {
		t.Fatalf("expected a second dispatch, got %d", n)
	}
	if store.QueueLen() != 0 {
		t.Errorf("successful replay must leave the queue")
	}
	if adapter.callCount() != 2 {
		t.Errorf("expected 2 replay calls, got %d", adapter.callCount())
	}
}

func TestWorkerRespectsNextAttemptAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	worker := NewWorker(store, &stubAdapter{}, testCfg())
	op := createOp("req-later")
	op.NextAttemptAt = time.Now().Add(time.Hour)
	store.Enqueue(ctx, op)
	if n := worker.Drain(ctx); n != 0 {
		t.Errorf("future op must not be dispatched, got %d", n)
	}
}

func TestWorkerDeadLettersPermanent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	adapter := &stubAdapter{failures: 100, err: chronos.Errorf(chronos.ErrOptimisticLock, "ov moved")}
	worker := NewWorker(store, adapter, testCfg())
	wrapper := NewWrapper(store, adapter, testCfg())

	op := createOp("req-dead")
	op.NextAttemptAt = time.Now().Add(-time.Second)
	store.Enqueue(ctx, op)
	worker.Drain(ctx)

	if store.QueueLen() != 0 || store.DeadLen() != 1 {
		t.Fatalf("permanent failure must dead-letter: queue %d dead %d", store.QueueLen(), store.DeadLen())
	}
	st, err := wrapper.GetStatus(ctx, "req-dead")
	if err != nil || st.State != "dead" || st.DeadReason == "" {
		t.Errorf("status wrong: %+v, %v", st, err)
	}
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	cfg := testCfg()
	cfg.MaxAttempts = 2
	adapter := &stubAdapter{failures: 100, err: chronos.Errorf(chronos.ErrStorage, "down for good")}
	worker := NewWorker(store, adapter, cfg)

	op := createOp("req-exhaust")
	op.Attempts = 1
	op.NextAttemptAt = time.Now().Add(-time.Second)
	store.Enqueue(ctx, op)
	worker.Drain(ctx)

	if store.DeadLen() != 1 {
		t.Fatalf("exhausted op must dead-letter, queue %d dead %d", store.QueueLen(), store.DeadLen())
	}
	dead, err := store.GetDead(ctx, "req-exhaust")
	if err != nil || dead.Reason == "" {
		t.Errorf("dead op must carry a reason: %+v, %v", dead, err)
	}
}

func TestWorkerActiveSetDedup(t *testing.T) {
	worker := NewWorker(NewMemStore(), &stubAdapter{}, testCfg())
	if !worker.claim("r1") {
		t.Fatalf("first claim must succeed")
	}
	if worker.claim("r1") {
		t.Errorf("second claim of an active request must fail")
	}
	worker.release("r1")
	if !worker.claim("r1") {
		t.Errorf("claim after release must succeed")
	}
}

func TestWorkerStartStop(t *testing.T) {
	worker := NewWorker(NewMemStore(), &stubAdapter{}, testCfg())
	worker.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	worker.Stop(ctx)
	select {
	case <-worker.done:
	default:
		t.Errorf("worker loop did not exit")
	}
}

func TestEnqueueRepair(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	adapter := &stubAdapter{}
	w := NewWrapper(store, adapter, testCfg())
	v := pipeline.Version{ItemID: chronos.NewID(), OV: 3, CV: 9, JSONKey: "users/x/v3/item.json"}
	id, err := w.EnqueueRepair(ctx, chronos.RouteContext{DBName: "app", Collection: "users"}, v)
	if err != nil || id == "" {
		t.Fatalf("EnqueueRepair failed: %v", err)
	}
	op, err := store.Get(ctx, id)
	if err != nil || op.Kind != KindRepair || op.Version == nil || op.Version.OV != 3 {
		t.Fatalf("repair op malformed: %+v, %v", op, err)
	}
	// The worker replays it through RepairVersion.
	op.NextAttemptAt = time.Now().Add(-time.Second)
	store.Reschedule(ctx, id, op.Attempts, op.NextAttemptAt, "")
	worker := NewWorker(store, adapter, testCfg())
	worker.Drain(ctx)
	if store.QueueLen() != 0 {
		t.Errorf("repair op not drained")
	}
}
