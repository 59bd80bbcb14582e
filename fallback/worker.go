package fallback

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chronosdb/chronos"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 16
	defaultConcurrency  = 4
	stopCheckInterval   = 100 * time.Millisecond
)

// Worker replays queued operations. Multiple workers can run against the
// same queue; at-least-once delivery is the contract, so replays must be
// idempotent (they are keyed by request id and guarded by the pipeline's
// optimistic locking).
type Worker struct {
	store   Store
	adapter ReplayAdapter
	cfg     chronos.FallbackConfig

	poll        time.Duration
	batch       int
	concurrency int
	now         func() time.Time

	mu     sync.Mutex
	active map[string]bool

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorker builds a worker with the default poll cadence.
func NewWorker(store Store, adapter ReplayAdapter, cfg chronos.FallbackConfig) *Worker {
	return &Worker{
		store:       store,
		adapter:     adapter,
		cfg:         cfg,
		poll:        defaultPollInterval,
		batch:       defaultBatchSize,
		concurrency: defaultConcurrency,
		now:         time.Now,
		active:      map[string]bool{},
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the poll loop. Safe to call once.
func (w *Worker) Start() {
	w.startOnce.Do(func() { go w.run() })
}

// Stop asks the loop to finish its current batch and waits for it, giving up
// when ctx expires.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stop) })
	t := time.NewTicker(stopCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (w *Worker) run() {
	defer close(w.done)
	t := time.NewTicker(w.poll)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.Drain(context.Background())
		}
	}
}

// Drain processes every currently due operation and returns how many it
// dispatched. The active set keeps overlapping drains from double-replaying
// the same request.
func (w *Worker) Drain(ctx context.Context) int {
	ops, err := w.store.Due(ctx, w.now().UTC(), w.batch)
	if err != nil {
		log.Warn(fmt.Sprintf("fetching due fallback ops failed, details: %v", err))
		return 0
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	dispatched := 0
	for _, op := range ops {
		if !w.claim(op.RequestID) {
			continue
		}
		dispatched++
		op := op
		g.Go(func() error {
			defer w.release(op.RequestID)
			w.process(gctx, op)
			return nil
		})
	}
	g.Wait()
	return dispatched
}

func (w *Worker) process(ctx context.Context, op Op) {
	_, err := replay(ctx, w.adapter, op)
	now := w.now().UTC()
	switch {
	case err == nil:
		if rerr := w.store.Remove(ctx, op.RequestID); rerr != nil {
			log.Warn(fmt.Sprintf("removing replayed op %s failed, details: %v", op.RequestID, rerr))
		}
	case chronos.IsPermanent(err):
		log.Warn(fmt.Sprintf("op %s hit a permanent error, dead-lettering, details: %v", op.RequestID, err))
		if derr := w.store.MoveToDead(ctx, op, err.Error(), now); derr != nil {
			log.Error(fmt.Sprintf("dead-lettering op %s failed, details: %v", op.RequestID, derr))
		}
	case op.Attempts+1 >= w.cfg.MaxAttempts:
		log.Warn(fmt.Sprintf("op %s exhausted %d attempts, dead-lettering, details: %v", op.RequestID, w.cfg.MaxAttempts, err))
		if derr := w.store.MoveToDead(ctx, op, fmt.Sprintf("max attempts exhausted, details: %v", err), now); derr != nil {
			log.Error(fmt.Sprintf("dead-lettering op %s failed, details: %v", op.RequestID, derr))
		}
	default:
		attempts := op.Attempts + 1
		next := now.Add(Delay(attempts, w.cfg))
		if rerr := w.store.Reschedule(ctx, op.RequestID, attempts, next, err.Error()); rerr != nil {
			log.Warn(fmt.Sprintf("rescheduling op %s failed, details: %v", op.RequestID, rerr))
		}
	}
}

func (w *Worker) claim(requestID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[requestID] {
		return false
	}
	w.active[requestID] = true
	return true
}

func (w *Worker) release(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, requestID)
}
