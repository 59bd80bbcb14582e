// Package optimizer implements the write-path optimizations: grouping blob
// puts into short concurrent flush windows, debouncing counter work off the
// hot path, and the inline-snapshot skip policy for bulk traffic.
package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/storage"
)

type putRequest struct {
	ctx    context.Context
	bucket string
	key    string
	obj    any
	// raw puts carry bytes instead of an object.
	raw         bool
	data        []byte
	contentType string
	done        chan putResponse
}

type putResponse struct {
	res storage.PutResult
	err error
}

// BatchingStore decorates a Store so puts arriving within one batch window
// flush together, each on its own goroutine. Callers still block until
// their own put is durable, so commit ordering is preserved.
type BatchingStore struct {
	storage.Store
	window time.Duration

	mu      sync.Mutex
	pending []putRequest
	timer   *time.Timer
}

// NewBatchingStore wraps inner per the write-optimization config. With
// batching disabled the inner store is returned untouched.
func NewBatchingStore(inner storage.Store, cfg chronos.WriteOptimizationConfig) storage.Store {
	if !cfg.BatchS3 {
		return inner
	}
	return &BatchingStore{
		Store:  inner,
		window: time.Duration(cfg.BatchWindowMs) * time.Millisecond,
	}
}

func (b *BatchingStore) PutJSON(ctx context.Context, bucket string, key string, obj any) (storage.PutResult, error) {
	return b.enqueue(ctx, putRequest{bucket: bucket, key: key, obj: obj})
}

func (b *BatchingStore) PutRaw(ctx context.Context, bucket string, key string, data []byte, contentType string) (storage.PutResult, error) {
	return b.enqueue(ctx, putRequest{bucket: bucket, key: key, raw: true, data: data, contentType: contentType})
}

func (b *BatchingStore) enqueue(ctx context.Context, req putRequest) (storage.PutResult, error) {
	req.ctx = ctx
	req.done = make(chan putResponse, 1)
	b.mu.Lock()
	b.pending = append(b.pending, req)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
	b.mu.Unlock()

	select {
	case r := <-req.done:
		return r.res, r.err
	case <-ctx.Done():
		// The flush still completes the put; puts are idempotent by key, so
		// abandoning the result is safe.
		return storage.PutResult{}, chronos.NewError(chronos.ErrStorage, ctx.Err())
	}
}

// Flush forces the current window out immediately. Called by the timer and
// on shutdown.
func (b *BatchingStore) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	b.run(batch)
}

func (b *BatchingStore) flush() {
	b.mu.Lock()
	b.timer = nil
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	b.run(batch)
}

func (b *BatchingStore) run(batch []putRequest) {
	var wg sync.WaitGroup
	for _, req := range batch {
		wg.Add(1)
		go func(req putRequest) {
			defer wg.Done()
			var res storage.PutResult
			var err error
			if req.raw {
				res, err = b.Store.PutRaw(req.ctx, req.bucket, req.key, req.data, req.contentType)
			} else {
				res, err = b.Store.PutJSON(req.ctx, req.bucket, req.key, req.obj)
			}
			req.done <- putResponse{res: res, err: err}
		}(req)
	}
	wg.Wait()
}
