package optimizer

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/counters"
)

// Doc is one committed write held for deferred counting.
type Doc struct {
	Meta    map[string]any
	Payload map[string]any
}

type debounceKey struct {
	scope counters.Scope
	op    chronos.OperationType
}

// FlushFunc drains one coalesced group. The default forwards every held doc
// to the counter engine so rule predicates still see each document. A failed
// flush re-queues its group for the next window.
type FlushFunc func(ctx context.Context, scope counters.Scope, op chronos.OperationType, docs []Doc) error

// Debouncer takes counter bumps off the write path: bumps arriving within
// the debounce window coalesce by (scope, op) and flush together.
type Debouncer struct {
	flushFn FlushFunc
	window  time.Duration

	mu      sync.Mutex
	pending map[debounceKey][]Doc
	timer   *time.Timer
}

// NewDebouncer wires the counter engine behind a debounce window. Bump
// swallows repo failures itself, so this flush never re-queues.
func NewDebouncer(engine *counters.Engine, cfg chronos.WriteOptimizationConfig) *Debouncer {
	return NewDebouncerFunc(func(ctx context.Context, scope counters.Scope, op chronos.OperationType, docs []Doc) error {
		for _, d := range docs {
			engine.Bump(ctx, scope, op, d.Meta, d.Payload)
		}
		return nil
	}, cfg)
}

// NewDebouncerFunc builds a Debouncer around a custom flush.
func NewDebouncerFunc(flush FlushFunc, cfg chronos.WriteOptimizationConfig) *Debouncer {
	return &Debouncer{
		flushFn: flush,
		window:  time.Duration(cfg.DebounceCountersMs) * time.Millisecond,
		pending: map[debounceKey][]Doc{},
	}
}

// Bump records one committed write for deferred counting. Never blocks on
// counter I/O.
func (d *Debouncer) Bump(ctx context.Context, scope counters.Scope, op chronos.OperationType, meta map[string]any, payload map[string]any) {
	k := debounceKey{scope: scope, op: op}
	d.mu.Lock()
	d.pending[k] = append(d.pending[k], Doc{Meta: meta, Payload: payload})
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, func() { d.Flush(context.Background()) })
	}
	d.mu.Unlock()
}

// Flush drains everything held right now. Called by the timer and on
// shutdown. Groups whose flush fails go back on the queue and re-arm the
// window.
func (d *Debouncer) Flush(ctx context.Context) {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	batch := d.pending
	d.pending = map[debounceKey][]Doc{}
	d.mu.Unlock()
	for k, docs := range batch {
		if err := d.flushFn(ctx, k.scope, k.op, docs); err != nil {
			log.Warn(fmt.Sprintf("counter flush for %s.%s failed, re-queueing %d docs, details: %v", k.scope.DBName, k.scope.Collection, len(docs), err))
			d.requeue(k, docs)
		}
	}
}

func (d *Debouncer) requeue(k debounceKey, docs []Doc) {
	d.mu.Lock()
	d.pending[k] = append(docs, d.pending[k]...)
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, func() { d.Flush(context.Background()) })
	}
	d.mu.Unlock()
}

// Sink adapts the debouncer to one scope for the write pipeline.
func (d *Debouncer) Sink(scope counters.Scope) *DebouncedSink {
	return &DebouncedSink{debouncer: d, scope: scope}
}

// DebouncedSink is the per-collection adapter handed to a pipeline.
type DebouncedSink struct {
	debouncer *Debouncer
	scope     counters.Scope
}

// Bump implements the pipeline counter sink.
func (s *DebouncedSink) Bump(ctx context.Context, op chronos.OperationType, meta map[string]any, payload map[string]any) {
	s.debouncer.Bump(ctx, s.scope, op, meta, payload)
}
