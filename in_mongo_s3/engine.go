// Package in_mongo_s3 composes the full persistence engine: the router
// resolves a request context to a metadata backend and blob endpoint, a
// per-collection pipeline runs the versioned commit protocol against them,
// and the fallback wrapper fronts every write with the durable replay queue.
package in_mongo_s3

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/counters"
	"github.com/chronosdb/chronos/fallback"
	"github.com/chronosdb/chronos/optimizer"
	"github.com/chronosdb/chronos/pipeline"
	"github.com/chronosdb/chronos/router"
)

// Options wires an Engine. Only Config is required; the remaining fields are
// test seams that replace the Mongo-backed components with in-memory ones.
type Options struct {
	Config chronos.Config
	// ReposFor overrides metadata repository construction per routed
	// collection.
	ReposFor func(res router.Resolution, collection string) (*pipeline.Repos, error)
	// FallbackStore overrides the durable replay queue.
	FallbackStore fallback.Store
	// CounterRepo overrides counter storage for every backend.
	CounterRepo counters.Repo
}

// Engine is the composed persistence layer. One Engine serves every routed
// backend; pipelines are built lazily per resolution and cached.
type Engine struct {
	cfg    chronos.Config
	router *router.Router

	reposFor    func(res router.Resolution, collection string) (*pipeline.Repos, error)
	counterRepo counters.Repo

	queue   fallback.Store
	wrapper *fallback.Wrapper
	worker  *fallback.Worker
	started bool

	// debouncer is nil when counter debouncing is disabled; sinks then feed
	// the counter engines directly.
	debouncer *optimizer.Debouncer

	mu           sync.Mutex
	pipelines    map[string]*pipeline.Pipeline
	counterRepos map[string]counters.Repo
	scopeEngines map[counters.Scope]*counters.Engine
	batchers     []*optimizer.BatchingStore
}

// New validates the configuration and builds the engine. Backend
// connections are opened lazily on first use; only the fallback queue's
// connection is established here.
func New(ctx context.Context, opts Options) (*Engine, error) {
	rt, err := router.New(opts.Config)
	if err != nil {
		return nil, err
	}
	cfg := rt.Config()
	e := &Engine{
		cfg:          cfg,
		router:       rt,
		reposFor:     opts.ReposFor,
		counterRepo:  opts.CounterRepo,
		pipelines:    map[string]*pipeline.Pipeline{},
		counterRepos: map[string]counters.Repo{},
		scopeEngines: map[counters.Scope]*counters.Engine{},
	}
	if err := e.initQueue(ctx, opts.FallbackStore); err != nil {
		return nil, err
	}
	adapter := replayAdapter{engine: e}
	e.wrapper = fallback.NewWrapper(e.queue, adapter, cfg.Fallback)
	e.worker = fallback.NewWorker(e.queue, adapter, cfg.Fallback)
	if cfg.WriteOptimization.DebounceCountersMs > 0 {
		e.debouncer = optimizer.NewDebouncerFunc(e.flushCounters, cfg.WriteOptimization)
	}
	return e, nil
}

// initQueue places the replay queue on the first metadata connection under
// the admin database. Without fallback enabled a process-local queue serves
// the wrapper, which then never enqueues into it.
func (e *Engine) initQueue(ctx context.Context, override fallback.Store) error {
	if override != nil {
		e.queue = override
		return nil
	}
	if !e.cfg.Fallback.Enabled || len(e.cfg.MongoConns) == 0 {
		e.queue = fallback.NewMemStore()
		return nil
	}
	client, err := e.router.MongoClient(ctx, e.cfg.MongoConns[0].URI)
	if err != nil {
		return err
	}
	ms := fallback.NewMongoStore(client, e.cfg.AdminDBName, e.cfg.Fallback.DeadLetterCollection)
	if err := ms.EnsureIndexes(ctx); err != nil {
		log.Warn(fmt.Sprintf("fallback queue index setup failed, details: %v", err))
	}
	e.queue = ms
	return nil
}

// Start launches the replay worker when fallback is enabled.
func (e *Engine) Start() {
	if !e.cfg.Fallback.Enabled {
		return
	}
	e.worker.Start()
	e.started = true
}

// Stop drains the in-flight optimizer windows, stops the replay worker and
// closes every backend connection.
func (e *Engine) Stop(ctx context.Context) error {
	if e.started {
		e.worker.Stop(ctx)
	}
	if e.debouncer != nil {
		e.debouncer.Flush(ctx)
	}
	e.mu.Lock()
	batchers := e.batchers
	e.batchers = nil
	e.mu.Unlock()
	for _, b := range batchers {
		b.Flush()
	}
	return e.router.Close(ctx)
}

// Router exposes the resolver for admin surfaces (tenant invalidation,
// route inspection).
func (e *Engine) Router() *router.Router {
	return e.router
}

// Config returns the validated, defaulted configuration the engine runs on.
func (e *Engine) Config() chronos.Config {
	return e.cfg
}

func pipelineKey(res router.Resolution, route chronos.RouteContext) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", res.MongoConnKey, res.SpacesConnKey, res.ResolvedDBName, route.Collection, route.TenantID)
}

func scopeFor(res router.Resolution, route chronos.RouteContext) counters.Scope {
	return counters.Scope{Tenant: route.TenantID, DBName: res.ResolvedDBName, Collection: route.Collection}
}

// pipelineFor resolves the route and returns the cached pipeline for its
// backend, building and wiring one on first use.
func (e *Engine) pipelineFor(ctx context.Context, route chronos.RouteContext) (*pipeline.Pipeline, router.Resolution, error) {
	res, err := e.router.Route(route)
	if err != nil {
		return nil, router.Resolution{}, err
	}
	key := pipelineKey(res, route)

	e.mu.Lock()
	p := e.pipelines[key]
	e.mu.Unlock()
	if p != nil {
		return p, res, nil
	}

	repos, err := e.buildRepos(ctx, res, route.Collection)
	if err != nil {
		return nil, res, err
	}
	spaces, err := e.router.Spaces(res)
	if err != nil {
		return nil, res, err
	}
	scope := scopeFor(res, route)
	sink, err := e.counterSink(ctx, res, scope)
	if err != nil {
		return nil, res, err
	}

	store := optimizer.NewBatchingStore(spaces.Store, e.cfg.WriteOptimization)
	var repair pipeline.RepairFunc
	if e.cfg.Fallback.Enabled {
		routeCopy := route
		repair = func(ctx context.Context, v pipeline.Version) {
			if _, err := e.wrapper.EnqueueRepair(ctx, routeCopy, v); err != nil {
				log.Error(fmt.Sprintf("enqueueing version repair for %s/v%d failed, details: %v", v.ItemID, v.OV, err))
			}
		}
	}
	p, err = pipeline.New(pipeline.Options{
		Collection:        route.Collection,
		Map:               e.cfg.CollectionMaps[route.Collection],
		Store:             store,
		Buckets:           spaces.Buckets,
		Heads:             repos.Heads,
		Vers:              repos.Vers,
		Counter:           repos.Counter,
		Locks:             repos.Locks,
		Txn:               repos.Txn,
		Counters:          sink,
		Repair:            repair,
		Shadow:            e.cfg.DevShadow,
		ShadowSkip:        optimizer.ShadowSkip(e.cfg.WriteOptimization, e.cfg.DevShadow),
		HardDeleteEnabled: e.cfg.HardDeleteEnabled,
	})
	if err != nil {
		return nil, res, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing := e.pipelines[key]; existing != nil {
		return existing, res, nil
	}
	e.pipelines[key] = p
	if bs, ok := store.(*optimizer.BatchingStore); ok {
		e.batchers = append(e.batchers, bs)
	}
	return p, res, nil
}

func (e *Engine) buildRepos(ctx context.Context, res router.Resolution, collection string) (*pipeline.Repos, error) {
	if e.reposFor != nil {
		return e.reposFor(res, collection)
	}
	client, err := e.router.MongoClient(ctx, res.MongoURI)
	if err != nil {
		return nil, err
	}
	useTxn, err := e.router.SupportsTransactions(ctx, res.MongoURI)
	if err != nil {
		return nil, err
	}
	repos := pipeline.NewMongoRepos(client, res.ResolvedDBName, collection, useTxn)
	if err := repos.EnsureIndexes(ctx); err != nil {
		log.Warn(fmt.Sprintf("index setup for %s/%s failed, details: %v", res.ResolvedDBName, collection, err))
	}
	return repos, nil
}

// counterSink builds the pipeline's counter sink for one scope: the shared
// debouncer when debouncing is on, the scope's engine directly otherwise.
func (e *Engine) counterSink(ctx context.Context, res router.Resolution, scope counters.Scope) (pipeline.CounterSink, error) {
	ce, err := e.counterEngine(ctx, res, scope)
	if err != nil {
		return nil, err
	}
	if e.debouncer != nil {
		return e.debouncer.Sink(scope), nil
	}
	return ce.Sink(scope), nil
}

func (e *Engine) counterEngine(ctx context.Context, res router.Resolution, scope counters.Scope) (*counters.Engine, error) {
	e.mu.Lock()
	if ce := e.scopeEngines[scope]; ce != nil {
		e.mu.Unlock()
		return ce, nil
	}
	repo := e.counterRepo
	if repo == nil {
		repo = e.counterRepos[res.MongoConnKey]
	}
	e.mu.Unlock()

	if repo == nil {
		client, err := e.router.MongoClient(ctx, res.MongoURI)
		if err != nil {
			return nil, err
		}
		repo = counters.NewMongoRepo(client)
	}
	ce, err := counters.New(repo, e.cfg.CounterRules)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing := e.scopeEngines[scope]; existing != nil {
		return existing, nil
	}
	e.counterRepos[res.MongoConnKey] = repo
	e.scopeEngines[scope] = ce
	return ce, nil
}

// flushCounters dispatches one debounced group to its scope's engine. Bump
// swallows repo failures, so nothing here asks for a re-queue.
func (e *Engine) flushCounters(ctx context.Context, scope counters.Scope, op chronos.OperationType, docs []optimizer.Doc) error {
	e.mu.Lock()
	ce := e.scopeEngines[scope]
	e.mu.Unlock()
	if ce == nil {
		log.Warn(fmt.Sprintf("dropping %d debounced counter bumps for unknown scope %s/%s", len(docs), scope.DBName, scope.Collection))
		return nil
	}
	for _, d := range docs {
		ce.Bump(ctx, scope, op, d.Meta, d.Payload)
	}
	return nil
}

// Flush forces the optimizer windows out: pending blob puts and debounced
// counter work. Intended for tests and drain endpoints.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	batchers := append([]*optimizer.BatchingStore(nil), e.batchers...)
	e.mu.Unlock()
	for _, b := range batchers {
		b.Flush()
	}
	if e.debouncer != nil {
		e.debouncer.Flush(ctx)
	}
}

// Create routes and persists a new record, falling back to the replay queue
// on transient failure. requestID may be empty; one is assigned and reported
// back in the Result.
func (e *Engine) Create(ctx context.Context, requestID string, route chronos.RouteContext, payload map[string]any, opts pipeline.WriteOptions) fallback.Result {
	return e.wrapper.Execute(ctx, e.op(requestID, string(chronos.OpCreate), route, opts, func(op *fallback.Op) {
		op.Payload = payload
	}))
}

// Update replaces a record's payload conditioned on expectedOv.
func (e *Engine) Update(ctx context.Context, requestID string, route chronos.RouteContext, id chronos.ID, payload map[string]any, expectedOv uint64, opts pipeline.WriteOptions) fallback.Result {
	return e.wrapper.Execute(ctx, e.op(requestID, string(chronos.OpUpdate), route, opts, func(op *fallback.Op) {
		op.ItemID = id
		op.Payload = payload
		op.ExpectedOV = &expectedOv
	}))
}

// Delete tombstones a record conditioned on expectedOv.
func (e *Engine) Delete(ctx context.Context, requestID string, route chronos.RouteContext, id chronos.ID, expectedOv uint64, opts pipeline.WriteOptions) fallback.Result {
	return e.wrapper.Execute(ctx, e.op(requestID, string(chronos.OpDelete), route, opts, func(op *fallback.Op) {
		op.ItemID = id
		op.ExpectedOV = &expectedOv
	}))
}

// Enrich deep-merges patches into a record under its lock.
func (e *Engine) Enrich(ctx context.Context, requestID string, route chronos.RouteContext, id chronos.ID, patches []map[string]any, opts pipeline.WriteOptions) fallback.Result {
	return e.wrapper.Execute(ctx, e.op(requestID, string(chronos.OpEnrich), route, opts, func(op *fallback.Op) {
		op.ItemID = id
		op.Patches = patches
	}))
}

// Restore rolls one record back to a prior version as a new commit.
func (e *Engine) Restore(ctx context.Context, requestID string, route chronos.RouteContext, id chronos.ID, target pipeline.RestoreTarget, opts pipeline.WriteOptions) fallback.Result {
	return e.wrapper.Execute(ctx, e.op(requestID, string(chronos.OpRestore), route, opts, func(op *fallback.Op) {
		op.ItemID = id
		op.Target = &fallback.Target{OV: target.OV, CV: target.CV, At: target.At}
	}))
}

func (e *Engine) op(requestID, kind string, route chronos.RouteContext, opts pipeline.WriteOptions, fill func(*fallback.Op)) fallback.Op {
	op := fallback.Op{
		RequestID:  requestID,
		Kind:       kind,
		Route:      route,
		Actor:      opts.Actor,
		Reason:     opts.Reason,
		FunctionID: opts.FunctionID,
	}
	fill(&op)
	return op
}

// RestoreCollection rolls every record of the routed collection back to the
// target. Runs directly; a bulk restore is not a queueable unit.
func (e *Engine) RestoreCollection(ctx context.Context, route chronos.RouteContext, target pipeline.RestoreTarget, opts pipeline.WriteOptions) (pipeline.RestoreResult, error) {
	p, _, err := e.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.RestoreResult{}, err
	}
	return p.RestoreCollection(ctx, target, opts)
}

// GetLatest reads the current head, optionally with payload, projection and
// a presigned blob URL.
func (e *Engine) GetLatest(ctx context.Context, route chronos.RouteContext, id chronos.ID, opts pipeline.ReadOptions) (pipeline.Record, error) {
	p, _, err := e.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.Record{}, err
	}
	return p.GetLatest(ctx, id, opts)
}

// GetVersion reads one exact historical version.
func (e *Engine) GetVersion(ctx context.Context, route chronos.RouteContext, id chronos.ID, ov uint64) (pipeline.VersionRecord, error) {
	p, _, err := e.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.VersionRecord{}, err
	}
	return p.GetVersion(ctx, id, ov)
}

// GetAsOf reads the version current at the given instant.
func (e *Engine) GetAsOf(ctx context.Context, route chronos.RouteContext, id chronos.ID, at time.Time) (pipeline.VersionRecord, error) {
	p, _, err := e.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.VersionRecord{}, err
	}
	return p.GetAsOf(ctx, id, at)
}

// ListVersions walks a record's version history, newest first.
func (e *Engine) ListVersions(ctx context.Context, route chronos.RouteContext, id chronos.ID, limit int64) ([]pipeline.Version, error) {
	p, _, err := e.pipelineFor(ctx, route)
	if err != nil {
		return nil, err
	}
	return p.ListVersions(ctx, id, limit)
}

// ListByMeta pages heads by their indexed metadata projection.
func (e *Engine) ListByMeta(ctx context.Context, route chronos.RouteContext, q pipeline.ListQuery) ([]pipeline.Head, error) {
	p, _, err := e.pipelineFor(ctx, route)
	if err != nil {
		return nil, err
	}
	return p.ListByMeta(ctx, q)
}

// HardDelete physically removes a record and its full history. Requires the
// feature flag and the confirmation phrase.
func (e *Engine) HardDelete(ctx context.Context, route chronos.RouteContext, id chronos.ID, confirm string) error {
	p, _, err := e.pipelineFor(ctx, route)
	if err != nil {
		return err
	}
	return p.HardDelete(ctx, id, confirm)
}

// WriteManifest snapshots the routed collection's head index into the
// backups bucket and returns the manifest key.
func (e *Engine) WriteManifest(ctx context.Context, route chronos.RouteContext) (string, error) {
	p, _, err := e.pipelineFor(ctx, route)
	if err != nil {
		return "", err
	}
	return p.WriteManifest(ctx)
}

// GetStatus reports where a queued write currently stands.
func (e *Engine) GetStatus(ctx context.Context, requestID string) (fallback.Status, error) {
	return e.wrapper.GetStatus(ctx, requestID)
}

// Totals returns the lifetime operation tallies for the routed collection.
func (e *Engine) Totals(ctx context.Context, route chronos.RouteContext) (counters.Totals, error) {
	ce, scope, err := e.countersFor(ctx, route)
	if err != nil {
		return counters.Totals{}, err
	}
	return ce.Totals(ctx, scope)
}

// ScenarioCount returns how often the named counter rule has fired.
func (e *Engine) ScenarioCount(ctx context.Context, route chronos.RouteContext, rule string) (int64, error) {
	ce, scope, err := e.countersFor(ctx, route)
	if err != nil {
		return 0, err
	}
	return ce.ScenarioCount(ctx, scope, rule)
}

// UniqueCounts returns the named counter rule's distinct-value tallies, one
// per tracked property.
func (e *Engine) UniqueCounts(ctx context.Context, route chronos.RouteContext, rule string) (map[string]int64, error) {
	ce, scope, err := e.countersFor(ctx, route)
	if err != nil {
		return nil, err
	}
	return ce.UniqueCounts(ctx, scope, rule)
}

func (e *Engine) countersFor(ctx context.Context, route chronos.RouteContext) (*counters.Engine, counters.Scope, error) {
	res, err := e.router.Route(route)
	if err != nil {
		return nil, counters.Scope{}, err
	}
	scope := scopeFor(res, route)
	ce, err := e.counterEngine(ctx, res, scope)
	if err != nil {
		return nil, counters.Scope{}, err
	}
	return ce, scope, nil
}

// replayAdapter lets the fallback wrapper and worker execute queued
// operations through the engine's routed pipelines.
type replayAdapter struct {
	engine *Engine
}

func (a replayAdapter) Create(ctx context.Context, route chronos.RouteContext, payload map[string]any, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	p, _, err := a.engine.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.WriteResult{}, err
	}
	return p.Create(ctx, payload, opts)
}

func (a replayAdapter) Update(ctx context.Context, route chronos.RouteContext, id chronos.ID, payload map[string]any, expectedOv uint64, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	p, _, err := a.engine.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.WriteResult{}, err
	}
	return p.Update(ctx, id, payload, expectedOv, opts)
}

func (a replayAdapter) Delete(ctx context.Context, route chronos.RouteContext, id chronos.ID, expectedOv uint64, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	p, _, err := a.engine.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.WriteResult{}, err
	}
	return p.Delete(ctx, id, expectedOv, opts)
}

func (a replayAdapter) Enrich(ctx context.Context, route chronos.RouteContext, id chronos.ID, patches []map[string]any, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	p, _, err := a.engine.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.WriteResult{}, err
	}
	return p.Enrich(ctx, id, patches, opts)
}

func (a replayAdapter) Restore(ctx context.Context, route chronos.RouteContext, id chronos.ID, target pipeline.RestoreTarget, opts pipeline.WriteOptions) (pipeline.WriteResult, error) {
	p, _, err := a.engine.pipelineFor(ctx, route)
	if err != nil {
		return pipeline.WriteResult{}, err
	}
	return p.RestoreObject(ctx, id, target, opts)
}

func (a replayAdapter) RepairVersion(ctx context.Context, route chronos.RouteContext, v pipeline.Version) error {
	p, _, err := a.engine.pipelineFor(ctx, route)
	if err != nil {
		return err
	}
	return p.RepairVersion(ctx, v)
}
