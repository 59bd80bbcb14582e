// Package router resolves request contexts to concrete metadata + blob
// backend pairs. It owns the connection pools for both sides, handles static
// and dynamic (templated) tenant resolution and exposes the replica-set
// transaction probe the write pipeline keys off.
package router

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/hashing"
	"github.com/chronosdb/chronos/storage"
)

// Resolution is the routed backend for one context.
type Resolution struct {
	MongoConnKey    string
	MongoURI        string
	SpacesConnKey   string
	Buckets         chronos.BucketSet
	ResolvedDBName  string
	AnalyticsDBName string
	RoutingKey      string
	// Index is the position among the candidate backends, or -1 when the
	// backend came from a direct key match or a dynamic tenant template.
	Index int
	// Dynamic marks resolutions produced by the tenant template engine.
	Dynamic bool
}

// Spaces couples a storage adapter with the routed bucket quadruple.
type Spaces struct {
	Store   storage.Store
	Buckets chronos.BucketSet
}

// Router resolves contexts and exclusively owns connections and adapters.
type Router struct {
	cfg chronos.Config
	env string

	pool *mongoPool

	spacesMu sync.Mutex
	spaces   map[string]storage.Store
	// blobCache, when non-nil, decorates every new storage adapter.
	blobCache storage.Cache

	tenants    *tenantCache
	mongoByKey map[string]chronos.MongoConn
}

// New validates cfg and builds a router. The blob read cache is attached
// when redis is enabled in the configuration.
func New(cfg chronos.Config) (*Router, error) {
	cfg = cfg.Defaulted()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		cfg:        cfg,
		env:        os.Getenv("CHRONOS_ENV"),
		pool:       newMongoPool(),
		spaces:     map[string]storage.Store{},
		tenants:    newTenantCache(cfg.DynamicTenants.MaxCacheSize, cfg.DynamicTenants.CacheExpiry),
		mongoByKey: map[string]chronos.MongoConn{},
	}
	for _, mc := range cfg.MongoConns {
		r.mongoByKey[mc.Key] = mc
	}
	if cfg.Redis.Enabled {
		r.blobCache = storage.NewRedisCache(cfg.Redis)
	}
	return r, nil
}

// Config returns the validated, defaulted configuration.
func (r *Router) Config() chronos.Config {
	return r.cfg
}

// Route resolves ctx per the documented order: admin forcedIndex override,
// direct key match, databaseType × tier × (domain | tenant), then the dynamic
// tenant template engine.
func (r *Router) Route(ctx chronos.RouteContext) (Resolution, error) {
	if ctx.Collection == "" {
		return Resolution{}, chronos.Errorf(chronos.ErrValidation, "route context has no collection")
	}
	routingKey := hashing.RoutingKey(ctx, r.cfg.Routing.ChooseKey)

	class := ctx.DatabaseType
	if class == "" {
		class = chronos.DBMetadata
	}
	tier := ctx.Tier
	if tier == "" {
		tier = chronos.TierGeneric
	}
	candidates := r.candidates(class, tier)

	// 1. Admin override bypasses resolution.
	if ctx.ForcedIndex != nil {
		i := *ctx.ForcedIndex
		if i < 0 || i >= len(candidates) {
			return Resolution{}, chronos.Errorf(chronos.ErrRoute, "forcedIndex %d out of range for %s/%s (%d backends)", i, class, tier, len(candidates))
		}
		return r.fromRef(candidates[i], ctx, routingKey, i), nil
	}

	// 2. Direct key match across all connection tables.
	if ctx.Key != "" {
		for _, ref := range r.allRefs() {
			if ref.Key == ctx.Key {
				return r.fromRef(ref, ctx, routingKey, -1), nil
			}
		}
		return Resolution{}, chronos.Errorf(chronos.ErrRoute, "no backend with key %q", ctx.Key)
	}

	// 3. Class × tier resolution.
	switch class {
	case chronos.DBLogs, chronos.DBMessaging, chronos.DBIdentities:
		// No tiers.
		return r.selectFrom(candidates, ctx, routingKey, fmt.Sprintf("%s backends", class))
	}

	switch tier {
	case chronos.TierGeneric:
		return r.selectFrom(candidates, ctx, routingKey, fmt.Sprintf("%s/generic backends", class))
	case chronos.TierDomain:
		if ctx.Domain == "" {
			return Resolution{}, chronos.Errorf(chronos.ErrValidation, "domain tier requires a domain")
		}
		matched := filterRefs(candidates, func(ref chronos.BackendRef) bool { return ref.Domain == ctx.Domain })
		if len(matched) == 0 {
			return Resolution{}, chronos.Errorf(chronos.ErrRoute, "no %s backend for domain %q", class, ctx.Domain)
		}
		return r.selectFrom(matched, ctx, routingKey, fmt.Sprintf("domain %q backends", ctx.Domain))
	case chronos.TierTenant:
		if ctx.TenantID == "" {
			return Resolution{}, chronos.Errorf(chronos.ErrValidation, "tenant tier requires a tenantId")
		}
		matched := filterRefs(candidates, func(ref chronos.BackendRef) bool { return ref.TenantID == ctx.TenantID })
		if len(matched) > 0 {
			return r.selectFrom(matched, ctx, routingKey, fmt.Sprintf("tenant %q backends", ctx.TenantID))
		}
		// 4. Dynamic tenant resolution.
		if r.cfg.DynamicTenants.Enabled {
			return r.resolveDynamicTenant(ctx, routingKey)
		}
		return Resolution{}, chronos.Errorf(chronos.ErrRoute, "no static backend for tenant %q and dynamic tenants are disabled", ctx.TenantID)
	}
	return Resolution{}, chronos.Errorf(chronos.ErrRoute, "tier %q not routable", tier)
}

// selectFrom picks one backend from refs with the configured hash algorithm.
func (r *Router) selectFrom(refs []chronos.BackendRef, ctx chronos.RouteContext, routingKey string, what string) (Resolution, error) {
	if len(refs) == 0 {
		return Resolution{}, chronos.Errorf(chronos.ErrRoute, "no %s configured", what)
	}
	var idx int
	if r.cfg.Routing.HashAlgo == "jump" {
		idx = hashing.JumpHash(hashing.Hash64(routingKey), len(refs))
	} else {
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = backendIdentity(ref)
		}
		idx = hashing.Rendezvous(routingKey, ids)
	}
	return r.fromRef(refs[idx], ctx, routingKey, idx), nil
}

func (r *Router) fromRef(ref chronos.BackendRef, ctx chronos.RouteContext, routingKey string, idx int) Resolution {
	dbName := ref.DBName
	if dbName == "" {
		dbName = ctx.DBName
	}
	return Resolution{
		MongoConnKey:    ref.MongoConn,
		MongoURI:        r.mongoByKey[ref.MongoConn].URI,
		SpacesConnKey:   ref.SpacesConn,
		Buckets:         ref.Buckets.Normalize(),
		ResolvedDBName:  dbName,
		AnalyticsDBName: ref.AnalyticsDBName,
		RoutingKey:      routingKey,
		Index:           idx,
	}
}

// resolveDynamicTenant renders the tier template for an on-demand tenant,
// consulting the LRU cache first.
func (r *Router) resolveDynamicTenant(ctx chronos.RouteContext, routingKey string) (Resolution, error) {
	if err := validateTenantID(ctx.TenantID, r.cfg.DynamicTenants.Validation); err != nil {
		return Resolution{}, err
	}
	tierName := ctx.TenantTier
	if tierName == "" {
		tierName = "default"
	}
	cacheKey := tierName + "|" + ctx.TenantID
	if res, ok := r.tenants.get(cacheKey); ok {
		res.RoutingKey = routingKey
		return res, nil
	}
	tpl, ok := r.cfg.DynamicTenants.Tiers[tierName]
	if !ok {
		return Resolution{}, chronos.Errorf(chronos.ErrRoute, "no tenant template for tier %q", tierName)
	}
	if !r.cfg.DynamicTenants.AutoCreate {
		return Resolution{}, chronos.Errorf(chronos.ErrRoute, "tenant %q unknown and autoCreate is disabled", ctx.TenantID)
	}
	region := r.cfg.SpacesConnections[tpl.SpacesConn].Region
	vars := templateVars(ctx, tierName, region, r.env, tpl)

	dbName, err := renderTemplate(tpl.DBNameTemplate, vars)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{
		MongoConnKey:   tpl.MongoConn,
		MongoURI:       r.mongoByKey[tpl.MongoConn].URI,
		SpacesConnKey:  tpl.SpacesConn,
		ResolvedDBName: dbName,
		RoutingKey:     routingKey,
		Index:          -1,
		Dynamic:        true,
	}
	if tpl.AnalyticsDBNameTemplate != "" {
		if res.AnalyticsDBName, err = renderTemplate(tpl.AnalyticsDBNameTemplate, vars); err != nil {
			return Resolution{}, err
		}
	}
	render := func(roleTpl string) (string, error) {
		if roleTpl == "" {
			roleTpl = tpl.BucketTemplate
		}
		if roleTpl == "" {
			return "", chronos.Errorf(chronos.ErrValidation, "tenant template for tier %q has no bucket template", tierName)
		}
		return renderTemplate(roleTpl, vars)
	}
	if res.Buckets.Records, err = render(tpl.RecordsBucketTemplate); err != nil {
		return Resolution{}, err
	}
	if res.Buckets.Versions, err = render(tpl.VersionsBucketTemplate); err != nil {
		return Resolution{}, err
	}
	if res.Buckets.Content, err = render(tpl.ContentBucketTemplate); err != nil {
		return Resolution{}, err
	}
	if res.Buckets.Backups, err = render(tpl.BackupsBucketTemplate); err != nil {
		return Resolution{}, err
	}
	r.tenants.put(cacheKey, res)
	return res, nil
}

// InvalidateTenant drops every cached resolution of the given tenant.
func (r *Router) InvalidateTenant(tenantID string) {
	r.tenants.invalidate(func(key string) bool {
		return strings.HasSuffix(key, "|"+tenantID)
	})
}

// MongoClient returns the pooled client for uri, opening it on first use.
func (r *Router) MongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	return r.pool.client(ctx, uri)
}

// SupportsTransactions reports whether the routed metadata store can run
// multi-document transactions, honoring the transactions config before
// falling back to the cached replica-set probe.
func (r *Router) SupportsTransactions(ctx context.Context, uri string) (bool, error) {
	if !r.cfg.Transactions.Enabled {
		return false, nil
	}
	if !r.cfg.Transactions.AutoDetect {
		return true, nil
	}
	return r.pool.supportsTransactions(ctx, uri)
}

// Spaces returns the storage adapter plus bucket quadruple for a resolution.
func (r *Router) Spaces(res Resolution) (Spaces, error) {
	r.spacesMu.Lock()
	defer r.spacesMu.Unlock()
	st, ok := r.spaces[res.SpacesConnKey]
	if !ok {
		conn, found := r.cfg.SpacesConnections[res.SpacesConnKey]
		if !found {
			return Spaces{}, chronos.Errorf(chronos.ErrRoute, "unknown spaces connection %q", res.SpacesConnKey)
		}
		st = storage.NewS3Store(storage.Connect(conn))
		if r.blobCache != nil {
			st = storage.NewCachedStore(st, r.blobCache, r.cfg.Redis.TTL, r.cfg.Redis.MaxCacheableBytes)
		}
		r.spaces[res.SpacesConnKey] = st
	}
	return Spaces{Store: st, Buckets: res.Buckets}, nil
}

// SetStore overrides the adapter for a spaces connection. Tests use this to
// route blob traffic at an in-memory store.
func (r *Router) SetStore(spacesConnKey string, st storage.Store) {
	r.spacesMu.Lock()
	defer r.spacesMu.Unlock()
	r.spaces[spacesConnKey] = st
}

// Close disconnects every pooled metadata client.
func (r *Router) Close(ctx context.Context) error {
	return r.pool.close(ctx)
}

func (r *Router) candidates(class chronos.DatabaseClass, tier chronos.Tier) []chronos.BackendRef {
	switch class {
	case chronos.DBLogs:
		return r.cfg.Databases.Logs
	case chronos.DBMessaging:
		return r.cfg.Databases.Messaging
	case chronos.DBIdentities:
		return r.cfg.Databases.Identities
	}
	var ts chronos.TierSet
	switch class {
	case chronos.DBKnowledge:
		ts = r.cfg.Databases.Knowledge
	case chronos.DBRuntime:
		ts = r.cfg.Databases.Runtime
	default:
		ts = r.cfg.Databases.Metadata
	}
	switch tier {
	case chronos.TierDomain:
		return ts.Domain
	case chronos.TierTenant:
		return ts.Tenant
	default:
		return ts.Generic
	}
}

func (r *Router) allRefs() []chronos.BackendRef {
	var out []chronos.BackendRef
	for _, ts := range []chronos.TierSet{r.cfg.Databases.Metadata, r.cfg.Databases.Knowledge, r.cfg.Databases.Runtime} {
		out = append(out, ts.Generic...)
		out = append(out, ts.Domain...)
		out = append(out, ts.Tenant...)
	}
	out = append(out, r.cfg.Databases.Logs...)
	out = append(out, r.cfg.Databases.Messaging...)
	out = append(out, r.cfg.Databases.Identities...)
	return out
}

func filterRefs(refs []chronos.BackendRef, keep func(chronos.BackendRef) bool) []chronos.BackendRef {
	out := make([]chronos.BackendRef, 0, len(refs))
	for _, ref := range refs {
		if keep(ref) {
			out = append(out, ref)
		}
	}
	return out
}

// backendIdentity is the stable id rendezvous hashing scores against.
func backendIdentity(ref chronos.BackendRef) string {
	if ref.Key != "" {
		return ref.Key
	}
	return ref.MongoConn + "|" + ref.SpacesConn + "|" + ref.DBName + "|" + ref.Domain + "|" + ref.TenantID
}
