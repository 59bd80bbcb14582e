package router

import (
	"testing"
	"time"

	"github.com/chronosdb/chronos"
)

func testConfig() chronos.Config {
	return chronos.Config{
		MongoConns: []chronos.MongoConn{
			{Key: "m0", URI: "mongodb://db0:27017"},
			{Key: "m1", URI: "mongodb://db1:27017"},
		},
		SpacesConnections: map[string]chronos.SpacesConn{
			"s0": {Endpoint: "http://127.0.0.1:9000", Region: "us-east-1", AccessKey: "k", SecretKey: "s"},
		},
		Databases: chronos.Databases{
			Metadata: chronos.TierSet{
				Generic: []chronos.BackendRef{
					{Key: "gen-0", MongoConn: "m0", SpacesConn: "s0", Buckets: chronos.BucketSet{Bucket: "chronos-0"}},
					{Key: "gen-1", MongoConn: "m1", SpacesConn: "s0", Buckets: chronos.BucketSet{Bucket: "chronos-1"}},
				},
				Domain: []chronos.BackendRef{
					{MongoConn: "m0", SpacesConn: "s0", Domain: "health", DBName: "health_db",
						Buckets: chronos.BucketSet{Records: "h-rec", Versions: "h-ver", Content: "h-con", Backups: "h-bak"}},
				},
				Tenant: []chronos.BackendRef{
					{MongoConn: "m1", SpacesConn: "s0", TenantID: "acme", DBName: "acme_db",
						Buckets: chronos.BucketSet{Bucket: "acme-bucket"}},
				},
			},
		},
		DynamicTenants: chronos.DynamicTenantsConfig{
			Enabled:    true,
			AutoCreate: true,
			Tiers: map[string]chronos.TenantTemplate{
				"default": {
					MongoConn:      "m0",
					SpacesConn:     "s0",
					DBNameTemplate: "tenant_{tenantId}_{tier}",
					BucketTemplate: "t-{tenantId}",
				},
			},
			Validation: chronos.TenantIDValidation{MinLength: 3, MaxLength: 20, AllowedChars: "abcdefghijklmnopqrstuvwxyz0123456789-"},
		},
	}
}

func TestRoute_GenericDeterministic(t *testing.T) {
	r, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := chronos.RouteContext{DBName: "app", Collection: "users", ObjectID: "65f1aa00112233445566aabb"}
	res1, err := r.Route(ctx)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	res2, err := r.Route(ctx)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res1.MongoURI != res2.MongoURI || res1.Index != res2.Index {
		t.Errorf("routing not deterministic: %+v vs %+v", res1, res2)
	}
	if res1.Buckets.Records == "" || res1.Buckets.Backups == "" {
		t.Errorf("legacy bucket alias not fanned out: %+v", res1.Buckets)
	}
}

func TestRoute_ForcedIndexOverride(t *testing.T) {
	r, _ := New(testConfig())
	one := 1
	res, err := r.Route(chronos.RouteContext{DBName: "app", Collection: "users", ForcedIndex: &one})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.MongoURI != "mongodb://db1:27017" {
		t.Errorf("forcedIndex ignored: %+v", res)
	}
	nine := 9
	if _, err := r.Route(chronos.RouteContext{DBName: "app", Collection: "users", ForcedIndex: &nine}); chronos.CodeOf(err) != chronos.ErrRoute {
		t.Errorf("out-of-range forcedIndex should be a route error, got %v", err)
	}
}

func TestRoute_DirectKey(t *testing.T) {
	r, _ := New(testConfig())
	res, err := r.Route(chronos.RouteContext{DBName: "app", Collection: "users", Key: "gen-1"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.MongoURI != "mongodb://db1:27017" {
		t.Errorf("key match wrong backend: %+v", res)
	}
	if _, err := r.Route(chronos.RouteContext{DBName: "app", Collection: "users", Key: "nope"}); chronos.CodeOf(err) != chronos.ErrRoute {
		t.Errorf("unknown key should be a route error, got %v", err)
	}
}

func TestRoute_DomainTier(t *testing.T) {
	r, _ := New(testConfig())
	res, err := r.Route(chronos.RouteContext{
		DBName: "app", Collection: "users",
		DatabaseType: chronos.DBMetadata, Tier: chronos.TierDomain, Domain: "health",
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.ResolvedDBName != "health_db" {
		t.Errorf("backend dbName override lost: %+v", res)
	}
	_, err = r.Route(chronos.RouteContext{
		DBName: "app", Collection: "users", Tier: chronos.TierDomain, Domain: "absent",
	})
	if chronos.CodeOf(err) != chronos.ErrRoute {
		t.Errorf("unknown domain should be a route error, got %v", err)
	}
}

func TestRoute_StaticTenantBeatsTemplate(t *testing.T) {
	r, _ := New(testConfig())
	res, err := r.Route(chronos.RouteContext{
		DBName: "app", Collection: "users", Tier: chronos.TierTenant, TenantID: "acme",
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Dynamic || res.ResolvedDBName != "acme_db" {
		t.Errorf("static tenant should win: %+v", res)
	}
}

func TestRoute_DynamicTenant(t *testing.T) {
	r, _ := New(testConfig())
	res, err := r.Route(chronos.RouteContext{
		DBName: "app", Collection: "users", Tier: chronos.TierTenant, TenantID: "globex",
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if !res.Dynamic {
		t.Fatalf("expected dynamic resolution: %+v", res)
	}
	if res.ResolvedDBName != "tenant_globex_default" {
		t.Errorf("dbName template wrong: %q", res.ResolvedDBName)
	}
	if res.Buckets.Records != "t-globex" || res.Buckets.Backups != "t-globex" {
		t.Errorf("bucket template not fanned out: %+v", res.Buckets)
	}

	// Second resolve hits the cache; invalidation clears it.
	if _, err := r.Route(chronos.RouteContext{DBName: "app", Collection: "users", Tier: chronos.TierTenant, TenantID: "globex"}); err != nil {
		t.Fatalf("cached Route failed: %v", err)
	}
	if r.tenants.len() != 1 {
		t.Errorf("expected one cached tenant, got %d", r.tenants.len())
	}
	r.InvalidateTenant("globex")
	if r.tenants.len() != 0 {
		t.Errorf("invalidation did not clear tenant cache")
	}
}

func TestRoute_TenantValidation(t *testing.T) {
	r, _ := New(testConfig())
	_, err := r.Route(chronos.RouteContext{
		DBName: "app", Collection: "users", Tier: chronos.TierTenant, TenantID: "X!",
	})
	if chronos.CodeOf(err) != chronos.ErrValidation {
		t.Errorf("invalid tenant id should be a validation error, got %v", err)
	}
}

func TestRenderTemplate_UndefinedPlaceholder(t *testing.T) {
	if _, err := renderTemplate("db_{tenantId}_{nope}", map[string]string{"tenantId": "a"}); chronos.CodeOf(err) != chronos.ErrValidation {
		t.Errorf("undefined placeholder must fail, got %v", err)
	}
	out, err := renderTemplate("db_{tenantId}", map[string]string{"tenantId": "a"})
	if err != nil || out != "db_a" {
		t.Errorf("got %q, %v", out, err)
	}
}

func TestTenantCache_LRUEvictionAndTTL(t *testing.T) {
	c := newTenantCache(2, 50*time.Millisecond)
	c.put("t|a", Resolution{ResolvedDBName: "a"})
	c.put("t|b", Resolution{ResolvedDBName: "b"})
	// Refresh a so b becomes the eviction candidate.
	if _, ok := c.get("t|a"); !ok {
		t.Fatalf("a should be cached")
	}
	c.put("t|c", Resolution{ResolvedDBName: "c"})
	if _, ok := c.get("t|b"); ok {
		t.Errorf("b should have been evicted (oldest)")
	}
	if _, ok := c.get("t|a"); !ok {
		t.Errorf("a should survive eviction")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.get("t|a"); ok {
		t.Errorf("entries must expire after the TTL")
	}
}
