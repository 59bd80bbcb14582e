package chronos

import (
	"fmt"
	"regexp"
	"time"
)

// MongoConn names one metadata-store connection.
type MongoConn struct {
	// Key is the identifier backend references use.
	Key string `json:"key" mapstructure:"key"`
	URI string `json:"uri" mapstructure:"uri"`
}

// SpacesConn names one blob-store endpoint (S3, MinIO, DO Spaces).
type SpacesConn struct {
	Key       string `json:"key" mapstructure:"key"`
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
	Region    string `json:"region" mapstructure:"region"`
	AccessKey string `json:"accessKey" mapstructure:"accessKey"`
	SecretKey string `json:"secretKey" mapstructure:"secretKey"`
	// ForcePathStyle is required for MinIO and most S3-compatible endpoints.
	ForcePathStyle bool `json:"forcePathStyle" mapstructure:"forcePathStyle"`
}

// BucketSet is the bucket quadruple a backend writes to.
// Bucket is the legacy single-bucket field; when set and the role fields are
// empty, it fans out to all four roles.
type BucketSet struct {
	Records  string `json:"records,omitempty" mapstructure:"records"`
	Versions string `json:"versions,omitempty" mapstructure:"versions"`
	Content  string `json:"content,omitempty" mapstructure:"content"`
	Backups  string `json:"backups,omitempty" mapstructure:"backups"`
	Bucket   string `json:"bucket,omitempty" mapstructure:"bucket"`
}

// Normalize resolves the legacy single-bucket alias into the four roles.
func (b BucketSet) Normalize() BucketSet {
	if b.Bucket == "" {
		return b
	}
	if b.Records == "" {
		b.Records = b.Bucket
	}
	if b.Versions == "" {
		b.Versions = b.Bucket
	}
	if b.Content == "" {
		b.Content = b.Bucket
	}
	if b.Backups == "" {
		b.Backups = b.Bucket
	}
	return b
}

// IsEmpty reports whether no bucket is configured at all.
func (b BucketSet) IsEmpty() bool {
	return b.Records == "" && b.Versions == "" && b.Content == "" && b.Backups == "" && b.Bucket == ""
}

// BackendRef binds a routable slot to concrete connections and buckets.
type BackendRef struct {
	// Key allows direct exact-match routing to this backend.
	Key        string    `json:"key,omitempty" mapstructure:"key"`
	MongoConn  string    `json:"mongoConn" mapstructure:"mongoConn"`
	SpacesConn string    `json:"spacesConn" mapstructure:"spacesConn"`
	Buckets    BucketSet `json:"buckets" mapstructure:"buckets"`
	// DBName overrides the context's dbName when set.
	DBName          string `json:"dbName,omitempty" mapstructure:"dbName"`
	AnalyticsDBName string `json:"analyticsDbName,omitempty" mapstructure:"analyticsDbName"`
	// Domain matches the ctx domain on the domain tier.
	Domain string `json:"domain,omitempty" mapstructure:"domain"`
	// TenantID matches the ctx tenant on the tenant tier (static tenants).
	TenantID string `json:"tenantId,omitempty" mapstructure:"tenantId"`
}

// TierSet holds the per-tier backends of one tiered database class.
type TierSet struct {
	Generic []BackendRef `json:"generic,omitempty" mapstructure:"generic"`
	Domain  []BackendRef `json:"domain,omitempty" mapstructure:"domain"`
	Tenant  []BackendRef `json:"tenant,omitempty" mapstructure:"tenant"`
}

// Databases groups backends by database class. Logs, messaging and
// identities have no tiers.
type Databases struct {
	Metadata   TierSet      `json:"metadata,omitempty" mapstructure:"metadata"`
	Knowledge  TierSet      `json:"knowledge,omitempty" mapstructure:"knowledge"`
	Runtime    TierSet      `json:"runtime,omitempty" mapstructure:"runtime"`
	Logs       []BackendRef `json:"logs,omitempty" mapstructure:"logs"`
	Messaging  []BackendRef `json:"messaging,omitempty" mapstructure:"messaging"`
	Identities []BackendRef `json:"identities,omitempty" mapstructure:"identities"`
}

// RoutingOptions selects the hashing algorithm and the key derivation spec.
type RoutingOptions struct {
	// HashAlgo is "rendezvous" (default) or "jump".
	HashAlgo string `json:"hashAlgo,omitempty" mapstructure:"hashAlgo"`
	// ChooseKey is the pipe-separated key DSL, e.g. "tenantId|collection:objectId".
	ChooseKey string `json:"chooseKey,omitempty" mapstructure:"chooseKey"`
}

// RetentionOptions bounds version-index and counter growth. Enforcement runs
// outside the core; the values are carried for the external pruner.
type RetentionOptions struct {
	VerDays      int `json:"ver,omitempty" mapstructure:"ver"`
	CountersDays int `json:"counters,omitempty" mapstructure:"counters"`
}

// RollupOptions controls backup manifest emission.
type RollupOptions struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	ManifestPeriod string `json:"manifestPeriod,omitempty" mapstructure:"manifestPeriod"`
}

// Base64PropSpec declares one externalized base64 property.
type Base64PropSpec struct {
	ContentType   string `json:"contentType" mapstructure:"contentType"`
	PreferredText bool   `json:"preferredText,omitempty" mapstructure:"preferredText"`
	TextCharset   string `json:"textCharset,omitempty" mapstructure:"textCharset"`
}

// MapValidation declares required indexed fields for a collection.
type MapValidation struct {
	RequiredIndexed []string `json:"requiredIndexed,omitempty" mapstructure:"requiredIndexed"`
}

// CollectionMap declares indexing, externalization and validation for one
// logical collection. An empty IndexedProps list means "index every top-level
// property except _system".
type CollectionMap struct {
	IndexedProps []string                  `json:"indexedProps" mapstructure:"indexedProps"`
	Base64Props  map[string]Base64PropSpec `json:"base64Props,omitempty" mapstructure:"base64Props"`
	Validation   MapValidation             `json:"validation,omitempty" mapstructure:"validation"`
}

// CounterRule is one conditional counting rule.
type CounterRule struct {
	Name string          `json:"name" mapstructure:"name"`
	On   []OperationType `json:"on" mapstructure:"on"`
	// Scope selects the predicate view: "meta" (indexed projection) or "payload".
	Scope string `json:"scope,omitempty" mapstructure:"scope"`
	// When is the operator-map predicate grammar keyed by dot path.
	When map[string]any `json:"when,omitempty" mapstructure:"when"`
	// CELExpr is the expression alternative to When; evaluated over a "doc" map.
	CELExpr     string   `json:"celExpr,omitempty" mapstructure:"celExpr"`
	CountUnique []string `json:"countUnique,omitempty" mapstructure:"countUnique"`
}

// CounterRules wraps the configured rule list.
type CounterRules struct {
	Rules []CounterRule `json:"rules,omitempty" mapstructure:"rules"`
}

// DevShadowConfig controls the optional inline payload snapshot on the head.
type DevShadowConfig struct {
	Enabled        bool `json:"enabled" mapstructure:"enabled"`
	TTLHours       int  `json:"ttlHours,omitempty" mapstructure:"ttlHours"`
	MaxBytesPerDoc int  `json:"maxBytesPerDoc,omitempty" mapstructure:"maxBytesPerDoc"`
}

// FallbackConfig controls the durable replay queue.
type FallbackConfig struct {
	Enabled              bool   `json:"enabled" mapstructure:"enabled"`
	MaxAttempts          int    `json:"maxAttempts,omitempty" mapstructure:"maxAttempts"`
	BaseDelayMs          int    `json:"baseDelayMs,omitempty" mapstructure:"baseDelayMs"`
	MaxDelayMs           int    `json:"maxDelayMs,omitempty" mapstructure:"maxDelayMs"`
	DeadLetterCollection string `json:"deadLetterCollection,omitempty" mapstructure:"deadLetterCollection"`
}

// WriteOptimizationConfig controls blob batching and counter debounce.
type WriteOptimizationConfig struct {
	BatchS3            bool `json:"batchS3" mapstructure:"batchS3"`
	BatchWindowMs      int  `json:"batchWindowMs,omitempty" mapstructure:"batchWindowMs"`
	DebounceCountersMs int  `json:"debounceCountersMs,omitempty" mapstructure:"debounceCountersMs"`
	AllowShadowSkip    bool `json:"allowShadowSkip" mapstructure:"allowShadowSkip"`
}

// TransactionsConfig controls metadata-store transaction usage.
type TransactionsConfig struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	AutoDetect bool `json:"autoDetect" mapstructure:"autoDetect"`
}

// TenantIDValidation constrains dynamic tenant identifiers.
type TenantIDValidation struct {
	Pattern      string `json:"pattern,omitempty" mapstructure:"pattern"`
	MinLength    int    `json:"minLength,omitempty" mapstructure:"minLength"`
	MaxLength    int    `json:"maxLength,omitempty" mapstructure:"maxLength"`
	AllowedChars string `json:"allowedChars,omitempty" mapstructure:"allowedChars"`
}

// TenantTemplate produces database and bucket names for an on-demand tenant.
// BucketTemplate is the legacy single-bucket alias.
type TenantTemplate struct {
	MongoConn               string            `json:"mongoConn" mapstructure:"mongoConn"`
	SpacesConn              string            `json:"spacesConn" mapstructure:"spacesConn"`
	DBNameTemplate          string            `json:"dbNameTemplate" mapstructure:"dbNameTemplate"`
	AnalyticsDBNameTemplate string            `json:"analyticsDbNameTemplate,omitempty" mapstructure:"analyticsDbNameTemplate"`
	RecordsBucketTemplate   string            `json:"recordsBucketTemplate,omitempty" mapstructure:"recordsBucketTemplate"`
	VersionsBucketTemplate  string            `json:"versionsBucketTemplate,omitempty" mapstructure:"versionsBucketTemplate"`
	ContentBucketTemplate   string            `json:"contentBucketTemplate,omitempty" mapstructure:"contentBucketTemplate"`
	BackupsBucketTemplate   string            `json:"backupsBucketTemplate,omitempty" mapstructure:"backupsBucketTemplate"`
	BucketTemplate          string            `json:"bucketTemplate,omitempty" mapstructure:"bucketTemplate"`
	Meta                    map[string]string `json:"meta,omitempty" mapstructure:"meta"`
}

// DynamicTenantsConfig enables templated on-demand tenant resolution.
type DynamicTenantsConfig struct {
	Enabled      bool                      `json:"enabled" mapstructure:"enabled"`
	AutoCreate   bool                      `json:"autoCreate" mapstructure:"autoCreate"`
	CacheExpiry  time.Duration             `json:"cacheExpiry,omitempty" mapstructure:"cacheExpiry"`
	MaxCacheSize int                       `json:"maxCacheSize,omitempty" mapstructure:"maxCacheSize"`
	Tiers        map[string]TenantTemplate `json:"tiers,omitempty" mapstructure:"tiers"`
	Validation   TenantIDValidation        `json:"validation,omitempty" mapstructure:"validation"`
}

// LocalStorageConfig points at the local-filesystem blob adapter (external).
type LocalStorageConfig struct {
	BasePath string `json:"basePath,omitempty" mapstructure:"basePath"`
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
}

// RedisConfig holds the optional blob read-cache connection.
type RedisConfig struct {
	// Address is the host:port of the Redis server/cluster.
	Address string `json:"address" mapstructure:"address"`
	// Password is the password used to authenticate.
	Password string `json:"password,omitempty" mapstructure:"password"`
	// DB is the database index to select.
	DB int `json:"db,omitempty" mapstructure:"db"`
	// Enabled turns the read-through blob cache on.
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// TTL for cached blob entries.
	TTL time.Duration `json:"ttl,omitempty" mapstructure:"ttl"`
	// MaxCacheableBytes caps what gets cached; larger blobs bypass the cache.
	MaxCacheableBytes int `json:"maxCacheableBytes,omitempty" mapstructure:"maxCacheableBytes"`
}

// Config is the full engine configuration (spec'd option set).
type Config struct {
	MongoConns        []MongoConn              `json:"mongoConns" mapstructure:"mongoConns"`
	SpacesConnections map[string]SpacesConn    `json:"spacesConnections" mapstructure:"spacesConnections"`
	Databases         Databases                `json:"databases" mapstructure:"databases"`
	LocalStorage      LocalStorageConfig       `json:"localStorage,omitempty" mapstructure:"localStorage"`
	Routing           RoutingOptions           `json:"routing,omitempty" mapstructure:"routing"`
	Retention         RetentionOptions         `json:"retention,omitempty" mapstructure:"retention"`
	Rollup            RollupOptions            `json:"rollup,omitempty" mapstructure:"rollup"`
	CollectionMaps    map[string]CollectionMap `json:"collectionMaps,omitempty" mapstructure:"collectionMaps"`
	CounterRules      CounterRules             `json:"counterRules,omitempty" mapstructure:"counterRules"`
	DevShadow         DevShadowConfig          `json:"devShadow,omitempty" mapstructure:"devShadow"`
	HardDeleteEnabled bool                     `json:"hardDeleteEnabled" mapstructure:"hardDeleteEnabled"`
	Fallback          FallbackConfig           `json:"fallback,omitempty" mapstructure:"fallback"`
	WriteOptimization WriteOptimizationConfig  `json:"writeOptimization,omitempty" mapstructure:"writeOptimization"`
	Transactions      TransactionsConfig       `json:"transactions,omitempty" mapstructure:"transactions"`
	DynamicTenants    DynamicTenantsConfig     `json:"dynamicTenants,omitempty" mapstructure:"dynamicTenants"`
	Redis             RedisConfig              `json:"redis,omitempty" mapstructure:"redis"`
	// AdminDBName hosts the engine's own collections (fallback queue,
	// dead letters) on the first configured metadata connection.
	AdminDBName string `json:"adminDbName,omitempty" mapstructure:"adminDbName"`
}

// Defaulted returns a copy with the documented defaults filled in.
func (c Config) Defaulted() Config {
	if c.Fallback.MaxAttempts <= 0 {
		c.Fallback.MaxAttempts = 5
	}
	if c.Fallback.BaseDelayMs <= 0 {
		c.Fallback.BaseDelayMs = 1000
	}
	if c.Fallback.MaxDelayMs <= 0 {
		c.Fallback.MaxDelayMs = 60000
	}
	if c.Fallback.DeadLetterCollection == "" {
		c.Fallback.DeadLetterCollection = "chronos_fallback_dead"
	}
	if c.DynamicTenants.MaxCacheSize <= 0 {
		c.DynamicTenants.MaxCacheSize = 10000
	}
	if c.DynamicTenants.CacheExpiry <= 0 {
		c.DynamicTenants.CacheExpiry = time.Hour
	}
	if c.WriteOptimization.BatchWindowMs <= 0 {
		c.WriteOptimization.BatchWindowMs = 25
	}
	if c.WriteOptimization.DebounceCountersMs <= 0 {
		c.WriteOptimization.DebounceCountersMs = 100
	}
	if c.DevShadow.MaxBytesPerDoc <= 0 {
		c.DevShadow.MaxBytesPerDoc = 100 * 1024
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 5 * time.Minute
	}
	if c.Redis.MaxCacheableBytes <= 0 {
		c.Redis.MaxCacheableBytes = 1024 * 1024
	}
	if c.Routing.HashAlgo == "" {
		c.Routing.HashAlgo = "rendezvous"
	}
	if c.AdminDBName == "" {
		c.AdminDBName = "chronos_admin"
	}
	return c
}

// Validate checks the configuration invariants at init. Violations are fatal
// and reported as Config-tagged errors.
func (c Config) Validate() error {
	mongoKeys := map[string]bool{}
	for i, mc := range c.MongoConns {
		if mc.Key == "" || mc.URI == "" {
			return Errorf(ErrConfig, "mongoConns[%d] needs both key and uri", i)
		}
		if mongoKeys[mc.Key] {
			return Errorf(ErrConfig, "duplicate mongoConns key %q", mc.Key)
		}
		mongoKeys[mc.Key] = true
	}
	for k, sc := range c.SpacesConnections {
		if sc.Endpoint == "" && !c.LocalStorage.Enabled {
			return Errorf(ErrConfig, "spacesConnections[%s] has no endpoint", k)
		}
	}
	check := func(where string, refs []BackendRef) error {
		for i, r := range refs {
			if !mongoKeys[r.MongoConn] {
				return Errorf(ErrConfig, "%s[%d] references unknown mongoConn %q", where, i, r.MongoConn)
			}
			if _, ok := c.SpacesConnections[r.SpacesConn]; !ok {
				return Errorf(ErrConfig, "%s[%d] references unknown spacesConn %q", where, i, r.SpacesConn)
			}
			if r.Buckets.IsEmpty() {
				return Errorf(ErrConfig, "%s[%d] has no buckets configured", where, i)
			}
		}
		return nil
	}
	tiered := []Tuple[string, TierSet]{
		{First: "databases.metadata", Second: c.Databases.Metadata},
		{First: "databases.knowledge", Second: c.Databases.Knowledge},
		{First: "databases.runtime", Second: c.Databases.Runtime},
	}
	for _, ts := range tiered {
		if err := check(ts.First+".generic", ts.Second.Generic); err != nil {
			return err
		}
		if err := check(ts.First+".domain", ts.Second.Domain); err != nil {
			return err
		}
		if err := check(ts.First+".tenant", ts.Second.Tenant); err != nil {
			return err
		}
	}
	if err := check("databases.logs", c.Databases.Logs); err != nil {
		return err
	}
	if err := check("databases.messaging", c.Databases.Messaging); err != nil {
		return err
	}
	if err := check("databases.identities", c.Databases.Identities); err != nil {
		return err
	}
	if c.DynamicTenants.Enabled {
		if len(c.DynamicTenants.Tiers) == 0 {
			return Errorf(ErrConfig, "dynamicTenants enabled with no tier templates")
		}
		for name, tt := range c.DynamicTenants.Tiers {
			if tt.DBNameTemplate == "" {
				return Errorf(ErrConfig, "dynamicTenants.tiers[%s] missing dbNameTemplate", name)
			}
			if !mongoKeys[tt.MongoConn] {
				return Errorf(ErrConfig, "dynamicTenants.tiers[%s] references unknown mongoConn %q", name, tt.MongoConn)
			}
			if _, ok := c.SpacesConnections[tt.SpacesConn]; !ok {
				return Errorf(ErrConfig, "dynamicTenants.tiers[%s] references unknown spacesConn %q", name, tt.SpacesConn)
			}
		}
		if p := c.DynamicTenants.Validation.Pattern; p != "" {
			if _, err := regexp.Compile(p); err != nil {
				return Errorf(ErrConfig, "dynamicTenants.validation.pattern: %v", err)
			}
		}
	}
	ruleNames := map[string]bool{}
	for i, r := range c.CounterRules.Rules {
		if r.Name == "" {
			return Errorf(ErrConfig, "counterRules.rules[%d] missing name", i)
		}
		if ruleNames[r.Name] {
			return Errorf(ErrConfig, "duplicate counter rule %q", r.Name)
		}
		ruleNames[r.Name] = true
		if len(r.When) == 0 && r.CELExpr == "" {
			return Errorf(ErrConfig, "counter rule %q needs a when predicate or celExpr", r.Name)
		}
	}
	if ha := c.Routing.HashAlgo; ha != "" && ha != "rendezvous" && ha != "jump" {
		return Errorf(ErrConfig, "routing.hashAlgo %q not supported", ha)
	}
	return nil
}

// String implements a redacted printout; secrets never reach logs.
func (c Config) String() string {
	return fmt.Sprintf("chronos config: %d mongo conns, %d spaces conns, fallback enabled: %v, dynamic tenants: %v",
		len(c.MongoConns), len(c.SpacesConnections), c.Fallback.Enabled, c.DynamicTenants.Enabled)
}
