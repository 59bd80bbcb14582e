package chronos

// OperationType identifies a logical write operation flowing through the
// pipeline, the counter engine and the fallback queue.
type OperationType string

const (
	OpCreate  OperationType = "CREATE"
	OpUpdate  OperationType = "UPDATE"
	OpDelete  OperationType = "DELETE"
	OpEnrich  OperationType = "ENRICH"
	OpRestore OperationType = "RESTORE"
)

// DatabaseClass enumerates the logical database families a context can target.
type DatabaseClass string

const (
	DBMetadata   DatabaseClass = "metadata"
	DBKnowledge  DatabaseClass = "knowledge"
	DBRuntime    DatabaseClass = "runtime"
	DBLogs       DatabaseClass = "logs"
	DBMessaging  DatabaseClass = "messaging"
	DBIdentities DatabaseClass = "identities"
)

// Tier is the second routing axis for the tiered database classes.
type Tier string

const (
	TierGeneric Tier = "generic"
	TierDomain  Tier = "domain"
	TierTenant  Tier = "tenant"
)

// RouteContext is the request context the router resolves to a concrete
// metadata + blob backend pair.
type RouteContext struct {
	DBName     string `json:"dbName"`
	Collection string `json:"collection"`
	ObjectID   string `json:"objectId,omitempty"`
	// ForcedIndex is an admin override that bypasses resolution entirely.
	ForcedIndex *int `json:"forcedIndex,omitempty"`
	// Key is an exact-match lookup into the connection tables.
	Key          string            `json:"key,omitempty"`
	DatabaseType DatabaseClass     `json:"databaseType,omitempty"`
	Tier         Tier              `json:"tier,omitempty"`
	TenantID     string            `json:"tenantId,omitempty"`
	Domain       string            `json:"domain,omitempty"`
	TenantTier   string            `json:"tenantTier,omitempty"`
	TenantMeta   map[string]string `json:"tenantMeta,omitempty"`
}

// Tuple holds a pair of values.
type Tuple[T any, T2 any] struct {
	First  T
	Second T2
}
