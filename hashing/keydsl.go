package hashing

import (
	"strings"

	"github.com/chronosdb/chronos"
)

// RoutingKey derives the backend-selection key for ctx from a pipe-separated
// field spec. Fields resolve against the context; the first non-empty
// resolution wins. Recognized fields are tenantId, dbName, collection,
// objectId, the composite collection:objectId, and any dot path into the
// context (e.g. tenantMeta.region). The fallback is collection:objectId.
func RoutingKey(ctx chronos.RouteContext, spec string) string {
	for _, field := range strings.Split(spec, "|") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if v := resolveField(ctx, field); v != "" {
			return v
		}
	}
	return ctx.Collection + ":" + ctx.ObjectID
}

func resolveField(ctx chronos.RouteContext, field string) string {
	switch field {
	case "tenantId":
		return ctx.TenantID
	case "dbName":
		return ctx.DBName
	case "collection":
		return ctx.Collection
	case "objectId":
		return ctx.ObjectID
	case "collection:objectId":
		if ctx.Collection == "" && ctx.ObjectID == "" {
			return ""
		}
		return ctx.Collection + ":" + ctx.ObjectID
	}
	// Dot path into the context.
	return lookupPath(ctx, field)
}

func lookupPath(ctx chronos.RouteContext, path string) string {
	m := map[string]any{
		"tenantId":     ctx.TenantID,
		"dbName":       ctx.DBName,
		"collection":   ctx.Collection,
		"objectId":     ctx.ObjectID,
		"key":          ctx.Key,
		"databaseType": string(ctx.DatabaseType),
		"tier":         string(ctx.Tier),
		"tenantTier":   ctx.TenantTier,
		"domain":       ctx.Domain,
		"tenantMeta":   ctx.TenantMeta,
	}
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			cur = t[seg]
		case map[string]string:
			cur = t[seg]
		default:
			return ""
		}
	}
	if s, ok := cur.(string); ok {
		return s
	}
	return ""
}
