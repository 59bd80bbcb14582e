// Package chronos is a unified, versioned persistence layer combining an
// indexed metadata store (MongoDB) with an authoritative blob store (S3) to
// provide immutable per-record versioning, point-in-time restore, conditional
// analytics counters and durable write replay across a fleet of multi-tenant
// backends.
//
// The root package holds the shared vocabulary: the configuration surface,
// the tagged error taxonomy, route contexts and identifiers. The moving parts
// live in subpackages:
//
//   - hashing: deterministic hashing, rendezvous/jump selection, key DSL
//   - storage: the blob-store capability interface, S3 adapter, key layout
//   - router: backend resolution, connection pools, dynamic tenants
//   - metadata: indexed-property extraction, externalization, system header, merge
//   - pipeline: the versioned write pipeline and restore engine
//   - counters: the conditional counter engine
//   - fallback: the durable replay queue, worker and wrapper
//   - optimizer: blob batching and counter debounce
//   - in_mongo_s3: the Engine composition over Mongo + S3
//   - rest_api: a thin gin surface over the Engine
package chronos
