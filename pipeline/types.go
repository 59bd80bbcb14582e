// Package pipeline implements the versioned write pipeline: the head /
// version-index / counter / lock repositories over a routed metadata
// database, the blob-then-head-then-ver commit protocol with optimistic
// locking, the read operations and the restore engine.
package pipeline

import (
	"context"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/metadata"
)

// Shadow is the optional inline payload snapshot kept on the head for
// recent-access speed.
type Shadow struct {
	At    time.Time `bson:"at" json:"at"`
	Bytes []byte    `bson:"bytes" json:"bytes"`
}

// Head is the latest-state pointer document for one logical record.
type Head struct {
	ID          chronos.ID            `bson:"_id" json:"id"`
	OV          uint64                `bson:"ov" json:"ov"`
	CV          uint64                `bson:"cv" json:"cv"`
	MetaIndexed map[string]any        `bson:"metaIndexed" json:"metaIndexed"`
	JSONKey     string                `bson:"jsonKey" json:"jsonKey"`
	Deleted     bool                  `bson:"deleted,omitempty" json:"deleted,omitempty"`
	DeletedAt   *time.Time            `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
	FullShadow  *Shadow               `bson:"fullShadow,omitempty" json:"fullShadow,omitempty"`
	System      metadata.SystemHeader `bson:"_system" json:"_system"`
}

// Version is one immutable row of the append-only version index.
type Version struct {
	ItemID      chronos.ID            `bson:"itemId" json:"itemId"`
	OV          uint64                `bson:"ov" json:"ov"`
	CV          uint64                `bson:"cv" json:"cv"`
	JSONKey     string                `bson:"jsonKey" json:"jsonKey"`
	MetaIndexed map[string]any        `bson:"metaIndexed" json:"metaIndexed"`
	System      metadata.SystemHeader `bson:"_system" json:"_system"`
	CommittedAt time.Time             `bson:"committedAt" json:"committedAt"`
	Deleted     bool                  `bson:"deleted,omitempty" json:"deleted,omitempty"`
}

// WriteResult reports a committed mutation.
type WriteResult struct {
	ID chronos.ID `json:"id"`
	OV uint64     `json:"ov"`
	CV uint64     `json:"cv"`
	At time.Time  `json:"at"`
}

// WriteOptions carries the optional actor/reason audit fields and create
// lineage.
type WriteOptions struct {
	Actor   string
	Reason  string
	Lineage *metadata.Lineage
	// FunctionID tags the enrichment source on Enrich.
	FunctionID string
	// BulkTag marks bulk operations for the shadow-skip policy
	// ("BULK_UPDATE", "BULK_DELETE").
	BulkTag string
}

// RestoreTarget selects a prior version: exactly one of OV, CV or At.
type RestoreTarget struct {
	OV *uint64
	CV *uint64
	At *time.Time
}

// RestoreResult reports a whole-collection restore. FirstFailure is nil when
// every eligible record restored; a partial failure leaves the prefix
// restored.
type RestoreResult struct {
	ItemsRestored int
	FirstFailure  error
}

// ReadOptions shapes GetLatest.
type ReadOptions struct {
	IncludePayload bool
	Presign        bool
	PresignTTL     time.Duration
	// Projection trims the returned payload to the named top-level properties.
	Projection []string
}

// Record is a read result: the head plus, when requested, the payload and a
// presigned blob URL.
type Record struct {
	Head       Head           `json:"head"`
	Payload    map[string]any `json:"payload,omitempty"`
	PresignURL string         `json:"presignUrl,omitempty"`
}

// VersionRecord is a version-index read result.
type VersionRecord struct {
	Version Version        `json:"version"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ListQuery filters and pages heads by their metaIndexed projection.
type ListQuery struct {
	Filter  map[string]any
	Limit   int64
	AfterID chronos.ID
	// Sort maps metaIndexed field paths to 1 (asc) or -1 (desc).
	Sort map[string]int
}

// HeadRepo is the head-document repository over `<collection>_head`.
type HeadRepo interface {
	Get(ctx context.Context, id chronos.ID) (Head, error)
	Insert(ctx context.Context, h Head) error
	// UpdateConditional replaces the head only when its current ov equals
	// expectedOv, failing with an OptimisticLock-tagged error otherwise.
	UpdateConditional(ctx context.Context, id chronos.ID, expectedOv uint64, h Head) error
	Delete(ctx context.Context, id chronos.ID) error
	List(ctx context.Context, q ListQuery) ([]Head, error)
	// ListIDs pages record ids in ascending order for collection scans.
	ListIDs(ctx context.Context, afterID chronos.ID, limit int64) ([]chronos.ID, error)
}

// VerRepo is the append-only version index over `<collection>_ver`.
type VerRepo interface {
	Append(ctx context.Context, v Version) error
	Get(ctx context.Context, itemID chronos.ID, ov uint64) (Version, error)
	// LatestAtOrBefore returns the latest version with committedAt <= at.
	LatestAtOrBefore(ctx context.Context, itemID chronos.ID, at time.Time) (Version, error)
	// LatestCVAtOrBefore returns the latest version with cv <= cv.
	LatestCVAtOrBefore(ctx context.Context, itemID chronos.ID, cv uint64) (Version, error)
	// Latest returns the newest version row of the item.
	Latest(ctx context.Context, itemID chronos.ID) (Version, error)
	DeleteAll(ctx context.Context, itemID chronos.ID) error
}

// CounterRepo is the per-collection cv allocator over `<collection>_counter`.
type CounterRepo interface {
	Next(ctx context.Context) (uint64, error)
}

// LockRepo is the cross-process per-record lock collection
// `<collection>_locks`: at most one live lock per item id.
type LockRepo interface {
	// Acquire upserts the lock conditioned on absent-or-expired and fails
	// with a LockBusy-tagged error when another owner holds it.
	Acquire(ctx context.Context, itemID chronos.ID, ownerID string, ttl time.Duration) error
	Release(ctx context.Context, itemID chronos.ID, ownerID string) error
}

// Committer runs the head+ver commit, transactionally when the backend
// supports it.
type Committer interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
	// Transactional reports whether Run provides multi-document atomicity.
	Transactional() bool
}

// CounterSink receives post-commit counter bumps. Implementations must never
// fail the write path; errors are logged and swallowed inside the sink.
type CounterSink interface {
	Bump(ctx context.Context, op chronos.OperationType, meta map[string]any, payload map[string]any)
}

// RepairFunc is invoked when a sequenced (non-transactional) commit updated
// the head but failed to append the version row; implementations enqueue a
// compensating repair op.
type RepairFunc func(ctx context.Context, v Version)
