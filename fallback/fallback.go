// Package fallback implements the durable replay queue: writes that failed
// transiently are persisted as operations keyed by a unique request id and
// replayed with exponential backoff until they land, exhaust their attempts
// or hit a permanent error and move to the dead-letter collection.
package fallback

import (
	"context"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/pipeline"
)

// OpsCollection is the queue collection name.
const OpsCollection = "chronos_fallback_ops"

// KindRepair re-appends a version row lost to a partial sequenced commit.
// The other kinds reuse the pipeline operation names.
const KindRepair = "REPAIR"

// Target mirrors a restore selector in a queue document.
type Target struct {
	OV *uint64    `bson:"ov,omitempty" json:"ov,omitempty"`
	CV *uint64    `bson:"cv,omitempty" json:"cv,omitempty"`
	At *time.Time `bson:"at,omitempty" json:"at,omitempty"`
}

// Op is one queued operation. RequestID is the idempotency key: enqueueing
// the same id twice is a no-op.
type Op struct {
	RequestID  string               `bson:"_id" json:"requestId"`
	Kind       string               `bson:"kind" json:"kind"`
	Route      chronos.RouteContext `bson:"route" json:"route"`
	ItemID     chronos.ID           `bson:"itemId,omitempty" json:"itemId,omitempty"`
	Payload    map[string]any       `bson:"payload,omitempty" json:"payload,omitempty"`
	Patches    []map[string]any     `bson:"patches,omitempty" json:"patches,omitempty"`
	ExpectedOV *uint64              `bson:"expectedOv,omitempty" json:"expectedOv,omitempty"`
	Target     *Target              `bson:"target,omitempty" json:"target,omitempty"`
	// Version carries the row to re-append for REPAIR ops.
	Version *pipeline.Version `bson:"version,omitempty" json:"version,omitempty"`

	Actor      string `bson:"actor,omitempty" json:"actor,omitempty"`
	Reason     string `bson:"reason,omitempty" json:"reason,omitempty"`
	FunctionID string `bson:"functionId,omitempty" json:"functionId,omitempty"`

	Attempts      int       `bson:"attempts" json:"attempts"`
	NextAttemptAt time.Time `bson:"nextAttemptAt" json:"nextAttemptAt"`
	EnqueuedAt    time.Time `bson:"enqueuedAt" json:"enqueuedAt"`
	LastError     string    `bson:"lastError,omitempty" json:"lastError,omitempty"`
}

// DeadOp is a queue entry that will never be retried again.
type DeadOp struct {
	Op     `bson:",inline"`
	Reason string    `bson:"deadReason" json:"deadReason"`
	DeadAt time.Time `bson:"deadAt" json:"deadAt"`
}

// Store persists the queue. Enqueue reports false when the request id was
// already present; the op's payload and schedule are refreshed either way, so
// a re-submitted request replaces its stale queue entry.
type Store interface {
	Enqueue(ctx context.Context, op Op) (bool, error)
	// Due returns up to limit operations with nextAttemptAt <= now, oldest
	// attempt time first.
	Due(ctx context.Context, now time.Time, limit int) ([]Op, error)
	Reschedule(ctx context.Context, requestID string, attempts int, nextAt time.Time, lastError string) error
	Remove(ctx context.Context, requestID string) error
	// MoveToDead removes the op from the queue and records it in the
	// dead-letter collection.
	MoveToDead(ctx context.Context, op Op, reason string, at time.Time) error
	Get(ctx context.Context, requestID string) (Op, error)
	GetDead(ctx context.Context, requestID string) (DeadOp, error)
}

// ReplayAdapter executes a queued operation against the live engine. The
// engine implements this over its routed pipelines.
type ReplayAdapter interface {
	Create(ctx context.Context, route chronos.RouteContext, payload map[string]any, opts pipeline.WriteOptions) (pipeline.WriteResult, error)
	Update(ctx context.Context, route chronos.RouteContext, id chronos.ID, payload map[string]any, expectedOv uint64, opts pipeline.WriteOptions) (pipeline.WriteResult, error)
	Delete(ctx context.Context, route chronos.RouteContext, id chronos.ID, expectedOv uint64, opts pipeline.WriteOptions) (pipeline.WriteResult, error)
	Enrich(ctx context.Context, route chronos.RouteContext, id chronos.ID, patches []map[string]any, opts pipeline.WriteOptions) (pipeline.WriteResult, error)
	Restore(ctx context.Context, route chronos.RouteContext, id chronos.ID, target pipeline.RestoreTarget, opts pipeline.WriteOptions) (pipeline.WriteResult, error)
	RepairVersion(ctx context.Context, route chronos.RouteContext, v pipeline.Version) error
}

func (o Op) writeOptions() pipeline.WriteOptions {
	return pipeline.WriteOptions{Actor: o.Actor, Reason: o.Reason, FunctionID: o.FunctionID}
}

func (o Op) restoreTarget() pipeline.RestoreTarget {
	if o.Target == nil {
		return pipeline.RestoreTarget{}
	}
	return pipeline.RestoreTarget{OV: o.Target.OV, CV: o.Target.CV, At: o.Target.At}
}

// replay dispatches one op to the adapter.
func replay(ctx context.Context, adapter ReplayAdapter, op Op) (pipeline.WriteResult, error) {
	switch op.Kind {
	case string(chronos.OpCreate):
		return adapter.Create(ctx, op.Route, op.Payload, op.writeOptions())
	case string(chronos.OpUpdate):
		if op.ExpectedOV == nil {
			return pipeline.WriteResult{}, chronos.Errorf(chronos.ErrValidation, "update op %s has no expectedOv", op.RequestID)
		}
		return adapter.Update(ctx, op.Route, op.ItemID, op.Payload, *op.ExpectedOV, op.writeOptions())
	case string(chronos.OpDelete):
		if op.ExpectedOV == nil {
			return pipeline.WriteResult{}, chronos.Errorf(chronos.ErrValidation, "delete op %s has no expectedOv", op.RequestID)
		}
		return adapter.Delete(ctx, op.Route, op.ItemID, *op.ExpectedOV, op.writeOptions())
	case string(chronos.OpEnrich):
		return adapter.Enrich(ctx, op.Route, op.ItemID, op.Patches, op.writeOptions())
	case string(chronos.OpRestore):
		return adapter.Restore(ctx, op.Route, op.ItemID, op.restoreTarget(), op.writeOptions())
	case KindRepair:
		if op.Version == nil {
			return pipeline.WriteResult{}, chronos.Errorf(chronos.ErrValidation, "repair op %s has no version row", op.RequestID)
		}
		return pipeline.WriteResult{}, adapter.RepairVersion(ctx, op.Route, *op.Version)
	}
	return pipeline.WriteResult{}, chronos.Errorf(chronos.ErrValidation, "unknown op kind %q", op.Kind)
}
