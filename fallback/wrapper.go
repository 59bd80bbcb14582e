package fallback

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/pipeline"
)

// Result reports a wrapped write: it either completed directly, was queued
// for replay, or failed permanently.
type Result struct {
	Completed bool                 `json:"completed"`
	Queued    bool                 `json:"queued"`
	RequestID string               `json:"requestId"`
	Write     pipeline.WriteResult `json:"write,omitempty"`
	Err       error                `json:"-"`
}

// Status describes where a request currently stands.
type Status struct {
	State         string    `json:"state"` // queued, dead or unknown
	Attempts      int       `json:"attempts,omitempty"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	DeadReason    string    `json:"deadReason,omitempty"`
}

// Wrapper fronts the engine's write path: it tries the operation directly
// and, on a transient failure, parks it on the queue under its request id.
type Wrapper struct {
	store   Store
	adapter ReplayAdapter
	cfg     chronos.FallbackConfig
	now     func() time.Time
}

// NewWrapper builds the write-path wrapper.
func NewWrapper(store Store, adapter ReplayAdapter, cfg chronos.FallbackConfig) *Wrapper {
	return &Wrapper{store: store, adapter: adapter, cfg: cfg, now: time.Now}
}

// Execute runs the operation, falling back to the durable queue on a
// transient error. Permanent errors are returned immediately; queueing them
// would only dead-letter later.
func (w *Wrapper) Execute(ctx context.Context, op Op) Result {
	if op.RequestID == "" {
		op.RequestID = uuid.NewString()
	}
	res, err := replay(ctx, w.adapter, op)
	if err == nil {
		return Result{Completed: true, RequestID: op.RequestID, Write: res}
	}
	if !w.cfg.Enabled || chronos.IsPermanent(err) {
		return Result{RequestID: op.RequestID, Err: err}
	}
	now := w.now().UTC()
	op.Attempts = 1
	op.EnqueuedAt = now
	op.LastError = err.Error()
	op.NextAttemptAt = now.Add(Delay(op.Attempts, w.cfg))
	if _, qerr := w.store.Enqueue(ctx, op); qerr != nil {
		// Queue unavailable too; surface the original failure.
		return Result{RequestID: op.RequestID, Err: err}
	}
	return Result{Queued: true, RequestID: op.RequestID, Err: err}
}

// EnqueueRepair parks a compensating version-append without a direct
// attempt; the caller already knows the append just failed.
func (w *Wrapper) EnqueueRepair(ctx context.Context, route chronos.RouteContext, v pipeline.Version) (string, error) {
	now := w.now().UTC()
	op := Op{
		RequestID:     uuid.NewString(),
		Kind:          KindRepair,
		Route:         route,
		ItemID:        v.ItemID,
		Version:       &v,
		Attempts:      1,
		EnqueuedAt:    now,
		NextAttemptAt: now.Add(Delay(1, w.cfg)),
	}
	if _, err := w.store.Enqueue(ctx, op); err != nil {
		return "", err
	}
	return op.RequestID, nil
}

// GetStatus looks a request id up in the queue and the dead-letter
// collection. A request found in neither is reported unknown: it either
// completed and was removed, or never existed.
func (w *Wrapper) GetStatus(ctx context.Context, requestID string) (Status, error) {
	op, err := w.store.Get(ctx, requestID)
	if err == nil {
		return Status{State: "queued", Attempts: op.Attempts, NextAttemptAt: op.NextAttemptAt, LastError: op.LastError}, nil
	}
	if chronos.CodeOf(err) != chronos.ErrNotFound {
		return Status{}, err
	}
	dead, err := w.store.GetDead(ctx, requestID)
	if err == nil {
		return Status{State: "dead", Attempts: dead.Attempts, LastError: dead.LastError, DeadReason: dead.Reason}, nil
	}
	if chronos.CodeOf(err) != chronos.ErrNotFound {
		return Status{}, err
	}
	return Status{State: "unknown"}, nil
}
