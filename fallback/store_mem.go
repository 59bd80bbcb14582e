package fallback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chronosdb/chronos"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu   sync.Mutex
	ops  map[string]Op
	dead map[string]DeadOp
}

// NewMemStore returns an empty in-memory queue.
func NewMemStore() *MemStore {
	return &MemStore{ops: map[string]Op{}, dead: map[string]DeadOp{}}
}

func (s *MemStore) Enqueue(ctx context.Context, op Op) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.ops[op.RequestID]
	s.ops[op.RequestID] = op
	return !existed, nil
}

func (s *MemStore) Due(ctx context.Context, now time.Time, limit int) ([]Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Op
	for _, op := range s.ops {
		if !op.NextAttemptAt.After(now) {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Reschedule(ctx context.Context, requestID string, attempts int, nextAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[requestID]
	if !ok {
		return nil
	}
	op.Attempts = attempts
	op.NextAttemptAt = nextAt
	op.LastError = lastError
	s.ops[requestID] = op
	return nil
}

func (s *MemStore) Remove(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, requestID)
	return nil
}

func (s *MemStore) MoveToDead(ctx context.Context, op Op, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[op.RequestID] = DeadOp{Op: op, Reason: reason, DeadAt: at}
	delete(s.ops, op.RequestID)
	return nil
}

func (s *MemStore) Get(ctx context.Context, requestID string) (Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.ops[requestID]; ok {
		return op, nil
	}
	return Op{}, chronos.Errorf(chronos.ErrNotFound, "op %s not queued", requestID)
}

func (s *MemStore) GetDead(ctx context.Context, requestID string) (DeadOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.dead[requestID]; ok {
		return op, nil
	}
	return DeadOp{}, chronos.Errorf(chronos.ErrNotFound, "op %s not dead-lettered", requestID)
}

// QueueLen reports the number of queued ops (test helper).
func (s *MemStore) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// DeadLen reports the number of dead-lettered ops (test helper).
func (s *MemStore) DeadLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dead)
}
