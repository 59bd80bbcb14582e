package pipeline

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/google/uuid"
	retry "github.com/sethvargo/go-retry"

	"github.com/chronosdb/chronos"
)

// lockTTL bounds how long a crashed writer can wedge a record before another
// process reclaims the lock.
const lockTTL = 30 * time.Second

// locker serializes writers on one record across processes.
type locker struct {
	repo LockRepo
	ttl  time.Duration
}

func newLocker(repo LockRepo) *locker {
	return &locker{repo: repo, ttl: lockTTL}
}

// acquire takes the record lock, retrying briefly with jittered backoff while
// another writer holds it. It returns the owner token used to release.
func (l *locker) acquire(ctx context.Context, id chronos.ID) (string, error) {
	owner := uuid.NewString()
	b := retry.WithMaxRetries(4, retry.WithJitterPercent(10, retry.NewExponential(50*time.Millisecond)))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := l.repo.Acquire(ctx, id, owner, l.ttl); err != nil {
			if chronos.CodeOf(err) == chronos.ErrLockBusy {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return owner, nil
}

// release is best-effort: an expired lock self-heals via the TTL.
func (l *locker) release(ctx context.Context, id chronos.ID, owner string) {
	if err := l.repo.Release(ctx, id, owner); err != nil {
		log.Warn(fmt.Sprintf("failed to release lock on %s, details: %v", id, err))
	}
}
