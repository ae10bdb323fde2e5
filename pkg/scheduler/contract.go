package scheduler

import (
	"context"
	"time"
)

// Lease identifies one cluster-wide exclusive claim on a task id. Token is
// the fencing counter: it strictly increases on every successful claim, so a
// stale holder presenting an old token is always rejected.
type Lease struct {
	TaskID   string
	Holder   string
	Token    int64
	ExpireAt time.Time
}

// Store is the contract over the shared lease table. Every mutation is a
// single atomic conditional statement in the backing datastore; there is no
// client-side locking and no separate coordination service.
type Store interface {
	// Ensure inserts the lease row for taskID if absent, with firstDue as the
	// initial next-due time. An existing row is left untouched.
	Ensure(ctx context.Context, taskID string, firstDue time.Time) error

	// TryClaim attempts to take the lease. It succeeds only when the row has
	// no live holder (empty holder or expired lease) and the task is still
	// due to run again. A contended claim returns (nil, false, nil): losing
	// the race is the expected outcome, not an error.
	TryClaim(ctx context.Context, taskID, holderID string, ttl time.Duration) (*Lease, bool, error)

	// Renew extends the lease expiry when holder and fencing token still
	// match and the lease has not expired. Returns ErrLostLease otherwise;
	// the caller must stop work immediately.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release clears the holder and records when the task should next run.
	// A zero nextDue marks the task as finished (one-shot); it will never be
	// claimable again. A stale token makes Release a silent no-op.
	Release(ctx context.Context, lease *Lease, nextDue time.Time) error

	// NextDue reads the persisted next-due time for taskID. The second
	// return is false when the row is missing or the task is finished.
	NextDue(ctx context.Context, taskID string) (time.Time, bool, error)

	// MarkOrphaned clears the holder on every row whose lease expired at or
	// before olderThan, whichever holder owns it, and returns the affected
	// task ids. Rows are never deleted.
	MarkOrphaned(ctx context.Context, olderThan time.Time) ([]string, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
