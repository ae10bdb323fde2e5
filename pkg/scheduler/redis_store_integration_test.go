package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/taskfence/taskfence/pkg/testutil"
)

// Runs against a live Redis when TASKFENCE_REDIS_URL is set, for example
// redis://localhost:6379/0.
func TestRedisStore_LeaseLifecycle(t *testing.T) {
	url := testutil.RequireBackendURL(t, "TASKFENCE_REDIS_URL")

	store, err := NewRedisStore(RedisStoreConfig{
		URL:    url,
		Prefix: fmt.Sprintf("taskfence:test:%d", time.Now().UnixNano()),
	}, &schedulerTestLogger{})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ensure(ctx, "task-1", time.Now().UTC()); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	lease, claimed, err := store.TryClaim(ctx, "task-1", "holder-a", 5*time.Second)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if lease.Token != 1 {
		t.Fatalf("expected first token 1, got %d", lease.Token)
	}

	if _, claimed, _ = store.TryClaim(ctx, "task-1", "holder-b", 5*time.Second); claimed {
		t.Fatal("expected contended claim to be skipped")
	}

	if err := store.Renew(ctx, lease, 5*time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}

	due := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	if err := store.Release(ctx, lease, due); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, ok, err := store.NextDue(ctx, "task-1")
	if err != nil || !ok {
		t.Fatalf("next due: ok=%v err=%v", ok, err)
	}
	if !got.Equal(due) {
		t.Fatalf("expected next due %v, got %v", due, got)
	}

	// A released lease handle is stale for renewal.
	if err := store.Renew(ctx, lease, 5*time.Second); !errors.Is(err, ErrLostLease) {
		t.Fatalf("expected ErrLostLease, got %v", err)
	}

	second, claimed, err := store.TryClaim(ctx, "task-1", "holder-b", 5*time.Second)
	if err != nil || !claimed {
		t.Fatalf("reclaim: claimed=%v err=%v", claimed, err)
	}
	if second.Token != 2 {
		t.Fatalf("expected token 2, got %d", second.Token)
	}

	// Finish the task and verify it is never claimable again.
	if err := store.Release(ctx, second, time.Time{}); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if _, ok, _ := store.NextDue(ctx, "task-1"); ok {
		t.Fatal("expected finished task to report no next due")
	}
	if _, claimed, _ = store.TryClaim(ctx, "task-1", "holder-c", 5*time.Second); claimed {
		t.Fatal("finished task must never be claimable again")
	}
}

func TestRedisStore_MarkOrphanedSweepsExpiredHolders(t *testing.T) {
	url := testutil.RequireBackendURL(t, "TASKFENCE_REDIS_URL")

	store, err := NewRedisStore(RedisStoreConfig{
		URL:    url,
		Prefix: fmt.Sprintf("taskfence:test:%d", time.Now().UnixNano()),
	}, &schedulerTestLogger{})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, claimed, err := store.TryClaim(ctx, "task-1", "holder-a", 50*time.Millisecond); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	time.Sleep(80 * time.Millisecond)

	reclaimed, err := store.MarkOrphaned(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("mark orphaned: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "task-1" {
		t.Fatalf("expected [task-1], got %v", reclaimed)
	}
}
