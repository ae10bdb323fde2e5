package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskfence/taskfence/pkg/resilience"
)

type sweepRecordingStore struct {
	fakeLeaseStore

	mu      sync.Mutex
	sweeps  int
	cutoffs []time.Time
	result  []string
}

func (s *sweepRecordingStore) MarkOrphaned(_ context.Context, olderThan time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	s.cutoffs = append(s.cutoffs, olderThan)
	return append([]string(nil), s.result...), nil
}

func (s *sweepRecordingStore) sweepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

func (s *sweepRecordingStore) lastCutoff() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cutoffs) == 0 {
		return time.Time{}
	}
	return s.cutoffs[len(s.cutoffs)-1]
}

func TestJanitor_SweepUsesGracePeriodCutoff(t *testing.T) {
	store := &sweepRecordingStore{result: []string{"task-1"}}
	janitor, err := NewJanitor(store, &schedulerTestLogger{}, JanitorConfig{
		GracePeriod: 2 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	before := time.Now().UTC().Add(-2 * time.Minute)
	reclaimed, err := janitor.Sweep(context.Background())
	after := time.Now().UTC().Add(-2 * time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "task-1" {
		t.Fatalf("expected [task-1], got %v", reclaimed)
	}

	cutoff := store.lastCutoff()
	if cutoff.Before(before) || cutoff.After(after) {
		t.Fatalf("expected cutoff around now minus grace, got %v", cutoff)
	}
}

func TestJanitor_StartSweepsOnInterval(t *testing.T) {
	store := &sweepRecordingStore{}
	janitor, err := NewJanitor(store, &schedulerTestLogger{}, JanitorConfig{
		Interval:    10 * time.Millisecond,
		GracePeriod: time.Minute,
	})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := janitor.Start(ctx); err != nil {
		t.Fatalf("janitor start: %v", err)
	}

	if store.sweepCount() == 0 {
		t.Fatal("expected at least one interval sweep")
	}
}

type stalledSweepStore struct {
	fakeLeaseStore
}

func (s *stalledSweepStore) MarkOrphaned(ctx context.Context, _ time.Time) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestJanitor_SweepIsBoundedAgainstStalledStore(t *testing.T) {
	janitor, err := NewJanitor(&stalledSweepStore{}, &schedulerTestLogger{}, JanitorConfig{
		SweepBound: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	started := time.Now()
	_, err = janitor.Sweep(context.Background())
	if err == nil {
		t.Fatal("expected error from bounded sweep")
	}
	if !errors.Is(err, resilience.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("sweep outlived its bound, took %s", elapsed)
	}
}

func TestJanitor_RequiresStoreAndLogger(t *testing.T) {
	if _, err := NewJanitor(nil, &schedulerTestLogger{}, JanitorConfig{}); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewJanitor(&sweepRecordingStore{}, nil, JanitorConfig{}); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestJanitorConfigNormalize(t *testing.T) {
	cfg := &JanitorConfig{}
	cfg.normalize()

	if cfg.Interval != DefaultJanitorInterval {
		t.Errorf("expected default interval, got %v", cfg.Interval)
	}
	if cfg.GracePeriod != DefaultJanitorGracePeriod {
		t.Errorf("expected default grace period, got %v", cfg.GracePeriod)
	}
	if cfg.SweepBound != DefaultJanitorSweepBound {
		t.Errorf("expected default sweep bound, got %v", cfg.SweepBound)
	}
}
