package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryLease struct {
	holder   string
	token    int64
	expireAt time.Time
	nextDue  *time.Time
}

// MemoryStore is a process-local lease store. It provides the same claim,
// fencing and sweep semantics as the SQL stores but coordinates nothing
// across processes; it fits single-instance deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*memoryLease
	closed bool

	// now is swappable so expiry behavior can be tested deterministically.
	now func() time.Time
}

// NewMemoryStore creates an in-memory lease store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: map[string]*memoryLease{},
		now:  time.Now,
	}
}

// Ensure inserts the lease row if absent.
func (s *MemoryStore) Ensure(ctx context.Context, taskID string, firstDue time.Time) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return schedulerError(ErrInvalidArgument, "task id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schedulerError(ErrClosed, "memory store is closed")
	}

	if _, exists := s.rows[taskID]; exists {
		return nil
	}
	due := firstDue.UTC()
	s.rows[taskID] = &memoryLease{
		expireAt: s.now().UTC(),
		nextDue:  &due,
	}
	return nil
}

// TryClaim takes the lease when no live holder exists and the task is still due.
func (s *MemoryStore) TryClaim(ctx context.Context, taskID, holderID string, ttl time.Duration) (*Lease, bool, error) {
	taskID = strings.TrimSpace(taskID)
	holderID = strings.TrimSpace(holderID)
	if taskID == "" || holderID == "" {
		return nil, false, schedulerError(ErrInvalidArgument, "task id and holder id are required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, schedulerError(ErrClosed, "memory store is closed")
	}

	now := s.now().UTC()
	row, exists := s.rows[taskID]
	if !exists {
		due := now
		row = &memoryLease{nextDue: &due}
		s.rows[taskID] = row
	}

	if row.nextDue == nil {
		return nil, false, nil
	}
	if row.holder != "" && row.expireAt.After(now) {
		return nil, false, nil
	}

	row.holder = holderID
	row.token++
	row.expireAt = now.Add(ttl)

	return &Lease{
		TaskID:   taskID,
		Holder:   holderID,
		Token:    row.token,
		ExpireAt: row.expireAt,
	}, true, nil
}

// Renew extends the expiry while holder and fencing token still match.
func (s *MemoryStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schedulerError(ErrClosed, "memory store is closed")
	}

	now := s.now().UTC()
	row, exists := s.rows[lease.TaskID]
	if !exists || row.holder != lease.Holder || row.token != lease.Token || !row.expireAt.After(now) {
		return schedulerError(ErrLostLease, "lease renew rejected")
	}

	row.expireAt = now.Add(ttl)
	lease.ExpireAt = row.expireAt
	return nil
}

// Release clears the holder and records the next due time. Stale tokens are a no-op.
func (s *MemoryStore) Release(ctx context.Context, lease *Lease, nextDue time.Time) error {
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schedulerError(ErrClosed, "memory store is closed")
	}

	row, exists := s.rows[lease.TaskID]
	if !exists || row.holder != lease.Holder || row.token != lease.Token {
		return nil
	}

	row.holder = ""
	row.expireAt = s.now().UTC()
	if nextDue.IsZero() {
		row.nextDue = nil
	} else {
		due := nextDue.UTC()
		row.nextDue = &due
	}
	return nil
}

// NextDue reads the persisted next-due time.
func (s *MemoryStore) NextDue(ctx context.Context, taskID string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, schedulerError(ErrClosed, "memory store is closed")
	}

	row, exists := s.rows[strings.TrimSpace(taskID)]
	if !exists || row.nextDue == nil {
		return time.Time{}, false, nil
	}
	return *row.nextDue, true, nil
}

// MarkOrphaned clears every holder whose lease expired at or before olderThan.
func (s *MemoryStore) MarkOrphaned(ctx context.Context, olderThan time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, schedulerError(ErrClosed, "memory store is closed")
	}

	reclaimed := make([]string, 0)
	for taskID, row := range s.rows {
		if row.holder == "" {
			continue
		}
		if row.expireAt.After(olderThan) {
			continue
		}
		row.holder = ""
		reclaimed = append(reclaimed, taskID)
	}
	sort.Strings(reclaimed)
	return reclaimed, nil
}

// HealthCheck reports whether the store is usable.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schedulerError(ErrClosed, "memory store is closed")
	}
	return nil
}

// Close releases the store; subsequent operations fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
