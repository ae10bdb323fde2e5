package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type scriptedLeaseStore struct {
	mu       sync.Mutex
	outcomes []bool
	index    int
	token    int64
	claims   int
	releases int
	tokens   []int64
}

func newScriptedLeaseStore(outcomes []bool) *scriptedLeaseStore {
	copied := make([]bool, len(outcomes))
	copy(copied, outcomes)
	return &scriptedLeaseStore{outcomes: copied}
}

func (s *scriptedLeaseStore) Ensure(context.Context, string, time.Time) error { return nil }

func (s *scriptedLeaseStore) TryClaim(_ context.Context, taskID, holderID string, ttl time.Duration) (*Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++

	outcome := false
	if s.index < len(s.outcomes) {
		outcome = s.outcomes[s.index]
	}
	s.index++
	if !outcome {
		return nil, false, nil
	}

	s.token++
	s.tokens = append(s.tokens, s.token)
	return &Lease{
		TaskID:   taskID,
		Holder:   holderID,
		Token:    s.token,
		ExpireAt: time.Now().UTC().Add(ttl),
	}, true, nil
}

func (s *scriptedLeaseStore) Renew(context.Context, *Lease, time.Duration) error { return nil }

func (s *scriptedLeaseStore) Release(context.Context, *Lease, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

func (s *scriptedLeaseStore) NextDue(context.Context, string) (time.Time, bool, error) {
	return time.Now().UTC(), true, nil
}
func (s *scriptedLeaseStore) MarkOrphaned(context.Context, time.Time) ([]string, error) {
	return nil, nil
}
func (s *scriptedLeaseStore) HealthCheck(context.Context) error { return nil }
func (s *scriptedLeaseStore) Close() error                      { return nil }

func (s *scriptedLeaseStore) stats() (claims int, releases int, tokens []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims, s.releases, append([]int64(nil), s.tokens...)
}

func TestRuntime_Property_ExecutionsMatchClaimedLeases(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("executions and releases happen only under a claimed lease", prop.ForAll(
		func(outcomes []bool) bool {
			store := newScriptedLeaseStore(outcomes)
			handler := &countingHandler{}

			runtime, err := NewRuntime(store, &schedulerTestLogger{}, Config{HolderID: "holder-1"})
			if err != nil {
				return false
			}

			def := Definition{
				ID:      "billing-rollup",
				Handler: handler.run,
				Every:   time.Hour,
			}
			if err := def.Validate(); err != nil {
				return false
			}

			for range outcomes {
				runtime.attemptRun(context.Background(), def)
			}

			expectedRuns := 0
			for _, claimed := range outcomes {
				if claimed {
					expectedRuns++
				}
			}

			claims, releases, tokens := store.stats()
			if claims != len(outcomes) || releases != expectedRuns || handler.count() != expectedRuns {
				return false
			}
			for i := 1; i < len(tokens); i++ {
				if tokens[i] <= tokens[i-1] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
