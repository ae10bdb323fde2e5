package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taskfence/taskfence/pkg/config"
	"github.com/taskfence/taskfence/pkg/health"
	"github.com/taskfence/taskfence/pkg/observability/logger"
	"github.com/taskfence/taskfence/pkg/version"
)

// Scheduler is the coordinator facade: it owns the lease store, the
// scheduling runtime and the janitor as one unit with a shared lifecycle.
type Scheduler struct {
	store   Store
	runtime *Runtime
	janitor *Janitor
	checks  *health.Registry
	log     logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Scheduler from process configuration: store selected by
// database.driver, runtime and janitor tuned from the scheduler and janitor
// sections.
func New(cfg config.Config, log logger.Logger) (*Scheduler, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, schedulerError(ErrValidation, err.Error())
	}

	store, err := newStoreFromConfig(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return NewWithStore(store, cfg, log)
}

// NewWithStore builds a Scheduler around an externally constructed store.
// The Scheduler takes ownership of the store and closes it on Close.
func NewWithStore(store Store, cfg config.Config, log logger.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, schedulerError(ErrInvalidArgument, "lease store is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}

	runtime, err := NewRuntime(store, log, Config{
		HolderID:                cfg.Scheduler.HolderID,
		DefaultLeaseDuration:    cfg.Scheduler.LeaseDuration,
		DefaultExecutionTimeout: cfg.Scheduler.ExecutionTimeout,
		CancelGrace:             cfg.Scheduler.CancelGrace,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	janitor, err := NewJanitor(store, log, JanitorConfig{
		Interval:    cfg.Janitor.Interval,
		GracePeriod: cfg.Janitor.GracePeriod,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	checks := health.NewRegistry()
	checks.Register(health.NewPingChecker("scheduler"))
	checks.Register(NewStoreHealthChecker("lease-store", store, 5*time.Second))

	build := version.Current()
	log.Info("scheduler initialized",
		"holder_id", runtime.HolderID(),
		"version", build.Version,
		"commit", build.Commit,
	)

	return &Scheduler{
		store:   store,
		runtime: runtime,
		janitor: janitor,
		checks:  checks,
		log:     log,
	}, nil
}

func newStoreFromConfig(cfg config.DatabaseConfig, log logger.Logger) (Store, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "postgres":
		return NewPostgresStore(PostgresStoreConfig{URL: cfg.URL, Table: cfg.Table}, log)
	case "mysql":
		return NewMySQLStore(MySQLStoreConfig{DSN: cfg.URL, Table: cfg.Table}, log)
	case "redis":
		return NewRedisStore(RedisStoreConfig{URL: cfg.URL}, log)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, schedulerError(ErrValidation, fmt.Sprintf("unsupported database driver %q", cfg.Driver))
	}
}

// HolderID returns the identity this instance writes into lease rows.
func (s *Scheduler) HolderID() string {
	if s == nil || s.runtime == nil {
		return ""
	}
	return s.runtime.HolderID()
}

// Schedule registers a recurring task.
func (s *Scheduler) Schedule(ctx context.Context, def Definition) (*Handle, error) {
	if s == nil || s.runtime == nil {
		return nil, schedulerError(ErrNotInitialized, "scheduler is not initialized")
	}
	return s.runtime.Schedule(ctx, def)
}

// ScheduleOnce registers a one-shot task that executes successfully exactly
// once across the cluster.
func (s *Scheduler) ScheduleOnce(ctx context.Context, def Definition) (*Handle, error) {
	if s == nil || s.runtime == nil {
		return nil, schedulerError(ErrNotInitialized, "scheduler is not initialized")
	}
	return s.runtime.ScheduleOnce(ctx, def)
}

// Trigger requests an immediate attempt for taskID outside its cadence.
func (s *Scheduler) Trigger(taskID string) error {
	if s == nil || s.runtime == nil {
		return schedulerError(ErrNotInitialized, "scheduler is not initialized")
	}
	return s.runtime.Trigger(taskID)
}

// Sweep runs one janitor pass immediately.
func (s *Scheduler) Sweep(ctx context.Context) ([]string, error) {
	if s == nil || s.janitor == nil {
		return nil, schedulerError(ErrNotInitialized, "scheduler is not initialized")
	}
	return s.janitor.Sweep(ctx)
}

// Health runs all health checks and aggregates results.
func (s *Scheduler) Health(ctx context.Context) health.AggregatedResult {
	if s == nil || s.checks == nil {
		return health.AggregatedResult{Status: health.StatusUnhealthy}
	}
	return s.checks.Check(ctx)
}

// Start runs the scheduling loops and the janitor until context
// cancellation, then shuts both down.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil || s.runtime == nil || s.janitor == nil {
		return schedulerError(ErrNotInitialized, "scheduler is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.runtime.Start(runCtx); err != nil {
			s.log.Error("scheduler runtime stopped with error", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.janitor.Start(runCtx); err != nil {
			s.log.Error("janitor stopped with error", "error", err)
		}
	}()

	<-runCtx.Done()
	return s.Stop(context.Background())
}

// Stop shuts down the runtime and the janitor and waits for both.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

// Close stops the scheduler if needed and closes the lease store.
func (s *Scheduler) Close() error {
	if s == nil {
		return nil
	}
	_ = s.Stop(context.Background())
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
