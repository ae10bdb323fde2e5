package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/taskfence/taskfence/pkg/observability/logger"
	"github.com/taskfence/taskfence/pkg/resilience"
)

const (
	DefaultJanitorInterval    = time.Minute
	DefaultJanitorGracePeriod = 2 * time.Minute
	DefaultJanitorSweepBound  = 30 * time.Second
)

// JanitorConfig controls the orphaned-lease sweeper.
type JanitorConfig struct {
	// Interval paces sweeps. Multiple instances may sweep concurrently; the
	// sweep is idempotent so redundant runs are harmless.
	Interval time.Duration

	// GracePeriod is the extra slack past lease expiry before a holder is
	// considered dead. It must be at least the longest lease duration in
	// use, otherwise a live holder that is slow to renew could be swept.
	GracePeriod time.Duration

	// SweepBound caps one sweep pass, so a scan stuck on an unresponsive
	// store cannot outlive its interval indefinitely.
	SweepBound time.Duration
}

func (c *JanitorConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultJanitorInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultJanitorGracePeriod
	}
	if c.SweepBound <= 0 {
		c.SweepBound = DefaultJanitorSweepBound
	}
}

// Janitor periodically clears holders whose leases expired longer than the
// grace period ago, making crashed instances' tasks claimable again.
type Janitor struct {
	store  Store
	log    logger.Logger
	config JanitorConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJanitor creates an orphaned-lease sweeper over the given store.
func NewJanitor(store Store, log logger.Logger, cfg JanitorConfig) (*Janitor, error) {
	if store == nil {
		return nil, schedulerError(ErrInvalidArgument, "lease store is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}

	cfg.normalize()
	return &Janitor{
		store:  store,
		log:    log,
		config: cfg,
	}, nil
}

// Start sweeps on the configured interval until context cancellation.
func (j *Janitor) Start(ctx context.Context) error {
	if j == nil {
		return schedulerError(ErrNotInitialized, "janitor is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return schedulerError(ErrConflict, "janitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.running = true
	j.mu.Unlock()

	j.wg.Add(1)
	go j.runLoop(runCtx)

	<-runCtx.Done()
	return j.Stop(context.Background())
}

// Stop requests shutdown and waits for the sweep loop.
func (j *Janitor) Stop(ctx context.Context) error {
	if j == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	cancel := j.cancel
	j.cancel = nil
	j.running = false
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

// Sweep clears every holder whose lease expired at least the grace period
// ago and returns the reclaimed task ids.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	if j == nil || j.store == nil {
		return nil, schedulerError(ErrNotInitialized, "janitor is not initialized")
	}

	cutoff := time.Now().UTC().Add(-j.config.GracePeriod)
	var reclaimed []string
	err := resilience.WithTimeout(ctx, j.config.SweepBound, func(sweepCtx context.Context) error {
		var err error
		reclaimed, err = j.store.MarkOrphaned(sweepCtx, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}
	recordJanitorSweep(len(reclaimed))
	if len(reclaimed) > 0 {
		j.log.Info("reclaimed orphaned leases", "tasks", reclaimed)
	}
	return reclaimed, nil
}

func (j *Janitor) runLoop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.log.Warn("janitor sweep failed", "error", err)
			}
		}
	}
}
