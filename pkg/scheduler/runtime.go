package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskfence/taskfence/pkg/observability/logger"
	"github.com/taskfence/taskfence/pkg/resilience"
)

const (
	DefaultLeaseDuration    = 30 * time.Second
	DefaultExecutionTimeout = 5 * time.Minute
	DefaultCancelGrace      = 10 * time.Second

	defaultClaimFailureThreshold = 5
	defaultClaimRecoveryTimeout  = 30 * time.Second
	minClaimRetryInterval        = time.Second
)

// Config controls runtime behavior.
type Config struct {
	// HolderID identifies this instance in lease rows. Empty generates a
	// random id, which is correct for ephemeral instances; stable ids help
	// when reading lease tables during incident debugging.
	HolderID string

	DefaultLeaseDuration    time.Duration
	DefaultExecutionTimeout time.Duration

	// CancelGrace bounds how long a timed-out handler may keep running after
	// its context is cancelled before the runtime abandons it.
	CancelGrace time.Duration

	// ClaimFailureThreshold and ClaimRecoveryTimeout configure the circuit
	// breaker around claim calls, so a datastore outage degrades into paced
	// probes instead of a hot retry loop.
	ClaimFailureThreshold int
	ClaimRecoveryTimeout  time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.HolderID) == "" {
		c.HolderID = uuid.NewString()
	}
	if c.DefaultLeaseDuration <= 0 {
		c.DefaultLeaseDuration = DefaultLeaseDuration
	}
	if c.DefaultExecutionTimeout <= 0 {
		c.DefaultExecutionTimeout = DefaultExecutionTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.ClaimFailureThreshold <= 0 {
		c.ClaimFailureThreshold = defaultClaimFailureThreshold
	}
	if c.ClaimRecoveryTimeout <= 0 {
		c.ClaimRecoveryTimeout = defaultClaimRecoveryTimeout
	}
}

// taskEntry pairs a definition with its loop lifecycle. The trigger channel
// carries at most one pending wake-up; back-to-back triggers while a run is
// in flight coalesce into a single extra attempt.
type taskEntry struct {
	def     Definition
	trigger chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func newTaskEntry(def Definition) *taskEntry {
	return &taskEntry{
		def:     def,
		trigger: make(chan struct{}, 1),
	}
}

// loopExited clears the lifecycle flags once a scheduling loop returns, so a
// stopped runtime can start the loop again.
func (e *taskEntry) loopExited() {
	e.mu.Lock()
	e.started = false
	e.cancel = nil
	e.mu.Unlock()
}

func (e *taskEntry) stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.started = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Handle controls one scheduled task.
type Handle struct {
	runtime *Runtime
	taskID  string
}

// TaskID returns the task id this handle controls.
func (h *Handle) TaskID() string {
	if h == nil {
		return ""
	}
	return h.taskID
}

// Trigger requests an immediate attempt outside the cadence.
func (h *Handle) Trigger() error {
	if h == nil || h.runtime == nil {
		return schedulerError(ErrNotInitialized, "task handle is not initialized")
	}
	return h.runtime.Trigger(h.taskID)
}

// Stop halts the local scheduling loop and deregisters the task from this
// instance. The lease row is left untouched; other instances keep running
// the task.
func (h *Handle) Stop() {
	if h == nil || h.runtime == nil {
		return
	}
	h.runtime.deschedule(h.taskID)
}

// Runtime runs one scheduling loop per registered task, coordinating with
// other instances solely through the lease store.
type Runtime struct {
	store   Store
	log     logger.Logger
	config  Config
	breaker *resilience.CircuitBreaker
	tasks   *registry

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduling runtime over the given lease store.
func NewRuntime(store Store, log logger.Logger, cfg Config) (*Runtime, error) {
	if store == nil {
		return nil, schedulerError(ErrInvalidArgument, "lease store is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}

	cfg.normalize()
	return &Runtime{
		store:   store,
		log:     log.With("holder_id", cfg.HolderID),
		config:  cfg,
		breaker: resilience.NewCircuitBreaker(cfg.ClaimFailureThreshold, cfg.ClaimRecoveryTimeout),
		tasks:   newRegistry(),
	}, nil
}

// HolderID returns the identity this runtime writes into lease rows.
func (r *Runtime) HolderID() string {
	return r.config.HolderID
}

// Schedule registers a recurring task and ensures its lease row exists. When
// the runtime is already started the scheduling loop begins immediately.
func (r *Runtime) Schedule(ctx context.Context, def Definition) (*Handle, error) {
	if r == nil {
		return nil, schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}

	entry, err := r.tasks.add(def)
	if err != nil {
		return nil, err
	}
	taskID := entry.def.ID

	firstDue := time.Now().UTC().Add(def.InitialDelay)
	if err := r.store.Ensure(ctx, taskID, firstDue); err != nil {
		r.tasks.remove(taskID)
		return nil, err
	}

	r.mu.Lock()
	if r.running {
		r.startTaskLoop(entry)
	}
	r.mu.Unlock()

	return &Handle{runtime: r, taskID: taskID}, nil
}

// ScheduleOnce registers a one-shot task: it executes successfully exactly
// once across the cluster and is never claimable again afterwards.
func (r *Runtime) ScheduleOnce(ctx context.Context, def Definition) (*Handle, error) {
	def.RunOnce = true
	return r.Schedule(ctx, def)
}

// Trigger requests an immediate attempt for taskID outside its cadence. The
// attempt still goes through the lease store, so at most one instance runs.
func (r *Runtime) Trigger(taskID string) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	entry, ok := r.tasks.get(strings.TrimSpace(taskID))
	if !ok {
		return schedulerError(ErrNotFound, fmt.Sprintf("task %q is not registered", taskID))
	}
	select {
	case entry.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Start runs all scheduling loops until context cancellation, then stops.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.runCtx = runCtx
	r.cancel = cancel
	r.running = true
	for _, entry := range r.tasks.list() {
		r.startTaskLoop(entry)
	}
	r.mu.Unlock()

	<-runCtx.Done()
	return r.Stop(context.Background())
}

// Stop requests shutdown and waits for active loops. In-flight executions
// observe their context cancellation and get the configured grace to finish.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.runCtx = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

func (r *Runtime) deschedule(taskID string) {
	entry, ok := r.tasks.get(taskID)
	if ok {
		entry.stop()
	}
	r.tasks.remove(taskID)
}

// startTaskLoop must be called with r.mu held and r.running true.
func (r *Runtime) startTaskLoop(entry *taskEntry) {
	entry.mu.Lock()
	if entry.started {
		entry.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(r.runCtx)
	entry.started = true
	entry.cancel = cancel
	entry.mu.Unlock()

	r.wg.Add(1)
	go r.runTaskLoop(loopCtx, entry)
}

type attemptOutcome int

const (
	outcomeRan attemptOutcome = iota
	outcomeSkipped
	outcomeFinished
	outcomeFailed
)

func (r *Runtime) runTaskLoop(ctx context.Context, entry *taskEntry) {
	defer r.wg.Done()
	defer entry.loopExited()

	def := entry.def
	for {
		dueAt, finished := r.nextDue(ctx, def)
		if finished {
			r.log.Info("one-shot task already completed", "task", def.ID)
			return
		}

		wait := time.Until(dueAt)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-entry.trigger:
			timer.Stop()
		case <-timer.C:
		}

		outcome := r.attemptRun(ctx, def)
		switch outcome {
		case outcomeFinished:
			r.log.Info("one-shot task completed", "task", def.ID)
			return
		case outcomeSkipped, outcomeFailed:
			// The persisted due time may still be in the past (another
			// holder is mid-run, or the store is down). Pace the next probe
			// instead of spinning on the claim.
			retry := r.leaseDuration(def) / 2
			if retry < minClaimRetryInterval {
				retry = minClaimRetryInterval
			}
			retryTimer := time.NewTimer(retry)
			select {
			case <-ctx.Done():
				retryTimer.Stop()
				return
			case <-entry.trigger:
				retryTimer.Stop()
			case <-retryTimer.C:
			}
		}
	}
}

// nextDue resolves when the task should next be attempted. The persisted due
// time wins so all instances converge on the same schedule; a missing row is
// recreated, and a row whose due time was cleared means a one-shot finished.
func (r *Runtime) nextDue(ctx context.Context, def Definition) (time.Time, bool) {
	now := time.Now().UTC()

	due, ok, err := r.store.NextDue(ctx, def.ID)
	if err != nil {
		r.log.Warn("read next due failed, falling back to local cadence", "task", def.ID, "error", err)
		return r.localNextRun(def, now), false
	}
	if ok {
		return due, false
	}
	if def.RunOnce {
		return time.Time{}, true
	}
	if err := r.store.Ensure(ctx, def.ID, now); err != nil {
		r.log.Warn("recreate lease row failed", "task", def.ID, "error", err)
	}
	return now, false
}

func (r *Runtime) localNextRun(def Definition, now time.Time) time.Time {
	if def.cadence() == "" {
		return now
	}
	next, err := def.nextRun(now)
	if err != nil {
		return now.Add(r.leaseDuration(def))
	}
	return next
}

func (r *Runtime) leaseDuration(def Definition) time.Duration {
	if def.LeaseDuration > 0 {
		return def.LeaseDuration
	}
	return r.config.DefaultLeaseDuration
}

func (r *Runtime) executionTimeout(def Definition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return r.config.DefaultExecutionTimeout
}

func (r *Runtime) attemptRun(ctx context.Context, def Definition) attemptOutcome {
	ttl := r.leaseDuration(def)

	var lease *Lease
	var claimed bool
	claimErr := r.breaker.Execute(func() error {
		var err error
		lease, claimed, err = r.store.TryClaim(ctx, def.ID, r.config.HolderID, ttl)
		return err
	})
	if claimErr != nil {
		recordLeaseClaim(def.ID, "error")
		r.log.Error("lease claim failed", "task", def.ID, "error", claimErr)
		return outcomeFailed
	}
	if !claimed {
		recordLeaseClaim(def.ID, "skipped")
		r.log.Debug("lease held elsewhere, skipping", "task", def.ID)
		return outcomeSkipped
	}
	recordLeaseClaim(def.ID, "claimed")

	execErr := r.executeUnderLease(ctx, def, lease, ttl)

	now := time.Now().UTC()
	var due time.Time
	switch {
	case def.RunOnce && execErr == nil:
		// Zero due time marks the task finished for the whole cluster.
		due = time.Time{}
	case def.RunOnce:
		due = now
	default:
		due = r.localNextRun(def, now)
	}

	releaseCtx := ctx
	if ctx.Err() != nil {
		releaseCtx = context.Background()
	}
	if err := r.store.Release(releaseCtx, lease, due); err != nil {
		r.log.Warn("lease release failed", "task", def.ID, "token", lease.Token, "error", err)
	}

	if execErr != nil {
		return outcomeFailed
	}
	if def.RunOnce {
		return outcomeFinished
	}
	return outcomeRan
}

// executeUnderLease runs the handler with automatic lease renewal every half
// TTL. Losing the lease cancels the handler context; a handler that ignores
// it is abandoned after the cancel grace.
func (r *Runtime) executeUnderLease(ctx context.Context, def Definition, lease *Lease, ttl time.Duration) error {
	incrementTaskExecutionInFlight(def.ID)
	defer decrementTaskExecutionInFlight(def.ID)

	execCtx, execCancel := context.WithCancel(
		context.WithValue(ctx, logger.HolderIDContextKey, r.config.HolderID),
	)
	defer execCancel()

	renewDone := make(chan struct{})
	renewStopped := make(chan struct{})
	go func() {
		defer close(renewStopped)
		r.renewLease(execCtx, def, lease, ttl, execCancel, renewDone)
	}()

	started := time.Now().UTC()
	err := resilience.WithTimeoutGrace(execCtx, r.executionTimeout(def), r.config.CancelGrace, func(handlerCtx context.Context) error {
		return runHandler(handlerCtx, def.Handler)
	})
	close(renewDone)
	<-renewStopped

	elapsed := time.Since(started)
	switch {
	case err == nil:
		recordTaskExecution(def.ID, "success")
		r.log.Info("task completed", "task", def.ID, "token", lease.Token, "duration", elapsed)
	case errors.Is(err, resilience.ErrTimeout):
		recordTaskExecution(def.ID, "timeout")
		r.log.Error("task timed out", "task", def.ID, "token", lease.Token, "duration", elapsed)
	default:
		recordTaskExecution(def.ID, "error")
		r.log.Error("task failed", "task", def.ID, "token", lease.Token, "duration", elapsed, "error", err)
	}
	return err
}

func (r *Runtime) renewLease(ctx context.Context, def Definition, lease *Lease, ttl time.Duration, cancelExec context.CancelFunc, done <-chan struct{}) {
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := r.store.Renew(ctx, lease, ttl)
		switch {
		case err == nil:
			recordLeaseRenew(def.ID, "renewed")
		case errors.Is(err, ErrLostLease):
			recordLeaseRenew(def.ID, "lost")
			r.log.Warn("lease lost during execution, cancelling handler", "task", def.ID, "token", lease.Token)
			cancelExec()
			return
		default:
			// Transient store errors keep the current expiry; the next tick
			// retries while the lease is still live.
			recordLeaseRenew(def.ID, "error")
			r.log.Warn("lease renew failed", "task", def.ID, "token", lease.Token, "error", err)
		}
	}
}

// runHandler shields the loop from handler panics.
func runHandler(ctx context.Context, handler Handler) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = schedulerError(ErrExecution, fmt.Sprintf("task handler panicked: %v", recovered))
		}
	}()
	return handler(ctx)
}
