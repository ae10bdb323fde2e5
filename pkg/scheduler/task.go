package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Handler is the task work function. It must honor ctx cancellation promptly:
// the context is cancelled when the execution timeout elapses or when this
// instance loses the lease to another holder.
type Handler func(ctx context.Context) error

// Definition describes one recurring (or one-shot) background task. A
// Definition is immutable after registration and lives only for the lifetime
// of the owning process; its ID is the cluster-wide identity persisted in the
// lease table.
type Definition struct {
	ID      string
	Handler Handler

	// Schedule is "@every <duration>" or a 5-field cron expression. Every is
	// a convenience for fixed intervals and takes precedence over Schedule.
	Schedule string
	Every    time.Duration

	// InitialDelay postpones the first attempt after registration.
	InitialDelay time.Duration

	// Timeout bounds one execution; zero uses the runtime default.
	Timeout time.Duration

	// LeaseDuration bounds how long a claim lives without renewal; zero uses
	// the runtime default.
	LeaseDuration time.Duration

	// Timezone applies to cron schedules; empty means UTC.
	Timezone string

	// RunOnce marks the task as one-shot: after a single successful
	// execution anywhere in the cluster it never runs again.
	RunOnce bool
}

// Validate verifies required fields and cadence syntax.
func (d *Definition) Validate() error {
	if d == nil {
		return schedulerError(ErrValidation, "task definition is nil")
	}
	if strings.TrimSpace(d.ID) == "" {
		return schedulerError(ErrValidation, "task id is required")
	}
	if d.Handler == nil {
		return schedulerError(ErrValidation, "task handler is required")
	}
	if d.InitialDelay < 0 {
		return schedulerError(ErrValidation, "task initial delay must be >= 0")
	}
	if d.Timeout < 0 {
		return schedulerError(ErrValidation, "task timeout must be >= 0")
	}
	if d.LeaseDuration < 0 {
		return schedulerError(ErrValidation, "task lease duration must be >= 0")
	}
	if d.Every < 0 {
		return schedulerError(ErrInvalidCadence, "task interval must be > 0")
	}

	if d.cadence() == "" {
		// One-shot tasks may omit the cadence; recurring tasks cannot.
		if d.RunOnce {
			return nil
		}
		return schedulerError(ErrInvalidCadence, "task cadence is required")
	}

	if _, err := d.nextRun(time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

func (d *Definition) cadence() string {
	if d.Every > 0 {
		return fmt.Sprintf("@every %s", d.Every)
	}
	return strings.TrimSpace(d.Schedule)
}

func (d *Definition) location() (*time.Location, error) {
	if strings.TrimSpace(d.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(d.Timezone))
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "invalid task timezone"), err)
	}
	return loc, nil
}

func (d *Definition) nextRun(now time.Time) (time.Time, error) {
	cadence := d.cadence()
	if cadence == "" {
		return time.Time{}, schedulerError(ErrInvalidCadence, "task has no cadence")
	}
	loc, err := d.location()
	if err != nil {
		return time.Time{}, err
	}
	return nextRunForCadence(cadence, now.In(loc), loc)
}
