package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies input/config/schedule validation failures.
	ErrValidation = errors.New("scheduler validation error")
	// ErrDuplicateTask classifies registration of a task id already known to this process.
	ErrDuplicateTask = errors.New("scheduler duplicate task")
	// ErrInvalidCadence classifies cadences that cannot be parsed or are non-positive.
	ErrInvalidCadence = errors.New("scheduler invalid cadence")
	// ErrLostLease classifies renew/release attempts after another holder claimed the lease.
	ErrLostLease = errors.New("scheduler lease lost")
	// ErrExecution classifies task handler failures, panics and timeouts.
	ErrExecution = errors.New("scheduler task execution error")
	// ErrUnavailable classifies lease store connectivity failures.
	ErrUnavailable = errors.New("scheduler datastore unavailable")
	// ErrNotFound classifies missing logical resources.
	ErrNotFound = errors.New("scheduler not found")
	// ErrConflict classifies state conflicts (for example already running).
	ErrConflict = errors.New("scheduler conflict")
	// ErrInvalidArgument classifies invalid caller/provider arguments.
	ErrInvalidArgument = errors.New("scheduler invalid argument")
	// ErrNotInitialized classifies missing runtime/store initialization.
	ErrNotInitialized = errors.New("scheduler not initialized")
	// ErrClosed classifies operations performed on closed components.
	ErrClosed = errors.New("scheduler closed")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
