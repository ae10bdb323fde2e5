package scheduler

import (
	"strings"
	"time"

	"github.com/taskfence/taskfence/pkg/health"
)

const defaultStoreHealthCheckName = "lease-store"

// NewStoreHealthChecker creates a standard health checker for lease stores.
func NewStoreHealthChecker(name string, store Store, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultStoreHealthCheckName
	}
	return health.NewAdapterChecker(checkName, store, timeout)
}
