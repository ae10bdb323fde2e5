package testutil

import (
	"os"
	"testing"
)

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// RequireBackendURL skips the test unless the named environment variable
// points at a live backend, and returns its value otherwise.
func RequireBackendURL(t *testing.T, envVar string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := os.Getenv(envVar)
	if url == "" {
		t.Skipf("skipping integration test (set %s to run)", envVar)
	}
	return url
}
