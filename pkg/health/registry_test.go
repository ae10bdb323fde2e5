package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCheckable struct {
	err error
}

func (f *fakeCheckable) HealthCheck(ctx context.Context) error {
	return f.err
}

func TestAdapterChecker_Healthy(t *testing.T) {
	checker := NewAdapterChecker("lease-store", &fakeCheckable{}, time.Second)

	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", result.Status)
	}
	if result.Name != "lease-store" {
		t.Fatalf("unexpected check name %q", result.Name)
	}
}

func TestAdapterChecker_Unhealthy(t *testing.T) {
	checker := NewAdapterChecker("lease-store", &fakeCheckable{err: errors.New("connection refused")}, time.Second)

	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", result.Status)
	}
	if result.Error == "" {
		t.Fatal("expected error detail in result")
	}
}

func TestRegistry_CheckAggregatesStatuses(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewPingChecker("liveness"))
	registry.Register(NewAdapterChecker("lease-store", &fakeCheckable{err: errors.New("down")}, time.Second))

	aggregated := registry.Check(context.Background())
	if aggregated.IsHealthy() {
		t.Fatal("expected aggregated result to be unhealthy")
	}
	if len(aggregated.Checks) != 2 {
		t.Fatalf("expected 2 check results, got %d", len(aggregated.Checks))
	}
}

func TestRegistry_CheckOne(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewPingChecker("liveness"))

	result, err := registry.CheckOne(context.Background(), "liveness")
	if err != nil {
		t.Fatalf("check one: %v", err)
	}
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", result.Status)
	}

	if _, err := registry.CheckOne(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown check")
	}
}

func TestRegistry_UnregisterRemovesChecker(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewPingChecker("liveness"))
	registry.Unregister("liveness")

	if names := registry.List(); len(names) != 0 {
		t.Fatalf("expected empty registry, got %v", names)
	}
}
