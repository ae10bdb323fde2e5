package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	boom := errors.New("store unreachable")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected failure, got %v", i, err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected open state, got %s", cb.GetState())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestCircuitBreaker_ResetsFailuresOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	boom := errors.New("store unreachable")

	_ = cb.Execute(func() error { return boom })
	_ = cb.Execute(func() error { return boom })
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if cb.GetFailures() != 0 {
		t.Fatalf("expected failure count reset, got %d", cb.GetFailures())
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed state, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	boom := errors.New("store unreachable")

	_ = cb.Execute(func() error { return boom })
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open state, got %s", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed state after recovery, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	boom := errors.New("store unreachable")

	_ = cb.Execute(func() error { return boom })
	time.Sleep(20 * time.Millisecond)

	_ = cb.Execute(func() error { return boom })
	if cb.GetState() != StateOpen {
		t.Fatalf("expected reopened circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	_ = cb.Execute(func() error { return errors.New("boom") })

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed state after reset, got %s", cb.GetState())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected execution after reset, got %v", err)
	}
}
