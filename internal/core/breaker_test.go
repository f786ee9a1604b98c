package core

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("upstream", BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MaxRequests:      1,
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	if cb.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	err := cb.Execute(func() error { return nil })
	var open *ErrBreakerOpen
	if !errors.As(err, &open) {
		t.Fatalf("open breaker error = %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("upstream", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		MaxRequests:      5,
	})

	_ = cb.Execute(func() error { return errors.New("boom") })
	if cb.State() != BreakerOpen {
		t.Fatal("breaker did not open")
	}

	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after successful probes", cb.State())
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker("upstream", BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MaxRequests:      1,
	})

	boom := errors.New("boom")
	_ = cb.Execute(func() error { return boom })
	_ = cb.Execute(func() error { return boom })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return boom })
	_ = cb.Execute(func() error { return boom })

	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s; interleaved success should reset the streak", cb.State())
	}
}

func TestBreakerSetSharesPerKey(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig())

	a1 := set.Get("host-a")
	a2 := set.Get("host-a")
	b := set.Get("host-b")

	if a1 != a2 {
		t.Error("same key produced different breakers")
	}
	if a1 == b {
		t.Error("different keys share a breaker")
	}
}
