package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
)

func init() {
	logger.Log = zap.NewNop()
}

var errBoom = errors.New("boom")

func TestBreakerTransitions(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", 2, time.Minute)
	cb.now = func() time.Time { return clock }

	fail := func() error { return errBoom }
	ok := func() error { return nil }

	if err := cb.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("Expected errBoom, got %v", err)
	}
	if cb.State() != Closed {
		t.Errorf("Expected closed after one failure, got %s", cb.State())
	}
	cb.Execute(fail)
	if cb.State() != Open {
		t.Fatalf("Expected open after threshold, got %s", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("Expected open circuit to reject without calling, got %v (called=%v)", err, called)
	}

	clock = clock.Add(2 * time.Minute)
	if err := cb.Execute(fail); !errors.Is(err, errBoom) {
		t.Errorf("Expected probe to run and fail, got %v", err)
	}
	if cb.State() != Open {
		t.Errorf("Expected failed probe to reopen, got %s", cb.State())
	}

	clock = clock.Add(2 * time.Minute)
	if err := cb.Execute(ok); err != nil {
		t.Errorf("Expected successful probe, got %v", err)
	}
	if cb.State() != Closed {
		t.Errorf("Expected closed after successful probe, got %s", cb.State())
	}
}

func TestIgnoredErrorsDoNotCount(t *testing.T) {
	cb := NewCircuitBreaker("ignore", 1, time.Minute)
	ignore := func(err error) bool { return errors.Is(err, errBoom) }

	for i := 0; i < 3; i++ {
		if err := cb.ExecuteIgnoring(func() error { return errBoom }, ignore); !errors.Is(err, errBoom) {
			t.Fatalf("Expected errBoom passed through, got %v", err)
		}
	}
	if cb.State() != Closed {
		t.Errorf("Expected closed breaker, got %s", cb.State())
	}
}
