package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := New(Options{MaxFailures: 2, ResetTimeout: time.Minute, Now: clock.Now})

	fail := func(ctx context.Context) error { return errBoom }
	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
			t.Fatalf("Expected errBoom, got %v", err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state open, got %s", cb.GetState())
	}

	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run while open")
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	var transitions []string
	cb := New(Options{
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		Now:          clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	clock.t = clock.t.Add(2 * time.Minute)

	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected success in half-open, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state closed, got %s", cb.GetState())
	}

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Expected transition %s, got %s", want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_IgnoresNonTrippingErrors(t *testing.T) {
	errRejected := errors.New("rejected")
	cb := New(Options{
		MaxFailures: 1,
		Trips:       func(err error) bool { return !errors.Is(err, errRejected) },
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errRejected })
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state closed, got %s", cb.GetState())
	}
}
