package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsedTime: time.Second}
	attempts := 0
	err := Do(context.Background(), p, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoRespectsMaxElapsedTime(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: 20 * time.Millisecond}
	err := Do(context.Background(), p, func() error {
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error once MaxElapsedTime is exhausted")
	}
}

func TestNotifyInvokesCallback(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: time.Second}
	calls := 0
	attempts := 0
	err := Notify(context.Background(), p, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}, func(err error, wait time.Duration) {
		calls++
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls == 0 {
		t.Fatal("expected onRetry to be called at least once")
	}
}
