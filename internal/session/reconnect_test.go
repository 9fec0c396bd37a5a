package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_ReconnectOnDisconnect(t *testing.T) {
	var attempts atomic.Int32
	var reconnected atomic.Bool

	r := NewReconnector(ReconnectorConfig{
		Attempt: func(context.Context) error {
			attempts.Add(1)
			return nil
		},
		Backoff:     time.Millisecond,
		OnReconnect: func() { reconnected.Store(true) },
	})
	r.Monitor(t.Context())
	defer r.Stop()

	r.NotifyDisconnect()
	waitFor(t, reconnected.Load)

	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	var attempts atomic.Int32
	var reconnected atomic.Bool

	r := NewReconnector(ReconnectorConfig{
		Attempt: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errors.New("device busy")
			}
			return nil
		},
		MaxRetries:  5,
		Backoff:     time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		OnReconnect: func() { reconnected.Store(true) },
	})
	r.Monitor(t.Context())
	defer r.Stop()

	r.NotifyDisconnect()
	waitFor(t, reconnected.Load)

	if got := attempts.Load(); got != 4 {
		t.Errorf("expected 4 attempts, got %d", got)
	}
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	var gaveUp atomic.Pointer[error]

	down := errors.New("permanently down")
	r := NewReconnector(ReconnectorConfig{
		Attempt: func(context.Context) error {
			attempts.Add(1)
			return down
		},
		MaxRetries:  2,
		Backoff:     time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		OnReconnect: func() { t.Error("OnReconnect called after failures") },
		OnGiveUp:    func(err error) { gaveUp.Store(&err) },
	})
	r.Monitor(t.Context())
	defer r.Stop()

	r.NotifyDisconnect()
	waitFor(t, func() bool { return gaveUp.Load() != nil })

	err := *gaveUp.Load()
	if !errors.Is(err, ErrReconnectExhausted) || !errors.Is(err, down) {
		t.Errorf("give-up error = %v, want ErrReconnectExhausted wrapping %v", err, down)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestReconnector_StopAbortsBackoff(t *testing.T) {
	var attempts atomic.Int32
	r := NewReconnector(ReconnectorConfig{
		Attempt: func(context.Context) error {
			attempts.Add(1)
			return errors.New("no device")
		},
		Backoff: time.Hour,
	})
	r.Monitor(t.Context())

	r.NotifyDisconnect()
	waitFor(t, func() bool { return attempts.Load() == 1 })
	r.Stop()
	r.Stop()

	time.Sleep(10 * time.Millisecond)
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts after Stop = %d, want 1", got)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{})

	// Multiple calls should not block.
	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}
