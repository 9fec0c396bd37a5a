package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/clock"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector restores audio capture after the device goes away.
//
// The orchestrator calls [Reconnector.NotifyDisconnect] when the shared frame
// source reports a lost device. The monitor goroutine then calls Attempt with
// exponential backoff until it succeeds, MaxRetries is exhausted or the
// reconnector is stopped.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	attempt     func(context.Context) error
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	clk         clock.Clock
	log         *slog.Logger
	onReconnect func()
	onGiveUp    func(error)

	done         chan struct{}
	stopOnce     sync.Once
	startOnce    sync.Once
	disconnected chan struct{}
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Attempt re-acquires capture for whatever listeners should be running.
	Attempt func(ctx context.Context) error

	// MaxRetries is the maximum number of attempts per disconnect.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Clock drives the backoff waits. Defaults to [clock.Real].
	Clock clock.Clock

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// OnReconnect is called after a successful attempt. May be nil.
	OnReconnect func()

	// OnGiveUp is called with the last error once retries are exhausted.
	// May be nil.
	OnGiveUp func(error)
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	attempt := cfg.Attempt
	if attempt == nil {
		attempt = func(context.Context) error { return nil }
	}
	return &Reconnector{
		attempt:      attempt,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		clk:          clock.OrReal(cfg.Clock),
		log:          log,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts the background goroutine. Subsequent calls are no-ops.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.startOnce.Do(func() { go r.monitorLoop(ctx) })
}

// NotifyDisconnect signals that capture was lost. Only the first call per
// reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		r.log.Info("attempting capture reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		err := r.attempt(ctx)
		if err == nil {
			r.log.Info("capture reconnected", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}
		lastErr = err
		r.log.Warn("capture reconnection failed", "attempt", attempt, "err", err)

		if !r.sleep(ctx, currentBackoff) {
			return
		}
		currentBackoff = min(currentBackoff*2, r.maxBackoff)
	}

	r.log.Error("capture reconnection gave up", "max_retries", r.maxRetries, "err", lastErr)
	if r.onGiveUp != nil {
		r.onGiveUp(errors.Join(ErrReconnectExhausted, lastErr))
	}
}

// sleep waits d on the reconnector's clock. It reports false when ctx or
// Stop ended the wait.
func (r *Reconnector) sleep(ctx context.Context, d time.Duration) bool {
	wake := make(chan struct{})
	t := r.clk.AfterFunc(d, func() { close(wake) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	case <-wake:
		return true
	}
}
