package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrAllFailed is returned when every backend of a [FailoverOpener] failed or
// had an open circuit breaker. The error is joined with the last backend
// error, so errors.Is still matches [audio.ErrDeviceUnavailable] and
// [audio.ErrPermissionDenied].
var ErrAllFailed = errors.New("resilience: all capture backends failed")

type backend struct {
	name    string
	opener  audio.Opener
	breaker *CircuitBreaker
}

// FailoverOpener is an [audio.Opener] that tries capture backends in
// registration order. Each backend has its own [CircuitBreaker], so one that
// keeps failing is skipped without an open attempt until its reset timeout
// elapses.
type FailoverOpener struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu       sync.Mutex
	backends []backend
	active   string
}

var _ audio.Opener = (*FailoverOpener)(nil)

// NewFailoverOpener creates a [FailoverOpener] with primary as its first
// backend. cfg is the template for every backend's breaker; Name is set per
// backend.
func NewFailoverOpener(primaryName string, primary audio.Opener, cfg CircuitBreakerConfig) *FailoverOpener {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	f := &FailoverOpener{cfg: cfg, log: log}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback appends a backend tried after those already registered.
func (f *FailoverOpener) AddFallback(name string, o audio.Opener) {
	cfg := f.cfg
	cfg.Name = "capture/" + name
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends = append(f.backends, backend{name: name, opener: o, breaker: NewCircuitBreaker(cfg)})
}

// Open implements [audio.Opener]. A cancelled ctx stops the failover without
// counting against the remaining backends.
func (f *FailoverOpener) Open(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	f.mu.Lock()
	backends := f.backends
	f.mu.Unlock()

	var lastErr error
	for _, b := range backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var stream audio.CaptureStream
		err := b.breaker.Execute(func() error {
			var err error
			stream, err = b.opener.Open(ctx, cfg)
			return err
		})
		if err == nil {
			f.mu.Lock()
			prev := f.active
			f.active = b.name
			f.mu.Unlock()
			if prev != b.name {
				f.log.Info("capture backend selected", "backend", b.name)
			}
			return stream, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			f.log.Debug("skipping capture backend (circuit open)", "backend", b.name)
			if lastErr == nil {
				lastErr = &audio.CaptureError{Kind: audio.KindDeviceUnavailable, Device: cfg.Device, Err: err}
			}
			continue
		}
		f.log.Warn("capture backend failed, trying next", "backend", b.name, "err", err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Active returns the backend that opened the last capture, or "".
func (f *FailoverOpener) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// States reports the breaker state of each backend by name.
func (f *FailoverOpener) States() map[string]State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]State, len(f.backends))
	for _, b := range f.backends {
		out[b.name] = b.breaker.State()
	}
	return out
}

// Reset closes every breaker so the next Open tries all backends again.
func (f *FailoverOpener) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.backends {
		b.breaker.Reset()
	}
}
