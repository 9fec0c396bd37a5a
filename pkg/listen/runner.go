package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/pkg/audio/source"
	"github.com/MrWong99/earshot/pkg/clock"
)

var (
	// ErrStopped is returned by Start when Stop was called before the start
	// completed.
	ErrStopped = errors.New("listen: stopped during start")

	// ErrReleased is returned by Start after Release.
	ErrReleased = errors.New("listen: listener released")
)

type runState int

const (
	stateStopped runState = iota
	stateStarting
	stateRunning
)

// runner owns the lease and the sampling loop shared by every listener
// kind. It guarantees that Stop is synchronous and idempotent and that no
// emission is delivered after Stop returns.
type runner struct {
	name     string
	role     source.Role
	src      *source.Source
	clk      clock.Clock
	interval time.Duration
	log      *slog.Logger

	// step processes one tick and returns the emissions to deliver, in
	// order. It runs on the loop goroutine.
	step func(now time.Time, lease *source.Lease) []func()

	// prepare runs under mu once the lease is held, before the loop starts.
	prepare func(now time.Time, lease *source.Lease)

	// steps counts completed ticks.
	steps atomic.Uint64

	mu          sync.Mutex
	gen         uint64
	state       runState
	released    bool
	cancelStart context.CancelFunc
	startDone   chan struct{}
	lease       *source.Lease
	ticker      clock.Ticker
	stop        chan struct{}
	done        chan struct{}
	dispatching bool
}

func (r *runner) start(ctx context.Context) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return ErrReleased
	}
	if r.state != stateStopped {
		r.mu.Unlock()
		return nil
	}
	r.gen++
	g := r.gen
	sctx, cancel := context.WithCancel(ctx)
	startDone := make(chan struct{})
	r.state = stateStarting
	r.cancelStart = cancel
	r.startDone = startDone
	r.mu.Unlock()

	defer close(startDone)
	lease, err := r.src.Acquire(sctx, r.name, r.role)
	cancel()

	r.mu.Lock()
	if r.gen != g {
		r.mu.Unlock()
		if lease != nil {
			lease.Release()
		}
		return ErrStopped
	}
	r.cancelStart = nil
	r.startDone = nil
	if err != nil {
		r.state = stateStopped
		r.mu.Unlock()
		return fmt.Errorf("listen: start %s: %w", r.name, err)
	}

	now := r.clk.Now()
	if r.prepare != nil {
		r.prepare(now, lease)
	}
	r.lease = lease
	r.ticker = r.clk.NewTicker(r.interval)
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.state = stateRunning
	go r.loop(g, lease, r.ticker, r.stop, r.done)
	r.mu.Unlock()

	r.log.Info("listener started", "name", r.name, "role", r.role, "interval", r.interval)
	return nil
}

func (r *runner) loop(g uint64, lease *source.Lease, ticker clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}
		for _, emit := range r.step(r.clk.Now(), lease) {
			if !r.deliver(g, emit) {
				return
			}
		}
		r.steps.Add(1)
	}
}

// deliver runs emit unless the listener has been stopped since generation
// g started. It reports whether the loop should continue.
func (r *runner) deliver(g uint64, emit func()) bool {
	r.mu.Lock()
	if r.gen != g {
		r.mu.Unlock()
		return false
	}
	r.dispatching = true
	r.mu.Unlock()

	emit()

	r.mu.Lock()
	r.dispatching = false
	live := r.gen == g
	r.mu.Unlock()
	return live
}

// stopRun stops the loop and releases the lease. When called while a
// callback is being delivered (typically from inside that callback) it does
// not wait for the callback to return.
func (r *runner) stopRun() {
	r.mu.Lock()
	switch r.state {
	case stateStopped:
		r.mu.Unlock()
		return
	case stateStarting:
		r.gen++
		r.state = stateStopped
		cancel, startDone := r.cancelStart, r.startDone
		r.cancelStart, r.startDone = nil, nil
		r.mu.Unlock()
		cancel()
		<-startDone
		r.log.Info("listener start aborted", "name", r.name)
		return
	}

	r.gen++
	r.state = stateStopped
	lease, ticker, stop, done, dispatching := r.lease, r.ticker, r.stop, r.done, r.dispatching
	r.lease, r.ticker, r.stop, r.done = nil, nil, nil, nil
	r.mu.Unlock()

	close(stop)
	ticker.Stop()
	if !dispatching {
		<-done
	}
	lease.Release()
	r.log.Info("listener stopped", "name", r.name)
}

func (r *runner) release() {
	r.stopRun()
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
}

func (r *runner) listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRunning
}
