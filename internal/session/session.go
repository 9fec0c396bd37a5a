// Package session holds the state scoped to one conversation session: the
// reply task tracker, the error queue drained by the UI and the resetters
// that bring every detector and timer back to a clean state on failure.
//
// A [Session] is passed to the components that need it instead of living in
// package-level variables, so two sessions in one process never share
// state.
package session

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/clock"
	"github.com/MrWong99/earshot/pkg/event"
)

// ErrReconnectExhausted is reported when capture could not be restored.
var ErrReconnectExhausted = errors.New("session: capture reconnection exhausted")

// Default bounds.
const (
	DefaultMaxTasks  = 100
	DefaultMaxErrors = 50
)

// ErrorEntry is one error reported during the session.
type ErrorEntry struct {
	ID     string
	At     time.Time
	Source string
	Err    error
}

// Session is the per-conversation context object. All methods are safe for
// concurrent use.
type Session struct {
	id        string
	clk       clock.Clock
	log       *slog.Logger
	maxTasks  int
	maxErrors int
	started   time.Time

	mu        sync.Mutex
	tasks     []*Task
	errs      []ErrorEntry
	resetters []resetter
	nextReset uint64

	errBus  event.Bus[ErrorEntry]
	taskBus event.Bus[Task]
}

type resetter struct {
	id   uint64
	name string
	fn   func()
}

// Option configures a [Session].
type Option func(*Session)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clk = clock.OrReal(c) }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMaxTasks bounds the task tracker. Default: [DefaultMaxTasks].
func WithMaxTasks(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxTasks = n
		}
	}
}

// WithMaxErrors bounds the error queue. Default: [DefaultMaxErrors].
func WithMaxErrors(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxErrors = n
		}
	}
}

// New starts a session with a fresh random ID.
func New(opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		clk:       clock.Real,
		log:       slog.Default(),
		maxTasks:  DefaultMaxTasks,
		maxErrors: DefaultMaxErrors,
	}
	for _, o := range opts {
		o(s)
	}
	s.started = s.clk.Now()
	s.log = s.log.With("session_id", s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.started }

// Logger returns a logger tagged with the session ID.
func (s *Session) Logger() *slog.Logger { return s.log }

// AddResetter registers fn to run on [Session.Fail] and [Session.Reset].
// Resetters run in registration order. The returned func removes it.
func (s *Session) AddResetter(name string, fn func()) (remove func()) {
	s.mu.Lock()
	s.nextReset++
	id := s.nextReset
	s.resetters = append(s.resetters, resetter{id: id, name: name, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.resetters = slices.DeleteFunc(s.resetters, func(r resetter) bool { return r.id == id })
		})
	}
}

// Reset runs every resetter.
func (s *Session) Reset() {
	s.mu.Lock()
	rs := slices.Clone(s.resetters)
	s.mu.Unlock()
	for _, r := range rs {
		s.log.Debug("session reset", "component", r.name)
		r.fn()
	}
}

// Fail records err from source and resets every registered component.
func (s *Session) Fail(source string, err error) {
	s.ReportError(source, err)
	s.Reset()
}

// ReportError queues err for the UI. The oldest entry is dropped once the
// queue is full.
func (s *Session) ReportError(source string, err error) ErrorEntry {
	e := ErrorEntry{ID: uuid.NewString(), At: s.clk.Now(), Source: source, Err: err}
	s.mu.Lock()
	s.errs = append(s.errs, e)
	if over := len(s.errs) - s.maxErrors; over > 0 {
		s.errs = slices.Delete(s.errs, 0, over)
	}
	s.mu.Unlock()

	s.log.Warn("session error", "source", source, "err", err)
	s.errBus.Publish(e)
	return e
}

// Errors returns the queued errors, oldest first.
func (s *Session) Errors() []ErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.errs)
}

// DrainErrors returns and clears the queued errors.
func (s *Session) DrainErrors() []ErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.errs
	s.errs = nil
	return out
}

// OnError subscribes fn to reported errors.
func (s *Session) OnError(fn func(ErrorEntry)) (unsubscribe func()) {
	return s.errBus.Subscribe(fn)
}

// OnTask subscribes fn to task updates.
func (s *Session) OnTask(fn func(Task)) (unsubscribe func()) {
	return s.taskBus.Subscribe(fn)
}
