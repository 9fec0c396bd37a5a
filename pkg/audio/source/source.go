// Package source shares one microphone capture between several listeners.
//
// A [Source] owns a single [audio.CaptureStream]. Listeners obtain a
// [Lease] with [Source.Acquire]; the first lease opens the capture and the
// last [Lease.Release] closes it. At most one lease may hold the
// [Primary] role at a time, which keeps wake-word listening and dictation
// from running simultaneously. Secondary leases (barge-in detection) can
// coexist with a primary one.
//
// Frames are exposed two ways: [Lease.Latest] for fixed-interval polling and
// [Lease.Subscribe] for push delivery of every frame.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/event"
)

var (
	// ErrPrimaryHeld is returned by [Source.Acquire] when a primary lease is
	// requested while another one is outstanding.
	ErrPrimaryHeld = errors.New("source: primary lease already held")

	// ErrClosed is returned by [Source.Acquire] after [Source.Close].
	ErrClosed = errors.New("source: closed")
)

// Role describes how a lease uses the microphone.
type Role int

const (
	// Secondary leases share the capture with whatever else is running.
	Secondary Role = iota

	// Primary leases own the listening mode. Only one may exist.
	Primary
)

// String returns the role name.
func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "secondary"
}

// Option configures a [Source].
type Option func(*Source)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithStateHook registers fn to be called with true when the capture opens
// and false when it closes or is lost.
func WithStateHook(fn func(open bool)) Option {
	return func(s *Source) { s.stateHook = fn }
}

// Source is a reference-counted capture shared by all listeners. It is safe
// for concurrent use.
type Source struct {
	opener    audio.Opener
	cfg       audio.CaptureConfig
	log       *slog.Logger
	stateHook func(bool)

	// life serialises open and close of the capture stream.
	life sync.Mutex

	mu      sync.Mutex
	leases  map[uint64]*Lease
	nextID  uint64
	primary *Lease
	stream  audio.CaptureStream
	done    chan struct{} // closed when the pump exits
	latest  audio.Frame
	have    bool
	seq     uint64
	lost    error
	closed  bool

	frames event.Bus[audio.Frame]
}

// New returns a Source that opens captures through opener with cfg.
func New(opener audio.Opener, cfg audio.CaptureConfig, opts ...Option) *Source {
	s := &Source{
		opener: opener,
		cfg:    cfg,
		log:    slog.Default(),
		leases: make(map[uint64]*Lease),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire registers a lease named name. When no capture is open it opens one
// first; acquisition failures are returned unchanged in the error chain so
// callers can match [audio.ErrPermissionDenied] and
// [audio.ErrDeviceUnavailable]. A failed Acquire leaves nothing open.
func (s *Source) Acquire(ctx context.Context, name string, role Role) (*Lease, error) {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if role == Primary && s.primary != nil {
		holder := s.primary.name
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (held by %q)", ErrPrimaryHeld, holder)
	}
	needOpen := s.stream == nil
	s.mu.Unlock()

	if needOpen {
		if err := s.open(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	l := &Lease{src: s, id: s.nextID, name: name, role: role}
	s.leases[l.id] = l
	if role == Primary {
		s.primary = l
	}
	s.log.Debug("source lease acquired", "name", name, "role", role, "leases", len(s.leases))
	return l, nil
}

// open must be called with s.life held.
func (s *Source) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stream, err := s.opener.Open(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("source: open capture: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = stream.Close()
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.stream = stream
	s.done = done
	s.lost = nil
	s.mu.Unlock()

	go s.pump(stream, done)
	s.log.Info("capture opened", "device", s.cfg.Device, "sample_rate", s.cfg.SampleRate)
	if s.stateHook != nil {
		s.stateHook(true)
	}
	return nil
}

func (s *Source) pump(stream audio.CaptureStream, done chan struct{}) {
	defer close(done)
	for f := range stream.Frames() {
		s.frames.Publish(f)
		s.mu.Lock()
		s.latest = f
		s.have = true
		s.seq++
		s.mu.Unlock()
	}

	s.mu.Lock()
	unexpected := s.stream == stream
	if unexpected {
		s.lost = fmt.Errorf("source: capture ended: %w", audio.ErrDeviceUnavailable)
	}
	s.mu.Unlock()
	if unexpected {
		s.log.Warn("capture stream ended unexpectedly", "device", s.cfg.Device)
		if s.stateHook != nil {
			s.stateHook(false)
		}
	}
}

func (s *Source) release(l *Lease) {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if _, ok := s.leases[l.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.leases, l.id)
	if s.primary == l {
		s.primary = nil
	}
	remaining := len(s.leases)
	s.log.Debug("source lease released", "name", l.name, "leases", remaining)
	if remaining > 0 || s.stream == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.closeStream()
}

// closeStream must be called with s.life held.
func (s *Source) closeStream() {
	s.mu.Lock()
	stream, done, wasLost := s.stream, s.done, s.lost != nil
	s.stream = nil
	s.done = nil
	s.latest = audio.Frame{}
	s.have = false
	s.mu.Unlock()
	if stream == nil {
		return
	}

	if err := stream.Close(); err != nil {
		s.log.Warn("closing capture stream", "err", err)
	}
	<-done
	s.log.Info("capture closed", "device", s.cfg.Device)
	if s.stateHook != nil && !wasLost {
		s.stateHook(false)
	}
}

// Close releases every lease and refuses further acquisitions.
func (s *Source) Close() error {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clear(s.leases)
	s.primary = nil
	s.mu.Unlock()

	s.closeStream()
	s.frames.Clear()
	return nil
}

// Status is a snapshot of the source.
type Status struct {
	Open    bool
	Leases  int
	Primary string // name of the primary lease, or ""
	Err     error  // set when the capture ended unexpectedly

	// Frames counts frames delivered since the source was created.
	Frames uint64
}

// Status returns the current state.
func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Open:   s.stream != nil && s.lost == nil,
		Leases: len(s.leases),
		Err:    s.lost,
		Frames: s.seq,
	}
	if s.primary != nil {
		st.Primary = s.primary.name
	}
	return st
}

// Lease is one consumer's claim on the capture. Release is idempotent.
type Lease struct {
	src  *Source
	id   uint64
	name string
	role Role
	once sync.Once

	mu     sync.Mutex
	unsubs []func()
}

// Name returns the lease name given to [Source.Acquire].
func (l *Lease) Name() string { return l.name }

// Role returns the lease role.
func (l *Lease) Role() Role { return l.role }

// Latest returns the most recent frame and its sequence number. The
// sequence number increases by one per delivered frame; ok is false until
// the first frame arrives.
func (l *Lease) Latest() (f audio.Frame, seq uint64, ok bool) {
	s := l.src
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || !s.have {
		return audio.Frame{}, s.seq, false
	}
	return s.latest, s.seq, true
}

// Subscribe delivers every frame to fn on the capture goroutine. fn must
// not block. The subscription ends at the latest when the lease is
// released.
func (l *Lease) Subscribe(fn func(audio.Frame)) (unsubscribe func()) {
	unsub := l.src.frames.Subscribe(fn)
	l.mu.Lock()
	l.unsubs = append(l.unsubs, unsub)
	l.mu.Unlock()
	return unsub
}

// Release gives the lease back. The last release closes the capture.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		unsubs := l.unsubs
		l.unsubs = nil
		l.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		l.src.release(l)
	})
}
