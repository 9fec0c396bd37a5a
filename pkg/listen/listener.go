// Package listen turns the shared frame source into speech activity events.
//
// A [Listener] runs one activity detector on a fixed-interval sampling loop:
//
//   - [NewDictation] wraps an [activity.SpeechDetector] and holds a primary
//     lease. It reports when the user starts and stops talking.
//   - [NewInterrupt] wraps an [activity.InterruptDetector] with an optional
//     adaptive threshold and holds a secondary lease. It reports barge-in
//     while synthetic speech plays.
//
// [WakeListener] feeds every frame to a [wake.Detector] on the same loop
// shape.
//
// All callbacks of one listener run on that listener's loop goroutine, in
// order, and never concurrently with each other. Stop is synchronous and
// idempotent; once it returns no further callback is delivered.
package listen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/activity"
	"github.com/MrWong99/earshot/pkg/audio/source"
	"github.com/MrWong99/earshot/pkg/clock"
	"github.com/MrWong99/earshot/pkg/energy"
	"github.com/MrWong99/earshot/pkg/event"
	"github.com/MrWong99/earshot/pkg/threshold"
)

// DefaultInterval is the sampling period of the listener loop.
const DefaultInterval = 50 * time.Millisecond

// Kind identifies the detector preset of a [Listener].
type Kind int

const (
	// Dictation detects turn boundaries while the user is recording.
	Dictation Kind = iota

	// Interrupt detects barge-in during playback.
	Interrupt
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Dictation:
		return "dictation"
	case Interrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Config tunes a [Listener].
type Config struct {
	// Interval is the sampling period. Default: [DefaultInterval].
	Interval time.Duration

	// Speech is used by dictation listeners.
	Speech activity.SpeechConfig

	// Interrupt is used by interrupt listeners.
	Interrupt activity.InterruptConfig

	// Adaptive attaches a [threshold.Estimator] to interrupt listeners.
	Adaptive bool

	// Calibration tunes the estimator when Adaptive is set.
	Calibration threshold.Config
}

// DefaultConfig returns defaults for both kinds.
func DefaultConfig() Config {
	return Config{
		Interval:    DefaultInterval,
		Speech:      activity.DefaultSpeechConfig(),
		Interrupt:   activity.DefaultInterruptConfig(),
		Adaptive:    true,
		Calibration: threshold.DefaultConfig(),
	}
}

// SpeechEvent reports a speech boundary.
type SpeechEvent struct {
	At      time.Time
	Metrics energy.Metrics

	// Duration is the length of the utterance. Zero for start events.
	Duration time.Duration
}

// VolumeEvent is published on every processed frame for level meters.
type VolumeEvent struct {
	At      time.Time
	Metrics energy.Metrics
	Active  bool
}

// InterruptEvent reports that the user talked over playback.
type InterruptEvent struct {
	At        time.Time
	Metrics   energy.Metrics
	Threshold float64
}

// Stats is a snapshot of a listener.
type Stats struct {
	Kind      Kind
	Listening bool
	Active    bool
	Volume    energy.Metrics

	// Threshold is the RMS threshold for dictation and the dB threshold for
	// interrupt listeners.
	Threshold float64

	Adaptive    bool
	Calibration threshold.Stats

	// Frames counts processed frames since construction.
	Frames uint64
}

// Option configures a [Listener] or [WakeListener].
type Option func(*options)

type options struct {
	clk  clock.Clock
	log  *slog.Logger
	name string
}

// WithClock sets the clock driving the sampling loop. Default: [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clk = c }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithName overrides the lease name. Default: the kind name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{clk: clock.Real, log: slog.Default(), name: defaultName}
	for _, fn := range opts {
		fn(&o)
	}
	o.clk = clock.OrReal(o.clk)
	return o
}

// Listener runs an activity detector against the shared source.
type Listener struct {
	kind Kind
	run  runner

	mu      sync.Mutex
	cfg     Config
	speech  *activity.SpeechDetector
	intr    *activity.InterruptDetector
	est     *threshold.Estimator
	volume  energy.Metrics
	lastSeq uint64
	frames  uint64
	started time.Time // start of the current utterance

	onSpeechStart event.Bus[SpeechEvent]
	onSpeechEnd   event.Bus[SpeechEvent]
	onDiscard     event.Bus[SpeechEvent]
	onVolume      event.Bus[VolumeEvent]
	onInterrupt   event.Bus[InterruptEvent]
	onCalibrate   event.Bus[threshold.Stats]
}

// NewDictation returns a dictation listener holding a primary lease.
func NewDictation(src *source.Source, cfg Config, opts ...Option) *Listener {
	l := newListener(Dictation, source.Primary, src, cfg, opts)
	l.speech = activity.NewSpeechDetector(l.cfg.Speech)
	l.cfg.Speech = l.speech.Config()
	return l
}

// NewInterrupt returns a barge-in listener holding a secondary lease.
func NewInterrupt(src *source.Source, cfg Config, opts ...Option) *Listener {
	l := newListener(Interrupt, source.Secondary, src, cfg, opts)
	if l.cfg.Adaptive {
		l.est = threshold.New(l.cfg.Calibration, l.run.clk.Now())
		l.cfg.Calibration = l.est.Config()
	}
	l.intr = activity.NewInterruptDetector(l.cfg.Interrupt, l.est)
	l.cfg.Interrupt = l.intr.Config()
	return l
}

func newListener(kind Kind, role source.Role, src *source.Source, cfg Config, opts []Option) *Listener {
	o := buildOptions(kind.String(), opts)
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	l := &Listener{kind: kind, cfg: cfg}
	l.run = runner{
		name:     o.name,
		role:     role,
		src:      src,
		clk:      o.clk,
		interval: cfg.Interval,
		log:      o.log.With("listener", o.name),
		step:     l.step,
		prepare:  l.prepare,
	}
	return l
}

// Kind returns the detector preset.
func (l *Listener) Kind() Kind { return l.kind }

// Start acquires the capture and begins sampling. Capture failures are
// returned wrapped; match them with [errors.Is] against
// [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable]. Calling Start
// on a running listener is a no-op.
func (l *Listener) Start(ctx context.Context) error { return l.run.start(ctx) }

// Stop halts sampling and releases the capture lease. It is safe to call
// at any time, repeatedly, and from inside a callback.
func (l *Listener) Stop() { l.run.stopRun() }

// Release stops the listener and drops every subscription. The listener
// cannot be started again.
func (l *Listener) Release() {
	l.run.release()
	l.onSpeechStart.Clear()
	l.onSpeechEnd.Clear()
	l.onDiscard.Clear()
	l.onVolume.Clear()
	l.onInterrupt.Clear()
	l.onCalibrate.Clear()
}

// IsListening reports whether the sampling loop is running.
func (l *Listener) IsListening() bool { return l.run.listening() }

// OnSpeechStart subscribes to the start of user speech (dictation only).
func (l *Listener) OnSpeechStart(fn func(SpeechEvent)) (unsubscribe func()) {
	return l.onSpeechStart.Subscribe(fn)
}

// OnSpeechEnd subscribes to the end of a valid utterance (dictation only).
// Bursts shorter than the minimum speech duration are reported through
// [Listener.OnSpeechDiscard] instead.
func (l *Listener) OnSpeechEnd(fn func(SpeechEvent)) (unsubscribe func()) {
	return l.onSpeechEnd.Subscribe(fn)
}

// OnSpeechDiscard subscribes to bursts that started speech but ended before
// the minimum speech duration (dictation only). Every start is closed by
// exactly one end or discard.
func (l *Listener) OnSpeechDiscard(fn func(SpeechEvent)) (unsubscribe func()) {
	return l.onDiscard.Subscribe(fn)
}

// OnVolume subscribes to per-frame level updates.
func (l *Listener) OnVolume(fn func(VolumeEvent)) (unsubscribe func()) {
	return l.onVolume.Subscribe(fn)
}

// OnInterrupt subscribes to confirmed barge-in (interrupt only). It fires
// once per activation.
func (l *Listener) OnInterrupt(fn func(InterruptEvent)) (unsubscribe func()) {
	return l.onInterrupt.Subscribe(fn)
}

// OnCalibrate subscribes to threshold recalibrations (adaptive interrupt
// listeners only).
func (l *Listener) OnCalibrate(fn func(threshold.Stats)) (unsubscribe func()) {
	return l.onCalibrate.Subscribe(fn)
}

// SetThreshold sets the RMS threshold of a dictation listener or the dB
// threshold of an interrupt listener.
func (l *Listener) SetThreshold(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.kind {
	case Dictation:
		l.speech.SetThreshold(v)
		l.cfg.Speech.Threshold = v
	case Interrupt:
		l.intr.SetThreshold(v)
		l.cfg.Interrupt.FixedThresholdDB = v
	}
}

// SetEndSilence sets the end-of-turn silence of a dictation listener or the
// release delay of an interrupt listener.
func (l *Listener) SetEndSilence(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.kind {
	case Dictation:
		l.speech.SetEndSilence(d)
		l.cfg.Speech.EndSilence = d
	case Interrupt:
		l.intr.SetRelease(d)
		l.cfg.Interrupt.Release = d
	}
}

// Config returns the effective configuration.
func (l *Listener) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// TriggerCalibration recalibrates the adaptive threshold immediately from
// the noise collected so far. It reports false when the listener has no
// estimator or too few samples.
func (l *Listener) TriggerCalibration() bool {
	l.mu.Lock()
	est := l.est
	l.mu.Unlock()
	if est == nil {
		return false
	}
	if !est.Calibrate(l.run.clk.Now()) {
		return false
	}
	s := est.Stats()
	l.run.log.Info("threshold calibrated", "threshold_db", s.Threshold, "noise_floor_db", s.NoiseFloor, "trigger", "manual")
	l.onCalibrate.Publish(s)
	return true
}

// Stats returns a snapshot.
func (l *Listener) Stats() Stats {
	listening := l.run.listening()
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		Kind:      l.kind,
		Listening: listening,
		Active:    l.detector().State().Active,
		Volume:    l.volume,
		Adaptive:  l.est != nil,
		Frames:    l.frames,
	}
	switch l.kind {
	case Dictation:
		s.Threshold = l.speech.Config().Threshold
	case Interrupt:
		s.Threshold = l.intr.Threshold()
	}
	if l.est != nil {
		s.Calibration = l.est.Stats()
	}
	return s
}

// IsActive reports whether the detector currently considers the user to be
// speaking.
func (l *Listener) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detector().State().Active
}

// Volume returns the metrics of the last processed frame.
func (l *Listener) Volume() energy.Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.volume
}

// State returns the detector debounce state.
func (l *Listener) State() activity.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detector().State()
}

// Reset clears the detector and, for adaptive listeners, the calibration.
func (l *Listener) Reset() {
	now := l.run.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detector().Reset(now)
	if l.est != nil {
		l.est.Reset(now)
	}
	l.volume = energy.Silence
	l.started = time.Time{}
}

func (l *Listener) detector() activity.Detector {
	if l.kind == Dictation {
		return l.speech
	}
	return l.intr
}

// prepare resets the debounce state for a fresh session. The calibration
// survives restarts.
func (l *Listener) prepare(now time.Time, lease *source.Lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detector().Reset(now)
	_, l.lastSeq, _ = lease.Latest()
	l.volume = energy.Silence
	l.started = time.Time{}
}

func (l *Listener) step(now time.Time, lease *source.Lease) []func() {
	f, seq, ok := lease.Latest()
	l.mu.Lock()
	if !ok || seq == l.lastSeq {
		l.mu.Unlock()
		return nil
	}
	l.lastSeq = seq
	l.frames++

	m := energy.Analyze(f)
	l.volume = m

	var calibratedAt time.Time
	if l.est != nil {
		calibratedAt = l.est.Stats().CalibratedAt
	}
	r := l.detector().Process(m, now)

	var out []func()
	vol := VolumeEvent{At: now, Metrics: m, Active: r.Active}
	out = append(out, func() { l.onVolume.Publish(vol) })

	switch l.kind {
	case Dictation:
		switch r.Edge {
		case activity.EdgeStart:
			l.started = now
			ev := SpeechEvent{At: now, Metrics: m}
			out = append(out, func() { l.onSpeechStart.Publish(ev) })
		case activity.EdgeEnd:
			ev := SpeechEvent{At: now, Metrics: m, Duration: now.Sub(l.started)}
			l.started = time.Time{}
			out = append(out, func() { l.onSpeechEnd.Publish(ev) })
		case activity.EdgeDiscard:
			ev := SpeechEvent{At: now, Metrics: m, Duration: now.Sub(l.started)}
			l.run.log.Debug("speech burst discarded", "burst", ev.Duration)
			l.started = time.Time{}
			out = append(out, func() { l.onDiscard.Publish(ev) })
		}
	case Interrupt:
		switch r.Edge {
		case activity.EdgeStart:
			ev := InterruptEvent{At: now, Metrics: m, Threshold: l.intr.Threshold()}
			out = append(out, func() { l.onInterrupt.Publish(ev) })
		case activity.EdgeEnd:
			l.run.log.Debug("interrupt released")
		}
		if l.est != nil {
			if s := l.est.Stats(); !s.CalibratedAt.Equal(calibratedAt) {
				l.run.log.Info("threshold calibrated", "threshold_db", s.Threshold, "noise_floor_db", s.NoiseFloor)
				out = append(out, func() { l.onCalibrate.Publish(s) })
			}
		}
	}
	l.mu.Unlock()
	return out
}
