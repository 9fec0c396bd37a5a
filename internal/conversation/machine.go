// Package conversation implements the turn-taking state machine that sits
// between the listeners and the reply pipeline.
//
//	Idle --Wake--> Waking --> Recording --countdown/ManualStop--> Processing --ReplyReady--> Idle
//
// ManualStart enters Recording directly from Idle. ResetToIdle forces Idle
// from any state. While Recording, a countdown emits one [Tick] per tick
// interval and moves to Processing when it runs out.
//
// All methods are safe for concurrent use. Observers are notified outside
// the machine's lock in transition order, so they may call back into the
// machine.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/clock"
	"github.com/MrWong99/earshot/pkg/event"
)

// State is the conversation phase.
type State int

const (
	Idle State = iota
	Waking
	Recording
	Processing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waking:
		return "waking"
	case Recording:
		return "recording"
	case Processing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cause records what triggered a transition.
type Cause string

const (
	CauseWake        Cause = "wake"
	CauseManualStart Cause = "manual_start"
	CauseManualStop  Cause = "manual_stop"
	CauseCountdown   Cause = "countdown"
	CauseReplyReady  Cause = "reply_ready"
	CauseReset       Cause = "reset"
)

// Transition is published for every state change.
type Transition struct {
	From, To State
	Cause    Cause
	At       time.Time
}

// Tick is published once per tick interval while Recording.
type Tick struct {
	// Index counts ticks from 1 within one recording window.
	Index     int
	Elapsed   time.Duration
	Remaining time.Duration
	At        time.Time
}

// Config controls the recording countdown.
type Config struct {
	// RecordDuration is the countdown length. Default: 5s.
	RecordDuration time.Duration

	// TickInterval is the spacing of countdown ticks. Default: 1s.
	TickInterval time.Duration
}

// DefaultConfig returns the default countdown.
func DefaultConfig() Config {
	return Config{RecordDuration: 5 * time.Second, TickInterval: time.Second}
}

// Validate reports invalid durations.
func (c Config) Validate() error {
	var errs []error
	if c.RecordDuration <= 0 {
		errs = append(errs, fmt.Errorf("conversation: record_duration must be positive, got %s", c.RecordDuration))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("conversation: tick_interval must be positive, got %s", c.TickInterval))
	}
	return errors.Join(errs...)
}

// Machine is the conversation state machine.
type Machine struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu       sync.Mutex
	state    State
	gen      uint64
	timer    clock.Timer
	pending  []func()
	flushing bool

	transitions event.Bus[Transition]
	ticks       event.Bus[Tick]
}

// Option configures a [Machine].
type Option func(*Machine)

// WithClock sets the clock driving the countdown.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clk = clock.OrReal(c) }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// New returns a Machine in [Idle]. Zero or negative durations in cfg fall
// back to [DefaultConfig].
func New(cfg Config, opts ...Option) *Machine {
	def := DefaultConfig()
	if cfg.RecordDuration <= 0 {
		cfg.RecordDuration = def.RecordDuration
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	m := &Machine{cfg: cfg, clk: clock.Real, log: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the countdown configuration.
func (m *Machine) Config() Config { return m.cfg }

// OnStateChange subscribes fn to transitions.
func (m *Machine) OnStateChange(fn func(Transition)) (unsubscribe func()) {
	return m.transitions.Subscribe(fn)
}

// OnTick subscribes fn to countdown ticks.
func (m *Machine) OnTick(fn func(Tick)) (unsubscribe func()) {
	return m.ticks.Subscribe(fn)
}

// Wake handles a wake-phrase match. From Idle it passes through Waking into
// Recording and starts the countdown. It reports whether the event was
// accepted.
func (m *Machine) Wake() bool {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return false
	}
	m.setLocked(Waking, CauseWake)
	m.setLocked(Recording, CauseWake)
	m.startCountdownLocked()
	m.mu.Unlock()
	m.flush()
	return true
}

// ManualStart enters Recording from Idle without Waking.
func (m *Machine) ManualStart() bool {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return false
	}
	m.setLocked(Recording, CauseManualStart)
	m.startCountdownLocked()
	m.mu.Unlock()
	m.flush()
	return true
}

// ManualStop ends recording early and moves to Processing.
func (m *Machine) ManualStop() bool {
	return m.finishRecording(CauseManualStop)
}

// ReplyReady returns from Processing to Idle.
func (m *Machine) ReplyReady() bool {
	m.mu.Lock()
	if m.state != Processing {
		m.mu.Unlock()
		return false
	}
	m.setLocked(Idle, CauseReplyReady)
	m.mu.Unlock()
	m.flush()
	return true
}

// ResetToIdle forces Idle from any state and cancels the countdown.
func (m *Machine) ResetToIdle() {
	m.mu.Lock()
	m.cancelCountdownLocked()
	if m.state != Idle {
		m.setLocked(Idle, CauseReset)
	}
	m.mu.Unlock()
	m.flush()
}

// Close cancels the countdown and drops all observers.
func (m *Machine) Close() {
	m.mu.Lock()
	m.cancelCountdownLocked()
	m.pending = nil
	m.mu.Unlock()
	m.transitions.Clear()
	m.ticks.Clear()
}

func (m *Machine) finishRecording(cause Cause) bool {
	m.mu.Lock()
	if m.state != Recording {
		m.mu.Unlock()
		return false
	}
	m.cancelCountdownLocked()
	m.setLocked(Processing, cause)
	m.mu.Unlock()
	m.flush()
	return true
}

func (m *Machine) setLocked(to State, cause Cause) {
	tr := Transition{From: m.state, To: to, Cause: cause, At: m.clk.Now()}
	m.state = to
	m.log.Debug("conversation transition", "from", tr.From, "to", tr.To, "cause", cause)
	m.pending = append(m.pending, func() { m.transitions.Publish(tr) })
}

func (m *Machine) startCountdownLocked() {
	m.cancelCountdownLocked()
	m.scheduleLocked(m.gen, 1, 0)
}

// cancelCountdownLocked stops the timer and invalidates callbacks already
// in flight.
func (m *Machine) cancelCountdownLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) scheduleLocked(gen uint64, index int, elapsed time.Duration) {
	wait := min(m.cfg.TickInterval, m.cfg.RecordDuration-elapsed)
	m.timer = m.clk.AfterFunc(wait, func() { m.tick(gen, index, elapsed+wait) })
}

func (m *Machine) tick(gen uint64, index int, elapsed time.Duration) {
	m.mu.Lock()
	if gen != m.gen || m.state != Recording {
		m.mu.Unlock()
		return
	}
	t := Tick{
		Index:     index,
		Elapsed:   elapsed,
		Remaining: m.cfg.RecordDuration - elapsed,
		At:        m.clk.Now(),
	}
	m.pending = append(m.pending, func() { m.ticks.Publish(t) })
	if t.Remaining <= 0 {
		m.timer = nil
		m.gen++
		m.setLocked(Processing, CauseCountdown)
	} else {
		m.scheduleLocked(gen, index+1, elapsed)
	}
	m.mu.Unlock()
	m.flush()
}

// flush publishes queued notifications in order. A nested call from an
// observer returns immediately; the outer call drains what it queued.
func (m *Machine) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.pending) > 0 {
		n := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		n()
		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}
