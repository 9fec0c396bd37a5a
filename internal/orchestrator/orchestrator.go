// Package orchestrator wires the listeners, the conversation state machine
// and the playback mixer into one turn-taking loop:
//
//   - Idle: the wake listener runs (when enabled).
//   - Wake or manual start enters Recording: the wake listener stops and the
//     dictation listener starts.
//   - End of speech (when auto-stop is on), the countdown or a manual stop
//     enters Processing: dictation stops and the reply pipeline runs.
//   - A reply moves back to Idle; a failed reply resets the whole session.
//   - While the player is audible the interrupt listener runs; a confirmed
//     barge-in cuts playback and clears its queue.
//
// Every event is handled on a single internal goroutine, so handlers never
// race each other and listener callbacks never block on orchestrator work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/source"
	"github.com/MrWong99/earshot/pkg/clock"
	"github.com/MrWong99/earshot/pkg/listen"
	"github.com/MrWong99/earshot/pkg/threshold"
	"github.com/MrWong99/earshot/pkg/wake"
)

var (
	// ErrNotRunning is returned by control methods when Run is not active.
	ErrNotRunning = errors.New("orchestrator: not running")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("orchestrator: already running")

	// ErrMissingDependency is returned by New when a required dependency is
	// nil.
	ErrMissingDependency = errors.New("orchestrator: missing dependency")
)

// WakeConfig controls wake phrase listening.
type WakeConfig struct {
	Enabled  bool
	Phrases  []string
	Interval time.Duration
}

// ReconnectConfig controls capture recovery after a lost device.
type ReconnectConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	Dictation    listen.Config
	Interrupt    listen.Config
	Conversation conversation.Config
	Wake         WakeConfig

	// AutoStop ends the recording window as soon as dictation reports the
	// end of an utterance instead of waiting for the countdown.
	AutoStop bool

	// ReplyTimeout bounds one reply pipeline run. Zero disables it.
	ReplyTimeout time.Duration

	Reconnect ReconnectConfig
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Dictation:    listen.DefaultConfig(),
		Interrupt:    listen.DefaultConfig(),
		Conversation: conversation.DefaultConfig(),
		Wake:         WakeConfig{Enabled: true, Interval: listen.DefaultInterval},
		AutoStop:     true,
		ReplyTimeout: 2 * time.Minute,
	}
}

// Deps are the collaborators of an [Orchestrator].
type Deps struct {
	// Source is the shared capture. Required.
	Source *source.Source

	// Pipeline produces replies. Required.
	Pipeline ReplyPipeline

	// Wake recognises wake phrases. Nil disables the wake listener.
	Wake wake.Detector

	// Player is watched for playback to arm barge-in detection. Nil
	// disables the interrupt listener.
	Player audio.Player

	// Sink receives UI events. Default: [NopSink].
	Sink Sink

	// Session scopes tasks, errors and resets. Default: a new session.
	Session *session.Session

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Clock  clock.Clock
	Logger *slog.Logger
}

// Status is a snapshot for diagnostics and readiness.
type Status struct {
	SessionID string
	State     conversation.State
	Capture   source.Status
	Playing   bool
	Listening map[string]bool
	Interrupt listen.Stats
}

// starter is the lifecycle shared by every listener kind.
type starter interface {
	Start(ctx context.Context) error
	Stop()
	IsListening() bool
}

// Orchestrator runs the turn-taking loop. Create it with [New] and drive it
// with [Orchestrator.Run].
type Orchestrator struct {
	cfg      Config
	src      *source.Source
	pipeline ReplyPipeline
	player   audio.Player
	sink     Sink
	sess     *session.Session
	metrics  *observe.Metrics
	clk      clock.Clock
	log      *slog.Logger

	machine   *conversation.Machine
	dictation *listen.Listener
	interrupt *listen.Listener
	wakeL     *listen.WakeListener
	reconn    *session.Reconnector

	qmu    sync.Mutex
	queue  []func()
	notify chan struct{}

	mu        sync.Mutex
	started   bool
	cancelRun context.CancelFunc
	running   atomic.Bool
	stopped   chan struct{}
	closeOnce sync.Once
	unsubs    []func()

	// Owned by the event loop.
	ctx         context.Context
	active      map[string]bool
	turn        *Turn
	pendingWake *wake.Match
	replyGen    uint64
	replyCancel context.CancelFunc
	restoring   bool
}

// New builds an orchestrator. Listeners are created here but nothing is
// started until [Orchestrator.Run].
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	var missing []error
	if deps.Source == nil {
		missing = append(missing, fmt.Errorf("%w: source", ErrMissingDependency))
	}
	if deps.Pipeline == nil {
		missing = append(missing, fmt.Errorf("%w: reply pipeline", ErrMissingDependency))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		src:      deps.Source,
		pipeline: deps.Pipeline,
		player:   deps.Player,
		sink:     deps.Sink,
		sess:     deps.Session,
		metrics:  deps.Metrics,
		clk:      clock.OrReal(deps.Clock),
		log:      deps.Logger,
		notify:   make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		ctx:      context.Background(),
		active:   make(map[string]bool),
	}
	if o.sink == nil {
		o.sink = NopSink{}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.sess == nil {
		o.sess = session.New(session.WithClock(o.clk), session.WithLogger(o.log))
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.log = o.log.With("session_id", o.sess.ID())

	lopts := []listen.Option{listen.WithClock(o.clk), listen.WithLogger(o.log)}
	o.machine = conversation.New(cfg.Conversation, conversation.WithClock(o.clk), conversation.WithLogger(o.log))
	o.dictation = listen.NewDictation(o.src, cfg.Dictation, lopts...)
	if o.player != nil {
		o.interrupt = listen.NewInterrupt(o.src, cfg.Interrupt, lopts...)
	}
	if cfg.Wake.Enabled && deps.Wake != nil {
		o.wakeL = listen.NewWake(o.src, deps.Wake, cfg.Wake.Phrases, cfg.Wake.Interval, lopts...)
	}
	o.reconn = session.NewReconnector(session.ReconnectorConfig{
		Attempt:     o.restoreCapture,
		MaxRetries:  cfg.Reconnect.MaxRetries,
		Backoff:     cfg.Reconnect.Backoff,
		MaxBackoff:  cfg.Reconnect.MaxBackoff,
		Clock:       o.clk,
		Logger:      o.log,
		OnGiveUp:    func(err error) { o.post(func() { o.sess.ReportError("capture", err) }) },
		OnReconnect: func() { o.log.Info("capture restored") },
	})

	o.subscribe()
	o.registerResetters()
	return o, nil
}

func (o *Orchestrator) subscribe() {
	o.unsubs = append(o.unsubs,
		o.machine.OnStateChange(func(tr conversation.Transition) { o.post(func() { o.handleTransition(tr) }) }),
		o.machine.OnTick(func(t conversation.Tick) { o.post(func() { o.sink.Tick(t) }) }),
		o.dictation.OnSpeechStart(func(e listen.SpeechEvent) { o.post(func() { o.handleSpeechStart(e) }) }),
		o.dictation.OnSpeechEnd(func(e listen.SpeechEvent) { o.post(func() { o.handleSpeechEnd(e) }) }),
		o.dictation.OnSpeechDiscard(func(e listen.SpeechEvent) { o.post(func() { o.handleSpeechDiscard(e) }) }),
		o.dictation.OnVolume(func(e listen.VolumeEvent) { o.post(func() { o.sink.Volume(listen.Dictation, e) }) }),
		o.sess.OnError(func(e session.ErrorEntry) { o.post(func() { o.sink.Error(e) }) }),
	)
	if o.interrupt != nil {
		o.unsubs = append(o.unsubs,
			o.interrupt.OnInterrupt(func(e listen.InterruptEvent) { o.post(func() { o.handleInterrupt(e) }) }),
			o.interrupt.OnVolume(func(e listen.VolumeEvent) { o.post(func() { o.sink.Volume(listen.Interrupt, e) }) }),
			o.interrupt.OnCalibrate(func(s threshold.Stats) {
				o.metrics.RecordCalibration(context.Background(), s.Threshold)
			}),
			o.player.OnPlayback(func(e audio.PlaybackEvent) { o.post(func() { o.handlePlayback(e) }) }),
		)
	}
	if o.wakeL != nil {
		o.unsubs = append(o.unsubs,
			o.wakeL.OnWake(func(m wake.Match) { o.post(func() { o.handleWake(m) }) }),
		)
	}
}

// registerResetters hooks every component into [session.Session.Fail].
// Resets are triggered from the event loop only.
func (o *Orchestrator) registerResetters() {
	o.unsubs = append(o.unsubs,
		o.sess.AddResetter("reply", o.cancelReply),
		o.sess.AddResetter("dictation", func() {
			o.stopListener(listen.Dictation.String(), o.dictation)
			o.dictation.Reset()
		}),
	)
	if o.interrupt != nil {
		o.unsubs = append(o.unsubs,
			o.sess.AddResetter("interrupt", func() {
				o.stopListener(listen.Interrupt.String(), o.interrupt)
				o.interrupt.Reset()
			}),
			o.sess.AddResetter("player", func() {
				if o.player.Playing() {
					o.player.Interrupt(audio.Override)
				}
			}),
		)
	}
	o.unsubs = append(o.unsubs, o.sess.AddResetter("conversation", o.machine.ResetToIdle))
}

// Session returns the session the orchestrator reports to.
func (o *Orchestrator) Session() *session.Session { return o.sess }

// Machine returns the conversation state machine.
func (o *Orchestrator) Machine() *conversation.Machine { return o.machine }

// Dictation returns the dictation listener.
func (o *Orchestrator) Dictation() *listen.Listener { return o.dictation }

// Interrupt returns the barge-in listener, or nil without a player.
func (o *Orchestrator) Interrupt() *listen.Listener { return o.interrupt }

// Run starts the event loop and blocks until ctx is done or
// [Orchestrator.Close] is called. Everything is stopped before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.started = true
	ctx, cancel := context.WithCancel(observe.WithSession(ctx, o.sess.ID()))
	defer cancel()
	o.cancelRun = cancel
	o.ctx = ctx
	o.running.Store(true)
	o.mu.Unlock()

	o.reconn.Monitor(ctx)
	o.post(o.startWake)
	o.log.Info("orchestrator started", "wake", o.wakeL != nil, "barge_in", o.interrupt != nil)

	o.loop(ctx)
	o.shutdown()
	o.log.Info("orchestrator stopped")
	return nil
}

// Close stops the loop and waits for shutdown. It is idempotent.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		started, cancel := o.started, o.cancelRun
		o.started = true
		o.mu.Unlock()
		if !started {
			o.shutdown()
			return
		}
		cancel()
	})
	<-o.stopped
}

func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		}
		for {
			fn := o.pop()
			if fn == nil {
				break
			}
			fn()
		}
	}
}

// post queues fn for the event loop. It never blocks.
func (o *Orchestrator) post(fn func()) {
	o.qmu.Lock()
	o.queue = append(o.queue, fn)
	o.qmu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) pop() func() {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	if len(o.queue) == 0 {
		return nil
	}
	fn := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	return fn
}

// do runs fn on the event loop and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	if !o.running.Load() {
		return ErrNotRunning
	}
	done := make(chan struct{})
	o.post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-o.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) shutdown() {
	defer close(o.stopped)
	o.running.Store(false)
	o.reconn.Stop()
	o.cancelReply()
	for _, fn := range o.unsubs {
		fn()
	}
	o.unsubs = nil
	if o.wakeL != nil {
		o.stopListener(wakeName, o.wakeL)
		o.wakeL.Release()
	}
	o.stopListener(listen.Dictation.String(), o.dictation)
	o.dictation.Release()
	if o.interrupt != nil {
		o.stopListener(listen.Interrupt.String(), o.interrupt)
		o.interrupt.Release()
	}
	o.machine.Close()
	o.qmu.Lock()
	o.queue = nil
	o.qmu.Unlock()
}

// Wake handles an external wake trigger as if the phrase had been heard.
func (o *Orchestrator) Wake(ctx context.Context) (accepted bool, err error) {
	err = o.do(ctx, func() { accepted = o.machine.Wake() })
	return accepted, err
}

// ManualStart opens a recording window without a wake phrase.
func (o *Orchestrator) ManualStart(ctx context.Context) (accepted bool, err error) {
	err = o.do(ctx, func() { accepted = o.machine.ManualStart() })
	return accepted, err
}

// ManualStop ends the recording window early.
func (o *Orchestrator) ManualStop(ctx context.Context) (accepted bool, err error) {
	err = o.do(ctx, func() { accepted = o.machine.ManualStop() })
	return accepted, err
}

// ReplyReady signals that the reply finished outside the pipeline call,
// e.g. from the UI.
func (o *Orchestrator) ReplyReady(ctx context.Context) (accepted bool, err error) {
	err = o.do(ctx, func() {
		o.cancelReply()
		accepted = o.machine.ReplyReady()
	})
	return accepted, err
}

// Reset resets every detector and timer and returns to Idle.
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.do(ctx, o.sess.Reset)
}

// Calibrate recalibrates the barge-in threshold now. It reports false when
// there is no adaptive interrupt listener or too little noise was sampled.
func (o *Orchestrator) Calibrate(ctx context.Context) (calibrated bool, err error) {
	if o.interrupt == nil {
		return false, nil
	}
	err = o.do(ctx, func() { calibrated = o.interrupt.TriggerCalibration() })
	return calibrated, err
}

// Recover asks for capture to be re-acquired, e.g. after a streaming client
// connected. It never blocks.
func (o *Orchestrator) Recover() {
	o.reconn.NotifyDisconnect()
}

// CaptureChanged is the source state hook. A capture that ended while
// listeners held it is reported and recovered.
func (o *Orchestrator) CaptureChanged(open bool) {
	if open {
		return
	}
	o.post(func() {
		if err := o.src.Status().Err; err != nil {
			o.sess.ReportError("capture", err)
			o.reconn.NotifyDisconnect()
		}
	})
}

// Status returns a snapshot. It is safe to call from any goroutine.
func (o *Orchestrator) Status() Status {
	st := Status{
		SessionID: o.sess.ID(),
		State:     o.machine.State(),
		Capture:   o.src.Status(),
		Listening: map[string]bool{
			listen.Dictation.String(): o.dictation.IsListening(),
		},
	}
	if o.wakeL != nil {
		st.Listening[wakeName] = o.wakeL.IsListening()
	}
	if o.interrupt != nil {
		st.Listening[listen.Interrupt.String()] = o.interrupt.IsListening()
		st.Interrupt = o.interrupt.Stats()
		st.Playing = o.player.Playing()
	}
	return st
}

// startListener starts l unless it already runs. Failures are reported to
// the session and, for a missing device, trigger recovery.
func (o *Orchestrator) startListener(name string, l starter) error {
	if l.IsListening() {
		return nil
	}
	if err := l.Start(o.ctx); err != nil {
		if errors.Is(err, listen.ErrStopped) || errors.Is(err, context.Canceled) {
			return err
		}
		o.captureFailed(err)
		return err
	}
	if !o.active[name] {
		o.active[name] = true
		o.metrics.ListenerStarted(o.ctx, name)
	}
	return nil
}

func (o *Orchestrator) stopListener(name string, l starter) {
	l.Stop()
	if o.active[name] {
		delete(o.active, name)
		o.metrics.ListenerStopped(context.Background(), name)
	}
}

func (o *Orchestrator) captureFailed(err error) {
	kind := "OTHER"
	var ce *audio.CaptureError
	switch {
	case errors.As(err, &ce):
		kind = ce.Kind.String()
	case errors.Is(err, source.ErrPrimaryHeld):
		kind = "PRIMARY_HELD"
	}
	o.metrics.RecordCaptureError(o.ctx, kind)
	if o.restoring {
		return
	}
	o.sess.ReportError("capture", err)
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		o.reconn.NotifyDisconnect()
	}
}

// restoreCapture is the reconnect attempt: every listener is stopped so the
// source closes, then the listeners the current state needs are started
// again.
func (o *Orchestrator) restoreCapture(ctx context.Context) error {
	var err error
	derr := o.do(ctx, func() {
		o.restoring = true
		defer func() { o.restoring = false }()

		running := slices.Sorted(maps.Keys(o.active))
		o.stopAll()
		o.log.Debug("restoring capture", "previously_running", running)

		var errs []error
		switch o.machine.State() {
		case conversation.Idle:
			if o.wakeL != nil {
				errs = append(errs, o.startListener(wakeName, o.wakeL))
			}
		case conversation.Recording:
			errs = append(errs, o.startListener(listen.Dictation.String(), o.dictation))
		}
		if o.interrupt != nil && o.player.Playing() {
			errs = append(errs, o.startListener(listen.Interrupt.String(), o.interrupt))
		}
		err = errors.Join(errs...)
	})
	return errors.Join(derr, err)
}

func (o *Orchestrator) stopAll() {
	if o.wakeL != nil {
		o.stopListener(wakeName, o.wakeL)
	}
	o.stopListener(listen.Dictation.String(), o.dictation)
	if o.interrupt != nil {
		o.stopListener(listen.Interrupt.String(), o.interrupt)
	}
}
