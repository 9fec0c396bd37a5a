// Package app wires all earshot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the orchestrator, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithOpener,
// WithPipeline, WithWakeDetector, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/feed"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/orchestrator"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/device"
	audiomixer "github.com/MrWong99/earshot/pkg/audio/mixer"
	"github.com/MrWong99/earshot/pkg/audio/source"
	"github.com/MrWong99/earshot/pkg/audio/wsstream"
	"github.com/MrWong99/earshot/pkg/clock"
	"github.com/MrWong99/earshot/pkg/wake"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     atomic.Pointer[config.Config]
	level   *slog.LevelVar
	log     *slog.Logger
	clk     clock.Clock
	metrics *observe.Metrics

	opener   audio.Opener
	pipeline orchestrator.ReplyPipeline
	detector wake.Detector
	output   func([]byte)

	// Subsystems: initialised in New, torn down in Shutdown.
	capture  *wsstream.Server           // nil unless the websocket backend is used
	failover *resilience.FailoverOpener // nil without capture fallbacks
	src      *source.Source
	mixer    *audiomixer.PriorityMixer
	hub      *feed.Hub
	sess     *session.Session
	orch     *orchestrator.Orchestrator
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithOpener injects a capture backend instead of creating one from
// capture.backend.
func WithOpener(o audio.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithPipeline sets the reply pipeline. By default a turn waits for an
// external POST /control/reply-ready, bounded by conversation.reply_timeout.
func WithPipeline(p orchestrator.ReplyPipeline) Option {
	return func(a *App) { a.pipeline = p }
}

// WithWakeDetector sets the keyword spotter used while idle. Without one the
// wake listener never matches and turns start from /control/wake or
// /control/start.
func WithWakeDetector(d wake.Detector) Option {
	return func(a *App) { a.detector = d }
}

// WithPlaybackOutput sets where the mixer writes reply audio. Default:
// discarded at real-time pace.
func WithPlaybackOutput(fn func([]byte)) Option {
	return func(a *App) { a.output = fn }
}

// WithLevelVar lets hot reloads change the log level of the handler behind
// the logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithClock sets the clock shared by every subsystem.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = clock.OrReal(c) }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated. Nothing is opened or served until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{
		clk: clock.Real,
		log: slog.Default(),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.detector == nil {
		a.detector = wake.Never
	}
	if a.pipeline == nil {
		a.pipeline = orchestrator.ReplyFunc(awaitExternalReply)
	}

	// ── 1. Capture backend ───────────────────────────────────────────────
	if err := a.initCapture(cfg); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 2. Shared frame source ───────────────────────────────────────────
	// The state hook fires from the source's pump goroutine, which only
	// starts after the orchestrator exists.
	a.src = source.New(a.opener, cfg.CaptureFormat(),
		source.WithLogger(a.log),
		source.WithStateHook(func(open bool) {
			if a.orch != nil {
				a.orch.CaptureChanged(open)
			}
		}),
	)
	a.closers = append(a.closers, a.src.Close)

	// ── 3. Mixer ─────────────────────────────────────────────────────────
	a.initMixer(cfg)

	// ── 4. Event feed ────────────────────────────────────────────────────
	a.hub = feed.NewHub(
		feed.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		feed.WithGreeting(a.greeting),
		feed.WithMetrics(a.metrics),
		feed.WithLogger(a.log),
	)

	// ── 5. Orchestrator ──────────────────────────────────────────────────
	a.sess = session.New(session.WithClock(a.clk), session.WithLogger(a.log))
	orch, err := orchestrator.New(cfg.Orchestrator(), orchestrator.Deps{
		Source:   a.src,
		Pipeline: a.pipeline,
		Wake:     a.detector,
		Player:   a.mixer,
		Sink:     a.hub,
		Session:  a.sess,
		Metrics:  a.metrics,
		Clock:    a.clk,
		Logger:   a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	a.orch = orch

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	a.handler = observe.Middleware(a.metrics)(a.routes())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	return a, nil
}

// initCapture selects the capture backend unless one was injected. With
// fallbacks configured the backends are tried in order behind per-backend
// circuit breakers.
func (a *App) initCapture(cfg *config.Config) error {
	if a.opener != nil {
		return nil
	}
	c := cfg.Capture
	var openers []audio.Opener
	for _, b := range c.Backends() {
		o, err := a.backend(cfg, b)
		if err != nil {
			return err
		}
		openers = append(openers, o)
	}
	if len(openers) == 1 {
		a.opener = openers[0]
		return nil
	}

	a.failover = resilience.NewFailoverOpener(string(c.Backend), openers[0], resilience.CircuitBreakerConfig{
		MaxFailures:  c.BreakerFailures,
		ResetTimeout: c.BreakerReset,
		Clock:        a.clk,
		Logger:       a.log,
	})
	for i, b := range c.Fallback {
		a.failover.AddFallback(string(b), openers[i+1])
	}
	a.opener = a.failover
	return nil
}

// backend builds the opener for one capture backend.
func (a *App) backend(cfg *config.Config, b config.Backend) (audio.Opener, error) {
	c := cfg.Capture
	switch b {
	case config.BackendPulse, config.BackendMalgo:
		if string(b) != device.Backend() {
			return nil, fmt.Errorf("backend %q is not available on this platform, use %q", b, device.Backend())
		}
		return device.New(device.WithClock(a.clk), device.WithLogger(a.log)), nil
	case config.BackendWebSocket:
		a.capture = wsstream.New(
			wsstream.WithCodec(wsstream.Codec(c.Codec)),
			wsstream.WithSampleRate(c.SampleRate),
			wsstream.WithOriginPatterns(cfg.Server.AllowedOrigins...),
			wsstream.WithClock(a.clk),
			wsstream.WithLogger(a.log),
			wsstream.WithConnectHook(a.captureClientConnected),
		)
		return a.capture, nil
	case config.BackendNone:
		return audio.OpenerFunc(func(context.Context, audio.CaptureConfig) (audio.CaptureStream, error) {
			return nil, &audio.CaptureError{
				Kind:   audio.KindDeviceUnavailable,
				Device: c.Device,
				Err:    errors.New("capture disabled"),
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", b)
	}
}

// captureClientConnected retries capture once a browser starts streaming.
func (a *App) captureClientConnected() {
	if a.failover != nil {
		a.failover.Reset()
	}
	if a.orch != nil {
		a.orch.Recover()
	}
}

// initMixer creates the priority mixer that plays replies. Its playback
// state arms the barge-in listener.
func (a *App) initMixer(cfg *config.Config) {
	out := a.output
	if out == nil {
		out = pacedDiscard(a.clk, cfg.Capture.SampleRate)
	}
	pm := audiomixer.New(out, audiomixer.WithClock(a.clk), audiomixer.WithLogger(a.log))
	a.mixer = pm
	a.closers = append(a.closers, pm.Close)
}

// greeting is sent to every feed client when it connects.
func (a *App) greeting() []feed.Event {
	st := a.orch.Machine().State()
	return []feed.Event{feed.StateEvent(conversation.Transition{From: st, To: st, At: a.clk.Now()})}
}

// routes builds the HTTP mux.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	// Capture opens lazily and a browser client may come and go, so a lost
	// capture degrades readiness to a warning.
	capture := health.Capture(a.captureStatus, false)
	capture.Optional = true
	health.New(
		capture,
		health.Config(func() error { return config.Validate(a.Config()) }),
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /events", a.hub)
	if a.capture != nil {
		mux.Handle("GET /capture", a.capture)
	}
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /control/{action}", a.handleControl)
	mux.HandleFunc("POST /playback", a.handlePlayback)
	mux.HandleFunc("DELETE /playback/{id}", a.handleCancelPlayback)
	return mux
}

func (a *App) captureStatus() (open bool, lost error) {
	st := a.src.Status()
	return st.Open, st.Err
}

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the turn-taking orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Config returns the live configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and drives the orchestrator until ctx is cancelled or
// either fails. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.orch.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		// Feed clients hold long-lived connections; kick them first so
		// server shutdown does not wait on them.
		a.hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable settings of a changed config. It
// matches [config.ChangeFunc] so it can be handed to a [config.Watcher].
func (a *App) ApplyConfig(_, next *config.Config, diff config.ConfigDiff) {
	a.cfg.Store(next)

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Level())
		a.log.Info("log level changed", "level", diff.NewLogLevel)
	}
	if d := a.orch.Dictation(); d != nil {
		if diff.DictationThresholdChanged {
			d.SetThreshold(diff.NewDictationThreshold)
			a.log.Info("dictation threshold changed", "threshold", diff.NewDictationThreshold)
		}
		if diff.EndSilenceChanged {
			d.SetEndSilence(diff.NewEndSilence)
			a.log.Info("end silence changed", "end_silence", diff.NewEndSilence)
		}
	}
	if i := a.orch.Interrupt(); i != nil && diff.InterruptThresholdChanged {
		i.SetThreshold(diff.NewInterruptThresholdDB)
		a.log.Info("interrupt threshold changed", "threshold_db", diff.NewInterruptThresholdDB)
	}
	if len(diff.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers)+2)

		// Stop listeners before the source and mixer they depend on.
		a.hub.Close()
		a.orch.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// awaitExternalReply holds the turn in Processing until the reply is
// signalled through /control/reply-ready or the turn is reset. The turn
// fails when the reply timeout expires first.
func awaitExternalReply(ctx context.Context, _ orchestrator.Turn) error {
	<-ctx.Done()
	return ctx.Err()
}

// pacedDiscard drops PCM16 mono chunks after holding the caller for their
// play time, so the mixer reports playback for as long as a device would.
func pacedDiscard(clk clock.Clock, sampleRate int) func([]byte) {
	return func(chunk []byte) {
		d := time.Duration(len(chunk)/2) * time.Second / time.Duration(sampleRate)
		if d <= 0 {
			return
		}
		done := make(chan struct{})
		clk.AfterFunc(d, func() { close(done) })
		<-done
	}
}
