// Package wsstream captures microphone audio streamed by a browser over a
// websocket.
//
// A [Server] is both the HTTP handler clients connect to and the
// [audio.Opener] handed to the shared frame source. Each binary message is
// one chunk of audio in the configured [Codec]. Only one client may stream
// at a time; further connections are closed with
// [websocket.StatusTryAgainLater]. Opening a capture while no client is
// connected fails with [audio.ErrDeviceUnavailable], and the open stream ends
// when the client disconnects.
package wsstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/clock"
)

// DeviceName is reported in capture errors from this backend.
const DeviceName = "websocket"

const (
	frameBuffer = 32
	readLimit   = 1 << 20
)

// Server accepts one streaming client at a time.
type Server struct {
	codec      Codec
	sampleRate int
	clk        clock.Clock
	log        *slog.Logger
	accept     *websocket.AcceptOptions
	onConnect  func()

	mu     sync.Mutex
	client *websocket.Conn
	pipe   *audio.Pipe
}

var (
	_ audio.Opener  = (*Server)(nil)
	_ http.Handler = (*Server)(nil)
)

// Option configures a [Server].
type Option func(*Server)

// WithCodec selects the payload format. Default: [CodecPCM16].
func WithCodec(c Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithSampleRate sets the rate frames are delivered at. Opus packets are
// decoded at 48 kHz and downsampled to it. Default: 16000.
func WithSampleRate(hz int) Option {
	return func(s *Server) { s.sampleRate = hz }
}

// WithClock sets the clock used to timestamp frames.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clk = clock.OrReal(c) }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithOriginPatterns allows cross-origin clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.accept.OriginPatterns = patterns }
}

// WithConnectHook calls fn after a client starts streaming, e.g. to retry
// a capture that failed while nobody was connected. fn runs on the request
// goroutine and must not block.
func WithConnectHook(fn func()) Option {
	return func(s *Server) { s.onConnect = fn }
}

// New returns a Server.
func New(opts ...Option) *Server {
	s := &Server{
		codec:      CodecPCM16,
		sampleRate: 16000,
		clk:        clock.Real,
		log:        slog.Default(),
		accept:     &websocket.AcceptOptions{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connected reports whether a client is streaming.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// ServeHTTP upgrades the request and streams its binary messages into the
// open capture until the client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dec, err := newDecoder(s.codec, s.sampleRate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conn, err := websocket.Accept(w, r, s.accept)
	if err != nil {
		s.log.Warn("wsstream: accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		conn.Close(websocket.StatusTryAgainLater, "another capture client is connected")
		return
	}
	s.client = conn
	s.mu.Unlock()

	s.log.Info("capture client connected", "remote", r.RemoteAddr, "codec", s.codec)
	defer s.disconnect(conn)
	if s.onConnect != nil {
		s.onConnect()
	}

	ctx := r.Context()
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				s.log.Info("capture client disconnected", "remote", r.RemoteAddr)
			} else {
				s.log.Warn("capture client read failed", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		samples, err := dec.decode(msg)
		if err != nil {
			s.log.Debug("wsstream: dropping chunk", "err", err)
			continue
		}
		s.deliver(samples)
	}
}

func (s *Server) deliver(samples []int16) {
	s.mu.Lock()
	p := s.pipe
	s.mu.Unlock()
	if p != nil {
		p.Push(samples, s.clk.Now())
	}
}

// disconnect clears the client and ends the open capture.
func (s *Server) disconnect(conn *websocket.Conn) {
	s.mu.Lock()
	p := s.pipe
	if s.client == conn {
		s.client = nil
		s.pipe = nil
	}
	s.mu.Unlock()
	if p != nil {
		p.End()
	}
	conn.CloseNow()
}

// Open implements [audio.Opener]. It fails with a [*audio.CaptureError] of
// kind [audio.KindDeviceUnavailable] when no client is connected.
func (s *Server) Open(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, &audio.CaptureError{
			Kind:   audio.KindDeviceUnavailable,
			Device: DeviceName,
			Err:    errors.New("no capture client connected"),
		}
	}
	if s.pipe != nil {
		s.pipe.End()
	}
	var p *audio.Pipe
	p = audio.NewPipe(cfg.FrameSize, frameBuffer, func() error {
		s.mu.Lock()
		if s.pipe == p {
			s.pipe = nil
		}
		s.mu.Unlock()
		return nil
	})
	s.pipe = p
	return p, nil
}
