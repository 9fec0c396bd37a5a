// Package device captures audio from the local microphone.
//
// On Linux the PulseAudio protocol is spoken directly (jfreymuth/pulse, no
// cgo). Everywhere else miniaudio is used through gen2brain/malgo. Both
// backends deliver signed 16-bit mono PCM which is cut into fixed-size
// [audio.Frame] values.
package device

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/clock"
)

// frameBuffer is the number of frames buffered between the backend callback
// and the consumer. Frames are dropped when the consumer falls behind.
const frameBuffer = 32

// Opener opens the system microphone. It implements [audio.Opener].
type Opener struct {
	clk clock.Clock
	log *slog.Logger
}

var _ audio.Opener = (*Opener)(nil)

// Option configures an [Opener].
type Option func(*Opener)

// WithClock sets the clock used to timestamp frames.
func WithClock(c clock.Clock) Option {
	return func(o *Opener) { o.clk = clock.OrReal(c) }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Opener) { o.log = l }
}

// New returns an Opener for the platform backend.
func New(opts ...Option) *Opener {
	o := &Opener{clk: clock.Real, log: slog.Default()}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Backend returns the name of the capture backend compiled for this
// platform: "pulse" on Linux, "malgo" elsewhere.
func Backend() string { return backendName }

// Open implements [audio.Opener].
func (o *Opener) Open(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	var stop func() error
	pipe := audio.NewPipe(cfg.FrameSize, frameBuffer, func() error {
		if stop == nil {
			return nil
		}
		return stop()
	})
	stop, err := openBackend(cfg, func(samples []int16) {
		pipe.Push(samples, o.clk.Now())
	})
	if err != nil {
		pipe.End()
		return nil, classify(cfg.Device, err)
	}
	o.log.Debug("microphone opened", "backend", backendName, "device", cfg.Device)
	return pipe, nil
}

// classify maps a backend error onto [audio.CaptureError].
func classify(device string, err error) error {
	kind := audio.KindDeviceUnavailable
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"permission", "denied", "not authorized", "access"} {
		if strings.Contains(msg, hint) {
			kind = audio.KindPermissionDenied
			break
		}
	}
	return &audio.CaptureError{Kind: kind, Device: device, Err: err}
}
