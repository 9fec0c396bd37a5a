// Package mock provides in-memory mock implementations of the [audio.Opener],
// [audio.CaptureStream], and [audio.Player] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(8)
//	opener := &mock.Opener{Stream: stream}
//	src := source.New(opener, audio.CaptureConfig{SampleRate: 16000})
//	lease, err := src.Acquire(ctx, "dictation", source.Primary)
//	stream.Send(frame)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/event"
)

// ─── CaptureStream ───────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.CaptureStream]. Feed frames with
// [Stream.Send]; simulate a device disappearing with [Stream.End].
type Stream struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.CaptureStream = (*Stream)(nil)

// NewStream returns a Stream whose frame channel has the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{frames: make(chan audio.Frame, buffer)}
}

// Frames implements [audio.CaptureStream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Send delivers f to the consumer. It reports false if the stream is closed.
// Send blocks while the buffer is full.
func (s *Stream) Send(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- f
	return true
}

// End closes the frame channel without a Close call, as a vanished device
// would.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Close implements [audio.CaptureStream]. Returns CloseError once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseError
}

// Closed reports whether the stream has been closed or ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Opener ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Opener.Open] invocation.
type OpenCall struct {
	// Config is the capture configuration passed to Open.
	Config audio.CaptureConfig
}

// Opener is a mock implementation of [audio.Opener].
type Opener struct {
	mu sync.Mutex

	// Stream is returned by Open. When nil, each Open returns a fresh
	// [NewStream] with a buffer of 16.
	Stream *Stream

	// OpenError is returned by Open instead of a stream.
	OpenError error

	// Block, when non-nil, makes Open wait until it is closed or the
	// context is cancelled.
	Block chan struct{}

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Streams holds every stream handed out, in order.
	Streams []*Stream
}

var _ audio.Opener = (*Opener)(nil)

// Open implements [audio.Opener].
func (o *Opener) Open(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	o.mu.Lock()
	o.OpenCalls = append(o.OpenCalls, OpenCall{Config: cfg})
	block := o.Block
	o.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	s := o.Stream
	if s == nil || s.Closed() {
		s = NewStream(16)
	}
	o.Streams = append(o.Streams, s)
	return s, nil
}

// CallCountOpen returns how many times Open was called.
func (o *Opener) CallCountOpen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.OpenCalls)
}

// LastStream returns the most recently opened stream, or nil.
func (o *Opener) LastStream() *Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Streams) == 0 {
		return nil
	}
	return o.Streams[len(o.Streams)-1]
}

// ─── Player ──────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player]. Playback transitions
// are driven by the test through [Player.SetPlaying].
type Player struct {
	mu      sync.Mutex
	playing bool
	events  event.Bus[audio.PlaybackEvent]

	// EnqueueCalls records every enqueued segment.
	EnqueueCalls []*audio.Segment

	// InterruptCalls records every interrupt reason.
	InterruptCalls []audio.InterruptReason
}

var _ audio.Player = (*Player)(nil)

// Enqueue implements [audio.Player]. Records the segment only.
func (p *Player) Enqueue(segment *audio.Segment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EnqueueCalls = append(p.EnqueueCalls, segment)
}

// Interrupt implements [audio.Player]. Records the reason and, when
// playing, emits an idle event carrying it.
func (p *Player) Interrupt(reason audio.InterruptReason) {
	p.mu.Lock()
	p.InterruptCalls = append(p.InterruptCalls, reason)
	wasPlaying := p.playing
	p.playing = false
	p.mu.Unlock()
	if wasPlaying {
		p.events.Publish(audio.PlaybackEvent{Playing: false, Reason: &reason})
	}
}

// Playing implements [audio.Player].
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// OnPlayback implements [audio.Player].
func (p *Player) OnPlayback(fn func(audio.PlaybackEvent)) (unsubscribe func()) {
	return p.events.Subscribe(fn)
}

// SetPlaying simulates a playback transition and notifies observers.
func (p *Player) SetPlaying(playing bool, segmentID string) {
	p.mu.Lock()
	p.playing = playing
	p.mu.Unlock()
	p.events.Publish(audio.PlaybackEvent{Playing: playing, SegmentID: segmentID})
}

// Interrupts returns a copy of the recorded interrupt reasons.
func (p *Player) Interrupts() []audio.InterruptReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.InterruptReason(nil), p.InterruptCalls...)
}
