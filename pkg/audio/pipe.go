package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipe is a [CaptureStream] fed by a push-style backend. Backends call
// [Pipe.Push] from their audio thread; samples are cut into frames by a
// [Chunker] and delivered without blocking. Frames are dropped while the
// consumer is behind.
type Pipe struct {
	frames  chan Frame
	onClose func() error
	once    sync.Once

	mu      sync.Mutex
	ended   bool
	chunker *Chunker
	dropped atomic.Uint64
}

var _ CaptureStream = (*Pipe)(nil)

// NewPipe returns a Pipe emitting frames of frameSize samples with room for
// buffer undelivered frames. onClose, if non-nil, runs once on the first
// [Pipe.Close] and should stop the backend.
func NewPipe(frameSize, buffer int, onClose func() error) *Pipe {
	return &Pipe{
		frames:  make(chan Frame, max(buffer, 1)),
		onClose: onClose,
		chunker: NewChunker(frameSize),
	}
}

// Push chunks samples captured at time at. Calls after [Pipe.End] or
// [Pipe.Close] are ignored.
func (p *Pipe) Push(samples []int16, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.chunker.Push(samples, at, func(f Frame) {
		select {
		case p.frames <- f:
		default:
			p.dropped.Add(1)
		}
	})
}

// Frames implements [CaptureStream].
func (p *Pipe) Frames() <-chan Frame { return p.frames }

// End closes the frame channel without stopping the backend. Backends call
// it when the device goes away.
func (p *Pipe) End() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ended {
		p.ended = true
		close(p.frames)
	}
}

// Close implements [CaptureStream].
func (p *Pipe) Close() error {
	var err error
	p.once.Do(func() {
		if p.onClose != nil {
			err = p.onClose()
		}
		p.End()
	})
	return err
}

// Dropped returns the number of frames discarded because the consumer was
// not keeping up.
func (p *Pipe) Dropped() uint64 { return p.dropped.Load() }
