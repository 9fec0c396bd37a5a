package audio

import (
	"sync/atomic"
	"time"
)

// InterruptReason identifies why the current speech segment was cut short.
type InterruptReason int

const (
	// Override indicates that the application stopped playback on purpose,
	// e.g. because a higher-priority reply arrived or the session was reset.
	Override InterruptReason = iota

	// BargeIn indicates that the user started talking over synthetic speech.
	// The player yields the floor and drops everything queued.
	BargeIn
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case Override:
		return "OVERRIDE"
	case BargeIn:
		return "BARGE_IN"
	default:
		return "UNKNOWN"
	}
}

// Segment is one piece of synthetic speech submitted to a [Player].
// Audio is streamed: chunks arrive on the Audio channel so playback can begin
// before synthesis is complete.
type Segment struct {
	// ID identifies the reply this segment belongs to.
	ID string

	// Audio is a read-only channel of encoded or raw audio chunks. The
	// producer closes it when the segment ends or fails; check [Segment.Err]
	// afterwards.
	Audio <-chan []byte

	// SampleRate is the sample rate in Hz of the audio on the channel.
	SampleRate int

	// Priority controls scheduling when several segments are queued.
	// Higher values preempt lower ones; equal priorities play in FIFO order.
	Priority int

	streamErr atomic.Pointer[error]
}

// Err returns the error that closed the Audio channel early, or nil.
func (s *Segment) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. Producers call it before closing
// the Audio channel.
func (s *Segment) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}

// PlaybackEvent reports a change in whether synthetic speech is audible.
type PlaybackEvent struct {
	// Playing is true when a segment started and false when playback went
	// idle (queue drained or interrupted).
	Playing bool

	// SegmentID is the segment that started or, for idle events, the last
	// segment that was playing.
	SegmentID string

	// Reason is set when playback went idle because of an interrupt.
	Reason *InterruptReason

	At time.Time
}

// Player schedules synthetic speech and reports when it is audible. The
// orchestrator arms the barge-in detector only while a Player is playing.
//
// Implementations must be safe for concurrent use.
type Player interface {
	// Enqueue schedules segment for playback.
	Enqueue(segment *Segment)

	// Interrupt stops the current segment. For [BargeIn] the queue is
	// cleared as well. A no-op when nothing is playing.
	Interrupt(reason InterruptReason)

	// Playing reports whether a segment is currently being played.
	Playing() bool

	// OnPlayback subscribes fn to playback transitions. The returned func
	// removes the subscription and is safe to call more than once.
	OnPlayback(fn func(PlaybackEvent)) (unsubscribe func())
}
