package mixer

import (
	"container/heap"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/clock"
	"github.com/MrWong99/earshot/pkg/event"
)

var _ audio.Player = (*PriorityMixer)(nil)

const (
	// DefaultGap is the base silence inserted between consecutive segments.
	DefaultGap = 300 * time.Millisecond

	defaultQueueCap = 16
)

// Option configures a [PriorityMixer] during construction.
type Option func(*PriorityMixer)

// WithGap sets the base silence gap inserted between consecutive segments.
// Jitter of ±1/6 of the gap is applied automatically. Zero disables the gap.
func WithGap(d time.Duration) Option {
	return func(m *PriorityMixer) {
		m.gap = d
	}
}

// WithQueueCapacity sets the initial capacity hint for the queue.
func WithQueueCapacity(n int) Option {
	return func(m *PriorityMixer) {
		if n > 0 {
			m.queue = make(segmentHeap, 0, n)
		}
	}
}

// WithClock sets the clock used to timestamp playback events.
func WithClock(c clock.Clock) Option {
	return func(m *PriorityMixer) {
		m.clk = clock.OrReal(c)
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *PriorityMixer) {
		m.log = l
	}
}

// PriorityMixer schedules [audio.Segment] playback using a priority queue
// backed by [container/heap].
//
// Higher-priority segments preempt lower-priority ones currently playing.
// Equal-priority segments are played in FIFO order. The mixer counts as
// playing from the moment the first segment starts until the queue runs dry
// or playback is interrupted with nothing left to play; observers registered
// with [PriorityMixer.OnPlayback] see exactly those transitions.
//
// All exported methods are safe for concurrent use.
type PriorityMixer struct {
	output func([]byte)
	clk    clock.Clock
	log    *slog.Logger

	mu            sync.Mutex
	queue         segmentHeap
	seq           uint64
	gap           time.Duration
	playing       *audio.Segment // segment being streamed, or nil
	playingPri    int
	cancelPlaying chan struct{} // closed to interrupt the current segment
	active        bool          // between the first start and going idle
	lastID        string

	events event.Bus[audio.PlaybackEvent]

	notify chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a [PriorityMixer] that delivers audio chunks to output and
// starts its dispatch goroutine. output is called sequentially and must not
// block for long. Call [PriorityMixer.Close] to stop it.
func New(output func([]byte), opts ...Option) *PriorityMixer {
	m := &PriorityMixer{
		output: output,
		clk:    clock.Real,
		log:    slog.Default(),
		queue:  make(segmentHeap, 0, defaultQueueCap),
		gap:    DefaultGap,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	heap.Init(&m.queue)
	go m.dispatch()
	return m
}

// Enqueue implements [audio.Player]. A segment with a higher priority than
// the one playing interrupts it with [audio.Override] semantics.
func (m *PriorityMixer) Enqueue(segment *audio.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		go drain(segment.Audio)
		return
	}

	m.seq++
	heap.Push(&m.queue, entry{
		segment:    segment,
		priority:   segment.Priority,
		seq:        m.seq,
		enqueuedAt: m.clk.Now(),
	})

	if m.playing != nil && segment.Priority > m.playingPri {
		m.interruptLocked(false)
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Interrupt implements [audio.Player]. For [audio.BargeIn] the queue is
// cleared as well; for [audio.Override] queued segments continue.
func (m *PriorityMixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.interruptLocked(reason == audio.BargeIn)
	ev, idle := m.idleLocked(&reason)
	m.mu.Unlock()

	m.log.Info("playback interrupted", "reason", reason, "segment", ev.SegmentID, "idle", idle)
	if idle {
		m.events.Publish(ev)
	}
}

// BargeIn interrupts playback because the user started talking. The queue
// is cleared.
func (m *PriorityMixer) BargeIn() {
	m.Interrupt(audio.BargeIn)
}

// Playing implements [audio.Player].
func (m *PriorityMixer) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Pending describes a queued segment.
type Pending struct {
	ID       string
	Priority int
	Waiting  time.Duration
}

// Pending returns the queued segments in the order they will play. The
// segment currently playing is not included.
func (m *PriorityMixer) Pending() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	ordered := m.queue.ordered()
	out := make([]Pending, len(ordered))
	for i, e := range ordered {
		out[i] = Pending{ID: e.segment.ID, Priority: e.priority, Waiting: now.Sub(e.enqueuedAt)}
	}
	return out
}

// Cancel drops the segment with the given ID, whether it is playing or
// queued. It reports false when no such segment is known. Cancelling the
// playing segment moves on to the next one like an [audio.Override].
func (m *PriorityMixer) Cancel(id string) bool {
	m.mu.Lock()
	if m.playing != nil && m.playing.ID == id {
		m.interruptLocked(false)
		reason := audio.Override
		ev, idle := m.idleLocked(&reason)
		m.mu.Unlock()
		m.log.Info("playing segment cancelled", "segment", id)
		if idle {
			m.events.Publish(ev)
		}
		return true
	}
	i := m.queue.find(id)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	e := heap.Remove(&m.queue, i).(entry)
	m.mu.Unlock()

	go drain(e.segment.Audio)
	m.log.Info("queued segment cancelled", "segment", id)
	return true
}

// OnPlayback implements [audio.Player]. Observers run on the goroutine that
// caused the transition and must not block.
func (m *PriorityMixer) OnPlayback(fn func(audio.PlaybackEvent)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// SetGap configures the base silence between consecutive segments.
func (m *PriorityMixer) SetGap(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gap = d
}

// Close stops the dispatch goroutine and drains queued segments. Close is
// idempotent.
func (m *PriorityMixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.interruptLocked(true)
	reason := audio.Override
	ev, idle := m.idleLocked(&reason)
	m.mu.Unlock()

	close(m.done)
	if idle {
		m.events.Publish(ev)
	}
	m.events.Clear()
	return nil
}

// interruptLocked cancels the current segment and optionally clears the
// queue. Must be called with m.mu held.
func (m *PriorityMixer) interruptLocked(clearQueue bool) {
	if m.cancelPlaying != nil {
		close(m.cancelPlaying)
		m.cancelPlaying = nil
	}
	m.playing = nil

	if clearQueue {
		for m.queue.Len() > 0 {
			e := heap.Pop(&m.queue).(entry)
			go drain(e.segment.Audio)
		}
	}
}

// idleLocked flips the mixer to idle when nothing is left to play and
// returns the event to publish. Must be called with m.mu held.
func (m *PriorityMixer) idleLocked(reason *audio.InterruptReason) (audio.PlaybackEvent, bool) {
	if !m.active || m.playing != nil || m.queue.Len() > 0 {
		return audio.PlaybackEvent{}, false
	}
	m.active = false
	return audio.PlaybackEvent{
		Playing:   false,
		SegmentID: m.lastID,
		Reason:    reason,
		At:        m.clk.Now(),
	}, true
}

func (m *PriorityMixer) dispatch() {
	var lastPlayed bool

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		for {
			seg, cancel, ok := m.dequeue()
			if !ok {
				break
			}

			if lastPlayed {
				if gapDur := m.gapWithJitter(); gapDur > 0 {
					gapTimer.Reset(gapDur)
					select {
					case <-m.done:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						go drain(seg.Audio)
						return
					case <-cancel:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						go drain(seg.Audio)
						continue
					case <-gapTimer.C:
					}
				}
			}

			m.start(seg)
			m.play(seg, cancel)
			lastPlayed = true
			if err := seg.Err(); err != nil {
				m.log.Warn("segment stream failed", "segment", seg.ID, "err", err)
			}

			m.mu.Lock()
			if m.playing == seg {
				m.playing = nil
				m.cancelPlaying = nil
			}
			m.mu.Unlock()
		}

		m.mu.Lock()
		ev, idle := m.idleLocked(nil)
		m.mu.Unlock()
		if idle {
			lastPlayed = false
			m.events.Publish(ev)
		}
	}
}

// dequeue pops the highest-priority segment and marks it as playing.
func (m *PriorityMixer) dequeue() (seg *audio.Segment, cancel chan struct{}, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.queue.Len() == 0 {
		return nil, nil, false
	}

	e := heap.Pop(&m.queue).(entry)
	m.log.Debug("segment dequeued", "segment", e.segment.ID, "priority", e.priority, "waited", m.clk.Now().Sub(e.enqueuedAt))
	cancel = make(chan struct{})
	m.playing = e.segment
	m.playingPri = e.priority
	m.cancelPlaying = cancel
	return e.segment, cancel, true
}

// start marks seg as audible and notifies observers.
func (m *PriorityMixer) start(seg *audio.Segment) {
	m.mu.Lock()
	if m.playing != seg {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.lastID = seg.ID
	ev := audio.PlaybackEvent{Playing: true, SegmentID: seg.ID, At: m.clk.Now()}
	m.mu.Unlock()
	m.events.Publish(ev)
}

// play streams audio chunks from seg until it ends or is interrupted.
func (m *PriorityMixer) play(seg *audio.Segment, cancel chan struct{}) {
	for {
		select {
		case <-m.done:
			go drain(seg.Audio)
			return
		case <-cancel:
			go drain(seg.Audio)
			return
		case chunk, ok := <-seg.Audio:
			if !ok {
				return
			}
			m.output(chunk)
		}
	}
}

// gapWithJitter returns the configured gap with ±1/6 jitter applied.
func (m *PriorityMixer) gapWithJitter() time.Duration {
	m.mu.Lock()
	base := m.gap
	m.mu.Unlock()

	if base <= 0 {
		return 0
	}
	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}
	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}

// drain discards the rest of a segment so its producer is not left blocked.
func drain(ch <-chan []byte) {
	for range ch {
	}
}
