package listen

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/source"
	"github.com/MrWong99/earshot/pkg/event"
	"github.com/MrWong99/earshot/pkg/wake"
)

// wakeQueueSize bounds the frames buffered between two ticks. Older frames
// are dropped when the loop falls behind.
const wakeQueueSize = 64

// WakeListener runs a [wake.Detector] over every captured frame while it
// holds a primary lease.
type WakeListener struct {
	run     runner
	det     wake.Detector
	phrases []string

	mu    sync.Mutex
	queue []audio.Frame

	onWake event.Bus[wake.Match]
}

// NewWake returns a wake listener. phrases label the indices returned by
// det and may be nil. interval <= 0 selects [DefaultInterval].
func NewWake(src *source.Source, det wake.Detector, phrases []string, interval time.Duration, opts ...Option) *WakeListener {
	o := buildOptions("wake", opts)
	if interval <= 0 {
		interval = DefaultInterval
	}
	if det == nil {
		det = wake.Never
	}
	w := &WakeListener{det: det, phrases: append([]string(nil), phrases...)}
	w.run = runner{
		name:     o.name,
		role:     source.Primary,
		src:      src,
		clk:      o.clk,
		interval: interval,
		log:      o.log.With("listener", o.name),
		step:     w.step,
		prepare:  w.prepare,
	}
	return w
}

// Start acquires the capture and begins feeding frames to the detector.
func (w *WakeListener) Start(ctx context.Context) error { return w.run.start(ctx) }

// Stop halts detection and releases the lease. Idempotent.
func (w *WakeListener) Stop() {
	w.run.stopRun()
	w.mu.Lock()
	w.queue = nil
	w.mu.Unlock()
}

// Release stops the listener and drops every subscription.
func (w *WakeListener) Release() {
	w.run.release()
	w.onWake.Clear()
}

// IsListening reports whether detection is running.
func (w *WakeListener) IsListening() bool { return w.run.listening() }

// OnWake subscribes to wake matches.
func (w *WakeListener) OnWake(fn func(wake.Match)) (unsubscribe func()) {
	return w.onWake.Subscribe(fn)
}

// Phrases returns the configured wake phrases.
func (w *WakeListener) Phrases() []string {
	return append([]string(nil), w.phrases...)
}

func (w *WakeListener) prepare(_ time.Time, lease *source.Lease) {
	w.det.Reset()
	w.mu.Lock()
	w.queue = w.queue[:0]
	w.mu.Unlock()
	lease.Subscribe(w.enqueue)
}

// enqueue runs on the capture goroutine.
func (w *WakeListener) enqueue(f audio.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= wakeQueueSize {
		w.queue = w.queue[1:]
	}
	w.queue = append(w.queue, f)
}

func (w *WakeListener) step(now time.Time, _ *source.Lease) []func() {
	w.mu.Lock()
	frames := w.queue
	w.queue = nil
	w.mu.Unlock()

	for i, f := range frames {
		idx := w.det.Detect(f)
		if idx < 0 {
			continue
		}
		w.det.Reset()
		m := wake.Match{Index: idx, Phrase: wake.PhraseAt(w.phrases, idx), At: now}
		w.run.log.Info("wake phrase detected", "index", idx, "phrase", m.Phrase, "skipped_frames", len(frames)-i-1)
		return []func(){func() { w.onWake.Publish(m) }}
	}
	return nil
}
