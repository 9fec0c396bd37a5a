// Package mixer provides a concrete [audio.Player] backed by a priority
// queue. It plays reply segments in priority order, lets a higher priority
// reply preempt the one playing, cancels single replies by ID and reports
// playback transitions so barge-in detection is armed only while speech is
// audible.
package mixer

import (
	"slices"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// entry is one queued reply. seq breaks priority ties in arrival order.
type entry struct {
	segment    *audio.Segment
	priority   int
	seq        uint64
	enqueuedAt time.Time
}

// before reports whether a plays before b.
func (a entry) before(b entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// segmentHeap is a [container/heap.Interface] max-heap of entries.
type segmentHeap []entry

func (h segmentHeap) Len() int           { return len(h) }
func (h segmentHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h segmentHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *segmentHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// find returns the heap index of the segment with the given ID, or -1.
func (h segmentHeap) find(id string) int {
	return slices.IndexFunc(h, func(e entry) bool { return e.segment.ID == id })
}

// ordered returns a copy of the entries in play order.
func (h segmentHeap) ordered() []entry {
	out := slices.Clone(h)
	slices.SortFunc(out, func(a, b entry) int {
		if a.before(b) {
			return -1
		}
		return 1
	})
	return out
}
