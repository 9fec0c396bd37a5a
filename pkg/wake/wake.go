// Package wake defines the boundary to the keyword-spotting model that opens
// a listening window. The model itself is external; earshot only needs a
// per-frame match index.
package wake

import (
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// NoMatch is returned by [Detector.Detect] when no phrase matched.
const NoMatch = -1

// Detector recognises wake phrases in audio frames.
//
// Implementations need not be safe for concurrent use; a wake listener calls
// them from a single goroutine.
type Detector interface {
	// Detect consumes one frame and returns the index of the matched phrase,
	// or a negative value when nothing matched.
	Detect(f audio.Frame) int

	// Reset clears any internal buffering, e.g. after a match or when
	// listening resumes.
	Reset()
}

// Match is emitted when a wake phrase is recognised.
type Match struct {
	// Index is the phrase index returned by the detector.
	Index int

	// Phrase is the configured phrase at Index, or "" when unknown.
	Phrase string

	At time.Time
}

// DetectorFunc adapts a stateless function to [Detector].
type DetectorFunc func(f audio.Frame) int

// Detect calls fn.
func (fn DetectorFunc) Detect(f audio.Frame) int { return fn(f) }

// Reset is a no-op.
func (DetectorFunc) Reset() {}

// Never is a [Detector] that never matches. Wake-ups then come only from
// manual triggers.
var Never Detector = DetectorFunc(func(audio.Frame) int { return NoMatch })

// PhraseAt returns phrases[i], or "" when i is out of range.
func PhraseAt(phrases []string, i int) string {
	if i < 0 || i >= len(phrases) {
		return ""
	}
	return phrases[i]
}
