// Package activity classifies a stream of [energy.Metrics] into speech
// activity with debouncing.
//
// Two presets share the [Detector] shape:
//
//   - [SpeechDetector] drives dictation turn-taking. It compares RMS volume
//     against a fixed threshold and ends a turn after a period of silence.
//   - [InterruptDetector] detects barge-in while synthetic speech plays. It
//     requires several consecutive speech-like frames before it fires and
//     can track an adaptive threshold through a [threshold.Estimator].
//
// Detectors are not safe for concurrent use. Each one is owned by exactly
// one listener, which serialises access.
package activity

import (
	"time"

	"github.com/MrWong99/earshot/pkg/energy"
)

// Edge is the transition produced by a single [Detector.Process] call.
type Edge int

const (
	// EdgeNone means the activity state did not change.
	EdgeNone Edge = iota

	// EdgeStart means the detector became active.
	EdgeStart

	// EdgeEnd means the detector became inactive after valid activity.
	EdgeEnd

	// EdgeDiscard means the detector became inactive but the burst was too
	// short to count as speech. No speech-end event should be emitted.
	EdgeDiscard
)

// String returns the edge name.
func (e Edge) String() string {
	switch e {
	case EdgeNone:
		return "none"
	case EdgeStart:
		return "start"
	case EdgeEnd:
		return "end"
	case EdgeDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Result is the outcome of processing one frame.
type Result struct {
	Active bool
	Edge   Edge
}

// State is a snapshot of a detector's debounce state.
type State struct {
	Active bool

	// ConfirmCounter is always 0 for [SpeechDetector].
	ConfirmCounter int

	// LastActiveAt is the last time a frame classified as activity.
	LastActiveAt time.Time
}

// Detector is the common shape of both presets.
type Detector interface {
	// Process classifies one frame observed at now.
	Process(m energy.Metrics, now time.Time) Result

	// Reset returns the detector to inactive and clears pending windows.
	Reset(now time.Time)

	// State returns the current debounce state.
	State() State
}
