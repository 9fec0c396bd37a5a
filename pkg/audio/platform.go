// Package audio defines the frame type and the capture and playback
// interfaces consumed by the earshot activity engine.
//
// The two capture abstractions are:
//
//   - [Opener] acquires the microphone and returns a [CaptureStream].
//   - [CaptureStream] is a running capture handle that delivers [Frame] values
//     until it is closed.
//
// Implementations live in adapter packages (audio/device for local
// microphones, audio/wsstream for browser clients). The shared, reference
// counted frame source in audio/source is the only component that calls
// [Opener.Open]; detectors never open their own capture handle.
//
// This package lives under pkg/ because external code is expected to
// implement [Opener] and [Player].
package audio

import (
	"context"
	"errors"
	"fmt"
)

// Capture acquisition failures. Match them with [errors.Is]; the concrete
// error returned by an [Opener] is usually a [*CaptureError].
var (
	// ErrPermissionDenied means the user or the OS refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable means there is no usable capture device.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")
)

// CaptureErrorKind classifies a [CaptureError].
type CaptureErrorKind int

const (
	// KindDeviceUnavailable covers missing, busy or broken devices.
	KindDeviceUnavailable CaptureErrorKind = iota

	// KindPermissionDenied covers refused access.
	KindPermissionDenied
)

// String returns the human-readable name of the kind.
func (k CaptureErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PERMISSION_DENIED"
	case KindDeviceUnavailable:
		return "DEVICE_UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// CaptureError describes a failed capture acquisition.
type CaptureError struct {
	Kind CaptureErrorKind

	// Device is the requested device name, or "" for the system default.
	Device string

	// Err is the underlying backend error. May be nil.
	Err error
}

// Error implements error.
func (e *CaptureError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	if e.Err != nil {
		return fmt.Sprintf("audio: capture %s (device %q): %v", e.Kind, dev, e.Err)
	}
	return fmt.Sprintf("audio: capture %s (device %q)", e.Kind, dev)
}

// Unwrap returns the backend error.
func (e *CaptureError) Unwrap() error { return e.Err }

// Is maps the error kind onto the package sentinels.
func (e *CaptureError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrDeviceUnavailable:
		return e.Kind == KindDeviceUnavailable
	}
	return false
}

// CaptureConfig describes the requested capture format.
type CaptureConfig struct {
	// SampleRate in Hz. The engine is tuned for 16000.
	SampleRate int

	// FrameSize is the number of samples per delivered [Frame].
	FrameSize int

	// Device selects a named input device. Empty means the system default.
	Device string
}

// CaptureStream is a running microphone capture.
//
// Frames returns a channel that is closed when the stream ends, either
// because Close was called or because the device went away. Close is
// idempotent and returns nil on subsequent calls.
//
// Implementations must be safe for concurrent use.
type CaptureStream interface {
	Frames() <-chan Frame
	Close() error
}

// Opener acquires a capture device.
//
// Open must either return a running stream or an error; it must never leave
// a half-opened device behind. Acquisition failures should be reported as
// [*CaptureError] so callers can distinguish [ErrPermissionDenied] from
// [ErrDeviceUnavailable].
type Opener interface {
	Open(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)
}

// OpenerFunc adapts a function to [Opener].
type OpenerFunc func(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, cfg CaptureConfig) (CaptureStream, error) {
	return f(ctx, cfg)
}
