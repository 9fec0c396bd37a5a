package audio

import "time"

// Midpoint is the zero line of an offset-binary [Frame.Waveform] sample.
const Midpoint = 128

// Frame is one capture window of microphone audio as seen by the activity
// engine. Frames are produced by a [CaptureStream], fanned out by the shared
// frame source and never mutated after delivery.
//
// Both views describe the same window:
//
//   - Magnitudes holds rectified amplitudes scaled to 0..255, where 0 is
//     silence. Energy (dB and RMS) is computed from this view.
//   - Waveform holds offset-binary time-domain samples, where [Midpoint] is
//     the zero line. The zero-crossing rate is computed from this view.
type Frame struct {
	Magnitudes []uint8
	Waveform   []uint8

	// Timestamp marks when the window was captured.
	Timestamp time.Time
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int {
	return max(len(f.Magnitudes), len(f.Waveform))
}

// Empty reports whether the frame carries no samples at all.
func (f Frame) Empty() bool {
	return f.Len() == 0
}

// FrameFromPCM16 converts little-endian signed 16-bit mono PCM into a
// [Frame]. A trailing odd byte is ignored.
func FrameFromPCM16(pcm []byte, at time.Time) Frame {
	n := len(pcm) / 2
	f := Frame{
		Magnitudes: make([]uint8, n),
		Waveform:   make([]uint8, n),
		Timestamp:  at,
	}
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		f.Waveform[i] = uint8(int(s>>8) + Midpoint)
		f.Magnitudes[i] = magnitude(s)
	}
	return f
}

// FrameFromSamples converts signed 16-bit samples into a [Frame].
func FrameFromSamples(samples []int16, at time.Time) Frame {
	f := Frame{
		Magnitudes: make([]uint8, len(samples)),
		Waveform:   make([]uint8, len(samples)),
		Timestamp:  at,
	}
	for i, s := range samples {
		f.Waveform[i] = uint8(int(s>>8) + Midpoint)
		f.Magnitudes[i] = magnitude(s)
	}
	return f
}

// magnitude maps |s| onto 0..255. Full scale (32768) maps to 255.
func magnitude(s int16) uint8 {
	a := int(s)
	if a < 0 {
		a = -a
	}
	return uint8(min(a>>7, 255))
}
