// Package energy extracts the loudness and zero-crossing features that the
// activity detectors classify.
package energy

import (
	"math"

	"github.com/MrWong99/earshot/pkg/audio"
)

// SilenceDB is reported for frames with no energy at all.
const SilenceDB = -100.0

// Metrics summarises one audio frame.
type Metrics struct {
	// DB is 20·log10(mean magnitude / 255), or [SilenceDB] for silent and
	// empty frames. It is always ≤ 0.
	DB float64

	// RMS is the root mean square of the normalised magnitudes, in [0, 1].
	RMS float64

	// ZCR is the fraction of adjacent waveform samples that cross the
	// midpoint, in [0, 1].
	ZCR float64
}

// Silence is the result for an empty frame.
var Silence = Metrics{DB: SilenceDB}

// Analyze computes [Metrics] for f. It never fails; empty or partial frames
// degrade to [Silence] for the missing view.
func Analyze(f audio.Frame) Metrics {
	m := Silence
	if n := len(f.Magnitudes); n > 0 {
		var sum, sq float64
		for _, v := range f.Magnitudes {
			x := float64(v)
			sum += x
			sq += (x / 255) * (x / 255)
		}
		if mean := sum / float64(n); mean > 0 {
			m.DB = 20 * math.Log10(mean/255)
		}
		m.RMS = math.Sqrt(sq / float64(n))
	}
	m.ZCR = ZeroCrossingRate(f.Waveform)
	return m
}

// ZeroCrossingRate counts sign changes across [audio.Midpoint] divided by
// len(waveform)-1. Fewer than two samples yield 0.
func ZeroCrossingRate(waveform []uint8) float64 {
	if len(waveform) < 2 {
		return 0
	}
	crossings := 0
	prev := waveform[0] >= audio.Midpoint
	for _, v := range waveform[1:] {
		cur := v >= audio.Midpoint
		if cur != prev {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(len(waveform)-1)
}
