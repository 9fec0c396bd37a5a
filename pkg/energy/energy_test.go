package energy_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/energy"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAnalyze(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.Frame
		want  energy.Metrics
	}{
		{
			name:  "empty frame",
			frame: audio.Frame{},
			want:  energy.Metrics{DB: -100},
		},
		{
			name:  "all zero magnitudes",
			frame: audio.Frame{Magnitudes: []uint8{0, 0, 0, 0}},
			want:  energy.Metrics{DB: -100},
		},
		{
			name:  "full scale",
			frame: audio.Frame{Magnitudes: []uint8{255, 255}},
			want:  energy.Metrics{DB: 0, RMS: 1},
		},
		{
			name:  "half of samples at full scale",
			frame: audio.Frame{Magnitudes: []uint8{255, 0, 255, 0}},
			want:  energy.Metrics{DB: 20 * math.Log10(0.5), RMS: math.Sqrt(0.5)},
		},
		{
			name:  "alternating waveform",
			frame: audio.Frame{Waveform: []uint8{200, 50, 200, 50, 200}},
			want:  energy.Metrics{DB: -100, ZCR: 1},
		},
		{
			name:  "single waveform sample",
			frame: audio.Frame{Waveform: []uint8{10}},
			want:  energy.Metrics{DB: -100},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := energy.Analyze(tc.frame)
			if !approx(got.DB, tc.want.DB) {
				t.Errorf("DB = %v, want %v", got.DB, tc.want.DB)
			}
			if !approx(got.RMS, tc.want.RMS) {
				t.Errorf("RMS = %v, want %v", got.RMS, tc.want.RMS)
			}
			if !approx(got.ZCR, tc.want.ZCR) {
				t.Errorf("ZCR = %v, want %v", got.ZCR, tc.want.ZCR)
			}
		})
	}
}

func TestZeroCrossingRate_Partial(t *testing.T) {
	t.Parallel()

	// 128 counts as the positive side: 100→128 and 128→100 are crossings,
	// 140→150 is not.
	got := energy.ZeroCrossingRate([]uint8{100, 128, 100, 140, 150})
	if want := 3.0 / 4.0; !approx(got, want) {
		t.Errorf("ZeroCrossingRate = %v, want %v", got, want)
	}
}

func TestAnalyze_Bounds(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 320)
	for i := range samples {
		samples[i] = int16((i%7 - 3) * 9000)
	}
	m := energy.Analyze(audio.FrameFromSamples(samples, time.Time{}))
	if m.DB > 0 || m.DB < -100 {
		t.Errorf("DB = %v, want within [-100, 0]", m.DB)
	}
	if m.RMS < 0 || m.RMS > 1 {
		t.Errorf("RMS = %v, want within [0, 1]", m.RMS)
	}
	if m.ZCR < 0 || m.ZCR > 1 {
		t.Errorf("ZCR = %v, want within [0, 1]", m.ZCR)
	}
}
