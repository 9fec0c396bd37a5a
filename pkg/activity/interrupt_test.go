package activity_test

import (
	"testing"

	"github.com/MrWong99/earshot/pkg/activity"
	"github.com/MrWong99/earshot/pkg/energy"
	"github.com/MrWong99/earshot/pkg/threshold"
)

func TestInterruptDetector_RequiresConfirmFrames(t *testing.T) {
	t.Parallel()

	d := activity.NewInterruptDetector(activity.DefaultInterruptConfig(), nil)
	now := t0

	// Alternating frames never build up two consecutive confirmations.
	for i := range 20 {
		m := quiet
		if i%2 == 0 {
			m = loud
		}
		if r := d.Process(m, now); r.Edge != activity.EdgeNone {
			t.Fatalf("frame %d: edge %v on non-consecutive speech", i, r.Edge)
		}
		now = now.Add(tick)
	}

	if r := d.Process(loud, now); r.Edge != activity.EdgeNone {
		t.Fatalf("first consecutive frame = %+v, want no edge", r)
	}
	now = now.Add(tick)
	if r := d.Process(loud, now); r.Edge != activity.EdgeStart || !r.Active {
		t.Fatalf("second consecutive frame = %+v, want start", r)
	}

	// Further speech never re-emits a start.
	if got := edges(feed(d, &now, loud, 10)); len(got) != 0 {
		t.Errorf("edges during sustained speech = %v, want none", got)
	}
	if c := d.State().ConfirmCounter; c != 2 {
		t.Errorf("ConfirmCounter = %d, want capped at 2", c)
	}
}

func TestInterruptDetector_ReleaseAfterCounterZero(t *testing.T) {
	t.Parallel()

	d := activity.NewInterruptDetector(activity.DefaultInterruptConfig(), nil)
	now := t0
	feed(d, &now, loud, 2)
	if !d.State().Active {
		t.Fatal("detector not active after two speech frames")
	}

	// Tick 0: counter 2→1. Tick 1: counter 1→0, zero-run begins.
	// The detector ends once the run has lasted 500ms, at tick 11.
	rs := feed(d, &now, quiet, 12)
	for i, r := range rs[:11] {
		if !r.Active {
			t.Fatalf("quiet tick %d: inactive before 500ms at zero", i)
		}
	}
	if r := rs[11]; r.Edge != activity.EdgeEnd || r.Active {
		t.Fatalf("quiet tick 11 = %+v, want end", r)
	}
}

func TestInterruptDetector_SpeechRestartsRelease(t *testing.T) {
	t.Parallel()

	d := activity.NewInterruptDetector(activity.DefaultInterruptConfig(), nil)
	now := t0
	rs := feed(d, &now, loud, 2)
	rs = append(rs, feed(d, &now, quiet, 8)...)
	rs = append(rs, feed(d, &now, loud, 1)...)
	rs = append(rs, feed(d, &now, quiet, 8)...)

	got := edges(rs)
	if len(got) != 1 || got[0] != activity.EdgeStart {
		t.Fatalf("edges = %v, want only start", got)
	}
}

func TestInterruptDetector_SpeechLike(t *testing.T) {
	t.Parallel()

	multi := activity.NewInterruptDetector(activity.DefaultInterruptConfig(), nil)
	cfg := activity.DefaultInterruptConfig()
	cfg.MultiLevel = false
	simple := activity.NewInterruptDetector(cfg, nil)

	tests := []struct {
		name       string
		m          energy.Metrics
		wantMulti  bool
		wantSimple bool
	}{
		{"voiced speech", loud, true, true},
		{"silence", quiet, false, false},
		{"hiss with high zcr", energy.Metrics{DB: -15, RMS: 0.2, ZCR: 0.7}, false, true},
		{"hum with no crossings", energy.Metrics{DB: -15, RMS: 0.2, ZCR: 0.01}, false, true},
		{"below db threshold", energy.Metrics{DB: -45, RMS: 0.2, ZCR: 0.2}, false, false},
		{"weak rms", energy.Metrics{DB: -30, RMS: 0.01, ZCR: 0.2}, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := multi.SpeechLike(tc.m); got != tc.wantMulti {
				t.Errorf("multi-level SpeechLike = %v, want %v", got, tc.wantMulti)
			}
			if got := simple.SpeechLike(tc.m); got != tc.wantSimple {
				t.Errorf("simple SpeechLike = %v, want %v", got, tc.wantSimple)
			}
		})
	}
}

func TestInterruptDetector_AdaptiveThreshold(t *testing.T) {
	t.Parallel()

	est := threshold.New(threshold.DefaultConfig(), t0)
	d := activity.NewInterruptDetector(activity.DefaultInterruptConfig(), est)

	soft := energy.Metrics{DB: -50, RMS: 0.05, ZCR: 0.2}
	if d.SpeechLike(soft) {
		t.Fatal("soft voice counted as speech at the default threshold")
	}

	// 50 silent frames fill the calibration buffer.
	now := t0
	feed(d, &now, energy.Metrics{DB: -70, RMS: 0.001, ZCR: 0.01}, 50)

	s := est.Stats()
	if !s.IsCalibrated {
		t.Fatalf("estimator not calibrated after 50 noise frames: %+v", s)
	}
	if s.Threshold != -55 {
		t.Errorf("Threshold = %v, want -55", s.Threshold)
	}
	if !d.SpeechLike(soft) {
		t.Error("soft voice not detected after calibrating to a quiet room")
	}
}

func TestInterruptDetector_NoNoiseWhileActive(t *testing.T) {
	t.Parallel()

	est := threshold.New(threshold.DefaultConfig(), t0)
	d := activity.NewInterruptDetector(activity.DefaultInterruptConfig(), est)
	now := t0
	feed(d, &now, loud, 2)

	d.Process(quiet, now)
	if n := est.Stats().SampleCount; n != 0 {
		t.Errorf("SampleCount = %d, want 0 while active", n)
	}
}

func TestInterruptDetector_NoiseGate(t *testing.T) {
	t.Parallel()

	est := threshold.New(threshold.DefaultConfig(), t0)
	d := activity.NewInterruptDetector(activity.DefaultInterruptConfig(), est)

	// Loud but not speech-like (hum) stays above the gate.
	d.Process(energy.Metrics{DB: -10, RMS: 0.3, ZCR: 0.0}, t0)
	if n := est.Stats().SampleCount; n != 0 {
		t.Errorf("SampleCount = %d, want 0 above the noise gate", n)
	}
	d.Process(quiet, t0)
	if n := est.Stats().SampleCount; n != 1 {
		t.Errorf("SampleCount = %d, want 1", n)
	}
}

func TestInterruptDetector_Reset(t *testing.T) {
	t.Parallel()

	est := threshold.New(threshold.DefaultConfig(), t0)
	d := activity.NewInterruptDetector(activity.DefaultInterruptConfig(), est)
	d.SetThreshold(-30)
	now := t0
	feed(d, &now, loud, 2)

	d.Reset(now)
	st := d.State()
	if st.Active || st.ConfirmCounter != 0 {
		t.Errorf("State after Reset = %+v, want inactive with zero counter", st)
	}
	if got := d.Threshold(); got != -30 {
		t.Errorf("Threshold after Reset = %v, want estimator value -30 kept", got)
	}
	if r := d.Process(loud, now.Add(tick)); r.Edge != activity.EdgeNone {
		t.Errorf("first frame after Reset = %+v, want confirmation to start over", r)
	}
}

func TestInterruptDetector_FixedThreshold(t *testing.T) {
	t.Parallel()

	d := activity.NewInterruptDetector(activity.InterruptConfig{FixedThresholdDB: -20}, nil)
	if got := d.Threshold(); got != -20 {
		t.Errorf("Threshold = %v, want -20", got)
	}
	if d.SpeechLike(energy.Metrics{DB: -25, RMS: 0.5, ZCR: 0.2}) {
		t.Error("frame below fixed threshold counted as speech")
	}
	d.SetThreshold(-30)
	if !d.SpeechLike(energy.Metrics{DB: -25, RMS: 0.5, ZCR: 0.2}) {
		t.Error("frame above lowered threshold not counted as speech")
	}
}
