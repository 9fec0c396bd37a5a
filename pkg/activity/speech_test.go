package activity_test

import (
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/activity"
	"github.com/MrWong99/earshot/pkg/energy"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const tick = 50 * time.Millisecond

var (
	loud  = energy.Metrics{DB: -12, RMS: 0.2, ZCR: 0.2}
	quiet = energy.Metrics{DB: -70, RMS: 0.001, ZCR: 0.01}
)

// feed processes m for n ticks starting at *now and returns the results.
func feed(d activity.Detector, now *time.Time, m energy.Metrics, n int) []activity.Result {
	out := make([]activity.Result, 0, n)
	for range n {
		out = append(out, d.Process(m, *now))
		*now = now.Add(tick)
	}
	return out
}

func edges(rs []activity.Result) []activity.Edge {
	var out []activity.Edge
	for _, r := range rs {
		if r.Edge != activity.EdgeNone {
			out = append(out, r.Edge)
		}
	}
	return out
}

func TestSpeechDetector_StartAndEnd(t *testing.T) {
	t.Parallel()

	d := activity.NewSpeechDetector(activity.DefaultSpeechConfig())
	now := t0

	first := d.Process(loud, now)
	if first.Edge != activity.EdgeStart || !first.Active {
		t.Fatalf("first loud frame = %+v, want active start", first)
	}
	now = now.Add(tick)

	// 400ms more of speech, then silence.
	if got := edges(feed(d, &now, loud, 8)); len(got) != 0 {
		t.Fatalf("edges during speech = %v, want none", got)
	}

	// Silence begins at the first quiet tick; the turn ends once 800ms of
	// silence have accumulated, i.e. on the 17th quiet tick.
	rs := feed(d, &now, quiet, 17)
	for i, r := range rs[:16] {
		if !r.Active || r.Edge != activity.EdgeNone {
			t.Fatalf("quiet tick %d = %+v, want still active", i, r)
		}
	}
	if last := rs[16]; last.Edge != activity.EdgeEnd || last.Active {
		t.Fatalf("quiet tick 16 = %+v, want end", last)
	}
	if d.State().Active {
		t.Error("State().Active = true after end")
	}
}

func TestSpeechDetector_ShortBurstDiscarded(t *testing.T) {
	t.Parallel()

	d := activity.NewSpeechDetector(activity.DefaultSpeechConfig())
	now := t0

	// 200ms burst is shorter than MinSpeech.
	rs := feed(d, &now, loud, 4)
	rs = append(rs, feed(d, &now, quiet, 20)...)

	got := edges(rs)
	want := []activity.Edge{activity.EdgeStart, activity.EdgeDiscard}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("edges = %v, want %v", got, want)
	}
	if d.State().Active {
		t.Error("detector still active after discard")
	}
}

func TestSpeechDetector_SpeechCancelsSilence(t *testing.T) {
	t.Parallel()

	d := activity.NewSpeechDetector(activity.DefaultSpeechConfig())
	now := t0

	rs := feed(d, &now, loud, 10)
	rs = append(rs, feed(d, &now, quiet, 10)...) // 500ms pause
	rs = append(rs, feed(d, &now, loud, 2)...)
	rs = append(rs, feed(d, &now, quiet, 10)...) // another 500ms pause

	got := edges(rs)
	if len(got) != 1 || got[0] != activity.EdgeStart {
		t.Fatalf("edges = %v, want only the initial start", got)
	}
	if !d.State().Active {
		t.Error("detector ended although no pause reached EndSilence")
	}
}

func TestSpeechDetector_ThresholdBoundary(t *testing.T) {
	t.Parallel()

	d := activity.NewSpeechDetector(activity.SpeechConfig{Threshold: 0.1})
	if r := d.Process(energy.Metrics{RMS: 0.1}, t0); r.Active {
		t.Error("volume equal to threshold activated the detector")
	}
	if r := d.Process(energy.Metrics{RMS: 0.1001}, t0); r.Edge != activity.EdgeStart {
		t.Errorf("volume above threshold = %+v, want start", r)
	}
}

func TestSpeechDetector_SetEndSilence(t *testing.T) {
	t.Parallel()

	d := activity.NewSpeechDetector(activity.DefaultSpeechConfig())
	d.SetEndSilence(200 * time.Millisecond)
	now := t0

	rs := feed(d, &now, loud, 10)
	rs = append(rs, feed(d, &now, quiet, 5)...)
	got := edges(rs)
	if len(got) != 2 || got[1] != activity.EdgeEnd {
		t.Fatalf("edges = %v, want [start end]", got)
	}
}

func TestSpeechDetector_Reset(t *testing.T) {
	t.Parallel()

	d := activity.NewSpeechDetector(activity.DefaultSpeechConfig())
	d.Process(loud, t0)
	d.Reset(t0)
	if d.State().Active {
		t.Fatal("Reset left detector active")
	}
	if r := d.Process(loud, t0.Add(tick)); r.Edge != activity.EdgeStart {
		t.Errorf("after Reset = %+v, want a fresh start", r)
	}
}

func TestSpeechConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := activity.DefaultSpeechConfig().Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	if err := (activity.SpeechConfig{Threshold: 2}).Validate(); err == nil {
		t.Error("Validate() = nil for threshold 2 and zero end silence")
	}
}
