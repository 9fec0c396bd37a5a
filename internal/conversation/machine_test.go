package conversation_test

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/pkg/clock/clocktest"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	trans []conversation.Transition
	ticks []conversation.Tick
}

func record(m *conversation.Machine) *recorder {
	r := &recorder{}
	m.OnStateChange(func(tr conversation.Transition) {
		r.mu.Lock()
		r.trans = append(r.trans, tr)
		r.mu.Unlock()
	})
	m.OnTick(func(tk conversation.Tick) {
		r.mu.Lock()
		r.ticks = append(r.ticks, tk)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) states() []conversation.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []conversation.State
	for _, tr := range r.trans {
		out = append(out, tr.To)
	}
	return out
}

func TestWakeCountdownToProcessing(t *testing.T) {
	t.Parallel()

	clk := clocktest.New(t0)
	m := conversation.New(conversation.DefaultConfig(), conversation.WithClock(clk))
	r := record(m)

	if !m.Wake() {
		t.Fatal("Wake() = false from Idle")
	}
	if got := m.State(); got != conversation.Recording {
		t.Fatalf("State() = %v, want recording", got)
	}

	clk.Advance(4999 * time.Millisecond)
	if got := m.State(); got != conversation.Recording {
		t.Fatalf("State() at 4999ms = %v, want recording", got)
	}
	clk.Advance(time.Millisecond)
	if got := m.State(); got != conversation.Processing {
		t.Fatalf("State() at 5000ms = %v, want processing", got)
	}

	want := []conversation.State{conversation.Waking, conversation.Recording, conversation.Processing}
	if got := r.states(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	last := r.trans[len(r.trans)-1]
	if last.Cause != conversation.CauseCountdown || !last.At.Equal(t0.Add(5*time.Second)) {
		t.Errorf("final transition = %+v, want countdown at +5s", last)
	}

	if len(r.ticks) != 5 {
		t.Fatalf("ticks = %d, want 5", len(r.ticks))
	}
	for i, tk := range r.ticks {
		if tk.Index != i+1 {
			t.Errorf("tick[%d].Index = %d, want %d", i, tk.Index, i+1)
		}
		wantAt := t0.Add(time.Duration(i+1) * time.Second)
		if !tk.At.Equal(wantAt) {
			t.Errorf("tick[%d].At = %v, want %v", i, tk.At, wantAt)
		}
		if tk.Elapsed+tk.Remaining != 5*time.Second {
			t.Errorf("tick[%d] elapsed %v + remaining %v != 5s", i, tk.Elapsed, tk.Remaining)
		}
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending() = %d after countdown, want 0", clk.Pending())
	}
}

func TestManualStartAndStop(t *testing.T) {
	t.Parallel()

	clk := clocktest.New(t0)
	m := conversation.New(conversation.DefaultConfig(), conversation.WithClock(clk))
	r := record(m)

	if !m.ManualStart() {
		t.Fatal("ManualStart() = false from Idle")
	}
	clk.Advance(1500 * time.Millisecond)
	if !m.ManualStop() {
		t.Fatal("ManualStop() = false while recording")
	}
	clk.Advance(10 * time.Second)

	want := []conversation.State{conversation.Recording, conversation.Processing}
	if got := r.states(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if len(r.ticks) != 1 {
		t.Errorf("ticks = %d, want 1 (countdown cancelled by ManualStop)", len(r.ticks))
	}
	if !m.ReplyReady() {
		t.Fatal("ReplyReady() = false while processing")
	}
	if got := m.State(); got != conversation.Idle {
		t.Errorf("State() = %v, want idle", got)
	}
}

func TestRejectedTransitions(t *testing.T) {
	t.Parallel()

	m := conversation.New(conversation.DefaultConfig(), conversation.WithClock(clocktest.New(t0)))
	r := record(m)

	if m.ManualStop() {
		t.Error("ManualStop() from Idle = true")
	}
	if m.ReplyReady() {
		t.Error("ReplyReady() from Idle = true")
	}
	m.Wake()
	if m.Wake() {
		t.Error("Wake() while recording = true")
	}
	if m.ManualStart() {
		t.Error("ManualStart() while recording = true")
	}
	if got := len(r.states()); got != 2 {
		t.Errorf("transitions = %d, want 2", got)
	}
}

func TestResetToIdleSuppressesStaleTimer(t *testing.T) {
	t.Parallel()

	clk := clocktest.New(t0)
	m := conversation.New(conversation.DefaultConfig(), conversation.WithClock(clk))
	r := record(m)

	m.Wake()
	clk.Advance(2 * time.Second)
	m.ResetToIdle()
	m.ResetToIdle()
	clk.Advance(10 * time.Second)

	want := []conversation.State{conversation.Waking, conversation.Recording, conversation.Idle}
	if got := r.states(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if len(r.ticks) != 2 {
		t.Errorf("ticks = %d, want 2", len(r.ticks))
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", clk.Pending())
	}
}

func TestUnevenDuration(t *testing.T) {
	t.Parallel()

	clk := clocktest.New(t0)
	m := conversation.New(conversation.Config{RecordDuration: 2500 * time.Millisecond, TickInterval: time.Second}, conversation.WithClock(clk))
	r := record(m)

	m.ManualStart()
	clk.Advance(3 * time.Second)

	if got := m.State(); got != conversation.Processing {
		t.Fatalf("State() = %v, want processing", got)
	}
	if len(r.ticks) != 3 {
		t.Fatalf("ticks = %d, want 3", len(r.ticks))
	}
	last := r.ticks[2]
	if last.Elapsed != 2500*time.Millisecond || last.Remaining != 0 {
		t.Errorf("last tick = %+v, want elapsed 2.5s remaining 0", last)
	}
}

func TestObserverReentry(t *testing.T) {
	t.Parallel()

	clk := clocktest.New(t0)
	m := conversation.New(conversation.DefaultConfig(), conversation.WithClock(clk))

	var got []conversation.State
	m.OnStateChange(func(tr conversation.Transition) {
		got = append(got, tr.To)
		if tr.To == conversation.Recording {
			m.ManualStop()
		}
	})
	m.Wake()

	want := []conversation.State{conversation.Waking, conversation.Recording, conversation.Processing}
	if !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := conversation.DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
	if err := (conversation.Config{}).Validate(); err == nil {
		t.Error("zero Config.Validate() = nil, want error")
	}
}
