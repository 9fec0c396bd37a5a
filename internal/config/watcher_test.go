package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
)

const tunedYAML = `
server:
  log_level: info
capture:
  backend: websocket
dictation:
  threshold: 0.02
  end_silence: 800ms
interrupt:
  fixed_threshold_db: -40
`

type change struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// watchedFile writes content to a temp config file and returns its path.
func watchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "earshot.yaml")
	rewrite(t, path, content)
	return path
}

// rewrite replaces the file atomically, the way editors save, with an mtime
// in the future so coarse filesystem timestamps still register a change.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(tmp, future, future); err != nil {
		t.Fatalf("chtimes %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename %s: %v", tmp, err)
	}
}

// startWatcher returns a watcher whose changes arrive on the channel.
func startWatcher(t *testing.T, path string, interval time.Duration) (*config.Watcher, <-chan change) {
	t.Helper()
	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config, d config.ConfigDiff) {
		changes <- change{old, new, d}
	}, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, changes
}

func expectNoChange(t *testing.T, changes <-chan change, wait time.Duration) {
	t.Helper()
	select {
	case c := <-changes:
		t.Errorf("unexpected change: %+v", c.diff)
	case <-time.After(wait):
	}
}

func TestWatcher_InitialLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	w, _ := startWatcher(t, watchedFile(t, tunedYAML), time.Hour)
	cfg := w.Current()
	if cfg.Capture.Backend != config.BackendWebSocket {
		t.Errorf("backend = %q", cfg.Capture.Backend)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.FrameSize != 320 {
		t.Errorf("capture defaults not applied: %+v", cfg.Capture)
	}
	if cfg.Interrupt.FixedThresholdDB != -40 {
		t.Errorf("fixed threshold = %v", cfg.Interrupt.FixedThresholdDB)
	}
}

func TestWatcher_PollsTuningChanges(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, tunedYAML)
	_, changes := startWatcher(t, path, 20*time.Millisecond)

	rewrite(t, path, `
server:
  log_level: debug
capture:
  backend: websocket
dictation:
  threshold: 0.05
  end_silence: 1200ms
interrupt:
  fixed_threshold_db: -35
`)

	select {
	case c := <-changes:
		d := c.diff
		if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
			t.Errorf("log level diff = %v %q", d.LogLevelChanged, d.NewLogLevel)
		}
		if !d.DictationThresholdChanged || d.NewDictationThreshold != 0.05 {
			t.Errorf("dictation diff = %v %v", d.DictationThresholdChanged, d.NewDictationThreshold)
		}
		if !d.EndSilenceChanged || d.NewEndSilence != 1200*time.Millisecond {
			t.Errorf("end silence diff = %v %v", d.EndSilenceChanged, d.NewEndSilence)
		}
		if !d.InterruptThresholdChanged || d.NewInterruptThresholdDB != -35 {
			t.Errorf("interrupt diff = %v %v", d.InterruptThresholdChanged, d.NewInterruptThresholdDB)
		}
		if len(d.RestartRequired) != 0 {
			t.Errorf("RestartRequired = %v, want none for tuning-only edits", d.RestartRequired)
		}
		if c.old.Dictation.Threshold != 0.02 || c.new.Dictation.Threshold != 0.05 {
			t.Errorf("old/new thresholds = %v/%v", c.old.Dictation.Threshold, c.new.Dictation.Threshold)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_ReportsRestartSections(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, tunedYAML)
	w, changes := startWatcher(t, path, time.Hour)

	rewrite(t, path, tunedYAML+"conversation:\n  record_duration: 8s\ntelemetry:\n  trace_sample_ratio: 0.5\n")
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	c := <-changes
	for _, want := range []string{"conversation", "telemetry"} {
		if !slices.Contains(c.diff.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", c.diff.RestartRequired, want)
		}
	}
	if c.diff.DictationThresholdChanged || c.diff.LogLevelChanged {
		t.Errorf("unexpected tuning change: %+v", c.diff)
	}
}

func TestWatcher_RejectsInvalidEdit(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, tunedYAML)
	w, changes := startWatcher(t, path, 20*time.Millisecond)

	rewrite(t, path, "dictation:\n  threshold: 3\n")
	if err := w.Reload(); err == nil {
		t.Error("Reload accepted a threshold above 1")
	}
	expectNoChange(t, changes, 100*time.Millisecond)
	if got := w.Current().Dictation.Threshold; got != 0.02 {
		t.Errorf("threshold = %v, want the last valid 0.02", got)
	}
}

func TestWatcher_ReloadOnlyReportsRealChanges(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, tunedYAML)
	w, changes := startWatcher(t, path, time.Hour)

	if err := w.Reload(); err != nil {
		t.Fatalf("Reload unchanged: %v", err)
	}
	expectNoChange(t, changes, 20*time.Millisecond)

	rewrite(t, path, tunedYAML+"\n# retuned\n")
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload comment-only: %v", err)
	}
	select {
	case c := <-changes:
		if !c.diff.Empty() {
			t.Errorf("comment-only edit diff = %+v, want empty", c.diff)
		}
	case <-time.After(time.Second):
		t.Fatal("content change was not reported")
	}
}

func TestWatcher_TouchIsIgnored(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, tunedYAML)
	_, changes := startWatcher(t, path, 20*time.Millisecond)

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	expectNoChange(t, changes, 150*time.Millisecond)
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher on a missing file returned nil error")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()

	w, err := config.NewWatcher(watchedFile(t, tunedYAML), nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}
