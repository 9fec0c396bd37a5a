package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/pkg/activity"
	"github.com/MrWong99/earshot/pkg/threshold"
)

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9090"
  log_level: debug
  allowed_origins: ["localhost:*"]

capture:
  backend: websocket
  sample_rate: 16000
  frame_size: 512
  codec: opus

dictation:
  threshold: 0.03
  end_silence: 1s
  min_speech: 200ms
  interval: 40ms

interrupt:
  multi_level: false
  adaptive: false
  confirm_frames: 3
  release: 300ms
  fixed_threshold_db: -38
  noise_gate_db: -28

calibration:
  offset_db: 12
  sample_size: 30
  interval: 10s

conversation:
  record_duration: 6s
  tick_interval: 1s
  auto_stop: false
  reply_timeout: 30s

wake:
  enabled: true
  phrases: ["hey earshot", "computer"]

reconnect:
  max_retries: 5
  backoff: 500ms
  max_backoff: 10s

telemetry:
  service_name: earshot-test
`

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.CaptureFormat(); got.SampleRate != 16000 || got.FrameSize != 512 {
		t.Errorf("capture format = %+v", got)
	}
	if cfg.Capture.Codec != config.CodecOpus {
		t.Errorf("codec = %q", cfg.Capture.Codec)
	}

	oc := cfg.Orchestrator()
	if oc.AutoStop {
		t.Error("auto_stop: false was not honoured")
	}
	if oc.ReplyTimeout != 30*time.Second {
		t.Errorf("reply timeout = %v", oc.ReplyTimeout)
	}
	if !oc.Wake.Enabled || len(oc.Wake.Phrases) != 2 {
		t.Errorf("wake = %+v", oc.Wake)
	}
	if oc.Reconnect.MaxRetries != 5 || oc.Reconnect.Backoff != 500*time.Millisecond {
		t.Errorf("reconnect = %+v", oc.Reconnect)
	}

	want := activity.SpeechConfig{Threshold: 0.03, EndSilence: time.Second, MinSpeech: 200 * time.Millisecond}
	if oc.Dictation.Speech != want || oc.Dictation.Interval != 40*time.Millisecond {
		t.Errorf("dictation = %+v", oc.Dictation)
	}

	ic := oc.Interrupt
	if ic.Adaptive || ic.Interrupt.MultiLevel {
		t.Errorf("interrupt booleans = adaptive %v multi_level %v, want false", ic.Adaptive, ic.Interrupt.MultiLevel)
	}
	if ic.Interrupt.ConfirmFrames != 3 || ic.Interrupt.FixedThresholdDB != -38 || ic.Interrupt.NoiseGateDB != -28 {
		t.Errorf("interrupt = %+v", ic.Interrupt)
	}
	// Unset interrupt fields fall back to detector defaults.
	if ic.Interrupt.ZCRThreshold != activity.DefaultInterruptConfig().ZCRThreshold {
		t.Errorf("zcr threshold = %v", ic.Interrupt.ZCRThreshold)
	}
	if ic.Calibration.OffsetDB != 12 || ic.Calibration.SampleSize != 30 || ic.Calibration.MinDB != threshold.DefaultConfig().MinDB {
		t.Errorf("calibration = %+v", ic.Calibration)
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	oc := cfg.Orchestrator()
	if !oc.AutoStop || !oc.Interrupt.Adaptive || !oc.Interrupt.Interrupt.MultiLevel {
		t.Errorf("default booleans: auto_stop %v adaptive %v multi_level %v", oc.AutoStop, oc.Interrupt.Adaptive, oc.Interrupt.Interrupt.MultiLevel)
	}
	if oc.Dictation.Speech != activity.DefaultSpeechConfig() {
		t.Errorf("dictation = %+v, want detector defaults", oc.Dictation.Speech)
	}
	if oc.Interrupt.Calibration != threshold.DefaultConfig() {
		t.Errorf("calibration = %+v, want estimator defaults", oc.Interrupt.Calibration)
	}
	if cfg.Telemetry.ServiceName != "earshot" {
		t.Errorf("service name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestBackend_IsValid(t *testing.T) {
	t.Parallel()

	for _, b := range []config.Backend{config.BackendPulse, config.BackendMalgo, config.BackendWebSocket, config.BackendNone} {
		if !b.IsValid() {
			t.Errorf("%q should be valid", b)
		}
	}
	if config.Backend("alsa").IsValid() {
		t.Error("alsa should be invalid")
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}
