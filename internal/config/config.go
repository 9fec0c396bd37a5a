// Package config provides the configuration schema, loader and hot-reload
// watcher for the earshot server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/orchestrator"
	"github.com/MrWong99/earshot/pkg/activity"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/listen"
	"github.com/MrWong99/earshot/pkg/threshold"
)

// LogLevel controls log verbosity for the earshot server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Backend selects where microphone audio comes from.
type Backend string

const (
	// BackendPulse captures from a local PulseAudio or PipeWire server
	// (Linux builds).
	BackendPulse Backend = "pulse"

	// BackendMalgo captures through miniaudio (non-Linux builds).
	BackendMalgo Backend = "malgo"

	// BackendWebSocket receives audio from a browser on /capture.
	BackendWebSocket Backend = "websocket"

	// BackendNone disables capture. Only manual triggers work.
	BackendNone Backend = "none"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendPulse, BackendMalgo, BackendWebSocket, BackendNone:
		return true
	}
	return false
}

// Codec is the websocket capture payload format.
type Codec string

const (
	CodecPCM16 Codec = "pcm16"
	CodecOpus  Codec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// Config is the root configuration structure for earshot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Capture      CaptureConfig      `yaml:"capture"`
	Dictation    DictationConfig    `yaml:"dictation"`
	Interrupt    InterruptConfig    `yaml:"interrupt"`
	Calibration  CalibrationConfig  `yaml:"calibration"`
	Conversation ConversationConfig `yaml:"conversation"`
	Wake         WakeConfig         `yaml:"wake"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns of browser pages allowed to open
	// the /events and /capture websockets from another origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CaptureConfig selects and tunes the microphone.
type CaptureConfig struct {
	Backend Backend `yaml:"backend"`

	// Device names a capture device. Empty selects the system default.
	Device string `yaml:"device"`

	// SampleRate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per analysed frame. Default 320
	// (20 ms at 16 kHz).
	FrameSize int `yaml:"frame_size"`

	// Codec is the websocket payload format. Default "pcm16".
	Codec Codec `yaml:"codec"`

	// Fallback lists backends tried in order when Backend fails to open.
	Fallback []Backend `yaml:"fallback"`

	// A backend that failed BreakerFailures times in a row is skipped for
	// BreakerReset. Defaults 3 and 30s.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// Backends returns Backend followed by the fallbacks.
func (c CaptureConfig) Backends() []Backend {
	return append([]Backend{c.Backend}, c.Fallback...)
}

// DictationConfig tunes the end-of-turn detector.
type DictationConfig struct {
	// Threshold is the RMS level, in (0, 1), above which a frame is speech.
	Threshold  float64       `yaml:"threshold"`
	EndSilence time.Duration `yaml:"end_silence"`
	MinSpeech  time.Duration `yaml:"min_speech"`
	Interval   time.Duration `yaml:"interval"`
}

// InterruptConfig tunes the barge-in detector.
type InterruptConfig struct {
	// MultiLevel and Adaptive default to true when omitted.
	MultiLevel *bool `yaml:"multi_level"`
	Adaptive   *bool `yaml:"adaptive"`

	EnergyThreshold  float64       `yaml:"energy_threshold"`
	ZCRThreshold     float64       `yaml:"zcr_threshold"`
	ConfirmFrames    int           `yaml:"confirm_frames"`
	Release          time.Duration `yaml:"release"`
	FixedThresholdDB float64       `yaml:"fixed_threshold_db"`
	NoiseGateDB      float64       `yaml:"noise_gate_db"`
	Interval         time.Duration `yaml:"interval"`
}

// CalibrationConfig tunes the adaptive barge-in threshold.
type CalibrationConfig struct {
	OffsetDB      float64       `yaml:"offset_db"`
	StdMultiplier float64       `yaml:"std_multiplier"`
	MinDB         float64       `yaml:"min_db"`
	MaxDB         float64       `yaml:"max_db"`
	SampleSize    int           `yaml:"sample_size"`
	Interval      time.Duration `yaml:"interval"`
}

// ConversationConfig tunes the turn-taking loop.
type ConversationConfig struct {
	RecordDuration time.Duration `yaml:"record_duration"`
	TickInterval   time.Duration `yaml:"tick_interval"`

	// AutoStop ends recording at the end of the first utterance. Default
	// true.
	AutoStop *bool `yaml:"auto_stop"`

	// ReplyTimeout bounds how long Processing waits for a reply. Default 2m.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// WakeConfig controls wake phrase listening.
type WakeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Phrases  []string      `yaml:"phrases"`
	Interval time.Duration `yaml:"interval"`
}

// ReconnectConfig controls capture recovery.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TelemetryConfig controls OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the share of new traces that are sampled, in
	// (0, 1]. Default: 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg with defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	c := &cfg.Capture
	if c.Backend == "" {
		c.Backend = BackendWebSocket
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameSize == 0 {
		c.FrameSize = c.SampleRate / 50
	}
	if c.Codec == "" {
		c.Codec = CodecPCM16
	}
	c.BreakerFailures = orDefault(c.BreakerFailures, 3)
	c.BreakerReset = orDefault(c.BreakerReset, 30*time.Second)

	sp := activity.DefaultSpeechConfig()
	d := &cfg.Dictation
	d.Threshold = orDefault(d.Threshold, sp.Threshold)
	d.EndSilence = orDefault(d.EndSilence, sp.EndSilence)
	d.MinSpeech = orDefault(d.MinSpeech, sp.MinSpeech)
	d.Interval = orDefault(d.Interval, listen.DefaultInterval)

	ip := activity.DefaultInterruptConfig()
	i := &cfg.Interrupt
	if i.MultiLevel == nil {
		i.MultiLevel = boolPtr(ip.MultiLevel)
	}
	if i.Adaptive == nil {
		i.Adaptive = boolPtr(true)
	}
	i.EnergyThreshold = orDefault(i.EnergyThreshold, ip.EnergyThreshold)
	i.ZCRThreshold = orDefault(i.ZCRThreshold, ip.ZCRThreshold)
	i.ConfirmFrames = orDefault(i.ConfirmFrames, ip.ConfirmFrames)
	i.Release = orDefault(i.Release, ip.Release)
	i.FixedThresholdDB = orDefault(i.FixedThresholdDB, ip.FixedThresholdDB)
	i.NoiseGateDB = orDefault(i.NoiseGateDB, ip.NoiseGateDB)
	i.Interval = orDefault(i.Interval, listen.DefaultInterval)

	tc := threshold.DefaultConfig()
	k := &cfg.Calibration
	k.OffsetDB = orDefault(k.OffsetDB, tc.OffsetDB)
	k.StdMultiplier = orDefault(k.StdMultiplier, tc.StdMultiplier)
	if k.MinDB == 0 && k.MaxDB == 0 {
		k.MinDB, k.MaxDB = tc.MinDB, tc.MaxDB
	}
	k.SampleSize = orDefault(k.SampleSize, tc.SampleSize)
	k.Interval = orDefault(k.Interval, tc.Interval)

	cc := conversation.DefaultConfig()
	v := &cfg.Conversation
	v.RecordDuration = orDefault(v.RecordDuration, cc.RecordDuration)
	v.TickInterval = orDefault(v.TickInterval, cc.TickInterval)
	if v.AutoStop == nil {
		v.AutoStop = boolPtr(true)
	}
	v.ReplyTimeout = orDefault(v.ReplyTimeout, 2*time.Minute)

	cfg.Wake.Interval = orDefault(cfg.Wake.Interval, listen.DefaultInterval)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "earshot"
	}
	cfg.Telemetry.TraceSampleRatio = orDefault(cfg.Telemetry.TraceSampleRatio, 1)
}

func boolPtr(b bool) *bool { return &b }

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// CaptureFormat returns the format requested from the capture backend.
func (c *Config) CaptureFormat() audio.CaptureConfig {
	return audio.CaptureConfig{
		SampleRate: c.Capture.SampleRate,
		FrameSize:  c.Capture.FrameSize,
		Device:     c.Capture.Device,
	}
}

// DictationListener returns the dictation listener settings.
func (c *Config) DictationListener() listen.Config {
	lc := listen.DefaultConfig()
	lc.Interval = c.Dictation.Interval
	lc.Speech = activity.SpeechConfig{
		Threshold:  c.Dictation.Threshold,
		EndSilence: c.Dictation.EndSilence,
		MinSpeech:  c.Dictation.MinSpeech,
	}
	return lc
}

// InterruptListener returns the barge-in listener settings.
func (c *Config) InterruptListener() listen.Config {
	i := c.Interrupt
	lc := listen.DefaultConfig()
	lc.Interval = i.Interval
	lc.Interrupt = activity.InterruptConfig{
		MultiLevel:       i.MultiLevel == nil || *i.MultiLevel,
		EnergyThreshold:  i.EnergyThreshold,
		ZCRThreshold:     i.ZCRThreshold,
		ConfirmFrames:    i.ConfirmFrames,
		Release:          i.Release,
		FixedThresholdDB: i.FixedThresholdDB,
		NoiseGateDB:      i.NoiseGateDB,
	}
	lc.Adaptive = i.Adaptive == nil || *i.Adaptive
	lc.Calibration = threshold.Config{
		OffsetDB:      c.Calibration.OffsetDB,
		StdMultiplier: c.Calibration.StdMultiplier,
		MinDB:         c.Calibration.MinDB,
		MaxDB:         c.Calibration.MaxDB,
		SampleSize:    c.Calibration.SampleSize,
		Interval:      c.Calibration.Interval,
	}
	return lc
}

// Orchestrator returns the orchestrator settings.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Dictation: c.DictationListener(),
		Interrupt: c.InterruptListener(),
		Conversation: conversation.Config{
			RecordDuration: c.Conversation.RecordDuration,
			TickInterval:   c.Conversation.TickInterval,
		},
		Wake: orchestrator.WakeConfig{
			Enabled:  c.Wake.Enabled,
			Phrases:  c.Wake.Phrases,
			Interval: c.Wake.Interval,
		},
		AutoStop:     c.Conversation.AutoStop == nil || *c.Conversation.AutoStop,
		ReplyTimeout: c.Conversation.ReplyTimeout,
		Reconnect: orchestrator.ReconnectConfig{
			MaxRetries: c.Reconnect.MaxRetries,
			Backoff:    c.Reconnect.Backoff,
			MaxBackoff: c.Reconnect.MaxBackoff,
		},
	}
}
