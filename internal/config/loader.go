package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults. Detector tuning keys set explicitly to zero are rejected,
// since [ApplyDefaults] cannot tell them from omitted keys.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	zeroed := zeroedTuning(&doc, cfg)

	ApplyDefaults(cfg)
	if err := errors.Join(zeroed, Validate(cfg)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// zeroedTuning reports tuning keys present in doc whose decoded value is
// zero. cfg must not have had defaults applied yet.
func zeroedTuning(doc *yaml.Node, cfg *Config) error {
	d, i, k := cfg.Dictation, cfg.Interrupt, cfg.Calibration
	fields := []struct {
		section, key string
		zero         bool
	}{
		{"dictation", "threshold", d.Threshold == 0},
		{"dictation", "end_silence", d.EndSilence == 0},
		{"dictation", "min_speech", d.MinSpeech == 0},
		{"dictation", "interval", d.Interval == 0},
		{"interrupt", "energy_threshold", i.EnergyThreshold == 0},
		{"interrupt", "zcr_threshold", i.ZCRThreshold == 0},
		{"interrupt", "confirm_frames", i.ConfirmFrames == 0},
		{"interrupt", "release", i.Release == 0},
		{"interrupt", "fixed_threshold_db", i.FixedThresholdDB == 0},
		{"interrupt", "noise_gate_db", i.NoiseGateDB == 0},
		{"interrupt", "interval", i.Interval == 0},
		{"calibration", "offset_db", k.OffsetDB == 0},
		{"calibration", "std_multiplier", k.StdMultiplier == 0},
		{"calibration", "sample_size", k.SampleSize == 0},
		{"calibration", "interval", k.Interval == 0},
	}
	var errs []error
	for _, f := range fields {
		if f.zero && hasKey(doc, f.section, f.key) {
			errs = append(errs, fmt.Errorf("%s.%s must not be 0; omit it to use the default", f.section, f.key))
		}
	}
	return errors.Join(errs...)
}

// hasKey reports whether the document maps section to a mapping holding key.
func hasKey(doc *yaml.Node, section, key string) bool {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	sec := mappingValue(root, section)
	return sec != nil && mappingValue(sec, key) != nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for j := 0; j+1 < len(n.Content); j += 2 {
		if n.Content[j].Value == key {
			return n.Content[j+1]
		}
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values. Call it after
// [ApplyDefaults]. It returns a joined error listing all validation failures
// found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
	}

	// Capture
	c := cfg.Capture
	if !c.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("capture.backend %q is invalid; valid values: pulse, malgo, websocket, none", c.Backend))
	}
	if !c.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("capture.codec %q is invalid; valid values: pcm16, opus", c.Codec))
	}
	if c.Codec == CodecOpus && !slices.Contains(c.Backends(), BackendWebSocket) {
		errs = append(errs, fmt.Errorf("capture.codec %q requires the websocket backend", c.Codec))
	}
	seen := map[Backend]bool{c.Backend: true}
	for i, b := range c.Fallback {
		switch {
		case !b.IsValid() || b == BackendNone:
			errs = append(errs, fmt.Errorf("capture.fallback[%d] %q is invalid; valid values: pulse, malgo, websocket", i, b))
		case seen[b]:
			errs = append(errs, fmt.Errorf("capture.fallback[%d] %q is listed twice", i, b))
		}
		seen[b] = true
	}
	if c.BreakerFailures <= 0 {
		errs = append(errs, fmt.Errorf("capture.breaker_failures %d must be positive", c.BreakerFailures))
	}
	if c.BreakerReset <= 0 {
		errs = append(errs, fmt.Errorf("capture.breaker_reset %s must be positive", c.BreakerReset))
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [8000, 48000]", c.SampleRate))
	}
	if c.Codec == CodecOpus && 48000%c.SampleRate != 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must divide 48000 for opus", c.SampleRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must be positive", c.FrameSize))
	}

	// Detectors
	lc := cfg.DictationListener()
	if err := lc.Speech.Validate(); err != nil {
		errs = append(errs, prefixed("dictation", err))
	}
	ic := cfg.InterruptListener()
	if err := ic.Interrupt.Validate(); err != nil {
		errs = append(errs, prefixed("interrupt", err))
	}
	if ic.Adaptive {
		if err := ic.Calibration.Validate(); err != nil {
			errs = append(errs, prefixed("calibration", err))
		}
	}
	for name, d := range map[string]float64{
		"dictation.interval":   lc.Interval.Seconds(),
		"interrupt.interval":   ic.Interval.Seconds(),
		"wake.interval":        cfg.Wake.Interval.Seconds(),
		"calibration.interval": cfg.Calibration.Interval.Seconds(),
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	// Conversation
	if err := cfg.Orchestrator().Conversation.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Conversation.ReplyTimeout < 0 {
		errs = append(errs, fmt.Errorf("conversation.reply_timeout %s must not be negative", cfg.Conversation.ReplyTimeout))
	}

	// Wake
	if cfg.Wake.Enabled {
		if len(cfg.Wake.Phrases) == 0 {
			errs = append(errs, errors.New("wake.phrases must not be empty when wake.enabled is set"))
		}
		if c.Backend == BackendNone {
			errs = append(errs, errors.New("wake.enabled requires a capture backend"))
		}
	}
	for i, p := range cfg.Wake.Phrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("wake.phrases[%d] is empty", i))
		}
	}

	// Reconnect
	r := cfg.Reconnect
	if r.MaxRetries < 0 || r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("reconnect values must not be negative"))
	}
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %s is below reconnect.backoff %s", r.MaxBackoff, r.Backoff))
	}

	if ratio := cfg.Telemetry.TraceSampleRatio; ratio <= 0 || ratio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g must be in (0, 1]", ratio))
	}

	return errors.Join(errs...)
}

func prefixed(section string, err error) error {
	return fmt.Errorf("%s: %w", section, err)
}
