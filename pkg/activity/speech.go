package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/energy"
)

// SpeechConfig tunes a [SpeechDetector].
type SpeechConfig struct {
	// Threshold is the RMS volume above which a frame counts as speech.
	// Default: 0.02.
	Threshold float64

	// EndSilence is how long volume must stay at or below Threshold before
	// the turn ends. Default: 800ms.
	EndSilence time.Duration

	// MinSpeech is the shortest burst that counts as speech. Default: 300ms.
	MinSpeech time.Duration
}

// DefaultSpeechConfig returns the dictation defaults.
func DefaultSpeechConfig() SpeechConfig {
	return SpeechConfig{
		Threshold:  0.02,
		EndSilence: 800 * time.Millisecond,
		MinSpeech:  300 * time.Millisecond,
	}
}

// Validate reports configuration errors.
func (c SpeechConfig) Validate() error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("activity: speech threshold %v must be in (0, 1)", c.Threshold))
	}
	if c.EndSilence <= 0 {
		errs = append(errs, fmt.Errorf("activity: end silence %v must be positive", c.EndSilence))
	}
	if c.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("activity: min speech %v must not be negative", c.MinSpeech))
	}
	return errors.Join(errs...)
}

// SpeechDetector is the dictation voice-activity preset.
type SpeechDetector struct {
	cfg SpeechConfig

	active       bool
	speechStart  time.Time
	silenceStart time.Time
	lastActiveAt time.Time
}

var _ Detector = (*SpeechDetector)(nil)

// NewSpeechDetector returns a detector using cfg. Zero fields fall back to
// [DefaultSpeechConfig].
func NewSpeechDetector(cfg SpeechConfig) *SpeechDetector {
	d := DefaultSpeechConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.EndSilence <= 0 {
		cfg.EndSilence = d.EndSilence
	}
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = d.MinSpeech
	}
	return &SpeechDetector{cfg: cfg}
}

// Config returns the current configuration.
func (d *SpeechDetector) Config() SpeechConfig { return d.cfg }

// SetThreshold changes the volume threshold.
func (d *SpeechDetector) SetThreshold(v float64) { d.cfg.Threshold = v }

// SetEndSilence changes the end-of-turn silence window.
func (d *SpeechDetector) SetEndSilence(dur time.Duration) { d.cfg.EndSilence = dur }

// Process implements [Detector].
func (d *SpeechDetector) Process(m energy.Metrics, now time.Time) Result {
	if m.RMS > d.cfg.Threshold {
		d.lastActiveAt = now
		d.silenceStart = time.Time{}
		if !d.active {
			d.active = true
			d.speechStart = now
			return Result{Active: true, Edge: EdgeStart}
		}
		return Result{Active: true}
	}

	if !d.active {
		return Result{}
	}
	if d.silenceStart.IsZero() {
		d.silenceStart = now
	}
	if now.Sub(d.silenceStart) < d.cfg.EndSilence {
		return Result{Active: true}
	}

	d.active = false
	burst := d.silenceStart.Sub(d.speechStart)
	d.silenceStart = time.Time{}
	if burst >= d.cfg.MinSpeech {
		return Result{Edge: EdgeEnd}
	}
	return Result{Edge: EdgeDiscard}
}

// Reset implements [Detector].
func (d *SpeechDetector) Reset(time.Time) {
	d.active = false
	d.speechStart = time.Time{}
	d.silenceStart = time.Time{}
}

// State implements [Detector].
func (d *SpeechDetector) State() State {
	return State{Active: d.active, LastActiveAt: d.lastActiveAt}
}
