package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/energy"
	"github.com/MrWong99/earshot/pkg/threshold"
)

// maxSpeechZCR is the zero-crossing rate above which a frame is treated as
// broadband noise rather than voiced speech.
const maxSpeechZCR = 0.5

// InterruptConfig tunes an [InterruptDetector].
type InterruptConfig struct {
	// MultiLevel combines RMS, zero-crossing rate and dB. When false only
	// dB is compared against the current threshold.
	MultiLevel bool

	// EnergyThreshold is the minimum RMS in multi-level mode. Default: 0.02.
	EnergyThreshold float64

	// ZCRThreshold is the minimum zero-crossing rate in multi-level mode.
	// Default: 0.05.
	ZCRThreshold float64

	// ConfirmFrames is the number of consecutive speech-like frames needed
	// to activate. Default: 2.
	ConfirmFrames int

	// Release is how long the confirmation counter must stay at zero before
	// the detector deactivates. Default: 500ms.
	Release time.Duration

	// FixedThresholdDB is used when no estimator is attached. Default: -40.
	FixedThresholdDB float64

	// NoiseGateDB is the coarse gate below which inactive frames are fed to
	// the estimator as noise. Default: -25.
	NoiseGateDB float64
}

// DefaultInterruptConfig returns the barge-in defaults.
func DefaultInterruptConfig() InterruptConfig {
	return InterruptConfig{
		MultiLevel:       true,
		EnergyThreshold:  0.02,
		ZCRThreshold:     0.05,
		ConfirmFrames:    2,
		Release:          500 * time.Millisecond,
		FixedThresholdDB: -40,
		NoiseGateDB:      -25,
	}
}

// Validate reports configuration errors.
func (c InterruptConfig) Validate() error {
	var errs []error
	if c.ConfirmFrames < 1 {
		errs = append(errs, fmt.Errorf("activity: confirm frames %d must be at least 1", c.ConfirmFrames))
	}
	if c.Release <= 0 {
		errs = append(errs, fmt.Errorf("activity: release %v must be positive", c.Release))
	}
	if c.ZCRThreshold < 0 || c.ZCRThreshold >= maxSpeechZCR {
		errs = append(errs, fmt.Errorf("activity: zcr threshold %v must be in [0, %v)", c.ZCRThreshold, maxSpeechZCR))
	}
	if c.EnergyThreshold < 0 || c.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("activity: energy threshold %v must be in [0, 1)", c.EnergyThreshold))
	}
	if c.FixedThresholdDB > 0 {
		errs = append(errs, fmt.Errorf("activity: fixed threshold %v dB must not be positive", c.FixedThresholdDB))
	}
	return errors.Join(errs...)
}

// InterruptDetector is the barge-in preset.
type InterruptDetector struct {
	cfg InterruptConfig
	est *threshold.Estimator

	active       bool
	counter      int
	zeroSince    time.Time
	lastActiveAt time.Time
}

var _ Detector = (*InterruptDetector)(nil)

// NewInterruptDetector returns a detector using cfg. When est is non-nil
// the detector is adaptive: it feeds silent frames to est and compares
// against est's threshold. Otherwise cfg.FixedThresholdDB is used.
func NewInterruptDetector(cfg InterruptConfig, est *threshold.Estimator) *InterruptDetector {
	d := DefaultInterruptConfig()
	if cfg.ConfirmFrames < 1 {
		cfg.ConfirmFrames = d.ConfirmFrames
	}
	if cfg.Release <= 0 {
		cfg.Release = d.Release
	}
	if cfg.FixedThresholdDB == 0 {
		cfg.FixedThresholdDB = d.FixedThresholdDB
	}
	if cfg.NoiseGateDB == 0 {
		cfg.NoiseGateDB = d.NoiseGateDB
	}
	return &InterruptDetector{cfg: cfg, est: est}
}

// Config returns the current configuration.
func (d *InterruptDetector) Config() InterruptConfig { return d.cfg }

// Estimator returns the attached estimator, or nil for a fixed threshold.
func (d *InterruptDetector) Estimator() *threshold.Estimator { return d.est }

// Threshold returns the dB threshold currently in effect.
func (d *InterruptDetector) Threshold() float64 {
	if d.est != nil {
		return d.est.Threshold()
	}
	return d.cfg.FixedThresholdDB
}

// SetThreshold changes the dB threshold. With an estimator attached the
// value holds until the next calibration.
func (d *InterruptDetector) SetThreshold(db float64) {
	d.cfg.FixedThresholdDB = db
	if d.est != nil {
		d.est.SetThreshold(db)
	}
}

// SetRelease changes the deactivation delay.
func (d *InterruptDetector) SetRelease(dur time.Duration) {
	if dur > 0 {
		d.cfg.Release = dur
	}
}

// SpeechLike reports whether m looks like voiced speech against the current
// threshold.
func (d *InterruptDetector) SpeechLike(m energy.Metrics) bool {
	thr := d.Threshold()
	if !d.cfg.MultiLevel {
		return m.DB > thr
	}
	return m.RMS > d.cfg.EnergyThreshold &&
		m.ZCR > d.cfg.ZCRThreshold && m.ZCR < maxSpeechZCR &&
		m.DB > thr
}

// Process implements [Detector].
func (d *InterruptDetector) Process(m energy.Metrics, now time.Time) Result {
	speech := d.SpeechLike(m)

	if d.est != nil {
		if !d.active && !speech && m.DB < d.cfg.NoiseGateDB {
			d.est.AddNoiseSample(m.DB, now)
		}
		d.est.MaybeCalibrate(now)
	}

	if speech {
		d.counter = min(d.counter+1, d.cfg.ConfirmFrames)
		d.zeroSince = time.Time{}
		d.lastActiveAt = now
		if !d.active && d.counter >= d.cfg.ConfirmFrames {
			d.active = true
			return Result{Active: true, Edge: EdgeStart}
		}
		return Result{Active: d.active}
	}

	if d.counter > 0 {
		d.counter--
	}
	if d.counter > 0 {
		return Result{Active: d.active}
	}
	if d.zeroSince.IsZero() {
		d.zeroSince = now
	}
	if d.active && now.Sub(d.zeroSince) >= d.cfg.Release {
		d.active = false
		return Result{Edge: EdgeEnd}
	}
	return Result{Active: d.active}
}

// Reset implements [Detector]. The attached estimator keeps its model;
// reset it separately to discard the calibration.
func (d *InterruptDetector) Reset(time.Time) {
	d.active = false
	d.counter = 0
	d.zeroSince = time.Time{}
}

// State implements [Detector].
func (d *InterruptDetector) State() State {
	return State{Active: d.active, ConfirmCounter: d.counter, LastActiveAt: d.lastActiveAt}
}
