// Package threshold estimates an energy detection threshold from ambient
// noise.
//
// An [Estimator] collects [NoiseSample] values while its owning detector
// believes the signal is silence and periodically recalibrates:
//
//	threshold = clamp(mean + StdMultiplier·std + Offset, MinDB, MaxDB)
//
// Until the first calibration the threshold sits in the middle of the
// allowed range.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// MinCalibrationSamples is the smallest buffer that [Estimator.Calibrate]
// accepts. Smaller buffers are skipped silently.
const MinCalibrationSamples = 10

// Config tunes an [Estimator]. Zero fields are replaced by
// [DefaultConfig] values in [New].
type Config struct {
	// OffsetDB is added on top of the noise statistics. Default: 15.
	OffsetDB float64

	// StdMultiplier scales the noise standard deviation. Default: 2.5.
	StdMultiplier float64

	// MinDB and MaxDB bound the threshold. Defaults: -60 and -20.
	MinDB float64
	MaxDB float64

	// SampleSize is the number of noise samples that triggers the first
	// calibration. The ring buffer holds twice as many. Default: 50.
	SampleSize int

	// Interval is the recalibration period. Default: 30s.
	Interval time.Duration
}

// DefaultConfig returns the recommended estimator settings.
func DefaultConfig() Config {
	return Config{
		OffsetDB:      15,
		StdMultiplier: 2.5,
		MinDB:         -60,
		MaxDB:         -20,
		SampleSize:    50,
		Interval:      30 * time.Second,
	}
}

// withDefaults fills zero fields from [DefaultConfig].
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OffsetDB == 0 {
		c.OffsetDB = d.OffsetDB
	}
	if c.StdMultiplier == 0 {
		c.StdMultiplier = d.StdMultiplier
	}
	if c.MinDB == 0 && c.MaxDB == 0 {
		c.MinDB, c.MaxDB = d.MinDB, d.MaxDB
	}
	if c.SampleSize <= 0 {
		c.SampleSize = d.SampleSize
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.MinDB >= c.MaxDB {
		errs = append(errs, fmt.Errorf("threshold: min_db (%v) must be below max_db (%v)", c.MinDB, c.MaxDB))
	}
	if c.MaxDB > 0 {
		errs = append(errs, fmt.Errorf("threshold: max_db (%v) must not be positive", c.MaxDB))
	}
	if c.StdMultiplier < 0 {
		errs = append(errs, fmt.Errorf("threshold: std_multiplier (%v) must not be negative", c.StdMultiplier))
	}
	if c.SampleSize < MinCalibrationSamples {
		errs = append(errs, fmt.Errorf("threshold: sample_size (%d) must be at least %d", c.SampleSize, MinCalibrationSamples))
	}
	return errors.Join(errs...)
}

// NoiseSample is one energy reading taken while the signal was silent.
type NoiseSample struct {
	DB float64
	At time.Time
}

// Stats is a snapshot of the estimator model.
type Stats struct {
	// Mean and Std are the population statistics of the last calibration.
	Mean float64
	Std  float64

	// Threshold is the current detection threshold in dB.
	Threshold float64

	// NoiseFloor is the mean noise level of the last calibration.
	NoiseFloor float64

	// CalibratedAt is zero until the first calibration.
	CalibratedAt time.Time

	// SampleCount is the number of noise samples currently buffered.
	SampleCount int

	IsCalibrated bool
}

// Estimator is an adaptive threshold model. It is safe for concurrent use.
type Estimator struct {
	mu  sync.Mutex
	cfg Config

	// ring buffer of noise samples
	buf   []NoiseSample
	head  int
	count int

	stats Stats
	since time.Time // creation or last reset
}

// New returns an Estimator with the default threshold. now anchors the
// first-calibration interval.
func New(cfg Config, now time.Time) *Estimator {
	cfg = cfg.withDefaults()
	e := &Estimator{
		cfg: cfg,
		buf: make([]NoiseSample, 2*cfg.SampleSize),
	}
	e.resetLocked(now)
	return e
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// DefaultThreshold is the value used before the first calibration.
func (c Config) DefaultThreshold() float64 {
	return (c.MinDB + c.MaxDB) / 2
}

// AddNoiseSample appends a reading, evicting the oldest one once the buffer
// is full. Gating is the caller's job.
func (e *Estimator) AddNoiseSample(db float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := (e.head + e.count) % len(e.buf)
	e.buf[idx] = NoiseSample{DB: db, At: at}
	if e.count < len(e.buf) {
		e.count++
	} else {
		e.head = (e.head + 1) % len(e.buf)
	}
	e.stats.SampleCount = e.count
}

// Samples returns a copy of the buffered samples, oldest first.
func (e *Estimator) Samples() []NoiseSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NoiseSample, e.count)
	for i := range e.count {
		out[i] = e.buf[(e.head+i)%len(e.buf)]
	}
	return out
}

// Calibrate recomputes the threshold from the buffered samples and clears
// the buffer. It reports false and changes nothing when fewer than
// [MinCalibrationSamples] samples are buffered.
func (e *Estimator) Calibrate(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calibrateLocked(now)
}

func (e *Estimator) calibrateLocked(now time.Time) bool {
	n := e.count
	if n < MinCalibrationSamples {
		return false
	}
	var sum float64
	for i := range n {
		sum += e.buf[(e.head+i)%len(e.buf)].DB
	}
	mean := sum / float64(n)
	var variance float64
	for i := range n {
		d := e.buf[(e.head+i)%len(e.buf)].DB - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(n))

	e.stats = Stats{
		Mean:         mean,
		Std:          std,
		Threshold:    e.clamp(mean + e.cfg.StdMultiplier*std + e.cfg.OffsetDB),
		NoiseFloor:   mean,
		CalibratedAt: now,
		IsCalibrated: true,
	}
	e.head, e.count = 0, 0
	return true
}

// MaybeCalibrate calibrates when the schedule says so. Before the first
// calibration that is once SampleSize samples are buffered or Interval has
// passed since creation or reset; afterwards every Interval. It reports
// whether a calibration happened.
func (e *Estimator) MaybeCalibrate(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stats.IsCalibrated {
		if e.count >= e.cfg.SampleSize || now.Sub(e.since) >= e.cfg.Interval {
			return e.calibrateLocked(now)
		}
		return false
	}
	if now.Sub(e.stats.CalibratedAt) >= e.cfg.Interval {
		return e.calibrateLocked(now)
	}
	return false
}

// Threshold returns the current threshold in dB.
func (e *Estimator) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Threshold
}

// SetThreshold pins the threshold to db, clamped to the configured range,
// until the next calibration replaces it.
func (e *Estimator) SetThreshold(db float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Threshold = e.clamp(db)
}

// Stats returns a snapshot of the model.
func (e *Estimator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Reset clears the buffer and reverts to the uncalibrated default.
func (e *Estimator) Reset(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked(now)
}

func (e *Estimator) resetLocked(now time.Time) {
	e.head, e.count = 0, 0
	e.since = now
	e.stats = Stats{Threshold: e.cfg.DefaultThreshold()}
}

func (e *Estimator) clamp(db float64) float64 {
	return min(max(db, e.cfg.MinDB), e.cfg.MaxDB)
}
