package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs. Tuning fields can
// be applied to running listeners; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DictationThresholdChanged bool
	NewDictationThreshold     float64

	EndSilenceChanged bool
	NewEndSilence     time.Duration

	InterruptThresholdChanged bool
	NewInterruptThresholdDB   float64

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DictationThresholdChanged && !d.EndSilenceChanged &&
		!d.InterruptThresholdChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Dictation.Threshold != new.Dictation.Threshold {
		d.DictationThresholdChanged = true
		d.NewDictationThreshold = new.Dictation.Threshold
	}
	if old.Dictation.EndSilence != new.Dictation.EndSilence {
		d.EndSilenceChanged = true
		d.NewEndSilence = new.Dictation.EndSilence
	}
	if old.Interrupt.FixedThresholdDB != new.Interrupt.FixedThresholdDB {
		d.InterruptThresholdChanged = true
		d.NewInterruptThresholdDB = new.Interrupt.FixedThresholdDB
	}

	// Compare the remaining fields with the hot-reloadable ones masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Dictation.Threshold, n.Dictation.Threshold = 0, 0
	o.Dictation.EndSilence, n.Dictation.EndSilence = 0, 0
	o.Interrupt.FixedThresholdDB, n.Interrupt.FixedThresholdDB = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", o.Server, n.Server},
		{"capture", o.Capture, n.Capture},
		{"dictation", o.Dictation, n.Dictation},
		{"interrupt", o.Interrupt, n.Interrupt},
		{"calibration", o.Calibration, n.Calibration},
		{"conversation", o.Conversation, n.Conversation},
		{"wake", o.Wake, n.Wake},
		{"reconnect", o.Reconnect, n.Reconnect},
		{"telemetry", o.Telemetry, n.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
