package listen

// Steps returns the number of completed sampling ticks.
func (l *Listener) Steps() uint64 { return l.run.steps.Load() }

// Steps returns the number of completed sampling ticks.
func (w *WakeListener) Steps() uint64 { return w.run.steps.Load() }
