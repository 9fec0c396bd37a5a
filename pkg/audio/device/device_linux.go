//go:build linux

package device

import (
	"fmt"

	"github.com/jfreymuth/pulse"

	"github.com/MrWong99/earshot/pkg/audio"
)

const backendName = "pulse"

// openBackend starts a PulseAudio record stream delivering mono samples to
// sink. The returned func stops the stream and disconnects.
func openBackend(cfg audio.CaptureConfig, sink func([]int16)) (stop func() error, err error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("earshot"))
	if err != nil {
		return nil, fmt.Errorf("pulse connect: %w", err)
	}

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(cfg.SampleRate),
		pulse.RecordLatency(0.05),
	}
	if cfg.Device != "" {
		src, err := client.SourceByID(cfg.Device)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("pulse source %q: %w", cfg.Device, err)
		}
		opts = append(opts, pulse.RecordSource(src))
	}

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) > 0 {
			sink(append([]int16(nil), buf...))
		}
		return len(buf), nil
	})
	rec, err := client.NewRecord(writer, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pulse record: %w", err)
	}
	rec.Start()

	return func() error {
		rec.Stop()
		rec.Close()
		client.Close()
		return rec.Error()
	}, nil
}
