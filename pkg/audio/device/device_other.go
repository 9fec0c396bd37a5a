//go:build !linux

package device

import (
	"errors"
	"fmt"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/earshot/pkg/audio"
)

const backendName = "malgo"

// openBackend starts a miniaudio capture device delivering mono samples to
// sink. The returned func stops the device and frees the context.
func openBackend(cfg audio.CaptureConfig, sink func([]int16)) (stop func() error, err error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo context: %w", err)
	}
	free := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)

	if cfg.Device != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			free()
			return nil, fmt.Errorf("malgo devices: %w", err)
		}
		found := false
		for _, info := range infos {
			if info.Name() == cfg.Device {
				devCfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			free()
			return nil, fmt.Errorf("malgo device %q: %w", cfg.Device, errors.New("not found"))
		}
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) > 0 {
				sink(audio.PCM16ToSamples(input))
			}
		},
	}
	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		free()
		return nil, fmt.Errorf("malgo device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		free()
		return nil, fmt.Errorf("malgo start: %w", err)
	}

	return func() error {
		err := dev.Stop()
		dev.Uninit()
		free()
		return err
	}, nil
}
