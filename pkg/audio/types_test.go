package audio_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

func TestFrameFromSamples(t *testing.T) {
	t.Parallel()

	f := audio.FrameFromSamples([]int16{0, 32767, -32768, 256, -256}, time.Time{})
	wantMag := []uint8{0, 255, 255, 2, 2}
	wantWave := []uint8{128, 255, 0, 129, 127}
	for i := range wantMag {
		if f.Magnitudes[i] != wantMag[i] {
			t.Errorf("Magnitudes[%d] = %d, want %d", i, f.Magnitudes[i], wantMag[i])
		}
		if f.Waveform[i] != wantWave[i] {
			t.Errorf("Waveform[%d] = %d, want %d", i, f.Waveform[i], wantWave[i])
		}
	}
}

func TestFrameFromPCM16(t *testing.T) {
	t.Parallel()

	// 0x0100 = 256, 0xff00 = -256, trailing byte ignored.
	f := audio.FrameFromPCM16([]byte{0x00, 0x01, 0x00, 0xff, 0x7f}, time.Time{})
	if f.Len() != 2 {
		t.Fatalf("Len = %d, want 2", f.Len())
	}
	if f.Waveform[0] != 129 || f.Waveform[1] != 127 {
		t.Errorf("Waveform = %v, want [129 127]", f.Waveform)
	}
	if (audio.Frame{}).Empty() != true {
		t.Error("zero Frame not Empty")
	}
}

func TestChunker(t *testing.T) {
	t.Parallel()

	c := audio.NewChunker(4)
	var got []int
	emit := func(f audio.Frame) { got = append(got, f.Len()) }

	c.Push(make([]int16, 3), time.Time{}, emit)
	if len(got) != 0 {
		t.Fatalf("emitted %v before a full frame", got)
	}
	c.Push(make([]int16, 6), time.Time{}, emit)
	if len(got) != 2 {
		t.Fatalf("emitted %d frames, want 2", len(got))
	}
	c.Reset()
	c.Push(make([]int16, 3), time.Time{}, emit)
	if len(got) != 2 {
		t.Errorf("Reset did not drop buffered samples")
	}

	passthrough := audio.NewChunker(0)
	passthrough.Push(make([]int16, 7), time.Time{}, emit)
	if got[len(got)-1] != 7 {
		t.Errorf("pass-through frame len = %d, want 7", got[len(got)-1])
	}
}

func TestCaptureError(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		err       *audio.CaptureError
		wantIs    error
		wantNotIs error
	}{
		{&audio.CaptureError{Kind: audio.KindPermissionDenied, Err: base}, audio.ErrPermissionDenied, audio.ErrDeviceUnavailable},
		{&audio.CaptureError{Kind: audio.KindDeviceUnavailable, Device: "hw:2"}, audio.ErrDeviceUnavailable, audio.ErrPermissionDenied},
	}
	for _, tc := range tests {
		t.Run(tc.err.Kind.String(), func(t *testing.T) {
			t.Parallel()
			wrapped := fmt.Errorf("start: %w", tc.err)
			if !errors.Is(wrapped, tc.wantIs) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tc.wantIs)
			}
			if errors.Is(wrapped, tc.wantNotIs) {
				t.Errorf("errors.Is(%v, %v) = true", wrapped, tc.wantNotIs)
			}
		})
	}
	if err := (&audio.CaptureError{Kind: audio.KindPermissionDenied, Err: base}); !errors.Is(err, base) {
		t.Error("CaptureError does not unwrap to the backend error")
	}
}
