package audio_test

import (
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	got := audio.PCM16ToSamples(audio.StereoToMono(pcm16(100, 300, -200, -400, 7)))
	want := []int16{200, -300}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      []int16
		src     int
		dst     int
		wantLen int
	}{
		{"same rate", []int16{1, 2, 3, 4}, 16000, 16000, 4},
		{"downsample", make([]int16, 480), 48000, 16000, 160},
		{"upsample", make([]int16, 160), 16000, 48000, 480},
		{"bad rate", []int16{1, 2}, 0, 16000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.ResampleMono16(pcm16(tt.in...), tt.src, tt.dst)
			if len(got)/2 != tt.wantLen {
				t.Errorf("samples = %d, want %d", len(got)/2, tt.wantLen)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	t.Parallel()

	got := audio.PCM16ToSamples(audio.ResampleMono16(pcm16(0, 100, 200, 300), 8000, 16000))
	want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNormalizePCM16(t *testing.T) {
	t.Parallel()

	stereo := make([]int16, 960) // 480 frames at 48 kHz
	got := audio.NormalizePCM16(pcm16(stereo...), 2, 48000, 16000)
	if len(got)/2 != 160 {
		t.Errorf("samples = %d, want 160", len(got)/2)
	}
	if audio.NormalizePCM16(pcm16(1, 2, 3), 6, 16000, 16000) != nil {
		t.Error("unsupported channel count should return nil")
	}
}
