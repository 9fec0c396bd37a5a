package wsstream

import (
	"slices"
	"testing"
)

func TestDownsample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pcm      []int16
		from, to int
		want     []int16
	}{
		{"by three", []int16{3, 6, 9, -3, -6, -9}, 48000, 16000, []int16{6, -6}},
		{"by two", []int16{10, 20, 30, 40}, 48000, 24000, []int16{15, 35}},
		{"same rate", []int16{1, 2}, 16000, 16000, []int16{1, 2}},
		{"upsample passes through", []int16{1, 2}, 16000, 48000, []int16{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := downsample(tt.pcm, tt.from, tt.to); !slices.Equal(got, tt.want) {
				t.Errorf("downsample(%v, %d, %d) = %v, want %v", tt.pcm, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestNewDecoder(t *testing.T) {
	t.Parallel()

	if _, err := newDecoder("flac", 16000); err == nil {
		t.Error("newDecoder(flac) = nil error, want error")
	}
	d, err := newDecoder(CodecPCM16, 16000)
	if err != nil {
		t.Fatalf("newDecoder(pcm16): %v", err)
	}
	got, _ := d.decode([]byte{0x01, 0x00, 0xff, 0xff})
	if !slices.Equal(got, []int16{1, -1}) {
		t.Errorf("decode = %v, want [1 -1]", got)
	}
}
