package wsstream

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Codec names the payload format of binary capture messages.
type Codec string

const (
	// CodecPCM16 carries little-endian signed 16-bit mono PCM at the
	// capture sample rate.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus carries one Opus packet per message, 48 kHz mono, 20 ms.
	CodecOpus Codec = "opus"
)

// Opus parameters expected from browser clients.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	opusFrameSize  = 960 // 20 ms at 48 kHz
)

// decoder turns one binary message into mono samples at the capture rate.
type decoder interface {
	decode(msg []byte) ([]int16, error)
}

func newDecoder(c Codec, sampleRate int) (decoder, error) {
	switch c {
	case CodecPCM16, "":
		return pcmDecoder{}, nil
	case CodecOpus:
		dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
		if err != nil {
			return nil, fmt.Errorf("wsstream: create opus decoder: %w", err)
		}
		return &opusDecoder{dec: dec, rate: sampleRate}, nil
	default:
		return nil, fmt.Errorf("wsstream: unknown codec %q", c)
	}
}

type pcmDecoder struct{}

func (pcmDecoder) decode(msg []byte) ([]int16, error) {
	return audio.PCM16ToSamples(msg), nil
}

// opusDecoder keeps decoder state across the packets of one client.
type opusDecoder struct {
	dec  *gopus.Decoder
	rate int
}

func (d *opusDecoder) decode(msg []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(msg, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("wsstream: opus decode: %w", err)
	}
	return downsample(pcm, opusSampleRate, d.rate), nil
}

// downsample reduces pcm from rate from to rate to by averaging each output
// sample's input span. Rates at or above from are returned unchanged.
func downsample(pcm []int16, from, to int) []int16 {
	if to <= 0 || to >= from {
		return pcm
	}
	n := len(pcm) * to / from
	out := make([]int16, n)
	for i := range n {
		lo := i * from / to
		hi := min((i+1)*from/to, len(pcm))
		var sum int
		for _, s := range pcm[lo:hi] {
			sum += int(s)
		}
		out[i] = int16(sum / max(hi-lo, 1))
	}
	return out
}
