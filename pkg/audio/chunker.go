package audio

import "time"

// Chunker splits a continuous stream of signed 16-bit samples into frames of
// a fixed size. Backends deliver audio in whatever block size the OS or the
// network chooses; the activity engine expects uniform windows.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	size int
	buf  []int16
}

// NewChunker returns a Chunker emitting frames of size samples. size <= 0
// disables chunking: every Push emits one frame as-is.
func NewChunker(size int) *Chunker {
	return &Chunker{size: size, buf: make([]int16, 0, max(size, 0))}
}

// Push appends samples and calls emit for every complete frame. at is the
// capture time of the last sample in samples.
func (c *Chunker) Push(samples []int16, at time.Time, emit func(Frame)) {
	if c.size <= 0 {
		if len(samples) > 0 {
			emit(FrameFromSamples(samples, at))
		}
		return
	}
	for len(samples) > 0 {
		n := min(c.size-len(c.buf), len(samples))
		c.buf = append(c.buf, samples[:n]...)
		samples = samples[n:]
		if len(c.buf) == c.size {
			emit(FrameFromSamples(c.buf, at))
			c.buf = c.buf[:0]
		}
	}
}

// Reset drops buffered samples.
func (c *Chunker) Reset() { c.buf = c.buf[:0] }

// PCM16ToSamples decodes little-endian signed 16-bit PCM. A trailing odd
// byte is ignored.
func PCM16ToSamples(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
