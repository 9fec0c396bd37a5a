package audio

// StereoToMono averages L+R per stereo frame (4 bytes) of little-endian
// int16 PCM. A trailing partial frame is dropped.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples little-endian int16 mono PCM from srcRate to
// dstRate using linear interpolation. Equal or non-positive rates return pcm
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := PCM16ToSamples(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]byte, n*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// NormalizePCM16 converts little-endian int16 PCM with the given channel
// count and rate into mono at dstRate. Only mono and stereo input is
// understood; other channel counts return nil.
func NormalizePCM16(pcm []byte, channels, srcRate, dstRate int) []byte {
	switch channels {
	case 1:
	case 2:
		pcm = StereoToMono(pcm)
	default:
		return nil
	}
	return ResampleMono16(pcm[:len(pcm)&^1], srcRate, dstRate)
}
