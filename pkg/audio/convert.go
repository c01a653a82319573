package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOddLength is returned for PCM that does not hold whole 16-bit samples.
var ErrOddLength = errors.New("audio: pcm length is not a multiple of the frame size")

// Convert resamples and remixes 16-bit PCM from one format to another.
// Resampling happens first so a mono source is never resampled as stereo.
// If from equals to, pcm is returned unchanged.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("audio: convert %s to %s: unsupported format", from, to)
	}
	if len(pcm)%from.FrameSize() != 0 {
		return nil, ErrOddLength
	}
	if from == to {
		return pcm, nil
	}
	out := Resample(pcm, from.Channels, from.SampleRate, to.SampleRate)
	switch {
	case from.Channels == 1 && to.Channels == 2:
		out = MonoToStereo(out)
	case from.Channels == 2 && to.Channels == 1:
		out = StereoToMono(out)
	}
	return out, nil
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L and R of each frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sample(pcm, i*2))
		r := int32(sample(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// Resample converts interleaved 16-bit PCM with the given channel count from
// srcRate to dstRate using linear interpolation. Invalid rates and equal
// rates return pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}
