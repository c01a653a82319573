// Package audio holds the small amount of PCM handling Parley needs between
// a TTS backend and a game: format conversion of 16-bit little-endian PCM and
// WAV framing for games that play files rather than raw buffers.
package audio

import "fmt"

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the format most local TTS servers emit.
var Mono16k = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether f describes a stream this package can convert.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// FrameSize is the number of bytes per frame of 16-bit samples.
func (f Format) FrameSize() int { return 2 * f.Channels }

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use it on an audio handle that will never be delivered so the synthesizer
// goroutine behind it can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
