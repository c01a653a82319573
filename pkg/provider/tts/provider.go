// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, a local XTTS
// server, …) and presents a uniform streaming interface. SynthesizeStream takes
// a channel of text fragments and returns a channel of audio bytes. The
// returned channel doubles as the audio handle for a voice line: synthesis
// proceeds in the background while the caller queues the handle for delivery.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a channel
	// that emits audio byte slices as they are synthesised. The audio channel
	// is closed when all text has been synthesised or when ctx is cancelled;
	// callers must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis close the audio channel early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

// Synthesize is a convenience wrapper that submits a single text and returns
// the audio handle.
func Synthesize(ctx context.Context, p Provider, text string, voice types.VoiceProfile) (<-chan []byte, error) {
	ch := make(chan string, 1)
	ch <- text
	close(ch)
	return p.SynthesizeStream(ctx, ch, voice)
}

// Collect drains an audio handle into a single buffer. It returns ctx.Err() if
// the context is cancelled before the handle is closed.
func Collect(ctx context.Context, audio <-chan []byte) ([]byte, error) {
	var buf []byte
	for {
		select {
		case chunk, ok := <-audio:
			if !ok {
				return buf, nil
			}
			buf = append(buf, chunk...)
		case <-ctx.Done():
			return buf, ctx.Err()
		}
	}
}
