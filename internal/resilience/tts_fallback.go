package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// TTSFallback is a [tts.Provider] that fails over across several backends.
//
// Voice IDs are provider specific. A voice that names its provider keeps its
// ID only on the primary; fallbacks get it without an ID and pick their
// default voice.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Group exposes the underlying group for health reporting.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }

// SynthesizeStream implements tts.Provider. The text is read in full before
// the first backend is tried, so every candidate synthesises the whole line.
// Voice lines are short and complete when dispatched, so nothing is lost by
// not streaming text into the backend.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	var fragments []string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frag, ok := <-text:
			if !ok {
				return f.synthesize(ctx, fragments, voice)
			}
			fragments = append(fragments, frag)
		}
	}
}

func (f *TTSFallback) synthesize(ctx context.Context, fragments []string, voice types.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (<-chan []byte, error) {
		v := voice
		if voice.Provider != "" && p != f.group.Primary() {
			v.ID = ""
		}
		ch := make(chan string, len(fragments))
		for _, frag := range fragments {
			ch <- frag
		}
		close(ch)
		return p.SynthesizeStream(ctx, ch, v)
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
