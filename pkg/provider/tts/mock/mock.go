// Package mock provides a test double for the tts.Provider interface.
//
// The mock drains the text channel before emitting audio, so Texts reflects
// exactly what reached the synthesizer.
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("pcm")}}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	// Text is the concatenation of every fragment read from the text channel.
	Text  string
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is emitted on every audio channel. When nil, the synthesized text
	// itself is echoed back as the audio payload.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned instead of starting a channel.
	SynthesizeErr error

	// ListVoicesResult and ListVoicesErr are returned by ListVoices.
	ListVoicesResult []types.VoiceProfile
	ListVoicesErr    error

	// Calls records every SynthesizeStream invocation in order.
	Calls []SynthesizeCall
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]byte(nil), p.Chunks...)
	p.mu.Unlock()

	var sb strings.Builder
	for frag := range text {
		sb.WriteString(frag)
	}

	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: sb.String(), Voice: voice})
	p.mu.Unlock()

	if chunks == nil {
		chunks = [][]byte{[]byte(sb.String())}
	}
	out := make(chan []byte, len(chunks))
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Texts returns the text of every synthesis call in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

var _ tts.Provider = (*Provider)(nil)
