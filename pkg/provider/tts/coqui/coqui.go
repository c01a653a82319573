// Package coqui provides a TTS provider for a locally running Coqui server.
//
// Two API modes are supported:
//
//   - APIModeXTTS (default) targets the XTTS v2 API server used by most
//     modded-game voice setups: POST /tts_to_audio/ with a JSON body whose
//     speaker_wav names the character's voice sample, and GET /speakers_list
//     for the catalogue.
//   - APIModeStandard targets the stock Coqui TTS server: GET /api/tts with
//     query parameters, and GET /details for the catalogue.
//
// Both servers synthesise one utterance per HTTP call. The dispatcher already
// hands over complete voice lines, so SynthesizeStream joins every fragment it
// receives and issues a single request. The audio is emitted as the WAV body
// the server returns, in fixed-size chunks.
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	chunkSize       = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	APIModeXTTS     APIMode = "xtts"
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode selects the server API.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// WithHTTPClient replaces the HTTP client. Mostly useful in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider backed by a Coqui server.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL (e.g. "http://localhost:8020").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeXTTS,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeXTTS && p.apiMode != APIModeStandard {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.apiMode)
	}
	return p, nil
}

type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty in xtts mode")
	}

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)

		utterance, ok := gather(ctx, text)
		if !ok || utterance == "" {
			return
		}
		wav, err := p.synthesize(ctx, utterance, voice)
		if err != nil {
			return
		}
		for len(wav) > 0 {
			n := min(chunkSize, len(wav))
			select {
			case audioCh <- wav[:n]:
			case <-ctx.Done():
				return
			}
			wav = wav[n:]
		}
	}()
	return audioCh, nil
}

// gather joins fragments until text is closed. ok is false if ctx ends first.
func gather(ctx context.Context, text <-chan string) (string, bool) {
	var sb strings.Builder
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				return strings.TrimSpace(sb.String()), true
			}
			sb.WriteString(frag)
		case <-ctx.Done():
			return "", false
		}
	}
}

func (p *Provider) synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	var req *http.Request
	var err error
	switch p.apiMode {
	case APIModeXTTS:
		body, _ := json.Marshal(xttsRequest{Text: text, SpeakerWav: voice.ID, Language: p.language})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/tts_to_audio/", bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		q := url.Values{"text": {text}, "language_id": {p.language}}
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/api/tts?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coqui: synthesize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	return data, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	path := "/speakers_list"
	if p.apiMode == APIModeStandard {
		path = "/details"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: list voices: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	names, err := parseSpeakers(p.apiMode, data)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices decode: %w", err)
	}
	out := make([]types.VoiceProfile, 0, len(names))
	for _, n := range names {
		out = append(out, types.VoiceProfile{ID: n, Name: n, Provider: "coqui"})
	}
	return out, nil
}

// parseSpeakers accepts the XTTS speakers list (a JSON array of names) or the
// standard /details document, and returns the speaker names sorted.
func parseSpeakers(mode APIMode, data []byte) ([]string, error) {
	var names []string
	if mode == APIModeStandard {
		var details struct {
			Speakers []string `json:"speakers"`
		}
		if err := json.Unmarshal(data, &details); err != nil {
			return nil, err
		}
		names = details.Speakers
	} else if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
