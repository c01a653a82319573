package coqui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

func TestSynthesizeStream_XTTS(t *testing.T) {
	t.Parallel()

	var got xttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tts_to_audio/" {
			http.Error(w, "wrong route", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("RIFFfakewav"))
	}))
	t.Cleanup(srv.Close)

	p, err := New(srv.URL, WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	audio, err := tts.Synthesize(ctx, p, "Halt! Wer da?", types.VoiceProfile{ID: "malenord"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	data, err := tts.Collect(ctx, audio)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if string(data) != "RIFFfakewav" {
		t.Errorf("audio = %q", data)
	}
	if got.Text != "Halt! Wer da?" || got.SpeakerWav != "malenord" || got.Language != "de" {
		t.Errorf("request = %+v", got)
	}
}

func TestSynthesizeStream_StandardQuery(t *testing.T) {
	t.Parallel()

	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte("wav"))
	}))
	t.Cleanup(srv.Close)

	p, err := New(srv.URL, WithAPIMode(APIModeStandard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	audio, err := tts.Synthesize(ctx, p, "Hello", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if _, err := tts.Collect(ctx, audio); err != nil {
		t.Fatal(err)
	}
	if query != "language_id=en&text=Hello" {
		t.Errorf("query = %q", query)
	}
}

func TestSynthesizeStream_XTTSRequiresVoice(t *testing.T) {
	t.Parallel()

	p, _ := New("http://localhost:1")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for missing voice id")
	}
}

func TestSynthesizeStream_ServerErrorClosesChannel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p, _ := New(srv.URL)
	ctx := context.Background()
	audio, err := tts.Synthesize(ctx, p, "Hi", types.VoiceProfile{ID: "v"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := tts.Collect(ctx, audio)
	if len(data) != 0 {
		t.Errorf("expected no audio, got %d bytes", len(data))
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode APIMode
		path string
		body string
		want []string
	}{
		{name: "xtts", mode: APIModeXTTS, path: "/speakers_list", body: `["mfnord","femaleeven"]`, want: []string{"femaleeven", "mfnord"}},
		{name: "standard", mode: APIModeStandard, path: "/details", body: `{"model_name":"vits","speakers":["p225"]}`, want: []string{"p225"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			p, _ := New(srv.URL, WithAPIMode(tt.mode))
			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tt.want) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tt.want))
			}
			for i, v := range voices {
				if v.ID != tt.want[i] || v.Provider != "coqui" {
					t.Errorf("voice[%d] = %+v", i, v)
				}
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := New("http://x", WithAPIMode("bark")); err == nil {
		t.Error("expected error for unknown mode")
	}
}
