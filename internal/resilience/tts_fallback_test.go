package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

func newTTSFallback(primary, secondary *ttsmock.Provider) *TTSFallback {
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("coqui", secondary)
	return fb
}

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{Chunks: [][]byte{[]byte("a1"), []byte("a2")}}
	secondary := &ttsmock.Provider{}
	fb := newTTSFallback(primary, secondary)

	text := make(chan string, 2)
	text <- "Hello "
	text <- "there."
	close(text)

	audio, err := fb.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "v1", Provider: "elevenlabs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := tts.Collect(context.Background(), audio)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if string(got) != "a1a2" {
		t.Errorf("audio = %q", got)
	}
	if len(primary.Calls) != 1 || primary.Calls[0].Text != "Hello there." || primary.Calls[0].Voice.ID != "v1" {
		t.Errorf("primary calls = %+v", primary.Calls)
	}
	if len(secondary.Calls) != 0 {
		t.Errorf("secondary called %d times, want 0", len(secondary.Calls))
	}
}

func TestTTSFallback_FailoverReplaysText(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errors.New("quota exceeded")}
	secondary := &ttsmock.Provider{}
	fb := newTTSFallback(primary, secondary)

	audio, err := tts.Synthesize(context.Background(), fb, "I am sworn to carry your burdens.",
		types.VoiceProfile{ID: "femalenord", Name: "Lydia", Provider: "elevenlabs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := tts.Collect(context.Background(), audio)
	if string(got) != "I am sworn to carry your burdens." {
		t.Errorf("audio = %q, want the echoed line", got)
	}
	if len(secondary.Calls) != 1 {
		t.Fatalf("secondary calls = %d, want 1", len(secondary.Calls))
	}
	if v := secondary.Calls[0].Voice; v.ID != "" || v.Name != "Lydia" {
		t.Errorf("fallback voice = %+v, want the primary's ID dropped", v)
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	t.Parallel()

	fb := newTTSFallback(
		&ttsmock.Provider{SynthesizeErr: errors.New("down")},
		&ttsmock.Provider{SynthesizeErr: errors.New("also down")},
	)
	if _, err := tts.Synthesize(context.Background(), fb, "Hi.", types.VoiceProfile{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_CanceledWhileReading(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &ttsmock.Provider{}
	fb := newTTSFallback(primary, &ttsmock.Provider{})

	if _, err := fb.SynthesizeStream(ctx, make(chan string), types.VoiceProfile{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(primary.Calls) != 0 {
		t.Error("primary called after cancellation")
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{ListVoicesErr: errors.New("down")}
	secondary := &ttsmock.Provider{ListVoicesResult: []types.VoiceProfile{{ID: "femalenord"}}}
	fb := newTTSFallback(primary, secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil || len(voices) != 1 {
		t.Fatalf("ListVoices = %v, %v", voices, err)
	}
}
