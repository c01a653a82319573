package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/game"
	gamemock "github.com/MrWong99/parley/internal/game/mock"
	"github.com/MrWong99/parley/internal/resilience"
	memorymock "github.com/MrWong99/parley/pkg/memory/mock"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

// testConfig returns a config with fast retries and no filler lines.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Providers.LLM.Name = "openai"
	cfg.Providers.TTS.Name = "coqui"
	cfg.Parser.RetryBackoff = time.Millisecond
	cfg.Parser.FillerLines = nil
	return cfg
}

func lydiaGame(inputs ...string) *gamemock.Game {
	return &gamemock.Game{
		Cast:   []game.Character{{Name: "Lydia"}},
		Inputs: inputs,
	}
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, err := app.New(ctx, nil, &app.Providers{}); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := app.New(ctx, testConfig(), &app.Providers{LLM: &llmmock.Provider{}}); err == nil {
		t.Error("expected error for missing tts provider")
	}
	cfg := testConfig()
	cfg.Parser.SentencesPerVoiceline = 0
	_, err := app.New(ctx, cfg, &app.Providers{LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}}, app.WithGame(lydiaGame()))
	if err == nil {
		t.Error("expected error for invalid parser settings")
	}
}

func TestRun_ConversationEndsWhenGameEndsIt(t *testing.T) {
	t.Parallel()

	g := lydiaGame("Hello, Lydia.")
	g.OnSay = func(gamemock.SayCall) { g.SetEnded(true) }
	store := &memorymock.Store{}
	providers := &app.Providers{
		LLM: &llmmock.Provider{Streams: [][]llm.Chunk{{{Text: "Lydia: Well met, my Thane."}}}},
		TTS: &ttsmock.Provider{},
	}
	a := newApp(t, testConfig(), providers, app.WithGame(g), app.WithStore(store))

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	spoken := g.Spoken()
	if len(spoken) != 1 || spoken[0].Speaker != "Lydia" || spoken[0].Text != "Well met, my Thane." {
		t.Errorf("spoken = %+v", spoken)
	}
	if string(spoken[0].Audio) != "Well met, my Thane." {
		t.Errorf("audio = %q, want the synthesized line", spoken[0].Audio)
	}
	if got := len(store.Entries()); got != 2 {
		t.Errorf("persisted entries = %d, want player line and reply", got)
	}
	if s := a.Manager().State(); s != conversation.StateIdle {
		t.Errorf("state = %v, want idle", s)
	}
}

func TestRun_RestartRequested(t *testing.T) {
	t.Parallel()

	g := lydiaGame("Hello.")
	providers := &app.Providers{
		LLM: &llmmock.Provider{Streams: [][]llm.Chunk{{{Text: "Lydia: Hello."}}}},
		TTS: &ttsmock.Provider{},
	}
	a := newApp(t, testConfig(), providers, app.WithGame(g))
	g.OnSay = func(gamemock.SayCall) { a.RequestRestart() }

	if err := a.Run(context.Background()); !errors.Is(err, app.ErrRestart) {
		t.Fatalf("Run err = %v, want ErrRestart", err)
	}
}

func TestRun_GivesUpAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	cfg := testConfig()
	cfg.Parser.NumberOfRetries = 0
	llmp := &llmmock.Provider{StreamErrs: []error{boom, boom, boom, boom}}
	providers := &app.Providers{LLM: llmp, TTS: &ttsmock.Provider{}}
	a := newApp(t, cfg, providers, app.WithGame(lydiaGame()))

	err := a.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want %v", err, boom)
	}
	if llmp.Calls() != 3 {
		t.Errorf("llm calls = %d, want one per failed turn", llmp.Calls())
	}
	if s := a.Manager().State(); s != conversation.StateIdle {
		t.Errorf("state = %v, want idle after giving up", s)
	}
}

func TestRun_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	g := lydiaGame("Hello.")
	g.OnSay = func(gamemock.SayCall) { cancel() }
	providers := &app.Providers{
		LLM: &llmmock.Provider{Streams: [][]llm.Chunk{{{Text: "Lydia: Hello."}}}},
		TTS: &ttsmock.Provider{},
	}
	a := newApp(t, testConfig(), providers, app.WithGame(g))

	if err := a.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	fb := resilience.NewLLMFallback(primary, "openai", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	a := newApp(t, testConfig(), &app.Providers{LLM: fb, TTS: &ttsmock.Provider{}}, app.WithGame(lydiaGame()))

	if err := a.Ready(context.Background()); err != nil {
		t.Fatalf("Ready before failures: %v", err)
	}
	_, _ = fb.Complete(context.Background(), llm.CompletionRequest{})
	err := a.Ready(context.Background())
	if err == nil || !strings.Contains(err.Error(), "llm") {
		t.Fatalf("Ready = %v, want llm circuit error", err)
	}
}

func TestNew_SQLiteStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Memory.Backend = config.MemorySQLite
	cfg.Memory.SQLitePath = filepath.Join(t.TempDir(), "parley.db")

	a, err := app.New(context.Background(), cfg,
		&app.Providers{LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}},
		app.WithGame(lydiaGame()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Ready(context.Background()); err != nil {
		t.Errorf("Ready: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
