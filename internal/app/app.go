// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run holds one conversation, and Shutdown tears everything down
// in order. A configuration change that needs a restart makes Run return
// [ErrRestart]; the caller then builds a fresh App from the new config.
//
// For testing, inject mock implementations via functional options
// (WithGame, WithStore, …). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/MrWong99/parley/internal/behavior"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/internal/game/console"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/parser"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/memory/postgres"
	"github.com/MrWong99/parley/pkg/memory/sqlite"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrRestart is returned by [App.Run] when a restart was requested.
var ErrRestart = errors.New("app: restart requested")

// maxConsecutiveFailures ends a conversation whose turns keep failing.
const maxConsecutiveFailures = 3

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	TTS tts.Provider

	// Summariser condenses history on reload. Nil means LLM is used.
	Summariser llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	// input feeds the console game when no game is injected.
	input *console.Lines

	// Subsystems, initialised in New and torn down in Shutdown.
	game      game.Interface
	store     memory.Store
	guard     *session.MemoryGuard
	behaviors *behavior.Registry
	processor *parser.Processor
	manager   *conversation.Manager

	// pingers back the readiness probe.
	pingers []pinger

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGame injects the game instead of creating a console game.
func WithGame(g game.Interface) Option {
	return func(a *App) { a.game = g }
}

// WithInput sets where the console game reads player lines. Pass the same
// Lines to every App built by one process. Default: a new reader on os.Stdin.
func WithInput(l *console.Lines) Option {
	return func(a *App) { a.input = l }
}

// WithStore injects a transcript store instead of opening one from config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go, already wrapped in their fallback groups.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: llm and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Game ──────────────────────────────────────────────────────────
	a.initGame()

	// ── 2. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 3. Behaviors ─────────────────────────────────────────────────────
	if err := a.initBehaviors(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init behaviors: %w", err)
	}

	// ── 4. Parser, dispatcher, conversation manager ──────────────────────
	if err := a.initConversation(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initGame() {
	if a.game != nil {
		return
	}
	opts := []console.Option{
		console.WithGameName(a.cfg.Game.Name),
		console.WithLocation(a.cfg.Game.Location),
		console.WithRadiant(a.cfg.Game.Radiant),
		console.WithLogger(a.log),
	}
	if a.cfg.Game.AudioDir != "" {
		opts = append(opts, console.WithAudioDir(a.cfg.Game.AudioDir,
			a.cfg.Game.TTSFormat.Format(), a.cfg.Game.AudioFormat.Format()))
	}
	if a.input == nil {
		a.input = console.NewLines(os.Stdin)
	}
	a.game = console.New(a.input, os.Stdout, a.cfg.CharacterList(), opts...)
}

// initMemory opens the configured transcript store, or uses the injected one,
// and wraps it so store failures never end a conversation.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Memory.Backend {
		case config.MemorySQLite:
			s, err := sqlite.Open(ctx, a.cfg.Memory.SQLitePath)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, s.Close)
			a.log.Info("memory store opened", "backend", "sqlite", "path", a.cfg.Memory.SQLitePath)
		case config.MemoryPostgres:
			s, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, func() error { s.Close(); return nil })
			a.log.Info("memory store opened", "backend", "postgres")
		default:
			a.log.Info("memory store disabled; characters will not remember earlier conversations")
			return nil
		}
	}
	if p, ok := a.store.(pinger); ok {
		a.pingers = append(a.pingers, p)
	}
	a.guard = session.NewMemoryGuard(a.store, a.log)
	return nil
}

func (a *App) initBehaviors() error {
	a.behaviors = behavior.NewRegistry(
		behavior.WithLogger(a.log),
		behavior.WithTriggerHook(a.metrics.RecordBehavior),
	)
	return behavior.RegisterBuiltins(a.behaviors)
}

func (a *App) initConversation() error {
	settings, err := a.cfg.Parser.Settings(a.cfg.Narrator.Enabled)
	if err != nil {
		return err
	}
	a.processor, err = parser.NewProcessor(a.providers.LLM, a.game, a.behaviors, settings,
		parser.WithLogger(a.log),
		parser.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(a.game, a.providers.TTS, dispatch.NewQueue(),
		dispatch.WithHooks(a.behaviors),
		dispatch.WithNarrator(dispatch.Narrator{
			Voice:  a.cfg.Narrator.Voice.Profile(a.cfg.Providers.TTS.Name),
			Delay:  a.cfg.Narrator.Delay,
			Volume: a.cfg.Narrator.Volume,
		}),
		dispatch.WithMinVoicelineChars(a.cfg.Conversation.MinVoicelineChars),
		dispatch.WithLogger(a.log),
		dispatch.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	summariserLLM := a.providers.Summariser
	if summariserLLM == nil {
		summariserLLM = a.providers.LLM
	}
	opts := []conversation.Option{
		conversation.WithBehaviors(a.behaviors),
		conversation.WithReloadPolicy(a.cfg.ReloadPolicy(session.NewLLMSummariser(summariserLLM)).
			FitTo(a.providers.LLM.Capabilities())),
		conversation.WithRecall(a.cfg.History.Recall),
		conversation.WithLogger(a.log),
		conversation.WithMetrics(a.metrics),
	}
	if a.guard != nil {
		opts = append(opts, conversation.WithStore(a.guard))
	}
	a.manager, err = conversation.New(a.game, a.processor, dispatcher, a.cfg.StyleSet(), opts...)
	return err
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the conversation manager.
func (a *App) Manager() *conversation.Manager { return a.manager }

// RequestRestart asks the running conversation to end at the next turn
// boundary, after which Run returns [ErrRestart].
func (a *App) RequestRestart() { a.manager.RequestRestart() }

// Ready reports whether the app can hold a conversation: the transcript store
// answers and every provider group has at least one closed circuit.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	for _, p := range a.pingers {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("memory: %w", err))
		}
	}
	if a.guard != nil && a.guard.IsDegraded() {
		errs = append(errs, errors.New("memory: last operation failed"))
	}
	if fb, ok := a.providers.LLM.(*resilience.LLMFallback); ok {
		errs = append(errs, groupReady("llm", fb.Group()))
	}
	if fb, ok := a.providers.TTS.(*resilience.TTSFallback); ok {
		errs = append(errs, groupReady("tts", fb.Group()))
	}
	return errors.Join(errs...)
}

func groupReady[T any](kind string, fg *resilience.FallbackGroup[T]) error {
	for _, name := range fg.Names() {
		if fg.Breaker(name).State() != resilience.StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%s: every provider circuit is open", kind)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run holds one conversation and blocks until it ends. It returns nil when
// the game or the player ended it, [ErrRestart] when a restart was requested,
// and the context error when ctx is done.
//
// A failing turn is logged and the conversation goes on; after
// maxConsecutiveFailures failed turns in a row it is ended with the last
// error.
func (a *App) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx, a.setup()); err != nil {
		return fmt.Errorf("app: start conversation: %w", err)
	}

	failures := 0
	for {
		res, err := a.manager.Step(ctx)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			a.endQuietly(context.WithoutCancel(ctx))
			return ctx.Err()
		case errors.Is(err, io.EOF):
			a.log.Info("player left the conversation")
			a.endQuietly(ctx)
			return nil
		default:
			failures++
			a.log.Error("conversation turn failed", "err", err, "failures", failures)
			if failures >= maxConsecutiveFailures {
				a.endQuietly(ctx)
				return fmt.Errorf("app: conversation: %w", err)
			}
			continue
		}

		if res.Restarted {
			return ErrRestart
		}
		if res.Ended {
			return nil
		}
	}
}

func (a *App) setup() conversation.Setup {
	c := a.cfg.Conversation
	return conversation.Setup{
		PlayerName:    c.PlayerName,
		PlayerAliases: c.PlayerAliases,
		PromptStyle:   c.PromptStyle,
		BehaviorStyle: c.BehaviorStyle,
		Instructions:  c.Instructions,
	}
}

func (a *App) endQuietly(ctx context.Context) {
	if err := a.manager.End(ctx); err != nil && !errors.Is(err, conversation.ErrNotInConversation) {
		a.log.Warn("ending conversation", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any open conversation and closes the subsystems in reverse
// init order. If ctx expires first, the remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.manager.State() == conversation.StateInConversation {
			a.endQuietly(ctx)
		}
		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
