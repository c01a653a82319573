package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/internal/parser"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/style"
	"github.com/MrWong99/parley/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "coqui"},
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	ps := parser.DefaultSettings()
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Parser: ParserConfig{
			SentencesPerVoiceline: ps.SentencesPerVoiceline,
			MaxResponseSentences:  ps.MaxResponseSentences,
			NumberOfRetries:       ps.NumberOfRetries,
			MaxTransientRetries:   ps.MaxTransientRetries,
			BadAuthorRetries:      ps.BadAuthorRetries,
			SystemLoopRetries:     ps.SystemLoopRetries,
			SameOutputLimit:       ps.SameOutputLimit,
			RetryBackoff:          ps.RetryBackoff,
			ReformatFullReply:     ps.ReformatFullReply,
			ContinueOnAPIError:    ps.ContinueOnAPIError,
			MustGenerateSentence:  ps.MustGenerateSentence,
			ErrorOnEmptyFullReply: ps.ErrorOnEmptyFullReply,
			FuzzySpeakerMatch:     ps.FuzzySpeakerMatch,
			AbortSubstrings:       ps.AbortSubstrings,
			FillerLines:           ps.FillerLines,
			Temperature:           ps.Temperature,
			TopP:                  ps.TopP,
			MaxTokens:             ps.MaxTokens,
		},
		Narrator: NarratorConfig{Enabled: ps.NarratorEnabled, Volume: 1},
		Conversation: ConversationConfig{
			PromptStyle:       "normal",
			BehaviorStyle:     "default",
			PlayerName:        "Player",
			MinVoicelineChars: 2,
		},
		Reload: ReloadConfig{
			MaxMessages:    80,
			TrailingBuffer: 20,
			Summarise:      true,
		},
		History: HistoryConfig{Recall: 20},
		Memory:  MemoryConfig{Backend: MemoryNone},
		Game: GameConfig{
			Name:        game.Skyrim,
			TTSFormat:   AudioFormatConfig{SampleRate: 16000, Channels: 1},
			AudioFormat: AudioFormatConfig{SampleRate: 44100, Channels: 1},
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. ${VAR} references are expanded from the environment before
// decoding, so secrets can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}
	validateProviderName("llm", cfg.Providers.Summariser.Name)

	// Parser
	if _, err := cfg.Parser.Settings(cfg.Narrator.Enabled); err != nil {
		errs = append(errs, err)
	}

	// Narrator
	if cfg.Narrator.Volume < 0 || cfg.Narrator.Volume > 1 {
		errs = append(errs, fmt.Errorf("narrator.volume %.2f is out of range [0, 1]", cfg.Narrator.Volume))
	}
	if cfg.Narrator.Delay < 0 {
		errs = append(errs, fmt.Errorf("narrator.delay must not be negative, got %s", cfg.Narrator.Delay))
	}
	errs = append(errs, validateVoice("narrator.voice", cfg.Narrator.Voice))

	// Conversation and styles
	styles := cfg.StyleSet()
	if _, err := styles.Prompt(cfg.Conversation.PromptStyle); err != nil {
		errs = append(errs, fmt.Errorf("conversation.prompt_style: %w", err))
	}
	if _, err := styles.Behavior(cfg.Conversation.BehaviorStyle); err != nil {
		errs = append(errs, fmt.Errorf("conversation.behavior_style: %w", err))
	}
	if cfg.Conversation.MinVoicelineChars < 0 {
		errs = append(errs, fmt.Errorf("conversation.min_voiceline_chars must not be negative, got %d", cfg.Conversation.MinVoicelineChars))
	}

	// Reload and history
	if cfg.Reload.MaxMessages < 0 || cfg.Reload.TokenLimit < 0 || cfg.Reload.TrailingBuffer < 0 {
		errs = append(errs, errors.New("reload limits must not be negative"))
	}
	if cfg.Reload.MaxMessages > 0 && cfg.Reload.TrailingBuffer >= cfg.Reload.MaxMessages {
		errs = append(errs, fmt.Errorf("reload.trailing_buffer %d must be below reload.max_messages %d", cfg.Reload.TrailingBuffer, cfg.Reload.MaxMessages))
	}
	if cfg.History.Recall < 0 {
		errs = append(errs, fmt.Errorf("history.recall must not be negative, got %d", cfg.History.Recall))
	}

	// Memory
	switch {
	case cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid():
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: none, sqlite, postgres", cfg.Memory.Backend))
	case cfg.Memory.Backend == MemorySQLite && cfg.Memory.SQLitePath == "":
		errs = append(errs, errors.New("memory.sqlite_path is required when memory.backend is sqlite"))
	case cfg.Memory.Backend == MemoryPostgres && cfg.Memory.PostgresDSN == "":
		errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
	}
	if cfg.History.Recall > 0 && (cfg.Memory.Backend == "" || cfg.Memory.Backend == MemoryNone) {
		slog.Debug("history.recall is set but memory.backend is none; characters will not remember earlier conversations")
	}

	// Game
	if cfg.Game.AudioDir != "" {
		if f := cfg.Game.TTSFormat.Format(); !f.Valid() {
			errs = append(errs, fmt.Errorf("game.tts_format %s is unsupported", f))
		}
		if f := cfg.Game.AudioFormat.Format(); !f.Valid() {
			errs = append(errs, fmt.Errorf("game.audio_format %s is unsupported", f))
		}
	}

	// Characters
	seen := make(map[string]int, len(cfg.Characters))
	for i, c := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[c.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of characters[%d]", prefix, c.Name, prev))
			}
			seen[c.Name] = i
		}
		errs = append(errs, validateVoice(prefix+".voice", c.Voice))
	}

	return errors.Join(errs...)
}

func validateVoice(prefix string, v VoiceConfig) error {
	if v.SpeedFactor != 0 && (v.SpeedFactor < 0.5 || v.SpeedFactor > 2.0) {
		return fmt.Errorf("%s.speed_factor %.2f is out of range [0.5, 2.0]", prefix, v.SpeedFactor)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// ── conversions ──────────────────────────────────────────────────────────────

// Settings converts p into validated parser settings.
func (p ParserConfig) Settings(narratorEnabled bool) (parser.Settings, error) {
	s := parser.Settings{
		SentencesPerVoiceline: p.SentencesPerVoiceline,
		MaxResponseSentences:  p.MaxResponseSentences,
		NumberOfRetries:       p.NumberOfRetries,
		MaxTransientRetries:   p.MaxTransientRetries,
		BadAuthorRetries:      p.BadAuthorRetries,
		SystemLoopRetries:     p.SystemLoopRetries,
		SameOutputLimit:       p.SameOutputLimit,
		RetryBackoff:          p.RetryBackoff,
		NarratorEnabled:       narratorEnabled,
		ReformatFullReply:     p.ReformatFullReply,
		ContinueOnAPIError:    p.ContinueOnAPIError,
		MustGenerateSentence:  p.MustGenerateSentence,
		ErrorOnEmptyFullReply: p.ErrorOnEmptyFullReply,
		FuzzySpeakerMatch:     p.FuzzySpeakerMatch,
		AbortSubstrings:       slices.Clone(p.AbortSubstrings),
		FillerLines:           slices.Clone(p.FillerLines),
		Temperature:           p.Temperature,
		TopP:                  p.TopP,
		MaxTokens:             p.MaxTokens,
	}
	var errs []error
	if p.AbortPattern != "" {
		re, err := regexp.Compile(p.AbortPattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("parser.abort_pattern: %w", err))
		}
		s.AbortPattern = re
	}
	if p.PrefacePattern != "" {
		re, err := regexp.Compile(p.PrefacePattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("parser.preface_pattern: %w", err))
		}
		s.PrefacePattern = re
	}
	if err := s.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("parser: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return parser.Settings{}, err
	}
	return s, nil
}

// StyleSet returns the built-in styles overlaid with the configured ones.
func (cfg *Config) StyleSet() *style.Set {
	return style.NewSet(cfg.Styles.Prompts, cfg.Styles.Behaviors)
}

// ReloadPolicy converts the reload section. summariser may be nil.
func (cfg *Config) ReloadPolicy(summariser session.Summariser) session.ReloadPolicy {
	p := session.ReloadPolicy{
		MaxMessages:    cfg.Reload.MaxMessages,
		TokenLimit:     cfg.Reload.TokenLimit,
		TrailingBuffer: cfg.Reload.TrailingBuffer,
	}
	if cfg.Reload.Summarise {
		p.Summariser = summariser
	}
	return p
}

// CharacterList converts the configured characters. RefIDs are assigned in
// file order.
func (cfg *Config) CharacterList() []game.Character {
	out := make([]game.Character, len(cfg.Characters))
	for i, c := range cfg.Characters {
		out[i] = game.Character{
			Name:    c.Name,
			RefID:   fmt.Sprintf("%08x", i+1),
			Voice:   c.Voice.Profile(cfg.Providers.TTS.Name),
			Bio:     c.Bio,
			Generic: c.Generic,
		}
	}
	return out
}

// Profile converts v into a voice profile for provider.
func (v VoiceConfig) Profile(provider string) types.VoiceProfile {
	return types.VoiceProfile{
		ID:          v.VoiceID,
		Name:        v.Name,
		Provider:    provider,
		SpeedFactor: v.SpeedFactor,
	}
}
