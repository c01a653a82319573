// Package parser turns a streamed LLM response into ordered, speaker-attributed
// voice lines.
//
// A [Processor] drives one response per turn: it streams a completion, feeds
// every chunk through a fresh [State], hands finished [VoiceLine] batches to a
// [Sink] as soon as they are complete, and regenerates the response when the
// attempt fails in a recoverable way. The State is a plain state machine with
// no goroutines of its own; all blocking happens in the Sink.
package parser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/internal/style"
	"github.com/MrWong99/parley/pkg/types"
)

// NarratorName is the speaker name of narration voice lines.
const NarratorName = "narrator"

// maxNameRunes bounds how long a pending speaker name may grow before the
// buffer is treated as content (or rejected when a speaker is mandatory).
const maxNameRunes = 64

// Settings are the per-process parsing and retry knobs. Build them from
// [DefaultSettings] and call [Settings.Validate] before use.
type Settings struct {
	// SentencesPerVoiceline batches this many sentences into one voice line.
	SentencesPerVoiceline int

	// MaxResponseSentences ends the response after this many spoken
	// sentences. Zero means unlimited.
	MaxResponseSentences int

	// NumberOfRetries is the budget consumed by upstream failures and loops.
	NumberOfRetries int

	// MaxTransientRetries caps retries that do not consume the budget.
	MaxTransientRetries int

	// BadAuthorRetries invalid-author failures switch the next attempt to a
	// random speaker.
	BadAuthorRetries int

	// SystemLoopRetries system-role attributions switch the next attempt to
	// a random speaker.
	SystemLoopRetries int

	// SameOutputLimit is how many identical consecutive chunks are tolerated.
	SameOutputLimit int

	RetryBackoff time.Duration

	NarratorEnabled       bool
	ReformatFullReply     bool
	ContinueOnAPIError    bool
	MustGenerateSentence  bool
	ErrorOnEmptyFullReply bool
	FuzzySpeakerMatch     bool

	// AbortSubstrings end the response when a sentence contains one.
	AbortSubstrings []string

	// AbortPattern, if set, ends the response when a sentence matches it.
	// Typically used to catch the model announcing the in-game time.
	AbortPattern *regexp.Regexp

	// PrefacePattern, if set, is removed from every sentence.
	PrefacePattern *regexp.Regexp

	// FillerLines are spoken while an upstream failure is being retried.
	FillerLines []string

	Temperature float64
	TopP        float64
	MaxTokens   int
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		SentencesPerVoiceline: 2,
		NumberOfRetries:       5,
		MaxTransientRetries:   5,
		BadAuthorRetries:      2,
		SystemLoopRetries:     2,
		SameOutputLimit:       30,
		RetryBackoff:          2 * time.Second,
		NarratorEnabled:       true,
		ReformatFullReply:     true,
		MustGenerateSentence:  true,
		FuzzySpeakerMatch:     true,
		AbortSubstrings:       []string{"Player:", "User:"},
		FillerLines:           []string{"Hmm.", "Let me think."},
		Temperature:           0.8,
		TopP:                  1,
		MaxTokens:             250,
	}
}

// Validate reports every out-of-range setting.
func (s Settings) Validate() error {
	var errs []error
	if s.SentencesPerVoiceline < 1 {
		errs = append(errs, fmt.Errorf("sentences_per_voiceline must be at least 1, got %d", s.SentencesPerVoiceline))
	}
	if s.MaxResponseSentences < 0 {
		errs = append(errs, fmt.Errorf("max_response_sentences must not be negative, got %d", s.MaxResponseSentences))
	}
	if s.NumberOfRetries < 0 || s.MaxTransientRetries < 0 || s.BadAuthorRetries < 0 || s.SystemLoopRetries < 0 {
		errs = append(errs, errors.New("retry budgets must not be negative"))
	}
	if s.SameOutputLimit < 1 {
		errs = append(errs, fmt.Errorf("same_output_limit must be at least 1, got %d", s.SameOutputLimit))
	}
	if s.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry_backoff must not be negative, got %s", s.RetryBackoff))
	}
	return errors.Join(errs...)
}

// Turn is everything one response depends on besides the settings.
type Turn struct {
	// Characters are the NPCs taking part. At least one is required.
	Characters []game.Character

	// PlayerAliases are names under which the model may write the player's
	// own lines ("Player", "Prisoner", the player character's name).
	PlayerAliases []string

	Radiant bool

	// ForcedSpeaker, if set, skips speaker attribution entirely.
	ForcedSpeaker *game.Character

	Prompt   style.Prompt
	Behavior style.Behavior

	SystemPrompt string
	Messages     []types.Message
}

func (t Turn) validate() error {
	if len(t.Characters) == 0 {
		return errors.New("parser: turn has no characters")
	}
	if err := t.Prompt.Validate(); err != nil {
		return fmt.Errorf("parser: prompt style: %w", err)
	}
	if err := t.Behavior.Validate(); err != nil {
		return fmt.Errorf("parser: behavior style: %w", err)
	}
	return nil
}

// Speaker is who a voice line belongs to: a character or the narrator.
type Speaker struct {
	Character game.Character
	Narrator  bool
}

// Name returns the character name, or [NarratorName].
func (s Speaker) Name() string {
	if s.Narrator {
		return NarratorName
	}
	return s.Character.Name
}

// Is reports whether s and o are the same speaker.
func (s Speaker) Is(o Speaker) bool {
	return s.Narrator == o.Narrator && s.Character.Name == o.Character.Name
}

// VoiceLine is a batch of consecutive sentences by one speaker.
type VoiceLine struct {
	Speaker   Speaker
	Sentences []string

	// Behaviors lists the keywords triggered inside these sentences.
	Behaviors []string
}

// Text joins the sentences with single spaces.
func (v VoiceLine) Text() string {
	return strings.Join(v.Sentences, " ")
}

// Sink receives voice lines in order. Dispatch may block; that is how the
// parser is held back while earlier lines are still playing. A Sink returns
// [ErrVoicelineTooShort] for lines it dropped.
type Sink interface {
	Dispatch(ctx context.Context, line VoiceLine) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, line VoiceLine) error

// Dispatch calls f.
func (f SinkFunc) Dispatch(ctx context.Context, line VoiceLine) error { return f(ctx, line) }

// EventKind identifies an [Event].
type EventKind int

const (
	EventSpeaker EventKind = iota
	EventBoundary
	EventSentence
	EventVoiceLine
	EventBehavior
)

func (k EventKind) String() string {
	switch k {
	case EventSpeaker:
		return "speaker"
	case EventBoundary:
		return "boundary"
	case EventSentence:
		return "sentence"
	case EventVoiceLine:
		return "voiceline"
	case EventBehavior:
		return "behavior"
	}
	return "unknown"
}

// Event is an observable step of parsing, delivered in stream order.
type Event struct {
	Kind    EventKind
	Speaker string

	// Text is the sentence, voice line text or behavior keyword.
	Text string

	// Narrating is the narration state after a boundary.
	Narrating bool
}

// Observer receives parse events. It is called synchronously.
type Observer func(Event)

// Reply is the outcome of a successful response.
type Reply struct {
	// Speaker is the first character that spoke.
	Speaker game.Character

	// Text is what goes into the history: the formatted reply when
	// reformatting is on, the raw reply otherwise.
	Text string

	Full string
	Raw  string

	// Events are synthetic game events produced by triggered behaviors.
	Events []string

	// EndsConversation is set when a behavior asked to wrap up.
	EndsConversation bool

	Sentences  int
	VoiceLines int
}

// Empty reports whether there is nothing to append to the history.
func (r Reply) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}
