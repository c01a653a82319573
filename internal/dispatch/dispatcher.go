// Package dispatch turns parsed voice lines into speech and hands them to the
// game in order.
//
// The [Dispatcher] is the parser's sink. Character lines are synthesized and
// pushed through a single-slot [Queue]; the call blocks until the consumer
// ([Deliver]) has given the line to the game, which keeps the parser from
// running ahead of playback. Narrator lines bypass the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/parser"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// DefaultMinVoicelineChars is the shortest line, punctuation excluded, that
// is worth synthesizing.
const DefaultMinVoicelineChars = 2

// Hooks run around every dispatched line. *behavior.Registry implements it.
type Hooks interface {
	BeforeLine(ctx context.Context, g game.Interface, speaker game.Character)
	AfterLine(ctx context.Context, g game.Interface, speaker game.Character)
}

// Narrator configures the voice used for narration segments.
type Narrator struct {
	Voice types.VoiceProfile

	// Delay is waited before each narrator line.
	Delay time.Duration

	// Volume is passed to the game, 0 to 1.
	Volume float64
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithHooks installs pre- and post-line hooks.
func WithHooks(h Hooks) Option {
	return func(d *Dispatcher) { d.hooks = h }
}

// WithNarrator sets the narrator voice.
func WithNarrator(n Narrator) Option {
	return func(d *Dispatcher) { d.narrator = n }
}

// WithMinVoicelineChars overrides [DefaultMinVoicelineChars].
func WithMinVoicelineChars(n int) Option {
	return func(d *Dispatcher) { d.minChars = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics counts dispatched lines.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher synthesizes voice lines and forwards them to the game.
type Dispatcher struct {
	game  game.Interface
	tts   tts.Provider
	queue *Queue

	hooks    Hooks
	narrator Narrator
	minChars int
	log      *slog.Logger
	metrics  *observe.Metrics
}

var _ parser.Sink = (*Dispatcher)(nil)

// New returns a Dispatcher that pushes character lines onto q.
func New(g game.Interface, synth tts.Provider, q *Queue, opts ...Option) (*Dispatcher, error) {
	if g == nil {
		return nil, errors.New("dispatch: game is required")
	}
	if synth == nil {
		return nil, errors.New("dispatch: tts provider is required")
	}
	if q == nil {
		return nil, errors.New("dispatch: queue is required")
	}
	d := &Dispatcher{
		game:     g,
		tts:      synth,
		queue:    q,
		narrator: Narrator{Volume: 1},
		minChars: DefaultMinVoicelineChars,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Queue returns the queue character lines are pushed onto.
func (d *Dispatcher) Queue() *Queue { return d.queue }

// Dispatch implements [parser.Sink]. It returns [parser.ErrVoicelineTooShort]
// for lines that are dropped without synthesis.
func (d *Dispatcher) Dispatch(ctx context.Context, line parser.VoiceLine) error {
	text := Sanitize(line.Text())
	if tooShort(text, d.minChars) {
		d.log.Debug("dispatch: dropping short voice line", "speaker", line.Speaker.Name(), "text", text)
		return parser.ErrVoicelineTooShort
	}

	hookSpeaker := line.Speaker.Character
	if line.Speaker.Narrator {
		hookSpeaker, _ = d.game.ActiveCharacter()
	}
	if d.hooks != nil {
		d.hooks.BeforeLine(ctx, d.game, hookSpeaker)
	}

	start := time.Now()
	var err error
	if line.Speaker.Narrator {
		err = d.narrate(ctx, text)
	} else {
		err = d.speak(ctx, line.Speaker.Character, text, line.Behaviors)
	}
	if err != nil {
		return err
	}

	if d.hooks != nil {
		d.hooks.AfterLine(ctx, d.game, hookSpeaker)
	}
	if d.metrics != nil {
		d.metrics.RecordVoiceLine(ctx, line.Speaker.Name(), time.Since(start))
	}
	d.log.Debug("dispatch: voice line delivered", "speaker", line.Speaker.Name(), "text", text)
	return nil
}

func (d *Dispatcher) speak(ctx context.Context, speaker game.Character, text string, behaviors []string) error {
	handle, err := tts.Synthesize(ctx, d.tts, text, speaker.Voice)
	if err != nil {
		d.recordError(ctx)
		return fmt.Errorf("dispatch: synthesize %s: %w", speaker.Name, err)
	}
	err = d.queue.Put(ctx, Delivery{
		Speaker:   speaker,
		Text:      text,
		Audio:     handle,
		Behaviors: behaviors,
	})
	if err != nil {
		go audio.Drain(handle)
		return fmt.Errorf("dispatch: enqueue %s: %w", speaker.Name, err)
	}
	return nil
}

func (d *Dispatcher) narrate(ctx context.Context, text string) error {
	if d.narrator.Delay > 0 {
		t := time.NewTimer(d.narrator.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	handle, err := tts.Synthesize(ctx, d.tts, text, d.narrator.Voice)
	if err != nil {
		d.recordError(ctx)
		return fmt.Errorf("dispatch: synthesize narrator: %w", err)
	}
	pcm, err := tts.Collect(ctx, handle)
	if err != nil {
		go audio.Drain(handle)
		return fmt.Errorf("dispatch: collect narrator audio: %w", err)
	}
	if err := d.game.Narrate(ctx, text, pcm, d.narrator.Volume); err != nil {
		return fmt.Errorf("dispatch: narrate: %w", err)
	}
	return nil
}

func (d *Dispatcher) recordError(ctx context.Context) {
	if d.metrics != nil && ctx.Err() == nil {
		d.metrics.RecordProviderError(ctx, "tts", "synthesize")
	}
}

var (
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
	spaces        = regexp.MustCompile(`\s+`)
	looseStop     = regexp.MustCompile(`\s+([.,!?;:])`)
)

// Sanitize prepares text for the synthesizer. Square brackets are treated as
// parentheses and every parenthetical group is removed, so stage directions
// are never spoken.
func Sanitize(text string) string {
	text = strings.NewReplacer("[", "(", "]", ")").Replace(text)
	text = parenthetical.ReplaceAllString(text, " ")
	text = spaces.ReplaceAllString(text, " ")
	return strings.TrimSpace(looseStop.ReplaceAllString(text, "$1"))
}

// tooShort reports whether text, punctuation removed, has fewer than
// minRunes runes.
func tooShort(text string, minRunes int) bool {
	stripped := strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, text))
	return stripped == "" || utf8.RuneCountInString(stripped) < minRunes
}
