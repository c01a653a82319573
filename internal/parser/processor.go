package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Option configures a [Processor].
type Option func(*Processor)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// WithMetrics records latency and retry metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithObserver receives the parse events of every attempt.
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observe = o }
}

// WithRand replaces the random index source used for speaker fallback and
// filler lines. pick must return a value in [0, n).
func WithRand(pick func(n int) int) Option {
	return func(p *Processor) { p.pick = pick }
}

// Processor generates one NPC response per call, retrying as the error
// taxonomy dictates. It is safe for concurrent use; each call owns its state.
type Processor struct {
	llm       llm.Provider
	game      game.Interface
	behaviors Evaluator
	settings  Settings

	log     *slog.Logger
	metrics *observe.Metrics
	observe Observer
	pick    func(n int) int
}

// NewProcessor validates settings and returns a ready Processor. behaviors
// may be nil, in which case behavior tokens are spoken as plain text.
func NewProcessor(provider llm.Provider, g game.Interface, behaviors Evaluator, settings Settings, opts ...Option) (*Processor, error) {
	if provider == nil {
		return nil, errors.New("parser: llm provider is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("parser: settings: %w", err)
	}
	p := &Processor{
		llm:       provider,
		game:      g,
		behaviors: behaviors,
		settings:  settings,
		log:       slog.Default(),
		pick:      rand.IntN,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Settings returns the settings the processor was built with.
func (p *Processor) Settings() Settings { return p.settings }

// ProcessResponse streams one response for turn, dispatching voice lines to
// sink as they complete.
//
// Invalid authors, too-short or empty output and system-role attributions
// are retried immediately without consuming the retry budget, up to the
// transient cap. Token loops consume the budget. Anything else is treated as
// an upstream failure: a filler line is spoken, the processor backs off and
// the budget is consumed. Once the budget is gone the last error is
// returned, unless the settings ask to continue, in which case the turn ends
// with an empty reply.
func (p *Processor) ProcessResponse(ctx context.Context, turn Turn, sink Sink) (Reply, error) {
	if err := turn.validate(); err != nil {
		return Reply{}, err
	}

	var (
		budget     = p.settings.NumberOfRetries
		transient  int
		badAuthors int
		sysLoops   int
		fallback   bool
		lastErr    error
		reply      Reply
	)

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		kind := KindOf(lastErr)
		if p.metrics != nil {
			p.metrics.RecordRetry(ctx, kind.String())
		}
		switch {
		case kind.transient():
			transient++
			if transient > p.settings.MaxTransientRetries {
				return 0, true
			}
			switch kind {
			case KindInvalidAuthor:
				badAuthors++
				fallback = fallback || badAuthors >= p.settings.BadAuthorRetries
			case KindSystemLoop:
				sysLoops++
				fallback = fallback || sysLoops >= p.settings.SystemLoopRetries
			}
			return 0, false
		case kind == KindLoop:
			budget--
			return 0, budget < 0
		default:
			budget--
			if budget < 0 {
				return 0, true
			}
			p.speakFiller(ctx, turn, sink)
			return p.settings.RetryBackoff, false
		}
	})

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, err := p.attempt(ctx, turn, sink, fallback)
		if err == nil {
			reply = r
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
		p.log.Warn("parser: response attempt failed",
			"attempt", attempt,
			"kind", KindOf(err).String(),
			"err", err,
		)
		return retry.RetryableError(err)
	})
	if err == nil {
		return reply, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Reply{}, ctxErr
	}
	if p.settings.ContinueOnAPIError {
		p.log.Error("parser: giving up on response, continuing without reply",
			"attempts", attempt,
			"err", err,
		)
		return Reply{}, nil
	}
	return Reply{}, fmt.Errorf("parser: process response: %w", err)
}

// attempt runs one streamed completion through a fresh State.
func (p *Processor) attempt(ctx context.Context, turn Turn, sink Sink, fallback bool) (Reply, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := newState(p.settings, turn, stateConfig{
		game:      p.game,
		behaviors: p.behaviors,
		sink:      sink,
		observe:   p.observe,
		log:       p.log,
		fallback:  fallback,
		pick:      p.pick,
	})

	start := time.Now()
	chunks, err := p.llm.StreamCompletion(streamCtx, llm.CompletionRequest{
		Messages:     turn.Messages,
		SystemPrompt: turn.SystemPrompt,
		Stop:         turn.Prompt.Stops(),
		Temperature:  p.settings.Temperature,
		TopP:         p.settings.TopP,
		MaxTokens:    p.settings.MaxTokens,
	})
	if err != nil {
		p.recordRequest(ctx, "error")
		if p.metrics != nil && ctx.Err() == nil {
			p.metrics.RecordProviderError(ctx, "llm", "stream")
		}
		return Reply{}, fmt.Errorf("stream completion: %w", err)
	}

	first := true
stream:
	for {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				break stream
			}
			if chunk.FinishReason == llm.FinishReasonError {
				p.recordRequest(ctx, "error")
				return Reply{}, fmt.Errorf("stream completion: %s", chunk.Text)
			}
			if first && chunk.Text != "" {
				first = false
				if p.metrics != nil {
					p.metrics.LLMTimeToFirstToken.Record(ctx, time.Since(start).Seconds())
				}
			}
			if err := st.OnChunk(ctx, chunk.Text); err != nil {
				return Reply{}, err
			}
			if st.Done() || chunk.FinishReason != "" {
				break stream
			}
		}
	}
	cancel()
	if p.metrics != nil {
		p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	p.recordRequest(ctx, "ok")
	return st.OnStreamEnd(ctx)
}

// speakFiller says a random filler line through the active character so
// the player is not left waiting in silence.
func (p *Processor) speakFiller(ctx context.Context, turn Turn, sink Sink) {
	if sink == nil || len(p.settings.FillerLines) == 0 {
		return
	}
	speaker := turn.Characters[0]
	if turn.ForcedSpeaker != nil {
		speaker = *turn.ForcedSpeaker
	} else if p.game != nil {
		if c, ok := p.game.ActiveCharacter(); ok {
			for _, tc := range turn.Characters {
				if tc.Name == c.Name {
					speaker = tc
				}
			}
		}
	}
	text := p.settings.FillerLines[p.pick(len(p.settings.FillerLines))]
	line := VoiceLine{Speaker: Speaker{Character: speaker}, Sentences: []string{text}}
	if err := sink.Dispatch(ctx, line); err != nil && !errors.Is(err, ErrVoicelineTooShort) {
		p.log.Warn("parser: filler line failed", "speaker", speaker.Name, "err", err)
	}
}

func (p *Processor) recordRequest(ctx context.Context, status string) {
	if p.metrics != nil {
		p.metrics.RecordProviderRequest(ctx, "llm", "stream", status)
	}
}
