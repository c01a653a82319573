package behavior

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/parley/internal/game"
)

// ErrDuplicate is returned when two behaviors claim the same keyword.
var ErrDuplicate = errors.New("behavior: duplicate keyword")

// Triggered is one behavior that ran for a token.
type Triggered struct {
	Keyword string
	Outcome Outcome
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithTriggerHook registers fn to be called after every successful trigger.
// It is how metrics observe behaviors.
func WithTriggerHook(fn func(ctx context.Context, keyword string)) Option {
	return func(r *Registry) { r.onTrigger = fn }
}

// Registry holds the behaviors available to a conversation.
//
// Register is meant for startup; Evaluate and the line hooks may be called
// concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	byKey     map[string]Behavior
	order     []string
	hooks     []LineHook
	log       *slog.Logger
	onTrigger func(context.Context, string)
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{byKey: make(map[string]Behavior), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds b. Keywords are unique, compared case-insensitively. If b
// implements [LineHook] it is also registered as a hook.
func (r *Registry) Register(b Behavior) error {
	def := b.Definition()
	if def.Keyword == "" {
		return fmt.Errorf("behavior: empty keyword")
	}
	key := strings.ToLower(def.Keyword)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, def.Keyword)
	}
	r.byKey[key] = b
	r.order = append(r.order, key)
	if h, ok := b.(LineHook); ok {
		r.hooks = append(r.hooks, h)
	}
	return nil
}

// RegisterHook adds a hook that runs around every voice line.
func (r *Registry) RegisterHook(h LineHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Lookup returns the behavior registered under keyword.
func (r *Registry) Lookup(keyword string) (Behavior, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byKey[strings.ToLower(strings.TrimSpace(keyword))]
	return b, ok
}

// Available returns the definitions eligible in the given situation, in
// registration order. The conversation layer lists them in the system prompt.
func (r *Registry) Available(gameName string, shape Shape, radiant bool) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Definition
	for _, key := range r.order {
		def := r.byKey[key].Definition()
		if def.Applies(gameName, shape, radiant) {
			out = append(out, def)
		}
	}
	return out
}

// Evaluate runs every eligible behavior matching token. The token may hold
// several comma-separated keywords ("Follow, Inventory"); each distinct
// keyword triggers at most once. A behavior whose Run fails is logged and
// left out of the result.
func (r *Registry) Evaluate(ctx context.Context, token string, in Input) []Triggered {
	gameName := ""
	if in.Game != nil {
		gameName = in.Game.Game()
	}
	shape := in.Shape()

	var out []Triggered
	var seen []string
	for kw := range strings.SplitSeq(token, ",") {
		key := strings.ToLower(strings.TrimSpace(kw))
		if key == "" || slices.Contains(seen, key) {
			continue
		}
		seen = append(seen, key)

		b, ok := r.Lookup(key)
		if !ok {
			continue
		}
		def := b.Definition()
		if !def.Applies(gameName, shape, in.Radiant) {
			r.log.Debug("behavior: not applicable", "keyword", def.Keyword, "game", gameName, "shape", shape)
			continue
		}
		outcome, err := b.Run(ctx, in)
		if err != nil {
			r.log.Warn("behavior: run failed", "keyword", def.Keyword, "speaker", in.Speaker.Name, "err", err)
			continue
		}
		r.log.Info("behavior triggered", "keyword", def.Keyword, "speaker", in.Speaker.Name)
		if r.onTrigger != nil {
			r.onTrigger(ctx, def.Keyword)
		}
		out = append(out, Triggered{Keyword: def.Keyword, Outcome: outcome})
	}
	return out
}

// BeforeLine runs the pre-line hooks for speaker.
func (r *Registry) BeforeLine(ctx context.Context, g game.Interface, speaker game.Character) {
	for _, h := range r.snapshotHooks() {
		h.BeforeLine(ctx, g, speaker)
	}
}

// AfterLine runs the post-line hooks for speaker.
func (r *Registry) AfterLine(ctx context.Context, g game.Interface, speaker game.Character) {
	for _, h := range r.snapshotHooks() {
		h.AfterLine(ctx, g, speaker)
	}
}

func (r *Registry) snapshotHooks() []LineHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.hooks)
}
