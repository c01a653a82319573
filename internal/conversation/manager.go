// Package conversation drives one NPC conversation at a time.
//
// The [Manager] owns the cast and the message history. Each [Manager.Step]
// is one turn: it notices characters joining, reads the player's line,
// applies the reload policy, then runs the response parser and the delivery
// consumer side by side until the reply has been spoken.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/behavior"
	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/parser"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/style"
	"github.com/MrWong99/parley/pkg/memory"
)

var (
	// ErrInvalidStyle is returned by Start when a style is unknown or malformed.
	ErrInvalidStyle = errors.New("conversation: invalid style")

	// ErrNotInConversation is returned by Step and End outside a conversation.
	ErrNotInConversation = errors.New("conversation: not in conversation")

	// ErrAlreadyInConversation is returned by Start while a conversation runs.
	ErrAlreadyInConversation = errors.New("conversation: already in conversation")

	// ErrNoCharacters is returned by Start when nobody is there to talk.
	ErrNoCharacters = errors.New("conversation: no characters")
)

// Responder generates one response. *parser.Processor implements it.
type Responder interface {
	ProcessResponse(ctx context.Context, turn parser.Turn, sink parser.Sink) (parser.Reply, error)
}

// Setup describes a conversation about to start.
type Setup struct {
	// Characters is the initial cast. Empty means ask the game.
	Characters []game.Character

	// PlayerName is how the player is addressed. PlayerAliases are other
	// names the model may use for the player.
	PlayerName    string
	PlayerAliases []string

	// PromptStyle and BehaviorStyle name entries of the style set.
	PromptStyle   string
	BehaviorStyle string

	// Instructions is appended to the system prompt.
	Instructions string

	// ForcedSpeaker, if set, must name a cast member who answers every turn
	// until someone joins.
	ForcedSpeaker string
}

// StepResult reports what one turn did.
type StepResult struct {
	// PlayerInput is what the player said this turn, if anything.
	PlayerInput string

	// Joined lists characters who entered the conversation this turn.
	Joined []string

	// Reply is the generated response. It is empty when the turn ended the
	// conversation before generating.
	Reply parser.Reply

	// Ended is true when the conversation is over.
	Ended bool

	// Restarted is true when the conversation ended because a restart was
	// requested.
	Restarted bool
}

// Option configures a [Manager].
type Option func(*Manager)

// WithStore persists transcripts and recalls memories from store.
func WithStore(store memory.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithRecall sets how many past transcript lines are recalled per
// character at Start. Default: 20.
func WithRecall(n int) Option {
	return func(m *Manager) { m.recall = n }
}

// WithReloadPolicy bounds the history length.
func WithReloadPolicy(p session.ReloadPolicy) Option {
	return func(m *Manager) { m.reload = p }
}

// WithBehaviors lists the eligible behaviors in the system prompt.
func WithBehaviors(r *behavior.Registry) Option {
	return func(m *Manager) { m.behaviors = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records turn and conversation metrics.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager runs conversations one at a time.
//
// Start, Step and End must be called from one goroutine. RequestRestart and
// State may be called from anywhere.
type Manager struct {
	game       game.Interface
	responder  Responder
	dispatcher *dispatch.Dispatcher
	styles     *style.Set

	store     memory.Store
	recall    int
	reload    session.ReloadPolicy
	behaviors *behavior.Registry
	log       *slog.Logger
	metrics   *observe.Metrics

	state   atomic.Int32
	restart atomic.Bool

	mu         sync.Mutex
	id         string
	setup      Setup
	prompt     style.Prompt
	behavior   style.Behavior
	characters []game.Character
	forced     *game.Character
	history    *session.History
	recorder   *session.Recorder
}

// New returns an idle Manager.
func New(g game.Interface, responder Responder, dispatcher *dispatch.Dispatcher, styles *style.Set, opts ...Option) (*Manager, error) {
	switch {
	case g == nil:
		return nil, errors.New("conversation: game is required")
	case responder == nil:
		return nil, errors.New("conversation: responder is required")
	case dispatcher == nil:
		return nil, errors.New("conversation: dispatcher is required")
	}
	if styles == nil {
		styles = style.NewSet(nil, nil)
	}
	m := &Manager{
		game:       g,
		responder:  responder,
		dispatcher: dispatcher,
		styles:     styles,
		recall:     20,
		log:        slog.Default(),
		history:    session.NewHistory(),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// RequestRestart asks the running conversation to end at the next turn
// boundary. An in-flight response is never interrupted.
func (m *Manager) RequestRestart() { m.restart.Store(true) }

// ConversationID returns the ID of the current or last conversation.
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// History returns a copy of the current message history.
func (m *Manager) History() []session.Message {
	return m.history.Messages()
}

// Characters returns the current cast.
func (m *Manager) Characters() []game.Character {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.characters)
}

// Start validates setup, recalls what the cast remembers and begins a
// conversation.
func (m *Manager) Start(ctx context.Context, setup Setup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateAwaitingSetup)) {
		return ErrAlreadyInConversation
	}
	if err := m.start(ctx, setup); err != nil {
		m.state.Store(int32(StateIdle))
		return err
	}
	m.state.Store(int32(StateInConversation))
	if m.metrics != nil {
		m.metrics.ActiveConversations.Add(ctx, 1)
	}
	m.log.Info("conversation started",
		"conversation_id", m.id,
		"characters", names(m.characters),
		"radiant", m.game.IsRadiantDialogue(),
		"prompt_style", setup.PromptStyle,
	)
	return nil
}

func (m *Manager) start(ctx context.Context, setup Setup) error {
	prompt, err := m.styles.Prompt(setup.PromptStyle)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStyle, err)
	}
	beh, err := m.styles.Behavior(setup.BehaviorStyle)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStyle, err)
	}

	cast := slices.Clone(setup.Characters)
	if len(cast) == 0 {
		if cast, err = m.game.Characters(ctx); err != nil {
			return fmt.Errorf("conversation: start: list characters: %w", err)
		}
	}
	if len(cast) == 0 {
		return ErrNoCharacters
	}

	var forced *game.Character
	if setup.ForcedSpeaker != "" {
		i := slices.IndexFunc(cast, func(c game.Character) bool { return c.Name == setup.ForcedSpeaker })
		if i < 0 {
			return fmt.Errorf("conversation: start: forced speaker %q is not in the cast", setup.ForcedSpeaker)
		}
		forced = &cast[i]
	}

	m.id = uuid.NewString()
	m.setup = setup
	m.prompt = prompt
	m.behavior = beh
	m.characters = cast
	m.forced = forced
	m.restart.Store(false)
	m.history.Reset()
	m.recorder = nil

	if m.store != nil {
		m.recorder = session.NewRecorder(m.store, m.id)
		if err := m.store.AddParticipants(ctx, m.id, names(cast)...); err != nil {
			m.log.Warn("conversation: record participants failed", "err", err)
		}
		for _, c := range cast {
			m.remember(ctx, c)
		}
	}
	return nil
}

// remember injects what c recalls from earlier conversations. Must be
// called with m.mu held.
func (m *Manager) remember(ctx context.Context, c game.Character) {
	if m.store == nil || m.recall <= 0 {
		return
	}
	entries, err := m.store.Recall(ctx, c.Name, m.recall)
	if err != nil {
		m.log.Warn("conversation: recall failed", "character", c.Name, "err", err)
		return
	}
	if text := formatMemory(c.Name, entries, time.Now()); text != "" {
		m.history.Append(session.NewMessage(session.RoleSystem, session.KindMemory, c.Name, text))
	}
}

// Step runs one turn.
func (m *Manager) Step(ctx context.Context) (StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != StateInConversation {
		return StepResult{}, ErrNotInConversation
	}
	ctx = observe.WithConversation(ctx, m.id)
	ctx, span := observe.StartSpan(ctx, "conversation.step")
	defer span.End()
	log := observe.Enrich(ctx, m.log)

	if m.restart.Load() {
		log.Info("conversation: restart requested, ending conversation")
		m.end(ctx, StateRestarting)
		return StepResult{Ended: true, Restarted: true}, nil
	}
	if m.game.IsConversationEnded() {
		m.end(ctx, StateEnded)
		return StepResult{Ended: true}, nil
	}

	var res StepResult
	joined, err := m.detectJoiners(ctx)
	if err != nil {
		return res, err
	}
	res.Joined = joined

	radiant := m.game.IsRadiantDialogue()
	if !radiant {
		input, err := m.game.PlayerInput(ctx)
		if err != nil {
			return res, fmt.Errorf("conversation: read player input: %w", err)
		}
		res.PlayerInput = input
		if input != "" {
			msg := session.NewMessage(session.RoleUser, session.KindMessage, m.playerName(), input)
			msg.Location = m.game.Location()
			m.history.Append(msg)
		}
	}

	reloaded, err := m.reload.Apply(ctx, m.history)
	if err != nil {
		log.Warn("conversation: reload without summary", "err", err)
	}
	if reloaded {
		log.Info("conversation: history reloaded", "messages", m.history.Len())
	}

	reply, err := m.respond(ctx, radiant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		m.recordTurn(ctx, "error")
		return res, err
	}
	span.SetAttributes(
		attribute.Bool("parley.radiant", radiant),
		attribute.String("parley.speaker", reply.Speaker.Name),
	)
	res.Reply = reply

	if !reply.Empty() {
		msg := session.NewMessage(session.RoleAssistant, session.KindMessage, reply.Speaker.Name, reply.Text)
		msg.Location = m.game.Location()
		m.history.Append(msg)
		m.recordTurn(ctx, "reply")
	} else {
		m.recordTurn(ctx, "silent")
	}
	for _, ev := range reply.Events {
		m.history.Append(session.NewMessage(session.RoleUser, session.KindEvent, "", ev))
	}
	m.flush(ctx)

	if reply.EndsConversation {
		m.end(ctx, StateEnded)
		res.Ended = true
	}
	return res, nil
}

// respond runs the parser and the delivery consumer concurrently. The
// producer always sends the end sentinel so the consumer can finish.
func (m *Manager) respond(ctx context.Context, radiant bool) (parser.Reply, error) {
	aliases := slices.Clone(m.setup.PlayerAliases)
	if name := m.playerName(); !slices.Contains(aliases, name) {
		aliases = append([]string{name}, aliases...)
	}
	turn := parser.Turn{
		Characters:    slices.Clone(m.characters),
		PlayerAliases: aliases,
		Radiant:       radiant,
		ForcedSpeaker: m.forced,
		Prompt:        m.prompt,
		Behavior:      m.behavior,
		SystemPrompt:  m.systemPrompt(radiant),
		Messages:      m.history.LLM(),
	}

	q := m.dispatcher.Queue()
	q.Reset()

	var reply parser.Reply
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		r, err := m.responder.ProcessResponse(gctx, turn, m.dispatcher)
		if err != nil {
			return fmt.Errorf("conversation: respond: %w", err)
		}
		reply = r
		return q.End(gctx)
	})
	eg.Go(func() error {
		return dispatch.Deliver(gctx, q, m.game)
	})
	if err := eg.Wait(); err != nil {
		return parser.Reply{}, err
	}
	return reply, nil
}

// detectJoiners compares the game's actor count with the cast and adds
// newcomers. Each joiner gets a greeting event, their memories recalled, and
// frees the turn from any forced speaker.
func (m *Manager) detectJoiners(ctx context.Context) ([]string, error) {
	n, err := m.game.ActorCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversation: actor count: %w", err)
	}
	if n <= len(m.characters) {
		return nil, nil
	}
	current, err := m.game.Characters(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversation: list characters: %w", err)
	}

	var joined []string
	for _, c := range current {
		if slices.ContainsFunc(m.characters, func(o game.Character) bool { return o.Name == c.Name }) {
			continue
		}
		m.characters = append(m.characters, c)
		joined = append(joined, c.Name)
		m.history.Append(session.NewMessage(session.RoleUser, session.KindEvent, "",
			fmt.Sprintf("%s joined the conversation. Greet them.", c.Name)))
		m.remember(ctx, c)
	}
	if len(joined) == 0 {
		return nil, nil
	}
	m.forced = nil
	if m.store != nil {
		if err := m.store.AddParticipants(ctx, m.id, joined...); err != nil {
			m.log.Warn("conversation: record participants failed", "err", err)
		}
	}
	m.log.Info("conversation: characters joined", "joined", joined, "cast", len(m.characters))
	return joined, nil
}

// End persists the transcript and returns the Manager to idle.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != StateInConversation {
		return ErrNotInConversation
	}
	m.end(ctx, StateEnded)
	return nil
}

// end must be called with m.mu held.
func (m *Manager) end(ctx context.Context, via State) {
	m.state.Store(int32(via))
	m.flush(ctx)
	if m.metrics != nil {
		m.metrics.ActiveConversations.Add(ctx, -1)
	}
	m.log.Info("conversation ended",
		"conversation_id", m.id,
		"via", via.String(),
		"messages", m.history.Len(),
	)
	m.restart.Store(false)
	m.state.Store(int32(StateIdle))
}

func (m *Manager) flush(ctx context.Context) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Flush(ctx, m.history); err != nil {
		m.log.Warn("conversation: persist transcript failed", "err", err)
	}
}

func (m *Manager) systemPrompt(radiant bool) string {
	var defs []behavior.Definition
	if m.behaviors != nil {
		defs = m.behaviors.Available(m.game.Game(), behavior.ShapeOf(len(m.characters), radiant), radiant)
	}
	return formatSystemPrompt(promptContext{
		characters:   m.characters,
		player:       m.setup.PlayerName,
		location:     m.game.Location(),
		radiant:      radiant,
		instructions: m.setup.Instructions,
		prompt:       m.prompt,
		behavior:     m.behavior,
		behaviors:    defs,
	})
}

func (m *Manager) playerName() string {
	if m.setup.PlayerName == "" {
		return "Player"
	}
	return m.setup.PlayerName
}

func (m *Manager) recordTurn(ctx context.Context, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordTurn(ctx, outcome)
	}
}

func names(cs []game.Character) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}
