package conversation_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/behavior"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/game"
	gamemock "github.com/MrWong99/parley/internal/game/mock"
	"github.com/MrWong99/parley/internal/parser"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/style"
	"github.com/MrWong99/parley/pkg/memory"
	memorymock "github.com/MrWong99/parley/pkg/memory/mock"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

var (
	lydia  = game.Character{Name: "Lydia", Bio: "Housecarl of Whiterun."}
	guard1 = game.Character{Name: "Guard1"}
	guard2 = game.Character{Name: "Guard2"}
)

func script(texts ...string) [][]llm.Chunk {
	out := make([][]llm.Chunk, len(texts))
	for i, t := range texts {
		out[i] = []llm.Chunk{{Text: t}}
	}
	return out
}

type rig struct {
	game    *gamemock.Game
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
	manager *conversation.Manager
}

// newRig wires a real parser and dispatcher around mocked providers.
func newRig(t *testing.T, g *gamemock.Game, streams [][]llm.Chunk, opts ...conversation.Option) *rig {
	t.Helper()

	reg := behavior.NewRegistry()
	if err := behavior.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	settings := parser.DefaultSettings()
	settings.RetryBackoff = time.Millisecond
	settings.FillerLines = nil

	r := &rig{game: g, llm: &llmmock.Provider{Streams: streams}, tts: &ttsmock.Provider{}}
	proc, err := parser.NewProcessor(r.llm, g, reg, settings, parser.WithRand(func(int) int { return 0 }))
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	d, err := dispatch.New(g, r.tts, dispatch.NewQueue(), dispatch.WithHooks(reg))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	opts = append([]conversation.Option{conversation.WithBehaviors(reg)}, opts...)
	r.manager, err = conversation.New(g, proc, d, style.NewSet(nil, nil), opts...)
	if err != nil {
		t.Fatalf("conversation.New: %v", err)
	}
	return r
}

func (r *rig) start(t *testing.T, setup conversation.Setup) {
	t.Helper()
	if setup.PromptStyle == "" {
		setup.PromptStyle = "normal"
	}
	if setup.BehaviorStyle == "" {
		setup.BehaviorStyle = "default"
	}
	if err := r.manager.Start(context.Background(), setup); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (r *rig) step(t *testing.T) conversation.StepResult {
	t.Helper()
	res, err := r.manager.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	return res
}

func speakers(calls []gamemock.SayCall) []string {
	var out []string
	for _, c := range calls {
		if len(out) == 0 || out[len(out)-1] != c.Speaker {
			out = append(out, c.Speaker)
		}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	g := &gamemock.Game{}
	d, err := dispatch.New(g, &ttsmock.Provider{}, dispatch.NewQueue())
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	proc, err := parser.NewProcessor(&llmmock.Provider{}, g, nil, parser.DefaultSettings())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	if _, err := conversation.New(nil, proc, d, nil); err == nil {
		t.Error("expected error for nil game")
	}
	if _, err := conversation.New(g, nil, d, nil); err == nil {
		t.Error("expected error for nil responder")
	}
	if _, err := conversation.New(g, proc, nil, nil); err == nil {
		t.Error("expected error for nil dispatcher")
	}
}

func TestStep_TwoGuardsSpeakInOrder(t *testing.T) {
	t.Parallel()

	g := &gamemock.Game{Cast: []game.Character{guard1, guard2}, Inputs: []string{"Hello there."}}
	r := newRig(t, g, script("Guard1: Halt! Who goes there? Guard2: Easy, it's only a traveller."))
	r.start(t, conversation.Setup{PlayerName: "Dragonborn"})

	res := r.step(t)
	if res.PlayerInput != "Hello there." {
		t.Errorf("player input = %q", res.PlayerInput)
	}
	if res.Ended {
		t.Error("conversation ended after one turn")
	}

	spoken := g.Spoken()
	if got := speakers(spoken); !slices.Equal(got, []string{"Guard1", "Guard2"}) {
		t.Fatalf("speakers = %v, want [Guard1 Guard2]", got)
	}
	for _, s := range spoken {
		if strings.Contains(s.Text, ":") {
			t.Errorf("speaker prefix leaked into line %q", s.Text)
		}
		if len(s.Audio) == 0 {
			t.Errorf("line %q delivered without audio", s.Text)
		}
	}

	req := r.llm.StreamCalls[0].Req
	if !strings.Contains(req.SystemPrompt, "Guard1 and Guard2") {
		t.Errorf("system prompt does not name the cast: %q", req.SystemPrompt)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "Hello there." {
		t.Errorf("last request message = %+v", last)
	}

	hist := r.manager.History()
	if got := hist[len(hist)-1]; got.Role != session.RoleAssistant {
		t.Errorf("last history message role = %s, want assistant", got.Role)
	}
}

func TestStart_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cast    []game.Character
		setup   conversation.Setup
		wantErr error
	}{
		{
			name:    "unknown prompt style",
			cast:    []game.Character{lydia},
			setup:   conversation.Setup{PromptStyle: "nope", BehaviorStyle: "default"},
			wantErr: conversation.ErrInvalidStyle,
		},
		{
			name:    "unknown behavior style",
			cast:    []game.Character{lydia},
			setup:   conversation.Setup{PromptStyle: "normal", BehaviorStyle: "nope"},
			wantErr: conversation.ErrInvalidStyle,
		},
		{
			name:    "nobody there",
			setup:   conversation.Setup{PromptStyle: "normal", BehaviorStyle: "default"},
			wantErr: conversation.ErrNoCharacters,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newRig(t, &gamemock.Game{Cast: tc.cast}, nil)
			err := r.manager.Start(context.Background(), tc.setup)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if st := r.manager.State(); st != conversation.StateIdle {
				t.Errorf("state = %s, want idle", st)
			}
		})
	}

	t.Run("forced speaker not in cast", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, &gamemock.Game{Cast: []game.Character{lydia}}, nil)
		err := r.manager.Start(context.Background(), conversation.Setup{
			PromptStyle: "normal", BehaviorStyle: "default", ForcedSpeaker: "Nazeem",
		})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()

	r := newRig(t, &gamemock.Game{Cast: []game.Character{lydia}}, nil)
	r.start(t, conversation.Setup{})
	err := r.manager.Start(context.Background(), conversation.Setup{PromptStyle: "normal", BehaviorStyle: "default"})
	if !errors.Is(err, conversation.ErrAlreadyInConversation) {
		t.Fatalf("err = %v, want ErrAlreadyInConversation", err)
	}
}

func TestStep_NotInConversation(t *testing.T) {
	t.Parallel()

	r := newRig(t, &gamemock.Game{Cast: []game.Character{lydia}}, nil)
	if _, err := r.manager.Step(context.Background()); !errors.Is(err, conversation.ErrNotInConversation) {
		t.Errorf("Step err = %v", err)
	}
	if err := r.manager.End(context.Background()); !errors.Is(err, conversation.ErrNotInConversation) {
		t.Errorf("End err = %v", err)
	}
}

func TestStep_JoinerIsGreeted(t *testing.T) {
	t.Parallel()

	g := &gamemock.Game{Cast: []game.Character{lydia}, Inputs: []string{"Hi.", "Look who's here."}}
	r := newRig(t, g, script("Lydia: Hello.", "Lydia: Welcome. Guard1: Greetings."))
	r.start(t, conversation.Setup{ForcedSpeaker: "Lydia"})

	if res := r.step(t); len(res.Joined) != 0 {
		t.Fatalf("joined = %v on the first turn", res.Joined)
	}

	g.Join(guard1)
	res := r.step(t)
	if !slices.Equal(res.Joined, []string{"Guard1"}) {
		t.Fatalf("joined = %v, want [Guard1]", res.Joined)
	}
	if got := r.manager.Characters(); len(got) != 2 {
		t.Errorf("cast = %v, want 2 characters", got)
	}

	var greeted bool
	for _, m := range r.manager.History() {
		if m.Kind == session.KindEvent && strings.Contains(m.Content, "Guard1 joined") {
			greeted = true
		}
	}
	if !greeted {
		t.Error("no greeting event for the joiner")
	}

	req := r.llm.StreamCalls[1].Req
	if !strings.Contains(req.SystemPrompt, "Lydia and Guard1") {
		t.Errorf("second system prompt does not include the joiner: %q", req.SystemPrompt)
	}
	// The forced speaker is lifted so the newcomer can answer.
	if got := speakers(g.Spoken()); !slices.Equal(got, []string{"Lydia", "Guard1"}) {
		t.Errorf("speakers = %v, want [Lydia Guard1]", got)
	}
}

func TestStep_RestartEndsAtTurnBoundary(t *testing.T) {
	t.Parallel()

	r := newRig(t, &gamemock.Game{Cast: []game.Character{lydia}}, script("Lydia: Hi."))
	r.start(t, conversation.Setup{})

	r.manager.RequestRestart()
	res := r.step(t)
	if !res.Ended || !res.Restarted {
		t.Fatalf("result = %+v, want ended by restart", res)
	}
	if r.llm.Calls() != 0 {
		t.Errorf("llm calls = %d, want 0", r.llm.Calls())
	}
	if st := r.manager.State(); st != conversation.StateIdle {
		t.Errorf("state = %s, want idle", st)
	}

	// The flag does not leak into the next conversation.
	r.start(t, conversation.Setup{})
	if res := r.step(t); res.Ended {
		t.Errorf("second conversation ended immediately: %+v", res)
	}
}

func TestStep_GameEndedConversation(t *testing.T) {
	t.Parallel()

	g := &gamemock.Game{Cast: []game.Character{lydia}}
	r := newRig(t, g, script("Lydia: Hi."))
	r.start(t, conversation.Setup{})

	g.SetEnded(true)
	res := r.step(t)
	if !res.Ended || res.Restarted {
		t.Fatalf("result = %+v", res)
	}
	if r.llm.Calls() != 0 {
		t.Errorf("llm calls = %d, want 0", r.llm.Calls())
	}
}

func TestStep_GoodbyeEndsConversation(t *testing.T) {
	t.Parallel()

	g := &gamemock.Game{Cast: []game.Character{lydia}, Inputs: []string{"Farewell, Lydia."}}
	r := newRig(t, g, script("Lydia: Farewell. <<Goodbye>>"))
	r.start(t, conversation.Setup{})

	res := r.step(t)
	if !res.Ended || !res.Reply.EndsConversation {
		t.Fatalf("result = %+v, want ended", res)
	}
	if st := r.manager.State(); st != conversation.StateIdle {
		t.Errorf("state = %s, want idle", st)
	}
	cmds := g.Queued()
	if len(cmds) != 1 || cmds[0].Method != behavior.MethodEndConversation {
		t.Errorf("queued = %+v", cmds)
	}
}

func TestStep_RadiantSkipsPlayerInput(t *testing.T) {
	t.Parallel()

	g := &gamemock.Game{Cast: []game.Character{guard1, guard2}, Radiant: true, Inputs: []string{"unused"}}
	r := newRig(t, g, script("Guard1: Quiet night. Guard2: Too quiet."))
	r.start(t, conversation.Setup{})

	res := r.step(t)
	if res.PlayerInput != "" {
		t.Errorf("player input = %q, want none in radiant dialogue", res.PlayerInput)
	}
	if len(g.Inputs) != 1 {
		t.Error("radiant turn consumed player input")
	}
	if !strings.Contains(r.llm.StreamCalls[0].Req.SystemPrompt, "among yourselves") {
		t.Errorf("system prompt = %q", r.llm.StreamCalls[0].Req.SystemPrompt)
	}
}

func TestStep_ReloadBoundsHistory(t *testing.T) {
	t.Parallel()

	g := &gamemock.Game{Cast: []game.Character{lydia}, Inputs: []string{"One.", "Two.", "Three.", "Four."}}
	r := newRig(t, g, script("Lydia: Aye."),
		conversation.WithReloadPolicy(session.ReloadPolicy{MaxMessages: 3, TrailingBuffer: 1}))
	r.start(t, conversation.Setup{})

	for range 4 {
		r.step(t)
		if n := len(r.manager.History()); n > 3 {
			t.Fatalf("history length = %d, want at most 3", n)
		}
	}
	for i, call := range r.llm.StreamCalls {
		if n := len(call.Req.Messages); n > 3 {
			t.Errorf("request %d carried %d messages", i, n)
		}
	}
}

func TestConversation_MemoryRecallAndPersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := &memorymock.Store{}
	if err := store.AddParticipants(ctx, "earlier", "Lydia"); err != nil {
		t.Fatalf("AddParticipants: %v", err)
	}
	if err := store.WriteEntry(ctx, memory.Entry{
		ConversationID: "earlier",
		Speaker:        "Player",
		Role:           "user",
		Text:           "Remember the dragon at the watchtower.",
		Timestamp:      time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}

	g := &gamemock.Game{Cast: []game.Character{lydia}, Inputs: []string{"Ready to go?"}}
	r := newRig(t, g, script("Lydia: I am sworn to carry your burdens."), conversation.WithStore(store))
	r.start(t, conversation.Setup{})

	var recalled bool
	for _, m := range r.manager.History() {
		if m.Kind == session.KindMemory && strings.Contains(m.Content, "dragon at the watchtower") {
			recalled = true
		}
	}
	if !recalled {
		t.Fatal("earlier conversation was not recalled")
	}

	r.step(t)
	if err := r.manager.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	id := r.manager.ConversationID()
	if got := store.Participants(id); !slices.Equal(got, []string{"Lydia"}) {
		t.Errorf("participants = %v", got)
	}
	var roles []string
	for _, e := range store.Entries() {
		if e.ConversationID == id {
			roles = append(roles, e.Role)
		}
	}
	if !slices.Equal(roles, []string{"user", "assistant"}) {
		t.Errorf("persisted roles = %v, want [user assistant]", roles)
	}
}

func TestConversation_StoreFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{
		RecallErr:     errors.New("disk on fire"),
		WriteEntryErr: errors.New("disk on fire"),
	}
	g := &gamemock.Game{Cast: []game.Character{lydia}, Inputs: []string{"Hi."}}
	r := newRig(t, g, script("Lydia: Hello."), conversation.WithStore(store))
	r.start(t, conversation.Setup{})
	r.step(t)
	if err := r.manager.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestStep_ResponseErrorKeepsConversation(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	g := &gamemock.Game{Cast: []game.Character{lydia}, Inputs: []string{"Hi.", "Hi again."}}
	r := newRig(t, g, script("Lydia: Hello."))
	r.llm.StreamErrs = []error{boom, boom, boom, boom, boom, boom}

	r.start(t, conversation.Setup{})
	if _, err := r.manager.Step(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if st := r.manager.State(); st != conversation.StateInConversation {
		t.Errorf("state = %s, want in_conversation", st)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[conversation.State]string{
		conversation.StateIdle:           "idle",
		conversation.StateAwaitingSetup:  "awaiting_setup",
		conversation.StateInConversation: "in_conversation",
		conversation.StateEnded:          "ended",
		conversation.StateRestarting:     "restarting",
		conversation.State(42):           "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
