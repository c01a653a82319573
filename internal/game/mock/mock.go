// Package mock provides a scriptable game.Interface for tests.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/internal/game"
)

// SayCall records one Say or Narrate delivery.
type SayCall struct {
	Speaker  string
	Text     string
	Audio    []byte
	Narrated bool
	Volume   float64
}

// Game is a mock implementation of game.Interface.
type Game struct {
	mu sync.Mutex

	// GameName is returned by Game. Defaults to "skyrim".
	GameName string

	// Cast is returned by Characters; ActorCount reports len(Cast) unless
	// ActorCountOverride is set.
	Cast               []game.Character
	ActorCountOverride int

	Radiant bool
	Ended   bool

	// Inputs are returned by PlayerInput in order; once exhausted PlayerInput
	// returns "".
	Inputs []string

	LocationName string

	// SayErr, if non-nil, is returned by Say.
	SayErr error

	// OnSay, if set, runs inside Say after the call is recorded.
	OnSay func(SayCall)

	// Call records.
	Active     string
	Switches   []string
	Commands   []game.Command
	Deliveries []SayCall
}

// Game implements game.Interface.
func (g *Game) Game() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.GameName == "" {
		return game.Skyrim
	}
	return g.GameName
}

// ActiveCharacter implements game.Interface.
func (g *Game) ActiveCharacter() (game.Character, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.Cast {
		if c.Name == g.Active {
			return c, true
		}
	}
	return game.Character{}, false
}

// SetActiveCharacter implements game.Interface.
func (g *Game) SetActiveCharacter(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Active = name
	g.Switches = append(g.Switches, name)
}

// IsConversationEnded implements game.Interface.
func (g *Game) IsConversationEnded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Ended
}

// SetEnded flips the conversation-ended flag.
func (g *Game) SetEnded(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Ended = v
}

// IsRadiantDialogue implements game.Interface.
func (g *Game) IsRadiantDialogue() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Radiant
}

// QueueActorMethod implements game.Interface.
func (g *Game) QueueActorMethod(character, method string, args ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Commands = append(g.Commands, game.Command{Character: character, Method: method, Args: args})
}

// Say implements game.Interface.
func (g *Game) Say(_ context.Context, speaker game.Character, text string, audio []byte) error {
	call := SayCall{Speaker: speaker.Name, Text: text, Audio: audio}
	g.mu.Lock()
	err := g.SayErr
	g.Deliveries = append(g.Deliveries, call)
	hook := g.OnSay
	g.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return err
}

// Narrate implements game.Interface.
func (g *Game) Narrate(_ context.Context, text string, audio []byte, volume float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Deliveries = append(g.Deliveries, SayCall{Speaker: "narrator", Text: text, Audio: audio, Narrated: true, Volume: volume})
	return nil
}

// ActorCount implements game.Interface.
func (g *Game) ActorCount(context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ActorCountOverride > 0 {
		return g.ActorCountOverride, nil
	}
	return len(g.Cast), nil
}

// Characters implements game.Interface.
func (g *Game) Characters(context.Context) ([]game.Character, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.Cast), nil
}

// Join adds a character to the cast, as if they walked into the conversation.
func (g *Game) Join(c game.Character) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cast = append(g.Cast, c)
}

// PlayerInput implements game.Interface.
func (g *Game) PlayerInput(context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.Inputs) == 0 {
		return "", nil
	}
	in := g.Inputs[0]
	g.Inputs = g.Inputs[1:]
	return in, nil
}

// Location implements game.Interface.
func (g *Game) Location() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.LocationName
}

// Spoken returns the text of every delivery in order.
func (g *Game) Spoken() []SayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.Deliveries)
}

// Queued returns every queued actor command in order.
func (g *Game) Queued() []game.Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.Commands)
}

var _ game.Interface = (*Game)(nil)
