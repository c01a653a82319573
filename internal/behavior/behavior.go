// Package behavior maps command tokens embedded in NPC dialogue to game side
// effects.
//
// A model asked to play a guard may answer "<<Attack>> Get away from me!".
// The streaming parser hands the token text ("Attack") to [Registry.Evaluate],
// which finds the registered behavior, checks that it applies to the current
// game and conversation shape, and runs it. Running a behavior queues actor
// commands on the game and may produce a synthetic event message for the
// history, so later turns can react to what happened.
//
// Behaviors are registered explicitly at startup; there is no discovery.
package behavior

import (
	"context"
	"slices"

	"github.com/MrWong99/parley/internal/game"
)

// Shape classifies a conversation by who takes part in it.
type Shape int

const (
	// ShapeAny is used in a [Definition] to mean "no restriction"; as a
	// computed shape it means there are no active characters.
	ShapeAny Shape = iota
	ShapePlayerWithNPC
	ShapeNPCWithNPC
	ShapeMultiNPC
)

// String implements fmt.Stringer.
func (s Shape) String() string {
	switch s {
	case ShapeAny:
		return "none"
	case ShapePlayerWithNPC:
		return "single_player_with_npc"
	case ShapeNPCWithNPC:
		return "single_npc_with_npc"
	case ShapeMultiNPC:
		return "multi_npc"
	default:
		return "unknown"
	}
}

// ShapeOf computes the conversation shape from the number of active
// characters and whether the dialogue is radiant (NPC-initiated).
func ShapeOf(activeCharacters int, radiant bool) Shape {
	switch {
	case activeCharacters <= 0:
		return ShapeAny
	case activeCharacters == 1 && !radiant:
		return ShapePlayerWithNPC
	case activeCharacters == 1:
		return ShapeNPCWithNPC
	default:
		return ShapeMultiNPC
	}
}

// Definition is the static description of a behavior.
type Definition struct {
	// Keyword is the token text, matched case-insensitively.
	Keyword string

	// Description is shown to the model in the system prompt.
	Description string

	// Games lists the games the behavior works in. Empty means all.
	Games []string

	// Shape restricts the behavior to one conversation shape. ShapeAny means
	// no restriction.
	Shape Shape

	// RadiantOnly restricts the behavior to NPC-initiated dialogue.
	RadiantOnly bool
}

// Applies reports whether the behavior is eligible in the given situation.
func (d Definition) Applies(gameName string, shape Shape, radiant bool) bool {
	if len(d.Games) > 0 && !slices.Contains(d.Games, gameName) {
		return false
	}
	if d.Shape != ShapeAny && d.Shape != shape {
		return false
	}
	return !d.RadiantOnly || radiant
}

// Input is the context a behavior runs in.
type Input struct {
	// Speaker is the character whose line contained the token.
	Speaker game.Character

	// Sentence is the sentence the token appeared in, token removed.
	Sentence string

	// Game is the running game.
	Game game.Interface

	// ActiveCharacters is the number of NPCs in the conversation.
	ActiveCharacters int

	// Radiant is true for NPC-initiated dialogue.
	Radiant bool
}

// Shape returns the conversation shape of in.
func (in Input) Shape() Shape {
	return ShapeOf(in.ActiveCharacters, in.Radiant)
}

// Outcome is what running a behavior produced.
type Outcome struct {
	// Event, if non-empty, is appended to the history as a game event.
	Event string

	// EndsConversation asks the conversation layer to wrap up after this turn.
	EndsConversation bool
}

// Behavior is a registered capability.
type Behavior interface {
	Definition() Definition
	Run(ctx context.Context, in Input) (Outcome, error)
}

// LineHook is implemented by behaviors (or standalone hooks) that want to run
// around every voice line, not only when their token appears.
type LineHook interface {
	BeforeLine(ctx context.Context, g game.Interface, speaker game.Character)
	AfterLine(ctx context.Context, g game.Interface, speaker game.Character)
}
