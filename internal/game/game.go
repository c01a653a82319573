// Package game defines the boundary between Parley and the game it voices.
//
// The game side owns the actors, the player, and audio playback. Parley asks
// it who is in the conversation, tells it which character is speaking, hands
// it finished voice lines, and queues actor commands (start combat, open the
// barter menu, …) that the game executes on its own schedule.
package game

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// Known game identifiers. Behaviors restrict themselves to these.
const (
	Skyrim   = "skyrim"
	Fallout4 = "fallout4"
)

// Character is an actor taking part in a conversation.
type Character struct {
	// Name is the full in-game name, e.g. "Lydia" or "Whiterun Guard".
	Name string

	// RefID identifies the actor instance in the game.
	RefID string

	// Voice selects the TTS voice used for this character's lines.
	Voice types.VoiceProfile

	// Bio is free text injected into the system prompt.
	Bio string

	// Generic marks unnamed NPCs (guards, bandits) that have no bio of their own.
	Generic bool
}

// Interface is what the conversation layer needs from a running game.
//
// Implementations must be safe for concurrent use: the delivery consumer calls
// Say while the parser goroutine queues actor methods.
type Interface interface {
	// Game returns the game identifier, e.g. [Skyrim].
	Game() string

	// ActiveCharacter returns the character currently holding the floor, if any.
	ActiveCharacter() (Character, bool)

	// SetActiveCharacter switches the speaking character.
	SetActiveCharacter(name string)

	// IsConversationEnded reports whether the game ended the conversation.
	IsConversationEnded() bool

	// IsRadiantDialogue reports whether the conversation is NPC-initiated.
	IsRadiantDialogue() bool

	// QueueActorMethod queues a deferred command against character.
	QueueActorMethod(character, method string, args ...string)

	// Say delivers one voice line and blocks until the game accepted it.
	Say(ctx context.Context, speaker Character, text string, audio []byte) error

	// Narrate plays a narrator line at the given volume (0–1).
	Narrate(ctx context.Context, text string, audio []byte, volume float64) error

	// ActorCount returns how many NPCs are currently in the conversation.
	ActorCount(ctx context.Context) (int, error)

	// Characters returns the NPCs currently in the conversation.
	Characters(ctx context.Context) ([]Character, error)

	// PlayerInput blocks until the player says something. It returns an empty
	// string when the player passes the turn.
	PlayerInput(ctx context.Context) (string, error)

	// Location returns the player's current in-game location.
	Location() string
}

// Command is a queued actor method, as recorded by implementations that batch
// commands until the next delivery.
type Command struct {
	Character string
	Method    string
	Args      []string
}
