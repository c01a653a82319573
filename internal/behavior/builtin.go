package behavior

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/parley/internal/game"
)

// Actor methods understood by the game-side bridge.
const (
	MethodStartCombat     = "StartCombat"
	MethodStopCombat      = "StopCombat"
	MethodFollow          = "Follow"
	MethodWait            = "Wait"
	MethodOpenInventory   = "OpenInventory"
	MethodReportCrime     = "ReportCrime"
	MethodEndConversation = "EndConversation"
)

// actorBehavior queues one actor method against the speaker.
type actorBehavior struct {
	def    Definition
	method string
	args   []string
	// event is rendered with the speaker's name in place of "{speaker}".
	event string
	ends  bool
}

func (a *actorBehavior) Definition() Definition { return a.def }

func (a *actorBehavior) Run(_ context.Context, in Input) (Outcome, error) {
	if in.Game == nil {
		return Outcome{}, errors.New("no game attached")
	}
	if in.Speaker.Name == "" {
		return Outcome{}, errors.New("no speaker")
	}
	in.Game.QueueActorMethod(in.Speaker.Name, a.method, a.args...)
	return Outcome{
		Event:            strings.ReplaceAll(a.event, "{speaker}", in.Speaker.Name),
		EndsConversation: a.ends,
	}, nil
}

// Builtins returns the behaviors that ship with Parley.
func Builtins() []Behavior {
	return []Behavior{
		&actorBehavior{
			def: Definition{
				Keyword:     "Attack",
				Description: "Use this if you decide to attack the person you are talking to.",
			},
			method: MethodStartCombat,
			event:  "{speaker} attacks!",
		},
		&actorBehavior{
			def: Definition{
				Keyword:     "Offended",
				Description: "Use this if you are so offended that you turn hostile.",
			},
			method: MethodStartCombat,
			event:  "{speaker} is offended and turns hostile.",
		},
		&actorBehavior{
			def: Definition{
				Keyword:     "Forgiven",
				Description: "Use this if you forgive the person you were fighting.",
			},
			method: MethodStopCombat,
			event:  "{speaker} forgives and stops fighting.",
		},
		&actorBehavior{
			def: Definition{
				Keyword:     "Follow",
				Description: "Use this if you agree to follow the player.",
				Shape:       ShapePlayerWithNPC,
			},
			method: MethodFollow,
			event:  "{speaker} starts following.",
		},
		&actorBehavior{
			def: Definition{
				Keyword:     "Wait",
				Description: "Use this if you agree to stay where you are.",
				Shape:       ShapePlayerWithNPC,
			},
			method: MethodWait,
			event:  "{speaker} waits here.",
		},
		&actorBehavior{
			def: Definition{
				Keyword:     "Inventory",
				Description: "Use this if the player asks to see what you are carrying or to trade.",
				Games:       []string{game.Skyrim, game.Fallout4},
				Shape:       ShapePlayerWithNPC,
			},
			method: MethodOpenInventory,
		},
		&actorBehavior{
			def: Definition{
				Keyword:     "ReportCrime",
				Description: "Use this if you overheard something criminal and decide to report it to the guards.",
				Games:       []string{game.Skyrim},
				RadiantOnly: true,
			},
			method: MethodReportCrime,
			args:   []string{"40"},
			event:  "{speaker} reported a crime to the guards.",
		},
		&actorBehavior{
			def: Definition{
				Keyword:     "Goodbye",
				Description: "Use this when you end the conversation.",
			},
			method: MethodEndConversation,
			ends:   true,
		},
	}
}

// RegisterBuiltins registers every built-in behavior on r.
func RegisterBuiltins(r *Registry) error {
	var errs []error
	for _, b := range Builtins() {
		errs = append(errs, r.Register(b))
	}
	return errors.Join(errs...)
}
