package conversation

// State is where the [Manager] is in a conversation's lifecycle.
//
//	Idle → AwaitingSetup → InConversation → Ended | Restarting → Idle
type State int32

const (
	StateIdle State = iota
	StateAwaitingSetup
	StateInConversation
	StateEnded
	StateRestarting
)

// String returns a lower-case label for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingSetup:
		return "awaiting_setup"
	case StateInConversation:
		return "in_conversation"
	case StateEnded:
		return "ended"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}
