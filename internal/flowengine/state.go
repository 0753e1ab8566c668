package flowengine

import (
	"time"

	"wuzapi-autoflow/internal/conversations"
)

// State is the flow position of a conversation, derived from its history on
// every event and never stored.
type State int

const (
	// StateNew: no messages yet or no response was ever sent.
	StateNew State = iota
	// StateAwaitingTrigger: the conversation has been idle past the window.
	StateAwaitingTrigger
	// StateInFlow: the inbound message answers an earlier template.
	StateInFlow
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingTrigger:
		return "awaiting_trigger"
	case StateInFlow:
		return "in_flow"
	default:
		return "unknown"
	}
}

// Classify derives the state of a conversation before the inbound message is
// recorded, so st does not include it.
func Classify(st conversations.State, now time.Time, idleWindow time.Duration) State {
	if st.MessageCount == 0 || st.ResponseCount == 0 {
		return StateNew
	}
	if now.Sub(time.Unix(st.LastMessageTime, 0)) > idleWindow {
		return StateAwaitingTrigger
	}
	return StateInFlow
}
