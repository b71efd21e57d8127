package session

import "fmt"

// Mode says which backend owns message routing. Exactly one variant is active:
// AIAssisted, Transferring, HumanAssisted or Closed.
type Mode interface {
	fmt.Stringer
	isMode()
}

type AIAssisted struct{}

// Transferring is entered once the handoff endpoint accepted the request and
// lasts until the operator channel opens.
type Transferring struct {
	QueuePosition *int
	ETAMinutes    *int
}

type HumanAssisted struct {
	OperatorConversationID string
}

// Closed is terminal until Clear.
type Closed struct {
	Reason string
}

func (AIAssisted) isMode()    {}
func (Transferring) isMode()  {}
func (HumanAssisted) isMode() {}
func (Closed) isMode()        {}

func (AIAssisted) String() string    { return "ai_assisted" }
func (Transferring) String() string  { return "transferring" }
func (HumanAssisted) String() string { return "human_assisted" }
func (Closed) String() string        { return "closed" }

// routesToOperator reports whether user messages go to the operator channel.
func routesToOperator(m Mode) bool {
	switch m.(type) {
	case Transferring, HumanAssisted:
		return true
	default:
		return false
	}
}
