package chat

import "fmt"

// Control payloads exchanged on the wire.
const (
	// ExitCommand is sent by a participant to leave.
	ExitCommand = "exit"
	// JoinCommand is the connectionless join request.
	JoinCommand = "join"
	// ShutdownSentinel is sent to every participant when the server stops.
	ShutdownSentinel = "server-shutdown"

	WelcomeReply       = "Welcome"
	NameTakenReply     = "Name already taken"
	AlreadyJoinedReply = "Already joined"
)

// Kind tags a Message.
type Kind int

// Message kinds.
const (
	KindJoin Kind = iota
	KindLeave
	KindChat
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindChat:
		return "chat"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is a relay event attributed to a sender. Sender is empty only for
// shutdown notices.
type Message struct {
	Kind   Kind
	Sender string
	Body   string
}

// Joined returns the announcement for a new participant.
func Joined(name string) Message {
	return Message{Kind: KindJoin, Sender: name}
}

// Left returns the announcement for a departed participant.
func Left(name string) Message {
	return Message{Kind: KindLeave, Sender: name}
}

// Chat returns a chat message from name.
func Chat(name, body string) Message {
	return Message{Kind: KindChat, Sender: name, Body: body}
}

// ShutdownNotice returns the shutdown sentinel message.
func ShutdownNotice() Message {
	return Message{Kind: KindShutdown}
}

// Format renders the message as it is delivered to recipients.
func (m Message) Format() string {
	switch m.Kind {
	case KindJoin:
		return fmt.Sprintf("User %s joined", m.Sender)
	case KindLeave:
		return fmt.Sprintf("User %s left", m.Sender)
	case KindShutdown:
		return ShutdownSentinel
	default:
		return fmt.Sprintf("%s: %s", m.Sender, m.Body)
	}
}
