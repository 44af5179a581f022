package chatsync

import "time"

// ConnState is the push-channel connectivity state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Event is a typed domain event produced by a Transport.
type Event interface {
	Kind() string
}

// MessageArrived carries a full message, optionally with the pending token of
// the local send it acknowledges.
type MessageArrived struct {
	ConversationID string
	Message        Message
}

// ReceiptApplied reports that UserID has read MessageIDs.
type ReceiptApplied struct {
	ConversationID string
	UserID         string
	MessageIDs     []string
	ReadAt         time.Time
}

type ConversationCreated struct {
	Conversation Conversation
}

type ConversationRemoved struct {
	ConversationID string
}

type ParticipantAdded struct {
	ConversationID string
	Participant    Participant
}

type ParticipantRemoved struct {
	ConversationID string
	UserID         string
}

// TypingChanged is a remote typing start (Typing=true) or stop.
type TypingChanged struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// ReactionUpdated sets the absolute presence of one (emoji, user) reaction.
type ReactionUpdated struct {
	ConversationID string
	MessageID      string
	Emoji          string
	UserID         string
	Added          bool
}

type Connectivity struct {
	State ConnState
}

// TransportError is a server-reported error; it is logged and never fatal.
type TransportError struct {
	Message string
}

func (MessageArrived) Kind() string      { return "message.new" }
func (ReceiptApplied) Kind() string      { return "message.read" }
func (ConversationCreated) Kind() string { return "conversation.created" }
func (ConversationRemoved) Kind() string { return "conversation.removed" }
func (ParticipantAdded) Kind() string    { return "participant.added" }
func (ParticipantRemoved) Kind() string  { return "participant.removed" }
func (e TypingChanged) Kind() string {
	if e.Typing {
		return "typing.start"
	}
	return "typing.stop"
}
func (ReactionUpdated) Kind() string { return "reaction.updated" }
func (Connectivity) Kind() string    { return "connectivity" }
func (TransportError) Kind() string  { return "error" }
