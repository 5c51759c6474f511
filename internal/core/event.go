package core

import "github.com/edulink/chat-server/internal/store"

// EventKind is a notification the router fans out to sessions.
type EventKind int

const (
	// EventNewMessage notifies room members about a persisted message.
	EventNewMessage EventKind = iota
	// EventTypingStart notifies room members that a user started typing.
	EventTypingStart
	// EventTypingStop notifies room members that a user stopped typing.
	EventTypingStop
	// EventReadReceipt notifies room members that a user advanced their
	// read marker.
	EventReadReceipt
)

// Event describes something that happened in a conversation. Events are
// delivery-only: they are never persisted, and a recipient that is offline at
// publish time catches up through history instead.
type Event struct {
	Kind           EventKind
	ConversationID int64
	UserID         int64          // actor: typer or reader
	Message        *store.Message // non-nil for EventNewMessage
	ThroughID      int64          // for EventReadReceipt: the new marker
}
