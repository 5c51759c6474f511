package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client over the push
// channel. Message sends go through the REST API, not here.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypeJoin        = "join"
	InboundTypeLeave       = "leave"
	InboundTypeTypingStart = "typing_start"
	InboundTypeTypingStop  = "typing_stop"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventNameNewMessage  = "new_message"
	EventNameTypingStart = "typing_start"
	EventNameTypingStop  = "typing_stop"
	EventNameReadReceipt = "read_receipt"
)

// RoomData addresses a conversation room for join/leave and typing signals.
type RoomData struct {
	ConversationID int64 `json:"conversation_id"`
}

// Outbound is the envelope for messages pushed to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// AttachmentPayload is attachment metadata on the wire.
type AttachmentPayload struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// EventNewMessage carries a freshly persisted message. The sending client
// reconciles its optimistic copy against ID, which is canonical.
type EventNewMessage struct {
	ID             int64               `json:"id"`
	ConversationID int64               `json:"conversation_id"`
	SenderID       int64               `json:"sender_id"`
	Body           string              `json:"body"`
	Kind           string              `json:"kind"`
	ReplyToID      *int64              `json:"reply_to_id,omitempty"`
	Attachments    []AttachmentPayload `json:"attachments,omitempty"`
	TS             int64               `json:"ts"`
}

// EventTyping signals that a user started or stopped typing.
type EventTyping struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

// EventReadReceipt signals that a user advanced their read marker.
type EventReadReceipt struct {
	ConversationID   int64 `json:"conversation_id"`
	UserID           int64 `json:"user_id"`
	ThroughMessageID int64 `json:"through_message_id"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
