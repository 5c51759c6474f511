package store

import (
	"context"
	"errors"
	"time"
)

// Domain errors surfaced by store implementations.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotAParticipant      = errors.New("not a participant")
	ErrInvalidParticipants  = errors.New("invalid participants")
	ErrMessageNotFound      = errors.New("message not found")
	ErrUserNotFound         = errors.New("user not found")
)

// User represents an account in the system.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Conversation is a chat thread, one-to-one or group.
type Conversation struct {
	ID        int64
	IsGroup   bool
	Name      string  // optional display name, empty for direct chats
	DirectKey *string // for direct chats: "dm:{minUserId}:{maxUserId}"
	CreatedAt time.Time
	UpdatedAt time.Time // bumped on every new message
}

// Participant links a user to a conversation and carries its read marker.
type Participant struct {
	ConversationID int64
	UserID         int64
	LastReadID     int64 // highest message id the user has read, 0 = nothing
	JoinedAt       time.Time
}

// MessageKind tags what a message carries.
type MessageKind string

const (
	MessageKindText       MessageKind = "text"
	MessageKindAttachment MessageKind = "attachment"
	MessageKindSystem     MessageKind = "system"
)

// Message is a persisted chat message. Immutable once created except for
// edit metadata and read receipts.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Body           string
	Kind           MessageKind
	ReplyToID      *int64
	Edited         bool
	EditedAt       *time.Time
	CreatedAt      time.Time
	Attachments    []Attachment
}

// Attachment is metadata for a file attached to a message. The service does
// not store file contents, only references.
type Attachment struct {
	ID        int64
	MessageID int64
	Name      string
	URL       string
	MimeType  string
}

// ReadReceipt records that a user has read a message. At most one per
// (message, user) pair.
type ReadReceipt struct {
	MessageID int64
	UserID    int64
	ReadAt    time.Time
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation Conversation
	LastMessage  *Message // nil for conversations with no messages yet
	UnreadCount  int64    // messages past the read marker authored by others
}

// NewMessage describes a message to append. The store assigns ID and
// CreatedAt.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Body           string
	Kind           MessageKind
	ReplyToID      *int64
	Attachments    []Attachment
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// SearchUsers searches for users by username substring.
	SearchUsers(ctx context.Context, query string) ([]*User, error)
}

// ConversationStore handles conversations, participants and messages. It is
// the single source of truth for message ordering and read markers.
type ConversationStore interface {
	// CreateConversation creates a conversation with the creator and the given
	// participants. Direct (non-group) conversations require exactly one other
	// participant and are deduplicated by pair: creating the same pair twice
	// returns the existing conversation.
	CreateConversation(ctx context.Context, creatorID int64, participantIDs []int64, isGroup bool, name string) (*Conversation, error)

	// GetConversationByID retrieves a conversation by ID.
	GetConversationByID(ctx context.Context, id int64) (*Conversation, error)

	// IsParticipant reports whether the user belongs to the conversation.
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)

	// AddParticipant adds a user to a group conversation. Idempotent.
	AddParticipant(ctx context.Context, conversationID, userID int64) error

	// ListParticipants lists participants of a conversation.
	ListParticipants(ctx context.Context, conversationID int64) ([]*Participant, error)

	// AppendMessage persists a message and bumps the conversation's UpdatedAt
	// in one transaction. CreatedAt is assigned monotonically non-decreasing
	// within the conversation's insertion order. Fails with ErrNotAParticipant
	// if the sender does not belong to the conversation.
	AppendMessage(ctx context.Context, m NewMessage) (*Message, error)

	// GetMessage retrieves a single message with its attachments.
	GetMessage(ctx context.Context, id int64) (*Message, error)

	// ListConversationsForUser returns the user's conversations ordered by
	// UpdatedAt descending, each with last-message preview and unread count.
	ListConversationsForUser(ctx context.Context, userID int64) ([]*ConversationSummary, error)

	// MarkRead advances the participant's read marker to throughMessageID and
	// writes read receipts for all messages up to that point. The marker only
	// moves forward: marking an older message is a no-op.
	MarkRead(ctx context.Context, conversationID, userID, throughMessageID int64) error

	// UnreadCount returns the number of messages past the user's read marker
	// authored by someone else.
	UnreadCount(ctx context.Context, conversationID, userID int64) (int64, error)

	// FetchHistory returns up to limit messages newest-first. When beforeID is
	// non-nil only messages older than it are returned, so pages anchored on
	// the oldest loaded message never skip or duplicate rows while new
	// messages arrive. hasMore reports whether older messages remain.
	FetchHistory(ctx context.Context, conversationID, userID int64, beforeID *int64, limit int) (messages []*Message, hasMore bool, err error)

	// ListReceipts lists read receipts for a message.
	ListReceipts(ctx context.Context, messageID int64) ([]*ReadReceipt, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ConversationStore

	// Close closes the underlying database connection.
	Close() error
}
