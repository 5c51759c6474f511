package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edulink/chat-server/internal/core"
	"github.com/edulink/chat-server/internal/store"
)

// ErrEmptyMessage is returned when a send carries neither text nor
// attachments.
var ErrEmptyMessage = errors.New("empty message")

// SendRequest describes an outgoing message from a client.
type SendRequest struct {
	ConversationID int64
	Body           string
	ReplyToID      *int64
	Attachments    []store.Attachment
}

// Ingress is the single entry point for message creation. A send moves
// through validate, persist, broadcast; the caller gets the persisted message
// back as its delivery confirmation. Persist and broadcast happen under a
// per-conversation lock so every room member observes messages in the order
// the store accepted them, while sends into different conversations proceed
// in parallel.
type Ingress struct {
	store  store.Store
	router *core.Router
	log    *zerolog.Logger

	mu        sync.Mutex
	convLocks map[int64]*convLock
}

// convLock is a refcounted per-conversation mutex. The refcount tracks
// in-flight sends so the map entry can be dropped once the last one finishes.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewIngress constructs the message ingress service.
func NewIngress(st store.Store, router *core.Router, logger *zerolog.Logger) *Ingress {
	return &Ingress{
		store:     st,
		router:    router,
		log:       logger,
		convLocks: make(map[int64]*convLock),
	}
}

// acquire takes the serialization lock for one conversation.
func (s *Ingress) acquire(conversationID int64) *convLock {
	s.mu.Lock()
	l, ok := s.convLocks[conversationID]
	if !ok {
		l = &convLock{}
		s.convLocks[conversationID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

// release unlocks the conversation lock and removes the map entry when no
// other send holds a reference.
func (s *Ingress) release(conversationID int64, l *convLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.convLocks, conversationID)
	}
	s.mu.Unlock()
}

// Send validates, persists and broadcasts a message. Validation and
// persistence failures are surfaced synchronously and nothing is broadcast;
// there are no retries, the caller must resubmit explicitly.
func (s *Ingress) Send(ctx context.Context, senderID int64, req SendRequest) (*store.Message, error) {
	if req.Body == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	isMember, err := s.store.IsParticipant(ctx, req.ConversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		if _, err := s.store.GetConversationByID(ctx, req.ConversationID); err != nil {
			return nil, err
		}
		return nil, store.ErrNotAParticipant
	}

	if req.ReplyToID != nil {
		target, err := s.store.GetMessage(ctx, *req.ReplyToID)
		if err != nil {
			return nil, err
		}
		if target.ConversationID != req.ConversationID {
			return nil, store.ErrMessageNotFound
		}
	}

	kind := store.MessageKindText
	if req.Body == "" {
		kind = store.MessageKindAttachment
	}

	return s.append(ctx, store.NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Body:           req.Body,
		Kind:           kind,
		ReplyToID:      req.ReplyToID,
		Attachments:    req.Attachments,
	})
}

// SendSystem appends a system message, e.g. when a member is added to a
// group. System messages follow the same persist-then-broadcast path.
func (s *Ingress) SendSystem(ctx context.Context, actorID, conversationID int64, body string) (*store.Message, error) {
	return s.append(ctx, store.NewMessage{
		ConversationID: conversationID,
		SenderID:       actorID,
		Body:           body,
		Kind:           store.MessageKindSystem,
	})
}

func (s *Ingress) append(ctx context.Context, m store.NewMessage) (*store.Message, error) {
	lock := s.acquire(m.ConversationID)
	defer s.release(m.ConversationID, lock)

	msg, err := s.store.AppendMessage(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	// Fan-out is enqueue-only, so the sender's confirmation does not wait for
	// any recipient.
	s.router.Publish(m.ConversationID, &core.Event{
		Kind:           core.EventNewMessage,
		ConversationID: m.ConversationID,
		UserID:         m.SenderID,
		Message:        msg,
	})

	if s.log != nil {
		s.log.Debug().
			Int64("conversation_id", m.ConversationID).
			Int64("message_id", msg.ID).
			Int64("sender_id", m.SenderID).
			Msg("message accepted")
	}

	return msg, nil
}
