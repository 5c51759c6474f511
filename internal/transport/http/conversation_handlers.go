package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/edulink/chat-server/internal/chat"
	"github.com/edulink/chat-server/internal/store"
)

// ConversationHandlers provides HTTP handlers for conversations, messages,
// history and read markers.
type ConversationHandlers struct {
	store   store.Store
	ingress *chat.Ingress
	history *chat.History
	log     *zerolog.Logger
}

// NewConversationHandlers creates a new conversation handlers instance.
func NewConversationHandlers(st store.Store, ingress *chat.Ingress, history *chat.History, logger *zerolog.Logger) *ConversationHandlers {
	return &ConversationHandlers{
		store:   st,
		ingress: ingress,
		history: history,
		log:     logger,
	}
}

// CreateConversationRequest represents the create conversation request body.
type CreateConversationRequest struct {
	ParticipantIDs []int64 `json:"participant_ids" binding:"required,min=1"`
	IsGroup        bool    `json:"is_group"`
	Name           string  `json:"name" binding:"max=64"`
}

// AddParticipantRequest represents the add participant request body.
type AddParticipantRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// SendMessageRequest represents the send message request body.
type SendMessageRequest struct {
	Body        string              `json:"body" binding:"max=4096"`
	ReplyToID   *int64              `json:"reply_to_id"`
	Attachments []AttachmentRequest `json:"attachments" binding:"max=10,dive"`
}

// AttachmentRequest is attachment metadata supplied on send.
type AttachmentRequest struct {
	Name     string `json:"name" binding:"max=255"`
	URL      string `json:"url" binding:"required,max=2048"`
	MimeType string `json:"mime_type" binding:"max=127"`
}

// MarkReadRequest represents the mark read request body.
type MarkReadRequest struct {
	MessageID int64 `json:"message_id" binding:"required"`
}

// ConversationResponse represents a conversation in API responses.
type ConversationResponse struct {
	ID        int64  `json:"id"`
	IsGroup   bool   `json:"is_group"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MessageResponse represents a message in API responses.
type MessageResponse struct {
	ID             int64                `json:"id"`
	ConversationID int64                `json:"conversation_id"`
	SenderID       int64                `json:"sender_id"`
	Body           string               `json:"body"`
	Kind           string               `json:"kind"`
	ReplyToID      *int64               `json:"reply_to_id,omitempty"`
	Edited         bool                 `json:"edited,omitempty"`
	Attachments    []AttachmentResponse `json:"attachments,omitempty"`
	CreatedAt      string               `json:"created_at"`
}

// AttachmentResponse represents attachment metadata in API responses.
type AttachmentResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// ConversationSummaryResponse is one row of the conversation list.
type ConversationSummaryResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	LastMessage  *MessageResponse     `json:"last_message,omitempty"`
	UnreadCount  int64                `json:"unread_count"`
}

// HistoryResponse is a backward page of messages, newest-first.
type HistoryResponse struct {
	Messages   []MessageResponse `json:"messages"`
	HasMore    bool              `json:"has_more"`
	NextCursor *int64            `json:"next_cursor,omitempty"`
}

func conversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        conv.ID,
		IsGroup:   conv.IsGroup,
		Name:      conv.Name,
		CreatedAt: conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt: conv.UpdatedAt.Format(time.RFC3339),
	}
}

func messageResponse(msg *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		Kind:           string(msg.Kind),
		ReplyToID:      msg.ReplyToID,
		Edited:         msg.Edited,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339Nano),
	}
	for _, a := range msg.Attachments {
		resp.Attachments = append(resp.Attachments, AttachmentResponse{
			ID:       a.ID,
			Name:     a.Name,
			URL:      a.URL,
			MimeType: a.MimeType,
		})
	}
	return resp
}

// respondStoreError maps domain errors to HTTP statuses. Validation and
// authorization failures are terminal for the request; nothing retries.
func (h *ConversationHandlers) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
	case errors.Is(err, store.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "message not found"})
	case errors.Is(err, store.ErrNotAParticipant):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not a participant"})
	case errors.Is(err, store.ErrInvalidParticipants):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid participants"})
	case errors.Is(err, store.ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
	case errors.Is(err, chat.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "message is empty"})
	default:
		h.log.Error().Err(err).Msg("conversation request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func conversationParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid conversation id"})
		return 0, false
	}
	return id, true
}

// CreateConversation handles conversation creation. Direct conversations
// between the same pair are idempotent: the existing one is returned.
// POST /api/conversations
func (h *ConversationHandlers) CreateConversation(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create conversation request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	conv, err := h.store.CreateConversation(c.Request.Context(), uid, req.ParticipantIDs, req.IsGroup, req.Name)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	h.log.Info().Int64("conversation_id", conv.ID).Int64("creator_id", uid).Bool("is_group", conv.IsGroup).Msg("conversation created")
	c.JSON(http.StatusCreated, conversationResponse(conv))
}

// ListConversations returns the caller's conversations, most recently active
// first, with last-message previews and unread counts.
// GET /api/conversations
func (h *ConversationHandlers) ListConversations(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	summaries, err := h.store.ListConversationsForUser(c.Request.Context(), uid)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	response := make([]ConversationSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		item := ConversationSummaryResponse{
			Conversation: conversationResponse(&s.Conversation),
			UnreadCount:  s.UnreadCount,
		}
		if s.LastMessage != nil {
			msg := messageResponse(s.LastMessage)
			item.LastMessage = &msg
		}
		response = append(response, item)
	}

	c.JSON(http.StatusOK, response)
}

// AddParticipant adds a user to a group conversation and records a system
// message.
// POST /api/conversations/:id/participants
func (h *ConversationHandlers) AddParticipant(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	convID, ok := conversationParam(c)
	if !ok {
		return
	}

	var req AddParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	ctx := c.Request.Context()

	isMember, err := h.store.IsParticipant(ctx, convID, uid)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if !isMember {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not a participant"})
		return
	}

	added, err := h.store.GetUserByID(ctx, req.UserID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	if err := h.store.AddParticipant(ctx, convID, req.UserID); err != nil {
		h.respondStoreError(c, err)
		return
	}

	if _, err := h.ingress.SendSystem(ctx, uid, convID, fmt.Sprintf("%s joined the conversation", added.Username)); err != nil {
		h.log.Warn().Err(err).Int64("conversation_id", convID).Msg("failed to record join message")
	}

	c.Status(http.StatusNoContent)
}

// SendMessage persists and broadcasts a message. The response body is the
// persisted message, which doubles as the sender's delivery confirmation.
// POST /api/conversations/:id/messages
func (h *ConversationHandlers) SendMessage(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	convID, ok := conversationParam(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid send message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	attachments := make([]store.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, store.Attachment{
			Name:     a.Name,
			URL:      a.URL,
			MimeType: a.MimeType,
		})
	}

	msg, err := h.ingress.Send(c.Request.Context(), uid, chat.SendRequest{
		ConversationID: convID,
		Body:           req.Body,
		ReplyToID:      req.ReplyToID,
		Attachments:    attachments,
	})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusCreated, messageResponse(msg))
}

// FetchHistory returns one backward page of messages, newest-first.
// GET /api/conversations/:id/messages?before_id=&limit=
func (h *ConversationHandlers) FetchHistory(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	convID, ok := conversationParam(c)
	if !ok {
		return
	}

	var beforeID *int64
	if raw := c.Query("before_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid before_id"})
			return
		}
		beforeID = &id
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	page, err := h.history.FetchHistory(c.Request.Context(), convID, uid, beforeID, limit)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	response := HistoryResponse{
		Messages:   make([]MessageResponse, 0, len(page.Messages)),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}
	for _, msg := range page.Messages {
		response.Messages = append(response.Messages, messageResponse(msg))
	}

	c.JSON(http.StatusOK, response)
}

// MarkRead advances the caller's read marker. Accepted for coalescing, hence
// 202 rather than 200.
// POST /api/conversations/:id/read
func (h *ConversationHandlers) MarkRead(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	convID, ok := conversationParam(c)
	if !ok {
		return
	}

	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.history.MarkRead(c.Request.Context(), convID, uid, req.MessageID); err != nil {
		h.respondStoreError(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}
