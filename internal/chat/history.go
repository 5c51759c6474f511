package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edulink/chat-server/internal/core"
	"github.com/edulink/chat-server/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// HistoryPage is one backward page of a conversation's messages,
// newest-first. NextCursor anchors the following page on the oldest message
// of this one.
type HistoryPage struct {
	Messages   []*store.Message
	HasMore    bool
	NextCursor *int64
}

type readKey struct {
	conversationID int64
	userID         int64
}

type pendingMark struct {
	throughID int64
	timer     *time.Timer
}

// History is the read side of the chat: paginated history and read-marker
// updates. Rapid repeated mark-read calls from the same client (fast
// scrolling) are coalesced into the single highest watermark before hitting
// the store.
type History struct {
	store  store.Store
	router *core.Router
	log    *zerolog.Logger
	window time.Duration

	mu      sync.Mutex
	pending map[readKey]*pendingMark
}

// NewHistory constructs the history service. window is how long mark-read
// calls are held for coalescing; zero means every call flushes immediately.
func NewHistory(st store.Store, router *core.Router, window time.Duration, logger *zerolog.Logger) *History {
	return &History{
		store:   st,
		router:  router,
		log:     logger,
		window:  window,
		pending: make(map[readKey]*pendingMark),
	}
}

// FetchHistory returns one backward page. beforeID anchors the page on the
// oldest previously-loaded message's ordering key; nil starts from the newest.
func (h *History) FetchHistory(ctx context.Context, conversationID, userID int64, beforeID *int64, limit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	messages, hasMore, err := h.store.FetchHistory(ctx, conversationID, userID, beforeID, limit)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{Messages: messages, HasMore: hasMore}
	if hasMore && len(messages) > 0 {
		oldest := messages[len(messages)-1].ID
		page.NextCursor = &oldest
	}
	return page, nil
}

// MarkRead requests advancing the user's read marker to throughMessageID.
// The target is validated synchronously; the marker update itself is
// coalesced: within the window only the highest watermark reaches the store.
// Message ids follow the conversation's display order, so the highest id is
// the furthest watermark.
func (h *History) MarkRead(ctx context.Context, conversationID, userID, throughMessageID int64) error {
	isMember, err := h.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return store.ErrNotAParticipant
	}

	msg, err := h.store.GetMessage(ctx, throughMessageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return store.ErrMessageNotFound
	}

	if h.window <= 0 {
		h.flushOne(readKey{conversationID, userID}, throughMessageID)
		return nil
	}

	key := readKey{conversationID, userID}

	h.mu.Lock()
	defer h.mu.Unlock()

	if p, ok := h.pending[key]; ok {
		if throughMessageID > p.throughID {
			p.throughID = throughMessageID
		}
		return nil
	}

	p := &pendingMark{throughID: throughMessageID}
	p.timer = time.AfterFunc(h.window, func() {
		h.flushKey(key)
	})
	h.pending[key] = p
	return nil
}

// Flush immediately applies all pending mark-read watermarks. Called on
// shutdown so coalesced updates are not lost.
func (h *History) Flush() {
	h.mu.Lock()
	keys := make([]readKey, 0, len(h.pending))
	for key, p := range h.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	h.mu.Unlock()

	for _, key := range keys {
		h.flushKey(key)
	}
}

func (h *History) flushKey(key readKey) {
	h.mu.Lock()
	p, ok := h.pending[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pending, key)
	throughID := p.throughID
	h.mu.Unlock()

	h.flushOne(key, throughID)
}

func (h *History) flushOne(key readKey, throughID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.store.MarkRead(ctx, key.conversationID, key.userID, throughID); err != nil {
		if h.log != nil {
			h.log.Warn().Err(err).
				Int64("conversation_id", key.conversationID).
				Int64("user_id", key.userID).
				Msg("mark read failed")
		}
		return
	}

	h.router.Publish(key.conversationID, &core.Event{
		Kind:           core.EventReadReceipt,
		ConversationID: key.conversationID,
		UserID:         key.userID,
		ThroughID:      throughID,
	})
}
