package core

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/edulink/chat-server/internal/presence"
)

// Router fans events out to every session joined to a conversation room.
// Delivery is best-effort and non-blocking per recipient; room membership is
// read from the presence registry, while the sessions themselves own their
// outbound queues.
type Router struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	registry  *presence.Registry
	queueSize int
	log       *zerolog.Logger
}

// NewRouter constructs a router over the given presence registry.
func NewRouter(registry *presence.Registry, queueSize int, logger *zerolog.Logger) *Router {
	return &Router{
		sessions:  make(map[string]*Session),
		registry:  registry,
		queueSize: queueSize,
		log:       logger,
	}
}

// Attach registers a new session for the user in the presence registry and
// returns it. The caller owns the session until Detach.
func (r *Router) Attach(userID int64) *Session {
	sessionID := r.registry.RegisterSession(userID)
	session := NewSession(sessionID, userID, r.queueSize)

	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()

	return session
}

// Detach removes the session from the registry and all rooms it had joined.
// Removal is immediate so stale room membership never accumulates.
func (r *Router) Detach(session *Session) {
	r.mu.Lock()
	delete(r.sessions, session.ID)
	r.mu.Unlock()

	r.registry.RemoveSession(session.ID)
}

// Publish delivers the event to every session currently joined to the
// conversation's room. A full recipient queue drops that recipient's oldest
// event; it never delays other recipients or the publisher.
func (r *Router) Publish(conversationID int64, ev *Event) int {
	sessionIDs := r.registry.RoomSessions(conversationID)
	if len(sessionIDs) == 0 {
		return 0
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if s, ok := r.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(ev)
	}

	if r.log != nil {
		r.log.Debug().
			Int64("conversation_id", conversationID).
			Int("recipients", len(targets)).
			Msg("event published")
	}
	return len(targets)
}
