package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks which users have live sessions, which conversation rooms
// each session has joined, and who is currently typing where. It is purely
// in-memory: nothing here survives a restart, and no operation touches I/O.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]int64              // sessionID -> userID
	userSessions map[int64]map[string]struct{} // userID -> sessionIDs
	rooms        map[int64]map[string]struct{} // conversationID -> sessionIDs
	sessionRooms map[string]map[int64]struct{} // sessionID -> conversationIDs
	typing       map[int64]map[int64]time.Time // conversationID -> userID -> deadline

	// now is replaceable in tests.
	now func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]int64),
		userSessions: make(map[int64]map[string]struct{}),
		rooms:        make(map[int64]map[string]struct{}),
		sessionRooms: make(map[string]map[int64]struct{}),
		typing:       make(map[int64]map[int64]time.Time),
		now:          time.Now,
	}
}

// RegisterSession records a new live session for the user and returns its id.
// A user may hold several sessions at once (multiple devices).
func (r *Registry) RegisterSession(userID int64) string {
	sessionID := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sessionID] = userID
	if r.userSessions[userID] == nil {
		r.userSessions[userID] = make(map[string]struct{})
	}
	r.userSessions[userID][sessionID] = struct{}{}
	r.sessionRooms[sessionID] = make(map[int64]struct{})

	return sessionID
}

// RemoveSession drops the session and its room memberships. If it was the
// user's last session the user is considered offline.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)

	if sessions := r.userSessions[userID]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.userSessions, userID)
		}
	}

	for convID := range r.sessionRooms[sessionID] {
		r.leaveLocked(convID, sessionID)
	}
	delete(r.sessionRooms, sessionID)
}

// SessionUser returns the user owning the session, if it is registered.
func (r *Registry) SessionUser(sessionID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.sessions[sessionID]
	return userID, ok
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.userSessions[userID]) > 0
}

// JoinRoom subscribes the session to a conversation room. Idempotent;
// unknown sessions are ignored.
func (r *Registry) JoinRoom(sessionID string, conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return
	}

	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]struct{})
		r.rooms[conversationID] = room
	}
	room[sessionID] = struct{}{}
	r.sessionRooms[sessionID][conversationID] = struct{}{}
}

// LeaveRoom unsubscribes the session from a conversation room. Idempotent.
func (r *Registry) LeaveRoom(sessionID string, conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(conversationID, sessionID)
	if memberships, ok := r.sessionRooms[sessionID]; ok {
		delete(memberships, conversationID)
	}
}

func (r *Registry) leaveLocked(conversationID int64, sessionID string) {
	room := r.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
	}
}

// RoomSessions returns a snapshot of session ids joined to the room.
func (r *Registry) RoomSessions(conversationID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[conversationID]
	if len(room) == 0 {
		return nil
	}
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	return out
}

// SetTyping marks the user as typing in the conversation until ttl elapses.
// Refreshing extends the deadline; expiry needs no explicit stop signal, so a
// client that disconnects mid-keystroke cannot leave a stuck indicator.
func (r *Registry) SetTyping(conversationID, userID int64, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := r.typing[conversationID]
	if users == nil {
		users = make(map[int64]time.Time)
		r.typing[conversationID] = users
	}
	users[userID] = r.now().Add(ttl)
}

// ClearTyping removes the user's typing state in the conversation.
func (r *Registry) ClearTyping(conversationID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if users := r.typing[conversationID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(r.typing, conversationID)
		}
	}
}

// TypingUsers returns users currently typing in the conversation. Expired
// entries are pruned on the way out.
func (r *Registry) TypingUsers(conversationID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := r.typing[conversationID]
	if len(users) == 0 {
		return nil
	}

	now := r.now()
	out := make([]int64, 0, len(users))
	for userID, deadline := range users {
		if now.After(deadline) {
			delete(users, userID)
			continue
		}
		out = append(out, userID)
	}
	if len(users) == 0 {
		delete(r.typing, conversationID)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
