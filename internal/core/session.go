package core

// defaultQueueSize bounds a session's outbound queue when no size is
// configured.
const defaultQueueSize = 64

// Session is one live client connection as seen by the router. The session
// owns its outbound queue; the router only enqueues into it.
type Session struct {
	ID     string
	UserID int64
	Events chan *Event
}

// NewSession constructs a session with a bounded outbound queue.
func NewSession(id string, userID int64, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Session{
		ID:     id,
		UserID: userID,
		Events: make(chan *Event, queueSize),
	}
}

// enqueue delivers an event without ever blocking the caller. When the queue
// is full the oldest pending event is dropped to make room: a slow client
// loses stale events and catches up via history, instead of back-pressuring
// the whole room.
func (s *Session) enqueue(ev *Event) {
	for {
		select {
		case s.Events <- ev:
			return
		default:
		}
		select {
		case <-s.Events:
		default:
		}
	}
}
