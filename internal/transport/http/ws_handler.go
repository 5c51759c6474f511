package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/edulink/chat-server/internal/config"
	"github.com/edulink/chat-server/internal/core"
	"github.com/edulink/chat-server/internal/proto"
)

// WSHandler is the per-connection session adapter: it authenticates the
// connection, registers a session with the router, and multiplexes the
// client's real-time channel (join/leave, typing signals, pushed events).
type WSHandler struct {
	deps      Deps
	typingTTL time.Duration
	rateLimit int
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(deps Deps, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{
		deps:      deps,
		typingTTL: cfg.TypingTTL,
		rateLimit: cfg.MessageRateLimit,
		log:       logger,
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	userID, err := h.authenticate(r)
	if err != nil {
		stdhttp.Error(w, "unauthorized", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	session := h.deps.Router.Attach(userID)
	// Detach is unconditional so stale room membership never outlives the
	// connection.
	defer h.deps.Router.Detach(session)

	h.log.Debug().Str("session_id", session.ID).Int64("user_id", userID).Msg("session attached")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, session)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, session)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("session_id", session.ID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// authenticate resolves the connecting user from a token query parameter or
// bearer header. The adapter never checks credentials itself.
func (h *WSHandler) authenticate(r *stdhttp.Request) (int64, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		return 0, errors.New("missing token")
	}
	return h.deps.Auth.Verify(token)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *core.Session) error {
	limiter := newRateLimiter(h.rateLimit)
	stop := make(chan struct{})
	defer close(stop)
	limiter.startReset(stop)

	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if !limiter.allow() {
			if err := h.writeError(ctx, conn, core.NewError(core.ErrCodeRateLimited, "too many messages")); err != nil {
				return err
			}
			continue
		}

		if coreErr := h.handleInbound(ctx, session, inbound); coreErr != nil {
			if err := h.writeError(ctx, conn, coreErr); err != nil {
				return err
			}
		}
	}
}

// checkParticipant verifies the session's user belongs to the conversation.
func (h *WSHandler) checkParticipant(ctx context.Context, convID, userID int64) *core.CoreError {
	isMember, err := h.deps.Store.IsParticipant(ctx, convID, userID)
	if err != nil {
		h.log.Error().Err(err).Int64("conversation_id", convID).Msg("participant check failed")
		return core.NewError(core.ErrCodePersistenceFailure, "lookup failed")
	}
	if !isMember {
		return core.NewError(core.ErrCodeNotAParticipant, "not a participant")
	}
	return nil
}

func (h *WSHandler) handleInbound(ctx context.Context, session *core.Session, inbound proto.Inbound) *core.CoreError {
	switch inbound.Type {
	case proto.InboundTypeJoin:
		convID, coreErr := inboundRoom(inbound)
		if coreErr != nil {
			return coreErr
		}
		if coreErr := h.checkParticipant(ctx, convID, session.UserID); coreErr != nil {
			return coreErr
		}
		h.deps.Registry.JoinRoom(session.ID, convID)
		return nil

	case proto.InboundTypeLeave:
		convID, coreErr := inboundRoom(inbound)
		if coreErr != nil {
			return coreErr
		}
		h.deps.Registry.LeaveRoom(session.ID, convID)
		return nil

	case proto.InboundTypeTypingStart:
		return h.handleTyping(ctx, inbound, session, true)

	case proto.InboundTypeTypingStop:
		return h.handleTyping(ctx, inbound, session, false)

	default:
		return core.NewError(core.ErrCodeBadRequest, "unknown message type")
	}
}

// handleTyping updates the ephemeral typing state and pushes the signal to
// the room. Typing events are not persisted and carry no ordering guarantee.
func (h *WSHandler) handleTyping(ctx context.Context, inbound proto.Inbound, session *core.Session, start bool) *core.CoreError {
	convID, coreErr := inboundRoom(inbound)
	if coreErr != nil {
		return coreErr
	}
	if coreErr := h.checkParticipant(ctx, convID, session.UserID); coreErr != nil {
		return coreErr
	}

	kind := core.EventTypingStop
	if start {
		h.deps.Registry.SetTyping(convID, session.UserID, h.typingTTL)
		kind = core.EventTypingStart
	} else {
		h.deps.Registry.ClearTyping(convID, session.UserID)
	}

	h.deps.Router.Publish(convID, &core.Event{
		Kind:           kind,
		ConversationID: convID,
		UserID:         session.UserID,
	})
	return nil
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, coreErr *core.CoreError) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: coreErr.Code, Msg: coreErr.Message},
	})
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, session *core.Session) error {
	for {
		select {
		case event, ok := <-session.Events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("session_id", session.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
