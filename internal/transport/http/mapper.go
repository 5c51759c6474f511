package http

import (
	"encoding/json"

	"github.com/edulink/chat-server/internal/core"
	"github.com/edulink/chat-server/internal/proto"
)

// inboundRoom decodes a room-addressed inbound frame (join, leave, typing).
func inboundRoom(inbound proto.Inbound) (int64, *core.CoreError) {
	var room proto.RoomData
	if err := json.Unmarshal(inbound.Data, &room); err != nil {
		return 0, core.NewError(core.ErrCodeBadRequest, "malformed data")
	}
	if room.ConversationID <= 0 {
		return 0, core.NewError(core.ErrCodeBadRequest, "conversation_id is required")
	}
	return room.ConversationID, nil
}

// outboundFromEvent translates a router event into its wire representation.
func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventNewMessage:
		msg := event.Message
		payload := proto.EventNewMessage{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Body:           msg.Body,
			Kind:           string(msg.Kind),
			ReplyToID:      msg.ReplyToID,
			TS:             msg.CreatedAt.UnixMilli(),
		}
		for _, a := range msg.Attachments {
			payload.Attachments = append(payload.Attachments, proto.AttachmentPayload{
				ID:       a.ID,
				Name:     a.Name,
				URL:      a.URL,
				MimeType: a.MimeType,
			})
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventNameNewMessage,
			Data:  payload,
		}
	case core.EventTypingStart:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventNameTypingStart,
			Data: proto.EventTyping{
				ConversationID: event.ConversationID,
				UserID:         event.UserID,
			},
		}
	case core.EventTypingStop:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventNameTypingStop,
			Data: proto.EventTyping{
				ConversationID: event.ConversationID,
				UserID:         event.UserID,
			},
		}
	case core.EventReadReceipt:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventNameReadReceipt,
			Data: proto.EventReadReceipt{
				ConversationID:   event.ConversationID,
				UserID:           event.UserID,
				ThroughMessageID: event.ThroughID,
			},
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}
