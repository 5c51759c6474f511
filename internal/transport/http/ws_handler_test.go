package http

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/edulink/chat-server/internal/proto"
)

func dialWS(t *testing.T, ctx context.Context, s *testServer, token string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(s.ts.URL, "http", "ws", 1) + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func sendInbound(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string, data any) {
	t.Helper()

	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal inbound data: %v", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: msgType, Data: payload}); err != nil {
		t.Fatalf("write inbound: %v", err)
	}
}

type outboundEnvelope struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func readOutbound(t *testing.T, ctx context.Context, conn *websocket.Conn) outboundEnvelope {
	t.Helper()

	var out outboundEnvelope
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	return out
}

func TestWSRejectsMissingToken(t *testing.T) {
	s := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(s.ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "done")
		t.Fatal("dial without token must fail")
	}
}

func TestWSReceivesNewMessage(t *testing.T) {
	s := startTestServer(t)

	aliceToken, _ := s.registerUser(t, "alice")
	bobToken, bobID := s.registerUser(t, "bob")

	resp := s.doJSON(t, "POST", "/api/conversations", aliceToken, map[string]any{
		"participant_ids": []int64{bobID},
	})
	var conv ConversationResponse
	decode(t, resp.Body, &conv)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bobConn := dialWS(t, ctx, s, bobToken)
	sendInbound(t, ctx, bobConn, proto.InboundTypeJoin, proto.RoomData{ConversationID: conv.ID})

	// The typing echo doubles as a join barrier: once bob sees his own
	// typing event the join has been processed.
	sendInbound(t, ctx, bobConn, proto.InboundTypeTypingStart, proto.RoomData{ConversationID: conv.ID})
	out := readOutbound(t, ctx, bobConn)
	if out.Type != proto.OutboundTypeEvent || out.Event != proto.EventNameTypingStart {
		t.Fatalf("unexpected outbound: %+v", out)
	}

	resp = s.doJSON(t, "POST", fmt.Sprintf("/api/conversations/%d/messages", conv.ID), aliceToken, map[string]any{
		"body": "hi bob",
	})
	var sent MessageResponse
	decode(t, resp.Body, &sent)
	resp.Body.Close()

	out = readOutbound(t, ctx, bobConn)
	if out.Type != proto.OutboundTypeEvent || out.Event != proto.EventNameNewMessage {
		t.Fatalf("unexpected outbound: %+v", out)
	}
	var event proto.EventNewMessage
	if err := json.Unmarshal(out.Data, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.ID != sent.ID || event.Body != "hi bob" || event.ConversationID != conv.ID {
		t.Errorf("unexpected event payload: %+v", event)
	}
}

func TestWSJoinRequiresMembership(t *testing.T) {
	s := startTestServer(t)

	aliceToken, _ := s.registerUser(t, "alice")
	_, bobID := s.registerUser(t, "bob")
	eveToken, _ := s.registerUser(t, "eve")

	resp := s.doJSON(t, "POST", "/api/conversations", aliceToken, map[string]any{
		"participant_ids": []int64{bobID},
	})
	var conv ConversationResponse
	decode(t, resp.Body, &conv)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eveConn := dialWS(t, ctx, s, eveToken)
	sendInbound(t, ctx, eveConn, proto.InboundTypeJoin, proto.RoomData{ConversationID: conv.ID})

	out := readOutbound(t, ctx, eveConn)
	if out.Type != proto.OutboundTypeError || out.Error == nil || out.Error.Code != "not_a_participant" {
		t.Fatalf("expected not_a_participant error, got %+v", out)
	}
}

func TestWSTypingRequiresMembership(t *testing.T) {
	s := startTestServer(t)

	aliceToken, aliceID := s.registerUser(t, "alice")
	_, bobID := s.registerUser(t, "bob")
	eveToken, _ := s.registerUser(t, "eve")

	resp := s.doJSON(t, "POST", "/api/conversations", aliceToken, map[string]any{
		"participant_ids": []int64{bobID},
	})
	var conv ConversationResponse
	decode(t, resp.Body, &conv)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aliceConn := dialWS(t, ctx, s, aliceToken)
	sendInbound(t, ctx, aliceConn, proto.InboundTypeJoin, proto.RoomData{ConversationID: conv.ID})

	// Typing frames name a conversation directly, so they must carry the same
	// membership check as join.
	eveConn := dialWS(t, ctx, s, eveToken)
	sendInbound(t, ctx, eveConn, proto.InboundTypeTypingStart, proto.RoomData{ConversationID: conv.ID})

	out := readOutbound(t, ctx, eveConn)
	if out.Type != proto.OutboundTypeError || out.Error == nil || out.Error.Code != "not_a_participant" {
		t.Fatalf("expected not_a_participant error, got %+v", out)
	}

	// Alice must not see a typing event from the outsider; her own typing echo
	// arriving first proves the stream stayed clean.
	sendInbound(t, ctx, aliceConn, proto.InboundTypeTypingStart, proto.RoomData{ConversationID: conv.ID})
	out = readOutbound(t, ctx, aliceConn)
	if out.Event != proto.EventNameTypingStart {
		t.Fatalf("unexpected outbound: %+v", out)
	}
	var typing proto.EventTyping
	if err := json.Unmarshal(out.Data, &typing); err != nil {
		t.Fatalf("unmarshal typing event: %v", err)
	}
	if typing.UserID != aliceID {
		t.Fatalf("expected typing event from %d, got %d", aliceID, typing.UserID)
	}
}

func TestWSUnknownType(t *testing.T) {
	s := startTestServer(t)

	aliceToken, _ := s.registerUser(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, s, aliceToken)
	sendInbound(t, ctx, conn, "shout", proto.RoomData{ConversationID: 1})

	out := readOutbound(t, ctx, conn)
	if out.Type != proto.OutboundTypeError || out.Error == nil || out.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request error, got %+v", out)
	}
}

func TestWSReadReceiptBroadcast(t *testing.T) {
	s := startTestServer(t)

	aliceToken, _ := s.registerUser(t, "alice")
	bobToken, bobID := s.registerUser(t, "bob")

	resp := s.doJSON(t, "POST", "/api/conversations", aliceToken, map[string]any{
		"participant_ids": []int64{bobID},
	})
	var conv ConversationResponse
	decode(t, resp.Body, &conv)
	resp.Body.Close()

	resp = s.doJSON(t, "POST", fmt.Sprintf("/api/conversations/%d/messages", conv.ID), aliceToken, map[string]any{
		"body": "read me",
	})
	var sent MessageResponse
	decode(t, resp.Body, &sent)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aliceConn := dialWS(t, ctx, s, aliceToken)
	sendInbound(t, ctx, aliceConn, proto.InboundTypeJoin, proto.RoomData{ConversationID: conv.ID})
	sendInbound(t, ctx, aliceConn, proto.InboundTypeTypingStart, proto.RoomData{ConversationID: conv.ID})
	out := readOutbound(t, ctx, aliceConn)
	if out.Event != proto.EventNameTypingStart {
		t.Fatalf("unexpected outbound: %+v", out)
	}

	resp = s.doJSON(t, "POST", fmt.Sprintf("/api/conversations/%d/read", conv.ID), bobToken, map[string]any{
		"message_id": sent.ID,
	})
	resp.Body.Close()

	out = readOutbound(t, ctx, aliceConn)
	if out.Type != proto.OutboundTypeEvent || out.Event != proto.EventNameReadReceipt {
		t.Fatalf("unexpected outbound: %+v", out)
	}
	var receipt proto.EventReadReceipt
	if err := json.Unmarshal(out.Data, &receipt); err != nil {
		t.Fatalf("unmarshal receipt: %v", err)
	}
	if receipt.UserID != bobID || receipt.ThroughMessageID != sent.ID {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
}
