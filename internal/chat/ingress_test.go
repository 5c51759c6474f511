package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edulink/chat-server/internal/core"
	"github.com/edulink/chat-server/internal/presence"
	"github.com/edulink/chat-server/internal/store"
	"github.com/edulink/chat-server/internal/store/sqlite"
)

type fixture struct {
	store    *sqlite.SQLiteStore
	registry *presence.Registry
	router   *core.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := presence.NewRegistry()
	return &fixture{
		store:    st,
		registry: registry,
		router:   core.NewRouter(registry, 64, nil),
	}
}

func (f *fixture) seedUsers(t *testing.T, names ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		u, err := f.store.CreateUser(ctx, n, "hash")
		if err != nil {
			t.Fatalf("failed to create user %s: %v", n, err)
		}
		ids = append(ids, u.ID)
	}
	return ids
}

func mustEvent(t *testing.T, s *core.Session) *core.Event {
	t.Helper()
	select {
	case ev := <-s.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSendPersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := f.seedUsers(t, "alice", "bob")
	conv, err := f.store.CreateConversation(ctx, ids[0], []int64{ids[1]}, false, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	bobSession := f.router.Attach(ids[1])
	f.registry.JoinRoom(bobSession.ID, conv.ID)

	ingress := NewIngress(f.store, f.router, nil)

	first, err := ingress.Send(ctx, ids[0], SendRequest{ConversationID: conv.ID, Body: "hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	second, err := ingress.Send(ctx, ids[0], SendRequest{ConversationID: conv.ID, Body: "world"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Bob observes the two messages in store-acceptance order.
	ev1 := mustEvent(t, bobSession)
	ev2 := mustEvent(t, bobSession)
	if ev1.Kind != core.EventNewMessage || ev2.Kind != core.EventNewMessage {
		t.Fatalf("unexpected event kinds: %v, %v", ev1.Kind, ev2.Kind)
	}
	if ev1.Message.ID != first.ID || ev2.Message.ID != second.ID {
		t.Errorf("events out of order: got %d,%d want %d,%d", ev1.Message.ID, ev2.Message.ID, first.ID, second.ID)
	}
	if ev1.Message.Body != "hello" {
		t.Errorf("unexpected body %q", ev1.Message.Body)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := f.seedUsers(t, "alice", "bob", "eve", "carol")
	conv, err := f.store.CreateConversation(ctx, ids[0], []int64{ids[1]}, false, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	other, err := f.store.CreateConversation(ctx, ids[0], []int64{ids[3]}, false, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	foreign, err := f.store.AppendMessage(ctx, store.NewMessage{ConversationID: other.ID, SenderID: ids[0], Body: "elsewhere"})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	ingress := NewIngress(f.store, f.router, nil)

	tests := []struct {
		name    string
		sender  int64
		req     SendRequest
		wantErr error
	}{
		{
			name:    "empty message",
			sender:  ids[0],
			req:     SendRequest{ConversationID: conv.ID},
			wantErr: ErrEmptyMessage,
		},
		{
			name:    "unknown conversation",
			sender:  ids[0],
			req:     SendRequest{ConversationID: 9999, Body: "x"},
			wantErr: store.ErrConversationNotFound,
		},
		{
			name:    "not a participant",
			sender:  ids[2],
			req:     SendRequest{ConversationID: conv.ID, Body: "x"},
			wantErr: store.ErrNotAParticipant,
		},
		{
			name:    "reply to message in another conversation",
			sender:  ids[0],
			req:     SendRequest{ConversationID: conv.ID, Body: "x", ReplyToID: &foreign.ID},
			wantErr: store.ErrMessageNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingress.Send(ctx, tt.sender, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConcurrentSendsKeepOneOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := f.seedUsers(t, "alice", "bob")
	conv, err := f.store.CreateConversation(ctx, ids[0], []int64{ids[1]}, false, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	aliceSession := f.router.Attach(ids[0])
	bobSession := f.router.Attach(ids[1])
	f.registry.JoinRoom(aliceSession.ID, conv.ID)
	f.registry.JoinRoom(bobSession.ID, conv.ID)

	ingress := NewIngress(f.store, f.router, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := ingress.Send(ctx, ids[i%2], SendRequest{ConversationID: conv.ID, Body: "m"}); err != nil {
				t.Errorf("Send failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Exactly n messages persisted.
	messages, hasMore, err := f.store.FetchHistory(ctx, conv.ID, ids[0], nil, n+1)
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}
	if len(messages) != n || hasMore {
		t.Fatalf("expected %d persisted messages, got %d (hasMore=%v)", n, len(messages), hasMore)
	}

	// Both readers observed the same total order, which is the store's order.
	readOrder := func(s *core.Session) []int64 {
		out := make([]int64, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, mustEvent(t, s).Message.ID)
		}
		return out
	}
	aliceOrder := readOrder(aliceSession)
	bobOrder := readOrder(bobSession)
	for i := range aliceOrder {
		if aliceOrder[i] != bobOrder[i] {
			t.Fatalf("readers diverged at %d: %d vs %d", i, aliceOrder[i], bobOrder[i])
		}
		if i > 0 && aliceOrder[i] <= aliceOrder[i-1] {
			t.Fatalf("broadcast order not increasing at %d: %d after %d", i, aliceOrder[i], aliceOrder[i-1])
		}
	}
}

func TestConversationLocksReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := f.seedUsers(t, "alice", "bob", "carol")
	first, err := f.store.CreateConversation(ctx, ids[0], []int64{ids[1]}, false, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	second, err := f.store.CreateConversation(ctx, ids[0], []int64{ids[2]}, false, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	ingress := NewIngress(f.store, f.router, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv := first.ID
			if i%2 == 1 {
				conv = second.ID
			}
			if _, err := ingress.Send(ctx, ids[0], SendRequest{ConversationID: conv, Body: "m"}); err != nil {
				t.Errorf("Send failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// With no sends in flight the lock table must be empty, otherwise it
	// accumulates one entry per conversation ever written to.
	ingress.mu.Lock()
	held := len(ingress.convLocks)
	ingress.mu.Unlock()
	if held != 0 {
		t.Fatalf("expected no retained conversation locks, got %d", held)
	}
}

func TestSendAttachmentOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := f.seedUsers(t, "alice", "bob")
	conv, err := f.store.CreateConversation(ctx, ids[0], []int64{ids[1]}, false, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	ingress := NewIngress(f.store, f.router, nil)

	msg, err := ingress.Send(ctx, ids[0], SendRequest{
		ConversationID: conv.ID,
		Attachments: []store.Attachment{
			{Name: "photo.png", URL: "https://files.example/photo.png", MimeType: "image/png"},
		},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Kind != store.MessageKindAttachment {
		t.Errorf("expected attachment kind, got %q", msg.Kind)
	}
	if len(msg.Attachments) != 1 {
		t.Errorf("expected 1 attachment, got %d", len(msg.Attachments))
	}
}

func TestSendSystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := f.seedUsers(t, "alice", "bob")
	conv, err := f.store.CreateConversation(ctx, ids[0], []int64{ids[1]}, true, "homeroom")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	session := f.router.Attach(ids[1])
	f.registry.JoinRoom(session.ID, conv.ID)

	ingress := NewIngress(f.store, f.router, nil)

	msg, err := ingress.SendSystem(ctx, ids[0], conv.ID, "bob joined the conversation")
	if err != nil {
		t.Fatalf("SendSystem failed: %v", err)
	}
	if msg.Kind != store.MessageKindSystem {
		t.Errorf("expected system kind, got %q", msg.Kind)
	}

	ev := mustEvent(t, session)
	if ev.Kind != core.EventNewMessage || ev.Message.Kind != store.MessageKindSystem {
		t.Errorf("unexpected event: %+v", ev)
	}
}
