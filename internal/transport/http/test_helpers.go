package http

import (
	"bytes"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edulink/chat-server/internal/auth"
	"github.com/edulink/chat-server/internal/chat"
	"github.com/edulink/chat-server/internal/config"
	"github.com/edulink/chat-server/internal/core"
	"github.com/edulink/chat-server/internal/presence"
	"github.com/edulink/chat-server/internal/store/sqlite"
)

// testServer bundles the running httptest server with the wired services so
// tests can reach behind the HTTP surface.
type testServer struct {
	ts       *httptest.Server
	store    *sqlite.SQLiteStore
	auth     *auth.Service
	registry *presence.Registry
	router   *core.Router
	history  *chat.History
}

// startTestServer wires the full stack over an in-memory store. The mark-read
// window is zero so read markers apply synchronously in tests.
func startTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	})

	nop := zerolog.Nop()
	registry := presence.NewRegistry()
	router := core.NewRouter(registry, 16, &nop)
	ingress := chat.NewIngress(st, router, &nop)
	history := chat.NewHistory(st, router, 0, &nop)

	cfg := config.Default()
	cfg.TypingTTL = 5 * time.Second
	cfg.MessageRateLimit = 1000

	server := NewServer(Deps{
		Auth:     authService,
		Store:    st,
		Registry: registry,
		Router:   router,
		Ingress:  ingress,
		History:  history,
	}, &cfg, &nop)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testServer{
		ts:       ts,
		store:    st,
		auth:     authService,
		registry: registry,
		router:   router,
		history:  history,
	}
}

// registerUser registers a user through the API and returns the token and
// resolved user id.
func (s *testServer) registerUser(t *testing.T, username string) (string, int64) {
	t.Helper()

	resp := s.doJSON(t, "POST", "/api/register", "", map[string]any{
		"username": username,
		"password": "secret123",
	})
	defer resp.Body.Close()
	if resp.StatusCode != stdhttp.StatusCreated {
		t.Fatalf("register %s: unexpected status %d", username, resp.StatusCode)
	}

	var authResp AuthResponse
	decode(t, resp.Body, &authResp)

	userID, err := s.auth.Verify(authResp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	return authResp.Token, userID
}

// doJSON issues a request with an optional bearer token and JSON body.
func (s *testServer) doJSON(t *testing.T, method, path, token string, body any) *stdhttp.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := stdhttp.NewRequest(method, s.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, r io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
