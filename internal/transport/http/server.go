package http

import (
	"fmt"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/edulink/chat-server/internal/auth"
	"github.com/edulink/chat-server/internal/chat"
	"github.com/edulink/chat-server/internal/config"
	"github.com/edulink/chat-server/internal/core"
	"github.com/edulink/chat-server/internal/presence"
	"github.com/edulink/chat-server/internal/store"
)

// Deps bundles everything the HTTP layer serves.
type Deps struct {
	Auth     *auth.Service
	Store    store.Store
	Registry *presence.Registry
	Router   *core.Router
	Ingress  *chat.Ingress
	History  *chat.History
}

// NewServer builds the HTTP server: REST API under /api plus the /ws push
// channel. The WebSocket endpoint hangs off a plain ServeMux because the
// hijack needs the raw ResponseWriter, which gin's wrapper does not expose.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), LoggerMiddleware(logger))

	apiHandlers := NewAPIHandlers(deps.Auth, deps.Store, logger)
	convHandlers := NewConversationHandlers(deps.Store, deps.Ingress, deps.History, logger)

	engine.GET("/health", func(c *gin.Context) {
		fmt.Fprint(c.Writer, "ok")
	})

	api := engine.Group("/api")
	api.POST("/register", apiHandlers.Register)
	api.POST("/login", apiHandlers.Login)

	authed := api.Group("", AuthMiddleware(deps.Auth, logger))
	authed.GET("/users/search", apiHandlers.SearchUsers)
	authed.POST("/conversations", convHandlers.CreateConversation)
	authed.GET("/conversations", convHandlers.ListConversations)
	authed.POST("/conversations/:id/participants", convHandlers.AddParticipant)
	authed.POST("/conversations/:id/messages", convHandlers.SendMessage)
	authed.GET("/conversations/:id/messages", convHandlers.FetchHistory)
	authed.POST("/conversations/:id/read", convHandlers.MarkRead)

	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(deps, cfg, logger))
	mux.Handle("/", engine)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
