package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/gosocial/internal/config"
	"github.com/npezzotti/gosocial/internal/database"
	"github.com/npezzotti/gosocial/internal/server"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

type GoChatApp struct {
	log            *zap.SugaredLogger
	db             database.ChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	validate       *validator.Validate
	signingKey     []byte
	allowedOrigins []string
	shortId        func() (string, error)
}

// NewGoChatApp registers the REST and websocket routes on mux and wraps them
// with CORS and panic recovery.
func NewGoChatApp(mux *http.ServeMux, logger *zap.SugaredLogger, cs *server.ChatServer, db database.ChatRepository, cfg *config.Config) *GoChatApp {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &GoChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		validate:       database.NewValidator(),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		shortId:        shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/account", s.authMiddleware(s.getAccount))
	mux.HandleFunc("PUT /api/account", s.authMiddleware(s.updateAccount))
	mux.HandleFunc("GET /api/chats", s.authMiddleware(s.listChats))
	mux.HandleFunc("POST /api/chats", s.authMiddleware(s.createChat))
	mux.HandleFunc("GET /api/chats/unread", s.authMiddleware(s.unreadCounts))
	mux.HandleFunc("GET /api/chats/{id}", s.authMiddleware(s.getChat))
	mux.HandleFunc("DELETE /api/chats/{id}", s.authMiddleware(s.deleteChat))
	mux.HandleFunc("POST /api/chats/{id}/members", s.authMiddleware(s.addMember))
	mux.HandleFunc("DELETE /api/chats/{id}/members", s.authMiddleware(s.leaveChat))
	mux.HandleFunc("GET /api/chats/{id}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/chats/{id}/messages", s.authMiddleware(s.createMessage))
	mux.HandleFunc("POST /api/chats/{id}/read", s.authMiddleware(s.markRead))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Infow("starting server", "addr", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
