// Package httpapi exposes the chat, billing and live update surfaces over
// HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"captn/internal/auth"
	"captn/internal/billing"
	"captn/internal/chatflow"
	"captn/internal/live"
	"captn/internal/preferences"
	"captn/internal/storage"
)

// Store is the read side of persistence used directly by handlers. Writes go
// through the controller and services.
type Store interface {
	GetUser(ctx context.Context, userID int64) (storage.User, error)
	GetChat(ctx context.Context, chatID int64) (storage.Chat, error)
	ListChats(ctx context.Context, userID int64) ([]storage.Chat, error)
	ListTurns(ctx context.Context, chatID int64) ([]storage.Turn, error)
	Ping(ctx context.Context) error
}

type Config struct {
	ListenAddr   string
	HealthPath   string
	MetricsPath  string
	ReadTimeout  time.Duration
	AllowOrigins []string
	CookieName   string
	SecureCookie bool

	Store   Store
	Auth    *auth.Service
	Chats   *chatflow.Controller
	Billing *billing.Service
	Prefs   preferences.Store
	Hub     *live.Hub
	Logger  zerolog.Logger
}

type Server struct {
	cfg      Config
	logger   zerolog.Logger
	router   *gin.Engine
	upgrader *websocket.Upgrader
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "captn_session"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		router:   gin.New(),
		upgrader: live.Upgrader(originChecker(cfg.AllowOrigins)),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(gin.Recovery(), requestID(), requestLogger(s.logger), cors(s.cfg.AllowOrigins))

	r.GET(s.cfg.HealthPath, s.health)
	r.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/auth/signup", s.signup)
	api.POST("/auth/login", s.login)
	api.POST("/auth/logout", s.logout)
	api.POST("/stripe/webhook", s.stripeWebhook)

	authed := api.Group("", requireUser(s.cfg.Auth.Tokens(), s.cfg.CookieName, s.logger))
	authed.GET("/me", s.me)
	authed.GET("/account", s.account)
	authed.GET("/chats", s.listChats)
	authed.POST("/chats", s.createChat)
	authed.GET("/chats/:id", s.getChat)
	authed.GET("/chats/:id/conversations", s.listTurns)
	authed.POST("/chats/:id/turns", s.submitTurn)
	authed.POST("/chats/:id/resume", s.resumeTurn)
	authed.GET("/chats/:id/pending-action", s.pendingAction)
	authed.POST("/billing/checkout", s.checkout)
	authed.GET("/preferences/sidebar-expanded", s.getSidebar)
	authed.PUT("/preferences/sidebar-expanded", s.putSidebar)

	r.GET("/ws", requireUser(s.cfg.Auth.Tokens(), s.cfg.CookieName, s.logger), s.serveWS)
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) health(c *gin.Context) {
	if err := s.cfg.Store.Ping(c.Request.Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) serveWS(c *gin.Context) {
	s.cfg.Hub.ServeWS(s.upgrader, c.Writer, c.Request, currentUser(c))
}

func originChecker(allowOrigins []string) func(r *http.Request) bool {
	if len(allowOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, o := range allowOrigins {
		if o == "*" {
			return nil
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
