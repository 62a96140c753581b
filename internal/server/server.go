package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/engine"
	"github.com/lazypower/crystal/internal/identity"
	"github.com/lazypower/crystal/internal/media"
	"github.com/lazypower/crystal/internal/presence"
	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/store"
)

// Deps are the collaborators the server routes to.
type Deps struct {
	DB       *store.DB
	Engine   *engine.Engine
	Presence *presence.Tracker
	Hub      *realtime.Hub
	Auth     *identity.Verifier
	Media    *media.Uploader   // nil disables uploads
	Local    *media.LocalStore // non-nil mounts /media
	Log      zerolog.Logger
}

// Server is the crystal HTTP and websocket API server.
type Server struct {
	db       *store.DB
	engine   *engine.Engine
	presence *presence.Tracker
	hub      *realtime.Hub
	auth     *identity.Verifier
	media    *media.Uploader
	local    *media.LocalStore
	log      zerolog.Logger
	upgrader websocket.Upgrader

	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server with the given dependencies and version string.
func New(d Deps, version string) *Server {
	s := &Server{
		db:       d.DB,
		engine:   d.Engine,
		presence: d.Presence,
		hub:      d.Hub,
		auth:     d.Auth,
		media:    d.Media,
		local:    d.Local,
		log:      d.Log.With().Str("component", "http").Logger(),
		version:  version,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Callers authenticate with tokens, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	if s.local != nil {
		r.Handle("/media/*", http.StripPrefix("/media", s.local.Handler()))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/profile", s.handleGetOwnProfile)
			r.Put("/profile", s.handlePutProfile)
			r.Get("/users/{userID}", s.handleGetUser)

			r.Post("/presence/heartbeat", s.handleHeartbeat)
			r.Get("/presence/{userID}", s.handleGetPresence)

			r.Get("/conversations", s.handleListConversations)
			r.Post("/conversations", s.handleOpenConversation)
			r.Get("/conversations/{id}", s.handleGetConversation)
			r.Get("/conversations/{id}/messages", s.handleListMessages)
			r.Post("/conversations/{id}/messages", s.handleSendMessage)
			r.Delete("/conversations/{id}/messages/{messageID}", s.handleDeleteMessage)
			r.Post("/conversations/{id}/read", s.handleMarkRead)

			r.Get("/notifications", s.handleListNotifications)
			r.Post("/notifications/read", s.handleMarkNotificationsRead)

			r.Post("/media", s.handleUpload)

			r.Get("/ws", s.handleWS)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	}
	if s.media != nil {
		err := s.media.Health(r.Context())
		if err != nil {
			s.log.Warn().Err(err).Msg("media backend unhealthy")
		}
		body["media"] = err == nil
	}
	writeJSON(w, http.StatusOK, body)
}

// authenticate resolves the caller and stores the session in the request
// context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithSession(r.Context(), sess)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := s.log.Debug()
		if ww.Status() >= 500 {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func session(r *http.Request) identity.Session {
	sess, _ := identity.FromContext(r.Context())
	return sess
}

func errUploadsDisabled() error {
	return apperr.New(apperr.CodeTransient, "media uploads are not configured")
}
