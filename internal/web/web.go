package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"gigcal/internal/calendar"
	"gigcal/internal/config"
	"gigcal/internal/listing"
	appLog "gigcal/internal/log"
	"gigcal/internal/model"
)

const sessionCookie = "gigcal_session"

// Listing is the merged event list the calendar is filtered from.
type Listing interface {
	Events(ctx context.Context) ([]model.Event, error)
	Refresh(ctx context.Context) (listing.Snapshot, error)
}

// Submitter forwards user submissions to the community backend.
type Submitter interface {
	SubmitEvent(ctx context.Context, authToken string, sub model.Submission) (model.Event, error)
}

// Options wires a Server. Submitter may be nil, which disables
// POST /api/events.
type Options struct {
	Config    *config.Config
	Listing   Listing
	Submitter Submitter
	Store     calendar.Store

	// Now defaults to time.Now.
	Now func() time.Time
}

// Server provides the calendar HTTP API.
type Server struct {
	cfg       *config.Config
	listing   Listing
	submitter Submitter
	store     calendar.Store
	now       func() time.Time
	loc       *time.Location

	router chi.Router
}

// NewServer constructs a new Server.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Server{
		cfg:       cfg,
		listing:   opts.Listing,
		submitter: opts.Submitter,
		store:     opts.Store,
		now:       opts.Now,
		loc:       cfg.Location(),
		router:    chi.NewRouter(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/calendar.ics", s.handleICS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/calendar", s.handleCalendar)
		r.Post("/calendar/state", s.handleCalendarState)
		r.Post("/recurrence/preview", s.handleRecurrencePreview)
		r.Post("/events", s.handleSubmitEvent)

		if s.basicAuthEnabled() {
			r.With(s.basicAuthMiddleware).Post("/admin/refresh", s.handleAdminRefresh)
		} else {
			appLog.Info("admin API disabled; basic_auth is not configured")
		}
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gigcal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requestLogger is the access log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		appLog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

// session returns the visitor's calendar session, issuing a cookie on the
// first visit.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *calendar.Session {
	id := ""
	if c, err := r.Cookie(sessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			id = c.Value
		}
	}
	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(s.cfg.State.KeyTTLDuration() / time.Second),
		})
	}

	return calendar.NewSession(calendar.SessionConfig{
		Store:      s.store,
		ID:         id,
		Location:   s.loc,
		StaleAfter: s.cfg.State.StaleAfterDuration(),
		Now:        s.now,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type healther interface {
		Health(ctx context.Context) error
	}
	if h, ok := s.store.(healther); ok {
		if err := h.Health(r.Context()); err != nil {
			appLog.Error("health: state store unavailable", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
