// Package api is the HTTP transport for the progression engine.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"jieyou_pet/internal/live"
	"jieyou_pet/internal/monitoring"
	"jieyou_pet/internal/rewards"
	"jieyou_pet/internal/session"
	"jieyou_pet/internal/shop"
)

// Deps are the collaborators the HTTP layer needs. Metrics, Limiter, Hub and
// the health callbacks are optional.
type Deps struct {
	Registry *session.Registry
	Tokens   *session.Tokens
	BotToken string
	Shop     *shop.Catalogue
	Table    rewards.Table
	Hub      *live.Hub
	Metrics  *monitoring.Metrics
	Limiter  *RateLimiter
	Log      logrus.FieldLogger

	Backend     string
	CORSOrigins []string
	// Ping checks the storage backend; QueueStats adds backlog figures to /health.
	Ping       func(ctx context.Context) error
	QueueStats func(ctx context.Context) map[string]any
}

type Server struct {
	Deps
	errs    *ErrorHandler
	started time.Time
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Shop == nil {
		d.Shop = shop.Default()
	}
	if len(d.Table.Thresholds) == 0 {
		d.Table = rewards.Default()
	}
	return &Server{Deps: d, errs: NewErrorHandler(d.Log), started: time.Now()}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.errs.RecoveryMiddleware)
	if s.Metrics != nil {
		r.Use(s.Metrics.Middleware)
	}
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/levels", s.handleLevels)

		r.Group(func(r chi.Router) {
			r.Use(s.limit)
			r.Post("/session", s.handleSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.limit)
			r.Get("/state", s.handleState)
			r.Post("/interactions", s.handleInteraction)
			r.Post("/sync", s.handleSync)
			r.Post("/resync", s.handleResync)
			r.Get("/shop", s.handleShopList)
			r.Post("/shop/{itemID}/purchase", s.handlePurchase)
		})
	})
	return r
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.Limiter == nil {
		return next
	}
	return s.Limiter.Handler(next)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type ctxKey int

const userIDKey ctxKey = iota

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authenticate resolves the bearer token to a user id and makes sure the
// user's session is open, re-bootstrapping it after a restart.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			s.errs.HandleError(w, r, newAPIError(ErrCodeUnauthorized, "Missing bearer token"))
			return
		}
		userID, err := s.Tokens.Parse(tok)
		if err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
		if _, err := s.Registry.Open(r.Context(), session.Identity{UserID: userID}); err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}
