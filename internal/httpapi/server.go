package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tuckersync/syncserver/internal/config"
	"github.com/tuckersync/syncserver/internal/objectclass"
	"github.com/tuckersync/syncserver/internal/synccount"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB        *pgxpool.Pool
	Cfg       *config.Config
	Registry  *objectclass.Registry
	Engine    *synccount.Engine
	RateLimit RateLimitInfo

	limiter *rateLimiter
}

// New wires a Server from its dependencies.
func New(db *pgxpool.Pool, cfg *config.Config, registry *objectclass.Registry) *Server {
	return &Server{
		DB:        db,
		Cfg:       cfg,
		Registry:  registry,
		Engine:    &synccount.Engine{Window: cfg.SessionExpiryWindow},
		RateLimit: DefaultRateLimit,
	}
}

const welcomeBody = "Welcome to Tucker Sync API"

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Welcome page for browsers poking at the root.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(welcomeBody))
	})

	// The whole protocol runs through POST on the base URL.
	if s.limiter == nil {
		rl := s.RateLimit
		if rl.WindowSeconds <= 0 {
			rl = DefaultRateLimit
		}
		s.limiter = newRateLimiter(rl)
	}
	r.With(rateLimitMiddleware(s.limiter)).Post("/", s.handleAPI)

	// Anything else on the base URL is the wrong method.
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	// Requests with trailing slashes are redirected (303) to the bare path.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if p := strings.TrimSuffix(r.URL.Path, "/"); p != r.URL.Path && p != "" {
			http.Redirect(w, r, p, http.StatusSeeOther)
			return
		}
		http.NotFound(w, r)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Close releases background resources held by the router, currently the
// rate limiter's cleanup goroutine.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.stop()
	}
}
