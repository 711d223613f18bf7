package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/dmsync/internal/api/middleware"
	"github.com/eldtechnologies/dmsync/internal/crypto"
	"github.com/eldtechnologies/dmsync/internal/handlers"
	"github.com/eldtechnologies/dmsync/internal/store"
)

// Options configures the router.
type Options struct {
	Mailbox   store.Mailbox
	Backend   string            // mailbox backend name: memory, redis or postgres
	Redis     *store.RedisStore // enables rate limiting and shared nonces when set
	RateLimit middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(16 * 1024)) // sealed payloads are at most 8KB
	r.Use(middleware.RequireJSON)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting and replay protection share Redis across instances
	var limiter *middleware.RateLimiter
	var nonces middleware.NonceStore
	if opts.Redis != nil {
		limiter = middleware.NewRateLimiter(opts.Redis.Client(), logger, opts.RateLimit)
		nonces = opts.Redis
	} else {
		logger.Warn().Msg("no Redis configured, rate limiting disabled and nonces kept in memory")
		nonces = store.NewMemoryNonces()
	}
	auth := middleware.NewAuthMiddleware(nonces)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", crypto.HeaderAgent, crypto.HeaderNonce, crypto.HeaderTimestamp, crypto.HeaderSignature},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(opts.Mailbox, opts.Backend, opts.Redis)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.With(limiter.Limit(middleware.HealthRule())).Get("/health", h.Health)

	r.Route("/dm/{peer}", func(r chi.Router) {
		r.Use(limiter.Limit(middleware.ConnectRule()))
		r.Use(auth.RequireAuth)

		r.With(limiter.Limit(middleware.SendRule())).Post("/", h.SendDM)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit(middleware.ReadRule()))
			r.Get("/", h.GetSince)
			r.Get("/recent", h.GetRecent)
			r.Get("/activity", h.GetActivity)
		})
	})

	return r
}
