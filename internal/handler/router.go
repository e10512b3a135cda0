package handler

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/legacyvault/legacyvault/internal/middleware"
)

// RouterConfig collects everything the HTTP surface is built from.
type RouterConfig struct {
	Logger *slog.Logger

	Root       *Handler
	Health     *HealthHandler
	Metrics    *MetricsHandler
	Auth       *AuthHandler
	Cases      *CaseHandler
	Assets     *AssetHandler
	Nominees   *NomineeHandler
	Disclosure *DisclosureHandler

	Tokens     middleware.TokenParser
	RateLimit  middleware.RateLimitConfig
	Heartbeats middleware.HeartbeatPublisher
	CORS       middleware.CORSConfig

	IsDevelopment      bool
	MaxRequestBodySize int64

	// Now stamps heartbeats. Defaults to time.Now.
	Now func() time.Time
}

// NewRouter configures the chi router with all routes and middleware.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(middleware.Security(middleware.SecurityConfig{IsDevelopment: cfg.IsDevelopment}))
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.MaxRequestBodySize > 0 {
		r.Use(middleware.MaxBodySize(cfg.MaxRequestBodySize))
	}
	r.Use(middleware.RequireJSON)

	// Health and metrics endpoints (no auth required)
	r.Get("/", cfg.Root.Index)
	r.Get("/healthz", cfg.Health.Healthz)
	r.Get("/readyz", cfg.Health.Readyz)
	if cfg.Metrics != nil {
		r.Get("/metrics", cfg.Metrics.Metrics)
	}

	// Public endpoints share the per-IP bucket
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitIP(cfg.RateLimit))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", cfg.Auth.Signup)
			r.Post("/verify-otp", cfg.Auth.VerifyOTP)
			r.Post("/resend-otp", cfg.Auth.ResendOTP)
			r.Post("/login", cfg.Auth.Login)
			r.Post("/refresh-token", cfg.Auth.Refresh)
			r.Post("/logout", cfg.Auth.Logout)
		})

		r.Post("/check-ins/respond", cfg.Cases.Respond)
		r.Get("/disclosures/{token}", cfg.Disclosure.Access)
		r.Post("/webhooks/identity", cfg.Disclosure.IdentityCallback)
	})

	// API v1 routes (require a verified session)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(middleware.AuthConfig{Logger: cfg.Logger, Tokens: cfg.Tokens}))
		r.Use(middleware.RequireVerified())
		r.Use(middleware.RateLimitUser(cfg.RateLimit))
		r.Use(middleware.Heartbeat(cfg.Heartbeats, cfg.Now))

		r.Get("/me", cfg.Auth.Me)
		r.Patch("/me", cfg.Auth.UpdateMe)
		r.Post("/me/password", cfg.Auth.ChangePassword)

		r.Route("/cases", func(r chi.Router) {
			r.Get("/current", cfg.Cases.Current)
			r.Get("/{caseID}", cfg.Cases.Get)
			r.Post("/{caseID}/pause", cfg.Cases.Pause)
			r.Post("/{caseID}/resume", cfg.Cases.Resume)
			r.Post("/{caseID}/cancel", cfg.Cases.Cancel)
		})

		r.Get("/users/{userID}/policy", cfg.Cases.GetPolicy)
		r.Put("/users/{userID}/policy", cfg.Cases.UpdatePolicy)

		r.Get("/check-ins", cfg.Cases.History)
		r.Post("/check-ins", cfg.Cases.CheckIn)
		r.Post("/check-ins/{entryID}/corrections", cfg.Cases.Correct)
		r.Get("/releases", cfg.Cases.Releases)

		r.Route("/nominees", func(r chi.Router) {
			r.Get("/", cfg.Nominees.List)
			r.Post("/", cfg.Nominees.Create)
			r.Get("/{id}", cfg.Nominees.Get)
			r.Patch("/{id}", cfg.Nominees.Update)
			r.Delete("/{id}", cfg.Nominees.Delete)
		})

		r.Route("/assets", func(r chi.Router) {
			r.Get("/", cfg.Assets.List)
			r.Post("/", cfg.Assets.Create)
			r.Get("/{id}", cfg.Assets.Get)
			r.Patch("/{id}", cfg.Assets.Update)
			r.Delete("/{id}", cfg.Assets.Delete)
			r.Post("/{id}/upload-url", cfg.Assets.UploadURL)
		})
	})

	// 404 and 405 handlers
	r.NotFound(cfg.Root.NotFound)
	r.MethodNotAllowed(cfg.Root.MethodNotAllowed)

	return r
}
