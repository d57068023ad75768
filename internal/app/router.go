package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-chat-proxy/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(requestTimeout(cfg)))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// Session cookies cross origins only with credentials allowed.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", srv.RootHandler())
	r.Get("/info", srv.InfoHandler())
	r.Get("/health", srv.HealthHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	r.Route("/api", func(api chi.Router) {
		// Rate limit mutating endpoints
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(rateLimit(cfg), 1*time.Minute))
			wr.Post("/register", srv.RegisterHandler())
			wr.Post("/login", srv.LoginHandler())
		})
		api.Post("/logout", srv.LogoutHandler())
		api.Get("/check-auth", srv.CheckAuthHandler())

		api.Group(func(ar chi.Router) {
			ar.Use(srv.Sessions.AuthRequired)
			ar.With(httprate.LimitByIP(rateLimit(cfg), 1*time.Minute)).Post("/chat", srv.ChatHandler())
			ar.Get("/chat-history", srv.ChatHistoryHandler())
			ar.Get("/sessions", srv.SessionsHandler())
		})
	})

	return httpserver.SecurityHeaders(r)
}

func rateLimit(cfg config.Config) int {
	if cfg.RateLimitPerMin <= 0 {
		return 30
	}
	return cfg.RateLimitPerMin
}

func requestTimeout(cfg config.Config) time.Duration {
	if cfg.HTTPWriteTimeout <= 0 {
		return 45 * time.Second
	}
	return cfg.HTTPWriteTimeout
}
