// Package web is the request/response surface around the realtime core:
// session allocation, static client delivery, health and theme endpoints.
package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/beardcraft/pokering/internal/config"
	"github.com/beardcraft/pokering/internal/gateway"
	"github.com/beardcraft/pokering/internal/ratelimit"
	"github.com/beardcraft/pokering/internal/session"
	"github.com/beardcraft/pokering/internal/theme"
)

// Server wires the HTTP routes around the session store and gateway.
type Server struct {
	cfg            *config.Config
	store          *session.Store
	limiter        *ratelimit.Limiter
	createCooldown *ratelimit.Cooldown
	joinCooldown   *ratelimit.Cooldown
	manager        *gateway.Manager
	themes         *theme.Loader
}

// NewServer creates the HTTP surface.
func NewServer(cfg *config.Config, store *session.Store, limiter *ratelimit.Limiter, createCooldown, joinCooldown *ratelimit.Cooldown, manager *gateway.Manager) *Server {
	return &Server{
		cfg:            cfg,
		store:          store,
		limiter:        limiter,
		createCooldown: createCooldown,
		joinCooldown:   joinCooldown,
		manager:        manager,
		themes:         theme.NewLoader(cfg.Server.ThemeFile),
	}
}

// HTTPServer builds the configured http.Server, CORS-wrapped and h2c-enabled.
func (s *Server) HTTPServer() *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /create", s.handleCreate)
	mux.HandleFunc("GET /session/{id}", s.handleSessionPage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /theme", s.handleTheme)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.manager.HandleWS)
	mux.Handle("/", s.staticHandler())

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           3600,
	})

	handler := c.Handler(securityHeaders(mux))

	return &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}
