package web

import (
	"encoding/json"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beardcraft/pokering/internal/metrics"
	"github.com/beardcraft/pokering/internal/poker"
	"github.com/beardcraft/pokering/internal/version"
)

var startedAt = time.Now().UTC()

// handleCreate allocates a session and redirects the browser into it.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.createCooldown.Allow(remoteIP(r), s.cfg.Limits.CreateCooldown) {
		log.Warn().Str("remote_ip", remoteIP(r)).Msg("rate limit exceeded for session creation")
		http.Error(w, "Too Many Requests: please wait before creating another session", http.StatusTooManyRequests)
		return
	}

	id, err := s.store.Create()
	if err != nil {
		log.Warn().Err(err).Int("max", s.store.MaxSessions()).Msg("session creation rejected")
		http.Error(w, "Server Full: maximum number of active sessions reached", http.StatusServiceUnavailable)
		return
	}
	metrics.ActiveSessions.Set(float64(s.store.Len()))

	http.Redirect(w, r, "/session/"+id, http.StatusSeeOther)
}

// handleSessionPage serves the client page after validating the id format,
// so malformed tokens never reach the filesystem.
func (s *Server) handleSessionPage(w http.ResponseWriter, r *http.Request) {
	if !poker.ValidSessionID(r.PathValue("id")) {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.Server.PublicDir, "index.html"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := s.store.Len()
	maxSessions := s.store.MaxSessions()
	conns, rooms := s.manager.Stats()

	writeJSON(w, map[string]any{
		"status":         "healthy",
		"version":        version.Version,
		"uptime_seconds": math.Round(time.Since(startedAt).Seconds()*100) / 100,
		"sessions": map[string]any{
			"active":        active,
			"max":           maxSessions,
			"usage_percent": math.Round(float64(active)/float64(maxSessions)*100*100) / 100,
		},
		"connections": map[string]any{
			"active": conns,
			"rooms":  rooms,
		},
		"rate_limits": map[string]any{
			"tracked_actors":     s.limiter.Actors(),
			"tracked_ips_join":   s.joinCooldown.Tracked(),
			"tracked_ips_create": s.createCooldown.Tracked(),
		},
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": version.Version})
}

func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.themes.Active(time.Now()))
}

// staticHandler serves the welcome page at the root and static assets
// everywhere else.
func (s *Server) staticHandler() http.Handler {
	fs := http.FileServer(http.Dir(s.cfg.Server.PublicDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.ServeFile(w, r, filepath.Join(s.cfg.Server.PublicDir, "welcome.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
