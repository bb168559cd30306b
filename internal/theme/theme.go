// Package theme serves the date-scheduled color theme for the client.
package theme

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Theme is one named color scheme.
type Theme struct {
	Name        string            `json:"name"`
	Colors      map[string]string `json:"colors"`
	Logo        string            `json:"logo"`
	Decorations json.RawMessage   `json:"decorations,omitempty"`
}

// scheduleEntry activates a theme over a month-day range.
type scheduleEntry struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Theme string `json:"theme"`
}

type file struct {
	Themes   map[string]Theme `json:"themes"`
	Schedule []scheduleEntry  `json:"schedule"`
}

// Loader reads the theme file, caching by modification time.
type Loader struct {
	path string

	mu     sync.Mutex
	cached *file
	mtime  time.Time
}

// NewLoader creates a loader for the given theme file path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// DefaultTheme is served when no theme file is available.
func DefaultTheme() Theme {
	return Theme{
		Name: "Default",
		Colors: map[string]string{
			"primary-bg":       "#001f3f",
			"primary-action":   "#0074D9",
			"primary-hover":    "#005fa3",
			"success":          "#2ECC40",
			"card-bg":          "#003366",
			"modal-bg":         "#003366",
			"error":            "#FF4136",
			"secondary-action": "#FF851B",
			"secondary-hover":  "#cc6c16",
			"text-primary":     "#ffffff",
			"text-secondary":   "#cccccc",
		},
		Logo: "beardcraft.png",
	}
}

// Active returns the theme scheduled for now, falling back to the default
// theme on any load error.
func (l *Loader) Active(now time.Time) Theme {
	cfg, err := l.load()
	if err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("failed to load theme config")
		return DefaultTheme()
	}
	if cfg == nil {
		return DefaultTheme()
	}

	current := now.Format("01-02")
	active := "default"
	for _, entry := range cfg.Schedule {
		if entry.Start == "" || entry.End == "" || entry.Theme == "" {
			continue
		}
		if entry.Start <= current && current <= entry.End {
			active = entry.Theme
			break
		}
	}

	theme, ok := cfg.Themes[active]
	if !ok {
		theme, ok = cfg.Themes["default"]
	}
	if !ok {
		return DefaultTheme()
	}
	return theme
}

// load returns the parsed theme file, re-reading only when the file
// changed on disk. A missing file is not an error.
func (l *Loader) load() (*file, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat theme file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && info.ModTime().Equal(l.mtime) {
		return l.cached, nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read theme file: %w", err)
	}
	var cfg file
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse theme file: %w", err)
	}

	l.cached = &cfg
	l.mtime = info.ModTime()
	log.Info().Time("mtime", l.mtime).Msg("theme config loaded and cached")
	return l.cached, nil
}
